package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/clubhouse/pkg/audit"
	"github.com/platinummonkey/clubhouse/pkg/dues"
	"github.com/platinummonkey/clubhouse/pkg/httputil"
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/platinummonkey/clubhouse/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultMaxBodyBytes = 1 << 20

// ServerOptions wires the admin server to the billing components
type ServerOptions struct {
	Service   *dues.Service
	Engine    Backfiller
	Directory dues.MemberDirectory
	Jobs      JobRunner

	// Optional
	Audit        audit.Logger
	AuditStore   audit.Searcher
	RunLimiter   ratelimit.Limiter
	Health       *observability.HealthChecker
	Metrics      *observability.BillingMetrics
	Registry     *prometheus.Registry
	Logger       logrus.FieldLogger
	Clock        func() time.Time
	MaxBodyBytes int64
}

// Server is the admin HTTP API
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer builds the router and the middleware stack
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(opts.Metrics, routeTemplate))

	if opts.Health != nil {
		observability.RegisterHealthRoutes(router, opts.Health)
	}
	if opts.Registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(opts.Registry)).Methods(http.MethodGet)
	}

	NewDueHandlers(opts.Service, opts.Engine, opts.Directory, opts.Jobs, logger, opts.Clock).
		WithAudit(opts.Audit).
		WithRunLimiter(opts.RunLimiter).
		RegisterRoutes(router)
	if opts.AuditStore != nil {
		audit.NewHandlers(opts.AuditStore).RegisterRoutes(router)
	}

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		audit.ActorMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.MaxBytesMiddleware(maxBody),
	)(router)

	return &Server{
		router:  router,
		handler: otelhttp.NewHandler(handler, "clubhouse-admin"),
	}
}

// Router exposes the router for additional routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// routeTemplate labels metrics by route pattern rather than raw path
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
