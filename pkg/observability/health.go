package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// readinessTimeout bounds all checks of one readiness probe
const readinessTimeout = 5 * time.Second

// DependencyStatus is the result of one named check
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthStatus is the aggregate readiness report
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// CheckFunc probes one dependency. Latency and Timestamp are filled in by
// the checker when left zero.
type CheckFunc func(ctx context.Context) DependencyStatus

type namedCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// HealthChecker aggregates named checks. A failing critical check makes the
// service unhealthy; any other failure only degrades it.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []namedCheck
	version string
}

// NewHealthChecker registers the billing database as a critical check and
// Redis, which only backs job locks and rate limits, as a non-critical one.
// Either may be nil.
func NewHealthChecker(db *sql.DB, rdb *redis.Client) *HealthChecker {
	h := &HealthChecker{version: "dev"}
	if db != nil {
		h.AddCheck("database", true, DatabaseCheck(db))
	}
	if rdb != nil {
		h.AddCheck("redis", false, RedisCheck(rdb))
	}
	return h
}

// SetVersion sets the version reported by readiness checks
func (h *HealthChecker) SetVersion(version string) {
	h.mu.Lock()
	h.version = version
	h.mu.Unlock()
}

// AddCheck registers fn under name, replacing an existing check of that name
func (h *HealthChecker) AddCheck(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.checks {
		if c.name == name {
			h.checks[i] = namedCheck{name: name, critical: critical, fn: fn}
			return
		}
	}
	h.checks = append(h.checks, namedCheck{name: name, critical: critical, fn: fn})
	sort.Slice(h.checks, func(i, j int) bool { return h.checks[i].name < h.checks[j].name })
}

// Check runs every registered check in turn
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	version := h.version
	h.mu.RUnlock()

	report := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      version,
		Dependencies: make(map[string]DependencyStatus, len(checks)),
	}

	for _, c := range checks {
		start := time.Now()
		result := c.fn(ctx)
		if result.Latency == 0 {
			result.Latency = time.Since(start)
		}
		if result.Timestamp.IsZero() {
			result.Timestamp = start.UTC()
		}
		report.Dependencies[c.name] = result
		report.Status = worse(report.Status, effectiveStatus(result.Status, c.critical))
	}
	return report
}

// effectiveStatus caps a non-critical failure at degraded
func effectiveStatus(status string, critical bool) string {
	if status == StatusUnhealthy && !critical {
		return StatusDegraded
	}
	return status
}

func worse(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// DatabaseCheck pings db, runs a trivial query and flags an exhausted pool
func DatabaseCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) DependencyStatus {
		if err := db.PingContext(ctx); err != nil {
			return DependencyStatus{Status: StatusUnhealthy, Message: err.Error()}
		}

		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return DependencyStatus{Status: StatusUnhealthy, Message: "query failed: " + err.Error()}
		}

		if stats := db.Stats(); stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
			return DependencyStatus{Status: StatusDegraded, Message: "connection pool exhausted"}
		}
		return DependencyStatus{Status: StatusHealthy}
	}
}

// RedisCheck pings rdb
func RedisCheck(rdb *redis.Client) CheckFunc {
	return func(ctx context.Context) DependencyStatus {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return DependencyStatus{Status: StatusUnhealthy, Message: err.Error()}
		}
		return DependencyStatus{Status: StatusHealthy}
	}
}

// Liveness answers 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness answers 503 only when a critical check fails
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	report := h.Check(ctx)
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, report)
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// RegisterHealthRoutes registers /health, /health/live and /health/ready
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	for path, handler := range map[string]http.HandlerFunc{
		"/health":       checker.Readiness,
		"/health/live":  checker.Liveness,
		"/health/ready": checker.Readiness,
	} {
		router.HandleFunc(path, handler).Methods(http.MethodGet)
	}
}
