// Package observability provides structured logging, Prometheus metrics, health
// checks, and OpenTelemetry tracing for the billing worker.
//
// # Structured Logging
//
//	logger := observability.NewLogger(logrus.InfoLevel, os.Stdout)
//	logger.WithField("period", "2024-03").Info("monthly generation started")
//
// Context-aware logging:
//
//	ctx = observability.WithLogger(ctx, logger)
//	ctx = observability.WithRunID(ctx, runID)
//	observability.FromContext(ctx).Warn("member skipped")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewBillingMetrics(registry)
//	metrics.RecordDueCreated("monthly")
//	metrics.RecordJob("overdue_sweep", observability.JobStatusSuccess, elapsed)
//
// All BillingMetrics methods are safe to call on a nil receiver, so components
// can run without metrics in tests.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddCheck("billing_jobs", false, sched.HealthCheck)
//	observability.RegisterHealthRoutes(router, checker)
//
// The database check is critical and answers 503 when it fails. Every other
// check only degrades the report.
//
// # Related Packages
//
//   - pkg/scheduler: Records job metrics
//   - pkg/dues: Records created dues and transitions
package observability
