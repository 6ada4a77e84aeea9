// Command clubhouse-billing runs the membership billing worker: the monthly
// generation and overdue sweep cron jobs plus the admin HTTP API.
//
// With -run-once it runs a single job and exits, which suits external
// schedulers and recovery after downtime:
//
//	clubhouse-billing -run-once=monthly
//	clubhouse-billing -run-once=sweep
//	clubhouse-billing -run-once=backfill -backfill-workers=8
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/clubhouse/pkg/api"
	"github.com/platinummonkey/clubhouse/pkg/audit"
	"github.com/platinummonkey/clubhouse/pkg/config"
	"github.com/platinummonkey/clubhouse/pkg/dues"
	"github.com/platinummonkey/clubhouse/pkg/lock"
	"github.com/platinummonkey/clubhouse/pkg/members"
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/platinummonkey/clubhouse/pkg/ratelimit"
	"github.com/platinummonkey/clubhouse/pkg/scheduler"
	"github.com/platinummonkey/clubhouse/pkg/storage/postgres"
	"github.com/platinummonkey/clubhouse/pkg/storage/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

var (
	runOnce         = flag.String("run-once", "", "Run one job and exit: monthly, sweep or backfill")
	backfillWorkers = flag.Int("backfill-workers", 4, "Concurrent members processed by -run-once=backfill")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("version", version).Info("Starting clubhouse billing worker")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Billing worker failed")
	}
	logger.Info("Billing worker stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := observability.ShutdownOTel(shutdownCtx, providers, logger); err != nil {
			logger.WithError(err).Warn("Failed to shut down OpenTelemetry")
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := observability.NewBillingMetrics(registry)

	stack, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.close()

	auditLog, auditStore, err := openAudit(ctx, cfg, stack, logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	var redisClient *redis.Client
	schedulerOpts := []scheduler.Option{scheduler.WithAudit(auditLog)}
	if cfg.Redis.Enabled() {
		redisClient, err = lock.NewRedisClient(ctx, lock.RedisOptions{
			URL:        cfg.Redis.URL,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		schedulerOpts = append(schedulerOpts, scheduler.WithLocker(lock.NewRedisLocker(redisClient, cfg.Redis.LockPrefix)))
		logger.Info("Distributed job lock enabled")
	}

	engine := dues.NewEngine(stack.store, stack.directory, cfg.Billing, logger, metrics)
	sweeper := dues.NewSweeper(stack.store, logger, metrics)
	service := dues.NewService(stack.store, stack.directory, cfg.Billing, logger, metrics)

	location, err := cfg.Scheduler.Location()
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}
	sched, err := scheduler.New(engine, sweeper, scheduler.Config{
		MonthlySchedule: cfg.Scheduler.MonthlySchedule,
		DailySchedule:   cfg.Scheduler.DailySchedule,
		Location:        location,
		LockTTL:         cfg.Redis.LockTTL,
		JobTimeout:      cfg.Scheduler.JobTimeout,
	}, logger, metrics, schedulerOpts...)
	if err != nil {
		return err
	}

	if *runOnce != "" {
		return runJob(audit.WithActor(ctx, "cli"), *runOnce, sched, engine, auditLog, logger)
	}

	health := observability.NewHealthChecker(stack.db, redisClient)
	health.SetVersion(version)
	health.AddCheck("billing_jobs", false, sched.HealthCheck)
	if stack.connections != nil && stack.connections.ReplicaCount() > 0 {
		health.AddCheck("database_replicas", false, stack.connections.ReplicaCheck)
	}

	opts := api.ServerOptions{
		Service:    service,
		Engine:     engine,
		Directory:  stack.directory,
		Jobs:       sched,
		Clock:      sched.Now,
		Audit:      auditLog,
		AuditStore: auditStore,
		Health:     health,
		Metrics:    metrics,
		Logger:     logger,
	}
	if cfg.Observability.MetricsEnabled {
		opts.Registry = registry
	}
	if cfg.Server.RunRateLimit > 0 {
		limitCfg := ratelimit.Config{RequestsPerWindow: cfg.Server.RunRateLimit, Window: cfg.Server.RunRateWindow}
		if redisClient != nil {
			opts.RunLimiter = ratelimit.NewRedisLimiter(redisClient, limitCfg, "")
		} else {
			memLimiter := ratelimit.NewMemoryLimiter(limitCfg)
			memLimiter.StartCleanup(ctx)
			opts.RunLimiter = memLimiter
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewServer(opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Scheduler.Enabled {
		sched.Start()
	} else {
		logger.Warn("Scheduler disabled, billing jobs run only on demand")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("Admin API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.UpdateDBStats(stack.db.Stats())
			case <-gctx.Done():
				return nil
			}
		}
	})

	if stack.connections != nil {
		stack.connections.StartHealthCheckRoutine(gctx, 30*time.Second)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if cfg.Scheduler.Enabled {
			select {
			case <-sched.Stop().Done():
			case <-shutdownCtx.Done():
				logger.Warn("Timed out waiting for running billing jobs")
			}
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runJob runs a single job for -run-once
func runJob(ctx context.Context, job string, sched *scheduler.Scheduler, engine *dues.Engine, auditLog audit.Logger, logger logrus.FieldLogger) error {
	switch job {
	case "monthly":
		result, err := sched.RunMonthlyGeneration(ctx)
		if err != nil {
			return fmt.Errorf("monthly generation failed: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"period":  result.Period.String(),
			"created": result.Created,
			"failed":  result.Failed,
		}).Info("Monthly generation completed")
	case "sweep":
		result, err := sched.RunDailySweep(ctx)
		if err != nil {
			return fmt.Errorf("overdue sweep failed: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"marked": result.Marked,
			"failed": result.Failed,
		}).Info("Overdue sweep completed")
	case "backfill":
		result, err := engine.BackfillAllMembers(ctx, sched.Now(), *backfillWorkers)
		event := audit.NewEvent(ctx, audit.EventTypeBulkBackfill, audit.StatusSuccess)
		if err != nil {
			event.Status = audit.StatusFailure
			event.ErrorMessage = err.Error()
		}
		event.Metadata["workers"] = *backfillWorkers
		event.Metadata["members"] = result.Members
		event.Metadata["created"] = result.Created
		event.Metadata["failed"] = result.Failed
		audit.Record(ctx, auditLog, event)
		if err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"members": result.Members,
			"created": result.Created,
			"failed":  result.Failed,
		}).Info("Backfill completed")
	default:
		return fmt.Errorf("unknown job %q (must be monthly, sweep or backfill)", job)
	}
	return nil
}

type storageStack struct {
	store       dues.Store
	directory   dues.MemberDirectory
	db          *sql.DB
	dialect     audit.Dialect
	connections *postgres.ConnectionManager
	close       func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*storageStack, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		cm, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfig{
			PrimaryURL:  cfg.Storage.PostgresURL,
			ReplicaURLs: cfg.Storage.PostgresReplicaURLs,
			MaxConns:    cfg.Storage.PostgresMaxConns,
			MinConns:    cfg.Storage.PostgresMinConns,
			Timeout:     cfg.Storage.PostgresTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, cm.Primary()); err != nil {
			cm.Close()
			return nil, err
		}
		logger.WithField("replicas", cm.ReplicaCount()).Info("Connected to PostgreSQL")

		return &storageStack{
			store:       postgres.NewDueStoreWithReplicas(cm),
			directory:   members.NewCachedDirectory(members.NewPostgresDirectory(cm.Primary()), cfg.Members.CacheSize, cfg.Members.CacheTTL),
			db:          cm.Primary(),
			dialect:     audit.DialectPostgres,
			connections: cm,
			close: func() {
				if err := cm.Close(); err != nil {
					logger.WithError(err).Warn("Failed to close postgres connections")
				}
			},
		}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", cfg.Storage.SQLitePath).Info("Opened SQLite database")

		return &storageStack{
			store:     sqlite.NewDueStore(db),
			directory: members.NewCachedDirectory(sqlite.NewMemberDirectory(db), cfg.Members.CacheSize, cfg.Members.CacheTTL),
			db:        db,
			dialect:   audit.DialectSQLite,
			close: func() {
				if err := db.Close(); err != nil {
					logger.WithError(err).Warn("Failed to close sqlite database")
				}
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

// openAudit builds the audit trail sinks. The returned store is nil when
// events are not kept in the database.
func openAudit(ctx context.Context, cfg *config.Config, stack *storageStack, logger logrus.FieldLogger) (audit.Logger, audit.Searcher, error) {
	var (
		sinks []audit.Logger
		store audit.Searcher
	)

	if cfg.Audit.DatabaseEnabled {
		sqlStore := audit.NewSQLStore(stack.db, stack.dialect)
		if err := sqlStore.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sqlStore)
		store = sqlStore
	}

	if cfg.Audit.FileDir != "" {
		fileLogger, err := audit.NewFileLogger(audit.FileLoggerConfig{
			BasePath: cfg.Audit.FileDir,
			MaxSize:  cfg.Audit.FileMaxBytes,
			MaxFiles: cfg.Audit.FileMaxFiles,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		sinks = append(sinks, fileLogger)
	}

	logger.WithFields(logrus.Fields{
		"database": cfg.Audit.DatabaseEnabled,
		"dir":      cfg.Audit.FileDir,
	}).Info("Audit trail configured")
	return audit.NewMultiLogger(sinks...), store, nil
}
