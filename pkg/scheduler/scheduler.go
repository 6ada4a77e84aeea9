package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/clubhouse/pkg/audit"
	"github.com/platinummonkey/clubhouse/pkg/dues"
	"github.com/platinummonkey/clubhouse/pkg/lock"
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Job names used in logs, metrics and lock keys
const (
	JobMonthlyGeneration = "monthly_generation"
	JobOverdueSweep      = "overdue_sweep"
)

// Default cron specs (standard five-field syntax)
const (
	DefaultMonthlySchedule = "0 1 1 * *"
	DefaultDailySchedule   = "5 0 * * *"
	DefaultLockTTL         = time.Hour
)

// ErrAlreadyRunning is returned when the job is already running here or on
// another instance
var ErrAlreadyRunning = errors.New("billing job already running")

// Generator creates the current period's dues
type Generator interface {
	Enabled() bool
	RunMonthlyGeneration(ctx context.Context, now time.Time) (dues.BatchResult, error)
}

// Sweeper marks overdue dues
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (dues.SweepResult, error)
}

// Locker provides cross-instance mutual exclusion
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lease, error)
}

// Config holds the job schedules
type Config struct {
	MonthlySchedule string
	DailySchedule   string
	// Location the cron specs are evaluated in. Defaults to UTC.
	Location *time.Location
	// LockTTL bounds how long a crashed holder blocks other instances
	LockTTL time.Duration
	// JobTimeout cancels a run that takes longer. Zero means no limit.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MonthlySchedule == "" {
		c.MonthlySchedule = DefaultMonthlySchedule
	}
	if c.DailySchedule == "" {
		c.DailySchedule = DefaultDailySchedule
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	return c
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithLocker makes each run take a distributed lock first
func WithLocker(l Locker) Option {
	return func(s *Scheduler) {
		s.locker = l
	}
}

// WithAudit records every completed or failed run to l
func WithAudit(l audit.Logger) Option {
	return func(s *Scheduler) {
		s.audit = l
	}
}

// WithClock replaces time.Now as the source of the billing "now"
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler owns the cron instance and the two billing jobs
type Scheduler struct {
	cron      *cron.Cron
	generator Generator
	sweeper   Sweeper
	locker    Locker
	audit     audit.Logger
	cfg       Config
	logger    logrus.FieldLogger
	metrics   *observability.BillingMetrics
	now       func() time.Time

	monthlyRunning atomic.Bool
	sweepRunning   atomic.Bool

	monthlyEntry cron.EntryID
	dailyEntry   cron.EntryID

	lastMu   sync.Mutex
	lastRuns map[string]RunRecord
}

// RunRecord describes the most recent completed run of a job
type RunRecord struct {
	RunID      string        `json:"run_id"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// New creates a scheduler and registers both jobs. It fails on an invalid
// cron spec. metrics may be nil.
func New(generator Generator, sweeper Sweeper, cfg Config, logger logrus.FieldLogger, metrics *observability.BillingMetrics, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()

	s := &Scheduler{
		generator: generator,
		sweeper:   sweeper,
		cfg:       cfg,
		logger:    logger.WithField("component", "billing_scheduler"),
		metrics:   metrics,
		now:       time.Now,
		lastRuns:  make(map[string]RunRecord),
	}
	for _, opt := range opts {
		opt(s)
	}

	cronLog := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	var err error
	s.monthlyEntry, err = s.cron.AddFunc(cfg.MonthlySchedule, func() {
		s.runScheduled(JobMonthlyGeneration, func(ctx context.Context) error {
			_, err := s.RunMonthlyGeneration(ctx)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule monthly generation %q: %w", cfg.MonthlySchedule, err)
	}

	s.dailyEntry, err = s.cron.AddFunc(cfg.DailySchedule, func() {
		s.runScheduled(JobOverdueSweep, func(ctx context.Context) error {
			_, err := s.RunDailySweep(ctx)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule overdue sweep %q: %w", cfg.DailySchedule, err)
	}

	return s, nil
}

// Start runs the cron loop in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"monthly_schedule": s.cfg.MonthlySchedule,
		"daily_schedule":   s.cfg.DailySchedule,
		"next_monthly":     s.cron.Entry(s.monthlyEntry).Next,
		"next_sweep":       s.cron.Entry(s.dailyEntry).Next,
	}).Info("Billing scheduler started")
}

// Stop stops scheduling new runs. The returned context is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("Stopping billing scheduler")
	return s.cron.Stop()
}

// Now returns the billing "now" on the club's calendar. Periods and the
// overdue cutoff are taken from its wall-clock date, so it must be in the
// same location the cron specs fire in.
func (s *Scheduler) Now() time.Time {
	return s.now().In(s.cfg.Location)
}

// NextRuns reports when each job fires next. Times are zero before Start.
func (s *Scheduler) NextRuns() map[string]time.Time {
	return map[string]time.Time{
		JobMonthlyGeneration: s.cron.Entry(s.monthlyEntry).Next,
		JobOverdueSweep:      s.cron.Entry(s.dailyEntry).Next,
	}
}

// RunMonthlyGeneration runs monthly generation now. It is what the monthly
// cron job calls and is exposed for manual triggers.
func (s *Scheduler) RunMonthlyGeneration(ctx context.Context) (dues.BatchResult, error) {
	now := s.Now()
	period := dues.PeriodOf(now)
	logger := s.jobLogger(ctx, JobMonthlyGeneration)

	if !s.generator.Enabled() {
		logger.Info("Automatic generation disabled, monthly job is a no-op")
		s.metrics.RecordJob(JobMonthlyGeneration, observability.JobStatusSkipped, 0)
		return dues.BatchResult{Period: period, StartedAt: now}, nil
	}

	var result dues.BatchResult
	err := s.exclusive(ctx, JobMonthlyGeneration, "monthly-generation:"+period.String(), &s.monthlyRunning, func(ctx context.Context) error {
		var err error
		result, err = s.generator.RunMonthlyGeneration(ctx, now)
		s.metrics.RecordItemFailures(JobMonthlyGeneration, result.Failed)
		s.recordRun(ctx, audit.EventTypeMonthlyGeneration, period.String(), err, map[string]interface{}{
			"members":  result.Members,
			"created":  result.Created,
			"existing": result.Existing,
			"failed":   result.Failed,
		})
		return err
	})
	return result, err
}

// RunDailySweep runs the overdue sweep now. The sweep is not gated by the
// automatic generation flag.
func (s *Scheduler) RunDailySweep(ctx context.Context) (dues.SweepResult, error) {
	now := s.Now()

	var result dues.SweepResult
	err := s.exclusive(ctx, JobOverdueSweep, "overdue-sweep:"+now.Format(time.DateOnly), &s.sweepRunning, func(ctx context.Context) error {
		var err error
		result, err = s.sweeper.Sweep(ctx, now)
		s.metrics.RecordItemFailures(JobOverdueSweep, result.Failed)
		s.recordRun(ctx, audit.EventTypeOverdueSweep, "", err, map[string]interface{}{
			"cutoff":  result.Cutoff.Format(time.DateOnly),
			"scanned": result.Scanned,
			"marked":  result.Marked,
			"failed":  result.Failed,
		})
		return err
	})
	return result, err
}

// exclusive runs fn unless the job is already running in this process or,
// with a locker, on another instance. It records metrics and a span.
func (s *Scheduler) exclusive(ctx context.Context, job, lockKey string, running *atomic.Bool, fn func(context.Context) error) error {
	if observability.GetRunID(ctx) == "" {
		ctx = observability.WithRunID(ctx, uuid.NewString())
	}
	logger := s.jobLogger(ctx, job)

	if !running.CompareAndSwap(false, true) {
		logger.Warn("Job already running in this process, skipping")
		s.metrics.RecordJob(job, observability.JobStatusSkipped, 0)
		return ErrAlreadyRunning
	}
	defer running.Store(false)

	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	ctx, span := observability.Tracer().Start(ctx, "scheduler."+job,
		trace.WithAttributes(attribute.String("billing.job", job)))
	defer span.End()

	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
		switch {
		case errors.Is(err, lock.ErrNotAcquired):
			logger.Info("Job holds a lock on another instance, skipping")
			s.metrics.RecordJob(job, observability.JobStatusSkipped, 0)
			return ErrAlreadyRunning
		case err != nil:
			// The store's unique constraint and conditional updates still
			// keep the data consistent without the lock.
			logger.WithError(err).Warn("Failed to acquire job lock, running without it")
		default:
			stopRenewing := s.renewLease(ctx, lease, logger)
			defer func() {
				stopRenewing()
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := lease.Release(releaseCtx); err != nil {
					logger.WithError(err).Warn("Failed to release job lock")
				}
			}()
		}
	}

	start := time.Now()
	logger.Info("Billing job started")

	err := fn(ctx)
	duration := time.Since(start)
	s.setLastRun(ctx, job, duration, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordJob(job, observability.JobStatusFailure, duration)
		logger.WithError(err).WithField("duration", duration.String()).Error("Billing job failed")
		return err
	}

	s.metrics.RecordJob(job, observability.JobStatusSuccess, duration)
	logger.WithField("duration", duration.String()).Info("Billing job finished")
	return nil
}

// renewLease extends lease every half TTL so a run that outlasts LockTTL
// keeps it. The returned func stops renewing and waits for the goroutine.
func (s *Scheduler) renewLease(ctx context.Context, lease *lock.Lease, logger logrus.FieldLogger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer observability.RecoverPanic(logger, "lock_renewal")

		ticker := time.NewTicker(s.cfg.LockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := lease.Extend(ctx, s.cfg.LockTTL)
				switch {
				case err == nil, ctx.Err() != nil:
				case errors.Is(err, lock.ErrLeaseLost):
					logger.Warn("Job lock expired mid-run, another instance may start")
					return
				default:
					logger.WithError(err).Warn("Failed to extend job lock")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (s *Scheduler) setLastRun(ctx context.Context, job string, duration time.Duration, err error) {
	rec := RunRecord{
		RunID:      observability.GetRunID(ctx),
		FinishedAt: time.Now().UTC(),
		Duration:   duration,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.lastMu.Lock()
	s.lastRuns[job] = rec
	s.lastMu.Unlock()
}

// LastRuns returns the latest completed run per job. Skipped runs are not
// recorded.
func (s *Scheduler) LastRuns() map[string]RunRecord {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	out := make(map[string]RunRecord, len(s.lastRuns))
	for job, rec := range s.lastRuns {
		out[job] = rec
	}
	return out
}

// HealthCheck reports the billing jobs as unhealthy while the latest run of
// either job failed. Register it as a non-critical check.
func (s *Scheduler) HealthCheck(_ context.Context) observability.DependencyStatus {
	var failed []string
	for _, job := range []string{JobMonthlyGeneration, JobOverdueSweep} {
		if rec, ok := s.LastRuns()[job]; ok && rec.Error != "" {
			failed = append(failed, job+": "+rec.Error)
		}
	}
	if len(failed) > 0 {
		return observability.DependencyStatus{
			Status:  observability.StatusUnhealthy,
			Message: "last run failed: " + strings.Join(failed, "; "),
		}
	}
	return observability.DependencyStatus{Status: observability.StatusHealthy}
}

func (s *Scheduler) recordRun(ctx context.Context, eventType audit.EventType, period string, err error, metadata map[string]interface{}) {
	if s.audit == nil {
		return
	}
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
	}
	event := audit.NewEvent(ctx, eventType, status)
	event.Period = period
	event.Metadata = metadata
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	if event.Actor == "" {
		event.Actor = "scheduler"
	}
	audit.Record(ctx, s.audit, event)
}

// runScheduled is the cron entry point for a job
func (s *Scheduler) runScheduled(job string, fn func(context.Context) error) {
	ctx := observability.WithRunID(context.Background(), uuid.NewString())
	defer observability.RecoverPanic(s.jobLogger(ctx, job), job)

	// Failures are logged by exclusive.
	_ = fn(ctx)
}

func (s *Scheduler) jobLogger(ctx context.Context, job string) logrus.FieldLogger {
	logger := s.logger.WithField("job", job)
	if runID := observability.GetRunID(ctx); runID != "" {
		logger = logger.WithField("run_id", runID)
	}
	return observability.LoggerWithTrace(ctx, logger)
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
