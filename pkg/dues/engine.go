package dues

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/clubhouse/pkg/async"
	"github.com/platinummonkey/clubhouse/pkg/members"
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sources label how a due record came into existence
const (
	SourceBackfill = "backfill"
	SourceMonthly  = "monthly"
	SourceManual   = "manual"
)

// Reasons a member is left out of generation
const (
	SkipGenerationDisabled = "automatic generation disabled"
	SkipInactive           = "member inactive"
	SkipRoleNotBillable    = "role not billable"
)

// backfillMemberTimeout bounds one member inside BackfillAllMembers
const backfillMemberTimeout = 2 * time.Minute

// Engine creates due records for billable members
type Engine struct {
	store     Store
	directory MemberDirectory
	cfg       Config
	logger    logrus.FieldLogger
	metrics   *observability.BillingMetrics
}

// NewEngine creates a generation engine. cfg is copied; metrics may be nil.
func NewEngine(store Store, directory MemberDirectory, cfg Config, logger logrus.FieldLogger, metrics *observability.BillingMetrics) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		store:     store,
		directory: directory,
		cfg:       cfg.clone(),
		logger:    logger.WithField("component", "dues_engine"),
		metrics:   metrics,
	}
}

// Enabled reports whether automatic generation is switched on
func (e *Engine) Enabled() bool {
	return e.cfg.AutomaticGenerationEnabled
}

// BackfillMember creates every missing due record for m from its registration
// period through the period of now, plus the configured number of future
// periods. Periods that already have a record are left alone, so running it
// again with the same now creates nothing.
//
// A failure on one period does not stop the others; all failures are joined
// into the returned error alongside the partial result.
func (e *Engine) BackfillMember(ctx context.Context, m *members.Member, now time.Time) (GenerationResult, error) {
	if m == nil {
		return GenerationResult{}, required("member")
	}
	result := GenerationResult{MemberID: m.ID}
	if reason := e.skipReason(m); reason != "" {
		result.Skipped = true
		result.SkipReason = reason
		return result, nil
	}

	current := PeriodOf(now)
	start := RegistrationPeriod(m, now)
	if current.Before(start) {
		// Registered in the future; bill from the current period.
		start = current
	}
	if floor := (Period{Month: time.January, Year: MinPeriodYear}); start.Before(floor) {
		start = floor
	}
	end := current.AddMonths(e.cfg.MonthsAhead)

	logger := e.logger.WithFields(logrus.Fields{
		"member_id": m.ID,
		"from":      start.String(),
		"to":        end.String(),
	})

	var errs []error
	for p := start; !end.Before(p); p = p.AddMonths(1) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		created, err := e.ensurePeriod(ctx, m, p, now, SourceBackfill)
		if err != nil {
			logger.WithError(err).WithField("period", p.String()).Warn("Failed to create due record")
			errs = append(errs, fmt.Errorf("period %s: %w", p, err))
			continue
		}
		if created {
			result.Created = append(result.Created, p)
		} else {
			result.Existing++
		}
	}

	if len(result.Created) > 0 {
		logger.WithField("created", len(result.Created)).Info("Backfilled member dues")
	}
	if len(errs) > 0 {
		return result, fmt.Errorf("failed to backfill member %d: %w", m.ID, errors.Join(errs...))
	}
	return result, nil
}

// RunMonthlyGeneration makes sure every active billable member has a due
// record for the period of now. Failures are isolated per member and reported
// in the result; an error is returned only when the member list cannot be
// loaded or ctx is cancelled mid-run.
func (e *Engine) RunMonthlyGeneration(ctx context.Context, now time.Time) (BatchResult, error) {
	wallStart := time.Now()
	period := PeriodOf(now)
	result := BatchResult{Period: period, StartedAt: now}

	if !e.cfg.AutomaticGenerationEnabled {
		e.logger.WithField("period", period.String()).Info("Automatic generation disabled, skipping monthly run")
		return result, nil
	}

	ctx, span := observability.Tracer().Start(ctx, "dues.RunMonthlyGeneration",
		trace.WithAttributes(attribute.String("billing.period", period.String())))
	defer span.End()

	list, err := e.directory.ListActiveBillableMembers(ctx, e.cfg.BillableRoles)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list members")
		return result, fmt.Errorf("failed to list billable members: %w", err)
	}
	result.Members = len(list)

	for _, m := range list {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(wallStart)
			return result, fmt.Errorf("monthly generation interrupted: %w", err)
		}
		if reason := e.skipReason(m); reason != "" {
			result.Skipped++
			continue
		}
		created, err := e.ensurePeriod(ctx, m, period, now, SourceMonthly)
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"member_id": m.ID,
				"period":    period.String(),
			}).Error("Failed to generate monthly due")
			result.Failed++
			result.Failures = append(result.Failures, MemberFailure{MemberID: m.ID, Error: err.Error()})
			continue
		}
		if created {
			result.Created++
		} else {
			result.Existing++
		}
	}

	result.Duration = time.Since(wallStart)
	span.SetAttributes(
		attribute.Int("billing.members", result.Members),
		attribute.Int("billing.created", result.Created),
		attribute.Int("billing.failed", result.Failed),
	)
	e.logger.WithFields(logrus.Fields{
		"period":   period.String(),
		"members":  result.Members,
		"created":  result.Created,
		"existing": result.Existing,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"duration": result.Duration.String(),
	}).Info("Monthly generation finished")

	return result, nil
}

// BackfillAllMembers runs BackfillMember for every active billable member on
// a pool of workers. It is meant for first deployment and recovery after
// missed monthly runs.
func (e *Engine) BackfillAllMembers(ctx context.Context, now time.Time, workers int) (BatchResult, error) {
	wallStart := time.Now()
	result := BatchResult{Period: PeriodOf(now), StartedAt: now}

	if !e.cfg.AutomaticGenerationEnabled {
		e.logger.Info("Automatic generation disabled, skipping bulk backfill")
		return result, nil
	}

	ctx, span := observability.Tracer().Start(ctx, "dues.BackfillAllMembers")
	defer span.End()

	list, err := e.directory.ListActiveBillableMembers(ctx, e.cfg.BillableRoles)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list members")
		return result, fmt.Errorf("failed to list billable members: %w", err)
	}
	result.Members = len(list)

	var mu sync.Mutex
	settled := make(map[int64]bool, len(list))
	async.Batch(ctx, list, async.BatchOptions{
		Workers:  workers,
		TaskName: "member backfill",
		Timeout:  backfillMemberTimeout,
		Logger:   e.logger,
	}, func(ctx context.Context, m *members.Member) error {
		res, err := e.BackfillMember(ctx, m, now)

		mu.Lock()
		defer mu.Unlock()
		settled[m.ID] = true
		result.Created += len(res.Created)
		result.Existing += res.Existing
		if res.Skipped {
			result.Skipped++
		}
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, MemberFailure{MemberID: m.ID, Error: err.Error()})
		}
		return err
	})

	// Members never handed to a worker after cancellation, or whose
	// backfill panicked, still count as failed.
	reason := "not processed"
	if err := ctx.Err(); err != nil {
		reason = "not processed: " + err.Error()
	}
	for _, m := range list {
		if !settled[m.ID] {
			result.Failed++
			result.Failures = append(result.Failures, MemberFailure{MemberID: m.ID, Error: reason})
		}
	}

	result.Duration = time.Since(wallStart)
	span.SetAttributes(
		attribute.Int("billing.members", result.Members),
		attribute.Int("billing.created", result.Created),
		attribute.Int("billing.failed", result.Failed),
	)
	e.logger.WithFields(logrus.Fields{
		"members":  result.Members,
		"created":  result.Created,
		"existing": result.Existing,
		"failed":   result.Failed,
		"duration": result.Duration.String(),
	}).Info("Bulk backfill finished")

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "interrupted")
		return result, fmt.Errorf("bulk backfill interrupted: %w", err)
	}
	return result, nil
}

func (e *Engine) skipReason(m *members.Member) string {
	switch {
	case !e.cfg.AutomaticGenerationEnabled:
		return SkipGenerationDisabled
	case !m.Active:
		return SkipInactive
	case !e.cfg.IsBillable(m.Role):
		return SkipRoleNotBillable
	default:
		return ""
	}
}

// ensurePeriod creates the record for (m, p) unless one exists. It reports
// whether a record was created.
func (e *Engine) ensurePeriod(ctx context.Context, m *members.Member, p Period, now time.Time, source string) (bool, error) {
	exists, err := e.store.ExistsFor(ctx, m.ID, p)
	if err != nil {
		return false, fmt.Errorf("failed to check existing due: %w", err)
	}
	if exists {
		return false, nil
	}

	rec := newDueRecord(m, p, e.cfg.MonthlyDueAmount, e.cfg.DueDayOfMonth, now)
	if err := e.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Another run created it between the check and the insert.
			e.logger.WithFields(logrus.Fields{
				"member_id": m.ID,
				"period":    p.String(),
			}).Debug("Due record created concurrently")
			return false, nil
		}
		return false, fmt.Errorf("failed to create due: %w", err)
	}

	e.metrics.RecordDueCreated(source)
	return true, nil
}

// newDueRecord builds a pending record. Periods other than the current one
// are dated to their first day.
func newDueRecord(m *members.Member, p Period, amount decimal.Decimal, dueDay *int, now time.Time) *DueRecord {
	registered := p.FirstDay()
	if p == PeriodOf(now) {
		registered = now
	}
	return &DueRecord{
		MemberID:         m.ID,
		MemberName:       m.FullName,
		Period:           p,
		Amount:           amount,
		Status:           StatusPending,
		RegistrationDate: registered,
		DueDate:          DueDate(p, dueDay),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
