package dues

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Sweeper marks pending dues past their due date as overdue
type Sweeper struct {
	store   Store
	logger  logrus.FieldLogger
	metrics *observability.BillingMetrics
}

// NewSweeper creates an overdue sweeper. metrics may be nil.
func NewSweeper(store Store, logger logrus.FieldLogger, metrics *observability.BillingMetrics) *Sweeper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sweeper{
		store:   store,
		logger:  logger.WithField("component", "overdue_sweeper"),
		metrics: metrics,
	}
}

// Sweep moves every pending record whose due date is before the calendar
// date of now to overdue. A record due today is not overdue yet.
//
// Each record is handled on its own: a record that fails to persist is
// logged and counted, and the sweep carries on. Records paid or rejected
// between the scan and the write are skipped. An error is returned only when
// the candidate scan fails.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	wallStart := time.Now()
	cutoff := StartOfDay(now)
	result := SweepResult{Cutoff: cutoff}

	ctx, span := observability.Tracer().Start(ctx, "dues.Sweep")
	defer span.End()

	candidates, err := s.store.FindPendingDueBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan")
		return result, fmt.Errorf("failed to find pending dues before %s: %w", cutoff.Format(time.DateOnly), err)
	}
	result.Scanned = len(candidates)

	for _, rec := range candidates {
		logger := s.logger.WithFields(logrus.Fields{
			"due_id":    rec.ID,
			"member_id": rec.MemberID,
			"period":    rec.Period.String(),
		})

		if err := rec.MarkOverdue(now); err != nil {
			// The store returned a non-pending record; nothing to do.
			logger.WithError(err).Warn("Skipping record that is not pending")
			result.Skipped++
			continue
		}
		if err := s.store.Update(ctx, rec, StatusPending); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				logger.Debug("Record changed during sweep, skipping")
				result.Skipped++
				continue
			}
			logger.WithError(err).Error("Failed to mark due record overdue")
			result.Failed++
			continue
		}
		result.Marked++
		s.metrics.RecordTransition(string(StatusOverdue))
	}

	result.Duration = time.Since(wallStart)
	span.SetAttributes(
		attribute.Int("billing.scanned", result.Scanned),
		attribute.Int("billing.marked", result.Marked),
		attribute.Int("billing.failed", result.Failed),
	)
	s.logger.WithFields(logrus.Fields{
		"cutoff":   cutoff.Format(time.DateOnly),
		"scanned":  result.Scanned,
		"marked":   result.Marked,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"duration": result.Duration.String(),
	}).Info("Overdue sweep finished")

	return result, nil
}
