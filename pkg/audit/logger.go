package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/clubhouse/pkg/observability"
)

// Logger persists audit events
type Logger interface {
	Log(ctx context.Context, event *Event) error
	Close() error
}

// Searcher queries persisted audit events, newest first
type Searcher interface {
	Search(ctx context.Context, filter Filter) ([]*Event, error)
}

type noOpLogger struct{}

func (noOpLogger) Log(context.Context, *Event) error { return nil }
func (noOpLogger) Close() error                      { return nil }

// NoOp returns a Logger that discards everything
func NoOp() Logger {
	return noOpLogger{}
}

type contextKey string

const actorKey contextKey = "audit_actor"

// WithActor records who is acting in ctx
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor returns the actor stored by WithActor, or ""
func GetActor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok {
		return actor
	}
	return ""
}

// NewEvent builds an event stamped with the current time and the actor,
// request ID and run ID found in ctx.
func NewEvent(ctx context.Context, eventType EventType, status Status) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		Actor:     GetActor(ctx),
		RequestID: observability.GetRequestID(ctx),
		RunID:     observability.GetRunID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

// Record logs event and swallows the error after logging it. A nil logger
// is allowed.
func Record(ctx context.Context, logger Logger, event *Event) {
	if logger == nil || event == nil {
		return
	}
	if err := logger.Log(ctx, event); err != nil {
		observability.FromContext(ctx).
			WithError(err).
			WithField("event_type", event.EventType).
			Warn("Failed to write audit event")
	}
}
