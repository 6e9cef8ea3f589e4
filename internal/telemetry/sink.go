package telemetry

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is one relay lifecycle record worth persisting for later analysis:
// session starts and stops, degraded-mode samples, upstream failures.
type Event struct {
	ID         string
	SessionID  string
	Kind       string
	Detail     string
	OccurredAt time.Time
}

// Sink receives relay telemetry. Emit must never block the relay hot path;
// implementations buffer or drop.
type Sink interface {
	Emit(ev Event)
	Close()
}

// NewSink creates a postgres-backed sink when configured, otherwise a no-op.
func NewSink(ctx context.Context, databaseURL string) (Sink, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NopSink{}, nil
	}
	return NewPostgresSink(ctx, databaseURL)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(Event) {}
func (NopSink) Close()     {}

func stamp(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev
}
