package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestNewSinkWithoutURLReturnsNop(t *testing.T) {
	sink, err := NewSink(context.Background(), "   ")
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	if _, ok := sink.(NopSink); !ok {
		t.Fatalf("NewSink(\"\") = %T, want NopSink", sink)
	}
	sink.Emit(Event{SessionID: "s1", Kind: "session_started"})
	sink.Close()
}

func TestStampFillsIdentityAndTime(t *testing.T) {
	ev := stamp(Event{SessionID: "s1", Kind: "degraded_frame"})
	if ev.ID == "" {
		t.Fatalf("stamp should assign an id")
	}
	if ev.OccurredAt.IsZero() {
		t.Fatalf("stamp should assign a timestamp")
	}

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	kept := stamp(Event{ID: "fixed", OccurredAt: at})
	if kept.ID != "fixed" || !kept.OccurredAt.Equal(at) {
		t.Fatalf("stamp overwrote caller values: %+v", kept)
	}
}
