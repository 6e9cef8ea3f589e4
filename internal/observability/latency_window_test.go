package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe("dial_to_ack", 500*time.Millisecond)
	w.Observe("dial_to_ack", 700*time.Millisecond)
	w.Observe("dial_to_ack", 900*time.Millisecond)

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "dial_to_ack" || s.Samples != 3 {
		t.Fatalf("stage = %+v", s)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
}

func TestLatencyWindowWrapsRing(t *testing.T) {
	w := NewLatencyWindow(2)
	w.Observe("first_audio", 100*time.Millisecond)
	w.Observe("first_audio", 200*time.Millisecond)
	w.Observe("first_audio", 300*time.Millisecond)

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want window size 2", s.Samples)
	}
	if s.LastMS != 300 {
		t.Fatalf("LastMS = %.2f, want 300", s.LastMS)
	}
}

func TestNewMetricsRegistersInstruments(t *testing.T) {
	m := NewMetrics("iris_obs_test")
	m.ActiveSessions.Inc()
	m.Frames.WithLabelValues("inbound", "audio").Inc()
	m.AdmissionRejections.WithLabelValues("origin").Inc()
	m.BridgeTransitions.WithLabelValues("ready").Inc()
	m.StreamErrors.WithLabelValues("send_frame").Inc()
	m.ObserveHandshakeLatency(250 * time.Millisecond)
}
