package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/iris/internal/admission"
	"github.com/ent0n29/iris/internal/observability"
	"github.com/ent0n29/iris/internal/protocol"
	"github.com/ent0n29/iris/internal/session"
	"github.com/ent0n29/iris/internal/telemetry"
	"github.com/ent0n29/iris/internal/upstream"
)

var metricsSeq atomic.Int64

func newTestRelay(t *testing.T, dialer upstream.Dialer, gate *admission.Controller) (*Relay, *session.Registry) {
	t.Helper()
	if gate == nil {
		gate = admission.New(nil, 5)
	}
	reg := session.NewRegistry(time.Minute)
	metrics := observability.NewMetrics(fmt.Sprintf("iris_relay_test_%d", metricsSeq.Add(1)))
	rl := New(reg, gate, dialer, telemetry.NopSink{}, metrics, observability.NewLatencyWindow(16), Options{
		UpstreamModel:    "models/test-live",
		OutputSampleRate: 24000,
	})
	return rl, reg
}

func startSession(t *testing.T, rl *Relay) *session.LiveSession {
	t.Helper()
	sess, err := rl.StartSession(protocol.StartRequest{
		Language:           "en",
		VoiceStyle:         "warm",
		ResponseModalities: []string{"Audio", "TEXT"},
	})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return sess
}

// streamRecorder is a flush-capable ResponseWriter safe for concurrent reads
// while the stream goroutine writes.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
	code   int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: http.Header{}}
}

func (r *streamRecorder) Header() http.Header { return r.header }

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *streamRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
}

func (r *streamRecorder) Flush() {}

func (r *streamRecorder) Body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func waitForBody(t *testing.T, rec *streamRecorder, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(rec.Body(), substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stream body never contained %q; body = %q", substr, rec.Body())
}

// openStream runs ServeStream in the background and returns the cancel for
// the client side plus the completion channel.
func openStream(rl *Relay, id string) (*streamRecorder, context.CancelFunc, chan error) {
	rec := newStreamRecorder()
	req := httptest.NewRequest("GET", "/v1/relay/session/"+id+"/stream", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	errc := make(chan error, 1)
	go func() { errc <- rl.ServeStream(rec, req, id, "203.0.113.9") }()
	return rec, cancel, errc
}

func TestStartSessionValidatesAndNormalizes(t *testing.T) {
	rl, _ := newTestRelay(t, nil, nil)

	if _, err := rl.StartSession(protocol.StartRequest{Language: "en"}); err == nil {
		t.Fatalf("StartSession without modalities should fail")
	}

	sess := startSession(t, rl)
	if sess.ID == "" {
		t.Fatalf("session id should be assigned")
	}
	if got := sess.Config.Modalities; len(got) != 2 || got[0] != "audio" || got[1] != "text" {
		t.Fatalf("modalities = %v, want normalized lowercase", got)
	}
}

type recordingChannel struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (c *recordingChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *recordingChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func TestStopSessionSignalsAndClosesChannel(t *testing.T) {
	rl, reg := newTestRelay(t, nil, nil)
	sess := startSession(t, rl)

	ch := &recordingChannel{}
	if _, err := reg.BindChannel(sess.ID, ch); err != nil {
		t.Fatalf("BindChannel() error = %v", err)
	}

	if err := rl.StopSession(sess.ID); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		t.Fatalf("channel should be closed on stop")
	}
	if len(ch.sent) != 1 {
		t.Fatalf("sent = %d frames, want 1", len(ch.sent))
	}
	ended, ok := ch.sent[0].(protocol.SessionEndedEvent)
	if !ok || ended.Reason != "client_stop" {
		t.Fatalf("final frame = %+v, want session_ended/client_stop", ch.sent[0])
	}

	if err := rl.StopSession(sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("second stop = %v, want ErrNotFound", err)
	}
}

func TestServeStreamRejectsBeforeWriting(t *testing.T) {
	gate := admission.New([]string{"https://app.example.com"}, 1)
	rl, _ := newTestRelay(t, nil, gate)
	sess := startSession(t, rl)

	// Disallowed origin.
	rec := newStreamRecorder()
	req := httptest.NewRequest("GET", "/stream", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if err := rl.ServeStream(rec, req, sess.ID, "198.51.100.1"); !errors.Is(err, admission.ErrOriginDenied) {
		t.Fatalf("denied origin = %v, want ErrOriginDenied", err)
	}
	if rec.Body() != "" {
		t.Fatalf("rejected stream wrote body %q", rec.Body())
	}

	// Unknown session.
	req = httptest.NewRequest("GET", "/stream", nil)
	if err := rl.ServeStream(newStreamRecorder(), req, "nope", "198.51.100.1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("unknown session = %v, want ErrNotFound", err)
	}

	// Address at capacity.
	if err := gate.Reserve("198.51.100.1"); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	req = httptest.NewRequest("GET", "/stream", nil)
	if err := rl.ServeStream(newStreamRecorder(), req, sess.ID, "198.51.100.1"); !errors.Is(err, admission.ErrCapacity) {
		t.Fatalf("at capacity = %v, want ErrCapacity", err)
	}
}

func TestServeStreamDegradedMode(t *testing.T) {
	gate := admission.New(nil, 5)
	rl, _ := newTestRelay(t, nil, gate)
	sess := startSession(t, rl)

	rec, cancel, errc := openStream(rl, sess.ID)
	waitForBody(t, rec, `"type":"ready"`)
	if got := gate.Count("203.0.113.9"); got != 1 {
		t.Fatalf("reserved streams = %d, want 1", got)
	}
	waitForBody(t, rec, `"upstream_connected":false`)
	waitForBody(t, rec, `"code":"upstream_unconfigured"`)

	payload := base64.StdEncoding.EncodeToString([]byte("pcm"))
	ack, err := rl.SendFrame(sess.ID, protocol.FrameRequest{
		Kind: protocol.FrameAudio, PayloadBase64: payload, Mime: "audio/pcm",
	})
	if err != nil {
		t.Fatalf("SendFrame() error = %v", err)
	}
	if !ack.OK || ack.Relayed {
		t.Fatalf("degraded ack = %+v, want accepted but not relayed", ack)
	}
	if ack.Seq != 1 || ack.BridgeState != "none" {
		t.Fatalf("degraded ack = %+v", ack)
	}

	if err := rl.EndOfTurn(sess.ID); err != nil {
		t.Fatalf("EndOfTurn() in degraded mode = %v, want nil", err)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("ServeStream() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ServeStream should return after client disconnect")
	}
	if got := gate.Count("203.0.113.9"); got != 0 {
		t.Fatalf("reserved streams after disconnect = %d, want 0", got)
	}
}

func TestServeStreamConnectedRelaysBothDirections(t *testing.T) {
	inbound := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil { // setup
			return
		}
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})

		// One audio chunk plus turn completion for the client.
		chunk := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"modelTurn":    map[string]any{"parts": []map[string]any{{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": chunk}}}},
			"turnComplete": true,
		}})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			inbound <- string(data)
		}
	}))
	defer srv.Close()

	dialer := &upstream.WebsocketDialer{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Tokens:     upstream.StaticToken("k"),
		AckTimeout: 2 * time.Second,
	}
	rl, _ := newTestRelay(t, dialer, nil)
	sess := startSession(t, rl)

	rec, cancel, errc := openStream(rl, sess.ID)
	defer cancel()

	waitForBody(t, rec, `"upstream_connected":true`)
	waitForBody(t, rec, `"type":"audio"`)
	waitForBody(t, rec, `"type":"turn_complete"`)

	body := rec.Body()
	if strings.Index(body, `"type":"ready"`) > strings.Index(body, `"type":"audio"`) {
		t.Fatalf("ready frame must precede audio frames; body = %q", body)
	}
	if !strings.Contains(body, `"mime":"audio/wav"`) || !strings.Contains(body, `"seq":1`) {
		t.Fatalf("audio frame not transcoded as expected; body = %q", body)
	}

	payload := base64.StdEncoding.EncodeToString([]byte("client-pcm"))
	ack, err := rl.SendFrame(sess.ID, protocol.FrameRequest{
		Kind: protocol.FrameAudio, PayloadBase64: payload, Mime: "audio/pcm;rate=16000",
	})
	if err != nil {
		t.Fatalf("SendFrame() error = %v", err)
	}
	if !ack.Relayed || ack.BridgeState != "ready" {
		t.Fatalf("connected ack = %+v, want relayed via ready bridge", ack)
	}
	select {
	case raw := <-inbound:
		if !strings.Contains(raw, "realtimeInput") || !strings.Contains(raw, payload) {
			t.Fatalf("upstream received %q, want realtime input with payload", raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("frame never reached the upstream socket")
	}

	if err := rl.EndOfTurn(sess.ID); err != nil {
		t.Fatalf("EndOfTurn() error = %v", err)
	}
	select {
	case raw := <-inbound:
		if !strings.Contains(raw, "turnComplete") {
			t.Fatalf("upstream received %q, want clientContent turnComplete", raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("end-of-turn never reached the upstream socket")
	}

	cancel()
	select {
	case <-errc:
	case <-time.After(5 * time.Second):
		t.Fatalf("ServeStream should return after client disconnect")
	}
}

func TestServeStreamUpstreamHandshakeFailure(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Never acknowledge; just hold the socket open briefly.
		_, _, _ = conn.ReadMessage()
		time.Sleep(200 * time.Millisecond)
		conn.Close()
	}))
	defer srv.Close()

	dialer := &upstream.WebsocketDialer{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		AckTimeout: 50 * time.Millisecond,
	}
	rl, _ := newTestRelay(t, dialer, nil)
	sess := startSession(t, rl)

	rec, cancel, errc := openStream(rl, sess.ID)
	defer cancel()

	waitForBody(t, rec, `"upstream_connected":false`)
	waitForBody(t, rec, `"code":"handshake_timeout"`)

	// Session stays usable in degraded mode.
	payload := base64.StdEncoding.EncodeToString([]byte("pcm"))
	ack, err := rl.SendFrame(sess.ID, protocol.FrameRequest{
		Kind: protocol.FrameAudio, PayloadBase64: payload,
	})
	if err != nil || ack.Relayed {
		t.Fatalf("ack = %+v err = %v, want unrelayed acceptance", ack, err)
	}

	cancel()
	<-errc
}

func TestRateFromMime(t *testing.T) {
	if got := rateFromMime("audio/pcm;rate=16000", 24000); got != 16000 {
		t.Fatalf("rateFromMime = %d, want 16000", got)
	}
	if got := rateFromMime("audio/pcm", 24000); got != 24000 {
		t.Fatalf("rateFromMime fallback = %d, want 24000", got)
	}
	if got := rateFromMime("audio/pcm;rate=bogus", 24000); got != 24000 {
		t.Fatalf("rateFromMime invalid = %d, want fallback", got)
	}
}
