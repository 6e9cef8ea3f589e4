// Package relay orchestrates the life of a voice session: admission, the
// downstream event stream, the upstream realtime bridge, and the translation
// between the two legs.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ent0n29/iris/internal/admission"
	"github.com/ent0n29/iris/internal/audio"
	"github.com/ent0n29/iris/internal/eventstream"
	"github.com/ent0n29/iris/internal/observability"
	"github.com/ent0n29/iris/internal/protocol"
	"github.com/ent0n29/iris/internal/session"
	"github.com/ent0n29/iris/internal/telemetry"
	"github.com/ent0n29/iris/internal/upstream"
)

// degradedSampleEvery bounds telemetry volume while the upstream is down:
// one record per this many unrelayed frames, per relay instance.
const degradedSampleEvery = 50

// Options tunes the orchestrator.
type Options struct {
	Heartbeat         time.Duration
	UpstreamModel     string
	SystemInstruction string

	// OutputSampleRate is assumed for upstream PCM when the chunk mime type
	// does not declare a rate.
	OutputSampleRate int
}

// Relay wires the registry, the admission gate and the upstream dialer into
// the operations exposed over HTTP. A nil dialer puts every session in
// degraded mode: frames are acknowledged but never relayed.
type Relay struct {
	registry *session.Registry
	gate     *admission.Controller
	dialer   upstream.Dialer
	sink     telemetry.Sink
	metrics  *observability.Metrics
	latency  *observability.LatencyWindow
	opts     Options

	degradedFrames atomic.Int64
}

func New(
	registry *session.Registry,
	gate *admission.Controller,
	dialer upstream.Dialer,
	sink telemetry.Sink,
	metrics *observability.Metrics,
	latency *observability.LatencyWindow,
	opts Options,
) *Relay {
	if opts.OutputSampleRate <= 0 {
		opts.OutputSampleRate = 24000
	}
	r := &Relay{
		registry: registry,
		gate:     gate,
		dialer:   dialer,
		sink:     sink,
		metrics:  metrics,
		latency:  latency,
		opts:     opts,
	}
	registry.SetRemoveHook(r.onRemove)
	return r
}

// onRemove tears down the detached legs of a removed session. It runs outside
// registry locks for every removal, explicit or TTL sweep.
func (rl *Relay) onRemove(rm session.Removed) {
	if rm.Channel != nil {
		_ = rm.Channel.Send(protocol.SessionEndedEvent{
			Type:      protocol.TypeSessionEnded,
			SessionID: rm.Session.ID,
			Reason:    rm.Reason,
		})
		rm.Channel.Close()
	}
	if rm.Bridge != nil {
		rm.Bridge.Close()
	}
	rl.metrics.ActiveSessions.Dec()
	rl.metrics.SessionEvents.WithLabelValues("ended").Inc()
	rl.sink.Emit(telemetry.Event{SessionID: rm.Session.ID, Kind: "session_ended", Detail: rm.Reason})
	log.Printf("relay: session %s removed (%s)", rm.Session.ID, rm.Reason)
}

// StartSession registers a new session and returns its snapshot.
func (rl *Relay) StartSession(req protocol.StartRequest) (*session.LiveSession, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess := rl.registry.Create(session.Config{
		Language:   req.Language,
		VoiceStyle: req.VoiceStyle,
		Modalities: normalizeModalities(req.ResponseModalities),
	}, "")

	rl.metrics.ActiveSessions.Inc()
	rl.metrics.SessionEvents.WithLabelValues("started").Inc()
	rl.sink.Emit(telemetry.Event{SessionID: sess.ID, Kind: "session_started", Detail: sess.Config.Language})
	log.Printf("relay: session %s started (lang=%s modalities=%v)", sess.ID, sess.Config.Language, sess.Config.Modalities)
	return sess, nil
}

// StopSession removes the session; the remove hook signals and closes its legs.
func (rl *Relay) StopSession(id string) error {
	return rl.registry.Remove(id, "client_stop")
}

// Session returns the current snapshot for id.
func (rl *Relay) Session(id string) (*session.LiveSession, error) {
	return rl.registry.Get(id)
}

// Sessions reports how many sessions are live.
func (rl *Relay) Sessions() int {
	return rl.registry.Len()
}

// ServeStream opens the downstream event stream for a session and blocks
// until the client disconnects or the session ends. Admission errors are
// returned before any body byte is written so the HTTP layer can still set a
// status code.
func (rl *Relay) ServeStream(w http.ResponseWriter, r *http.Request, id, addr string) error {
	if err := rl.gate.CheckOrigin(r.Header.Get("Origin")); err != nil {
		rl.metrics.AdmissionRejections.WithLabelValues("origin").Inc()
		return err
	}
	sess, err := rl.registry.Get(id)
	if err != nil {
		return err
	}
	if err := rl.gate.Reserve(addr); err != nil {
		rl.metrics.AdmissionRejections.WithLabelValues("capacity").Inc()
		return err
	}
	defer rl.gate.Release(addr)

	ch, err := eventstream.Open(w, r, eventstream.Options{Heartbeat: rl.opts.Heartbeat})
	if err != nil {
		return err
	}
	defer ch.Close()
	rl.metrics.ActiveStreams.Inc()
	defer rl.metrics.ActiveStreams.Dec()

	prev, err := rl.registry.BindChannel(id, ch)
	if err != nil {
		// The session was swept between Get and Bind; nothing to stream.
		return nil
	}
	defer rl.registry.ClearChannel(id, ch)
	if prev != nil {
		_ = prev.Send(protocol.ErrorEvent{
			Type:      protocol.TypeError,
			SessionID: id,
			Code:      "stream_replaced",
			Source:    "relay",
			Retryable: false,
			Detail:    "a newer event stream was opened for this session",
		})
		prev.Close()
	}

	bridge, firstErr := rl.connectUpstream(r.Context(), id, sess)
	if bridge != nil {
		defer bridge.Close()
	}

	ready := protocol.ReadyEvent{
		Type:              protocol.TypeReady,
		SessionID:         sess.ID,
		Language:          sess.Config.Language,
		VoiceStyle:        sess.Config.VoiceStyle,
		Modalities:        sess.Config.Modalities,
		UpstreamConnected: bridge != nil,
	}
	if err := ch.Send(ready); err != nil {
		return nil
	}
	if firstErr != nil {
		_ = ch.Send(*firstErr)
	}

	pumpDone := make(chan struct{})
	if bridge != nil {
		go rl.pump(id, bridge, ch, pumpDone)
	} else {
		close(pumpDone)
	}

	select {
	case <-ch.Done():
		log.Printf("relay: session %s stream client disconnected", id)
	case <-ch.Closed():
	}

	if bridge != nil {
		rl.registry.ClearBridge(id, bridge)
		bridge.Close()
	}
	<-pumpDone
	return nil
}

// connectUpstream dials the realtime bridge and waits for the outcome of its
// handshake, so the ready frame can report upstream availability truthfully.
// On failure it returns a nil bridge and the error frame to deliver after
// ready.
func (rl *Relay) connectUpstream(ctx context.Context, id string, sess *session.LiveSession) (*upstream.Bridge, *protocol.ErrorEvent) {
	if rl.dialer == nil {
		return nil, &protocol.ErrorEvent{
			Type:      protocol.TypeError,
			SessionID: id,
			Code:      "upstream_unconfigured",
			Source:    "relay",
			Retryable: false,
			Detail:    "no upstream configured; frames are accepted but not relayed",
		}
	}

	dialStart := time.Now()
	bridge, err := rl.dialer.Dial(ctx, upstream.SessionConfig{
		Model:             rl.opts.UpstreamModel,
		Language:          sess.Config.Language,
		Voice:             sess.Config.VoiceStyle,
		Modalities:        upstreamModalities(sess.Config.Modalities),
		SystemInstruction: rl.opts.SystemInstruction,
	})
	if err != nil {
		rl.metrics.StreamErrors.WithLabelValues("dial").Inc()
		rl.sink.Emit(telemetry.Event{SessionID: id, Kind: "upstream_dial_failed", Detail: err.Error()})
		log.Printf("relay: session %s upstream dial failed: %v", id, err)
		return nil, &protocol.ErrorEvent{
			Type:      protocol.TypeError,
			SessionID: id,
			Code:      "upstream_unavailable",
			Source:    "upstream",
			Retryable: true,
			Detail:    err.Error(),
		}
	}

	// The bridge surfaces either readiness or its single error as the first
	// event; the handshake timer bounds this wait.
	ev, ok := <-bridge.Events()
	if !ok || ev.Kind != upstream.KindReady {
		bridge.Close()
		frame := &protocol.ErrorEvent{
			Type:      protocol.TypeError,
			SessionID: id,
			Code:      "upstream_unavailable",
			Source:    "upstream",
			Retryable: true,
		}
		if ok && ev.Kind == upstream.KindError {
			frame.Code = ev.Code
			frame.Retryable = ev.Retryable
			frame.Detail = ev.Detail
		}
		rl.metrics.StreamErrors.WithLabelValues("handshake").Inc()
		rl.metrics.BridgeTransitions.WithLabelValues("failed").Inc()
		rl.sink.Emit(telemetry.Event{SessionID: id, Kind: "upstream_handshake_failed", Detail: frame.Code})
		return nil, frame
	}

	rl.metrics.BridgeTransitions.WithLabelValues("ready").Inc()
	rl.metrics.ObserveHandshakeLatency(time.Since(dialStart))
	rl.latency.Observe("dial_to_ack", time.Since(dialStart))

	if prev, err := rl.registry.BindBridge(id, bridge); err != nil {
		bridge.Close()
		return nil, nil
	} else if prev != nil {
		prev.Close()
	}
	return bridge, nil
}

// pump translates upstream events into downstream frames until the bridge's
// event channel closes.
func (rl *Relay) pump(id string, bridge *upstream.Bridge, ch *eventstream.Channel, done chan<- struct{}) {
	defer close(done)
	firstAudioAt := time.Time{}
	pumpStart := time.Now()

	for ev := range bridge.Events() {
		switch ev.Kind {
		case upstream.KindAudio:
			seq, err := rl.registry.AddOutboundAudio(id)
			if err != nil {
				return
			}
			if firstAudioAt.IsZero() {
				firstAudioAt = time.Now()
				rl.latency.Observe("first_audio", firstAudioAt.Sub(pumpStart))
			}
			wav := audio.EncodeWAV(ev.Audio, rateFromMime(ev.Mime, rl.opts.OutputSampleRate), 1, 16)
			rl.metrics.Frames.WithLabelValues("outbound", "audio").Inc()
			_ = ch.Send(protocol.AudioEvent{
				Type:        protocol.TypeAudio,
				SessionID:   id,
				Seq:         seq,
				Mime:        "audio/wav",
				AudioBase64: base64.StdEncoding.EncodeToString(wav),
			})
		case upstream.KindText:
			_ = ch.Send(protocol.TranscriptEvent{Type: protocol.TypeTranscript, SessionID: id, Text: ev.Text})
		case upstream.KindInputTranscript:
			_ = ch.Send(protocol.TranscriptEvent{Type: protocol.TypeInputTranscript, SessionID: id, Text: ev.Text})
		case upstream.KindOutputTranscript:
			_ = ch.Send(protocol.TranscriptEvent{Type: protocol.TypeOutputTranscript, SessionID: id, Text: ev.Text})
		case upstream.KindTurnComplete:
			_ = ch.Send(protocol.TurnCompleteEvent{Type: protocol.TypeTurnComplete, SessionID: id})
		case upstream.KindError:
			rl.metrics.StreamErrors.WithLabelValues("upstream").Inc()
			rl.sink.Emit(telemetry.Event{SessionID: id, Kind: "upstream_error", Detail: ev.Code})
			_ = ch.Send(protocol.ErrorEvent{
				Type:      protocol.TypeError,
				SessionID: id,
				Code:      ev.Code,
				Source:    "upstream",
				Retryable: ev.Retryable,
				Detail:    ev.Detail,
			})
		}
	}
}

// Ack reports how one inbound frame was handled.
type Ack struct {
	OK          bool   `json:"ok"`
	Relayed     bool   `json:"relayed"`
	Seq         int64  `json:"seq"`
	BridgeState string `json:"bridge_state"`
}

// SendFrame accepts one inbound media frame. The frame is acknowledged even
// when no upstream leg can carry it; Relayed tells the two cases apart.
func (rl *Relay) SendFrame(id string, req protocol.FrameRequest) (Ack, error) {
	if _, err := rl.registry.Get(id); err != nil {
		return Ack{}, err
	}

	var seq int64
	var err error
	if req.Kind == protocol.FrameVideo {
		seq, err = rl.registry.AddInboundVideo(id)
	} else {
		seq, err = rl.registry.AddInboundAudio(id)
	}
	if err != nil {
		return Ack{}, err
	}
	rl.metrics.Frames.WithLabelValues("inbound", string(req.Kind)).Inc()

	bridge := rl.registry.BoundBridge(id)
	if bridge == nil {
		rl.noteDegradedFrame(id)
		return Ack{OK: true, Relayed: false, Seq: seq, BridgeState: "none"}, nil
	}

	if req.Kind == protocol.FrameVideo {
		err = bridge.SendVideo(req.PayloadBase64, req.Mime)
	} else {
		err = bridge.SendAudio(req.PayloadBase64, req.Mime)
	}
	if err != nil {
		rl.metrics.StreamErrors.WithLabelValues("send_frame").Inc()
		rl.noteDegradedFrame(id)
		return Ack{OK: true, Relayed: false, Seq: seq, BridgeState: bridgeState(bridge)}, nil
	}
	return Ack{OK: true, Relayed: true, Seq: seq, BridgeState: bridgeState(bridge)}, nil
}

// EndOfTurn signals that the client finished speaking. A missing or not-ready
// upstream leg makes this a no-op, same as frames.
func (rl *Relay) EndOfTurn(id string) error {
	if err := rl.registry.Touch(id); err != nil {
		return err
	}
	bridge := rl.registry.BoundBridge(id)
	if bridge == nil {
		return nil
	}
	if err := bridge.SendEndOfTurn(); err != nil {
		rl.metrics.StreamErrors.WithLabelValues("end_of_turn").Inc()
		log.Printf("relay: session %s end-of-turn not relayed: %v", id, err)
	}
	return nil
}

// noteDegradedFrame samples telemetry for frames accepted without an
// upstream leg.
func (rl *Relay) noteDegradedFrame(id string) {
	n := rl.degradedFrames.Add(1)
	if n%degradedSampleEvery == 1 {
		rl.sink.Emit(telemetry.Event{
			SessionID: id,
			Kind:      "degraded_frame",
			Detail:    fmt.Sprintf("unrelayed frames so far: %d", n),
		})
	}
}

func bridgeState(b session.Bridge) string {
	if reporter, ok := b.(interface{ State() upstream.State }); ok {
		return reporter.State().String()
	}
	return "unknown"
}

// rateFromMime extracts the sample rate from mimes like "audio/pcm;rate=24000".
func rateFromMime(mime string, fallback int) int {
	for _, part := range strings.Split(mime, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "rate="); ok {
			if rate, err := strconv.Atoi(rest); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return fallback
}

func normalizeModalities(in []string) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(m)))
	}
	return out
}

// upstreamModalities maps relay modalities onto the upstream enum spelling.
func upstreamModalities(in []string) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		out = append(out, strings.ToUpper(m))
	}
	return out
}
