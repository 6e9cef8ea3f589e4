package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/iris/internal/reliability"
)

// State tracks the bridge lifecycle. Failed is terminal and reachable from
// any non-terminal state; a failed bridge is never resurrected.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingAck
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotReady = errors.New("bridge not ready")
	ErrClosed   = errors.New("bridge closed")
)

// SessionConfig declares the upstream session negotiated in the handshake.
type SessionConfig struct {
	Model             string
	Language          string
	Voice             string
	Modalities        []string
	SystemInstruction string
}

// TokenProvider supplies short-lived bearer credentials for the upstream
// socket. Credential minting itself is an external concern.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider backed by a fixed credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Dialer establishes upstream bridges. Tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (*Bridge, error)
}

// WebsocketDialer dials the production realtime socket.
type WebsocketDialer struct {
	URL    string
	Tokens TokenProvider

	// AckTimeout bounds the wait for the handshake acknowledgement.
	AckTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, cfg SessionConfig) (*Bridge, error) {
	headers := http.Header{}
	if d.Tokens != nil {
		token, err := d.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("upstream credentials: %w", err)
		}
		if token != "" {
			headers.Set("Authorization", "Bearer "+token)
		}
	}

	timeout := d.AckTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	wsDialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := wsDialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial upstream socket: %w", err)
	}
	return newBridge(conn, cfg, timeout)
}

// pendingLimit bounds how much early server content is held while the
// handshake acknowledgement is outstanding.
const pendingLimit = 32

// Bridge owns one upstream realtime socket and its handshake state machine.
type Bridge struct {
	conn  *websocket.Conn
	state atomic.Int32

	writeMu   sync.Mutex
	closeOnce sync.Once

	events   chan Event
	ackTimer *time.Timer

	failMu    sync.Mutex
	failEvent *Event

	// pending is touched only by the read loop.
	pending        []Event
	pendingDropped bool
}

func newBridge(conn *websocket.Conn, cfg SessionConfig, ackTimeout time.Duration) (*Bridge, error) {
	b := &Bridge{
		conn:   conn,
		events: make(chan Event, 256),
	}
	b.state.Store(int32(StateConnecting))

	if err := b.writeJSON(newSetupMessage(cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	b.state.Store(int32(StateAwaitingAck))
	b.ackTimer = time.AfterFunc(ackTimeout, b.onAckTimeout)
	go b.readLoop()
	return b, nil
}

func (b *Bridge) State() State { return State(b.state.Load()) }

// Events delivers decoded upstream events in arrival order. The channel
// closes when the bridge is done; at most one KindError event is ever
// delivered, immediately before the close.
func (b *Bridge) Events() <-chan Event { return b.events }

// SendAudio forwards one inbound audio chunk. It accepts only in Ready and
// never retries; retry policy belongs to the caller.
func (b *Bridge) SendAudio(dataBase64, mime string) error {
	return b.sendMedia(dataBase64, mime)
}

// SendVideo forwards one inbound video frame.
func (b *Bridge) SendVideo(dataBase64, mime string) error {
	return b.sendMedia(dataBase64, mime)
}

func (b *Bridge) sendMedia(dataBase64, mime string) error {
	if err := b.checkReady(); err != nil {
		return err
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{MimeType: mime, Data: dataBase64}},
	}}
	if err := b.writeJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// SendEndOfTurn signals that the client has finished speaking.
func (b *Bridge) SendEndOfTurn() error {
	if err := b.checkReady(); err != nil {
		return err
	}
	msg := clientContentMessage{ClientContent: clientContent{TurnComplete: true}}
	if err := b.writeJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (b *Bridge) checkReady() error {
	switch b.State() {
	case StateReady:
		return nil
	case StateConnecting, StateAwaitingAck:
		return ErrNotReady
	default:
		return ErrClosed
	}
}

// Close stops the bridge. Buffered writes are abandoned; the events channel
// closes once the read loop drains.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		for {
			st := b.State()
			if st == StateClosing || st == StateClosed || st == StateFailed {
				break
			}
			if b.state.CompareAndSwap(int32(st), int32(StateClosing)) {
				break
			}
		}
		_ = b.conn.Close()
	})
}

func (b *Bridge) onAckTimeout() {
	if b.state.CompareAndSwap(int32(StateAwaitingAck), int32(StateFailed)) {
		b.fail("handshake_timeout", "no handshake acknowledgement within window", false)
	}
}

// fail records the single error surfaced for this bridge and forces the read
// loop to wind down. The read loop emits the recorded event and closes the
// events channel, so emission stays single-goroutine.
func (b *Bridge) fail(code, detail string, retryable bool) {
	b.failMu.Lock()
	if b.failEvent == nil {
		b.failEvent = &Event{Kind: KindError, Code: code, Detail: detail, Retryable: retryable}
	}
	b.failMu.Unlock()
	b.state.Store(int32(StateFailed))
	_ = b.conn.Close()
}

func (b *Bridge) readLoop() {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			b.finish(err)
			return
		}
		events, err := decodeServerMessage(data)
		if err != nil {
			log.Printf("bridge: dropping undecodable upstream message: %v", err)
			continue
		}
		for _, ev := range events {
			b.dispatch(ev)
		}
	}
}

func (b *Bridge) dispatch(ev Event) {
	switch ev.Kind {
	case KindReady:
		if !b.state.CompareAndSwap(int32(StateAwaitingAck), int32(StateReady)) {
			return
		}
		b.ackTimer.Stop()
		b.events <- Event{Kind: KindReady}
		for _, queued := range b.pending {
			b.events <- queued
		}
		b.pending = nil
	case KindToolCall:
		// Tool execution is out of scope for the relay.
		log.Printf("bridge: ignoring unsupported upstream tool call")
	default:
		if b.State() == StateAwaitingAck {
			// Early server content must not be lost during negotiation;
			// hold it until the acknowledgement arrives.
			if len(b.pending) < pendingLimit {
				b.pending = append(b.pending, ev)
			} else if !b.pendingDropped {
				b.pendingDropped = true
				b.events <- Event{
					Kind:      KindError,
					Code:      "handshake_queue_overflow",
					Detail:    "early upstream content dropped while awaiting handshake acknowledgement",
					Retryable: true,
				}
			}
			return
		}
		b.events <- ev
	}
}

// finish runs exactly once, from the read loop, when the socket is done.
func (b *Bridge) finish(readErr error) {
	b.ackTimer.Stop()

	b.failMu.Lock()
	failEvent := b.failEvent
	b.failEvent = nil
	b.failMu.Unlock()

	switch {
	case failEvent != nil:
		b.events <- *failEvent
	case b.State() == StateClosing || b.State() == StateClosed:
		// Explicit stop; buffered writes abandoned, nothing to report.
	default:
		b.state.Store(int32(StateFailed))
		retryable := true
		var closeErr *websocket.CloseError
		if errors.As(readErr, &closeErr) {
			retryable = reliability.IsRetryableCloseCode(closeErr.Code)
		}
		b.events <- Event{
			Kind:      KindError,
			Code:      "upstream_closed",
			Detail:    readErr.Error(),
			Retryable: retryable,
		}
	}

	if b.State() != StateFailed {
		b.state.Store(int32(StateClosed))
	}
	close(b.events)
}

func (b *Bridge) writeJSON(v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return b.conn.WriteJSON(v)
}
