package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Channel is the downstream event leg bound to a session.
type Channel interface {
	Send(v any) error
	Close()
}

// Bridge is the upstream realtime leg bound to a session.
type Bridge interface {
	SendAudio(dataBase64, mime string) error
	SendVideo(dataBase64, mime string) error
	SendEndOfTurn() error
	Close()
}

// Config is the caller-supplied session configuration.
type Config struct {
	Language   string   `json:"language"`
	VoiceStyle string   `json:"voice_style,omitempty"`
	Modalities []string `json:"response_modalities"`
}

// LiveSession is a snapshot of one registered session. Bound handles are not
// part of the snapshot; they are owned by the registry.
type LiveSession struct {
	ID                  string    `json:"session_id"`
	Config              Config    `json:"config"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivityAt      time.Time `json:"last_activity_at"`
	InboundAudioChunks  int64     `json:"inbound_audio_chunks"`
	InboundVideoFrames  int64     `json:"inbound_video_frames"`
	OutboundAudioChunks int64     `json:"outbound_audio_chunks"`
}

// Removed carries a torn-down session with its detached legs so the caller
// can close them without holding registry locks.
type Removed struct {
	Session *LiveSession
	Channel Channel
	Bridge  Bridge
	Reason  string
}

type entry struct {
	s       LiveSession
	channel Channel
	bridge  Bridge
}

// Registry is the in-memory table of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	ttl      time.Duration
	onRemove func(Removed)
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{
		sessions: make(map[string]*entry),
		ttl:      ttl,
	}
}

// SetRemoveHook registers the teardown hook invoked (outside the registry
// lock) for every removal, whether explicit or by TTL sweep.
func (r *Registry) SetRemoveHook(hook func(Removed)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = hook
}

// Create registers a session. An empty id gets a fresh identifier; a
// caller-supplied id is honored and overwrites any existing entry, so callers
// that need idempotency must Get first.
func (r *Registry) Create(cfg Config, id string) *LiveSession {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	e := &entry{s: LiveSession{
		ID:             id,
		Config:         cfg,
		CreatedAt:      now,
		LastActivityAt: now,
	}}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = e
	return clone(&e.s)
}

func (r *Registry) Get(id string) (*LiveSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(&e.s), nil
}

func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

// BindChannel binds ch as the session's downstream leg and returns the
// previously bound channel, which the caller must signal and close. Binding
// never leaves two channels attached to one session.
func (r *Registry) BindChannel(id string, ch Channel) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	prev := e.channel
	e.channel = ch
	e.s.LastActivityAt = time.Now().UTC()
	return prev, nil
}

// ClearChannel detaches the session's channel only if it is still ch. A stale
// closer racing a reconnect must not clear the replacement.
func (r *Registry) ClearChannel(id string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || e.channel != ch {
		return false
	}
	e.channel = nil
	return true
}

func (r *Registry) BindBridge(id string, b Bridge) (Bridge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	prev := e.bridge
	e.bridge = b
	e.s.LastActivityAt = time.Now().UTC()
	return prev, nil
}

func (r *Registry) ClearBridge(id string, b Bridge) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || e.bridge != b {
		return false
	}
	e.bridge = nil
	return true
}

// BoundBridge returns the session's current upstream leg, or nil.
func (r *Registry) BoundBridge(id string) Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return e.bridge
}

// BoundChannel returns the session's current downstream leg, or nil.
func (r *Registry) BoundChannel(id string) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return e.channel
}

// AddInboundAudio bumps the inbound audio counter and refreshes activity.
func (r *Registry) AddInboundAudio(id string) (int64, error) {
	return r.bump(id, func(s *LiveSession) *int64 { return &s.InboundAudioChunks })
}

func (r *Registry) AddInboundVideo(id string) (int64, error) {
	return r.bump(id, func(s *LiveSession) *int64 { return &s.InboundVideoFrames })
}

func (r *Registry) AddOutboundAudio(id string) (int64, error) {
	return r.bump(id, func(s *LiveSession) *int64 { return &s.OutboundAudioChunks })
}

func (r *Registry) bump(id string, field func(*LiveSession) *int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	n := field(&e.s)
	*n++
	e.s.LastActivityAt = time.Now().UTC()
	return *n, nil
}

// Remove deletes the session and hands its detached legs to the remove hook.
func (r *Registry) Remove(id, reason string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	rm := Removed{Session: clone(&e.s), Channel: e.channel, Bridge: e.bridge, Reason: reason}
	hook := r.onRemove
	r.mu.Unlock()

	if hook != nil {
		hook(rm)
	}
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartJanitor launches the periodic TTL sweep until ctx is canceled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(time.Now().UTC())
			}
		}
	}()
}

// Sweep removes every session whose last activity is older than the TTL
// relative to now. Handles are closed by the remove hook outside the lock so
// the sweep never blocks registry operations on I/O.
func (r *Registry) Sweep(now time.Time) int {
	var removed []Removed

	r.mu.Lock()
	for id, e := range r.sessions {
		if now.Sub(e.s.LastActivityAt) < r.ttl {
			continue
		}
		delete(r.sessions, id)
		removed = append(removed, Removed{
			Session: clone(&e.s),
			Channel: e.channel,
			Bridge:  e.bridge,
			Reason:  "expired",
		})
	}
	hook := r.onRemove
	r.mu.Unlock()

	if hook != nil {
		for _, rm := range removed {
			hook(rm)
		}
	}
	return len(removed)
}

func clone(s *LiveSession) *LiveSession {
	c := *s
	c.Config.Modalities = append([]string(nil), s.Config.Modalities...)
	return &c
}
