package eventstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Channel is one server-sent-events connection to a browser client. All
// writes are serialized; once the channel is closed every Send becomes a
// silent no-op, so late producers never need to coordinate with teardown.
type Channel struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    <-chan struct{}

	mu     sync.Mutex
	closed bool

	closeOnce  sync.Once
	closedChan chan struct{}

	heartbeat *time.Ticker
	stopHB    chan struct{}
}

// Options tunes a channel. Zero heartbeat disables keepalives.
type Options struct {
	Heartbeat time.Duration
}

// Open upgrades the response to a server-sent-events stream. It fails when
// the ResponseWriter cannot flush, which means a buffering proxy or a test
// double without streaming support sits in front of us.
func Open(w http.ResponseWriter, r *http.Request, opts Options) (*Channel, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := &Channel{
		w:          w,
		flusher:    flusher,
		done:       r.Context().Done(),
		closedChan: make(chan struct{}),
		stopHB:     make(chan struct{}),
	}
	if opts.Heartbeat > 0 {
		c.heartbeat = time.NewTicker(opts.Heartbeat)
		go c.heartbeatLoop()
	}
	return c, nil
}

// Send writes one JSON event frame. Returns nil after close.
func (c *Channel) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.write(func() error {
		_, err := fmt.Fprintf(c.w, "data: %s\n\n", payload)
		return err
	})
}

// Named writes one JSON event frame with an explicit SSE event name.
func (c *Channel) Named(event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.write(func() error {
		_, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event, payload)
		return err
	})
}

func (c *Channel) write(emit func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if err := emit(); err != nil {
		// The peer is gone; flip to closed so later sends no-op.
		c.markClosed()
		return fmt.Errorf("write event frame: %w", err)
	}
	c.flusher.Flush()
	return nil
}

func (c *Channel) heartbeatLoop() {
	for {
		select {
		case <-c.heartbeat.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			if _, err := fmt.Fprint(c.w, ": hb\n\n"); err != nil {
				c.markClosed()
				c.mu.Unlock()
				return
			}
			c.flusher.Flush()
			c.mu.Unlock()
		case <-c.stopHB:
			return
		case <-c.done:
			return
		}
	}
}

// markClosed requires c.mu held.
func (c *Channel) markClosed() {
	c.closed = true
	c.closeOnce.Do(func() {
		if c.heartbeat != nil {
			c.heartbeat.Stop()
		}
		close(c.stopHB)
		close(c.closedChan)
	})
}

// Close stops heartbeats and turns the channel inert. Safe to call from any
// goroutine, any number of times.
func (c *Channel) Close() {
	c.mu.Lock()
	c.markClosed()
	c.mu.Unlock()
}

// Done signals client disconnect (the request context ending).
func (c *Channel) Done() <-chan struct{} { return c.done }

// Closed signals an explicit Close or a failed write.
func (c *Channel) Closed() <-chan struct{} { return c.closedChan }
