// Package admission rejects stream opens before any session resource is
// allocated, based on request origin and a per-source-address ceiling.
package admission

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrOriginDenied = errors.New("origin not allowed")
	ErrCapacity     = errors.New("stream capacity exceeded for source address")
)

type Controller struct {
	mu      sync.Mutex
	counts  map[string]int
	ceiling int
	allowed map[string]struct{}
}

// New builds a controller. An empty origin list allows every origin; the
// ceiling defaults to 5 when non-positive.
func New(allowedOrigins []string, ceiling int) *Controller {
	if ceiling <= 0 {
		ceiling = 5
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.ToLower(strings.TrimSpace(strings.TrimRight(o, "/")))
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return &Controller{
		counts:  make(map[string]int),
		ceiling: ceiling,
		allowed: allowed,
	}
}

// CheckOrigin validates the browser Origin header. Non-browser clients often
// omit Origin, so an empty value is always allowed.
func (c *Controller) CheckOrigin(origin string) error {
	origin = strings.ToLower(strings.TrimSpace(strings.TrimRight(origin, "/")))
	if origin == "" {
		return nil
	}
	if len(c.allowed) == 0 {
		return nil
	}
	if _, ok := c.allowed[origin]; !ok {
		return ErrOriginDenied
	}
	return nil
}

// Reserve takes one stream slot for addr, rejecting at the ceiling.
func (c *Controller) Reserve(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[addr] >= c.ceiling {
		return ErrCapacity
	}
	c.counts[addr]++
	return nil
}

// Release frees one slot. It floors at zero so cleanup stays idempotent when
// explicit stop races an abnormal disconnect.
func (c *Controller) Release(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[addr]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.counts, addr)
		return
	}
	c.counts[addr] = n - 1
}

func (c *Controller) Count(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[addr]
}

func (c *Controller) Ceiling() int { return c.ceiling }
