package admission

import (
	"sync"
	"testing"
)

func TestCheckOriginEmptyAlwaysAllowed(t *testing.T) {
	c := New([]string{"https://app.example.com"}, 5)
	if err := c.CheckOrigin(""); err != nil {
		t.Fatalf("empty origin should be allowed, got %v", err)
	}
}

func TestCheckOriginAllowList(t *testing.T) {
	c := New([]string{"https://app.example.com"}, 5)
	if err := c.CheckOrigin("https://app.example.com"); err != nil {
		t.Fatalf("listed origin rejected: %v", err)
	}
	if err := c.CheckOrigin("HTTPS://APP.EXAMPLE.COM/"); err != nil {
		t.Fatalf("origin matching should be case-insensitive and slash-tolerant: %v", err)
	}
	if err := c.CheckOrigin("https://evil.example.com"); err != ErrOriginDenied {
		t.Fatalf("unlisted origin error = %v, want ErrOriginDenied", err)
	}
}

func TestCheckOriginEmptyListAllowsAll(t *testing.T) {
	c := New(nil, 5)
	if err := c.CheckOrigin("https://anywhere.example.com"); err != nil {
		t.Fatalf("with no allow-list any origin should pass, got %v", err)
	}
}

func TestReserveEnforcesCeiling(t *testing.T) {
	c := New(nil, 2)
	if err := c.Reserve("10.0.0.1"); err != nil {
		t.Fatalf("first Reserve() error = %v", err)
	}
	if err := c.Reserve("10.0.0.1"); err != nil {
		t.Fatalf("second Reserve() error = %v", err)
	}
	if err := c.Reserve("10.0.0.1"); err != ErrCapacity {
		t.Fatalf("third Reserve() error = %v, want ErrCapacity", err)
	}
	// Other addresses are unaffected.
	if err := c.Reserve("10.0.0.2"); err != nil {
		t.Fatalf("Reserve() for other addr error = %v", err)
	}
	if got := c.Count("10.0.0.1"); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	c := New(nil, 5)
	c.Release("10.0.0.1")
	c.Release("10.0.0.1")
	if got := c.Count("10.0.0.1"); got != 0 {
		t.Fatalf("Count() after double release = %d, want 0", got)
	}

	if err := c.Reserve("10.0.0.1"); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	c.Release("10.0.0.1")
	c.Release("10.0.0.1")
	if got := c.Count("10.0.0.1"); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}
}

func TestReserveReleaseConcurrent(t *testing.T) {
	c := New(nil, 100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Reserve("addr"); err == nil {
				c.Release("addr")
			}
		}()
	}
	wg.Wait()
	if got := c.Count("addr"); got != 0 {
		t.Fatalf("Count() after balanced reserve/release = %d, want 0", got)
	}
}
