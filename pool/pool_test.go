package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/mevdschee/tqdbqueue/statement"
)

type fakeHandle struct {
	mu       sync.Mutex
	pingErr  error
	closeErr error
	closed   bool
}

func (f *fakeHandle) ExecuteSingle(context.Context, statement.Template, []any) error  { return nil }
func (f *fakeHandle) ExecuteBatch(context.Context, statement.Template, [][]any) error { return nil }

func (f *fakeHandle) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeHandle) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeHandle) Close() error {
	f.closed = true
	return f.closeErr
}

func TestNewPool(t *testing.T) {
	pool := NewPool(&fakeHandle{}, &fakeHandle{}, &fakeHandle{})

	names := pool.Names()
	if len(names) != 3 || names[0] != "primary" || names[1] != "fallback1" || names[2] != "fallback2" {
		t.Errorf("Unexpected member names %v", names)
	}

	// All members should be initially healthy
	if pool.GetHealthyCount() != 3 {
		t.Errorf("Expected 3 healthy members, got %d", pool.GetHealthyCount())
	}
}

func TestBackendPrefersPrimary(t *testing.T) {
	primary := &fakeHandle{}
	pool := NewPool(primary, &fakeHandle{})

	b, err := pool.Backend()
	if err != nil {
		t.Fatalf("Backend failed: %v", err)
	}
	if b != primary {
		t.Error("Expected primary while it is healthy")
	}
}

func TestBackendFailover(t *testing.T) {
	primary := &fakeHandle{}
	fallback := &fakeHandle{}
	pool := NewPool(primary, fallback)

	pool.MarkUnhealthy("primary")
	b, err := pool.Backend()
	if err != nil {
		t.Fatalf("Backend failed: %v", err)
	}
	if b != fallback {
		t.Error("Expected fallback while primary is unhealthy")
	}

	pool.MarkHealthy("primary")
	if b, _ := pool.Backend(); b != primary {
		t.Error("Expected primary again after it recovered")
	}
}

func TestBackendAllUnhealthy(t *testing.T) {
	pool := NewPool(&fakeHandle{})
	pool.MarkUnhealthy("primary")

	if _, err := pool.Backend(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}

func TestMarkHealthy(t *testing.T) {
	pool := NewPool(&fakeHandle{}, &fakeHandle{})

	pool.MarkUnhealthy("fallback1")
	if pool.IsHealthy("fallback1") {
		t.Error("Member should be unhealthy")
	}

	pool.MarkHealthy("fallback1")
	if !pool.IsHealthy("fallback1") {
		t.Error("Member should be healthy")
	}

	// Unknown members are ignored
	pool.MarkUnhealthy("nope")
	if pool.IsHealthy("nope") {
		t.Error("Unknown member should not be healthy")
	}
}

func TestCheckAll(t *testing.T) {
	primary := &fakeHandle{pingErr: errors.New("connection refused")}
	pool := NewPool(primary, &fakeHandle{})

	pool.CheckAll(context.Background())
	if pool.IsHealthy("primary") {
		t.Error("Expected failing primary to be marked unhealthy")
	}
	if !pool.IsHealthy("fallback1") {
		t.Error("Expected fallback to stay healthy")
	}

	primary.setPingErr(nil)
	pool.CheckAll(context.Background())
	if !pool.IsHealthy("primary") {
		t.Error("Expected primary to recover")
	}
}

func TestHealthCheckContext(t *testing.T) {
	pool := NewPool(&fakeHandle{})

	ctx, cancel := context.WithCancel(context.Background())

	// Start health checks in background
	done := make(chan bool)
	go func() {
		pool.StartHealthChecks(ctx, 100*time.Millisecond)
		done <- true
	}()

	// Wait a bit
	time.Sleep(150 * time.Millisecond)

	// Cancel context
	cancel()

	// Should exit quickly
	select {
	case <-done:
		// Success
	case <-time.After(500 * time.Millisecond):
		t.Error("Health check goroutine did not exit after context cancellation")
	}
}

func TestClose(t *testing.T) {
	primary := &fakeHandle{}
	fallback := &fakeHandle{closeErr: errors.New("already closed")}
	pool := NewPool(primary, fallback)

	err := pool.Close()
	if err == nil {
		t.Fatal("Expected close error from fallback")
	}
	if !primary.closed || !fallback.closed {
		t.Error("Expected every member to be closed")
	}
}
