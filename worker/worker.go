package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/mevdschee/tqdbqueue/metrics"
	"github.com/mevdschee/tqdbqueue/queue"
)

var (
	// ErrStopped is returned for publishes and stops after Stop has begun
	ErrStopped = errors.New("worker is stopped")

	// ErrNotRunning is returned by Stop when the worker was never started
	ErrNotRunning = errors.New("worker is not running")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrInterrupted is returned by Stop when the worker loop was cancelled
	// before the pending list was drained
	ErrInterrupted = errors.New("worker interrupted before drain completed")
)

// State is the lifecycle state of a worker
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Provider hands out the backend used for one drain cycle
type Provider interface {
	Backend() (queue.Backend, error)
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func() (queue.Backend, error)

// Backend calls f
func (f ProviderFunc) Backend() (queue.Backend, error) { return f() }

// Static returns a provider that always hands out b
func Static(b queue.Backend) Provider {
	return ProviderFunc(func() (queue.Backend, error) { return b, nil })
}

// FailureHandler receives every execution failure the worker cannot resolve.
// It is called without holding the worker lock.
type FailureHandler func(ctx context.Context, err error)

// LogFailures is the default failure handler
func LogFailures(_ context.Context, err error) {
	log.WithError(err).WithField("kind", queue.KindOf(err)).Error("[Worker] Execution failed, entry re-queued")
}

// Config holds configuration for a worker
type Config struct {
	Settings   queue.Settings
	RetryDelay time.Duration    // Pause after a failed drain cycle (1s default)
	Clock      clock.WithTicker // Nil means the real clock
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Settings:   queue.DefaultSettings(),
		RetryDelay: time.Second,
	}
}

// Worker executes queued operations on a single dedicated goroutine
type Worker struct {
	mu    sync.Mutex
	ready *sync.Cond // signalled when entries become ready
	idle  *sync.Cond // signalled when the worker observes an empty pending list

	queue      *queue.Queue
	provider   Provider
	handler    FailureHandler
	clock      clock.WithTicker
	retryDelay time.Duration

	state  State
	exited bool
	done   chan struct{}
}

// New creates a worker. A nil handler logs failures.
func New(provider Provider, handler FailureHandler, config Config) *Worker {
	if handler == nil {
		handler = LogFailures
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}

	w := &Worker{
		queue:      queue.New(config.Settings, clk),
		provider:   provider,
		handler:    handler,
		clock:      clk,
		retryDelay: config.RetryDelay,
		done:       make(chan struct{}),
	}
	w.ready = sync.NewCond(&w.mu)
	w.idle = sync.NewCond(&w.mu)
	return w
}

// Start runs the worker loop on its own goroutine. Cancelling ctx interrupts
// the loop without a final drain; use Stop to drain.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCreated {
		return ErrAlreadyStarted
	}
	w.state = StateRunning

	stopInterrupt := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.ready.Broadcast()
		w.mu.Unlock()
	})

	go func() {
		defer close(w.done)
		defer stopInterrupt()
		w.run(ctx)
	}()
	go w.nudge(ctx)

	settings := w.queue.Settings()
	log.Infof("[Worker] Started (critical batch size %d, max idle %s, auto flush interval %s)",
		settings.CriticalBatchSize, settings.MaxIdle, settings.AutoFlushInterval)
	return nil
}

func (w *Worker) run(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.state != StateStopped && ctx.Err() == nil {
		if w.queue.IsFlushPending() {
			w.queue.FlushReady()
		}

		if !w.queue.IsReady() {
			w.idle.Broadcast()
			w.ready.Wait()
			// Readiness is re-checked at the top, wakeups may be spurious
			continue
		}

		if err := w.drain(ctx); err != nil {
			metrics.FailuresTotal.WithLabelValues(string(queue.KindOf(err))).Inc()
			w.mu.Unlock()
			w.handler(ctx, err)
			w.pause(ctx)
			w.mu.Lock()
		}
	}

	w.exited = true
	w.idle.Broadcast()
	if ctx.Err() != nil {
		log.Warnf("[Worker] Interrupted with %d entries pending", w.queue.Len())
	}
}

// drain executes every pending entry; the caller holds the lock
func (w *Worker) drain(ctx context.Context) error {
	b, err := w.provider.Backend()
	if err != nil {
		return errors.WithStack(&queue.Error{Kind: queue.KindUnavailable, Err: err})
	}
	return w.queue.Execute(ctx, b)
}

// pause yields after a failed cycle so a failing backend is not retried in
// a tight loop
func (w *Worker) pause(ctx context.Context) {
	t := w.clock.NewTimer(w.retryDelay)
	defer t.Stop()

	select {
	case <-t.C():
	case <-ctx.Done():
	}
}

// nudge wakes the loop every auto flush interval so quiet keys get swept
// without new traffic
func (w *Worker) nudge(ctx context.Context) {
	interval := w.queue.Settings().AutoFlushInterval
	if interval <= 0 {
		return
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C():
			w.mu.Lock()
			w.ready.Signal()
			w.mu.Unlock()
		}
	}
}

// PublishBatch queues op for aggregation with other operations of its key
func (w *Worker) PublishBatch(op queue.Operation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state >= StateStopping {
		return ErrStopped
	}
	w.queue.PublishBatch(op)
	if w.queue.IsReady() {
		w.ready.Signal()
	}
	return nil
}

// PublishSingle queues op for immediate execution on its own
func (w *Worker) PublishSingle(op queue.Operation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state >= StateStopping {
		return ErrStopped
	}
	w.queue.PublishSingle(op)
	w.ready.Signal()
	return nil
}

// Stop flushes every open batch, waits until the worker has executed all
// pending entries and then ends the loop. Publishes after Stop has begun are
// rejected with ErrStopped. If ctx ends first the remaining entries are
// abandoned and the context error is returned.
//
// The worker holds its lock while a backend call runs, so ctx cannot cut a
// hung call short. Cancel the context passed to Start to abort it.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()

	switch w.state {
	case StateCreated:
		w.mu.Unlock()
		return ErrNotRunning
	case StateStopping, StateStopped:
		w.mu.Unlock()
		return ErrStopped
	}

	w.state = StateStopping
	w.queue.FlushAll()
	w.ready.Broadcast()

	stopWait := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.idle.Broadcast()
		w.mu.Unlock()
	})
	defer stopWait()

	for w.queue.IsReady() && !w.exited && ctx.Err() == nil {
		w.idle.Wait()
	}

	var err error
	if pending := w.queue.Len(); pending > 0 {
		if w.exited {
			err = errors.Wrapf(ErrInterrupted, "%d entries pending", pending)
		} else {
			err = errors.Wrapf(ctx.Err(), "stop with %d entries pending", pending)
		}
	}

	w.state = StateStopped
	w.ready.Broadcast()
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if err != nil {
		log.WithError(err).Warn("[Worker] Stopped without a full drain")
	} else {
		log.Info("[Worker] Stopped")
	}
	return err
}

// Done is closed when the worker loop has exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// State returns the lifecycle state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending returns the number of ready entries waiting for execution
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}

// Open returns the number of batches still aggregating
func (w *Worker) Open() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Open()
}
