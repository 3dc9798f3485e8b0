package queue

import (
	"context"
	"time"

	"github.com/gammazero/deque"
	"k8s.io/utils/clock"

	"github.com/mevdschee/tqdbqueue/metrics"
	"github.com/mevdschee/tqdbqueue/statement"
)

// Entry is a unit of execution held by the pending list
type Entry interface {
	// Execute runs the entry against the backend. On error the entry keeps
	// whatever it did not manage to submit, so it can be executed again.
	Execute(ctx context.Context, b Backend) error
	// IsReady reports whether the entry met its flush condition
	IsReady() bool
}

// batchEntry aggregates operations sharing one statement key
type batchEntry struct {
	key      statement.Key
	registry Resolver
	settings *Settings
	clock    clock.PassiveClock

	created time.Time
	ops     *deque.Deque[Operation]
	bound   [][]any // parameters produced but not yet submitted
}

func newBatchEntry(key statement.Key, registry Resolver, settings *Settings, clk clock.PassiveClock) *batchEntry {
	return &batchEntry{
		key:      key,
		registry: registry,
		settings: settings,
		clock:    clk,
		ops:      deque.New[Operation](),
	}
}

func (e *batchEntry) offer(op Operation) {
	if e.size() == 0 {
		e.created = e.clock.Now()
	}
	e.ops.PushBack(op)
}

func (e *batchEntry) size() int {
	return e.ops.Len() + len(e.bound)
}

func (e *batchEntry) reachedSize() bool {
	return e.size() >= e.settings.CriticalBatchSize
}

func (e *batchEntry) reachedDeadline() bool {
	return e.size() > 0 && e.clock.Since(e.created) > e.settings.MaxIdle
}

func (e *batchEntry) IsReady() bool {
	return e.reachedSize() || e.reachedDeadline()
}

func (e *batchEntry) Execute(ctx context.Context, b Backend) error {
	tmpl, err := e.registry.Resolve(e.key)
	if err != nil {
		return newError(KindLookup, e.key, err)
	}

	for e.ops.Len() > 0 {
		op := e.ops.PopFront()
		params, err := op.Params()
		if err != nil {
			// Not consumed, leave it for the next attempt
			e.ops.PushFront(op)
			return newError(KindParams, e.key, err)
		}
		e.bound = append(e.bound, params)
	}

	if len(e.bound) == 0 {
		return nil
	}
	if err := b.ExecuteBatch(ctx, tmpl, e.bound); err != nil {
		return newError(KindBackend, e.key, err)
	}

	metrics.BatchSize.WithLabelValues(string(e.key)).Observe(float64(len(e.bound)))
	e.bound = nil
	return nil
}

// singleEntry executes one operation on its own
type singleEntry struct {
	op     Operation
	params []any
	bound  bool
}

func newSingleEntry(op Operation) *singleEntry {
	return &singleEntry{op: op}
}

func (e *singleEntry) IsReady() bool {
	return true
}

func (e *singleEntry) Execute(ctx context.Context, b Backend) error {
	key := e.op.Key()
	tmpl, err := e.op.Registry().Resolve(key)
	if err != nil {
		return newError(KindLookup, key, err)
	}

	if !e.bound {
		params, err := e.op.Params()
		if err != nil {
			return newError(KindParams, key, err)
		}
		e.params, e.bound = params, true
	}

	if err := b.ExecuteSingle(ctx, tmpl, e.params); err != nil {
		return newError(KindBackend, key, err)
	}
	return nil
}
