package queue

import (
	"context"
	"time"

	"github.com/gammazero/deque"
	"k8s.io/utils/clock"

	"github.com/mevdschee/tqdbqueue/metrics"
	"github.com/mevdschee/tqdbqueue/statement"
)

// Flush reasons, used as metric labels
const (
	reasonSize     = "size"
	reasonIdle     = "idle"
	reasonSweep    = "sweep"
	reasonShutdown = "shutdown"
)

// Queue aggregates operations by statement key and keeps the list of entries
// that are ready for execution.
//
// Queue is not safe for concurrent use. The worker serializes every call
// with its own mutex.
type Queue struct {
	settings Settings
	clock    clock.PassiveClock

	batches map[statement.Key]*batchEntry
	order   []statement.Key // keys in first-seen order, for deterministic sweeps
	open    int             // non-empty entries in batches

	pending       *deque.Deque[Entry]
	lastAutoFlush time.Time
}

// New creates a queue with the given flush policy
func New(settings Settings, clk clock.PassiveClock) *Queue {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Queue{
		settings:      settings,
		clock:         clk,
		batches:       make(map[statement.Key]*batchEntry),
		pending:       deque.New[Entry](),
		lastAutoFlush: clk.Now(),
	}
}

// Settings returns the flush policy
func (q *Queue) Settings() Settings {
	return q.settings
}

// PublishBatch appends op to the batch entry of its key. The entry is moved
// to the pending list as soon as it reaches the critical size or max idle.
func (q *Queue) PublishBatch(op Operation) {
	key := op.Key()
	entry, ok := q.batches[key]
	if !ok {
		entry = newBatchEntry(key, op.Registry(), &q.settings, q.clock)
		q.batches[key] = entry
		q.order = append(q.order, key)
	}

	if entry.size() == 0 {
		q.open++
		metrics.OpenBatches.Inc()
	}
	entry.offer(op)
	metrics.PublishedTotal.WithLabelValues("batch").Inc()

	switch {
	case entry.reachedSize():
		q.flush(entry, reasonSize)
	case entry.reachedDeadline():
		q.flush(entry, reasonIdle)
	}
}

// PublishSingle makes op ready for execution on its own
func (q *Queue) PublishSingle(op Operation) {
	q.offer(newSingleEntry(op))
	metrics.PublishedTotal.WithLabelValues("single").Inc()
}

// IsReady reports whether there are entries waiting for execution
func (q *Queue) IsReady() bool {
	return q.pending.Len() > 0
}

// IsFlushPending reports whether a deadline sweep is due
func (q *Queue) IsFlushPending() bool {
	return q.clock.Since(q.lastAutoFlush) > q.settings.AutoFlushInterval
}

// FlushReady moves every batch entry older than max idle to the pending
// list, however small it is, and records the sweep time.
func (q *Queue) FlushReady() {
	for _, key := range q.order {
		if entry := q.batches[key]; entry.reachedDeadline() {
			q.flush(entry, reasonSweep)
		}
	}

	if now := q.clock.Now(); now.After(q.lastAutoFlush) {
		q.lastAutoFlush = now
	}
}

// FlushAll moves every non-empty batch entry to the pending list
func (q *Queue) FlushAll() {
	for _, key := range q.order {
		if entry := q.batches[key]; entry.size() > 0 {
			q.flush(entry, reasonShutdown)
		}
	}
}

// Execute drains the pending list in FIFO order. The first entry that fails
// is put back at the front of the list and its error is returned; the
// remaining entries are left for the next call.
func (q *Queue) Execute(ctx context.Context, b Backend) error {
	for q.pending.Len() > 0 {
		entry := q.pending.PopFront()

		start := q.clock.Now()
		err := entry.Execute(ctx, b)
		if err != nil {
			q.pending.PushFront(entry)
			metrics.PendingEntries.Set(float64(q.pending.Len()))
			return err
		}

		metrics.ExecutionLatency.WithLabelValues(kindLabel(entry)).Observe(q.clock.Since(start).Seconds())
		metrics.PendingEntries.Set(float64(q.pending.Len()))
	}
	return nil
}

// Len returns the number of pending entries
func (q *Queue) Len() int {
	return q.pending.Len()
}

// Open returns the number of batch entries that hold operations but are not
// ready yet
func (q *Queue) Open() int {
	return q.open
}

// flush moves entry to the pending list and gives its key a fresh entry
func (q *Queue) flush(entry *batchEntry, reason string) {
	q.batches[entry.key] = newBatchEntry(entry.key, entry.registry, &q.settings, q.clock)
	q.open--
	metrics.OpenBatches.Dec()
	metrics.FlushesTotal.WithLabelValues(reason).Inc()
	q.offer(entry)
}

func (q *Queue) offer(entry Entry) {
	q.pending.PushBack(entry)
	metrics.PendingEntries.Set(float64(q.pending.Len()))
}

func kindLabel(entry Entry) string {
	if _, ok := entry.(*singleEntry); ok {
		return "single"
	}
	return "batch"
}
