package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mevdschee/tqdbqueue/backend"
	"github.com/mevdschee/tqdbqueue/pool"
	"github.com/mevdschee/tqdbqueue/queue"
	"github.com/mevdschee/tqdbqueue/statement"
)

// Benchmark comparing batched vs single writes through the worker
func BenchmarkWorkerWrites(b *testing.B) {
	b.Run("Single", func(b *testing.B) {
		benchmarkWrites(b, 1, true)
	})

	b.Run("Batched_10", func(b *testing.B) {
		benchmarkWrites(b, 10, false)
	})

	b.Run("Batched_100", func(b *testing.B) {
		benchmarkWrites(b, 100, false)
	})

	b.Run("Batched_1000", func(b *testing.B) {
		benchmarkWrites(b, 1000, false)
	})
}

func benchmarkWrites(b *testing.B, batchSize int, single bool) {
	opts := backend.DefaultOptions()
	opts.MaxOpenConns = 1
	db, err := backend.Open("sqlite3", ":memory:", opts)
	if err != nil {
		b.Fatal(err)
	}
	if _, err := db.SQL().Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)"); err != nil {
		b.Fatal(err)
	}
	p := pool.NewPool(db)
	defer p.Close()

	reg := statement.NewRegistry()
	reg.MustRegister("insert", "INSERT INTO test (value) VALUES (?)")

	w := New(p, nil, Config{
		Settings: queue.Settings{
			CriticalBatchSize: batchSize,
			MaxIdle:           time.Minute,
			AutoFlushInterval: time.Minute,
		},
		RetryDelay: time.Millisecond,
	})
	if err := w.Start(context.Background()); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		op := queue.Static("insert", reg, fmt.Sprintf("test%d", i))
		if single {
			w.PublishSingle(op)
		} else {
			w.PublishBatch(op)
		}
	}
	if err := w.Stop(context.Background()); err != nil {
		b.Fatal(err)
	}
}

// Benchmark publish throughput with concurrent producers
func BenchmarkConcurrentPublish(b *testing.B) {
	for _, producers := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("Producers_%d", producers), func(b *testing.B) {
			counting := &countingBackend{}
			w := New(Static(counting), nil, testConfig(queue.DefaultSettings()))
			w.Start(context.Background())
			reg := setupRegistry()

			b.ResetTimer()
			var wg sync.WaitGroup
			per := b.N/producers + 1
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < per; i++ {
						w.PublishBatch(queue.Static("test", reg, i))
					}
				}()
			}
			wg.Wait()
			w.Stop(context.Background())
		})
	}
}
