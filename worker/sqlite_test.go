package worker

import (
	"context"
	"testing"
	"time"

	"github.com/mevdschee/tqdbqueue/backend"
	"github.com/mevdschee/tqdbqueue/pool"
	"github.com/mevdschee/tqdbqueue/queue"
	"github.com/mevdschee/tqdbqueue/statement"
)

func setupTestDB(t *testing.T) *backend.DB {
	opts := backend.DefaultOptions()
	opts.MaxOpenConns = 1

	db, err := backend.Open("sqlite3", ":memory:", opts)
	if err != nil {
		t.Fatal(err)
	}

	_, err = db.SQL().Exec(`CREATE TABLE test_writes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data TEXT,
		value INTEGER
	)`)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func TestWorker_WritesThroughToSQLite(t *testing.T) {
	db := setupTestDB(t)
	p := pool.NewPool(db)
	defer p.Close()

	reg := statement.NewRegistry()
	reg.MustRegister("insert_batch", "INSERT INTO test_writes (data, value) VALUES ('batch', ?)")
	reg.MustRegister("insert_single", "INSERT INTO test_writes (data, value) VALUES ('single', ?)")

	w := New(p, failOnError(t), Config{
		Settings: queue.Settings{
			CriticalBatchSize: 100,
			MaxIdle:           time.Minute,
			AutoFlushInterval: time.Minute,
		},
		RetryDelay: 5 * time.Millisecond,
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 250; i++ {
		w.PublishBatch(queue.Static("insert_batch", reg, i))
		if i%25 == 0 {
			w.PublishSingle(queue.Static("insert_single", reg, i))
		}
	}

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	var batched, single int
	db.SQL().QueryRow("SELECT COUNT(*) FROM test_writes WHERE data = 'batch'").Scan(&batched)
	db.SQL().QueryRow("SELECT COUNT(*) FROM test_writes WHERE data = 'single'").Scan(&single)
	if batched != 250 {
		t.Errorf("Expected 250 batched rows, got %d", batched)
	}
	if single != 10 {
		t.Errorf("Expected 10 single rows, got %d", single)
	}

	// Publish order is kept within a key
	rows, err := db.SQL().Query("SELECT value FROM test_writes WHERE data = 'batch' ORDER BY id")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	want := 0
	for rows.Next() {
		var v int
		rows.Scan(&v)
		if v != want {
			t.Fatalf("Row %d has value %d, want publish order", want, v)
		}
		want++
	}
}

func TestWorker_UnregisteredKeyReported(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	reg := statement.NewRegistry()
	reg.MustRegister("insert", "INSERT INTO test_writes (data) VALUES (?)")

	kinds := make(chan queue.Kind, 1)
	handler := func(_ context.Context, err error) {
		select {
		case kinds <- queue.KindOf(err):
		default:
		}
	}
	w := New(Static(db), handler, testConfig(queue.DefaultSettings()))
	w.Start(context.Background())

	w.PublishSingle(queue.Static("unknown", reg, "x"))
	if kind := <-kinds; kind != queue.KindLookup {
		t.Errorf("Expected lookup failure, got %s", kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Stop(ctx); err == nil {
		t.Error("Expected Stop to report the entry that can never execute")
	}
}
