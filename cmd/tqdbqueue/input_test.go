package main

import (
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/mevdschee/tqdbqueue/queue"
	"github.com/mevdschee/tqdbqueue/statement"
	"github.com/mevdschee/tqdbqueue/worker"
)

type recordingPublisher struct {
	batch  []queue.Operation
	single []queue.Operation
	err    error
}

func (p *recordingPublisher) PublishBatch(op queue.Operation) error {
	if p.err != nil {
		return p.err
	}
	p.batch = append(p.batch, op)
	return nil
}

func (p *recordingPublisher) PublishSingle(op queue.Operation) error {
	if p.err != nil {
		return p.err
	}
	p.single = append(p.single, op)
	return nil
}

func TestParseLine(t *testing.T) {
	rec, err := parseLine([]byte(`{"key": "insert_event", "params": ["login", 42, 1.5, null, true]}`))
	if err != nil {
		t.Fatalf("parseLine failed: %v", err)
	}
	if rec.Key != "insert_event" || rec.Single {
		t.Errorf("Unexpected record %+v", rec)
	}

	if v, ok := rec.Params[1].(int64); !ok || v != 42 {
		t.Errorf("Expected int64 42, got %T %v", rec.Params[1], rec.Params[1])
	}
	if v, ok := rec.Params[2].(float64); !ok || v != 1.5 {
		t.Errorf("Expected float64 1.5, got %T %v", rec.Params[2], rec.Params[2])
	}
	if rec.Params[3] != nil {
		t.Errorf("Expected nil, got %v", rec.Params[3])
	}
}

func TestParseLine_Invalid(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"params": [1]}`,
		`{"key": "", "params": [1]}`,
	} {
		if _, err := parseLine([]byte(line)); err == nil {
			t.Errorf("Expected error for %s", line)
		}
	}
}

func setupRegistry() *statement.Registry {
	reg := statement.NewRegistry()
	reg.MustRegister("a", "INSERT INTO a (v) VALUES (?)")
	reg.MustRegister("b", "INSERT INTO b (v) VALUES (?)")
	return reg
}

func TestPublishLines(t *testing.T) {
	reg := setupRegistry()
	input := strings.Join([]string{
		`{"key": "a", "params": [1]}`,
		``,
		`{"key": "b", "params": [2], "single": true}`,
		`garbage`,
		`{"key": "a", "params": [3]}`,
	}, "\n")

	p := &recordingPublisher{}
	if err := publishLines(strings.NewReader(input), reg, p); err != nil {
		t.Fatalf("publishLines failed: %v", err)
	}

	if len(p.batch) != 2 {
		t.Fatalf("Expected 2 batch operations, got %d", len(p.batch))
	}
	if len(p.single) != 1 || p.single[0].Key() != "b" {
		t.Errorf("Expected one single operation for b, got %d", len(p.single))
	}
	params, _ := p.batch[1].Params()
	if len(params) != 1 || params[0] != int64(3) {
		t.Errorf("Unexpected params %v", params)
	}
}

func TestPublishLines_StopsWhenRejected(t *testing.T) {
	p := &recordingPublisher{err: worker.ErrStopped}
	err := publishLines(strings.NewReader(`{"key": "a", "params": [1]}`), setupRegistry(), p)
	if err == nil {
		t.Fatal("Expected error once publishes are rejected")
	}
}

func TestPublishLines_SkipsLinesThatCanNeverExecute(t *testing.T) {
	input := strings.Join([]string{
		`{"key": "unknown", "params": [1], "single": true}`,
		`{"key": "a", "params": [1, 2], "single": true}`,
		`{"key": "a", "params": []}`,
		`{"key": "a", "params": [1]}`,
		`{"key": "b", "params": [2], "single": true}`,
	}, "\n")

	p := &recordingPublisher{}
	if err := publishLines(strings.NewReader(input), setupRegistry(), p); err != nil {
		t.Fatalf("publishLines failed: %v", err)
	}
	if len(p.batch) != 1 || len(p.single) != 1 {
		t.Fatalf("Expected only the 2 valid lines, got %d batch and %d single", len(p.batch), len(p.single))
	}
	if p.single[0].Key() != "b" {
		t.Errorf("Expected single operation for b, got %s", p.single[0].Key())
	}
}

func TestCheckRecord(t *testing.T) {
	reg := setupRegistry()

	if err := checkRecord(reg, record{Key: "a", Params: []any{int64(1)}}); err != nil {
		t.Errorf("Expected valid record to pass, got %v", err)
	}
	if err := checkRecord(reg, record{Key: "missing", Params: []any{int64(1)}}); !errors.Is(err, statement.ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}
	if err := checkRecord(reg, record{Key: "a", Params: []any{int64(1), int64(2)}}); err == nil {
		t.Error("Expected arity error")
	}
}
