package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mevdschee/tqdbqueue/queue"
	"github.com/mevdschee/tqdbqueue/statement"
)

// maxLineSize bounds a single input line
const maxLineSize = 4 << 20

var validate = validator.New()

// record is one input line
type record struct {
	Key    statement.Key `json:"key" validate:"required"`
	Params []any         `json:"params"`
	Single bool          `json:"single"`
}

// publisher is the part of the worker used by the input loop
type publisher interface {
	PublishBatch(op queue.Operation) error
	PublishSingle(op queue.Operation) error
}

func parseLine(line []byte) (record, error) {
	var rec record
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return rec, errors.Wrap(err, "decode")
	}
	if err := validate.Struct(rec); err != nil {
		return rec, errors.Wrap(err, "validate")
	}
	for i, p := range rec.Params {
		rec.Params[i] = normalize(p)
	}
	return rec, nil
}

// checkRecord verifies that rec can ever execute
func checkRecord(reg queue.Resolver, rec record) error {
	tmpl, err := reg.Resolve(rec.Key)
	if err != nil {
		return err
	}
	return tmpl.CheckArity(rec.Params)
}

// normalize turns JSON numbers into int64 where possible, float64 otherwise
func normalize(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// publishLines publishes every line of r. Malformed lines and lines that
// name an unknown statement or carry the wrong number of parameters are
// logged and skipped, since the worker would retry them forever. It returns nil at end of input and stops early once the worker
// rejects publishes.
func publishLines(r io.Reader, reg queue.Resolver, w publisher) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		rec, err := parseLine(line)
		if err != nil {
			log.WithError(err).Warnf("[Input] Skipping line %d", lineNo)
			continue
		}

		if err := checkRecord(reg, rec); err != nil {
			log.WithError(err).Warnf("[Input] Skipping line %d", lineNo)
			continue
		}

		op := queue.Static(rec.Key, reg, rec.Params...)
		if rec.Single {
			err = w.PublishSingle(op)
		} else {
			err = w.PublishBatch(op)
		}
		if err != nil {
			return errors.Wrapf(err, "line %d", lineNo)
		}
	}
	return errors.Wrap(scanner.Err(), "read input")
}
