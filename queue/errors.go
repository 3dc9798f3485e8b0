package queue

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/mevdschee/tqdbqueue/statement"
)

// Kind classifies execution failures
type Kind string

const (
	KindLookup      Kind = "lookup"      // statement key not registered
	KindParams      Kind = "params"      // operation failed to produce parameters
	KindBackend     Kind = "backend"     // backend rejected the submission
	KindUnavailable Kind = "unavailable" // no backend could be obtained
	KindUnknown     Kind = "unknown"
)

// Error is an execution failure of one entry
type Error struct {
	Kind Kind
	Key  statement.Key
	Err  error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error for statement %q: %v", e.Kind, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause returns the underlying error for github.com/pkg/errors
func (e *Error) Cause() error { return e.Err }

func newError(kind Kind, key statement.Key, err error) error {
	return errors.WithStack(&Error{Kind: kind, Key: key, Err: err})
}

// KindOf returns the kind of an execution error
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindUnknown
}
