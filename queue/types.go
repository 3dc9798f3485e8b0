package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mevdschee/tqdbqueue/statement"
)

// Resolver resolves a statement key to its template
type Resolver interface {
	Resolve(key statement.Key) (statement.Template, error)
}

// Backend executes resolved statements
type Backend interface {
	// ExecuteSingle executes one statement with bound parameters
	ExecuteSingle(ctx context.Context, t statement.Template, params []any) error
	// ExecuteBatch executes one statement once per parameter set, as a single submission
	ExecuteBatch(ctx context.Context, t statement.Template, batch [][]any) error
}

// Operation is one write or read request waiting to be executed
type Operation interface {
	Key() statement.Key
	Registry() Resolver
	// Params produces the ordered statement parameters
	Params() ([]any, error)
}

// ParamsFunc produces the parameters of an operation
type ParamsFunc func() ([]any, error)

type operation struct {
	key      statement.Key
	registry Resolver
	params   ParamsFunc
}

func (o *operation) Key() statement.Key     { return o.key }
func (o *operation) Registry() Resolver     { return o.registry }
func (o *operation) Params() ([]any, error) { return o.params() }

// NewOperation creates an operation whose parameters are produced by params
func NewOperation(key statement.Key, registry Resolver, params ParamsFunc) Operation {
	return &operation{key: key, registry: registry, params: params}
}

// Static creates an operation with fixed parameters
func Static(key statement.Key, registry Resolver, params ...any) Operation {
	return NewOperation(key, registry, func() ([]any, error) {
		return params, nil
	})
}

// Settings holds the flush policy of a queue
type Settings struct {
	CriticalBatchSize int           // Batch size that forces an immediate flush (100 default)
	MaxIdle           time.Duration // Maximum batch age before a forced flush (5m default)
	AutoFlushInterval time.Duration // Minimum spacing between deadline sweeps (10s default)
}

// DefaultSettings returns the default flush policy
func DefaultSettings() Settings {
	return Settings{
		CriticalBatchSize: 100,
		MaxIdle:           5 * time.Minute,
		AutoFlushInterval: 10 * time.Second,
	}
}

// Validate checks that the settings are usable
func (s Settings) Validate() error {
	if s.CriticalBatchSize < 1 {
		return errors.Errorf("critical batch size must be positive, got %d", s.CriticalBatchSize)
	}
	if s.MaxIdle < 0 {
		return errors.Errorf("max idle must not be negative, got %s", s.MaxIdle)
	}
	if s.AutoFlushInterval < 0 {
		return errors.Errorf("auto flush interval must not be negative, got %s", s.AutoFlushInterval)
	}
	return nil
}
