package statement

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/mevdschee/tqdbqueue/parser"
)

var (
	// ErrNotRegistered is returned when a key has no registered template
	ErrNotRegistered = errors.New("statement not registered")

	// ErrDuplicate is returned when a key is registered twice
	ErrDuplicate = errors.New("statement already registered")
)

// Key identifies a statement template. Equal keys always resolve to the same
// template because a key can only be registered once.
type Key string

// Template is a resolved, parameterized statement
type Template struct {
	Key    Key
	Query  string
	Parsed *parser.Statement // Nil for templates built without NewTemplate
}

// NewTemplate analyzes query and returns a template for key
func NewTemplate(key Key, query string) Template {
	parsed := parser.Parse(strings.TrimSpace(query))
	return Template{Key: key, Query: parsed.Query, Parsed: parsed}
}

// CheckArity returns an error if params does not match the number of
// placeholders in the template. Templates without analysis always pass.
func (t Template) CheckArity(params []any) error {
	if t.Parsed == nil || t.Parsed.Placeholders == len(params) {
		return nil
	}
	return errors.Errorf("statement %q expects %d parameters, got %d", t.Key, t.Parsed.Placeholders, len(params))
}

// Registry maps statement keys to templates
type Registry struct {
	mu        sync.RWMutex
	templates map[Key]Template
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{templates: make(map[Key]Template)}
}

// Register adds a template for key
func (r *Registry) Register(key Key, query string) error {
	if key == "" {
		return errors.New("statement key must be non-empty")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return errors.Errorf("statement %q has an empty query", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[key]; exists {
		return errors.Wrapf(ErrDuplicate, "statement %q", key)
	}
	r.templates[key] = NewTemplate(key, query)
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(key Key, query string) {
	if err := r.Register(key, query); err != nil {
		panic(err)
	}
}

// Resolve returns the template registered under key
func (r *Registry) Resolve(key Key) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[key]
	if !ok {
		return Template{}, errors.Wrapf(ErrNotRegistered, "statement %q", key)
	}
	return t, nil
}

// Keys returns all registered keys in sorted order
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.templates))
	for k := range r.templates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
