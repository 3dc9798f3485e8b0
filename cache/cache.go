package cache

import (
	"database/sql"

	"github.com/maypok86/otter"
	"github.com/pkg/errors"
)

// Statements wraps an Otter cache of prepared statements keyed by query text.
// Statements leaving the cache are closed.
type Statements struct {
	store otter.Cache[string, *sql.Stmt]
}

// New creates a statement cache holding at most maxSize statements
func New(maxSize int) (*Statements, error) {
	if maxSize < 1 {
		return nil, errors.Errorf("statement cache size must be positive, got %d", maxSize)
	}
	store, err := otter.MustBuilder[string, *sql.Stmt](maxSize).
		DeletionListener(func(_ string, stmt *sql.Stmt, _ otter.DeletionCause) {
			stmt.Close()
		}).
		Build()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Statements{store: store}, nil
}

// Get retrieves a prepared statement by query
func (c *Statements) Get(query string) (*sql.Stmt, bool) {
	return c.store.Get(query)
}

// Set stores a prepared statement
func (c *Statements) Set(query string, stmt *sql.Stmt) {
	c.store.Set(query, stmt)
}

// Delete removes and closes a statement
func (c *Statements) Delete(query string) {
	c.store.Delete(query)
}

// Size returns the number of cached statements
func (c *Statements) Size() int {
	return c.store.Size()
}

// Close closes every cached statement and releases the cache
func (c *Statements) Close() {
	// sql.Stmt.Close is idempotent, the deletion listener may close again
	c.store.Range(func(_ string, stmt *sql.Stmt) bool {
		stmt.Close()
		return true
	})
	c.store.Clear()
	c.store.Close()
}
