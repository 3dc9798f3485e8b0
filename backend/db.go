package backend

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/mevdschee/tqdbqueue/cache"
	"github.com/mevdschee/tqdbqueue/statement"
)

// Options holds connection pool settings
type Options struct {
	MaxOpenConns       int           // Maximum open connections (10 default)
	MaxIdleConns       int           // Maximum idle connections (10 default)
	ConnMaxLifetime    time.Duration // Maximum connection lifetime (30m default)
	StatementCacheSize int           // Maximum cached prepared statements (256 default)
}

// DefaultOptions returns the default pool settings
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:       10,
		MaxIdleConns:       10,
		ConnMaxLifetime:    30 * time.Minute,
		StatementCacheSize: 256,
	}
}

// DB executes statement templates on a database/sql connection pool
type DB struct {
	db      *sql.DB
	dialect Dialect
	stmts   *cache.Statements
}

// Open opens a connection pool for driver and dsn
func Open(driver, dsn string, opts Options) (*DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	d, err := New(db, dialect, opts.StatementCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an existing connection pool
func New(db *sql.DB, dialect Dialect, cacheSize int) (*DB, error) {
	stmts, err := cache.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &DB{db: db, dialect: dialect, stmts: stmts}, nil
}

// SQL returns the underlying connection pool
func (d *DB) SQL() *sql.DB {
	return d.db
}

// prepare returns the cached prepared statement for t
func (d *DB) prepare(ctx context.Context, t statement.Template) (*sql.Stmt, error) {
	query := d.dialect.Rebind(t.Query)
	if stmt, ok := d.stmts.Get(query); ok {
		return stmt, nil
	}

	stmt, err := d.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "prepare %q", t.Key)
	}
	d.stmts.Set(query, stmt)
	return stmt, nil
}

// ExecuteSingle executes t once with params
func (d *DB) ExecuteSingle(ctx context.Context, t statement.Template, params []any) error {
	if err := t.CheckArity(params); err != nil {
		return err
	}
	stmt, err := d.prepare(ctx, t)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, params...); err != nil {
		return errors.Wrapf(err, "execute %q", t.Key)
	}
	return nil
}

// ExecuteBatch executes t once per parameter set inside one transaction.
// Either every set is applied or none is.
func (d *DB) ExecuteBatch(ctx context.Context, t statement.Template, batch [][]any) error {
	if len(batch) == 0 {
		return nil
	}
	for i, params := range batch {
		if err := t.CheckArity(params); err != nil {
			return errors.Wrapf(err, "parameter set %d of %d", i+1, len(batch))
		}
	}

	stmt, err := d.prepare(ctx, t)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin batch %q", t.Key)
	}

	txStmt := tx.StmtContext(ctx, stmt)
	for i, params := range batch {
		if _, err := txStmt.ExecContext(ctx, params...); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %q parameter set %d of %d", t.Key, i+1, len(batch))
		}
	}

	return errors.Wrapf(tx.Commit(), "commit batch %q", t.Key)
}

// Ping checks that the database is reachable
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes cached statements and the connection pool
func (d *DB) Close() error {
	d.stmts.Close()
	return errors.Wrap(d.db.Close(), "close database")
}
