package backend

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Dialect describes the placeholder style of a SQL driver
type Dialect int

const (
	// DialectQuestion uses ? placeholders (MySQL, MariaDB, SQLite)
	DialectQuestion Dialect = iota
	// DialectDollar uses $1, $2, ... placeholders (PostgreSQL)
	DialectDollar
)

// DialectFor returns the dialect of a registered driver name
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql", "sqlite3":
		return DialectQuestion, nil
	case "postgres", "pgx":
		return DialectDollar, nil
	default:
		return DialectQuestion, errors.Errorf("unsupported driver %q", driver)
	}
}

func (d Dialect) String() string {
	if d == DialectDollar {
		return "dollar"
	}
	return "question"
}

// Rebind rewrites ? placeholders for the dialect. Question marks inside
// quoted strings and identifiers are left alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectDollar || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	var quote rune
	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
