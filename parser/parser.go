package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// QueryType represents the type of SQL statement
type QueryType int

const (
	QueryUnknown QueryType = iota
	QuerySelect
	QueryInsert
	QueryUpdate
	QueryDelete
	QueryReplace
)

func (t QueryType) String() string {
	switch t {
	case QuerySelect:
		return "SELECT"
	case QueryInsert:
		return "INSERT"
	case QueryUpdate:
		return "UPDATE"
	case QueryDelete:
		return "DELETE"
	case QueryReplace:
		return "REPLACE"
	default:
		return "UNKNOWN"
	}
}

// Statement contains information extracted from a statement template
type Statement struct {
	Type         QueryType
	DB           string // Database name from FQN
	Table        string // Target table
	Placeholders int    // Number of bind parameters
	File         string // Source file from hint
	Line         int    // Source line from hint
	Query        string // Query without hint comment
}

var (
	// Match /* file:user.go line:42 */ or /*file:user.go*/
	hintRegex = regexp.MustCompile(`/\*\s*(file:(\S+))?\s*(line:(\d+))?\s*\*/`)
	// Match statement type (allows comments before keyword)
	queryTypeRegex = regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|REPLACE)\b`)
	// Match the target of a statement, optionally qualified like db.table or `db`.`table`
	targetRegex = regexp.MustCompile("(?i)\\b(?:FROM|JOIN|INTO|UPDATE)\\s+['\"`]?([a-zA-Z0-9_$]+)['\"`]?(?:\\s*\\.\\s*['\"`]?([a-zA-Z0-9_$]+)['\"`]?)?")
	// Match numbered placeholders like $1, but not identifiers like t$1
	dollarRegex = regexp.MustCompile(`(?:^|[^a-zA-Z0-9_$])\$(\d+)`)
)

// Parse extracts metadata from a statement template
func Parse(query string) *Statement {
	s := &Statement{
		Query: query,
		Type:  QueryUnknown,
	}

	// Extract hints from comments
	if matches := hintRegex.FindStringSubmatch(query); matches != nil {
		s.File = matches[2]
		if matches[4] != "" {
			s.Line, _ = strconv.Atoi(matches[4])
		}
		// Remove the hint comment from the query
		s.Query = strings.TrimSpace(hintRegex.ReplaceAllString(query, ""))
	}

	// Determine statement type
	if matches := queryTypeRegex.FindStringSubmatch(s.Query); matches != nil {
		switch strings.ToUpper(matches[1]) {
		case "SELECT":
			s.Type = QuerySelect
		case "INSERT":
			s.Type = QueryInsert
		case "UPDATE":
			s.Type = QueryUpdate
		case "DELETE":
			s.Type = QueryDelete
		case "REPLACE":
			s.Type = QueryReplace
		}
	}

	if matches := targetRegex.FindStringSubmatch(s.Query); matches != nil {
		if matches[2] != "" {
			s.DB, s.Table = matches[1], matches[2]
		} else {
			s.Table = matches[1]
		}
	}

	s.Placeholders = countPlaceholders(s.Query)
	return s
}

// countPlaceholders counts ? placeholders outside quotes. Queries written
// with $n placeholders count the highest n instead.
func countPlaceholders(query string) int {
	unquoted := stripQuoted(query)

	highest := 0
	for _, m := range dollarRegex.FindAllStringSubmatch(unquoted, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	if highest > 0 {
		return highest
	}
	return strings.Count(unquoted, "?")
}

// stripQuoted removes string literals and quoted identifiers
func stripQuoted(query string) string {
	var b strings.Builder
	b.Grow(len(query))

	var quote rune
	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			continue
		case r == '\'' || r == '"' || r == '`':
			quote = r
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsWritable returns true if the statement modifies data
func (s *Statement) IsWritable() bool {
	return s.Type == QueryInsert ||
		s.Type == QueryUpdate ||
		s.Type == QueryDelete ||
		s.Type == QueryReplace
}

// IsBatchable returns true if executions can be grouped into one transaction
// without changing their meaning. Reads return rows that a batch discards.
func (s *Statement) IsBatchable() bool {
	return s.IsWritable()
}
