// Package recovery classifies failed-SQL error messages and attempts to
// repair the statement, first with deterministic rewrites and then with an
// AI repair loop whose proposals are re-validated before acceptance.
package recovery

import (
	"regexp"
	"strconv"
)

// ErrorKind is the classified category of a query failure.
type ErrorKind string

const (
	KindSyntaxError         ErrorKind = "syntax_error"
	KindFieldNotFound       ErrorKind = "field_not_found"
	KindTableNotFound       ErrorKind = "table_not_found"
	KindTypeMismatch        ErrorKind = "type_mismatch"
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindConstraintViolation ErrorKind = "constraint_violation"
	KindTimeoutError        ErrorKind = "timeout_error"
	KindConnectionError     ErrorKind = "connection_error"
	KindUnknownError        ErrorKind = "unknown_error"
)

// SQLError is a classified query failure.
type SQLError struct {
	Kind    ErrorKind
	SQL     string
	Message string

	// Best-effort extraction from the message; zero values when absent.
	Table string
	Field string
	Line  int
}

// kindPatterns are checked in order; the first match wins. Connection and
// timeout come first so messages like "connection timed out" are not
// swallowed by a later, broader pattern.
var kindPatterns = []struct {
	kind ErrorKind
	re   *regexp.Regexp
}{
	{KindConnectionError, regexp.MustCompile(`(?i)connection refused|connection reset|broken pipe|no route to host|dial tcp|NETWORK_ERROR`)},
	{KindTimeoutError, regexp.MustCompile(`(?i)timeout|timed out|max_execution_time|TIMEOUT_EXCEEDED`)},
	{KindPermissionDenied, regexp.MustCompile(`(?i)permission denied|access denied|not enough privileges|ACCESS_DENIED|readonly mode`)},
	{KindFieldNotFound, regexp.MustCompile(`(?i)unknown column|unknown identifier|missing columns?|no such column|NOT_FOUND_COLUMN|UNKNOWN_IDENTIFIER`)},
	{KindTableNotFound, regexp.MustCompile(`(?i)unknown table|table .*(doesn't|does not) exist|no such table|UNKNOWN_TABLE|Table .* not found`)},
	{KindTypeMismatch, regexp.MustCompile(`(?i)type mismatch|illegal type|cannot convert|incompatible types?|ILLEGAL_TYPE_OF_ARGUMENT|NO_COMMON_TYPE`)},
	{KindConstraintViolation, regexp.MustCompile(`(?i)constraint|duplicate key|unique violation|foreign key`)},
	{KindSyntaxError, regexp.MustCompile(`(?i)syntax error|parse error|cannot parse|unexpected token|SYNTAX_ERROR|unexpected end of`)},
}

var (
	fieldRe = regexp.MustCompile("(?i)(?:unknown column|unknown identifier|missing columns?|no such column)[:\\s]+[`'\"]?([A-Za-z_][A-Za-z0-9_]*)")
	tableRe = regexp.MustCompile("(?i)(?:unknown table|no such table|table)[:\\s]+[`'\"]?(?:[A-Za-z_][A-Za-z0-9_]*\\.)?([A-Za-z_][A-Za-z0-9_]*)")
	lineRe  = regexp.MustCompile(`(?i)(?:at line|line)[:\s]+(\d+)`)
)

// Classify maps a raw execution error message to a SQLError.
func Classify(sql, message string) SQLError {
	out := SQLError{Kind: KindUnknownError, SQL: sql, Message: message}

	for _, p := range kindPatterns {
		if p.re.MatchString(message) {
			out.Kind = p.kind
			break
		}
	}

	switch out.Kind {
	case KindFieldNotFound:
		if m := fieldRe.FindStringSubmatch(message); m != nil {
			out.Field = m[1]
		}
	case KindTableNotFound:
		if m := tableRe.FindStringSubmatch(message); m != nil {
			out.Table = m[1]
		}
	}

	if m := lineRe.FindStringSubmatch(message); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			out.Line = n
		}
	}

	return out
}
