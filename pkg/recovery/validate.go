package recovery

import (
	"fmt"
	"regexp"
	"strings"
)

// readOnlyKeywords are the only statement openers an accepted fix may use.
var readOnlyKeywords = []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "DESC", "EXPLAIN"}

// destructiveRe rejects statements that write or alter state.
var destructiveRe = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|TRUNCATE|CREATE|GRANT|REVOKE|RENAME|ATTACH|DETACH|OPTIMIZE)\b`)

// validateFix is the acceptance gate for every proposed repair, deterministic
// and AI-generated alike. The same input always yields the same verdict.
func validateFix(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return fmt.Errorf("empty statement")
	}

	upper := strings.ToUpper(trimmed)
	allowed := false
	for _, kw := range readOnlyKeywords {
		if strings.HasPrefix(upper, kw+" ") || strings.HasPrefix(upper, kw+"\n") || upper == kw {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("statement does not start with a read-only keyword")
	}

	if destructiveRe.MatchString(trimmed) {
		return fmt.Errorf("statement contains a destructive keyword")
	}

	// Stacked statements and comment-based injection.
	if i := strings.Index(trimmed, ";"); i >= 0 && i != len(trimmed)-1 {
		return fmt.Errorf("statement contains an interior semicolon")
	}
	if strings.Contains(trimmed, "--") || strings.Contains(trimmed, "/*") {
		return fmt.Errorf("statement contains a SQL comment")
	}

	return checkBalance(trimmed)
}

// checkBalance verifies paired quotes and parentheses.
func checkBalance(sql string) error {
	depth := 0
	inSingle, inDouble := false, false
	for _, r := range sql {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '(':
			if !inSingle && !inDouble {
				depth++
			}
		case ')':
			if !inSingle && !inDouble {
				depth--
				if depth < 0 {
					return fmt.Errorf("unbalanced closing parenthesis")
				}
			}
		}
	}
	if inSingle || inDouble {
		return fmt.Errorf("unterminated string literal")
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced parentheses")
	}
	return nil
}
