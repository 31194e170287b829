package recovery

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/parallaxdata/chatbi/pkg/relation"
)

// minNameSimilarity is the floor for substituting a misspelled identifier
// with a known one.
const minNameSimilarity = 0.6

// syntaxFixConfidence is the fixed confidence of deterministic syntax
// normalizations.
const syntaxFixConfidence = 0.7

// fixFieldName substitutes the closest known column name for the missing
// one. Returns the rewritten SQL, the chosen name and its similarity, or
// ok=false when no candidate clears the floor.
func fixFieldName(sqlErr SQLError, schema []relation.Table) (fixed, chosen string, similarity float64, ok bool) {
	if sqlErr.Field == "" {
		return "", "", 0, false
	}

	var candidates []string
	for _, t := range schema {
		for _, c := range t.Columns {
			candidates = append(candidates, c.Name)
		}
	}

	chosen, similarity = closestName(sqlErr.Field, candidates)
	if similarity < minNameSimilarity {
		return "", "", 0, false
	}
	return replaceIdentifier(sqlErr.SQL, sqlErr.Field, chosen), chosen, similarity, true
}

// fixTableName substitutes the closest known table name for the missing one.
func fixTableName(sqlErr SQLError, schema []relation.Table) (fixed, chosen string, similarity float64, ok bool) {
	if sqlErr.Table == "" {
		return "", "", 0, false
	}

	candidates := make([]string, 0, len(schema))
	for _, t := range schema {
		candidates = append(candidates, t.Name)
	}

	chosen, similarity = closestName(sqlErr.Table, candidates)
	if similarity < minNameSimilarity {
		return "", "", 0, false
	}
	return replaceIdentifier(sqlErr.SQL, sqlErr.Table, chosen), chosen, similarity, true
}

// fixSyntax applies a small set of normalizations. Returns the rewritten SQL
// and a description per change; ok=false when nothing applied.
func fixSyntax(sql string) (string, []string, bool) {
	var changes []string
	fixed := strings.TrimSpace(sql)

	// Trailing comma before a keyword, as in "SELECT a, FROM t".
	trailingComma := regexp.MustCompile(`(?i),\s*(FROM|WHERE|GROUP BY|ORDER BY|LIMIT)\b`)
	if trailingComma.MatchString(fixed) {
		fixed = trailingComma.ReplaceAllString(fixed, " $1")
		changes = append(changes, "removed trailing comma before keyword")
	}

	// Unterminated string literal.
	if strings.Count(fixed, "'")%2 == 1 {
		fixed += "'"
		changes = append(changes, "closed unterminated string literal")
	}

	// Unbalanced parentheses.
	if open := strings.Count(fixed, "(") - strings.Count(fixed, ")"); open > 0 {
		fixed += strings.Repeat(")", open)
		changes = append(changes, fmt.Sprintf("closed %d unbalanced parenthesis(es)", open))
	}

	// Dangling trailing comma or semicolon noise.
	if strings.HasSuffix(fixed, ",") {
		fixed = strings.TrimSuffix(fixed, ",")
		changes = append(changes, "removed dangling trailing comma")
	}

	return fixed, changes, len(changes) > 0
}

// closestName returns the candidate with the highest character-overlap
// similarity to name.
func closestName(name string, candidates []string) (string, float64) {
	best := ""
	bestScore := 0.0
	for _, c := range candidates {
		if s := nameSimilarity(name, c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore
}

// nameSimilarity is a character-bag overlap ratio: shared character count
// over the longer name's length. Identical names score 1.
func nameSimilarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	counts := make(map[rune]int)
	for _, r := range b {
		counts[r]++
	}
	shared := 0
	for _, r := range a {
		if counts[r] > 0 {
			counts[r]--
			shared++
		}
	}

	longer := len([]rune(a))
	if lb := len([]rune(b)); lb > longer {
		longer = lb
	}
	return float64(shared) / float64(longer)
}

// replaceIdentifier swaps whole-word occurrences of old for new in the SQL.
func replaceIdentifier(sql, old, new string) string {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(old) + `\b`)
	return re.ReplaceAllString(sql, new)
}
