// Package contextbuild assembles a bounded-size context string for SQL
// generation from up to five knowledge modules, each scored for relevance
// and admitted greedily under a hard token budget. Aggregation is
// best-effort: loader failures exclude a module, they never fail the call.
package contextbuild

import (
	"strings"
	"unicode"
)

// ModuleType names one of the five context contributors.
type ModuleType string

const (
	ModuleDataSource     ModuleType = "data_source"
	ModuleTableStructure ModuleType = "table_structure"
	ModuleTableRelation  ModuleType = "table_relation"
	ModuleDictionary     ModuleType = "dictionary"
	ModuleKnowledge      ModuleType = "knowledge"
)

// Priority orders module admission. Critical modules are admitted first and
// are the only tier allowed to exceed the remaining budget.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Module is one scored context contributor, created fresh per aggregation
// call and never persisted.
type Module struct {
	Type      ModuleType
	Priority  Priority
	Relevance float64 // [0,1]
	TokenCost int     // estimated
}

// TokenBudget bounds the context size. Available is computed once; the
// struct is never mutated after construction.
type TokenBudget struct {
	Total    int
	Reserved int // held back for the model's response
}

// Available returns the tokens usable for context, never negative.
func (b TokenBudget) Available() int {
	if b.Reserved >= b.Total {
		return 0
	}
	return b.Total - b.Reserved
}

// baseWeights are the per-type relevance bases.
var baseWeights = map[ModuleType]float64{
	ModuleTableStructure: 0.9,
	ModuleDictionary:     0.8,
	ModuleDataSource:     0.7,
	ModuleTableRelation:  0.6,
	ModuleKnowledge:      0.5,
}

// priorities are the per-type admission tiers. Structure is critical: SQL
// generation without the schema is not worth attempting.
var priorities = map[ModuleType]Priority{
	ModuleTableStructure: PriorityCritical,
	ModuleDictionary:     PriorityHigh,
	ModuleDataSource:     PriorityHigh,
	ModuleTableRelation:  PriorityMedium,
	ModuleKnowledge:      PriorityLow,
}

// moduleKeywords feed the keyword-overlap relevance bonus.
var moduleKeywords = map[ModuleType][]string{
	ModuleTableStructure: {"table", "column", "field", "schema", "字段", "表"},
	ModuleDictionary:     {"mean", "dictionary", "term", "code", "字典", "含义"},
	ModuleDataSource:     {"source", "database", "warehouse", "数据", "库"},
	ModuleTableRelation:  {"join", "relation", "across", "关联", "关系"},
	ModuleKnowledge:      {"rule", "policy", "metric", "规则", "口径"},
}

const (
	keywordBonus    = 0.05
	maxKeywordBonus = 0.2
	tableKnownBonus = 0.2
)

// sectionTitles label each module's contribution in the final context.
var sectionTitles = map[ModuleType]string{
	ModuleDataSource:     "Data Source",
	ModuleTableStructure: "Table Structure",
	ModuleTableRelation:  "Table Relations",
	ModuleDictionary:     "Business Dictionary",
	ModuleKnowledge:      "Background Knowledge",
}

// scoreRelevance computes base weight + keyword overlap bonus + table bonus,
// clamped to [0,1].
func scoreRelevance(t ModuleType, keywords []string, tablesKnown bool) float64 {
	score := baseWeights[t]

	bonus := 0.0
	for _, k := range keywords {
		for _, mk := range moduleKeywords[t] {
			if strings.Contains(k, mk) || strings.Contains(mk, k) {
				bonus += keywordBonus
				break
			}
		}
	}
	if bonus > maxKeywordBonus {
		bonus = maxKeywordBonus
	}
	score += bonus

	if tablesKnown {
		score += tableKnownBonus
	}

	if score > 1 {
		score = 1
	}
	return score
}

// EstimateTokens approximates token usage: one token per CJK rune, one per
// four bytes otherwise. Coarse, but cheap and stable.
func EstimateTokens(s string) int {
	tokens := 0
	latinBytes := 0
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			tokens++
		} else {
			latinBytes += len(string(r))
		}
	}
	return tokens + (latinBytes+3)/4
}
