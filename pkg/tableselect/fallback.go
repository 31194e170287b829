package tableselect

import (
	"sort"
	"strings"

	"github.com/parallaxdata/chatbi/pkg/relation"
)

// selectWithSimilarity is the deterministic fallback ranker. It scores each
// table by keyword overlap against its name, comment and field names, so a
// ranked candidate list exists even when the completion service is down.
func (s *Selector) selectWithSimilarity(question string, keywords []string, schema []relation.Table) *Selection {
	type scored struct {
		candidate Candidate
		score     float64
	}

	var ranked []scored
	for _, t := range schema {
		score, matched := similarityScore(keywords, t)
		if score == 0 {
			continue
		}
		ranked = append(ranked, scored{
			candidate: Candidate{
				ID:              t.ID,
				Name:            t.Name,
				Comment:         t.Comment,
				Relevance:       score,
				Tier:            TierFor(score),
				Reasons:         []string{"keyword similarity"},
				MatchedKeywords: matched,
			},
			score: score,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	sel := &Selection{UsedFallback: true}
	for i, r := range ranked {
		if i < maxPrimary {
			sel.Primary = append(sel.Primary, r.candidate)
		} else if i < maxPrimary+maxRelated {
			sel.Related = append(sel.Related, r.candidate)
		} else {
			break
		}
	}
	return sel
}

// similarityScore combines substring hits and Jaccard token overlap over a
// table's name, comment and fields.
func similarityScore(keywords []string, t relation.Table) (float64, []string) {
	corpus := tableTokens(t)
	if len(corpus) == 0 {
		return 0, nil
	}

	var matched []string
	hits := 0
	for _, k := range keywords {
		if matchesAny(k, corpus) {
			hits++
			matched = append(matched, k)
		}
	}
	if hits == 0 {
		return 0, nil
	}

	// Jaccard over the keyword set and table vocabulary, boosted by a
	// direct name hit so exact table-name matches rank first.
	union := len(keywords) + len(corpus) - hits
	score := float64(hits) / float64(union)
	for _, k := range keywords {
		if strings.Contains(strings.ToLower(t.Name), k) || strings.Contains(k, strings.ToLower(t.Name)) {
			score += 0.5
			break
		}
	}
	return clamp01(score), matched
}

func tableTokens(t relation.Table) []string {
	var tokens []string
	add := func(s string) {
		for _, part := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return r == '_' || r == ' ' || r == ',' || r == '.'
		}) {
			if len(part) >= 2 {
				tokens = append(tokens, part)
			}
		}
	}
	add(t.Name)
	add(t.Comment)
	for _, c := range t.Columns {
		add(c.Name)
		add(c.Comment)
	}
	return tokens
}

func matchesAny(keyword string, tokens []string) bool {
	for _, tok := range tokens {
		if tok == keyword || strings.Contains(tok, keyword) || strings.Contains(keyword, tok) {
			return true
		}
	}
	return false
}
