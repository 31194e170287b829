// Package tableselect ranks candidate tables for a question. Selection is
// AI-first: a structured prompt asks the completion service for a ranked
// JSON selection. Any call failure or unparseable response falls back to a
// deterministic keyword/synonym similarity score, so a ranked candidate
// list is always produced.
package tableselect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parallaxdata/chatbi/pkg/llm"
	"github.com/parallaxdata/chatbi/pkg/metadata"
	"github.com/parallaxdata/chatbi/pkg/relation"
)

// ConfidenceTier buckets a continuous relevance score.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "high"
	TierMedium ConfidenceTier = "medium"
	TierLow    ConfidenceTier = "low"
)

// TierFor maps a relevance score to its tier.
func TierFor(score float64) ConfidenceTier {
	switch {
	case score >= 0.8:
		return TierHigh
	case score >= 0.5:
		return TierMedium
	default:
		return TierLow
	}
}

// Candidate is one ranked table.
type Candidate struct {
	ID              int64
	Name            string
	Comment         string
	Relevance       float64
	Tier            ConfidenceTier
	Reasons         []string
	MatchedKeywords []string
	BusinessMeaning string
	Paths           []relation.Edge // attached JOIN recommendations
}

// Selection is the ranked output of one selection call.
type Selection struct {
	Primary               []Candidate // at most 3
	Related               []Candidate // at most 5
	Keywords              []string
	NeedsClarification    bool
	ClarificationQuestion string
	UsedFallback          bool
}

const (
	maxPrimary = 3
	maxRelated = 5

	// Clarification triggers: nothing reaches medium tier, or the top two
	// candidates are within this margin of each other.
	ambiguityMargin = 0.05
)

// Config holds the selector dependencies.
type Config struct {
	Logger   *slog.Logger
	LLM      llm.Client
	Store    metadata.Store
	Resolver *relation.Resolver
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("LLM client is required")
	}
	if c.Store == nil {
		return errors.New("metadata store is required")
	}
	if c.Resolver == nil {
		return errors.New("relation resolver is required")
	}
	return nil
}

// Selector ranks tables for questions.
type Selector struct {
	cfg *Config
	log *slog.Logger
}

// New creates a Selector.
func New(cfg *Config) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Selector{cfg: cfg, log: cfg.Logger}, nil
}

// Select ranks the source's tables for the question.
func (s *Selector) Select(ctx context.Context, question, source string) (*Selection, error) {
	tables, err := s.cfg.Store.TablesBySource(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load tables: %w", err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables registered for source %q", source)
	}

	schema := make([]relation.Table, 0, len(tables))
	for _, t := range tables {
		columns, err := s.cfg.Store.TableColumns(ctx, t.ID)
		if err != nil {
			// A table without column metadata is still selectable by
			// name and comment.
			s.log.Warn("table columns unavailable", "table", t.Name, "error", err)
		}
		schema = append(schema, relation.Table{ID: t.ID, Name: t.Name, Comment: t.Comment, Columns: columns})
	}

	keywords := ExpandKeywords(ExtractKeywords(question))

	selection, err := s.selectWithAI(ctx, question, keywords, schema)
	if err != nil {
		s.log.Info("AI selection unavailable, using similarity fallback", "error", err)
		selection = s.selectWithSimilarity(question, keywords, schema)
	}
	selection.Keywords = keywords

	s.applyAmbiguity(selection)
	s.attachPaths(ctx, selection, schema)

	return selection, nil
}

// selectionResponse is the JSON shape requested from the LLM.
type selectionResponse struct {
	Primary []selectionEntry `json:"primary"`
	Related []selectionEntry `json:"related"`
}

type selectionEntry struct {
	Name            string   `json:"name"`
	RelevanceScore  float64  `json:"relevance_score"`
	Reasons         []string `json:"reasons"`
	MatchedKeywords []string `json:"matched_keywords"`
	BusinessMeaning string   `json:"business_meaning"`
}

const selectPrompt = `You are a data analyst selecting database tables to answer a question.
Given the question, extracted keywords, and the candidate tables, select the
tables needed. Respond with JSON only:
{
  "primary": [{"name": "...", "relevance_score": 0.0, "reasons": ["..."], "matched_keywords": ["..."], "business_meaning": "..."}],
  "related": [{"name": "...", "relevance_score": 0.0, "reasons": ["..."], "matched_keywords": ["..."], "business_meaning": "..."}]
}
Rules:
- At most 3 primary tables (the tables the query is about).
- At most 5 related tables (lookup/join tables).
- relevance_score is in [0,1].
- Only use table names from the candidate list.`

func (s *Selector) selectWithAI(ctx context.Context, question string, keywords []string, schema []relation.Table) (*Selection, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nKeywords: %s\n\nCandidate tables:\n", question, strings.Join(keywords, ", "))
	for _, t := range schema {
		fields := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			fields = append(fields, c.Name)
		}
		fmt.Fprintf(&sb, "- %s (%s): %s\n", t.Name, t.Comment, strings.Join(fields, ", "))
	}

	response, err := s.cfg.LLM.Complete(ctx, selectPrompt, sb.String(), llm.WithTemperature(0.1))
	if err != nil {
		return nil, fmt.Errorf("LLM completion failed: %w", err)
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}
	var parsed selectionResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if len(parsed.Primary) == 0 {
		return nil, fmt.Errorf("response selected no primary tables")
	}

	byName := make(map[string]relation.Table, len(schema))
	for _, t := range schema {
		byName[t.Name] = t
	}

	toCandidates := func(entries []selectionEntry, limit int) []Candidate {
		var out []Candidate
		for _, e := range entries {
			t, known := byName[e.Name]
			if !known {
				continue // hallucinated table name
			}
			score := clamp01(e.RelevanceScore)
			out = append(out, Candidate{
				ID:              t.ID,
				Name:            t.Name,
				Comment:         t.Comment,
				Relevance:       score,
				Tier:            TierFor(score),
				Reasons:         e.Reasons,
				MatchedKeywords: e.MatchedKeywords,
				BusinessMeaning: e.BusinessMeaning,
			})
			if len(out) == limit {
				break
			}
		}
		return out
	}

	selection := &Selection{
		Primary: toCandidates(parsed.Primary, maxPrimary),
		Related: toCandidates(parsed.Related, maxRelated),
	}
	if len(selection.Primary) == 0 {
		return nil, fmt.Errorf("response contained no known tables")
	}
	return selection, nil
}

// applyAmbiguity flags selections that should be clarified with the user.
func (s *Selector) applyAmbiguity(sel *Selection) {
	if len(sel.Primary) == 0 {
		sel.NeedsClarification = true
		sel.ClarificationQuestion = "I could not find a table matching your question. Could you name the data you are interested in?"
		return
	}
	if sel.Primary[0].Tier == TierLow {
		sel.NeedsClarification = true
		sel.ClarificationQuestion = fmt.Sprintf(
			"I'm not confident which data you mean. Did you mean the %q table, or something else?",
			sel.Primary[0].Name)
		return
	}
	if len(sel.Primary) >= 2 {
		top, second := sel.Primary[0], sel.Primary[1]
		if top.Relevance-second.Relevance < ambiguityMargin && top.Name != second.Name {
			sel.NeedsClarification = true
			sel.ClarificationQuestion = fmt.Sprintf(
				"Your question could be answered from %q or %q. Which one do you mean?",
				top.Name, second.Name)
		}
	}
}

// attachPaths annotates directly connected primary/related pairs with JOIN
// recommendations from the relation resolver.
func (s *Selector) attachPaths(ctx context.Context, sel *Selection, schema []relation.Table) {
	if len(sel.Primary) == 0 || len(sel.Related) == 0 {
		return
	}

	names := make([]string, 0, len(sel.Primary)+len(sel.Related))
	for _, c := range sel.Primary {
		names = append(names, c.Name)
	}
	for _, c := range sel.Related {
		names = append(names, c.Name)
	}

	declared, err := s.cfg.Store.RelationsForTables(ctx, names)
	if err != nil {
		s.log.Warn("declared relations unavailable", "error", err)
	}
	edges := s.cfg.Resolver.Discover(schema, declared)

	for i := range sel.Primary {
		for _, rel := range sel.Related {
			for _, e := range edges {
				if connects(e, sel.Primary[i].Name, rel.Name) {
					sel.Primary[i].Paths = append(sel.Primary[i].Paths, e)
				}
			}
		}
	}
}

func connects(e relation.Edge, a, b string) bool {
	return (e.SourceTable == a && e.TargetTable == b) || (e.SourceTable == b && e.TargetTable == a)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// extractJSON finds the outermost JSON object in a response, tolerating
// surrounding prose and markdown fences.
func extractJSON(response string) string {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return response[start : end+1]
}
