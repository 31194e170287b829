package contextbuild

import (
	"context"
	"fmt"
	"strings"

	"github.com/parallaxdata/chatbi/pkg/metadata"
	"github.com/parallaxdata/chatbi/pkg/relation"
)

// loadDataSource renders a one-paragraph description of the source and the
// tables it exposes.
func (a *Aggregator) loadDataSource(ctx context.Context, req Request) (string, error) {
	tables, err := a.cfg.Store.TablesBySource(ctx, req.Source)
	if err != nil {
		return "", fmt.Errorf("load tables for source %q: %w", req.Source, err)
	}
	if len(tables) == 0 {
		return "", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Source %q exposes %d tables:\n", req.Source, len(tables))
	for _, t := range tables {
		if t.Comment != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Comment)
		} else {
			fmt.Fprintf(&sb, "- %s\n", t.Name)
		}
	}
	return sb.String(), nil
}

// loadTableStructure renders column definitions for the selected tables, or
// for every table in the source when selection has not run yet.
func (a *Aggregator) loadTableStructure(ctx context.Context, req Request) (string, error) {
	selected, err := a.selectedTables(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, t := range selected {
		columns, err := a.cfg.Store.TableColumns(ctx, t.ID)
		if err != nil {
			return "", fmt.Errorf("load columns for %q: %w", t.Name, err)
		}
		fmt.Fprintf(&sb, "Table %s", t.Name)
		if t.Comment != "" {
			fmt.Fprintf(&sb, " (%s)", t.Comment)
		}
		sb.WriteString(":\n")
		for _, c := range columns {
			fmt.Fprintf(&sb, "  - %s %s", c.Name, c.Type)
			if c.PrimaryKey {
				sb.WriteString(" PRIMARY KEY")
			}
			if c.Comment != "" {
				fmt.Fprintf(&sb, "  // %s", c.Comment)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// loadTableRelation renders JOIN recommendations between the selected
// tables, combining declared relations with discovered ones.
func (a *Aggregator) loadTableRelation(ctx context.Context, req Request) (string, error) {
	selected, err := a.selectedTables(ctx, req)
	if err != nil {
		return "", err
	}
	if len(selected) < 2 {
		return "", nil
	}

	names := make([]string, 0, len(selected))
	schema := make([]relation.Table, 0, len(selected))
	for _, t := range selected {
		names = append(names, t.Name)
		columns, err := a.cfg.Store.TableColumns(ctx, t.ID)
		if err != nil {
			return "", fmt.Errorf("load columns for %q: %w", t.Name, err)
		}
		schema = append(schema, relation.Table{ID: t.ID, Name: t.Name, Comment: t.Comment, Columns: columns})
	}

	declared, err := a.cfg.Store.RelationsForTables(ctx, names)
	if err != nil {
		return "", fmt.Errorf("load declared relations: %w", err)
	}

	edges := a.cfg.Resolver.Discover(schema, declared)
	if len(edges) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Join paths between selected tables:\n")
	for _, e := range edges {
		fmt.Fprintf(&sb, "- %s %s JOIN %s ON %s (%s, confidence %.1f)\n",
			e.SourceTable, e.Join, e.TargetTable, e.Condition(), e.Cardinality, e.Confidence)
	}
	return sb.String(), nil
}

// loadDictionary renders business-term mappings for the selected tables.
func (a *Aggregator) loadDictionary(ctx context.Context, req Request) (string, error) {
	selected, err := a.selectedTables(ctx, req)
	if err != nil {
		return "", err
	}

	ids := make([]int64, 0, len(selected))
	names := make(map[int64]string, len(selected))
	for _, t := range selected {
		ids = append(ids, t.ID)
		names[t.ID] = t.Name
	}
	entries, err := a.cfg.Store.DictionaryMapping(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("load dictionary: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Business term mappings:\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "- %q means %s.%s", e.Term, names[e.TableID], e.Field)
		if e.Meaning != "" {
			fmt.Fprintf(&sb, " (%s)", e.Meaning)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// loadKnowledge renders source-level background knowledge, filtered to items
// mentioning any question keyword when keywords exist.
func (a *Aggregator) loadKnowledge(ctx context.Context, req Request) (string, error) {
	items, err := a.cfg.Store.KnowledgeForSource(ctx, req.Source)
	if err != nil {
		return "", fmt.Errorf("load knowledge: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}

	relevant := items
	if len(req.Keywords) > 0 {
		relevant = relevant[:0:0]
		for _, item := range items {
			if knowledgeMatches(item, req.Keywords) {
				relevant = append(relevant, item)
			}
		}
		// Keep everything rather than nothing when no item matched.
		if len(relevant) == 0 {
			relevant = items
		}
	}

	var sb strings.Builder
	sb.WriteString("Background knowledge:\n")
	for _, item := range relevant {
		fmt.Fprintf(&sb, "- %s: %s\n", item.Title, item.Content)
	}
	return sb.String(), nil
}

func knowledgeMatches(item metadata.KnowledgeItem, keywords []string) bool {
	haystack := strings.ToLower(item.Title + " " + item.Content)
	for _, k := range keywords {
		if strings.Contains(haystack, k) {
			return true
		}
	}
	return false
}

// selectedTables resolves the request's table set, defaulting to every table
// in the source when selection has not provided one.
func (a *Aggregator) selectedTables(ctx context.Context, req Request) ([]metadata.Table, error) {
	all, err := a.cfg.Store.TablesBySource(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("load tables for source %q: %w", req.Source, err)
	}
	if len(req.Tables) == 0 {
		return all, nil
	}

	want := make(map[int64]bool, len(req.Tables))
	for _, t := range req.Tables {
		want[t.ID] = true
	}
	var out []metadata.Table
	for _, t := range all {
		if want[t.ID] {
			out = append(out, t)
		}
	}
	return out, nil
}
