// Package metadata provides read-only access to the table, column, relation
// and business-dictionary metadata that the pipeline consumes. The concrete
// store is Postgres-backed; a ristretto-cached wrapper is provided for the
// read-mostly access pattern of the aggregation and selection components.
package metadata

import (
	"context"
)

// Table describes one queryable table of a data source.
type Table struct {
	ID      int64
	Name    string
	Comment string
	Source  string
}

// Column describes one column of a table.
type Column struct {
	TableID    int64
	Name       string
	Type       string
	Comment    string
	PrimaryKey bool
}

// Relation is a declared foreign-key relation between two tables.
type Relation struct {
	SourceTable string
	SourceField string
	TargetTable string
	TargetField string
}

// DictionaryEntry maps a business term to a table field.
type DictionaryEntry struct {
	TableID int64
	Field   string
	Term    string
	Meaning string
}

// KnowledgeItem is a free-form note attached to a data source, surfaced to
// the LLM as background knowledge.
type KnowledgeItem struct {
	Source  string
	Title   string
	Content string
}

// Store provides read-only metadata lookups.
type Store interface {
	// TablesBySource returns all tables registered for a data source.
	TablesBySource(ctx context.Context, source string) ([]Table, error)

	// TableColumns returns the columns of a table.
	TableColumns(ctx context.Context, tableID int64) ([]Column, error)

	// RelationsForTables returns declared relations touching any of the
	// named tables.
	RelationsForTables(ctx context.Context, tables []string) ([]Relation, error)

	// DictionaryMapping returns business-dictionary entries for the tables.
	DictionaryMapping(ctx context.Context, tableIDs []int64) ([]DictionaryEntry, error)

	// KnowledgeForSource returns background knowledge items for a source.
	KnowledgeForSource(ctx context.Context, source string) ([]KnowledgeItem, error)
}
