package metadata

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against the metadata schema in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, log: log}
}

func (s *PostgresStore) TablesBySource(ctx context.Context, source string) ([]Table, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(comment, ''), source
		FROM meta_tables
		WHERE source = $1
		ORDER BY name`, source)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.ID, &t.Name, &t.Comment, &t.Source); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (s *PostgresStore) TableColumns(ctx context.Context, tableID int64) ([]Column, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_id, name, type, COALESCE(comment, ''), is_primary_key
		FROM meta_columns
		WHERE table_id = $1
		ORDER BY ordinal`, tableID)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.TableID, &c.Name, &c.Type, &c.Comment, &c.PrimaryKey); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

func (s *PostgresStore) RelationsForTables(ctx context.Context, tables []string) ([]Relation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_table, source_field, target_table, target_field
		FROM meta_relations
		WHERE source_table = ANY($1) OR target_table = ANY($1)`, tables)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()

	var relations []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.SourceTable, &r.SourceField, &r.TargetTable, &r.TargetField); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		relations = append(relations, r)
	}
	return relations, rows.Err()
}

func (s *PostgresStore) DictionaryMapping(ctx context.Context, tableIDs []int64) ([]DictionaryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_id, field, term, COALESCE(meaning, '')
		FROM meta_dictionary
		WHERE table_id = ANY($1)
		ORDER BY table_id, field`, tableIDs)
	if err != nil {
		return nil, fmt.Errorf("query dictionary: %w", err)
	}
	defer rows.Close()

	var entries []DictionaryEntry
	for rows.Next() {
		var e DictionaryEntry
		if err := rows.Scan(&e.TableID, &e.Field, &e.Term, &e.Meaning); err != nil {
			return nil, fmt.Errorf("scan dictionary entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) KnowledgeForSource(ctx context.Context, source string) ([]KnowledgeItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, title, content
		FROM meta_knowledge
		WHERE source = $1
		ORDER BY title`, source)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	defer rows.Close()

	var items []KnowledgeItem
	for rows.Next() {
		var k KnowledgeItem
		if err := rows.Scan(&k.Source, &k.Title, &k.Content); err != nil {
			return nil, fmt.Errorf("scan knowledge item: %w", err)
		}
		items = append(items, k)
	}
	return items, rows.Err()
}
