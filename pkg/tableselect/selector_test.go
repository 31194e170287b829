package tableselect

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallaxdata/chatbi/pkg/llm"
	"github.com/parallaxdata/chatbi/pkg/metadata"
	"github.com/parallaxdata/chatbi/pkg/relation"
)

// mockLLM returns canned responses or a fixed error.
type mockLLM struct {
	response string
	err      error
	calls    int
}

func (m *mockLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...llm.CompleteOption) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

// mockStore serves fixed metadata.
type mockStore struct {
	tables    []metadata.Table
	columns   map[int64][]metadata.Column
	relations []metadata.Relation
}

func (m *mockStore) TablesBySource(ctx context.Context, source string) ([]metadata.Table, error) {
	return m.tables, nil
}

func (m *mockStore) TableColumns(ctx context.Context, tableID int64) ([]metadata.Column, error) {
	return m.columns[tableID], nil
}

func (m *mockStore) RelationsForTables(ctx context.Context, tables []string) ([]metadata.Relation, error) {
	return m.relations, nil
}

func (m *mockStore) DictionaryMapping(ctx context.Context, tableIDs []int64) ([]metadata.DictionaryEntry, error) {
	return nil, nil
}

func (m *mockStore) KnowledgeForSource(ctx context.Context, source string) ([]metadata.KnowledgeItem, error) {
	return nil, nil
}

func newSelector(t *testing.T, client llm.Client, store metadata.Store) *Selector {
	t.Helper()
	s, err := New(&Config{
		Logger:   slog.Default(),
		LLM:      client,
		Store:    store,
		Resolver: relation.NewResolver(slog.Default()),
	})
	require.NoError(t, err)
	return s
}

func usersStore() *mockStore {
	return &mockStore{
		tables: []metadata.Table{{ID: 1, Name: "users", Comment: "registered users", Source: "dw"}},
		columns: map[int64][]metadata.Column{
			1: {
				{TableID: 1, Name: "id", Type: "UInt64", PrimaryKey: true},
				{TableID: 1, Name: "status", Type: "String"},
			},
		},
	}
}

func TestSelectAIHighConfidence(t *testing.T) {
	client := &mockLLM{response: `{
		"primary": [{"name": "users", "relevance_score": 0.95, "reasons": ["user count question"], "matched_keywords": ["用户"], "business_meaning": "registered users"}],
		"related": []
	}`}
	s := newSelector(t, client, usersStore())

	sel, err := s.Select(context.Background(), "查询活跃用户数量", "dw")
	require.NoError(t, err)

	require.Len(t, sel.Primary, 1)
	assert.Equal(t, "users", sel.Primary[0].Name)
	assert.Equal(t, TierHigh, sel.Primary[0].Tier)
	assert.InDelta(t, 0.95, sel.Primary[0].Relevance, 1e-9)
	assert.False(t, sel.NeedsClarification)
	assert.False(t, sel.UsedFallback)
}

func TestSelectFallsBackOnLLMError(t *testing.T) {
	client := &mockLLM{err: errors.New("upstream timeout")}
	s := newSelector(t, client, usersStore())

	sel, err := s.Select(context.Background(), "查询活跃用户数量", "dw")
	require.NoError(t, err)

	assert.True(t, sel.UsedFallback)
	require.NotEmpty(t, sel.Primary)
	assert.Equal(t, "users", sel.Primary[0].Name)
}

func TestSelectFallsBackOnUnparseableResponse(t *testing.T) {
	client := &mockLLM{response: "I think you want the users table."}
	s := newSelector(t, client, usersStore())

	sel, err := s.Select(context.Background(), "how many active users", "dw")
	require.NoError(t, err)
	assert.True(t, sel.UsedFallback)
	require.NotEmpty(t, sel.Primary)
}

func TestSelectIgnoresHallucinatedTables(t *testing.T) {
	client := &mockLLM{response: `{
		"primary": [
			{"name": "made_up", "relevance_score": 0.99},
			{"name": "users", "relevance_score": 0.9}
		],
		"related": []
	}`}
	s := newSelector(t, client, usersStore())

	sel, err := s.Select(context.Background(), "active users", "dw")
	require.NoError(t, err)
	require.Len(t, sel.Primary, 1)
	assert.Equal(t, "users", sel.Primary[0].Name)
}

func TestSelectAmbiguityTriggersClarification(t *testing.T) {
	store := usersStore()
	store.tables = append(store.tables, metadata.Table{ID: 2, Name: "user_archive", Comment: "archived users", Source: "dw"})
	client := &mockLLM{response: `{
		"primary": [
			{"name": "users", "relevance_score": 0.71},
			{"name": "user_archive", "relevance_score": 0.69}
		],
		"related": []
	}`}
	s := newSelector(t, client, store)

	sel, err := s.Select(context.Background(), "user data", "dw")
	require.NoError(t, err)
	assert.True(t, sel.NeedsClarification)
	assert.Contains(t, sel.ClarificationQuestion, "users")
}

func TestSelectAttachesRelationPaths(t *testing.T) {
	store := &mockStore{
		tables: []metadata.Table{
			{ID: 1, Name: "orders", Source: "dw"},
			{ID: 2, Name: "users", Source: "dw"},
		},
		columns: map[int64][]metadata.Column{
			1: {
				{TableID: 1, Name: "id", Type: "UInt64", PrimaryKey: true},
				{TableID: 1, Name: "user_id", Type: "UInt64"},
			},
			2: {{TableID: 2, Name: "id", Type: "UInt64", PrimaryKey: true}},
		},
		relations: []metadata.Relation{
			{SourceTable: "orders", SourceField: "user_id", TargetTable: "users", TargetField: "id"},
		},
	}
	client := &mockLLM{response: `{
		"primary": [{"name": "orders", "relevance_score": 0.9}],
		"related": [{"name": "users", "relevance_score": 0.7}]
	}`}
	s := newSelector(t, client, store)

	sel, err := s.Select(context.Background(), "orders per user", "dw")
	require.NoError(t, err)
	require.Len(t, sel.Primary, 1)
	require.NotEmpty(t, sel.Primary[0].Paths)
	edge := sel.Primary[0].Paths[0]
	assert.Equal(t, relation.JoinInner, edge.Join)
	assert.Equal(t, 1.0, edge.Confidence)
}

func TestExtractKeywordsCJKBigrams(t *testing.T) {
	kws := ExtractKeywords("查询活跃用户数量")
	assert.Contains(t, kws, "活跃")
	assert.Contains(t, kws, "用户")
	assert.Contains(t, kws, "数量")

	expanded := ExpandKeywords(kws)
	assert.Contains(t, expanded, "users")
	assert.Contains(t, expanded, "active")
	assert.Contains(t, expanded, "count")
}

func TestExtractKeywordsMixedScript(t *testing.T) {
	kws := ExtractKeywords("count active users by signup_date")
	assert.Contains(t, kws, "count")
	assert.Contains(t, kws, "signup_date")
}
