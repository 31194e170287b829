package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallaxdata/chatbi/pkg/contextbuild"
	"github.com/parallaxdata/chatbi/pkg/llm"
	"github.com/parallaxdata/chatbi/pkg/metadata"
	"github.com/parallaxdata/chatbi/pkg/push"
	"github.com/parallaxdata/chatbi/pkg/querier"
	"github.com/parallaxdata/chatbi/pkg/recovery"
	"github.com/parallaxdata/chatbi/pkg/relation"
	"github.com/parallaxdata/chatbi/pkg/tableselect"
)

// routedLLM returns a canned response per system-prompt fragment, so one
// mock serves intent recognition, selection, generation and analysis at
// once. Routes may be swapped between calls.
type routedLLM struct {
	mu     sync.Mutex
	routes map[string]string
}

func newRoutedLLM() *routedLLM {
	return &routedLLM{routes: make(map[string]string)}
}

func (m *routedLLM) set(fragment, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[fragment] = response
}

func (m *routedLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...llm.CompleteOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for fragment, response := range m.routes {
		if strings.Contains(systemPrompt, fragment) {
			return response, nil
		}
	}
	return "", fmt.Errorf("no canned response for prompt: %.60s", systemPrompt)
}

// scriptedExecutor returns queued results, then repeats the last one.
type scriptedExecutor struct {
	results []querier.Result
	err     error
	calls   int
}

func (e *scriptedExecutor) Execute(ctx context.Context, sql, source string) (querier.Result, error) {
	e.calls++
	if e.err != nil {
		return querier.Result{}, e.err
	}
	i := e.calls - 1
	if i >= len(e.results) {
		i = len(e.results) - 1
	}
	r := e.results[i]
	r.SQL = sql
	return r, nil
}

// seqLLM returns queued responses in call order.
type seqLLM struct {
	mu        sync.Mutex
	responses []string
}

func (m *seqLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...llm.CompleteOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return "", fmt.Errorf("no queued response")
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r, nil
}

// hookExecutor runs a callback before returning its fixed result.
type hookExecutor struct {
	result querier.Result
	hook   func()
	calls  int
}

func (e *hookExecutor) Execute(ctx context.Context, sql, source string) (querier.Result, error) {
	e.calls++
	if e.hook != nil {
		e.hook()
	}
	r := e.result
	r.SQL = sql
	return r, nil
}

type fixedStore struct {
	tables  []metadata.Table
	columns map[int64][]metadata.Column
}

func (s *fixedStore) TablesBySource(ctx context.Context, source string) ([]metadata.Table, error) {
	return s.tables, nil
}

func (s *fixedStore) TableColumns(ctx context.Context, tableID int64) ([]metadata.Column, error) {
	return s.columns[tableID], nil
}

func (s *fixedStore) RelationsForTables(ctx context.Context, tables []string) ([]metadata.Relation, error) {
	return nil, nil
}

func (s *fixedStore) DictionaryMapping(ctx context.Context, tableIDs []int64) ([]metadata.DictionaryEntry, error) {
	return nil, nil
}

func (s *fixedStore) KnowledgeForSource(ctx context.Context, source string) ([]metadata.KnowledgeItem, error) {
	return nil, nil
}

func usersStore() *fixedStore {
	return &fixedStore{
		tables: []metadata.Table{{ID: 1, Name: "users", Comment: "registered users", Source: "dw"}},
		columns: map[int64][]metadata.Column{
			1: {
				{TableID: 1, Name: "id", Type: "UInt64", PrimaryKey: true},
				{TableID: 1, Name: "user_name", Type: "String"},
				{TableID: 1, Name: "status", Type: "String"},
			},
		},
	}
}

// defaultRoutes wires the happy path.
func defaultRoutes(client *routedLLM) {
	client.set("Intent Recognition", `{"intent": "data_query", "reasoning": "wants a count"}`)
	client.set("data analyst selecting", `{"primary": [{"name": "users", "relevance_score": 0.95}], "related": []}`)
	client.set("SQL Generation", `{"sql": "SELECT count() AS total FROM users", "explanation": "counts users"}`)
	client.set("Data Analysis", "There are 42 registered users.")
	client.set("Follow-up Suggestions", `["How does that split by status?"]`)
	client.set("Follow-up Answer", "From the cached result, 42 in total.")
	client.set("returned zero rows", `{"is_suspicious": false, "reasoning": "plausible"}`)
}

func newTestOrchestrator(t *testing.T, client llm.Client, exec querier.Executor, store metadata.Store) *Orchestrator {
	t.Helper()

	log := slog.Default()
	resolver := relation.NewResolver(log)

	selector, err := tableselect.New(&tableselect.Config{
		Logger: log, LLM: client, Store: store, Resolver: resolver,
	})
	require.NoError(t, err)

	aggregator, err := contextbuild.New(&contextbuild.Config{
		Logger: log, Store: store, Resolver: resolver,
	})
	require.NoError(t, err)

	engine, err := recovery.New(&recovery.Config{
		Logger: log, LLM: client, Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	prompts, err := LoadPrompts()
	require.NoError(t, err)

	o, err := New(&Config{
		Logger:     log,
		LLM:        client,
		Selector:   selector,
		Aggregator: aggregator,
		Recovery:   engine,
		Executor:   exec,
		Store:      store,
		Push:       push.NewBroker(log),
		Prompts:    prompts,
	})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func goodResult() querier.Result {
	return querier.Result{
		Columns:   []string{"total"},
		Rows:      []map[string]any{{"total": uint64(42)}},
		TotalRows: 1,
	}
}

func TestStartHappyPath(t *testing.T) {
	client := newRoutedLLM()
	defaultRoutes(client)
	exec := &scriptedExecutor{results: []querier.Result{goodResult()}}
	o := newTestOrchestrator(t, client, exec, usersStore())

	resp, err := o.Start(context.Background(), "how many users do we have", "dw")
	require.NoError(t, err)

	assert.Equal(t, StageCompleted, resp.Stage)
	assert.Equal(t, IntentDataQuery, resp.Intent)
	assert.Contains(t, resp.Answer, "42")
	assert.Equal(t, "SELECT count() AS total FROM users", resp.SQL)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 1, resp.Result.TotalRows)
	assert.Len(t, resp.FollowUps, 1)
	assert.False(t, resp.Terminated)

	status, err := o.Status(resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, status.Stage)
	assert.Equal(t, 0, status.ErrorCount)
	assert.Equal(t, []string{"users"}, status.Tables)
}

func TestStartCasualChat(t *testing.T) {
	client := newRoutedLLM()
	defaultRoutes(client)
	client.set("Intent Recognition", `{"intent": "casual_chat", "direct_response": "Hello! Ask me about your data."}`)
	exec := &scriptedExecutor{results: []querier.Result{goodResult()}}
	o := newTestOrchestrator(t, client, exec, usersStore())

	resp, err := o.Start(context.Background(), "hi there", "dw")
	require.NoError(t, err)

	assert.Equal(t, StageCompleted, resp.Stage)
	assert.Equal(t, "Hello! Ask me about your data.", resp.Answer)
	assert.Empty(t, resp.SQL)
	assert.Equal(t, 0, exec.calls)
}

func TestClarificationRoundTrip(t *testing.T) {
	client := newRoutedLLM()
	defaultRoutes(client)
	client.set("Intent Recognition", `{"intent": "unclear", "reasoning": "no idea what data"}`)
	exec := &scriptedExecutor{results: []querier.Result{goodResult()}}
	o := newTestOrchestrator(t, client, exec, usersStore())

	resp, err := o.Start(context.Background(), "numbers please", "dw")
	require.NoError(t, err)
	assert.Equal(t, StageIntentClarification, resp.Stage)
	assert.True(t, resp.NeedsInput)
	assert.NotEmpty(t, resp.Question)
	assert.Equal(t, 0, exec.calls)

	// The clarified question re-enters the pipeline from the top.
	client.set("Intent Recognition", `{"intent": "data_query"}`)
	resp, err = o.Continue(context.Background(), resp.SessionID, "how many users are registered")
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, resp.Stage)
	assert.Contains(t, resp.Answer, "42")
}

func TestFollowUpAnsweredFromCache(t *testing.T) {
	client := newRoutedLLM()
	defaultRoutes(client)
	exec := &scriptedExecutor{results: []querier.Result{goodResult()}}
	o := newTestOrchestrator(t, client, exec, usersStore())

	resp, err := o.Start(context.Background(), "how many users", "dw")
	require.NoError(t, err)
	require.Equal(t, StageCompleted, resp.Stage)
	callsAfterStart := exec.calls

	resp, err = o.Continue(context.Background(), resp.SessionID, "and what was that again?")
	require.NoError(t, err)

	assert.Equal(t, IntentFollowUp, resp.Intent)
	assert.Contains(t, resp.Answer, "cached")
	assert.Equal(t, callsAfterStart, exec.calls, "follow-up must not regenerate or re-execute SQL")
}

func TestExecutionRecoversFromFieldError(t *testing.T) {
	client := newRoutedLLM()
	defaultRoutes(client)
	client.set("SQL Generation", `{"sql": "SELECT usr_name FROM users", "explanation": "names"}`)
	exec := &scriptedExecutor{results: []querier.Result{
		{Error: "Unknown column 'usr_name' in field list"},
		{Columns: []string{"user_name"}, Rows: []map[string]any{{"user_name": "ada"}}, TotalRows: 1},
	}}
	o := newTestOrchestrator(t, client, exec, usersStore())

	resp, err := o.Start(context.Background(), "list user names", "dw")
	require.NoError(t, err)

	assert.Equal(t, StageCompleted, resp.Stage)
	assert.Equal(t, "SELECT user_name FROM users", resp.SQL)
	assert.Equal(t, 2, exec.calls)
}

func TestErrorBudgetTerminatesSession(t *testing.T) {
	client := newRoutedLLM()
	defaultRoutes(client)
	exec := &scriptedExecutor{err: errors.New("clickhouse unreachable")}
	o := newTestOrchestrator(t, client, exec, usersStore())

	resp, err := o.Start(context.Background(), "how many users", "dw")
	require.NoError(t, err)
	assert.Equal(t, StageErrorHandling, resp.Stage)
	assert.False(t, resp.Terminated)

	// Three user-requested retries are allowed.
	for i := 0; i < MaxRetryCount; i++ {
		resp, err = o.Continue(context.Background(), resp.SessionID, "retry")
		require.NoError(t, err)
		assert.Equal(t, StageErrorHandling, resp.Stage)
	}
	assert.False(t, resp.Terminated)

	// A fourth retry is rejected without running the pipeline.
	calls := exec.calls
	resp, err = o.Continue(context.Background(), resp.SessionID, "retry")
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "retry limit")
	assert.Equal(t, calls, exec.calls)

	// A new question still runs, fails, and exhausts the error budget.
	resp, err = o.Continue(context.Background(), resp.SessionID, "users by status then")
	require.NoError(t, err)
	assert.True(t, resp.Terminated)

	_, err = o.Continue(context.Background(), resp.SessionID, "hello?")
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestCleanupDuringRunDiscardsStaleResult(t *testing.T) {
	client := newRoutedLLM()
	defaultRoutes(client)
	exec := &hookExecutor{result: goodResult()}
	o := newTestOrchestrator(t, client, exec, usersStore())

	// The session is destroyed while its query executes; the run must
	// discard the execution result instead of continuing to analysis.
	exec.hook = func() {
		live := o.Sessions()
		require.Len(t, live, 1)
		require.NoError(t, o.Cleanup(live[0].SessionID))
	}

	resp, err := o.Start(context.Background(), "how many users", "dw")
	require.NoError(t, err)

	assert.Equal(t, "session is no longer active", resp.Error)
	assert.Equal(t, StageSQLExecution, resp.Stage)
	assert.Empty(t, resp.Answer)
	assert.Equal(t, 1, exec.calls)

	_, err = o.Status(resp.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStatusReadableDuringRun(t *testing.T) {
	client := newRoutedLLM()
	defaultRoutes(client)
	exec := &hookExecutor{result: goodResult()}
	o := newTestOrchestrator(t, client, exec, usersStore())

	var mid *Status
	exec.hook = func() {
		live := o.Sessions()
		require.Len(t, live, 1)
		s, err := o.Status(live[0].SessionID)
		require.NoError(t, err)
		mid = s
	}

	resp, err := o.Start(context.Background(), "how many users", "dw")
	require.NoError(t, err)

	require.NotNil(t, mid)
	assert.Equal(t, StageSQLExecution, mid.Stage)
	assert.Equal(t, StageCompleted, resp.Stage)
}

func TestZeroRowsRegeneratesSuspiciousQuery(t *testing.T) {
	client := &seqLLM{responses: []string{
		`{"is_suspicious": true, "reasoning": "the status literal looks wrong", "suggestion": "drop the status filter"}`,
		`{"sql": "SELECT count() AS total FROM users", "explanation": "without the filter"}`,
	}}
	exec := &scriptedExecutor{results: []querier.Result{goodResult()}}
	o := newTestOrchestrator(t, client, exec, usersStore())

	state := &ConversationState{
		SessionID:    "s1",
		Source:       "dw",
		Question:     "how many active users",
		GeneratedSQL: "SELECT count() FROM users WHERE status = 'actief'",
	}
	empty := querier.Result{Columns: []string{"total"}, TotalRows: 0}

	got := o.handleZeroRows(context.Background(), state, empty)

	assert.Equal(t, 1, got.TotalRows)
	assert.Equal(t, "SELECT count() AS total FROM users", state.GeneratedSQL)
	assert.Equal(t, 1, exec.calls, "exactly one re-execution")
}

func TestZeroRowsKeepsOriginalWhenRegenerationFails(t *testing.T) {
	client := &seqLLM{responses: []string{
		`{"is_suspicious": true, "reasoning": "filter too narrow", "suggestion": "widen the date range"}`,
		`{"sql": "SELECT count() FROM users_v2", "explanation": "other table"}`,
	}}
	exec := &scriptedExecutor{results: []querier.Result{{Error: "Unknown table: users_v2"}}}
	o := newTestOrchestrator(t, client, exec, usersStore())

	original := "SELECT count() FROM users WHERE status = 'active'"
	state := &ConversationState{SessionID: "s1", Source: "dw", Question: "how many", GeneratedSQL: original}
	empty := querier.Result{Columns: []string{"total"}, TotalRows: 0}

	got := o.handleZeroRows(context.Background(), state, empty)

	assert.Equal(t, 0, got.TotalRows)
	assert.Empty(t, got.Error)
	assert.Equal(t, original, state.GeneratedSQL)
}

func TestZeroRowsPlausibleVerdictKept(t *testing.T) {
	client := &seqLLM{responses: []string{
		`{"is_suspicious": false, "reasoning": "new product, no sales yet"}`,
	}}
	exec := &scriptedExecutor{results: []querier.Result{goodResult()}}
	o := newTestOrchestrator(t, client, exec, usersStore())

	state := &ConversationState{SessionID: "s1", Source: "dw", Question: "sales today", GeneratedSQL: "SELECT 1"}
	empty := querier.Result{Columns: []string{"total"}, TotalRows: 0}

	got := o.handleZeroRows(context.Background(), state, empty)

	assert.Equal(t, 0, got.TotalRows)
	assert.Equal(t, 0, exec.calls)
}

func TestChartPayload(t *testing.T) {
	twoCol := querier.Result{
		Columns: []string{"status", "total"},
		Rows: []map[string]any{
			{"status": "active", "total": uint64(40)},
			{"status": "blocked", "total": uint64(2)},
		},
		TotalRows: 2,
	}
	payload, ok := chartPayload(twoCol)
	require.True(t, ok)
	assert.Contains(t, payload, `"status"`)
	assert.Contains(t, payload, `"total_rows":2`)

	_, ok = chartPayload(querier.Result{
		Columns:   []string{"total"},
		Rows:      []map[string]any{{"total": uint64(1)}},
		TotalRows: 1,
	})
	assert.False(t, ok, "single column has nothing to plot")

	_, ok = chartPayload(querier.Result{Columns: []string{"a", "b"}})
	assert.False(t, ok, "no rows, nothing to plot")
}

func TestCleanupRemovesSession(t *testing.T) {
	client := newRoutedLLM()
	defaultRoutes(client)
	exec := &scriptedExecutor{results: []querier.Result{goodResult()}}
	o := newTestOrchestrator(t, client, exec, usersStore())

	resp, err := o.Start(context.Background(), "how many users", "dw")
	require.NoError(t, err)

	require.NoError(t, o.Cleanup(resp.SessionID))

	_, err = o.Status(resp.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = o.Continue(context.Background(), resp.SessionID, "anything")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, o.Cleanup(resp.SessionID), ErrSessionNotFound)
}

func TestContinueUnknownSession(t *testing.T) {
	client := newRoutedLLM()
	defaultRoutes(client)
	o := newTestOrchestrator(t, client, &scriptedExecutor{results: []querier.Result{goodResult()}}, usersStore())

	_, err := o.Continue(context.Background(), "no-such-session", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResultHistoryBounded(t *testing.T) {
	state := &ConversationState{}
	for i := 0; i < resultHistorySize+3; i++ {
		state.pushResult(querier.Result{TotalRows: i})
	}
	assert.Len(t, state.History, resultHistorySize)
	assert.Equal(t, resultHistorySize+2, state.History[len(state.History)-1].TotalRows)
	assert.Equal(t, 3, state.History[0].TotalRows)
}

func TestIsRetryRequest(t *testing.T) {
	assert.True(t, isRetryRequest("retry"))
	assert.True(t, isRetryRequest(" Try Again "))
	assert.True(t, isRetryRequest("重试"))
	assert.False(t, isRetryRequest("try something else"))
}
