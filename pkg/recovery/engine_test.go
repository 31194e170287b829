package recovery

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallaxdata/chatbi/pkg/llm"
	"github.com/parallaxdata/chatbi/pkg/metadata"
	"github.com/parallaxdata/chatbi/pkg/relation"
)

// mockLLM returns responses in order, then repeats the last one.
type mockLLM struct {
	responses []string
	err       error
	calls     int
}

func (m *mockLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...llm.CompleteOption) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	i := m.calls - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func testSchema() []relation.Table {
	return []relation.Table{
		{
			ID:   1,
			Name: "users",
			Columns: []metadata.Column{
				{TableID: 1, Name: "id", Type: "UInt64", PrimaryKey: true},
				{TableID: 1, Name: "user_name", Type: "String"},
				{TableID: 1, Name: "status", Type: "String"},
			},
		},
		{
			ID:   2,
			Name: "orders",
			Columns: []metadata.Column{
				{TableID: 2, Name: "id", Type: "UInt64", PrimaryKey: true},
				{TableID: 2, Name: "user_id", Type: "UInt64"},
			},
		},
	}
}

func newEngine(t *testing.T, client llm.Client) *Engine {
	t.Helper()
	e, err := New(&Config{
		Logger: slog.Default(),
		LLM:    client,
		Clock:  clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return e
}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		message string
		kind    ErrorKind
	}{
		{"Syntax error: failed at position 10: unexpected token", KindSyntaxError},
		{"Missing columns: 'usr_name' while processing query", KindFieldNotFound},
		{"Unknown table: usrs", KindTableNotFound},
		{"Illegal type of argument for function sum", KindTypeMismatch},
		{"Access denied for user 'reader'", KindPermissionDenied},
		{"Duplicate key value violates unique constraint", KindConstraintViolation},
		{"Timeout exceeded: elapsed 60.1 seconds, maximum: 60", KindTimeoutError},
		{"dial tcp 10.0.0.1:9000: connection refused", KindConnectionError},
		{"something inexplicable happened", KindUnknownError},
	}
	for _, tc := range cases {
		got := Classify("SELECT 1", tc.message)
		assert.Equal(t, tc.kind, got.Kind, "message: %s", tc.message)
	}
}

func TestClassifyExtractsFieldAndTable(t *testing.T) {
	fieldErr := Classify("SELECT usr_name FROM users", "Unknown column 'usr_name' in field list at line 1")
	assert.Equal(t, KindFieldNotFound, fieldErr.Kind)
	assert.Equal(t, "usr_name", fieldErr.Field)
	assert.Equal(t, 1, fieldErr.Line)

	tableErr := Classify("SELECT * FROM usrs", "Unknown table: usrs")
	assert.Equal(t, KindTableNotFound, tableErr.Kind)
	assert.Equal(t, "usrs", tableErr.Table)
}

func TestRecoverSubstitutesClosestField(t *testing.T) {
	e := newEngine(t, &mockLLM{responses: []string{"should not be called"}})

	sqlErr := Classify("SELECT usr_name FROM users", "Unknown column 'usr_name' in field list")
	res := e.Recover(context.Background(), sqlErr, testSchema())

	require.True(t, res.Success)
	assert.Equal(t, "SELECT user_name FROM users", res.FixedSQL)
	assert.GreaterOrEqual(t, res.Confidence, minNameSimilarity)
	assert.Zero(t, res.Attempts)
}

func TestRecoverSubstitutesClosestTable(t *testing.T) {
	e := newEngine(t, &mockLLM{responses: []string{"should not be called"}})

	sqlErr := Classify("SELECT * FROM usrs", "Unknown table: usrs")
	res := e.Recover(context.Background(), sqlErr, testSchema())

	require.True(t, res.Success)
	assert.Equal(t, "SELECT * FROM users", res.FixedSQL)
}

func TestRecoverFieldFallsBackToAIWhenNoCloseName(t *testing.T) {
	client := &mockLLM{responses: []string{"SELECT status FROM users"}}
	e := newEngine(t, client)

	sqlErr := Classify("SELECT zzzzqqq FROM users", "Unknown column 'zzzzqqq' in field list")
	res := e.Recover(context.Background(), sqlErr, testSchema())

	require.True(t, res.Success)
	assert.Equal(t, "SELECT status FROM users", res.FixedSQL)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, client.calls)
}

func TestRecoverFixesSyntax(t *testing.T) {
	e := newEngine(t, &mockLLM{responses: []string{"should not be called"}})

	sqlErr := Classify("SELECT id, FROM users WHERE status = 'active", "Syntax error: unexpected token FROM")
	res := e.Recover(context.Background(), sqlErr, testSchema())

	require.True(t, res.Success)
	assert.Equal(t, "SELECT id FROM users WHERE status = 'active'", res.FixedSQL)
	assert.Equal(t, syntaxFixConfidence, res.Confidence)
	assert.NotEmpty(t, res.Changes)
}

func TestRecoverTypeMismatchUsesAI(t *testing.T) {
	client := &mockLLM{responses: []string{"```sql\nSELECT toString(id) FROM users\n```"}}
	e := newEngine(t, client)

	sqlErr := Classify("SELECT id || 'x' FROM users", "Illegal type of argument")
	res := e.Recover(context.Background(), sqlErr, testSchema())

	require.True(t, res.Success)
	assert.Equal(t, "SELECT toString(id) FROM users", res.FixedSQL)
	assert.Equal(t, aiFixConfidence, res.Confidence)
}

func TestRecoverRejectsDestructiveProposal(t *testing.T) {
	client := &mockLLM{responses: []string{
		"DROP TABLE users",
		"SELECT 1; SELECT 2",
		"SELECT id FROM users",
	}}
	e := newEngine(t, client)

	sqlErr := Classify("SELECT bogus FROM users", "whatever went wrong")
	res := e.Recover(context.Background(), sqlErr, testSchema())

	require.True(t, res.Success)
	assert.Equal(t, "SELECT id FROM users", res.FixedSQL)
	assert.Equal(t, 3, res.Attempts)
}

func TestRecoverGivesUpAfterMaxAttempts(t *testing.T) {
	client := &mockLLM{err: errors.New("service down")}
	e := newEngine(t, client)

	sqlErr := Classify("SELECT 1", "something inexplicable")
	res := e.Recover(context.Background(), sqlErr, testSchema())

	assert.False(t, res.Success)
	assert.Equal(t, maxAIAttempts, res.Attempts)
	assert.Equal(t, maxAIAttempts, client.calls)
}

func TestRecoverStopsOnUnfixable(t *testing.T) {
	client := &mockLLM{responses: []string{"UNFIXABLE"}}
	e := newEngine(t, client)

	sqlErr := Classify("SELECT 1", "Access denied for user 'reader'")
	res := e.Recover(context.Background(), sqlErr, testSchema())

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
}

func TestValidateFixDeterministic(t *testing.T) {
	cases := []struct {
		sql string
		ok  bool
	}{
		{"SELECT id FROM users", true},
		{"WITH t AS (SELECT 1) SELECT * FROM t", true},
		{"EXPLAIN SELECT 1", true},
		{"DELETE FROM users", false},
		{"SELECT id FROM users; DROP TABLE users", false},
		{"SELECT id FROM users -- comment", false},
		{"SELECT 'unterminated FROM users", false},
		{"SELECT (1 + 2 FROM users", false},
		{"", false},
	}
	for _, tc := range cases {
		for i := 0; i < 3; i++ {
			err := validateFix(tc.sql)
			if tc.ok {
				assert.NoError(t, err, "sql: %s", tc.sql)
			} else {
				assert.Error(t, err, "sql: %s", tc.sql)
			}
		}
	}
}

func TestNameSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, nameSimilarity("user_name", "USER_NAME"))
	assert.GreaterOrEqual(t, nameSimilarity("usr_name", "user_name"), minNameSimilarity)
	assert.Less(t, nameSimilarity("zzzzqqq", "user_name"), minNameSimilarity)
}

func TestStatsTracksOutcomesPerKind(t *testing.T) {
	e := newEngine(t, &mockLLM{err: errors.New("down")})

	fieldErr := Classify("SELECT usr_name FROM users", "Unknown column 'usr_name' in field list")
	e.Recover(context.Background(), fieldErr, testSchema())

	unknownErr := Classify("SELECT 1", "something inexplicable")
	e.Recover(context.Background(), unknownErr, testSchema())

	stats := e.Stats()
	require.Contains(t, stats, KindFieldNotFound)
	require.Contains(t, stats, KindUnknownError)
	assert.Equal(t, 1, stats[KindFieldNotFound].Total)
	assert.Equal(t, 1, stats[KindFieldNotFound].Recovered)
	assert.Equal(t, 0, stats[KindUnknownError].Recovered)
}
