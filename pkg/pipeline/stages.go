package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parallaxdata/chatbi/pkg/contextbuild"
	"github.com/parallaxdata/chatbi/pkg/llm"
	"github.com/parallaxdata/chatbi/pkg/push"
	"github.com/parallaxdata/chatbi/pkg/querier"
	"github.com/parallaxdata/chatbi/pkg/recovery"
	"github.com/parallaxdata/chatbi/pkg/relation"
	"github.com/parallaxdata/chatbi/pkg/tableselect"
)

// maxFixRounds bounds classify-recover-reexecute cycles within one
// execution stage.
const maxFixRounds = 2

// intentResponse is the JSON shape requested from the intent prompt.
type intentResponse struct {
	Intent         Intent `json:"intent"`
	Reasoning      string `json:"reasoning"`
	DirectResponse string `json:"direct_response"`
}

// recognizeIntent classifies the current question. An unparseable response
// defaults to data_query so a flaky model never blocks the pipeline.
func (o *Orchestrator) recognizeIntent(ctx context.Context, state *ConversationState) (Intent, string, error) {
	userPrompt := fmt.Sprintf("Message to classify: %s", state.Question)
	if len(state.History) > 0 {
		userPrompt = fmt.Sprintf("The user already received %d answers in this session.\n%s",
			len(state.History), userPrompt)
	}

	response, err := o.cfg.LLM.Complete(ctx, o.cfg.Prompts.Intent, userPrompt, llm.WithTemperature(0))
	if err != nil {
		return "", "", fmt.Errorf("intent recognition failed: %w", err)
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" {
		o.log.Info("intent response not parseable, defaulting to data_query", "session", state.SessionID)
		return IntentDataQuery, "", nil
	}
	var parsed intentResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		o.log.Info("intent response not parseable, defaulting to data_query", "session", state.SessionID)
		return IntentDataQuery, "", nil
	}

	switch parsed.Intent {
	case IntentDataQuery, IntentCasualChat, IntentUnclear:
		return parsed.Intent, parsed.DirectResponse, nil
	case IntentFollowUp:
		// A fresh pipeline run has nothing to follow up on.
		if state.LastResult == nil {
			return IntentDataQuery, "", nil
		}
		return IntentFollowUp, "", nil
	default:
		return IntentDataQuery, "", nil
	}
}

// respondCasual answers small talk, preferring the classifier's suggested
// reply when it provided one.
func (o *Orchestrator) respondCasual(ctx context.Context, state *ConversationState, directResponse string) (string, error) {
	if strings.TrimSpace(directResponse) != "" {
		return directResponse, nil
	}
	answer, err := o.cfg.LLM.Complete(ctx, o.cfg.Prompts.Respond, state.Question)
	if err != nil {
		return "", fmt.Errorf("conversational response failed: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// selectTables runs table selection and records the chosen tables on the
// session.
func (o *Orchestrator) selectTables(ctx context.Context, state *ConversationState) (*tableselect.Selection, error) {
	selection, err := o.cfg.Selector.Select(ctx, state.Question, state.Source)
	if err != nil {
		return nil, fmt.Errorf("table selection failed: %w", err)
	}

	state.Keywords = selection.Keywords
	state.SelectedTables = state.SelectedTables[:0]
	for _, c := range selection.Primary {
		state.SelectedTables = append(state.SelectedTables, c.Name)
	}
	for _, c := range selection.Related {
		state.SelectedTables = append(state.SelectedTables, c.Name)
	}

	o.log.Info("tables selected",
		"session", state.SessionID,
		"tables", state.SelectedTables,
		"fallback", selection.UsedFallback)
	return selection, nil
}

// generateSQL assembles the token-budgeted context and asks the model for a
// query.
func (o *Orchestrator) generateSQL(ctx context.Context, state *ConversationState, selection *tableselect.Selection) (string, error) {
	req := contextbuild.Request{
		Question: state.Question,
		Keywords: state.Keywords,
		Source:   state.Source,
		Budget:   o.cfg.ContextBudget,
	}
	for _, c := range selection.Primary {
		req.Tables = append(req.Tables, contextbuild.SelectedTable{ID: c.ID, Name: c.Name})
	}
	for _, c := range selection.Related {
		req.Tables = append(req.Tables, contextbuild.SelectedTable{ID: c.ID, Name: c.Name})
	}

	built := o.cfg.Aggregator.Aggregate(ctx, req)
	if built.Context == "" {
		return "", fmt.Errorf("no context could be assembled for source %q", state.Source)
	}

	systemPrompt := o.cfg.Prompts.Generate + "\n\n# Context\n\n" + built.Context
	userPrompt := fmt.Sprintf("Question: %s", state.Question)

	// The system prompt is large and repeats across retries of the same
	// session, so mark it cacheable.
	response, err := o.cfg.LLM.Complete(ctx, systemPrompt, userPrompt, llm.WithCacheControl())
	if err != nil {
		return "", fmt.Errorf("SQL generation failed: %w", err)
	}

	sql, _, err := parseGenerateResponse(response)
	if err != nil {
		return "", fmt.Errorf("failed to parse generated SQL: %w", err)
	}
	if sql == "" {
		return "", fmt.Errorf("no SQL generated")
	}
	return sql, nil
}

// executeWithRecovery runs the generated SQL, feeding failures through the
// recovery engine for a bounded number of fix rounds. A zero-row success is
// checked for suspicious filters and regenerated once when warranted.
func (o *Orchestrator) executeWithRecovery(ctx context.Context, state *ConversationState) (querier.Result, error) {
	sql := state.GeneratedSQL

	result, err := o.cfg.Executor.Execute(ctx, sql, state.Source)
	if err != nil {
		return querier.Result{}, fmt.Errorf("query execution failed: %w", err)
	}

	if result.Error != "" {
		schema, schemaErr := o.loadSchema(ctx, state)
		if schemaErr != nil {
			o.log.Warn("schema unavailable for recovery", "session", state.SessionID, "error", schemaErr)
		}

		for round := 0; round < maxFixRounds && result.Error != ""; round++ {
			sqlErr := recovery.Classify(sql, result.Error)
			rec := o.cfg.Recovery.Recover(ctx, sqlErr, schema)

			outcome := "failed"
			if rec.Success {
				outcome = "fixed"
			}
			recoveriesTotal.WithLabelValues(string(sqlErr.Kind), outcome).Inc()

			if !rec.Success {
				return querier.Result{}, fmt.Errorf("query failed (%s): %s", sqlErr.Kind, result.Error)
			}

			o.cfg.Push.Send(state.SessionID, push.TypeThinking, rec.Analysis,
				map[string]string{"kind": "recovery"})
			sql = rec.FixedSQL
			result, err = o.cfg.Executor.Execute(ctx, sql, state.Source)
			if err != nil {
				return querier.Result{}, fmt.Errorf("query execution failed: %w", err)
			}
		}
		if result.Error != "" {
			return querier.Result{}, fmt.Errorf("query still failing after recovery: %s", result.Error)
		}
		state.GeneratedSQL = sql
	}

	if result.TotalRows == 0 {
		result = o.handleZeroRows(ctx, state, result)
	}

	result.Formatted = querier.FormatResult(result)
	return result, nil
}

// zeroRowAnalysis is the JSON shape of the zero-row suspicion check.
type zeroRowAnalysis struct {
	IsSuspicious bool   `json:"is_suspicious"`
	Reasoning    string `json:"reasoning"`
	Suggestion   string `json:"suggestion"`
}

const zeroRowPrompt = `A SQL query returned zero rows. Decide whether that is
a plausible answer to the question or a sign the query is wrong (too
restrictive filters, wrong literal values, bad join).
Respond with JSON only:
{"is_suspicious": true, "reasoning": "...", "suggestion": "..."}`

// handleZeroRows checks whether an empty result is plausible and regenerates
// the query once when it is not. Failures leave the original result alone.
func (o *Orchestrator) handleZeroRows(ctx context.Context, state *ConversationState, result querier.Result) querier.Result {
	userPrompt := fmt.Sprintf("Question: %s\n\nSQL:\n%s\n\nThe query returned 0 rows.",
		state.Question, state.GeneratedSQL)

	response, err := o.cfg.LLM.Complete(ctx, zeroRowPrompt, userPrompt, llm.WithTemperature(0))
	if err != nil {
		return result
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return result
	}
	var analysis zeroRowAnalysis
	if err := json.Unmarshal([]byte(jsonStr), &analysis); err != nil || !analysis.IsSuspicious {
		return result
	}

	o.log.Info("zero-row result looks suspicious, regenerating",
		"session", state.SessionID, "suggestion", analysis.Suggestion)

	regeneratePrompt := fmt.Sprintf(`Question: %s

The previous SQL returned zero rows and is probably wrong.

Previous SQL:
%s

Analysis: %s
Suggestion: %s

Generate a corrected query.`, state.Question, state.GeneratedSQL, analysis.Reasoning, analysis.Suggestion)

	response, err = o.cfg.LLM.Complete(ctx, o.cfg.Prompts.Generate, regeneratePrompt, llm.WithCacheControl())
	if err != nil {
		return result
	}
	sql, _, err := parseGenerateResponse(response)
	if err != nil || sql == "" {
		return result
	}

	regenerated, err := o.cfg.Executor.Execute(ctx, sql, state.Source)
	if err != nil || regenerated.Error != "" {
		return result
	}
	state.GeneratedSQL = sql
	return regenerated
}

// analyze synthesizes a prose answer from the result.
func (o *Orchestrator) analyze(ctx context.Context, state *ConversationState, result querier.Result) (string, error) {
	userPrompt := fmt.Sprintf("Question: %s\n\nSQL:\n%s\n\nResult (%d rows):\n%s",
		state.Question, state.GeneratedSQL, result.TotalRows, result.Formatted)

	answer, err := o.cfg.LLM.Complete(ctx, o.cfg.Prompts.Analyze, userPrompt)
	if err != nil {
		return "", fmt.Errorf("analysis failed: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// suggestFollowUps asks for up to 3 follow-up questions. Failures are
// swallowed: suggestions are decoration, not pipeline output.
func (o *Orchestrator) suggestFollowUps(ctx context.Context, state *ConversationState, answer string) []string {
	userPrompt := fmt.Sprintf("User question: %s\n\nAnswer provided:\n%s", state.Question, answer)

	response, err := o.cfg.LLM.Complete(ctx, o.cfg.Prompts.FollowUp, userPrompt)
	if err != nil {
		o.log.Info("follow-up suggestion failed", "session", state.SessionID, "error", err)
		return nil
	}

	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "```") {
		lines := strings.Split(response, "\n")
		if len(lines) > 2 {
			response = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	var questions []string
	if err := json.Unmarshal([]byte(response), &questions); err != nil {
		o.log.Info("failed to parse follow-up questions", "session", state.SessionID, "error", err)
		return nil
	}
	if len(questions) > 3 {
		questions = questions[:3]
	}
	return questions
}

// answerFollowUp answers a reply from the session's cached results without
// regenerating SQL.
func (o *Orchestrator) answerFollowUp(ctx context.Context, state *ConversationState, reply string) (*Response, error) {
	if state.LastResult == nil {
		// Nothing cached to answer from; treat the reply as a new question.
		state.Question = reply
		state.Stage = StageIntentRecognition
		return o.run(ctx, state), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Original question: %s\n\n", state.Question)
	for i, r := range state.History {
		fmt.Fprintf(&sb, "Result %d (%d rows):\n%s\n\n", i+1, r.TotalRows, r.Formatted)
	}
	fmt.Fprintf(&sb, "Follow-up: %s", reply)

	answer, err := o.cfg.LLM.Complete(ctx, o.cfg.Prompts.FollowUpAnswer, sb.String())
	if err != nil {
		return o.fail(state, StageDataAnalysis, fmt.Errorf("follow-up answer failed: %w", err)), nil
	}

	answer = strings.TrimSpace(answer)
	state.Intent = IntentFollowUp
	state.Answer = answer
	state.Stage = StageCompleted
	state.UpdatedAt = o.cfg.Clock.Now()
	state.publish()
	o.cfg.Push.Send(state.SessionID, push.TypeResult, answer, map[string]string{"kind": "follow_up"})

	return &Response{
		SessionID: state.SessionID,
		Stage:     state.Stage,
		Intent:    IntentFollowUp,
		Answer:    answer,
		Result:    state.LastResult,
	}, nil
}

// maxChartRows bounds the rows carried in a chart event.
const maxChartRows = 50

// chartPayload renders a result as a chart-friendly JSON payload. Results
// with fewer than two columns or no rows have nothing to plot.
func chartPayload(result querier.Result) (string, bool) {
	if len(result.Columns) < 2 || len(result.Rows) == 0 {
		return "", false
	}
	rows := result.Rows
	if len(rows) > maxChartRows {
		rows = rows[:maxChartRows]
	}
	payload := struct {
		Columns []string         `json:"columns"`
		Rows    []map[string]any `json:"rows"`
		Total   int              `json:"total_rows"`
	}{Columns: result.Columns, Rows: rows, Total: result.TotalRows}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// loadSchema builds the selected tables' schema for the recovery engine.
func (o *Orchestrator) loadSchema(ctx context.Context, state *ConversationState) ([]relation.Table, error) {
	all, err := o.cfg.Store.TablesBySource(ctx, state.Source)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(state.SelectedTables))
	for _, name := range state.SelectedTables {
		want[name] = true
	}

	var schema []relation.Table
	for _, t := range all {
		if len(want) > 0 && !want[t.Name] {
			continue
		}
		columns, err := o.cfg.Store.TableColumns(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		schema = append(schema, relation.Table{ID: t.ID, Name: t.Name, Comment: t.Comment, Columns: columns})
	}
	return schema, nil
}

// parseGenerateResponse extracts SQL and explanation from a completion,
// trying JSON first, then code fences, then the raw text.
func parseGenerateResponse(response string) (sql, explanation string, err error) {
	response = strings.TrimSpace(response)

	jsonStr := extractJSON(response)
	if jsonStr != "" {
		var parsed struct {
			SQL         string `json:"sql"`
			Explanation string `json:"explanation"`
		}
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil && parsed.SQL != "" {
			return cleanSQL(parsed.SQL), parsed.Explanation, nil
		}
	}

	if sql := extractSQLFromCodeBlocks(response); sql != "" {
		return sql, "", nil
	}

	if looksLikeSQL(response) {
		return cleanSQL(response), "", nil
	}

	return "", "", fmt.Errorf("could not extract SQL from response")
}

// extractSQLFromCodeBlocks finds SQL in markdown code blocks.
func extractSQLFromCodeBlocks(response string) string {
	if start := strings.Index(response, "```sql"); start != -1 {
		start += len("```sql")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return cleanSQL(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if looksLikeSQL(content) {
				return cleanSQL(content)
			}
		}
	}

	return ""
}

// looksLikeSQL checks if text appears to be a read-only SQL statement.
func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, kw := range []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

// cleanSQL normalizes SQL by trimming whitespace and trailing semicolons.
func cleanSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
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
