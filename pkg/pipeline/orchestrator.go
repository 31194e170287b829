package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/parallaxdata/chatbi/pkg/contextbuild"
	"github.com/parallaxdata/chatbi/pkg/llm"
	"github.com/parallaxdata/chatbi/pkg/metadata"
	"github.com/parallaxdata/chatbi/pkg/push"
	"github.com/parallaxdata/chatbi/pkg/querier"
	"github.com/parallaxdata/chatbi/pkg/recovery"
	"github.com/parallaxdata/chatbi/pkg/tableselect"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminated is returned once a session has exceeded its
	// error budget; further continue calls are rejected.
	ErrSessionTerminated = errors.New("session terminated after repeated errors")
)

// retryVocabulary are the replies from ERROR_HANDLING that mean "run the
// same question again".
var retryVocabulary = []string{"retry", "try again", "重试"}

// Config holds the orchestrator dependencies.
type Config struct {
	Logger     *slog.Logger
	LLM        llm.Client
	Selector   *tableselect.Selector
	Aggregator *contextbuild.Aggregator
	Recovery   *recovery.Engine
	Executor   querier.Executor
	Store      metadata.Store
	Push       push.Channel
	Prompts    *Prompts
	Clock      clockwork.Clock

	// SessionTTL is how long an idle session survives. Zero means the
	// default of 30 minutes.
	SessionTTL time.Duration

	// ContextBudget bounds the SQL-generation context size.
	ContextBudget contextbuild.TokenBudget
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("LLM client is required")
	}
	if c.Selector == nil {
		return errors.New("table selector is required")
	}
	if c.Aggregator == nil {
		return errors.New("context aggregator is required")
	}
	if c.Recovery == nil {
		return errors.New("recovery engine is required")
	}
	if c.Executor == nil {
		return errors.New("query executor is required")
	}
	if c.Store == nil {
		return errors.New("metadata store is required")
	}
	if c.Push == nil {
		return errors.New("push channel is required")
	}
	if c.Prompts == nil {
		return errors.New("prompts are required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ContextBudget.Total == 0 {
		c.ContextBudget = contextbuild.TokenBudget{Total: 8000, Reserved: 1024}
	}
	return nil
}

// Orchestrator owns every conversation session and drives each one through
// the pipeline stages.
type Orchestrator struct {
	cfg      *Config
	log      *slog.Logger
	sessions *sessionStore
}

// New creates an Orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: newSessionStore(cfg.SessionTTL),
	}, nil
}

// Close stops the session store's expiry loop.
func (o *Orchestrator) Close() {
	o.sessions.stop()
}

// Start creates a session for a question and runs the pipeline.
func (o *Orchestrator) Start(ctx context.Context, question, source string) (*Response, error) {
	now := o.cfg.Clock.Now()
	state := &ConversationState{
		SessionID: uuid.NewString(),
		Source:    source,
		Question:  question,
		Stage:     StageIntentRecognition,
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	state.publish()
	sess := &session{state: state}
	o.sessions.put(sess)
	sessionsActive.Set(float64(o.sessions.len()))

	o.log.Info("session started", "session", state.SessionID, "source", source)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return o.run(ctx, state), nil
}

// Continue feeds a user reply into an existing session. Dispatch depends on
// the stage the session is waiting in: a clarification reply re-enters the
// pipeline as the new question; from ERROR_HANDLING the reply either retries
// or becomes a new question; anywhere else it is a follow-up answered from
// the cached results without regenerating SQL.
func (o *Orchestrator) Continue(ctx context.Context, sessionID, reply string) (*Response, error) {
	sess, ok := o.sessions.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	state := sess.state

	if state.Terminated {
		return nil, ErrSessionTerminated
	}

	switch state.Stage {
	case StageIntentClarification:
		state.Question = reply
		state.ClarificationQuestion = ""
		state.Stage = StageIntentRecognition
		return o.run(ctx, state), nil

	case StageErrorHandling:
		if isRetryRequest(reply) {
			if state.RetryCount >= MaxRetryCount {
				return &Response{
					SessionID: state.SessionID,
					Stage:     state.Stage,
					Error:     fmt.Sprintf("retry limit of %d reached; please ask a new question", MaxRetryCount),
				}, nil
			}
			state.RetryCount++
			state.Stage = StageIntentRecognition
			o.log.Info("retrying question", "session", state.SessionID, "retry", state.RetryCount)
			return o.run(ctx, state), nil
		}
		state.Question = reply
		state.Stage = StageIntentRecognition
		return o.run(ctx, state), nil

	default:
		return o.answerFollowUp(ctx, state, reply)
	}
}

// Status returns the session's published snapshot. It never takes the
// session lock, so reads stay responsive while a pipeline run is in flight.
func (o *Orchestrator) Status(sessionID string) (*Status, error) {
	sess, ok := o.sessions.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.state.snapshot.Load(), nil
}

// Sessions lists a snapshot of every live session.
func (o *Orchestrator) Sessions() []*Status {
	keys := o.sessions.keys()
	out := make([]*Status, 0, len(keys))
	for _, id := range keys {
		status, err := o.Status(id)
		if err != nil {
			continue // expired between listing and snapshot
		}
		out = append(out, status)
	}
	return out
}

// Cleanup destroys a session. Safe to call at any time: in-flight work for
// the session discards its result through the stale guard.
func (o *Orchestrator) Cleanup(sessionID string) error {
	if !o.sessions.has(sessionID) {
		return ErrSessionNotFound
	}
	o.sessions.delete(sessionID)
	sessionsActive.Set(float64(o.sessions.len()))
	o.log.Info("session cleaned up", "session", sessionID)
	return nil
}

// run drives one pipeline pass from INTENT_RECOGNITION to COMPLETED. Any
// stage failure lands in ERROR_HANDLING; the caller owns the session lock.
func (o *Orchestrator) run(ctx context.Context, state *ConversationState) *Response {
	state.Attempt++
	attempt := state.Attempt

	// Intent recognition.
	o.enterStage(state, StageIntentRecognition)
	intent, directResponse, err := o.recognizeIntent(ctx, state)
	if o.discarded(state, StageIntentRecognition, attempt) {
		return o.staleResponse(state)
	}
	stageOutcome(StageIntentRecognition, err)
	if err != nil {
		return o.fail(state, StageIntentRecognition, err)
	}
	state.Intent = intent

	switch intent {
	case IntentCasualChat:
		answer, err := o.respondCasual(ctx, state, directResponse)
		if err != nil {
			return o.fail(state, StageIntentRecognition, err)
		}
		state.Answer = answer
		o.enterStage(state, StageCompleted)
		o.cfg.Push.Send(state.SessionID, push.TypeResult, answer, nil)
		return o.completedResponse(state)

	case IntentUnclear:
		state.ClarificationQuestion = "Could you say more about which data you are interested in, and over what time range?"
		o.enterStage(state, StageIntentClarification)
		o.cfg.Push.Send(state.SessionID, push.TypeStatus, state.ClarificationQuestion, nil)
		return o.clarificationResponse(state)
	}

	// Table selection.
	o.enterStage(state, StageTableSelection)
	selection, err := o.selectTables(ctx, state)
	if o.discarded(state, StageTableSelection, attempt) {
		return o.staleResponse(state)
	}
	stageOutcome(StageTableSelection, err)
	if err != nil {
		return o.fail(state, StageTableSelection, err)
	}
	if selection.NeedsClarification {
		state.ClarificationQuestion = selection.ClarificationQuestion
		o.enterStage(state, StageIntentClarification)
		o.cfg.Push.Send(state.SessionID, push.TypeStatus, state.ClarificationQuestion, nil)
		return o.clarificationResponse(state)
	}

	// SQL generation.
	o.enterStage(state, StageSQLGeneration)
	sql, err := o.generateSQL(ctx, state, selection)
	if o.discarded(state, StageSQLGeneration, attempt) {
		return o.staleResponse(state)
	}
	stageOutcome(StageSQLGeneration, err)
	if err != nil {
		return o.fail(state, StageSQLGeneration, err)
	}
	state.GeneratedSQL = sql
	o.cfg.Push.Send(state.SessionID, push.TypeThinking, sql, map[string]string{"kind": "sql"})

	// Execution, with recovery.
	o.enterStage(state, StageSQLExecution)
	result, err := o.executeWithRecovery(ctx, state)
	if o.discarded(state, StageSQLExecution, attempt) {
		return o.staleResponse(state)
	}
	stageOutcome(StageSQLExecution, err)
	if err != nil {
		return o.fail(state, StageSQLExecution, err)
	}
	state.pushResult(result)

	// Analysis.
	o.enterStage(state, StageDataAnalysis)
	answer, err := o.analyze(ctx, state, result)
	if o.discarded(state, StageDataAnalysis, attempt) {
		return o.staleResponse(state)
	}
	stageOutcome(StageDataAnalysis, err)
	if err != nil {
		return o.fail(state, StageDataAnalysis, err)
	}
	state.Answer = answer

	// Presentation.
	o.enterStage(state, StageResultPresentation)
	state.FollowUps = o.suggestFollowUps(ctx, state, answer)
	o.cfg.Push.Send(state.SessionID, push.TypeResult, answer, map[string]string{"sql": state.GeneratedSQL})
	if chart, ok := chartPayload(result); ok {
		o.cfg.Push.Send(state.SessionID, push.TypeChart, chart, map[string]string{"format": "table"})
	}

	o.enterStage(state, StageCompleted)
	return o.completedResponse(state)
}

// enterStage records a stage transition and emits a status event.
func (o *Orchestrator) enterStage(state *ConversationState, stage Stage) {
	state.Stage = stage
	state.UpdatedAt = o.cfg.Clock.Now()
	state.Events = append(state.Events, StageEvent{
		Attempt: state.Attempt,
		Stage:   stage,
		At:      state.UpdatedAt,
	})
	state.publish()
	o.log.Debug("stage entered", "session", state.SessionID, "stage", stage, "attempt", state.Attempt)
	o.cfg.Push.Send(state.SessionID, push.TypeStatus, string(stage), map[string]string{"stage": string(stage)})
}

// discarded reports whether the outcome of the named stage belongs to a
// session that was deleted or superseded while the external call ran.
func (o *Orchestrator) discarded(state *ConversationState, stage Stage, attempt int) bool {
	if o.sessions.has(state.SessionID) && state.Attempt == attempt {
		return false
	}
	o.log.Info("stale stage result discarded",
		"session", state.SessionID, "stage", stage, "attempt", attempt)
	return true
}

func (o *Orchestrator) staleResponse(state *ConversationState) *Response {
	return &Response{
		SessionID: state.SessionID,
		Stage:     state.Stage,
		Error:     "session is no longer active",
	}
}

// fail applies the failure policy: count the error, move to ERROR_HANDLING,
// emit an error event, and terminate the session once the budget is spent.
func (o *Orchestrator) fail(state *ConversationState, stage Stage, err error) *Response {
	state.ErrorCount++
	state.LastError = err.Error()
	state.Stage = StageErrorHandling
	state.UpdatedAt = o.cfg.Clock.Now()
	state.Events = append(state.Events, StageEvent{
		Attempt: state.Attempt,
		Stage:   StageErrorHandling,
		At:      state.UpdatedAt,
		Error:   err.Error(),
	})

	o.log.Warn("stage failed",
		"session", state.SessionID,
		"stage", stage,
		"error_count", state.ErrorCount,
		"error", err)
	o.cfg.Push.Send(state.SessionID, push.TypeError, err.Error(), map[string]string{"stage": string(stage)})

	if state.ErrorCount >= MaxErrorCount {
		state.Terminated = true
		sessionsTerminated.Inc()
		o.log.Warn("session terminated", "session", state.SessionID, "errors", state.ErrorCount)
	}
	state.publish()

	return &Response{
		SessionID:  state.SessionID,
		Stage:      StageErrorHandling,
		Error:      err.Error(),
		Terminated: state.Terminated,
		NeedsInput: !state.Terminated,
		Question:   retryHint(state),
	}
}

func retryHint(state *ConversationState) string {
	if state.Terminated {
		return ""
	}
	if state.RetryCount < MaxRetryCount {
		return "Reply \"retry\" to run the question again, or ask a new question."
	}
	return "Please ask a new question."
}

func (o *Orchestrator) completedResponse(state *ConversationState) *Response {
	return &Response{
		SessionID: state.SessionID,
		Stage:     state.Stage,
		Intent:    state.Intent,
		Answer:    state.Answer,
		SQL:       state.GeneratedSQL,
		Result:    state.LastResult,
		FollowUps: state.FollowUps,
	}
}

func (o *Orchestrator) clarificationResponse(state *ConversationState) *Response {
	return &Response{
		SessionID:  state.SessionID,
		Stage:      state.Stage,
		Intent:     state.Intent,
		NeedsInput: true,
		Question:   state.ClarificationQuestion,
	}
}

func isRetryRequest(reply string) bool {
	normalized := strings.ToLower(strings.TrimSpace(reply))
	for _, v := range retryVocabulary {
		if normalized == v {
			return true
		}
	}
	return false
}
