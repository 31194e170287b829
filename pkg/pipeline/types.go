// Package pipeline implements the per-session conversation state machine:
// intent recognition, table selection, optional clarification, SQL
// generation, execution with error recovery, analysis and presentation.
// Each session is owned by a single logical writer; different sessions run
// fully independently.
package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/parallaxdata/chatbi/pkg/querier"
)

// Stage is the current position of a session in the pipeline.
type Stage string

const (
	StageIntentRecognition   Stage = "INTENT_RECOGNITION"
	StageTableSelection      Stage = "TABLE_SELECTION"
	StageIntentClarification Stage = "INTENT_CLARIFICATION"
	StageSQLGeneration       Stage = "SQL_GENERATION"
	StageSQLExecution        Stage = "SQL_EXECUTION"
	StageDataAnalysis        Stage = "DATA_ANALYSIS"
	StageResultPresentation  Stage = "RESULT_PRESENTATION"
	StageCompleted           Stage = "COMPLETED"
	StageErrorHandling       Stage = "ERROR_HANDLING"
)

// Intent is the recognized purpose of a user message.
type Intent string

const (
	IntentDataQuery  Intent = "data_query"
	IntentCasualChat Intent = "casual_chat"
	IntentFollowUp   Intent = "follow_up"
	IntentUnclear    Intent = "unclear"
)

const (
	// MaxErrorCount terminates a session once reached.
	MaxErrorCount = 5

	// MaxRetryCount bounds user-requested retries from ERROR_HANDLING.
	MaxRetryCount = 3

	// resultHistorySize bounds the per-session result ring used to answer
	// follow-ups.
	resultHistorySize = 5
)

// ConversationState is the complete per-session state. It is owned and
// mutated exclusively by the Orchestrator holding the session's lock;
// counters only ever increase within a session.
type ConversationState struct {
	SessionID string
	Source    string

	Question string
	Stage    Stage
	Intent   Intent

	SelectedTables        []string
	Keywords              []string
	GeneratedSQL          string
	LastResult            *querier.Result
	History               []querier.Result
	Answer                string
	FollowUps             []string
	ClarificationQuestion string

	ErrorCount int
	RetryCount int
	LastError  string

	// Attempt increments on every pipeline (re)entry; in-flight work from
	// an older attempt discards its result on arrival.
	Attempt int

	// Events is the append-only per-attempt stage record.
	Events []StageEvent

	Terminated bool

	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time

	// snapshot is the published status view. Writers refresh it under the
	// session lock; Status reads it without taking the lock, so status
	// stays responsive while a pipeline run is in flight.
	snapshot atomic.Pointer[Status]
}

// publish refreshes the lock-free status snapshot. The caller holds the
// session's writer lock; the stored Status is never mutated afterwards.
func (s *ConversationState) publish() {
	s.snapshot.Store(&Status{
		SessionID:  s.SessionID,
		Stage:      s.Stage,
		Intent:     s.Intent,
		Question:   s.Question,
		Tables:     append([]string(nil), s.SelectedTables...),
		ErrorCount: s.ErrorCount,
		RetryCount: s.RetryCount,
		Terminated: s.Terminated,
		Events:     append([]StageEvent(nil), s.Events...),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	})
}

// pushResult records a result in the bounded history ring.
func (s *ConversationState) pushResult(r querier.Result) {
	s.LastResult = &r
	s.History = append(s.History, r)
	if len(s.History) > resultHistorySize {
		s.History = s.History[len(s.History)-resultHistorySize:]
	}
}

// StageEvent records one stage transition within an attempt.
type StageEvent struct {
	Attempt int       `json:"attempt"`
	Stage   Stage     `json:"stage"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Response is what one Start or Continue call returns to the caller.
type Response struct {
	SessionID  string            `json:"session_id"`
	Stage      Stage             `json:"stage"`
	Intent     Intent            `json:"intent,omitempty"`
	Answer     string            `json:"answer,omitempty"`
	SQL        string            `json:"sql,omitempty"`
	Result     *querier.Result   `json:"result,omitempty"`
	FollowUps  []string          `json:"follow_ups,omitempty"`
	NeedsInput bool              `json:"needs_input,omitempty"`
	Question   string            `json:"question,omitempty"`
	Error      string            `json:"error,omitempty"`
	Terminated bool              `json:"terminated,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Status is a read-only snapshot of a session.
type Status struct {
	SessionID  string    `json:"session_id"`
	Stage      Stage     `json:"stage"`
	Intent     Intent    `json:"intent,omitempty"`
	Question   string    `json:"question,omitempty"`
	Tables     []string  `json:"tables,omitempty"`
	ErrorCount int       `json:"error_count"`
	RetryCount int       `json:"retry_count"`
	Terminated bool         `json:"terminated"`
	Events     []StageEvent `json:"events,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
