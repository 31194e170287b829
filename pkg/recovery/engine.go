package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/parallaxdata/chatbi/pkg/llm"
	"github.com/parallaxdata/chatbi/pkg/relation"
)

const (
	maxAIAttempts = 3

	// aiFixConfidence is assigned to accepted AI repairs; the validator
	// has vetted them but nothing has executed them yet.
	aiFixConfidence = 0.6

	historyPerKind = 100
)

// Result is the outcome of one recovery attempt.
type Result struct {
	Success    bool
	FixedSQL   string
	Analysis   string
	Changes    []string
	Confidence float64
	Attempts   int
	Elapsed    time.Duration
}

// Config holds the engine dependencies.
type Config struct {
	Logger *slog.Logger
	LLM    llm.Client
	Clock  clockwork.Clock
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("LLM client is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine repairs failed SQL. Each Recover call is independent; the only
// state the engine keeps is the bounded per-kind outcome history behind a
// mutex, so one engine is shared safely across sessions.
type Engine struct {
	cfg *Config
	log *slog.Logger

	mu      sync.Mutex
	history map[ErrorKind][]outcome
}

type outcome struct {
	Success  bool
	Strategy string
	At       time.Time
}

// KindStats summarizes recovery outcomes for one error kind.
type KindStats struct {
	Total     int
	Recovered int
	LastAt    time.Time
}

// New creates an Engine.
func New(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		log:     cfg.Logger,
		history: make(map[ErrorKind][]outcome),
	}, nil
}

// Recover dispatches the classified error to the first applicable repair
// strategy. Name errors get a closest-match substitution, syntax errors a
// set of deterministic normalizations; everything else, and any
// deterministic miss, falls through to the AI repair loop. Every accepted
// fix, whatever produced it, has passed the read-only validator.
func (e *Engine) Recover(ctx context.Context, sqlErr SQLError, schema []relation.Table) Result {
	start := e.cfg.Clock.Now()
	res := e.recover(ctx, sqlErr, schema)
	res.Elapsed = e.cfg.Clock.Since(start)

	e.record(sqlErr.Kind, res)

	e.log.Info("recovery finished",
		"kind", sqlErr.Kind,
		"success", res.Success,
		"attempts", res.Attempts,
		"confidence", res.Confidence)
	return res
}

func (e *Engine) recover(ctx context.Context, sqlErr SQLError, schema []relation.Table) Result {
	switch sqlErr.Kind {
	case KindFieldNotFound:
		if fixed, chosen, sim, ok := fixFieldName(sqlErr, schema); ok {
			if err := validateFix(fixed); err == nil {
				return Result{
					Success:    true,
					FixedSQL:   fixed,
					Analysis:   fmt.Sprintf("column %q does not exist; %q is the closest known column", sqlErr.Field, chosen),
					Changes:    []string{fmt.Sprintf("replaced column %q with %q", sqlErr.Field, chosen)},
					Confidence: sim,
				}
			}
		}

	case KindTableNotFound:
		if fixed, chosen, sim, ok := fixTableName(sqlErr, schema); ok {
			if err := validateFix(fixed); err == nil {
				return Result{
					Success:    true,
					FixedSQL:   fixed,
					Analysis:   fmt.Sprintf("table %q does not exist; %q is the closest known table", sqlErr.Table, chosen),
					Changes:    []string{fmt.Sprintf("replaced table %q with %q", sqlErr.Table, chosen)},
					Confidence: sim,
				}
			}
		}

	case KindSyntaxError:
		if fixed, changes, ok := fixSyntax(sqlErr.SQL); ok {
			if err := validateFix(fixed); err == nil {
				return Result{
					Success:    true,
					FixedSQL:   fixed,
					Analysis:   "normalized statement syntax",
					Changes:    changes,
					Confidence: syntaxFixConfidence,
				}
			}
		}
	}

	return e.repairWithAI(ctx, sqlErr, schema)
}

const repairPrompt = `You are a SQL expert fixing a failed query. You will be
given the error message, the original SQL, and the schema of the available
tables. Respond with the corrected SQL statement only, no explanation. The
statement must be read-only (SELECT/WITH). If the error cannot be fixed by
rewriting the SQL, respond with the single word UNFIXABLE.`

// repairWithAI asks the completion service for a corrected statement, up to
// maxAIAttempts times. A proposal that fails validation consumes an attempt.
func (e *Engine) repairWithAI(ctx context.Context, sqlErr SQLError, schema []relation.Table) Result {
	prompt := buildRepairInput(sqlErr, schema)

	res := Result{}
	for attempt := 1; attempt <= maxAIAttempts; attempt++ {
		res.Attempts = attempt

		response, err := e.cfg.LLM.Complete(ctx, repairPrompt, prompt,
			llm.WithTemperature(0.2))
		if err != nil {
			e.log.Warn("repair completion failed", "attempt", attempt, "error", err)
			continue
		}

		proposed := extractSQL(response)
		if strings.EqualFold(strings.TrimSpace(proposed), "UNFIXABLE") {
			res.Analysis = "the error cannot be fixed by rewriting the SQL"
			return res
		}
		if err := validateFix(proposed); err != nil {
			e.log.Warn("proposed fix rejected", "attempt", attempt, "reason", err)
			continue
		}

		res.Success = true
		res.FixedSQL = proposed
		res.Analysis = fmt.Sprintf("rewrote statement after %s", sqlErr.Kind)
		res.Changes = []string{"rewrote statement"}
		res.Confidence = aiFixConfidence
		return res
	}

	if res.Analysis == "" {
		res.Analysis = fmt.Sprintf("no acceptable fix found for %s after %d attempts", sqlErr.Kind, res.Attempts)
	}
	return res
}

func buildRepairInput(sqlErr SQLError, schema []relation.Table) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error (%s): %s\n\nSQL:\n%s\n\nSchema:\n", sqlErr.Kind, sqlErr.Message, sqlErr.SQL)
	for _, t := range schema {
		fields := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			fields = append(fields, c.Name)
		}
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, strings.Join(fields, ", "))
	}
	return sb.String()
}

// extractSQL strips markdown fences and surrounding prose from a completion.
func extractSQL(response string) string {
	s := strings.TrimSpace(response)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "sql")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimSpace(s)
}

func (e *Engine) record(kind ErrorKind, res Result) {
	strategy := "ai"
	if res.Success && res.Attempts == 0 {
		strategy = "deterministic"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ring := append(e.history[kind], outcome{
		Success:  res.Success,
		Strategy: strategy,
		At:       e.cfg.Clock.Now(),
	})
	if len(ring) > historyPerKind {
		ring = ring[len(ring)-historyPerKind:]
	}
	e.history[kind] = ring
}

// Stats summarizes the rolling outcome history per error kind.
func (e *Engine) Stats() map[ErrorKind]KindStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[ErrorKind]KindStats, len(e.history))
	for kind, ring := range e.history {
		s := KindStats{Total: len(ring)}
		for _, o := range ring {
			if o.Success {
				s.Recovered++
			}
			if o.At.After(s.LastAt) {
				s.LastAt = o.At
			}
		}
		out[kind] = s
	}
	return out
}
