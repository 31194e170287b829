package pipeline

import (
	"fmt"
	"strings"

	"github.com/parallaxdata/chatbi/pkg/pipeline/prompts"
)

// Prompts contains all the pipeline prompts loaded from embedded files.
type Prompts struct {
	Intent         string // intent recognition (pre-step)
	Generate       string // SQL generation
	Analyze        string // result analysis and answer synthesis
	Respond        string // conversational responses (no data query)
	FollowUp       string // follow-up question suggestions
	FollowUpAnswer string // answering follow-ups from cached results
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Intent, err = loadPrompt("INTENT.md"); err != nil {
		return nil, fmt.Errorf("failed to load INTENT: %w", err)
	}
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	if p.Analyze, err = loadPrompt("ANALYZE.md"); err != nil {
		return nil, fmt.Errorf("failed to load ANALYZE: %w", err)
	}
	if p.Respond, err = loadPrompt("RESPOND.md"); err != nil {
		return nil, fmt.Errorf("failed to load RESPOND: %w", err)
	}
	if p.FollowUp, err = loadPrompt("FOLLOWUP.md"); err != nil {
		return nil, fmt.Errorf("failed to load FOLLOWUP: %w", err)
	}
	if p.FollowUpAnswer, err = loadPrompt("FOLLOWUP_ANSWER.md"); err != nil {
		return nil, fmt.Errorf("failed to load FOLLOWUP_ANSWER: %w", err)
	}

	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
