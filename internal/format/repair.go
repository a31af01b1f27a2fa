package format

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/genpipe/internal/backend"
	"github.com/hochfrequenz/genpipe/internal/domain"
)

const repairTemplate = `Your previous output failed validation.

Validation errors:
{VALIDATION_ERRORS}

Expected contract:
{SCHEMA}

Previous output:
{CONTENT}

Produce a corrected version that fixes every error listed above and
keeps everything that was already valid. Return the complete output,
not a diff or a commentary.
`

// BuildRepairPrompt fills the repair template. {CONTENT}, {SCHEMA} and
// {VALIDATION_ERRORS} are substituted; an empty template falls back to
// the built-in one.
func BuildRepairPrompt(template, content, contract string, errs []domain.ValidationError) string {
	if template == "" {
		template = repairTemplate
	}

	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = "- " + e.String()
	}
	if contract == "" {
		contract = "(no schema; match the format instructions)"
	}

	out := strings.ReplaceAll(template, "{VALIDATION_ERRORS}", strings.Join(lines, "\n"))
	out = strings.ReplaceAll(out, "{SCHEMA}", contract)
	out = strings.ReplaceAll(out, "{CONTENT}", content)
	return out
}

// RoundResult is one completed repair round. The executor re-validates
// the candidate and decides whether another round runs.
type RoundResult struct {
	Candidate string
	Prompt    string
	Raw       string
	Attempts  int
}

// Repairer asks the backend to fix invalid output. It runs single
// rounds; the bounded loop and its state transitions belong to the
// executor.
type Repairer struct {
	Backend backend.Adapter

	// Temperature applies to the first round, RetryTemperature to
	// every later one.
	Temperature      float64
	RetryTemperature float64

	// Template overrides the built-in repair prompt when set
	Template string

	Model     string
	MaxTokens int
}

// Round builds the repair prompt for the given validation errors,
// invokes the backend and extracts the candidate. round is zero-based.
func (r *Repairer) Round(ctx context.Context, plugin Plugin, content, contract string, errs []domain.ValidationError, round int) (*RoundResult, error) {
	prompt := BuildRepairPrompt(r.Template, content, contract, errs)
	if g := plugin.Guidance(); g != "" {
		prompt += "\n\n" + g
	}

	temp := r.Temperature
	if round > 0 {
		temp = r.RetryTemperature
	}

	res, err := r.Backend.Invoke(ctx, backend.Request{
		Prompt:      prompt,
		Model:       r.Model,
		Temperature: &temp,
		MaxTokens:   r.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	candidate, err := plugin.Extract(res.Output)
	if err != nil {
		return nil, fmt.Errorf("extracting repair candidate: %w", err)
	}

	return &RoundResult{
		Candidate: candidate,
		Prompt:    prompt,
		Raw:       res.Output,
		Attempts:  res.Attempts,
	}, nil
}
