// Package report renders per-batch markdown reports from progress
// records and phase events.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/hochfrequenz/genpipe/internal/observer"
	"github.com/hochfrequenz/genpipe/internal/workspace"
)

// StatusEmoji returns the emoji marker for a phase status
func StatusEmoji(status domain.PhaseStatus) string {
	switch status {
	case domain.PhaseRunning, domain.PhaseValidating, domain.PhaseRepairing:
		return "🟡"
	case domain.PhaseSucceeded:
		return "🟢"
	case domain.PhaseFailed:
		return "🔴"
	case domain.PhaseSkipped:
		return "⏭️"
	default:
		return "⚪"
	}
}

// StageEmoji returns the emoji marker for a stage status
func StageEmoji(status domain.StageStatus) string {
	switch status {
	case domain.StageRunning:
		return "🟡"
	case domain.StageCompleted:
		return "🟢"
	case domain.StageFailed:
		return "🔴"
	case domain.StageSkipped:
		return "⏭️"
	default:
		return "⚪"
	}
}

func batchEmoji(status domain.BatchStatus) string {
	switch status {
	case domain.BatchRunning:
		return "🟡"
	case domain.BatchPaused:
		return "⏸️"
	case domain.BatchCompleted:
		return "🟢"
	case domain.BatchFailed:
		return "🔴"
	case domain.BatchAborted:
		return "⏹️"
	default:
		return "⚪"
	}
}

// Render produces the markdown report for one batch
func Render(batch *domain.Batch, res *domain.BatchResult, events []*domain.PhaseEvent) []byte {
	var b strings.Builder
	durations := observer.Durations(events)

	b.WriteString(fmt.Sprintf("# Batch Report: %s\n\n", batch.Name))

	b.WriteString(fmt.Sprintf("- **Pipeline**: %s\n", batch.Pipeline))
	b.WriteString(fmt.Sprintf("- **Batch ID**: `%s`\n", batch.ID))
	b.WriteString(fmt.Sprintf("- **Status**: %s %s\n", batchEmoji(res.Status), res.Status))
	if len(batch.Params) > 0 {
		b.WriteString(fmt.Sprintf("- **Params**: %s\n", formatParams(batch.Params)))
	}
	if res.StartedAt != nil {
		b.WriteString(fmt.Sprintf("- **Started**: %s (%s)\n",
			res.StartedAt.Format("2006-01-02 15:04"), humanize.Time(*res.StartedAt)))
	}
	if res.CompletedAt != nil {
		b.WriteString(fmt.Sprintf("- **Completed**: %s (%s)\n",
			res.CompletedAt.Format("2006-01-02 15:04"), humanize.Time(*res.CompletedAt)))
		if res.StartedAt != nil {
			b.WriteString(fmt.Sprintf("- **Wall time**: %s\n",
				res.CompletedAt.Sub(*res.StartedAt).Round(time.Second)))
		}
	}

	succeeded, failed, skipped, pending := res.Counts()
	b.WriteString(fmt.Sprintf("- **Phases**: %d succeeded, %d failed, %d skipped, %d pending\n",
		succeeded, failed, skipped, pending))

	b.WriteString("\n## Stages\n\n")
	b.WriteString("| Stage | Status | Phases |\n")
	b.WriteString("|-------|:------:|--------|\n")
	for _, st := range res.Stages {
		var done int
		for _, ph := range st.Phases {
			if ph.Status == domain.PhaseSucceeded {
				done++
			}
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %d/%d succeeded |\n",
			st.Stage, StageEmoji(st.Status), done, len(st.Phases)))
	}

	b.WriteString("\n## Phases\n\n")
	for _, st := range res.Stages {
		b.WriteString(fmt.Sprintf("### %s\n\n", st.Stage))
		b.WriteString("| Phase | Status | Attempts | Repairs | Duration | Output |\n")
		b.WriteString("|-------|:------:|---------:|--------:|---------:|--------|\n")
		for _, ph := range st.Phases {
			duration := "-"
			if d, ok := durations[ph.Key]; ok {
				duration = d.Round(time.Second).String()
			}
			output := "-"
			if ph.OutputPtr != "" {
				output = fmt.Sprintf("`%s`", ph.OutputPtr)
			}
			b.WriteString(fmt.Sprintf("| %s | %s | %d | %d | %s | %s |\n",
				ph.Key.Phase, StatusEmoji(ph.Status), ph.Attempts, ph.Repairs, duration, output))
		}
		b.WriteString("\n")
	}

	var failures []domain.PhaseResult
	for _, st := range res.Stages {
		for _, ph := range st.Phases {
			if ph.Err != nil {
				failures = append(failures, ph)
			}
		}
	}
	if len(failures) > 0 {
		b.WriteString("## Failures\n\n")
		for _, ph := range failures {
			b.WriteString(fmt.Sprintf("### %s\n\n", ph.Key))
			b.WriteString(fmt.Sprintf("- **Code**: `%s`\n", ph.Err.Code))
			b.WriteString(fmt.Sprintf("- **Message**: %s\n", ph.Err.Message))
			for _, ve := range ph.Err.Validation {
				b.WriteString(fmt.Sprintf("  - %s\n", ve.String()))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("---\n\n")
	b.WriteString("Legend: ⚪ pending · 🟡 active · 🟢 succeeded · 🔴 failed · ⏭️ skipped\n")

	return []byte(b.String())
}

// Write renders the report and stores it in the batch workspace,
// returning the report path
func Write(ws *workspace.Workspace, batch *domain.Batch, res *domain.BatchResult, events []*domain.PhaseEvent) (string, error) {
	content := Render(batch, res, events)
	return ws.Batch(batch.Name, batch.ID).WriteReport(content)
}

func formatParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("`%s=%s`", k, params[k]))
	}
	return strings.Join(pairs, ", ")
}
