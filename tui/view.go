package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/hochfrequenz/genpipe/internal/observer"
	"github.com/hochfrequenz/genpipe/internal/report"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	inProgressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	stageStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))
)

// View renders the dashboard
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	// Header
	running := 0
	for _, batch := range m.batches {
		if batch.Status == domain.BatchRunning {
			running++
		}
	}
	header := fmt.Sprintf(" genpipe │ Batches: %d │ Running: %d ",
		len(m.batches), running)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	// Tab bar
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(warningStyle.Width(m.width).Render(" store error: " + m.err.Error() + " "))
		b.WriteString("\n")
	}

	// Content based on active tab
	switch m.activeTab {
	case tabBatches:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderBatches()))
	case tabPhases:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderPhases()))
	case tabEvents:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderEvents()))
	}
	b.WriteString("\n")

	// In-flight operation line
	if m.statusMsg != "" {
		b.WriteString(runningStyle.Width(m.width).Render(" ▶ " + m.statusMsg + "... "))
		b.WriteString("\n")
	}

	// Flash message (abort/resume outcome)
	if m.flash != "" && time.Now().Before(m.flashExp) {
		flashStyle := completedStyle
		if strings.Contains(m.flash, "failed") {
			flashStyle = warningStyle
		}
		b.WriteString(flashStyle.Width(m.width).Render(" " + m.flash + " "))
		b.WriteString("\n")
	}

	// Status bar
	var statusBar string
	switch m.activeTab {
	case tabBatches:
		statusBar = " [tab]switch [j/k]navigate [enter]phases [a]bort [r]esume [q]uit "
	case tabPhases:
		statusBar = " [tab]switch [j/k]scroll [b]atches [e]vents [q]uit "
	case tabEvents:
		statusBar = " [tab]switch [k]older [j]newer [b]atches [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Batches", "Phases", "Events"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderBatches() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("BATCHES"))
	b.WriteString("\n")

	if len(m.batches) == 0 {
		b.WriteString(pendingStyle.Render("  No batches yet. Start one with 'genpipe run'."))
		return b.String()
	}

	maxVisible := m.listHeight()
	start := 0
	if m.selected >= maxVisible {
		start = m.selected - maxVisible + 1
	}
	end := start + maxVisible
	if end > len(m.batches) {
		end = len(m.batches)
	}

	for i := start; i < end; i++ {
		batch := m.batches[i]
		marker := "  "
		if i == m.selected {
			marker = "▸ "
		}

		started := "not started"
		if batch.StartedAt != nil {
			started = "started " + humanize.Time(*batch.StartedAt)
		}

		line := fmt.Sprintf("%s%-22s %-14s %-10s %s",
			marker, truncate(batch.Name, 22), truncate(batch.Pipeline, 14), batch.Status, started)
		style := batchStyle(batch.Status)
		if i == m.selected {
			style = style.Bold(true)
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	if len(m.batches) > maxVisible {
		b.WriteString(pendingStyle.Render(fmt.Sprintf("  ... showing %d-%d of %d (j/k to move)",
			start+1, end, len(m.batches))))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderPhases() string {
	var b strings.Builder

	batch := m.selectedBatch()
	if batch == nil {
		b.WriteString(titleStyle.Render("PHASES"))
		b.WriteString("\n")
		b.WriteString(pendingStyle.Render("  Select a batch on the Batches tab first."))
		return b.String()
	}

	b.WriteString(titleStyle.Render("PHASES: " + batch.Name))
	b.WriteString("\n")

	if len(m.records) == 0 {
		b.WriteString(pendingStyle.Render("  No phases recorded yet."))
		return b.String()
	}

	durations := observer.Durations(m.events)

	var lines []string
	lines = append(lines, dimmedStyle.Render(fmt.Sprintf("     %-24s %-11s %4s %4s %9s",
		"phase", "status", "att", "rep", "time")))

	lastStage := ""
	for _, rec := range m.records {
		if rec.Key.Stage != lastStage {
			lastStage = rec.Key.Stage
			lines = append(lines, stageStyle.Render("  "+rec.Key.Stage))
		}

		dur := "-"
		if d, ok := durations[rec.Key]; ok {
			dur = d.Round(time.Second).String()
		}

		line := fmt.Sprintf("  %s %-24s %-11s %4d %4d %9s",
			report.StatusEmoji(rec.Status), truncate(rec.Key.Phase, 24), rec.Status,
			rec.AttemptCount, rec.RepairCount, dur)
		lines = append(lines, phaseStyle(rec.Status).Render(line))

		if rec.Status == domain.PhaseFailed && rec.LastError != nil {
			lines = append(lines, warningStyle.Render("       └ "+truncate(rec.LastError.Message, 70)))
		}
	}

	maxVisible := m.listHeight()
	start := m.phaseScroll
	if start > len(lines)-maxVisible {
		start = len(lines) - maxVisible
	}
	if start < 0 {
		start = 0
	}
	end := start + maxVisible
	if end > len(lines) {
		end = len(lines)
	}

	for _, line := range lines[start:end] {
		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(lines) > maxVisible {
		b.WriteString(pendingStyle.Render(fmt.Sprintf("  ... showing %d-%d of %d (j/k to scroll)",
			start+1, end, len(lines))))
		b.WriteString("\n")
	}

	var succeeded, failed, active, pending, skipped int
	for _, rec := range m.records {
		switch rec.Status {
		case domain.PhaseSucceeded:
			succeeded++
		case domain.PhaseFailed:
			failed++
		case domain.PhaseSkipped:
			skipped++
		case domain.PhaseRunning, domain.PhaseValidating, domain.PhaseRepairing:
			active++
		default:
			pending++
		}
	}
	summary := fmt.Sprintf("  %d succeeded · %d failed · %d active · %d pending", succeeded, failed, active, pending)
	if skipped > 0 {
		summary += fmt.Sprintf(" · %d skipped", skipped)
	}
	b.WriteString(dimmedStyle.Render(summary))

	return b.String()
}

func (m Model) renderEvents() string {
	var b strings.Builder

	batch := m.selectedBatch()
	if batch == nil {
		b.WriteString(titleStyle.Render("EVENTS"))
		b.WriteString("\n")
		b.WriteString(pendingStyle.Render("  Select a batch on the Batches tab first."))
		return b.String()
	}

	b.WriteString(titleStyle.Render("EVENTS: " + batch.Name))
	b.WriteString("\n")

	if len(m.events) == 0 {
		b.WriteString(pendingStyle.Render("  No transitions yet."))
		return b.String()
	}

	// The log is pinned to its tail; eventScroll counts lines back.
	maxVisible := m.listHeight()
	end := len(m.events) - m.eventScroll
	if end < 1 {
		end = 1
	}
	start := end - maxVisible
	if start < 0 {
		start = 0
	}

	for _, ev := range m.events[start:end] {
		line := fmt.Sprintf("  %s  %-28s %s → %s",
			ev.At.Format("15:04:05"), truncate(ev.Key.String(), 28), ev.From, ev.To)
		if ev.Attempt > 0 {
			line += fmt.Sprintf("  (attempt %d)", ev.Attempt)
		}
		b.WriteString(phaseStyle(ev.To).Render(line))
		b.WriteString("\n")

		if ev.Detail != "" {
			b.WriteString(dimmedStyle.Render("            " + truncate(ev.Detail, 64)))
			b.WriteString("\n")
		}
	}

	if m.eventScroll > 0 {
		b.WriteString(pendingStyle.Render(fmt.Sprintf("  ... %d newer (j to follow)", m.eventScroll)))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// listHeight is how many content rows fit between the chrome lines.
func (m Model) listHeight() int {
	h := m.height - 10
	if h < 5 {
		h = 5
	}
	return h
}

func batchStyle(s domain.BatchStatus) lipgloss.Style {
	switch s {
	case domain.BatchRunning:
		return runningStyle
	case domain.BatchCompleted:
		return normalStyle
	case domain.BatchFailed:
		return failedStyle
	case domain.BatchPaused:
		return warningStyle
	case domain.BatchAborted:
		return dimmedStyle
	default:
		return pendingStyle
	}
}

func phaseStyle(s domain.PhaseStatus) lipgloss.Style {
	switch s {
	case domain.PhaseSucceeded:
		return completedStyle
	case domain.PhaseFailed:
		return failedStyle
	case domain.PhaseRunning, domain.PhaseValidating, domain.PhaseRepairing:
		return inProgressStyle
	case domain.PhaseSkipped:
		return dimmedStyle
	default:
		return pendingStyle
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
