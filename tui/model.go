// Package tui is the terminal dashboard: a live view of batches,
// their phases, and the transition log, with abort and resume bound
// to keys. It polls the batch store on a ticker, so it can watch runs
// driven by another process.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/genpipe/internal/batchstore"
	"github.com/hochfrequenz/genpipe/internal/domain"
)

// Store is the read side of the batch store the dashboard polls.
type Store interface {
	ListBatches(opts batchstore.ListOptions) ([]*domain.Batch, error)
	ListPhases(batchID string) ([]*domain.ProgressRecord, error)
	EventsSince(batchID string, afterID int64) ([]*domain.PhaseEvent, error)
}

// Controller drives abort and resume from the dashboard. It is
// satisfied by executor.Orchestrator.
type Controller interface {
	Resume(ctx context.Context, ref string) (*domain.BatchResult, error)
	Abort(ref string) error
}

// Tabs of the dashboard.
const (
	tabBatches = iota
	tabPhases
	tabEvents
	tabCount
)

// Model is the dashboard application model
type Model struct {
	store Store
	ctrl  Controller

	// Data
	batches []*domain.Batch
	records []*domain.ProgressRecord
	events  []*domain.PhaseEvent

	// UI state
	width       int
	height      int
	activeTab   int
	selected    int
	phaseScroll int
	eventScroll int

	// In-flight abort/resume
	opRunning bool
	statusMsg string

	// Transient result line with expiry
	flash    string
	flashExp time.Time

	eventCursor  int64
	refreshEvery time.Duration
	err          error
}

// ModelConfig holds the wiring for the dashboard model
type ModelConfig struct {
	Store      Store
	Controller Controller

	// RefreshInterval between store polls, 1s when zero.
	RefreshInterval time.Duration
}

// NewModel creates a new dashboard model
func NewModel(cfg ModelConfig) Model {
	every := cfg.RefreshInterval
	if every <= 0 {
		every = time.Second
	}

	return Model{
		store:        cfg.Store,
		ctrl:         cfg.Controller,
		activeTab:    tabBatches,
		refreshEvery: every,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(m.refreshEvery),
		m.refresh(),
	)
}

// TickMsg triggers a store poll
type TickMsg time.Time

func tickCmd(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) selectedBatch() *domain.Batch {
	if m.selected < 0 || m.selected >= len(m.batches) {
		return nil
	}
	return m.batches[m.selected]
}
