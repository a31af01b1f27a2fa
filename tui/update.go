package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/genpipe/internal/batchstore"
	"github.com/hochfrequenz/genpipe/internal/domain"
)

// RefreshMsg carries one store poll. BatchID names the batch the
// records and events belong to; a stale poll for a batch no longer
// selected installs the batch list only.
type RefreshMsg struct {
	BatchID string
	Batches []*domain.Batch
	Records []*domain.ProgressRecord
	Events  []*domain.PhaseEvent
	Err     error
}

// AbortDoneMsg is sent when an abort request finishes
type AbortDoneMsg struct {
	Ref string
	Err error
}

// ResumeDoneMsg is sent when a resumed batch run returns
type ResumeDoneMsg struct {
	Ref    string
	Status domain.BatchStatus
	Err    error
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.phaseScroll = 0
			m.eventScroll = 0
		case "b":
			m.activeTab = tabBatches
		case "p":
			m.activeTab = tabPhases
			m.phaseScroll = 0
		case "e":
			m.activeTab = tabEvents
			m.eventScroll = 0
		case "enter":
			if m.activeTab == tabBatches && m.selectedBatch() != nil {
				m.activeTab = tabPhases
				m.phaseScroll = 0
			}
		case "j", "down":
			switch m.activeTab {
			case tabBatches:
				if m.selected < len(m.batches)-1 {
					m.selected++
					m.resetSelection()
					return m, m.refresh()
				}
			case tabPhases:
				m.phaseScroll++
			case tabEvents:
				// Toward the tail of the log.
				if m.eventScroll > 0 {
					m.eventScroll--
				}
			}
		case "k", "up":
			switch m.activeTab {
			case tabBatches:
				if m.selected > 0 {
					m.selected--
					m.resetSelection()
					return m, m.refresh()
				}
			case tabPhases:
				if m.phaseScroll > 0 {
					m.phaseScroll--
				}
			case tabEvents:
				if m.eventScroll < len(m.events)-1 {
					m.eventScroll++
				}
			}
		case "a":
			batch := m.selectedBatch()
			if batch == nil || m.opRunning {
				break
			}
			if m.ctrl == nil {
				m.setFlash("no controller attached, dashboard is read-only")
				break
			}
			if batch.Status != domain.BatchRunning && batch.Status != domain.BatchPaused {
				m.setFlash("batch " + batch.Name + " is not active")
				break
			}
			m.opRunning = true
			m.statusMsg = "aborting " + batch.Name
			return m, abortCmd(m.ctrl, batch.ID)
		case "r":
			batch := m.selectedBatch()
			if batch == nil || m.opRunning {
				break
			}
			if m.ctrl == nil {
				m.setFlash("no controller attached, dashboard is read-only")
				break
			}
			switch batch.Status {
			case domain.BatchFailed, domain.BatchPaused, domain.BatchAborted:
				m.opRunning = true
				m.statusMsg = "resuming " + batch.Name
				return m, resumeCmd(m.ctrl, batch.ID)
			default:
				m.setFlash("batch " + batch.Name + " has nothing to resume")
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(tickCmd(m.refreshEvery), m.refresh())

	case RefreshMsg:
		if msg.Err != nil {
			m.err = msg.Err
			return m, nil
		}
		m.err = nil
		m.batches = msg.Batches
		if m.selected >= len(m.batches) {
			m.selected = len(m.batches) - 1
		}
		if m.selected < 0 {
			m.selected = 0
		}

		// Detail data is only valid for the batch it was polled for.
		batch := m.selectedBatch()
		if batch == nil || batch.ID != msg.BatchID {
			return m, nil
		}
		m.records = msg.Records
		if len(msg.Events) > 0 {
			m.events = append(m.events, msg.Events...)
			m.eventCursor = msg.Events[len(msg.Events)-1].ID
		}
		return m, nil

	case AbortDoneMsg:
		m.opRunning = false
		m.statusMsg = ""
		if msg.Err != nil {
			m.setFlash("abort failed: " + msg.Err.Error())
		} else {
			m.setFlash("batch aborted")
		}
		return m, m.refresh()

	case ResumeDoneMsg:
		m.opRunning = false
		m.statusMsg = ""
		if msg.Err != nil {
			m.setFlash("resume failed: " + msg.Err.Error())
		} else {
			m.setFlash("resume finished: " + string(msg.Status))
		}
		return m, m.refresh()
	}

	return m, nil
}

// resetSelection drops detail data after the selection moved. The
// next refresh fetches the new batch from scratch.
func (m *Model) resetSelection() {
	m.records = nil
	m.events = nil
	m.eventCursor = 0
	m.phaseScroll = 0
	m.eventScroll = 0
}

func (m *Model) setFlash(text string) {
	m.flash = text
	m.flashExp = time.Now().Add(5 * time.Second)
}

// refresh polls the store for the batch list plus detail data of the
// selected batch. Events are fetched incrementally from the cursor.
func (m Model) refresh() tea.Cmd {
	id := ""
	if batch := m.selectedBatch(); batch != nil {
		id = batch.ID
	}
	return refreshCmd(m.store, id, m.eventCursor)
}

func refreshCmd(store Store, batchID string, after int64) tea.Cmd {
	return func() tea.Msg {
		msg := RefreshMsg{BatchID: batchID}

		batches, err := store.ListBatches(batchstore.ListOptions{})
		if err != nil {
			msg.Err = err
			return msg
		}
		msg.Batches = batches

		if batchID == "" {
			return msg
		}

		records, err := store.ListPhases(batchID)
		if err != nil {
			msg.Err = err
			return msg
		}
		msg.Records = records

		events, err := store.EventsSince(batchID, after)
		if err != nil {
			msg.Err = err
			return msg
		}
		msg.Events = events

		return msg
	}
}

func abortCmd(ctrl Controller, ref string) tea.Cmd {
	return func() tea.Msg {
		return AbortDoneMsg{Ref: ref, Err: ctrl.Abort(ref)}
	}
}

// resumeCmd blocks inside the command until the resumed run finishes.
// Ticks keep repainting progress in the meantime.
func resumeCmd(ctrl Controller, ref string) tea.Cmd {
	return func() tea.Msg {
		res, err := ctrl.Resume(context.Background(), ref)
		msg := ResumeDoneMsg{Ref: ref, Err: err}
		if res != nil {
			msg.Status = res.Status
		}
		return msg
	}
}
