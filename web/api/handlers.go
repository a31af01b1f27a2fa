package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/genpipe/internal/batchstore"
	"github.com/hochfrequenz/genpipe/internal/domain"
)

// BatchResponse is the API response for a batch
type BatchResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Pipeline    string            `json:"pipeline"`
	Status      string            `json:"status"`
	Params      map[string]string `json:"params,omitempty"`
	CreatedAt   string            `json:"created_at"`
	StartedAt   *string           `json:"started_at,omitempty"`
	CompletedAt *string           `json:"completed_at,omitempty"`
}

// BatchDetailResponse is a batch together with its full phase listing
type BatchDetailResponse struct {
	BatchResponse
	Phases []PhaseResponse `json:"phases"`
}

// PhaseResponse is the API response for a single phase
type PhaseResponse struct {
	Stage     string              `json:"stage"`
	Phase     string              `json:"phase"`
	Status    string              `json:"status"`
	Attempts  int                 `json:"attempts"`
	Repairs   int                 `json:"repairs"`
	Output    string              `json:"output,omitempty"`
	Error     *PhaseErrorResponse `json:"error,omitempty"`
	UpdatedAt string              `json:"updated_at"`
}

// PhaseErrorResponse carries the failure recorded for a phase
type PhaseErrorResponse struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Validation []string `json:"validation,omitempty"`
}

// EventResponse is one phase transition from the audit log
type EventResponse struct {
	ID      int64  `json:"id"`
	BatchID string `json:"batch_id"`
	Stage   string `json:"stage"`
	Phase   string `json:"phase"`
	From    string `json:"from"`
	To      string `json:"to"`
	Attempt int    `json:"attempt"`
	Detail  string `json:"detail,omitempty"`
	At      string `json:"at"`
}

// StatusResponse is the API response for overall progress
type StatusResponse struct {
	Batches map[string]int         `json:"batches"`
	Running []RunningBatchResponse `json:"running"`
}

// RunningBatchResponse summarizes one in-flight batch
type RunningBatchResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Pipeline  string   `json:"pipeline"`
	Total     int      `json:"total_phases"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Active    int      `json:"active"`
	Pending   int      `json:"pending"`
	Repairs   int      `json:"repairs"`
	AvgPhase  string   `json:"avg_phase_duration,omitempty"`
	Stuck     []string `json:"stuck,omitempty"`
}

func batchToResponse(b *domain.Batch) BatchResponse {
	resp := BatchResponse{
		ID:        b.ID,
		Name:      b.Name,
		Pipeline:  b.Pipeline,
		Status:    string(b.Status),
		Params:    b.Params,
		CreatedAt: b.CreatedAt.Format(time.RFC3339),
	}

	if b.StartedAt != nil {
		t := b.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := b.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}

	return resp
}

func phaseToResponse(rec *domain.ProgressRecord) PhaseResponse {
	resp := PhaseResponse{
		Stage:     rec.Key.Stage,
		Phase:     rec.Key.Phase,
		Status:    string(rec.Status),
		Attempts:  rec.AttemptCount,
		Repairs:   rec.RepairCount,
		Output:    rec.OutputPtr,
		UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
	}

	if rec.LastError != nil {
		perr := &PhaseErrorResponse{
			Code:    string(rec.LastError.Code),
			Message: rec.LastError.Message,
		}
		for _, ve := range rec.LastError.Validation {
			perr.Validation = append(perr.Validation, ve.String())
		}
		resp.Error = perr
	}

	return resp
}

func eventToResponse(ev *domain.PhaseEvent) EventResponse {
	return EventResponse{
		ID:      ev.ID,
		BatchID: ev.BatchID,
		Stage:   ev.Key.Stage,
		Phase:   ev.Key.Phase,
		From:    string(ev.From),
		To:      string(ev.To),
		Attempt: ev.Attempt,
		Detail:  ev.Detail,
		At:      ev.At.Format(time.RFC3339),
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		batches, err := s.store.ListBatches(batchstore.ListOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{
			Batches: make(map[string]int),
			Running: []RunningBatchResponse{},
		}

		for _, b := range batches {
			status.Batches[string(b.Status)]++
			if b.Status != domain.BatchRunning {
				continue
			}

			records, err := s.store.ListPhases(b.ID)
			if err != nil {
				continue
			}
			events, err := s.store.Events(b.ID)
			if err != nil {
				continue
			}

			m := s.obs.Collect(records, events)
			run := RunningBatchResponse{
				ID:        b.ID,
				Name:      b.Name,
				Pipeline:  b.Pipeline,
				Total:     m.TotalPhases,
				Succeeded: m.Succeeded,
				Failed:    m.Failed,
				Skipped:   m.Skipped,
				Active:    m.Active,
				Pending:   m.Pending,
				Repairs:   m.TotalRepairs,
			}
			if m.AvgDuration > 0 {
				run.AvgPhase = m.AvgDuration.Round(time.Second).String()
			}
			for _, key := range s.obs.Stuck(records, events, time.Now()) {
				run.Stuck = append(run.Stuck, key.String())
			}

			status.Running = append(status.Running, run)
		}

		writeJSON(w, status)
	}
}

func (s *Server) listBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		opts := batchstore.ListOptions{
			Status:   domain.BatchStatus(r.URL.Query().Get("status")),
			Pipeline: r.URL.Query().Get("pipeline"),
		}

		batches, err := s.store.ListBatches(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]BatchResponse, len(batches))
		for i, b := range batches {
			responses[i] = batchToResponse(b)
		}

		writeJSON(w, responses)
	}
}

// batchHandler routes /api/batches/{ref} and its subresources. The
// reference may be a batch ID or a batch name.
func (s *Server) batchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/batches/")
		path = strings.TrimSuffix(path, "/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "batch reference required")
			return
		}

		ref, action, _ := strings.Cut(path, "/")

		switch action {
		case "":
			s.getBatch(w, r, ref)
		case "events":
			s.batchEvents(w, r, ref)
		case "abort":
			s.abortBatch(w, r, ref)
		case "resume":
			s.resumeBatch(w, r, ref)
		default:
			writeError(w, http.StatusNotFound, "unknown batch resource")
		}
	}
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	batch, err := s.store.FindBatch(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	records, err := s.store.ListPhases(batch.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := BatchDetailResponse{BatchResponse: batchToResponse(batch)}
	resp.Phases = make([]PhaseResponse, len(records))
	for i, rec := range records {
		resp.Phases[i] = phaseToResponse(rec)
	}

	writeJSON(w, resp)
}

func (s *Server) batchEvents(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	batch, err := s.store.FindBatch(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var events []*domain.PhaseEvent
	if after := r.URL.Query().Get("after"); after != "" {
		id, perr := strconv.ParseInt(after, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "after must be an event id")
			return
		}
		events, err = s.store.EventsSince(batch.ID, id)
	} else {
		events, err = s.store.Events(batch.ID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]EventResponse, len(events))
	for i, ev := range events {
		responses[i] = eventToResponse(ev)
	}

	writeJSON(w, responses)
}

func (s *Server) abortBatch(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "no batch controller attached")
		return
	}

	batch, err := s.store.FindBatch(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if err := s.ctrl.Abort(batch.ID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.Broadcast(SSEEvent{Type: "batch_update", Data: map[string]string{
		"id":     batch.ID,
		"status": string(domain.BatchAborted),
	}})

	writeJSON(w, map[string]string{"status": "aborted"})
}

func (s *Server) resumeBatch(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "no batch controller attached")
		return
	}

	batch, err := s.store.FindBatch(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// A resume re-runs every unfinished phase and can take as long as
	// the original run. Kick it off and answer immediately; progress
	// flows to clients over SSE.
	go func() {
		if _, err := s.ctrl.Resume(context.Background(), batch.ID); err != nil {
			log.Printf("resume of batch %s failed: %v", batch.ID, err)
		}
		s.Broadcast(SSEEvent{Type: "batch_update", Data: map[string]string{"id": batch.ID}})
	}()

	writeJSON(w, map[string]string{"status": "resuming"})
}
