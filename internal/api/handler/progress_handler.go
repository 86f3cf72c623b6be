package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go-data-migrate/internal/model"
	"go-data-migrate/internal/store"
)

// RunJournal is the part of the journal the status API reads.
type RunJournal interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
	GetTransactions(ctx context.Context, runID string) ([]store.TransactionRecord, error)
}

// ProgressHandler serves the latest snapshot of the current run.
type ProgressHandler struct {
	Migration string
	Journal   RunJournal

	mu        sync.RWMutex
	latest    model.MigrationProgress
	updatedAt time.Time
	started   time.Time
}

func NewProgressHandler(migration string, journal RunJournal) *ProgressHandler {
	return &ProgressHandler{
		Migration: migration,
		Journal:   journal,
		latest:    model.MigrationProgress{State: model.StateIdle},
		started:   time.Now().UTC(),
	}
}

// Observe is a progress sink.
func (h *ProgressHandler) Observe(p model.MigrationProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = p
	h.updatedAt = time.Now().UTC()
}

func (h *ProgressHandler) snapshot() (model.MigrationProgress, time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.updatedAt
}

// GetProgress returns the full latest snapshot
// @Summary Get run progress
// @Description Latest progress snapshot of the running migration
// @Tags progress
// @Produce json
// @Success 200 {object} model.MigrationProgress
// @Router /progress [get]
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, _ := h.snapshot()
	writeJSON(w, http.StatusOK, p)
}

// ProgressSummary is the compact view served by GetSummary.
type ProgressSummary struct {
	Migration       string         `json:"migration"`
	State           model.RunState `json:"state"`
	Documents       int            `json:"documents"`
	Mutations       int            `json:"mutations"`
	Pending         int            `json:"pending"`
	Queued          int            `json:"queued"`
	Committed       int            `json:"committed"`
	Failed          int            `json:"failed"`
	TransformErrors int            `json:"transform_errors"`
	Done            bool           `json:"done"`
	Cancelled       bool           `json:"cancelled"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// GetSummary returns counters only
// @Summary Get run summary
// @Description Counters of the running migration without transaction lists
// @Tags progress
// @Produce json
// @Success 200 {object} ProgressSummary
// @Router /progress/summary [get]
func (h *ProgressHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	p, updated := h.snapshot()
	committed := p.Committed()
	writeJSON(w, http.StatusOK, ProgressSummary{
		Migration:       h.Migration,
		State:           p.State,
		Documents:       p.Documents,
		Mutations:       p.Mutations,
		Pending:         p.Pending,
		Queued:          p.QueuedBatches,
		Committed:       committed,
		Failed:          len(p.CompletedTransactions) - committed,
		TransformErrors: len(p.TransformErrors),
		Done:            p.Done,
		Cancelled:       p.Cancelled,
		Error:           p.Error,
		StartedAt:       h.started,
		UpdatedAt:       updated,
	})
}

// ListRuns returns journaled runs
// @Summary List runs
// @Description Most recent migration runs from the journal
// @Tags runs
// @Produce json
// @Param limit query int false "Maximum number of runs"
// @Success 200 {array} store.RunRecord
// @Failure 404 {object} map[string]interface{} "Journal disabled"
// @Router /runs [get]
func (h *ProgressHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		http.Error(w, "Journal is disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.Journal.ListRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, "Failed to fetch runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRunTransactions returns the transactions of one run
// @Summary Get run transactions
// @Description Transaction outcomes recorded for a run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{} "Invalid run ID"
// @Router /runs/{id}/transactions [get]
func (h *ProgressHandler) GetRunTransactions(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		http.Error(w, "Journal is disabled", http.StatusNotFound)
		return
	}
	path := r.URL.Path
	prefix := "/api/v1/runs/"
	suffix := "/transactions"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	runID := path[len(prefix) : len(path)-len(suffix)]
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	txs, err := h.Journal.GetTransactions(r.Context(), runID)
	if err != nil {
		http.Error(w, "Failed to retrieve transactions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":       runID,
		"transactions": txs,
		"count":        len(txs),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
