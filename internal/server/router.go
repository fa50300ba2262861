package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/scoutbase/trailsync/internal/outbox"
	"github.com/scoutbase/trailsync/internal/store"
)

// Drainer is the slice of the outbox the status surface needs: the pending
// indicator feed and the manual "retry now" action.
type Drainer interface {
	Drain(ctx context.Context) (outbox.Summary, error)
	Pending(ctx context.Context) ([]store.Mutation, error)
}

// Handler serves the sync status surface: /healthz, /status, and the manual
// drain trigger.
type Handler struct {
	queue  Drainer
	logger *slog.Logger

	mu        sync.RWMutex
	lastDrain *drainRecord
}

type drainRecord struct {
	Summary    outbox.Summary `json:"summary"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// NewHandler builds the status handler over the outbox queue.
func NewHandler(queue Drainer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		queue:  queue,
		logger: logger.With(slog.String("component", "status")),
	}
}

// Routes mounts the handler's endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/drain", h.handleDrain)
}

// RecordDrain publishes the outcome of a drain (manual or periodic) so
// /status can report it.
func (h *Handler) RecordDrain(summary outbox.Summary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastDrain = &drainRecord{Summary: summary, FinishedAt: time.Now().UTC()}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	Pending   []pendingMutation `json:"pending"`
	Count     int               `json:"count"`
	LastDrain *drainRecord      `json:"lastDrain,omitempty"`
}

type pendingMutation struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Subject    string    `json:"subject"`
	CreatedAt  time.Time `json:"createdAt"`
	RetryCount int       `json:"retryCount"`
	Reason     string    `json:"reason,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	muts, err := h.queue.Pending(r.Context())
	if err != nil {
		h.logger.Warn("pending lookup failed", slog.Any("error", err))
		http.Error(w, "pending lookup failed", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{Pending: make([]pendingMutation, 0, len(muts)), Count: len(muts)}
	for _, m := range muts {
		resp.Pending = append(resp.Pending, pendingMutation{
			ID:         m.ID,
			Action:     m.Action,
			Subject:    m.Subject,
			CreatedAt:  m.CreatedAt,
			RetryCount: m.RetryCount,
			Reason:     m.Reason,
		})
	}
	h.mu.RLock()
	resp.LastDrain = h.lastDrain
	h.mu.RUnlock()

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary, err := h.queue.Drain(r.Context())
	if err != nil {
		h.logger.Warn("manual drain failed", slog.Any("error", err))
		http.Error(w, "drain failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	h.RecordDrain(summary)
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
