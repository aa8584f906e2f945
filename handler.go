package mutationq

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const defaultListLimit = 50

// Handler provides HTTP endpoints for queue administration.
type Handler struct {
	m *Manager
}

// NewHandler creates an admin HTTP handler over m.
func NewHandler(m *Manager) *Handler {
	return &Handler{m: m}
}

// Routes returns a chi.Router with all queue endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleEnqueue)
	r.Delete("/", h.handleClear)
	r.Get("/stats", h.handleStats)
	r.Post("/retry-failed", h.handleRetryFailed)
	r.Post("/clear-completed", h.handleClearCompleted)
	r.Post("/process", h.handleProcess)
	r.Get("/{id}", h.handleGet)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	opts := ListOpts{Limit: defaultListLimit}

	if v := r.URL.Query().Get("status"); v != "" {
		opts.Status = Status(v)
	}
	if v := r.URL.Query().Get("table"); v != "" {
		opts.Table = v
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	ops, err := h.m.List(r.Context(), opts)
	if err != nil {
		slog.Error("list mutations failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if ops == nil {
		ops = []Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.m.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "mutation not found"})
		return
	}
	if err != nil {
		slog.Error("get mutation failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	id, err := h.m.Enqueue(r.Context(), req)
	switch {
	case IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, ErrDestroyed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case err != nil:
		slog.Error("enqueue mutation failed", "type", req.Type, "table", req.Table, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *Handler) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.m.RetryFailed(r.Context())
	if err != nil {
		slog.Error("retry failed mutations failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (h *Handler) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := h.m.ClearCompleted(r.Context())
	if err != nil {
		slog.Error("clear completed failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	if err := h.m.ProcessQueue(r.Context()); err != nil {
		slog.Error("process queue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	stats, err := h.m.Stats(r.Context())
	if err != nil {
		slog.Error("queue stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "confirm=true is required"})
		return
	}
	if err := h.m.Clear(r.Context()); err != nil {
		slog.Error("clear queue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.m.Stats(r.Context())
	if err != nil {
		slog.Error("queue stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
