package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridianhq/sagaflow/internal/deadletter"
	"github.com/meridianhq/sagaflow/pkg/httputil"
	"github.com/meridianhq/sagaflow/pkg/pagination"
)

// DeadLetterHandler exposes the operator surface over the dead-letter queue.
type DeadLetterHandler struct {
	queue  *deadletter.Queue
	logger *slog.Logger
}

// NewDeadLetterHandler creates a new dead-letter HTTP handler.
func NewDeadLetterHandler(queue *deadletter.Queue, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{
		queue:  queue,
		logger: logger,
	}
}

// List handles GET /api/v1/dead-letters
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)

	events, total, err := h.queue.List(r.Context(), params.PerPage, params.Offset)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: pagination.NewResult(events, total, params)})
}

// Stats handles GET /api/v1/dead-letters/stats
func (h *DeadLetterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: stats})
}

// Get handles GET /api/v1/dead-letters/{id}
func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "dead letter id is required"},
		})
		return
	}

	event, err := h.queue.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: event})
}

// Retry handles POST /api/v1/dead-letters/{id}/retry. The entry becomes
// immediately eligible; the drainer re-publishes it on its next pass.
func (h *DeadLetterHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "dead letter id is required"},
		})
		return
	}

	event, err := h.queue.ForceRetry(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: event})
}

// Discard handles DELETE /api/v1/dead-letters/{id}
func (h *DeadLetterHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "dead letter id is required"},
		})
		return
	}

	if err := h.queue.Discard(r.Context(), id); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
