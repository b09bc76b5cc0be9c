package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridianhq/sagaflow/internal/domain"
	"github.com/meridianhq/sagaflow/internal/orchestrator"
	"github.com/meridianhq/sagaflow/pkg/httputil"
	"github.com/meridianhq/sagaflow/pkg/pagination"
	"github.com/meridianhq/sagaflow/pkg/validator"
)

// SagaHandler handles HTTP requests for saga endpoints.
type SagaHandler struct {
	orchestrator *orchestrator.Orchestrator
	logger       *slog.Logger
}

// NewSagaHandler creates a new saga HTTP handler.
func NewSagaHandler(orch *orchestrator.Orchestrator, logger *slog.Logger) *SagaHandler {
	return &SagaHandler{
		orchestrator: orch,
		logger:       logger,
	}
}

// --- Request DTOs ---

// StartSagaRequest is the JSON request body for starting a saga.
type StartSagaRequest struct {
	Name           string             `json:"name" validate:"required"`
	Description    string             `json:"description"`
	Type           string             `json:"type" validate:"required"`
	CorrelationID  string             `json:"correlation_id"`
	TimeoutSeconds int                `json:"timeout_seconds" validate:"omitempty,gt=0"`
	Steps          []SagaStepRequest  `json:"steps" validate:"required,min=1,dive"`
}

// SagaStepRequest represents a single step definition in a start request.
type SagaStepRequest struct {
	Order                  int               `json:"order" validate:"required,gt=0"`
	Name                   string            `json:"name" validate:"required"`
	ServiceName            string            `json:"service_name"`
	ActionType             string            `json:"action_type" validate:"required"`
	ActionPayload          string            `json:"action_payload"`
	CompensationActionType string            `json:"compensation_action_type"`
	CompensationPayload    string            `json:"compensation_payload"`
	Metadata               map[string]string `json:"metadata"`
}

// AbortSagaRequest is the JSON request body for aborting a saga.
type AbortSagaRequest struct {
	Reason string `json:"reason"`
}

// --- Handlers ---

// StartSaga handles POST /api/v1/sagas
func (h *SagaHandler) StartSaga(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit

	var req StartSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	steps := make([]domain.Step, len(req.Steps))
	for i, s := range req.Steps {
		steps[i] = domain.Step{
			Order:                  s.Order,
			Name:                   s.Name,
			ServiceName:            s.ServiceName,
			ActionType:             s.ActionType,
			ActionPayload:          s.ActionPayload,
			CompensationActionType: s.CompensationActionType,
			CompensationPayload:    s.CompensationPayload,
			Metadata:               s.Metadata,
		}
	}

	var timeoutAt *time.Time
	if req.TimeoutSeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(req.TimeoutSeconds) * time.Second)
		timeoutAt = &t
	}

	saga := domain.NewSaga(req.Name, req.Description, req.Type, req.CorrelationID, steps, timeoutAt)

	started, err := h.orchestrator.StartSaga(r.Context(), saga)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: started})
}

// GetSaga handles GET /api/v1/sagas/{id}
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "saga id is required"},
		})
		return
	}

	saga, err := h.orchestrator.GetSaga(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: saga})
}

// ListSagas handles GET /api/v1/sagas?status=running
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	if status == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "status query parameter is required"},
		})
		return
	}

	params := pagination.FromRequest(r)

	sagas, total, err := h.orchestrator.ListSagas(r.Context(), status, params.PerPage, params.Offset)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: pagination.NewResult(sagas, total, params)})
}

// ContinueSaga handles POST /api/v1/sagas/{id}/continue
func (h *SagaHandler) ContinueSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "saga id is required"},
		})
		return
	}

	saga, err := h.orchestrator.ContinueSaga(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: saga})
}

// CompensateSaga handles POST /api/v1/sagas/{id}/compensate
func (h *SagaHandler) CompensateSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "saga id is required"},
		})
		return
	}

	saga, err := h.orchestrator.CompensateSaga(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: saga})
}

// AbortSaga handles POST /api/v1/sagas/{id}/abort
func (h *SagaHandler) AbortSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "saga id is required"},
		})
		return
	}

	var req AbortSagaRequest
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
				Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
			})
			return
		}
	}

	saga, err := h.orchestrator.AbortSaga(r.Context(), id, req.Reason)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: saga})
}

// RetryStep handles POST /api/v1/sagas/{id}/steps/{stepID}/retry
func (h *SagaHandler) RetryStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stepID := chi.URLParam(r, "stepID")
	if id == "" || stepID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "saga id and step id are required"},
		})
		return
	}

	saga, err := h.orchestrator.RetryStep(r.Context(), id, stepID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: saga})
}
