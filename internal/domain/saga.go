package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a saga.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
	StatusAborted      Status = "aborted"
)

// StepStatus is the lifecycle state of a single saga step.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepExecuting    StepStatus = "executing"
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepCompensating StepStatus = "compensating"
	StepCompensated  StepStatus = "compensated"
	StepSkipped      StepStatus = "skipped"
)

// Saga is a multi-step business transaction coordinated by forward actions
// and, on failure, compensating actions. Steps are totally ordered by Order.
type Saga struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlation_id"`
	Status        Status            `json:"status"`
	Context       map[string]string `json:"context"`
	Steps         []Step            `json:"steps"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Version       int               `json:"version"`
	TimeoutAt     *time.Time        `json:"timeout_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Step is a single unit of work in a saga. ActionType selects the executor;
// ActionPayload is an opaque serialized input owned by the business workflow.
type Step struct {
	ID                     string            `json:"id"`
	SagaID                 string            `json:"saga_id"`
	Order                  int               `json:"order"`
	Name                   string            `json:"name"`
	ServiceName            string            `json:"service_name"`
	ActionType             string            `json:"action_type"`
	ActionPayload          string            `json:"action_payload,omitempty"`
	CompensationActionType string            `json:"compensation_action_type,omitempty"`
	CompensationPayload    string            `json:"compensation_payload,omitempty"`
	Status                 StepStatus        `json:"status"`
	Result                 string            `json:"result,omitempty"`
	Error                  string            `json:"error,omitempty"`
	Attempts               int               `json:"attempts"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// NewSaga creates a saga in the pending state with generated IDs. Steps are
// sorted by order; IDs are assigned to steps that lack one.
func NewSaga(name, description, sagaType, correlationID string, steps []Step, timeoutAt *time.Time) *Saga {
	now := time.Now().UTC()

	s := &Saga{
		ID:            uuid.New().String(),
		Name:          name,
		Description:   description,
		Type:          sagaType,
		CorrelationID: correlationID,
		Status:        StatusPending,
		Context:       make(map[string]string),
		Steps:         steps,
		Version:       1,
		TimeoutAt:     timeoutAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	sort.Slice(s.Steps, func(i, j int) bool { return s.Steps[i].Order < s.Steps[j].Order })

	for i := range s.Steps {
		if s.Steps[i].ID == "" {
			s.Steps[i].ID = uuid.New().String()
		}
		s.Steps[i].SagaID = s.ID
		if s.Steps[i].Status == "" {
			s.Steps[i].Status = StepPending
		}
		s.Steps[i].UpdatedAt = now
	}

	return s
}

// ValidateSteps checks that step order values are unique and contiguous
// starting at 1. A malformed definition is rejected before persisting.
func (s *Saga) ValidateSteps() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("saga must have at least one step")
	}

	seen := make(map[int]bool, len(s.Steps))
	for _, step := range s.Steps {
		if step.ActionType == "" {
			return fmt.Errorf("step %q: action_type is required", step.Name)
		}
		if seen[step.Order] {
			return fmt.Errorf("duplicate step order %d", step.Order)
		}
		seen[step.Order] = true
	}

	for i := 1; i <= len(s.Steps); i++ {
		if !seen[i] {
			return fmt.Errorf("step orders must be contiguous starting at 1, missing %d", i)
		}
	}

	return nil
}

// NextPendingStep returns the lowest-order pending step, or nil when none
// remain. A pending step is only runnable when every earlier step is
// completed or skipped; this is enforced by returning nil otherwise.
func (s *Saga) NextPendingStep() *Step {
	for i := range s.Steps {
		step := &s.Steps[i]
		switch step.Status {
		case StepCompleted, StepSkipped:
			continue
		case StepPending:
			return step
		default:
			// An executing, failed, or compensating step blocks progress.
			return nil
		}
	}
	return nil
}

// CompletedStepsDescending returns the completed steps in descending order,
// the order in which compensation must run.
func (s *Saga) CompletedStepsDescending() []*Step {
	var completed []*Step
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].Status == StepCompleted {
			completed = append(completed, &s.Steps[i])
		}
	}
	return completed
}

// CompletedStepCount returns the number of steps that reached completed.
func (s *Saga) CompletedStepCount() int {
	n := 0
	for i := range s.Steps {
		if s.Steps[i].Status == StepCompleted {
			n++
		}
	}
	return n
}

// StepByID returns the step with the given ID, or nil.
func (s *Saga) StepByID(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// AllStepsCompleted reports whether every step is completed or skipped.
func (s *Saga) AllStepsCompleted() bool {
	for i := range s.Steps {
		switch s.Steps[i].Status {
		case StepCompleted, StepSkipped:
		default:
			return false
		}
	}
	return true
}

// IsTerminal reports whether the saga reached a terminal state.
func (s *Saga) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// IsTimedOut reports whether the saga's deadline has passed.
func (s *Saga) IsTimedOut(now time.Time) bool {
	return s.TimeoutAt != nil && now.After(*s.TimeoutAt)
}

// SetValue stores a cross-step value in the saga context.
func (s *Saga) SetValue(key, value string) {
	if s.Context == nil {
		s.Context = make(map[string]string)
	}
	s.Context[key] = value
}

// MarkExecuting transitions the step to executing and counts the attempt.
func (st *Step) MarkExecuting() {
	st.Status = StepExecuting
	st.Attempts++
	st.UpdatedAt = time.Now().UTC()
}

// MarkCompleted records a successful execution with its serialized result.
func (st *Step) MarkCompleted(result string) {
	st.Status = StepCompleted
	st.Result = result
	st.Error = ""
	st.UpdatedAt = time.Now().UTC()
}

// MarkFailed records a failed execution with the failure message.
func (st *Step) MarkFailed(errMsg string) {
	st.Status = StepFailed
	st.Error = errMsg
	st.UpdatedAt = time.Now().UTC()
}

// MarkCompensating transitions the step into compensation.
func (st *Step) MarkCompensating() {
	st.Status = StepCompensating
	st.UpdatedAt = time.Now().UTC()
}

// MarkCompensated records a successful rollback.
func (st *Step) MarkCompensated() {
	st.Status = StepCompensated
	st.UpdatedAt = time.Now().UTC()
}

// MarkSkipped marks a step that has no compensation action during a
// compensation pass, or a step never reached.
func (st *Step) MarkSkipped() {
	st.Status = StepSkipped
	st.UpdatedAt = time.Now().UTC()
}

// ResetForRetry returns a failed step to pending for a manual retry.
func (st *Step) ResetForRetry() {
	st.Status = StepPending
	st.Error = ""
	st.UpdatedAt = time.Now().UTC()
}
