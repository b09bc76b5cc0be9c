package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridianhq/sagaflow/internal/domain"
)

// StepExecutor carries out a step's forward action and its compensation.
// Implementations register against action-type strings; the orchestrator is
// agnostic to how an action is actually performed.
type StepExecutor interface {
	// CanHandle reports whether this executor handles the given action type.
	CanHandle(actionType string) bool

	// Execute runs the step's forward action and returns its serialized
	// result.
	Execute(ctx context.Context, saga *domain.Saga, step *domain.Step) (string, error)

	// Compensate undoes a previously completed step.
	Compensate(ctx context.Context, saga *domain.Saga, step *domain.Step) error
}

// TransientError marks a failure worth retrying (network, timeout). The
// manual step-retry path is only meaningful for transient failures.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a business-rule rejection. Retrying the same request
// will not succeed; the saga should proceed straight to compensation.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a permanent failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is marked transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrNoExecutor is returned when no registered executor handles an action
// type. This is a configuration error, not a retryable failure.
var ErrNoExecutor = errors.New("no executor registered for action type")

// Registry resolves executors by action type. It is populated at
// construction and passed into the orchestrator explicitly; there is no
// process-wide registration.
type Registry struct {
	executors []StepExecutor
}

// NewRegistry creates a registry over the given executors.
func NewRegistry(executors ...StepExecutor) *Registry {
	return &Registry{executors: executors}
}

// Register adds an executor. Not safe for concurrent use with Resolve;
// registration happens during wiring, before the orchestrator runs.
func (r *Registry) Register(e StepExecutor) {
	r.executors = append(r.executors, e)
}

// Resolve returns the first executor that handles the action type.
func (r *Registry) Resolve(actionType string) (StepExecutor, error) {
	for _, e := range r.executors {
		if e.CanHandle(actionType) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoExecutor, actionType)
}
