package executor

import (
	"context"

	"github.com/meridianhq/sagaflow/internal/domain"
)

// ActionFunc performs a step action in process and returns its result.
type ActionFunc func(ctx context.Context, saga *domain.Saga, step *domain.Step) (string, error)

// CompensateFunc undoes a previously completed in-process action.
type CompensateFunc func(ctx context.Context, saga *domain.Saga, step *domain.Step) error

type funcAction struct {
	execute    ActionFunc
	compensate CompensateFunc
}

// FuncExecutor dispatches actions to registered Go functions. It covers
// in-process work that needs no downstream call, and doubles as the
// executor used by tests.
type FuncExecutor struct {
	actions map[string]funcAction
}

func NewFuncExecutor() *FuncExecutor {
	return &FuncExecutor{actions: make(map[string]funcAction)}
}

// RegisterAction binds an action type to its forward and compensating
// functions. A nil compensate means the action has nothing to undo.
func (e *FuncExecutor) RegisterAction(actionType string, execute ActionFunc, compensate CompensateFunc) {
	e.actions[actionType] = funcAction{execute: execute, compensate: compensate}
}

func (e *FuncExecutor) CanHandle(actionType string) bool {
	_, ok := e.actions[actionType]
	return ok
}

func (e *FuncExecutor) Execute(ctx context.Context, saga *domain.Saga, step *domain.Step) (string, error) {
	action, ok := e.actions[step.ActionType]
	if !ok {
		return "", ErrNoExecutor
	}
	return action.execute(ctx, saga, step)
}

func (e *FuncExecutor) Compensate(ctx context.Context, saga *domain.Saga, step *domain.Step) error {
	// Compensation is registered under the forward action type so a step
	// keeps a single registration.
	action, ok := e.actions[step.ActionType]
	if !ok {
		return ErrNoExecutor
	}
	if action.compensate == nil {
		return nil
	}
	return action.compensate(ctx, saga, step)
}
