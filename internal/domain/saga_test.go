package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeSteps() []Step {
	return []Step{
		{Order: 1, Name: "reserve", ActionType: "reserve_inventory", CompensationActionType: "release_inventory"},
		{Order: 2, Name: "charge", ActionType: "charge_payment", CompensationActionType: "refund_payment"},
		{Order: 3, Name: "notify", ActionType: "send_notification"},
	}
}

func TestNewSaga_AssignsIDsAndSortsSteps(t *testing.T) {
	steps := []Step{
		{Order: 3, Name: "third", ActionType: "c"},
		{Order: 1, Name: "first", ActionType: "a"},
		{Order: 2, Name: "second", ActionType: "b"},
	}

	saga := NewSaga("order-flow", "", "order", "corr-1", steps, nil)

	require.Len(t, saga.Steps, 3)
	assert.Equal(t, "first", saga.Steps[0].Name)
	assert.Equal(t, "second", saga.Steps[1].Name)
	assert.Equal(t, "third", saga.Steps[2].Name)
	assert.Equal(t, StatusPending, saga.Status)
	assert.Equal(t, 1, saga.Version)

	for _, step := range saga.Steps {
		assert.NotEmpty(t, step.ID)
		assert.Equal(t, saga.ID, step.SagaID)
		assert.Equal(t, StepPending, step.Status)
	}
}

func TestValidateSteps_Valid(t *testing.T) {
	saga := NewSaga("s", "", "order", "", threeSteps(), nil)
	assert.NoError(t, saga.ValidateSteps())
}

func TestValidateSteps_Empty(t *testing.T) {
	saga := NewSaga("s", "", "order", "", nil, nil)
	assert.Error(t, saga.ValidateSteps())
}

func TestValidateSteps_DuplicateOrder(t *testing.T) {
	saga := NewSaga("s", "", "order", "", []Step{
		{Order: 1, Name: "a", ActionType: "x"},
		{Order: 1, Name: "b", ActionType: "y"},
	}, nil)

	err := saga.ValidateSteps()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step order")
}

func TestValidateSteps_GapInOrder(t *testing.T) {
	saga := NewSaga("s", "", "order", "", []Step{
		{Order: 1, Name: "a", ActionType: "x"},
		{Order: 3, Name: "b", ActionType: "y"},
	}, nil)

	err := saga.ValidateSteps()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contiguous")
}

func TestValidateSteps_MissingActionType(t *testing.T) {
	saga := NewSaga("s", "", "order", "", []Step{
		{Order: 1, Name: "a"},
	}, nil)

	err := saga.ValidateSteps()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action_type")
}

func TestNextPendingStep_AdvancesInOrder(t *testing.T) {
	saga := NewSaga("s", "", "order", "", threeSteps(), nil)

	next := saga.NextPendingStep()
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Order)

	next.MarkCompleted("ok")

	next = saga.NextPendingStep()
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Order)
}

func TestNextPendingStep_BlockedByFailedStep(t *testing.T) {
	saga := NewSaga("s", "", "order", "", threeSteps(), nil)
	saga.Steps[0].MarkCompleted("ok")
	saga.Steps[1].MarkFailed("boom")

	// Step 3 must not run while step 2 is failed.
	assert.Nil(t, saga.NextPendingStep())
}

func TestNextPendingStep_SkippedStepDoesNotBlock(t *testing.T) {
	saga := NewSaga("s", "", "order", "", threeSteps(), nil)
	saga.Steps[0].MarkSkipped()

	next := saga.NextPendingStep()
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Order)
}

func TestCompletedStepsDescending(t *testing.T) {
	saga := NewSaga("s", "", "order", "", threeSteps(), nil)
	saga.Steps[0].MarkCompleted("a")
	saga.Steps[1].MarkCompleted("b")

	completed := saga.CompletedStepsDescending()
	require.Len(t, completed, 2)
	assert.Equal(t, 2, completed[0].Order)
	assert.Equal(t, 1, completed[1].Order)
}

func TestAllStepsCompleted_CountsSkipped(t *testing.T) {
	saga := NewSaga("s", "", "order", "", threeSteps(), nil)
	saga.Steps[0].MarkCompleted("a")
	saga.Steps[1].MarkSkipped()
	saga.Steps[2].MarkCompleted("c")

	assert.True(t, saga.AllStepsCompleted())
}

func TestIsTerminal(t *testing.T) {
	saga := NewSaga("s", "", "order", "", threeSteps(), nil)

	for _, status := range []Status{StatusPending, StatusRunning, StatusCompensating} {
		saga.Status = status
		assert.False(t, saga.IsTerminal(), "status %s", status)
	}
	for _, status := range []Status{StatusCompleted, StatusCompensated, StatusFailed, StatusAborted} {
		saga.Status = status
		assert.True(t, saga.IsTerminal(), "status %s", status)
	}
}

func TestIsTimedOut(t *testing.T) {
	now := time.Now().UTC()

	saga := NewSaga("s", "", "order", "", threeSteps(), nil)
	assert.False(t, saga.IsTimedOut(now))

	past := now.Add(-time.Minute)
	saga.TimeoutAt = &past
	assert.True(t, saga.IsTimedOut(now))

	future := now.Add(time.Minute)
	saga.TimeoutAt = &future
	assert.False(t, saga.IsTimedOut(now))
}

func TestMarkExecuting_CountsAttempts(t *testing.T) {
	step := &Step{Order: 1, Name: "a", ActionType: "x"}

	step.MarkExecuting()
	assert.Equal(t, 1, step.Attempts)

	step.MarkFailed("boom")
	step.ResetForRetry()
	assert.Equal(t, StepPending, step.Status)
	assert.Empty(t, step.Error)

	step.MarkExecuting()
	assert.Equal(t, 2, step.Attempts)
}
