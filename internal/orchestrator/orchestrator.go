package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meridianhq/sagaflow/internal/domain"
	"github.com/meridianhq/sagaflow/internal/event"
	"github.com/meridianhq/sagaflow/internal/executor"
	"github.com/meridianhq/sagaflow/internal/repository"
	apperrors "github.com/meridianhq/sagaflow/pkg/errors"
)

const startLockTTL = 30 * time.Second

var (
	sagasStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Sagas accepted by StartSaga.",
	})
	sagasFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_finished_total",
		Help: "Sagas that reached a terminal state, by outcome.",
	}, []string{"status"})
	stepExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_executions_total",
		Help: "Step executions, by outcome.",
	}, []string{"outcome"})
	sagaDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Wall time from saga creation to a terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// LifecyclePublisher emits saga lifecycle events without ever failing the
// saga: broker failures are absorbed into the dead-letter queue.
// *event.Publisher satisfies it.
type LifecyclePublisher interface {
	PublishOrEnqueue(ctx context.Context, eventType string, saga *domain.Saga, stepName string)
}

// Locker provides short-lived distributed locks for start deduplication. A
// nil Locker disables locking.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Orchestrator drives sagas through their state machine: forward execution
// in ascending step order, compensation of completed steps in descending
// order on failure. It holds no saga state between calls; the repository is
// the durability boundary.
type Orchestrator struct {
	repo      repository.SagaRepository
	registry  *executor.Registry
	publisher LifecyclePublisher
	locker    Locker
	logger    *slog.Logger
	now       func() time.Time
}

func New(repo repository.SagaRepository, registry *executor.Registry, publisher LifecyclePublisher, locker Locker, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		registry:  registry,
		publisher: publisher,
		locker:    locker,
		logger:    logger,
		now:       time.Now,
	}
}

// StartSaga validates, persists, and immediately runs the saga. Starts are
// idempotent on correlation id: a repeated start returns the existing saga
// untouched.
func (o *Orchestrator) StartSaga(ctx context.Context, saga *domain.Saga) (*domain.Saga, error) {
	if err := saga.ValidateSteps(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	if saga.CorrelationID != "" {
		existing, err := o.repo.GetByCorrelationID(ctx, saga.CorrelationID)
		if err == nil {
			o.logger.InfoContext(ctx, "saga start deduplicated",
				slog.String("saga_id", existing.ID),
				slog.String("correlation_id", saga.CorrelationID),
			)
			return existing, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}

		if o.locker != nil {
			ok, err := o.locker.TryLock(ctx, "saga:start:"+saga.CorrelationID, startLockTTL)
			if err != nil {
				return nil, apperrors.Wrap(err, "acquire start lock")
			}
			if !ok {
				return nil, apperrors.Conflict("a saga with this correlation id is already starting")
			}
		}
	}

	if err := o.repo.Create(ctx, saga); err != nil {
		return nil, err
	}

	sagasStartedTotal.Inc()
	o.publisher.PublishOrEnqueue(ctx, event.TypeSagaStarted, saga, "")
	o.logger.InfoContext(ctx, "saga started",
		slog.String("saga_id", saga.ID),
		slog.String("saga_type", saga.Type),
		slog.Int("steps", len(saga.Steps)),
	)

	if err := o.runForward(ctx, saga); err != nil {
		return saga, err
	}
	return saga, nil
}

// ContinueSaga re-derives the next action from persisted step status and
// performs it. Calling it redundantly is safe: a terminal saga is returned
// unchanged, a blocked saga stays blocked, and a compensating saga resumes
// its compensation pass.
func (o *Orchestrator) ContinueSaga(ctx context.Context, sagaID string) (*domain.Saga, error) {
	saga, err := o.repo.GetByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	if saga.IsTerminal() {
		return saga, nil
	}

	if saga.Status == domain.StatusCompensating {
		if err := o.runCompensation(ctx, saga); err != nil {
			return saga, err
		}
		return saga, nil
	}

	if err := o.runForward(ctx, saga); err != nil {
		return saga, err
	}
	return saga, nil
}

// CompensateSaga rolls back every completed step in descending order. A
// compensation failure leaves the saga Failed and is surfaced, never
// retried automatically.
func (o *Orchestrator) CompensateSaga(ctx context.Context, sagaID string) (*domain.Saga, error) {
	saga, err := o.repo.GetByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	if saga.IsTerminal() {
		return nil, apperrors.Conflict(fmt.Sprintf("saga is already %s", saga.Status))
	}

	if err := o.compensate(ctx, saga, "compensation requested"); err != nil {
		return saga, err
	}
	return saga, nil
}

// AbortSaga cancels a pending or running saga. With no completed steps it
// goes straight to Aborted; otherwise the completed work is compensated
// first and the saga ends Compensated, with the abort reason recorded.
func (o *Orchestrator) AbortSaga(ctx context.Context, sagaID, reason string) (*domain.Saga, error) {
	saga, err := o.repo.GetByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	if saga.Status != domain.StatusPending && saga.Status != domain.StatusRunning {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot abort a saga in status %s", saga.Status))
	}

	if reason == "" {
		reason = "aborted by operator"
	}

	if saga.CompletedStepCount() == 0 {
		o.finishAborted(ctx, saga, reason)
		if err := o.repo.Update(ctx, saga); err != nil {
			return nil, err
		}
		o.observeFinished(saga)
		o.publisher.PublishOrEnqueue(ctx, event.TypeSagaAborted, saga, "")
		return saga, nil
	}

	if err := o.compensate(ctx, saga, reason); err != nil {
		return saga, err
	}
	return saga, nil
}

// RetryStep resets a failed step to pending and re-runs the saga from it.
// Only valid while the saga is still Running, before compensation has
// started.
func (o *Orchestrator) RetryStep(ctx context.Context, sagaID, stepID string) (*domain.Saga, error) {
	saga, err := o.repo.GetByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	if saga.Status != domain.StatusRunning {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot retry a step of a saga in status %s", saga.Status))
	}

	step := saga.StepByID(stepID)
	if step == nil {
		return nil, apperrors.NotFound("saga step", stepID)
	}
	if step.Status != domain.StepFailed {
		return nil, apperrors.Conflict(fmt.Sprintf("step %q is %s, only failed steps can be retried", step.Name, step.Status))
	}

	step.ResetForRetry()
	o.touch(saga)
	if err := o.repo.Update(ctx, saga); err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "step queued for retry",
		slog.String("saga_id", saga.ID),
		slog.String("step", step.Name),
		slog.Int("attempts", step.Attempts),
	)

	if err := o.runForward(ctx, saga); err != nil {
		return saga, err
	}
	return saga, nil
}

// GetSaga is a pure read.
func (o *Orchestrator) GetSaga(ctx context.Context, sagaID string) (*domain.Saga, error) {
	return o.repo.GetByID(ctx, sagaID)
}

// ListSagas returns a page of sagas in the given status plus the total.
func (o *Orchestrator) ListSagas(ctx context.Context, status domain.Status, limit, offset int) ([]domain.Saga, int, error) {
	return o.repo.ListByStatus(ctx, status, limit, offset)
}

// HandleTimeout routes a saga whose deadline passed: compensation when any
// step completed, a direct abort otherwise. Used by the timeout sweeper.
func (o *Orchestrator) HandleTimeout(ctx context.Context, saga *domain.Saga) error {
	reason := "saga timed out"

	if saga.CompletedStepCount() == 0 {
		o.finishAborted(ctx, saga, reason)
		if err := o.repo.Update(ctx, saga); err != nil {
			return err
		}
		o.observeFinished(saga)
		o.publisher.PublishOrEnqueue(ctx, event.TypeSagaAborted, saga, "")
		return nil
	}

	return o.compensate(ctx, saga, reason)
}

// runForward executes pending steps in ascending order until the saga
// completes, a step fails, or progress is blocked by a failed step awaiting
// manual retry.
func (o *Orchestrator) runForward(ctx context.Context, saga *domain.Saga) error {
	if saga.Status == domain.StatusPending {
		saga.Status = domain.StatusRunning
		o.touch(saga)
		if err := o.repo.Update(ctx, saga); err != nil {
			return err
		}
	}

	for {
		step := saga.NextPendingStep()
		if step == nil {
			if saga.AllStepsCompleted() {
				return o.finishCompleted(ctx, saga)
			}
			// A failed or executing step blocks progress; nothing to do
			// until an operator retries or compensation is triggered.
			return nil
		}

		exec, err := o.registry.Resolve(step.ActionType)
		if err != nil {
			// No executor for the action type is a configuration error,
			// never retryable.
			step.MarkFailed(err.Error())
			o.touch(saga)
			if updateErr := o.repo.Update(ctx, saga); updateErr != nil {
				return updateErr
			}
			stepExecutionsTotal.WithLabelValues("failed").Inc()
			o.publisher.PublishOrEnqueue(ctx, event.TypeStepFailed, saga, step.Name)
			return o.compensate(ctx, saga, fmt.Sprintf("step %q: %v", step.Name, err))
		}

		step.MarkExecuting()
		o.touch(saga)
		if err := o.repo.Update(ctx, saga); err != nil {
			return err
		}

		result, execErr := exec.Execute(ctx, saga, step)
		if execErr != nil {
			step.MarkFailed(execErr.Error())
			o.touch(saga)
			if err := o.repo.Update(ctx, saga); err != nil {
				return err
			}
			stepExecutionsTotal.WithLabelValues("failed").Inc()
			o.publisher.PublishOrEnqueue(ctx, event.TypeStepFailed, saga, step.Name)
			o.logger.WarnContext(ctx, "step failed",
				slog.String("saga_id", saga.ID),
				slog.String("step", step.Name),
				slog.Bool("transient", executor.IsTransient(execErr)),
				slog.Any("error", execErr),
			)
			return o.compensate(ctx, saga, fmt.Sprintf("step %q failed: %v", step.Name, execErr))
		}

		step.MarkCompleted(result)
		if result != "" {
			saga.SetValue("step:"+step.Name+":result", result)
		}
		o.touch(saga)
		if err := o.repo.Update(ctx, saga); err != nil {
			return err
		}

		stepExecutionsTotal.WithLabelValues("completed").Inc()
		o.publisher.PublishOrEnqueue(ctx, event.TypeStepCompleted, saga, step.Name)
		o.logger.InfoContext(ctx, "step completed",
			slog.String("saga_id", saga.ID),
			slog.String("step", step.Name),
		)
	}
}

// compensate flips the saga into Compensating, records the reason, and runs
// the compensation pass.
func (o *Orchestrator) compensate(ctx context.Context, saga *domain.Saga, reason string) error {
	saga.Status = domain.StatusCompensating
	saga.FailureReason = reason

	// Steps never reached are skipped up front.
	for i := range saga.Steps {
		if saga.Steps[i].Status == domain.StepPending {
			saga.Steps[i].MarkSkipped()
		}
	}

	o.touch(saga)
	if err := o.repo.Update(ctx, saga); err != nil {
		return err
	}
	o.publisher.PublishOrEnqueue(ctx, event.TypeSagaCompensating, saga, "")
	o.logger.InfoContext(ctx, "saga compensating",
		slog.String("saga_id", saga.ID),
		slog.String("reason", reason),
	)

	return o.runCompensation(ctx, saga)
}

// runCompensation rolls back completed steps in descending order. It
// re-derives remaining work from step status, so a crashed pass resumes
// where it stopped.
func (o *Orchestrator) runCompensation(ctx context.Context, saga *domain.Saga) error {
	for _, step := range saga.CompletedStepsDescending() {
		if step.CompensationActionType == "" {
			step.MarkSkipped()
			o.touch(saga)
			if err := o.repo.Update(ctx, saga); err != nil {
				return err
			}
			continue
		}

		// The executor that handled the forward action owns its rollback.
		exec, err := o.registry.Resolve(step.ActionType)
		if err != nil {
			return o.failCompensation(ctx, saga, step, err)
		}

		step.MarkCompensating()
		o.touch(saga)
		if err := o.repo.Update(ctx, saga); err != nil {
			return err
		}

		if err := exec.Compensate(ctx, saga, step); err != nil {
			return o.failCompensation(ctx, saga, step, err)
		}

		step.MarkCompensated()
		o.touch(saga)
		if err := o.repo.Update(ctx, saga); err != nil {
			return err
		}

		stepExecutionsTotal.WithLabelValues("compensated").Inc()
		o.logger.InfoContext(ctx, "step compensated",
			slog.String("saga_id", saga.ID),
			slog.String("step", step.Name),
		)
	}

	saga.Status = domain.StatusCompensated
	o.touch(saga)
	if err := o.repo.Update(ctx, saga); err != nil {
		return err
	}

	o.observeFinished(saga)
	o.publisher.PublishOrEnqueue(ctx, event.TypeSagaCompensated, saga, "")
	o.logger.InfoContext(ctx, "saga compensated",
		slog.String("saga_id", saga.ID),
		slog.String("reason", saga.FailureReason),
	)
	return nil
}

// failCompensation records a compensation failure. The saga becomes Failed,
// a terminal state that is never retried automatically: a rollback that
// already partially executed must not be blindly rerun.
func (o *Orchestrator) failCompensation(ctx context.Context, saga *domain.Saga, step *domain.Step, cause error) error {
	step.Error = cause.Error()
	saga.Status = domain.StatusFailed
	saga.FailureReason = fmt.Sprintf("compensation of step %q failed: %v", step.Name, cause)
	o.touch(saga)
	if err := o.repo.Update(ctx, saga); err != nil {
		return err
	}

	o.observeFinished(saga)
	o.publisher.PublishOrEnqueue(ctx, event.TypeSagaFailed, saga, step.Name)
	o.logger.ErrorContext(ctx, "saga failed: compensation error",
		slog.String("saga_id", saga.ID),
		slog.String("step", step.Name),
		slog.Any("error", cause),
	)

	return apperrors.Wrap(cause, saga.FailureReason)
}

func (o *Orchestrator) finishCompleted(ctx context.Context, saga *domain.Saga) error {
	saga.Status = domain.StatusCompleted
	o.touch(saga)
	if err := o.repo.Update(ctx, saga); err != nil {
		return err
	}

	o.observeFinished(saga)
	o.publisher.PublishOrEnqueue(ctx, event.TypeSagaCompleted, saga, "")
	o.logger.InfoContext(ctx, "saga completed", slog.String("saga_id", saga.ID))
	return nil
}

func (o *Orchestrator) finishAborted(ctx context.Context, saga *domain.Saga, reason string) {
	for i := range saga.Steps {
		if saga.Steps[i].Status == domain.StepPending {
			saga.Steps[i].MarkSkipped()
		}
	}
	saga.Status = domain.StatusAborted
	saga.FailureReason = reason
	o.touch(saga)

	o.logger.InfoContext(ctx, "saga aborted",
		slog.String("saga_id", saga.ID),
		slog.String("reason", reason),
	)
}

func (o *Orchestrator) observeFinished(saga *domain.Saga) {
	sagasFinishedTotal.WithLabelValues(string(saga.Status)).Inc()
	sagaDurationSeconds.Observe(o.now().Sub(saga.CreatedAt).Seconds())
}

func (o *Orchestrator) touch(saga *domain.Saga) {
	saga.UpdatedAt = o.now().UTC()
}
