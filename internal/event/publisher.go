package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridianhq/sagaflow/internal/deadletter"
	"github.com/meridianhq/sagaflow/internal/domain"
	"github.com/meridianhq/sagaflow/pkg/kafka"
)

// Saga lifecycle event types.
const (
	TypeSagaStarted      = "saga.started"
	TypeSagaCompleted    = "saga.completed"
	TypeSagaCompensating = "saga.compensating"
	TypeSagaCompensated  = "saga.compensated"
	TypeSagaFailed       = "saga.failed"
	TypeSagaAborted      = "saga.aborted"
	TypeStepCompleted    = "saga.step.completed"
	TypeStepFailed       = "saga.step.failed"
)

const aggregateType = "saga"

// EventWriter is the broker side of the publisher. *kafka.Producer
// satisfies it.
type EventWriter interface {
	Publish(ctx context.Context, topic string, event *kafka.Event) error
}

// SagaPayload is the data section of every saga lifecycle event.
type SagaPayload struct {
	SagaID        string `json:"saga_id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	StepName      string `json:"step_name,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Publisher emits saga lifecycle events. Publish failures never fail the
// calling operation: PublishOrEnqueue absorbs them into the dead-letter
// queue for later retry.
type Publisher struct {
	writer EventWriter
	queue  *deadletter.Queue
	topic  string
	source string
	logger *slog.Logger
}

func NewPublisher(writer EventWriter, queue *deadletter.Queue, topic, source string, logger *slog.Logger) *Publisher {
	return &Publisher{
		writer: writer,
		queue:  queue,
		topic:  topic,
		source: source,
		logger: logger,
	}
}

func (p *Publisher) buildEvent(eventType string, saga *domain.Saga, stepName string) (*kafka.Event, error) {
	payload := SagaPayload{
		SagaID:        saga.ID,
		Name:          saga.Name,
		Status:        string(saga.Status),
		StepName:      stepName,
		FailureReason: saga.FailureReason,
	}

	evt, err := kafka.NewEvent(eventType, saga.ID, aggregateType, p.source, payload)
	if err != nil {
		return nil, fmt.Errorf("build %s event: %w", eventType, err)
	}
	evt.WithCorrelationID(saga.CorrelationID)
	return evt, nil
}

// Publish emits a lifecycle event for the saga, keyed by saga id.
func (p *Publisher) Publish(ctx context.Context, eventType string, saga *domain.Saga, stepName string) error {
	evt, err := p.buildEvent(eventType, saga, stepName)
	if err != nil {
		return err
	}
	return p.writer.Publish(ctx, p.topic, evt)
}

// PublishOrEnqueue publishes the event and, if the broker rejects it,
// dead-letters it instead of surfacing the failure. The saga advances
// either way.
func (p *Publisher) PublishOrEnqueue(ctx context.Context, eventType string, saga *domain.Saga, stepName string) {
	evt, err := p.buildEvent(eventType, saga, stepName)
	if err != nil {
		p.logger.ErrorContext(ctx, "cannot build lifecycle event",
			slog.String("event_type", eventType),
			slog.Any("error", err),
		)
		return
	}

	err = p.writer.Publish(ctx, p.topic, evt)
	if err == nil {
		return
	}

	p.logger.WarnContext(ctx, "event publish failed, dead-lettering",
		slog.String("event_type", eventType),
		slog.String("saga_id", saga.ID),
		slog.Any("error", err),
	)

	raw, marshalErr := evt.Marshal()
	if marshalErr != nil {
		p.logger.ErrorContext(ctx, "cannot dead-letter unmarshalable event",
			slog.String("event_type", eventType),
			slog.Any("error", marshalErr),
		)
		return
	}

	if _, enqErr := p.queue.Enqueue(ctx, eventType, string(raw), err); enqErr != nil {
		p.logger.ErrorContext(ctx, "failed to dead-letter event",
			slog.String("event_type", eventType),
			slog.String("saga_id", saga.ID),
			slog.Any("error", enqErr),
		)
	}
}

// Republish re-publishes a dead-lettered event as stored, preserving its
// original event id and timestamp. It implements deadletter.Republisher.
func (p *Publisher) Republish(ctx context.Context, failed *domain.FailedEvent) error {
	evt, err := kafka.UnmarshalEvent([]byte(failed.EventJSON))
	if err != nil {
		return fmt.Errorf("decode dead letter %s: %w", failed.ID, err)
	}
	return p.writer.Publish(ctx, p.topic, evt)
}
