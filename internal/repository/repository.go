package repository

import (
	"context"
	"time"

	"github.com/meridianhq/sagaflow/internal/domain"
)

// SagaRepository is the durability boundary for sagas and their steps.
// Implementations must provide atomic read-modify-write semantics: Update
// performs a compare-and-swap on the saga version and fails with a conflict
// when another worker advanced the saga concurrently.
type SagaRepository interface {
	// Create inserts a new saga with its steps.
	Create(ctx context.Context, saga *domain.Saga) error

	// Update persists the saga and its steps, guarded by the version the
	// caller loaded. On success the in-memory version is incremented.
	Update(ctx context.Context, saga *domain.Saga) error

	// GetByID retrieves a saga with its steps ordered by step order.
	GetByID(ctx context.Context, id string) (*domain.Saga, error)

	// GetByCorrelationID retrieves a saga by the client-supplied correlation
	// id, used for idempotent starts.
	GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Saga, error)

	// ListByStatus returns a page of sagas in the given status plus the
	// total count.
	ListByStatus(ctx context.Context, status domain.Status, limit, offset int) ([]domain.Saga, int, error)

	// ListTimedOut returns non-terminal sagas whose deadline passed before
	// the given time.
	ListTimedOut(ctx context.Context, before time.Time) ([]domain.Saga, error)

	// Delete removes a saga and, by cascade, its steps.
	Delete(ctx context.Context, id string) error
}

// DeadLetterRepository stores events that failed to publish. Enqueue from
// arbitrarily many publishers must be safe; the retrieve-attempt-remove
// cycle is owned by a single drainer per process.
type DeadLetterRepository interface {
	// Create inserts a new dead letter.
	Create(ctx context.Context, event *domain.FailedEvent) error

	// Update persists retry bookkeeping after a failed attempt.
	Update(ctx context.Context, event *domain.FailedEvent) error

	// GetByID retrieves a dead letter by id.
	GetByID(ctx context.Context, id string) (*domain.FailedEvent, error)

	// Delete removes a dead letter after a successful re-publish or an
	// operator discard.
	Delete(ctx context.Context, id string) error

	// ListReady returns entries eligible for retry at the given time,
	// oldest failure first.
	ListReady(ctx context.Context, now time.Time, maxRetries, limit int) ([]domain.FailedEvent, error)

	// List returns a page of all entries ordered by failure time plus the
	// total count.
	List(ctx context.Context, limit, offset int) ([]domain.FailedEvent, int, error)

	// Stats returns the operational summary.
	Stats(ctx context.Context, now time.Time, maxRetries int) (domain.DeadLetterStats, error)
}
