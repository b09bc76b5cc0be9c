package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meridianhq/sagaflow/internal/domain"
	apperrors "github.com/meridianhq/sagaflow/pkg/errors"
)

// DeadLetterRepository is an in-memory implementation of
// repository.DeadLetterRepository. Entries are keyed by generated id;
// concurrent Enqueue calls never corrupt each other.
type DeadLetterRepository struct {
	mu     sync.RWMutex
	events map[string]*domain.FailedEvent
}

// NewDeadLetterRepository creates an empty in-memory dead-letter repository.
func NewDeadLetterRepository() *DeadLetterRepository {
	return &DeadLetterRepository{
		events: make(map[string]*domain.FailedEvent),
	}
}

// Create inserts a new dead letter.
func (r *DeadLetterRepository) Create(ctx context.Context, event *domain.FailedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *event
	r.events[event.ID] = &clone
	return nil
}

// Update persists retry bookkeeping after a failed attempt.
func (r *DeadLetterRepository) Update(ctx context.Context, event *domain.FailedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[event.ID]; !ok {
		return apperrors.NotFound("dead_letter", event.ID)
	}

	clone := *event
	r.events[event.ID] = &clone
	return nil
}

// GetByID retrieves a dead letter copy by id.
func (r *DeadLetterRepository) GetByID(ctx context.Context, id string) (*domain.FailedEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.events[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *stored
	return &clone, nil
}

// Delete removes a dead letter.
func (r *DeadLetterRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[id]; !ok {
		return apperrors.NotFound("dead_letter", id)
	}
	delete(r.events, id)
	return nil
}

// ListReady returns entries eligible for retry, oldest failure first.
func (r *DeadLetterRepository) ListReady(ctx context.Context, now time.Time, maxRetries, limit int) ([]domain.FailedEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ready := []domain.FailedEvent{}
	for _, stored := range r.events {
		if stored.IsReady(maxRetries, now) {
			ready = append(ready, *stored)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].FailedAt.Before(ready[j].FailedAt)
	})

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// List returns a page of all entries ordered by failure time.
func (r *DeadLetterRepository) List(ctx context.Context, limit, offset int) ([]domain.FailedEvent, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]domain.FailedEvent, 0, len(r.events))
	for _, stored := range r.events {
		all = append(all, *stored)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].FailedAt.Before(all[j].FailedAt)
	})

	total := len(all)
	if offset >= total {
		return []domain.FailedEvent{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// Stats returns the operational summary.
func (r *DeadLetterRepository) Stats(ctx context.Context, now time.Time, maxRetries int) (domain.DeadLetterStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.DeadLetterStats{Total: len(r.events)}
	for _, stored := range r.events {
		if stored.IsExhausted(maxRetries) {
			stats.Exhausted++
		} else if stored.IsReady(maxRetries, now) {
			stats.ReadyForRetry++
		}
	}
	return stats, nil
}
