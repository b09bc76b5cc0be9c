package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridianhq/sagaflow/internal/domain"
	apperrors "github.com/meridianhq/sagaflow/pkg/errors"
)

// SagaRepository is an in-memory reference implementation of
// repository.SagaRepository. It is used in tests and single-process
// deployments; the mutex plus version check gives the same
// compare-and-swap semantics as the PostgreSQL implementation.
type SagaRepository struct {
	mu    sync.RWMutex
	sagas map[string]*domain.Saga
}

// NewSagaRepository creates an empty in-memory saga repository.
func NewSagaRepository() *SagaRepository {
	return &SagaRepository{
		sagas: make(map[string]*domain.Saga),
	}
}

// Create inserts a new saga.
func (r *SagaRepository) Create(ctx context.Context, saga *domain.Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sagas[saga.ID]; ok {
		return apperrors.Conflict(fmt.Sprintf("saga %s already exists", saga.ID))
	}

	clone, err := cloneSaga(saga)
	if err != nil {
		return err
	}
	r.sagas[saga.ID] = clone
	return nil
}

// Update performs a compare-and-swap on the saga version.
func (r *SagaRepository) Update(ctx context.Context, saga *domain.Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sagas[saga.ID]
	if !ok {
		return apperrors.ErrNotFound
	}

	if stored.Version != saga.Version {
		return apperrors.Conflict(fmt.Sprintf("saga %s was modified concurrently", saga.ID))
	}

	saga.UpdatedAt = time.Now().UTC()
	saga.Version++

	clone, err := cloneSaga(saga)
	if err != nil {
		saga.Version--
		return err
	}
	r.sagas[saga.ID] = clone
	return nil
}

// GetByID retrieves a saga copy by id.
func (r *SagaRepository) GetByID(ctx context.Context, id string) (*domain.Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.sagas[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cloneSaga(stored)
}

// GetByCorrelationID retrieves a saga copy by correlation id.
func (r *SagaRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, stored := range r.sagas {
		if stored.CorrelationID == correlationID {
			return cloneSaga(stored)
		}
	}
	return nil, apperrors.ErrNotFound
}

// ListByStatus returns a page of sagas in the given status plus the total.
func (r *SagaRepository) ListByStatus(ctx context.Context, status domain.Status, limit, offset int) ([]domain.Saga, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.Saga
	for _, stored := range r.sagas {
		if stored.Status == status {
			matched = append(matched, stored)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []domain.Saga{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]domain.Saga, 0, end-offset)
	for _, stored := range matched[offset:end] {
		clone, err := cloneSaga(stored)
		if err != nil {
			return nil, 0, err
		}
		page = append(page, *clone)
	}
	return page, total, nil
}

// ListTimedOut returns non-terminal sagas whose deadline passed.
func (r *SagaRepository) ListTimedOut(ctx context.Context, before time.Time) ([]domain.Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var timedOut []domain.Saga
	for _, stored := range r.sagas {
		if stored.TimeoutAt == nil || !stored.TimeoutAt.Before(before) {
			continue
		}
		if stored.Status != domain.StatusPending && stored.Status != domain.StatusRunning {
			continue
		}
		clone, err := cloneSaga(stored)
		if err != nil {
			return nil, err
		}
		timedOut = append(timedOut, *clone)
	}

	sort.Slice(timedOut, func(i, j int) bool {
		return timedOut[i].TimeoutAt.Before(*timedOut[j].TimeoutAt)
	})

	if timedOut == nil {
		timedOut = []domain.Saga{}
	}
	return timedOut, nil
}

// Delete removes a saga and its steps.
func (r *SagaRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sagas[id]; !ok {
		return apperrors.NotFound("saga", id)
	}
	delete(r.sagas, id)
	return nil
}

// cloneSaga deep-copies via JSON so callers never share step slices or
// context maps with the store.
func cloneSaga(saga *domain.Saga) (*domain.Saga, error) {
	data, err := json.Marshal(saga)
	if err != nil {
		return nil, fmt.Errorf("clone saga: %w", err)
	}
	var clone domain.Saga
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("clone saga: %w", err)
	}
	return &clone, nil
}
