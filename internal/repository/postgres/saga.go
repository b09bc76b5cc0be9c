package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meridianhq/sagaflow/internal/domain"
	apperrors "github.com/meridianhq/sagaflow/pkg/errors"
)

// DBTX is the subset of pgxpool.Pool used by the repositories. pgxmock
// satisfies it in tests.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SagaRepository implements repository.SagaRepository using PostgreSQL.
// Steps and context are stored as JSONB on the saga row; the version column
// provides optimistic concurrency for status transitions.
type SagaRepository struct {
	db DBTX
}

// NewSagaRepository creates a PostgreSQL-backed saga repository.
func NewSagaRepository(db DBTX) *SagaRepository {
	return &SagaRepository{db: db}
}

const sagaColumns = `id, name, description, saga_type, correlation_id, status,
		context, steps, failure_reason, version, timeout_at, created_at, updated_at`

// Create inserts a new saga with its steps.
func (r *SagaRepository) Create(ctx context.Context, saga *domain.Saga) error {
	contextJSON, stepsJSON, err := marshalSagaFields(saga)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sagas (
			id, name, description, saga_type, correlation_id, status,
			context, steps, failure_reason, version, timeout_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13
		)`

	_, err = r.db.Exec(ctx, query,
		saga.ID,
		saga.Name,
		nullableString(saga.Description),
		saga.Type,
		nullableString(saga.CorrelationID),
		string(saga.Status),
		contextJSON,
		stepsJSON,
		nullableString(saga.FailureReason),
		saga.Version,
		saga.TimeoutAt,
		saga.CreatedAt,
		saga.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}

	return nil
}

// Update persists the saga guarded by the version the caller loaded. A
// version mismatch means another worker advanced the saga concurrently and
// surfaces as a conflict.
func (r *SagaRepository) Update(ctx context.Context, saga *domain.Saga) error {
	contextJSON, stepsJSON, err := marshalSagaFields(saga)
	if err != nil {
		return err
	}

	saga.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE sagas
		SET status = $1, context = $2, steps = $3, failure_reason = $4,
			version = version + 1, timeout_at = $5, updated_at = $6
		WHERE id = $7 AND version = $8`

	ct, err := r.db.Exec(ctx, query,
		string(saga.Status),
		contextJSON,
		stepsJSON,
		nullableString(saga.FailureReason),
		saga.TimeoutAt,
		saga.UpdatedAt,
		saga.ID,
		saga.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}

	if ct.RowsAffected() == 0 {
		// Distinguish a missing saga from a concurrent update.
		if _, getErr := r.GetByID(ctx, saga.ID); getErr != nil {
			return getErr
		}
		return apperrors.Conflict(fmt.Sprintf("saga %s was modified concurrently", saga.ID))
	}

	saga.Version++
	return nil
}

// GetByID retrieves a saga with its steps.
func (r *SagaRepository) GetByID(ctx context.Context, id string) (*domain.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE id = $1`
	return r.scanSaga(ctx, query, id)
}

// GetByCorrelationID retrieves a saga by its correlation id.
func (r *SagaRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE correlation_id = $1`
	return r.scanSaga(ctx, query, correlationID)
}

// ListByStatus returns a page of sagas in the given status, newest first,
// plus the total count.
func (r *SagaRepository) ListByStatus(ctx context.Context, status domain.Status, limit, offset int) ([]domain.Saga, int, error) {
	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sagas WHERE status = $1`, string(status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sagas by status: %w", err)
	}

	query := `SELECT ` + sagaColumns + `
		FROM sagas
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sagas by status: %w", err)
	}
	defer rows.Close()

	sagas, err := r.collectSagas(rows)
	if err != nil {
		return nil, 0, err
	}

	return sagas, total, nil
}

// ListTimedOut returns non-terminal sagas whose deadline passed.
func (r *SagaRepository) ListTimedOut(ctx context.Context, before time.Time) ([]domain.Saga, error) {
	query := `SELECT ` + sagaColumns + `
		FROM sagas
		WHERE timeout_at IS NOT NULL AND timeout_at < $1
			AND status IN ('pending', 'running')
		ORDER BY timeout_at ASC`

	rows, err := r.db.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("list timed out sagas: %w", err)
	}
	defer rows.Close()

	return r.collectSagas(rows)
}

// Delete removes a saga and its embedded steps.
func (r *SagaRepository) Delete(ctx context.Context, id string) error {
	ct, err := r.db.Exec(ctx, `DELETE FROM sagas WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete saga: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("saga", id)
	}
	return nil
}

func (r *SagaRepository) scanSaga(ctx context.Context, query string, args ...any) (*domain.Saga, error) {
	row := r.db.QueryRow(ctx, query, args...)
	saga, err := scanSagaRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return saga, nil
}

func (r *SagaRepository) collectSagas(rows pgx.Rows) ([]domain.Saga, error) {
	var sagas []domain.Saga
	for rows.Next() {
		saga, err := scanSagaRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga row: %w", err)
		}
		sagas = append(sagas, *saga)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga rows: %w", err)
	}

	if sagas == nil {
		sagas = []domain.Saga{}
	}
	return sagas, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSagaRow(row rowScanner) (*domain.Saga, error) {
	var (
		saga          domain.Saga
		description   *string
		correlationID *string
		status        string
		contextJSON   []byte
		stepsJSON     []byte
		failureReason *string
	)

	if err := row.Scan(
		&saga.ID,
		&saga.Name,
		&description,
		&saga.Type,
		&correlationID,
		&status,
		&contextJSON,
		&stepsJSON,
		&failureReason,
		&saga.Version,
		&saga.TimeoutAt,
		&saga.CreatedAt,
		&saga.UpdatedAt,
	); err != nil {
		return nil, err
	}

	saga.Status = domain.Status(status)
	if description != nil {
		saga.Description = *description
	}
	if correlationID != nil {
		saga.CorrelationID = *correlationID
	}
	if failureReason != nil {
		saga.FailureReason = *failureReason
	}

	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &saga.Context); err != nil {
			return nil, fmt.Errorf("unmarshal saga context: %w", err)
		}
	}
	if saga.Context == nil {
		saga.Context = map[string]string{}
	}

	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &saga.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal saga steps: %w", err)
		}
	}
	if saga.Steps == nil {
		saga.Steps = []domain.Step{}
	}

	return &saga, nil
}

func marshalSagaFields(saga *domain.Saga) (contextJSON, stepsJSON []byte, err error) {
	contextJSON, err = json.Marshal(saga.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal saga context: %w", err)
	}
	stepsJSON, err = json.Marshal(saga.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal saga steps: %w", err)
	}
	return contextJSON, stepsJSON, nil
}

// nullableString returns nil for the empty string, otherwise a pointer.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
