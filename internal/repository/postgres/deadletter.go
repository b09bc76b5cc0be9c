package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/sagaflow/internal/domain"
	apperrors "github.com/meridianhq/sagaflow/pkg/errors"
)

// DeadLetterRepository implements repository.DeadLetterRepository using
// PostgreSQL.
type DeadLetterRepository struct {
	db DBTX
}

// NewDeadLetterRepository creates a PostgreSQL-backed dead-letter repository.
func NewDeadLetterRepository(db DBTX) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

const deadLetterColumns = `id, event_type, event_json, failed_at, retry_count, next_retry_at, last_error`

// Create inserts a new dead letter.
func (r *DeadLetterRepository) Create(ctx context.Context, event *domain.FailedEvent) error {
	query := `
		INSERT INTO dead_letters (
			id, event_type, event_json, failed_at, retry_count, next_retry_at, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		event.ID,
		event.EventType,
		event.EventJSON,
		event.FailedAt,
		event.RetryCount,
		event.NextRetryAt,
		nullableString(event.LastError),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	return nil
}

// Update persists retry bookkeeping after a failed attempt.
func (r *DeadLetterRepository) Update(ctx context.Context, event *domain.FailedEvent) error {
	query := `
		UPDATE dead_letters
		SET retry_count = $1, next_retry_at = $2, last_error = $3
		WHERE id = $4`

	ct, err := r.db.Exec(ctx, query,
		event.RetryCount,
		event.NextRetryAt,
		nullableString(event.LastError),
		event.ID,
	)
	if err != nil {
		return fmt.Errorf("update dead letter: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("dead_letter", event.ID)
	}

	return nil
}

// GetByID retrieves a dead letter by id.
func (r *DeadLetterRepository) GetByID(ctx context.Context, id string) (*domain.FailedEvent, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id = $1`

	event, err := scanDeadLetterRow(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return event, nil
}

// Delete removes a dead letter.
func (r *DeadLetterRepository) Delete(ctx context.Context, id string) error {
	ct, err := r.db.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("dead_letter", id)
	}
	return nil
}

// ListReady returns entries eligible for retry, oldest failure first.
func (r *DeadLetterRepository) ListReady(ctx context.Context, now time.Time, maxRetries, limit int) ([]domain.FailedEvent, error) {
	query := `SELECT ` + deadLetterColumns + `
		FROM dead_letters
		WHERE retry_count < $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY failed_at ASC
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, maxRetries, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list ready dead letters: %w", err)
	}
	defer rows.Close()

	return collectDeadLetters(rows)
}

// List returns a page of all entries ordered by failure time.
func (r *DeadLetterRepository) List(ctx context.Context, limit, offset int) ([]domain.FailedEvent, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}

	query := `SELECT ` + deadLetterColumns + `
		FROM dead_letters
		ORDER BY failed_at ASC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	events, err := collectDeadLetters(rows)
	if err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// Stats returns the operational summary in a single query.
func (r *DeadLetterRepository) Stats(ctx context.Context, now time.Time, maxRetries int) (domain.DeadLetterStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE retry_count < $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)),
			COUNT(*) FILTER (WHERE retry_count >= $1)
		FROM dead_letters`

	var stats domain.DeadLetterStats
	if err := r.db.QueryRow(ctx, query, maxRetries, now).Scan(
		&stats.Total,
		&stats.ReadyForRetry,
		&stats.Exhausted,
	); err != nil {
		return domain.DeadLetterStats{}, fmt.Errorf("dead letter stats: %w", err)
	}

	return stats, nil
}

func collectDeadLetters(rows pgx.Rows) ([]domain.FailedEvent, error) {
	var events []domain.FailedEvent
	for rows.Next() {
		event, err := scanDeadLetterRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter row: %w", err)
		}
		events = append(events, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter rows: %w", err)
	}

	if events == nil {
		events = []domain.FailedEvent{}
	}
	return events, nil
}

func scanDeadLetterRow(row rowScanner) (*domain.FailedEvent, error) {
	var (
		event     domain.FailedEvent
		lastError *string
	)

	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&event.EventJSON,
		&event.FailedAt,
		&event.RetryCount,
		&event.NextRetryAt,
		&lastError,
	); err != nil {
		return nil, err
	}

	if lastError != nil {
		event.LastError = *lastError
	}

	return &event, nil
}
