package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/sagaflow/internal/domain"
	"github.com/meridianhq/sagaflow/pkg/database"
	apperrors "github.com/meridianhq/sagaflow/pkg/errors"
)

func newTestDeadLetterRepo(t *testing.T) (*DeadLetterRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	repo := NewDeadLetterRepository(mock)
	return repo, mock
}

func sampleDeadLetter() *domain.FailedEvent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	next := now.Add(time.Minute)
	return &domain.FailedEvent{
		ID:          "dl-001",
		EventType:   "saga.completed",
		EventJSON:   `{"event_type":"saga.completed","aggregate_id":"saga-001"}`,
		FailedAt:    now,
		RetryCount:  0,
		NextRetryAt: &next,
		LastError:   "broker unavailable",
	}
}

func deadLetterColumnNames() []string {
	return []string{
		"id", "event_type", "event_json", "failed_at",
		"retry_count", "next_retry_at", "last_error",
	}
}

func deadLetterRow(e *domain.FailedEvent) []any {
	return []any{
		e.ID, e.EventType, e.EventJSON, e.FailedAt,
		e.RetryCount, e.NextRetryAt, nullableString(e.LastError),
	}
}

// ---------------------------------------------------------------------------
// Create / Update / Delete
// ---------------------------------------------------------------------------

func TestDeadLetterRepository_Create_Success(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	e := sampleDeadLetter()

	mock.ExpectExec("INSERT INTO dead_letters").
		WithArgs(
			e.ID, e.EventType, e.EventJSON, e.FailedAt,
			e.RetryCount, e.NextRetryAt, nullableString(e.LastError),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.Create(context.Background(), e)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_Update_Success(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	e := sampleDeadLetter()
	e.RetryCount = 2
	e.LastError = "broker still unavailable"

	mock.ExpectExec("UPDATE dead_letters").
		WithArgs(e.RetryCount, e.NextRetryAt, nullableString(e.LastError), e.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.Update(context.Background(), e)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_Update_NotFound(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	e := sampleDeadLetter()

	mock.ExpectExec("UPDATE dead_letters").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Update(context.Background(), e)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_Delete_NotFound(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM dead_letters").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := repo.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// GetByID
// ---------------------------------------------------------------------------

func TestDeadLetterRepository_GetByID_Success(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	e := sampleDeadLetter()
	rows := pgxmock.NewRows(deadLetterColumnNames()).AddRow(deadLetterRow(e)...)

	mock.ExpectQuery("SELECT .+ FROM dead_letters WHERE id").
		WithArgs(e.ID).
		WillReturnRows(rows)

	result, err := repo.GetByID(context.Background(), e.ID)
	require.NoError(t, err)

	assert.Equal(t, e.ID, result.ID)
	assert.Equal(t, e.EventType, result.EventType)
	assert.Equal(t, e.EventJSON, result.EventJSON)
	assert.Equal(t, e.RetryCount, result.RetryCount)
	assert.Equal(t, e.LastError, result.LastError)
	require.NotNil(t, result.NextRetryAt)
	assert.Equal(t, *e.NextRetryAt, *result.NextRetryAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM dead_letters WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	result, err := repo.GetByID(context.Background(), "missing")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// ListReady / List
// ---------------------------------------------------------------------------

func TestDeadLetterRepository_ListReady_Success(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)

	e1 := sampleDeadLetter()
	e2 := sampleDeadLetter()
	e2.ID = "dl-002"
	// An exhausted entry has no schedule; scanning must handle the NULL.
	e2.NextRetryAt = nil
	e2.LastError = ""

	rows := pgxmock.NewRows(deadLetterColumnNames()).
		AddRow(deadLetterRow(e1)...).
		AddRow(deadLetterRow(e2)...)

	mock.ExpectQuery("SELECT .+ FROM dead_letters WHERE retry_count").
		WithArgs(5, now, 50).
		WillReturnRows(rows)

	events, err := repo.ListReady(context.Background(), now, 5, 50)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "dl-001", events[0].ID)
	assert.Equal(t, "dl-002", events[1].ID)
	assert.Nil(t, events[1].NextRetryAt)
	assert.Equal(t, "", events[1].LastError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_ListReady_Empty(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM dead_letters WHERE retry_count").
		WithArgs(5, now, 50).
		WillReturnRows(pgxmock.NewRows(deadLetterColumnNames()))

	events, err := repo.ListReady(context.Background(), now, 5, 50)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_List_Success(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	e := sampleDeadLetter()

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	mock.ExpectQuery("SELECT .+ FROM dead_letters").
		WithArgs(20, 0).
		WillReturnRows(pgxmock.NewRows(deadLetterColumnNames()).AddRow(deadLetterRow(e)...))

	events, total, err := repo.List(context.Background(), 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, events, 1)
	assert.Equal(t, e.ID, events[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func TestDeadLetterRepository_Stats_Success(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"count", "count", "count"}).AddRow(10, 3, 2)

	mock.ExpectQuery("SELECT").
		WithArgs(5, now).
		WillReturnRows(rows)

	stats, err := repo.Stats(context.Background(), now, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 3, stats.ReadyForRetry)
	assert.Equal(t, 2, stats.Exhausted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_Stats_QueryError(t *testing.T) {
	repo, mock := newTestDeadLetterRepo(t)
	defer mock.Close()

	now := time.Now().UTC()

	mock.ExpectQuery("SELECT").
		WithArgs(5, now).
		WillReturnError(errors.New("database timeout"))

	_, err := repo.Stats(context.Background(), now, 5)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "dead letter stats")

	assert.NoError(t, mock.ExpectationsWereMet())
}
