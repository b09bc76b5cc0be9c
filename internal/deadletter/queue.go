package deadletter

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meridianhq/sagaflow/internal/domain"
	"github.com/meridianhq/sagaflow/internal/repository"
)

const retryJitterFraction = 0.10

var (
	enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dead_letter_enqueued_total",
		Help: "Events dead-lettered after a failed publish.",
	})
	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dead_letter_exhausted_total",
		Help: "Dead letters that hit the retry cap and now need operator action.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dead_letter_queue_depth",
		Help: "Dead letters currently held, sampled on each stats call.",
	})
)

// Queue is the dead-letter store for events that could not be published.
// Enqueue is safe from any number of goroutines; the retry cycle is driven
// by a single Drainer.
type Queue struct {
	repo       repository.DeadLetterRepository
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewQueue creates a dead-letter queue. A maxRetries of zero or less falls
// back to domain.DefaultMaxRetries.
func NewQueue(repo repository.DeadLetterRepository, maxRetries int, logger *slog.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	return &Queue{
		repo:       repo,
		maxRetries: maxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// MaxRetries returns the configured retry cap.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue records an event whose publish failed. The first automatic retry
// is scheduled one backoff window out, so a fresh entry is never
// immediately eligible.
func (q *Queue) Enqueue(ctx context.Context, eventType, eventJSON string, cause error) (*domain.FailedEvent, error) {
	now := q.now()
	event := domain.NewFailedEvent(eventType, eventJSON, cause.Error(), now)
	q.jitterSchedule(event, now)

	if err := q.repo.Create(ctx, event); err != nil {
		return nil, err
	}

	enqueuedTotal.Inc()
	q.logger.WarnContext(ctx, "event dead-lettered",
		slog.String("dead_letter_id", event.ID),
		slog.String("event_type", eventType),
		slog.String("error", cause.Error()),
	)

	return event, nil
}

// ReadyForRetry returns entries whose scheduled retry time has passed,
// oldest failure first.
func (q *Queue) ReadyForRetry(ctx context.Context, limit int) ([]domain.FailedEvent, error) {
	return q.repo.ListReady(ctx, q.now(), q.maxRetries, limit)
}

// MarkFailed records another failed retry attempt and reschedules or, once
// the cap is reached, parks the entry for operator action.
func (q *Queue) MarkFailed(ctx context.Context, event *domain.FailedEvent, cause error) error {
	now := q.now()
	event.RecordFailure(cause.Error(), q.maxRetries, now)
	q.jitterSchedule(event, now)

	if err := q.repo.Update(ctx, event); err != nil {
		return err
	}

	if event.IsExhausted(q.maxRetries) {
		retryExhaustedTotal.Inc()
		q.logger.ErrorContext(ctx, "dead letter exhausted retries",
			slog.String("dead_letter_id", event.ID),
			slog.String("event_type", event.EventType),
			slog.Int("retry_count", event.RetryCount),
		)
	}

	return nil
}

// Remove deletes an entry after a successful re-publish.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.repo.Delete(ctx, id)
}

// Get retrieves a single dead letter.
func (q *Queue) Get(ctx context.Context, id string) (*domain.FailedEvent, error) {
	return q.repo.GetByID(ctx, id)
}

// List returns a page of dead letters ordered by failure time, plus the
// total count.
func (q *Queue) List(ctx context.Context, limit, offset int) ([]domain.FailedEvent, int, error) {
	return q.repo.List(ctx, limit, offset)
}

// Stats returns the operational summary and refreshes the depth gauge.
func (q *Queue) Stats(ctx context.Context) (domain.DeadLetterStats, error) {
	stats, err := q.repo.Stats(ctx, q.now(), q.maxRetries)
	if err != nil {
		return domain.DeadLetterStats{}, err
	}
	queueDepth.Set(float64(stats.Total))
	return stats, nil
}

// ForceRetry makes an entry immediately eligible again, resetting its retry
// count. This is the operator path for exhausted entries.
func (q *Queue) ForceRetry(ctx context.Context, id string) (*domain.FailedEvent, error) {
	event, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := q.now()
	event.RetryCount = 0
	event.NextRetryAt = &now
	if err := q.repo.Update(ctx, event); err != nil {
		return nil, err
	}

	q.logger.InfoContext(ctx, "dead letter queued for forced retry",
		slog.String("dead_letter_id", event.ID),
		slog.String("event_type", event.EventType),
	)

	return event, nil
}

// Discard removes an entry without re-publishing it.
func (q *Queue) Discard(ctx context.Context, id string) error {
	if _, err := q.repo.GetByID(ctx, id); err != nil {
		return err
	}
	if err := q.repo.Delete(ctx, id); err != nil {
		return err
	}

	q.logger.InfoContext(ctx, "dead letter discarded", slog.String("dead_letter_id", id))
	return nil
}

// jitterSchedule perturbs the scheduled retry by up to ±10% of its delay so
// entries dead-lettered together do not retry in lockstep.
func (q *Queue) jitterSchedule(event *domain.FailedEvent, from time.Time) {
	if event.NextRetryAt == nil {
		return
	}
	delay := event.NextRetryAt.Sub(from)
	if delay <= 0 {
		return
	}
	jitter := time.Duration(float64(delay) * retryJitterFraction * (2*rand.Float64() - 1)) // #nosec G404 -- non-cryptographic jitter
	next := from.Add(delay + jitter)
	event.NextRetryAt = &next
}
