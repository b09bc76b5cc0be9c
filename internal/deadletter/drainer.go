package deadletter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meridianhq/sagaflow/internal/domain"
)

const (
	defaultDrainInterval = 30 * time.Second
	defaultDrainBatch    = 50
)

var retryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dead_letter_retry_attempts_total",
	Help: "Dead-letter retry attempts by outcome.",
}, []string{"outcome"})

// Republisher re-publishes a dead-lettered event to the broker.
type Republisher interface {
	Republish(ctx context.Context, event *domain.FailedEvent) error
}

// Drainer periodically retries ready dead letters. Exactly one drainer runs
// per process; it is the only component that walks the
// retrieve-attempt-remove cycle, so entries are never retried twice
// concurrently.
type Drainer struct {
	queue       *Queue
	republisher Republisher
	interval    time.Duration
	batchSize   int
	logger      *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDrainer creates a drainer. Zero interval or batch size fall back to
// defaults.
func NewDrainer(queue *Queue, republisher Republisher, interval time.Duration, batchSize int, logger *slog.Logger) *Drainer {
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	if batchSize <= 0 {
		batchSize = defaultDrainBatch
	}
	return &Drainer{
		queue:       queue,
		republisher: republisher,
		interval:    interval,
		batchSize:   batchSize,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start launches the drain loop in a background goroutine.
func (d *Drainer) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		d.logger.Info("dead-letter drainer started",
			slog.Duration("interval", d.interval),
			slog.Int("batch_size", d.batchSize),
		)

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopChan:
				return
			case <-ticker.C:
				if err := d.DrainOnce(ctx); err != nil {
					d.logger.ErrorContext(ctx, "dead-letter drain pass failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// Stop signals the drain loop to exit and waits for it.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	d.wg.Wait()
}

// DrainOnce runs a single drain pass: fetch ready entries and attempt each.
// A re-publish that succeeds removes the entry; one that fails advances its
// retry bookkeeping.
func (d *Drainer) DrainOnce(ctx context.Context) error {
	events, err := d.queue.ReadyForRetry(ctx, d.batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	d.logger.InfoContext(ctx, "draining dead letters", slog.Int("ready", len(events)))

	for i := range events {
		event := &events[i]
		if err := d.republisher.Republish(ctx, event); err != nil {
			retryAttemptsTotal.WithLabelValues("failed").Inc()
			if markErr := d.queue.MarkFailed(ctx, event, err); markErr != nil {
				d.logger.ErrorContext(ctx, "failed to record dead-letter retry failure",
					slog.String("dead_letter_id", event.ID),
					slog.Any("error", markErr),
				)
			}
			continue
		}

		retryAttemptsTotal.WithLabelValues("succeeded").Inc()
		if err := d.queue.Remove(ctx, event.ID); err != nil {
			d.logger.ErrorContext(ctx, "failed to remove drained dead letter",
				slog.String("dead_letter_id", event.ID),
				slog.Any("error", err),
			)
			continue
		}

		d.logger.InfoContext(ctx, "dead letter re-published",
			slog.String("dead_letter_id", event.ID),
			slog.String("event_type", event.EventType),
			slog.Int("retry_count", event.RetryCount),
		)
	}

	return nil
}
