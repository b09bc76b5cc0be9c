package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultSweepInterval = time.Minute

var timedOutSagasTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "saga_timeouts_total",
	Help: "Sagas whose deadline passed and were routed to compensation or abort.",
})

// Sweeper periodically finds pending or running sagas whose deadline has
// passed and routes each through the orchestrator's timeout handling.
type Sweeper struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       *slog.Logger
	now          func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSweeper(orch *Orchestrator, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		orchestrator: orch,
		interval:     interval,
		logger:       logger,
		now:          time.Now,
		stopChan:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("timeout sweeper started", slog.Duration("interval", s.interval))

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				if err := s.SweepOnce(ctx); err != nil {
					s.logger.ErrorContext(ctx, "timeout sweep failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// Stop signals the sweep loop to exit and waits for it.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// SweepOnce runs a single sweep pass. A failure on one saga is logged and
// does not stop the rest of the batch; a version conflict just means
// another worker got there first.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	sagas, err := s.orchestrator.repo.ListTimedOut(ctx, s.now())
	if err != nil {
		return err
	}
	if len(sagas) == 0 {
		return nil
	}

	s.logger.InfoContext(ctx, "sweeping timed-out sagas", slog.Int("count", len(sagas)))

	for i := range sagas {
		saga := &sagas[i]
		timedOutSagasTotal.Inc()
		if err := s.orchestrator.HandleTimeout(ctx, saga); err != nil {
			s.logger.ErrorContext(ctx, "failed to handle saga timeout",
				slog.String("saga_id", saga.ID),
				slog.Any("error", err),
			)
		}
	}

	return nil
}
