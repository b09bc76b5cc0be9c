package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianhq/sagaflow/internal/deadletter"
	"github.com/meridianhq/sagaflow/internal/orchestrator"
	"github.com/meridianhq/sagaflow/pkg/health"
	"github.com/meridianhq/sagaflow/pkg/middleware"
)

// NewRouter creates a chi router with all saga service routes registered.
func NewRouter(
	orch *orchestrator.Orchestrator,
	queue *deadletter.Queue,
	healthHandler *health.Handler,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(CORS)
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("sagaflow"))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	sagaHandler := NewSagaHandler(orch, logger)
	deadLetterHandler := NewDeadLetterHandler(queue, logger)

	r.Route("/api/v1/sagas", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/", sagaHandler.StartSaga)
		r.Get("/", sagaHandler.ListSagas)
		r.Get("/{id}", sagaHandler.GetSaga)
		r.Post("/{id}/continue", sagaHandler.ContinueSaga)
		r.Post("/{id}/compensate", sagaHandler.CompensateSaga)
		r.Post("/{id}/abort", sagaHandler.AbortSaga)
		r.Post("/{id}/steps/{stepID}/retry", sagaHandler.RetryStep)
	})

	r.Route("/api/v1/dead-letters", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Get("/", deadLetterHandler.List)

		// Stats must come before /{id} to avoid conflict.
		r.Get("/stats", deadLetterHandler.Stats)

		r.Get("/{id}", deadLetterHandler.Get)
		r.Post("/{id}/retry", deadLetterHandler.Retry)
		r.Delete("/{id}", deadLetterHandler.Discard)
	})

	return r
}
