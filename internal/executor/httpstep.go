package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/meridianhq/sagaflow/internal/domain"
	"github.com/meridianhq/sagaflow/pkg/httpclient"
)

// HTTPActionPrefix marks action types carried out over HTTP. The remainder
// of the action type names the downstream endpoint, e.g.
// "http.reserve_inventory" posts to <service>/api/v1/actions/reserve_inventory.
const HTTPActionPrefix = "http."

// HTTPDoer executes HTTP requests. Both httpclient.Client and
// httpclient.CircuitBreakerClient satisfy this.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPExecutor runs step actions as JSON POSTs against downstream services.
// The step's ServiceName selects the base URL; the action type names the
// endpoint. Network errors and 5xx responses surface as transient failures,
// 4xx responses as permanent ones.
type HTTPExecutor struct {
	client   HTTPDoer
	services map[string]string // service name -> base URL
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHTTPExecutor creates an HTTP step executor. A zero timeout means each
// call inherits the caller's context deadline.
func NewHTTPExecutor(client HTTPDoer, services map[string]string, timeout time.Duration, logger *slog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client:   client,
		services: services,
		timeout:  timeout,
		logger:   logger,
	}
}

// CanHandle reports whether the action type uses the HTTP prefix.
func (e *HTTPExecutor) CanHandle(actionType string) bool {
	return strings.HasPrefix(actionType, HTTPActionPrefix)
}

// Execute posts the step's action payload to the downstream service and
// returns the response body as the step result.
func (e *HTTPExecutor) Execute(ctx context.Context, saga *domain.Saga, step *domain.Step) (string, error) {
	action := strings.TrimPrefix(step.ActionType, HTTPActionPrefix)
	url, err := e.endpoint(step.ServiceName, "actions", action)
	if err != nil {
		return "", err
	}

	body, err := e.post(ctx, step.ServiceName, url, step.ActionPayload)
	if err != nil {
		return "", err
	}

	e.logger.InfoContext(ctx, "step action executed",
		slog.String("saga_id", step.SagaID),
		slog.String("step", step.Name),
		slog.String("action", action),
	)

	return body, nil
}

// Compensate posts the step's compensation payload to the downstream
// service. The original result is sent alongside so the service can locate
// what to undo.
func (e *HTTPExecutor) Compensate(ctx context.Context, saga *domain.Saga, step *domain.Step) error {
	action := strings.TrimPrefix(step.CompensationActionType, HTTPActionPrefix)
	url, err := e.endpoint(step.ServiceName, "compensations", action)
	if err != nil {
		return err
	}

	payload := step.CompensationPayload
	if payload == "" {
		payload = step.Result
	}

	if _, err := e.post(ctx, step.ServiceName, url, payload); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "step compensated",
		slog.String("saga_id", step.SagaID),
		slog.String("step", step.Name),
		slog.String("action", action),
	)

	return nil
}

func (e *HTTPExecutor) endpoint(serviceName, kind, action string) (string, error) {
	base, ok := e.services[serviceName]
	if !ok {
		// An unknown service is a wiring problem, never worth retrying.
		return "", Permanent(fmt.Errorf("no base URL configured for service %q", serviceName))
	}
	return fmt.Sprintf("%s/api/v1/%s/%s", strings.TrimRight(base, "/"), kind, action), nil
}

func (e *HTTPExecutor) post(ctx context.Context, serviceName, url, payload string) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return "", Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(ctx, req)
	if err != nil {
		return "", Transient(fmt.Errorf("call %s: %w", serviceName, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", Transient(fmt.Errorf("read %s response: %w", serviceName, err))
		}
		return string(body), nil
	}

	parsed := httpclient.ParseResponseError(resp, serviceName)
	if httpclient.IsClientError(resp.StatusCode) {
		return "", Permanent(parsed)
	}
	return "", Transient(parsed)
}
