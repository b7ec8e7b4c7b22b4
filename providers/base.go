// Package providers holds the shared plumbing for vendor adapters: a common
// HTTP client, typed error mapping onto the core taxonomy, and structured
// request/response logging.
package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/modelrelay/relay/core"
)

// BaseClient provides common functionality for all vendor adapters.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     core.Logger
	Telemetry  core.Telemetry
}

// NewBaseClient creates a base client with the shared timeout and ambient
// dependencies filled in. Outbound calls are traced through the otelhttp
// transport.
func NewBaseClient(timeout time.Duration, logger core.Logger, telemetry core.Telemetry) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &BaseClient{
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger:    logger,
		Telemetry: telemetry,
	}
}

// Post issues one JSON POST and returns the status and body. It performs no
// retries; the adapters wrap it with the resilience retry loop so every
// attempt sends identical bytes.
func (b *BaseClient) Post(ctx context.Context, url string, headers map[string]string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w: %v", core.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, ClassifyTransport(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", core.ErrUpstreamUnavailable)
	}
	return resp.StatusCode, body, nil
}

// ClassifyTransport maps a transport-level error onto the taxonomy.
func ClassifyTransport(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("request deadline exceeded: %w", core.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("request canceled: %w", core.ErrContextCanceled)
	default:
		return fmt.Errorf("transport failure: %w: %v", core.ErrUpstreamUnavailable, err)
	}
}

// HandleError maps a non-2xx vendor status onto the taxonomy. The body is
// truncated into the message for debugging; callers rely on errors.Is for
// classification.
func (b *BaseClient) HandleError(statusCode int, body []byte, provider string) error {
	snippet := truncateForLog(string(body), 500)
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%s API key rejected (status %d): %w", provider, statusCode, core.ErrAuth)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%s model not found: %w: %s", provider, core.ErrUnknownModel, snippet)
	case statusCode == http.StatusTooManyRequests:
		if strings.Contains(snippet, "quota") || strings.Contains(snippet, "billing") {
			return fmt.Errorf("%s quota exhausted: %w: %s", provider, core.ErrQuotaExceeded, snippet)
		}
		return fmt.Errorf("%s rate limited (status 429): %w", provider, core.ErrUpstreamUnavailable)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s rejected request (status %d): %w: %s", provider, statusCode, core.ErrValidation, snippet)
	case statusCode >= 500:
		return fmt.Errorf("%s unavailable (status %d): %w", provider, statusCode, core.ErrUpstreamUnavailable)
	default:
		return fmt.Errorf("%s unexpected status %d: %w: %s", provider, statusCode, core.ErrInternal, snippet)
	}
}

// LogRequest logs an outgoing vendor call.
func (b *BaseClient) LogRequest(provider, model string, grounded bool, promptBytes int) {
	b.Logger.Info("vendor request initiated", map[string]interface{}{
		"operation":    "vendor_request",
		"provider":     provider,
		"model":        model,
		"grounded":     grounded,
		"prompt_bytes": promptBytes,
	})
}

// LogResponse logs a completed vendor call.
func (b *BaseClient) LogResponse(provider, model string, usage core.Usage, duration time.Duration) {
	b.Logger.Info("vendor response received", map[string]interface{}{
		"operation":         "vendor_response",
		"provider":          provider,
		"model":             model,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
		"duration_ms":       duration.Milliseconds(),
	})
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
