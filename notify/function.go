package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"eldercare-notifier/pkg/guardian"
)

// FunctionChannel delivers intents to a managed function endpoint over HTTP.
// The endpoint fans the payload out to the family's subscribed devices.
type FunctionChannel struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewFunctionChannel creates a channel targeting the given endpoint URL.
func NewFunctionChannel(endpoint string, logger *slog.Logger) *FunctionChannel {
	return &FunctionChannel{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Name implements Channel.
func (f *FunctionChannel) Name() string { return "function" }

// Send posts the intent's wire fields as JSON. Any non-2xx response or
// timeout is a failure; the dispatcher falls through to the next channel.
// No internal retry: the fallback chain is the retry mechanism.
func (f *FunctionChannel) Send(ctx context.Context, intent *guardian.Intent) error {
	body, err := json.Marshal(intent.Data())
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	f.logger.Info("Function channel request starting",
		"method", "POST",
		"endpoint", f.endpoint,
		"kind", string(intent.Kind),
		"family_id", intent.FamilyID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := f.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		return fmt.Errorf("function call: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	f.logger.Info("Function channel request completed",
		"endpoint", f.endpoint,
		"kind", string(intent.Kind),
		"family_id", intent.FamilyID,
		"duration_ms", duration.Milliseconds(),
		"status", "success")

	return nil
}
