package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mirador/chainwatch/internal/model"
)

const maxResponseBody = 4096

// WebhookSink POSTs processed events as JSON to a configured URL.
type WebhookSink struct {
	url     string
	client  *http.Client
	enabled bool
}

// NewWebhookSink builds a webhook sink with a per-request timeout.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		enabled: true,
	}
}

func (w *WebhookSink) ID() string    { return "webhook" }
func (w *WebhookSink) Enabled() bool { return w.enabled }

func (w *WebhookSink) Send(ctx context.Context, evt *model.ProcessedEvent) error {
	body, err := marshalWebhook(evt)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook post: %v", model.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return fmt.Errorf("Webhook request failed: %d %s. Response: %s",
		resp.StatusCode, http.StatusText(resp.StatusCode), string(respBody))
}
