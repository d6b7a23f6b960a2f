package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/makt28/vigil/internal/model"
)

// WebhookNotifier posts alerts as JSON to a configured URL. Any 2xx response
// counts as success.
type WebhookNotifier struct {
	URL string
}

func (w *WebhookNotifier) Type() string { return "webhook" }

func (w *WebhookNotifier) Validate() error {
	if w.URL == "" {
		return errors.New("webhook: url is required")
	}
	return nil
}

func (w *WebhookNotifier) Send(ctx context.Context, event model.AlertEvent) error {
	payload := map[string]interface{}{
		"monitorId":   event.MonitorID,
		"monitorName": event.MonitorName,
		"monitorUrl":  event.MonitorURL,
		"status":      event.Status,
		"timestamp":   event.Timestamp,
		"reason":      event.Reason,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
