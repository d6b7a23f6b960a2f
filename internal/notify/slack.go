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

// SlackNotifier sends alerts to a Slack incoming webhook.
type SlackNotifier struct {
	WebhookURL string
}

func (s *SlackNotifier) Type() string { return "slack" }

func (s *SlackNotifier) Validate() error {
	if s.WebhookURL == "" {
		return errors.New("slack: webhook url is required")
	}
	return nil
}

func (s *SlackNotifier) Send(ctx context.Context, event model.AlertEvent) error {
	payload := map[string]interface{}{
		"text": formatSlackMessage(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func formatSlackMessage(event model.AlertEvent) string {
	icon := ":red_circle:"
	if event.Status == model.StatusUp {
		icon = ":large_green_circle:"
	}

	msg := fmt.Sprintf("%s *[%s] %s*\nURL: %s", icon, event.Status, event.MonitorName, event.MonitorURL)
	if event.Reason != "" {
		msg += fmt.Sprintf("\nReason: %s", event.Reason)
	}
	t := time.Unix(event.Timestamp, 0).UTC()
	msg += fmt.Sprintf("\nTime: %s UTC", t.Format("2006-01-02 15:04:05"))
	return msg
}
