// Package notify holds the notification channel implementations the alerter
// fans out to.
package notify

import (
	"context"

	"github.com/makt28/vigil/internal/config"
	"github.com/makt28/vigil/internal/model"
)

// Notifier is the interface that all notification channel implementations
// must satisfy.
type Notifier interface {
	// Type returns the channel identifier (e.g., "slack", "webhook").
	Type() string

	// Send delivers an alert event. It should return an error if delivery fails.
	Send(ctx context.Context, event model.AlertEvent) error

	// Validate checks whether the notifier configuration is valid.
	Validate() error
}

// Enabled builds the set of notifiers turned on in the configuration. A
// channel is enabled by its corresponding setting being present.
func Enabled(cfg *config.Config) []Notifier {
	var notifiers []Notifier
	if cfg.EnableEmailAlerts {
		notifiers = append(notifiers, &EmailNotifier{
			Addr: cfg.SMTPAddr,
			From: cfg.SMTPFrom,
			To:   cfg.SMTPTo,
		})
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &SlackNotifier{WebhookURL: cfg.SlackWebhookURL})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &WebhookNotifier{URL: cfg.WebhookURL})
	}
	return notifiers
}
