// Package alerter delivers a notification for each genuine state transition,
// suppressing duplicates and excessive volume. Delivery is best effort and
// parallel across channels; suppression is success, not failure.
package alerter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/makt28/vigil/internal/kv"
	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/notify"
)

// RateLimitMaxAlerts is the most alerts one monitor may emit per sliding
// window before further alerts are dropped.
const RateLimitMaxAlerts = 5

const channelTimeout = 10 * time.Second

// Service consumes alert events and fans them out to notification channels.
type Service struct {
	store     *kv.Store
	notifiers []notify.Notifier
}

// NewService wires an alerter with its enabled channels.
func NewService(store *kv.Store, notifiers []notify.Notifier) *Service {
	return &Service{store: store, notifiers: notifiers}
}

// HandleEvent processes one AlertEvent message. Rate-limited and deduplicated
// alerts are successfully processed no-ops. Channel failures are logged, never
// surfaced: retrying the whole event would re-notify channels that succeeded,
// so redelivery is left to the queue and guarded by per-channel sent markers.
func (s *Service) HandleEvent(ctx context.Context, payload []byte) error {
	var event model.AlertEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		slog.Error("malformed alert event, dropping", "error", err)
		return nil
	}

	// Rate limit first: a rate-limited alert never touches the dedup marker.
	count, err := s.store.IncrAlertCount(ctx, event.MonitorID)
	if err != nil {
		return err
	}
	if count > RateLimitMaxAlerts {
		slog.Warn("alert rate limited, dropping",
			"monitor_id", event.MonitorID, "count", count)
		return nil
	}

	fresh, err := s.store.MarkAlert(ctx, event.MonitorID, event.Status)
	if err != nil {
		return err
	}
	if !fresh {
		slog.Info("duplicate alert suppressed",
			"monitor_id", event.MonitorID, "status", event.Status)
		return nil
	}

	if len(s.notifiers) == 0 {
		slog.Warn("no notification channels enabled", "monitor_id", event.MonitorID)
		return nil
	}

	slog.Info("sending alert",
		"monitor_id", event.MonitorID, "status", event.Status, "reason", event.Reason)

	s.fanOut(ctx, event)
	return nil
}

// fanOut delivers the event through every enabled channel concurrently and
// waits for all of them to settle.
func (s *Service) fanOut(ctx context.Context, event model.AlertEvent) {
	alertKey := event.IdempotencyKey()

	var wg sync.WaitGroup
	for _, n := range s.notifiers {
		wg.Add(1)
		go func(n notify.Notifier) {
			defer wg.Done()
			s.deliver(ctx, n, event, alertKey)
		}(n)
	}
	wg.Wait()
}

func (s *Service) deliver(ctx context.Context, n notify.Notifier, event model.AlertEvent, alertKey string) {
	sent, err := s.store.ChannelSent(ctx, alertKey, n.Type())
	if err != nil {
		slog.Error("sent-marker lookup failed", "channel", n.Type(), "error", err)
		// Fall through and deliver: a duplicate notification beats a missed one.
	}
	if sent {
		slog.Debug("channel already delivered this alert, skipping",
			"channel", n.Type(), "monitor_id", event.MonitorID)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, channelTimeout)
	defer cancel()

	if err := n.Send(sendCtx, event); err != nil {
		slog.Error("notification send failed",
			"channel", n.Type(), "monitor_id", event.MonitorID, "error", err)
		return
	}

	if err := s.store.MarkChannelSent(ctx, alertKey, n.Type()); err != nil {
		slog.Error("failed to record channel delivery", "channel", n.Type(), "error", err)
	}
	slog.Info("notification sent", "channel", n.Type(), "monitor_id", event.MonitorID, "status", event.Status)
}
