// Package evaluator folds per-region check results into authoritative
// per-monitor health state, emitting an alert event only at the instant the
// state changes. Consecutive-failure counting provides hysteresis against
// flapping.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/makt28/vigil/internal/kv"
	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/queue"
	"github.com/makt28/vigil/internal/storage"
)

const (
	// ConsecutiveFailureThreshold is how many DOWN results in a row mark a
	// monitor DOWN.
	ConsecutiveFailureThreshold = 2
	// RecoveryThreshold is how many corroborating UP results in the recent
	// window mark a DOWN monitor UP again.
	RecoveryThreshold = 1
	// recoveryLookback is how many recent results are inspected on recovery.
	recoveryLookback = 3
)

// Decide applies one check result to a monitor's state. prior is nil for the
// first-ever result, which initializes the monitor as UP. recentUps is the
// number of UP results among the recent window for the result's (monitor,
// region) stream, including this result. The returned transition is nil when
// the status did not change.
func Decide(prior *model.MonitorState, result model.CheckResult, recentUps int) (model.MonitorState, *model.StateTransition) {
	var state model.MonitorState
	if prior != nil {
		state = *prior
	} else {
		state = model.MonitorState{
			MonitorID:         result.MonitorID,
			CurrentStatus:     model.StatusUp,
			LastCheckedAt:     result.Timestamp,
			LastStateChangeAt: result.Timestamp,
		}
	}

	previous := state.CurrentStatus
	next := previous
	reason := ""

	if result.Status == model.StatusDown {
		state.ConsecutiveFailures++
		if previous == model.StatusUp && state.ConsecutiveFailures >= ConsecutiveFailureThreshold {
			next = model.StatusDown
			reason = fmt.Sprintf("Consecutive failures threshold reached (%d)", state.ConsecutiveFailures)
		}
	} else {
		state.ConsecutiveFailures = 0
		if previous == model.StatusDown && recentUps >= RecoveryThreshold {
			next = model.StatusUp
			reason = "Monitor recovered"
		}
	}

	state.LastCheckedAt = result.Timestamp

	if next == previous {
		return state, nil
	}

	state.CurrentStatus = next
	state.LastStateChangeAt = result.Timestamp
	if next == model.StatusUp {
		state.ConsecutiveFailures = 0
	}

	return state, &model.StateTransition{
		MonitorID:  result.MonitorID,
		FromStatus: previous,
		ToStatus:   next,
		Timestamp:  result.Timestamp,
		Reason:     reason,
	}
}

// Service consumes check results and maintains monitor state.
type Service struct {
	db     *storage.DB
	store  *kv.Store
	alerts *queue.Queue
}

// NewService wires an evaluator against its collaborators.
func NewService(db *storage.DB, store *kv.Store, alerts *queue.Queue) *Service {
	return &Service{db: db, store: store, alerts: alerts}
}

// HandleResult processes one CheckResult message. Datastore errors are
// surfaced for the queue's retry policy; a concurrently deleted monitor drops
// the transition with a warning.
func (s *Service) HandleResult(ctx context.Context, payload []byte) error {
	var result model.CheckResult
	if err := json.Unmarshal(payload, &result); err != nil {
		slog.Error("malformed check result, dropping", "error", err)
		return nil
	}

	fresh, err := s.store.MarkEvaluated(ctx, result.IdempotencyKey())
	if err != nil {
		return fmt.Errorf("evaluator: mark evaluated: %w", err)
	}
	if !fresh {
		slog.Debug("result already evaluated, skipping",
			"monitor_id", result.MonitorID, "region", result.Region, "timestamp", result.Timestamp)
		return nil
	}

	// A failure below must clear the marker, or redelivery of this result
	// would be skipped as already evaluated and the result lost for good.
	if err := s.evaluate(ctx, result); err != nil {
		if derr := s.store.UnmarkEvaluated(ctx, result.IdempotencyKey()); derr != nil {
			slog.Error("failed to clear evaluated marker",
				"monitor_id", result.MonitorID, "region", result.Region, "error", derr)
		}
		return err
	}
	return nil
}

func (s *Service) evaluate(ctx context.Context, result model.CheckResult) error {
	slog.Debug("evaluating result",
		"monitor_id", result.MonitorID, "region", result.Region, "status", result.Status)

	// The window is appended before evaluation so the recovery check sees the
	// current result.
	if err := s.store.AppendRecentResult(ctx, result); err != nil {
		return fmt.Errorf("evaluator: record result: %w", err)
	}

	recentUps := 0
	if result.Status == model.StatusUp {
		recent, err := s.store.RecentResults(ctx, result.MonitorID, result.Region, recoveryLookback)
		if err != nil {
			return fmt.Errorf("evaluator: recent results: %w", err)
		}
		for _, r := range recent {
			if r.Status == model.StatusUp {
				recentUps++
			}
		}
	}

	var transition *model.StateTransition
	_, err := s.store.UpdateMonitorState(ctx, result.MonitorID, func(prior *model.MonitorState) (*model.MonitorState, error) {
		next, tr := Decide(prior, result, recentUps)
		transition = tr
		return &next, nil
	})
	if err != nil {
		return fmt.Errorf("evaluator: update state: %w", err)
	}

	if transition == nil {
		return nil
	}

	slog.Info("state transition",
		"monitor_id", transition.MonitorID,
		"from", transition.FromStatus,
		"to", transition.ToStatus,
		"reason", transition.Reason,
	)

	mon, err := s.db.GetMonitor(ctx, transition.MonitorID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Warn("monitor deleted, dropping transition", "monitor_id", transition.MonitorID)
			return nil
		}
		return fmt.Errorf("evaluator: load monitor: %w", err)
	}

	event := model.AlertEvent{
		MonitorID:   transition.MonitorID,
		UserID:      mon.UserID,
		MonitorName: mon.Name,
		MonitorURL:  mon.URL,
		Status:      transition.ToStatus,
		Timestamp:   transition.Timestamp,
		Reason:      transition.Reason,
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("evaluator: encode alert event: %w", err)
	}
	if err := s.alerts.Publish(ctx, encoded, event.IdempotencyKey()); err != nil {
		return fmt.Errorf("evaluator: publish alert event: %w", err)
	}
	return nil
}
