// Package checker executes one bounded HTTP probe per check job and emits
// exactly one result per job to the evaluator.
package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/makt28/vigil/internal/kv"
	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/queue"
	"github.com/makt28/vigil/internal/storage"
)

// Service consumes check jobs, probes targets, and publishes results.
type Service struct {
	db      *storage.DB
	store   *kv.Store
	results *queue.Queue
	prober  *Prober
}

// NewService wires a checker against its collaborators.
func NewService(db *storage.DB, store *kv.Store, results *queue.Queue, probeTimeout time.Duration) *Service {
	return &Service{
		db:      db,
		store:   store,
		results: results,
		prober:  NewProber(probeTimeout),
	}
}

// HandleJob processes one CheckJob message. Probe failures are normal results,
// never job errors; only infrastructure failures (region lookup, result
// publish) are surfaced for the queue's retry policy.
func (s *Service) HandleJob(ctx context.Context, payload []byte) error {
	var job model.CheckJob
	if err := json.Unmarshal(payload, &job); err != nil {
		// A payload that cannot be decoded will never succeed; drop it.
		slog.Error("malformed check job, dropping", "error", err)
		return nil
	}

	slog.Debug("checking monitor", "monitor_id", job.MonitorID, "region", job.Region)

	outcome := s.prober.Probe(ctx, job.URL)

	region, err := s.db.GetRegionByCode(ctx, job.Region)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("checker: region %s not found", job.Region)
		}
		return fmt.Errorf("checker: resolve region %s: %w", job.Region, err)
	}

	ts := job.ScheduledFor
	if ts == 0 {
		ts = time.Now().Unix()
	}

	status := model.StatusDown
	tickStatus := "down"
	if outcome.Up {
		status = model.StatusUp
		tickStatus = "up"
	}

	result := model.CheckResult{
		MonitorID:      job.MonitorID,
		Region:         job.Region,
		Status:         status,
		ResponseTimeMs: outcome.ResponseTimeMs,
		StatusCode:     outcome.StatusCode,
		ErrorMessage:   outcome.ErrorMessage,
		Timestamp:      ts,
	}

	// Buffer the raw tick for bulk persistence. Fire and forget: the result
	// pipeline does not depend on it.
	tick := model.TickEntry{
		MonitorID:    job.MonitorID,
		RegionID:     region.ID,
		Status:       tickStatus,
		ResponseTime: outcome.ResponseTimeMs,
		ErrorMessage: outcome.ErrorMessage,
	}
	if err := s.store.PushTick(ctx, tick); err != nil {
		slog.Error("failed to buffer tick", "monitor_id", job.MonitorID, "error", err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("checker: encode result: %w", err)
	}
	if err := s.results.Publish(ctx, encoded, result.IdempotencyKey()); err != nil {
		return fmt.Errorf("checker: publish result: %w", err)
	}

	slog.Info("check completed",
		"monitor_id", job.MonitorID,
		"region", job.Region,
		"status", status,
		"response_time_ms", outcome.ResponseTimeMs,
	)
	return nil
}
