// Package scheduler guarantees every enabled monitor is checked once per its
// configured interval across all its regions. Scheduling is time-bucketed:
// each Unix second owns a bucket of monitor IDs due at that second, and a
// distributed per-tick lock keeps concurrent scheduler instances from
// double-dispatching.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/makt28/vigil/internal/kv"
	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/queue"
	"github.com/makt28/vigil/internal/storage"
)

// Service runs the tick loop and reacts to monitor lifecycle events.
type Service struct {
	db     *storage.DB
	store  *kv.Store
	checks *queue.Queue

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService wires a scheduler against its collaborators.
func NewService(db *storage.DB, store *kv.Store, checks *queue.Queue) *Service {
	return &Service{
		db:     db,
		store:  store,
		checks: checks,
		stopCh: make(chan struct{}),
	}
}

// Init performs the cold start: every enabled monitor is scheduled for an
// immediate check so the full cohort exists before the first tick.
func (s *Service) Init(ctx context.Context) error {
	monitors, err := s.db.ListEnabledMonitors(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list enabled monitors: %w", err)
	}

	now := time.Now().Unix()
	for _, mon := range monitors {
		if err := s.store.ScheduleMonitor(ctx, mon.ID, now); err != nil {
			return fmt.Errorf("scheduler: schedule %s: %w", mon.ID, err)
		}
	}

	slog.Info("scheduler initialized", "monitors", len(monitors))
	return nil
}

// Start launches the tick loop. Ticks are processed serially: a tick that
// runs long delays the next instead of overlapping it.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.tickLoop()
	slog.Info("scheduler started")
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		slog.Info("scheduler stopped")
	})
}

func (s *Service) tickLoop() {
	defer s.wg.Done()

	for {
		// Sleep to the next second boundary.
		now := time.Now()
		wait := now.Truncate(time.Second).Add(time.Second).Sub(now)

		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		ts := time.Now().Unix()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.ProcessTick(ctx, ts); err != nil {
			// Tick abandoned; failed members were requeued where possible.
			slog.Error("tick failed", "timestamp", ts, "error", err)
		}
		cancel()
	}
}

// ProcessTick dispatches check jobs for every monitor due at ts. Only one
// scheduler instance processes a given tick; losing the lock skips the tick
// entirely, which delays those monitors by at most the lock TTL.
//
// A monitor is removed from the bucket only after its dispatch succeeded;
// members whose dispatch failed are moved to the next second's bucket so a
// partial failure cannot silently drop them.
func (s *Service) ProcessTick(ctx context.Context, ts int64) error {
	token, acquired, err := s.store.TryLockTick(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		slog.Info("tick skipped, another scheduler holds the lock", "timestamp", ts)
		return nil
	}
	defer func() {
		// Release with a fresh context so a cancelled tick still unlocks.
		if err := s.store.UnlockTick(context.Background(), token); err != nil {
			slog.Error("failed to release tick lock", "error", err)
		}
	}()

	members, err := s.store.BucketMembers(ctx, ts)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	slog.Info("processing tick", "timestamp", ts, "monitors", len(members))

	monitors, err := s.db.ListMonitors(ctx, members)
	if err != nil {
		return err
	}
	byID := make(map[string]model.Monitor, len(monitors))
	for _, mon := range monitors {
		byID[mon.ID] = mon
	}

	var failed []string
	for _, id := range members {
		mon, ok := byID[id]
		if !ok {
			// Deleted since it was scheduled; the bucket delete below drops it.
			slog.Debug("scheduled monitor no longer exists", "monitor_id", id)
			continue
		}
		if !mon.Enabled {
			// Disabled monitors are skipped without a reschedule; re-enabling
			// arrives as a lifecycle event.
			continue
		}

		if err := s.dispatch(ctx, mon, ts); err != nil {
			slog.Error("dispatch failed", "monitor_id", id, "error", err)
			failed = append(failed, id)
			continue
		}
		if err := s.store.RemoveFromBucket(ctx, ts, id); err != nil {
			slog.Error("failed to ack dispatch", "monitor_id", id, "error", err)
		}
	}

	for _, id := range failed {
		if err := s.store.ScheduleMonitor(ctx, id, ts+1); err != nil {
			slog.Error("failed to requeue monitor", "monitor_id", id, "error", err)
		}
	}

	return s.store.DeleteBucket(ctx, ts)
}

// dispatch enqueues one check job per configured region and schedules the
// monitor's next cycle.
func (s *Service) dispatch(ctx context.Context, mon model.Monitor, ts int64) error {
	regions, err := s.db.ListRegionsByCodes(ctx, mon.Regions)
	if err != nil {
		return err
	}
	if len(regions) == 0 {
		slog.Warn("monitor has no valid regions configured", "monitor_id", mon.ID)
		return nil
	}

	for _, region := range regions {
		job := model.CheckJob{
			MonitorID:    mon.ID,
			URL:          mon.URL,
			Region:       region.Code,
			ScheduledFor: ts,
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		if err := s.checks.Publish(ctx, payload, job.IdempotencyKey()); err != nil {
			return fmt.Errorf("publish job for region %s: %w", region.Code, err)
		}
	}

	return s.store.ScheduleMonitor(ctx, mon.ID, ts+int64(mon.IntervalSec))
}

// HandleLifecycleEvent reacts to monitor mutations pushed by the CRUD
// service: created/updated monitors get an immediate reschedule, deleted
// monitors are scrubbed from live buckets best effort.
func (s *Service) HandleLifecycleEvent(ctx context.Context, payload []byte) error {
	var event model.LifecycleEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		slog.Error("malformed lifecycle event, dropping", "error", err)
		return nil
	}

	slog.Info("lifecycle event", "event", event.Event, "monitor_id", event.MonitorID)

	switch event.Event {
	case "created", "updated":
		mon, err := s.db.GetMonitor(ctx, event.MonitorID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				slog.Warn("lifecycle event for missing monitor", "monitor_id", event.MonitorID)
				return nil
			}
			return fmt.Errorf("scheduler: load monitor: %w", err)
		}
		// Clear any existing schedule first: a monitor lives in at most one
		// bucket, and leaving the old one behind would double its check rate.
		if err := s.store.RemoveFromAllBuckets(ctx, mon.ID); err != nil {
			return fmt.Errorf("scheduler: clear schedule: %w", err)
		}
		if !mon.Enabled {
			return nil
		}
		return s.store.ScheduleMonitor(ctx, mon.ID, time.Now().Unix())

	case "deleted":
		return s.store.RemoveFromAllBuckets(ctx, event.MonitorID)

	default:
		slog.Warn("unknown lifecycle event", "event", event.Event)
		return nil
	}
}
