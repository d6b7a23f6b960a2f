package kv

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/makt28/vigil/internal/model"
)

func getTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("VIGIL_TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store, err := Open(ctx, url)
	if err != nil {
		t.Skipf("skipping Redis test (cannot connect): %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBucketLifecycle(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()
	ts := time.Now().Unix() + 10000

	monA := uuid.NewString()
	monB := uuid.NewString()

	if err := store.ScheduleMonitor(ctx, monA, ts); err != nil {
		t.Fatalf("ScheduleMonitor: %v", err)
	}
	if err := store.ScheduleMonitor(ctx, monB, ts); err != nil {
		t.Fatalf("ScheduleMonitor: %v", err)
	}

	members, err := store.BucketMembers(ctx, ts)
	if err != nil {
		t.Fatalf("BucketMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}

	if err := store.RemoveFromBucket(ctx, ts, monA); err != nil {
		t.Fatalf("RemoveFromBucket: %v", err)
	}
	members, _ = store.BucketMembers(ctx, ts)
	if len(members) != 1 || members[0] != monB {
		t.Errorf("after removal members = %v, want [%s]", members, monB)
	}

	if err := store.DeleteBucket(ctx, ts); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	members, _ = store.BucketMembers(ctx, ts)
	if len(members) != 0 {
		t.Errorf("after delete members = %v, want empty", members)
	}
}

func TestRemoveFromAllBuckets(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()
	mon := uuid.NewString()
	base := time.Now().Unix() + 20000

	for i := int64(0); i < 3; i++ {
		if err := store.ScheduleMonitor(ctx, mon, base+i); err != nil {
			t.Fatalf("ScheduleMonitor: %v", err)
		}
	}

	if err := store.RemoveFromAllBuckets(ctx, mon); err != nil {
		t.Fatalf("RemoveFromAllBuckets: %v", err)
	}

	for i := int64(0); i < 3; i++ {
		members, _ := store.BucketMembers(ctx, base+i)
		for _, m := range members {
			if m == mon {
				t.Errorf("monitor still present in bucket %d", base+i)
			}
		}
		store.DeleteBucket(ctx, base+i)
	}
}

func TestTickLock(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()

	// Make sure no previous test left the lock held.
	store.Client().Del(ctx, "scheduler:lock")

	token, ok, err := store.TryLockTick(ctx)
	if err != nil {
		t.Fatalf("TryLockTick: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	_, ok, err = store.TryLockTick(ctx)
	if err != nil {
		t.Fatalf("TryLockTick: %v", err)
	}
	if ok {
		t.Error("second acquire should fail while held")
	}

	// A stale holder's release must not free someone else's lock.
	if err := store.UnlockTick(ctx, "stale-token"); err != nil {
		t.Fatalf("UnlockTick(stale): %v", err)
	}
	_, ok, _ = store.TryLockTick(ctx)
	if ok {
		t.Error("release with the wrong token should leave the lock held")
	}

	if err := store.UnlockTick(ctx, token); err != nil {
		t.Fatalf("UnlockTick: %v", err)
	}
	token, ok, _ = store.TryLockTick(ctx)
	if !ok {
		t.Error("acquire after release should succeed")
	}
	store.UnlockTick(ctx, token)
}

func TestMonitorStateCAS(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()
	mon := uuid.NewString()

	state, err := store.GetMonitorState(ctx, mon)
	if err != nil {
		t.Fatalf("GetMonitorState: %v", err)
	}
	if state != nil {
		t.Fatalf("fresh monitor should have nil state, got %+v", state)
	}

	updated, err := store.UpdateMonitorState(ctx, mon, func(prior *model.MonitorState) (*model.MonitorState, error) {
		if prior != nil {
			t.Errorf("prior should be nil on first update, got %+v", prior)
		}
		return &model.MonitorState{
			MonitorID:     mon,
			CurrentStatus: model.StatusUp,
		}, nil
	})
	if err != nil {
		t.Fatalf("UpdateMonitorState: %v", err)
	}
	if updated.Version != 1 {
		t.Errorf("Version = %d, want 1", updated.Version)
	}

	updated, err = store.UpdateMonitorState(ctx, mon, func(prior *model.MonitorState) (*model.MonitorState, error) {
		prior.ConsecutiveFailures++
		return prior, nil
	})
	if err != nil {
		t.Fatalf("UpdateMonitorState: %v", err)
	}
	if updated.Version != 2 || updated.ConsecutiveFailures != 1 {
		t.Errorf("got version %d failures %d, want 2 and 1", updated.Version, updated.ConsecutiveFailures)
	}
}

func TestMonitorStateConcurrentUpdates(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()
	mon := uuid.NewString()

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateMonitorState(ctx, mon, func(prior *model.MonitorState) (*model.MonitorState, error) {
				if prior == nil {
					prior = &model.MonitorState{MonitorID: mon, CurrentStatus: model.StatusUp}
				}
				prior.ConsecutiveFailures++
				return prior, nil
			})
			if err != nil {
				t.Errorf("UpdateMonitorState: %v", err)
			}
		}()
	}
	wg.Wait()

	state, err := store.GetMonitorState(ctx, mon)
	if err != nil {
		t.Fatalf("GetMonitorState: %v", err)
	}
	if state.ConsecutiveFailures != writers {
		t.Errorf("ConsecutiveFailures = %d, want %d (lost update)", state.ConsecutiveFailures, writers)
	}
}

func TestRecentResultsWindowTrimsToTen(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()
	mon := uuid.NewString()

	for i := int64(0); i < 15; i++ {
		err := store.AppendRecentResult(ctx, model.CheckResult{
			MonitorID: mon,
			Region:    "us-east",
			Status:    model.StatusUp,
			Timestamp: i,
		})
		if err != nil {
			t.Fatalf("AppendRecentResult: %v", err)
		}
	}

	results, err := store.RecentResults(ctx, mon, "us-east", 20)
	if err != nil {
		t.Fatalf("RecentResults: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("window length = %d, want 10", len(results))
	}
	// Newest first.
	if results[0].Timestamp != 14 {
		t.Errorf("newest timestamp = %d, want 14", results[0].Timestamp)
	}
	if results[9].Timestamp != 5 {
		t.Errorf("oldest kept timestamp = %d, want 5", results[9].Timestamp)
	}
}

func TestMarkAlertDedup(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()
	mon := uuid.NewString()

	fresh, err := store.MarkAlert(ctx, mon, model.StatusDown)
	if err != nil {
		t.Fatalf("MarkAlert: %v", err)
	}
	if !fresh {
		t.Error("first mark should be fresh")
	}

	fresh, _ = store.MarkAlert(ctx, mon, model.StatusDown)
	if fresh {
		t.Error("second mark within TTL should be a duplicate")
	}

	// A different status is a different marker.
	fresh, _ = store.MarkAlert(ctx, mon, model.StatusUp)
	if !fresh {
		t.Error("different status should not collide")
	}
}

func TestIncrAlertCount(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()
	mon := uuid.NewString()

	for want := int64(1); want <= 3; want++ {
		count, err := store.IncrAlertCount(ctx, mon)
		if err != nil {
			t.Fatalf("IncrAlertCount: %v", err)
		}
		if count != want {
			t.Errorf("count = %d, want %d", count, want)
		}
	}
}

func TestMarkEvaluated(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()
	key := uuid.NewString() + ":us-east:100"

	fresh, err := store.MarkEvaluated(ctx, key)
	if err != nil {
		t.Fatalf("MarkEvaluated: %v", err)
	}
	if !fresh {
		t.Error("first evaluation should be fresh")
	}
	fresh, _ = store.MarkEvaluated(ctx, key)
	if fresh {
		t.Error("redelivered result should not be fresh")
	}
}

func TestChannelSentMarkers(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()
	alertKey := "alert:" + uuid.NewString() + ":100"

	sent, err := store.ChannelSent(ctx, alertKey, "webhook")
	if err != nil {
		t.Fatalf("ChannelSent: %v", err)
	}
	if sent {
		t.Error("unseen channel should not be sent")
	}

	if err := store.MarkChannelSent(ctx, alertKey, "webhook"); err != nil {
		t.Fatalf("MarkChannelSent: %v", err)
	}
	sent, _ = store.ChannelSent(ctx, alertKey, "webhook")
	if !sent {
		t.Error("marked channel should report sent")
	}
	sent, _ = store.ChannelSent(ctx, alertKey, "email")
	if sent {
		t.Error("other channels should stay unsent")
	}
}

func TestPushAndDrainTicks(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()

	// Start from an empty buffer regardless of prior runs.
	if _, _, err := store.DrainTicks(ctx); err != nil {
		t.Fatalf("DrainTicks: %v", err)
	}

	for i := 0; i < 3; i++ {
		err := store.PushTick(ctx, model.TickEntry{
			MonitorID:    "mon-1",
			RegionID:     "reg-1",
			Status:       "up",
			ResponseTime: int64(i),
		})
		if err != nil {
			t.Fatalf("PushTick: %v", err)
		}
	}
	// A garbage entry must not poison the batch.
	if err := store.Client().LPush(ctx, "status-buffer", "not json").Err(); err != nil {
		t.Fatalf("LPush garbage: %v", err)
	}

	entries, malformed, err := store.DrainTicks(ctx)
	if err != nil {
		t.Fatalf("DrainTicks: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3", len(entries))
	}
	if len(malformed) != 1 {
		t.Errorf("malformed = %d, want 1", len(malformed))
	}

	entries, _, err = store.DrainTicks(ctx)
	if err != nil {
		t.Fatalf("DrainTicks: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("buffer should be empty after drain, got %d entries", len(entries))
	}
}
