// Package kv wraps the shared Redis instance behind typed accessors. Each key
// namespace has exactly one writer component: the scheduler owns buckets and
// the tick lock, the evaluator owns monitor state and result windows, the
// alerter owns dedup and rate-limit keys, the checker appends to the status
// buffer which the writer drains.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/makt28/vigil/internal/model"
)

const (
	bucketKeyPrefix    = "scheduler:bucket:"
	schedulerLockKey   = "scheduler:lock"
	stateKeyPrefix     = "monitor:state:"
	resultsKeyPrefix   = "monitor:results:"
	evaluatedKeyPrefix = "monitor:evaluated:"
	dedupKeyPrefix     = "alert:dedup:"
	rateLimitKeyPrefix = "alert:ratelimit:"
	sentKeyPrefix      = "alert:sent:"
	statusBufferKey    = "status-buffer"

	bucketTTL        = time.Hour
	schedulerLockTTL = 5 * time.Second
	stateTTL         = 7 * 24 * time.Hour
	resultsTTL       = time.Hour
	resultsWindow    = 10
	evaluatedTTL     = time.Hour
	dedupTTL         = 60 * time.Second
	rateLimitWindow  = 300 * time.Second
	sentTTL          = time.Hour
)

// ErrStateConflict is returned when an optimistic state update loses the race
// too many times in a row.
var ErrStateConflict = errors.New("kv: monitor state update conflict")

// Store provides access to the shared key-value coordination state.
type Store struct {
	rdb *redis.Client
}

// Open connects to Redis at the given URL and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewStore wraps an existing client. Used by tests.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error { return s.rdb.Close() }

// Client exposes the underlying Redis client for the queue layer, which
// shares the same connection.
func (s *Store) Client() *redis.Client { return s.rdb }

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func bucketKey(ts int64) string {
	return bucketKeyPrefix + strconv.FormatInt(ts, 10)
}

// --- Schedule buckets ---

// ScheduleMonitor adds a monitor to the bucket for the given Unix second.
// Buckets expire after an hour so orphaned entries do not accumulate.
func (s *Store) ScheduleMonitor(ctx context.Context, monitorID string, ts int64) error {
	key := bucketKey(ts)
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, monitorID)
	pipe.Expire(ctx, key, bucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: schedule monitor: %w", err)
	}
	return nil
}

// BucketMembers returns the monitor IDs due at the given second without
// clearing the bucket. Members are removed individually as their dispatch
// succeeds.
func (s *Store) BucketMembers(ctx context.Context, ts int64) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, bucketKey(ts)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: bucket members: %w", err)
	}
	return members, nil
}

// RemoveFromBucket acknowledges one monitor's dispatch out of a bucket.
func (s *Store) RemoveFromBucket(ctx context.Context, ts int64, monitorID string) error {
	if err := s.rdb.SRem(ctx, bucketKey(ts), monitorID).Err(); err != nil {
		return fmt.Errorf("kv: remove from bucket: %w", err)
	}
	return nil
}

// DeleteBucket drops a consumed bucket.
func (s *Store) DeleteBucket(ctx context.Context, ts int64) error {
	if err := s.rdb.Del(ctx, bucketKey(ts)).Err(); err != nil {
		return fmt.Errorf("kv: delete bucket: %w", err)
	}
	return nil
}

// RemoveFromAllBuckets removes a deleted monitor from every live bucket. Best
// effort: buckets expire on their own, so a missed key is harmless.
func (s *Store) RemoveFromAllBuckets(ctx context.Context, monitorID string) error {
	iter := s.rdb.Scan(ctx, 0, bucketKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.SRem(ctx, iter.Val(), monitorID).Err(); err != nil {
			return fmt.Errorf("kv: remove %s from %s: %w", monitorID, iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("kv: scan buckets: %w", err)
	}
	return nil
}

// --- Scheduler tick lock ---

// unlockScript releases the lock only for its current holder, so an instance
// whose TTL lapsed mid-tick cannot free a lock someone else took over.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// TryLockTick attempts to take the per-tick scheduler lock. A false return
// means another scheduler instance owns this tick; on success the returned
// token identifies this holder for UnlockTick.
func (s *Store) TryLockTick(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, schedulerLockKey, token, schedulerLockTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("kv: acquire tick lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// UnlockTick releases the tick lock if token still holds it. The TTL
// guarantees release even if the holder dies first.
func (s *Store) UnlockTick(ctx context.Context, token string) error {
	if err := unlockScript.Run(ctx, s.rdb, []string{schedulerLockKey}, token).Err(); err != nil {
		return fmt.Errorf("kv: release tick lock: %w", err)
	}
	return nil
}

// --- Monitor state ---

// GetMonitorState loads the state record for a monitor, or nil if none exists.
func (s *Store) GetMonitorState(ctx context.Context, monitorID string) (*model.MonitorState, error) {
	data, err := s.rdb.Get(ctx, stateKeyPrefix+monitorID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get monitor state: %w", err)
	}
	var state model.MonitorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("kv: decode monitor state: %w", err)
	}
	return &state, nil
}

// UpdateMonitorState applies update inside an optimistic compare-and-swap
// loop, so two evaluator workers racing on the same monitor cannot lose a
// write. update receives nil when no state exists yet and must return the new
// state to store.
func (s *Store) UpdateMonitorState(ctx context.Context, monitorID string, update func(*model.MonitorState) (*model.MonitorState, error)) (*model.MonitorState, error) {
	key := stateKeyPrefix + monitorID
	var final *model.MonitorState

	txn := func(tx *redis.Tx) error {
		var current *model.MonitorState
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			current = &model.MonitorState{}
			if err := json.Unmarshal(data, current); err != nil {
				return fmt.Errorf("decode state: %w", err)
			}
		}

		next, err := update(current)
		if err != nil {
			return err
		}
		next.Version++

		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, stateTTL)
			return nil
		})
		if err != nil {
			return err
		}
		final = next
		return nil
	}

	const maxRetries = 10
	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == nil {
			return final, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent write, retry
		}
		return nil, fmt.Errorf("kv: update monitor state: %w", err)
	}
	return nil, ErrStateConflict
}

// --- Recent results window ---

func resultsKey(monitorID, region string) string {
	return resultsKeyPrefix + monitorID + ":" + region
}

// AppendRecentResult pushes a result onto the per-(monitor, region) ring
// buffer, keeping the newest ten entries.
func (s *Store) AppendRecentResult(ctx context.Context, result model.CheckResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("kv: encode result: %w", err)
	}
	key := resultsKey(result.MonitorID, result.Region)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, resultsWindow-1)
	pipe.Expire(ctx, key, resultsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: append recent result: %w", err)
	}
	return nil
}

// RecentResults returns up to limit most recent results, newest first.
func (s *Store) RecentResults(ctx context.Context, monitorID, region string, limit int) ([]model.CheckResult, error) {
	raw, err := s.rdb.LRange(ctx, resultsKey(monitorID, region), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: recent results: %w", err)
	}
	results := make([]model.CheckResult, 0, len(raw))
	for _, item := range raw {
		var r model.CheckResult
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("kv: decode recent result: %w", err)
		}
		results = append(results, r)
	}
	return results, nil
}

// MarkEvaluated records that a check result was already evaluated. It returns
// false for a result seen before, so queue redelivery cannot double-count
// consecutive failures.
func (s *Store) MarkEvaluated(ctx context.Context, resultKey string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, evaluatedKeyPrefix+resultKey, "1", evaluatedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("kv: mark evaluated: %w", err)
	}
	return ok, nil
}

// UnmarkEvaluated clears the evaluated marker after a failed evaluation, so
// the queue's redelivery of that result is processed instead of skipped.
func (s *Store) UnmarkEvaluated(ctx context.Context, resultKey string) error {
	if err := s.rdb.Del(ctx, evaluatedKeyPrefix+resultKey).Err(); err != nil {
		return fmt.Errorf("kv: unmark evaluated: %w", err)
	}
	return nil
}

// --- Alert dedup and rate limiting ---

// MarkAlert sets the dedup marker for (monitor, status). It returns false if
// the marker already existed, meaning the alert is a duplicate.
func (s *Store) MarkAlert(ctx context.Context, monitorID string, status model.Status) (bool, error) {
	key := dedupKeyPrefix + monitorID + ":" + string(status)
	ok, err := s.rdb.SetNX(ctx, key, "1", dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("kv: mark alert: %w", err)
	}
	return ok, nil
}

// IncrAlertCount bumps the sliding alert counter for a monitor and refreshes
// its window. The returned count includes this increment.
func (s *Store) IncrAlertCount(ctx context.Context, monitorID string) (int64, error) {
	key := rateLimitKeyPrefix + monitorID
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rateLimitWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kv: incr alert count: %w", err)
	}
	return incr.Val(), nil
}

// ChannelSent reports whether one channel already delivered the alert
// identified by alertKey, so a redelivered AlertEvent does not re-notify
// channels that succeeded.
func (s *Store) ChannelSent(ctx context.Context, alertKey, channel string) (bool, error) {
	n, err := s.rdb.Exists(ctx, sentKeyPrefix+alertKey+":"+channel).Result()
	if err != nil {
		return false, fmt.Errorf("kv: channel sent: %w", err)
	}
	return n > 0, nil
}

// MarkChannelSent records a successful delivery of one alert through one
// channel.
func (s *Store) MarkChannelSent(ctx context.Context, alertKey, channel string) error {
	key := sentKeyPrefix + alertKey + ":" + channel
	if err := s.rdb.Set(ctx, key, "1", sentTTL).Err(); err != nil {
		return fmt.Errorf("kv: mark channel sent: %w", err)
	}
	return nil
}

// --- Status buffer ---

// PushTick appends a raw check outcome to the bulk-persistence buffer.
func (s *Store) PushTick(ctx context.Context, entry model.TickEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("kv: encode tick: %w", err)
	}
	if err := s.rdb.LPush(ctx, statusBufferKey, data).Err(); err != nil {
		return fmt.Errorf("kv: push tick: %w", err)
	}
	return nil
}

// DrainTicks atomically reads and clears the status buffer. Entries that fail
// to decode are returned in malformed for the caller to log.
func (s *Store) DrainTicks(ctx context.Context) (entries []model.TickEntry, malformed []string, err error) {
	pipe := s.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, statusBufferKey, 0, -1)
	pipe.Del(ctx, statusBufferKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("kv: drain ticks: %w", err)
	}

	for _, item := range rangeCmd.Val() {
		var entry model.TickEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			malformed = append(malformed, item)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, malformed, nil
}
