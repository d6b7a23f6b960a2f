// Package queue implements durable at-least-once queues on Redis Streams.
// Every message carries an idempotency key; publishing the same key twice
// within the dedup window is a no-op, and unacknowledged messages are
// reclaimed and redelivered after a minimum idle time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names connecting the pipeline stages.
const (
	MonitorCheck  = "monitor-check"
	CheckResults  = "check-results"
	Alerts        = "alerts"
	MonitorEvents = "monitor-events"
)

const (
	groupName    = "vigil"
	seenTTL      = 24 * time.Hour
	blockTime    = 5 * time.Second
	fetchCount   = 10
	claimMinIdle = 60 * time.Second
	claimEvery   = 30 * time.Second
)

func streamKey(name string) string { return "queue:" + name + ":stream" }
func seenKey(name, id string) string {
	return "queue:" + name + ":seen:" + id
}

// Queue publishes messages to one named queue.
type Queue struct {
	rdb  *redis.Client
	name string
}

// New returns a publisher for the named queue.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

// Publish appends a message unless its idempotency key was already published
// within the dedup window. Duplicate publishes are silently dropped.
//
// The seen-marker is set only after the append succeeded: a failed append must
// leave the key unmarked so the caller's retry is not suppressed as a
// duplicate. Two racing publishers can both append before either marks, which
// is the acceptable at-least-once outcome.
func (q *Queue) Publish(ctx context.Context, payload []byte, idempotencyKey string) error {
	seen, err := q.rdb.Exists(ctx, seenKey(q.name, idempotencyKey)).Result()
	if err != nil {
		return fmt.Errorf("queue %s: check seen: %w", q.name, err)
	}
	if seen > 0 {
		slog.Debug("duplicate publish suppressed", "queue", q.name, "key", idempotencyKey)
		return nil
	}

	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(q.name),
		Values: map[string]interface{}{
			"payload": payload,
			"key":     idempotencyKey,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue %s: publish: %w", q.name, err)
	}

	if err := q.rdb.Set(ctx, seenKey(q.name, idempotencyKey), "1", seenTTL).Err(); err != nil {
		// Worst case for a lost marker is one duplicate enqueue.
		slog.Warn("failed to mark message seen", "queue", q.name, "key", idempotencyKey, "error", err)
	}
	return nil
}

// Handler processes one message payload. Returning an error leaves the
// message pending for redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Worker consumes one queue with a bounded pool of handler goroutines.
type Worker struct {
	rdb         *redis.Client
	name        string
	consumer    string
	concurrency int
	handler     Handler

	// Redelivery timings, overridable per worker.
	claimMinIdle time.Duration
	claimEvery   time.Duration

	sem      chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewWorker creates a consumer for the named queue. concurrency bounds the
// number of messages handled in parallel.
func NewWorker(rdb *redis.Client, name string, handler Handler, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		rdb:          rdb,
		name:         name,
		consumer:     name + "-" + uuid.NewString(),
		concurrency:  concurrency,
		handler:      handler,
		claimMinIdle: claimMinIdle,
		claimEvery:   claimEvery,
		sem:          make(chan struct{}, concurrency),
	}
}

// Start creates the consumer group if needed and begins consuming. It returns
// once the fetch and reclaim loops are running.
func (w *Worker) Start(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, streamKey(w.name), groupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue %s: create group: %w", w.name, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.fetchLoop(ctx)
	go w.reclaimLoop(ctx)

	slog.Info("queue worker started", "queue", w.name, "consumer", w.consumer, "concurrency", w.concurrency)
	return nil
}

// Stop stops fetching new messages and waits for in-flight handlers to
// finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		slog.Info("queue worker stopped", "queue", w.name)
	})
}

func (w *Worker) fetchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: w.consumer,
			Streams:  []string{streamKey(w.name), ">"},
			Count:    fetchCount,
			Block:    blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			slog.Error("queue read failed", "queue", w.name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.dispatch(ctx, msg)
			}
		}
	}
}

// reclaimLoop takes over messages another consumer fetched but never
// acknowledged, giving the queue its at-least-once redelivery.
func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.claimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   streamKey(w.name),
				Group:    groupName,
				Consumer: w.consumer,
				MinIdle:  w.claimMinIdle,
				Start:    start,
				Count:    fetchCount,
			}).Result()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Error("queue reclaim failed", "queue", w.name, "error", err)
				}
				break
			}
			for _, msg := range msgs {
				slog.Warn("redelivering stalled message", "queue", w.name, "id", msg.ID)
				w.dispatch(ctx, msg)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, msg redis.XMessage) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.handle(ctx, msg)
	}()
}

func (w *Worker) handle(ctx context.Context, msg redis.XMessage) {
	// Detached from the fetch loop's cancellation: in-flight messages are
	// allowed to finish during shutdown.
	ctx = context.WithoutCancel(ctx)

	payload, ok := msg.Values["payload"].(string)
	if !ok {
		slog.Error("message missing payload, dropping", "queue", w.name, "id", msg.ID)
		w.ack(ctx, msg.ID)
		return
	}

	if err := w.handler(ctx, []byte(payload)); err != nil {
		// No ack: the message stays pending and is reclaimed later.
		slog.Error("message handling failed", "queue", w.name, "id", msg.ID, "error", err)
		return
	}
	w.ack(ctx, msg.ID)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.rdb.XAck(ctx, streamKey(w.name), groupName, id).Err(); err != nil {
		slog.Error("ack failed", "queue", w.name, "id", id, "error", err)
	}
}
