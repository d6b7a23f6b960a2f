// Package writer periodically drains the status buffer and bulk-persists raw
// check outcomes into the tick table.
package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/makt28/vigil/internal/kv"
	"github.com/makt28/vigil/internal/storage"
)

// Service flushes buffered ticks on a fixed interval.
type Service struct {
	db       *storage.DB
	store    *kv.Store
	interval time.Duration

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService creates a writer flushing every interval.
func NewService(db *storage.DB, store *kv.Store, interval time.Duration) *Service {
	return &Service{
		db:       db,
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the flush loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.loop()
	slog.Info("writer started", "interval", s.interval)
}

// Stop performs a final flush and halts the loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			slog.Error("final flush failed", "error", err)
		}
		slog.Info("writer stopped")
	})
}

func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Flush(ctx); err != nil {
				slog.Error("flush failed", "error", err)
			}
			cancel()
		}
	}
}

// Flush drains the status buffer and bulk-inserts the entries. Malformed
// entries are logged and skipped; they never block the rest of the batch.
func (s *Service) Flush(ctx context.Context) error {
	entries, malformed, err := s.store.DrainTicks(ctx)
	if err != nil {
		return err
	}
	for _, raw := range malformed {
		slog.Error("malformed tick entry, skipping", "entry", raw)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := s.db.InsertTicks(ctx, entries); err != nil {
		return err
	}
	slog.Info("flushed ticks", "count", len(entries))
	return nil
}
