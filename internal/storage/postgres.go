// Package storage reads monitor and region configuration from Postgres and
// bulk-persists check ticks. Monitors and regions are owned by the external
// CRUD service; this package never writes them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makt28/vigil/internal/model"
)

// ErrNotFound is returned when a monitor or region does not exist.
var ErrNotFound = errors.New("storage: not found")

type DB struct {
	pool *pgxpool.Pool
}

// Connect opens a connection pool and verifies it.
func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// Ping reports whether the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Migrate creates the tables the core reads and writes. Safe to run
// repeatedly.
func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS monitor (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			url          TEXT NOT NULL,
			interval_sec INTEGER NOT NULL DEFAULT 300,
			regions      TEXT[] NOT NULL DEFAULT '{}',
			enabled      BOOLEAN NOT NULL DEFAULT true,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_monitor_enabled ON monitor(enabled);

		CREATE TABLE IF NOT EXISTS region (
			id   TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS tick (
			id            BIGSERIAL PRIMARY KEY,
			monitor_id    TEXT NOT NULL,
			region_id     TEXT NOT NULL,
			status        TEXT NOT NULL,
			response_time BIGINT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_tick_monitor_time
			ON tick(monitor_id, created_at DESC);
	`)
	return err
}

// GetMonitor loads one monitor by id.
func (db *DB) GetMonitor(ctx context.Context, id string) (*model.Monitor, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, user_id, name, url, interval_sec, regions, enabled
		 FROM monitor WHERE id = $1`, id)

	var m model.Monitor
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.URL, &m.IntervalSec, &m.Regions, &m.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get monitor %s: %w", id, err)
	}
	return &m, nil
}

// ListMonitors loads the monitors with the given ids. Missing ids are simply
// absent from the result.
func (db *DB) ListMonitors(ctx context.Context, ids []string) ([]model.Monitor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, name, url, interval_sec, regions, enabled
		 FROM monitor WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: list monitors: %w", err)
	}
	defer rows.Close()

	return scanMonitors(rows)
}

// ListEnabledMonitors returns every enabled monitor, for scheduler cold
// start.
func (db *DB) ListEnabledMonitors(ctx context.Context) ([]model.Monitor, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, name, url, interval_sec, regions, enabled
		 FROM monitor WHERE enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled monitors: %w", err)
	}
	defer rows.Close()

	return scanMonitors(rows)
}

func scanMonitors(rows pgx.Rows) ([]model.Monitor, error) {
	var monitors []model.Monitor
	for rows.Next() {
		var m model.Monitor
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.URL, &m.IntervalSec, &m.Regions, &m.Enabled); err != nil {
			return nil, fmt.Errorf("storage: scan monitor: %w", err)
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

// GetRegionByCode resolves a region code to its record.
func (db *DB) GetRegionByCode(ctx context.Context, code string) (*model.Region, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, code, name FROM region WHERE code = $1`, code)

	var r model.Region
	err := row.Scan(&r.ID, &r.Code, &r.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get region %s: %w", code, err)
	}
	return &r, nil
}

// ListRegionsByCodes resolves a set of region codes. Unknown codes are
// omitted.
func (db *DB) ListRegionsByCodes(ctx context.Context, codes []string) ([]model.Region, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, code, name FROM region WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, fmt.Errorf("storage: list regions: %w", err)
	}
	defer rows.Close()

	var regions []model.Region
	for rows.Next() {
		var r model.Region
		if err := rows.Scan(&r.ID, &r.Code, &r.Name); err != nil {
			return nil, fmt.Errorf("storage: scan region: %w", err)
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

// InsertTicks bulk-inserts drained status-buffer entries.
func (db *DB) InsertTicks(ctx context.Context, entries []model.TickEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []interface{}{e.MonitorID, e.RegionID, e.Status, e.ResponseTime, e.ErrorMessage})
	}
	_, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"tick"},
		[]string{"monitor_id", "region_id", "status", "response_time", "error_message"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("storage: insert ticks: %w", err)
	}
	return nil
}
