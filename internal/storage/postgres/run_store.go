// Package postgres stores scrape-run history in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobboard-scraper/internal/store"
)

// Schema creates the tables used by RunStore.
const Schema = `
CREATE TABLE IF NOT EXISTS scrape_runs (
	id              UUID PRIMARY KEY,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ,
	status          TEXT NOT NULL,
	error_message   TEXT,
	checkpoint_rows BIGINT NOT NULL DEFAULT 0,
	last_checkpoint TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS run_outcomes (
	run_id      UUID NOT NULL REFERENCES scrape_runs (id),
	outcome     TEXT NOT NULL,
	count       BIGINT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, outcome)
);`

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool used by RunStore.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository.
type RunStore struct {
	pool Pool
}

var _ store.RunRepository = (*RunStore)(nil)

// Open connects to Postgres using cfg.
func Open(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool Pool) (*RunStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Listings returns a ListingStore sharing this store's pool.
func (s *RunStore) Listings(table string) (*ListingStore, error) {
	return NewListingStore(s.pool, table)
}

// Close releases the pool.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertRunStart implements store.RunRepository.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	const query = `
		INSERT INTO scrape_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun implements store.RunRepository.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if !status.Valid() {
		return fmt.Errorf("complete run: unknown status %q", status)
	}
	const query = `
		UPDATE scrape_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddOutcomeCounts implements store.RunRepository.
func (s *RunStore) AddOutcomeCounts(
	ctx context.Context,
	runID uuid.UUID,
	outcome string,
	delta int64,
	at time.Time,
) error {
	const query = `
		INSERT INTO run_outcomes (run_id, outcome, count, last_update)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, outcome) DO UPDATE
		SET count = run_outcomes.count + EXCLUDED.count,
			last_update = GREATEST(run_outcomes.last_update, EXCLUDED.last_update);`
	if _, err := s.pool.Exec(ctx, query, runID, outcome, delta, at); err != nil {
		return fmt.Errorf("add outcome counts: %w", err)
	}
	return nil
}

// RecordCheckpoint implements store.RunRepository.
func (s *RunStore) RecordCheckpoint(ctx context.Context, runID uuid.UUID, rows int64, at time.Time) error {
	const query = `
		UPDATE scrape_runs
		SET checkpoint_rows = $1, last_checkpoint = $2
		WHERE id = $3;`
	if _, err := s.pool.Exec(ctx, query, rows, at, runID); err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, error_message, checkpoint_rows, last_checkpoint`

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.CheckpointRows,
		&run.LastCheckpoint,
	)
	return run, err
}

// GetRun implements store.RunRepository.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM scrape_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns implements store.RunRepository.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM scrape_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListRunOutcomes implements store.RunRepository.
func (s *RunStore) ListRunOutcomes(ctx context.Context, runID uuid.UUID) ([]store.OutcomeCount, error) {
	const query = `
		SELECT run_id, outcome, count, last_update
		FROM run_outcomes
		WHERE run_id = $1
		ORDER BY outcome;`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list run outcomes: %w", err)
	}
	defer rows.Close()

	var out []store.OutcomeCount
	for rows.Next() {
		var oc store.OutcomeCount
		if err := rows.Scan(&oc.RunID, &oc.Outcome, &oc.Count, &oc.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		out = append(out, oc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run outcomes: %w", err)
	}
	return out, nil
}
