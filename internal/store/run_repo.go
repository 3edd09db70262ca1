package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the scrape_runs.status column.
type RunStatus string

// Run statuses persisted in scrape_runs.status.
const (
	RunRunning     RunStatus = "running"
	RunSuccess     RunStatus = "success"
	RunError       RunStatus = "error"
	RunInterrupted RunStatus = "interrupted"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunError, RunInterrupted:
		return true
	}
	return false
}

// Run models one row of scrape_runs.
type Run struct {
	ID        uuid.UUID
	StartedAt time.Time
	// FinishedAt is nil while the run is in progress.
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage *string
	// CheckpointRows is the row count of the most recent checkpoint.
	CheckpointRows int64
	LastCheckpoint *time.Time
}

// OutcomeCount aggregates processed listings per outcome for one run.
type OutcomeCount struct {
	RunID      uuid.UUID
	Outcome    string
	Count      int64
	LastUpdate time.Time
}

// RunRepository persists run history.
type RunRepository interface {
	// UpsertRunStart records a run as running. Repeated calls are no-ops.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun stores the final status and optional error text.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AddOutcomeCounts adds delta to the (run, outcome) counter.
	AddOutcomeCounts(ctx context.Context, runID uuid.UUID, outcome string, delta int64, at time.Time) error
	// RecordCheckpoint stores the row count of a checkpoint write.
	RecordCheckpoint(ctx context.Context, runID uuid.UUID, rows int64, at time.Time) error

	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunOutcomes returns the outcome counters of one run.
	ListRunOutcomes(ctx context.Context, runID uuid.UUID) ([]OutcomeCount, error)
}
