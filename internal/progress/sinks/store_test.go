package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobboard-scraper/internal/progress"
	"github.com/JakeFAU/jobboard-scraper/internal/store"
)

func TestStoreSinkCollapsesOutcomes(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	run := progress.UUIDToBytes(runUUID)
	now := time.Unix(1700000000, 0).UTC()

	batch := []progress.Event{
		{RunID: run, Stage: progress.StageRunStart, TS: now},
		{RunID: run, Stage: progress.StageItemDone, URL: "u1", Outcome: "accepted", TS: now.Add(time.Second)},
		{RunID: run, Stage: progress.StageItemDone, URL: "u2", Outcome: "accepted", TS: now.Add(3 * time.Second)},
		{RunID: run, Stage: progress.StageItemDone, URL: "u3", Outcome: "failed", TS: now.Add(2 * time.Second)},
		{RunID: run, Stage: progress.StageCheckpoint, Rows: 2, TS: now.Add(4 * time.Second)},
		{RunID: run, Stage: progress.StageRunAborted, Note: "interrupted", TS: now.Add(5 * time.Second)},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	assert.Equal(t, []uuid.UUID{runUUID}, repo.starts)
	require.Len(t, repo.outcomes, 2)
	assert.Equal(t, outcomeCall{runID: runUUID, outcome: "accepted", delta: 2, at: now.Add(3 * time.Second)}, repo.outcomes[0])
	assert.Equal(t, int64(1), repo.outcomes[1].delta)
	assert.Equal(t, []int64{2}, repo.checkpoints)
	require.Len(t, repo.completes, 1)
	assert.Equal(t, store.RunInterrupted, repo.completes[0].status)
	require.NotNil(t, repo.completes[0].msg)
	assert.Equal(t, "interrupted", *repo.completes[0].msg)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeRunRepo{fail: true}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type outcomeCall struct {
	runID   uuid.UUID
	outcome string
	delta   int64
	at      time.Time
}

type completeCall struct {
	runID  uuid.UUID
	status store.RunStatus
	msg    *string
}

type fakeRunRepo struct {
	fail        bool
	starts      []uuid.UUID
	outcomes    []outcomeCall
	checkpoints []int64
	completes   []completeCall
}

var errRepo = errors.New("repo unavailable")

func (f *fakeRunRepo) UpsertRunStart(_ context.Context, runID uuid.UUID, _ time.Time) error {
	if f.fail {
		return errRepo
	}
	f.starts = append(f.starts, runID)
	return nil
}

func (f *fakeRunRepo) CompleteRun(_ context.Context, runID uuid.UUID, _ time.Time, status store.RunStatus, msg *string) error {
	if f.fail {
		return errRepo
	}
	f.completes = append(f.completes, completeCall{runID: runID, status: status, msg: msg})
	return nil
}

func (f *fakeRunRepo) AddOutcomeCounts(_ context.Context, runID uuid.UUID, outcome string, delta int64, at time.Time) error {
	if f.fail {
		return errRepo
	}
	f.outcomes = append(f.outcomes, outcomeCall{runID: runID, outcome: outcome, delta: delta, at: at})
	return nil
}

func (f *fakeRunRepo) RecordCheckpoint(_ context.Context, _ uuid.UUID, rows int64, _ time.Time) error {
	if f.fail {
		return errRepo
	}
	f.checkpoints = append(f.checkpoints, rows)
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, nil
}

func (f *fakeRunRepo) ListRunOutcomes(context.Context, uuid.UUID) ([]store.OutcomeCount, error) {
	return nil, nil
}
