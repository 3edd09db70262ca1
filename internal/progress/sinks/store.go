package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/progress"
	"github.com/JakeFAU/jobboard-scraper/internal/store"
)

// StoreSink writes run history through a store.RunRepository. Item events are
// collapsed into one counter update per (run, outcome) per batch.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink wraps repo.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type outcomeKey struct {
	runID   uuid.UUID
	outcome string
}

type outcomeDelta struct {
	count int64
	at    time.Time
}

// Consume implements progress.Sink. Run starts are written before counters
// and run completions after, so a batch holding a whole short run still
// lands in order.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[outcomeKey]*outcomeDelta)
	var (
		keys     []outcomeKey
		finishes []progress.Event
	)
	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageItemDone:
			key := outcomeKey{runID: runID, outcome: evt.Outcome}
			d := deltas[key]
			if d == nil {
				d = &outcomeDelta{}
				deltas[key] = d
				keys = append(keys, key)
			}
			d.count++
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		case progress.StageCheckpoint:
			if err := s.repo.RecordCheckpoint(ctx, runID, evt.Rows, evt.TS); err != nil {
				return fmt.Errorf("record checkpoint: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError, progress.StageRunAborted:
			finishes = append(finishes, evt)
		}
	}

	for _, key := range keys {
		d := deltas[key]
		if err := s.repo.AddOutcomeCounts(ctx, key.runID, key.outcome, d.count, d.at); err != nil {
			return fmt.Errorf("add outcome counts: %w", err)
		}
	}
	for _, evt := range finishes {
		if err := s.complete(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	switch evt.Stage {
	case progress.StageRunError:
		status = store.RunError
	case progress.StageRunAborted:
		status = store.RunInterrupted
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	s.logger.Debug("run history updated", zap.String("run_id", evt.RunUUID().String()), zap.String("status", string(status)))
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
