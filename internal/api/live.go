package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/jobboard-scraper/internal/progress"
)

// LiveRun is the in-memory view of the most recent run.
type LiveRun struct {
	RunID          string           `json:"run_id"`
	Status         string           `json:"status"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	Outcomes       map[string]int64 `json:"outcomes"`
	Checkpoints    int64            `json:"checkpoints"`
	CheckpointRows int64            `json:"checkpoint_rows"`
	QuotaPaused    bool             `json:"quota_paused"`
	QuotaTrips     int64            `json:"quota_trips"`
	LastEvent      time.Time        `json:"last_event"`
	Error          string           `json:"error,omitempty"`
}

// RunTracker is a progress.Sink that keeps a LiveRun for /v1/run.
type RunTracker struct {
	mu  sync.RWMutex
	cur *LiveRun
	id  uuid.UUID
}

// NewRunTracker returns an empty tracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{}
}

// Consume implements progress.Sink.
func (t *RunTracker) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		id := evt.RunUUID()
		if evt.Stage == progress.StageRunStart {
			t.id = id
			t.cur = &LiveRun{
				RunID:     id.String(),
				Status:    "running",
				StartedAt: evt.TS,
				Outcomes:  make(map[string]int64),
			}
		}
		if t.cur == nil || id != t.id {
			continue
		}
		t.cur.LastEvent = evt.TS
		switch evt.Stage {
		case progress.StageItemDone:
			t.cur.Outcomes[evt.Outcome]++
		case progress.StageCheckpoint:
			t.cur.Checkpoints++
			t.cur.CheckpointRows = evt.Rows
		case progress.StageQuotaTrip:
			t.cur.QuotaPaused = true
			t.cur.QuotaTrips++
		case progress.StageQuotaResume:
			t.cur.QuotaPaused = false
		case progress.StageRunDone:
			t.finish(evt, "success")
		case progress.StageRunError:
			t.finish(evt, "error")
		case progress.StageRunAborted:
			t.finish(evt, "interrupted")
		}
	}
	return nil
}

func (t *RunTracker) finish(evt progress.Event, status string) {
	at := evt.TS
	t.cur.Status = status
	t.cur.FinishedAt = &at
	t.cur.QuotaPaused = false
	t.cur.Error = evt.Note
}

// Current returns a copy of the tracked run, or false before any run started.
func (t *RunTracker) Current() (LiveRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cur == nil {
		return LiveRun{}, false
	}
	out := *t.cur
	out.Outcomes = make(map[string]int64, len(t.cur.Outcomes))
	for k, v := range t.cur.Outcomes {
		out.Outcomes[k] = v
	}
	return out, true
}

// Close implements progress.Sink.
func (t *RunTracker) Close(context.Context) error { return nil }
