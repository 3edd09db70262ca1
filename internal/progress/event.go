// Package progress defines the event structures emitted while a scrape runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageRunAborted  Stage = "RUN_ABORTED"
	StageItemDone    Stage = "ITEM_DONE"
	StageCheckpoint  Stage = "CHECKPOINT"
	StageQuotaTrip   Stage = "QUOTA_TRIP"
	StageQuotaResume Stage = "QUOTA_RESUME"
)

// Event captures a single component of scrape progress.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL is the listing for item events.
	URL string
	// Worker is the worker that produced an item event.
	Worker int
	// Outcome is accepted, excluded or failed for item events.
	Outcome string
	// Rows is the row count written by a checkpoint.
	Rows int64
	// Dur captures run wall time on completion.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageRunAborted, StageQuotaTrip, StageQuotaResume:
	case StageItemDone:
		if e.URL == "" {
			return errors.New("item event requires url")
		}
		if e.Outcome == "" {
			return errors.New("item event requires outcome")
		}
	case StageCheckpoint:
		if e.Rows < 0 {
			return errors.New("checkpoint rows must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
