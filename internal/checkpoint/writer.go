// Package checkpoint periodically rewrites the output spreadsheet and the
// resume ledger so a crash loses at most one interval of work.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/export"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// Ledger is the slice of the resume ledger the writer needs.
type Ledger interface {
	MergeWithExisting(records []scraper.Record) ([]scraper.Record, error)
	SaveProgress(records []scraper.Record) error
}

// Snapshot is the state captured for one checkpoint.
type Snapshot struct {
	// Records are the accepted records of this run.
	Records []scraper.Record
	// Completed lists urls that finished without producing a row, such as
	// excluded listings. They are marked done in the ledger only.
	Completed []string
}

// SnapshotFunc captures the current state when a write actually starts.
type SnapshotFunc func() Snapshot

// WriteFunc persists the full record set to path.
type WriteFunc func(path string, records []scraper.Record) error

// Stats summarizes writer activity.
type Stats struct {
	Writes    int64
	Failures  int64
	Coalesced int64
	LastRows  int64
}

// Option customizes a Writer.
type Option func(*Writer)

// WithWriteFunc replaces the spreadsheet writer.
func WithWriteFunc(fn WriteFunc) Option {
	return func(w *Writer) {
		if fn != nil {
			w.write = fn
		}
	}
}

// WithOnWrite registers fn to run after every successful write with the row
// count written.
func WithOnWrite(fn func(rows int)) Option {
	return func(w *Writer) {
		w.onWrite = fn
	}
}

// Writer serializes checkpoint writes. Triggers that arrive while a write is
// running collapse into a single follow-up write of the latest snapshot.
type Writer struct {
	path    string
	ledger  Ledger
	write   WriteFunc
	onWrite func(rows int)
	logger  *zap.Logger

	ioMu sync.Mutex

	mu      sync.Mutex
	pending SnapshotFunc
	done    chan struct{}

	writes    atomic.Int64
	failures  atomic.Int64
	coalesced atomic.Int64
	lastRows  atomic.Int64
}

// New returns a Writer targeting path. ledger may be nil.
func New(path string, ledger Ledger, logger *zap.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		path:   path,
		ledger: ledger,
		write:  export.WriteRecords,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the checkpoint target.
func (w *Writer) Path() string { return w.path }

// Request schedules a checkpoint without blocking the caller.
func (w *Writer) Request(snap SnapshotFunc) {
	if snap == nil {
		return
	}
	w.mu.Lock()
	w.pending = snap
	if w.done != nil {
		w.mu.Unlock()
		w.coalesced.Add(1)
		return
	}
	done := make(chan struct{})
	w.done = done
	w.mu.Unlock()
	go w.loop(done)
}

func (w *Writer) loop(done chan struct{}) {
	for {
		w.mu.Lock()
		snap := w.pending
		w.pending = nil
		if snap == nil {
			w.done = nil
			w.mu.Unlock()
			close(done)
			return
		}
		w.mu.Unlock()
		if err := w.writeOnce(snap); err != nil {
			w.logger.Warn("checkpoint failed", zap.String("path", w.path), zap.Error(err))
		}
	}
}

// Flush waits for any running write, then writes snap synchronously.
// ctx bounds only the wait.
func (w *Writer) Flush(ctx context.Context, snap SnapshotFunc) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("checkpoint flush wait: %w", ctx.Err())
		}
	}
	if snap == nil {
		return nil
	}
	return w.writeOnce(snap)
}

func (w *Writer) writeOnce(snapFn SnapshotFunc) error {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	snap := snapFn()
	rows := snap.Records
	if w.ledger != nil {
		merged, err := w.ledger.MergeWithExisting(snap.Records)
		if err != nil {
			w.failures.Add(1)
			return fmt.Errorf("merge checkpoint: %w", err)
		}
		rows = merged
	}
	if err := w.write(w.path, rows); err != nil {
		w.failures.Add(1)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	w.writes.Add(1)
	w.lastRows.Store(int64(len(rows)))

	if w.ledger != nil {
		done := make([]scraper.Record, 0, len(snap.Records)+len(snap.Completed))
		done = append(done, snap.Records...)
		for _, u := range snap.Completed {
			done = append(done, scraper.Record{URL: u})
		}
		if err := w.ledger.SaveProgress(done); err != nil {
			// The spreadsheet already holds the rows, so resume still works.
			w.logger.Warn("save ledger failed", zap.Error(err))
		}
	}
	if w.onWrite != nil {
		w.onWrite(len(rows))
	}
	w.logger.Info("checkpoint saved",
		zap.String("path", w.path),
		zap.Int("rows", len(rows)),
		zap.Int("new_records", len(snap.Records)),
	)
	return nil
}

// Stats returns counters describing writer activity.
func (w *Writer) Stats() Stats {
	return Stats{
		Writes:    w.writes.Load(),
		Failures:  w.failures.Load(),
		Coalesced: w.coalesced.Load(),
		LastRows:  w.lastRows.Load(),
	}
}
