// Package dispatcher fans work items out to a pool of persistent-session
// workers and gathers their outcomes into submission-ordered slots.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/checkpoint"
	"github.com/JakeFAU/jobboard-scraper/internal/progress"
	"github.com/JakeFAU/jobboard-scraper/internal/queue/memory"
	"github.com/JakeFAU/jobboard-scraper/internal/quota"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
	"github.com/JakeFAU/jobboard-scraper/internal/worker"
)

// Defaults applied by New.
const (
	DefaultWorkers            = 5
	DefaultCheckpointInterval = 100
	DefaultProgressLogEvery   = 10
	DefaultQuotaPollInterval  = time.Second
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("scheduler closed")

// errNotProcessed fills slots whose item never reached a worker.
var errNotProcessed = errors.New("not processed before shutdown")

// Checkpointer persists snapshots of the run.
type Checkpointer interface {
	Request(snap checkpoint.SnapshotFunc)
	Flush(ctx context.Context, snap checkpoint.SnapshotFunc) error
}

// Quota gates dispatch and runs the backoff cycle.
type Quota interface {
	worker.Gate
	Tripped() <-chan struct{}
	State() quota.State
	Backoff(ctx context.Context, drain func(ctx context.Context)) error
}

// Config controls pool size and cadences.
type Config struct {
	Workers            int
	QueueDepth         int
	CheckpointInterval int
	ProgressLogEvery   int
	QuotaPollInterval  time.Duration
	Enrich             bool
	RunID              uuid.UUID
}

// Deps groups the scheduler's collaborators. Only Provider and Extractor are
// required.
type Deps struct {
	Provider   scraper.SessionProvider
	Extractor  scraper.Extractor
	Enricher   scraper.Enricher
	Cache      worker.PhoneCache
	Quota      Quota
	Checkpoint Checkpointer
	Events     progress.Emitter
	Retry      worker.RetryPolicy
	Matcher    worker.CompanyMatcher
}

// Stats summarizes scheduler activity.
type Stats struct {
	Submitted     int
	Completed     int
	Accepted      int
	Excluded      int
	Failed        int
	SessionsOpen  int
	SessionsEver  int
	Checkpoints   int
	QuotaBackoffs int
}

// Result is the final state of a run.
type Result struct {
	Items    []scraper.WorkItem
	Outcomes []scraper.Outcome
	Stats    Stats
}

// Scheduler owns the worker pool, the queue and the result slots.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	queue       *memory.Queue
	completions chan worker.Completion
	tracker     *sessionTracker

	mu           sync.Mutex
	items        []scraper.WorkItem
	slots        []scraper.Outcome
	slotOf       map[string]int
	stats        Stats
	initFailures int
	closed       bool
	fatal        error

	started     atomic.Bool
	runCtx      context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	backoffBusy atomic.Bool
}

// New builds a Scheduler. Call Start before Submit.
func New(cfg Config, deps Deps, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Workers * 2
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.ProgressLogEvery <= 0 {
		cfg.ProgressLogEvery = DefaultProgressLogEvery
	}
	if cfg.QuotaPollInterval <= 0 {
		cfg.QuotaPollInterval = DefaultQuotaPollInterval
	}
	return &Scheduler{
		cfg:         cfg,
		deps:        deps,
		logger:      logger,
		queue:       memory.NewQueue(cfg.QueueDepth),
		completions: make(chan worker.Completion),
		tracker:     newSessionTracker(logger),
		slotOf:      make(map[string]int),
		done:        make(chan struct{}),
	}
}

// Start launches the workers and the collector. Canceling ctx stops dispatch,
// closes every open session and fills the remaining slots with placeholders.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx, s.cancel = runCtx, cancel

	var wg sync.WaitGroup
	for i := 1; i <= s.cfg.Workers; i++ {
		w := worker.New(worker.Config{ID: i, Enrich: s.cfg.Enrich}, worker.Deps{
			Queue:     s.queue,
			Provider:  s.deps.Provider,
			Extractor: s.deps.Extractor,
			Enricher:  s.deps.Enricher,
			Cache:     s.deps.Cache,
			Gate:      s.gate(),
			Tracker:   s.tracker,
			Retry:     s.deps.Retry,
			Matcher:   s.deps.Matcher,
		}, s.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx, s.completions)
		}()
	}
	go func() {
		wg.Wait()
		close(s.completions)
	}()
	go func() {
		<-runCtx.Done()
		if n := s.tracker.CloseAll(); n > 0 {
			s.logger.Info("closed open sessions", zap.Int("sessions", n))
		}
	}()
	go s.collect(runCtx)

	s.logger.Info("worker pool started", zap.Int("workers", s.cfg.Workers))
	return nil
}

func (s *Scheduler) gate() worker.Gate {
	if s.deps.Quota == nil {
		return nil
	}
	return s.deps.Quota
}

// Submit assigns item the next slot and queues it, blocking while the queue
// is full. A url already submitted keeps its original slot. Submit fails
// once the scheduler has stopped.
func (s *Scheduler) Submit(ctx context.Context, item scraper.WorkItem) (int, error) {
	if !s.started.Load() {
		return -1, errors.New("scheduler not started")
	}
	s.mu.Lock()
	if s.closed || s.runCtx.Err() != nil {
		s.mu.Unlock()
		return -1, ErrClosed
	}
	if slot, ok := s.slotOf[item.URL]; ok {
		s.mu.Unlock()
		return slot, nil
	}
	slot := len(s.slots)
	s.items = append(s.items, item)
	s.slots = append(s.slots, scraper.Outcome{})
	s.slotOf[item.URL] = slot
	s.stats.Submitted++
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.runCtx, cancel)
	defer stop()
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return slot, fmt.Errorf("submit %s: %w", item.URL, err)
	}
	return slot, nil
}

// Close stops accepting submissions. Queued items are still processed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.queue.Close()
}

// Wait blocks until every worker has exited and all slots are populated.
func (s *Scheduler) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("wait for workers: %w", ctx.Err())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res := Result{
		Items:    append([]scraper.WorkItem(nil), s.items...),
		Outcomes: append([]scraper.Outcome(nil), s.slots...),
		Stats:    s.statsLocked(),
	}
	return res, s.fatal
}

// Snapshot captures accepted records and url-only completions for a
// checkpoint. Failed items are left out so they are retried on resume.
func (s *Scheduler) Snapshot() checkpoint.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := checkpoint.Snapshot{Records: scraper.AcceptedRecords(s.slots)}
	for _, o := range s.slots {
		if o.Kind == scraper.OutcomeExcluded {
			snap.Completed = append(snap.Completed, o.Record.URL)
		}
	}
	return snap
}

// Stats returns a point-in-time view of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Scheduler) statsLocked() Stats {
	st := s.stats
	st.SessionsOpen = s.tracker.Live()
	st.SessionsEver = s.tracker.Opened()
	return st
}

// collect is the only writer of slots. It also drives checkpoint cadence and
// quota handling.
func (s *Scheduler) collect(ctx context.Context) {
	defer close(s.done)

	backoffCtx, stopBackoff := context.WithCancel(ctx)
	var backoffWG sync.WaitGroup
	defer func() {
		stopBackoff()
		backoffWG.Wait()
		s.finalize(ctx)
	}()

	var tripped <-chan struct{}
	if s.deps.Quota != nil {
		tripped = s.deps.Quota.Tripped()
	}
	ticker := time.NewTicker(s.cfg.QuotaPollInterval)
	defer ticker.Stop()

	for {
		select {
		case c, ok := <-s.completions:
			if !ok {
				return
			}
			s.record(c)
			s.checkQuota(backoffCtx, &backoffWG)
		case <-tripped:
			s.checkQuota(backoffCtx, &backoffWG)
		case <-ticker.C:
			s.checkQuota(backoffCtx, &backoffWG)
		}
	}
}

func (s *Scheduler) record(c worker.Completion) {
	s.mu.Lock()
	slot, ok := s.slotOf[c.Item.URL]
	if !ok || s.slots[slot].Kind != scraper.OutcomeUnset {
		s.mu.Unlock()
		s.logger.Warn("completion for unknown or filled slot", zap.String("url", c.Item.URL))
		return
	}
	s.slots[slot] = c.Outcome
	s.stats.Completed++
	switch c.Outcome.Kind {
	case scraper.OutcomeAccepted:
		s.stats.Accepted++
	case scraper.OutcomeExcluded:
		s.stats.Excluded++
	default:
		s.stats.Failed++
	}
	if c.SessionInitFailed {
		s.initFailures++
	}
	noSessions := s.fatal == nil && s.initFailures >= s.cfg.Workers && s.tracker.Opened() == 0
	if noSessions {
		s.fatal = scraper.ErrNoSessions
	}
	completed, submitted := s.stats.Completed, s.stats.Submitted
	st := s.stats
	checkpointDue := completed%s.cfg.CheckpointInterval == 0
	if checkpointDue && s.deps.Checkpoint != nil {
		s.stats.Checkpoints++
	}
	s.mu.Unlock()

	s.emit(progress.Event{
		Stage:   progress.StageItemDone,
		URL:     c.Item.URL,
		Worker:  c.Worker,
		Outcome: c.Outcome.Kind.String(),
		Note:    c.Outcome.Reason,
	})
	if completed%s.cfg.ProgressLogEvery == 0 || completed == submitted {
		s.logger.Info("progress",
			zap.Int("completed", completed),
			zap.Int("submitted", submitted),
			zap.Int("accepted", st.Accepted),
			zap.Int("excluded", st.Excluded),
			zap.Int("failed", st.Failed),
		)
	}
	if checkpointDue && s.deps.Checkpoint != nil {
		s.deps.Checkpoint.Request(s.Snapshot)
	}
	if noSessions {
		s.logger.Error("no browser session could be opened; stopping",
			zap.Int("init_failures", s.initFailures),
		)
		s.cancel()
	}
}

func (s *Scheduler) checkQuota(ctx context.Context, wg *sync.WaitGroup) {
	q := s.deps.Quota
	if q == nil || q.State() != quota.StateDraining {
		return
	}
	if !s.backoffBusy.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.stats.QuotaBackoffs++
	s.mu.Unlock()
	s.emit(progress.Event{Stage: progress.StageQuotaTrip})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.backoffBusy.Store(false)
		err := q.Backoff(ctx, func(ctx context.Context) {
			if s.deps.Checkpoint == nil {
				return
			}
			if err := s.deps.Checkpoint.Flush(ctx, s.Snapshot); err != nil {
				s.logger.Warn("checkpoint before pause failed", zap.Error(err))
			}
		})
		if err != nil {
			s.logger.Info("quota backoff interrupted", zap.Error(err))
		}
		s.emit(progress.Event{Stage: progress.StageQuotaResume})
	}()
}

// finalize fills slots that never received an outcome.
func (s *Scheduler) finalize(ctx context.Context) {
	reason := errNotProcessed
	if ctx.Err() != nil {
		reason = fmt.Errorf("%w: %w", errNotProcessed, ctx.Err())
	}
	s.mu.Lock()
	s.closed = true
	if s.fatal == nil && s.initFailures > 0 && s.initFailures == s.stats.Completed && s.tracker.Opened() == 0 {
		s.fatal = scraper.ErrNoSessions
	}
	filled := 0
	for i, o := range s.slots {
		if o.Kind == scraper.OutcomeUnset {
			s.slots[i] = scraper.Failed(s.items[i].URL, reason)
			s.stats.Failed++
			filled++
		}
	}
	s.mu.Unlock()
	if filled > 0 {
		s.logger.Warn("items left unprocessed", zap.Int("items", filled))
	}
	s.tracker.CloseAll()
	s.cancel()
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.deps.Events == nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(s.cfg.RunID)
	evt.TS = time.Now().UTC()
	s.deps.Events.Emit(evt)
}
