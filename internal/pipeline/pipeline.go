// Package pipeline wires the link stream, the worker pool and the checkpoint
// writer into a single scrape run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobboard-scraper/internal/checkpoint"
	"github.com/JakeFAU/jobboard-scraper/internal/clock/system"
	"github.com/JakeFAU/jobboard-scraper/internal/collector"
	"github.com/JakeFAU/jobboard-scraper/internal/dispatcher"
	"github.com/JakeFAU/jobboard-scraper/internal/enrich"
	"github.com/JakeFAU/jobboard-scraper/internal/export"
	"github.com/JakeFAU/jobboard-scraper/internal/hash/sha256"
	idgen "github.com/JakeFAU/jobboard-scraper/internal/id/uuid"
	"github.com/JakeFAU/jobboard-scraper/internal/ledger"
	"github.com/JakeFAU/jobboard-scraper/internal/progress"
	"github.com/JakeFAU/jobboard-scraper/internal/publisher"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
	"github.com/JakeFAU/jobboard-scraper/internal/storage"
	"github.com/JakeFAU/jobboard-scraper/internal/store"
	"github.com/JakeFAU/jobboard-scraper/internal/worker"
)

// Partial-save kinds embedded in file names.
const (
	PartialInterrupted = "interrupted"
	PartialError       = "error"
)

// finalizeTimeout bounds the post-run writes, uploads and notices. They run
// on a context detached from the caller so an interrupt still saves state.
const finalizeTimeout = 2 * time.Minute

// ListingSink stores accepted records outside the spreadsheet.
type ListingSink interface {
	StoreListings(ctx context.Context, runID uuid.UUID, records []scraper.Record, at time.Time) (int, error)
}

// LinkSource streams discovered listing links, opening the sessions it needs
// from provider. *collector.Collector and *collector.CompanySearch satisfy it.
type LinkSource interface {
	Links(ctx context.Context, provider scraper.SessionProvider) (<-chan collector.Batch, <-chan error)
}

// PhoneCache is the enrichment cache as seen by a run.
type PhoneCache interface {
	worker.PhoneCache
	Stats() enrich.CacheStats
}

// FileHasher fingerprints the artifact a run leaves behind.
type FileHasher interface {
	File(path string) (string, error)
}

// IDGenerator issues run ids.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Config shapes one run.
type Config struct {
	// Output is the spreadsheet the run merges into and resumes from.
	Output string
	// Range selects items by 1-indexed discovery order.
	Range     collector.Range
	Collector collector.Config

	Workers            int
	QueueDepth         int
	CheckpointInterval int
	ProgressLogEvery   int
	QuotaPollInterval  time.Duration
	Enrich             bool
}

// Deps groups collaborators. Provider and Extractor are required; the rest
// are optional. A nil Source walks the paged search from Config.Collector.
type Deps struct {
	Provider  scraper.SessionProvider
	Extractor scraper.Extractor
	Source    LinkSource
	Matcher   worker.CompanyMatcher
	Enricher  scraper.Enricher
	Cache     PhoneCache
	Quota     dispatcher.Quota
	Events    progress.Emitter
	Retry     worker.RetryPolicy
	Archiver  *storage.Archiver
	Listings  ListingSink
	Publisher publisher.Publisher
	Clock     scraper.Clock
	IDs       IDGenerator
	Hasher    FileHasher
}

// Summary reports what a run did.
type Summary struct {
	RunID        uuid.UUID
	Status       store.RunStatus
	Output       string
	PartialPath  string
	Rows         int64
	Discovered   int
	Skipped      int
	Submitted    int
	Accepted     int
	Excluded     int
	Failed       int
	Checkpoints  int64
	QuotaTrips   int
	CacheHits    int64
	CacheLookups int64
	Artifacts    []string
	Checksum     string
	StartedAt    time.Time
	Elapsed      time.Duration
}

// Runner executes scrape runs.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and returns a Runner.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Runner, error) {
	if deps.Provider == nil {
		return nil, errors.New("session provider is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if strings.TrimSpace(cfg.Output) == "" {
		return nil, errors.New("output path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = idgen.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if cfg.Range.End > 0 && (cfg.Collector.MaxJobs <= 0 || cfg.Collector.MaxJobs > cfg.Range.End) {
		cfg.Collector.MaxJobs = cfg.Range.End
	}
	return &Runner{cfg: cfg, deps: deps, logger: logger}, nil
}

// run holds the state of one Run call.
type run struct {
	*Runner
	id      uuid.UUID
	logger  *zap.Logger
	ledger  *ledger.Ledger
	ckpt    *checkpoint.Writer
	sched   *dispatcher.Scheduler
	summary Summary
}

// Run scrapes until the link stream is exhausted and the pool drains, ctx is
// canceled, or a pool-level failure occurs. The returned Summary is filled in
// every case. On interrupt or failure the accepted records of this run are
// also written to a partial file next to the output.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	id, err := r.deps.IDs.NewRunID()
	if err != nil {
		return Summary{}, fmt.Errorf("new run id: %w", err)
	}
	rn := &run{
		Runner: r,
		id:     id,
		logger: r.logger.With(zap.String("run_id", id.String())),
		summary: Summary{
			RunID:     id,
			Output:    r.cfg.Output,
			StartedAt: r.deps.Clock.Now(),
		},
	}

	led, err := ledger.Open(r.cfg.Output, ledger.WithLogger(rn.logger), ledger.WithClock(r.deps.Clock))
	if err != nil {
		return rn.summary, fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if err := led.Close(); err != nil {
			rn.logger.Warn("release output lock failed", zap.Error(err))
		}
	}()
	rn.ledger = led
	rn.ckpt = checkpoint.New(r.cfg.Output, led, rn.logger, checkpoint.WithOnWrite(func(rows int) {
		rn.emit(progress.Event{Stage: progress.StageCheckpoint, Rows: int64(rows)})
	}))

	rn.emit(progress.Event{Stage: progress.StageRunStart})
	rn.logger.Info("scrape started",
		zap.String("output", r.cfg.Output),
		zap.Int("workers", r.cfg.Workers),
		zap.Int("start_job", r.cfg.Range.Start),
		zap.Int("end_job", r.cfg.Range.End),
		zap.Int("estimated_pages", collector.EstimatePages(r.cfg.Range.End)),
		zap.Int("already_completed", led.Len()),
	)

	res, runErr := rn.scrape(ctx)
	return rn.finish(ctx, res, runErr)
}

func (rn *run) scrape(ctx context.Context) (dispatcher.Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	rn.sched = dispatcher.New(dispatcher.Config{
		Workers:            rn.cfg.Workers,
		QueueDepth:         rn.cfg.QueueDepth,
		CheckpointInterval: rn.cfg.CheckpointInterval,
		ProgressLogEvery:   rn.cfg.ProgressLogEvery,
		QuotaPollInterval:  rn.cfg.QuotaPollInterval,
		Enrich:             rn.cfg.Enrich,
		RunID:              rn.id,
	}, dispatcher.Deps{
		Provider:   rn.deps.Provider,
		Extractor:  rn.deps.Extractor,
		Enricher:   rn.deps.Enricher,
		Cache:      rn.phoneCache(),
		Quota:      rn.deps.Quota,
		Checkpoint: rn.ckpt,
		Events:     rn.deps.Events,
		Retry:      rn.deps.Retry,
		Matcher:    rn.deps.Matcher,
	}, rn.logger)
	if err := rn.sched.Start(gctx); err != nil {
		return dispatcher.Result{}, fmt.Errorf("start worker pool: %w", err)
	}

	var res dispatcher.Result
	g.Go(func() error {
		return rn.produce(gctx)
	})
	g.Go(func() error {
		var err error
		res, err = rn.sched.Wait(context.WithoutCancel(gctx))
		return err
	})
	err := g.Wait()
	return res, err
}

// phoneCache keeps a nil cache a nil interface.
func (rn *run) phoneCache() worker.PhoneCache {
	if rn.deps.Cache == nil {
		return nil
	}
	return rn.deps.Cache
}

// produce feeds the scheduler from the link stream. It always closes the
// scheduler so the pool can drain.
func (rn *run) produce(ctx context.Context) error {
	defer rn.sched.Close()

	source := rn.deps.Source
	if source == nil {
		source = collector.New(rn.cfg.Collector, rn.logger)
	}
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	batches, errc := source.Links(streamCtx, rn.deps.Provider)

	var (
		seq     int
		stopped bool
	)
	for batch := range batches {
		if stopped {
			continue
		}
		var items []scraper.WorkItem
		for _, u := range batch.URLs {
			if rn.cfg.Range.Done(seq + 1) {
				stopped = true
				break
			}
			seq++
			if rn.cfg.Range.Contains(seq) {
				items = append(items, scraper.WorkItem{URL: u, Seq: seq, Company: batch.Company})
			}
		}
		rn.summary.Discovered = seq
		pending := rn.pending(items)
		rn.summary.Skipped += len(items) - len(pending)

		for _, item := range pending {
			if _, err := rn.sched.Submit(ctx, item); err != nil {
				if errors.Is(err, dispatcher.ErrClosed) {
					rn.logger.Info("worker pool stopped; ending link stream")
					stopped = true
					break
				}
				stopStream()
				return err
			}
		}
		if stopped {
			stopStream()
		}
	}

	err := <-errc
	switch {
	case err == nil:
		return nil
	case stopped && ctx.Err() == nil && errors.Is(err, context.Canceled):
		return nil
	default:
		return fmt.Errorf("collect links: %w", err)
	}
}

// pending drops items whose url the ledger already holds.
func (rn *run) pending(items []scraper.WorkItem) []scraper.WorkItem {
	if len(items) == 0 {
		return nil
	}
	urls := make([]string, len(items))
	for i, it := range items {
		urls[i] = it.URL
	}
	keep := make(map[string]struct{}, len(items))
	for _, u := range rn.ledger.FilterPending(urls) {
		keep[u] = struct{}{}
	}
	out := make([]scraper.WorkItem, 0, len(keep))
	for _, it := range items {
		if _, ok := keep[it.URL]; ok {
			out = append(out, it)
		} else {
			rn.logger.Debug("skipping completed listing", zap.String("url", it.URL), zap.Int("seq", it.Seq))
		}
	}
	return out
}

func (rn *run) finish(ctx context.Context, res dispatcher.Result, runErr error) (Summary, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	status := store.RunSuccess
	switch {
	case ctx.Err() != nil:
		status = store.RunInterrupted
	case runErr != nil:
		status = store.RunError
	}

	records := scraper.AcceptedRecords(res.Outcomes)
	if status == store.RunSuccess || res.Stats.Completed > 0 {
		if err := rn.ckpt.Flush(fctx, rn.sched.Snapshot); err != nil {
			if status == store.RunSuccess {
				status = store.RunError
				runErr = fmt.Errorf("write output: %w", err)
			} else {
				rn.logger.Warn("final checkpoint failed", zap.Error(err))
			}
		}
	}

	archive := rn.cfg.Output
	switch {
	case status == store.RunSuccess && res.Stats.Failed == 0:
		if err := rn.ledger.Cleanup(); err != nil {
			rn.logger.Warn("remove resume ledger failed", zap.Error(err))
		}
	case status == store.RunSuccess:
		rn.logger.Info("keeping resume ledger; some listings failed", zap.Int("failed", res.Stats.Failed))
	default:
		archive = ""
		if len(records) > 0 {
			kind := PartialError
			if status == store.RunInterrupted {
				kind = PartialInterrupted
			}
			path := PartialPath(rn.cfg.Output, kind, rn.deps.Clock.Now())
			if err := export.WriteRecords(path, records); err != nil {
				rn.logger.Error("partial save failed", zap.String("path", path), zap.Error(err))
			} else {
				rn.summary.PartialPath = path
				archive = path
				rn.logger.Info("partial results saved", zap.String("path", path), zap.Int("rows", len(records)))
			}
		}
	}

	s := &rn.summary
	s.Status = status
	s.Submitted = res.Stats.Submitted
	s.Accepted = res.Stats.Accepted
	s.Excluded = res.Stats.Excluded
	s.Failed = res.Stats.Failed
	s.QuotaTrips = res.Stats.QuotaBackoffs
	ck := rn.ckpt.Stats()
	s.Rows = ck.LastRows
	s.Checkpoints = ck.Writes
	if rn.deps.Cache != nil {
		cs := rn.deps.Cache.Stats()
		s.CacheHits = cs.Hits
		s.CacheLookups = cs.Lookups
	}

	if archive != "" {
		sum, err := rn.deps.Hasher.File(archive)
		if err != nil {
			rn.logger.Warn("checksum artifact failed", zap.Error(err))
		}
		s.Checksum = sum
		uris, err := rn.deps.Archiver.Archive(fctx, rn.id.String(), archive, storage.XLSXContentType)
		if err != nil {
			rn.logger.Warn("archive upload failed", zap.Error(err))
		}
		s.Artifacts = uris
	}
	if rn.deps.Listings != nil && len(records) > 0 {
		n, err := rn.deps.Listings.StoreListings(fctx, rn.id, records, rn.deps.Clock.Now())
		if err != nil {
			rn.logger.Warn("store listings failed", zap.Int("stored", n), zap.Error(err))
		}
	}
	s.Elapsed = rn.deps.Clock.Now().Sub(s.StartedAt)

	rn.publish(fctx, runErr)
	rn.emitFinish(runErr)
	rn.logSummary(runErr)
	return *s, runErr
}

func (rn *run) publish(ctx context.Context, runErr error) {
	if rn.deps.Publisher == nil {
		return
	}
	s := rn.summary
	notice := publisher.RunNotice{
		RunID:      s.RunID.String(),
		Status:     string(s.Status),
		Output:     s.Output,
		Artifacts:  s.Artifacts,
		SHA256:     s.Checksum,
		Accepted:   s.Accepted,
		Excluded:   s.Excluded,
		Failed:     s.Failed,
		StartedAt:  s.StartedAt,
		FinishedAt: s.StartedAt.Add(s.Elapsed),
	}
	if runErr != nil {
		notice.Error = runErr.Error()
	}
	id, err := rn.deps.Publisher.Publish(ctx, notice)
	if err != nil {
		rn.logger.Warn("publish run notice failed", zap.Error(err))
		return
	}
	rn.logger.Debug("run notice published", zap.String("message_id", id))
}

func (rn *run) emitFinish(runErr error) {
	evt := progress.Event{Stage: progress.StageRunDone, Dur: rn.summary.Elapsed}
	switch rn.summary.Status {
	case store.RunInterrupted:
		evt.Stage = progress.StageRunAborted
	case store.RunError:
		evt.Stage = progress.StageRunError
	}
	if runErr != nil {
		evt.Note = runErr.Error()
	}
	rn.emit(evt)
}

func (rn *run) logSummary(runErr error) {
	s := rn.summary
	fields := []zap.Field{
		zap.String("status", string(s.Status)),
		zap.Int("discovered", s.Discovered),
		zap.Int("skipped_completed", s.Skipped),
		zap.Int("submitted", s.Submitted),
		zap.Int("accepted", s.Accepted),
		zap.Int("excluded", s.Excluded),
		zap.Int("failed", s.Failed),
		zap.Int64("rows", s.Rows),
		zap.Int64("checkpoints", s.Checkpoints),
		zap.Int("quota_trips", s.QuotaTrips),
		zap.Int64("cache_hits", s.CacheHits),
		zap.Int64("cache_lookups", s.CacheLookups),
		zap.Duration("elapsed", s.Elapsed),
	}
	if s.PartialPath != "" {
		fields = append(fields, zap.String("partial", s.PartialPath))
	}
	if runErr != nil {
		fields = append(fields, zap.Error(runErr))
	}
	if s.Status != store.RunSuccess {
		rn.logger.Warn("scrape stopped; last checkpoint is the recovery point",
			append(fields, zap.String("checkpoint", rn.ckpt.Path()))...)
		return
	}
	rn.logger.Info("scrape finished", fields...)
}

func (rn *run) emit(evt progress.Event) {
	if rn.deps.Events == nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(rn.id)
	evt.TS = rn.deps.Clock.Now().UTC()
	rn.deps.Events.Emit(evt)
}

// PartialPath names the file used to save partial results of output, such as
// "jobs_interrupted_20260102_150405.xlsx".
func PartialPath(output, kind string, at time.Time) string {
	ext := filepath.Ext(output)
	if ext == "" {
		ext = ".xlsx"
	}
	stem := strings.TrimSuffix(output, filepath.Ext(output))
	return fmt.Sprintf("%s_%s_%s%s", stem, kind, system.Stamp(at), ext)
}
