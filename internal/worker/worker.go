// Package worker runs the per-listing pipeline: open a session, extract the
// listing, enrich it, and hand the outcome back to the scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/enrich"
	"github.com/JakeFAU/jobboard-scraper/internal/extract"
	"github.com/JakeFAU/jobboard-scraper/internal/queue/memory"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// Queue is the source of work items.
type Queue interface {
	Dequeue(ctx context.Context) (scraper.WorkItem, error)
}

// Gate pauses work while the lookup quota is exhausted.
type Gate interface {
	Wait(ctx context.Context) error
	RecordFailure(err error) bool
}

// PhoneCache memoizes enrichment lookups per organization.
type PhoneCache interface {
	GetOrLookup(ctx context.Context, organization, location string, lookup enrich.LookupFunc) (string, error)
}

// CompanyMatcher decides whether a listing's advertiser is the company it was
// searched for.
type CompanyMatcher interface {
	Match(scraped, expected string) bool
}

// SessionTracker owns session shutdown. Track reports false once the tracker
// has been closed, in which case the caller must close the session itself.
type SessionTracker interface {
	Track(s scraper.Session) bool
	Release(s scraper.Session)
}

// Completion is one processed item handed back to the scheduler.
type Completion struct {
	Item    scraper.WorkItem
	Outcome scraper.Outcome
	Worker  int
	// SessionInitFailed marks items that failed because no session could be
	// opened.
	SessionInitFailed bool
}

// Config controls Worker behavior.
type Config struct {
	ID int
	// Enrich turns on office phone lookups for accepted records.
	Enrich bool
}

// Deps groups a worker's collaborators. Enricher, Cache, Gate, Tracker and
// Matcher are optional. Matcher only applies to items that carry a Company.
type Deps struct {
	Queue     Queue
	Provider  scraper.SessionProvider
	Extractor scraper.Extractor
	Enricher  scraper.Enricher
	Cache     PhoneCache
	Gate      Gate
	Tracker   SessionTracker
	Retry     RetryPolicy
	Matcher   CompanyMatcher
}

// Worker consumes work items with one persistent session.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	sess scraper.Session
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = NewExponentialRetryPolicy(0, 0, 0)
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.Int("worker", cfg.ID)),
	}
}

// Run blocks, consuming items until the queue is closed and drained or the
// context finishes. Every dequeued item yields exactly one Completion on out.
// The worker's session is released on return.
func (w *Worker) Run(ctx context.Context, out chan<- Completion) {
	defer w.dropSession()
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued item", zap.String("url", item.URL), zap.Int("seq", item.Seq))
		out <- w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item scraper.WorkItem) Completion {
	c := Completion{Item: item, Worker: w.cfg.ID}
	if w.deps.Gate != nil {
		if err := w.deps.Gate.Wait(ctx); err != nil {
			c.Outcome = scraper.Failed(item.URL, err)
			return c
		}
	}

	outcome, err := w.extract(ctx, item.URL)
	if err != nil {
		c.SessionInitFailed = errors.Is(err, scraper.ErrSessionInit)
		w.logger.Warn("extract failed", zap.String("url", item.URL), zap.Error(err))
		c.Outcome = scraper.Failed(item.URL, err)
		return c
	}
	if outcome.IsAccepted() && item.Company != "" && w.deps.Matcher != nil &&
		!w.deps.Matcher.Match(outcome.Record.Company, item.Company) {
		w.logger.Debug("advertiser does not match searched company",
			zap.String("url", item.URL),
			zap.String("company", outcome.Record.Company),
			zap.String("searched", item.Company),
		)
		c.Outcome = scraper.Excluded(item.URL, extract.RuleCompanyMismatch)
		return c
	}
	if outcome.IsAccepted() && w.cfg.Enrich {
		w.enrich(ctx, &outcome.Record)
	}
	c.Outcome = outcome
	return c
}

// extract runs the extractor, replacing a dead session and retrying once.
func (w *Worker) extract(ctx context.Context, url string) (scraper.Outcome, error) {
	for attempt := 0; ; attempt++ {
		sess, err := w.session(ctx)
		if err != nil {
			return scraper.Outcome{}, err
		}
		outcome, err := w.deps.Extractor.Extract(ctx, sess, url)
		if err == nil {
			return outcome, nil
		}
		if ctx.Err() != nil {
			return scraper.Outcome{}, fmt.Errorf("extract %s: %w", url, ctx.Err())
		}
		if !errors.Is(err, scraper.ErrSessionInvalid) {
			return scraper.Outcome{}, err
		}
		w.dropSession()
		if attempt > 0 {
			return scraper.Outcome{}, err
		}
		w.logger.Info("session lost, replacing", zap.String("url", url), zap.Error(err))
	}
}

// session returns the worker's session, opening one lazily.
func (w *Worker) session(ctx context.Context) (scraper.Session, error) {
	if w.sess != nil {
		return w.sess, nil
	}
	for attempt := 1; ; attempt++ {
		sess, err := w.deps.Provider.Open(ctx)
		if err == nil {
			if w.deps.Tracker != nil && !w.deps.Tracker.Track(sess) {
				_ = sess.Close()
				return nil, fmt.Errorf("open session: pool shut down: %w", context.Canceled)
			}
			w.sess = sess
			w.logger.Debug("session opened", zap.Int("attempt", attempt))
			return sess, nil
		}
		if !w.deps.Retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		delay := w.deps.Retry.Backoff(attempt)
		w.logger.Warn("session open failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (w *Worker) dropSession() {
	if w.sess == nil {
		return
	}
	if w.deps.Tracker != nil {
		w.deps.Tracker.Release(w.sess)
	} else if err := w.sess.Close(); err != nil {
		w.logger.Debug("session close failed", zap.Error(err))
	}
	w.sess = nil
}

// enrich fills the office phone. Failures leave the field empty; rate limits
// also count toward the quota, once per upstream lookup.
func (w *Worker) enrich(ctx context.Context, rec *scraper.Record) {
	company, location := rec.Company, rec.Location
	if w.deps.Enricher == nil || company == "" || company == "N/A" {
		return
	}
	if w.deps.Gate != nil {
		if err := w.deps.Gate.Wait(ctx); err != nil {
			return
		}
	}
	// Runs once per shared lookup, so a rate limit counts once however many
	// workers were waiting on it.
	lookup := func(ctx context.Context) (string, error) {
		phone, err := w.deps.Enricher.Lookup(ctx, company, location)
		if err != nil && w.deps.Gate != nil && w.deps.Gate.RecordFailure(err) {
			w.logger.Warn("lookup quota tripped", zap.String("company", company))
		}
		return phone, err
	}
	var (
		phone string
		err   error
	)
	if w.deps.Cache != nil {
		phone, err = w.deps.Cache.GetOrLookup(ctx, company, location, lookup)
	} else {
		phone, err = lookup(ctx)
	}
	if err != nil {
		w.logger.Debug("phone lookup failed", zap.String("company", company), zap.Error(err))
		return
	}
	rec.OfficePhone = phone
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
