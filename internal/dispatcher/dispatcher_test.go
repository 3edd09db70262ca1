package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobboard-scraper/internal/checkpoint"
	"github.com/JakeFAU/jobboard-scraper/internal/quota"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper/scrapertest"
)

// siteExtractor loads the url and excludes anything containing "contract".
type siteExtractor struct{}

func (siteExtractor) Extract(ctx context.Context, sess scraper.Session, url string) (scraper.Outcome, error) {
	if err := sess.Navigate(ctx, url); err != nil {
		return scraper.Outcome{}, err
	}
	if strings.Contains(url, "contract") {
		return scraper.Excluded(url, "non_permanent"), nil
	}
	return scraper.Accepted(scraper.Record{URL: url, JobTitle: "Engineer", Company: "Acme"}), nil
}

// blockingExtractor parks until ctx ends.
type blockingExtractor struct {
	started chan struct{}
}

func (b blockingExtractor) Extract(ctx context.Context, sess scraper.Session, url string) (scraper.Outcome, error) {
	if err := sess.Navigate(ctx, url); err != nil {
		return scraper.Outcome{}, err
	}
	b.started <- struct{}{}
	<-ctx.Done()
	return scraper.Outcome{}, ctx.Err()
}

type rateLimitedEnricher struct{}

func (rateLimitedEnricher) Lookup(context.Context, string, string) (string, error) {
	return "", scraper.ErrRateLimited
}

type fakeCheckpoint struct {
	mu       sync.Mutex
	requests int
	flushes  []checkpoint.Snapshot
}

func (f *fakeCheckpoint) Request(checkpoint.SnapshotFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
}

func (f *fakeCheckpoint) Flush(_ context.Context, snap checkpoint.SnapshotFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes = append(f.flushes, snap())
	return nil
}

func (f *fakeCheckpoint) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests, len(f.flushes)
}

type instantPauser struct{}

func (instantPauser) Pause(context.Context, time.Duration) {}

type noRetry struct{}

func (noRetry) ShouldRetry(error, int) bool { return false }

func (noRetry) Backoff(int) time.Duration { return 0 }

func newSite(urls ...string) *scrapertest.Site {
	site := scrapertest.NewSite()
	for _, u := range urls {
		site.AddPage(u, scrapertest.Page{})
	}
	return site
}

func submitAll(t *testing.T, s *Scheduler, urls ...string) {
	t.Helper()
	for i, u := range urls {
		_, err := s.Submit(context.Background(), scraper.WorkItem{URL: u, Seq: i + 1})
		require.NoError(t, err)
	}
}

func waitResult(t *testing.T, s *Scheduler) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func TestSchedulerDrainsInSubmissionOrder(t *testing.T) {
	t.Parallel()

	urls := []string{"https://x/job/1", "https://x/job/2-contract", "https://x/job/3", "https://x/job/4"}
	prov := &scrapertest.Provider{Site: newSite(urls...)}
	cp := &fakeCheckpoint{}
	s := New(Config{Workers: 2, CheckpointInterval: 2}, Deps{
		Provider:   prov,
		Extractor:  siteExtractor{},
		Checkpoint: cp,
	}, nil)
	require.NoError(t, s.Start(context.Background()))

	submitAll(t, s, urls...)
	slot, err := s.Submit(context.Background(), scraper.WorkItem{URL: urls[0]})
	require.NoError(t, err)
	assert.Equal(t, 0, slot, "duplicate url keeps its slot")
	s.Close()

	res, err := waitResult(t, s)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 4)
	for i, o := range res.Outcomes {
		assert.Equal(t, urls[i], o.Record.URL)
	}
	assert.Equal(t, scraper.OutcomeExcluded, res.Outcomes[1].Kind)
	assert.Equal(t, 3, res.Stats.Accepted)
	assert.Equal(t, 1, res.Stats.Excluded)
	assert.Equal(t, 4, res.Stats.Submitted)
	assert.Equal(t, 2, res.Stats.Checkpoints)

	requests, _ := cp.counts()
	assert.Equal(t, 2, requests)

	snap := s.Snapshot()
	assert.Len(t, snap.Records, 3)
	assert.Equal(t, []string{urls[1]}, snap.Completed)

	assert.LessOrEqual(t, prov.Opens(), 2)
	assert.Equal(t, 0, prov.Live())

	_, err = s.Submit(context.Background(), scraper.WorkItem{URL: "https://x/job/5"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSchedulerReplacesLostSession(t *testing.T) {
	t.Parallel()

	urls := []string{"https://x/job/1", "https://x/job/2", "https://x/job/3"}
	prov := &scrapertest.Provider{
		Site: newSite(urls...),
		Navigate: func(id int, url string) error {
			if id == 1 && url == urls[1] {
				return scraper.ErrSessionInvalid
			}
			return nil
		},
	}
	s := New(Config{Workers: 1}, Deps{Provider: prov, Extractor: siteExtractor{}}, nil)
	require.NoError(t, s.Start(context.Background()))
	submitAll(t, s, urls...)
	s.Close()

	res, err := waitResult(t, s)
	require.NoError(t, err)
	for _, o := range res.Outcomes {
		assert.True(t, o.IsAccepted())
	}
	assert.Equal(t, 2, prov.Opens())
	assert.True(t, prov.Sessions()[0].Closed())
	assert.Equal(t, 0, prov.Live())
	assert.Equal(t, 2, res.Stats.SessionsEver)
}

func TestSchedulerRunsQuotaBackoff(t *testing.T) {
	t.Parallel()

	urls := []string{"https://x/job/1", "https://x/job/2"}
	q := quota.New(quota.Config{Threshold: 1, Pause: time.Minute}, nil).WithPauser(instantPauser{})
	cp := &fakeCheckpoint{}
	s := New(Config{Workers: 1, Enrich: true, QuotaPollInterval: 10 * time.Millisecond}, Deps{
		Provider:   &scrapertest.Provider{Site: newSite(urls...)},
		Extractor:  siteExtractor{},
		Enricher:   rateLimitedEnricher{},
		Quota:      q,
		Checkpoint: cp,
	}, nil)
	require.NoError(t, s.Start(context.Background()))
	submitAll(t, s, urls[0])

	require.Eventually(t, func() bool {
		_, flushes := cp.counts()
		return flushes == 1 && q.State() == quota.StateNormal
	}, 2*time.Second, 5*time.Millisecond)

	submitAll(t, s, urls[1])
	s.Close()
	res, err := waitResult(t, s)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.Accepted, "lookup failures keep the record")
	assert.GreaterOrEqual(t, res.Stats.QuotaBackoffs, 1)
	assert.GreaterOrEqual(t, q.Trips(), 1)
	_, flushes := cp.counts()
	assert.GreaterOrEqual(t, flushes, 1)
}

func TestSchedulerCancelClosesSessions(t *testing.T) {
	t.Parallel()

	urls := []string{"https://x/job/1", "https://x/job/2", "https://x/job/3"}
	prov := &scrapertest.Provider{Site: newSite(urls...)}
	started := make(chan struct{}, len(urls))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{Workers: 2}, Deps{Provider: prov, Extractor: blockingExtractor{started: started}}, nil)
	require.NoError(t, s.Start(ctx))
	submitAll(t, s, urls...)

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("workers did not start extracting")
		}
	}
	cancel()

	res, err := waitResult(t, s)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	for i, o := range res.Outcomes {
		assert.Equal(t, scraper.OutcomeFailed, o.Kind)
		assert.Equal(t, urls[i], o.Record.URL)
	}
	assert.Empty(t, scraper.AcceptedRecords(res.Outcomes))
	assert.Equal(t, 0, prov.Live())
	for _, sess := range prov.Sessions() {
		assert.True(t, sess.Closed())
	}
}

func TestSchedulerNoSessionsIsFatal(t *testing.T) {
	t.Parallel()

	prov := &scrapertest.Provider{
		Site:    newSite("https://x/job/1"),
		OpenErr: func(int) error { return errors.New("chrome missing") },
	}
	s := New(Config{Workers: 2}, Deps{Provider: prov, Extractor: siteExtractor{}, Retry: noRetry{}}, nil)
	require.NoError(t, s.Start(context.Background()))
	submitAll(t, s, "https://x/job/1")
	s.Close()

	res, err := waitResult(t, s)
	require.ErrorIs(t, err, scraper.ErrNoSessions)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, scraper.OutcomeFailed, res.Outcomes[0].Kind)
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Deps{}, nil)
	_, err := s.Submit(context.Background(), scraper.WorkItem{URL: "u"})
	require.Error(t, err)
}
