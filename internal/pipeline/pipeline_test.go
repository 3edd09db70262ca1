package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobboard-scraper/internal/collector"
	"github.com/JakeFAU/jobboard-scraper/internal/export"
	"github.com/JakeFAU/jobboard-scraper/internal/extract"
	"github.com/JakeFAU/jobboard-scraper/internal/hash/sha256"
	"github.com/JakeFAU/jobboard-scraper/internal/ledger"
	"github.com/JakeFAU/jobboard-scraper/internal/progress"
	pubmemory "github.com/JakeFAU/jobboard-scraper/internal/publisher/memory"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper/scrapertest"
	"github.com/JakeFAU/jobboard-scraper/internal/storage"
	blobmemory "github.com/JakeFAU/jobboard-scraper/internal/storage/memory"
	"github.com/JakeFAU/jobboard-scraper/internal/store"
)

const (
	searchURL = "https://jobs.example/search"
	nextSel   = `a[data-automation="page-next"]`
	linkSel   = `a[data-automation="jobTitle"]`
)

var (
	u1 = "https://jobs.example/job/1"
	u2 = "https://jobs.example/job/2"
	u3 = "https://jobs.example/job/3"
)

// twoPageSite serves batches [u1 u2] and [u3].
func twoPageSite() *scrapertest.Site {
	site := scrapertest.NewSite()
	page2 := searchURL + "?page=2"
	site.AddPage(searchURL, scrapertest.Page{
		linkSel: scrapertest.Links(u1, u2),
		nextSel: scrapertest.Text("Next"),
	})
	site.AddClick(searchURL, nextSel, page2)
	site.AddPage(page2, scrapertest.Page{
		linkSel: scrapertest.Links(u3),
	})
	return site
}

// tableExtractor answers from a fixed url → outcome table and records calls.
type tableExtractor struct {
	outcomes map[string]scraper.Outcome
	block    map[string]bool

	mu    sync.Mutex
	calls []string
}

func (e *tableExtractor) Extract(ctx context.Context, _ scraper.Session, url string) (scraper.Outcome, error) {
	e.mu.Lock()
	e.calls = append(e.calls, url)
	e.mu.Unlock()
	if e.block[url] {
		<-ctx.Done()
		return scraper.Outcome{}, fmt.Errorf("load %s: %w", url, ctx.Err())
	}
	o, ok := e.outcomes[url]
	if !ok {
		return scraper.Outcome{}, fmt.Errorf("no fixture for %s", url)
	}
	return o, nil
}

func (e *tableExtractor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func scenarioExtractor() *tableExtractor {
	return &tableExtractor{outcomes: map[string]scraper.Outcome{
		u1: scraper.Accepted(scraper.Record{JobTitle: "Go Engineer", Company: "Acme", URL: u1}),
		u2: scraper.Excluded(u2, "recruiter"),
		u3: scraper.Accepted(scraper.Record{JobTitle: "SRE", Company: "Initech", URL: u3}),
	}}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func (r *recordingEmitter) itemDone(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Stage == progress.StageItemDone && e.URL == url {
			return true
		}
	}
	return false
}

func baseConfig(out string) Config {
	return Config{
		Output:             out,
		Range:              collector.Range{Start: 1, End: 3},
		Collector:          collector.Config{SearchURL: searchURL},
		Workers:            2,
		CheckpointInterval: 100,
		QuotaPollInterval:  10 * time.Millisecond,
	}
}

func urlsOf(records []scraper.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.URL
	}
	return out
}

func TestRunExportsAcceptedListings(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "jobs.xlsx")
	ext := scenarioExtractor()
	events := &recordingEmitter{}
	blobs := blobmemory.NewBlobStore()
	pub := pubmemory.New()
	provider := &scrapertest.Provider{Site: twoPageSite()}

	runner, err := New(baseConfig(out), Deps{
		Provider:  provider,
		Extractor: ext,
		Events:    events,
		Archiver:  storage.NewArchiver("runs", nil, blobs),
		Publisher: pub,
	}, nil)
	require.NoError(t, err)

	sum, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, store.RunSuccess, sum.Status)
	assert.Equal(t, 3, sum.Discovered)
	assert.Equal(t, 3, sum.Submitted)
	assert.Equal(t, 2, sum.Accepted)
	assert.Equal(t, 1, sum.Excluded)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, int64(2), sum.Rows)
	assert.ElementsMatch(t, []string{u1, u2, u3}, ext.Calls())

	rows, err := export.ReadRecords(out)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{u1, u3}, urlsOf(rows))

	_, err = os.Stat(ledger.PathFor(out))
	assert.ErrorIs(t, err, os.ErrNotExist, "ledger is removed after a clean run")

	require.Len(t, sum.Artifacts, 1)
	assert.Equal(t, []string{"runs/" + sum.RunID.String() + "/jobs.xlsx"}, blobs.Paths())

	notices := pub.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "success", notices[0].Status)
	assert.Equal(t, 2, notices[0].Accepted)
	digest, err := sha256.New().File(out)
	require.NoError(t, err)
	assert.Equal(t, digest, notices[0].SHA256)
	assert.Equal(t, digest, sum.Checksum)

	stages := events.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	assert.Contains(t, stages, progress.StageCheckpoint)
	assert.Equal(t, 0, provider.Live(), "every session is closed")
}

func TestRunResumesFromLedger(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "jobs.xlsx")
	prior := scraper.Record{JobTitle: "Prior Role", Company: "Acme", URL: u1}
	require.NoError(t, export.WriteRecords(out, []scraper.Record{prior}))
	require.NoError(t, os.WriteFile(ledger.PathFor(out),
		[]byte(`{"completed_urls":["`+u1+`"],"total_completed":1}`), 0o600))

	ext := scenarioExtractor()
	runner, err := New(baseConfig(out), Deps{
		Provider:  &scrapertest.Provider{Site: twoPageSite()},
		Extractor: ext,
	}, nil)
	require.NoError(t, err)

	sum, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, ext.Calls(), u1)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 2, sum.Submitted)

	rows, err := export.ReadRecords(out)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, prior, rows[0], "existing rows come first")
	assert.Equal(t, u3, rows[1].URL)
}

func TestRunHonorsJobRange(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "jobs.xlsx")
	ext := scenarioExtractor()
	cfg := baseConfig(out)
	cfg.Range = collector.Range{Start: 2, End: 3}
	runner, err := New(cfg, Deps{
		Provider:  &scrapertest.Provider{Site: twoPageSite()},
		Extractor: ext,
	}, nil)
	require.NoError(t, err)

	sum, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{u2, u3}, ext.Calls())
	assert.Equal(t, 2, sum.Submitted)
}

func TestRunStopsCountingAtRangeEnd(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "jobs.xlsx")
	ext := scenarioExtractor()
	cfg := baseConfig(out)
	cfg.Range = collector.Range{Start: 1, End: 1}
	runner, err := New(cfg, Deps{
		Provider:  &scrapertest.Provider{Site: twoPageSite()},
		Extractor: ext,
	}, nil)
	require.NoError(t, err)

	sum, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Discovered, "links past the range end are not discovered")
	assert.Equal(t, 1, sum.Submitted)
	assert.Equal(t, []string{u1}, ext.Calls())
}

func TestRunCompanySearch(t *testing.T) {
	t.Parallel()

	site := scrapertest.NewSite()
	addCompany := func(company string, hrefs ...string) {
		u, err := collector.BuildCompanySearchURL(searchURL, company, "Melbourne", "")
		require.NoError(t, err)
		site.AddPage(u, scrapertest.Page{collector.CompanyLinkSelectors[0]: scrapertest.Links(hrefs...)})
	}
	addCompany("Acme", u1, u2)
	// u3 is advertised by Initech, so it does not belong to this search.
	addCompany("Globex", u3)

	out := filepath.Join(t.TempDir(), "companies.xlsx")
	ext := scenarioExtractor()
	provider := &scrapertest.Provider{Site: site}
	cfg := baseConfig(out)
	cfg.Range = collector.Range{Start: 1}
	runner, err := New(cfg, Deps{
		Provider:  provider,
		Extractor: ext,
		Source: collector.NewCompanySearch(collector.CompanyConfig{
			SearchURL: searchURL,
			Companies: []string{"Acme", "Globex"},
			Location:  "Melbourne",
			Workers:   2,
		}, nil),
		Matcher: extract.NewCompanyNameMatcher(extract.DefaultNameThreshold, nil),
	}, nil)
	require.NoError(t, err)

	sum, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, sum.Status)
	assert.Equal(t, 3, sum.Discovered)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 2, sum.Excluded)
	assert.ElementsMatch(t, []string{u1, u2, u3}, ext.Calls())

	rows, err := export.ReadRecords(out)
	require.NoError(t, err)
	assert.Equal(t, []string{u1}, urlsOf(rows))
	assert.Equal(t, 0, provider.Live(), "search and worker sessions are closed")
}

func TestRunNoResultsIsFatal(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "jobs.xlsx")
	site := scrapertest.NewSite()
	site.AddPage(searchURL, scrapertest.Page{})
	events := &recordingEmitter{}
	runner, err := New(baseConfig(out), Deps{
		Provider:  &scrapertest.Provider{Site: site},
		Extractor: scenarioExtractor(),
		Events:    events,
	}, nil)
	require.NoError(t, err)

	sum, err := runner.Run(context.Background())
	require.ErrorIs(t, err, scraper.ErrNoResults)
	assert.Equal(t, store.RunError, sum.Status)
	assert.Empty(t, sum.PartialPath)

	_, statErr := os.Stat(out)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
	stages := events.stages()
	assert.Equal(t, progress.StageRunError, stages[len(stages)-1])
}

func TestRunInterruptSavesPartialResults(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "jobs.xlsx")
	ext := scenarioExtractor()
	ext.block = map[string]bool{u2: true, u3: true}
	events := &recordingEmitter{}
	provider := &scrapertest.Provider{Site: twoPageSite()}
	cfg := baseConfig(out)
	cfg.Workers = 1

	runner, err := New(cfg, Deps{
		Provider:  provider,
		Extractor: ext,
		Events:    events,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		sum Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := runner.Run(ctx)
		done <- result{sum, err}
	}()

	require.Eventually(t, func() bool { return events.itemDone(u1) }, 5*time.Second, 5*time.Millisecond)
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.Equal(t, store.RunInterrupted, res.sum.Status)
	require.NotEmpty(t, res.sum.PartialPath)
	assert.Contains(t, filepath.Base(res.sum.PartialPath), "jobs_interrupted_")

	partial, err := export.ReadRecords(res.sum.PartialPath)
	require.NoError(t, err)
	assert.Equal(t, []string{u1}, urlsOf(partial))

	final, err := export.ReadURLs(out)
	require.NoError(t, err)
	assert.Equal(t, []string{u1}, final)

	_, err = os.Stat(ledger.PathFor(out))
	require.NoError(t, err, "ledger is kept for resume")
	assert.Equal(t, 0, provider.Live())

	stages := events.stages()
	assert.Equal(t, progress.StageRunAborted, stages[len(stages)-1])
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Output: "x.xlsx"}, Deps{Extractor: scenarioExtractor()}, nil)
	require.Error(t, err)
	_, err = New(Config{Output: "x.xlsx"}, Deps{Provider: &scrapertest.Provider{}}, nil)
	require.Error(t, err)
	_, err = New(Config{}, Deps{Provider: &scrapertest.Provider{}, Extractor: scenarioExtractor()}, nil)
	require.Error(t, err)
}

func TestPartialPath(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.Local)
	assert.Equal(t, "out/jobs_error_20260102_150405.xlsx", PartialPath("out/jobs.xlsx", PartialError, at))
	assert.Equal(t, "jobs_interrupted_20260102_150405.xlsx", PartialPath("jobs", PartialInterrupted, at))
}
