package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/metrics"
	"github.com/JakeFAU/jobboard-scraper/internal/progress"
	"github.com/JakeFAU/jobboard-scraper/internal/store"
)

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerProbes(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{Gatherer: prometheus.NewRegistry()}, zap.NewNop())

	rec := serve(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, "/readyz").Code)
	s.MarkReady()
	assert.Equal(t, http.StatusOK, serve(t, s, "/readyz").Code)
}

func TestServerMetricsIncludesHTTPCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	httpMetrics, err := metrics.NewHTTP(reg)
	require.NoError(t, err)
	s := NewServer(Deps{Gatherer: reg, HTTP: httpMetrics}, zap.NewNop())

	require.Equal(t, http.StatusOK, serve(t, s, "/healthz").Code)
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jobscraper_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestServerCurrentRun(t *testing.T) {
	t.Parallel()

	live := NewRunTracker()
	s := NewServer(Deps{Live: live, Gatherer: prometheus.NewRegistry()}, zap.NewNop())
	assert.Equal(t, http.StatusNotFound, serve(t, s, "/v1/run").Code)

	runID := uuid.New()
	rid := progress.UUIDToBytes(runID)
	ts := time.Unix(1700000000, 0).UTC()
	require.NoError(t, live.Consume(context.Background(), []progress.Event{
		{RunID: rid, TS: ts, Stage: progress.StageRunStart},
		{RunID: rid, TS: ts, Stage: progress.StageItemDone, URL: "u1", Outcome: "accepted"},
		{RunID: rid, TS: ts, Stage: progress.StageItemDone, URL: "u2", Outcome: "excluded"},
		{RunID: rid, TS: ts, Stage: progress.StageQuotaTrip},
		{RunID: rid, TS: ts, Stage: progress.StageCheckpoint, Rows: 7},
	}))

	rec := serve(t, s, "/v1/run")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run LiveRun `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, runID.String(), body.Run.RunID)
	assert.Equal(t, "running", body.Run.Status)
	assert.Equal(t, int64(1), body.Run.Outcomes["accepted"])
	assert.Equal(t, int64(7), body.Run.CheckpointRows)
	assert.True(t, body.Run.QuotaPaused)

	require.NoError(t, live.Consume(context.Background(), []progress.Event{
		{RunID: rid, TS: ts.Add(time.Minute), Stage: progress.StageRunAborted, Note: "interrupted"},
	}))
	run, ok := live.Current()
	require.True(t, ok)
	assert.Equal(t, "interrupted", run.Status)
	assert.False(t, run.QuotaPaused)
	require.NotNil(t, run.FinishedAt)
}

func TestServerRunRoutes(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &fakeRunRepo{
		runs: []store.Run{{ID: runID, Status: store.RunSuccess, StartedAt: time.Unix(0, 0).UTC(), CheckpointRows: 3}},
		outcomes: []store.OutcomeCount{
			{RunID: runID, Outcome: "accepted", Count: 3},
		},
	}
	s := NewServer(Deps{Runs: repo, Gatherer: prometheus.NewRegistry()}, zap.NewNop())

	rec := serve(t, s, "/v1/runs?status=success&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, repo.lastStatus)
	assert.Equal(t, store.RunSuccess, *repo.lastStatus)
	assert.Equal(t, 10, repo.lastLimit)

	rec = serve(t, s, "/v1/runs/"+runID.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"checkpoint_rows":3`)

	rec = serve(t, s, "/v1/runs/"+runID.String()+"/outcomes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"accepted"`)

	assert.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/runs/not-a-uuid").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/runs?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/runs?status=bogus").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, s, "/v1/runs/"+uuid.NewString()).Code)
}

func TestServerRunRoutesWithoutRepo(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{Gatherer: prometheus.NewRegistry()}, zap.NewNop())
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, "/v1/runs").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, "/v1/run").Code)
}

func TestParseLimitOffsetCapsLimit(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?limit=9999&offset=5", nil)
	limit, offset, err := parseLimitOffset(req, defaultRunLimit, maxRunLimit)
	require.NoError(t, err)
	assert.Equal(t, maxRunLimit, limit)
	assert.Equal(t, 5, offset)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs?offset=-1", nil)
	_, _, err = parseLimitOffset(req, defaultRunLimit, maxRunLimit)
	require.Error(t, err)
}

type fakeRunRepo struct {
	runs     []store.Run
	outcomes []store.OutcomeCount
	err      error

	lastStatus *store.RunStatus
	lastLimit  int
}

func (f *fakeRunRepo) UpsertRunStart(context.Context, uuid.UUID, time.Time) error { return f.err }

func (f *fakeRunRepo) CompleteRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return f.err
}

func (f *fakeRunRepo) AddOutcomeCounts(context.Context, uuid.UUID, string, int64, time.Time) error {
	return f.err
}

func (f *fakeRunRepo) RecordCheckpoint(context.Context, uuid.UUID, int64, time.Time) error {
	return f.err
}

func (f *fakeRunRepo) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return store.Run{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, _ int) ([]store.Run, error) {
	f.lastStatus = status
	f.lastLimit = limit
	return f.runs, f.err
}

func (f *fakeRunRepo) ListRunOutcomes(context.Context, uuid.UUID) ([]store.OutcomeCount, error) {
	return f.outcomes, f.err
}
