package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type uploadRecorder struct {
	mu     sync.Mutex
	names  []string
	bodies []string
	status int
}

func (u *uploadRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.names = append(u.names, r.URL.Query().Get("name"))
	u.bodies = append(u.bodies, string(body))
	status := u.status
	u.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"bucket":"runs","name":%q}`, r.URL.Query().Get("name"))
}

func newTestStore(t *testing.T, h http.Handler) *BlobStore {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := Open(context.Background(), Config{Bucket: "runs"},
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	rec := &uploadRecorder{}
	s := newTestStore(t, rec)

	uri, err := s.PutObject(context.Background(), "2026/run-1/jobs.xlsx", "application/octet-stream", bytes.NewReader([]byte("sheet-bytes")))
	require.NoError(t, err)
	assert.Equal(t, "gs://runs/2026/run-1/jobs.xlsx", uri)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.names, 1)
	assert.Equal(t, "2026/run-1/jobs.xlsx", rec.names[0])
	assert.Contains(t, rec.bodies[0], "sheet-bytes")
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &uploadRecorder{status: http.StatusForbidden})
	_, err := s.PutObject(context.Background(), "jobs.xlsx", "", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	s := newTestStore(t, &uploadRecorder{})
	_, err = New(s.client, Config{})
	require.Error(t, err)

	_, err = s.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
