package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFlushesOnBatchSize(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 2, FlushEvery: time.Hour}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(itemEvent("https://x/job/1"))
	hub.Emit(itemEvent("https://x/job/2"))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnTicker(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 100, FlushEvery: 20 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(runEvent(StageRunStart))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 100, FlushEvery: time.Hour}, sink)
	hub.Emit(runEvent(StageRunStart))
	hub.Emit(itemEvent("https://x/job/1"))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	b := sink.Batches()
	require.Len(t, b, 1)
	assert.Len(t, b[0], 2)
	assert.True(t, sink.closed)

	hub.Emit(runEvent(StageRunDone))
	assert.Len(t, sink.Batches(), 1, "emit after close is ignored")
}

func TestHubDropsInvalidAndOverflow(t *testing.T) {
	t.Parallel()

	hub := &Hub{cfg: Config{}, events: make(chan Event), logger: nopLogger()}
	hub.Emit(Event{Stage: StageRunStart})
	assert.Zero(t, hub.Dropped(), "invalid events are not counted as drops")

	start := time.Now()
	hub.Emit(runEvent(StageRunStart))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), hub.Dropped())
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(runEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
	assert.Zero(t, hub.Dropped())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, runEvent(StageQuotaTrip).Validate())
	require.NoError(t, itemEvent("u").Validate())

	missingURL := itemEvent("")
	require.Error(t, missingURL.Validate())

	noOutcome := itemEvent("u")
	noOutcome.Outcome = ""
	require.Error(t, noOutcome.Validate())

	unknown := runEvent("BOGUS")
	require.Error(t, unknown.Validate())

	negative := runEvent(StageCheckpoint)
	negative.Rows = -1
	require.Error(t, negative.Validate())

	noRun := runEvent(StageRunStart)
	noRun.RunID = [16]byte{}
	require.Error(t, noRun.Validate())
}

func TestRunUUIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	evt := Event{RunID: UUIDToBytes(id)}
	assert.Equal(t, id, evt.RunUUID())
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

var testRun = UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-0000000000aa"))

func runEvent(stage Stage) Event {
	return Event{RunID: testRun, TS: time.Now(), Stage: stage}
}

func itemEvent(url string) Event {
	return Event{RunID: testRun, TS: time.Now(), Stage: StageItemDone, URL: url, Worker: 1, Outcome: "accepted"}
}
