package telemetry

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedBatch struct {
	Events []Event `json:"events"`
}

func newIngestServer(t *testing.T) (*httptest.Server, func() []capturedBatch) {
	t.Helper()

	var mu sync.Mutex
	var batches []capturedBatch

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch capturedBatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedBatch {
		mu.Lock()
		defer mu.Unlock()
		out := make([]capturedBatch, len(batches))
		copy(out, batches)
		return out
	}
}

func TestBatcher_FlushesAtBatchSize(t *testing.T) {
	srv, batches := newIngestServer(t)

	b := NewBatcher(srv.URL, "test-key",
		WithBatchSize(5),
		WithFlushInterval(time.Hour),
	)
	defer b.Shutdown()

	for i := 0; i < 5; i++ {
		b.Enqueue(NewEvent("trace-1"))
	}

	require.Eventually(t, func() bool {
		return len(batches()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, batches()[0].Events, 5)
	assert.Equal(t, SchemaVersion, batches()[0].Events[0].SchemaVersion)
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	srv, batches := newIngestServer(t)

	b := NewBatcher(srv.URL, "test-key",
		WithBatchSize(100),
		WithFlushInterval(50*time.Millisecond),
	)
	defer b.Shutdown()

	b.Enqueue(NewEvent("trace-1"))
	b.Enqueue(NewEvent("trace-2"))

	require.Eventually(t, func() bool {
		return len(batches()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, batches()[0].Events, 2)
}

func TestBatcher_DropsOldestWhenFull(t *testing.T) {
	b := NewBatcher("", "test-key",
		WithQueueCapacity(3),
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
	)
	defer b.Shutdown()

	for i := 0; i < 5; i++ {
		ev := NewEvent("trace")
		ev.ModelID = string(rune('a' + i))
		b.Enqueue(ev)
	}

	assert.Equal(t, 3, b.Len())
}

func TestBatcher_ShutdownDrainsSynchronously(t *testing.T) {
	srv, batches := newIngestServer(t)

	b := NewBatcher(srv.URL, "test-key",
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
	)

	for i := 0; i < 7; i++ {
		b.Enqueue(NewEvent("trace-1"))
	}
	b.Shutdown()

	got := batches()
	require.Len(t, got, 1)
	assert.Len(t, got[0].Events, 7)

	// Events after shutdown are silently discarded.
	b.Enqueue(NewEvent("trace-2"))
	assert.Equal(t, 0, b.Len())
}

func TestBatcher_SendFailuresAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	b := NewBatcher(srv.URL, "test-key",
		WithBatchSize(1),
		WithFlushInterval(time.Hour),
	)

	b.Enqueue(NewEvent("trace-1"))
	b.Shutdown()
}

func TestShared_ReturnsSameInstancePerKey(t *testing.T) {
	t.Cleanup(ShutdownShared)

	a := Shared("http://ingest.test/events", "key-1")
	b := Shared("http://ingest.test/events", "key-1")
	c := Shared("http://ingest.test/events", "key-2")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
