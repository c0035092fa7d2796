package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

const (
	// DefaultQueueCapacity bounds the number of buffered events.
	DefaultQueueCapacity = 5000

	// DefaultBatchSize triggers a flush when this many events are buffered.
	DefaultBatchSize = 100

	// DefaultFlushInterval triggers a flush even when the batch is not full.
	DefaultFlushInterval = 2 * time.Second

	// DefaultSendTimeout bounds each batch upload.
	DefaultSendTimeout = 5 * time.Second
)

var (
	eventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goalmux_telemetry_events_enqueued_total",
		Help: "Events accepted into the telemetry queue.",
	})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goalmux_telemetry_events_dropped_total",
		Help: "Events evicted because the queue was full.",
	})
	batchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goalmux_telemetry_batches_flushed_total",
		Help: "Batches successfully sent to the ingest endpoint.",
	})
	sendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goalmux_telemetry_send_failures_total",
		Help: "Batch uploads that failed. Failures are never surfaced to callers.",
	})
)

// Batcher buffers events and ships them to the ingest endpoint in batches.
// A batch goes out when it reaches the batch size or when the flush interval
// elapses, whichever comes first. Enqueue never blocks: when the queue is
// full the oldest buffered event is dropped to make room.
//
// Batcher is safe for concurrent use by multiple goroutines.
type Batcher struct {
	endpoint   string
	apiKey     string
	tenantID   string
	capacity   int
	batchSize  int
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	warnLimit  *rate.Limiter

	mu     sync.Mutex
	buf    []Event
	closed bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// WithTenant stamps every shipped batch with a tenant id header.
func WithTenant(tenantID string) BatcherOption {
	return func(b *Batcher) { b.tenantID = tenantID }
}

// WithBatchSize sets the flush threshold.
func WithBatchSize(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithFlushInterval sets the time-based flush interval.
func WithFlushInterval(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithQueueCapacity sets the bounded queue capacity.
func WithQueueCapacity(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithBatcherHTTPClient sets a custom HTTP client for uploads.
func WithBatcherHTTPClient(hc *http.Client) BatcherOption {
	return func(b *Batcher) {
		if hc != nil {
			b.httpClient = hc
		}
	}
}

// WithBatcherLogger sets the logger.
func WithBatcherLogger(logger *slog.Logger) BatcherOption {
	return func(b *Batcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBatcher creates a batcher and starts its flush loop.
func NewBatcher(endpoint, apiKey string, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		endpoint:  endpoint,
		apiKey:    apiKey,
		capacity:  DefaultQueueCapacity,
		batchSize: DefaultBatchSize,
		interval:  DefaultFlushInterval,
		logger:    slog.Default(),
		warnLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{Timeout: DefaultSendTimeout}
	}
	b.buf = make([]Event, 0, b.batchSize)

	b.wg.Add(1)
	go b.run()
	return b
}

var (
	sharedMu sync.Mutex
	shared   = make(map[string]*Batcher)
)

// Shared returns the process-wide batcher for an (endpoint, api key) pair,
// creating it on first use. All callers with the same pair share one queue
// and one flush loop.
func Shared(endpoint, apiKey string, opts ...BatcherOption) *Batcher {
	key := endpoint + "\x00" + apiKey

	sharedMu.Lock()
	defer sharedMu.Unlock()
	if b, ok := shared[key]; ok {
		return b
	}
	b := NewBatcher(endpoint, apiKey, opts...)
	shared[key] = b
	return b
}

// ShutdownShared shuts down every shared batcher, draining buffered events
// synchronously. Intended for process exit and test teardown.
func ShutdownShared() {
	sharedMu.Lock()
	batchers := make([]*Batcher, 0, len(shared))
	for _, b := range shared {
		batchers = append(batchers, b)
	}
	shared = make(map[string]*Batcher)
	sharedMu.Unlock()

	for _, b := range batchers {
		b.Shutdown()
	}
}

// Enqueue buffers an event for export. It never blocks and never fails:
// when the queue is full, the oldest buffered event is evicted.
func (b *Batcher) Enqueue(ev Event) {
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = SchemaVersion
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.buf) >= b.capacity {
		copy(b.buf, b.buf[1:])
		b.buf = b.buf[:len(b.buf)-1]
		eventsDropped.Inc()
	}
	b.buf = append(b.buf, ev)
	full := len(b.buf) >= b.batchSize
	b.mu.Unlock()

	eventsEnqueued.Inc()

	if full {
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of currently buffered events.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Shutdown stops the flush loop and drains any buffered events
// synchronously. The batcher accepts no events afterwards.
func (b *Batcher) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

func (b *Batcher) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.notify:
			b.flush(false)
		case <-ticker.C:
			b.flush(false)
		case <-b.done:
			b.flush(true)
			return
		}
	}
}

// flush sends up to one batch per iteration; drain sends everything.
func (b *Batcher) flush(drain bool) {
	for {
		b.mu.Lock()
		if len(b.buf) == 0 {
			b.mu.Unlock()
			return
		}
		n := len(b.buf)
		if !drain && n > b.batchSize {
			n = b.batchSize
		}
		batch := make([]Event, n)
		copy(batch, b.buf)
		b.buf = append(b.buf[:0], b.buf[n:]...)
		b.mu.Unlock()

		b.send(batch)

		if !drain {
			return
		}
	}
}

// send uploads one batch. Failures are swallowed: observability must never
// crash the host application.
func (b *Batcher) send(batch []Event) {
	if b.endpoint == "" {
		return
	}

	if err := b.post(batch); err != nil {
		sendFailures.Inc()
		if b.warnLimit.Allow() {
			b.logger.Warn("telemetry batch send failed",
				"endpoint", b.endpoint,
				"events", len(batch),
				"error", err)
		}
		return
	}
	batchesFlushed.Inc()
}

func (b *Batcher) post(batch []Event) error {
	payload, err := json.Marshal(map[string][]Event{"events": batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultSendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("X-API-Key", b.apiKey)
	}
	if b.tenantID != "" {
		req.Header.Set("X-Tenant-ID", b.tenantID)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ingest returned status %d", resp.StatusCode)
	}
	return nil
}
