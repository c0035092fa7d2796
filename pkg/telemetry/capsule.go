package telemetry

import (
	"sync"
	"time"
)

// DefaultCapsuleCapacity is the number of hops a capsule retains.
const DefaultCapsuleCapacity = 10

// Hop is one recorded unit of work inside a trace: a provider call, a tool
// call, or a sub-task.
type Hop struct {
	Index      int       `json:"index"`
	Provider   string    `json:"provider,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	Status     string    `json:"status,omitempty"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
	DurationMS float64   `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// Capsule is a bounded ring of hops plus running aggregates. The ring keeps
// only the most recent hops, while the aggregate cost and latency cover every
// hop ever appended. Append assigns each hop a monotonically increasing
// index.
//
// Capsule is safe for concurrent use by multiple goroutines.
type Capsule struct {
	TraceID string

	mu       sync.Mutex
	hops     []Hop
	start    int
	capacity int

	nextIndex  int
	totalCost  float64
	totalMS    float64
	totalCount int
}

// NewCapsule creates a capsule retaining up to capacity hops. A
// non-positive capacity uses the default.
func NewCapsule(traceID string, capacity int) *Capsule {
	if capacity <= 0 {
		capacity = DefaultCapsuleCapacity
	}
	return &Capsule{
		TraceID:  traceID,
		hops:     make([]Hop, 0, capacity),
		capacity: capacity,
	}
}

// Append records a hop, assigning it the next index. When the ring is full
// the oldest retained hop is evicted; aggregates still include it.
func (c *Capsule) Append(hop Hop) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	hop.Index = c.nextIndex
	if hop.Timestamp.IsZero() {
		hop.Timestamp = time.Now()
	}
	c.nextIndex++

	if len(c.hops) < c.capacity {
		c.hops = append(c.hops, hop)
	} else {
		c.hops[c.start] = hop
		c.start = (c.start + 1) % c.capacity
	}

	c.totalCost += hop.CostUSD
	c.totalMS += hop.DurationMS
	c.totalCount++

	return hop.Index
}

// Hops returns the retained hops, oldest first.
func (c *Capsule) Hops() []Hop {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Hop, 0, len(c.hops))
	for i := 0; i < len(c.hops); i++ {
		out = append(out, c.hops[(c.start+i)%len(c.hops)])
	}
	return out
}

// TotalCost returns the aggregate cost over every hop ever appended.
func (c *Capsule) TotalCost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCost
}

// TotalLatencyMS returns the aggregate latency over every hop ever appended.
func (c *Capsule) TotalLatencyMS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalMS
}

// Count returns the number of hops ever appended, retained or not.
func (c *Capsule) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCount
}
