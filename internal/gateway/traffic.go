package gateway

import (
	"sync"
	"sync/atomic"
)

// TrafficSnapshot is the exported view of Traffic.
type TrafficSnapshot struct {
	Connections   int64            `json:"connections"`
	Rejected      int64            `json:"rejected"`
	Evicted       int64            `json:"evicted"`
	BytesSent     int64            `json:"bytesSent"`
	BytesReceived int64            `json:"bytesReceived"`
	QueuedBytes   map[string]int64 `json:"queuedBytes,omitempty"`
}

// Traffic tracks connection counts and byte totals for the metrics endpoint.
type Traffic struct {
	connections   atomic.Int64
	rejectedTotal atomic.Int64
	evictedTotal  atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	mu      sync.Mutex
	pending map[string]int64
}

// NewTraffic constructs an empty tracker.
func NewTraffic() *Traffic {
	return &Traffic{pending: make(map[string]int64)}
}

func (t *Traffic) opened() {
	if t != nil {
		t.connections.Add(1)
	}
}

func (t *Traffic) closed(connID string) {
	if t == nil {
		return
	}
	t.connections.Add(-1)
	//1.- Drop the per-connection gauge so closed clients are not exported.
	t.mu.Lock()
	delete(t.pending, connID)
	t.mu.Unlock()
}

func (t *Traffic) rejected() {
	if t != nil {
		t.rejectedTotal.Add(1)
	}
}

func (t *Traffic) evicted(string) {
	if t != nil {
		t.evictedTotal.Add(1)
	}
}

func (t *Traffic) queued(connID string, n int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.pending[connID] += int64(n)
	t.mu.Unlock()
}

func (t *Traffic) sent(connID string, n int) {
	if t == nil {
		return
	}
	t.bytesSent.Add(int64(n))
	t.mu.Lock()
	if left := t.pending[connID] - int64(n); left > 0 {
		t.pending[connID] = left
	} else {
		delete(t.pending, connID)
	}
	t.mu.Unlock()
}

func (t *Traffic) received(_ string, n int) {
	if t != nil {
		t.bytesReceived.Add(int64(n))
	}
}

// Connections returns the number of open websockets.
func (t *Traffic) Connections() int {
	if t == nil {
		return 0
	}
	return int(t.connections.Load())
}

// Snapshot copies the counters.
func (t *Traffic) Snapshot() TrafficSnapshot {
	if t == nil {
		return TrafficSnapshot{}
	}
	snap := TrafficSnapshot{
		Connections:   t.connections.Load(),
		Rejected:      t.rejectedTotal.Load(),
		Evicted:       t.evictedTotal.Load(),
		BytesSent:     t.bytesSent.Load(),
		BytesReceived: t.bytesReceived.Load(),
	}
	t.mu.Lock()
	if len(t.pending) > 0 {
		snap.QueuedBytes = make(map[string]int64, len(t.pending))
		for id, n := range t.pending {
			snap.QueuedBytes[id] = n
		}
	}
	t.mu.Unlock()
	return snap
}
