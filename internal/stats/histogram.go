package stats

import (
	"sync"
	"time"

	"github.com/sadewadee/dispatchd/internal/protocol"
)

// defaultBoundsMs are the job-duration histogram bucket upper bounds, in
// milliseconds, each bucket counting samples <= its bound.
var defaultBoundsMs = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Histogram is a fixed-bucket latency histogram for a single group,
// updated from the proxy's per-worker-connection goroutines and read from
// the admin-stat path — these run concurrently, so access is mutex guarded.
type Histogram struct {
	mu      sync.Mutex
	bounds  []float64
	buckets []int64
	count   int64
	sumMs   float64
}

// NewHistogram creates a histogram with the default bucket bounds.
func NewHistogram() *Histogram {
	return &Histogram{
		bounds:  append([]float64(nil), defaultBoundsMs...),
		buckets: make([]int64, len(defaultBoundsMs)+1), // +1 overflow bucket
	}
}

// Observe records one job's duration.
func (h *Histogram) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sumMs += ms

	for i, bound := range h.bounds {
		if ms <= bound {
			h.buckets[i]++
			return
		}
	}
	h.buckets[len(h.buckets)-1]++
}

// Snapshot returns a JSON-ready copy of the histogram's current state.
func (h *Histogram) Snapshot() protocol.JobTimeHistogram {
	h.mu.Lock()
	defer h.mu.Unlock()

	return protocol.JobTimeHistogram{
		Count:   h.count,
		SumMs:   h.sumMs,
		Buckets: append([]int64(nil), h.buckets...),
		Bounds:  append([]float64(nil), h.bounds...),
	}
}

// GroupHistograms owns one Histogram per group id, created lazily.
type GroupHistograms struct {
	mu   sync.Mutex
	byID map[int]*Histogram
}

func NewGroupHistograms() *GroupHistograms {
	return &GroupHistograms{byID: make(map[int]*Histogram)}
}

func (g *GroupHistograms) Observe(groupID int, d time.Duration) {
	g.get(groupID).Observe(d)
}

func (g *GroupHistograms) get(groupID int) *Histogram {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.byID[groupID]
	if !ok {
		h = NewHistogram()
		g.byID[groupID] = h
	}
	return h
}

// Snapshot returns a copy of every group's histogram snapshot.
func (g *GroupHistograms) Snapshot() map[int]protocol.JobTimeHistogram {
	g.mu.Lock()
	ids := make([]int, 0, len(g.byID))
	hs := make([]*Histogram, 0, len(g.byID))
	for id, h := range g.byID {
		ids = append(ids, id)
		hs = append(hs, h)
	}
	g.mu.Unlock()

	out := make(map[int]protocol.JobTimeHistogram, len(ids))
	for i, id := range ids {
		out[id] = hs[i].Snapshot()
	}
	return out
}
