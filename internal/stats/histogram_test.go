package stats

import (
	"testing"
	"time"
)

func TestHistogramObserveBucketsAndOverflow(t *testing.T) {
	h := NewHistogram()
	h.Observe(2 * time.Millisecond)
	h.Observe(20 * time.Second) // overflow bucket

	snap := h.Snapshot()
	if snap.Count != 2 {
		t.Fatalf("expected count 2, got %d", snap.Count)
	}
	if snap.Buckets[len(snap.Buckets)-1] != 1 {
		t.Fatalf("expected 1 sample in overflow bucket, got %d", snap.Buckets[len(snap.Buckets)-1])
	}
	if snap.Buckets[1] != 1 { // 2ms falls in the <=5ms bucket
		t.Fatalf("expected 1 sample in 5ms bucket, got %d", snap.Buckets[1])
	}
}

func TestGroupHistogramsIsolatesGroups(t *testing.T) {
	g := NewGroupHistograms()
	g.Observe(1, 10*time.Millisecond)
	g.Observe(2, 10*time.Millisecond)

	snap := g.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(snap))
	}
	if snap[1].Count != 1 || snap[2].Count != 1 {
		t.Fatalf("expected 1 observation per group, got %+v", snap)
	}
}

func TestCounterTracksRequestResponse(t *testing.T) {
	var c Counter
	c.ClientConnected()
	c.ClientRequest()
	c.WorkerRequest()
	c.WorkerResponse()
	c.ClientResponse()

	if c.Clients() != 1 || c.ClientReq() != 1 || c.ClientRsp() != 1 {
		t.Fatalf("unexpected counter state: clients=%d req=%d rsp=%d", c.Clients(), c.ClientReq(), c.ClientRsp())
	}
	if c.WorkerReq() != 1 || c.WorkerRsp() != 1 {
		t.Fatalf("unexpected worker counters: req=%d rsp=%d", c.WorkerReq(), c.WorkerRsp())
	}
}
