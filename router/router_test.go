package router

import (
	"testing"
	"time"

	"github.com/xiami1988/ace-core/frame"
)

func TestExactlyOneContinuationFiresPerID(t *testing.T) {
	r := New()
	now := time.Now()

	fired := map[uint32]int{}
	ids := make([]uint32, 5)
	for i := range ids {
		if !r.TryAcquire(now) {
			t.Fatalf("TryAcquire failed unexpectedly at %d", i)
		}
		id := r.NextID()
		ids[i] = id
		r.Register(id, func(resp frame.Response) {
			fired[resp.ID]++
		})
		r.Release() // simulate writer releasing after a synthetic send/response cycle
	}

	for _, id := range ids {
		ok := r.Resolve(id, frame.Response{ID: id, Code: 0})
		if !ok {
			t.Fatalf("Resolve(%d) = false, want true", id)
		}
	}
	// A second resolve for the same id must be a no-op (already removed).
	for _, id := range ids {
		if ok := r.Resolve(id, frame.Response{ID: id}); ok {
			t.Fatalf("Resolve(%d) fired twice", id)
		}
	}
	for _, id := range ids {
		if fired[id] != 1 {
			t.Errorf("id %d fired %d times, want 1", id, fired[id])
		}
	}
}

func TestUnknownIDIsDropped(t *testing.T) {
	r := New()
	if ok := r.Resolve(42, frame.Response{ID: 42}); ok {
		t.Fatal("Resolve on empty router returned true")
	}
}

func TestAtMostOneInFlight(t *testing.T) {
	r := New()
	now := time.Now()
	if !r.TryAcquire(now) {
		t.Fatal("first TryAcquire should succeed")
	}
	if r.TryAcquire(now) {
		t.Fatal("second TryAcquire should fail while locked")
	}
	r.Release()
	if !r.TryAcquire(now) {
		t.Fatal("TryAcquire after Release should succeed")
	}
}

func TestForceTimeoutOnlyAfterDeadline(t *testing.T) {
	r := New()
	start := time.Now()
	r.TryAcquire(start)
	if r.ForceTimeout(start.Add(time.Second), 2*time.Second) {
		t.Fatal("ForceTimeout fired before deadline")
	}
	if !r.Locked() {
		t.Fatal("lock cleared early")
	}
	if !r.ForceTimeout(start.Add(3*time.Second), 2*time.Second) {
		t.Fatal("ForceTimeout should fire past deadline")
	}
	if r.Locked() {
		t.Fatal("lock still held after forced timeout")
	}
}

func TestStaleResponseDroppedAfterTimeout(t *testing.T) {
	r := New()
	start := time.Now()
	r.TryAcquire(start)
	id := r.NextID()
	r.Register(id, func(frame.Response) {
		t.Fatal("continuation for timed-out request must not fire")
	})
	if !r.ForceTimeout(start.Add(3*time.Second), 2*time.Second) {
		t.Fatal("expected forced timeout")
	}
	if r.PendingCount() != 0 {
		t.Fatalf("pending count = %d after forced timeout, want 0", r.PendingCount())
	}
	if ok := r.Resolve(id, frame.Response{ID: id}); ok {
		t.Fatal("stale response should be dropped, not resolved")
	}
}

func TestIDsAreMonotonic(t *testing.T) {
	r := New()
	prev := r.NextID()
	for i := 0; i < 100; i++ {
		next := r.NextID()
		if next <= prev {
			t.Fatalf("ids not monotonic: %d then %d", prev, next)
		}
		prev = next
	}
}
