package metrics

import (
	"testing"
)

func TestTimeBucketStore_RingBuffer(t *testing.T) {
	store := NewTimeBucketStore(3)

	for i := 1; i <= 5; i++ {
		store.RecordRequest(false)
		store.CreateBucket(int64(i), int64(i), 0, 0, LatencyPercentiles{}, 1, PhaseSteady)
	}

	if store.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", store.Count())
	}

	buckets := store.GetBuckets()
	for i, want := range []int64{3, 4, 5} {
		if buckets[i].TotalRequests != want {
			t.Errorf("buckets[%d].TotalRequests = %d, want %d", i, buckets[i].TotalRequests, want)
		}
	}

	if latest := store.GetLatestBucket(); latest.TotalRequests != 5 {
		t.Errorf("GetLatestBucket().TotalRequests = %d, want 5", latest.TotalRequests)
	}
}

func TestTimeBucketStore_IntervalErrorRate(t *testing.T) {
	store := NewTimeBucketStore(10)

	store.RecordRequest(false)
	store.RecordRequest(true)
	store.RecordRequest(true)
	store.RecordRequest(false)
	store.RecordIteration()

	b := store.CreateBucket(4, 2, 2, 0, LatencyPercentiles{}, 2, PhaseSteady)
	if b.IntervalRequests != 4 {
		t.Errorf("IntervalRequests = %d, want 4", b.IntervalRequests)
	}
	if b.IntervalErrorRate != 0.5 {
		t.Errorf("IntervalErrorRate = %v, want 0.5", b.IntervalErrorRate)
	}
	if b.IntervalIterations != 1 {
		t.Errorf("IntervalIterations = %d, want 1", b.IntervalIterations)
	}

	// accumulators are reset by CreateBucket
	next := store.CreateBucket(4, 2, 2, 0, LatencyPercentiles{}, 2, PhaseSteady)
	if next.IntervalRequests != 0 {
		t.Errorf("IntervalRequests after swap = %d, want 0", next.IntervalRequests)
	}
}

func TestTimeBucketStore_SteadyStateRPS(t *testing.T) {
	store := NewTimeBucketStore(10)

	store.RecordRequest(false)
	store.CreateBucket(1, 1, 0, 0, LatencyPercentiles{}, 1, PhaseInit)

	for i := 0; i < 2; i++ {
		for j := 0; j < 90; j++ {
			store.RecordRequest(false)
		}
		store.CreateBucket(0, 0, 0, 0, LatencyPercentiles{}, 90, PhaseSteady)
	}

	rps, n := store.CalculateSteadyStateRPS()
	if n != 2 {
		t.Fatalf("steady buckets = %d, want 2", n)
	}
	if rps != 90 {
		t.Errorf("steady RPS = %v, want 90", rps)
	}
}

func TestTimeBucketStore_Reset(t *testing.T) {
	store := NewTimeBucketStore(0)
	store.RecordRequest(false)
	store.CreateBucket(1, 1, 0, 0, LatencyPercentiles{}, 1, PhaseSteady)
	store.Reset()

	if store.Count() != 0 {
		t.Errorf("Count() after Reset = %d, want 0", store.Count())
	}
	if store.GetBuckets() != nil {
		t.Error("GetBuckets() after Reset should be nil")
	}
}
