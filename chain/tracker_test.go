package chain

import (
	"sync"
	"testing"
)

func TestTrackerMonotonic(t *testing.T) {
	tracker := NewTracker(100)
	tracker.SetHeight(105)
	if got := tracker.BestHeight(); got != 105 {
		t.Fatalf("expected 105, got %d", got)
	}
	tracker.SetHeight(90)
	if got := tracker.BestHeight(); got != 105 {
		t.Fatalf("height regressed to %d", got)
	}
}

func TestTrackerConcurrentUpdates(t *testing.T) {
	tracker := NewTracker(0)
	var wg sync.WaitGroup
	for i := uint32(1); i <= 64; i++ {
		wg.Add(1)
		go func(h uint32) {
			defer wg.Done()
			tracker.SetHeight(h)
		}(i)
	}
	wg.Wait()
	if got := tracker.BestHeight(); got != 64 {
		t.Fatalf("expected 64, got %d", got)
	}
}
