package identity

import (
	"sync"
	"testing"
)

func TestInstanceIDsDiffer(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewInstanceID()
		if id == "" {
			t.Fatalf("empty instance id")
		}
		if seen[id] {
			t.Fatalf("duplicate instance id: %s", id)
		}
		seen[id] = true
	}
}

func TestSequencerMonotonic(t *testing.T) {
	var s Sequencer
	prev := uint64(0)
	for i := 0; i < 1000; i++ {
		n := s.Next()
		if n <= prev {
			t.Fatalf("sequence not increasing: %d after %d", n, prev)
		}
		prev = n
	}
	if prev != 1000 {
		t.Fatalf("expected 1000 ids, last was %d", prev)
	}
}

func TestSequencerConcurrent(t *testing.T) {
	var s Sequencer
	const workers, per = 8, 500
	var wg sync.WaitGroup
	ids := make(chan uint64, workers*per)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				ids <- s.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[uint64]bool, workers*per)
	for id := range ids {
		if id == 0 {
			t.Fatalf("zero message id handed out")
		}
		if seen[id] {
			t.Fatalf("duplicate message id: %d", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*per {
		t.Fatalf("expected %d unique ids, got %d", workers*per, len(seen))
	}
}
