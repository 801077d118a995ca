// ABOUTME: Tests for the in-flight operation registry
// ABOUTME: Verifies exclusive acquisition under concurrent callers
package storage

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestInFlight_AcquireRelease(t *testing.T) {
	var f InFlight

	if !f.Acquire("tmp-1") {
		t.Fatal("first Acquire should succeed")
	}
	if f.Acquire("tmp-1") {
		t.Error("second Acquire for same key should fail while held")
	}
	if !f.Acquire("tmp-2") {
		t.Error("Acquire for a different key should succeed")
	}
	if !f.Contains("tmp-1") || f.Len() != 2 {
		t.Errorf("Contains/Len mismatch: len=%d", f.Len())
	}

	f.Release("tmp-1")
	if f.Contains("tmp-1") {
		t.Error("key should be cleared after Release")
	}
	if !f.Acquire("tmp-1") {
		t.Error("Acquire after Release should succeed")
	}

	// Releasing an unknown key must not panic
	f.Release("never-held")
}

func TestInFlight_ConcurrentAcquire(t *testing.T) {
	var (
		f       InFlight
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if f.Acquire("tmp-race") {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("winners = %d, want exactly 1", got)
	}
}
