// ABOUTME: Registry of keys whose non-idempotent work is currently running
// ABOUTME: Guards identity reconciliation against duplicate concurrent attempts
package storage

import "sync"

// InFlight tracks keys with an operation in progress.
// The zero value is ready to use.
type InFlight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// Acquire marks key in flight. It returns false if key was already marked,
// in which case the caller must not do the work.
func (f *InFlight) Acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.keys == nil {
		f.keys = make(map[string]struct{})
	}
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

// Release clears key. Releasing a key that is not held is a no-op.
func (f *InFlight) Release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
}

// Contains reports whether key is in flight
func (f *InFlight) Contains(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, busy := f.keys[key]
	return busy
}

// Len returns the number of keys in flight
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}
