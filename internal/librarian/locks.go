package librarian

import "sync"

// keyedMutex serializes critical sections per key. The Librarian locks
// per domain so duplicate checks and inserts in one domain cannot
// interleave, while unrelated domains ingest concurrently.
//
// Entries are never evicted; the universe of domains is small and the
// per-entry cost is one mutex.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use. It returns
// the unlock function for the acquired mutex.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
