// Package lock provides per-key mutual exclusion for cache operations.
package lock

import "sync"

// Keyed hands out one mutex per key. Entries are reference counted and
// dropped once nobody holds or waits on them, so the map only ever contains
// keys that are in use.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu     sync.Mutex
	refcnt int
}

func NewKeyed() *Keyed {
	return &Keyed{
		locks: make(map[string]*lockEntry),
	}
}

// Lock blocks until key is held and returns the function that releases it.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	entry, exists := k.locks[key]
	if !exists {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refcnt++
	k.mu.Unlock()

	entry.mu.Lock()
	return k.unlocker(key, entry)
}

// TryLock acquires key only if it is free right now.
func (k *Keyed) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, exists := k.locks[key]
	if !exists {
		entry = &lockEntry{}
	}
	if !entry.mu.TryLock() {
		return nil, false
	}
	entry.refcnt++
	k.locks[key] = entry
	return k.unlocker(key, entry), true
}

func (k *Keyed) unlocker(key string, entry *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			k.release(key, entry)
		})
	}
}

func (k *Keyed) release(key string, entry *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refcnt--
	if entry.refcnt == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
