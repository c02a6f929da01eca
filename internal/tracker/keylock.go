package tracker

import (
	"strings"
	"sync"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyLock serialises work per (date, application) key
type keyLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newKeyLock() *keyLock {
	return &keyLock{entries: make(map[string]*lockEntry)}
}

func lockKey(date, app string) string { return date + "|" + app }

// lock blocks until key is held and returns the release func
func (k *keyLock) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		k.mu.Unlock()
	}
}

// prune drops idle entries whose date sorts before today
func (k *keyLock) prune(today string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, e := range k.entries {
		date, _, _ := strings.Cut(key, "|")
		if e.refs == 0 && date < today {
			delete(k.entries, key)
			n++
		}
	}
	return n
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
