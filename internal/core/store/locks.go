package store

import "sync"

// keyLocks hands out one RWMutex per record key. Entries are reference
// counted and dropped once no goroutine holds or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	rw   sync.RWMutex
	refs int
}

// acquire blocks until the key is locked and returns the matching release.
func (k *keyLocks) acquire(key string, exclusive bool) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	if exclusive {
		lock.rw.Lock()
	} else {
		lock.rw.RLock()
	}

	return func() {
		if exclusive {
			lock.rw.Unlock()
		} else {
			lock.rw.RUnlock()
		}

		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
