package ledger

import "sync"

type lockKey struct {
	user, profileSlug string
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks hands out one mutex per (user, profile) key. Entries are dropped
// once nobody holds or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[lockKey]*keyLock
}

func (k *keyLocks) lock(user, profileSlug string) (unlock func()) {
	key := lockKey{user: user, profileSlug: profileSlug}

	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[lockKey]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
