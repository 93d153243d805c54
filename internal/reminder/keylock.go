package reminder

import "sync"

// keyLock is a mutex per schedule id. Entries are dropped when unused.
type keyLock struct {
	mu sync.Mutex
	m  map[int64]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock { return &keyLock{m: map[int64]*keyEntry{}} }

func (k *keyLock) Lock(id int64) func() {
	k.mu.Lock()
	e := k.m[id]
	if e == nil {
		e = &keyEntry{}
		k.m[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, id)
		}
		k.mu.Unlock()
	}
}
