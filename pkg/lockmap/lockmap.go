package lockmap

import (
	"sync"
)

// LockMap implements locking by analysis id with two-phase registration.
//
// A caller that intends to mutate an analysis first registers the intent with
// InformWork (typically before queueing a job), later acquires the lock with
// Lock inside the worker, and finally calls InformWorkDone. An entry exists
// while its waiter count is positive and is pruned when it drops to zero, so
// registering before queueing guarantees the entry cannot disappear between
// enqueue and execution.
//
// The global lock is held only for the O(1) map operations, never across the
// per-analysis critical section.
type LockMap struct {
	globalLock sync.Mutex
	lockMap    map[string]*Unlocker
}

// NewLockMap returns an instance of LockMap.
func NewLockMap() *LockMap {
	return &LockMap{
		lockMap: map[string]*Unlocker{},
	}
}

// InformWork registers intent to lock the key. Every InformWork must be
// paired with exactly one InformWorkDone.
func (m *LockMap) InformWork(key string) {
	m.globalLock.Lock()
	defer m.globalLock.Unlock()

	l := m.lockMap[key]
	if l == nil {
		l = &Unlocker{m: m, key: key}
		m.lockMap[key] = l
	}
	l.waiters++
}

// Lock blocks until the per-key lock is free and returns its Unlocker. The
// caller must have registered with InformWork first; locking an unregistered
// key is a logic error.
func (m *LockMap) Lock(key string) *Unlocker {
	m.globalLock.Lock()
	l := m.lockMap[key]
	m.globalLock.Unlock()

	if l == nil {
		panic("lockmap: Lock without InformWork for key " + key)
	}

	l.locker.Lock()
	return l
}

// InformWorkDone unregisters one unit of intent and prunes the entry when
// nobody is interested in the key anymore.
func (m *LockMap) InformWorkDone(key string) {
	m.globalLock.Lock()
	defer m.globalLock.Unlock()

	l := m.lockMap[key]
	if l == nil {
		panic("lockmap: InformWorkDone without InformWork for key " + key)
	}
	l.waiters--
	if l.waiters < 1 {
		delete(m.lockMap, key)
	}
}
