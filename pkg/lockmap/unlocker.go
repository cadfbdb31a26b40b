package lockmap

import (
	"sync"
)

// Unlocker provides method Unlock, which could be used to unlock the key.
type Unlocker struct {
	locker  sync.Mutex
	key     string
	m       *LockMap
	waiters int64
}

// Unlock releases the lock for the key. It does not unregister the waiter;
// that is InformWorkDone's job.
func (l *Unlocker) Unlock() {
	l.locker.Unlock()
}
