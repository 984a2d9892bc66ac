package scheduler

import "sync"

// fifoLock grants the lock in arrival order. sync.Mutex makes no
// fairness promise under contention, and per-source serialization
// requires jobs queued for the same key to run in the order they were
// submitted.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Lock blocks until the lock is handed to this caller.
func (l *fifoLock) Lock() {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()
	<-ready
}

// Unlock hands the lock to the oldest waiter, or releases it when none
// are queued.
func (l *fifoLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	ready := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(ready)
}

// waiting reports the queue length.
func (l *fifoLock) waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
