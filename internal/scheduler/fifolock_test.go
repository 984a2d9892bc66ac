package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoLockHandsOffInArrivalOrder(t *testing.T) {
	var l fifoLock
	l.Lock()

	const n = 5
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			l.Lock()
			order <- i
			l.Unlock()
		}()
		// Each waiter must be queued before the next one arrives.
		require.Eventually(t, func() bool { return l.waiting() == i+1 },
			time.Second, time.Millisecond)
	}

	l.Unlock()
	for i := 0; i < n; i++ {
		select {
		case got := <-order:
			assert.Equal(t, i, got)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never acquired the lock", i)
		}
	}
}

func TestFifoLockUncontended(t *testing.T) {
	var l fifoLock
	l.Lock()
	assert.Zero(t, l.waiting())
	l.Unlock()

	// Reacquirable after release.
	done := make(chan struct{})
	go func() {
		l.Lock()
		defer l.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}
}
