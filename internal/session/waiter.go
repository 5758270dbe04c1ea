package session

import (
	"sync"
	"time"
)

// Waiter is a one-shot wakeable gate: any number of goroutines can
// wait on it, and a single Disable call wakes all of them at once.
// It generalizes the original daemon's lib::Waiter (a condition
// variable guarding a single "disabled" flag) used by the duration
// timer and pid-watch loop to sleep but still wake up immediately when
// the session ends early.
type Waiter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	disabled bool
}

// NewWaiter creates an enabled Waiter.
func NewWaiter() *Waiter {
	w := &Waiter{}
	w.cond = sync.NewCond(&w.mu)

	return w
}

// Wait blocks until Disable is called.
func (w *Waiter) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for !w.disabled {
		w.cond.Wait()
	}
}

// WaitFor blocks until Disable is called or d elapses, whichever
// comes first. It reports true if the full duration elapsed without
// the waiter being disabled (a natural timeout), and false if it was
// woken early by Disable.
func (w *Waiter) WaitFor(d time.Duration) (timedOut bool) {
	woken := make(chan struct{})

	go func() {
		w.Wait()
		close(woken)
	}()

	select {
	case <-woken:
		return false
	case <-time.After(d):
		return true
	}
}

// Disable wakes every current and future waiter.
func (w *Waiter) Disable() {
	w.mu.Lock()
	w.disabled = true
	w.mu.Unlock()

	w.cond.Broadcast()
}
