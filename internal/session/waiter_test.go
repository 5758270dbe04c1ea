package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaiter_WaitForReportsTrueOnNaturalTimeout(t *testing.T) {
	w := NewWaiter()

	timedOut := w.WaitFor(10 * time.Millisecond)

	assert.True(t, timedOut)
}

func TestWaiter_WaitForReportsFalseWhenDisabledEarly(t *testing.T) {
	w := NewWaiter()

	go func() {
		time.Sleep(5 * time.Millisecond)
		w.Disable()
	}()

	timedOut := w.WaitFor(time.Second)

	assert.False(t, timedOut)
}

func TestWaiter_DisableWakesEveryCurrentAndFutureWaiter(t *testing.T) {
	w := NewWaiter()

	const waiters = 5

	var wg sync.WaitGroup

	woken := make(chan struct{}, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			w.Wait()
			woken <- struct{}{}
		}()
	}

	w.Disable()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not every waiter was woken")
	}

	assert.Len(t, woken, waiters)

	// A waiter arriving after Disable must not block at all.
	finished := make(chan struct{})
	go func() {
		w.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("waiter arriving after Disable blocked")
	}
}

func TestWaiter_DisableIsIdempotent(t *testing.T) {
	w := NewWaiter()

	w.Disable()

	require.NotPanics(t, func() {
		w.Disable()
	})

	assert.False(t, w.WaitFor(time.Millisecond))
}
