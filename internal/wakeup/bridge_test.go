package wakeup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBridge_FireWakesWaiters(t *testing.T) {
	b := &Bridge{done: make(chan struct{})}

	waiterFired := make(chan struct{})

	go func() {
		<-b.Done()
		close(waiterFired)
	}()

	b.Fire(0)

	select {
	case <-waiterFired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestBridge_FireIsIdempotent(t *testing.T) {
	b := &Bridge{done: make(chan struct{})}

	b.Fire(2)
	assert.NotPanics(t, func() { b.Fire(15) })
	assert.Equal(t, 2, b.SignalNumber())
}

func TestBridge_SignalNumberZeroBeforeFire(t *testing.T) {
	b := &Bridge{done: make(chan struct{})}
	assert.Equal(t, 0, b.SignalNumber())
}
