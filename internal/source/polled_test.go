package source

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	name    string
	key     int
	value   atomic.Uint64
	failing atomic.Bool
}

func (c *fakeCounter) Name() string { return c.name }
func (c *fakeCounter) Key() int     { return c.key }

func (c *fakeCounter) Sample() (uint64, error) {
	if c.failing.Load() {
		return 0, fmt.Errorf("sampling failed")
	}

	return c.value.Load(), nil
}

func TestNewPolled_NoCountersReturnsNil(t *testing.T) {
	assert.Nil(t, NewPolled(discardLogger(), nil, time.Millisecond))
}

func TestPolled_SamplesAndWritesCounters(t *testing.T) {
	counter := &fakeCounter{name: "cycles", key: 7}
	counter.value.Store(42)

	p := NewPolled(discardLogger(), []PolledCounter{counter}, 2*time.Millisecond)
	require.NotNil(t, p)
	require.True(t, p.Prepare())

	p.Start()

	require.Eventually(t, func() bool {
		return counter.value.Load() == 42
	}, time.Second, time.Millisecond)

	snd := &fakeSender{}

	require.Eventually(t, func() bool {
		p.Write(snd)

		return len(snd.written()) > 0
	}, time.Second, 2*time.Millisecond)

	var samples []PolledSample

	require.NoError(t, json.Unmarshal(snd.written()[0], &samples))
	require.Len(t, samples, 1)
	assert.Equal(t, "cycles", samples[0].Name)
	assert.Equal(t, 7, samples[0].Key)
	assert.Equal(t, uint64(42), samples[0].Value)

	p.Interrupt()
	p.Join()
	assert.True(t, p.IsDone())
}

func TestPolled_SampleErrorIsSkippedNotFatal(t *testing.T) {
	counter := &fakeCounter{name: "broken", key: 1}
	counter.failing.Store(true)

	p := NewPolled(discardLogger(), []PolledCounter{counter}, 2*time.Millisecond)
	require.NotNil(t, p)

	p.Start()

	time.Sleep(10 * time.Millisecond)

	snd := &fakeSender{}
	p.Write(snd)
	assert.Empty(t, snd.written())

	p.Interrupt()
	p.Join()
}

func TestPolled_WriteWithNoSamplesDoesNotCallSender(t *testing.T) {
	counter := &fakeCounter{name: "idle", key: 2}

	p := NewPolled(discardLogger(), []PolledCounter{counter}, time.Hour)
	require.NotNil(t, p)

	p.Start()
	defer func() {
		p.Interrupt()
		p.Join()
	}()

	snd := &fakeSender{}
	p.Write(snd)
	assert.Empty(t, snd.written())
}
