package source

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proftrace/capd/internal/mlcounter"
)

type fakeGlobalState struct {
	mu        sync.Mutex
	requested map[mlcounter.EventId]int
	mode      mlcounter.CaptureMode
	period    uint32
	added     []mlcounter.EventWithID
}

func (g *fakeGlobalState) RequestedCounters() map[mlcounter.EventId]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.requested
}

func (g *fakeGlobalState) CaptureMode() mlcounter.CaptureMode { return g.mode }
func (g *fakeGlobalState) SamplePeriod() uint32               { return g.period }

func (g *fakeGlobalState) AddEvents(events []mlcounter.EventWithID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.added = append(g.added, events...)
}

type fakeMLConsumer struct {
	mu      sync.Mutex
	samples []mlcounter.Sample
}

func (c *fakeMLConsumer) Consume(samples []mlcounter.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, samples...)
}

func (c *fakeMLConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.samples)
}

func writeMLRuntimePacket(t *testing.T, conn net.Conn, pt mlRuntimePacketType, payload any) {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	header := make([]byte, 5)
	header[0] = byte(pt)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(body)))

	_, err = conn.Write(header)
	require.NoError(t, err)

	_, err = conn.Write(body)
	require.NoError(t, err)
}

func TestMLRuntime_AcceptsConnectionAndForwardsCounterDirectoryAndCapture(t *testing.T) {
	consumer := &fakeMLConsumer{}
	global := &fakeGlobalState{requested: map[mlcounter.EventId]int{}}

	m := NewMLRuntime(discardLogger(), "127.0.0.1:0", global, func() mlcounter.CounterConsumer {
		return consumer
	})

	require.True(t, m.Prepare())
	m.Start()

	conn, err := net.Dial("tcp", m.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	writeMLRuntimePacket(t, conn, packetCounterDirectory, counterDirectoryPacket{
		Devices:     map[uint16]mlcounter.DeviceRecord{},
		CounterSets: map[uint16]mlcounter.CounterSetRecord{},
		Categories: []mlcounter.CategoryRecord{
			{Name: "cpu", Events: []mlcounter.CategoryEvent{{UID: 1, Name: "cycles"}}},
		},
	})

	// Wait for the server's first counter-selection packet before
	// sending the periodic capture.
	header := make([]byte, 5)
	_, err = conn.Read(header)
	require.NoError(t, err)

	length := binary.LittleEndian.Uint32(header[1:5])
	if length > 0 {
		_, err = conn.Read(make([]byte, length))
		require.NoError(t, err)
	}

	writeMLRuntimePacket(t, conn, packetPeriodicCapture, periodicCapturePacket{
		Timestamp: 100,
		Values:    map[uint16]uint32{1: 7},
	})

	conn.Close()

	m.Interrupt()
	m.Join()

	assert.True(t, m.IsDone())
	assert.Len(t, global.added, 1)
}

func TestMLRuntime_Prepare_InvalidAddrFails(t *testing.T) {
	m := NewMLRuntime(discardLogger(), "not-a-valid-address:::", &fakeGlobalState{}, nil)
	assert.False(t, m.Prepare())
}

func TestMLRuntime_Write_IsNoop(t *testing.T) {
	m := NewMLRuntime(discardLogger(), "127.0.0.1:0", &fakeGlobalState{}, nil)
	assert.NotPanics(t, func() { m.Write(nil) })
}

func TestMLRuntime_InterruptBeforeAnyConnectionStillJoins(t *testing.T) {
	m := NewMLRuntime(discardLogger(), "127.0.0.1:0", &fakeGlobalState{}, func() mlcounter.CounterConsumer {
		return &fakeMLConsumer{}
	})

	require.True(t, m.Prepare())
	m.Start()

	m.Interrupt()

	done := make(chan struct{})

	go func() {
		m.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Join did not return")
	}

	assert.True(t, m.IsDone())
}

func TestUIDSet(t *testing.T) {
	set := uidSet([]uint16{1, 2, 2, 3})
	assert.Len(t, set, 3)
	assert.Contains(t, set, uint16(1))
}

func TestDispatchMLRuntimePacket_UnknownTypeErrors(t *testing.T) {
	tracker := mlcounter.NewSessionStateTracker(discardLogger(), &fakeGlobalState{}, &fakeMLConsumer{}, &mlRuntimeSender{conn: nil, mu: &sync.Mutex{}})

	err := dispatchMLRuntimePacket(tracker, mlRuntimePacketType(0xFF), nil)
	assert.Error(t, err)
}
