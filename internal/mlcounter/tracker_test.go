package mlcounter

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type fakeGlobalState struct {
	requested map[EventId]int
	mode      CaptureMode
	period    uint32
	added     []EventWithID
}

func (g *fakeGlobalState) RequestedCounters() map[EventId]int { return g.requested }
func (g *fakeGlobalState) CaptureMode() CaptureMode            { return g.mode }
func (g *fakeGlobalState) SamplePeriod() uint32                { return g.period }
func (g *fakeGlobalState) AddEvents(events []EventWithID)      { g.added = append(g.added, events...) }

type fakeConsumer struct {
	samples []Sample
}

func (c *fakeConsumer) Consume(samples []Sample) {
	c.samples = append(c.samples, samples...)
}

type fakeSender struct {
	period uint32
	uids   []uint16
	calls  int
}

func (s *fakeSender) SendCounterSelection(period uint32, uids []uint16) error {
	s.period = period
	s.uids = uids
	s.calls++

	return nil
}

func TestEventId_Compare_OrdersByCategoryThenDeviceThenSetThenName(t *testing.T) {
	a := EventId{Category: "cpu", Name: "cycles"}
	b := EventId{Category: "cpu", Name: "instructions"}
	c := EventId{Category: "gpu", Name: "cycles"}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
}

func TestEventId_Compare_AbsentSortsBeforePresent(t *testing.T) {
	withoutDevice := EventId{Category: "cpu", Name: "cycles"}
	withDevice := EventId{Category: "cpu", Name: "cycles", HasDevice: true, Device: "core0"}

	assert.True(t, withoutDevice.Less(withDevice))
	assert.False(t, withDevice.Less(withoutDevice))
}

func TestSessionStateTracker_OnCounterDirectory_AddsEventsButNoSendWhileInactive(t *testing.T) {
	eventID := EventId{Category: "cpu", Name: "cycles"}

	global := &fakeGlobalState{
		requested: map[EventId]int{eventID: 42},
		period:    100,
	}
	sendQ := &fakeSender{}

	tr := NewSessionStateTracker(discardLogger(), global, &fakeConsumer{}, sendQ)

	ok := tr.OnCounterDirectory(
		map[uint16]DeviceRecord{},
		map[uint16]CounterSetRecord{},
		[]CategoryRecord{
			{
				Name: "cpu",
				Events: []CategoryEvent{
					{UID: 7, Name: "cycles"},
				},
			},
		},
	)

	require.True(t, ok)
	require.Len(t, global.added, 1)
	assert.Equal(t, eventID, global.added[0].ID)

	assert.Equal(t, 0, sendQ.calls, "no selection should be pushed to an inactive session")
}

func TestSessionStateTracker_OnCounterDirectory_ReissuesSelectionWhileCaptureActive(t *testing.T) {
	eventID := EventId{Category: "cpu", Name: "cycles"}

	global := &fakeGlobalState{
		requested: map[EventId]int{eventID: 42},
		period:    100,
	}
	sendQ := &fakeSender{}

	tr := NewSessionStateTracker(discardLogger(), global, &fakeConsumer{}, sendQ)
	require.True(t, tr.DoEnableCapture())

	ok := tr.OnCounterDirectory(
		map[uint16]DeviceRecord{},
		map[uint16]CounterSetRecord{},
		[]CategoryRecord{
			{
				Name: "cpu",
				Events: []CategoryEvent{
					{UID: 7, Name: "cycles"},
				},
			},
		},
	)

	require.True(t, ok)

	// DoEnableCapture itself sent an (empty, since the directory had
	// not arrived yet) selection; the directory announcement sends a
	// second one now that it resolves to a real UID.
	require.Equal(t, 2, sendQ.calls)
	assert.Equal(t, uint32(100), sendQ.period)
	assert.Equal(t, []uint16{7}, sendQ.uids)
}

func TestSessionStateTracker_ForwardsOnlyWhenCaptureActive(t *testing.T) {
	eventID := EventId{Category: "cpu", Name: "cycles"}
	global := &fakeGlobalState{requested: map[EventId]int{eventID: 42}}
	consumer := &fakeConsumer{}
	sendQ := &fakeSender{}

	tr := NewSessionStateTracker(discardLogger(), global, consumer, sendQ)

	require.True(t, tr.OnCounterDirectory(
		map[uint16]DeviceRecord{},
		map[uint16]CounterSetRecord{},
		[]CategoryRecord{{Name: "cpu", Events: []CategoryEvent{{UID: 7, Name: "cycles"}}}},
	))

	require.True(t, tr.OnPeriodicCounterCapture(1000, map[uint16]uint32{7: 99}))
	assert.Empty(t, consumer.samples, "samples should be dropped while capture is inactive")

	require.True(t, tr.DoEnableCapture())
	require.True(t, tr.OnPeriodicCounterCapture(1001, map[uint16]uint32{7: 123}))

	require.Len(t, consumer.samples, 1)
	assert.Equal(t, 42, consumer.samples[0].Key)
	assert.Equal(t, uint32(123), consumer.samples[0].Value)

	require.True(t, tr.DoDisableCapture())
	require.True(t, tr.OnPeriodicCounterCapture(1002, map[uint16]uint32{7: 777}))
	assert.Len(t, consumer.samples, 1, "no new samples once capture is disabled again")
}

func TestSessionStateTracker_UnknownUIDIsDropped(t *testing.T) {
	global := &fakeGlobalState{requested: map[EventId]int{}}
	consumer := &fakeConsumer{}

	tr := NewSessionStateTracker(discardLogger(), global, consumer, &fakeSender{})
	tr.DoEnableCapture()

	require.True(t, tr.OnPeriodicCounterCapture(1, map[uint16]uint32{99: 1}))
	assert.Empty(t, consumer.samples)
}

func TestFormRequestedUIDs_IntersectsGlobalAndSessionEvents(t *testing.T) {
	idA := EventId{Category: "cpu", Name: "cycles"}
	idB := EventId{Category: "cpu", Name: "stalls"}

	requested := map[EventId]int{idA: 1, idB: 2}
	globalIDToEvent := map[EventId]categoryIndexEvent{
		idA: {uid: 10},
	}

	got := formRequestedUIDs(requested, globalIDToEvent, map[uint16]DeviceRecord{})

	assert.Equal(t, map[uint16]CounterKeyAndCore{10: {Key: 1, Core: 0}}, got)
}

func TestFormRequestedUIDs_DerivesCoreFromAssociatedDevice(t *testing.T) {
	core0 := EventId{Category: "cpu", Device: "cpu0", HasDevice: true, Name: "cycles"}
	core1 := EventId{Category: "cpu", Device: "cpu1", HasDevice: true, Name: "cycles"}

	requested := map[EventId]int{core0: 5, core1: 5}
	globalIDToEvent := map[EventId]categoryIndexEvent{
		core0: {uid: 10, deviceUID: 100, hasDevice: true},
		core1: {uid: 11, deviceUID: 101, hasDevice: true},
	}
	devices := map[uint16]DeviceRecord{
		100: {UID: 100, Name: "cpu0", Core: 0},
		101: {UID: 101, Name: "cpu1", Core: 1},
	}

	got := formRequestedUIDs(requested, globalIDToEvent, devices)

	assert.Equal(t, map[uint16]CounterKeyAndCore{
		10: {Key: 5, Core: 0},
		11: {Key: 5, Core: 1},
	}, got)
}
