package mlcounter

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// GlobalState is the daemon-wide view of requested counters that every
// SessionStateTracker reconciles itself against. All methods must be
// safe for concurrent use, since multiple ML-runtime sessions can be
// connected at once.
type GlobalState interface {
	// RequestedCounters returns the current global map from EventId
	// to the APC counter key callers should tag matching samples
	// with.
	RequestedCounters() map[EventId]int
	// CaptureMode returns the globally requested capture mode.
	CaptureMode() CaptureMode
	// SamplePeriod returns the globally requested sample period, in
	// milliseconds, for periodic capture.
	SamplePeriod() uint32
	// AddEvents notifies the global state of newly announced events
	// from a session's counter directory.
	AddEvents(events []EventWithID)
}

// EventWithID pairs an EventId with the properties a session
// announced for it, the unit of exchange between a
// SessionStateTracker and the GlobalState it reconciles against.
type EventWithID struct {
	ID         EventId
	Properties EventProperties
}

// Sample is one forwarded counter reading, the unit of exchange
// between a SessionStateTracker and its CounterConsumer.
type Sample struct {
	Key       int
	Core      int
	Timestamp uint64
	Value     uint32
	// PerJob is true for samples captured around an inference job
	// rather than on the periodic timer.
	PerJob bool
	// Pre is only meaningful when PerJob is true: it distinguishes
	// the before/after pair taken around a job.
	Pre bool
	// ObjectRef identifies the job a per-job sample belongs to.
	ObjectRef uint64
}

// CounterConsumer receives reconciled counter samples from a
// SessionStateTracker, decoupled from how they are ultimately stored
// or exported.
type CounterConsumer interface {
	Consume(samples []Sample)
}

// SessionPacketSender sends reconciliation commands back to the
// connected ML-runtime session (e.g. the counter selection it should
// start reporting).
type SessionPacketSender interface {
	SendCounterSelection(period uint32, uids []uint16) error
}

type categoryIndexEvent struct {
	categoryIndex int
	eventIndex    int
	uid           uint16
	deviceUID     uint16
	hasDevice     bool
}

// SessionStateTracker manages the reconciliation state for one
// connected ML-runtime session: translating between the session's
// locally-scoped counter UIDs and the daemon's global event
// namespace, and forwarding captured samples to a CounterConsumer.
type SessionStateTracker struct {
	log      logrus.FieldLogger
	global   GlobalState
	consumer CounterConsumer
	sendQ    SessionPacketSender

	mu sync.Mutex

	devices     map[uint16]DeviceRecord
	counterSets map[uint16]CounterSetRecord
	categories  []CategoryRecord

	globalIDToEvent map[EventId]categoryIndexEvent
	requestedUIDs   map[uint16]CounterKeyAndCore
	activeUIDs      map[uint16]struct{}

	captureActive bool
}

// NewSessionStateTracker creates a tracker for one newly connected
// session.
func NewSessionStateTracker(
	log logrus.FieldLogger,
	global GlobalState,
	consumer CounterConsumer,
	sendQ SessionPacketSender,
) *SessionStateTracker {
	return &SessionStateTracker{
		log:             log.WithField("component", "mlcounter"),
		global:          global,
		consumer:        consumer,
		sendQ:           sendQ,
		devices:         map[uint16]DeviceRecord{},
		counterSets:     map[uint16]CounterSetRecord{},
		globalIDToEvent: map[EventId]categoryIndexEvent{},
		requestedUIDs:   map[uint16]CounterKeyAndCore{},
		activeUIDs:      map[uint16]struct{}{},
	}
}

// OnCounterDirectory records a newly announced counter directory from
// the session, merges any new events into the global namespace, and
// refreshes the requested-UID map. The resulting counter selection is
// sent back to the session only while capture is active.
func (t *SessionStateTracker) OnCounterDirectory(
	devices map[uint16]DeviceRecord,
	counterSets map[uint16]CounterSetRecord,
	categories []CategoryRecord,
) bool {
	t.mu.Lock()

	t.devices = devices
	t.counterSets = counterSets
	t.categories = categories

	newGlobal := map[EventId]categoryIndexEvent{}
	var newEvents []EventWithID

	for ci, cat := range categories {
		for ei, ev := range cat.Events {
			id := EventId{
				Category:   cat.Name,
				HasSet:     ev.HasSet,
				CounterSet: ev.CounterSet,
				Name:       ev.Name,
			}

			if ev.HasDevice {
				if dev, ok := devices[ev.DeviceUID]; ok {
					id.HasDevice = true
					id.Device = dev.Name
				}
			}

			newGlobal[id] = categoryIndexEvent{
				categoryIndex: ci,
				eventIndex:    ei,
				uid:           ev.UID,
				deviceUID:     ev.DeviceUID,
				hasDevice:     ev.HasDevice,
			}
			newEvents = append(newEvents, EventWithID{ID: id, Properties: ev.Properties})
		}
	}

	t.globalIDToEvent = newGlobal

	t.mu.Unlock()

	if len(newEvents) > 0 {
		t.global.AddEvents(newEvents)
	}

	return t.sendCounterSelection()
}

// OnPeriodicCounterSelection records uids as the session's active
// counters, replacing the previous set as given. The period is not
// stored.
func (t *SessionStateTracker) OnPeriodicCounterSelection(period uint32, uids map[uint16]struct{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeUIDs = uids
	_ = period

	return true
}

// OnPerJobCounterSelection narrows the session's active counters for
// samples captured around a specific inference job.
func (t *SessionStateTracker) OnPerJobCounterSelection(objectID uint64, uids map[uint16]struct{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeUIDs = uids
	_ = objectID

	return true
}

// OnPeriodicCounterCapture forwards one periodic sample batch to the
// CounterConsumer, translating session-local UIDs to APC counter keys
// via the requested-UID map.
func (t *SessionStateTracker) OnPeriodicCounterCapture(timestamp uint64, values map[uint16]uint32) bool {
	return t.forward(timestamp, values, false, false, 0)
}

// OnPerJobCounterCapture forwards one per-job sample batch, tagged
// with the job's object reference and whether it was taken before or
// after the job ran.
func (t *SessionStateTracker) OnPerJobCounterCapture(
	isPre bool,
	timestamp uint64,
	objectRef uint64,
	values map[uint16]uint32,
) bool {
	return t.forward(timestamp, values, true, isPre, objectRef)
}

func (t *SessionStateTracker) forward(
	timestamp uint64,
	values map[uint16]uint32,
	perJob bool,
	pre bool,
	objectRef uint64,
) bool {
	t.mu.Lock()

	if !t.captureActive {
		t.mu.Unlock()

		return true
	}

	samples := make([]Sample, 0, len(values))

	for uid, value := range values {
		kc, ok := t.requestedUIDs[uid]
		if !ok {
			continue
		}

		samples = append(samples, Sample{
			Key:       kc.Key,
			Core:      kc.Core,
			Timestamp: timestamp,
			Value:     value,
			PerJob:    perJob,
			Pre:       pre,
			ObjectRef: objectRef,
		})
	}

	t.mu.Unlock()

	if len(samples) > 0 && t.consumer != nil {
		t.consumer.Consume(samples)
	}

	return true
}

// DoEnableCapture starts forwarding captured samples to the
// CounterConsumer and pushes the currently-computed counter selection
// to the remote session, so it starts reporting the right UIDs the
// moment capture begins.
func (t *SessionStateTracker) DoEnableCapture() bool {
	t.mu.Lock()
	t.captureActive = true
	period := t.global.SamplePeriod()
	uids := make([]uint16, 0, len(t.requestedUIDs))
	for uid := range t.requestedUIDs {
		uids = append(uids, uid)
	}
	t.mu.Unlock()

	return t.pushSelection(period, uids)
}

// DoDisableCapture stops forwarding captured samples and tells the
// remote session to stop reporting, by pushing an empty selection.
func (t *SessionStateTracker) DoDisableCapture() bool {
	t.mu.Lock()
	t.captureActive = false
	t.mu.Unlock()

	return t.pushSelection(0, nil)
}

func (t *SessionStateTracker) pushSelection(period uint32, uids []uint16) bool {
	if t.sendQ == nil {
		return true
	}

	if err := t.sendQ.SendCounterSelection(period, uids); err != nil {
		t.log.WithError(err).Error("sending counter selection")

		return false
	}

	return true
}

// ActiveCounterUIDs returns the set of counter UIDs currently active
// for this session.
func (t *SessionStateTracker) ActiveCounterUIDs() map[uint16]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[uint16]struct{}, len(t.activeUIDs))
	for uid := range t.activeUIDs {
		out[uid] = struct{}{}
	}

	return out
}

// refreshRequestedUIDs rebuilds the requested-UID map from the global
// state's currently requested counters intersected with this
// session's announced events. It runs on every counter-directory
// announcement regardless of capture state, since forward() consults
// requestedUIDs as soon as capture is enabled and it must already be
// current by then.
func (t *SessionStateTracker) refreshRequestedUIDs() (period uint32, uids []uint16) {
	requested := t.global.RequestedCounters()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.requestedUIDs = formRequestedUIDs(requested, t.globalIDToEvent, t.devices)

	uids = make([]uint16, 0, len(t.requestedUIDs))
	for uid := range t.requestedUIDs {
		uids = append(uids, uid)
	}

	return t.global.SamplePeriod(), uids
}

// sendCounterSelection refreshes the requested-UID map and, only if
// capture is currently active for this session, pushes the resulting
// selection back over sendQ. A session that has not yet been told to
// start capturing has no use for a live selection update; it will
// receive one as soon as DoEnableCapture runs.
func (t *SessionStateTracker) sendCounterSelection() bool {
	period, uids := t.refreshRequestedUIDs()

	t.mu.Lock()
	active := t.captureActive
	t.mu.Unlock()

	if !active {
		return true
	}

	return t.pushSelection(period, uids)
}

// formRequestedUIDs intersects the globally requested
// (EventId -> apc key) map with this session's
// (EventId -> local uid) map, producing the map of local UID to
// (apc key, core) that the session should report under. The core
// number comes from the DeviceRecord an event is associated with, so
// a multi-core counter set reported as one CategoryEvent per core
// still resolves each core's samples to a distinct (key, core) pair
// under the same APC key.
func formRequestedUIDs(
	requested map[EventId]int,
	globalIDToEvent map[EventId]categoryIndexEvent,
	devices map[uint16]DeviceRecord,
) map[uint16]CounterKeyAndCore {
	out := make(map[uint16]CounterKeyAndCore, len(requested))

	for id, key := range requested {
		entry, ok := globalIDToEvent[id]
		if !ok {
			continue
		}

		core := 0

		if entry.hasDevice {
			if dev, ok := devices[entry.deviceUID]; ok {
				core = dev.Core
			}
		}

		out[entry.uid] = CounterKeyAndCore{Key: key, Core: core}
	}

	return out
}
