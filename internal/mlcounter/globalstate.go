package mlcounter

import "sync"

// GlobalRegistry is the concrete, process-wide GlobalState: the set of
// counters the operator actually requested (resolved once at session
// setup into EventId -> APC counter key), plus the catalog of events
// any connected session has ever announced. Readers take a snapshot
// under the lock; writers only add, never overwrite or remove, mirroring
// the original's "process-wide registry, init on construction,
// teardown on destruction" lifetime.
type GlobalRegistry struct {
	mu sync.Mutex

	requested map[EventId]int
	mode      CaptureMode
	period    uint32

	known map[EventId]EventProperties
}

// NewGlobalRegistry creates a GlobalRegistry seeded with the counters
// resolved from session configuration (explicit + defaults, already
// merged).
func NewGlobalRegistry(requested map[EventId]int, mode CaptureMode, period uint32) *GlobalRegistry {
	reqCopy := make(map[EventId]int, len(requested))
	for k, v := range requested {
		reqCopy[k] = v
	}

	return &GlobalRegistry{
		requested: reqCopy,
		mode:      mode,
		period:    period,
		known:     make(map[EventId]EventProperties),
	}
}

// RequestedCounters returns a snapshot of the currently requested
// EventId -> APC counter key map.
func (r *GlobalRegistry) RequestedCounters() map[EventId]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[EventId]int, len(r.requested))
	for k, v := range r.requested {
		snapshot[k] = v
	}

	return snapshot
}

// CaptureMode returns the globally requested capture mode.
func (r *GlobalRegistry) CaptureMode() CaptureMode {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.mode
}

// SamplePeriod returns the globally requested sample period in
// milliseconds.
func (r *GlobalRegistry) SamplePeriod() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.period
}

// AddEvents merges newly announced events into the catalog,
// deduplicating against anything already known. Events already known
// are left untouched rather than overwritten, since the first session
// to announce an event's properties is as authoritative as any later
// one.
func (r *GlobalRegistry) AddEvents(events []EventWithID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range events {
		if _, ok := r.known[e.ID]; ok {
			continue
		}

		r.known[e.ID] = e.Properties
	}
}

// KnownEvents returns a snapshot of every event any connected session
// has ever announced.
func (r *GlobalRegistry) KnownEvents() map[EventId]EventProperties {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[EventId]EventProperties, len(r.known))
	for k, v := range r.known {
		snapshot[k] = v
	}

	return snapshot
}
