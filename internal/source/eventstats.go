package source

import "sync/atomic"

// EventType identifies a kind of ftrace event the ExternalSource
// parses.
type EventType int

const (
	EventTypeSchedSwitch EventType = iota
	EventTypeBlockIO
	EventTypeSyscallEnter
	EventTypeSyscallExit
	maxEventType = EventTypeSyscallExit
)

func (t EventType) String() string {
	switch t {
	case EventTypeSchedSwitch:
		return "sched_switch"
	case EventTypeBlockIO:
		return "block_io"
	case EventTypeSyscallEnter:
		return "syscall_enter"
	case EventTypeSyscallExit:
		return "syscall_exit"
	default:
		return "unknown"
	}
}

// EventStats provides lock-free per-EventType counters, read and
// reset atomically so periodic reporting never contends with the
// parser goroutine recording new events.
type EventStats struct {
	counts [maxEventType + 1]atomic.Uint64
}

// NewEventStats creates a new EventStats instance.
func NewEventStats() *EventStats {
	return &EventStats{}
}

// Record increments the counter for the given event type by one.
func (s *EventStats) Record(t EventType) {
	if t > maxEventType {
		return
	}

	s.counts[t].Add(1)
}

// RecordN increments the counter for the given event type by n.
func (s *EventStats) RecordN(t EventType, n uint64) {
	if t > maxEventType {
		return
	}

	s.counts[t].Add(n)
}

// Snapshot atomically reads and resets all counters, returning a map
// of only non-zero entries.
func (s *EventStats) Snapshot() map[EventType]uint64 {
	result := make(map[EventType]uint64, maxEventType)

	for i := range s.counts {
		v := s.counts[i].Swap(0)
		if v > 0 {
			result[EventType(i)] = v
		}
	}

	return result
}
