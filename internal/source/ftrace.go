package source

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/sender"
)

// FtraceEvent is one parsed line from a per-CPU ftrace pipe.
type FtraceEvent struct {
	TimestampNs uint64    `json:"timestamp_ns"`
	CPU         int       `json:"cpu"`
	PID         uint32    `json:"pid"`
	Type        EventType `json:"event_type"`
	Comm        string    `json:"comm,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// FtraceReader abstracts the per-CPU ftrace pipe files so tests can
// substitute an in-memory reader instead of /sys/kernel/debug/tracing.
type FtraceReader interface {
	// Lines streams successive raw trace lines until ctx is canceled
	// or the underlying pipe is closed.
	Lines(ctx context.Context) (<-chan string, error)
	Close() error
}

// ExternalSource reads the kernel ftrace pipes and counts the subset
// of events the capture session cares about. It must be prepared and
// started before the drain loop begins, since ftrace setup is slow
// relative to the other sources and initializing it late introduces
// time-sync issues between it and the primary source.
type ExternalSource struct {
	log    logrus.FieldLogger
	reader FtraceReader
	stats  *EventStats

	mu        sync.Mutex
	events    []FtraceEvent
	done      atomic.Bool
	interrupt context.CancelFunc
	joinCh    chan struct{}
}

// NewExternalSource creates an ExternalSource reading from reader.
func NewExternalSource(log logrus.FieldLogger, reader FtraceReader) *ExternalSource {
	return &ExternalSource{
		log:    log.WithField("component", "source_ftrace"),
		reader: reader,
		stats:  NewEventStats(),
		joinCh: make(chan struct{}),
	}
}

func (s *ExternalSource) Prepare() bool {
	return true
}

func (s *ExternalSource) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.interrupt = cancel

	lines, err := s.reader.Lines(ctx)
	if err != nil {
		s.log.WithError(err).Error("opening ftrace pipe")
		s.done.Store(true)
		close(s.joinCh)

		return
	}

	go s.run(lines)
}

func (s *ExternalSource) run(lines <-chan string) {
	defer close(s.joinCh)
	defer s.done.Store(true)

	for line := range lines {
		ev, ok := parseFtraceLine(line)
		if !ok {
			continue
		}

		s.stats.Record(ev.Type)

		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
	}
}

func (s *ExternalSource) Write(snd sender.Sender) {
	s.mu.Lock()
	events := s.events
	s.events = nil
	s.mu.Unlock()

	if len(events) == 0 {
		return
	}

	payload, err := json.Marshal(events)
	if err != nil {
		s.log.WithError(err).Error("marshaling ftrace events")

		return
	}

	if err := snd.WriteData(payload, sender.ResponseTypeApcData, false); err != nil {
		s.log.WithError(err).Error("writing ftrace events")
	}
}

func (s *ExternalSource) Interrupt() {
	if s.interrupt != nil {
		s.interrupt()
	}
}

func (s *ExternalSource) IsDone() bool {
	return s.done.Load()
}

func (s *ExternalSource) Join() {
	<-s.joinCh

	if err := s.reader.Close(); err != nil {
		s.log.WithError(err).Debug("closing ftrace reader")
	}
}

// Stats returns the source's event-type counters, for health
// reporting.
func (s *ExternalSource) Stats() *EventStats {
	return s.stats
}

// parseFtraceLine parses one ftrace text-format line into a typed
// event. The ftrace text format is loosely:
//
//	<comm>-<pid> [<cpu>] .... <timestamp>: <event>: <detail>
//
// Unsupported event kinds are dropped, not errored, since trace
// buffers routinely contain events this capture doesn't model.
func parseFtraceLine(line string) (FtraceEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return FtraceEvent{}, false
	}

	fields := strings.Fields(line)
	if len(fields) < 4 {
		return FtraceEvent{}, false
	}

	commPID := fields[0]
	cpuField := strings.Trim(fields[1], "[]")

	cpu, err := strconv.Atoi(cpuField)
	if err != nil {
		return FtraceEvent{}, false
	}

	var pid uint32

	if idx := strings.LastIndex(commPID, "-"); idx >= 0 {
		if v, err := strconv.ParseUint(commPID[idx+1:], 10, 32); err == nil {
			pid = uint32(v)
		}
	}

	eventName, detail := splitEventName(line)

	eventType, ok := eventTypeFromName(eventName)
	if !ok {
		return FtraceEvent{}, false
	}

	return FtraceEvent{
		CPU:    cpu,
		PID:    pid,
		Type:   eventType,
		Comm:   commPID,
		Detail: detail,
	}, true
}

func splitEventName(line string) (name, detail string) {
	idx := strings.Index(line, ": ")
	if idx < 0 {
		return "", ""
	}

	rest := line[idx+2:]

	nameIdx := strings.Index(rest, ": ")
	if nameIdx < 0 {
		return strings.TrimSpace(rest), ""
	}

	return strings.TrimSpace(rest[:nameIdx]), strings.TrimSpace(rest[nameIdx+2:])
}

func eventTypeFromName(name string) (EventType, bool) {
	switch name {
	case "sched_switch":
		return EventTypeSchedSwitch, true
	case "block_rq_issue", "block_rq_complete":
		return EventTypeBlockIO, true
	case "sys_enter":
		return EventTypeSyscallEnter, true
	case "sys_exit":
		return EventTypeSyscallExit, true
	default:
		return 0, false
	}
}
