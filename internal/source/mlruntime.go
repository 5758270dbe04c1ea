package source

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/mlcounter"
	"github.com/proftrace/capd/internal/sender"
)

// mlRuntimePacketType tags the length-prefixed JSON frames exchanged
// with a connected ML-runtime session, mirroring the
// internal/control package's header shape (1 byte type, 4 byte
// little-endian length) but carrying structured payloads rather than
// the capture-channel's opaque command bytes.
type mlRuntimePacketType byte

const (
	packetCounterDirectory       mlRuntimePacketType = 0x01
	packetPeriodicSelection      mlRuntimePacketType = 0x02
	packetPerJobSelection        mlRuntimePacketType = 0x03
	packetPeriodicCapture        mlRuntimePacketType = 0x04
	packetPerJobCapture          mlRuntimePacketType = 0x05
	packetCounterSelectionServer mlRuntimePacketType = 0x06
)

type counterDirectoryPacket struct {
	Devices     map[uint16]mlcounter.DeviceRecord     `json:"devices"`
	CounterSets map[uint16]mlcounter.CounterSetRecord `json:"counter_sets"`
	Categories  []mlcounter.CategoryRecord             `json:"categories"`
}

type periodicSelectionPacket struct {
	Period uint32   `json:"period"`
	UIDs   []uint16 `json:"uids"`
}

type perJobSelectionPacket struct {
	ObjectID uint64   `json:"object_id"`
	UIDs     []uint16 `json:"uids"`
}

type periodicCapturePacket struct {
	Timestamp uint64            `json:"timestamp"`
	Values    map[uint16]uint32 `json:"values"`
}

type perJobCapturePacket struct {
	IsPre     bool              `json:"is_pre"`
	Timestamp uint64            `json:"timestamp"`
	ObjectRef uint64            `json:"object_ref"`
	Values    map[uint16]uint32 `json:"values"`
}

type counterSelectionServerPacket struct {
	Period uint32   `json:"period"`
	UIDs   []uint16 `json:"uids"`
}

// MLRuntime accepts TCP connections from ML-runtime sessions, one
// SessionStateTracker per connection, generalizing the health
// server's listener-goroutine idiom from HTTP to a raw accept loop.
type MLRuntime struct {
	log    logrus.FieldLogger
	addr   string
	global mlcounter.GlobalState

	newConsumer func() mlcounter.CounterConsumer

	listener net.Listener
	wg       sync.WaitGroup

	active atomic.Int32
	done   atomic.Bool
	joinCh chan struct{}
}

// NewMLRuntime creates an MLRuntime source listening on addr.
// newConsumer is called once per accepted connection to obtain the
// CounterConsumer that session's reconciled samples are forwarded to
// (e.g. one shared ClickHouse/HTTP consumer, or a per-session one).
func NewMLRuntime(
	log logrus.FieldLogger,
	addr string,
	global mlcounter.GlobalState,
	newConsumer func() mlcounter.CounterConsumer,
) *MLRuntime {
	return &MLRuntime{
		log:         log.WithField("component", "source_mlruntime"),
		addr:        addr,
		global:      global,
		newConsumer: newConsumer,
		joinCh:      make(chan struct{}),
	}
}

func (m *MLRuntime) Prepare() bool {
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		m.log.WithError(err).WithField("addr", m.addr).Error("listening for ML-runtime sessions")

		return false
	}

	m.listener = ln

	return true
}

func (m *MLRuntime) Start() {
	m.wg.Add(1)

	go m.acceptLoop()
}

func (m *MLRuntime) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			// Interrupt closes the listener to unblock Accept; any
			// other error is logged, but the loop still exits since a
			// dead listener cannot accept further connections.
			if !m.done.Load() {
				m.log.WithError(err).Debug("accept loop exiting")
			}

			return
		}

		m.active.Add(1)
		m.wg.Add(1)

		go m.handleConn(conn)
	}
}

func (m *MLRuntime) handleConn(conn net.Conn) {
	defer m.wg.Done()
	defer m.active.Add(-1)
	defer conn.Close()

	log := m.log.WithField("remote", conn.RemoteAddr().String())

	sendQ := &mlRuntimeSender{conn: conn, mu: &sync.Mutex{}}
	consumer := m.newConsumer()

	tracker := mlcounter.NewSessionStateTracker(log, m.global, consumer, sendQ)

	// Capture is enabled as soon as the session connects, so its
	// samples are forwarded from the start.
	tracker.DoEnableCapture()

	for {
		pt, payload, err := readMLRuntimePacket(conn)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("ML-runtime session connection closed")
			}

			return
		}

		if err := dispatchMLRuntimePacket(tracker, pt, payload); err != nil {
			log.WithError(err).Warn("dispatching ML-runtime packet")
		}
	}
}

func dispatchMLRuntimePacket(tracker *mlcounter.SessionStateTracker, pt mlRuntimePacketType, payload []byte) error {
	switch pt {
	case packetCounterDirectory:
		var p counterDirectoryPacket
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decoding counter directory: %w", err)
		}

		tracker.OnCounterDirectory(p.Devices, p.CounterSets, p.Categories)

	case packetPeriodicSelection:
		var p periodicSelectionPacket
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decoding periodic selection: %w", err)
		}

		tracker.OnPeriodicCounterSelection(p.Period, uidSet(p.UIDs))

	case packetPerJobSelection:
		var p perJobSelectionPacket
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decoding per-job selection: %w", err)
		}

		tracker.OnPerJobCounterSelection(p.ObjectID, uidSet(p.UIDs))

	case packetPeriodicCapture:
		var p periodicCapturePacket
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decoding periodic capture: %w", err)
		}

		tracker.OnPeriodicCounterCapture(p.Timestamp, p.Values)

	case packetPerJobCapture:
		var p perJobCapturePacket
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decoding per-job capture: %w", err)
		}

		tracker.OnPerJobCounterCapture(p.IsPre, p.Timestamp, p.ObjectRef, p.Values)

	default:
		return fmt.Errorf("unknown ML-runtime packet type 0x%02x", byte(pt))
	}

	return nil
}

func uidSet(uids []uint16) map[uint16]struct{} {
	set := make(map[uint16]struct{}, len(uids))
	for _, uid := range uids {
		set[uid] = struct{}{}
	}

	return set
}

func readMLRuntimePacket(conn net.Conn) (mlRuntimePacketType, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}

	length := binary.LittleEndian.Uint32(header[1:5])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}

	return mlRuntimePacketType(header[0]), payload, nil
}

// mlRuntimeSender implements mlcounter.SessionPacketSender by framing
// a counter-selection packet back over the accepted connection.
type mlRuntimeSender struct {
	conn net.Conn
	mu   *sync.Mutex
}

func (s *mlRuntimeSender) SendCounterSelection(period uint32, uids []uint16) error {
	payload, err := json.Marshal(counterSelectionServerPacket{Period: period, UIDs: uids})
	if err != nil {
		return fmt.Errorf("encoding counter selection: %w", err)
	}

	header := make([]byte, 5)
	header[0] = byte(packetCounterSelectionServer)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(payload)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Write(header); err != nil {
		return err
	}

	if len(payload) == 0 {
		return nil
	}

	_, err = s.conn.Write(payload)

	return err
}

// Write is a no-op: MLRuntime forwards samples to CounterConsumers as
// they're reconciled rather than buffering them for the drain loop,
// since each connected session's samples need to reach storage with
// session-scoped attribution as soon as they're reconciled.
func (m *MLRuntime) Write(sender.Sender) {}

func (m *MLRuntime) Interrupt() {
	m.done.Store(true)

	if m.listener != nil {
		m.listener.Close()
	}
}

func (m *MLRuntime) IsDone() bool {
	return m.done.Load() && m.active.Load() == 0
}

func (m *MLRuntime) Join() {
	m.wg.Wait()
	close(m.joinCh)
}
