// Package sender implements the single-writer framed output path that
// every capture Source eventually drains into, whether the session is
// writing to a live socket or a local capture file.
package sender

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// ResponseType identifies the frame kind written ahead of a payload,
// mirroring the protocol's response codes.
type ResponseType byte

const (
	ResponseTypeError   ResponseType = 0x01
	ResponseTypeAck     ResponseType = 0x02
	ResponseTypeApcData ResponseType = 0x03
)

// Sender is the single-writer framed serializer every Source drains
// into. Implementations must serialize concurrent writers internally;
// callers are not required to hold any lock of their own.
type Sender interface {
	// WriteData writes one frame. waitForAccept is honored only by
	// live (socket) senders and is a no-op for local file senders.
	WriteData(data []byte, responseType ResponseType, waitForAccept bool) error

	// ShutdownConnection flushes and closes the underlying transport.
	ShutdownConnection() error
}

// socketSender writes framed data directly to a live TCP/unix socket
// connection, matching the wire-level expectations of a connected
// capture client.
type socketSender struct {
	mu   sync.Mutex
	conn net.Conn
	log  logrus.FieldLogger
}

// NewSocketSender wraps an already-connected socket for live-mode
// capture output.
func NewSocketSender(log logrus.FieldLogger, conn net.Conn) Sender {
	return &socketSender{
		conn: conn,
		log:  log.WithField("component", "sender"),
	}
}

func (s *socketSender) WriteData(data []byte, responseType ResponseType, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame := append(frameHeader(responseType, len(data)), data...)

	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

func (s *socketSender) ShutdownConnection() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			s.log.WithError(err).Debug("CloseWrite failed, falling back to Close")
		}
	}

	return s.conn.Close()
}

// fileSender writes framed data to a local capture file, compressed
// with zstd. Local-mode capture never needs ShutdownConnection to
// signal a remote peer, but it still flushes and closes the
// underlying file so the capture directory is left in a consistent
// state.
type fileSender struct {
	mu  sync.Mutex
	f   *os.File
	zw  *zstd.Encoder
	log logrus.FieldLogger
}

// CreateDataFile creates (or truncates) the capture data file at the
// given path within an APC directory and returns a Sender that writes
// compressed frames to it.
func CreateDataFile(log logrus.FieldLogger, dir string) (Sender, error) {
	path := filepath.Join(dir, "capture.apc")

	f, err := os.Create(path) //nolint:gosec // path is session-controlled, not user input
	if err != nil {
		return nil, fmt.Errorf("creating capture data file %s: %w", path, err)
	}

	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("creating zstd writer: %w", err)
	}

	return &fileSender{
		f:   f,
		zw:  zw,
		log: log.WithField("component", "sender").WithField("path", path),
	}, nil
}

func (s *fileSender) WriteData(data []byte, responseType ResponseType, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	header := frameHeader(responseType, len(data))

	if _, err := s.zw.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	if _, err := s.zw.Write(data); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}

	return nil
}

func (s *fileSender) ShutdownConnection() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.zw.Close(); err != nil {
		s.log.WithError(err).Error("closing zstd writer")
	}

	return s.f.Close()
}

func frameHeader(responseType ResponseType, length int) []byte {
	header := make([]byte, 5)
	header[0] = byte(responseType)
	header[1] = byte(length)
	header[2] = byte(length >> 8)
	header[3] = byte(length >> 16)
	header[4] = byte(length >> 24)

	return header
}
