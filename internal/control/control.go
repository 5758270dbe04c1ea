// Package control reads the capture session's 5-byte command header
// off the live socket: 1 byte command type followed by a 4-byte
// little-endian length.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/sender"
)

// Command identifies a recognized control-channel command type.
type Command byte

const (
	// CommandAPCStop asks the session to end.
	CommandAPCStop Command = 0x01
	// CommandPing asks for a liveness ACK.
	CommandPing Command = 0x03
)

// ErrClosed is returned by Read when the underlying connection was
// closed or disconnected by the peer.
var ErrClosed = errors.New("control: connection closed")

// Channel reads commands from a live connection and replies to pings.
type Channel struct {
	conn net.Conn
	snd  sender.Sender
	log  logrus.FieldLogger
}

// New wraps a live connection as a control Channel. snd is used to
// send the ACK reply to PING commands.
func New(log logrus.FieldLogger, conn net.Conn, snd sender.Sender) *Channel {
	return &Channel{
		conn: conn,
		snd:  snd,
		log:  log.WithField("component", "control"),
	}
}

// ReadCommand blocks until one command header is read, replies to it
// if it is a PING, and returns true if the command was APC_STOP (the
// caller should end the session). ErrClosed is returned once the peer
// disconnects; any other error is also terminal for the channel.
//
// Unknown command types are logged and otherwise ignored. A non-zero
// length on an APC_STOP or PING command is logged but its body is
// intentionally not drained from the connection, matching upstream's
// historical behavior.
func (c *Channel) ReadCommand() (stop bool, err error) {
	header := make([]byte, 5)

	if _, err := io.ReadFull(c.conn, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
			errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return false, ErrClosed
		}

		return false, fmt.Errorf("reading command header: %w", err)
	}

	cmdType := Command(header[0])
	length := binary.LittleEndian.Uint32(header[1:5])

	switch cmdType {
	case CommandAPCStop:
		if length != 0 {
			c.log.WithField("length", length).Warn("received APC_STOP with non-zero length")
		}

		c.log.Debug("stop command received")

		return true, nil
	case CommandPing:
		if length != 0 {
			c.log.WithField("length", length).Warn("received PING with non-zero length")
		}

		c.log.Debug("ping command received")

		if err := c.snd.WriteData(nil, sender.ResponseTypeAck, false); err != nil {
			return false, fmt.Errorf("acking ping: %w", err)
		}

		return false, nil
	default:
		c.log.WithField("type", cmdType).Warn("received unknown command type")

		return false, nil
	}
}
