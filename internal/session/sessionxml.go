package session

import (
	"fmt"
	"os"
)

// SessionXMLExchanger resolves the session-setup XML exchanged with
// Streamline before capture begins: over the live socket for a
// network session, or read once from the local capture directory's
// input for a local one. The XML schema itself — what counters,
// targets, and options it can express beyond what Config already
// carries — is an external collaborator's concern and out of scope
// here; this interface only marks the seam where that exchange would
// plug in.
type SessionXMLExchanger interface {
	// Exchange returns the raw session-setup XML bytes to apply, or
	// nil if none is available and the session should proceed on
	// Config alone.
	Exchange() ([]byte, error)
}

// liveSessionXMLExchanger is the live-mode exchanger: in the original
// daemon this serves session.xml setup requests back over the same
// socket before the capture proper begins. Wiring the actual
// request/response grammar is out of scope, so this implementation
// always proceeds on Config alone.
type liveSessionXMLExchanger struct{}

// NewLiveSessionXMLExchanger creates the live-mode SessionXMLExchanger.
func NewLiveSessionXMLExchanger() SessionXMLExchanger {
	return liveSessionXMLExchanger{}
}

func (liveSessionXMLExchanger) Exchange() ([]byte, error) {
	return nil, nil
}

// localSessionXMLExchanger is the local-mode exchanger: it reads
// session.xml from disk inside the requested capture directory, if
// one is present, the way local_capture's setup reads a
// pre-positioned configuration instead of negotiating over a socket.
type localSessionXMLExchanger struct {
	path string
}

// NewLocalSessionXMLExchanger creates a local-mode SessionXMLExchanger
// reading from path, typically <capture-dir>/session.xml.
func NewLocalSessionXMLExchanger(path string) SessionXMLExchanger {
	return localSessionXMLExchanger{path: path}
}

func (l localSessionXMLExchanger) Exchange() ([]byte, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading session XML %s: %w", l.path, err)
	}

	return data, nil
}
