package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// APCDir manages the on-disk layout of a local capture: the directory
// the Sender writes its capture file into, plus the small set of
// metadata XML files Streamline expects alongside it (events.xml
// written at startup, captured.xml/counters.xml written at teardown).
// Grounded on local_capture::createAPCDirectory/copyImages and the
// events_xml/captured_xml/counters_xml writers in Child::run.
type APCDir struct {
	path string
}

// NewAPCDir prepares the local capture directory at path, creating it
// if it doesn't already exist.
func NewAPCDir(path string) (*APCDir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil { //nolint:gosec // capture artifacts, not secrets
		return nil, fmt.Errorf("creating capture directory %s: %w", path, err)
	}

	return &APCDir{path: path}, nil
}

// Path returns the capture directory's filesystem path.
func (d *APCDir) Path() string {
	return d.path
}

// WriteEventsXML writes events.xml at session start, describing the
// driver-provided event catalog available during this capture.
func (d *APCDir) WriteEventsXML(content []byte) error {
	return d.writeFile("events.xml", content)
}

// WriteCapturedXML writes captured.xml at session teardown, recording
// what was actually captured (SPEs claimed, GPU device ids, and so
// on), the way captured_xml::write does once the session's other
// threads have all joined.
func (d *APCDir) WriteCapturedXML(content []byte) error {
	return d.writeFile("captured.xml", content)
}

// WriteCountersXML writes counters.xml at session teardown, recording
// the final counter configuration actually used for the capture.
func (d *APCDir) WriteCountersXML(content []byte) error {
	return d.writeFile("counters.xml", content)
}

func (d *APCDir) writeFile(name string, content []byte) error {
	path := filepath.Join(d.path, name)

	if err := os.WriteFile(path, content, 0o644); err != nil { //nolint:gosec // capture artifacts, not secrets
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}
