// Package source defines the capture-side data producers that feed the
// Sender during a session, and ships the concrete sources the daemon
// supports out of the box.
package source

import "github.com/proftrace/capd/internal/sender"

// Source is an abstract producer of capture data. Every Source
// implementation follows the same lifecycle: Prepare, Start, then
// zero or more calls to Write as the orchestrator drains it, until
// IsDone reports true and the orchestrator calls Join.
//
// Implementations must be safe to call Interrupt concurrently with any
// other method, since interruption can be requested from a signal
// handler path, the control channel, a duration timer, or a pid-watch
// goroutine.
type Source interface {
	// Prepare performs any setup that can fail (opening devices,
	// resolving paths, allocating buffers). It returns false if setup
	// failed; the caller logs and aborts the session.
	Prepare() bool

	// Start begins the source's background work. Called only after a
	// successful Prepare.
	Start()

	// Write drains whatever data is currently available into the
	// given Sender. It must not block waiting for new data to
	// arrive; it should drain only what is ready and return.
	Write(s sender.Sender)

	// Interrupt asks the source to stop producing data as soon as
	// possible. It may be called more than once and must be
	// idempotent.
	Interrupt()

	// IsDone reports whether the source has finished producing data
	// and Write will never again have anything new to drain.
	IsDone() bool

	// Join blocks until any background goroutines started by Start
	// have exited.
	Join()
}

// PrimarySource is the one Source that drives the capture's lifetime:
// its Run blocks for the duration of the session and its completion
// is what ends the profiling run.
type PrimarySource interface {
	Source

	// Run blocks until the primary source has finished collecting
	// data, either because it reached a natural end or because
	// Interrupt was called.
	Run()
}
