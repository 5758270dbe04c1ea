// Package exception implements the process-wide fatal-error path: the
// first unrecoverable error during a session attempts a best-effort
// cleanup and exits; any further fatal error while that cleanup is in
// flight exits immediately without running it a second time.
package exception

import (
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/sender"
)

// Exit codes returned by the daemon on fatal paths.
const (
	ExitFatal             = 1
	ExitSecondFatal       = 2
	ExitNoSingleton       = 5
	ExitSignalWriteFailed = 6
)

// Cleanup performs whatever session teardown is still possible once a
// fatal error has occurred: sending a final ERROR frame over a live
// connection and removing an incomplete local capture directory.
// Handler calls it at most once regardless of how many goroutines
// report a fatal error concurrently.
type Cleanup interface {
	// SendError sends msg as a final ERROR frame, if a live
	// connection exists, then shuts it down.
	SendError(msg string)
	// RemoveIncompleteCapture deletes the in-progress local capture
	// directory, if one exists.
	RemoveIncompleteCapture()
}

// Handler implements the at-most-twice fatal cleanup: the first fatal
// error runs cleanup then exits with ExitFatal; any fatal error
// reported while that is happening (or afterward, since the process
// should already be gone) exits immediately with ExitSecondFatal
// without running cleanup again.
type Handler struct {
	count   atomic.Int32
	log     logrus.FieldLogger
	cleanup Cleanup
}

// New creates a Handler. cleanup may be nil if there is nothing to
// tear down (e.g. before a session has started).
func New(log logrus.FieldLogger, cleanup Cleanup) *Handler {
	return &Handler{
		log:     log.WithField("component", "exception"),
		cleanup: cleanup,
	}
}

// Fatal reports a fatal error. It never returns: the process exits
// from within this call.
func (h *Handler) Fatal(err error) {
	os.Exit(h.handle(err))
}

// handle runs the at-most-twice cleanup logic and returns the exit
// code Fatal should terminate the process with. Split out from Fatal
// so the decision logic is testable without actually exiting.
func (h *Handler) handle(err error) int {
	if h.count.Add(1) > 1 {
		// Something is already unwinding from a prior fatal error;
		// don't race with its cleanup. Exit immediately without
		// running deferred functions, matching the at-most-twice
		// invariant.
		return ExitSecondFatal
	}

	h.log.WithError(err).Error("fatal error, cleaning up")

	if h.cleanup != nil {
		h.cleanup.SendError(err.Error())
		h.cleanup.RemoveIncompleteCapture()
	}

	return ExitFatal
}

// sessionCleanup is the concrete Cleanup used once a session has a
// Sender and knows whether it is a local capture.
type sessionCleanup struct {
	log         logrus.FieldLogger
	snd         sender.Sender
	localDir    string
	isLocal     bool
	removeDirFn func(dir string) error
}

// NewSessionCleanup builds the Cleanup a live session installs once it
// has a Sender and knows its capture directory.
func NewSessionCleanup(
	log logrus.FieldLogger,
	snd sender.Sender,
	localDir string,
	isLocal bool,
	removeDirFn func(dir string) error,
) Cleanup {
	return &sessionCleanup{
		log:         log.WithField("component", "exception"),
		snd:         snd,
		localDir:    localDir,
		isLocal:     isLocal,
		removeDirFn: removeDirFn,
	}
}

func (c *sessionCleanup) SendError(msg string) {
	if c.snd == nil {
		return
	}

	if err := c.snd.WriteData([]byte(msg), sender.ResponseTypeError, true); err != nil {
		c.log.WithError(err).Error("sending final error frame")
	}

	if err := c.snd.ShutdownConnection(); err != nil {
		c.log.WithError(err).Error("shutting down connection during cleanup")
	}
}

func (c *sessionCleanup) RemoveIncompleteCapture() {
	if !c.isLocal || c.localDir == "" || c.removeDirFn == nil {
		return
	}

	c.log.WithField("dir", c.localDir).Info("cleaning incomplete APC directory")

	if err := c.removeDirFn(c.localDir); err != nil {
		c.log.WithError(err).Error("could not remove incomplete APC directory")
	}
}
