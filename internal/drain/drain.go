// Package drain implements the single consumer goroutine that pulls
// data out of every active Source and writes it through the Sender
// until all sources report done, preserving at-most-once
// end-of-capture semantics.
package drain

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/sender"
	"github.com/proftrace/capd/internal/source"
)

// wakeTimeout bounds how long the drain loop waits for a producer
// wake-up before polling sources anyway, so a missed wake never hangs
// the loop forever.
const wakeTimeout = time.Second

// Loop is the single consumer that drains every active Source into a
// Sender until they all report done.
type Loop struct {
	log     logrus.FieldLogger
	snd     sender.Sender
	primary source.PrimarySource
	others  []source.Source
	wake    chan struct{}
	halt    chan struct{}
	live    bool
}

// NewLoop creates a drain Loop. halt is the gate the loop waits on
// before its first drain pass: callers should send (or pre-fill) it
// according to the session's one-shot mode, matching the halt-pipeline
// semaphore's initial count (0 for one-shot sessions so the sender
// thread blocks until released, 2 for non-one-shot sessions so it can
// run immediately and still absorb one extra post without blocking).
func NewLoop(
	log logrus.FieldLogger,
	snd sender.Sender,
	primary source.PrimarySource,
	others []source.Source,
	halt chan struct{},
	live bool,
) *Loop {
	return &Loop{
		log:     log.WithField("component", "drain"),
		snd:     snd,
		primary: primary,
		others:  others,
		wake:    make(chan struct{}, 1),
		halt:    halt,
		live:    live,
	}
}

// Wake nudges the loop to drain immediately instead of waiting out the
// rest of its timeout. It is safe to call from any goroutine and any
// number of times; excess wake-ups are coalesced.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains sources into the Sender until every source is done, then
// performs one final flush pass and, for live sessions, writes the
// end-of-capture marker frame exactly once.
func (l *Loop) Run() {
	<-l.halt

	for !l.allDone() {
		select {
		case <-l.wake:
		case <-time.After(wakeTimeout):
			l.log.Debug("timeout waiting for producer wake-up")
		}

		l.drainOnce()
	}

	// Flush once more to ensure any slop from the final producer
	// write is cleared up before the end-of-capture marker.
	l.drainOnce()

	if !l.live {
		return
	}

	if err := l.snd.WriteData(nil, sender.ResponseTypeApcData, false); err != nil {
		l.log.WithError(err).Error("writing end-of-capture marker")
	}

	l.log.Debug("exit drain loop")
}

func (l *Loop) drainOnce() {
	for _, s := range l.others {
		s.Write(l.snd)
	}

	l.primary.Write(l.snd)
}

func (l *Loop) allDone() bool {
	for _, s := range l.others {
		if !s.IsDone() {
			return false
		}
	}

	return l.primary.IsDone()
}
