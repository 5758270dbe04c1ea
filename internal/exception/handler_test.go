package exception

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type fakeCleanup struct {
	sentError   string
	removed     bool
	sendCalls   int
	removeCalls int
}

func (f *fakeCleanup) SendError(msg string) {
	f.sendCalls++
	f.sentError = msg
}

func (f *fakeCleanup) RemoveIncompleteCapture() {
	f.removeCalls++
	f.removed = true
}

func TestHandler_FirstFatalRunsCleanup(t *testing.T) {
	cleanup := &fakeCleanup{}
	h := New(discardLogger(), cleanup)

	code := h.handle(errors.New("boom"))

	assert.Equal(t, ExitFatal, code)
	assert.Equal(t, "boom", cleanup.sentError)
	assert.True(t, cleanup.removed)
}

func TestHandler_SecondConcurrentFatalSkipsCleanup(t *testing.T) {
	cleanup := &fakeCleanup{}
	h := New(discardLogger(), cleanup)

	first := h.handle(errors.New("boom"))
	second := h.handle(errors.New("boom again"))

	assert.Equal(t, ExitFatal, first)
	assert.Equal(t, ExitSecondFatal, second)
	assert.Equal(t, 1, cleanup.sendCalls)
	assert.Equal(t, 1, cleanup.removeCalls)
}

func TestHandler_NilCleanupIsSafe(t *testing.T) {
	h := New(discardLogger(), nil)

	assert.Equal(t, ExitFatal, h.handle(errors.New("boom")))
}
