package source

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/sender"
)

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// fakeSender records every frame WriteData is called with, so tests
// can assert on what a Source chose to drain without a real socket or
// capture file.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	types  []sender.ResponseType
}

func (s *fakeSender) WriteData(data []byte, responseType sender.ResponseType, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames = append(s.frames, data)
	s.types = append(s.types, responseType)

	return nil
}

func (s *fakeSender) ShutdownConnection() error {
	return nil
}

func (s *fakeSender) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.frames
}
