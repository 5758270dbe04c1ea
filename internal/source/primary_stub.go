//go:build !linux

package source

import "errors"

// NewPerfBackend is unavailable outside Linux: perf_event_open is a
// Linux kernel syscall.
func NewPerfBackend() Backend {
	return &unsupportedBackend{}
}

type unsupportedBackend struct{}

func (unsupportedBackend) Open([]CounterRequest) error {
	return errors.New("perf_event_open is only supported on linux")
}

func (unsupportedBackend) Start() error {
	return errors.New("perf_event_open is only supported on linux")
}

func (unsupportedBackend) Sample() ([]CounterSample, error) {
	return nil, errors.New("perf_event_open is only supported on linux")
}

func (unsupportedBackend) Close() error { return nil }
