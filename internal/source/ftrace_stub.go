//go:build !linux

package source

import "errors"

// NewTracePipeReader is unavailable outside Linux: ftrace is a Linux
// kernel facility.
func NewTracePipeReader() (FtraceReader, error) {
	return nil, errors.New("ftrace is only supported on linux")
}
