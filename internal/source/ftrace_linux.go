//go:build linux

package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const tracingDir = "/sys/kernel/debug/tracing"

// tracePipeReader reads every online CPU's trace_pipe concurrently and
// fans the lines into a single channel, matching how the daemon's
// ancestor treats ftrace as one multiplexed external source rather
// than one source per CPU.
type tracePipeReader struct {
	files []*os.File
}

// NewTracePipeReader opens the per-CPU ftrace pipes under
// /sys/kernel/debug/tracing/per_cpu.
func NewTracePipeReader() (FtraceReader, error) {
	ncpu := runtime.NumCPU()

	r := &tracePipeReader{}

	for i := 0; i < ncpu; i++ {
		path := filepath.Join(tracingDir, "per_cpu", fmt.Sprintf("cpu%d", i), "trace_pipe")

		f, err := os.Open(path) //nolint:gosec // fixed kernel debugfs path
		if err != nil {
			r.Close()

			return nil, fmt.Errorf("opening %s: %w", path, err)
		}

		r.files = append(r.files, f)
	}

	return r, nil
}

func (r *tracePipeReader) Lines(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 256)

	var wg sync.WaitGroup

	for _, f := range r.files {
		wg.Add(1)

		go func(f *os.File) {
			defer wg.Done()

			scanner := bufio.NewScanner(f)

			for scanner.Scan() {
				select {
				case out <- scanner.Text():
				case <-ctx.Done():
					return
				}
			}
		}(f)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (r *tracePipeReader) Close() error {
	var firstErr error

	for _, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
