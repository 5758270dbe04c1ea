package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/sender"
)

// GPUSample is one reading from a GPU hardware counter directory.
type GPUSample struct {
	Name        string `json:"name"`
	TimestampNs uint64 `json:"timestamp_ns"`
	Value       uint64 `json:"value"`
}

// GPU polls a directory of sysfs-style counter files on a ticker,
// the way the daemon's GPU hardware-counter drivers expose per-block
// counters as one file per counter under a device directory.
type GPU struct {
	log    logrus.FieldLogger
	dir    string
	period time.Duration

	mu      sync.Mutex
	samples []GPUSample

	cancel  context.CancelFunc
	done    atomic.Bool
	joinCh  chan struct{}
}

// NewGPU creates a GPU source polling counter files under dir every
// period.
func NewGPU(log logrus.FieldLogger, dir string, period time.Duration) *GPU {
	return &GPU{
		log:    log.WithField("component", "source_gpu"),
		dir:    dir,
		period: period,
		joinCh: make(chan struct{}),
	}
}

func (g *GPU) Prepare() bool {
	if g.dir == "" {
		g.log.Error("no counter directory configured")

		return false
	}

	if _, err := os.Stat(g.dir); err != nil {
		g.log.WithError(err).WithField("dir", g.dir).Error("counter directory not accessible")

		return false
	}

	return true
}

func (g *GPU) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	go g.run(ctx)
}

func (g *GPU) run(ctx context.Context) {
	defer close(g.joinCh)
	defer g.done.Store(true)

	ticker := time.NewTicker(g.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples, err := g.poll()
			if err != nil {
				g.log.WithError(err).Debug("polling GPU counters")

				continue
			}

			g.mu.Lock()
			g.samples = append(g.samples, samples...)
			g.mu.Unlock()
		}
	}
}

func (g *GPU) poll() ([]GPUSample, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", g.dir, err)
	}

	now := uint64(time.Now().UnixNano())
	samples := make([]GPUSample, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(g.dir, entry.Name())

		value, err := readCounterFile(path)
		if err != nil {
			g.log.WithError(err).WithField("path", path).Debug("reading counter file")

			continue
		}

		samples = append(samples, GPUSample{
			Name:        entry.Name(),
			TimestampNs: now,
			Value:       value,
		})
	}

	return samples, nil
}

func readCounterFile(path string) (uint64, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from a directory listing the caller already validated
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty counter file")
	}

	line := strings.TrimSpace(scanner.Text())

	return strconv.ParseUint(line, 10, 64)
}

func (g *GPU) Write(snd sender.Sender) {
	g.mu.Lock()
	samples := g.samples
	g.samples = nil
	g.mu.Unlock()

	if len(samples) == 0 {
		return
	}

	payload, err := json.Marshal(samples)
	if err != nil {
		g.log.WithError(err).Error("marshaling GPU samples")

		return
	}

	if err := snd.WriteData(payload, sender.ResponseTypeApcData, false); err != nil {
		g.log.WithError(err).Error("writing GPU samples")
	}
}

func (g *GPU) Interrupt() {
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *GPU) IsDone() bool {
	return g.done.Load()
}

func (g *GPU) Join() {
	<-g.joinCh
}
