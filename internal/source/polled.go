package source

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/sender"
)

// PolledCounter is a single user-space counter collaborator that the
// Polled source samples on its ticker. The counter programming,
// wherever it reads its value from, is an external collaborator.
type PolledCounter interface {
	Name() string
	Key() int
	Sample() (uint64, error)
}

// PolledSample is one reading from a PolledCounter.
type PolledSample struct {
	Key         int    `json:"key"`
	Name        string `json:"name"`
	TimestampNs uint64 `json:"timestamp_ns"`
	Value       uint64 `json:"value"`
}

// Polled samples a set of user-space PolledCounter collaborators on a
// ticker.
type Polled struct {
	log      logrus.FieldLogger
	counters []PolledCounter
	period   time.Duration

	mu      sync.Mutex
	samples []PolledSample

	cancel context.CancelFunc
	done   atomic.Bool
	joinCh chan struct{}
}

// NewPolled creates a Polled source. It returns nil if there are no
// counters to poll, matching UserSpaceSource::shouldStart's
// "nothing to do" short circuit.
func NewPolled(log logrus.FieldLogger, counters []PolledCounter, period time.Duration) *Polled {
	if len(counters) == 0 {
		return nil
	}

	return &Polled{
		log:      log.WithField("component", "source_polled"),
		counters: counters,
		period:   period,
		joinCh:   make(chan struct{}),
	}
}

func (p *Polled) Prepare() bool {
	return true
}

func (p *Polled) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	go p.run(ctx)
}

func (p *Polled) run(ctx context.Context) {
	defer close(p.joinCh)
	defer p.done.Store(true)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Polled) poll() {
	now := uint64(time.Now().UnixNano())
	samples := make([]PolledSample, 0, len(p.counters))

	for _, c := range p.counters {
		value, err := c.Sample()
		if err != nil {
			p.log.WithError(err).WithField("counter", c.Name()).Warn("sampling polled counter failed")

			continue
		}

		samples = append(samples, PolledSample{
			Key:         c.Key(),
			Name:        c.Name(),
			TimestampNs: now,
			Value:       value,
		})
	}

	p.mu.Lock()
	p.samples = append(p.samples, samples...)
	p.mu.Unlock()
}

func (p *Polled) Write(snd sender.Sender) {
	p.mu.Lock()
	samples := p.samples
	p.samples = nil
	p.mu.Unlock()

	if len(samples) == 0 {
		return
	}

	payload, err := json.Marshal(samples)
	if err != nil {
		p.log.WithError(err).Error("marshaling polled samples")

		return
	}

	if err := snd.WriteData(payload, sender.ResponseTypeApcData, false); err != nil {
		p.log.WithError(err).Error("writing polled samples")
	}
}

func (p *Polled) Interrupt() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Polled) IsDone() bool {
	return p.done.Load()
}

func (p *Polled) Join() {
	<-p.joinCh
}
