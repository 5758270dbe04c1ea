package source

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/sender"
)

// CounterRequest describes one hardware counter the primary source
// should program, keyed by the APC counter key the daemon will tag
// samples with.
type CounterRequest struct {
	Key    int
	Config uint64
	Type   uint32
}

// CounterSample is one reading from a primary-source hardware
// counter.
type CounterSample struct {
	Key         int    `json:"key"`
	Core        int    `json:"core"`
	TimestampNs uint64 `json:"timestamp_ns"`
	Value       uint64 `json:"value"`
}

// Backend abstracts the platform-specific hardware counter group the
// primary source samples on its hot loop. The Linux implementation
// backs it with golang.org/x/sys/unix.PerfEventOpen.
type Backend interface {
	// Open programs the requested counters. It must be called before
	// Start.
	Open(requests []CounterRequest) error
	// Start begins counting.
	Start() error
	// Sample reads the current value of every open counter.
	Sample() ([]CounterSample, error)
	// Close releases the counter group.
	Close() error
}

// Primary is the primary capture source: it drives the profiling
// session's lifetime by sampling a hardware counter backend on a hot
// loop until interrupted.
type Primary struct {
	log     logrus.FieldLogger
	backend Backend
	reqs    []CounterRequest

	started    func()
	startedVal sync.Once

	mu      sync.Mutex
	samples []CounterSample

	interrupted atomic.Bool
	done        atomic.Bool
	runDone     chan struct{}
}

// NewPrimary creates a Primary source. started is invoked exactly
// once, the moment sampling actually begins; the orchestrator uses it
// to release a held-back capture command.
func NewPrimary(log logrus.FieldLogger, backend Backend, reqs []CounterRequest, started func()) *Primary {
	return &Primary{
		log:     log.WithField("component", "source_primary"),
		backend: backend,
		reqs:    reqs,
		started: started,
		runDone: make(chan struct{}),
	}
}

func (p *Primary) Prepare() bool {
	if err := p.backend.Open(p.reqs); err != nil {
		p.log.WithError(err).Error("opening primary counter backend")

		return false
	}

	return true
}

func (p *Primary) Start() {
	if err := p.backend.Start(); err != nil {
		p.log.WithError(err).Error("starting primary counter backend")
	}

	p.startedVal.Do(func() {
		if p.started != nil {
			p.started()
		}
	})
}

// Run samples the backend until Interrupt is called. It is the one
// Source method that blocks for the capture's full duration.
func (p *Primary) Run() {
	defer close(p.runDone)
	defer p.done.Store(true)

	for !p.interrupted.Load() {
		samples, err := p.backend.Sample()
		if err != nil {
			p.log.WithError(err).Debug("sampling primary counter backend")

			continue
		}

		if len(samples) == 0 {
			continue
		}

		p.mu.Lock()
		p.samples = append(p.samples, samples...)
		p.mu.Unlock()
	}
}

func (p *Primary) Write(snd sender.Sender) {
	p.mu.Lock()
	samples := p.samples
	p.samples = nil
	p.mu.Unlock()

	if len(samples) == 0 {
		return
	}

	payload, err := json.Marshal(samples)
	if err != nil {
		p.log.WithError(err).Error("marshaling primary counter samples")

		return
	}

	if err := snd.WriteData(payload, sender.ResponseTypeApcData, false); err != nil {
		p.log.WithError(err).Error("writing primary counter samples")
	}
}

func (p *Primary) Interrupt() {
	p.interrupted.Store(true)
}

func (p *Primary) IsDone() bool {
	return p.done.Load()
}

func (p *Primary) Join() {
	<-p.runDone

	if err := p.backend.Close(); err != nil {
		p.log.WithError(err).Debug("closing primary counter backend")
	}
}
