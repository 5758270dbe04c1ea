// Package session implements one capture session end to end: merging
// counter configuration, exchanging session setup, spawning and
// watching the profiled process, running every configured Source
// through the drain loop, and tearing everything down in the right
// order once the session ends. It is the Go analog of the original
// daemon's per-connection Child: at most one session runs at a time,
// enforced by a process-wide singleton.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/control"
	"github.com/proftrace/capd/internal/drain"
	"github.com/proftrace/capd/internal/exception"
	"github.com/proftrace/capd/internal/export"
	"github.com/proftrace/capd/internal/mlcounter"
	"github.com/proftrace/capd/internal/pid"
	"github.com/proftrace/capd/internal/sender"
	"github.com/proftrace/capd/internal/source"
	"github.com/proftrace/capd/internal/wakeup"
)

// ErrAlreadyActive is returned by Run when another session is already
// active. This should be structurally impossible in normal operation
// since the caller serializes sessions (one accepted connection, or
// one local capture, at a time), so seeing it means something upstream
// is not honoring that invariant.
var ErrAlreadyActive = errors.New("session: an orchestrator is already active")

var singleton atomic.Pointer[Orchestrator]

// namedSource pairs a Source with the label it reports under in
// health metrics and log fields, and is kept in the order the source
// was added so teardown can proceed in reverse.
type namedSource struct {
	name string
	src  source.Source
}

// RunOptions bundles every collaborator one session needs. Fields left
// nil or zero fall back to a reasonable default where one exists.
type RunOptions struct {
	Log    logrus.FieldLogger
	Cfg    *Config
	Conn   net.Conn // nil selects local capture; Cfg.LocalCapture must agree
	Global *mlcounter.GlobalRegistry

	Registry         DriverRegistry
	DefaultsProvider CounterDefaultsProvider
	XMLExchanger     SessionXMLExchanger

	ExplicitCounters []source.CounterRequest
	SPEConfigs       []SPEConfig

	NewMLConsumer  func() mlcounter.CounterConsumer
	PolledCounters []source.PolledCounter

	Health *export.HealthMetrics
}

// Orchestrator drives one capture session. Construct it only through
// Run.
type Orchestrator struct {
	log    logrus.FieldLogger
	cfg    *Config
	conn   net.Conn
	live   bool
	global *mlcounter.GlobalRegistry
	health *export.HealthMetrics

	registry         DriverRegistry
	defaultsProvider CounterDefaultsProvider
	xmlExchanger     SessionXMLExchanger
	newMLConsumer    func() mlcounter.CounterConsumer

	exceptionHandler *exception.Handler

	mu     sync.Mutex
	ended  bool
	reason string

	snd    sender.Sender
	apcDir *APCDir

	primary *source.Primary
	others  []namedSource

	capturedSPEs []CapturedSPE

	command      *exec.Cmd
	commandStart sync.Once

	waitTillEnd *Waiter

	halt      chan struct{}
	drainLoop *drain.Loop
	drainDone chan struct{}

	bridge     *wakeup.Bridge
	stopBridge func()

	wg sync.WaitGroup
}

// Run constructs an Orchestrator, installs it as the process-wide
// active session, runs the session to completion, and releases the
// singleton before returning.
func Run(ctx context.Context, opts RunOptions) error {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	cfg := opts.Cfg
	if cfg == nil {
		cfg = DefaultConfig()
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewDefaultDriverRegistry()
	}

	xmlExchanger := opts.XMLExchanger
	if xmlExchanger == nil {
		if cfg.LocalCapture {
			xmlExchanger = NewLocalSessionXMLExchanger(cfg.CaptureDir + "/session.xml")
		} else {
			xmlExchanger = NewLiveSessionXMLExchanger()
		}
	}

	o := &Orchestrator{
		log:              log.WithField("component", "session"),
		cfg:              cfg,
		conn:             opts.Conn,
		live:             !cfg.LocalCapture,
		global:           opts.Global,
		health:           opts.Health,
		registry:         registry,
		defaultsProvider: opts.DefaultsProvider,
		xmlExchanger:     xmlExchanger,
		newMLConsumer:    opts.NewMLConsumer,
		waitTillEnd:      NewWaiter(),
	}

	if !singleton.CompareAndSwap(nil, o) {
		return ErrAlreadyActive
	}
	defer singleton.CompareAndSwap(o, nil)

	o.bridge, o.stopBridge = wakeup.New()
	defer o.stopBridge()

	go func() {
		<-o.bridge.Done()

		if singleton.Load() != o {
			// Structurally impossible: the bridge is stopped before the
			// singleton is released, so a signal should never reach
			// here once this Orchestrator is no longer the active one.
			exitNoSingleton()

			return
		}

		o.endSession(fmt.Sprintf("signal(%d)", o.bridge.SignalNumber()))
	}()

	return o.run(ctx, opts)
}

// fatal reports err through the exception handler, which never
// returns: the process exits from within this call. Used for the
// setup failures treated as fatal (the primary source's Prepare call,
// opening the ftrace pipes, any configured source's Prepare call); a
// failure to construct the Sender is returned as an error instead.
func (o *Orchestrator) fatal(err error) {
	o.exceptionHandler.Fatal(err)
}

func (o *Orchestrator) run(ctx context.Context, opts RunOptions) error {
	if o.health != nil {
		o.health.SessionsStarted.Inc()
		o.health.SessionActive.Set(1)
	}

	// Step 1: construct the Sender first, so any later fatal error in
	// this function can still be reported to the client.
	if err := o.setupSender(); err != nil {
		return fmt.Errorf("constructing sender: %w", err)
	}

	o.exceptionHandler = exception.New(o.log, exception.NewSessionCleanup(
		o.log, o.snd, o.localDir(), !o.live, os.RemoveAll,
	))

	// Step 2: merge counter configuration and claim SPE streams.
	merged := o.resolveCounterRequests(opts.ExplicitCounters)
	o.capturedSPEs = assignSPEs(o.log, o.registry.SPEDrivers(), o.cfg.SpeSampleRate, opts.SPEConfigs)

	// Step 3: exchange session setup XML.
	if _, err := o.xmlExchanger.Exchange(); err != nil {
		o.log.WithError(err).Warn("session XML exchange failed, proceeding on configuration alone")
	}

	// Step 4: write events.xml for local captures.
	if o.apcDir != nil {
		if err := o.apcDir.WriteEventsXML(eventsXMLPlaceholder(merged)); err != nil {
			o.log.WithError(err).Warn("writing events.xml")
		}
	}

	// Step 5: build the capture command suspended; it is released by
	// the primary source's started callback.
	var watchPIDs []uint32

	if len(o.cfg.AppCommand) > 0 {
		//nolint:gosec // the app command is operator-supplied configuration, not external input
		o.command = exec.CommandContext(ctx, o.cfg.AppCommand[0], o.cfg.AppCommand[1:]...)
		o.command.Stdout = os.Stdout
		o.command.Stderr = os.Stderr
	}

	// Step 6: spawn the stop thread early, so a client STOP or a
	// signal can end the session even before sources are running.
	o.spawnStopThread()

	// Step 7: poll for wait-for-process PIDs.
	if o.cfg.WaitForProcessCommand != "" {
		if found, ok := o.pollForProcess(ctx); ok {
			watchPIDs = append(watchPIDs, found...)
		}
	}

	if len(o.cfg.PID.ProcessNames) > 0 || o.cfg.PID.CgroupPath != "" {
		discovered, err := pid.NewDiscovery(o.log, o.cfg.PID).Discover(ctx)
		if err != nil {
			o.log.WithError(err).Warn("PID discovery failed")
		}

		watchPIDs = append(watchPIDs, discovered...)
	}

	// Step 8: create the primary source under the state mutex, and
	// abort to shutdown if the session already ended during setup.
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()

		return o.shutdown()
	}

	startedCB := o.makeStartedCallback()
	o.primary = source.NewPrimary(o.log, o.registry.PrimaryBackend(), merged, startedCB)
	o.mu.Unlock()

	if !o.primary.Prepare() {
		o.fatal(errors.New("primary source failed to prepare"))

		return nil
	}

	o.primary.Start()

	// Step 9: prepare and start every configured auxiliary source.
	// Any prepare failure is fatal.
	o.startConfiguredSources(opts)

	// Step 10: gate the drain loop's first pass on the session's
	// one-shot mode.
	o.halt = make(chan struct{}, 2)
	if !o.cfg.OneShot {
		o.halt <- struct{}{}
		o.halt <- struct{}{}
	}

	// Step 11: spawn the duration timer and pid-watch loop. The capture
	// command, if it started, was released by primary.Start above.
	if o.command != nil && o.command.Process != nil {
		watchPIDs = append(watchPIDs, uint32(o.command.Process.Pid))
	}

	if o.cfg.Duration > 0 {
		o.wg.Add(1)

		go o.durationThread()
	}

	if o.cfg.StopOnExit && len(watchPIDs) > 0 {
		o.wg.Add(1)

		go o.watchPIDsThread(watchPIDs)
	}

	// Step 12: spawn the drain/sender goroutine.
	o.drainLoop = drain.NewLoop(o.log, o.snd, o.primary, o.sourceList(), o.halt, o.live)
	o.drainDone = make(chan struct{})

	go func() {
		defer close(o.drainDone)

		o.drainLoop.Run()
	}()

	// Step 13: run the primary source on this goroutine. It blocks
	// until the session ends.
	o.primary.Run()

	return o.shutdown()
}

func (o *Orchestrator) setupSender() error {
	if o.live {
		if o.conn == nil {
			return errors.New("live session requires a connection")
		}

		o.snd = sender.NewSocketSender(o.log, o.conn)

		return nil
	}

	dir, err := NewAPCDir(o.cfg.CaptureDir)
	if err != nil {
		return err
	}

	o.apcDir = dir

	snd, err := sender.CreateDataFile(o.log, dir.Path())
	if err != nil {
		return err
	}

	o.snd = snd

	return nil
}

func (o *Orchestrator) localDir() string {
	if o.apcDir == nil {
		return ""
	}

	return o.apcDir.Path()
}

func (o *Orchestrator) resolveCounterRequests(explicit []source.CounterRequest) []source.CounterRequest {
	if o.defaultsProvider == nil {
		return explicit
	}

	defaults, isDefault, err := o.defaultsProvider.DefaultCounterRequests()
	if err != nil {
		o.log.WithError(err).Warn("reading default counter configuration, proceeding with explicit counters only")

		return explicit
	}

	if isDefault {
		o.log.Debug("no external counter configuration found, using built-in defaults")
	}

	return mergeCounterRequests(explicit, defaults)
}

// makeStartedCallback returns the callback handed to the primary
// source. It releases the suspended capture command exactly once, the
// way the original daemon's startedCallback lambda does.
func (o *Orchestrator) makeStartedCallback() func() {
	return func() {
		o.commandStart.Do(func() {
			if o.command == nil {
				return
			}

			if err := o.command.Start(); err != nil {
				o.log.WithError(err).Error("starting capture command")

				return
			}

			o.wg.Add(1)

			go o.waitCommandThread()
		})
	}
}

func (o *Orchestrator) waitCommandThread() {
	defer o.wg.Done()

	err := o.command.Wait()
	if err != nil {
		o.log.WithError(err).Debug("capture command exited")
	}

	if o.cfg.StopOnExit {
		o.endSession("command_exit")
	}
}

// spawnStopThread starts the goroutine that ends the session in
// response to a client STOP over the control channel, or any error
// reading from it (a disconnect counts as a stop request).
func (o *Orchestrator) spawnStopThread() {
	if !o.live {
		return
	}

	ch := control.New(o.log, o.conn, o.snd)

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		for {
			stop, err := ch.ReadCommand()
			if err != nil {
				o.endSession("control_closed")

				return
			}

			if stop {
				o.endSession("stop_command")

				return
			}
		}
	}()
}

// pollForProcess blocks until a process named Cfg.WaitForProcessCommand
// appears, the session ends, or ctx is canceled.
func (o *Orchestrator) pollForProcess(ctx context.Context) ([]uint32, bool) {
	disc := pid.NewDiscovery(o.log, pid.Config{ProcessNames: []string{o.cfg.WaitForProcessCommand}})

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		found, err := disc.Discover(ctx)
		if err == nil && len(found) > 0 {
			return found, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-o.bridge.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) durationThread() {
	defer o.wg.Done()

	if o.waitTillEnd.WaitFor(o.cfg.Duration) {
		o.endSession("duration")
	}
}

func (o *Orchestrator) watchPIDsThread(watch []uint32) {
	defer o.wg.Done()

	for {
		if o.waitTillEnd.WaitFor(time.Second) {
			if allExited(watch) {
				o.endSession("watched_process_exit")

				return
			}

			continue
		}

		// Woken early: the session is already ending for another
		// reason.
		return
	}
}

func allExited(pids []uint32) bool {
	for _, p := range pids {
		if pidAlive(p) {
			return false
		}
	}

	return true
}

func pidAlive(p uint32) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", p))

	return err == nil
}

// startConfiguredSources prepares and starts every source enabled by
// configuration, in the order the original child process brings up
// ftrace before the hardware-counter-adjacent sources.
func (o *Orchestrator) startConfiguredSources(opts RunOptions) {
	if o.cfg.EnableFtrace {
		reader, err := source.NewTracePipeReader()
		if err != nil {
			o.log.WithError(err).Error("opening ftrace pipes")
			o.fatal(fmt.Errorf("ftrace source failed to prepare: %w", err))

			return
		}

		ext := source.NewExternalSource(o.log, reader)

		if !o.prepareAndStart("ftrace", ext) {
			o.fatal(errors.New("ftrace source failed to prepare"))

			return
		}
	}

	if o.cfg.GPUCounterDir != "" {
		gpu := source.NewGPU(o.log, o.cfg.GPUCounterDir, o.cfg.GPUPollInterval)

		if !o.prepareAndStart("gpu", gpu) {
			o.fatal(errors.New("gpu source failed to prepare"))

			return
		}
	}

	if polled := source.NewPolled(o.log, opts.PolledCounters, o.cfg.PolledInterval); polled != nil {
		if !o.prepareAndStart("polled", polled) {
			o.fatal(errors.New("polled source failed to prepare"))

			return
		}
	}

	if o.cfg.MLRuntimeAddr != "" && o.global != nil && o.newMLConsumer != nil {
		mlr := source.NewMLRuntime(o.log, o.cfg.MLRuntimeAddr, o.global, o.newMLConsumer)

		if !o.prepareAndStart("mlruntime", mlr) {
			o.fatal(errors.New("mlruntime source failed to prepare"))

			return
		}
	}
}

// prepareAndStart prepares and starts src, registering it under name
// for draining and teardown. If the session has already ended by the
// time src starts, it is interrupted immediately and still appended,
// so teardown joins it, matching Child::prepareAndStart's ended check under the state mutex.
func (o *Orchestrator) prepareAndStart(name string, src source.Source) bool {
	if !src.Prepare() {
		if o.health != nil {
			o.health.SourcesFailed.WithLabelValues(name, "prepare").Inc()
		}

		return false
	}

	src.Start()

	if o.health != nil {
		o.health.SourcesPrepared.WithLabelValues(name).Set(1)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ended {
		src.Interrupt()
	}

	o.others = append(o.others, namedSource{name: name, src: src})

	return true
}

func (o *Orchestrator) sourceList() []source.Source {
	list := make([]source.Source, 0, len(o.others))
	for _, ns := range o.others {
		list = append(list, ns.src)
	}

	return list
}

// endSession is the public trigger used by every termination path
// other than the primary source finishing on its own: signals, a
// client STOP, duration expiry, a watched process exiting, and the
// capture command exiting under stop-on-exit.
func (o *Orchestrator) endSession(reason string) {
	o.doEndSession(reason)
}

// doEndSession marks the session ended exactly once, interrupts every
// source, wakes the duration and pid-watch waiters, and releases the
// drain loop's halt gate.
func (o *Orchestrator) doEndSession(reason string) {
	o.mu.Lock()

	if o.ended {
		o.mu.Unlock()

		return
	}

	o.ended = true
	o.reason = reason

	if o.command != nil && o.command.Process != nil && o.command.Cancel != nil {
		_ = o.command.Cancel()
	}

	if o.primary != nil {
		o.primary.Interrupt()
	}

	for _, ns := range o.others {
		ns.src.Interrupt()
	}

	o.mu.Unlock()

	o.waitTillEnd.Disable()

	// Unblock a stop-thread goroutine parked on a blocking read over
	// the control channel: net.Conn has no cancelable read other than
	// a deadline, so force one in the past.
	if o.conn != nil {
		_ = o.conn.SetReadDeadline(time.Unix(0, 0))
	}

	select {
	case o.halt <- struct{}{}:
	default:
	}

	if o.drainLoop != nil {
		o.drainLoop.Wake()
	}

	o.log.WithField("reason", reason).Info("session ended")
}

// shutdown tears down everything in reverse dependency order, once the
// primary source's Run call has returned.
func (o *Orchestrator) shutdown() error {
	if o.primary != nil {
		o.primary.Join()
	}

	if o.drainDone != nil {
		<-o.drainDone
	}

	o.wg.Wait()

	for i := len(o.others) - 1; i >= 0; i-- {
		o.others[i].src.Join()
	}

	if err := o.snd.ShutdownConnection(); err != nil {
		o.log.WithError(err).Warn("shutting down sender")
	}

	if o.apcDir != nil {
		if err := o.apcDir.WriteCapturedXML(capturedXMLPlaceholder(o.capturedSPEs)); err != nil {
			o.log.WithError(err).Warn("writing captured.xml")
		}

		if err := o.apcDir.WriteCountersXML([]byte("<counters/>\n")); err != nil {
			o.log.WithError(err).Warn("writing counters.xml")
		}
	}

	if o.health != nil {
		o.health.SessionsEnded.WithLabelValues(o.reason).Inc()
		o.health.SessionActive.Set(0)
	}

	return nil
}

func eventsXMLPlaceholder(reqs []source.CounterRequest) []byte {
	return []byte(fmt.Sprintf("<events count=\"%d\"/>\n", len(reqs)))
}

func capturedXMLPlaceholder(spes []CapturedSPE) []byte {
	return []byte(fmt.Sprintf("<captured spe_count=\"%d\"/>\n", len(spes)))
}
