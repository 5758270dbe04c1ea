package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for the capture daemon's
// health: source lifecycle, drain throughput, and export status.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Session lifecycle.
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec // reason
	SessionActive   prometheus.Gauge

	// Source layer.
	SourcesPrepared *prometheus.GaugeVec   // source
	SourcesFailed   *prometheus.CounterVec // source, stage
	SourceSamples   *prometheus.CounterVec // source

	// Drain loop.
	DrainWriteDuration  prometheus.Histogram
	DrainTimeouts       prometheus.Counter
	SenderWriteErrors   prometheus.Counter
	SenderFramesWritten prometheus.Counter
	SenderBytesWritten  prometheus.Counter

	// Control channel.
	ControlCommandsReceived *prometheus.CounterVec // command
	ControlErrors           prometheus.Counter

	// ML-runtime counter reconciliation.
	MLRuntimeSessionsActive prometheus.Gauge
	MLRuntimeSamplesDropped prometheus.Counter
	MLRuntimeExportErrors   *prometheus.CounterVec // consumer

	// Fatal path.
	ExceptionsHandled prometheus.Counter

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(log logrus.FieldLogger, cfg HealthConfig) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capd",
			Name:      "sessions_started_total",
			Help:      "Total capture sessions started.",
		}),
		SessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capd",
				Name:      "sessions_ended_total",
				Help:      "Total capture sessions ended, by reason.",
			},
			[]string{"reason"},
		),
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capd",
			Name:      "session_active",
			Help:      "Whether a capture session is currently active (1=yes, 0=no).",
		}),

		SourcesPrepared: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "capd",
				Name:      "sources_prepared",
				Help:      "Whether each source successfully prepared (1=yes, 0=no), by source.",
			},
			[]string{"source"},
		),
		SourcesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capd",
				Name:      "sources_failed_total",
				Help:      "Total source setup failures, by source and stage.",
			},
			[]string{"source", "stage"},
		),
		SourceSamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capd",
				Name:      "source_samples_total",
				Help:      "Total samples drained from each source.",
			},
			[]string{"source"},
		),

		DrainWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capd",
			Name:      "drain_write_duration_seconds",
			Help:      "Duration of one drain-loop write pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		DrainTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capd",
			Name:      "drain_timeouts_total",
			Help:      "Total drain-loop wake-up timeouts.",
		}),
		SenderWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capd",
			Name:      "sender_write_errors_total",
			Help:      "Total errors writing frames via the Sender.",
		}),
		SenderFramesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capd",
			Name:      "sender_frames_written_total",
			Help:      "Total frames written via the Sender.",
		}),
		SenderBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capd",
			Name:      "sender_bytes_written_total",
			Help:      "Total payload bytes written via the Sender.",
		}),

		ControlCommandsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capd",
				Name:      "control_commands_received_total",
				Help:      "Total control channel commands received, by command.",
			},
			[]string{"command"},
		),
		ControlErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capd",
			Name:      "control_errors_total",
			Help:      "Total control channel read errors.",
		}),

		MLRuntimeSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capd",
			Name:      "mlruntime_sessions_active",
			Help:      "Number of ML-runtime sessions currently connected.",
		}),
		MLRuntimeSamplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capd",
			Name:      "mlruntime_samples_dropped_total",
			Help:      "Total ML-runtime counter samples dropped (unknown UID or export backpressure).",
		}),
		MLRuntimeExportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capd",
				Name:      "mlruntime_export_errors_total",
				Help:      "Total ML-runtime counter export errors, by consumer.",
			},
			[]string{"consumer"},
		),

		ExceptionsHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capd",
			Name:      "exceptions_handled_total",
			Help:      "Total fatal exceptions handled.",
		}),
	}

	reg.MustRegister(
		h.SessionsStarted,
		h.SessionsEnded,
		h.SessionActive,
		h.SourcesPrepared,
		h.SourcesFailed,
		h.SourceSamples,
		h.DrainWriteDuration,
		h.DrainTimeouts,
		h.SenderWriteErrors,
		h.SenderFramesWritten,
		h.SenderBytesWritten,
		h.ControlCommandsReceived,
		h.ControlErrors,
		h.MLRuntimeSessionsActive,
		h.MLRuntimeSamplesDropped,
		h.MLRuntimeExportErrors,
		h.ExceptionsHandled,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling of the daemon itself,
	// distinct from the counters it captures for its target.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started with
// ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
