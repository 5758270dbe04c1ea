package export

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelmetric "go.opentelemetry.io/otel/metric"
	otelnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// OTLPConfig configures the OTLP metric exporter. Unlike the health
// endpoint's pull-based Prometheus metrics, this pushes counter
// throughput and session lifecycle metrics to a collector on an
// interval, for deployments that centralize telemetry rather than
// scrape each daemon.
type OTLPConfig struct {
	// Enabled turns on the OTLP push pipeline. Off by default: most
	// deployments rely solely on the Prometheus /metrics endpoint.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the gRPC OTLP endpoint (e.g. "otel-collector:4317").
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS for the gRPC connection.
	Insecure bool `yaml:"insecure"`

	// ExportIntervalSeconds controls how often, in seconds,
	// accumulated metrics are pushed. Zero uses the SDK default (60s).
	ExportIntervalSeconds int `yaml:"export_interval_seconds"`
}

// OTLPExporter manages the OTLP metric export pipeline and exposes a
// Meter that session code instruments against.
type OTLPExporter struct {
	log      logrus.FieldLogger
	cfg      OTLPConfig
	provider *sdkmetric.MeterProvider
	exporter sdkmetric.Exporter
	meter    otelmetric.Meter
}

// NewOTLPExporter creates a new OTLP metric exporter.
func NewOTLPExporter(
	log logrus.FieldLogger,
	cfg OTLPConfig,
) *OTLPExporter {
	return &OTLPExporter{
		log: log.WithField("component", "otlp"),
		cfg: cfg,
	}
}

// Start initializes the OTLP exporter and meter provider. A no-op if
// the exporter is disabled, so callers can always call Start/Stop
// unconditionally.
func (e *OTLPExporter) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		return nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(e.cfg.Endpoint),
	}

	if e.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("creating OTLP exporter: %w", err)
	}

	e.exporter = exporter

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("capd"),
		),
	)
	if err != nil {
		return fmt.Errorf("creating OTLP resource: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if e.cfg.ExportIntervalSeconds > 0 {
		readerOpts = append(readerOpts,
			sdkmetric.WithInterval(time.Duration(e.cfg.ExportIntervalSeconds)*time.Second))
	}

	e.provider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
	)

	e.meter = e.provider.Meter("capd/session")

	e.log.WithField("endpoint", e.cfg.Endpoint).
		Info("OTLP exporter started")

	return nil
}

// Meter returns the Meter instruments should be registered against.
// Returns a no-op meter if OTLP export is disabled, so callers never
// need to nil-check before creating instruments.
func (e *OTLPExporter) Meter() otelmetric.Meter {
	if e.meter == nil {
		return otelnoop.NewMeterProvider().Meter("capd/session")
	}

	return e.meter
}

// Stop shuts down the OTLP exporter.
func (e *OTLPExporter) Stop(ctx context.Context) error {
	if e.provider != nil {
		if err := e.provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down OTLP provider: %w", err)
		}
	}

	if e.exporter != nil {
		if err := e.exporter.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down OTLP exporter: %w", err)
		}
	}

	return nil
}
