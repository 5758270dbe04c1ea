package mlcounter

import (
	"context"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	exporthttp "github.com/proftrace/capd/internal/export/http"
)

// SampleJSON is the JSON schema written for each forwarded counter
// sample when exporting over HTTP.
type SampleJSON struct {
	SampleTimeNs     uint64 `json:"sample_time_ns"`
	SessionID        string `json:"session_id"`
	CounterKey       int    `json:"counter_key"`
	Core             int    `json:"core"`
	Value            uint32 `json:"value"`
	PerJob           bool   `json:"per_job,omitempty"`
	Pre              bool   `json:"pre,omitempty"`
	ObjectRef        uint64 `json:"object_ref,omitempty"`
	MetaHostName     string `json:"meta_host_name,omitempty"`
	MetaSessionLabel string `json:"meta_session_label,omitempty"`
}

// HTTPConsumer is a CounterConsumer that batches samples and forwards
// them as NDJSON over HTTP via the shared batch-processor exporter.
type HTTPConsumer struct {
	log              logrus.FieldLogger
	proc             *processor.BatchItemProcessor[SampleJSON]
	sessionID        string
	metaHostName     string
	metaSessionLabel string
}

// NewHTTPConsumer creates an HTTPConsumer. sessionID identifies the
// connected ML-runtime session in every exported row.
func NewHTTPConsumer(
	log logrus.FieldLogger,
	cfg exporthttp.Config,
	sessionID string,
) (*HTTPConsumer, error) {
	proc, err := exporthttp.NewProcessor[SampleJSON](log, cfg, "mlcounter_samples")
	if err != nil {
		return nil, err
	}

	return &HTTPConsumer{
		log:              log.WithField("component", "mlcounter_http_consumer"),
		proc:             proc,
		sessionID:        sessionID,
		metaHostName:     cfg.MetaHostName,
		metaSessionLabel: cfg.MetaSessionLabel,
	}, nil
}

// Start begins the underlying batch processor's background worker.
func (c *HTTPConsumer) Start(ctx context.Context) {
	c.proc.Start(ctx)
}

// Consume queues each sample for batched export. A write failure (a
// full queue) is logged and the batch is dropped; the capture's hot
// path never blocks on the export pipeline.
func (c *HTTPConsumer) Consume(samples []Sample) {
	items := make([]*SampleJSON, 0, len(samples))

	for _, s := range samples {
		items = append(items, &SampleJSON{
			SampleTimeNs:     s.Timestamp,
			SessionID:        c.sessionID,
			CounterKey:       s.Key,
			Core:             s.Core,
			Value:            s.Value,
			PerJob:           s.PerJob,
			Pre:              s.Pre,
			ObjectRef:        s.ObjectRef,
			MetaHostName:     c.metaHostName,
			MetaSessionLabel: c.metaSessionLabel,
		})
	}

	if err := c.proc.Write(context.Background(), items); err != nil {
		c.log.WithError(err).Warn("dropping samples, export queue full")
	}
}

// Shutdown drains and shuts down the underlying batch processor.
func (c *HTTPConsumer) Shutdown(ctx context.Context) error {
	return c.proc.Shutdown(ctx)
}
