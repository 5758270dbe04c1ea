package mlcounter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/proftrace/capd/internal/export"
)

// ClickHouseConsumer is a CounterConsumer that batches samples and
// periodically flushes them into ClickHouse via the shared
// export.ClickHouseWriter.
type ClickHouseConsumer struct {
	log       logrus.FieldLogger
	writer    *export.ClickHouseWriter
	sessionID string

	mu   sync.Mutex
	rows []counterSampleRow

	flushInterval time.Duration
	batchSize     int
}

type counterSampleRow struct {
	SampleTime uint64
	SessionID  string
	CounterKey int32
	Core       uint16
	Value      uint32
	PerJob     uint8
	PreJob     uint8
	ObjectRef  uint64
}

// NewClickHouseConsumer creates a ClickHouseConsumer that flushes
// against the given writer (already started, schema already
// migrated).
func NewClickHouseConsumer(
	log logrus.FieldLogger,
	writer *export.ClickHouseWriter,
	sessionID string,
) *ClickHouseConsumer {
	cfg := writer.Config()

	return &ClickHouseConsumer{
		log:           log.WithField("component", "mlcounter_clickhouse_consumer"),
		writer:        writer,
		sessionID:     sessionID,
		flushInterval: cfg.FlushInterval,
		batchSize:     cfg.BatchSize,
	}
}

// Consume buffers samples and flushes immediately once the buffer
// reaches the configured batch size. A background Run loop (started
// separately) handles the time-based flush.
func (c *ClickHouseConsumer) Consume(samples []Sample) {
	c.mu.Lock()

	for _, s := range samples {
		c.rows = append(c.rows, counterSampleRow{
			SampleTime: s.Timestamp,
			SessionID:  c.sessionID,
			CounterKey: int32(s.Key),
			Core:       uint16(s.Core),
			Value:      s.Value,
			PerJob:     boolToUint8(s.PerJob),
			PreJob:     boolToUint8(s.Pre),
			ObjectRef:  s.ObjectRef,
		})
	}

	shouldFlush := len(c.rows) >= c.batchSize

	c.mu.Unlock()

	if shouldFlush {
		if err := c.Flush(context.Background()); err != nil {
			c.log.WithError(err).Error("flushing counter samples")
		}
	}
}

// Run periodically flushes buffered samples until ctx is canceled.
// Callers start it in its own goroutine alongside the session.
func (c *ClickHouseConsumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.Flush(context.Background()); err != nil {
				c.log.WithError(err).Error("final flush on shutdown")
			}

			return
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				c.log.WithError(err).Error("flushing counter samples")
			}
		}
	}
}

// Flush writes any buffered samples to ClickHouse.
func (c *ClickHouseConsumer) Flush(ctx context.Context) error {
	c.mu.Lock()
	rows := c.rows
	c.rows = nil
	c.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	conn := c.writer.Conn()
	cfg := c.writer.Config()
	table := fmt.Sprintf("%s.%s", cfg.Database, cfg.Table)

	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s (
		sample_time, session_id, counter_key, core, value, per_job, pre_job, object_ref,
		meta_host_name, meta_session_label
	)`, table))
	if err != nil {
		return fmt.Errorf("preparing counter_samples batch: %w", err)
	}

	for _, row := range rows {
		if err := batch.Append(
			row.SampleTime, row.SessionID, row.CounterKey, row.Core, row.Value,
			row.PerJob, row.PreJob, row.ObjectRef,
			cfg.MetaHostName, cfg.MetaSessionLabel,
		); err != nil {
			return fmt.Errorf("appending counter_samples row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending counter_samples batch: %w", err)
	}

	return nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}

	return 0
}
