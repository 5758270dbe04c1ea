package mlcounter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proftrace/capd/internal/export"
)

func TestNewClickHouseConsumer_PicksUpFlushIntervalAndBatchSizeFromWriterConfig(t *testing.T) {
	writer := export.NewClickHouseWriter(discardLogger(), export.ClickHouseConfig{
		Endpoint: "localhost:9000",
		Database: "capd",
		Table:    "counter_samples",
	})

	consumer := NewClickHouseConsumer(discardLogger(), writer, "session-1")

	require.NotNil(t, consumer)
	assert.Equal(t, writer.Config().BatchSize, consumer.batchSize)
	assert.Equal(t, writer.Config().FlushInterval, consumer.flushInterval)
	assert.Equal(t, "session-1", consumer.sessionID)
}

func TestClickHouseConsumer_ConsumeBuffersUntilBatchSizeWithoutFlushing(t *testing.T) {
	writer := export.NewClickHouseWriter(discardLogger(), export.ClickHouseConfig{
		Endpoint:  "localhost:9000",
		Database:  "capd",
		Table:     "counter_samples",
		BatchSize: 100,
	})

	consumer := NewClickHouseConsumer(discardLogger(), writer, "session-1")

	consumer.Consume([]Sample{
		{Key: 1, Core: 0, Timestamp: 1, Value: 10},
		{Key: 2, Core: 1, Timestamp: 2, Value: 20, PerJob: true, Pre: true, ObjectRef: 7},
	})

	consumer.mu.Lock()
	rows := consumer.rows
	consumer.mu.Unlock()

	require.Len(t, rows, 2)
	assert.Equal(t, int32(1), rows[0].CounterKey)
	assert.Equal(t, uint32(10), rows[0].Value)
	assert.Equal(t, uint8(1), rows[1].PerJob)
	assert.Equal(t, uint8(1), rows[1].PreJob)
	assert.Equal(t, uint64(7), rows[1].ObjectRef)
	assert.Equal(t, "session-1", rows[1].SessionID)
}

func TestBoolToUint8(t *testing.T) {
	assert.Equal(t, uint8(1), boolToUint8(true))
	assert.Equal(t, uint8(0), boolToUint8(false))
}
