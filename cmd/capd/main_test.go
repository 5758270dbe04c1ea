package main

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exporthttp "github.com/proftrace/capd/internal/export/http"
	"github.com/proftrace/capd/internal/session"
)

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestBuildMLConsumerFactory_NeitherConfiguredReturnsNilFactory(t *testing.T) {
	cfg := &session.Config{}

	factory, stop, err := buildMLConsumerFactory(context.Background(), discardLogger(), cfg)
	require.NoError(t, err)
	assert.Nil(t, factory)

	assert.NotPanics(t, stop)
}

func TestBuildMLConsumerFactory_ClickHouseTakesPriorityOverHTTP(t *testing.T) {
	cfg := &session.Config{
		MLRuntimeHTTP: exporthttp.Config{Enabled: true, Address: "http://127.0.0.1:0"},
	}
	cfg.MLRuntimeClickHouse.Endpoint = "127.0.0.1:1"
	cfg.MLRuntimeClickHouse.Database = "capd"

	_, stop, err := buildMLConsumerFactory(context.Background(), discardLogger(), cfg)
	defer stop()

	require.Error(t, err, "an unreachable ClickHouse endpoint should fail fast rather than silently falling back to HTTP")
	assert.Contains(t, err.Error(), "ClickHouse")
}

func TestBuildMLConsumerFactory_HTTPInvalidConfigReturnsError(t *testing.T) {
	cfg := &session.Config{
		MLRuntimeHTTP: exporthttp.Config{Enabled: true, Address: ""},
	}

	factory, stop, err := buildMLConsumerFactory(context.Background(), discardLogger(), cfg)
	defer stop()

	require.Error(t, err)
	assert.Nil(t, factory)
}

func TestBuildMLConsumerFactory_HTTPValidConfigReturnsUsableFactory(t *testing.T) {
	cfg := &session.Config{
		MLRuntimeHTTP: exporthttp.Config{
			Enabled:      true,
			Address:      "http://127.0.0.1:0",
			BatchSize:    10,
			MaxQueueSize: 100,
			Workers:      1,
		},
	}

	factory, stop, err := buildMLConsumerFactory(context.Background(), discardLogger(), cfg)
	defer stop()

	require.NoError(t, err)
	require.NotNil(t, factory)
}

func TestRootCmd_RequiresConfigFlag(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	assert.Error(t, err)
}

func TestRootCmd_VersionSubcommandRuns(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	assert.NoError(t, cmd.Execute())
}
