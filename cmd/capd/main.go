package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/proftrace/capd/internal/export"
	"github.com/proftrace/capd/internal/migrate"
	"github.com/proftrace/capd/internal/mlcounter"
	"github.com/proftrace/capd/internal/session"
	"github.com/proftrace/capd/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capd",
		Short: "Hardware counter capture daemon",
		Long: `capd drives one profiling capture session at a time: it merges
counter configuration, spawns and watches the profiled process, and
streams captured data to a connected client or a local .apc directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.Flags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)
	cmd.Flags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	if err := cmd.MarkFlagRequired("config"); err != nil {
		fmt.Fprintf(os.Stderr, "error marking flag required: %v\n", err)
		os.Exit(1)
	}

	cmd.AddCommand(versionCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := session.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	// 1. Start health metrics server.
	health := export.NewHealthMetrics(log, cfg.Health)

	if err := health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics server: %w", err)
	}
	defer health.Stop() //nolint:errcheck // best-effort on shutdown

	// 2. Start the optional OTLP push pipeline.
	otlp := export.NewOTLPExporter(log, cfg.OTLP)

	if err := otlp.Start(ctx); err != nil {
		return fmt.Errorf("starting OTLP exporter: %w", err)
	}
	defer otlp.Stop(context.Background()) //nolint:errcheck // best-effort on shutdown

	newMLConsumer, stopMLConsumer, err := buildMLConsumerFactory(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("building ML-runtime counter consumer: %w", err)
	}
	defer stopMLConsumer()

	var global *mlcounter.GlobalRegistry
	if newMLConsumer != nil {
		global = mlcounter.NewGlobalRegistry(nil, mlcounter.CaptureModePeriodic, cfg.SamplePeriodMs)
	}

	log.WithFields(logrus.Fields{
		"local_capture": cfg.LocalCapture,
		"listen_addr":   cfg.ListenAddr,
	}).Info("Starting capd")

	if cfg.LocalCapture {
		return runLocalCapture(ctx, log, cfg, health, global, newMLConsumer)
	}

	return runServer(ctx, log, cfg, health, global, newMLConsumer)
}

// runLocalCapture runs exactly one session writing to a local .apc
// directory, then returns once it ends.
func runLocalCapture(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *session.Config,
	health *export.HealthMetrics,
	global *mlcounter.GlobalRegistry,
	newMLConsumer func() mlcounter.CounterConsumer,
) error {
	err := session.Run(ctx, session.RunOptions{
		Log:           log,
		Cfg:           cfg,
		Global:        global,
		NewMLConsumer: newMLConsumer,
		Health:        health,
	})
	if err != nil {
		return fmt.Errorf("running local capture session: %w", err)
	}

	log.Info("Local capture session complete")

	return nil
}

// runServer listens for live capture connections and runs one session
// per connection, serialized, until ctx is canceled. Only one session
// runs at a time; a connection that arrives while another is still
// tearing down is rejected rather than queued.
func runServer(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *session.Config,
	health *export.HealthMetrics,
	global *mlcounter.GlobalRegistry,
	newMLConsumer func() mlcounter.CounterConsumer,
) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.WithField("addr", ln.Addr().String()).Info("Listening for capture connections")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			log.WithError(err).Warn("accepting capture connection")

			continue
		}

		handleConnection(ctx, log, cfg, health, global, newMLConsumer, conn)
	}
}

func handleConnection(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *session.Config,
	health *export.HealthMetrics,
	global *mlcounter.GlobalRegistry,
	newMLConsumer func() mlcounter.CounterConsumer,
	conn net.Conn,
) {
	connLog := log.WithField("remote_addr", conn.RemoteAddr().String())
	connLog.Info("Accepted capture connection")

	err := session.Run(ctx, session.RunOptions{
		Log:           log,
		Cfg:           cfg,
		Conn:          conn,
		Global:        global,
		NewMLConsumer: newMLConsumer,
		Health:        health,
	})

	switch {
	case err == nil:
		connLog.Info("Capture session complete")
	case errors.Is(err, session.ErrAlreadyActive):
		connLog.Warn("Rejecting capture connection: a session is already active")
		conn.Close()
	default:
		connLog.WithError(err).Error("Capture session ended with an error")
	}
}

// buildMLConsumerFactory selects the ML-runtime counter export backend
// from configuration: ClickHouse takes priority over HTTP when both are
// enabled, since it is the richer of the two sinks. Returns a nil
// factory if neither is configured, which leaves the ML-runtime source
// disabled (session.RunOptions.NewMLConsumer nil).
func buildMLConsumerFactory(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *session.Config,
) (func() mlcounter.CounterConsumer, func(), error) {
	noop := func() {}

	if cfg.MLRuntimeClickHouse.Endpoint != "" {
		writer := export.NewClickHouseWriter(log, cfg.MLRuntimeClickHouse)

		if err := writer.Start(ctx); err != nil {
			return nil, noop, fmt.Errorf("starting ClickHouse writer: %w", err)
		}

		dsn := fmt.Sprintf("clickhouse://%s/%s", cfg.MLRuntimeClickHouse.Endpoint, cfg.MLRuntimeClickHouse.Database)

		if err := migrate.New(log, dsn).Up(ctx); err != nil {
			return nil, noop, fmt.Errorf("applying ClickHouse migrations: %w", err)
		}

		factory := func() mlcounter.CounterConsumer {
			return mlcounter.NewClickHouseConsumer(log, writer, uuid.NewString())
		}

		return factory, func() { writer.Stop() }, nil //nolint:errcheck // best-effort on shutdown
	}

	if cfg.MLRuntimeHTTP.Enabled {
		if err := cfg.MLRuntimeHTTP.Validate(); err != nil {
			return nil, noop, fmt.Errorf("invalid mlruntime_http configuration: %w", err)
		}

		factory := func() mlcounter.CounterConsumer {
			// cfg was validated above, so construction cannot fail for
			// any connection after the first.
			consumer, err := mlcounter.NewHTTPConsumer(log, cfg.MLRuntimeHTTP, uuid.NewString())
			if err != nil {
				log.WithError(err).Error("creating ML-runtime HTTP consumer")

				return nil
			}

			consumer.Start(ctx)

			return consumer
		}

		return factory, noop, nil
	}

	return nil, noop, nil
}
