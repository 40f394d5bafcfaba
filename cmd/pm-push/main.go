// pm-push forwards process supervisor events, logs, exceptions and status
// snapshots to a monitoring backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrzor/pm-push/internal/aggregator"
	"github.com/mrzor/pm-push/internal/artifact"
	"github.com/mrzor/pm-push/internal/config"
	"github.com/mrzor/pm-push/internal/enricher"
	"github.com/mrzor/pm-push/internal/filter"
	"github.com/mrzor/pm-push/internal/logbuffer"
	"github.com/mrzor/pm-push/internal/logging"
	"github.com/mrzor/pm-push/internal/otel"
	"github.com/mrzor/pm-push/internal/poller"
	"github.com/mrzor/pm-push/internal/router"
	"github.com/mrzor/pm-push/internal/stackparse"
	"github.com/mrzor/pm-push/internal/status"
	"github.com/mrzor/pm-push/internal/supervisor"
	"github.com/mrzor/pm-push/internal/transport"
	"github.com/mrzor/pm-push/internal/transport/stdout"
	"github.com/mrzor/pm-push/internal/transport/traced"
	"github.com/mrzor/pm-push/internal/transport/websocket"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Handshake headers identifying the agent to the backend.
const (
	headerPublicKey   = "X-PM-Push-Public-Key"
	headerMachineName = "X-PM-Push-Machine"
)

var errBusClosed = errors.New("supervisor bus closed")

type flags struct {
	configPath    string
	endpoint      string
	sink          string
	logLevel      string
	verbose       bool
	broadcastLogs bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "pm-push",
		Short:        "Forward process supervisor telemetry to a monitoring backend",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&f.endpoint, "endpoint", "", "backend websocket endpoint")
	fs.StringVar(&f.sink, "sink", "", "outbound sink: websocket or stdout")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
	fs.BoolVar(&f.broadcastLogs, "broadcast-logs", false, "forward process log lines")

	return cmd
}

// loadConfig layers flags that were explicitly set over file and env.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	fs := cmd.Flags()
	if fs.Changed("endpoint") {
		cfg.Endpoint = f.endpoint
	}
	if fs.Changed("sink") {
		cfg.Sink = f.sink
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("broadcast-logs") {
		cfg.BroadcastLogs = f.broadcastLogs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, f flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, f.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rule, err := filter.Compile(cfg.DropExpr)
	if err != nil {
		return err
	}

	sink, closeSink, err := setupTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	tracer, cleanupOTEL, err := setupOTEL(logger)
	if err != nil {
		return err
	}
	defer cleanupOTEL()
	if tracer != nil {
		sink = traced.New(sink, tracer)
	}

	conn, err := supervisor.DialBus(ctx, cfg.BusSocket)
	if err != nil {
		return err
	}

	buffer := logbuffer.New(cfg.LogsBuffer)
	uploader := artifact.New(sink, cfg.MachineName, cfg.PublicKey, logger)
	agg := aggregator.New(sink, cfg.MachineName, logger,
		aggregator.WithInterval(cfg.AggregationInterval))

	deps := router.Deps{
		Logs:       buffer,
		Enricher:   enricher.New(buffer, stackparse.New(cfg.ContextOnError)),
		Uploader:   uploader,
		Aggregator: agg,
		Transport:  sink,
	}
	if rule != nil {
		deps.Filter = rule
		logger.Info("drop filter enabled", zap.String("expr", rule.String()))
	}
	rt := router.New(router.Config{
		MachineName: cfg.MachineName,
		ForwardLogs: cfg.BroadcastLogs,
	}, deps, logger)

	poll := poller.New(poller.Config{
		Interval:    cfg.StatusInterval,
		MachineName: cfg.MachineName,
		InternalIP:  cfg.InternalIP,
		Protected:   cfg.PasswordProtected,
	}, supervisor.NewMonitorClient(cfg.MonitorURL, 0), status.NewSummarizer(version), sink, logger)

	logger.Info("pm-push started",
		zap.String("version", version),
		zap.String("machine", cfg.MachineName),
		zap.String("sink", cfg.Sink),
		zap.String("bus", cfg.BusSocket))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := supervisor.NewStream(conn, rt, logger).Run(gctx); err != nil {
			return err
		}
		return errBusClosed
	})
	g.Go(func() error {
		agg.Start(gctx)
		poll.Start()
		<-gctx.Done()
		poll.Stop()
		agg.Stop()
		return nil
	})

	err = g.Wait()
	uploader.Wait()

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}
	return err
}

// setupTransport builds the configured sink and returns its cleanup function.
func setupTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transport.Transport, func(), error) {
	if cfg.Sink == config.SinkStdout {
		return stdout.New(nil), func() {}, nil
	}

	codec, err := websocket.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	opts := []websocket.Option{
		websocket.WithCodec(codec),
		websocket.WithHeader(headerMachineName, cfg.MachineName),
	}
	if cfg.PublicKey != "" {
		opts = append(opts, websocket.WithHeader(headerPublicKey, cfg.PublicKey))
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ws, err := websocket.Dial(dialCtx, cfg.Endpoint, logger, opts...)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if err := ws.Close(); err != nil {
			logger.Warn("closing transport", zap.Error(err))
		}
	}
	return ws, cleanup, nil
}

// setupOTEL initializes the OTEL provider when an exporter endpoint is set.
// The returned tracer is nil otherwise.
func setupOTEL(logger *zap.Logger) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}
	if !otelCfg.Enabled() {
		return nil, func() {}, nil
	}

	tp, err := otel.InitProvider(otelCfg, version, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Warn("shutting down OTEL provider", zap.Error(err))
		}
	}

	return tp.Tracer("pm-push"), cleanup, nil
}
