// Command replayd supervises record/replay sessions. It listens for
// recording and replaying processes, relays recording contents between
// them, watches for hangs, and serves metrics and profiling endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/nexusreplay/config"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/recording"
	"github.com/INLOpen/nexusreplay/server"
	"github.com/INLOpen/nexusreplay/supervisor"
	"github.com/INLOpen/nexusreplay/sys"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const version = "0.1.0"

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider sets up an OTLP/HTTP exporter when tracing is
// enabled, and a no-op provider otherwise.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "endpoint", cfg.Endpoint)
	ctx := context.Background()
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexusreplay")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer provider shutdown failed", "error", err)
		}
	}
	return tp, cleanup, nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	listenAddr := flag.String("listen", "", "override the channel listen address")
	outPath := flag.String("out", "", "write the received recording to this file on shutdown")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replayd: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Channel.Address = *listenAddr
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replayd: %v\n", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	sys.MaybeWaitForDebugger(config.EnvBusyWait, logger)

	if err := run(cfg, logger, *outPath); err != nil {
		logger.Error("replayd failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load(strings.NewReader(""))
	}
	return config.LoadConfig(path)
}

func run(cfg *config.Config, logger *slog.Logger, outPath string) error {
	_, traceCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer traceCleanup()

	sup, err := supervisor.New(supervisor.Options{
		ListenAddress:  cfg.Channel.Address,
		BuildID:        core.BuildID(version),
		PingInterval:   config.ParseDuration(cfg.Supervisor.PingInterval, 2*time.Second, logger),
		MaxMissedPings: cfg.Supervisor.MaxMissedPings,
		CrashGrace:     config.ParseDuration(cfg.Supervisor.CrashGrace, 5*time.Second, logger),
		Logger:         logger,
		OnChildFatal: func(child uuid.UUID, err error) {
			logger.Error("session ending", "child", child, "reason", core.UserFacingReason(err))
		},
	})
	if err != nil {
		return err
	}
	logger.Info("supervisor listening", "address", cfg.Channel.Address, "build", core.BuildID(version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	var metrics *server.MetricsServer
	var collector *server.SystemCollector
	if cfg.Debug.Enabled {
		metrics = server.NewMetricsServer(&cfg.Debug, logger)
		g.Go(metrics.Start)
		collector = server.NewSystemCollector(cfg.Recording.Directory, 5*time.Second, logger)
		collector.Start()
	}

	g.Go(func() error {
		<-gctx.Done()
		if collector != nil {
			collector.Stop()
		}
		if metrics != nil {
			metrics.Stop()
		}
		return sup.Close()
	})

	err = g.Wait()
	if outPath != "" {
		if saveErr := saveRecording(sup, outPath); saveErr != nil {
			logger.Error("saving recording failed", "path", outPath, "error", saveErr)
		} else {
			logger.Info("recording saved", "path", outPath, "bytes", sup.RecordingLength())
		}
	}
	return err
}

// saveRecording wraps the supervisor's raw contents in the recording file
// format.
func saveRecording(sup *supervisor.Supervisor, path string) error {
	contents := sup.RecordingBytesFrom(0)
	if len(contents) == 0 {
		return fmt.Errorf("no recording contents received")
	}
	rec := recording.New(recording.Options{Role: core.RoleReplaying})
	if err := rec.NewContents(0, contents); err != nil {
		return err
	}
	return rec.Save(path)
}
