package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/iamthanushgowdap/APSConnect-sub000/compressors"
	"github.com/iamthanushgowdap/APSConnect-sub000/config"
	"github.com/iamthanushgowdap/APSConnect-sub000/connectivity"
	"github.com/iamthanushgowdap/APSConnect-sub000/engine"
	"github.com/iamthanushgowdap/APSConnect-sub000/hooks"
	"github.com/iamthanushgowdap/APSConnect-sub000/hooks/listeners"
	"github.com/iamthanushgowdap/APSConnect-sub000/remote"
	"github.com/iamthanushgowdap/APSConnect-sub000/server"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
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
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file // The file handle is the closer.
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		// Return a no-op provider and an empty cleanup function.
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	// Create an OTLP exporter (gRPC or HTTP)
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Define the service resource
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("reconciled")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	// Create the TracerProvider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	// Set the global TracerProvider
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		// Create a context with a timeout to prevent shutdown from hanging.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}

	return tp, cleanup, nil
}

// selectCompressor maps the configured queue compression to an implementation.
func selectCompressor(name string, logger *slog.Logger) (compressors.Compressor, error) {
	switch strings.ToLower(name) {
	case "lz4":
		logger.Info("Using LZ4 compression for parked queue payloads.")
		return &compressors.LZ4Compressor{}, nil
	case "zstd":
		logger.Info("Using ZSTD compression for parked queue payloads.")
		return compressors.NewZstdCompressor(), nil
	case "snappy":
		logger.Info("Using Snappy compression for parked queue payloads.")
		return compressors.NewSnappyCompressor(), nil
	case "none", "":
		return &compressors.NoCompressionCompressor{}, nil
	default:
		return nil, fmt.Errorf("invalid queue compression value: %q", name)
	}
}

func main() {
	// Define a command-line flag for the config file path
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	demo := flag.Bool("demo", false, "Run a scripted optimistic-mutation scenario after startup")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// Use a temporary logger for pre-config errors
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Create the logger based on the loaded configuration
	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	// Defer closing the log file if one was opened.
	if logCloser != nil {
		defer logCloser.Close()
	}

	var metricSrv *server.MetricsServer
	if cfg.Debug.Enabled {
		metricSrv = server.NewMetricsServer(&cfg.Debug, logger)
		go func() {
			if err := metricSrv.Start(); err != nil {
				logger.Error("Failed to start metrics server", "error", err)
			}
		}()
	}

	// Initialize the TracerProvider
	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}

	// Optionally host the demo campus API the engine commits against.
	var apiSrv *campusAPIServer
	if cfg.API.Enabled {
		apiSrv = newCampusAPIServer(cfg.API.ListenAddress, cfg.Remote.Collection, logger)
		go func() {
			if err := apiSrv.Start(); err != nil {
				logger.Error("Campus API server failed", "error", err)
			}
		}()
	}

	compressor, err := selectCompressor(cfg.Engine.Queue.Compression, logger)
	if err != nil {
		logger.Error("Failed to select queue compressor", "error", err)
		os.Exit(1)
	}

	requestTimeout := config.ParseDuration(cfg.Remote.RequestTimeout, 10*time.Second, logger)
	ops, err := remote.NewHTTPOperations(remote.HTTPOptions{
		BaseURL:    cfg.Remote.BaseURL,
		Collection: cfg.Remote.Collection,
		Client:     &http.Client{Timeout: requestTimeout},
		Logger:     logger,
	})
	if err != nil {
		logger.Error("Failed to create remote operations", "error", err)
		os.Exit(1)
	}

	// A cheap reachability probe against the collection listing.
	probe := func(ctx context.Context) bool {
		_, err := ops.List(ctx)
		return err == nil
	}

	// Diagnostics listeners: a bounded activity feed and a warning on
	// retry-budget escalations.
	hookManager := hooks.NewHookManager(logger)
	activityLog := listeners.NewActivityLogListener(256)
	activityLog.RegisterAll(hookManager)
	hookManager.Register(hooks.EventOnReplayEscalated, listeners.NewEscalationAlerterListener(logger))

	eng, err := engine.NewEngine(engine.Options{
		Logger:             logger,
		TracerProvider:     tp,
		HookManager:        hookManager,
		Remote:             ops,
		InitialOnline:      cfg.Engine.Connectivity.InitialOnline,
		Probe:              connectivity.ProbeFunc(probe),
		ProbeInterval:      config.ParseDuration(cfg.Engine.Connectivity.ProbeInterval, connectivity.DefaultProbeInterval, logger),
		Debounce:           config.ParseDuration(cfg.Engine.Connectivity.Debounce, connectivity.DefaultDebounce, logger),
		UndoWindow:         config.ParseDuration(cfg.Engine.UndoWindow, 7*time.Second, logger),
		CommitTimeout:      config.ParseDuration(cfg.Engine.CommitTimeout, 30*time.Second, logger),
		MaxAttempts:        cfg.Engine.Queue.MaxAttempts,
		MaxAge:             config.ParseDuration(cfg.Engine.Queue.MaxAge, 24*time.Hour, logger),
		DrainParallelism:   cfg.Engine.Queue.DrainParallelism,
		QueueCompressor:    compressor,
		ParkThresholdBytes: cfg.Engine.Queue.ParkThresholdBytes,
		DedupeCapacity:     cfg.Engine.Queue.DedupeCapacity,
		PositionalRestore:  cfg.Engine.PositionalRestore,
		Metrics:            engine.NewEngineMetrics(true, "engine_"),
	})
	if err != nil {
		logger.Error("Failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}
	logger.Info("Engine running.", "collection_length", len(eng.View()), "online", eng.Online())

	if *demo {
		go runDemoScenario(eng, logger)
	}

	// Graceful shutdown: Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received. Stopping...")

	if err := eng.Close(); err != nil {
		logger.Error("Engine close failed", "error", err)
	}
	tracerCleanup()
	if apiSrv != nil {
		apiSrv.Stop()
	}
	if metricSrv != nil {
		metricSrv.Stop()
	}
	logger.Info("Application exited gracefully.")
}
