package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"

	"github.com/ongoingai/airelay/internal/config"
	"github.com/ongoingai/airelay/internal/credentials"
	"github.com/ongoingai/airelay/internal/feed"
	"github.com/ongoingai/airelay/internal/ledger"
	"github.com/ongoingai/airelay/internal/observability"
	"github.com/ongoingai/airelay/internal/parser"
	"github.com/ongoingai/airelay/internal/relay"
	"github.com/ongoingai/airelay/internal/server"
	"github.com/ongoingai/airelay/internal/session"
	"github.com/ongoingai/airelay/internal/upstream"
	"github.com/ongoingai/airelay/internal/version"
)

const (
	ledgerShutdownTimeout = 5 * time.Second
	otelShutdownTimeout   = 5 * time.Second
	storeOpenTimeout      = 10 * time.Second
)

var signalNotifyContext = signal.NotifyContext

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalNotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file (YAML or .toml)")
	return cmd
}

// newLogger writes JSON lines tagged with the request correlation and span ids.
func newLogger(out io.Writer, level slog.Level) *slog.Logger {
	return slog.New(observability.NewContextLogHandler(
		slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}),
	))
}

// runServe blocks until ctx ends or the listener fails, then drains in-flight
// requests and the ledger queue.
func runServe(ctx context.Context, configPath string, logOut io.Writer) error {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		return configError(stage, err)
	}
	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := newLogger(logOut, level)
	slog.SetDefault(logger)

	otelRuntime, otelErr := observability.Setup(ctx, cfg.Observability.OTel, version.String(), logger,
		cfg.Providers.Azure.Prefix, cfg.Providers.Bedrock.Prefix)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)

	metrics := observability.NewMetrics()

	// Background workers stop with this context after the listener drains.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var sinks ledger.Fanout
	var diagnostics func() ledger.Diagnostics

	store, err := openLedgerStore(ctx, cfg.Sink)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("failed to close ledger store", "driver", cfg.Sink.Driver, "error", err)
			}
		}()
		writer := newLedgerWriter(logger, store, cfg.Sink, metrics, otelRuntime)
		writer.Start()
		defer shutdownLedgerWriter(logger, writer, ledgerShutdownTimeout)
		metrics.TrackQueue(writer.Diagnostics)
		diagnostics = writer.Diagnostics
		sinks = append(sinks, writer)
	}

	var hub *feed.Hub
	if cfg.Feed.Enabled {
		hub = feed.NewHub(feed.Options{
			ClientBuffer: cfg.Feed.ClientBuffer,
			Logger:       logger,
			OnClients:    metrics.FeedClients,
			OnDrop:       metrics.FeedClientDropped,
		})
		hubDone := make(chan struct{})
		go func() {
			defer close(hubDone)
			hub.Run(workerCtx)
		}()
		defer func() {
			stopWorkers()
			<-hubDone
		}()
		sinks = append(sinks, hub)
	}

	var awsCredentials aws.CredentialsProvider
	if bedrockConfigured(cfg) {
		cache, err := newCredentialCache(ctx, logger, cfg.Providers.Bedrock, metrics)
		if err != nil {
			return err
		}
		go cache.Run(workerCtx)
		awsCredentials = cache
	}

	resolver, err := upstream.NewResolver(upstream.Endpoints{
		AzurePrefix:            cfg.Providers.Azure.Prefix,
		AzureEndpoint:          cfg.Providers.Azure.Endpoint,
		AzureAPIVersion:        cfg.Providers.Azure.APIVersion,
		InjectStreamUsage:      cfg.Providers.Azure.InjectStreamUsage,
		BedrockPrefix:          cfg.Providers.Bedrock.Prefix,
		BedrockRegion:          cfg.Providers.Bedrock.Region,
		BedrockRuntimeEndpoint: cfg.Providers.Bedrock.RuntimeEndpoint,
		BedrockAgentEndpoint:   cfg.Providers.Bedrock.AgentEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to configure provider routes: %w", err)
	}

	transport := upstream.NewTransport(upstream.TransportOptions{
		ConnectTimeout:        config.Duration(cfg.Relay.ConnectTimeoutMS),
		ResponseHeaderTimeout: config.Duration(cfg.Relay.ResponseHeaderTimeoutMS),
	})
	dispatcher := upstream.NewDispatcher(upstream.DispatcherOptions{
		Client:      &http.Client{Transport: otelRuntime.WrapHTTPTransport(transport)},
		Credentials: awsCredentials,
		Region:      cfg.Providers.Bedrock.Region,
	})

	var sink ledger.Sink
	if len(sinks) > 0 {
		sink = sinks
	}
	relayHandler, err := session.NewHandler(session.Options{
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Sink:       sink,
		Pipe: relay.PipeOptions{
			ChunkSize:   cfg.Relay.ChunkSize,
			IdleTimeout: config.Duration(cfg.Relay.IdleReadTimeoutMS),
			Async:       cfg.Relay.AccumulateAsync,
			QueueSize:   cfg.Relay.AccumulateQueue,
		},
		Limits: parser.Limits{
			MaxLineBytes:     cfg.Relay.MaxLineBytes,
			MaxEnvelopeBytes: cfg.Relay.MaxEnvelopeBytes,
			MaxDocumentBytes: cfg.Relay.MaxDocumentBytes,
		},
		MaxRequestBytes:    int64(cfg.Relay.MaxRequestBytes),
		MaxTextBytes:       cfg.Relay.MaxTextBytes,
		NonStreamTimeout:   config.Duration(cfg.Relay.NonStreamTimeoutMS),
		CaptureRequestBody: cfg.Sink.CaptureRequestBody,
		BodyMaxSize:        cfg.Sink.BodyMaxSize,
		Logger:             logger,
		Metrics:            metrics,
		Telemetry:          otelRuntime,
	})
	if err != nil {
		return err
	}

	azurePrefix, bedrockPrefix := resolver.Prefixes()
	options := server.Options{
		Relay:     relayHandler,
		Prefixes:  []string{azurePrefix, bedrockPrefix},
		Ledger:    diagnostics,
		StartedAt: time.Now(),
		Logger:    logger,
		Telemetry: otelRuntime,
	}
	if cfg.Observability.Prometheus.Enabled {
		options.Metrics = metrics.Handler()
		options.MetricsPath = cfg.Observability.Prometheus.Path
	}
	if hub != nil {
		options.Feed = hub
		options.FeedPath = cfg.Feed.Path
	}
	httpServer := server.NewHTTPServer(cfg.Server, server.New(options))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", httpServer.Addr,
		"sink_driver", cfg.Sink.Driver,
		"providers", configuredProviderSummaries(cfg),
		"config_path", configPath,
		"otel_enabled", otelRuntime.Enabled(),
		"feed_enabled", cfg.Feed.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeoutMS))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return err
		}
		logger.Info("relay stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("relay failed", "error", err)
			return err
		}
		return nil
	}
}

// openLedgerStore returns nil when the ledger is disabled.
func openLedgerStore(ctx context.Context, cfg config.SinkConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case config.SinkDriverNone:
		return nil, nil
	case config.SinkDriverSQLite, config.SinkDriverPostgres, config.SinkDriverMySQL:
		dsn := cfg.DSN
		if cfg.Driver == config.SinkDriverSQLite {
			dsn = cfg.Path
		}
		store, err := ledger.OpenSQL(cfg.Driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s ledger: %w", cfg.Driver, err)
		}
		return store, nil
	case config.SinkDriverRedis:
		openCtx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
		defer cancel()
		store, err := ledger.OpenRedis(openCtx, ledger.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis ledger: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported sink.driver %q", cfg.Driver)
	}
}

func newLedgerWriter(logger *slog.Logger, store ledger.Store, cfg config.SinkConfig, metrics *observability.Metrics, otelRuntime *observability.Runtime) *ledger.Writer {
	return ledger.NewWriter(store, cfg.QueueSize, ledger.Hooks{
		OnReject: func() {
			logger.Warn("ledger queue is full; dropping record", "driver", cfg.Driver)
			metrics.SinkRejected()
			otelRuntime.RecordSinkRejected()
		},
		OnFlush: func(records int, elapsed time.Duration) {
			logger.Debug("ledger batch written", "records", records, "elapsed_ms", elapsed.Milliseconds())
		},
		OnFailure: func(failure ledger.WriteFailure) {
			logger.Error(
				"ledger write failed",
				"driver", cfg.Driver,
				"operation", failure.Operation,
				"records", failure.Records,
				"failed", failure.Failed,
				"error_class", failure.Class,
				"error", failure.Err,
			)
			metrics.SinkWriteFailed(failure.Operation, failure.Class, failure.Failed)
			otelRuntime.RecordSinkWriteFailure(failure.Operation, failure.Class, failure.Failed)
		},
	})
}

func newCredentialCache(ctx context.Context, logger *slog.Logger, cfg config.BedrockConfig, metrics *observability.Metrics) (*credentials.Cache, error) {
	source, err := credentials.NewSource(ctx, credentials.SourceOptions{
		Region:       cfg.Region,
		RoleARN:      cfg.RoleARN,
		SessionName:  cfg.RoleSessionName,
		RoleDuration: time.Duration(cfg.RoleDurationSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize aws credentials: %w", err)
	}
	return credentials.NewCache(source, credentials.Options{
		RefreshAhead: time.Duration(cfg.RefreshAheadSeconds) * time.Second,
		Logger:       logger,
		OnRefresh:    metrics.CredentialRefresh,
	}), nil
}

func shutdownLedgerWriter(logger *slog.Logger, writer *ledger.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := writer.Shutdown(ctx); err != nil {
		logger.Error("ledger writer shutdown timed out; pending records may be lost", "error", err, "queued", writer.QueueLen())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry", "error", err)
	}
}
