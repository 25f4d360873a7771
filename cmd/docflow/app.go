package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/c360studio/docflow/config"
	"github.com/c360studio/docflow/processor/orchestrator"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/storage"
	"github.com/c360studio/docflow/storage/redisstore"
)

// App wires the broker connection, the store and the orchestrator handler
// shared by all commands.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsClient     *natsclient.Client
	js             jetstream.JetStream

	// Storage
	redisClient *redis.Client
	store       storage.Store

	queue    *queue.JetStream
	handler  *orchestrator.Handler
	registry *prometheus.Registry
	metrics  *orchestrator.Metrics

	metricsServer *http.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
}

// Start connects to NATS and the store and builds the handler. With host
// set and embedded NATS configured, the App runs the broker itself.
func (a *App) Start(ctx context.Context, host bool) error {
	url := a.cfg.NATS.ClientURL()
	if host && a.cfg.NATS.Embedded && a.cfg.NATS.URL == "" {
		if err := a.startEmbedded(); err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		url = a.embeddedServer.ClientURL()
	}

	if err := a.connectNATS(ctx, url); err != nil {
		return err
	}

	js, err := a.natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	if err := queue.EnsureStreams(ctx, js, a.cfg.Queue); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	if err := a.openStore(ctx); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}

	a.queue = queue.NewJetStream(js, a.cfg.Queue, a.logger)

	if err := a.registry.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register go collector: %w", err)
	}
	a.metrics, err = orchestrator.NewMetrics(a.registry)
	if err != nil {
		return fmt.Errorf("register orchestrator metrics: %w", err)
	}

	a.handler, err = orchestrator.NewHandler(a.store, a.queue,
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithBulkLimit(a.cfg.Orchestrator.BulkLimit),
		orchestrator.WithCacheSize(a.cfg.Orchestrator.CacheSize))
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	a.serveMetrics()
	return nil
}

func (a *App) startEmbedded() error {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      a.cfg.NATS.EmbeddedPort,
		JetStream: true,
		StoreDir:  a.cfg.NATS.StoreDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}

	a.embeddedServer = ns
	a.logger.Info("Embedded NATS server started", "url", ns.ClientURL())
	return nil
}

// connectNATS connects with exponential backoff, giving up after the
// configured number of attempts.
func (a *App) connectNATS(ctx context.Context, url string) error {
	a.logger.Info("Connecting to NATS", "url", url)

	backoff := retry.WithMaxRetries(a.cfg.NATS.ConnectAttempts-1, retry.NewExponential(a.cfg.NATS.ConnectBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		client, err := natsclient.NewClient(url,
			natsclient.WithName("docflow"),
			natsclient.WithMaxReconnects(-1),
			natsclient.WithReconnectWait(time.Second),
			natsclient.WithHealthInterval(30*time.Second),
		)
		if err != nil {
			return fmt.Errorf("create NATS client: %w", err)
		}

		if err := client.Connect(ctx); err != nil {
			a.logger.Warn("NATS connection failed, retrying", "url", url, "error", err)
			return retry.RetryableError(err)
		}

		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.WaitForConnection(connCtx); err != nil {
			client.Close(ctx)
			a.logger.Warn("NATS connection not ready, retrying", "url", url, "error", err)
			return retry.RetryableError(err)
		}

		a.natsClient = client
		return nil
	})
	if err != nil {
		return wrapNATSError(err, url)
	}

	a.logger.Info("Connected to NATS", "url", url)
	return nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start the orchestrator with an embedded broker:
  docflow server

Or set DOCFLOW_NATS_URL to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.BackendRedis:
		rc := a.cfg.Store.Redis
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})

		backoff := retry.WithMaxRetries(a.cfg.NATS.ConnectAttempts-1, retry.NewExponential(a.cfg.NATS.ConnectBackoff))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				a.logger.Warn("Redis not reachable, retrying", "addr", rc.Addr, "error", err)
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			_ = client.Close()
			return &storage.ConnectionError{Backend: "redis", Err: err}
		}

		a.redisClient = client
		a.store = redisstore.New(client, redisstore.WithPrefix(rc.Prefix))
		a.logger.Info("Using Redis store", "addr", rc.Addr, "prefix", rc.Prefix)

	default:
		kv, err := storage.NewKVStore(ctx, a.js, storage.WithBucketPrefix(a.cfg.Store.KV.BucketPrefix))
		if err != nil {
			return err
		}
		a.store = kv
		a.logger.Info("Using JetStream KV store", "bucket_prefix", a.cfg.Store.KV.BucketPrefix)
	}
	return nil
}

func (a *App) serveMetrics() {
	if a.cfg.Metrics.Listen == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "addr", a.cfg.Metrics.Listen, "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", a.cfg.Metrics.Listen)
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}

	if a.handler != nil {
		a.handler.Wait()
	}

	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}

	if a.natsClient != nil {
		a.natsClient.Close(ctx)
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
