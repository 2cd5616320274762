package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"schoolcheckin/internal/api"
	"schoolcheckin/internal/backend"
	"schoolcheckin/internal/cache"
	"schoolcheckin/internal/cachemanager"
	"schoolcheckin/internal/config"
	"schoolcheckin/internal/doccache"
	"schoolcheckin/internal/events"
	"schoolcheckin/internal/logging"
	"schoolcheckin/internal/metrics"
	"schoolcheckin/internal/models"
	"schoolcheckin/internal/network"
	"schoolcheckin/internal/queue"
	"schoolcheckin/internal/service"
	"schoolcheckin/internal/store"
	"schoolcheckin/internal/syncmgr"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	st, err := store.Open(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("open store")
		return err
	}
	defer func() { _ = st.Close() }()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	bus := events.NewBus()
	unsubscribe := logActionEvents(bus, &logger)
	defer unsubscribe()

	client := backend.NewClient(cfg.Backend, &logger)
	netProvider := initNetwork(cfg, client, &logger)

	queueOpts := []queue.Option{
		queue.WithEventBus(bus),
		queue.WithConcurrency(cfg.Sync.MaxConcurrency),
		queue.WithActionTimeout(cfg.Sync.Timeouts.Normal),
		queue.WithClientMetadata(models.ClientMetadata{UserAgent: cfg.App.Name + "-agent", AppVersion: cfg.App.Version}),
	}
	if redisClient != nil {
		queueOpts = append(queueOpts, queue.WithDeadLetter(queue.NewRedisDeadLetter(redisClient, cfg.Queue.DeadLetterKey)))
	}
	q := queue.New(st, client, netProvider, cfg.Queue, &logger, queueOpts...)
	sm := syncmgr.New(q, netProvider, cfg.Sync, &logger, syncmgr.WithEventBus(bus))

	cacheMgr := initCache(cfg, st, client, redisClient, &logger)

	svc := service.New(service.Deps{
		Queue:      q,
		Sync:       sm,
		Cache:      cacheMgr,
		Dispatcher: client,
		Network:    netProvider,
		Bus:        bus,
	}, cfg.Queue, &logger, service.WithDirectTimeout(cfg.Backend.RequestTimeout))

	if err := svc.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("start service")
		return err
	}
	defer svc.Stop()

	go store.NewBackupService(st, cfg.Backup, &logger).Start(ctx)

	startMetrics(ctx, cfg, &logger)

	return serve(ctx, api.NewServer(cfg.API, svc, &logger), cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, *logging.Component(baseLogger, "agent-main"), closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := doccache.NewRedisClient(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := doccache.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initNetwork(cfg *config.Config, client *backend.Client, logger *zerolog.Logger) network.Provider {
	if cfg.Network.Mode == "static" {
		logger.Info().Bool("online", cfg.Network.Online).Msg("Using static network conditions")
		return network.NewStaticProvider(network.Conditions{
			Online:        cfg.Network.Online,
			Downlink:      cfg.Network.Downlink,
			RTT:           cfg.Network.RTT,
			EffectiveType: cfg.Network.EffectiveType,
			SaveData:      cfg.Network.SaveData,
		})
	}
	return network.NewProbeProvider(client, cfg.Network.ProbeInterval, cfg.Network.SaveData, logger)
}

// initCache builds the cache manager. Refreshers read through the document cache,
// backed by redis when available and memory otherwise.
func initCache(cfg *config.Config, st *store.Store, client *backend.Client, redisClient *redis.Client, logger *zerolog.Logger) *cachemanager.Manager {
	var docCache doccache.Cache = doccache.NewMemoryCache()
	if redisClient != nil {
		docCache = doccache.NewFailoverCache(doccache.NewRedisCache(redisClient, cfg.App.Name), docCache, logger)
	}
	docs := doccache.NewService(backend.NewDocuments(client), docCache, cfg.Cache.DocumentTTL, logger)

	layer := cache.NewLayer(st, cfg.Cache, logger)
	opts := make([]cachemanager.Option, 0, len(doccache.PartitionCollections))
	for p := range doccache.PartitionCollections {
		opts = append(opts, cachemanager.WithRefresher(p, docs.Refresher()))
	}
	return cachemanager.New(layer, cfg.Cache, logger, opts...)
}

func logActionEvents(bus *events.Bus, logger *zerolog.Logger) func() {
	l := logging.Component(logger, "events")
	handler := func(e *events.Event) error {
		var p events.ActionEventPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		l.Debug().
			Str("event", e.Type).
			Str("action_id", p.ActionID).
			Str("action_type", p.ActionType).
			Str("status", p.Status).
			Int("retry_count", p.RetryCount).
			Msg("Action event")
		return nil
	}
	unsubs := []func(){
		bus.Subscribe(events.EventActionQueued, handler),
		bus.Subscribe(events.EventActionSynced, handler),
		bus.Subscribe(events.EventActionFailed, handler),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

func serve(ctx context.Context, httpServer *api.Server, cfg *config.Config, logger *zerolog.Logger) error {
	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, running sync only")
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()
	logger.Info().Int("http_port", cfg.API.Port).Msg("Agent started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("Agent stopped")
	return nil
}
