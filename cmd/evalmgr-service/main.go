package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ojeval/internal/common/cache"
	"ojeval/internal/common/db"
	commonmw "ojeval/internal/common/http/middleware"
	"ojeval/internal/common/mq"
	"ojeval/internal/common/storage"
	"ojeval/internal/evalmgr/controller"
	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/repository"
	"ojeval/internal/evalmgr/service"
	"ojeval/internal/filetracker"
	"ojeval/internal/sioworkers"
	"ojeval/internal/spliteval"
	"ojeval/internal/suspendjudge"
	"ojeval/internal/zeus"
	"ojeval/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/evalmgr_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()

	database, err := openDatabase(ctx, appCfg.Database)
	if err != nil {
		logger.Error(ctx, "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = database.Close()
	}()
	if err := repository.EnsureSchema(ctx, database); err != nil {
		logger.Error(ctx, "ensure schema failed", zap.Error(err))
		return
	}
	dbProvider := db.NewManager(database)

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(ctx, "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := openStorage(ctx, appCfg.Storage)
	if err != nil {
		logger.Error(ctx, "init storage failed", zap.Error(err))
		return
	}
	files, err := filetracker.NewClient(objStorage, appCfg.Storage.Bucket, appCfg.Storage.PresignTTL)
	if err != nil {
		logger.Error(ctx, "init filetracker failed", zap.Error(err))
		return
	}

	queue, err := openQueue(appCfg.Queue)
	if err != nil {
		logger.Error(ctx, "init queue failed", zap.Error(err))
		return
	}
	defer func() {
		_ = queue.Close()
	}()

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(appCfg.Telemetry.SampleRatio))),
	)
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	codec, err := repository.NewEnvironCodec()
	if err != nil {
		logger.Error(ctx, "init environ codec failed", zap.Error(err))
		return
	}
	topics := appCfg.Queue.dispatchTopics(service.DefaultTopics())
	registry := service.NewRegistry()
	// The in-process queue has no consumer for status events or dead
	// letters, so they would only pile up.
	var publisher repository.StatusEventPublisher
	deadLetterTopic := appCfg.Queue.DeadLetter
	if appCfg.Queue.Driver == "memory" {
		deadLetterTopic = ""
	} else {
		publisher = repository.NewMQStatusEventPublisher(queue, appCfg.Evalmgr.StatusTopic)
	}
	manager, err := service.NewManager(service.Config{
		Database:            dbProvider,
		Jobs:                repository.NewQueuedJobRepository(dbProvider),
		Saved:               repository.NewSavedEnvironRepository(dbProvider, codec),
		Producer:            queue,
		Registry:            registry,
		StatusRepo:          repository.NewStatusRepository(redisCache, appCfg.Evalmgr.StatusTTL),
		Publisher:           publisher,
		Metrics:             service.NewMetrics(promRegistry),
		Tracer:              tracerProvider.Tracer("ojeval/evalmgr"),
		Topics:              topics,
		DefaultPriority:     model.Priority(appCfg.Evalmgr.DefaultPriority),
		StatusTimeout:       appCfg.Evalmgr.StatusTimeout,
		CheckCancelEachStep: appCfg.Evalmgr.CheckCancelEachStep,
	})
	if err != nil {
		logger.Error(ctx, "init evalmgr failed", zap.Error(err))
		return
	}

	backend, err := newWorkersBackend(appCfg.Workers, manager)
	if err != nil {
		logger.Error(ctx, "init workers backend failed", zap.Error(err))
		return
	}
	sioworkers.Register(registry, backend)
	filetracker.Register(registry, files)
	spliteval.Register(registry, manager)

	suspension, err := suspendjudge.NewService(redisCache, manager)
	if err != nil {
		logger.Error(ctx, "init suspendjudge failed", zap.Error(err))
		return
	}
	suspension.Register(registry)

	var signer *zeus.TokenSigner
	if len(appCfg.Zeus.Instances) > 0 {
		signer, err = registerZeus(registry, appCfg, files)
		if err != nil {
			logger.Error(ctx, "init zeus bridge failed", zap.Error(err))
			return
		}
	}
	registry.Freeze()
	logger.Info(ctx, "evalmgr registry frozen", zap.Strings("names", registry.Names()))

	weighted, err := appCfg.Queue.weightedTopics(topics)
	if err != nil {
		logger.Error(ctx, "build weighted topics failed", zap.Error(err))
		return
	}
	subscribeOpts := &mq.SubscribeOptions{
		ConsumerGroup:   appCfg.Queue.ConsumerGroup,
		Concurrency:     appCfg.Queue.Concurrency,
		MaxRetries:      appCfg.Queue.MaxRetries,
		RetryDelay:      appCfg.Queue.RetryDelay,
		DeadLetterTopic: deadLetterTopic,
	}
	limiter := mq.NewTokenLimiter(appCfg.Queue.PoolSize)
	if err := queue.SubscribeWeighted(ctx, weighted, manager.HandleMessage, subscribeOpts, limiter); err != nil {
		logger.Error(ctx, "subscribe dispatch topics failed", zap.Error(err))
		return
	}
	if err := queue.Start(); err != nil {
		logger.Error(ctx, "start queue consumer failed", zap.Error(err))
		return
	}

	routes := httpRoutes{
		jobs:        controller.NewEvalmgrController(manager),
		suspensions: suspendjudge.NewController(suspension),
		metrics:     promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{Registry: promRegistry}),
	}
	if signer != nil {
		routes.zeus = zeus.NewCallbackController(signer, manager)
	}
	server := buildHTTPServer(appCfg, routes)

	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "listen failed", zap.Error(err), zap.String("addr", appCfg.Server.Addr))
		_ = queue.Stop()
		return
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server error", zap.Error(err))
		}
	}()
	logger.Info(ctx, "evalmgr service started",
		zap.String("addr", appCfg.Server.Addr),
		zap.String("database", appCfg.Database.Driver),
		zap.String("queue", appCfg.Queue.Driver),
		zap.String("workers", appCfg.Workers.Backend))

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if err := queue.Stop(); err != nil {
		logger.Error(ctx, "queue consumer stop failed", zap.Error(err))
	}
	logger.Info(ctx, "evalmgr service stopped")
}

func openDatabase(ctx context.Context, cfg DatabaseConfig) (db.Database, error) {
	if cfg.Driver == "sqlite" {
		return db.NewSQLite(ctx, cfg.SQLite)
	}
	return db.NewMySQLWithConfig(&cfg.MySQL)
}

func openStorage(ctx context.Context, cfg StorageConfig) (storage.ObjectStorage, error) {
	if cfg.Driver == "memory" {
		return storage.NewMemoryStorage(), nil
	}
	minioStorage, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		return nil, err
	}
	if err := minioStorage.EnsureBucket(ctx, cfg.Bucket); err != nil {
		return nil, err
	}
	return minioStorage, nil
}

func openQueue(cfg QueueConfig) (mq.MessageQueue, error) {
	if cfg.Driver == "memory" {
		return mq.NewMemoryQueue(), nil
	}
	return mq.NewKafkaQueue(cfg.Kafka)
}

func newWorkersBackend(cfg WorkersConfig, manager *service.Manager) (sioworkers.Backend, error) {
	if cfg.Backend == "sioworkersd" {
		return sioworkers.NewRemoteBackend(cfg.Remote)
	}
	return sioworkers.NewLocalBackend(manager), nil
}

func registerZeus(registry *service.Registry, cfg *AppConfig, files *filetracker.Client) (*zeus.TokenSigner, error) {
	servers := make(map[string]zeus.Sender, len(cfg.Zeus.Instances))
	for id, instance := range cfg.Zeus.Instances {
		client, err := zeus.NewClient(id, instance)
		if err != nil {
			return nil, fmt.Errorf("zeus instance %s: %w", id, err)
		}
		servers[id] = client
	}
	signer, err := zeus.NewTokenSigner(cfg.Zeus.TokenSecret, cfg.Zeus.TokenTTL)
	if err != nil {
		return nil, err
	}
	callbackURL := strings.TrimRight(cfg.Server.PublicURL, "/") + "/api/v1/zeus/callback"
	bridge, err := zeus.NewBridge(servers, files, signer, callbackURL)
	if err != nil {
		return nil, err
	}
	bridge.Register(registry)
	return signer, nil
}

type httpRoutes struct {
	jobs        *controller.EvalmgrController
	suspensions *suspendjudge.Controller
	zeus        *zeus.CallbackController
	metrics     http.Handler
}

func buildHTTPServer(cfg *AppConfig, routes httpRoutes) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.AccessLogMiddleware())

	routes.jobs.RegisterRoutes(router, commonmw.BearerSecretMiddleware(cfg.Workers.SecretHash))
	routes.suspensions.RegisterRoutes(router, commonmw.BearerSecretMiddleware(cfg.Admin.SecretHash))
	if routes.zeus != nil {
		routes.zeus.RegisterRoutes(router)
	}
	router.GET(cfg.Telemetry.MetricsPath, gin.WrapH(routes.metrics))

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
