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
	"syscall"
	"time"

	"dwoj/internal/common/cache"
	"dwoj/internal/common/db"
	commonmw "dwoj/internal/common/http/middleware"
	"dwoj/internal/common/mq"
	"dwoj/internal/common/storage"
	"dwoj/internal/judge/controller"
	"dwoj/internal/judge/hook"
	"dwoj/internal/judge/repository"
	"dwoj/internal/judge/runner"
	"dwoj/internal/judge/service"
	"dwoj/internal/judge/testcase"
	"dwoj/pkg/utils/logger"
	"dwoj/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/judge_service.yaml"
	defaultEnvPath    = ".env"
	healthTimeout     = 2 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	envPath := flag.String("env", defaultEnvPath, "Optional .env file loaded before the config")
	flag.Parse()

	if err := loadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "judge service exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	sqlDB, err := db.Open(ctx, appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer func() {
		_ = sqlDB.Close()
	}()
	if appCfg.Database.AutoMigrate {
		if err := db.ExecAll(ctx, sqlDB, repository.Schema(appCfg.Database.Driver)); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	var store repository.SubmissionStore = repository.NewSQLSubmissionStore(sqlDB)
	var lock repository.SubmissionLock = repository.NewLocalLock()
	var redisCache *cache.RedisCache
	if appCfg.Redis.Addr != "" {
		redisCache, err = cache.NewRedisCacheWithConfig(&appCfg.Redis.RedisConfig)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		store = repository.NewCachedSubmissionStore(store, redisCache, appCfg.Redis.StatusTTL)
		lock = repository.NewJudgeLock(redisCache, appCfg.Redis.LockTTL)
	} else {
		logger.Warn(ctx, "redis not configured, judge lock is local to this process")
	}

	var source testcase.Source
	var dataPublisher testcase.Publisher
	if appCfg.MinIO.Enabled() {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio: %w", err)
		}
		remote, err := testcase.NewRemoteSource(objStorage, testcase.RemoteConfig{
			Bucket:   appCfg.MinIO.Bucket,
			Prefix:   appCfg.MinIO.Prefix,
			Timeout:  appCfg.Judge.FetchTimeout,
			MaxBytes: appCfg.Judge.MaxExtractBytes,
		})
		if err != nil {
			return fmt.Errorf("init data-pack source: %w", err)
		}
		source, dataPublisher = remote, remote
	}
	loader := testcase.NewLoader(appCfg.Judge.ProblemDir, source)
	importer := testcase.NewImporter(loader, testcase.ImporterConfig{
		MaxArchiveBytes: appCfg.Judge.MaxUploadBytes,
		MaxExtractBytes: appCfg.Judge.MaxExtractBytes,
	}, dataPublisher)

	languages, err := runner.NewLanguages(appCfg.Languages)
	if err != nil {
		return fmt.Errorf("init languages: %w", err)
	}
	procRunner, err := runner.NewProcessRunner(runner.Config{
		TempDir:        appCfg.Judge.TempDir,
		Timeout:        appCfg.Judge.Timeout,
		MaxOutputBytes: appCfg.Judge.MaxOutputBytes,
	}, languages)
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	verdictCounter := hook.NewVerdictCounter()
	if err := registry.Register(verdictCounter); err != nil {
		return fmt.Errorf("register hook metrics: %w", err)
	}
	hooks := hook.NewRegistry()
	if err := hook.RegisterBuiltins(hooks, verdictCounter, appCfg.Hooks.Enabled); err != nil {
		return fmt.Errorf("register hooks: %w", err)
	}

	var mqClient *mq.KafkaQueue
	var statusPublisher repository.StatusEventPublisher
	if appCfg.Kafka.Enabled() {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.KafkaConfig)
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		defer func() {
			_ = mqClient.Close()
		}()
		statusPublisher = repository.NewMQStatusEventPublisher(mqClient, appCfg.Kafka.FinalTopic)
	}

	acceptance, _ := testcase.ParseAcceptancePolicy(appCfg.Judge.Acceptance)
	judgeSvc, err := service.NewService(service.Config{
		Store:          store,
		Runner:         procRunner,
		Loader:         loader,
		Languages:      languages,
		Hooks:          hooks,
		Lock:           lock,
		Publisher:      statusPublisher,
		Acceptance:     acceptance,
		Metrics:        metrics,
		PersistTimeout: appCfg.Judge.PersistTimeout,
	})
	if err != nil {
		return fmt.Errorf("init judge service: %w", err)
	}
	pool := service.NewPool(judgeSvc, service.PoolConfig{
		Workers:   appCfg.Judge.Workers,
		QueueSize: appCfg.Judge.QueueSize,
	}, metrics)
	logger.Info(ctx, "judge pool started",
		zap.Int("workers", pool.Workers()),
		zap.Int("queue_size", appCfg.Judge.QueueSize),
		zap.String("acceptance", string(acceptance)),
		zap.Strings("languages", languages.IDs()))

	if mqClient != nil {
		retry := service.NewPoolRetry(mqClient, service.PoolRetryConfig{
			Topic:           appCfg.Kafka.IntakeTopic,
			DeadLetterTopic: appCfg.Kafka.DeadLetter,
			MaxRetries:      appCfg.Kafka.PoolRetryMax,
			BaseDelay:       appCfg.Kafka.PoolRetryBase,
			MaxDelay:        appCfg.Kafka.PoolRetryMaxD,
		})
		consumer := service.NewConsumer(pool, retry)
		err = mqClient.SubscribeWithOptions(ctx, appCfg.Kafka.IntakeTopic, consumer.HandleMessage, &mq.SubscribeOptions{
			ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
			Concurrency:     appCfg.Kafka.Concurrency,
			MaxRetries:      appCfg.Kafka.MaxRetries,
			RetryDelay:      appCfg.Kafka.RetryDelay,
			DeadLetterTopic: appCfg.Kafka.DeadLetter,
			MessageTTL:      appCfg.Kafka.MessageTTL,
		})
		if err != nil {
			return fmt.Errorf("subscribe kafka: %w", err)
		}
		if err := mqClient.Start(); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
		logger.Info(ctx, "kafka intake started", zap.String("topic", appCfg.Kafka.IntakeTopic))
	}

	judgeController := controller.NewJudgeController(store, pool, importer)
	httpServer := buildHTTPServer(appCfg.Server, judgeController, registry, healthCheck(sqlDB, redisCache))
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	drainCtx, cancel := context.WithTimeout(ctx, appCfg.Server.ShutdownTimeout)
	defer cancel()
	if mqClient != nil {
		_ = mqClient.Stop()
	}
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if err := pool.Stop(drainCtx); err != nil {
		logger.Warn(ctx, "judge pool stopped before queue drained", zap.Error(err))
	}
	return nil
}

func buildHTTPServer(cfg ServerConfig, judgeController *controller.JudgeController, registry *prometheus.Registry, health gin.HandlerFunc) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLog())

	judgeController.RegisterRoutes(router)
	router.GET("/healthz", health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func healthCheck(sqlDB *sqlx.DB, redisCache *cache.RedisCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		checks := gin.H{"database": "ok"}
		healthy := true
		if err := sqlDB.PingContext(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if redisCache != nil {
			checks["redis"] = "ok"
			if err := redisCache.Ping(ctx); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			}
		}
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, checks)
			return
		}
		response.Success(c, checks)
	}
}
