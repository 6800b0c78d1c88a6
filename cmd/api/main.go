// Command api runs the HTTP submission/subscription/stats entry point:
// it accepts requests, does idempotency bookkeeping, and hands accepted
// tasks off to the worker process over the queue.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blueapplecc-ppp/tts-vocl/internal/config"
	"github.com/blueapplecc-ppp/tts-vocl/internal/dbstore"
	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/engine"
	"github.com/blueapplecc-ppp/tts-vocl/internal/eventbus"
	"github.com/blueapplecc-ppp/tts-vocl/internal/httpapi"
	"github.com/blueapplecc-ppp/tts-vocl/internal/limiter"
	"github.com/blueapplecc-ppp/tts-vocl/internal/logging"
	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider"
	"github.com/blueapplecc-ppp/tts-vocl/internal/queue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/segment"
	"github.com/blueapplecc-ppp/tts-vocl/internal/storage"
)

func main() {
	logger, err := logging.New(logging.Config{Level: os.Getenv("LOG_LEVEL")})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting api service")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := dbstore.New(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := dbstore.Migrate(db.DB); err != nil {
		logger.Fatal("failed to migrate database schema", zap.Error(err))
	}
	logger.Info("database connected successfully")

	store := dbstore.NewSQLStore(db.DB)

	blob, err := storage.New(cfg)
	if err != nil {
		logger.Fatal("failed to initialize object storage", zap.Error(err))
	}
	logger.Info("object storage initialized successfully", zap.String("backend", cfg.Storage.Backend))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 5*time.Second)
	mon := monitor.Select(startupCtx, redisClient, cfg.Redis.Namespace, time.Duration(cfg.Engine.TerminalRetentionSeconds)*time.Second)
	taskLimiter := limiter.Select(startupCtx, redisClient, cfg.Redis.Namespace+":tasks", cfg.Engine.MaxConcurrentTasks)
	segmentLimiter := limiter.Select(startupCtx, redisClient, cfg.Redis.Namespace+":segments", cfg.Engine.MaxConcurrentSegments)
	cancelStartup()
	logger.Info("monitor and limiter backends selected")

	queueConn, err := queue.NewConnection(cfg.RabbitMQ)
	if err != nil {
		logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}
	defer queueConn.Close()
	logger.Info("rabbitmq connected successfully")

	publisher := queue.NewPublisher(queueConn)

	providerCfg := provider.Config{
		Endpoint:       cfg.Provider.Endpoint,
		AppID:          cfg.Provider.AppID,
		AccessToken:    cfg.Provider.AccessToken,
		ConnectTimeout: time.Duration(cfg.Provider.ConnectTimeoutS) * time.Second,
		IdleTimeout:    time.Duration(cfg.Provider.IdleTimeoutS) * time.Second,
		TotalTimeout:   time.Duration(cfg.Provider.TotalTimeoutS) * time.Second,
	}
	newWorker := func() *segment.Worker {
		return segment.New(providerCfg, segment.Policy{
			RetryDelayBase: time.Duration(cfg.Engine.SegmentRetryDelayBaseS) * time.Second,
			MaxRetries:     cfg.Engine.SegmentMaxRetries,
		}, provider.DialWebsocket)
	}

	eng := engine.New(engine.Config{
		LongTextThreshold:     cfg.Engine.LongTextThreshold,
		SegmentSize:           dialogue.DefaultSegmentSize,
		MaxConcurrentSegments: cfg.Engine.MaxConcurrentSegments,
	}, taskLimiter, segmentLimiter, mon, blob, store, newWorker)

	hub := eventbus.New(mon)

	handler := httpapi.New(eng, mon, store, hub, taskLimiter, publisher, logger)
	router := httpapi.NewRouter(handler, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting http server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
