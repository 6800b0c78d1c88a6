// Command sweeper runs the standalone Timeout Sweeper: it periodically
// scans active tasks and transitions ones stuck past their deadline to
// TIMEOUT, independent of the api and worker processes.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blueapplecc-ppp/tts-vocl/internal/config"
	"github.com/blueapplecc-ppp/tts-vocl/internal/dbstore"
	"github.com/blueapplecc-ppp/tts-vocl/internal/logging"
	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/sweeper"
)

func main() {
	logger, err := logging.New(logging.Config{Level: os.Getenv("LOG_LEVEL")})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting sweeper service")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := dbstore.New(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	store := dbstore.NewSQLStore(db.DB)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 5*time.Second)
	mon := monitor.Select(startupCtx, redisClient, cfg.Redis.Namespace, time.Duration(cfg.Engine.TerminalRetentionSeconds)*time.Second)
	cancelStartup()

	// A sweeper backed by the in-memory Monitor only sees tasks started
	// in this same process, so it is only useful paired with Redis; log
	// it rather than refusing to start, since a single-process all-in-one
	// deployment is still a valid way to run this.
	if _, ok := mon.(*monitor.RedisMonitor); !ok {
		logger.Warn("monitor backend is in-memory; this sweeper will not see tasks started by other processes")
	}

	sw := sweeper.New(sweeper.DefaultConfig(), mon, store, redisClient, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sw.Run(ctx); err != nil {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	logger.Info("sweeper running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down sweeper")
	cancel()

	time.Sleep(1 * time.Second)
	logger.Info("sweeper service exited")
}
