// Package sweeper implements the Timeout Sweeper (C8): a periodic scan
// that transitions tasks stuck in PROCESSING past their deadline to
// TIMEOUT, grounded on
// original_source/app/infrastructure/redis_monitor.py:check_timeouts.
package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dbstore"
	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/task"
)

// Config holds the Sweeper's tunables from spec §4.8.
type Config struct {
	ScanInterval time.Duration
	TaskTimeout  time.Duration
}

// DefaultConfig matches spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 30 * time.Second,
		TaskTimeout:  10 * time.Minute,
	}
}

const (
	electionLockKey = "sweeper:election"
	electionTTL     = 45 * time.Second
)

// Sweeper periodically scans the Monitor's active tasks and times out
// anything that has run past cfg.TaskTimeout. When redisClient is
// non-nil, multiple Sweeper processes elect a single leader via a
// renewing Redis lock so only one of them sweeps at a time; with a nil
// client (the in-memory Monitor deployment has no shared Redis) every
// process sweeps on its own, which is safe because TimeoutTask is
// idempotent against an already-terminal task.
type Sweeper struct {
	cfg         Config
	mon         monitor.Monitor
	store       dbstore.Store
	redisClient *redis.Client
	log         *zap.Logger

	electionToken string
}

// New builds a Sweeper. redisClient may be nil. store may be nil, in
// which case timed-out tasks are not recorded for stats purposes.
func New(cfg Config, mon monitor.Monitor, store dbstore.Store, redisClient *redis.Client, log *zap.Logger) *Sweeper {
	return &Sweeper{
		cfg:           cfg,
		mon:           mon,
		store:         store,
		redisClient:   redisClient,
		log:           log,
		electionToken: uuid.NewString(),
	}
}

// Run blocks, scanning on cfg.ScanInterval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.isLeader(ctx) {
				s.sweep(ctx)
			}
		}
	}
}

// isLeader reports whether this process should sweep this tick. With no
// Redis client configured, every process is its own leader.
func (s *Sweeper) isLeader(ctx context.Context) bool {
	if s.redisClient == nil {
		return true
	}

	ok, err := s.redisClient.SetArgs(ctx, electionLockKey, s.electionToken, redis.SetArgs{
		Mode: "NX",
		TTL:  electionTTL,
	}).Result()
	if err == nil && ok != "" {
		return true
	}

	held, err := s.redisClient.Get(ctx, electionLockKey).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn("sweeper: election check failed", zap.Error(err))
		}
		return false
	}
	if held != s.electionToken {
		return false
	}

	if err := s.redisClient.Expire(ctx, electionLockKey, electionTTL).Err(); err != nil {
		s.log.Warn("sweeper: election renewal failed", zap.Error(err))
	}
	return true
}

func (s *Sweeper) sweep(ctx context.Context) {
	textIDs, err := s.mon.ActiveTasks(ctx)
	if err != nil {
		s.log.Error("sweeper: list active tasks", zap.Error(err))
		return
	}

	now := time.Now()
	var timedOut int
	for _, textID := range textIDs {
		t, err := s.mon.GetTask(ctx, textID)
		if err != nil {
			s.log.Error("sweeper: get task", zap.String("text_id", textID), zap.Error(err))
			continue
		}
		if t == nil || t.Status.IsTerminal() {
			continue
		}
		if t.StartedAt.IsZero() || now.Sub(t.StartedAt) < s.cfg.TaskTimeout {
			continue
		}

		applied, err := s.mon.TimeoutTask(ctx, textID)
		if err != nil {
			s.log.Error("sweeper: timeout task", zap.String("text_id", textID), zap.Error(err))
			continue
		}
		if applied {
			s.recordRun(ctx, textID, t)
			timedOut++
		}
	}

	if timedOut > 0 {
		s.log.Info("sweeper: swept timed-out tasks", zap.Int("count", timedOut), zap.Int("scanned", len(textIDs)))
	}
}

// recordRun persists a timed-out task to the durable stats table. stale
// is the pre-timeout record, used only for its TextID; the finished
// EndedAt is re-read from the Monitor since TimeoutTask just set it.
func (s *Sweeper) recordRun(ctx context.Context, textID string, stale *task.Task) {
	if s.store == nil {
		return
	}
	finished, err := s.mon.GetTask(ctx, textID)
	if err != nil || finished == nil {
		return
	}
	if err := s.store.RecordTaskRun(ctx, dbstore.TaskRun{
		TextID:    textID,
		Status:    string(task.StatusTimeout),
		StartedAt: finished.StartedAt,
		EndedAt:   finished.EndedAt,
	}); err != nil {
		s.log.Error("sweeper: record task run", zap.String("text_id", textID), zap.Error(err))
	}
}
