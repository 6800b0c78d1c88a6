package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blueapplecc-ppp/tts-vocl/internal/task"
)

// RedisMonitor is the shared, cross-process Monitor backend. Grounded on
// original_source/app/infrastructure/redis_monitor.py: one hash per
// task, a content_hash->text_id idempotency hash, an active-task set,
// per-leader follower sets, and a pub/sub channel per text_id, all
// read-then-write sequences guarded by a short-lived distributed lock
// the same way redis_monitor.py uses redis.lock().
type RedisMonitor struct {
	client    *redis.Client
	namespace string
}

// NewRedis builds a RedisMonitor. namespace prefixes every key so
// multiple deployments can share one Redis instance.
func NewRedis(client *redis.Client, namespace string) *RedisMonitor {
	return &RedisMonitor{client: client, namespace: namespace}
}

func (r *RedisMonitor) taskKey(textID string) string      { return fmt.Sprintf("%s:task:%s", r.namespace, textID) }
func (r *RedisMonitor) idempotencyKey() string             { return fmt.Sprintf("%s:idempotency", r.namespace) }
func (r *RedisMonitor) activeKey() string                  { return fmt.Sprintf("%s:active", r.namespace) }
func (r *RedisMonitor) followersKey(leader string) string  { return fmt.Sprintf("%s:followers:%s", r.namespace, leader) }
func (r *RedisMonitor) eventsChannel(textID string) string { return fmt.Sprintf("%s:events:%s", r.namespace, textID) }
func (r *RedisMonitor) lockKey(name string) string         { return fmt.Sprintf("%s:lock:%s", r.namespace, name) }

// withLock acquires a short-lived SETNX lock named name, runs fn, and
// always releases the lock afterward. Mirrors redis_monitor.py's use of
// self.redis.lock(...) around each read-modify-write sequence.
func (r *RedisMonitor) withLock(ctx context.Context, name string, fn func() error) error {
	key := r.lockKey(name)
	token := uuid.NewString()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := r.client.SetNX(ctx, key, token, 5*time.Second).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out acquiring lock %s", name)
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	defer func() {
		if v, _ := r.client.Get(ctx, key).Result(); v == token {
			r.client.Del(ctx, key)
		}
	}()

	return fn()
}

func (r *RedisMonitor) StartTask(ctx context.Context, textID, contentHash string) (task.StartResult, *task.Task, error) {
	var result task.StartResult
	var out *task.Task

	err := r.withLock(ctx, contentHash, func() error {
		// At most one task may be in PROCESSING for textID at a time.
		// This also covers textID retrying itself: a non-terminal
		// self-task is ALREADY_RUNNING, not a fresh restart; only a
		// terminal self-task may be restarted below.
		self, err := r.GetTask(ctx, textID)
		if err != nil {
			return err
		}
		if self != nil && !self.Status.IsTerminal() {
			result = task.StartAlreadyRunning
			out = self
			return nil
		}

		existingID, err := r.client.HGet(ctx, r.idempotencyKey(), contentHash).Result()
		if err == nil && existingID != "" && existingID != textID {
			existing, err := r.GetTask(ctx, existingID)
			if err != nil {
				return err
			}
			if existing != nil && (!existing.Status.IsTerminal() || time.Since(existing.StartedAt) < startedSince) {
				result = task.StartDuplicateContent
				out = existing
				return nil
			}
		} else if err != nil && err != redis.Nil {
			return err
		}

		now := time.Now()
		t := &task.Task{
			TextID:      textID,
			ContentHash: contentHash,
			Status:      task.StatusProcessing,
			StartedAt:   now,
		}

		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.taskKey(textID), taskFields(t))
		pipe.HSet(ctx, r.idempotencyKey(), contentHash, textID)
		pipe.SAdd(ctx, r.activeKey(), textID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("persist new task: %w", err)
		}

		result = task.StartAccepted
		out = t
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return result, out, nil
}

func (r *RedisMonitor) Link(ctx context.Context, textID, leaderTextID string) error {
	t := &task.Task{TextID: textID, FollowerOf: leaderTextID, Status: task.StatusProcessing, StartedAt: time.Now()}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.taskKey(textID), taskFields(t))
	pipe.SAdd(ctx, r.followersKey(leaderTextID), textID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisMonitor) UpdateProgress(ctx context.Context, textID string, segmentsCompleted, segmentCount int) error {
	if err := r.client.HSet(ctx, r.taskKey(textID), map[string]interface{}{
		"segments_completed": segmentsCompleted,
		"segment_count":      segmentCount,
	}).Err(); err != nil {
		return err
	}

	progress := segmentsCompleted
	return r.Publish(ctx, textID, task.Event{Type: "progress", TextID: textID, Status: task.StatusProcessing, Progress: &progress})
}

func (r *RedisMonitor) CompleteTask(ctx context.Context, textID, audioKey, audioFilename string) (bool, error) {
	applied, err := r.finish(ctx, textID, map[string]interface{}{
		"status":         string(task.StatusCompleted),
		"audio_key":      audioKey,
		"audio_filename": audioFilename,
		"ended_at":       time.Now().Format(time.RFC3339Nano),
	})
	if err != nil || !applied {
		return applied, err
	}
	err = r.Publish(ctx, textID, task.Event{Type: "status", TextID: textID, Status: task.StatusCompleted, AudioURL: audioKey})
	return true, err
}

func (r *RedisMonitor) FailTask(ctx context.Context, textID, errorKind, errorMessage string) (bool, error) {
	applied, err := r.finish(ctx, textID, map[string]interface{}{
		"status":        string(task.StatusFailed),
		"error_kind":    errorKind,
		"error_message": errorMessage,
		"ended_at":      time.Now().Format(time.RFC3339Nano),
	})
	if err != nil || !applied {
		return applied, err
	}
	err = r.Publish(ctx, textID, task.Event{Type: "status", TextID: textID, Status: task.StatusFailed, Error: errorMessage})
	return true, err
}

func (r *RedisMonitor) TimeoutTask(ctx context.Context, textID string) (bool, error) {
	applied, err := r.finish(ctx, textID, map[string]interface{}{
		"status":   string(task.StatusTimeout),
		"ended_at": time.Now().Format(time.RFC3339Nano),
	})
	if err != nil || !applied {
		return applied, err
	}
	err = r.Publish(ctx, textID, task.Event{Type: "status", TextID: textID, Status: task.StatusTimeout})
	return true, err
}

// finish applies a terminal transition, guarded by a lock on textID so a
// task already in a terminal state is left untouched: calling a
// terminal transition twice (e.g. the Sweeper's TimeoutTask racing the
// engine's CompleteTask) is a no-op, matching the first call's outcome.
// applied reports whether the transition actually happened, so callers
// can skip publishing an event for a no-op.
func (r *RedisMonitor) finish(ctx context.Context, textID string, fields map[string]interface{}) (applied bool, err error) {
	err = r.withLock(ctx, textID, func() error {
		current, err := r.GetTask(ctx, textID)
		if err != nil {
			return err
		}
		if current == nil || current.Status.IsTerminal() {
			return nil
		}

		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.taskKey(textID), fields)
		pipe.SRem(ctx, r.activeKey(), textID)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *RedisMonitor) GetTask(ctx context.Context, textID string) (*task.Task, error) {
	values, err := r.client.HGetAll(ctx, r.taskKey(textID)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return parseTaskFields(textID, values), nil
}

// GetStats reports Active/Queued from the active-task set only.
// Completed, Failed, Timeout and the duration percentiles are answered
// from the durable persistence layer instead (see internal/httpapi's
// Stats handler), since a terminal task is removed from this set and
// carries no history here.
func (r *RedisMonitor) GetStats(ctx context.Context) (task.Stats, error) {
	var s task.Stats

	active, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return s, err
	}
	for _, id := range active {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return s, err
		}
		if t == nil {
			continue
		}
		switch t.Status {
		case task.StatusProcessing:
			s.Active++
		case task.StatusQueued:
			s.Queued++
		}
	}

	return s, nil
}

func (r *RedisMonitor) ActiveTasks(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, r.activeKey()).Result()
}

func (r *RedisMonitor) Subscribe(ctx context.Context, textID string) (<-chan task.Event, func()) {
	sub := r.client.Subscribe(ctx, r.eventsChannel(textID))
	out := make(chan task.Event, 8)

	go func() {
		defer close(out)
		ch := sub.Channel()
		for msg := range ch {
			var ev task.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()

	return out, func() { sub.Close() }
}

func (r *RedisMonitor) Publish(ctx context.Context, textID string, ev task.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if err := r.client.Publish(ctx, r.eventsChannel(textID), body).Err(); err != nil {
		return err
	}

	followers, err := r.client.SMembers(ctx, r.followersKey(textID)).Result()
	if err != nil {
		return err
	}
	for _, follower := range followers {
		if err := r.client.Publish(ctx, r.eventsChannel(follower), body).Err(); err != nil {
			return err
		}
	}
	return nil
}

func taskFields(t *task.Task) map[string]interface{} {
	return map[string]interface{}{
		"content_hash":        t.ContentHash,
		"status":              string(t.Status),
		"strategy":            string(t.Strategy),
		"segment_count":       t.SegmentCount,
		"segments_completed":  t.SegmentsCompleted,
		"audio_key":           t.AudioKey,
		"audio_filename":      t.AudioFilename,
		"error_kind":          t.ErrorKind,
		"error_message":       t.ErrorMessage,
		"started_at":          t.StartedAt.Format(time.RFC3339Nano),
		"follower_of":         t.FollowerOf,
	}
}

func parseTaskFields(textID string, values map[string]string) *task.Task {
	t := &task.Task{
		TextID:        textID,
		ContentHash:   values["content_hash"],
		Status:        task.Status(values["status"]),
		Strategy:      task.Strategy(values["strategy"]),
		AudioKey:      values["audio_key"],
		AudioFilename: values["audio_filename"],
		ErrorKind:     values["error_kind"],
		ErrorMessage:  values["error_message"],
		FollowerOf:    values["follower_of"],
	}
	if v, err := strconv.Atoi(values["segment_count"]); err == nil {
		t.SegmentCount = v
	}
	if v, err := strconv.Atoi(values["segments_completed"]); err == nil {
		t.SegmentsCompleted = v
	}
	if v, err := time.Parse(time.RFC3339Nano, values["started_at"]); err == nil {
		t.StartedAt = v
	}
	if v, err := time.Parse(time.RFC3339Nano, values["ended_at"]); err == nil {
		t.EndedAt = v
	}
	return t
}

var _ Monitor = (*RedisMonitor)(nil)
var _ Monitor = (*MemoryMonitor)(nil)
