// Package engine implements the Task Engine (C4): parses and segments a
// text, picks a dispatch strategy, runs segments through the Segment
// Worker, concatenates the results in order, and persists the outcome.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dbstore"
	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
	"github.com/blueapplecc-ppp/tts-vocl/internal/limiter"
	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider"
	"github.com/blueapplecc-ppp/tts-vocl/internal/segment"
	"github.com/blueapplecc-ppp/tts-vocl/internal/storage"
	"github.com/blueapplecc-ppp/tts-vocl/internal/task"
)

// Config holds the Task Engine's tunables from spec §6.
type Config struct {
	LongTextThreshold     int
	SegmentSize           int
	MaxConcurrentSegments int
}

// DefaultConfig matches spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		LongTextThreshold:     2000,
		SegmentSize:           dialogue.DefaultSegmentSize,
		MaxConcurrentSegments: 10,
	}
}

// synthResult is the outcome of one full parse -> dispatch ->
// concatenate pass.
type synthResult struct {
	audio        []byte
	strategy     task.Strategy
	segmentCount int
	charCount    int
}

// Engine drives one task end to end.
type Engine struct {
	cfg Config

	taskLimiter    limiter.Limiter
	segmentLimiter limiter.Limiter
	mon            monitor.Monitor
	blob           storage.Blob
	store          dbstore.Store

	newWorker func() *segment.Worker
}

// New builds an Engine. newWorker returns a fresh Segment Worker per
// call; the factory shape keeps provider wiring swappable in tests.
func New(cfg Config, taskLimiter, segmentLimiter limiter.Limiter, mon monitor.Monitor, blob storage.Blob, store dbstore.Store, newWorker func() *segment.Worker) *Engine {
	return &Engine{
		cfg:            cfg,
		taskLimiter:    taskLimiter,
		segmentLimiter: segmentLimiter,
		mon:            mon,
		blob:           blob,
		store:          store,
		newWorker:      newWorker,
	}
}

// ContentHash returns the idempotency key for text, per spec §3.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Submit handles the idempotency-aware entry to the Task Engine for
// spec §6's submission entry point. It only performs the bookkeeping
// decision; on StartAccepted the caller is responsible for handing the
// task off to Execute (directly, or via a queued message consumed by a
// separate worker process, mirroring the teacher's split between its API
// and Worker services). On StartDuplicateContent the caller decides
// whether to link or reject.
func (e *Engine) Submit(ctx context.Context, textID, userID, text string) (task.StartResult, *task.Task, error) {
	hash := ContentHash(text)

	result, existing, err := e.mon.StartTask(ctx, textID, hash)
	if err != nil {
		return "", nil, errs.Wrap(errs.KindInternal, "start task bookkeeping", err)
	}

	return result, existing, nil
}

// Execute runs textID's task to completion: acquire a task slot,
// synthesize, upload, persist, and record the terminal status. Assumes
// Submit has already recorded the task as in flight.
func (e *Engine) Execute(ctx context.Context, textID, userID, text string) {
	token, err := e.taskLimiter.Acquire(ctx)
	if err != nil {
		e.fail(ctx, textID, errs.KindInternal, fmt.Sprintf("acquire task slot: %v", err))
		return
	}
	defer e.taskLimiter.Release(ctx, token)
	stopRenewal := e.taskLimiter.StartRenewal(ctx, token)
	defer stopRenewal()

	result, err := e.synthesize(ctx, textID, text)
	if err != nil {
		e.fail(ctx, textID, errs.KindOf(err), err.Error())
		return
	}

	version, err := e.store.NextVersion(ctx, textID)
	if err != nil {
		e.fail(ctx, textID, errs.KindStorage, err.Error())
		return
	}

	key := storage.KeyFor(time.Now(), textID, result.charCount, version)
	url, err := e.blob.Put(ctx, key, result.audio, "audio/mpeg", true)
	if err != nil {
		e.fail(ctx, textID, errs.KindStorage, err.Error())
		return
	}

	if err := e.store.InsertAudio(ctx, dbstore.Audio{
		TextID:     textID,
		UserID:     userID,
		Filename:   key,
		ObjectKey:  key,
		SizeBytes:  int64(len(result.audio)),
		VersionNum: version,
	}); err != nil {
		e.fail(ctx, textID, errs.KindStorage, err.Error())
		return
	}

	applied, err := e.mon.CompleteTask(ctx, textID, key, url)
	if err != nil {
		e.fail(ctx, textID, errs.KindInternal, err.Error())
		return
	}
	if applied {
		e.recordRun(ctx, textID, task.StatusCompleted)
	}
}

func (e *Engine) fail(ctx context.Context, textID string, kind errs.Kind, message string) {
	applied, err := e.mon.FailTask(ctx, textID, kind.String(), message)
	if err != nil || !applied {
		return
	}
	e.recordRun(ctx, textID, task.StatusFailed)
}

// recordRun persists textID's finished Task to the durable stats table.
// Called only when the caller's terminal transition actually applied,
// so a no-op transition never produces a duplicate row.
func (e *Engine) recordRun(ctx context.Context, textID string, status task.Status) {
	t, err := e.mon.GetTask(ctx, textID)
	if err != nil || t == nil {
		return
	}
	_ = e.store.RecordTaskRun(ctx, dbstore.TaskRun{
		TextID:    textID,
		Status:    string(status),
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
	})
}

// synthesize runs the full parse -> strategy -> dispatch -> concatenate
// pipeline for one task and returns the final audio bytes.
func (e *Engine) synthesize(ctx context.Context, textID, text string) (synthResult, error) {
	roster := dialogue.NewRoster()
	turns, err := dialogue.Parse(text, roster)
	if err != nil {
		return synthResult{}, err
	}

	segments := dialogue.Chunk(turns, e.cfg.SegmentSize)
	voices := provider.Voices(roster.Names())
	charCount := len([]rune(text))

	strategy := task.StrategySerial
	if charCount >= e.cfg.LongTextThreshold && len(segments) > 1 {
		strategy = task.StrategyParallel
	}

	if err := e.mon.UpdateProgress(ctx, textID, 0, len(segments)); err != nil {
		return synthResult{}, errs.Wrap(errs.KindInternal, "record segment count", err)
	}

	var results [][]byte
	switch strategy {
	case task.StrategySerial:
		results, err = e.runSerial(ctx, textID, segments, voices)
	default:
		results, err = e.runParallel(ctx, textID, segments, voices)
	}
	if err != nil {
		return synthResult{}, err
	}

	var audio []byte
	for _, r := range results {
		audio = append(audio, r...)
	}

	return synthResult{audio: audio, strategy: strategy, segmentCount: len(segments), charCount: charCount}, nil
}

func (e *Engine) runSerial(ctx context.Context, textID string, segments []dialogue.Segment, voices []provider.VoiceProfile) ([][]byte, error) {
	results := make([][]byte, len(segments))
	for i, seg := range segments {
		audio, err := e.newWorker().Run(ctx, seg, voices)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		results[i] = audio
		_ = e.mon.UpdateProgress(ctx, textID, i+1, len(segments))
	}
	return results, nil
}

func (e *Engine) runParallel(ctx context.Context, textID string, segments []dialogue.Segment, voices []provider.VoiceProfile) ([][]byte, error) {
	results := make([][]byte, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentSegments)

	var completed int32
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			token, err := e.segmentLimiter.Acquire(gctx)
			if err != nil {
				return err
			}
			defer e.segmentLimiter.Release(gctx, token)

			audio, err := e.newWorker().Run(gctx, seg, voices)
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.Index, err)
			}
			results[i] = audio
			done := atomic.AddInt32(&completed, 1)
			_ = e.mon.UpdateProgress(ctx, textID, int(done), len(segments))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
