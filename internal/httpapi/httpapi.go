// Package httpapi exposes the Task Engine's submission, retry, event
// subscription, and stats entry points over HTTP, grounded on the
// teacher's api/internal/handlers package and its {code, message, data}
// response envelope.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dbstore"
	"github.com/blueapplecc-ppp/tts-vocl/internal/engine"
	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
	"github.com/blueapplecc-ppp/tts-vocl/internal/eventbus"
	"github.com/blueapplecc-ppp/tts-vocl/internal/limiter"
	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/queue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/task"
)

// Publisher hands an accepted task off to the Worker process. Satisfied
// by *queue.Publisher; an interface here keeps the handler testable
// without a live broker.
type Publisher interface {
	PublishSynthesize(ctx context.Context, msg queue.SynthesizeMessage) error
}

// Handler wires the four spec §6 HTTP entry points to their
// collaborators.
type Handler struct {
	engine      *engine.Engine
	mon         monitor.Monitor
	store       dbstore.Store
	hub         *eventbus.Hub
	taskLimiter limiter.Limiter
	publisher   Publisher
	log         *zap.Logger
}

// New builds a Handler.
func New(eng *engine.Engine, mon monitor.Monitor, store dbstore.Store, hub *eventbus.Hub, taskLimiter limiter.Limiter, publisher Publisher, log *zap.Logger) *Handler {
	return &Handler{engine: eng, mon: mon, store: store, hub: hub, taskLimiter: taskLimiter, publisher: publisher, log: log}
}

// speakRequest is the body of POST /api/v1/texts/:text_id/speak.
type speakRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Text   string `json:"text" binding:"required"`
	// Link, when the same content is already in flight elsewhere,
	// requests that text_id follow that task's events instead of being
	// rejected outright. Defaults to true.
	Link *bool `json:"link"`
}

// Speak handles POST /api/v1/texts/:text_id/speak: spec §6's submission
// entry point.
func (h *Handler) Speak(c *gin.Context) {
	textID := c.Param("text_id")

	var req speakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "input_error", err.Error())
		return
	}

	if err := h.store.InsertText(c.Request.Context(), dbstore.Text{
		TextID:  textID,
		UserID:  req.UserID,
		Content: req.Text,
	}); err != nil {
		h.log.Error("persist submitted text", zap.String("text_id", textID), zap.Error(err))
		h.respondError(c, http.StatusServiceUnavailable, "storage_error", "could not persist submitted text")
		return
	}

	result, existing, err := h.engine.Submit(c.Request.Context(), textID, req.UserID, req.Text)
	if err != nil {
		h.respondEngineError(c, err)
		return
	}

	if result == task.StartAlreadyRunning {
		h.respondError(c, http.StatusConflict, "conflict", "a task for this text_id is already in flight")
		return
	}

	if result == task.StartDuplicateContent {
		link := req.Link == nil || *req.Link
		if !link {
			h.respondError(c, http.StatusConflict, "conflict", "an identical task is already in flight")
			return
		}

		if err := h.mon.Link(c.Request.Context(), textID, existing.TextID); err != nil {
			h.log.Error("link follower task", zap.String("text_id", textID), zap.Error(err))
			h.respondError(c, http.StatusInternalServerError, "internal_error", "could not link to the in-flight task")
			return
		}

		h.respondSuccess(c, http.StatusAccepted, gin.H{
			"text_id":     textID,
			"status":      string(task.StatusProcessing),
			"follower_of": existing.TextID,
		})
		return
	}

	if err := h.publisher.PublishSynthesize(c.Request.Context(), queue.SynthesizeMessage{
		TextID: textID,
		UserID: req.UserID,
		Text:   req.Text,
	}); err != nil {
		h.log.Error("hand off accepted task", zap.String("text_id", textID), zap.Error(err))
		_, _ = h.mon.FailTask(c.Request.Context(), textID, errs.KindInternal.String(), "could not queue task for processing")
		h.respondError(c, http.StatusServiceUnavailable, "storage_error", "could not queue task for processing")
		return
	}

	h.respondSuccess(c, http.StatusAccepted, gin.H{
		"text_id": textID,
		"status":  string(task.StatusProcessing),
	})
}

// Retry handles POST /api/v1/texts/:text_id/retry, grounded on
// views.py:retry_task: only a FAILED or TIMEOUT task may be retried, and
// retrying resubmits the same stored text rather than requiring the
// caller to resend it.
func (h *Handler) Retry(c *gin.Context) {
	textID := c.Param("text_id")
	ctx := c.Request.Context()

	current, err := h.mon.GetTask(ctx, textID)
	if err != nil {
		h.log.Error("get task for retry", zap.String("text_id", textID), zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if current == nil {
		h.respondError(c, http.StatusNotFound, "input_error", "unknown text_id")
		return
	}
	if current.Status != task.StatusFailed && current.Status != task.StatusTimeout {
		h.respondError(c, http.StatusBadRequest, "input_error", "only a failed or timed-out task can be retried")
		return
	}

	text, err := h.store.GetText(ctx, textID)
	if err != nil {
		h.log.Error("load text for retry", zap.String("text_id", textID), zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if text == nil {
		h.respondError(c, http.StatusNotFound, "input_error", "unknown text_id")
		return
	}

	result, _, err := h.engine.Submit(ctx, textID, text.UserID, text.Content)
	if err != nil {
		h.respondEngineError(c, err)
		return
	}
	if result == task.StartAlreadyRunning || result == task.StartDuplicateContent {
		h.respondError(c, http.StatusConflict, "conflict", "a task for this text_id is already in flight")
		return
	}

	if err := h.publisher.PublishSynthesize(ctx, queue.SynthesizeMessage{
		TextID: textID,
		UserID: text.UserID,
		Text:   text.Content,
	}); err != nil {
		h.log.Error("hand off retried task", zap.String("text_id", textID), zap.Error(err))
		_, _ = h.mon.FailTask(ctx, textID, errs.KindInternal.String(), "could not queue task for processing")
		h.respondError(c, http.StatusServiceUnavailable, "storage_error", "could not queue task for processing")
		return
	}

	h.respondSuccess(c, http.StatusAccepted, gin.H{
		"text_id": textID,
		"status":  string(task.StatusProcessing),
	})
}

// Events handles GET /api/v1/texts/:text_id/events: an SSE subscription
// over the Event Fan-out.
func (h *Handler) Events(c *gin.Context) {
	textID := c.Param("text_id")
	ctx := c.Request.Context()

	stream, err := h.hub.Stream(ctx, textID)
	if err != nil {
		h.log.Error("open event stream", zap.String("text_id", textID), zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-stream
		if !ok {
			return false
		}
		if ev.Keepalive {
			c.SSEvent("keepalive", gin.H{})
			return true
		}
		c.SSEvent("task", ev.Task)
		return true
	})
}

// Stats handles GET /api/v1/stats. Active/queued come from the
// Monitor's hot state; completed/failed/timeout and the duration
// percentiles come from the durable persistence layer, per spec.md
// §4.6's guidance that success rates must survive a process restart.
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.mon.GetStats(ctx)
	if err != nil {
		h.log.Error("get stats", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	persisted, err := h.store.Stats(ctx)
	if err != nil {
		h.log.Error("get persisted stats", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	stats.Completed = persisted.Completed
	stats.Failed = persisted.Failed
	stats.Timeout = persisted.Timeout
	stats.Total = stats.Active + stats.Queued + stats.Completed + stats.Failed + stats.Timeout
	stats.P50DurationSeconds = persisted.P50DurationSeconds
	stats.P95DurationSeconds = persisted.P95DurationSeconds

	if finished := stats.Completed + stats.Failed + stats.Timeout; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}

	stats.Capacity = h.taskLimiter.Capacity()

	h.respondSuccess(c, http.StatusOK, stats)
}

func (h *Handler) respondEngineError(c *gin.Context, err error) {
	var e *errs.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case errs.KindInput:
			h.respondError(c, http.StatusBadRequest, e.Kind.String(), e.Error())
		case errs.KindConflict:
			h.respondError(c, http.StatusConflict, e.Kind.String(), e.Error())
		case errs.KindStorage, errs.KindTransientProvider:
			h.respondError(c, http.StatusServiceUnavailable, e.Kind.String(), e.Error())
		default:
			h.log.Error("engine error", zap.Error(err))
			h.respondError(c, http.StatusInternalServerError, e.Kind.String(), e.Error())
		}
		return
	}
	h.log.Error("unclassified engine error", zap.Error(err))
	h.respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
}

func (h *Handler) respondSuccess(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, gin.H{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}

func (h *Handler) respondError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"code":    code,
		"message": message,
		"data":    nil,
	})
}
