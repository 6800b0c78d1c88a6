// Package eventbus bridges the Task Monitor's pub/sub channel into a
// server-push subscription per text_id, with the keepalive and idle
// ceiling behaviour spec §4.7 describes. Grounded on
// original_source/app/views.py:task_stream's SSE generator.
package eventbus

import (
	"context"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/task"
)

const (
	// DefaultKeepalive is how often a keepalive event is emitted on an
	// otherwise quiet subscription.
	DefaultKeepalive = 15 * time.Second
	// DefaultIdleCeiling is how long a subscription may run with no
	// real event before it closes itself.
	DefaultIdleCeiling = 5 * time.Minute
)

// Hub mediates subscriptions between HTTP handlers and the Monitor.
type Hub struct {
	mon       monitor.Monitor
	keepalive time.Duration
	idleCeil  time.Duration
}

// New builds a Hub over mon with the spec's documented defaults.
func New(mon monitor.Monitor) *Hub {
	return &Hub{mon: mon, keepalive: DefaultKeepalive, idleCeil: DefaultIdleCeiling}
}

// Event is what Stream delivers to its caller: either a real task.Event
// or a synthetic keepalive.
type Event struct {
	Keepalive bool
	Task      task.Event
}

// Stream emits the task's current status immediately, then forwards
// Monitor events until a terminal status, the idle ceiling elapses, or
// ctx is cancelled. The returned channel is closed when Stream returns.
func (h *Hub) Stream(ctx context.Context, textID string) (<-chan Event, error) {
	current, err := h.mon.GetTask(ctx, textID)
	if err != nil {
		return nil, err
	}

	upstream, cancelSub := h.mon.Subscribe(ctx, textID)
	out := make(chan Event, 4)

	go func() {
		defer close(out)
		defer cancelSub()

		if current != nil {
			select {
			case out <- Event{Task: task.Event{Type: "status", TextID: textID, Status: current.Status}}:
			case <-ctx.Done():
				return
			}
			if current.Status.IsTerminal() {
				return
			}
		}

		idleTimer := time.NewTimer(h.idleCeil)
		defer idleTimer.Stop()
		keepaliveTicker := time.NewTicker(h.keepalive)
		defer keepaliveTicker.Stop()

		for {
			select {
			case ev, ok := <-upstream:
				if !ok {
					return
				}
				idleTimer.Reset(h.idleCeil)
				select {
				case out <- Event{Task: ev}:
				case <-ctx.Done():
					return
				}
				if ev.Status.IsTerminal() {
					return
				}
			case <-keepaliveTicker.C:
				select {
				case out <- Event{Keepalive: true}:
				case <-ctx.Done():
					return
				}
			case <-idleTimer.C:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
