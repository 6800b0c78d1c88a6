// Package monitor is the authoritative task-state store: idempotency
// lookups, status and timing, and a pub/sub event channel per text_id.
// Two backends implement Monitor — a shared Redis store and an
// in-process fallback — selected at startup by probing the shared store
// (spec §4.6).
package monitor

import (
	"context"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/task"
)

// Monitor is the full C6 contract.
type Monitor interface {
	// StartTask records a new in-flight task for textID/contentHash. If
	// an unexpired task with the same contentHash already exists,
	// returns StartDuplicateContent and that existing task instead of
	// creating a new one.
	StartTask(ctx context.Context, textID, contentHash string) (task.StartResult, *task.Task, error)

	// Link records textID as a follower of leaderTextID: textID's
	// events mirror the leader's until the leader reaches a terminal
	// state.
	Link(ctx context.Context, textID, leaderTextID string) error

	// UpdateProgress records how many segments of textID have completed
	// so far, for status reporting mid-flight.
	UpdateProgress(ctx context.Context, textID string, segmentsCompleted, segmentCount int) error

	// CompleteTask transitions textID to COMPLETED and records the
	// resulting audio location. A terminal transition is idempotent: if
	// textID is already terminal, it is a no-op and applied is false.
	CompleteTask(ctx context.Context, textID, audioKey, audioFilename string) (applied bool, err error)

	// FailTask transitions textID to FAILED and records the error. A
	// terminal transition is idempotent: if textID is already terminal,
	// it is a no-op and applied is false.
	FailTask(ctx context.Context, textID string, errorKind, errorMessage string) (applied bool, err error)

	// TimeoutTask transitions textID to TIMEOUT. Only the Sweeper calls
	// this. A terminal transition is idempotent: if textID is already
	// terminal, it is a no-op and applied is false.
	TimeoutTask(ctx context.Context, textID string) (applied bool, err error)

	// GetTask returns the current record for textID, or nil if unknown.
	GetTask(ctx context.Context, textID string) (*task.Task, error)

	// GetStats summarizes the current task population.
	GetStats(ctx context.Context) (task.Stats, error)

	// ActiveTasks returns the text_ids of all non-terminal tasks, for
	// the Sweeper's scan.
	ActiveTasks(ctx context.Context) ([]string, error)

	// Subscribe registers a listener for textID's events. The returned
	// cancel function must be called to stop receiving events.
	Subscribe(ctx context.Context, textID string) (<-chan task.Event, func())

	// Publish broadcasts ev to textID's subscribers, including any
	// followers linked to it.
	Publish(ctx context.Context, textID string, ev task.Event) error
}

// startedSince is how we recognize a stale in-flight idempotency entry:
// an entry older than this is treated as abandoned rather than
// in-flight, letting a new submission proceed instead of deadlocking
// behind a crashed worker. The Task Engine's own task_timeout_seconds
// setting should always be <= this value.
const startedSince = 2 * time.Hour
