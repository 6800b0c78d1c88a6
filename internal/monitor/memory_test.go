package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/task"
)

func TestMemoryMonitorStartTaskDuplicateContent(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	res, t1, err := m.StartTask(ctx, "text-1", "hash-a")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if res != task.StartAccepted {
		t.Fatalf("expected ACCEPTED, got %v", res)
	}
	if t1.Status != task.StatusProcessing {
		t.Fatalf("expected PROCESSING, got %v", t1.Status)
	}

	res2, t2, err := m.StartTask(ctx, "text-2", "hash-a")
	if err != nil {
		t.Fatalf("StartTask duplicate: %v", err)
	}
	if res2 != task.StartDuplicateContent {
		t.Fatalf("expected DUPLICATE_CONTENT, got %v", res2)
	}
	if t2.TextID != "text-1" {
		t.Fatalf("expected to observe the original task, got %s", t2.TextID)
	}
}

func TestMemoryMonitorLifecycleAndSubscribe(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.StartTask(ctx, "text-1", "hash-a"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	events, cancel := m.Subscribe(ctx, "text-1")
	defer cancel()

	if _, err := m.CompleteTask(ctx, "text-1", "audio/key.mp3", "key.mp3"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Status != task.StatusCompleted {
			t.Fatalf("expected COMPLETED event, got %v", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion event")
	}

	got, err := m.GetTask(ctx, "text-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected stored status COMPLETED, got %v", got.Status)
	}
}

func TestMemoryMonitorFollowerReceivesLeaderEvents(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.StartTask(ctx, "leader", "hash-a"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if err := m.Link(ctx, "follower", "leader"); err != nil {
		t.Fatalf("Link: %v", err)
	}

	events, cancel := m.Subscribe(ctx, "follower")
	defer cancel()

	if _, err := m.CompleteTask(ctx, "leader", "audio/key.mp3", "key.mp3"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Status != task.StatusCompleted {
			t.Fatalf("expected follower to see COMPLETED, got %v", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for follower event")
	}
}

func TestMemoryMonitorStats(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	m.StartTask(ctx, "a", "h1")
	m.StartTask(ctx, "b", "h2")
	_, _ = m.FailTask(ctx, "b", "internal_error", "boom")

	// GetStats only reports the hot-store Active/Queued counts; a
	// terminal task like "b" drops out of both and is not counted here
	// at all, since completed/failed/timeout totals come from the
	// durable persistence layer instead.
	stats, err := m.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Active != 1 {
		t.Fatalf("expected 1 active task, got %d", stats.Active)
	}
	if stats.Failed != 0 {
		t.Fatalf("expected GetStats to report 0 failed (persisted elsewhere), got %d", stats.Failed)
	}
}

func TestMemoryMonitorStartTaskAlreadyRunning(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.StartTask(ctx, "text-1", "hash-a"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	res, existing, err := m.StartTask(ctx, "text-1", "hash-b")
	if err != nil {
		t.Fatalf("StartTask retry: %v", err)
	}
	if res != task.StartAlreadyRunning {
		t.Fatalf("expected ALREADY_RUNNING, got %v", res)
	}
	if existing.TextID != "text-1" {
		t.Fatalf("expected to observe the in-flight task, got %s", existing.TextID)
	}
}

func TestMemoryMonitorStartTaskAllowsRestartAfterTerminal(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.StartTask(ctx, "text-1", "hash-a"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if _, err := m.FailTask(ctx, "text-1", "internal_error", "boom"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	res, _, err := m.StartTask(ctx, "text-1", "hash-a")
	if err != nil {
		t.Fatalf("StartTask restart: %v", err)
	}
	if res != task.StartAccepted {
		t.Fatalf("expected a terminal task to be restartable, got %v", res)
	}
}

func TestMemoryMonitorTerminalTransitionIsIdempotent(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.StartTask(ctx, "text-1", "hash-a"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	applied, err := m.CompleteTask(ctx, "text-1", "key.mp3", "https://example/key.mp3")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !applied {
		t.Fatal("expected the first terminal transition to apply")
	}

	// A second, racing terminal transition (e.g. the Sweeper's
	// TimeoutTask) must be a no-op: it neither reports applied nor
	// corrupts the already-COMPLETED status.
	applied, err = m.TimeoutTask(ctx, "text-1")
	if err != nil {
		t.Fatalf("TimeoutTask: %v", err)
	}
	if applied {
		t.Fatal("expected a terminal transition on an already-terminal task to be a no-op")
	}

	got, err := m.GetTask(ctx, "text-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected status to remain COMPLETED, got %v", got.Status)
	}
}
