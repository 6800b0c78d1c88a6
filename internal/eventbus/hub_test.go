package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/task"
)

func TestHubStreamEmitsCurrentStatusThenTerminates(t *testing.T) {
	mon := monitor.NewMemory(time.Hour)
	defer mon.Close()
	ctx := context.Background()

	if _, _, err := mon.StartTask(ctx, "text-1", "hash-a"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if _, err := mon.CompleteTask(ctx, "text-1", "audio/key.mp3", "key.mp3"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	hub := New(mon)
	events, err := hub.Stream(ctx, "text-1")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Task.Status != task.StatusCompleted {
			t.Fatalf("expected immediate COMPLETED status, got %v", ev.Task.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial event")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected the stream to close after a terminal status")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream to close")
	}
}

func TestHubStreamForwardsLiveUpdates(t *testing.T) {
	mon := monitor.NewMemory(time.Hour)
	defer mon.Close()
	ctx := context.Background()

	if _, _, err := mon.StartTask(ctx, "text-1", "hash-a"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	hub := New(mon)
	events, err := hub.Stream(ctx, "text-1")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	<-events // initial PROCESSING snapshot

	go func() {
		time.Sleep(10 * time.Millisecond)
		mon.CompleteTask(ctx, "text-1", "audio/key.mp3", "key.mp3")
	}()

	select {
	case ev := <-events:
		if ev.Task.Status != task.StatusCompleted {
			t.Fatalf("expected forwarded COMPLETED event, got %v", ev.Task.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}
}
