package limiter

import (
	"context"
	"testing"
	"time"
)

func TestLocalLimiterBoundsConcurrency(t *testing.T) {
	l := NewLocal(2)
	ctx := context.Background()

	tok1, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if _, err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(blockedCtx); err == nil {
		t.Fatal("expected third Acquire to block until a slot frees up")
	}

	if err := l.Release(ctx, tok1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestLocalLimiterCapacity(t *testing.T) {
	l := NewLocal(5)
	if l.Capacity() != 5 {
		t.Fatalf("expected capacity 5, got %d", l.Capacity())
	}
}

func TestLocalLimiterStartRenewalIsNoop(t *testing.T) {
	l := NewLocal(1)
	ctx := context.Background()

	tok, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	stop := l.StartRenewal(ctx, tok)
	stop()

	if err := l.Release(ctx, tok); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
