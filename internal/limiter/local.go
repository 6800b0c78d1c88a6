package limiter

import (
	"context"

	"github.com/google/uuid"

	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
)

// LocalLimiter is a single-process counting semaphore, the fallback
// backend used when the shared store is unavailable. Grounded on the
// original implementation's threading.BoundedSemaphore, translated to
// Go's channel-semaphore idiom.
type LocalLimiter struct {
	slots chan struct{}
}

// NewLocal creates a LocalLimiter with the given capacity.
func NewLocal(capacity int) *LocalLimiter {
	l := &LocalLimiter{slots: make(chan struct{}, capacity)}
	for i := 0; i < capacity; i++ {
		l.slots <- struct{}{}
	}
	return l
}

func (l *LocalLimiter) Acquire(ctx context.Context) (string, error) {
	select {
	case <-l.slots:
		return uuid.NewString(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *LocalLimiter) Release(ctx context.Context, token string) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	default:
		return errs.New(errs.KindInternal, "local limiter: release without a matching acquire")
	}
}

func (l *LocalLimiter) Capacity() int {
	return cap(l.slots)
}

// StartRenewal is a no-op: a LocalLimiter's slots live only as long as
// the process itself, so there is no shared TTL to refresh.
func (l *LocalLimiter) StartRenewal(ctx context.Context, token string) func() {
	return func() {}
}
