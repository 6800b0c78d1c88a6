// Package limiter bounds global concurrency for tasks and segments
// across one or many processes, without ever exposing an internal
// counter to callers (spec §9 REDESIGN FLAGS).
package limiter

import "context"

// Limiter hands out and reclaims a bounded number of concurrent slots.
type Limiter interface {
	// Acquire blocks until a slot is available or ctx is cancelled. The
	// returned token must be passed to Release.
	Acquire(ctx context.Context) (token string, err error)
	// Release returns a previously acquired slot.
	Release(ctx context.Context, token string) error
	// Capacity reports the configured maximum number of concurrent
	// slots. It never reflects current usage.
	Capacity() int
	// StartRenewal keeps token's slot alive for as long as it is held,
	// so a task that runs longer than a single slot's TTL is not
	// mistaken for a crashed holder and reclaimed out from under it.
	// Callers must call the returned stop func before Release.
	StartRenewal(ctx context.Context, token string) func()
}
