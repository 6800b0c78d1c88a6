// Package segment runs one dialogue segment through the provider,
// retrying transient failures with a linear backoff.
package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider"
)

// Policy holds the retry parameters from spec §4.3.
type Policy struct {
	RetryDelayBase time.Duration
	MaxRetries     int
}

// DefaultPolicy matches spec §6's documented defaults.
func DefaultPolicy() Policy {
	return Policy{RetryDelayBase: time.Second, MaxRetries: 3}
}

// Dialer opens a fresh provider transport for one attempt. A new
// transport is used per attempt; sessions are never reused across
// retries.
type Dialer func(ctx context.Context, cfg provider.Config) (provider.Transport, error)

// Worker runs one segment to completion or exhausts its retry budget.
type Worker struct {
	providerCfg provider.Config
	policy      Policy
	dial        Dialer
}

// New builds a Worker bound to a provider dialer and retry policy.
func New(providerCfg provider.Config, policy Policy, dial Dialer) *Worker {
	return &Worker{providerCfg: providerCfg, policy: policy, dial: dial}
}

// Run synthesizes seg's audio, retrying transient provider failures with
// delay = RetryDelayBase * attempt, up to MaxRetries attempts total
// beyond the first. A fatal provider error or a cancelled context aborts
// immediately without retrying.
func (w *Worker) Run(ctx context.Context, seg dialogue.Segment, voices []provider.VoiceProfile) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= w.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := w.policy.RetryDelayBase * time.Duration(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		audio, err := w.attempt(ctx, seg, voices)
		if err == nil {
			return audio, nil
		}
		lastErr = err

		if !errs.IsTransient(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("segment %d: exhausted %d retries: %w", seg.Index, w.policy.MaxRetries, lastErr)
}

func (w *Worker) attempt(ctx context.Context, seg dialogue.Segment, voices []provider.VoiceProfile) ([]byte, error) {
	transport, err := w.dial(ctx, w.providerCfg)
	if err != nil {
		return nil, err
	}

	session := provider.NewSession(w.providerCfg, transport)
	defer session.Close()

	return session.Run(ctx, seg, voices)
}
