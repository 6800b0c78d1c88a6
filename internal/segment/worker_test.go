package segment

import (
	"context"
	"testing"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider"
)

// fakeTransport returns a scripted error or a canned FINAL response.
type fakeTransport struct {
	failWith error
	reads    []provider.Frame
}

func (f *fakeTransport) WriteFrame(provider.Frame) error { return nil }

func (f *fakeTransport) ReadFrame() (provider.Frame, error) {
	if f.failWith != nil {
		return provider.Frame{}, f.failWith
	}
	if len(f.reads) == 0 {
		return provider.Frame{}, errs.New(errs.KindTransientProvider, "no more frames")
	}
	fr := f.reads[0]
	f.reads = f.reads[1:]
	return fr, nil
}

func (f *fakeTransport) Close() error { return nil }

func finalStatusFrame() provider.Frame {
	return provider.Frame{Type: provider.FrameStatus, Payload: []byte(`{"code":0,"message":""}`)}
}

func TestWorkerRunRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context, cfg provider.Config) (provider.Transport, error) {
		attempts++
		if attempts < 3 {
			return nil, errs.New(errs.KindTransientProvider, "connect refused")
		}
		return &fakeTransport{reads: []provider.Frame{finalStatusFrame()}}, nil
	}

	w := New(provider.DefaultConfig(), Policy{RetryDelayBase: time.Millisecond, MaxRetries: 3}, dial)
	seg := dialogue.Segment{Turns: []dialogue.Turn{{SpeakerID: 0, Utterance: "hi"}}}

	audio, err := w.Run(context.Background(), seg, provider.Voices([]string{"a"}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if audio == nil {
		t.Fatal("expected non-nil audio")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWorkerRunFatalErrorDoesNotRetry(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context, cfg provider.Config) (provider.Transport, error) {
		attempts++
		return nil, errs.New(errs.KindFatalProvider, "bad auth")
	}

	w := New(provider.DefaultConfig(), Policy{RetryDelayBase: time.Millisecond, MaxRetries: 3}, dial)
	seg := dialogue.Segment{Turns: []dialogue.Turn{{SpeakerID: 0, Utterance: "hi"}}}

	_, err := w.Run(context.Background(), seg, provider.Voices([]string{"a"}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a fatal error, got %d", attempts)
	}
}

func TestWorkerRunExhaustsRetries(t *testing.T) {
	dial := func(ctx context.Context, cfg provider.Config) (provider.Transport, error) {
		return nil, errs.New(errs.KindTransientProvider, "always fails")
	}

	w := New(provider.DefaultConfig(), Policy{RetryDelayBase: time.Millisecond, MaxRetries: 2}, dial)
	seg := dialogue.Segment{Turns: []dialogue.Turn{{SpeakerID: 0, Utterance: "hi"}}}

	_, err := w.Run(context.Background(), seg, provider.Voices([]string{"a"}))
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
}
