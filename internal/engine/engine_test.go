package engine

import (
	"context"
	"testing"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dbstore"
	"github.com/blueapplecc-ppp/tts-vocl/internal/limiter"
	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider"
	"github.com/blueapplecc-ppp/tts-vocl/internal/segment"
	"github.com/blueapplecc-ppp/tts-vocl/internal/task"
)

// fakeBlob is an in-memory Blob for engine tests.
type fakeBlob struct {
	objects map[string][]byte
}

func newFakeBlob() *fakeBlob { return &fakeBlob{objects: map[string][]byte{}} }

func (f *fakeBlob) Put(ctx context.Context, key string, data []byte, contentType string, publicRead bool) (string, error) {
	f.objects[key] = data
	return "https://blob.example/" + key, nil
}

func (f *fakeBlob) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBlob) Delete(ctx context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

// fakeStore is an in-memory dbstore.Store for engine tests.
type fakeStore struct {
	audios map[string]dbstore.Audio
	runs   []dbstore.TaskRun
}

func newFakeStore() *fakeStore { return &fakeStore{audios: map[string]dbstore.Audio{}} }

func (s *fakeStore) GetText(ctx context.Context, textID string) (*dbstore.Text, error) { return nil, nil }
func (s *fakeStore) InsertText(ctx context.Context, t dbstore.Text) error               { return nil }

func (s *fakeStore) GetLiveAudio(ctx context.Context, textID string) (*dbstore.Audio, error) {
	if a, ok := s.audios[textID]; ok {
		return &a, nil
	}
	return nil, nil
}

func (s *fakeStore) InsertAudio(ctx context.Context, a dbstore.Audio) error {
	s.audios[a.TextID] = a
	return nil
}

func (s *fakeStore) NextVersion(ctx context.Context, textID string) (int, error) { return 1, nil }

func (s *fakeStore) RecordTaskRun(ctx context.Context, r dbstore.TaskRun) error {
	s.runs = append(s.runs, r)
	return nil
}

func (s *fakeStore) Stats(ctx context.Context) (dbstore.Stats, error) {
	return dbstore.Stats{Completed: len(s.audios)}, nil
}

// scriptedTransport (borrowed shape) returns canned FINAL frames so the
// segment worker always succeeds without a real provider.
type scriptedTransport struct{ payload []byte }

func (t *scriptedTransport) WriteFrame(provider.Frame) error { return nil }
func (t *scriptedTransport) Close() error                    { return nil }

func (t *scriptedTransport) ReadFrame() (provider.Frame, error) {
	if t.payload != nil {
		p := t.payload
		t.payload = nil
		return provider.Frame{Type: provider.FrameAudioChunk, Payload: p}, nil
	}
	return provider.Frame{Type: provider.FrameStatus, Payload: []byte(`{"code":0,"message":""}`)}, nil
}

func newTestEngine(t *testing.T, mon monitor.Monitor) (*Engine, *fakeBlob, *fakeStore) {
	blob := newFakeBlob()
	store := newFakeStore()

	newWorker := func() *segment.Worker {
		dial := func(ctx context.Context, cfg provider.Config) (provider.Transport, error) {
			return &scriptedTransport{payload: []byte("chunk")}, nil
		}
		return segment.New(provider.DefaultConfig(), segment.Policy{RetryDelayBase: time.Millisecond, MaxRetries: 1}, dial)
	}

	e := New(
		Config{LongTextThreshold: 20, SegmentSize: 2, MaxConcurrentSegments: 2},
		limiter.NewLocal(4),
		limiter.NewLocal(4),
		mon,
		blob,
		store,
		newWorker,
	)
	return e, blob, store
}

func TestEngineSubmitThenExecuteCompletes(t *testing.T) {
	mon := monitor.NewMemory(time.Hour)
	defer mon.Close()

	e, _, store := newTestEngine(t, mon)
	ctx := context.Background()

	res, _, err := e.Submit(ctx, "text-1", "user-1", "Alice: hi\nBob: hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res != task.StartAccepted {
		t.Fatalf("expected ACCEPTED, got %v", res)
	}

	e.Execute(ctx, "text-1", "user-1", "Alice: hi\nBob: hello")

	got, err := mon.GetTask(ctx, "text-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v (%s)", got.Status, got.ErrorMessage)
	}
	if _, ok := store.audios["text-1"]; !ok {
		t.Fatal("expected an audio row to be persisted")
	}
}

func TestEngineSubmitDuplicateContent(t *testing.T) {
	mon := monitor.NewMemory(time.Hour)
	defer mon.Close()

	e, _, _ := newTestEngine(t, mon)
	ctx := context.Background()

	if _, _, err := e.Submit(ctx, "text-1", "user-1", "Alice: hi"); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}

	res, existing, err := e.Submit(ctx, "text-2", "user-1", "Alice: hi")
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if res != task.StartDuplicateContent {
		t.Fatalf("expected DUPLICATE_CONTENT, got %v", res)
	}
	if existing.TextID != "text-1" {
		t.Fatalf("expected to observe text-1, got %s", existing.TextID)
	}
}
