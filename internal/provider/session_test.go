package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
)

// scriptedTransport replays a fixed sequence of inbound frames and
// records outbound frames, for deterministic Session tests.
type scriptedTransport struct {
	inbound  []Frame
	outbound []Frame
	closed   bool
}

func (s *scriptedTransport) WriteFrame(f Frame) error {
	s.outbound = append(s.outbound, f)
	return nil
}

func (s *scriptedTransport) ReadFrame() (Frame, error) {
	if len(s.inbound) == 0 {
		return Frame{}, errors.New("scriptedTransport: no more frames")
	}
	f := s.inbound[0]
	s.inbound = s.inbound[1:]
	return f, nil
}

func (s *scriptedTransport) Close() error {
	s.closed = true
	return nil
}

func statusFrame(code StatusCode, msg string) Frame {
	body, _ := json.Marshal(statusPayload{Code: code, Message: msg})
	return Frame{Type: FrameStatus, Serialization: SerializationJSON, Payload: body}
}

func audioFrame(b []byte) Frame {
	return Frame{Type: FrameAudioChunk, Payload: b}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 2 * time.Second
	cfg.TotalTimeout = 2 * time.Second
	return cfg
}

func TestSessionRunHappyPath(t *testing.T) {
	transport := &scriptedTransport{
		inbound: []Frame{
			audioFrame([]byte("hello-")),
			audioFrame([]byte("world")),
			statusFrame(StatusFinal, ""),
		},
	}
	session := NewSession(testConfig(), transport)

	seg := dialogue.Segment{Turns: []dialogue.Turn{
		{SpeakerID: 0, Utterance: "hi"},
		{SpeakerID: 1, Utterance: "there"},
	}}

	audio, err := session.Run(context.Background(), seg, Voices([]string{"a", "b"}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if string(audio) != "hello-world" {
		t.Fatalf("got %q", audio)
	}

	if len(transport.outbound) != 3 {
		t.Fatalf("expected SessionStart + 2 TurnText frames, got %d", len(transport.outbound))
	}
	if transport.outbound[0].Type != FrameSessionStart {
		t.Fatalf("first frame should be SessionStart, got %v", transport.outbound[0].Type)
	}
	last := transport.outbound[len(transport.outbound)-1]
	var tt turnTextPayload
	if err := json.Unmarshal(last.Payload, &tt); err != nil {
		t.Fatalf("decode last TurnText: %v", err)
	}
	if !tt.IsLast {
		t.Fatal("expected is_last=true on the final turn")
	}
}

func TestSessionRunProviderError(t *testing.T) {
	transport := &scriptedTransport{
		inbound: []Frame{statusFrame(StatusError, "boom")},
	}
	session := NewSession(testConfig(), transport)

	seg := dialogue.Segment{Turns: []dialogue.Turn{{SpeakerID: 0, Utterance: "hi"}}}
	_, err := session.Run(context.Background(), seg, Voices([]string{"a"}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errs.IsTransient(err) {
		t.Fatalf("expected a transient provider error, got %v", err)
	}
}

func TestSessionRunTruncatedTransport(t *testing.T) {
	transport := &scriptedTransport{inbound: []Frame{audioFrame([]byte("partial"))}}
	session := NewSession(testConfig(), transport)

	seg := dialogue.Segment{Turns: []dialogue.Turn{{SpeakerID: 0, Utterance: "hi"}}}
	_, err := session.Run(context.Background(), seg, Voices([]string{"a"}))
	if err == nil {
		t.Fatal("expected an error when the transport runs out of frames before FINAL")
	}
}
