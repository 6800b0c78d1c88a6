package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
)

// Transport is the bidirectional frame stream a Session drives. Its only
// implementation in production is a websocket connection; tests use a
// scripted in-memory fake.
type Transport interface {
	WriteFrame(Frame) error
	ReadFrame() (Frame, error)
	Close() error
}

// Config holds provider connection and timeout settings (spec §4.2).
type Config struct {
	Endpoint    string
	AppID       string
	AccessToken string

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	TotalTimeout   time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    30 * time.Second,
		TotalTimeout:   120 * time.Second,
	}
}

// VoiceProfile maps a speaker id to the provider's voice identifier.
type VoiceProfile struct {
	SpeakerID int    `json:"speaker_id"`
	Voice     string `json:"voice"`
}

// sessionStartPayload is the JSON body of a SessionStart frame.
type sessionStartPayload struct {
	SessionID string         `json:"session_id"`
	Voices    []VoiceProfile `json:"voices"`
	Codec     string         `json:"codec"`
	SampleHz  int            `json:"sample_rate"`
}

// turnTextPayload is the JSON body of a TurnText frame.
type turnTextPayload struct {
	SpeakerID int    `json:"speaker_id"`
	Utterance string `json:"utterance"`
	IsLast    bool   `json:"is_last"`
}

// statusPayload is the JSON body of a Status frame.
type statusPayload struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message"`
}

// Session runs one streaming synthesis call over a Transport, per
// spec §4.2 steps 1-5. A Session is single-use: call Dial once, then Run
// once.
type Session struct {
	cfg       Config
	transport Transport
}

// Dialer opens a Transport for one session. Production code uses
// DialWebsocket; tests inject a fake.
type Dialer func(ctx context.Context, cfg Config) (Transport, error)

// NewSession builds a Session bound to the given transport.
func NewSession(cfg Config, t Transport) *Session {
	return &Session{cfg: cfg, transport: t}
}

// Voices assigns the first two distinct speakers a fixed voice profile and
// everything else the first speaker's voice, matching the original
// get_speaker_for_role default-casting behaviour.
func Voices(names []string) []VoiceProfile {
	const (
		firstVoice  = "voice_primary"
		secondVoice = "voice_secondary"
	)

	voices := make([]VoiceProfile, len(names))
	for i := range names {
		switch i {
		case 0:
			voices[i] = VoiceProfile{SpeakerID: 0, Voice: firstVoice}
		case 1:
			voices[i] = VoiceProfile{SpeakerID: 1, Voice: secondVoice}
		default:
			voices[i] = VoiceProfile{SpeakerID: i, Voice: firstVoice}
		}
	}
	return voices
}

// Run drives one segment through the protocol and returns the
// concatenated audio bytes for that segment.
func (s *Session) Run(ctx context.Context, seg dialogue.Segment, voices []VoiceProfile) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TotalTimeout)
	defer cancel()

	sessionID := uuid.NewString()
	start := sessionStartPayload{
		SessionID: sessionID,
		Voices:    voices,
		Codec:     "mp3",
		SampleHz:  24000,
	}
	if err := s.send(FrameSessionStart, start); err != nil {
		return nil, errs.Wrap(errs.KindTransientProvider, "send SessionStart", err)
	}

	for i, turn := range seg.Turns {
		payload := turnTextPayload{
			SpeakerID: turn.SpeakerID,
			Utterance: turn.Utterance,
			IsLast:    i == len(seg.Turns)-1,
		}
		if err := s.send(FrameTurnText, payload); err != nil {
			return nil, errs.Wrap(errs.KindTransientProvider, "send TurnText", err)
		}
	}

	var audio []byte
	deadline := time.Now().Add(s.cfg.TotalTimeout)
	for {
		frame, err := s.recv(ctx, deadline)
		if err != nil {
			return nil, err
		}

		switch frame.Type {
		case FrameAudioChunk:
			audio = append(audio, frame.Payload...)
		case FrameStatus:
			var st statusPayload
			if err := json.Unmarshal(frame.Payload, &st); err != nil {
				return nil, errs.Wrap(errs.KindFatalProvider, "decode Status frame", err)
			}
			switch st.Code {
			case StatusFinal:
				return audio, nil
			case StatusError:
				return nil, errs.New(errs.KindTransientProvider, fmt.Sprintf("provider error: %s", st.Message))
			default:
				return nil, errs.New(errs.KindFatalProvider, fmt.Sprintf("unknown status code %d", st.Code))
			}
		default:
			return nil, errs.New(errs.KindFatalProvider, fmt.Sprintf("unexpected frame type %d", frame.Type))
		}
	}
}

func (s *Session) send(t FrameType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", payload, err)
	}
	return s.transport.WriteFrame(Frame{
		Type:          t,
		Serialization: SerializationJSON,
		Compression:   CompressionNone,
		Payload:       body,
	})
}

func (s *Session) recv(ctx context.Context, deadline time.Time) (Frame, error) {
	type result struct {
		frame Frame
		err   error
	}

	ch := make(chan result, 1)
	go func() {
		f, err := s.transport.ReadFrame()
		ch <- result{f, err}
	}()

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return Frame{}, errs.Wrap(errs.KindTransientProvider, "transport closed before FINAL", r.err)
		}
		return r.frame, nil
	case <-idle.C:
		return Frame{}, errs.New(errs.KindTransientProvider, "idle timeout waiting for frame")
	case <-ctx.Done():
		return Frame{}, errs.New(errs.KindTransientProvider, "session total timeout exceeded")
	}
}

// Close releases the underlying transport.
func (s *Session) Close() error {
	return s.transport.Close()
}

// websocketTransport implements Transport over a gorilla/websocket
// connection, matching the original implementation's use of the
// websockets library for the same bidi stream.
type websocketTransport struct {
	conn *websocket.Conn
}

// DialWebsocket opens the provider's websocket endpoint with the
// connect-time auth headers spec §6 requires.
func DialWebsocket(ctx context.Context, cfg Config) (Transport, error) {
	header := http.Header{}
	header.Set("X-Api-App-Id", cfg.AppID)
	header.Set("X-Api-Access-Key", cfg.AccessToken)
	header.Set("X-Api-Connect-Id", uuid.NewString())

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, cfg.Endpoint, header)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientProvider, "connect to provider", err)
	}

	return &websocketTransport{conn: conn}, nil
}

func (t *websocketTransport) WriteFrame(f Frame) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *websocketTransport) ReadFrame() (Frame, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := f.UnmarshalBinary(data); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (t *websocketTransport) Close() error {
	return t.conn.Close()
}
