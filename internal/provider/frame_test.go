package provider

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	original := Frame{
		Type:          FrameAudioChunk,
		Flags:         0x02,
		Serialization: SerializationRaw,
		Compression:   CompressionNone,
		Payload:       []byte{1, 2, 3, 4, 5},
	}

	data, err := original.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var decoded Frame
	if err := decoded.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	if decoded.Type != original.Type {
		t.Errorf("Type: got %v want %v", decoded.Type, original.Type)
	}
	if decoded.Flags != original.Flags {
		t.Errorf("Flags: got %v want %v", decoded.Flags, original.Flags)
	}
	if decoded.Serialization != original.Serialization {
		t.Errorf("Serialization: got %v want %v", decoded.Serialization, original.Serialization)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("Payload: got %v want %v", decoded.Payload, original.Payload)
	}
}

func TestFrameUnmarshalTooShort(t *testing.T) {
	var f Frame
	if err := f.UnmarshalBinary([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestFrameUnmarshalTruncatedPayload(t *testing.T) {
	f := Frame{Type: FrameStatus, Payload: []byte{1, 2, 3}}
	data, _ := f.MarshalBinary()

	var decoded Frame
	if err := decoded.UnmarshalBinary(data[:len(data)-2]); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
