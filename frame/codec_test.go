package frame

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/gorilla/websocket"
)

func TestDecodeBinaryAudioChunk(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	msgType, data, err := Encode(AudioChunk(42, payload))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got %d", msgType)
	}

	f, err := Decode(websocket.BinaryMessage, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != TypeAudioChunk {
		t.Errorf("expected audio chunk, got %s", f.Type)
	}
	if f.Sequence != 42 {
		t.Errorf("expected sequence 42, got %d", f.Sequence)
	}
	if !bytes.Equal(f.Data, payload) {
		t.Errorf("payload mismatch: %x", f.Data)
	}
}

func TestDecodeBinarySynthesizedAudioCarriesTurnID(t *testing.T) {
	_, data, err := Encode(Frame{Type: TypeSynthesizedAudio, TurnID: 7, Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != TypeSynthesizedAudio || f.TurnID != 7 {
		t.Errorf("got %s turn=%d", f.Type, f.TurnID)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		msgType int
		data    []byte
	}{
		{"short binary header", websocket.BinaryMessage, []byte{0x01, 0x00}},
		{"unknown binary kind", websocket.BinaryMessage, append([]byte{0x7f}, make([]byte, 8)...)},
		{"invalid json", websocket.TextMessage, []byte(`{`)},
		{"missing type", websocket.TextMessage, []byte(`{"text":"hi"}`)},
		{"unknown type", websocket.TextMessage, []byte(`{"type":"telemetry"}`)},
		{"unsupported message type", websocket.PingMessage, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.msgType, tt.data)
			if !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("expected protocol violation, got %v", err)
			}
		})
	}
}

func TestTextEnvelopeFinal(t *testing.T) {
	in := Frame{
		Type:       TypeFinalTranslation,
		Text:       "你好",
		SourceText: "hello",
		SourceLang: "en",
		TargetLang: "zh-Hans",
		TurnID:     3,
	}
	msgType, data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("expected text message, got %d", msgType)
	}

	out, err := DecodeText(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("roundtrip mismatch: %+v != %+v", out, in)
	}
}

func TestCloseFrame(t *testing.T) {
	_, data, err := Encode(Close("upstream_unavailable"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeText(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !f.IsClose() {
		t.Errorf("expected close frame, got %s", f)
	}
	if f.Reason != "upstream_unavailable" {
		t.Errorf("expected reason, got %q", f.Reason)
	}
}
