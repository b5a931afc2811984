package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// ErrProtocolViolation marks a frame that could not be decoded. Callers drop
// the frame and keep the connection; a bad frame is never fatal.
var ErrProtocolViolation = errors.New("protocol violation")

// Binary wire layout on the browser leg: one kind byte, an 8-byte big-endian
// counter (sequence for audio/image, turnId for synthesized audio), then the
// raw payload.
const (
	binKindAudioChunk       = 0x01
	binKindSynthesizedAudio = 0x02
	binKindImageFrame       = 0x03

	binHeaderLen = 9
)

type envelope struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	SourceText string `json:"source_text,omitempty"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
	TurnID     uint64 `json:"turn_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Decode parses one websocket message from the browser leg.
func Decode(messageType int, data []byte) (Frame, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return DecodeBinary(data)
	case websocket.TextMessage:
		return DecodeText(data)
	default:
		return Frame{}, fmt.Errorf("%w: unsupported message type %d", ErrProtocolViolation, messageType)
	}
}

func DecodeBinary(data []byte) (Frame, error) {
	if len(data) < binHeaderLen {
		return Frame{}, fmt.Errorf("%w: binary frame too short (%d bytes)", ErrProtocolViolation, len(data))
	}
	counter := binary.BigEndian.Uint64(data[1:binHeaderLen])
	payload := data[binHeaderLen:]

	switch data[0] {
	case binKindAudioChunk:
		return AudioChunk(counter, payload), nil
	case binKindSynthesizedAudio:
		return Frame{Type: TypeSynthesizedAudio, TurnID: counter, Data: payload}, nil
	case binKindImageFrame:
		return ImageFrame(counter, payload), nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown binary kind 0x%02x", ErrProtocolViolation, data[0])
	}
}

func DecodeText(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	switch env.Type {
	case "partial":
		return Frame{
			Type:       TypePartialTranslation,
			Text:       env.Text,
			SourceLang: env.SourceLang,
			TargetLang: env.TargetLang,
		}, nil
	case "final":
		return Frame{
			Type:       TypeFinalTranslation,
			Text:       env.Text,
			SourceText: env.SourceText,
			SourceLang: env.SourceLang,
			TargetLang: env.TargetLang,
			TurnID:     env.TurnID,
		}, nil
	case "ping", "pong", "close":
		return Frame{Type: TypeControl, Control: ControlKind(env.Type), Reason: env.Reason}, nil
	case "":
		return Frame{}, fmt.Errorf("%w: missing frame type", ErrProtocolViolation)
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame type %q", ErrProtocolViolation, env.Type)
	}
}

// Encode renders a frame for the browser leg, returning the websocket
// message type alongside the payload.
func Encode(f Frame) (int, []byte, error) {
	switch f.Type {
	case TypeAudioChunk:
		return websocket.BinaryMessage, encodeBinary(binKindAudioChunk, f.Sequence, f.Data), nil
	case TypeSynthesizedAudio:
		return websocket.BinaryMessage, encodeBinary(binKindSynthesizedAudio, f.TurnID, f.Data), nil
	case TypeImageFrame:
		return websocket.BinaryMessage, encodeBinary(binKindImageFrame, f.Sequence, f.Data), nil
	case TypePartialTranslation, TypeFinalTranslation, TypeControl:
		data, err := encodeText(f)
		return websocket.TextMessage, data, err
	default:
		return 0, nil, fmt.Errorf("cannot encode frame type %s", f.Type)
	}
}

func encodeBinary(kind byte, counter uint64, payload []byte) []byte {
	buf := make([]byte, binHeaderLen+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint64(buf[1:binHeaderLen], counter)
	copy(buf[binHeaderLen:], payload)
	return buf
}

func encodeText(f Frame) ([]byte, error) {
	env := envelope{
		Text:       f.Text,
		SourceText: f.SourceText,
		SourceLang: f.SourceLang,
		TargetLang: f.TargetLang,
		Reason:     f.Reason,
	}
	switch f.Type {
	case TypePartialTranslation:
		env.Type = "partial"
	case TypeFinalTranslation:
		env.Type = "final"
		env.TurnID = f.TurnID
	case TypeControl:
		env.Type = string(f.Control)
	}
	return json.Marshal(env)
}
