// Package frame defines the typed message envelope that crosses both legs
// of a relay session: microphone audio going up, translation and synthesized
// speech events coming down, and control frames in either direction.
package frame

import "fmt"

type Type int

const (
	TypeUnknown Type = iota
	TypeAudioChunk
	TypeImageFrame
	TypePartialTranslation
	TypeFinalTranslation
	TypeSynthesizedAudio
	TypeControl
)

func (t Type) String() string {
	switch t {
	case TypeAudioChunk:
		return "audio_chunk"
	case TypeImageFrame:
		return "image_frame"
	case TypePartialTranslation:
		return "partial"
	case TypeFinalTranslation:
		return "final"
	case TypeSynthesizedAudio:
		return "synthesized_audio"
	case TypeControl:
		return "control"
	default:
		return "unknown"
	}
}

type ControlKind string

const (
	ControlPing  ControlKind = "ping"
	ControlPong  ControlKind = "pong"
	ControlClose ControlKind = "close"
)

// Close reasons carried on terminal Control frames.
const (
	ReasonUpstreamUnavailable = "upstream_unavailable"
	ReasonClientTimeout       = "client_timeout"
	ReasonClientClosed        = "client_closed"
	ReasonShutdown            = "server_shutdown"
	ReasonInternalError       = "internal_error"
)

// Frame is a tagged variant. Which fields are meaningful depends on Type:
// audio and image chunks carry Data and Sequence, translations carry the
// text fields (finals additionally SourceText and TurnID), synthesized audio
// carries Data and TurnID, control frames carry Control and optionally Reason.
type Frame struct {
	Type Type

	Data     []byte
	Sequence uint64

	Text       string
	SourceText string
	SourceLang string
	TargetLang string
	TurnID     uint64

	Control ControlKind
	Reason  string
}

func AudioChunk(seq uint64, data []byte) Frame {
	return Frame{Type: TypeAudioChunk, Sequence: seq, Data: data}
}

func ImageFrame(seq uint64, data []byte) Frame {
	return Frame{Type: TypeImageFrame, Sequence: seq, Data: data}
}

func Close(reason string) Frame {
	return Frame{Type: TypeControl, Control: ControlClose, Reason: reason}
}

func (f Frame) IsClose() bool {
	return f.Type == TypeControl && f.Control == ControlClose
}

func (f Frame) String() string {
	switch f.Type {
	case TypeAudioChunk, TypeImageFrame:
		return fmt.Sprintf("%s seq=%d len=%d", f.Type, f.Sequence, len(f.Data))
	case TypeSynthesizedAudio:
		return fmt.Sprintf("%s turn=%d len=%d", f.Type, f.TurnID, len(f.Data))
	case TypeControl:
		return fmt.Sprintf("control %s", f.Control)
	default:
		return f.Type.String()
	}
}
