package dashscope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/reknottycat/Qwen3-Livetranslate/frame"
)

// Wire messages for the DashScope streaming-translate endpoint. The session
// opens with an init message describing the audio format and translation
// parameters, then streams base64 audio; the service answers with output
// events carrying translated text and optional synthesized speech.

type initMessage struct {
	TaskID     string     `json:"task_id"`
	Input      initInput  `json:"input"`
	Parameters parameters `json:"parameters"`
}

type initInput struct {
	Audio audioFormat `json:"audio"`
}

type audioFormat struct {
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
	Channel    int    `json:"channel"`
}

type parameters struct {
	TargetLanguage string       `json:"target_language"`
	SourceLanguage string       `json:"source_language,omitempty"`
	TextToSpeech   textToSpeech `json:"text_to_speech"`
}

type textToSpeech struct {
	Enabled bool   `json:"enabled"`
	Voice   string `json:"voice"`
}

type inputMessage struct {
	Input inputBody `json:"input"`
}

type inputBody struct {
	Audio *mediaData `json:"audio,omitempty"`
	Image *mediaData `json:"image,omitempty"`
	End   bool       `json:"end,omitempty"`
}

type mediaData struct {
	Data string `json:"data"`
}

type typeMessage struct {
	Type string `json:"type"`
}

const (
	msgHeartbeat         = "heartbeat"
	msgHeartbeatResponse = "heartbeat_response"
)

type event struct {
	Type   string       `json:"type,omitempty"`
	Output *eventOutput `json:"output,omitempty"`
	Error  *eventError  `json:"error,omitempty"`
}

type eventOutput struct {
	Text       string `json:"text"`
	SourceText string `json:"source_text"`
	Finished   bool   `json:"finished"`
	Audio      string `json:"audio"`
}

type eventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newInitMessage(taskID string, o Options) initMessage {
	return initMessage{
		TaskID: taskID,
		Input: initInput{
			Audio: audioFormat{
				SampleRate: o.SampleRate,
				Format:     "pcm",
				Channel:    1,
			},
		},
		Parameters: parameters{
			TargetLanguage: o.TargetLanguage,
			SourceLanguage: o.SourceLanguage,
			TextToSpeech: textToSpeech{
				Enabled: o.AudioEnabled,
				Voice:   o.Voice,
			},
		},
	}
}

func newAudioMessage(data []byte) inputMessage {
	return inputMessage{Input: inputBody{
		Audio: &mediaData{Data: base64.StdEncoding.EncodeToString(data)},
	}}
}

func newImageMessage(data []byte) inputMessage {
	return inputMessage{Input: inputBody{
		Image: &mediaData{Data: base64.StdEncoding.EncodeToString(data)},
	}}
}

func newEndMessage() inputMessage {
	return inputMessage{Input: inputBody{End: true}}
}

// decodeEvent maps one service message to zero or more frames. A message may
// carry both a translation and its synthesized speech; the text frame is
// emitted first so the relay assigns the turn id before tagging the audio.
func decodeEvent(data []byte, o Options) ([]frame.Frame, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unparseable upstream event: %w", err)
	}

	if ev.Type == msgHeartbeatResponse {
		return []frame.Frame{{Type: frame.TypeControl, Control: frame.ControlPong}}, nil
	}

	if ev.Error != nil {
		reason := ev.Error.Code
		if ev.Error.Message != "" {
			reason = fmt.Sprintf("%s: %s", ev.Error.Code, ev.Error.Message)
		}
		return []frame.Frame{frame.Close(reason)}, nil
	}

	if ev.Output == nil {
		return nil, nil
	}

	var frames []frame.Frame
	if ev.Output.Text != "" {
		f := frame.Frame{
			Text:       ev.Output.Text,
			SourceLang: o.SourceLanguage,
			TargetLang: o.TargetLanguage,
		}
		if ev.Output.Finished {
			f.Type = frame.TypeFinalTranslation
			f.SourceText = ev.Output.SourceText
		} else {
			f.Type = frame.TypePartialTranslation
		}
		frames = append(frames, f)
	}
	if ev.Output.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(ev.Output.Audio)
		if err != nil {
			return frames, fmt.Errorf("undecodable synthesized audio: %w", err)
		}
		frames = append(frames, frame.Frame{Type: frame.TypeSynthesizedAudio, Data: audio})
	}
	return frames, nil
}
