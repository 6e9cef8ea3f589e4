package upstream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind tags decoded upstream messages. The upstream wire protocol
// discriminates by which optional field is present; decoding happens once
// here so nothing downstream inspects raw payloads.
type EventKind int

const (
	KindReady EventKind = iota
	KindAudio
	KindText
	KindInputTranscript
	KindOutputTranscript
	KindTurnComplete
	KindToolCall
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	case KindInputTranscript:
		return "input_transcript"
	case KindOutputTranscript:
		return "output_transcript"
	case KindTurnComplete:
		return "turn_complete"
	case KindToolCall:
		return "tool_call"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded upstream message fragment.
type Event struct {
	Kind      EventKind
	Audio     []byte
	Mime      string
	Text      string
	Code      string
	Detail    string
	Retryable bool
}

var errUnrecognizedMessage = errors.New("unrecognized upstream message")

// Wire shapes. One inbound socket message may decode into several events
// (multiple content parts plus a turn-complete marker).

type serverMessage struct {
	SetupComplete json.RawMessage `json:"setupComplete"`
	ServerContent *serverContent  `json:"serverContent"`
	ToolCall      json.RawMessage `json:"toolCall"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn"`
	TurnComplete        bool           `json:"turnComplete"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	Text       string      `json:"text"`
	InlineData *inlineData `json:"inlineData"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type transcription struct {
	Text string `json:"text"`
}

func decodeServerMessage(raw []byte) ([]Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode upstream message: %w", err)
	}

	switch {
	case msg.SetupComplete != nil:
		return []Event{{Kind: KindReady}}, nil
	case msg.ToolCall != nil:
		return []Event{{Kind: KindToolCall}}, nil
	case msg.ServerContent != nil:
		return decodeContent(msg.ServerContent)
	default:
		return nil, errUnrecognizedMessage
	}
}

func decodeContent(sc *serverContent) ([]Event, error) {
	var events []Event
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, Event{Kind: KindInputTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, Event{Kind: KindOutputTranscript, Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("decode inline audio: %w", err)
				}
				events = append(events, Event{Kind: KindAudio, Audio: pcm, Mime: part.InlineData.MimeType})
				continue
			}
			if part.Text != "" {
				events = append(events, Event{Kind: KindText, Text: part.Text})
			}
		}
	}
	if sc.TurnComplete {
		events = append(events, Event{Kind: KindTurnComplete})
	}
	if len(events) == 0 {
		return nil, errUnrecognizedMessage
	}
	return events, nil
}

// Outbound wire shapes.

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *instruction     `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	LanguageCode string       `json:"languageCode,omitempty"`
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type instruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	TurnComplete bool `json:"turnComplete"`
}

func newSetupMessage(cfg SessionConfig) setupMessage {
	payload := setupPayload{
		Model: cfg.Model,
		GenerationConfig: generationConfig{
			ResponseModalities: cfg.Modalities,
		},
	}
	if cfg.Language != "" || cfg.Voice != "" {
		sc := &speechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			sc.VoiceConfig = &voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}}
		}
		payload.GenerationConfig.SpeechConfig = sc
	}
	if cfg.SystemInstruction != "" {
		payload.SystemInstruction = &instruction{Parts: []textPart{{Text: cfg.SystemInstruction}}}
	}
	return setupMessage{Setup: payload}
}
