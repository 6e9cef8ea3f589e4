package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType identifies downstream event-stream payload variants.
type EventType string

const (
	TypeReady            EventType = "ready"
	TypeAudio            EventType = "audio"
	TypeTranscript       EventType = "transcript"
	TypeInputTranscript  EventType = "input_transcript"
	TypeOutputTranscript EventType = "output_transcript"
	TypeTurnComplete     EventType = "turn_complete"
	TypeError            EventType = "error"
	TypeSessionEnded     EventType = "session_ended"
)

// ReadyEvent is the first frame on every opened stream.
type ReadyEvent struct {
	Type              EventType `json:"type"`
	SessionID         string    `json:"session_id"`
	Language          string    `json:"language"`
	VoiceStyle        string    `json:"voice_style,omitempty"`
	Modalities        []string  `json:"response_modalities"`
	UpstreamConnected bool      `json:"upstream_connected"`
}

// AudioEvent carries one playable audio container produced by the relay.
type AudioEvent struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"session_id"`
	Seq         int64     `json:"seq"`
	Mime        string    `json:"mime"`
	AudioBase64 string    `json:"audio_base64"`
}

// TranscriptEvent carries model text, input transcripts and output
// transcripts; the three are distinguished by Type.
type TranscriptEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
}

type TurnCompleteEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
}

type ErrorEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Source    string    `json:"source"`
	Retryable bool      `json:"retryable"`
	Detail    string    `json:"detail,omitempty"`
}

type SessionEndedEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
}

// FrameKind identifies inbound client media frames.
type FrameKind string

const (
	FrameAudio FrameKind = "audio"
	FrameVideo FrameKind = "video"
)

var errInvalidFrame = errors.New("invalid frame")

// FrameRequest is one inbound media frame posted by the client. The payload
// stays base64 end to end; it is validated here and relayed as-is.
type FrameRequest struct {
	Kind          FrameKind `json:"kind"`
	PayloadBase64 string    `json:"payload_base64"`
	Mime          string    `json:"mime,omitempty"`
}

// ParseFrameRequest decodes and validates one send-frame body.
func ParseFrameRequest(raw []byte) (FrameRequest, error) {
	var req FrameRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return FrameRequest{}, fmt.Errorf("%w: %v", errInvalidFrame, err)
	}
	switch req.Kind {
	case FrameAudio, FrameVideo:
	default:
		return FrameRequest{}, fmt.Errorf("%w: unsupported kind %q", errInvalidFrame, req.Kind)
	}
	if strings.TrimSpace(req.PayloadBase64) == "" {
		return FrameRequest{}, fmt.Errorf("%w: missing payload_base64", errInvalidFrame)
	}
	if _, err := base64.StdEncoding.DecodeString(req.PayloadBase64); err != nil {
		return FrameRequest{}, fmt.Errorf("%w: payload is not valid base64", errInvalidFrame)
	}
	if req.Mime == "" {
		if req.Kind == FrameAudio {
			req.Mime = "audio/pcm"
		} else {
			req.Mime = "image/jpeg"
		}
	}
	return req, nil
}

// StartRequest is the start-session command body.
type StartRequest struct {
	Language           string   `json:"language"`
	VoiceStyle         string   `json:"voice_style,omitempty"`
	ResponseModalities []string `json:"response_modalities"`
}

// Validate checks required start-session fields.
func (r StartRequest) Validate() error {
	if strings.TrimSpace(r.Language) == "" {
		return errors.New("language is required")
	}
	if len(r.ResponseModalities) == 0 {
		return errors.New("response_modalities is required")
	}
	for _, m := range r.ResponseModalities {
		switch strings.ToLower(strings.TrimSpace(m)) {
		case "audio", "text":
		default:
			return fmt.Errorf("unsupported response modality %q", m)
		}
	}
	return nil
}
