package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk  MessageType = "client_audio_chunk"
	TypeClientControl     MessageType = "client_control"
	TypeSessionStatus     MessageType = "session_status"
	TypeTranscriptMessage MessageType = "transcript_message"
	TypeEmotionUpdate     MessageType = "emotion_update"
	TypeAvatarVideoReady  MessageType = "avatar_video_ready"
	TypeTimerTick         MessageType = "timer_tick"
	TypeSafetyNotice      MessageType = "safety_notice"
	TypeErrorEvent        MessageType = "error_event"
)

// Client control actions.
const (
	ActionMute            = "mute"
	ActionPause           = "pause"
	ActionEnd             = "end"
	ActionReconnectAvatar = "reconnect_avatar"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries one microphone frame in the container the voice
// service was configured for.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id,omitempty"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
	TSMs        int64       `json:"ts_ms,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type SessionStatus struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	Status          string      `json:"status"`
	VoiceState      string      `json:"voice_state"`
	AvatarState     string      `json:"avatar_state"`
	Muted           bool        `json:"muted"`
	Paused          bool        `json:"paused"`
	AvatarFallback  bool        `json:"avatar_fallback"`
	DurationSeconds int         `json:"duration_seconds"`
}

type EmotionScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

type TranscriptMessage struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Emotions  []EmotionScore `json:"emotions,omitempty"`
	TSMs      int64          `json:"ts_ms"`
}

type EmotionUpdate struct {
	Type       MessageType    `json:"type"`
	SessionID  string         `json:"session_id"`
	Emotions   []EmotionScore `json:"emotions"`
	Expression string         `json:"expression"`
	Intensity  float64        `json:"intensity"`
}

type AvatarVideoReady struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	AvatarSessionID string      `json:"avatar_session_id"`
}

type TimerTick struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	DurationSeconds int         `json:"duration_seconds"`
}

type SafetyNotice struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Level     string      `json:"level"`
	Reason    string      `json:"reason"`
	Resources string      `json:"resources,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Fatal     bool        `json:"fatal"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioBase64 == "" {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionMute, ActionPause, ActionEnd, ActionReconnectAvatar:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
