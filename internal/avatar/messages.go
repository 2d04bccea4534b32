package avatar

// Control channel payloads. Each is sent as one JSON text message.

type AudioMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type ExpressionMessage struct {
	Type      string  `json:"type"`
	Emotion   string  `json:"emotion"`
	Intensity float64 `json:"intensity"`
	Duration  int     `json:"duration"`
	Timestamp int64   `json:"timestamp"`
}

type ControlMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

const (
	messageTypeAudio      = "audio"
	messageTypeExpression = "expression"
	messageTypeControl    = "control"

	actionPause  = "pause"
	actionResume = "resume"
)
