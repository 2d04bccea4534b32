package session

// VoiceState tracks the mandatory voice stream.
type VoiceState string

const (
	VoiceIdle         VoiceState = "idle"
	VoiceConnecting   VoiceState = "connecting"
	VoiceConnected    VoiceState = "connected"
	VoiceDisconnected VoiceState = "disconnected"
	VoiceFailed       VoiceState = "failed"
)

// AvatarState tracks the optional avatar stream.
type AvatarState string

const (
	AvatarIdle         AvatarState = "idle"
	AvatarConnecting   AvatarState = "connecting"
	AvatarConnected    AvatarState = "connected"
	AvatarDisconnected AvatarState = "disconnected"
	AvatarFailed       AvatarState = "failed"
)

// Status is the composed session status shown to the user.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusLive         Status = "live"
	StatusDegraded     Status = "degraded"
	StatusEnded        Status = "ended"
	StatusFailed       Status = "failed"
)

// Compose maps the two connection states onto one session status. Voice is
// mandatory; the avatar can only degrade a live session.
func Compose(voice VoiceState, avatar AvatarState, ended bool) Status {
	if ended {
		return StatusEnded
	}
	switch voice {
	case VoiceFailed, VoiceDisconnected:
		return StatusFailed
	case VoiceIdle:
		return StatusInitializing
	case VoiceConnecting:
		return StatusConnecting
	}
	switch avatar {
	case AvatarFailed, AvatarDisconnected:
		return StatusDegraded
	default:
		return StatusLive
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}
