package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript carries the whole current transcript of a recording pass.
// Consumers replace their copy rather than appending.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Generation uint64    `json:"generation"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionState is broadcast whenever the recording state changes.
type SessionState struct {
	SessionID  string    `json:"session_id,omitempty"`
	State      string    `json:"state"`
	Generation uint64    `json:"generation"`
	Restarts   int       `json:"restarts"`
	Timestamp  time.Time `json:"timestamp"`
}

// ControlReply answers start/stop/reset/snapshot requests.
type ControlReply struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	State      string `json:"state"`
	Transcript string `json:"transcript"`
	SessionID  string `json:"session_id,omitempty"`
	Generation uint64 `json:"generation"`
}

// AuthReply is the consent service's answer to an authorization request.
type AuthReply struct {
	Status string `json:"status"`
}

// AuthRequest asks the consent service for speech-recognition permission.
type AuthRequest struct {
	Runtime   string    `json:"runtime"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscript       = "scribe.transcript"
	SubjectState            = "scribe.state"
	SubjectControlPrefix    = "scribe.ctrl"
	SubjectAuthSpeech       = "ctrl.auth.speech"
)

const (
	CodeInvalidState        = "invalid_state"
	CodeAuthorizationDenied = "authorization_denied"
	CodeDeviceUnavailable   = "device_unavailable"
	CodeInternal            = "internal"
)
