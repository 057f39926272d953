package transcriber

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var (
	ErrInvalidState          = errors.New("command not valid in current state")
	ErrAuthorizationDenied   = errors.New("speech recognition not authorized")
	ErrDeviceUnavailable     = capture.ErrDeviceUnavailable
	ErrRecognizerUnavailable = stt.ErrUnavailable
	ErrClosed                = errors.New("transcription manager closed")
)

// State is the recording state shown to presenters.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the manager. Transcript always holds the
// whole current text of the pass, never a delta.
type Snapshot struct {
	State      State
	Transcript string
	// Final is set once the transcript came from a session's final result.
	Final      bool
	PassID     string
	Generation uint64
	Restarts   int
	UpdatedAt  time.Time
}
