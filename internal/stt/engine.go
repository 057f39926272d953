package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/capture"
)

// Result captures recognizer output. Text is the best transcription of all
// audio the stream has seen so far, not a delta.
type Result struct {
	Text       string
	Confidence float64
	Final      bool
}

// Stream is one streaming recognition request.
type Stream interface {
	// Send pushes PCM audio. It is called from a single goroutine.
	Send(pcm []byte) error
	// CloseSend marks end of audio; the engine then emits its last result.
	CloseSend() error
	// Recv blocks for the next result and returns io.EOF once the stream is drained.
	Recv() (Result, error)
	// Close releases the request. It unblocks a pending Recv.
	Close() error
}

// Engine opens recognition streams.
type Engine interface {
	Open(ctx context.Context, format capture.Format) (Stream, error)
}

// Checker is implemented by engines that can tell up front whether they are usable.
type Checker interface {
	Available(ctx context.Context) error
}

var (
	ErrUnavailable   = errors.New("speech recognizer unavailable")
	ErrStreamEnded   = errors.New("recognition stream ended unexpectedly")
	ErrFinishTimeout = errors.New("timed out waiting for final recognition result")
	ErrStreamClosed  = errors.New("recognition stream closed")
)
