package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/capture"
)

// ErrMockFailure is raised by the mock engine when failure injection triggers.
var ErrMockFailure = errors.New("mock recognizer failure")

type mockEngine struct {
	failAfterFrames int
}

// NewMockEngine reports the audio length it has seen. A positive
// failAfterFrames fails every stream after that many frames.
func NewMockEngine(failAfterFrames int) Engine {
	return &mockEngine{failAfterFrames: failAfterFrames}
}

func (m *mockEngine) Open(_ context.Context, _ capture.Format) (Stream, error) {
	return &mockStream{box: newMailbox(), failAfter: m.failAfterFrames}, nil
}

func (m *mockEngine) Available(context.Context) error { return nil }

type mockStream struct {
	mu        sync.Mutex
	box       *mailbox
	length    int
	frames    int
	failAfter int
	sendDone  bool
}

func (s *mockStream) Send(pcm []byte) error {
	if s.box.isClosed() {
		return ErrStreamClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return errors.New("send after end of audio")
	}
	s.length += len(pcm)
	s.frames++
	if s.failAfter > 0 && s.frames >= s.failAfter {
		s.box.fail(fmt.Errorf("%w after %d frames", ErrMockFailure, s.frames))
		return nil
	}
	s.box.put(Result{Text: fmt.Sprintf("[partial transcript length=%d]", s.length)})
	return nil
}

func (s *mockStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return nil
	}
	s.sendDone = true
	s.box.put(Result{Text: fmt.Sprintf("[final transcript length=%d]", s.length), Final: true})
	s.box.end()
	return nil
}

func (s *mockStream) Recv() (Result, error) {
	return s.box.recv()
}

func (s *mockStream) Close() error {
	s.box.close()
	return nil
}
