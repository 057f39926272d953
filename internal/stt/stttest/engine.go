// Package stttest provides a scriptable recognition engine for tests.
package stttest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Engine hands out Streams that tests drive by hand.
type Engine struct {
	mu          sync.Mutex
	openErr     error
	unavailable error
	streams     []*Stream
	opened      chan *Stream
	hold        chan struct{}
}

func NewEngine() *Engine {
	return &Engine{opened: make(chan *Stream, 128)}
}

// FailOpens makes subsequent Open calls return err.
func (e *Engine) FailOpens(err error) {
	e.mu.Lock()
	e.openErr = err
	e.mu.Unlock()
}

// HoldOpens makes subsequent Open calls block, ignoring their context,
// until release is called.
func (e *Engine) HoldOpens() (release func()) {
	hold := make(chan struct{})
	e.mu.Lock()
	e.hold = hold
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.hold == hold {
				e.hold = nil
			}
			e.mu.Unlock()
			close(hold)
		})
	}
}

// SetUnavailable makes Available return err.
func (e *Engine) SetUnavailable(err error) {
	e.mu.Lock()
	e.unavailable = err
	e.mu.Unlock()
}

func (e *Engine) Available(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unavailable
}

func (e *Engine) Open(_ context.Context, format capture.Format) (stt.Stream, error) {
	e.mu.Lock()
	hold := e.hold
	e.mu.Unlock()
	if hold != nil {
		<-hold
	}

	e.mu.Lock()
	if e.openErr != nil {
		err := e.openErr
		e.mu.Unlock()
		return nil, err
	}
	s := &Stream{
		Format:    format,
		items:     make(chan item, 128),
		frame:     make(chan struct{}, 1),
		closeSent: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	e.streams = append(e.streams, s)
	e.mu.Unlock()
	e.opened <- s
	return s, nil
}

// Opens reports how many streams have been opened.
func (e *Engine) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// Next waits for the next stream to be opened.
func (e *Engine) Next(t testing.TB) *Stream {
	t.Helper()
	select {
	case s := <-e.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for recognition stream to open")
		return nil
	}
}

type item struct {
	res stt.Result
	err error
}

// Stream records audio and replays scripted results.
type Stream struct {
	Format capture.Format

	mu     sync.Mutex
	frames int
	bytes  int
	frame  chan struct{}

	items     chan item
	sendOnce  sync.Once
	closeSent chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Stream) Send(pcm []byte) error {
	select {
	case <-s.closed:
		return stt.ErrStreamClosed
	default:
	}
	s.mu.Lock()
	s.frames++
	s.bytes += len(pcm)
	s.mu.Unlock()
	select {
	case s.frame <- struct{}{}:
	default:
	}
	return nil
}

func (s *Stream) CloseSend() error {
	s.sendOnce.Do(func() { close(s.closeSent) })
	return nil
}

func (s *Stream) Recv() (stt.Result, error) {
	select {
	case it := <-s.items:
		return it.res, it.err
	case <-s.closed:
		return stt.Result{}, stt.ErrStreamClosed
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Partial queues an interim result.
func (s *Stream) Partial(text string) {
	s.items <- item{res: stt.Result{Text: text}}
}

// Final queues a final result.
func (s *Stream) Final(text string) {
	s.items <- item{res: stt.Result{Text: text, Final: true}}
}

// Fail makes the next Recv return err.
func (s *Stream) Fail(err error) {
	s.items <- item{err: err}
}

// End makes the next Recv report end of stream.
func (s *Stream) End() {
	s.items <- item{err: io.EOF}
}

// Frames reports how many Send calls the stream accepted.
func (s *Stream) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// WaitFrames blocks until at least n frames have been sent.
func (s *Stream) WaitFrames(t testing.TB, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for s.Frames() < n {
		select {
		case <-s.frame:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, s.Frames())
		}
	}
}

func (s *Stream) SendClosed() bool {
	select {
	case <-s.closeSent:
		return true
	default:
		return false
	}
}

func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// WaitSendClosed blocks until CloseSend has been called.
func (s *Stream) WaitSendClosed(t testing.TB) {
	t.Helper()
	select {
	case <-s.closeSent:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for end of audio")
	}
}

// WaitClosed blocks until the stream has been released.
func (s *Stream) WaitClosed(t testing.TB) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stream to close")
	}
}
