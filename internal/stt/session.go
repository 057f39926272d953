package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/capture"
)

// SessionState is the lifecycle of a recognition session.
type SessionState int32

const (
	SessionActive SessionState = iota
	SessionCompleted
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionCompleted:
		return "completed"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handlers receive session output. OnResult fires for every partial and
// once more for the final result; exactly one of final OnResult or
// OnFailure ends the stream of callbacks.
type Handlers struct {
	OnResult  func(generation uint64, result Result)
	OnFailure func(generation uint64, err error)
}

type SessionOptions struct {
	QueueFrames   int
	FinishTimeout time.Duration
}

const (
	defaultQueueFrames   = 64
	defaultFinishTimeout = 5 * time.Second
)

// Session is one single-use recognition request fed from capture.
type Session struct {
	generation uint64
	engine     Engine
	format     capture.Format
	opts       SessionOptions
	handlers   Handlers
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	audio      chan []byte
	finishCh   chan struct{}
	finishOnce sync.Once
	finishing  atomic.Bool

	state    atomic.Int32
	termOnce sync.Once
	done     chan struct{}

	streamMu sync.Mutex
	stream   Stream
	released bool
	opened   chan struct{} // closed once engine.Open has returned

	sent    atomic.Uint64
	dropped atomic.Uint64

	// owned by the receive goroutine
	last Result
}

// NewSession starts a session and returns immediately; the engine stream is
// opened in the background and an open error arrives as OnFailure.
func NewSession(ctx context.Context, engine Engine, generation uint64, format capture.Format, opts SessionOptions, handlers Handlers, log *slog.Logger) *Session {
	if opts.QueueFrames <= 0 {
		opts.QueueFrames = defaultQueueFrames
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = defaultFinishTimeout
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		generation: generation,
		engine:     engine,
		format:     format,
		opts:       opts,
		handlers:   handlers,
		log:        log.With(slog.String("component", "recognition-session"), slog.Uint64("generation", generation)),
		ctx:        sctx,
		cancel:     cancel,
		audio:      make(chan []byte, opts.QueueFrames),
		finishCh:   make(chan struct{}),
		done:       make(chan struct{}),
		opened:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) Generation() uint64 {
	return s.generation
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Done is closed once the session reaches Completed or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats reports frames handed to the engine and frames dropped by Push.
func (s *Session) Stats() (sent, dropped uint64) {
	return s.sent.Load(), s.dropped.Load()
}

// Push enqueues audio without blocking. It reports false when the buffer
// was dropped because the session is no longer accepting audio or its queue is full.
func (s *Session) Push(buf capture.Buffer) bool {
	if s.State() != SessionActive || s.finishing.Load() {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.audio <- buf.PCM:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Finish ends the audio stream. Queued audio is still sent, then the session
// waits up to FinishTimeout for the engine's final result.
func (s *Session) Finish() {
	if s.State() != SessionActive {
		return
	}
	s.finishOnce.Do(func() {
		s.finishing.Store(true)
		close(s.finishCh)
		go s.watchFinish()
	})
}

// Cancel tears the session down without waiting for a final result. The
// engine stream is closed before Cancel returns and no handler fires
// afterwards. An Open still in flight sees a cancelled context and is
// waited for.
func (s *Session) Cancel() {
	if s.terminate(SessionFailed) {
		s.log.Debug("recognition session cancelled")
	}
	<-s.opened
}

func (s *Session) terminate(state SessionState) bool {
	first := false
	s.termOnce.Do(func() {
		first = true
		s.state.Store(int32(state))
		s.cancel()
		s.releaseStream()
		close(s.done)
	})
	return first
}

// releaseStream closes the engine stream if it is open. A stream whose Open
// returns after this point is closed by run before it signals opened.
func (s *Session) releaseStream() {
	s.streamMu.Lock()
	stream := s.stream
	s.stream = nil
	s.released = true
	s.streamMu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
}

// adopt records an opened stream, reporting false if the session already
// terminated.
func (s *Session) adopt(stream Stream) bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.released {
		return false
	}
	s.stream = stream
	return true
}

func (s *Session) complete(res Result) {
	if !s.terminate(SessionCompleted) {
		return
	}
	s.log.Debug("recognition session completed", slog.Int("text_len", len(res.Text)))
	if s.handlers.OnResult != nil {
		s.handlers.OnResult(s.generation, res)
	}
}

func (s *Session) fail(err error) {
	if !s.terminate(SessionFailed) {
		return
	}
	s.log.Warn("recognition session failed", slogError(err))
	if s.handlers.OnFailure != nil {
		s.handlers.OnFailure(s.generation, err)
	}
}

func (s *Session) watchFinish() {
	timer := time.NewTimer(s.opts.FinishTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.fail(ErrFinishTimeout)
	}
}

func (s *Session) run() {
	stream, err := s.engine.Open(s.ctx, s.format)
	adopted := err == nil && s.adopt(stream)
	if err == nil && !adopted {
		_ = stream.Close()
	}
	close(s.opened)
	if err != nil {
		if s.ctx.Err() == nil {
			s.fail(fmt.Errorf("open recognition stream: %w", err))
		}
		return
	}
	if !adopted {
		return
	}
	// Parent cancellation tears the session down like Cancel.
	context.AfterFunc(s.ctx, func() {
		s.terminate(SessionFailed)
	})
	go s.send(stream)
	s.receive(stream)
}

func (s *Session) send(stream Stream) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm := <-s.audio:
			if !s.write(stream, pcm) {
				return
			}
		case <-s.finishCh:
		drain:
			for {
				select {
				case pcm := <-s.audio:
					if !s.write(stream, pcm) {
						return
					}
				default:
					break drain
				}
			}
			if err := stream.CloseSend(); err != nil && s.ctx.Err() == nil {
				s.fail(fmt.Errorf("close audio stream: %w", err))
			}
			return
		}
	}
}

func (s *Session) write(stream Stream, pcm []byte) bool {
	if err := stream.Send(pcm); err != nil {
		if s.ctx.Err() == nil {
			s.fail(fmt.Errorf("send audio: %w", err))
		}
		return false
	}
	s.sent.Add(1)
	return true
}

func (s *Session) receive(stream Stream) {
	for {
		res, err := stream.Recv()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				if s.finishing.Load() {
					final := s.last
					final.Final = true
					s.complete(final)
					return
				}
				s.fail(ErrStreamEnded)
				return
			}
			s.fail(fmt.Errorf("receive result: %w", err))
			return
		}
		if res.Final && s.finishing.Load() {
			s.complete(res)
			return
		}
		res.Final = false
		s.last = res
		if s.State() != SessionActive {
			return
		}
		if s.handlers.OnResult != nil {
			s.handlers.OnResult(s.generation, res)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
