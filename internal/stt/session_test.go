package stt_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/stt/stttest"
)

var testFormat = capture.Format{SampleRate: 16000, Channels: 1, Encoding: capture.EncodingPCM16}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type recorder struct {
	results  chan stt.Result
	failures chan error
}

func newRecorder() *recorder {
	return &recorder{results: make(chan stt.Result, 32), failures: make(chan error, 4)}
}

func (r *recorder) handlers(t *testing.T, generation uint64) stt.Handlers {
	return stt.Handlers{
		OnResult: func(gen uint64, res stt.Result) {
			if gen != generation {
				t.Errorf("result tagged with generation %d, want %d", gen, generation)
			}
			r.results <- res
		},
		OnFailure: func(gen uint64, err error) {
			if gen != generation {
				t.Errorf("failure tagged with generation %d, want %d", gen, generation)
			}
			r.failures <- err
		},
	}
}

func (r *recorder) nextResult(t *testing.T) stt.Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case err := <-r.failures:
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
	return stt.Result{}
}

func (r *recorder) nextFailure(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.failures:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for failure")
	}
	return nil
}

func (r *recorder) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case res := <-r.results:
		t.Fatalf("unexpected result %+v", res)
	case err := <-r.failures:
		t.Fatalf("unexpected failure %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func buffer(seq uint64, n int) capture.Buffer {
	return capture.Buffer{Format: testFormat, Sequence: seq, PCM: make([]byte, n), Captured: time.Now()}
}

func waitDone(t *testing.T, s *stt.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate")
	}
}

func TestSessionDeliversPartialsThenFinal(t *testing.T) {
	engine := stttest.NewEngine()
	rec := newRecorder()
	s := stt.NewSession(context.Background(), engine, 3, testFormat, stt.SessionOptions{}, rec.handlers(t, 3), testLogger())
	stream := engine.Next(t)

	if !s.Push(buffer(1, 320)) || !s.Push(buffer(2, 320)) {
		t.Fatal("expected active session to accept audio")
	}
	stream.WaitFrames(t, 2)

	stream.Partial("hello")
	if res := rec.nextResult(t); res.Text != "hello" || res.Final {
		t.Fatalf("unexpected partial %+v", res)
	}

	s.Finish()
	stream.WaitSendClosed(t)
	if s.Push(buffer(3, 320)) {
		t.Fatal("expected finishing session to refuse audio")
	}
	stream.Final("hello world")

	res := rec.nextResult(t)
	if res.Text != "hello world" || !res.Final {
		t.Fatalf("unexpected final %+v", res)
	}
	waitDone(t, s)
	if s.State() != stt.SessionCompleted {
		t.Fatalf("expected completed, got %s", s.State())
	}
	stream.WaitClosed(t)
	rec.expectQuiet(t)
}

func TestSessionEndOfStreamAfterFinishUsesLastText(t *testing.T) {
	engine := stttest.NewEngine()
	rec := newRecorder()
	s := stt.NewSession(context.Background(), engine, 1, testFormat, stt.SessionOptions{}, rec.handlers(t, 1), testLogger())
	stream := engine.Next(t)

	stream.Partial("almost done")
	rec.nextResult(t)

	s.Finish()
	stream.WaitSendClosed(t)
	stream.End()

	res := rec.nextResult(t)
	if res.Text != "almost done" || !res.Final {
		t.Fatalf("expected last text promoted to final, got %+v", res)
	}
	waitDone(t, s)
	if s.State() != stt.SessionCompleted {
		t.Fatalf("expected completed, got %s", s.State())
	}
}

func TestSessionUnexpectedEndIsFailure(t *testing.T) {
	engine := stttest.NewEngine()
	rec := newRecorder()
	s := stt.NewSession(context.Background(), engine, 1, testFormat, stt.SessionOptions{}, rec.handlers(t, 1), testLogger())
	stream := engine.Next(t)

	stream.End()
	if err := rec.nextFailure(t); !errors.Is(err, stt.ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", err)
	}
	waitDone(t, s)
	if s.State() != stt.SessionFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
	stream.WaitClosed(t)
	if s.Push(buffer(1, 320)) {
		t.Fatal("expected failed session to drop audio")
	}
}

func TestSessionEngineErrorIsFailure(t *testing.T) {
	engine := stttest.NewEngine()
	rec := newRecorder()
	boom := errors.New("boom")
	stt.NewSession(context.Background(), engine, 1, testFormat, stt.SessionOptions{}, rec.handlers(t, 1), testLogger())
	stream := engine.Next(t)

	stream.Partial("partial")
	rec.nextResult(t)
	stream.Fail(boom)
	if err := rec.nextFailure(t); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped engine error, got %v", err)
	}
	rec.expectQuiet(t)
}

func TestSessionOpenErrorIsFailure(t *testing.T) {
	engine := stttest.NewEngine()
	refused := errors.New("connection refused")
	engine.FailOpens(refused)
	rec := newRecorder()
	s := stt.NewSession(context.Background(), engine, 7, testFormat, stt.SessionOptions{}, rec.handlers(t, 7), testLogger())

	if err := rec.nextFailure(t); !errors.Is(err, refused) {
		t.Fatalf("expected open error, got %v", err)
	}
	waitDone(t, s)
}

func TestSessionCancelSuppressesCallbacks(t *testing.T) {
	engine := stttest.NewEngine()
	rec := newRecorder()
	s := stt.NewSession(context.Background(), engine, 1, testFormat, stt.SessionOptions{}, rec.handlers(t, 1), testLogger())
	stream := engine.Next(t)

	s.Cancel()
	waitDone(t, s)
	stream.WaitClosed(t)
	if s.State() != stt.SessionFailed {
		t.Fatalf("expected cancelled session to be failed, got %s", s.State())
	}
	if s.Push(buffer(1, 320)) {
		t.Fatal("expected cancelled session to drop audio")
	}
	if _, dropped := s.Stats(); dropped != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", dropped)
	}
	s.Finish()
	s.Cancel()
	rec.expectQuiet(t)
}

func TestSessionCancelClosesStreamBeforeReturning(t *testing.T) {
	engine := stttest.NewEngine()
	for i := 0; i < 50; i++ {
		s := stt.NewSession(context.Background(), engine, uint64(i+1), testFormat, stt.SessionOptions{}, stt.Handlers{}, testLogger())
		stream := engine.Next(t)
		s.Cancel()
		if !stream.Closed() {
			t.Fatalf("session %d: stream still open after Cancel returned", i)
		}
	}
}

func TestSessionCancelDuringOpenClosesLateStream(t *testing.T) {
	engine := stttest.NewEngine()
	release := engine.HoldOpens()
	rec := newRecorder()
	s := stt.NewSession(context.Background(), engine, 1, testFormat, stt.SessionOptions{}, rec.handlers(t, 1), testLogger())

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()
	s.Cancel()
	stream := engine.Next(t)
	if !stream.Closed() {
		t.Fatal("stream opened after Cancel was left open")
	}
	if s.State() != stt.SessionFailed {
		t.Fatalf("expected cancelled session to be failed, got %s", s.State())
	}
	rec.expectQuiet(t)
}

func TestSessionFinishTimeout(t *testing.T) {
	engine := stttest.NewEngine()
	rec := newRecorder()
	s := stt.NewSession(context.Background(), engine, 1, testFormat, stt.SessionOptions{FinishTimeout: 50 * time.Millisecond}, rec.handlers(t, 1), testLogger())
	stream := engine.Next(t)

	s.Finish()
	if err := rec.nextFailure(t); !errors.Is(err, stt.ErrFinishTimeout) {
		t.Fatalf("expected ErrFinishTimeout, got %v", err)
	}
	stream.WaitClosed(t)
}

func TestSessionParentCancelReleasesStream(t *testing.T) {
	engine := stttest.NewEngine()
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	stt.NewSession(ctx, engine, 1, testFormat, stt.SessionOptions{}, rec.handlers(t, 1), testLogger())
	stream := engine.Next(t)

	cancel()
	stream.WaitClosed(t)
	rec.expectQuiet(t)
}

func TestSessionWithMockEngineFlushesQueuedAudio(t *testing.T) {
	rec := newRecorder()
	s := stt.NewSession(context.Background(), stt.NewMockEngine(0), 1, testFormat, stt.SessionOptions{QueueFrames: 8}, rec.handlers(t, 1), testLogger())
	for i := 0; i < 3; i++ {
		if !s.Push(buffer(uint64(i), 100)) {
			t.Fatalf("push %d dropped", i)
		}
	}
	s.Finish()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case res := <-rec.results:
			if !res.Final {
				continue
			}
			if res.Text != "[final transcript length=300]" {
				t.Fatalf("unexpected final %q", res.Text)
			}
			waitDone(t, s)
			return
		case err := <-rec.failures:
			t.Fatalf("unexpected failure: %v", err)
		case <-deadline:
			t.Fatal("timed out waiting for final result")
		}
	}
}
