package capture_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/bus/bustest"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/capture/capturetest"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var pcm16k = capture.Format{SampleRate: 16000, Channels: 1, Encoding: capture.EncodingPCM16}

func TestFrameBytes(t *testing.T) {
	if got := pcm16k.FrameBytes(20 * time.Millisecond); got != 640 {
		t.Fatalf("expected 640 bytes for 20ms mono 16k, got %d", got)
	}
	stereo := capture.Format{SampleRate: 44100, Channels: 2}
	if got := stereo.FrameBytes(10 * time.Millisecond); got%4 != 0 {
		t.Fatalf("expected frame aligned size, got %d", got)
	}
	buf := capture.Buffer{Format: pcm16k, PCM: make([]byte, 640)}
	if buf.Duration() != 20*time.Millisecond {
		t.Fatalf("expected 20ms buffer, got %v", buf.Duration())
	}
}

func TestAttachReplacesConsumer(t *testing.T) {
	drv := &capturetest.Driver{}
	c, err := capture.Open(context.Background(), drv, pcm16k, nil, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })

	var first, second int
	c.Attach(func(capture.Buffer) { first++ })
	drv.Emit([]byte{1, 2})
	c.Attach(func(capture.Buffer) { second++ })
	drv.Emit([]byte{3, 4})
	drv.Emit([]byte{5, 6})

	if first != 1 || second != 2 {
		t.Fatalf("expected old consumer to stop receiving, got first=%d second=%d", first, second)
	}

	c.Detach()
	drv.Emit([]byte{7, 8})
	delivered, dropped := c.Stats()
	if delivered != 3 || dropped != 1 {
		t.Fatalf("unexpected stats delivered=%d dropped=%d", delivered, dropped)
	}
}

func TestStopIsIdempotentAndReleasesDevice(t *testing.T) {
	drv := &capturetest.Driver{}
	c, err := capture.Open(context.Background(), drv, pcm16k, nil, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got := 0
	c.Attach(func(capture.Buffer) { got++ })
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if drv.Emit([]byte{1, 2}) {
		t.Fatal("expected device to be closed")
	}
	if got != 0 {
		t.Fatalf("expected no delivery after stop, got %d", got)
	}

	if _, err := capture.Open(context.Background(), drv, pcm16k, nil, newLogger()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	opens, closes := drv.Counts()
	if opens != 2 || closes != 1 {
		t.Fatalf("expected 2 opens and 1 close, got %d/%d", opens, closes)
	}
}

func TestOpenFailureIsDeviceUnavailable(t *testing.T) {
	drv := &capturetest.Driver{OpenErr: errors.New("no microphone")}
	_, err := capture.Open(context.Background(), drv, pcm16k, nil, newLogger())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestDeviceErrorsReachOnError(t *testing.T) {
	drv := &capturetest.Driver{}
	errs := make(chan error, 1)
	c, err := capture.Open(context.Background(), drv, pcm16k, func(err error) { errs <- err }, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })

	drv.Fail(errors.New("overrun"))
	select {
	case err := <-errs:
		if err.Error() != "overrun" {
			t.Fatalf("unexpected error %v", err)
		}
	default:
		t.Fatal("expected device error to be reported")
	}
}

func TestSilenceDriverCadence(t *testing.T) {
	drv := capture.SilenceDriver{FrameDuration: 5 * time.Millisecond}
	c, err := capture.Open(context.Background(), drv, pcm16k, nil, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })

	bufs := make(chan capture.Buffer, 16)
	c.Attach(func(b capture.Buffer) {
		select {
		case bufs <- b:
		default:
		}
	})
	for i := 0; i < 3; i++ {
		select {
		case b := <-bufs:
			if len(b.PCM) != 160 {
				t.Fatalf("expected 160 byte frames, got %d", len(b.PCM))
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for silence frame")
		}
	}
}

func writeWAV(t *testing.T, samples []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(file, 8000, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 8000}, Data: samples}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestWAVDriverReplaysFile(t *testing.T) {
	samples := make([]int, 160)
	for i := range samples {
		samples[i] = i * 10
	}
	path := writeWAV(t, samples)

	drv := capture.WAVDriver{Path: path, FrameDuration: 10 * time.Millisecond, Loop: true}
	c, err := capture.Open(context.Background(), drv, pcm16k, nil, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })
	if c.Format().SampleRate != 8000 {
		t.Fatalf("expected file sample rate to win, got %d", c.Format().SampleRate)
	}

	bufs := make(chan capture.Buffer, 8)
	c.Attach(func(b capture.Buffer) {
		select {
		case bufs <- b:
		default:
		}
	})

	select {
	case b := <-bufs:
		if len(b.PCM) != 160 {
			t.Fatalf("expected 80 samples per 10ms frame, got %d bytes", len(b.PCM))
		}
		if got := int16(binary.LittleEndian.Uint16(b.PCM[2:])); got != 10 {
			t.Fatalf("expected second sample 10, got %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wav frame")
	}
}

func TestWAVDriverMissingFile(t *testing.T) {
	drv := capture.WAVDriver{Path: filepath.Join(t.TempDir(), "missing.wav")}
	_, err := capture.Open(context.Background(), drv, pcm16k, nil, newLogger())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestBusDriverForwardsFrames(t *testing.T) {
	client := bustest.Connect(t)
	errs := make(chan error, 1)
	drv := capture.BusDriver{Client: client, Device: "desk"}
	c, err := capture.Open(context.Background(), drv, pcm16k, func(err error) { errs <- err }, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })

	bufs := make(chan capture.Buffer, 4)
	c.Attach(func(b capture.Buffer) { bufs <- b })

	publish := func(frame protocol.AudioFrame) {
		data, err := json.Marshal(frame)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := client.Conn().Publish(protocol.SubjectAudioFramePrefix+".desk", data); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	publish(protocol.AudioFrame{SessionID: "edge-1", Sequence: 7, SampleRate: 16000, Channels: 1, PCM: []byte{1, 0, 2, 0}})
	select {
	case b := <-bufs:
		if b.Sequence != 7 || len(b.PCM) != 4 {
			t.Fatalf("unexpected buffer %+v", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus frame")
	}

	publish(protocol.AudioFrame{SessionID: "edge-1", Sequence: 8, Final: true})
	select {
	case err := <-errs:
		if !errors.Is(err, capture.ErrRemoteStreamEnded) {
			t.Fatalf("expected ErrRemoteStreamEnded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for end-of-stream error")
	}
}
