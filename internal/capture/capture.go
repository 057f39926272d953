// Package capture owns the audio input tap. A Capture wraps one opened
// device and forwards its buffers to a single replaceable consumer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDeviceUnavailable is returned when the input device cannot be opened.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// EncodingPCM16 is little-endian signed 16-bit PCM.
const EncodingPCM16 = "pcm_s16le"

// Format describes the PCM layout of a buffer.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   string
}

// FrameBytes is the byte length of d worth of audio, aligned to whole sample frames.
func (f Format) FrameBytes(d time.Duration) int {
	frameSize := f.Channels * 2
	if frameSize <= 0 || f.SampleRate <= 0 {
		return 0
	}
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * frameSize
}

// Buffer is one chunk of captured audio. PCM must not be modified after delivery.
type Buffer struct {
	Format   Format
	Sequence uint64
	PCM      []byte
	Captured time.Time
}

// Duration reports how much audio the buffer holds.
func (b Buffer) Duration() time.Duration {
	frameSize := b.Format.Channels * 2
	if frameSize <= 0 || b.Format.SampleRate <= 0 {
		return 0
	}
	samples := len(b.PCM) / frameSize
	return time.Duration(samples) * time.Second / time.Duration(b.Format.SampleRate)
}

// Sink consumes buffers on the capture delivery path. It must not block.
type Sink func(Buffer)

// Device is an opened input device. Close stops production and releases it.
type Device interface {
	Close() error
}

// Driver opens devices. deliver and fail are called from the driver's own
// goroutine once Open returns successfully, and must not block.
type Driver interface {
	Open(ctx context.Context, hint Format, deliver func(Buffer), fail func(error)) (Device, Format, error)
}

// Capture is one open/stop bracket of an input device.
type Capture struct {
	format    Format
	device    Device
	sink      atomic.Pointer[Sink]
	onError   func(error)
	stopped   atomic.Bool
	stopOnce  sync.Once
	stopErr   error
	delivered atomic.Uint64
	dropped   atomic.Uint64
	log       *slog.Logger
}

// Open acquires the device. onError receives device failures raised while
// the capture is running; it may be nil.
func Open(ctx context.Context, driver Driver, hint Format, onError func(error), log *slog.Logger) (*Capture, error) {
	if driver == nil {
		return nil, fmt.Errorf("%w: no capture driver configured", ErrDeviceUnavailable)
	}
	if hint.Encoding == "" {
		hint.Encoding = EncodingPCM16
	}
	c := &Capture{
		onError: onError,
		log:     log.With(slog.String("component", "capture")),
	}
	device, format, err := driver.Open(ctx, hint, c.deliver, c.fail)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	c.device = device
	c.format = format
	c.log.Info("capture opened",
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels))
	return c, nil
}

// Format reports the negotiated device format.
func (c *Capture) Format() Format {
	return c.format
}

// Attach installs sink as the only consumer, replacing any previous one.
func (c *Capture) Attach(sink Sink) {
	if sink == nil {
		c.sink.Store(nil)
		return
	}
	c.sink.Store(&sink)
}

// Detach removes the consumer. Buffers produced afterwards are dropped.
func (c *Capture) Detach() {
	c.sink.Store(nil)
}

// Stop halts the device and detaches the consumer. Safe to call repeatedly.
func (c *Capture) Stop() error {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.sink.Store(nil)
		if c.device != nil {
			c.stopErr = c.device.Close()
		}
		c.log.Info("capture stopped",
			slog.Uint64("delivered", c.delivered.Load()),
			slog.Uint64("dropped", c.dropped.Load()))
	})
	return c.stopErr
}

// Stats reports buffers handed to a sink and buffers dropped for lack of one.
func (c *Capture) Stats() (delivered, dropped uint64) {
	return c.delivered.Load(), c.dropped.Load()
}

func (c *Capture) deliver(buf Buffer) {
	if c.stopped.Load() {
		return
	}
	sink := c.sink.Load()
	if sink == nil {
		c.dropped.Add(1)
		return
	}
	(*sink)(buf)
	c.delivered.Add(1)
}

func (c *Capture) fail(err error) {
	if err == nil || c.stopped.Load() {
		return
	}
	c.log.Warn("capture device error", slogError(err))
	if c.onError != nil {
		c.onError(err)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
