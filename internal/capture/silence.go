package capture

import (
	"context"
	"time"
)

// SilenceDriver produces zero-valued frames at a fixed cadence. It stands in
// for a microphone on hosts without one.
type SilenceDriver struct {
	FrameDuration time.Duration
}

func (d SilenceDriver) Open(_ context.Context, hint Format, deliver func(Buffer), _ func(error)) (Device, Format, error) {
	interval := d.FrameDuration
	if interval <= 0 {
		interval = 64 * time.Millisecond
	}
	size := hint.FrameBytes(interval)
	if size == 0 {
		return nil, Format{}, ErrDeviceUnavailable
	}
	next := func() []byte { return make([]byte, size) }
	return startPaced(hint, interval, next, deliver), hint, nil
}
