// Package capturetest provides a hand-driven capture driver for tests.
package capturetest

import (
	"context"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/capture"
)

// Driver lets a test push buffers and device errors into whatever Capture opened it.
type Driver struct {
	mu      sync.Mutex
	deliver func(capture.Buffer)
	fail    func(error)
	seq     uint64
	opens   int
	closes  int
	OpenErr error
}

func (d *Driver) Open(_ context.Context, hint capture.Format, deliver func(capture.Buffer), fail func(error)) (capture.Device, capture.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, capture.Format{}, d.OpenErr
	}
	d.opens++
	d.deliver = deliver
	d.fail = fail
	return &device{d: d}, hint, nil
}

// Emit delivers pcm as the next buffer if a device is open. It reports whether it did.
func (d *Driver) Emit(pcm []byte) bool {
	d.mu.Lock()
	deliver := d.deliver
	d.seq++
	buf := capture.Buffer{
		Format:   capture.Format{SampleRate: 16000, Channels: 1, Encoding: capture.EncodingPCM16},
		Sequence: d.seq,
		PCM:      pcm,
	}
	d.mu.Unlock()
	if deliver == nil {
		return false
	}
	deliver(buf)
	return true
}

// Fail raises a device error on the open device.
func (d *Driver) Fail(err error) {
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		fail(err)
	}
}

// IsOpen reports whether a device is currently open.
func (d *Driver) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deliver != nil
}

// Counts reports how many times the device was opened and closed.
func (d *Driver) Counts() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

type device struct {
	d    *Driver
	once sync.Once
}

func (dev *device) Close() error {
	dev.once.Do(func() {
		dev.d.mu.Lock()
		dev.d.closes++
		dev.d.deliver = nil
		dev.d.fail = nil
		dev.d.mu.Unlock()
	})
	return nil
}
