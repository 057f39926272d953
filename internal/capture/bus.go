package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrRemoteStreamEnded is reported when an edge device marks its stream final.
var ErrRemoteStreamEnded = errors.New("remote audio stream ended")

// BusDriver taps PCM frames that an edge device publishes on audio.frame.<device>.
type BusDriver struct {
	Client *bus.Client
	Device string
	Log    *slog.Logger
}

type busDevice struct {
	sub *nats.Subscription
}

func (d *busDevice) Close() error {
	return d.sub.Unsubscribe()
}

func (d BusDriver) Open(_ context.Context, hint Format, deliver func(Buffer), fail func(error)) (Device, Format, error) {
	if !d.Client.Healthy() {
		return nil, Format{}, fmt.Errorf("%w: bus not connected", ErrDeviceUnavailable)
	}
	log := d.Log
	if log == nil {
		log = d.Client.Logger()
	}
	subject := protocol.SubjectAudioFramePrefix + "." + d.Device
	sub, err := d.Client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.Warn("failed to decode audio frame", slogError(err))
			return
		}
		format := hint
		if frame.SampleRate > 0 {
			format.SampleRate = frame.SampleRate
		}
		if frame.Channels > 0 {
			format.Channels = frame.Channels
		}
		if len(frame.PCM) > 0 {
			deliver(Buffer{
				Format:   format,
				Sequence: uint64(frame.Sequence),
				PCM:      frame.PCM,
				Captured: time.Now(),
			})
		}
		if frame.Final {
			fail(fmt.Errorf("%w: device %s session %s", ErrRemoteStreamEnded, d.Device, frame.SessionID))
		}
	})
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: subscribe %s: %v", ErrDeviceUnavailable, subject, err)
	}
	return &busDevice{sub: sub}, hint, nil
}
