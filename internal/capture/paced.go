package capture

import (
	"context"
	"sync"
	"time"
)

// pacedDevice emits one frame per tick until closed.
type pacedDevice struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startPaced(format Format, interval time.Duration, next func() []byte, deliver func(Buffer)) *pacedDevice {
	ctx, cancel := context.WithCancel(context.Background())
	d := &pacedDevice{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				seq++
				deliver(Buffer{Format: format, Sequence: seq, PCM: next(), Captured: now})
			}
		}
	}()
	return d
}

func (d *pacedDevice) Close() error {
	d.once.Do(func() {
		d.cancel()
		<-d.done
	})
	return nil
}
