package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type entryKind int

const (
	entryBegin entryKind = iota
	entryEvent
	entryFinish
)

type entry struct {
	kind        entryKind
	evt         Event
	runtime     string
	generations uint64
}

// Timeline writes to a Store from its own goroutine so callers never wait
// on disk. Entries beyond the buffer are dropped. A nil Timeline discards
// everything.
type Timeline struct {
	store   *Store
	log     *slog.Logger
	entries chan entry
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewTimeline(store *Store, buffer int, log *slog.Logger) *Timeline {
	if buffer <= 0 {
		buffer = 256
	}
	t := &Timeline{
		store:   store,
		log:     log.With(slog.String("component", "timeline")),
		entries: make(chan entry, buffer),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Timeline) BeginPass(passID, runtime string) {
	t.enqueue(entry{kind: entryBegin, evt: Event{PassID: passID}, runtime: runtime})
}

func (t *Timeline) Append(evt Event) {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	t.enqueue(entry{kind: entryEvent, evt: evt})
}

func (t *Timeline) FinishPass(passID string, generations uint64) {
	t.enqueue(entry{kind: entryFinish, evt: Event{PassID: passID}, generations: generations})
}

// Dropped reports entries discarded because the buffer was full.
func (t *Timeline) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Close flushes buffered entries and stops the writer.
func (t *Timeline) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.closed = true
	close(t.entries)
	t.mu.Unlock()
	<-t.done
}

func (t *Timeline) enqueue(e entry) {
	if t == nil {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.entries <- e:
	default:
		t.dropped.Add(1)
	}
}

func (t *Timeline) run() {
	defer close(t.done)
	for e := range t.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		switch e.kind {
		case entryBegin:
			err = t.store.BeginPass(ctx, e.evt.PassID, e.runtime)
		case entryEvent:
			err = t.store.AppendEvent(ctx, e.evt)
		case entryFinish:
			err = t.store.FinishPass(ctx, e.evt.PassID, e.generations)
		}
		cancel()
		if err != nil {
			t.log.Warn("timeline write failed",
				slog.String("pass_id", e.evt.PassID),
				slog.String("error", err.Error()))
		}
	}
}
