package stt

import (
	"io"
	"sync"
)

// mailbox hands results from an engine goroutine to Recv. Results are
// cumulative, so an unread result is simply replaced by a newer one.
type mailbox struct {
	mu      sync.Mutex
	pending *Result
	err     error
	ended   bool
	notify  chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (m *mailbox) put(r Result) {
	m.mu.Lock()
	m.pending = &r
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) end() {
	m.mu.Lock()
	m.ended = true
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.closed) })
}

func (m *mailbox) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) recv() (Result, error) {
	for {
		m.mu.Lock()
		if m.pending != nil {
			r := *m.pending
			m.pending = nil
			m.mu.Unlock()
			return r, nil
		}
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return Result{}, err
		}
		if m.ended {
			m.mu.Unlock()
			return Result{}, io.EOF
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-m.closed:
			return Result{}, ErrStreamClosed
		}
	}
}
