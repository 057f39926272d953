// Package transcriber runs continuous transcription: one audio capture per
// recording pass feeding a chain of recognition sessions, where a failed
// session is replaced by a fresh generation without interrupting capture.
package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/auth"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Options wires a Manager to its collaborators.
type Options struct {
	Driver   capture.Driver
	Format   capture.Format
	Engine   stt.Engine
	Gate     auth.Gate
	Session  stt.SessionOptions
	Timeline *eventstore.Timeline
	Runtime  string
}

type op int

const (
	opStart op = iota
	opStop
	opReset
)

func (o op) String() string {
	switch o {
	case opStart:
		return "start"
	case opStop:
		return "stop"
	default:
		return "reset"
	}
}

type command struct {
	op    op
	reply chan error
}

type resultEvent struct {
	passID     string
	generation uint64
	result     stt.Result
}

type failureEvent struct {
	passID     string
	generation uint64
	err        error
}

type captureErrorEvent struct {
	capture *capture.Capture
	err     error
}

type metricsSet struct {
	generations metric.Int64Counter
	failures    metric.Int64Counter
	forwarded   metric.Int64Counter
	dropped     metric.Int64Counter
	lifetime    metric.Float64Histogram
	stateGauge  metric.Int64ObservableGauge
}

// Manager is the single writer of transcription state. Every transition
// happens on its event loop goroutine.
type Manager struct {
	opts   Options
	log    *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	m      metricsSet

	events chan any
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	snap       atomic.Pointer[Snapshot]
	authorized atomic.Bool

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool

	// owned by the event loop
	state      State
	transcript string
	final      bool
	passID     string
	generation uint64
	restarts   int
	capture    *capture.Capture
	session    *stt.Session
	sessionAt  time.Time
	draining   *stt.Session
	span       trace.Span
}

func New(opts Options, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:   opts,
		log:    log.With(slog.String("component", "transcriber")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-scribe/transcriber"),
		meter:  otel.Meter("github.com/loqalabs/loqa-scribe/transcriber"),
		events: make(chan any, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[int]chan Snapshot),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
		m.meter = noop.Meter{}
		_ = m.initMetrics()
	}
	m.snap.Store(&Snapshot{State: StateIdle, UpdatedAt: time.Now().UTC()})
	go m.run()
	return m
}

func (m *Manager) initMetrics() error {
	var err error
	if m.m.generations, err = m.meter.Int64Counter("scribe.recognition.generations",
		metric.WithDescription("Recognition sessions started")); err != nil {
		return err
	}
	if m.m.failures, err = m.meter.Int64Counter("scribe.recognition.failures",
		metric.WithDescription("Recognition sessions replaced after a failure")); err != nil {
		return err
	}
	if m.m.forwarded, err = m.meter.Int64Counter("scribe.audio.buffers.forwarded",
		metric.WithDescription("Audio buffers accepted by the active session")); err != nil {
		return err
	}
	if m.m.dropped, err = m.meter.Int64Counter("scribe.audio.buffers.dropped",
		metric.WithDescription("Audio buffers refused by the active session")); err != nil {
		return err
	}
	if m.m.lifetime, err = m.meter.Float64Histogram("scribe.recognition.generation.lifetime",
		metric.WithDescription("Seconds a recognition generation stayed current"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if m.m.stateGauge, err = m.meter.Int64ObservableGauge("scribe.recording.state",
		metric.WithDescription("0 idle, 1 recording, 2 stopped")); err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(m.m.stateGauge, int64(m.Snapshot().State))
		return nil
	}, m.m.stateGauge)
	return err
}

// Snapshot returns the latest published state.
func (m *Manager) Snapshot() Snapshot {
	return *m.snap.Load()
}

// Subscribe delivers the current snapshot and then every change. A slow
// reader only ever sees the newest snapshot. The returned func unsubscribes
// and closes the channel. After Close the channel holds the final snapshot
// and is already closed.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	m.subsMu.Lock()
	if m.closed {
		ch <- m.Snapshot()
		close(ch)
		m.subsMu.Unlock()
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.Snapshot()
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
			m.subsMu.Unlock()
		})
	}
}

// Authorize consults the gate. A grant is remembered; any other answer is
// asked again next time.
func (m *Manager) Authorize(ctx context.Context) (auth.Status, error) {
	if m.opts.Gate == nil || m.authorized.Load() {
		return auth.StatusGranted, nil
	}
	status, err := m.opts.Gate.CheckOrRequest(ctx)
	if err != nil {
		m.log.Warn("authorization check failed", slogError(err))
		return status, err
	}
	if status == auth.StatusGranted {
		m.authorized.Store(true)
	}
	m.log.Info("speech recognition authorization", slog.String("status", status.String()))
	return status, nil
}

// Start begins a recording pass. Authorization and recognizer availability
// are checked first; on any error the manager stays Idle.
func (m *Manager) Start(ctx context.Context) error {
	if state := m.Snapshot().State; state != StateIdle {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, state)
	}
	status, err := m.Authorize(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorizationDenied, err)
	}
	if status != auth.StatusGranted {
		return fmt.Errorf("%w: status %s", ErrAuthorizationDenied, status)
	}
	if checker, ok := m.opts.Engine.(stt.Checker); ok {
		if err := checker.Available(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrRecognizerUnavailable, err)
		}
	}
	return m.do(ctx, opStart)
}

// Stop ends the pass. The transcript is kept and the last session may still
// deliver its final result.
func (m *Manager) Stop(ctx context.Context) error {
	return m.do(ctx, opStop)
}

// Reset clears the transcript and returns to Idle.
func (m *Manager) Reset(ctx context.Context) error {
	return m.do(ctx, opReset)
}

// Close stops the event loop and releases capture and sessions.
func (m *Manager) Close() {
	m.cancel()
	<-m.done
	m.subsMu.Lock()
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subsMu.Unlock()
}

func (m *Manager) do(ctx context.Context, o op) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	reply := make(chan error, 1)
	select {
	case m.events <- command{op: o, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// post hands an event to the loop, giving up once the manager is closed.
func (m *Manager) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			m.teardown()
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case command:
		var err error
		switch ev.op {
		case opStart:
			err = m.handleStart()
		case opStop:
			err = m.handleStop()
		case opReset:
			err = m.handleReset()
		}
		if err != nil {
			m.log.Info("command rejected", slog.String("command", ev.op.String()), slogError(err))
		}
		ev.reply <- err
	case resultEvent:
		m.handleResult(ev)
	case failureEvent:
		m.handleFailure(ev)
	case captureErrorEvent:
		m.handleCaptureError(ev)
	}
}

func (m *Manager) handleStart() error {
	if m.state != StateIdle {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, m.state)
	}

	var c *capture.Capture
	onError := func(err error) {
		// Posted from its own goroutine: the device may report while the
		// loop is blocked stopping that same device.
		go m.post(captureErrorEvent{capture: c, err: err})
	}
	c, err := capture.Open(m.ctx, m.opts.Driver, m.opts.Format, onError, m.log)
	if err != nil {
		return err
	}

	m.capture = c
	m.passID = uuid.NewString()
	m.generation = 0
	m.restarts = 0
	m.transcript = ""
	m.final = false
	m.state = StateRecording

	_, m.span = m.tracer.Start(m.ctx, "scribe.recording",
		trace.WithAttributes(attribute.String("scribe.pass_id", m.passID)))
	m.opts.Timeline.BeginPass(m.passID, m.opts.Runtime)
	m.spawn()
	m.record(eventstore.EventRecordingStarted, nil)
	m.log.Info("recording started",
		slog.String("pass_id", m.passID),
		slog.Int("sample_rate", c.Format().SampleRate))
	m.publish()
	return nil
}

// spawn starts the next generation and points the capture at it.
func (m *Manager) spawn() {
	m.generation++
	gen, pass := m.generation, m.passID
	s := stt.NewSession(m.ctx, m.opts.Engine, gen, m.capture.Format(), m.opts.Session, stt.Handlers{
		OnResult: func(g uint64, r stt.Result) {
			m.post(resultEvent{passID: pass, generation: g, result: r})
		},
		OnFailure: func(g uint64, err error) {
			m.post(failureEvent{passID: pass, generation: g, err: err})
		},
	}, m.log)
	m.session = s
	m.sessionAt = time.Now()

	m.capture.Attach(func(buf capture.Buffer) {
		if s.Push(buf) {
			m.m.forwarded.Add(context.Background(), 1)
			return
		}
		m.m.dropped.Add(context.Background(), 1)
	})
	m.m.generations.Add(m.ctx, 1)
	if gen > 1 {
		m.record(eventstore.EventGenerationStarted, nil)
	}
}

// retire records how long the current generation lasted.
func (m *Manager) retire(outcome string) {
	if m.sessionAt.IsZero() {
		return
	}
	m.m.lifetime.Record(m.ctx, time.Since(m.sessionAt).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	m.sessionAt = time.Time{}
}

func (m *Manager) replace(err error, source string) {
	failed := m.session
	failed.Cancel()
	m.retire("failed")
	m.restarts++
	m.m.failures.Add(m.ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	m.record(eventstore.EventRecognitionFailed, map[string]any{"source": source, "error": err.Error()})
	if m.span != nil {
		m.span.AddEvent("recognition.replaced", trace.WithAttributes(
			attribute.Int64("scribe.generation", int64(failed.Generation())),
			attribute.String("scribe.failure_source", source),
			attribute.String("error", err.Error()),
		))
	}

	m.spawn()
	m.log.Warn("recognition session replaced",
		slog.String("pass_id", m.passID),
		slog.String("source", source),
		slog.Uint64("failed_generation", failed.Generation()),
		slog.Uint64("generation", m.generation),
		slogError(err))
	m.publish()
}

func (m *Manager) handleResult(ev resultEvent) {
	if ev.passID != m.passID || ev.generation != m.generation {
		m.log.Debug("dropping stale result",
			slog.Uint64("generation", ev.generation),
			slog.Uint64("current_generation", m.generation))
		return
	}
	// An empty result would blank text the user has already seen.
	if ev.result.Text == "" {
		return
	}
	if ev.result.Text == m.transcript && ev.result.Final == m.final {
		return
	}
	m.transcript = ev.result.Text
	m.final = ev.result.Final
	if m.final && m.draining != nil && m.draining.Generation() == ev.generation {
		m.draining = nil
	}
	m.publish()
}

func (m *Manager) handleFailure(ev failureEvent) {
	if ev.passID != m.passID || ev.generation != m.generation {
		m.log.Debug("dropping stale failure",
			slog.Uint64("generation", ev.generation),
			slogError(ev.err))
		return
	}
	switch m.state {
	case StateRecording:
		m.replace(ev.err, "recognition")
	case StateStopped:
		m.log.Warn("final recognition result lost", slog.String("pass_id", m.passID), slogError(ev.err))
		m.record(eventstore.EventRecognitionFailed, map[string]any{"source": "finish", "error": ev.err.Error()})
		m.draining = nil
	}
}

func (m *Manager) handleCaptureError(ev captureErrorEvent) {
	if m.state != StateRecording || ev.capture == nil || ev.capture != m.capture {
		return
	}
	m.replace(ev.err, "capture")
}

func (m *Manager) handleStop() error {
	if m.state != StateRecording {
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, m.state)
	}
	s := m.session
	s.Finish()
	m.retire("stopped")
	m.draining = s
	m.session = nil

	m.capture.Detach()
	if err := m.capture.Stop(); err != nil {
		m.log.Warn("capture stop failed", slogError(err))
	}
	delivered, dropped := m.capture.Stats()
	m.capture = nil
	m.state = StateStopped

	m.record(eventstore.EventRecordingStopped, map[string]any{"restarts": m.restarts})
	m.opts.Timeline.FinishPass(m.passID, m.generation)
	if m.span != nil {
		m.span.SetAttributes(
			attribute.Int64("scribe.generations", int64(m.generation)),
			attribute.Int("scribe.restarts", m.restarts))
		m.span.End()
		m.span = nil
	}
	m.log.Info("recording stopped",
		slog.String("pass_id", m.passID),
		slog.Uint64("generations", m.generation),
		slog.Uint64("buffers_delivered", delivered),
		slog.Uint64("buffers_unattached", dropped))
	m.publish()
	return nil
}

func (m *Manager) handleReset() error {
	if m.state != StateStopped {
		return fmt.Errorf("%w: reset while %s", ErrInvalidState, m.state)
	}
	if m.draining != nil {
		m.draining.Cancel()
		m.draining = nil
	}
	m.record(eventstore.EventRecordingReset, nil)
	m.transcript = ""
	m.final = false
	m.passID = ""
	m.generation = 0
	m.restarts = 0
	m.state = StateIdle
	m.publish()
	return nil
}

func (m *Manager) teardown() {
	if m.session != nil {
		m.session.Cancel()
		m.retire("closed")
		m.session = nil
	}
	if m.draining != nil {
		m.draining.Cancel()
		m.draining = nil
	}
	if m.capture != nil {
		if err := m.capture.Stop(); err != nil {
			m.log.Warn("capture stop failed", slogError(err))
		}
		m.capture = nil
	}
	if m.span != nil {
		m.span.SetStatus(codes.Error, "manager closed while recording")
		m.span.End()
		m.span = nil
	}
}

func (m *Manager) record(kind string, payload map[string]any) {
	if m.opts.Timeline == nil || m.passID == "" {
		return
	}
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			m.log.Warn("encode timeline payload", slogError(err))
		}
	}
	m.opts.Timeline.Append(eventstore.Event{
		PassID:     m.passID,
		Generation: m.generation,
		Type:       kind,
		Payload:    data,
	})
}

func (m *Manager) publish() {
	snap := &Snapshot{
		State:      m.state,
		Transcript: m.transcript,
		Final:      m.final,
		PassID:     m.passID,
		Generation: m.generation,
		Restarts:   m.restarts,
		UpdatedAt:  time.Now().UTC(),
	}
	m.snap.Store(snap)

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- *snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- *snap:
			default:
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
