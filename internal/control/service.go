// Package control exposes the transcription manager over NATS: commands as
// request/reply, and transcript and state changes as publications.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcriber"
	"github.com/nats-io/nats.go"
)

// Controller is the part of the manager the service drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Snapshot() transcriber.Snapshot
	Subscribe() (<-chan transcriber.Snapshot, func())
}

type Service struct {
	cfg    config.ControlConfig
	bus    *bus.Client
	ctrl   Controller
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.ControlConfig, busClient *bus.Client, ctrl Controller, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		ctrl:   ctrl,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "control")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(s.cfg.SubjectPrefix+".*", s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub

	updates, unsubscribe := s.ctrl.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.publishLoop(updates)
	}()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	if s.ctx.Err() != nil {
		return
	}
	verb := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()

		var err error
		switch verb {
		case "start":
			err = s.ctrl.Start(ctx)
		case "stop":
			err = s.ctrl.Stop(ctx)
		case "reset":
			err = s.ctrl.Reset(ctx)
		case "snapshot":
		default:
			s.respond(msg, protocol.ControlReply{Error: "unknown command " + verb, Code: protocol.CodeInvalidState})
			return
		}
		reply := replyFor(s.ctrl.Snapshot(), err)
		if err != nil {
			s.logger.Info("control command failed", slog.String("command", verb), slogError(err))
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send control reply", slogError(err))
	}
}

func (s *Service) publishLoop(updates <-chan transcriber.Snapshot) {
	var last transcriber.Snapshot
	first := true
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if first || snap.State != last.State || snap.Generation != last.Generation || snap.PassID != last.PassID {
				s.publish(s.cfg.StateSubject, protocol.SessionState{
					SessionID:  snap.PassID,
					State:      snap.State.String(),
					Generation: snap.Generation,
					Restarts:   snap.Restarts,
					Timestamp:  snap.UpdatedAt,
				})
			}
			if first || snap.Transcript != last.Transcript || snap.Final != last.Final || snap.PassID != last.PassID {
				s.publish(s.cfg.TranscriptSubject, protocol.Transcript{
					SessionID:  snap.PassID,
					Generation: snap.Generation,
					Text:       snap.Transcript,
					Partial:    !snap.Final,
					Timestamp:  snap.UpdatedAt,
				})
			}
			last = snap
			first = false
		}
	}
}

func (s *Service) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal publication", slog.String("subject", subject), slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func replyFor(snap transcriber.Snapshot, err error) protocol.ControlReply {
	reply := protocol.ControlReply{
		OK:         err == nil,
		State:      snap.State.String(),
		Transcript: snap.Transcript,
		SessionID:  snap.PassID,
		Generation: snap.Generation,
	}
	if err != nil {
		reply.Error = err.Error()
		reply.Code = ErrorCode(err)
	}
	return reply
}

// ErrorCode maps manager errors onto wire error codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, transcriber.ErrInvalidState):
		return protocol.CodeInvalidState
	case errors.Is(err, transcriber.ErrAuthorizationDenied):
		return protocol.CodeAuthorizationDenied
	case errors.Is(err, transcriber.ErrDeviceUnavailable), errors.Is(err, transcriber.ErrRecognizerUnavailable):
		return protocol.CodeDeviceUnavailable
	default:
		return protocol.CodeInternal
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
