// Package auth answers whether speech recognition may run on this host.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Status int

const (
	StatusPending Status = iota
	StatusGranted
	StatusDenied
)

func (s Status) String() string {
	switch s {
	case StatusGranted:
		return "granted"
	case StatusDenied:
		return "denied"
	default:
		return "pending"
	}
}

func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "granted", "authorized":
		return StatusGranted, nil
	case "denied", "restricted":
		return StatusDenied, nil
	case "pending", "not_determined", "":
		return StatusPending, nil
	default:
		return StatusPending, fmt.Errorf("unknown authorization status %q", v)
	}
}

// Gate reports the current authorization status, asking for it if it has
// not been decided yet.
type Gate interface {
	CheckOrRequest(ctx context.Context) (Status, error)
}

// StaticGate always answers with the same status.
type StaticGate struct {
	Status Status
}

func (g StaticGate) CheckOrRequest(context.Context) (Status, error) {
	return g.Status, nil
}

// BusGate asks a consent service over NATS request/reply.
type BusGate struct {
	client  *bus.Client
	subject string
	timeout time.Duration
	runtime string
	log     *slog.Logger
}

func NewBusGate(client *bus.Client, subject string, timeout time.Duration, runtime string, log *slog.Logger) *BusGate {
	if subject == "" {
		subject = protocol.SubjectAuthSpeech
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &BusGate{
		client:  client,
		subject: subject,
		timeout: timeout,
		runtime: runtime,
		log:     log.With(slog.String("component", "auth")),
	}
}

// CheckOrRequest returns Pending when nobody answers in time; the caller
// treats that like Denied and asks again on the next start.
func (g *BusGate) CheckOrRequest(ctx context.Context) (Status, error) {
	if g.client == nil || g.client.Conn() == nil {
		return StatusPending, errors.New("auth gate: bus not connected")
	}
	payload, err := json.Marshal(protocol.AuthRequest{Runtime: g.runtime, Timestamp: time.Now().UTC()})
	if err != nil {
		return StatusPending, fmt.Errorf("encode auth request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	msg, err := g.client.Conn().RequestWithContext(reqCtx, g.subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			g.log.Warn("no authorization answer", slog.String("subject", g.subject), slogError(err))
			return StatusPending, nil
		}
		return StatusPending, fmt.Errorf("auth request: %w", err)
	}

	var reply protocol.AuthReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return StatusPending, fmt.Errorf("decode auth reply: %w", err)
	}
	status, err := ParseStatus(reply.Status)
	if err != nil {
		return StatusPending, err
	}
	return status, nil
}

// NewGate builds the gate selected by auth.mode.
func NewGate(cfg config.AuthConfig, client *bus.Client, runtime string, log *slog.Logger) (Gate, error) {
	switch cfg.Mode {
	case "", "static":
		status, err := ParseStatus(cfg.Status)
		if err != nil {
			return nil, err
		}
		return StaticGate{Status: status}, nil
	case "bus":
		if client == nil {
			return nil, errors.New("auth mode bus requires a bus connection")
		}
		return NewBusGate(client, cfg.Subject, time.Duration(cfg.TimeoutMS)*time.Millisecond, runtime, log), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
