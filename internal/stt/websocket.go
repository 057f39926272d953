package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// websocketEngine streams to a Deepgram-compatible live transcription endpoint.
type websocketEngine struct {
	endpoint string
	apiKey   string
	model    string
	language string
	interim  bool
	dialer   *websocket.Dialer
}

func NewWebsocketEngine(cfg config.STTConfig) (Engine, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse stt endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stt endpoint must be ws:// or wss://, got %q", cfg.Endpoint)
	}
	return &websocketEngine{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		interim:  cfg.PublishInterim,
		dialer:   websocket.DefaultDialer,
	}, nil
}

func (e *websocketEngine) listenURL(format capture.Format) (string, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("channels", strconv.Itoa(format.Channels))
	q.Set("interim_results", strconv.FormatBool(e.interim))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if e.model != "" {
		q.Set("model", e.model)
	}
	if e.language != "" {
		q.Set("language", e.language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *websocketEngine) Open(ctx context.Context, format capture.Format) (Stream, error) {
	target, err := e.listenURL(format)
	if err != nil {
		return nil, fmt.Errorf("build listen url: %w", err)
	}
	header := http.Header{}
	if e.apiKey != "" {
		header.Set("Authorization", fmt.Sprintf("Token %s", e.apiKey))
	}
	conn, resp, err := e.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stt endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial stt endpoint: %w", err)
	}
	return &websocketStream{conn: conn}, nil
}

type listenMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

type websocketStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeSent atomic.Bool
	closed    atomic.Bool

	// Finalized segments so far; owned by Recv.
	committed string
}

func (s *websocketStream) Send(pcm []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("write audio frame: %w", err)
	}
	return nil
}

func (s *websocketStream) CloseSend() error {
	if !s.closeSent.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("write close stream: %w", err)
	}
	return nil
}

// Recv never reports Final; the session marks the last result final once
// the server closes after CloseStream.
func (s *websocketStream) Recv() (Result, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return Result{}, ErrStreamClosed
			}
			if s.closeSent.Load() {
				return Result{}, io.EOF
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return Result{}, io.EOF
			}
			return Result{}, fmt.Errorf("read stt message: %w", err)
		}

		var msg listenMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Result{}, fmt.Errorf("decode stt message: %w", err)
		}
		switch msg.Type {
		case "Results":
		case "Error":
			detail := msg.Description
			if detail == "" {
				detail = msg.Message
			}
			return Result{}, errors.New("stt endpoint error: " + detail)
		default:
			continue
		}
		if len(msg.Channel.Alternatives) == 0 {
			continue
		}
		alt := msg.Channel.Alternatives[0]
		text := joinSegments(s.committed, alt.Transcript)
		if msg.IsFinal {
			s.committed = text
		}
		return Result{Text: text, Confidence: alt.Confidence}, nil
	}
}

func (s *websocketStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func joinSegments(committed, segment string) string {
	segment = strings.TrimSpace(segment)
	switch {
	case committed == "":
		return segment
	case segment == "":
		return committed
	default:
		return committed + " " + segment
	}
}
