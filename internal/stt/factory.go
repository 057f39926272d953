package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewEngine builds the engine selected by stt.mode.
func NewEngine(cfg config.STTConfig) (Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(cfg.MockFailAfterFrames), nil
	case "exec":
		return NewExecEngine(cfg)
	case "websocket":
		return NewWebsocketEngine(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
