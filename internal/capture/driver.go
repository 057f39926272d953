package capture

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewDriver builds the driver selected by capture.mode.
func NewDriver(cfg config.CaptureConfig, busClient *bus.Client, log *slog.Logger) (Driver, error) {
	frame := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	switch cfg.Mode {
	case "silence", "":
		return SilenceDriver{FrameDuration: frame}, nil
	case "wav":
		return WAVDriver{Path: cfg.Path, FrameDuration: frame, Loop: cfg.Loop}, nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("capture mode bus requires a bus connection")
		}
		return BusDriver{Client: busClient, Device: cfg.Device, Log: log}, nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

// FormatFromConfig is the format hint handed to drivers.
func FormatFromConfig(cfg config.CaptureConfig) Format {
	return Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, Encoding: EncodingPCM16}
}
