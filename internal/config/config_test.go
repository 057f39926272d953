package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.Mode != "silence" || cfg.STT.Mode != "mock" {
		t.Fatalf("expected mock pipeline defaults, got capture=%s stt=%s", cfg.Capture.Mode, cfg.STT.Mode)
	}
	if cfg.Auth.Status != "granted" {
		t.Fatalf("expected granted default auth status, got %s", cfg.Auth.Status)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("SCRIBE_AUTH_MODE", "bus")
	t.Setenv("SCRIBE_AUTH_TIMEOUT_MS", "750")
	t.Setenv("SCRIBE_CAPTURE_MODE", "bus")
	t.Setenv("SCRIBE_CAPTURE_DEVICE", "kitchen")
	t.Setenv("SCRIBE_STT_MODE", "websocket")
	t.Setenv("SCRIBE_STT_ENDPOINT", "wss://example.test/v1/listen")
	t.Setenv("SCRIBE_STT_QUEUE_FRAMES", "16")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if cfg.Auth.Mode != "bus" || cfg.Auth.TimeoutMS != 750 {
		t.Fatalf("expected auth overrides, got %+v", cfg.Auth)
	}
	if cfg.Capture.Mode != "bus" || cfg.Capture.Device != "kitchen" {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.STT.Mode != "websocket" || cfg.STT.Endpoint != "wss://example.test/v1/listen" {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if cfg.STT.QueueFrames != 16 {
		t.Fatalf("expected queue frames 16, got %d", cfg.STT.QueueFrames)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`
runtime_name: scribe-test
capture:
  mode: wav
  path: ./fixtures/meeting.wav
  frame_duration_ms: 20
stt:
  mode: exec
  command: "whisper-stream --threads 2"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "scribe-test" {
		t.Fatalf("expected runtime name from file, got %s", cfg.RuntimeName)
	}
	if cfg.Capture.FrameDurationMS != 20 || cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected file values merged over defaults, got %+v", cfg.Capture)
	}
	if cfg.STT.Command != "whisper-stream --threads 2" {
		t.Fatalf("unexpected command %q", cfg.STT.Command)
	}
}

func TestValidateRejectsMissingWavPath(t *testing.T) {
	t.Setenv("SCRIBE_CAPTURE_MODE", "wav")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for wav capture without path")
	}
}

func TestValidateRejectsUnknownAuthStatus(t *testing.T) {
	t.Setenv("SCRIBE_AUTH_STATUS", "maybe")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown auth status")
	}
}

func TestValidateRejectsShortPresenceTimeout(t *testing.T) {
	t.Setenv("SCRIBE_PRESENCE_HEARTBEAT_INTERVAL_MS", "5000")
	t.Setenv("SCRIBE_PRESENCE_HEARTBEAT_TIMEOUT_MS", "1000")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for heartbeat timeout below interval")
	}
	t.Setenv("SCRIBE_PRESENCE_ENABLED", "false")
	if _, err := Load(""); err != nil {
		t.Fatalf("disabled presence should skip validation: %v", err)
	}
}

func TestValidateTracesExporter(t *testing.T) {
	t.Setenv("SCRIBE_TELEMETRY_TRACES_EXPORTER", "otlp")
	if _, err := Load(""); err == nil {
		t.Fatal("expected otlp exporter without endpoint to be rejected")
	}
	t.Setenv("SCRIBE_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	if _, err := Load(""); err != nil {
		t.Fatalf("otlp exporter with endpoint: %v", err)
	}
	t.Setenv("SCRIBE_TELEMETRY_TRACES_EXPORTER", "jaeger")
	if _, err := Load(""); err == nil {
		t.Fatal("expected unknown exporter to be rejected")
	}
}
