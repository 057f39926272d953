package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TracesExporter string `yaml:"traces_exporter"` // auto, otlp, stdout, none
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Auth        AuthConfig       `yaml:"auth"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Control     ControlConfig    `yaml:"control"`
	Presence    PresenceConfig   `yaml:"presence"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	JetStream      bool     `yaml:"jetstream"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AuthConfig selects the speech-recognition consent gate.
type AuthConfig struct {
	Mode      string `yaml:"mode"`   // static, bus
	Status    string `yaml:"status"` // granted, denied, pending (static mode)
	Subject   string `yaml:"subject"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// CaptureConfig describes the audio input device.
type CaptureConfig struct {
	Mode            string `yaml:"mode"` // silence, wav, bus
	Device          string `yaml:"device"`
	Path            string `yaml:"path"`
	Loop            bool   `yaml:"loop"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type STTConfig struct {
	Mode                string `yaml:"mode"` // mock, exec, websocket
	Command             string `yaml:"command"`
	ModelPath           string `yaml:"model_path"`
	Model               string `yaml:"model"`
	Language            string `yaml:"language"`
	Endpoint            string `yaml:"endpoint"`
	APIKey              string `yaml:"api_key"`
	PartialEveryMS      int    `yaml:"partial_every_ms"`
	PublishInterim      bool   `yaml:"publish_interim"`
	QueueFrames         int    `yaml:"queue_frames"`
	FinishTimeoutMS     int    `yaml:"finish_timeout_ms"`
	MaxWindowMS         int    `yaml:"max_window_ms"` // exec mode; 0 keeps all audio
	MockFailAfterFrames int    `yaml:"mock_fail_after_frames"`
}

// ControlConfig configures the NATS command and publication surface.
type ControlConfig struct {
	Enabled           bool   `yaml:"enabled"`
	SubjectPrefix     string `yaml:"subject_prefix"`
	TranscriptSubject string `yaml:"transcript_subject"`
	StateSubject      string `yaml:"state_subject"`
}

// PresenceConfig controls node announcements on the bus.
type PresenceConfig struct {
	Enabled             bool   `yaml:"enabled"`
	NodeID              string `yaml:"node_id"`
	SubjectPrefix       string `yaml:"subject_prefix"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			TracesExporter: "auto",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-timeline.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Auth: AuthConfig{
			Mode:      "static",
			Status:    "granted",
			Subject:   "ctrl.auth.speech",
			TimeoutMS: 2000,
		},
		Capture: CaptureConfig{
			Mode:            "silence",
			Device:          "default",
			Loop:            true,
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 64,
		},
		STT: STTConfig{
			Mode:            "mock",
			Language:        "en-US",
			Model:           "nova-2",
			PartialEveryMS:  800,
			PublishInterim:  true,
			QueueFrames:     64,
			FinishTimeoutMS: 5000,
			MaxWindowMS:     30000,
		},
		Control: ControlConfig{
			Enabled:           true,
			SubjectPrefix:     "scribe.ctrl",
			TranscriptSubject: "scribe.transcript",
			StateSubject:      "scribe.state",
		},
		Presence: PresenceConfig{
			Enabled:             true,
			NodeID:              "scribe-local",
			SubjectPrefix:       "scribe.node",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TracesExporter, "SCRIBE_TELEMETRY_TRACES_EXPORTER")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideBool(&cfg.Bus.JetStream, "SCRIBE_BUS_JETSTREAM")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Auth.Mode, "SCRIBE_AUTH_MODE")
	overrideString(&cfg.Auth.Status, "SCRIBE_AUTH_STATUS")
	overrideString(&cfg.Auth.Subject, "SCRIBE_AUTH_SUBJECT")
	overrideInt(&cfg.Auth.TimeoutMS, "SCRIBE_AUTH_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "SCRIBE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Device, "SCRIBE_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Path, "SCRIBE_CAPTURE_PATH")
	overrideBool(&cfg.Capture.Loop, "SCRIBE_CAPTURE_LOOP")
	overrideInt(&cfg.Capture.SampleRate, "SCRIBE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "SCRIBE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "SCRIBE_CAPTURE_FRAME_DURATION_MS")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Model, "SCRIBE_STT_MODEL")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "SCRIBE_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "SCRIBE_STT_API_KEY")
	overrideInt(&cfg.STT.PartialEveryMS, "SCRIBE_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "SCRIBE_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.QueueFrames, "SCRIBE_STT_QUEUE_FRAMES")
	overrideInt(&cfg.STT.FinishTimeoutMS, "SCRIBE_STT_FINISH_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxWindowMS, "SCRIBE_STT_MAX_WINDOW_MS")
	overrideInt(&cfg.STT.MockFailAfterFrames, "SCRIBE_STT_MOCK_FAIL_AFTER_FRAMES")
	overrideBool(&cfg.Control.Enabled, "SCRIBE_CONTROL_ENABLED")
	overrideString(&cfg.Control.SubjectPrefix, "SCRIBE_CONTROL_SUBJECT_PREFIX")
	overrideString(&cfg.Control.TranscriptSubject, "SCRIBE_CONTROL_TRANSCRIPT_SUBJECT")
	overrideString(&cfg.Control.StateSubject, "SCRIBE_CONTROL_STATE_SUBJECT")
	overrideBool(&cfg.Presence.Enabled, "SCRIBE_PRESENCE_ENABLED")
	overrideString(&cfg.Presence.NodeID, "SCRIBE_PRESENCE_NODE_ID")
	overrideString(&cfg.Presence.SubjectPrefix, "SCRIBE_PRESENCE_SUBJECT_PREFIX")
	overrideInt(&cfg.Presence.HeartbeatIntervalMS, "SCRIBE_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeoutMS, "SCRIBE_PRESENCE_HEARTBEAT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TracesExporter {
	case "", "auto", "stdout", "none":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces_exporter=otlp")
		}
	default:
		return errors.New("telemetry.traces_exporter must be one of auto|otlp|stdout|none")
	}
	switch cfg.Auth.Mode {
	case "static":
		switch cfg.Auth.Status {
		case "granted", "denied", "pending":
		default:
			return errors.New("auth.status must be one of granted|denied|pending")
		}
	case "bus":
		if cfg.Auth.Subject == "" {
			return errors.New("auth.subject must be set when mode=bus")
		}
		if cfg.Auth.TimeoutMS <= 0 {
			return errors.New("auth.timeout_ms must be positive")
		}
	default:
		return errors.New("auth.mode must be one of static|bus")
	}
	switch cfg.Capture.Mode {
	case "silence", "bus":
	case "wav":
		if cfg.Capture.Path == "" {
			return errors.New("capture.path must be set when mode=wav")
		}
	default:
		return errors.New("capture.mode must be one of silence|wav|bus")
	}
	if cfg.Capture.Mode == "bus" && cfg.Capture.Device == "" {
		return errors.New("capture.device must be set when mode=bus")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "websocket":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=websocket")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|websocket")
	}
	if cfg.STT.QueueFrames <= 0 {
		return errors.New("stt.queue_frames must be >= 1")
	}
	if cfg.STT.FinishTimeoutMS <= 0 {
		return errors.New("stt.finish_timeout_ms must be positive")
	}
	if cfg.STT.MaxWindowMS < 0 {
		return errors.New("stt.max_window_ms must be >= 0")
	}
	if cfg.STT.MockFailAfterFrames < 0 {
		return errors.New("stt.mock_fail_after_frames must be >= 0")
	}
	if cfg.Control.Enabled {
		if cfg.Control.SubjectPrefix == "" {
			return errors.New("control.subject_prefix must not be empty when control is enabled")
		}
		if cfg.Control.TranscriptSubject == "" || cfg.Control.StateSubject == "" {
			return errors.New("control.transcript_subject and control.state_subject must not be empty")
		}
	}
	if cfg.Presence.Enabled {
		if cfg.Presence.NodeID == "" || cfg.Presence.SubjectPrefix == "" {
			return errors.New("presence.node_id and presence.subject_prefix must not be empty when presence is enabled")
		}
		if cfg.Presence.HeartbeatIntervalMS <= 0 {
			return errors.New("presence.heartbeat_interval_ms must be positive")
		}
		if cfg.Presence.HeartbeatTimeoutMS < cfg.Presence.HeartbeatIntervalMS {
			return errors.New("presence.heartbeat_timeout_ms must be >= presence.heartbeat_interval_ms")
		}
	}
	return nil
}
