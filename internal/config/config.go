package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServiceConfig struct {
	Name      string `yaml:"name"`
	Port      int    `yaml:"port"`
	TickMS    int    `yaml:"tick_ms"`
	Delimiter int    `yaml:"delimiter"`
	MaxFrame  int    `yaml:"max_frame"`
	InboxSize int    `yaml:"inbox_size"`
}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type TransportConfig struct {
	Mode            string `yaml:"mode"` // socket, websocket, nats
	Host            string `yaml:"host"`
	DialTimeoutMS   int    `yaml:"dial_timeout_ms"`
	Path            string `yaml:"path"`
	CommandSubject  string `yaml:"command_subject"`
	ResponseSubject string `yaml:"response_subject"`
	OutboundQueue   int    `yaml:"outbound_queue"`

	// Origins lists the browser origins the websocket endpoint accepts,
	// matched as host patterns.
	Origins []string `yaml:"origins"`
}

type Config struct {
	Environment string           `yaml:"environment"`
	Service     ServiceConfig    `yaml:"service"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Transport   TransportConfig  `yaml:"transport"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Driver      DriverConfig     `yaml:"driver"`
	Channel     ChannelConfig    `yaml:"channel"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
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
	QueueSize     int    `yaml:"queue_size"`
}

type DriverConfig struct {
	Mode              string   `yaml:"mode"` // mock, exec, native
	SpeechCommand     string   `yaml:"speech_command"`
	PlayCommand       string   `yaml:"play_command"`
	DefaultVoice      string   `yaml:"default_voice"`
	Voices            []string `yaml:"voices"`
	CacheDir          string   `yaml:"cache_dir"`
	DownloadTimeoutMS int      `yaml:"download_timeout_ms"`
	MockWordMS        int      `yaml:"mock_word_ms"`
	MockPlayMS        int      `yaml:"mock_play_ms"`
}

// ChannelConfig holds the settings a new channel starts with. A reset
// command restores these values, so changing them changes what reset
// reports.
type ChannelConfig struct {
	WatchdogMS int     `yaml:"watchdog_ms"`
	Volume     float64 `yaml:"volume"`
	Rate       int     `yaml:"rate"`
	Loop       bool    `yaml:"loop"`
}

func Default() Config {
	return Config{
		Environment: "development",
		Service: ServiceConfig{
			Name:      "outfox",
			Port:      8888,
			TickMS:    50,
			Delimiter: 0x03,
			MaxFrame:  1 << 20,
			InboxSize: 256,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			Traces:       false,
		},
		Transport: TransportConfig{
			Mode:            "socket",
			Host:            "127.0.0.1",
			DialTimeoutMS:   2000,
			Path:            "/outfox",
			CommandSubject:  "outfox.%s.cmd",
			ResponseSubject: "outfox.%s.resp",
			OutboundQueue:   256,
			Origins:         []string{"*"},
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/outfox-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   1000,
			QueueSize:     1024,
		},
		Driver: DriverConfig{
			Mode:              "mock",
			DefaultVoice:      "default",
			Voices:            []string{"default"},
			DownloadTimeoutMS: 30000,
			MockWordMS:        120,
			MockPlayMS:        500,
		},
		Channel: ChannelConfig{
			WatchdogMS: 0,
			Volume:     0.9,
			Rate:       200,
			Loop:       false,
		},
	}
}

// Load reads the YAML file at path (skipped when empty), then the optional
// .env file, then OUTFOX_* environment overrides, and validates the result.
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

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv reads OUTFOX_DOTENV (default .env) into the process
// environment without replacing variables that are already set.
func loadDotEnv() error {
	path := ".env"
	if v, ok := os.LookupEnv("OUTFOX_DOTENV"); ok && strings.TrimSpace(v) != "" {
		path = v
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Environment, "OUTFOX_ENVIRONMENT")
	overrideString(&cfg.Service.Name, "OUTFOX_SERVICE_NAME")
	overrideInt(&cfg.Service.Port, "OUTFOX_SERVICE_PORT")
	overrideInt(&cfg.Service.TickMS, "OUTFOX_SERVICE_TICK_MS")
	overrideInt(&cfg.Service.Delimiter, "OUTFOX_SERVICE_DELIMITER")
	overrideInt(&cfg.Service.MaxFrame, "OUTFOX_SERVICE_MAX_FRAME")
	overrideInt(&cfg.Service.InboxSize, "OUTFOX_SERVICE_INBOX_SIZE")
	overrideBool(&cfg.HTTP.Enabled, "OUTFOX_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "OUTFOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "OUTFOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "OUTFOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "OUTFOX_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "OUTFOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "OUTFOX_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "OUTFOX_TELEMETRY_TRACES")
	overrideString(&cfg.Transport.Mode, "OUTFOX_TRANSPORT_MODE")
	overrideString(&cfg.Transport.Host, "OUTFOX_TRANSPORT_HOST")
	overrideInt(&cfg.Transport.DialTimeoutMS, "OUTFOX_TRANSPORT_DIAL_TIMEOUT_MS")
	overrideString(&cfg.Transport.Path, "OUTFOX_TRANSPORT_PATH")
	overrideString(&cfg.Transport.CommandSubject, "OUTFOX_TRANSPORT_COMMAND_SUBJECT")
	overrideString(&cfg.Transport.ResponseSubject, "OUTFOX_TRANSPORT_RESPONSE_SUBJECT")
	overrideInt(&cfg.Transport.OutboundQueue, "OUTFOX_TRANSPORT_OUTBOUND_QUEUE")
	overrideStringSlice(&cfg.Transport.Origins, "OUTFOX_TRANSPORT_ORIGINS")
	overrideBool(&cfg.Bus.Embedded, "OUTFOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "OUTFOX_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "OUTFOX_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "OUTFOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "OUTFOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "OUTFOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "OUTFOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "OUTFOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "OUTFOX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "OUTFOX_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "OUTFOX_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "OUTFOX_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "OUTFOX_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "OUTFOX_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.QueueSize, "OUTFOX_EVENT_STORE_QUEUE_SIZE")
	overrideString(&cfg.Driver.Mode, "OUTFOX_DRIVER_MODE")
	overrideString(&cfg.Driver.SpeechCommand, "OUTFOX_DRIVER_SPEECH_COMMAND")
	overrideString(&cfg.Driver.PlayCommand, "OUTFOX_DRIVER_PLAY_COMMAND")
	overrideString(&cfg.Driver.DefaultVoice, "OUTFOX_DRIVER_DEFAULT_VOICE")
	overrideStringSlice(&cfg.Driver.Voices, "OUTFOX_DRIVER_VOICES")
	overrideString(&cfg.Driver.CacheDir, "OUTFOX_DRIVER_CACHE_DIR")
	overrideInt(&cfg.Driver.DownloadTimeoutMS, "OUTFOX_DRIVER_DOWNLOAD_TIMEOUT_MS")
	overrideInt(&cfg.Driver.MockWordMS, "OUTFOX_DRIVER_MOCK_WORD_MS")
	overrideInt(&cfg.Driver.MockPlayMS, "OUTFOX_DRIVER_MOCK_PLAY_MS")
	overrideInt(&cfg.Channel.WatchdogMS, "OUTFOX_CHANNEL_WATCHDOG_MS")
	overrideFloat(&cfg.Channel.Volume, "OUTFOX_CHANNEL_VOLUME")
	overrideInt(&cfg.Channel.Rate, "OUTFOX_CHANNEL_RATE")
	overrideBool(&cfg.Channel.Loop, "OUTFOX_CHANNEL_LOOP")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks a configuration assembled outside Load.
func Validate(cfg Config) error { return validate(cfg) }

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		return errors.New("service.name must not be empty")
	}
	if cfg.Service.Port < 0 || cfg.Service.Port > 65535 {
		return errors.New("service.port must be between 0 and 65535")
	}
	if cfg.Service.TickMS <= 0 {
		return errors.New("service.tick_ms must be positive")
	}
	if cfg.Service.Delimiter < 0 || cfg.Service.Delimiter > 255 {
		return errors.New("service.delimiter must be a single byte value")
	}
	if cfg.Service.MaxFrame <= 0 {
		return errors.New("service.max_frame must be positive")
	}
	if cfg.Service.InboxSize <= 0 {
		return errors.New("service.inbox_size must be positive")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogFormat) {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}

	switch cfg.Transport.Mode {
	case "socket":
		if cfg.Service.Port == 0 {
			return errors.New("service.port must be set when transport.mode=socket")
		}
		if cfg.Transport.Host == "" {
			return errors.New("transport.host must not be empty when transport.mode=socket")
		}
	case "websocket":
		if !cfg.HTTP.Enabled {
			return errors.New("http must be enabled when transport.mode=websocket")
		}
		if !strings.HasPrefix(cfg.Transport.Path, "/") {
			return errors.New("transport.path must start with /")
		}
	case "nats":
		if cfg.Transport.CommandSubject == "" || cfg.Transport.ResponseSubject == "" {
			return errors.New("transport subjects must be set when transport.mode=nats")
		}
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	default:
		return errors.New("transport.mode must be one of socket|websocket|nats")
	}
	if cfg.Transport.OutboundQueue <= 0 {
		return errors.New("transport.outbound_queue must be positive")
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
	if cfg.EventStore.QueueSize <= 0 {
		return errors.New("event_store.queue_size must be positive")
	}

	switch cfg.Driver.Mode {
	case "mock":
	case "exec":
		if cfg.Driver.SpeechCommand == "" && cfg.Driver.PlayCommand == "" {
			return errors.New("driver.speech_command or driver.play_command must be set when mode=exec")
		}
	case "native":
	default:
		return errors.New("driver.mode must be one of mock|exec|native")
	}
	if cfg.Driver.DownloadTimeoutMS <= 0 {
		return errors.New("driver.download_timeout_ms must be positive")
	}

	if cfg.Channel.WatchdogMS < 0 {
		return errors.New("channel.watchdog_ms must be >= 0")
	}
	if cfg.Channel.Volume < 0 || cfg.Channel.Volume > 1 {
		return errors.New("channel.volume must be between 0 and 1")
	}
	if cfg.Channel.Rate <= 0 {
		return errors.New("channel.rate must be positive")
	}
	return nil
}

// Subjects expands the command and response subject templates with the
// service name.
func (t TransportConfig) Subjects(service string) (command, response string) {
	return expandSubject(t.CommandSubject, service), expandSubject(t.ResponseSubject, service)
}

func expandSubject(template, service string) string {
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, service)
	}
	return template
}
