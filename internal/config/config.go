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
}

type HTTPConfig struct {
	Bind            string   `yaml:"bind"`
	Port            int      `yaml:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	SyncTimeoutSecs int      `yaml:"sync_timeout_seconds"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	TTS          TTSConfig          `yaml:"tts"`
	Segmenter    SegmenterConfig    `yaml:"segmenter"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	References   ReferencesConfig   `yaml:"references"`
	Transcribe   TranscribeConfig   `yaml:"transcribe"`
	Outputs      OutputsConfig      `yaml:"outputs"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// NodeID names this instance in presence announcements; defaults to
	// the runtime name.
	NodeID            string `yaml:"node_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TTSConfig struct {
	Mode             string `yaml:"mode"` // mock, exec, openai
	Command          string `yaml:"command"`
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	Model            string `yaml:"model"`
	Voice            string `yaml:"voice"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	Reentrant        bool   `yaml:"reentrant"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type SegmenterConfig struct {
	MaxChars int `yaml:"max_chars"`
	MinChars int `yaml:"min_chars"`
}

type PipelineConfig struct {
	Workers             int     `yaml:"workers"`
	Retries             int     `yaml:"retries"`
	RetryDelayMS        int     `yaml:"retry_delay_ms"`
	BoundaryGapMS       int     `yaml:"boundary_gap_ms"`
	MaxTextChars        int     `yaml:"max_text_chars"`
	DefaultSpeed        float64 `yaml:"default_speed"`
	DefaultTemperature  float64 `yaml:"default_temperature"`
	JobRetentionMinutes int     `yaml:"job_retention_minutes"`
}

type ReferencesConfig struct {
	Store          string `yaml:"store"` // memory, sqlite
	Path           string `yaml:"path"`
	MaxBytes       int    `yaml:"max_bytes"`
	MinDurationMS  int    `yaml:"min_duration_ms"`
	RetentionHours int    `yaml:"retention_hours"`
	MaxEntries     int    `yaml:"max_entries"`
	Normalize      bool   `yaml:"normalize"`
	TrimSilence    bool   `yaml:"trim_silence"`
	PCMSampleRate  int    `yaml:"pcm_sample_rate"`
	PCMChannels    int    `yaml:"pcm_channels"`
}

type TranscribeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type OutputsConfig struct {
	Dir              string `yaml:"dir"`
	RetentionMinutes int    `yaml:"retention_minutes"`
}

type HousekeepingConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:            "0.0.0.0",
			Port:            8000,
			SyncTimeoutSecs: 300,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:           false,
			Embedded:          true,
			Port:              4222,
			StoreDir:          "./data/nats",
			Servers:           []string{"nats://localhost:4222"},
			ConnectTimeout:    2000,
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxJobs:       10000,
		},
		TTS: TTSConfig{
			Mode:             "mock",
			Endpoint:         "http://localhost:8880/v1",
			Model:            "mlx-community/Kokoro-82M-bf16",
			Voice:            "af_heart",
			SampleRate:       24000,
			Channels:         1,
			Reentrant:        false,
			RequestTimeoutMS: 120000,
		},
		Segmenter: SegmenterConfig{
			MaxChars: 300,
			MinChars: 50,
		},
		Pipeline: PipelineConfig{
			Workers:             1,
			Retries:             2,
			RetryDelayMS:        250,
			BoundaryGapMS:       0,
			MaxTextChars:        5000,
			DefaultSpeed:        1.0,
			DefaultTemperature:  0.7,
			JobRetentionMinutes: 60,
		},
		References: ReferencesConfig{
			Store:          "memory",
			Path:           "./data/narrator-references.db",
			MaxBytes:       10 * 1024 * 1024,
			MinDurationMS:  1000,
			RetentionHours: 24,
			MaxEntries:     256,
			Normalize:      true,
			TrimSilence:    true,
			PCMSampleRate:  24000,
			PCMChannels:    1,
		},
		Transcribe: TranscribeConfig{
			Enabled: false,
			Mode:    "mock",
		},
		Outputs: OutputsConfig{
			Dir:              "./data/outputs",
			RetentionMinutes: 60,
		},
		Housekeeping: HousekeepingConfig{
			IntervalSeconds: 300,
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
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "NARRATOR_HTTP_ALLOWED_ORIGINS")
	overrideInt(&cfg.HTTP.SyncTimeoutSecs, "NARRATOR_HTTP_SYNC_TIMEOUT_SECONDS")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.NodeID, "NARRATOR_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatInterval, "NARRATOR_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeout, "NARRATOR_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "NARRATOR_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.TTS.Mode, "NARRATOR_TTS_MODE")
	overrideString(&cfg.TTS.Command, "NARRATOR_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "NARRATOR_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "NARRATOR_TTS_API_KEY")
	overrideString(&cfg.TTS.Model, "NARRATOR_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "NARRATOR_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "NARRATOR_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "NARRATOR_TTS_CHANNELS")
	overrideBool(&cfg.TTS.Reentrant, "NARRATOR_TTS_REENTRANT")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "NARRATOR_TTS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Segmenter.MaxChars, "NARRATOR_SEGMENTER_MAX_CHARS")
	overrideInt(&cfg.Segmenter.MinChars, "NARRATOR_SEGMENTER_MIN_CHARS")
	overrideInt(&cfg.Pipeline.Workers, "NARRATOR_PIPELINE_WORKERS")
	overrideInt(&cfg.Pipeline.Retries, "NARRATOR_PIPELINE_RETRIES")
	overrideInt(&cfg.Pipeline.RetryDelayMS, "NARRATOR_PIPELINE_RETRY_DELAY_MS")
	overrideInt(&cfg.Pipeline.BoundaryGapMS, "NARRATOR_PIPELINE_BOUNDARY_GAP_MS")
	overrideInt(&cfg.Pipeline.MaxTextChars, "NARRATOR_PIPELINE_MAX_TEXT_CHARS")
	overrideFloat(&cfg.Pipeline.DefaultSpeed, "NARRATOR_PIPELINE_DEFAULT_SPEED")
	overrideFloat(&cfg.Pipeline.DefaultTemperature, "NARRATOR_PIPELINE_DEFAULT_TEMPERATURE")
	overrideInt(&cfg.Pipeline.JobRetentionMinutes, "NARRATOR_PIPELINE_JOB_RETENTION_MINUTES")
	overrideString(&cfg.References.Store, "NARRATOR_REFERENCES_STORE")
	overrideString(&cfg.References.Path, "NARRATOR_REFERENCES_PATH")
	overrideInt(&cfg.References.MaxBytes, "NARRATOR_REFERENCES_MAX_BYTES")
	overrideInt(&cfg.References.MinDurationMS, "NARRATOR_REFERENCES_MIN_DURATION_MS")
	overrideInt(&cfg.References.RetentionHours, "NARRATOR_REFERENCES_RETENTION_HOURS")
	overrideInt(&cfg.References.MaxEntries, "NARRATOR_REFERENCES_MAX_ENTRIES")
	overrideBool(&cfg.References.Normalize, "NARRATOR_REFERENCES_NORMALIZE")
	overrideBool(&cfg.References.TrimSilence, "NARRATOR_REFERENCES_TRIM_SILENCE")
	overrideInt(&cfg.References.PCMSampleRate, "NARRATOR_REFERENCES_PCM_SAMPLE_RATE")
	overrideInt(&cfg.References.PCMChannels, "NARRATOR_REFERENCES_PCM_CHANNELS")
	overrideBool(&cfg.Transcribe.Enabled, "NARRATOR_TRANSCRIBE_ENABLED")
	overrideString(&cfg.Transcribe.Mode, "NARRATOR_TRANSCRIBE_MODE")
	overrideString(&cfg.Transcribe.Command, "NARRATOR_TRANSCRIBE_COMMAND")
	overrideString(&cfg.Transcribe.ModelPath, "NARRATOR_TRANSCRIBE_MODEL_PATH")
	overrideString(&cfg.Transcribe.Language, "NARRATOR_TRANSCRIBE_LANGUAGE")
	overrideString(&cfg.Outputs.Dir, "NARRATOR_OUTPUTS_DIR")
	overrideInt(&cfg.Outputs.RetentionMinutes, "NARRATOR_OUTPUTS_RETENTION_MINUTES")
	overrideInt(&cfg.Housekeeping.IntervalSeconds, "NARRATOR_HOUSEKEEPING_INTERVAL_SECONDS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.SyncTimeoutSecs <= 0 {
		return errors.New("http.sync_timeout_seconds must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatInterval <= 0 || cfg.Bus.HeartbeatTimeout < cfg.Bus.HeartbeatInterval {
			return errors.New("bus.heartbeat_timeout_ms must be at least bus.heartbeat_interval_ms")
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
	switch cfg.TTS.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("tts.mode must be one of mock|exec|openai")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "openai" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=openai")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.RequestTimeoutMS <= 0 {
		return errors.New("tts.request_timeout_ms must be positive")
	}
	if cfg.Segmenter.MaxChars <= 0 {
		return errors.New("segmenter.max_chars must be positive")
	}
	if cfg.Segmenter.MinChars < 0 || cfg.Segmenter.MinChars > cfg.Segmenter.MaxChars {
		return errors.New("segmenter.min_chars must be between 0 and segmenter.max_chars")
	}
	if cfg.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if !cfg.TTS.Reentrant && cfg.Pipeline.Workers != 1 {
		return errors.New("pipeline.workers must be 1 unless tts.reentrant is set")
	}
	if cfg.Pipeline.Retries < 0 {
		return errors.New("pipeline.retries must be >= 0")
	}
	if cfg.Pipeline.RetryDelayMS < 0 {
		return errors.New("pipeline.retry_delay_ms must be >= 0")
	}
	if cfg.Pipeline.BoundaryGapMS < 0 {
		return errors.New("pipeline.boundary_gap_ms must be >= 0")
	}
	if cfg.Pipeline.MaxTextChars <= 0 {
		return errors.New("pipeline.max_text_chars must be positive")
	}
	switch cfg.References.Store {
	case "memory":
	case "sqlite":
		if cfg.References.Path == "" {
			return errors.New("references.path must be set when store=sqlite")
		}
	default:
		return errors.New("references.store must be one of memory|sqlite")
	}
	if cfg.References.MaxBytes <= 0 {
		return errors.New("references.max_bytes must be positive")
	}
	if cfg.References.RetentionHours <= 0 {
		return errors.New("references.retention_hours must be positive")
	}
	if cfg.References.PCMSampleRate <= 0 || cfg.References.PCMChannels <= 0 {
		return errors.New("references.pcm_sample_rate and references.pcm_channels must be positive")
	}
	if cfg.Transcribe.Enabled {
		switch cfg.Transcribe.Mode {
		case "mock", "exec":
		default:
			return errors.New("transcribe.mode must be one of mock|exec")
		}
		if cfg.Transcribe.Mode == "exec" && cfg.Transcribe.Command == "" {
			return errors.New("transcribe.command must be set when mode=exec")
		}
	}
	if cfg.Outputs.Dir == "" {
		return errors.New("outputs.dir must not be empty")
	}
	if cfg.Housekeeping.IntervalSeconds <= 0 {
		return errors.New("housekeeping.interval_seconds must be positive")
	}
	return nil
}
