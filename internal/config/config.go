package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // json, text
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// TraceStdout prints spans to stdout when no OTLP endpoint is set.
	TraceStdout bool    `yaml:"trace_stdout"`
	SampleRatio float64 `yaml:"sample_ratio"`
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
	Store       StoreConfig      `yaml:"store"`
	Audio       AudioConfig      `yaml:"audio"`
	STT         STTConfig        `yaml:"stt"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Matcher     MatcherConfig    `yaml:"matcher"`
	Correction  CorrectionConfig `yaml:"correction"`
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
	// MaxPayload is the embedded server's message size limit. Audio travels
	// base64-encoded inside JSON, so it must exceed audio.max_bytes by a third.
	MaxPayload int `yaml:"max_payload"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// AudioConfig controls how uploads are decoded into waveforms.
type AudioConfig struct {
	FFmpegCommand string `yaml:"ffmpeg_command"`
	TempDir       string `yaml:"temp_dir"`
	// NativeWAV decodes PCM WAV in-process instead of routing it through ffmpeg.
	NativeWAV bool `yaml:"native_wav"`
	MaxBytes  int  `yaml:"max_bytes"`
}

type STTConfig struct {
	Mode           string            `yaml:"mode"` // mock, exec
	Command        string            `yaml:"command"`
	Variant        string            `yaml:"variant"` // general, specialized
	Models         map[string]string `yaml:"models"`
	Language       string            `yaml:"language"`
	PoolSize       int               `yaml:"pool_size"`
	TimeoutMS      int               `yaml:"timeout_ms"`
	MockTranscript string            `yaml:"mock_transcript"`
}

// ModelPath returns the model configured for the selected variant.
func (c STTConfig) ModelPath() string {
	if c.Models == nil {
		return ""
	}
	return c.Models[c.Variant]
}

type PipelineConfig struct {
	Workers int `yaml:"workers"`
	// TimeoutMS bounds a whole submission: waiting for a worker, decoding and
	// transcription. Zero falls back to stt.timeout_ms.
	TimeoutMS int `yaml:"timeout_ms"`
}

// SubmissionTimeout is the deadline applied to one pipeline run.
func (c Config) SubmissionTimeout() time.Duration {
	ms := c.Pipeline.TimeoutMS
	if ms == 0 {
		ms = c.STT.TimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

type MatcherConfig struct {
	Strategy  string  `yaml:"strategy"` // substring, token_overlap, edit_distance
	Threshold float64 `yaml:"threshold"`
}

type CorrectionConfig struct {
	Mode      string `yaml:"mode"` // passthrough, ollama
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-recite",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			SampleRatio:  1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayload:     64 << 20,
		},
		Store: StoreConfig{
			Path:          "./data/recite.db",
			BusyTimeoutMS: 5000,
		},
		Audio: AudioConfig{
			FFmpegCommand: "ffmpeg",
			NativeWAV:     true,
			MaxBytes:      50 << 20,
		},
		STT: STTConfig{
			Mode:    "mock",
			Variant: "general",
			Models: map[string]string{
				"general":     "./models/ggml-base.bin",
				"specialized": "./models/whisper-base-ar-quran.bin",
			},
			PoolSize:  0,
			TimeoutMS: 120000,
		},
		Pipeline: PipelineConfig{
			Workers: 4,
		},
		Matcher: MatcherConfig{
			Strategy: "substring",
		},
		Correction: CorrectionConfig{
			Mode:      "passthrough",
			Endpoint:  "http://localhost:11434",
			Model:     "llama3.2:latest",
			TimeoutMS: 30000,
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
	overrideString(&cfg.RuntimeName, "RECITE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RECITE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "RECITE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "RECITE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "RECITE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "RECITE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RECITE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RECITE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "RECITE_TELEMETRY_TRACE_STDOUT")
	overrideFloat(&cfg.Telemetry.SampleRatio, "RECITE_TELEMETRY_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "RECITE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "RECITE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "RECITE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "RECITE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "RECITE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RECITE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RECITE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RECITE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RECITE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RECITE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "RECITE_BUS_MAX_PAYLOAD")
	overrideString(&cfg.Store.Path, "RECITE_STORE_PATH")
	overrideBool(&cfg.Store.VacuumOnStart, "RECITE_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Store.BusyTimeoutMS, "RECITE_STORE_BUSY_TIMEOUT_MS")
	overrideString(&cfg.Audio.FFmpegCommand, "RECITE_AUDIO_FFMPEG_COMMAND")
	overrideString(&cfg.Audio.TempDir, "RECITE_AUDIO_TEMP_DIR")
	overrideBool(&cfg.Audio.NativeWAV, "RECITE_AUDIO_NATIVE_WAV")
	overrideInt(&cfg.Audio.MaxBytes, "RECITE_AUDIO_MAX_BYTES")
	overrideString(&cfg.STT.Mode, "RECITE_STT_MODE")
	overrideString(&cfg.STT.Command, "RECITE_STT_COMMAND")
	overrideString(&cfg.STT.Variant, "RECITE_STT_VARIANT")
	overrideString(&cfg.STT.Language, "RECITE_STT_LANGUAGE")
	overrideInt(&cfg.STT.PoolSize, "RECITE_STT_POOL_SIZE")
	overrideInt(&cfg.STT.TimeoutMS, "RECITE_STT_TIMEOUT_MS")
	overrideString(&cfg.STT.MockTranscript, "RECITE_STT_MOCK_TRANSCRIPT")
	overrideInt(&cfg.Pipeline.Workers, "RECITE_PIPELINE_WORKERS")
	overrideInt(&cfg.Pipeline.TimeoutMS, "RECITE_PIPELINE_TIMEOUT_MS")
	overrideString(&cfg.Matcher.Strategy, "RECITE_MATCHER_STRATEGY")
	overrideFloat(&cfg.Matcher.Threshold, "RECITE_MATCHER_THRESHOLD")
	overrideString(&cfg.Correction.Mode, "RECITE_CORRECTION_MODE")
	overrideString(&cfg.Correction.Endpoint, "RECITE_CORRECTION_ENDPOINT")
	overrideString(&cfg.Correction.Model, "RECITE_CORRECTION_MODEL")
	overrideInt(&cfg.Correction.TimeoutMS, "RECITE_CORRECTION_TIMEOUT_MS")
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
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be in [0,1]")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.MaxPayload <= 0 || cfg.Bus.MaxPayload > 64<<20 {
				return errors.New("bus.max_payload must be between 1 and 67108864")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.BusyTimeoutMS < 0 {
		return errors.New("store.busy_timeout_ms must be >= 0")
	}
	if strings.TrimSpace(cfg.Audio.FFmpegCommand) == "" {
		return errors.New("audio.ffmpeg_command must not be empty")
	}
	if cfg.Audio.MaxBytes < 0 {
		return errors.New("audio.max_bytes must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	switch cfg.STT.Variant {
	case "general", "specialized":
	default:
		return errors.New("stt.variant must be one of general|specialized")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.ModelPath() == "" {
		return fmt.Errorf("stt.models.%s must be set when mode=exec", cfg.STT.Variant)
	}
	if cfg.STT.PoolSize < 0 {
		return errors.New("stt.pool_size must be >= 0")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if cfg.Pipeline.TimeoutMS < 0 {
		return errors.New("pipeline.timeout_ms must be >= 0")
	}
	switch cfg.Matcher.Strategy {
	case "substring":
	case "token_overlap", "edit_distance":
		if cfg.Matcher.Threshold <= 0 || cfg.Matcher.Threshold > 1 {
			return fmt.Errorf("matcher.threshold must be in (0,1] for strategy %s", cfg.Matcher.Strategy)
		}
	default:
		return errors.New("matcher.strategy must be one of substring|token_overlap|edit_distance")
	}
	switch cfg.Correction.Mode {
	case "passthrough":
	case "ollama":
		if cfg.Correction.Endpoint == "" {
			return errors.New("correction.endpoint must be set when mode=ollama")
		}
	default:
		return errors.New("correction.mode must be one of passthrough|ollama")
	}
	return nil
}
