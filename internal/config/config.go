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
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Devices     DevicesConfig   `yaml:"devices"`
	Storage     StorageConfig   `yaml:"storage"`
	Security    SecurityConfig  `yaml:"security"`
	Capture     CaptureConfig   `yaml:"capture"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	Jobs        JobsConfig      `yaml:"jobs"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	MaxStoreMB     int      `yaml:"max_store_mb"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// DevicesConfig lists statically known inputs and how long a bus-announced
// input stays eligible without a heartbeat.
type DevicesConfig struct {
	HeartbeatTimeout int            `yaml:"heartbeat_timeout_ms"`
	Static           []DeviceConfig `yaml:"static"`
}

type DeviceConfig struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Name     string `yaml:"name"`
	Channels int    `yaml:"channels"`
}

type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`
	AudioDir      string `yaml:"audio_dir"`
	DBPath        string `yaml:"db_path"`
	ModelsDir     string `yaml:"models_dir"`
	ExportDir     string `yaml:"export_dir"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SecurityConfig struct {
	Encrypt        bool   `yaml:"encrypt"`
	KeystoreDir    string `yaml:"keystore_dir"`
	Passphrase     string `yaml:"passphrase"`
	AudioKeyAlias  string `yaml:"audio_key_alias"`
	ExportKeyAlias string `yaml:"export_key_alias"`
	KeyCacheSize   int    `yaml:"key_cache_size"`
}

type CaptureConfig struct {
	SampleRate       int            `yaml:"sample_rate"`
	BlockSamples     int            `yaml:"block_samples"`
	ReadTimeoutMS    int            `yaml:"read_timeout_ms"`
	SilenceWarningMS int            `yaml:"silence_warning_ms"`
	DefaultInput     string         `yaml:"default_input"`
	Gain             GainConfig     `yaml:"gain"`
	Denoiser         DenoiserConfig `yaml:"denoiser"`
}

type GainConfig struct {
	Enabled     bool    `yaml:"enabled"`
	TargetLevel float64 `yaml:"target_level"`
	Attack      float64 `yaml:"attack"`
	Release     float64 `yaml:"release"`
	MaxGain     float64 `yaml:"max_gain"`
}

type DenoiserConfig struct {
	Backend    string `yaml:"backend"` // none, gate, wasm
	ModulePath string `yaml:"module_path"`
	FrameSize  int    `yaml:"frame_size"`
}

type STTConfig struct {
	Language        string         `yaml:"language"`
	MergeMinSegment int            `yaml:"merge_min_segment_ms"`
	Baseline        BaselineConfig `yaml:"baseline"`
	Premium         PremiumConfig  `yaml:"premium"`
}

type BaselineConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelDir  string `yaml:"model_dir"`
	BlockSize int    `yaml:"block_bytes"`
}

type PremiumConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // exec, native
	Command   string `yaml:"command"`
	ModelDir  string `yaml:"model_dir"`
	WindowMS  int    `yaml:"window_ms"`
	OverlapMS int    `yaml:"overlap_ms"`
	MinStepMS int    `yaml:"min_step_ms"`
	Threads   int    `yaml:"threads"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec, mlc, openai, file
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	StubPath    string  `yaml:"stub_path"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type JobsConfig struct {
	Workers          int `yaml:"workers"`
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`
	PollIntervalMS   int `yaml:"poll_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-memo",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			MaxStoreMB:     256,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Devices: DevicesConfig{
			HeartbeatTimeout: 6000,
		},
		Storage: StorageConfig{
			DataDir:   "./data",
			AudioDir:  "./data/audio",
			DBPath:    "./data/memo.db",
			ModelsDir: "./data/models",
			ExportDir: "./data/exports",
		},
		Security: SecurityConfig{
			Encrypt:        true,
			KeystoreDir:    "./data/keys",
			AudioKeyAlias:  "offlinehqasr_audio_aes",
			ExportKeyAlias: "offlinehqasr_export_aes",
			KeyCacheSize:   8,
		},
		Capture: CaptureConfig{
			SampleRate:       48000,
			BlockSamples:     1920,
			ReadTimeoutMS:    2000,
			SilenceWarningMS: 5000,
			DefaultInput:     "",
			Gain: GainConfig{
				Enabled:     true,
				TargetLevel: 0.18,
				Attack:      0.15,
				Release:     0.01,
				MaxGain:     6,
			},
			Denoiser: DenoiserConfig{
				Backend:   "gate",
				FrameSize: 480,
			},
		},
		STT: STTConfig{
			Language:        "fr",
			MergeMinSegment: 750,
			Baseline: BaselineConfig{
				Mode:      "mock",
				ModelDir:  "./data/models/vosk",
				BlockSize: 4096,
			},
			Premium: PremiumConfig{
				Enabled:   false,
				Mode:      "exec",
				ModelDir:  "./data/models/whisper",
				WindowMS:  30000,
				OverlapMS: 5000,
				MinStepMS: 1000,
				Threads:   4,
			},
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			StubPath:    "./data/models/mlc/structured_summary.json",
			MaxTokens:   1024,
			Temperature: 0.2,
			TimeoutMS:   120000,
		},
		Jobs: JobsConfig{
			Workers:          1,
			MaxAttempts:      3,
			InitialBackoffMS: 500,
			MaxBackoffMS:     30000,
			PollIntervalMS:   1000,
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
	overrideString(&cfg.RuntimeName, "MEMO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MEMO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MEMO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MEMO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MEMO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MEMO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MEMO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MEMO_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "MEMO_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MEMO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MEMO_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "MEMO_BUS_STORE_DIR")
	overrideInt(&cfg.Bus.MaxStoreMB, "MEMO_BUS_MAX_STORE_MB")
	overrideStringSlice(&cfg.Bus.Servers, "MEMO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MEMO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MEMO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MEMO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MEMO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MEMO_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Devices.HeartbeatTimeout, "MEMO_DEVICES_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Storage.DataDir, "MEMO_STORAGE_DATA_DIR")
	overrideString(&cfg.Storage.AudioDir, "MEMO_STORAGE_AUDIO_DIR")
	overrideString(&cfg.Storage.DBPath, "MEMO_STORAGE_DB_PATH")
	overrideString(&cfg.Storage.ModelsDir, "MEMO_STORAGE_MODELS_DIR")
	overrideString(&cfg.Storage.ExportDir, "MEMO_STORAGE_EXPORT_DIR")
	overrideBool(&cfg.Storage.VacuumOnStart, "MEMO_STORAGE_VACUUM_ON_START")
	overrideBool(&cfg.Security.Encrypt, "MEMO_SECURITY_ENCRYPT")
	overrideString(&cfg.Security.KeystoreDir, "MEMO_SECURITY_KEYSTORE_DIR")
	overrideString(&cfg.Security.Passphrase, "MEMO_SECURITY_PASSPHRASE")
	overrideString(&cfg.Security.AudioKeyAlias, "MEMO_SECURITY_AUDIO_KEY_ALIAS")
	overrideString(&cfg.Security.ExportKeyAlias, "MEMO_SECURITY_EXPORT_KEY_ALIAS")
	overrideInt(&cfg.Security.KeyCacheSize, "MEMO_SECURITY_KEY_CACHE_SIZE")
	overrideInt(&cfg.Capture.SampleRate, "MEMO_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.BlockSamples, "MEMO_CAPTURE_BLOCK_SAMPLES")
	overrideInt(&cfg.Capture.ReadTimeoutMS, "MEMO_CAPTURE_READ_TIMEOUT_MS")
	overrideInt(&cfg.Capture.SilenceWarningMS, "MEMO_CAPTURE_SILENCE_WARNING_MS")
	overrideString(&cfg.Capture.DefaultInput, "MEMO_CAPTURE_DEFAULT_INPUT")
	overrideBool(&cfg.Capture.Gain.Enabled, "MEMO_CAPTURE_GAIN_ENABLED")
	overrideFloat(&cfg.Capture.Gain.TargetLevel, "MEMO_CAPTURE_GAIN_TARGET_LEVEL")
	overrideFloat(&cfg.Capture.Gain.MaxGain, "MEMO_CAPTURE_GAIN_MAX_GAIN")
	overrideString(&cfg.Capture.Denoiser.Backend, "MEMO_CAPTURE_DENOISER_BACKEND")
	overrideString(&cfg.Capture.Denoiser.ModulePath, "MEMO_CAPTURE_DENOISER_MODULE_PATH")
	overrideString(&cfg.STT.Language, "MEMO_STT_LANGUAGE")
	overrideInt(&cfg.STT.MergeMinSegment, "MEMO_STT_MERGE_MIN_SEGMENT_MS")
	overrideString(&cfg.STT.Baseline.Mode, "MEMO_STT_BASELINE_MODE")
	overrideString(&cfg.STT.Baseline.Command, "MEMO_STT_BASELINE_COMMAND")
	overrideString(&cfg.STT.Baseline.ModelDir, "MEMO_STT_BASELINE_MODEL_DIR")
	overrideBool(&cfg.STT.Premium.Enabled, "MEMO_STT_PREMIUM_ENABLED")
	overrideString(&cfg.STT.Premium.Mode, "MEMO_STT_PREMIUM_MODE")
	overrideString(&cfg.STT.Premium.Command, "MEMO_STT_PREMIUM_COMMAND")
	overrideString(&cfg.STT.Premium.ModelDir, "MEMO_STT_PREMIUM_MODEL_DIR")
	overrideInt(&cfg.STT.Premium.Threads, "MEMO_STT_PREMIUM_THREADS")
	overrideBool(&cfg.LLM.Enabled, "MEMO_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "MEMO_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "MEMO_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "MEMO_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "MEMO_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "MEMO_LLM_API_KEY")
	overrideString(&cfg.LLM.StubPath, "MEMO_LLM_STUB_PATH")
	overrideInt(&cfg.LLM.MaxTokens, "MEMO_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "MEMO_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "MEMO_LLM_TIMEOUT_MS")
	overrideInt(&cfg.Jobs.Workers, "MEMO_JOBS_WORKERS")
	overrideInt(&cfg.Jobs.MaxAttempts, "MEMO_JOBS_MAX_ATTEMPTS")
	overrideInt(&cfg.Jobs.InitialBackoffMS, "MEMO_JOBS_INITIAL_BACKOFF_MS")
	overrideInt(&cfg.Jobs.MaxBackoffMS, "MEMO_JOBS_MAX_BACKOFF_MS")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.MaxStoreMB < 0 {
				return errors.New("bus.max_store_mb must not be negative")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Devices.HeartbeatTimeout <= 0 {
		return errors.New("devices.heartbeat_timeout_ms must be positive")
	}
	for _, d := range cfg.Devices.Static {
		if d.ID == "" {
			return errors.New("devices.static entries need an id")
		}
	}
	if cfg.Storage.DBPath == "" {
		return errors.New("storage.db_path must not be empty")
	}
	if cfg.Storage.AudioDir == "" {
		return errors.New("storage.audio_dir must not be empty")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Security.Encrypt {
		if cfg.Security.KeystoreDir == "" {
			return errors.New("security.keystore_dir must not be empty when encryption is enabled")
		}
		if cfg.Security.AudioKeyAlias == "" {
			return errors.New("security.audio_key_alias must not be empty when encryption is enabled")
		}
		if cfg.Security.ExportKeyAlias == "" {
			return errors.New("security.export_key_alias must not be empty when encryption is enabled")
		}
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.BlockSamples <= 0 {
		return errors.New("capture.block_samples must be positive")
	}
	if cfg.Capture.ReadTimeoutMS <= 0 {
		return errors.New("capture.read_timeout_ms must be positive")
	}
	if cfg.Capture.Gain.Enabled && cfg.Capture.Gain.MaxGain <= 0 {
		return errors.New("capture.gain.max_gain must be positive")
	}
	switch cfg.Capture.Denoiser.Backend {
	case "", "none", "gate":
	case "wasm":
		if cfg.Capture.Denoiser.ModulePath == "" {
			return errors.New("capture.denoiser.module_path must be set when backend=wasm")
		}
	default:
		return errors.New("capture.denoiser.backend must be one of none|gate|wasm")
	}
	switch cfg.STT.Baseline.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Baseline.Command == "" {
			return errors.New("stt.baseline.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.baseline.mode must be one of mock|exec")
	}
	if cfg.STT.Premium.Enabled {
		switch cfg.STT.Premium.Mode {
		case "native":
		case "exec":
			if cfg.STT.Premium.Command == "" {
				return errors.New("stt.premium.command must be set when mode=exec")
			}
		default:
			return errors.New("stt.premium.mode must be one of exec|native")
		}
		if cfg.STT.Premium.WindowMS <= cfg.STT.Premium.OverlapMS {
			return errors.New("stt.premium.window_ms must be greater than overlap_ms")
		}
		if cfg.STT.Premium.MinStepMS <= 0 {
			return errors.New("stt.premium.min_step_ms must be positive")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec", "mlc", "openai", "file":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|mlc|openai|file")
		}
		if (cfg.LLM.Mode == "ollama" || cfg.LLM.Mode == "openai") && cfg.LLM.Endpoint == "" {
			return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
		}
		if (cfg.LLM.Mode == "exec" || cfg.LLM.Mode == "mlc") && cfg.LLM.Command == "" {
			return fmt.Errorf("llm.command must be set when mode=%s", cfg.LLM.Mode)
		}
		if cfg.LLM.Mode == "file" && cfg.LLM.StubPath == "" {
			return errors.New("llm.stub_path must be set when mode=file")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.Jobs.Workers <= 0 {
		return errors.New("jobs.workers must be >= 1")
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		return errors.New("jobs.max_attempts must be >= 1")
	}
	return nil
}
