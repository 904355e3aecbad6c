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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type WorkerConfig struct {
	ID                string   `yaml:"id"`
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	Capacity          int      `yaml:"capacity"`
	Tags              []string `yaml:"tags"`
	HeartbeatInterval int      `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int      `yaml:"heartbeat_timeout_ms"`
	DrainPoll         int      `yaml:"drain_poll_ms"`
	DrainTimeout      int      `yaml:"drain_timeout_ms"`
}

type RegistryConfig struct {
	Store          string `yaml:"store"` // memory, nats
	StickyTTL      int    `yaml:"sticky_ttl_ms"`
	StickyCapacity int    `yaml:"sticky_capacity"`
}

type SessionConfig struct {
	DefaultLanguage    string  `yaml:"default_language"`
	MaxAudioChunkBytes int     `yaml:"max_audio_chunk_bytes"`
	IdleTimeout        int     `yaml:"idle_timeout_sec"`
	RecentTurns        int     `yaml:"recent_turns"`
	RetrievalTopK      int     `yaml:"retrieval_top_k"`
	RetrievalFloor     float64 `yaml:"retrieval_floor"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // auto, local, exec, remote
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	RemoteURL  string `yaml:"remote_url"`
	APIKey     string `yaml:"api_key"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // auto, local, exec, remote
	Command    string `yaml:"command"`
	RemoteURL  string `yaml:"remote_url"`
	APIKey     string `yaml:"api_key"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // auto, local, remote
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeout     int `yaml:"reset_timeout_ms"`
	HalfOpenMax      int `yaml:"half_open_max"`
	CloseThreshold   int `yaml:"close_threshold"`
}

type FailoverConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelay   int `yaml:"base_delay_ms"`
	MaxDelay    int `yaml:"max_delay_ms"`
}

type LatencyConfig struct {
	RingSize    int `yaml:"ring_size"`
	StatsWindow int `yaml:"stats_window_ms"`
}

type MemoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, session, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type HandoffConfig struct {
	EscalationKeywords  []string `yaml:"escalation_keywords"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
}

type EventsConfig struct {
	Mode string `yaml:"mode"` // local, nats
}

type TenantProfile struct {
	ID                  string   `yaml:"id"`
	Persona             string   `yaml:"persona"`
	Language            string   `yaml:"language"`
	Voice               string   `yaml:"voice"`
	ForbiddenTopics     []string `yaml:"forbidden_topics"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	Budget              string   `yaml:"budget"` // ok, degraded, exceeded
}

type TenantsConfig struct {
	Default  TenantProfile   `yaml:"default"`
	Profiles []TenantProfile `yaml:"profiles"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Worker      WorkerConfig    `yaml:"worker"`
	Registry    RegistryConfig  `yaml:"registry"`
	Session     SessionConfig   `yaml:"session"`
	STT         STTConfig       `yaml:"stt"`
	TTS         TTSConfig       `yaml:"tts"`
	LLM         LLMConfig       `yaml:"llm"`
	Breaker     BreakerConfig   `yaml:"breaker"`
	Failover    FailoverConfig  `yaml:"failover"`
	Latency     LatencyConfig   `yaml:"latency"`
	Memory      MemoryConfig    `yaml:"memory"`
	Handoff     HandoffConfig   `yaml:"handoff"`
	Events      EventsConfig    `yaml:"events"`
	Tenants     TenantsConfig   `yaml:"tenants"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicecore",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Worker: WorkerConfig{
			ID:                "voicecore-worker-1",
			Host:              "127.0.0.1",
			Port:              8080,
			Capacity:          8,
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
			DrainPoll:         1000,
			DrainTimeout:      60000,
		},
		Registry: RegistryConfig{
			Store:          "memory",
			StickyTTL:      3600000,
			StickyCapacity: 4096,
		},
		Session: SessionConfig{
			DefaultLanguage:    "tr",
			MaxAudioChunkBytes: 32000,
			IdleTimeout:        300,
			RecentTurns:        6,
			RetrievalTopK:      3,
			RetrievalFloor:     0.2,
		},
		STT: STTConfig{
			Mode:       "auto",
			SampleRate: 16000,
			Channels:   1,
		},
		TTS: TTSConfig{
			Mode:       "auto",
			Voice:      "tr-standard-1",
			SampleRate: 16000,
		},
		LLM: LLMConfig{
			Mode:        "auto",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30000,
			HalfOpenMax:      2,
			CloseThreshold:   2,
		},
		Failover: FailoverConfig{
			MaxAttempts: 3,
			BaseDelay:   100,
			MaxDelay:    5000,
		},
		Latency: LatencyConfig{
			RingSize:    1000,
			StatsWindow: 300000,
		},
		Memory: MemoryConfig{
			Path:          "./data/voicecore-memory.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Handoff: HandoffConfig{
			EscalationKeywords:  []string{"manager", "supervisor", "legal", "sue", "lawyer", "müdür", "yetkili", "avukat", "dava"},
			ConfidenceThreshold: 0.3,
		},
		Events: EventsConfig{
			Mode: "nats",
		},
		Tenants: TenantsConfig{
			Default: TenantProfile{
				ID:                  "default",
				Persona:             "Nazik ve profesyonel bir Türkçe müşteri hizmetleri asistanısın. Kısa ve net cevap ver.",
				Language:            "tr",
				Voice:               "tr-standard-1",
				ConfidenceThreshold: 0.3,
				Budget:              "ok",
			},
		},
	}
}

// Load reads the YAML config at path (if non-empty), layers environment
// overrides on top, and validates the result.
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
	overrideString(&cfg.RuntimeName, "VOICECORE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICECORE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICECORE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICECORE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICECORE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICECORE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICECORE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "VOICECORE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICECORE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICECORE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICECORE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICECORE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICECORE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICECORE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICECORE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Worker.ID, "VOICECORE_WORKER_ID")
	overrideString(&cfg.Worker.Host, "VOICECORE_WORKER_HOST")
	overrideInt(&cfg.Worker.Port, "VOICECORE_WORKER_PORT")
	overrideInt(&cfg.Worker.Capacity, "VOICECORE_WORKER_CAPACITY")
	overrideStringSlice(&cfg.Worker.Tags, "VOICECORE_WORKER_TAGS")
	overrideInt(&cfg.Worker.HeartbeatInterval, "VOICECORE_WORKER_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Worker.HeartbeatTimeout, "VOICECORE_WORKER_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Worker.DrainPoll, "VOICECORE_WORKER_DRAIN_POLL_MS")
	overrideInt(&cfg.Worker.DrainTimeout, "VOICECORE_WORKER_DRAIN_TIMEOUT_MS")
	overrideString(&cfg.Registry.Store, "VOICECORE_REGISTRY_STORE")
	overrideInt(&cfg.Registry.StickyTTL, "VOICECORE_REGISTRY_STICKY_TTL_MS")
	overrideString(&cfg.Session.DefaultLanguage, "VOICECORE_SESSION_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Session.MaxAudioChunkBytes, "VOICECORE_SESSION_MAX_AUDIO_CHUNK_BYTES")
	overrideInt(&cfg.Session.IdleTimeout, "VOICECORE_SESSION_IDLE_TIMEOUT_SEC")
	overrideString(&cfg.STT.Mode, "VOICECORE_STT_MODE")
	overrideString(&cfg.STT.Command, "VOICECORE_STT_COMMAND")
	overrideString(&cfg.STT.RemoteURL, "VOICECORE_STT_REMOTE_URL")
	overrideString(&cfg.STT.APIKey, "VOICECORE_STT_API_KEY")
	overrideString(&cfg.TTS.Mode, "VOICECORE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VOICECORE_TTS_COMMAND")
	overrideString(&cfg.TTS.RemoteURL, "VOICECORE_TTS_REMOTE_URL")
	overrideString(&cfg.TTS.APIKey, "VOICECORE_TTS_API_KEY")
	overrideString(&cfg.TTS.Voice, "VOICECORE_TTS_VOICE")
	overrideString(&cfg.LLM.Mode, "VOICECORE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "VOICECORE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Model, "VOICECORE_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "VOICECORE_LLM_API_KEY")
	overrideInt(&cfg.LLM.MaxTokens, "VOICECORE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "VOICECORE_LLM_TEMPERATURE")
	overrideInt(&cfg.Breaker.FailureThreshold, "VOICECORE_BREAKER_FAILURE_THRESHOLD")
	overrideInt(&cfg.Breaker.ResetTimeout, "VOICECORE_BREAKER_RESET_TIMEOUT_MS")
	overrideInt(&cfg.Latency.RingSize, "VOICECORE_LATENCY_RING_SIZE")
	overrideString(&cfg.Memory.Path, "VOICECORE_MEMORY_PATH")
	overrideString(&cfg.Memory.RetentionMode, "VOICECORE_MEMORY_RETENTION_MODE")
	overrideInt(&cfg.Memory.RetentionDays, "VOICECORE_MEMORY_RETENTION_DAYS")
	overrideString(&cfg.Events.Mode, "VOICECORE_EVENTS_MODE")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Worker.ID == "" {
		return errors.New("worker.id must not be empty")
	}
	if cfg.Worker.Capacity <= 0 {
		return errors.New("worker.capacity must be positive")
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		return errors.New("worker.heartbeat_interval_ms must be positive")
	}
	if cfg.Worker.HeartbeatTimeout <= cfg.Worker.HeartbeatInterval {
		return errors.New("worker.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.Registry.Store {
	case "memory", "nats":
	default:
		return errors.New("registry.store must be one of memory|nats")
	}
	if cfg.Registry.StickyTTL <= 0 {
		return errors.New("registry.sticky_ttl_ms must be positive")
	}
	if cfg.Session.MaxAudioChunkBytes <= 0 {
		return errors.New("session.max_audio_chunk_bytes must be positive")
	}
	switch cfg.STT.Mode {
	case "auto", "local", "exec", "remote":
	default:
		return errors.New("stt.mode must be one of auto|local|exec|remote")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "remote" && cfg.STT.APIKey == "" {
		return errors.New("stt.api_key must be set when mode=remote")
	}
	switch cfg.TTS.Mode {
	case "auto", "local", "exec", "remote":
	default:
		return errors.New("tts.mode must be one of auto|local|exec|remote")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "remote" && cfg.TTS.APIKey == "" {
		return errors.New("tts.api_key must be set when mode=remote")
	}
	switch cfg.LLM.Mode {
	case "auto", "local", "remote":
	default:
		return errors.New("llm.mode must be one of auto|local|remote")
	}
	if cfg.LLM.Mode == "remote" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=remote")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Latency.RingSize <= 0 {
		return errors.New("latency.ring_size must be positive")
	}
	if cfg.Memory.Path == "" {
		return errors.New("memory.path must not be empty")
	}
	switch cfg.Memory.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("memory.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Memory.RetentionDays < 0 {
		return errors.New("memory.retention_days must be >= 0")
	}
	if cfg.Handoff.ConfidenceThreshold < 0 || cfg.Handoff.ConfidenceThreshold > 1 {
		return errors.New("handoff.confidence_threshold must be within [0,1]")
	}
	switch cfg.Events.Mode {
	case "local", "nats":
	default:
		return errors.New("events.mode must be one of local|nats")
	}
	return nil
}
