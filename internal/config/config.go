// Package config provides configuration for the gateway. Values come from
// environment variables, optionally layered over a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/agent-event-gateway/internal/broker"
	"github.com/capitalize-ai/agent-event-gateway/internal/event"
	"github.com/capitalize-ai/agent-event-gateway/internal/session"
)

// FileEnv names the environment variable pointing at the optional YAML file.
const FileEnv = "GATEWAY_CONFIG"

// Engine kinds.
const (
	EngineEcho = "echo"
	EngineLLM  = "llm"
	EngineNATS = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Host               string
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration
	CORSOrigins        []string

	// Streaming
	EventEncoding      string
	ChannelBufferSize  int
	SubscriberQueue    int
	OverflowPolicy     string
	ChannelIdleTimeout time.Duration
	EvictionInterval   time.Duration
	StreamHeartbeat    time.Duration
	StreamWriteTimeout time.Duration
	FirehoseEnabled    bool

	// Agent engine
	Engine              string
	EngineWorkers       int
	EngineQueueSize     int
	EngineMaxIterations int
	EngineMemoryWindow  int
	EngineModel         string
	EngineMaxTokens     int
	NATSEngineSubject   string

	// LLM settings
	LLMProvider     string
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// Transcript store
	SessionStore     string
	SQLitePath       string
	SessionRetention time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. When GATEWAY_CONFIG
// names a YAML file its keys supply the values of unset variables.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv(FileEnv); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{
		// Server
		Host:               src.getEnv("HOST", "0.0.0.0"),
		ServerPort:         src.getEnv("PORT", "8000"),
		ServerReadTimeout:  src.getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: src.getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		ShutdownTimeout:    src.getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:        splitList(src.getEnv("CORS_ORIGINS", "*")),

		// Streaming
		EventEncoding:      src.getEnv("EVENT_ENCODING", string(event.ModePlain)),
		ChannelBufferSize:  src.getIntEnv("CHANNEL_BUFFER_SIZE", 256),
		SubscriberQueue:    src.getIntEnv("SUBSCRIBER_QUEUE_SIZE", 64),
		OverflowPolicy:     src.getEnv("OVERFLOW_POLICY", string(broker.OverflowDropOldest)),
		ChannelIdleTimeout: src.getDurationEnv("CHANNEL_IDLE_TIMEOUT", 30*time.Minute),
		EvictionInterval:   src.getDurationEnv("EVICTION_INTERVAL", time.Minute),
		StreamHeartbeat:    src.getDurationEnv("STREAM_HEARTBEAT", 15*time.Second),
		StreamWriteTimeout: src.getDurationEnv("STREAM_WRITE_TIMEOUT", 10*time.Second),
		FirehoseEnabled:    src.getBoolEnv("FIREHOSE_ENABLED", true),

		// Agent engine
		Engine:              src.getEnv("ENGINE", EngineEcho),
		EngineWorkers:       src.getIntEnv("ENGINE_WORKERS", 8),
		EngineQueueSize:     src.getIntEnv("ENGINE_QUEUE_SIZE", 1024),
		EngineMaxIterations: src.getIntEnv("ENGINE_MAX_ITERATIONS", 20),
		EngineMemoryWindow:  src.getIntEnv("ENGINE_MEMORY_WINDOW", 50),
		EngineModel:         src.getEnv("ENGINE_MODEL", ""),
		EngineMaxTokens:     src.getIntEnv("ENGINE_MAX_TOKENS", 4096),
		NATSEngineSubject:   src.getEnv("NATS_ENGINE_SUBJECT", "agent"),

		// LLM
		LLMProvider:     src.getEnv("LLM_PROVIDER", "anthropic"),
		AnthropicAPIKey: src.getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    src.getEnv("OPENAI_API_KEY", ""),

		// Transcript store
		SessionStore:     src.getEnv("SESSION_STORE", session.BackendMemory),
		SQLitePath:       src.getEnv("SQLITE_PATH", "data/sessions.db"),
		SessionRetention: src.getDurationEnv("SESSION_RETENTION", 365*24*time.Hour),

		// NATS
		NATSURL:      src.getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   src.getEnv("NATS_CA_FILE", ""),
		NATSCertFile: src.getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  src.getEnv("NATS_KEY_FILE", ""),
		NATSToken:    src.getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: src.getEnv("AUTH_JWT_SECRET", ""),

		// Rate limiting
		RateLimitRequests: src.getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   src.getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: src.getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: src.getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  src.getBoolEnv("TRACING_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate rejects unknown enum values and non-positive sizes.
func (c *Config) Validate() error {
	var errs []error

	if _, err := event.ParseMode(c.EventEncoding); err != nil {
		errs = append(errs, fmt.Errorf("EVENT_ENCODING: %w", err))
	}
	if _, err := broker.ParseOverflowPolicy(c.OverflowPolicy); err != nil {
		errs = append(errs, fmt.Errorf("OVERFLOW_POLICY: %w", err))
	}

	switch c.Engine {
	case EngineEcho, EngineNATS:
	case EngineLLM:
		switch c.LLMProvider {
		case "anthropic":
			if c.AnthropicAPIKey == "" {
				errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the llm engine"))
			}
		case "openai":
			if c.OpenAIAPIKey == "" {
				errs = append(errs, errors.New("OPENAI_API_KEY is required for the llm engine"))
			}
		default:
			errs = append(errs, fmt.Errorf("LLM_PROVIDER: unknown provider %q", c.LLMProvider))
		}
	default:
		errs = append(errs, fmt.Errorf("ENGINE: unknown engine %q", c.Engine))
	}

	switch c.SessionStore {
	case session.BackendMemory, session.BackendJetStream:
	case session.BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE: unknown store %q", c.SessionStore))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"CHANNEL_BUFFER_SIZE", c.ChannelBufferSize},
		{"SUBSCRIBER_QUEUE_SIZE", c.SubscriberQueue},
		{"ENGINE_WORKERS", c.EngineWorkers},
		{"ENGINE_QUEUE_SIZE", c.EngineQueueSize},
		{"ENGINE_MAX_ITERATIONS", c.EngineMaxIterations},
		{"ENGINE_MEMORY_WINDOW", c.EngineMemoryWindow},
		{"ENGINE_MAX_TOKENS", c.EngineMaxTokens},
		{"RATE_LIMIT_REQUESTS", c.RateLimitRequests},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.ServerPort
}

// readFile loads a flat YAML mapping of variable names to values. ${VAR}
// references are expanded before parsing.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	raw := map[string]string{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	file := make(map[string]string, len(raw))
	for k, v := range raw {
		file[strings.ToUpper(k)] = v
	}
	return file, nil
}

// source resolves a key from the environment, then the config file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.file[key]
}

func (s source) getEnv(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) getIntEnv(key string, defaultValue int) int {
	if value := s.lookup(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func (s source) getBoolEnv(key string, defaultValue bool) bool {
	if value := s.lookup(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func (s source) getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := s.lookup(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
