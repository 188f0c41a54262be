// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DBPath             string
	MaxRequestBodySize int64
	Agent              AgentConfig
	Stream             StreamConfig
	Archive            ArchiveConfig
	Playground         PlaygroundConfig
	ConversationLog    ConversationLogConfig
	RateLimit          RateLimitConfig
	Timeout            TimeoutConfig
}

// AgentConfig selects and configures the tutor transport.
type AgentConfig struct {
	Transport      string
	URL            string
	GRPCAddr       string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// StreamConfig bounds the reply stream decoder.
type StreamConfig struct {
	MaxLineBytes int
	ReadSize     int
}

// ArchiveConfig controls conversation persistence.
type ArchiveConfig struct {
	Enabled bool
	// Retention of zero keeps conversations forever.
	Retention time.Duration
}

// PlaygroundConfig controls the code sandbox.
type PlaygroundConfig struct {
	Enabled    bool
	Image      string
	Runtime    string // Docker runtime: "" = default (runc), "runsc" = gVisor
	SessionTTL time.Duration
	RunTimeout time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// RateLimitConfig bounds sends per learner.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// TimeoutConfig holds operational timeouts.
type TimeoutConfig struct {
	HealthCheck    time.Duration
	DestroyCleanup time.Duration
	Shutdown       time.Duration
	SweepInterval  time.Duration
	// ChatIdle evicts chat sessions nobody touched for this long. Zero
	// keeps them for the life of the process.
	ChatIdle time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/cortana.db"),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		Agent: AgentConfig{
			Transport:      strings.ToLower(getEnv("AGENT_TRANSPORT", TransportHTTP)),
			URL:            strings.TrimRight(getEnv("AGENT_URL", "http://localhost:8000"), "/"),
			GRPCAddr:       getEnv("AGENT_GRPC_ADDR", "localhost:50051"),
			ConnectTimeout: getEnvDuration("AGENT_CONNECT_TIMEOUT", 10*time.Second),
			RequestTimeout: getEnvDuration("AGENT_REQUEST_TIMEOUT", 60*time.Second),
		},
		Stream: StreamConfig{
			MaxLineBytes: getEnvInt("SSE_MAX_LINE_BYTES", 1<<20),
			ReadSize:     getEnvInt("SSE_READ_SIZE", 4096),
		},
		Archive: ArchiveConfig{
			Enabled:   getEnvBool("ARCHIVE_ENABLED", true),
			Retention: getEnvDuration("ARCHIVE_RETENTION", 30*24*time.Hour),
		},
		Playground: PlaygroundConfig{
			Enabled:    getEnvBool("PLAYGROUND_ENABLED", false),
			Image:      getEnv("PLAYGROUND_IMAGE", "cortana-playground:latest"),
			Runtime:    getEnv("CONTAINER_RUNTIME", ""),
			SessionTTL: getEnvDuration("SESSION_TTL", 60*time.Minute),
			RunTimeout: getEnvDuration("PLAYGROUND_RUN_TIMEOUT", 10*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Timeout: TimeoutConfig{
			HealthCheck:    getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			DestroyCleanup: getEnvDuration("DESTROY_CLEANUP_TIMEOUT", 30*time.Second),
			Shutdown:       getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			ChatIdle:       getEnvDuration("CHAT_IDLE_TTL", 2*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Agent.Transport {
	case TransportHTTP:
		if c.Agent.URL == "" {
			return fmt.Errorf("AGENT_URL cannot be empty")
		}
	case TransportGRPC:
		if c.Agent.GRPCAddr == "" {
			return fmt.Errorf("AGENT_GRPC_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("AGENT_TRANSPORT must be %q or %q, got %q", TransportHTTP, TransportGRPC, c.Agent.Transport)
	}
	if c.Stream.MaxLineBytes <= 0 {
		return fmt.Errorf("SSE_MAX_LINE_BYTES must be > 0")
	}
	if c.Playground.Enabled && c.Playground.Image == "" {
		return fmt.Errorf("PLAYGROUND_IMAGE cannot be empty when PLAYGROUND_ENABLED is set")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
