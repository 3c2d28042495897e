// Package config loads and validates agentvisord configuration from
// environment variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hupe1980/agentvisor/supervisor"
)

// Config holds all daemon configuration.
type Config struct {
	// Server settings.
	Addr string

	// Run limits.
	MaxAttempts      int
	StallTimeout     time.Duration
	AttemptTimeout   time.Duration
	WatchdogInterval time.Duration
	CancelGrace      time.Duration

	// WebSocket settings.
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Model provider settings.
	LLMProvider     string // "auto", "anthropic", "openai" or "none"
	LLMModel        string
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Logging.
	LogLevel  string
	LogFormat string // "json" or "text"
}

// Load reads configuration from the environment. Values from a .env file in
// the working directory are applied first; a missing file is not an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:             envStr("AGENTVISOR_ADDR", ":8080"),
		MaxAttempts:      envInt("AGENTVISOR_MAX_ATTEMPTS", supervisor.DefaultLimits.MaxAttempts),
		StallTimeout:     envDuration("AGENTVISOR_STALL_TIMEOUT", supervisor.DefaultLimits.StallTimeout),
		AttemptTimeout:   envDuration("AGENTVISOR_ATTEMPT_TIMEOUT", supervisor.DefaultLimits.AttemptTimeout),
		WatchdogInterval: envDuration("AGENTVISOR_WATCHDOG_INTERVAL", 0),
		CancelGrace:      envDuration("AGENTVISOR_CANCEL_GRACE", 2*time.Second),
		SendBuffer:       envInt("AGENTVISOR_SEND_BUFFER", 256),
		WriteTimeout:     envDuration("AGENTVISOR_WRITE_TIMEOUT", 10*time.Second),
		PingInterval:     envDuration("AGENTVISOR_PING_INTERVAL", 30*time.Second),
		ReadTimeout:      envDuration("AGENTVISOR_READ_TIMEOUT", 60*time.Second),
		MaxMessageSize:   int64(envInt("AGENTVISOR_MAX_MESSAGE_SIZE", 64*1024)),
		LLMProvider:      strings.ToLower(envStr("AGENTVISOR_LLM_PROVIDER", "auto")),
		LLMModel:         envStr("AGENTVISOR_LLM_MODEL", ""),
		AnthropicAPIKey:  envStr("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:     envStr("OPENAI_API_KEY", ""),
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:     envBool("AGENTVISOR_OTEL_INSECURE", false),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "agentvisord"),
		LogLevel:         envStr("AGENTVISOR_LOG_LEVEL", "info"),
		LogFormat:        strings.ToLower(envStr("AGENTVISOR_LOG_FORMAT", "json")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: AGENTVISOR_ADDR is required")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: AGENTVISOR_MAX_ATTEMPTS must be positive")
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("config: AGENTVISOR_STALL_TIMEOUT must be positive")
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("config: AGENTVISOR_ATTEMPT_TIMEOUT must be positive")
	}
	if c.WatchdogInterval < 0 || c.CancelGrace < 0 {
		return fmt.Errorf("config: watchdog interval and cancel grace must not be negative")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("config: AGENTVISOR_SEND_BUFFER must be positive")
	}
	if c.PingInterval >= c.ReadTimeout {
		return fmt.Errorf("config: AGENTVISOR_PING_INTERVAL must be shorter than AGENTVISOR_READ_TIMEOUT")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("config: AGENTVISOR_MAX_MESSAGE_SIZE must be positive")
	}
	switch c.LLMProvider {
	case "auto", "none":
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("config: ANTHROPIC_API_KEY is required for provider anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("config: OPENAI_API_KEY is required for provider openai")
		}
	default:
		return fmt.Errorf("config: unknown AGENTVISOR_LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown AGENTVISOR_LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// Limits returns the default per-run limits.
func (c Config) Limits() supervisor.Limits {
	return supervisor.Limits{
		MaxAttempts:    c.MaxAttempts,
		StallTimeout:   c.StallTimeout,
		AttemptTimeout: c.AttemptTimeout,
	}
}

// Provider resolves "auto" to the first provider with a configured key.
// It returns "" when no model provider is available.
func (c Config) Provider() string {
	switch c.LLMProvider {
	case "anthropic", "openai":
		return c.LLMProvider
	case "auto":
		if c.AnthropicAPIKey != "" {
			return "anthropic"
		}
		if c.OpenAIAPIKey != "" {
			return "openai"
		}
	}
	return ""
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
