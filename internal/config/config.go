// Package config provides configuration types and defaults for confab.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/confab/internal/chat/hub"
	"github.com/zjrosen/confab/internal/chat/respond"
	"github.com/zjrosen/confab/internal/chat/store"
	"github.com/zjrosen/confab/internal/log"
	"github.com/zjrosen/confab/internal/provider"
	"github.com/zjrosen/confab/internal/tracing"
)

// RoomConfig restricts which AIs may respond in a room. Rooms without an
// entry allow every registered AI.
type RoomConfig struct {
	ID         string   `yaml:"id" mapstructure:"id"`
	AllowedAIs []string `yaml:"allowed_ais" mapstructure:"allowed_ais"`
}

// Config holds all configuration options for confab.
type Config struct {
	// Room is the default room ID for the console gateway.
	Room string `mapstructure:"room"`

	// Debug enables debug-level logging.
	Debug bool `mapstructure:"debug"`

	// LogFile redirects logs from stderr to a file.
	LogFile string `mapstructure:"log_file"`

	// AIs lists the AI participants to register at startup.
	AIs []provider.Config `mapstructure:"ais"`

	Hub     HubConfig      `mapstructure:"hub"`
	Timing  TimingConfig   `mapstructure:"timing"`
	Rooms   []RoomConfig   `mapstructure:"rooms"`
	History HistoryConfig  `mapstructure:"history"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// HubConfig holds the orchestrator tunables.
type HubConfig struct {
	// MaxMessages bounds the shared context log.
	MaxMessages int `mapstructure:"max_messages"`

	// AIContext is how many recent messages an AI sees when generating.
	AIContext int `mapstructure:"ai_context"`

	// MaxAIMessages is the consecutive-AI-message cap before the hub sleeps.
	MaxAIMessages int `mapstructure:"max_ai_messages"`

	// MaxConcurrentResponses caps simultaneous generations.
	MaxConcurrentResponses int `mapstructure:"max_concurrent_responses"`

	// EnablePersonas appends each AI's persona block to its system prompt.
	EnablePersonas bool `mapstructure:"enable_personas"`

	// SkipHealthcheck skips provider validation calls during registration.
	SkipHealthcheck bool `mapstructure:"skip_healthcheck"`

	// VerboseContextLogging logs the full prompt context per generation.
	VerboseContextLogging bool `mapstructure:"verbose_context_logging"`
}

// TimingConfig holds the response scheduling delays.
type TimingConfig struct {
	MinUserDelay       time.Duration `mapstructure:"min_user_delay"`
	MaxUserDelay       time.Duration `mapstructure:"max_user_delay"`
	MinBackgroundDelay time.Duration `mapstructure:"min_background_delay"`
	MaxBackgroundDelay time.Duration `mapstructure:"max_background_delay"`
	MinFirstDelay      time.Duration `mapstructure:"min_first_delay"`
	MaxFirstDelay      time.Duration `mapstructure:"max_first_delay"`
	MinBetweenDelay    time.Duration `mapstructure:"min_between_delay"`
	MaxBetweenDelay    time.Duration `mapstructure:"max_between_delay"`
	SilenceTimeout     time.Duration `mapstructure:"silence_timeout"`
	SleepRetry         time.Duration `mapstructure:"sleep_retry"`
}

// Delays converts the timing section to the responder delay bounds. Zero
// fields keep the respond package defaults.
func (t TimingConfig) Delays() respond.Delays {
	return respond.Delays{
		MinUser:       t.MinUserDelay,
		MaxUser:       t.MaxUserDelay,
		MinBackground: t.MinBackgroundDelay,
		MaxBackground: t.MaxBackgroundDelay,
		MinBetween:    t.MinBetweenDelay,
		MaxBetween:    t.MaxBetweenDelay,
		MinFirst:      t.MinFirstDelay,
		MaxFirst:      t.MaxFirstDelay,
	}
}

// HistoryConfig controls the opt-in SQLite message history.
type HistoryConfig struct {
	// Enabled turns persistence on. Store failures never fail the hub.
	Enabled bool `mapstructure:"enabled"`

	// Path is the SQLite database file. Required when enabled.
	Path string `mapstructure:"path"`
}

// MetricsConfig controls the Prometheus /metrics listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Addr is the listen address, e.g. ":9090".
	Addr string `mapstructure:"addr"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Room: "default",
		Hub: HubConfig{
			MaxMessages:            store.DefaultMaxMessages,
			AIContext:              hub.AIContext,
			MaxAIMessages:          hub.MaxAIMessages,
			MaxConcurrentResponses: respond.MaxConcurrentResponses,
		},
		Timing: TimingConfig{
			MinUserDelay:       respond.MinUserDelay,
			MaxUserDelay:       respond.MaxUserDelay,
			MinBackgroundDelay: respond.MinBackgroundDelay,
			MaxBackgroundDelay: respond.MaxBackgroundDelay,
			MinFirstDelay:      respond.MinFirstDelay,
			MaxFirstDelay:      respond.MaxFirstDelay,
			MinBetweenDelay:    respond.MinBetweenDelay,
			MaxBetweenDelay:    respond.MaxBetweenDelay,
			SilenceTimeout:     hub.SilenceTimeout,
			SleepRetry:         hub.SleepRetry,
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    DefaultHistoryPath(),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// DefaultHistoryPath returns ~/.config/confab/history.db, or empty string if
// the home dir is unavailable.
func DefaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "confab", "history.db")
}

// DefaultTracesFilePath returns ~/.config/confab/traces/traces.jsonl, or
// empty string if the home dir is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "confab", "traces", "traces.jsonl")
}

// ExpandEnv expands ${VAR} references in credential fields. Applied after
// unmarshal so keys can live in the environment instead of the config file.
func (c *Config) ExpandEnv() {
	for i := range c.AIs {
		c.AIs[i].APIKey = os.ExpandEnv(c.AIs[i].APIKey)
		c.AIs[i].BaseURL = os.ExpandEnv(c.AIs[i].BaseURL)
	}
}

// AllowedAIsFor returns the allow-list for a room, or nil when the room is
// unrestricted.
func (c Config) AllowedAIsFor(roomID string) []string {
	for _, room := range c.Rooms {
		if room.ID == roomID {
			return room.AllowedAIs
		}
	}
	return nil
}

// Validate checks the full configuration for errors.
func (c Config) Validate() error {
	if err := ValidateAIs(c.AIs); err != nil {
		return err
	}
	if err := ValidateRooms(c.Rooms); err != nil {
		return err
	}
	if err := ValidateHub(c.Hub); err != nil {
		return err
	}
	if err := ValidateTiming(c.Timing); err != nil {
		return err
	}
	if err := ValidateHistory(c.History); err != nil {
		return err
	}
	if err := ValidateMetrics(c.Metrics); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// ValidateAIs checks the AI participant list for errors.
// Returns nil for an empty list (hub runs with no AIs registered).
func ValidateAIs(ais []provider.Config) error {
	seen := make(map[string]struct{}, len(ais))
	for i, ai := range ais {
		if ai.ID == "" {
			return fmt.Errorf("ais[%d]: id is required", i)
		}
		if _, dup := seen[ai.ID]; dup {
			return fmt.Errorf("ais[%d]: duplicate id %q", i, ai.ID)
		}
		seen[ai.ID] = struct{}{}
		if ai.Provider == "" {
			return fmt.Errorf("ais[%d] (%s): provider is required", i, ai.ID)
		}
		if ai.Model == "" {
			return fmt.Errorf("ais[%d] (%s): model is required", i, ai.ID)
		}
	}
	return nil
}

// ValidateRooms checks room allow-list configuration for errors.
func ValidateRooms(rooms []RoomConfig) error {
	seen := make(map[string]struct{}, len(rooms))
	for i, room := range rooms {
		if room.ID == "" {
			return fmt.Errorf("rooms[%d]: id is required", i)
		}
		if _, dup := seen[room.ID]; dup {
			return fmt.Errorf("rooms[%d]: duplicate room %q", i, room.ID)
		}
		seen[room.ID] = struct{}{}
	}
	return nil
}

// ValidateHub checks hub tunables for errors. Zero values mean "use default"
// and are valid.
func ValidateHub(h HubConfig) error {
	if h.MaxMessages < 0 {
		return fmt.Errorf("hub.max_messages must be >= 0, got %d", h.MaxMessages)
	}
	if h.AIContext < 0 {
		return fmt.Errorf("hub.ai_context must be >= 0, got %d", h.AIContext)
	}
	if h.MaxAIMessages < 0 {
		return fmt.Errorf("hub.max_ai_messages must be >= 0, got %d", h.MaxAIMessages)
	}
	if h.MaxConcurrentResponses < 0 {
		return fmt.Errorf("hub.max_concurrent_responses must be >= 0, got %d", h.MaxConcurrentResponses)
	}
	return nil
}

// ValidateTiming checks delay configuration for errors.
func ValidateTiming(t TimingConfig) error {
	pairs := []struct {
		name     string
		min, max time.Duration
	}{
		{"user_delay", t.MinUserDelay, t.MaxUserDelay},
		{"background_delay", t.MinBackgroundDelay, t.MaxBackgroundDelay},
		{"first_delay", t.MinFirstDelay, t.MaxFirstDelay},
		{"between_delay", t.MinBetweenDelay, t.MaxBetweenDelay},
	}
	for _, p := range pairs {
		if p.min < 0 {
			return fmt.Errorf("timing.min_%s must be >= 0, got %v", p.name, p.min)
		}
		if p.max < p.min {
			return fmt.Errorf("timing.max_%s must be >= min_%s, got %v < %v", p.name, p.name, p.max, p.min)
		}
	}
	if t.SilenceTimeout < 0 {
		return fmt.Errorf("timing.silence_timeout must be >= 0, got %v", t.SilenceTimeout)
	}
	if t.SleepRetry < 0 {
		return fmt.Errorf("timing.sleep_retry must be >= 0, got %v", t.SleepRetry)
	}
	return nil
}

// ValidateHistory checks history configuration for errors.
func ValidateHistory(h HistoryConfig) error {
	if h.Enabled && h.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	return nil
}

// ValidateMetrics checks metrics configuration for errors.
func ValidateMetrics(m MetricsConfig) error {
	if m.Enabled && m.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Confab Configuration

# Default room for the console gateway
room: default

# Debug logging (also: --debug or CONFAB_DEBUG=1)
debug: false

# Log file path (default: stderr)
# log_file: /tmp/confab.log

# AI participants. Each entry becomes one registered AI.
# Provider types: openai (any OpenAI-compatible endpoint), mock
ais:
  - id: alice
    provider: openai
    model: gpt-4o-mini
    alias: alice
    api_key: ${OPENAI_API_KEY}
    # base_url: https://my-endpoint.example/v1
    # persona: |
    #   You are curious and concise.
  - id: bob
    provider: mock
    model: mock-1

# Orchestrator tunables (defaults shown)
hub:
  max_messages: 100             # Context log capacity
  ai_context: 50                # Messages each AI sees when generating
  max_ai_messages: 10           # Consecutive AI messages before sleeping
  max_concurrent_responses: 2   # Simultaneous generations
  enable_personas: false        # Append persona blocks to system prompts
  skip_healthcheck: false       # Skip provider validation at startup
  verbose_context_logging: false

# Response scheduling delays (defaults shown)
# timing:
#   min_user_delay: 4s
#   max_user_delay: 22s
#   min_background_delay: 30s
#   max_background_delay: 90s
#   min_first_delay: 2.5s
#   max_first_delay: 4.5s
#   min_between_delay: 6s
#   max_between_delay: 18s
#   silence_timeout: 2m
#   sleep_retry: 30s

# Per-room AI allow-lists. Rooms without an entry allow every AI.
# Edited entries are picked up live while the hub runs.
# rooms:
#   - id: default
#     allowed_ais: [alice, bob]

# Message history persistence (opt-in)
# history:
#   enabled: true
#   path: ~/.config/confab/history.db

# Prometheus /metrics listener (opt-in)
# metrics:
#   enabled: true
#   addr: ":9090"

# Distributed tracing around generation calls
# tracing:
#   enabled: false
#   exporter: file               # none, file, stdout, otlp
#   file_path: ~/.config/confab/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
