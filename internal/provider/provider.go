// Package provider defines the uniform capability surface the hub uses to
// talk to AI backends, and a factory registry for the concrete adapters.
//
// Adapters live in subpackages and register themselves in init(), so a blank
// import is enough to make a provider type available:
//
//	_ "github.com/zjrosen/confab/internal/provider/providers/openai"
package provider

import (
	"context"
	"fmt"
	"time"
)

// Type identifies a capability provider.
type Type string

const (
	// TypeOpenAI is the OpenAI-compatible chat-completions adapter. It also
	// covers any endpoint speaking the same dialect via a custom base URL.
	TypeOpenAI Type = "openai"
	// TypeMock is a deterministic in-process capability for tests and dry
	// runs.
	TypeMock Type = "mock"
)

// Role tags a prompt message for the provider wire call.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of the prompt sent to a capability.
type ChatMessage struct {
	Role    Role
	Name    string
	Content string
}

// Result carries a completed generation.
type Result struct {
	Content      string
	ResponseTime time.Duration
	Model        string
}

// InitOptions controls capability initialization.
type InitOptions struct {
	// ValidateOnInit makes Initialize call out to the backend to verify
	// credentials and model availability. Skipped under SKIP_HEALTHCHECK.
	ValidateOnInit bool
}

// Capability is an external, pluggable text-generation endpoint adapted to a
// uniform interface. Errors from Generate surface as ai-error events and are
// the only AI-side failure mode the hub observes.
type Capability interface {
	// Initialize prepares the capability for use.
	Initialize(ctx context.Context, opts InitOptions) error

	// Generate produces a completion for the given prompt.
	Generate(ctx context.Context, msgs []ChatMessage) (*Result, error)

	// Name returns the human-readable provider name (e.g. "OpenAI").
	Name() string

	// Model returns the model identifier this capability is bound to.
	Model() string

	// IsConfigured reports whether credentials are present.
	IsConfigured() bool
}

// Config describes one AI participant to construct a capability for.
type Config struct {
	// ID uniquely identifies the participant across the hub.
	ID string `mapstructure:"id"`
	// Provider selects the adapter type.
	Provider Type `mapstructure:"provider"`
	// Model is the provider-specific model key.
	Model string `mapstructure:"model"`
	// Name overrides the derived "<provider> <model>" display name.
	Name string `mapstructure:"name"`
	// Alias is the @handle; defaults to the ID.
	Alias string `mapstructure:"alias"`
	// Emoji shown next to the participant. Defaults to the robot.
	Emoji string `mapstructure:"emoji"`
	// Persona is an optional persona block appended to the system prompt
	// when personas are enabled.
	Persona string `mapstructure:"persona"`
	// APIKey is the provider credential. Env expansion happens in config
	// loading, not here.
	APIKey string `mapstructure:"api_key"`
	// BaseURL overrides the provider endpoint (OpenAI-compatible servers).
	BaseURL string `mapstructure:"base_url"`
}

// ErrUnknownProviderType is returned when an unregistered type is requested.
var ErrUnknownProviderType = fmt.Errorf("unknown provider type")

// Factory builds a capability from a participant config.
type Factory func(cfg Config) (Capability, error)

var factories = make(map[Type]Factory)

// Register installs a factory for the given provider type. Called from
// init() in adapter packages.
func Register(t Type, factory Factory) {
	factories[t] = factory
}

// New builds a capability for cfg.Provider.
// Returns ErrUnknownProviderType when no factory is registered.
func New(cfg Config) (Capability, error) {
	factory, ok := factories[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProviderType, cfg.Provider)
	}
	return factory(cfg)
}

// Registered returns all registered provider types.
func Registered() []Type {
	types := make([]Type, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	return types
}

// IsRegistered reports whether the given provider type has a factory.
func IsRegistered(t Type) bool {
	_, ok := factories[t]
	return ok
}
