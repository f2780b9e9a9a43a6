// Package openai adapts OpenAI-compatible chat-completions endpoints to the
// hub capability interface. A custom base URL makes the same adapter work
// against any server speaking the OpenAI dialect.
package openai

import (
	"context"
	"fmt"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/zjrosen/confab/internal/log"
	"github.com/zjrosen/confab/internal/provider"
)

// DefaultTimeout bounds a single generation call. The hub itself imposes no
// timeout on capabilities; this is the adapter's own guard.
const DefaultTimeout = 60 * time.Second

func init() {
	provider.Register(provider.TypeOpenAI, func(cfg provider.Config) (provider.Capability, error) {
		return newCapability(cfg)
	})
}

type capability struct {
	client  *goopenai.Client
	model   string
	apiKey  string
	timeout time.Duration
}

func newCapability(cfg provider.Config) (*capability, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai capability requires a model")
	}

	clientConfig := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &capability{
		client:  goopenai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		timeout: DefaultTimeout,
	}, nil
}

// Initialize optionally pings the endpoint with a one-token completion to
// verify credentials and model availability.
func (c *capability) Initialize(ctx context.Context, opts provider.InitOptions) error {
	if !opts.ValidateOnInit {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := c.client.CreateChatCompletion(pingCtx, goopenai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: 1,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		return fmt.Errorf("validation ping failed for %s: %w", c.model, err)
	}

	log.Debug(log.CatProvider, "openai capability validated",
		"model", c.model, "durationMs", time.Since(start).Milliseconds())
	return nil
}

func (c *capability) Generate(ctx context.Context, msgs []provider.ChatMessage) (*provider.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertMessages(msgs),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from model %s", c.model)
	}

	elapsed := time.Since(start)
	log.Debug(log.CatProvider, "openai generation complete",
		"model", c.model,
		"contentLength", len(resp.Choices[0].Message.Content),
		"totalTokens", resp.Usage.TotalTokens,
		"durationMs", elapsed.Milliseconds())

	return &provider.Result{
		Content:      resp.Choices[0].Message.Content,
		ResponseTime: elapsed,
		Model:        resp.Model,
	}, nil
}

func (c *capability) Name() string {
	return "OpenAI"
}

func (c *capability) Model() string {
	return c.model
}

func (c *capability) IsConfigured() bool {
	return c.apiKey != ""
}

func convertMessages(msgs []provider.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case provider.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		case provider.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		}
		out[i] = goopenai.ChatCompletionMessage{
			Role:    role,
			Name:    m.Name,
			Content: m.Content,
		}
	}
	return out
}
