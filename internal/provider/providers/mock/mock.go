// Package mock provides a deterministic in-process capability used by tests
// and by `confab --dry-run` style experiments without real credentials.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/confab/internal/provider"
)

func init() {
	provider.Register(provider.TypeMock, func(cfg provider.Config) (provider.Capability, error) {
		m := New(cfg.Model)
		return m, nil
	})
}

// Capability is a scriptable provider.Capability. All fields are safe for
// concurrent use.
type Capability struct {
	mu sync.Mutex

	model     string
	responses []string
	next      int

	// GenerateErr, when set, makes every Generate call fail.
	GenerateErr error
	// InitErr, when set, makes Initialize fail.
	InitErr error
	// Delay is waited (or cut short by ctx) before each response.
	Delay time.Duration

	calls [][]provider.ChatMessage
}

// New creates a mock capability answering with a numbered canned line.
func New(model string) *Capability {
	if model == "" {
		model = "mock-1"
	}
	return &Capability{model: model}
}

// Script sets the responses returned by successive Generate calls. When the
// script runs out, the last entry repeats.
func (c *Capability) Script(responses ...string) *Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = responses
	c.next = 0
	return c
}

// Calls returns a copy of every prompt Generate received.
func (c *Capability) Calls() [][]provider.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]provider.ChatMessage, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *Capability) Initialize(_ context.Context, _ provider.InitOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.InitErr
}

func (c *Capability) Generate(ctx context.Context, msgs []provider.ChatMessage) (*provider.Result, error) {
	c.mu.Lock()
	delay := c.Delay
	c.mu.Unlock()

	start := time.Now()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, msgs)
	if c.GenerateErr != nil {
		return nil, c.GenerateErr
	}

	var content string
	switch {
	case len(c.responses) == 0:
		content = fmt.Sprintf("mock response %d", len(c.calls))
	case c.next < len(c.responses):
		content = c.responses[c.next]
		c.next++
	default:
		content = c.responses[len(c.responses)-1]
	}

	return &provider.Result{
		Content:      content,
		ResponseTime: time.Since(start),
		Model:        c.model,
	}, nil
}

func (c *Capability) Name() string {
	return "Mock"
}

func (c *Capability) Model() string {
	return c.model
}

func (c *Capability) IsConfigured() bool {
	return true
}
