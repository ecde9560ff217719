package unifiedllm

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Client routes requests to registered provider adapters. The zero value is
// not usable; construct with NewClient.
type Client struct {
	mu          sync.RWMutex
	adapters    map[string]ProviderAdapter
	defaultName string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers an adapter under a provider name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.adapters[name] = adapter }
}

// WithDefaultProvider picks the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultName = name }
}

// NewClient builds a Client. With exactly one provider registered and no
// explicit default, that provider becomes the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{adapters: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultName == "" && len(c.adapters) == 1 {
		for name := range c.adapters {
			c.defaultName = name
		}
	}
	return c
}

// RegisterProvider adds an adapter after construction. The first registered
// provider becomes the default.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[name] = adapter
	if c.defaultName == "" {
		c.defaultName = name
	}
}

// adapterFor resolves the adapter for a request: the request's provider,
// then the default, then a catalog lookup on the model id.
func (c *Client) adapterFor(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultName
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.adapters[name]
	if !ok {
		return nil, &ConfigurationError{SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Complete sends a blocking request to the resolved provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return adapter.Complete(ctx, req)
}

// Stream sends a streaming request to the resolved provider.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return adapter.Stream(ctx, req)
}

// Close releases resources held by registered adapters.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.adapters {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NewClientFromEnv registers a native adapter for each API key found in the
// environment. Anthropic wins the default when both keys are present.
func NewClientFromEnv() *Client {
	c := NewClient()
	if os.Getenv("OPENAI_API_KEY") != "" {
		c.RegisterProvider("openai", NewOpenAIAdapter(""))
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		c.RegisterProvider("anthropic", NewAnthropicAdapter(""))
		c.defaultName = "anthropic"
	}
	return c
}
