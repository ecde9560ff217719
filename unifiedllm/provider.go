package unifiedllm

import "context"

// ProviderAdapter is the contract a provider backend implements.
type ProviderAdapter interface {
	// Name is the provider identifier ("anthropic", "openai", ...).
	Name() string

	// Complete performs one blocking model call.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream performs one streaming model call. The channel closes when
	// the stream ends; errors arrive as StreamError events.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}
