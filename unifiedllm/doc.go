// Package unifiedllm provides a provider-agnostic LLM client with native
// Anthropic and OpenAI adapters, retry with exponential backoff, a typed
// error hierarchy, and streaming.
//
// # Quick Start
//
//	adapter := unifiedllm.NewAnthropicAdapter(os.Getenv("ANTHROPIC_API_KEY"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("anthropic", adapter))
//
//	resp, _ := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "claude-sonnet-4-5-20250929",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
//
// The Client routes each Request to a registered ProviderAdapter: the
// request's explicit provider wins, then the configured default, then a
// catalog lookup on the model id.
//
// # Adapters
//
// AnthropicAdapter and OpenAIAdapter wrap the official SDKs, including SSE
// streaming with incremental tool-call input. CompatAdapter drives
// OpenAI-compatible and local endpoints through gollm, recovering tool calls
// from the response text.
//
// # Streaming
//
// Stream returns a channel of StreamEvent values. StreamAccumulator folds
// the events back into a complete Response so callers that forward deltas
// can still persist the full message.
//
// # Errors and Retry
//
// Provider failures map onto a typed hierarchy (RateLimitError, ServerError,
// AuthenticationError, ...) via ErrorFromStatusCode. Retry applies
// exponential backoff with jitter to retryable errors only, honoring server
// Retry-After hints, and reports each attempt through RetryPolicy.OnRetry.
//
// # Model Catalog
//
// A built-in catalog of known models helps select valid model identifiers:
//
//	info := unifiedllm.GetModelInfo("claude-sonnet-4-5-20250929")
//	models := unifiedllm.ListModels("anthropic")
//	latest := unifiedllm.GetLatestModel("openai", "reasoning")
package unifiedllm
