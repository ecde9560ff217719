package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter implements ProviderAdapter on the official OpenAI Chat
// Completions API, including streaming with incremental tool-call deltas.
type OpenAIAdapter struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*OpenAIAdapter)

// WithOpenAIModel sets the default model for the adapter.
func WithOpenAIModel(model string) OpenAIOption {
	return func(a *OpenAIAdapter) { a.model = model }
}

// WithOpenAIMaxTokens sets the default max completion tokens.
func WithOpenAIMaxTokens(n int64) OpenAIOption {
	return func(a *OpenAIAdapter) { a.maxTokens = n }
}

// NewOpenAIAdapter creates an adapter for the OpenAI Chat Completions API.
// If apiKey is empty the SDK reads OPENAI_API_KEY from the environment.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	clientOpts = append(clientOpts, option.WithMaxRetries(0))

	a := &OpenAIAdapter{
		client:    openai.NewClient(clientOpts...),
		maxTokens: 8192,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return "openai" }

// Complete sends a blocking request and returns the full response.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params := a.buildParams(req)

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			SDKError: SDKError{Message: "openai response contained no choices"},
			Provider: "openai",
		}
	}

	choice := resp.Choices[0]
	var parts []ContentPart
	if choice.Message.Content != "" {
		parts = append(parts, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, ToolCallPart(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}

	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     "openai",
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finishReasonFromOpenAI(string(choice.FinishReason)),
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Stream sends a streaming request and returns a channel of StreamEvent objects.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := a.buildParams(req)
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamStart}

		acc := NewStreamAccumulator()
		type aggCall struct{ id, name, args string }
		toolAgg := make(map[int64]*aggCall)
		var toolOrder []int64
		var finish string
		var usage Usage
		textStarted := false

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !textStarted {
						ch <- StreamEvent{Type: TextStart, TextID: "text_0"}
						textStarted = true
					}
					sev := StreamEvent{Type: TextDelta, Delta: choice.Delta.Content, TextID: "text_0"}
					acc.Process(sev)
					ch <- sev
				}
				for _, tc := range choice.Delta.ToolCalls {
					ac, ok := toolAgg[tc.Index]
					if !ok {
						ac = &aggCall{}
						toolAgg[tc.Index] = ac
						toolOrder = append(toolOrder, tc.Index)
					}
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						if ac.name == "" {
							ch <- StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: tc.ID, Name: tc.Function.Name}}
						}
						ac.name = tc.Function.Name
					}
					if tc.Function.Arguments != "" {
						ac.args += tc.Function.Arguments
						ch <- StreamEvent{Type: ToolCallDelta, Delta: tc.Function.Arguments, ToolCall: &ToolCall{ID: ac.id, Name: ac.name}}
					}
				}
				if choice.FinishReason != "" {
					finish = string(choice.FinishReason)
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
			return
		}

		if textStarted {
			ch <- StreamEvent{Type: TextEnd, TextID: "text_0"}
		}
		for _, idx := range toolOrder {
			ac := toolAgg[idx]
			args := json.RawMessage(ac.args)
			if ac.args == "" {
				args = json.RawMessage(`{}`)
			}
			sev := StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{ID: ac.id, Name: ac.name, Arguments: args}}
			acc.Process(sev)
			ch <- sev
		}

		fr := finishReasonFromOpenAI(finish)
		acc.Process(StreamEvent{Type: StreamFinish, FinishReason: &fr, Usage: &usage})
		resp := acc.Response()
		resp.Provider = "openai"
		resp.Model = req.Model
		ch <- StreamEvent{
			Type:         StreamFinish,
			FinishReason: &fr,
			Usage:        &usage,
			Response:     resp,
		}
	}()

	return ch, nil
}

// buildParams converts a unified Request into Chat Completions parameters.
func (a *OpenAIAdapter) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: buildOpenAIMessages(req.Messages),
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	} else if a.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(a.maxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}

	if len(req.ToolDefs) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.ToolDefs))
		for i, def := range req.ToolDefs {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  openai.FunctionParameters(def.Parameters),
				},
			}
		}
		params.Tools = tools
	}

	return params
}

// buildOpenAIMessages converts unified messages to the chat message format.
func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if text := msg.TextContent(); text != "" {
				out = append(out, openai.SystemMessage(text))
			}
		case RoleUser:
			if text := msg.TextContent(); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		case RoleAssistant:
			toolCalls := msg.ToolCalls()
			if len(toolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.TextContent()))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
			if text := msg.TextContent(); text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			for _, tc := range toolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					var content string
					if err := json.Unmarshal(part.ToolResult.Content, &content); err != nil {
						content = string(part.ToolResult.Content)
					}
					out = append(out, openai.ToolMessage(content, part.ToolResult.ToolCallID))
				}
			}
		}
	}
	return out
}

// finishReasonFromOpenAI maps chat completion finish reasons to unified ones.
func finishReasonFromOpenAI(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishReason{Reason: "stop", Raw: reason}
	case "tool_calls", "function_call":
		return FinishReason{Reason: "tool_calls", Raw: reason}
	case "length":
		return FinishReason{Reason: "length", Raw: reason}
	case "content_filter":
		return FinishReason{Reason: "content_filter", Raw: reason}
	case "":
		return FinishReason{Reason: "stop"}
	default:
		return FinishReason{Reason: "other", Raw: reason}
	}
}

// translateError converts SDK errors into the unified error hierarchy.
func (a *OpenAIAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		var retryAfter *float64
		if apierr.Response != nil {
			if ra := apierr.Response.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.ParseFloat(ra, 64); perr == nil {
					retryAfter = &secs
				}
			}
		}
		return ErrorFromStatusCode(apierr.StatusCode, apierr.Error(), "openai", retryAfter)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "openai request aborted", Cause: err}}
	}
	return &NetworkError{SDKError: SDKError{Message: fmt.Sprintf("openai request failed: %v", err), Cause: err}}
}
