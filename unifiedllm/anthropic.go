package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// AnthropicAdapter implements ProviderAdapter on the official Anthropic
// Messages API, including SSE streaming with incremental tool-call input.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// AnthropicOption configures an AnthropicAdapter.
type AnthropicOption func(*AnthropicAdapter)

// WithAnthropicModel sets the default model for the adapter.
func WithAnthropicModel(model string) AnthropicOption {
	return func(a *AnthropicAdapter) { a.model = model }
}

// WithAnthropicMaxTokens sets the default max output tokens.
func WithAnthropicMaxTokens(n int64) AnthropicOption {
	return func(a *AnthropicAdapter) { a.maxTokens = n }
}

// NewAnthropicAdapter creates an adapter for the Anthropic Messages API.
// If apiKey is empty the SDK reads ANTHROPIC_API_KEY from the environment.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) *AnthropicAdapter {
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	// The adapter retries at the policy layer, not the transport layer.
	clientOpts = append(clientOpts, option.WithMaxRetries(0))

	a := &AnthropicAdapter{
		client:    anthropic.NewClient(clientOpts...),
		maxTokens: 8192,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Complete sends a blocking request and returns the full response.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params := a.buildParams(req)

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}

	var parts []ContentPart
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			tb := block.AsText()
			if tb.Text != "" {
				parts = append(parts, TextPart(tb.Text))
			}
		case "tool_use":
			tu := block.AsToolUse()
			args, _ := json.Marshal(tu.Input)
			parts = append(parts, ToolCallPart(tu.ID, tu.Name, args))
		case "thinking":
			th := block.AsThinking()
			parts = append(parts, ThinkingPart(th.Thinking, th.Signature))
		}
	}

	return &Response{
		ID:       msg.ID,
		Model:    string(msg.Model),
		Provider: "anthropic",
		Message:  Message{Role: RoleAssistant, Content: parts},
		FinishReason: finishReasonFromStop(string(msg.StopReason)),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

// Stream sends a streaming request and returns a channel of StreamEvent objects.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := a.buildParams(req)
	stream := a.client.Messages.NewStreaming(ctx, params)

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamStart}

		acc := NewStreamAccumulator()
		toolBlocks := make(map[int]*anthropicToolBuffer)
		var stopReason string
		var usage Usage

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)

			case anthropic.ContentBlockStartEvent:
				idx := int(ev.Index)
				if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					toolBlocks[idx] = &anthropicToolBuffer{id: tu.ID, name: tu.Name}
					ch <- StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: tu.ID, Name: tu.Name}}
				} else {
					ch <- StreamEvent{Type: TextStart, TextID: textID(idx)}
				}

			case anthropic.ContentBlockDeltaEvent:
				idx := int(ev.Index)
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					sev := StreamEvent{Type: TextDelta, Delta: delta.Text, TextID: textID(idx)}
					acc.Process(sev)
					ch <- sev
				case anthropic.InputJSONDelta:
					if tb := toolBlocks[idx]; tb != nil && delta.PartialJSON != "" {
						tb.fragments += delta.PartialJSON
						ch <- StreamEvent{Type: ToolCallDelta, Delta: delta.PartialJSON, ToolCall: &ToolCall{ID: tb.id, Name: tb.name}}
					}
				}

			case anthropic.ContentBlockStopEvent:
				idx := int(ev.Index)
				if tb, ok := toolBlocks[idx]; ok {
					delete(toolBlocks, idx)
					args := json.RawMessage(tb.fragments)
					if tb.fragments == "" {
						args = json.RawMessage(`{}`)
					}
					sev := StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{ID: tb.id, Name: tb.name, Arguments: args}}
					acc.Process(sev)
					ch <- sev
				} else {
					ch <- StreamEvent{Type: TextEnd, TextID: textID(idx)}
				}

			case anthropic.MessageDeltaEvent:
				stopReason = string(ev.Delta.StopReason)
				usage.OutputTokens = int(ev.Usage.OutputTokens)
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			}
		}

		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
			return
		}

		fr := finishReasonFromStop(stopReason)
		acc.Process(StreamEvent{Type: StreamFinish, FinishReason: &fr, Usage: &usage})
		resp := acc.Response()
		resp.Provider = "anthropic"
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

type anthropicToolBuffer struct {
	id        string
	name      string
	fragments string
}

func textID(idx int) string {
	return "text_" + strconv.Itoa(idx)
}

// buildParams converts a unified Request into Anthropic MessageNewParams.
func (a *AnthropicAdapter) buildParams(req Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}

	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	if system := extractSystemBlocks(req.Messages); len(system) > 0 {
		params.System = system
	}

	if len(req.ToolDefs) > 0 {
		params.Tools = buildAnthropicTools(req.ToolDefs)
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case "auto":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		case "required":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case "none":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		case "named":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice.ToolName}}
		}
	}

	return params
}

// buildAnthropicMessages converts unified messages to the Messages API format.
// Tool results ride in user-role messages; consecutive tool messages are
// grouped so each result immediately follows its tool_use turn.
func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			continue // handled via params.System
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					var content string
					if err := json.Unmarshal(part.ToolResult.Content, &content); err != nil {
						content = string(part.ToolResult.Content)
					}
					pendingResults = append(pendingResults,
						anthropic.NewToolResultBlock(part.ToolResult.ToolCallID, content, part.ToolResult.IsError))
				}
			}
		case RoleUser:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			for _, part := range msg.Content {
				switch part.Kind {
				case ContentText:
					if part.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(part.Text))
					}
				case ContentImage:
					if part.Image != nil && len(part.Image.Data) > 0 {
						blocks = append(blocks, anthropic.NewImageBlockBase64(part.Image.MediaType, string(part.Image.Data)))
					}
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			for _, part := range msg.Content {
				switch part.Kind {
				case ContentText:
					if part.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(part.Text))
					}
				case ContentToolCall:
					if part.ToolCall != nil {
						var input interface{}
						if len(part.ToolCall.Arguments) > 0 {
							if err := json.Unmarshal(part.ToolCall.Arguments, &input); err != nil {
								input = map[string]interface{}{}
							}
						} else {
							input = map[string]interface{}{}
						}
						blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, input, part.ToolCall.Name))
					}
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flushResults()

	return out
}

// extractSystemBlocks collects system-role message text for params.System.
func extractSystemBlocks(messages []Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, msg := range messages {
		if msg.Role != RoleSystem {
			continue
		}
		for _, part := range msg.Content {
			if part.Kind == ContentText && part.Text != "" {
				blocks = append(blocks, anthropic.TextBlockParam{Text: part.Text})
			}
		}
	}
	return blocks
}

// buildAnthropicTools converts tool definitions to the Messages API tool format.
func buildAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if def.Parameters != nil {
			if properties, ok := def.Parameters["properties"]; ok {
				schema.Properties = properties
			}
			if required, ok := def.Parameters["required"]; ok {
				switch req := required.(type) {
				case []string:
					schema.Required = req
				case []interface{}:
					for _, r := range req {
						if s, ok := r.(string); ok {
							schema.Required = append(schema.Required, s)
						}
					}
				}
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil && def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		tools[i] = tool
	}
	return tools
}

// finishReasonFromStop maps Anthropic stop reasons to unified finish reasons.
func finishReasonFromStop(stop string) FinishReason {
	switch stop {
	case "end_turn", "stop_sequence":
		return FinishReason{Reason: "stop", Raw: stop}
	case "tool_use":
		return FinishReason{Reason: "tool_calls", Raw: stop}
	case "max_tokens":
		return FinishReason{Reason: "length", Raw: stop}
	case "":
		return FinishReason{Reason: "stop"}
	default:
		return FinishReason{Reason: "other", Raw: stop}
	}
}

// translateError converts SDK errors into the unified error hierarchy.
func (a *AnthropicAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		var retryAfter *float64
		if apierr.Response != nil {
			if ra := apierr.Response.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.ParseFloat(ra, 64); perr == nil {
					retryAfter = &secs
				}
			}
		}
		return ErrorFromStatusCode(apierr.StatusCode, apierr.Error(), "anthropic", retryAfter)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "anthropic request aborted", Cause: err}}
	}
	return &NetworkError{SDKError: SDKError{Message: fmt.Sprintf("anthropic request failed: %v", err), Cause: err}}
}
