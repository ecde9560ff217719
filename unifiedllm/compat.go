package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teilomillet/gollm"
)

// CompatAdapter drives OpenAI-compatible and local endpoints (ollama,
// self-hosted gateways) through gollm. It is the fallback path when no
// native adapter covers a provider. These backends have no structured
// tool-call channel, so tool calls are recovered from the response text.
type CompatAdapter struct {
	provider string
	model    string
	llm      gollm.LLM
}

// NewCompatAdapter builds an adapter for the named gollm provider. An empty
// model falls back to the catalog's latest entry for the provider; an empty
// apiKey lets gollm read provider environment variables.
func NewCompatAdapter(provider, model, apiKey string) (*CompatAdapter, error) {
	if model == "" {
		if info := GetLatestModel(provider, ""); info != nil {
			model = info.ID
		}
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError{
			Message: fmt.Sprintf("no model configured for provider %q", provider),
		}}
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxRetries(0), // the policy layer owns retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(apiKey))
	}

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("building %s adapter: %w", provider, err)
	}
	return &CompatAdapter{provider: provider, model: model, llm: llm}, nil
}

// Name returns the provider identifier.
func (a *CompatAdapter) Name() string { return a.provider }

// Complete sends one blocking request.
func (a *CompatAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.buildPrompt(req)
	a.applyOverrides(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, classifyCompatError(a.provider, err)
	}
	return a.buildResponse(req, text), nil
}

// Stream emits the complete response as a single text delta. Compat
// backends stream tokens inconsistently across servers, so the adapter
// trades incremental delivery for a uniform event shape.
func (a *CompatAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent, 8)
	go func() {
		defer close(ch)
		ch <- StreamEvent{Type: StreamStart}

		resp, err := a.Complete(ctx, req)
		if err != nil {
			ch <- StreamEvent{Type: StreamError, Error: err}
			return
		}
		if text := resp.Text(); text != "" {
			ch <- StreamEvent{Type: TextStart, TextID: "text_0"}
			ch <- StreamEvent{Type: TextDelta, Delta: text, TextID: "text_0"}
			ch <- StreamEvent{Type: TextEnd, TextID: "text_0"}
		}
		for _, call := range resp.ToolCallsFromResponse() {
			c := call
			ch <- StreamEvent{Type: ToolCallEnd, ToolCall: &c}
		}
		ch <- StreamEvent{
			Type:         StreamFinish,
			FinishReason: &resp.FinishReason,
			Usage:        &resp.Usage,
			Response:     resp,
		}
	}()
	return ch, nil
}

func (a *CompatAdapter) buildPrompt(req Request) *gollm.Prompt {
	system, transcript := flattenConversation(req.Messages)

	var opts []gollm.PromptOption
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, def := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  def.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		opts = append(opts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(transcript, opts...)
}

func (a *CompatAdapter) applyOverrides(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.TopP != nil {
		a.llm.SetOption("top_p", *req.TopP)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *CompatAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, remainder := extractToolCalls(text)
	var parts []ContentPart
	if remainder != "" {
		parts = append(parts, TextPart(remainder))
	}
	for _, call := range calls {
		parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: &call})
	}
	if len(parts) == 0 {
		parts = []ContentPart{TextPart(text)}
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// Compat backends report no usage; estimate at 4 chars per token.
	in := 0
	for _, msg := range req.Messages {
		in += len(msg.TextContent()) / 4
	}
	out := len(text) / 4

	return &Response{
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// flattenConversation renders a structured conversation as a labeled
// transcript, since compat backends take a single prompt string. System
// text is returned separately.
func flattenConversation(messages []Message) (system, transcript string) {
	var sys, body strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			sys.WriteString(msg.TextContent())
			sys.WriteString("\n")
		case RoleUser:
			writeTurn(&body, "User", msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				writeTurn(&body, "Assistant", text)
			}
			for _, call := range msg.ToolCalls() {
				writeTurn(&body, "Assistant", fmt.Sprintf("[called %s with %s]", call.Name, string(call.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				var content string
				if json.Unmarshal(part.ToolResult.Content, &content) != nil {
					content = string(part.ToolResult.Content)
				}
				label := "Tool result"
				if part.ToolResult.IsError {
					label = "Tool error"
				}
				writeTurn(&body, label, content)
			}
		}
	}
	return strings.TrimSpace(sys.String()), strings.TrimSpace(body.String())
}

func writeTurn(sb *strings.Builder, label, text string) {
	if text == "" {
		return
	}
	sb.WriteString(label)
	sb.WriteString(": ")
	sb.WriteString(text)
	sb.WriteString("\n")
}

type compatCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// extractToolCalls recovers tool invocations a text-only backend emitted as
// JSON, either a bare array [{"name":...,"arguments":{...}}] or wrapped as
// {"tool_calls":[...]}. It returns the calls and the text with the JSON
// block stripped.
func extractToolCalls(text string) ([]ToolCallData, string) {
	var raw []compatCall
	cut := -1

	if idx := strings.Index(text, `{"tool_calls"`); idx >= 0 {
		var wrapper struct {
			ToolCalls []compatCall `json:"tool_calls"`
		}
		if err := json.Unmarshal([]byte(text[idx:]), &wrapper); err == nil {
			raw = wrapper.ToolCalls
			cut = idx
		}
	}
	if raw == nil {
		if idx := strings.Index(text, `[{"name"`); idx >= 0 {
			var arr []compatCall
			if err := json.Unmarshal([]byte(text[idx:]), &arr); err == nil {
				raw = arr
				cut = idx
			}
		}
	}
	if len(raw) == 0 {
		return nil, text
	}

	calls := make([]ToolCallData, len(raw))
	for i, rc := range raw {
		calls[i] = ToolCallData{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      rc.Name,
			Arguments: rc.Arguments,
		}
	}
	return calls, strings.TrimSpace(text[:cut])
}

var compatStatusHints = []struct {
	needle string
	status int
}{
	{"unauthorized", 401},
	{"invalid api key", 401},
	{"401", 401},
	{"forbidden", 403},
	{"403", 403},
	{"not found", 404},
	{"404", 404},
	{"rate limit", 429},
	{"429", 429},
	{"context length", 413},
	{"too many tokens", 413},
	{"internal server", 500},
	{"500", 500},
}

// classifyCompatError folds a gollm error into the typed hierarchy. gollm
// surfaces provider failures as opaque strings, so classification is by
// message content.
func classifyCompatError(provider string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") {
		return &RequestTimeoutError{SDKError{Message: err.Error(), Cause: err}}
	}
	for _, hint := range compatStatusHints {
		if strings.Contains(msg, hint.needle) {
			return ErrorFromStatusCode(hint.status, err.Error(), provider, nil)
		}
	}
	return &NetworkError{SDKError{Message: err.Error(), Cause: err}}
}
