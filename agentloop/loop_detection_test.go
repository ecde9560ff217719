package agentloop

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/latentforge/comfyagent/unifiedllm"
)

func historyWithCalls(calls ...unifiedllm.ToolCall) []Message {
	var history []Message
	history = append(history, NewUserMessage("go"))
	for _, c := range calls {
		history = append(history, NewAssistantMessage("", []unifiedllm.ToolCall{c}))
		history = append(history, NewToolResultMessage(c.ID, c.Name, "result", false))
	}
	return history
}

func call(name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: "tc", Name: name, Arguments: json.RawMessage(args)}
}

func TestDetectLoopSingleRepeat(t *testing.T) {
	var calls []unifiedllm.ToolCall
	for i := 0; i < 6; i++ {
		calls = append(calls, call("comfyui_discover", `{"query":"sampler"}`))
	}
	if !DetectLoop(historyWithCalls(calls...), 6) {
		t.Error("identical repeated calls not detected")
	}
}

func TestDetectLoopAlternatingPair(t *testing.T) {
	var calls []unifiedllm.ToolCall
	for i := 0; i < 3; i++ {
		calls = append(calls, call("comfyui_discover", `{"query":"a"}`))
		calls = append(calls, call("comfyui_monitor", `{"action":"queue"}`))
	}
	if !DetectLoop(historyWithCalls(calls...), 6) {
		t.Error("alternating pair pattern not detected")
	}
}

func TestDetectLoopDistinctCalls(t *testing.T) {
	var calls []unifiedllm.ToolCall
	for i := 0; i < 6; i++ {
		calls = append(calls, call("comfyui_discover", fmt.Sprintf(`{"query":"q%d"}`, i)))
	}
	if DetectLoop(historyWithCalls(calls...), 6) {
		t.Error("distinct arguments flagged as a loop")
	}
}

func TestDetectLoopTooFewCalls(t *testing.T) {
	calls := []unifiedllm.ToolCall{
		call("comfyui_discover", `{}`),
		call("comfyui_discover", `{}`),
	}
	if DetectLoop(historyWithCalls(calls...), 6) {
		t.Error("loop reported with fewer calls than the window")
	}
}

func TestToolCallSignatureStability(t *testing.T) {
	a := toolCallSignature("comfyui_build", json.RawMessage(`{"workflow":"x"}`))
	b := toolCallSignature("comfyui_build", json.RawMessage(`{"workflow":"x"}`))
	c := toolCallSignature("comfyui_build", json.RawMessage(`{"workflow":"y"}`))
	if a != b {
		t.Error("identical calls produced different signatures")
	}
	if a == c {
		t.Error("different arguments produced the same signature")
	}
}
