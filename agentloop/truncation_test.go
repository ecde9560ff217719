package agentloop

import (
	"strings"
	"testing"
)

func TestTruncateOutputHeadTail(t *testing.T) {
	input := strings.Repeat("a", 500) + strings.Repeat("b", 500)
	out := TruncateOutput(input, 200, TruncateHeadTail)

	if !strings.HasPrefix(out, strings.Repeat("a", 100)) {
		t.Error("head not preserved")
	}
	if !strings.HasSuffix(out, strings.Repeat("b", 100)) {
		t.Error("tail not preserved")
	}
	if !strings.Contains(out, "800 characters were removed from the middle") {
		t.Errorf("marker missing or wrong: %q", out)
	}
}

func TestTruncateOutputTail(t *testing.T) {
	input := strings.Repeat("a", 500) + strings.Repeat("b", 200)
	out := TruncateOutput(input, 200, TruncateTail)

	if !strings.HasSuffix(out, strings.Repeat("b", 200)) {
		t.Error("tail not preserved")
	}
	if !strings.Contains(out, "First 500 characters were removed") {
		t.Errorf("marker missing: %q", out)
	}
}

func TestTruncateOutputUnderLimit(t *testing.T) {
	if out := TruncateOutput("short", 100, TruncateHeadTail); out != "short" {
		t.Errorf("unmodified output expected, got %q", out)
	}
}

func TestTruncateLines(t *testing.T) {
	input := strings.TrimSuffix(strings.Repeat("line\n", 100), "\n")
	out := TruncateLines(input, 10)

	if !strings.Contains(out, "90 lines omitted") {
		t.Errorf("marker missing: %q", out)
	}
	if got := strings.Count(out, "line"); got != 10 {
		t.Errorf("kept %d lines, want 10", got)
	}
}

func TestTruncateToolOutputDefaults(t *testing.T) {
	long := strings.Repeat("x", 100000)

	tests := []struct {
		tool    string
		maxLen  int
	}{
		{"comfyui_discover", 40000},
		{"web_fetch", 40000},
		{"unknown_tool", DefaultMaxOutputChars + 1000},
	}
	for _, tt := range tests {
		out := TruncateToolOutput(long, tt.tool, 0)
		if len(out) > tt.maxLen {
			t.Errorf("%s: output %d chars, want <= %d", tt.tool, len(out), tt.maxLen)
		}
	}
}

func TestTruncateToolOutputExplicitLimit(t *testing.T) {
	long := strings.Repeat("x", 100000)
	out := TruncateToolOutput(long, "comfyui_discover", 1000)
	if len(out) > 2000 {
		t.Errorf("explicit limit ignored: %d chars", len(out))
	}
}
