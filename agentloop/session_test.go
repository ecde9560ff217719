package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/latentforge/comfyagent/unifiedllm"
)

// scriptClient returns scripted responses in order. The last step repeats
// once the script runs out.
type scriptClient struct {
	steps []scriptStep
	calls int
	mu    sync.Mutex
}

type scriptStep struct {
	resp *unifiedllm.Response
	err  error
}

func (c *scriptClient) next() scriptStep {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	c.calls++
	return c.steps[i]
}

func (c *scriptClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptClient) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	step := c.next()
	return step.resp, step.err
}

func (c *scriptClient) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	step := c.next()
	if step.err != nil {
		return nil, step.err
	}
	ch := make(chan unifiedllm.StreamEvent, 8)
	go func() {
		defer close(ch)
		if text := step.resp.Text(); text != "" {
			ch <- unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: text}
		}
		ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamFinish, Response: step.resp}
	}()
	return ch, nil
}

func textResponse(text string) *unifiedllm.Response {
	return &unifiedllm.Response{
		Message:      unifiedllm.AssistantMessage(text),
		FinishReason: unifiedllm.FinishReason{Reason: "stop"},
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolResponse(calls ...unifiedllm.ToolCall) *unifiedllm.Response {
	msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	for _, c := range calls {
		msg.Content = append(msg.Content, unifiedllm.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return &unifiedllm.Response{
		Message:      msg,
		FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
		Usage:        unifiedllm.Usage{InputTokens: 20, OutputTokens: 10},
	}
}

// memStore is an in-memory Store for loop tests.
type memStore struct {
	sessions    map[string]SessionMeta
	messages    map[string][]Message
	checkpoints map[string]int64
	nextID      int64
	mu          sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{
		sessions:    make(map[string]SessionMeta),
		messages:    make(map[string][]Message),
		checkpoints: make(map[string]int64),
	}
}

func (s *memStore) CreateSession(ctx context.Context, meta SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[meta.ID] = meta
	return nil
}

func (s *memStore) GetSession(ctx context.Context, id string) (*SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return &meta, nil
}

func (s *memStore) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.sessions[id]
	meta.Status = status
	s.sessions[id] = meta
	return nil
}

func (s *memStore) UpdateSessionTitle(ctx context.Context, id string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.sessions[id]
	meta.Title = title
	s.sessions[id] = meta
	return nil
}

func (s *memStore) AppendMessage(ctx context.Context, sessionID string, msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	msg.SessionID = sessionID
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return msg.ID, nil
}

func (s *memStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	if cp, ok := s.checkpoints[sessionID]; ok {
		for i, m := range msgs {
			if m.ID == cp {
				msgs = msgs[i:]
				break
			}
		}
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *memStore) SetSummaryCheckpoint(ctx context.Context, sessionID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[sessionID] = messageID
	return nil
}

func (s *memStore) AddUsage(ctx context.Context, sessionID string, inputTokens, outputTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.sessions[sessionID]
	meta.InputTokens += int64(inputTokens)
	meta.OutputTokens += int64(outputTokens)
	s.sessions[sessionID] = meta
	return nil
}

func echoTool(name string) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        name,
			Description: "echoes its input",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"value": map[string]interface{}{"type": "string"},
				},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage) (*ToolOutput, error) {
			return &ToolOutput{Text: "echo: " + string(arguments)}, nil
		},
	}
}

type testHarness struct {
	runner *Runner
	store  *memStore
	bus    *Bus
	sub    *Subscription
}

func newHarness(t *testing.T, client ModelClient, cfg Config, tools ...RegisteredTool) *testHarness {
	t.Helper()
	store := newMemStore()
	bus := NewBus(DefaultSubscriberBuffer)
	registry := NewToolRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	sessionID := "test-session"
	if err := store.CreateSession(context.Background(), SessionMeta{ID: sessionID, Status: SessionActive}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sub := bus.Subscribe(sessionID)
	runner := NewRunner(sessionID, client, store, registry, NewEmitter(bus, sessionID), cfg, nil)
	return &testHarness{runner: runner, store: store, bus: bus, sub: sub}
}

func (h *testHarness) events() []Event {
	h.sub.Close()
	var events []Event
	for ev := range h.sub.Events() {
		events = append(events, ev)
	}
	return events
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.Streaming = false
	cfg.Retry.MaxRetries = 0
	return cfg
}

func TestRunTurnSimpleResponse(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{resp: textResponse("Hello there.")},
	}}
	h := newHarness(t, client, quickConfig())

	final, err := h.runner.RunTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if final != "Hello there." {
		t.Errorf("final = %q, want %q", final, "Hello there.")
	}

	events := h.events()
	wantOrder := []EventType{
		EventStateConversationStart,
		EventMessageUser,
		EventTurnStart,
		EventStateThinking,
		EventStateResponding,
		EventMessageAssistant,
		EventStateConversationEnd,
		EventTurnEnd,
	}
	if len(events) != len(wantOrder) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantOrder), events)
	}
	for i, want := range wantOrder {
		if events[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, events[i].Type, want)
		}
	}
}

func TestDiscoverScenario(t *testing.T) {
	args := json.RawMessage(`{"value":"nodes"}`)
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse(unifiedllm.ToolCall{ID: "tc1", Name: "comfyui_discover", Arguments: args})},
		{resp: textResponse("Found 3 nodes: A, B, C.")},
	}}
	tool := RegisteredTool{
		Definition: ToolDefinition{Name: "comfyui_discover", Description: "discovery"},
		Executor: func(ctx context.Context, arguments json.RawMessage) (*ToolOutput, error) {
			return &ToolOutput{Text: "A, B, C"}, nil
		},
	}
	h := newHarness(t, client, quickConfig(), tool)

	final, err := h.runner.RunTurn(context.Background(), "list available nodes")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if final != "Found 3 nodes: A, B, C." {
		t.Errorf("final = %q", final)
	}

	events := h.events()
	var sequence []EventType
	for _, ev := range events {
		switch ev.Type {
		case EventStateConversationStart, EventStateToolExecuting,
			EventStateToolCompleted, EventMessageAssistant, EventTurnEnd:
			sequence = append(sequence, ev.Type)
		}
	}
	want := []EventType{
		EventStateConversationStart,
		EventMessageAssistant, // tool call announcement
		EventStateToolExecuting,
		EventStateToolCompleted,
		EventMessageAssistant, // final response
		EventTurnEnd,
	}
	if len(sequence) != len(want) {
		t.Fatalf("sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Errorf("sequence[%d] = %s, want %s", i, sequence[i], want[i])
		}
	}
}

func TestToolEventPairing(t *testing.T) {
	args := json.RawMessage(`{}`)
	failing := RegisteredTool{
		Definition: ToolDefinition{Name: "broken", Description: "always fails"},
		Executor: func(ctx context.Context, arguments json.RawMessage) (*ToolOutput, error) {
			return nil, fmt.Errorf("boom")
		},
	}
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse(
			unifiedllm.ToolCall{ID: "tc1", Name: "echo", Arguments: args},
			unifiedllm.ToolCall{ID: "tc2", Name: "broken", Arguments: args},
			unifiedllm.ToolCall{ID: "tc3", Name: "no_such_tool", Arguments: args},
		)},
		{resp: textResponse("done")},
	}}
	h := newHarness(t, client, quickConfig(), echoTool("echo"), failing)

	if _, err := h.runner.RunTurn(context.Background(), "go"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	events := h.events()
	executing := countEvents(events, EventStateToolExecuting)
	completed := countEvents(events, EventStateToolCompleted)
	failed := countEvents(events, EventStateToolFailed)
	if executing != 3 {
		t.Errorf("tool_executing = %d, want 3", executing)
	}
	if completed+failed != executing {
		t.Errorf("completed(%d)+failed(%d) != executing(%d)", completed, failed, executing)
	}
	if results := countEvents(events, EventMessageToolResult); results != 3 {
		t.Errorf("message.tool_result = %d, want 3", results)
	}
}

func TestRetryEventsEmitted(t *testing.T) {
	transient := &unifiedllm.ServerError{ProviderError: unifiedllm.ProviderError{
		SDKError:   unifiedllm.SDKError{Message: "upstream 503"},
		StatusCode: 503,
		Retryable:  true,
	}}
	client := &scriptClient{steps: []scriptStep{
		{err: transient},
		{err: transient},
		{resp: textResponse("recovered")},
	}}
	cfg := quickConfig()
	cfg.Retry = unifiedllm.RetryPolicy{
		MaxRetries:        5,
		BaseDelay:         0.01,
		MaxDelay:          0.05,
		BackoffMultiplier: 2.0,
	}
	h := newHarness(t, client, cfg)

	final, err := h.runner.RunTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if final != "recovered" {
		t.Errorf("final = %q", final)
	}
	if client.callCount() != 3 {
		t.Errorf("model calls = %d, want 3", client.callCount())
	}

	var retries []Event
	for _, ev := range h.events() {
		if ev.Type == EventLLMRetry {
			retries = append(retries, ev)
		}
	}
	if len(retries) != 2 {
		t.Fatalf("llm.retry count = %d, want 2", len(retries))
	}
	for i, ev := range retries {
		attempt, _ := ev.Data["attempt"].(int)
		if attempt != i+1 {
			t.Errorf("retry %d attempt = %v, want %d", i, ev.Data["attempt"], i+1)
		}
		delayMS, _ := ev.Data["delay_ms"].(int64)
		wantBase := int64(10) << i // 10ms then 20ms
		if delayMS < wantBase/2 || delayMS > wantBase*2 {
			t.Errorf("retry %d delay_ms = %d, want about %d", i, delayMS, wantBase)
		}
	}
}

func TestFatalModelErrorFailsTurn(t *testing.T) {
	fatal := &unifiedllm.AuthenticationError{ProviderError: unifiedllm.ProviderError{
		SDKError:   unifiedllm.SDKError{Message: "bad key"},
		StatusCode: 401,
	}}
	client := &scriptClient{steps: []scriptStep{{err: fatal}}}
	h := newHarness(t, client, quickConfig())

	if _, err := h.runner.RunTurn(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if client.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 (no retry on auth errors)", client.callCount())
	}
	events := h.events()
	if countEvents(events, EventStateConversationEnd) != 1 {
		t.Error("expected exactly one terminal event")
	}
	// The error surfaces on the stream before the terminal pair.
	errIdx, endIdx := -1, -1
	for i, ev := range events {
		switch ev.Type {
		case EventStateError:
			errIdx = i
		case EventStateConversationEnd:
			endIdx = i
		}
	}
	if errIdx == -1 {
		t.Fatal("no state.error event on failed turn")
	}
	if errIdx > endIdx {
		t.Errorf("state.error at %d after conversation_end at %d", errIdx, endIdx)
	}
	if msg, _ := events[errIdx].Data["error"].(string); !strings.Contains(msg, "bad key") {
		t.Errorf("error event data = %q", msg)
	}
}

func TestTimeoutToolStillTerminates(t *testing.T) {
	args := json.RawMessage(`{}`)
	stuck := RegisteredTool{
		Definition: ToolDefinition{Name: "stuck", Description: "never returns"},
		Timeout:    20 * time.Millisecond,
		Executor: func(ctx context.Context, arguments json.RawMessage) (*ToolOutput, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse(unifiedllm.ToolCall{ID: "tc", Name: "stuck", Arguments: args})},
	}}
	cfg := quickConfig()
	cfg.MaxIterations = 3
	h := newHarness(t, client, cfg, stuck)

	start := time.Now()
	final, err := h.runner.RunTurn(context.Background(), "go")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if final != budgetExhaustedText {
		t.Errorf("final = %q, want budget exhaustion text", final)
	}
	// Generous bound: 3 iterations x 20ms timeout plus overhead.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("turn took %s, should terminate promptly", elapsed)
	}
	events := h.events()
	if got := countEvents(events, EventStateToolFailed); got != 3 {
		t.Errorf("tool_failed = %d, want 3", got)
	}
}

func TestBudgetExhaustion(t *testing.T) {
	args := json.RawMessage(`{"value":"x"}`)
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse(unifiedllm.ToolCall{ID: "tc", Name: "echo", Arguments: args})},
	}}
	cfg := quickConfig()
	cfg.MaxIterations = 4
	h := newHarness(t, client, cfg, echoTool("echo"))

	final, err := h.runner.RunTurn(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if final != budgetExhaustedText {
		t.Errorf("final = %q", final)
	}
	if client.callCount() != 4 {
		t.Errorf("model calls = %d, want 4", client.callCount())
	}
	events := h.events()
	if got := countEvents(events, EventStateThinking); got != 4 {
		t.Errorf("thinking events = %d, want 4", got)
	}
	if countEvents(events, EventTurnEnd) != 1 {
		t.Error("expected exactly one turn.end")
	}
}

func TestCancelStopsBeforeNextTool(t *testing.T) {
	args := json.RawMessage(`{}`)
	h := &testHarness{}
	cancelAfterFirst := RegisteredTool{
		Definition: ToolDefinition{Name: "slow", Description: "cancels the session mid-run"},
		Executor: func(ctx context.Context, arguments json.RawMessage) (*ToolOutput, error) {
			h.runner.Cancel()
			return &ToolOutput{Text: "ok"}, nil
		},
	}
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse(
			unifiedllm.ToolCall{ID: "tc1", Name: "slow", Arguments: args},
			unifiedllm.ToolCall{ID: "tc2", Name: "slow", Arguments: args},
		)},
	}}
	*h = *newHarness(t, client, quickConfig(), cancelAfterFirst)

	final, err := h.runner.RunTurn(context.Background(), "go")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if final != cancelledText {
		t.Errorf("final = %q, want %q", final, cancelledText)
	}

	events := h.events()
	// The first tool ran; the second must not have started.
	if got := countEvents(events, EventStateToolExecuting); got != 1 {
		t.Errorf("tool_executing = %d, want 1", got)
	}
	if got := countEvents(events, EventStateConversationEnd); got != 1 {
		t.Errorf("terminal events = %d, want exactly 1", got)
	}

	meta, err := h.store.GetSession(context.Background(), "test-session")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if meta.Status != SessionCancelled {
		t.Errorf("session status = %s, want cancelled", meta.Status)
	}
}

func TestCancelResolvesPendingToolCalls(t *testing.T) {
	args := json.RawMessage(`{}`)
	h := &testHarness{}
	cancelling := RegisteredTool{
		Definition: ToolDefinition{Name: "first", Description: "cancels the turn"},
		Executor: func(ctx context.Context, arguments json.RawMessage) (*ToolOutput, error) {
			h.runner.Cancel()
			return &ToolOutput{Text: "ok"}, nil
		},
	}
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse(
			unifiedllm.ToolCall{ID: "c1", Name: "first", Arguments: args},
			unifiedllm.ToolCall{ID: "c2", Name: "first", Arguments: args},
		)},
	}}
	*h = *newHarness(t, client, quickConfig(), cancelling)

	if _, err := h.runner.RunTurn(context.Background(), "go"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	// Every persisted tool call must have a matching tool result, including
	// the one the cancellation skipped; a dangling call would be rejected on
	// the next model request.
	history, err := h.store.Messages(context.Background(), "test-session")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	results := map[string]*ToolResultBlock{}
	var callIDs []string
	for _, msg := range history {
		for _, b := range msg.Blocks {
			if b.Kind == BlockToolCall && b.ToolCall != nil {
				callIDs = append(callIDs, b.ToolCall.ID)
			}
			if b.Kind == BlockToolResult && b.ToolResult != nil {
				results[b.ToolResult.ToolCallID] = b.ToolResult
			}
		}
	}
	if len(callIDs) != 2 {
		t.Fatalf("persisted tool calls = %d, want 2", len(callIDs))
	}
	for _, id := range callIDs {
		if results[id] == nil {
			t.Errorf("tool call %s has no tool result", id)
		}
	}
	if skipped := results["c2"]; skipped != nil {
		if !skipped.IsError {
			t.Error("skipped call result not marked as error")
		}
		if !strings.Contains(skipped.Content, "Cancelled") {
			t.Errorf("skipped call result = %q", skipped.Content)
		}
	}
}

func TestTurnInProgressRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := RegisteredTool{
		Definition: ToolDefinition{Name: "block", Description: "blocks until released"},
		Timeout:    5 * time.Second,
		Executor: func(ctx context.Context, arguments json.RawMessage) (*ToolOutput, error) {
			close(started)
			<-release
			return &ToolOutput{Text: "ok"}, nil
		},
	}
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse(unifiedllm.ToolCall{ID: "tc", Name: "block", Arguments: json.RawMessage(`{}`)})},
		{resp: textResponse("done")},
	}}
	h := newHarness(t, client, quickConfig(), blocking)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.runner.RunTurn(context.Background(), "first")
		errCh <- err
	}()

	<-started
	if _, err := h.runner.RunTurn(context.Background(), "second"); err != ErrTurnInProgress {
		t.Errorf("concurrent RunTurn error = %v, want ErrTurnInProgress", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first turn: %v", err)
	}
}

func TestStreamingEmitsTextDeltas(t *testing.T) {
	client := &scriptClient{steps: []scriptStep{
		{resp: textResponse("streamed reply")},
	}}
	cfg := quickConfig()
	cfg.Streaming = true
	h := newHarness(t, client, cfg)

	final, err := h.runner.RunTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if final != "streamed reply" {
		t.Errorf("final = %q", final)
	}

	var deltas strings.Builder
	for _, ev := range h.events() {
		if ev.Type == EventStreamTextDelta {
			text, _ := ev.Data["text"].(string)
			deltas.WriteString(text)
		}
	}
	if deltas.String() != "streamed reply" {
		t.Errorf("concatenated deltas = %q", deltas.String())
	}
}

func TestHistoryPersistedInOrder(t *testing.T) {
	args := json.RawMessage(`{"value":"x"}`)
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse(unifiedllm.ToolCall{ID: "tc", Name: "echo", Arguments: args})},
		{resp: textResponse("all done")},
	}}
	h := newHarness(t, client, quickConfig(), echoTool("echo"))

	if _, err := h.runner.RunTurn(context.Background(), "do the thing"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	msgs, err := h.store.Messages(context.Background(), "test-session")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	wantRoles := []Role{RoleUser, RoleAssistant, RoleToolResult, RoleAssistant}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(wantRoles))
	}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message[%d].Role = %s, want %s", i, msgs[i].Role, want)
		}
	}

	// Replaying persisted history through the model converter keeps block
	// order stable.
	first := ToModelMessages(msgs)
	second := ToModelMessages(msgs)
	if len(first) != len(second) {
		t.Fatal("replay changed message count")
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("replay is not deterministic")
	}
}

func TestSideEventsForwarded(t *testing.T) {
	submitter := RegisteredTool{
		Definition: ToolDefinition{Name: "comfyui_execute", Description: "executes a workflow"},
		Executor: func(ctx context.Context, arguments json.RawMessage) (*ToolOutput, error) {
			return &ToolOutput{
				Text: "queued",
				Events: []SideEvent{{
					Type: EventWorkflowSubmitted,
					Data: map[string]interface{}{"prompt_id": "p-123"},
				}},
			}, nil
		},
	}
	client := &scriptClient{steps: []scriptStep{
		{resp: toolResponse(unifiedllm.ToolCall{ID: "tc", Name: "comfyui_execute", Arguments: json.RawMessage(`{}`)})},
		{resp: textResponse("submitted")},
	}}
	h := newHarness(t, client, quickConfig(), submitter)

	if _, err := h.runner.RunTurn(context.Background(), "run it"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	found := false
	for _, ev := range h.events() {
		if ev.Type == EventWorkflowSubmitted {
			found = true
			if ev.Data["prompt_id"] != "p-123" {
				t.Errorf("prompt_id = %v", ev.Data["prompt_id"])
			}
		}
	}
	if !found {
		t.Error("workflow.submitted was not forwarded")
	}
}
