package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentforge/comfyagent/agentloop"
	"github.com/latentforge/comfyagent/internal/store"
	"github.com/latentforge/comfyagent/unifiedllm"
)

// fakeModel answers every turn with one text response. When block is set,
// Complete waits on it first.
type fakeModel struct {
	reply string
	block chan struct{}
}

func (f *fakeModel) Complete(ctx context.Context, _ unifiedllm.Request) (*unifiedllm.Response, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &unifiedllm.Response{
		Message:      unifiedllm.AssistantMessage(f.reply),
		FinishReason: unifiedllm.FinishReason{Reason: "stop"},
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (f *fakeModel) Stream(_ context.Context, _ unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	return nil, fmt.Errorf("streaming not used in tests")
}

type testGateway struct {
	server *Server
	http   *httptest.Server
	store  *store.Store
	model  *fakeModel
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	model := &fakeModel{reply: "All done."}
	cfg := agentloop.DefaultConfig()
	cfg.Streaming = false
	cfg.Retry.MaxRetries = 0

	server := NewServer(Deps{
		Store:    st,
		Bus:      agentloop.NewBus(0),
		Client:   model,
		Registry: agentloop.NewToolRegistry(),
		LoopCfg:  cfg,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testGateway{server: server, http: srv, store: st, model: model}
}

func (g *testGateway) createSession(t *testing.T, title string) agentloop.SessionMeta {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"title": title})
	resp, err := http.Post(g.http.URL+"/api/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var meta agentloop.SessionMeta
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	return meta
}

func doRequest(t *testing.T, method, url string, body string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestSessionREST(t *testing.T) {
	g := newTestGateway(t)

	meta := g.createSession(t, "first session")
	assert.Equal(t, "first session", meta.Title)
	assert.Equal(t, agentloop.SessionActive, meta.Status)

	resp, err := http.Get(g.http.URL + "/api/sessions")
	require.NoError(t, err)
	var sessions []agentloop.SessionMeta
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	resp.Body.Close()
	require.Len(t, sessions, 1)
	assert.Equal(t, meta.ID, sessions[0].ID)

	resp = doRequest(t, http.MethodPatch, g.http.URL+"/api/sessions/"+meta.ID, `{"title":"renamed"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, g.http.URL+"/api/sessions/"+meta.ID, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, g.http.URL+"/api/sessions/"+meta.ID, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRenameValidation(t *testing.T) {
	g := newTestGateway(t)
	meta := g.createSession(t, "x")

	resp := doRequest(t, http.MethodPatch, g.http.URL+"/api/sessions/"+meta.ID, `{"title":""}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodPatch, g.http.URL+"/api/sessions/missing", `{"title":"y"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessagesEndpoint(t *testing.T) {
	g := newTestGateway(t)
	meta := g.createSession(t, "with messages")

	_, err := g.store.AppendMessage(context.Background(), meta.ID, agentloop.NewUserMessage("hello"))
	require.NoError(t, err)

	resp, err := http.Get(g.http.URL + "/api/sessions/" + meta.ID + "/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var messages []agentloop.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].TextContent())

	resp, err = http.Get(g.http.URL + "/api/sessions/missing/messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t)
	resp, err := http.Get(g.http.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "unconfigured", body["backend"])
}

// wsClient wraps a live-channel connection for tests.
type wsClient struct {
	conn *websocket.Conn
	t    *testing.T
}

func dialWS(t *testing.T, g *testGateway) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return &wsClient{conn: conn, t: t}
}

func (c *wsClient) send(msg clientMessage) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

func (c *wsClient) recv() serverMessage {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err, "reading websocket")
	var msg serverMessage
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

// recvUntil reads until a message of the wanted type arrives, returning it
// and all event messages seen on the way.
func (c *wsClient) recvUntil(wanted string) (serverMessage, []serverMessage) {
	c.t.Helper()
	var events []serverMessage
	for i := 0; i < 100; i++ {
		msg := c.recv()
		if msg.Type == wanted {
			return msg, events
		}
		events = append(events, msg)
	}
	c.t.Fatalf("no %q message after 100 reads", wanted)
	return serverMessage{}, nil
}

// collectTurn reads one whole turn: everything up to both the response
// message and the trailing turn.end event. The response may interleave
// with the tail of the event stream.
func (c *wsClient) collectTurn() (serverMessage, []serverMessage) {
	c.t.Helper()
	var response serverMessage
	var events []serverMessage
	gotResponse, gotTurnEnd := false, false
	for i := 0; i < 200 && !(gotResponse && gotTurnEnd); i++ {
		msg := c.recv()
		switch msg.Type {
		case "response":
			response = msg
			gotResponse = true
		case "event":
			events = append(events, msg)
			if msg.EventType == "turn.end" {
				gotTurnEnd = true
			}
		default:
			c.t.Fatalf("unexpected message during turn: %+v", msg)
		}
	}
	if !gotResponse || !gotTurnEnd {
		c.t.Fatal("incomplete turn")
	}
	return response, events
}

// collectEventsUntil reads event messages until one of the given type is
// seen.
func (c *wsClient) collectEventsUntil(eventType string) []serverMessage {
	c.t.Helper()
	var events []serverMessage
	for i := 0; i < 200; i++ {
		msg := c.recv()
		if msg.Type != "event" {
			continue
		}
		events = append(events, msg)
		if msg.EventType == eventType {
			return events
		}
	}
	c.t.Fatalf("no %q event after 200 reads", eventType)
	return nil
}

func TestPingPong(t *testing.T) {
	g := newTestGateway(t)
	ws := dialWS(t, g)
	ws.send(clientMessage{Type: "ping"})
	assert.Equal(t, "pong", ws.recv().Type)
}

func TestChatCreatesSessionAndStreamsEvents(t *testing.T) {
	g := newTestGateway(t)
	ws := dialWS(t, g)

	ws.send(clientMessage{Type: "chat", Message: "generate a portrait of a fox"})

	created := ws.recv()
	require.Equal(t, "session_created", created.Type)
	require.NotEmpty(t, created.SessionID)

	response, events := ws.collectTurn()
	assert.Equal(t, "All done.", response.Content)
	assert.Equal(t, created.SessionID, response.SessionID)

	var eventTypes []string
	for _, ev := range events {
		assert.Equal(t, created.SessionID, ev.SessionID)
		assert.NotNil(t, ev.Timestamp)
		eventTypes = append(eventTypes, ev.EventType)
	}
	assert.Equal(t, "state.conversation_start", eventTypes[0])
	assert.Contains(t, eventTypes, "message.user")
	assert.Contains(t, eventTypes, "turn.start")
	assert.Contains(t, eventTypes, "state.thinking")
	assert.Contains(t, eventTypes, "state.responding")
	assert.Equal(t, "turn.end", eventTypes[len(eventTypes)-1])

	// The session title comes from the first message.
	meta, err := g.store.GetSession(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "generate a portrait of a fox", meta.Title)
}

func TestChatOnExistingSession(t *testing.T) {
	g := newTestGateway(t)
	meta := g.createSession(t, "existing")
	ws := dialWS(t, g)

	ws.send(clientMessage{Type: "chat", SessionID: meta.ID, Message: "hello again"})
	response, _ := ws.collectTurn()
	assert.Equal(t, meta.ID, response.SessionID)

	ws.send(clientMessage{Type: "chat", SessionID: "missing", Message: "hi"})
	errMsg := ws.recv()
	assert.Equal(t, "error", errMsg.Type)
	assert.Contains(t, errMsg.Error, "session not found")
}

func TestTurnInProgressRejected(t *testing.T) {
	g := newTestGateway(t)
	g.model.block = make(chan struct{})
	meta := g.createSession(t, "busy")
	ws := dialWS(t, g)

	ws.send(clientMessage{Type: "chat", SessionID: meta.ID, Message: "slow request"})

	// Wait for the turn to actually start.
	for {
		msg := ws.recv()
		if msg.Type == "event" && msg.EventType == "state.thinking" {
			break
		}
	}

	ws.send(clientMessage{Type: "chat", SessionID: meta.ID, Message: "impatient"})
	rejected, _ := ws.recvUntil("error")
	assert.Contains(t, rejected.Error, "turn in progress")

	close(g.model.block)
	response, _ := ws.collectTurn()
	assert.Equal(t, "All done.", response.Content)
}

func TestCancelAcknowledged(t *testing.T) {
	g := newTestGateway(t)
	ws := dialWS(t, g)

	ws.send(clientMessage{Type: "cancel", SessionID: "any-session"})
	ack := ws.recv()
	assert.Equal(t, "cancelled", ack.Type)
	assert.Equal(t, "any-session", ack.SessionID)

	ws.send(clientMessage{Type: "cancel"})
	assert.Equal(t, "error", ws.recv().Type)
}

func TestCancelledTurnEndsWithoutResponse(t *testing.T) {
	g := newTestGateway(t)
	g.model.block = make(chan struct{})
	meta := g.createSession(t, "to cancel")
	ws := dialWS(t, g)

	ws.send(clientMessage{Type: "chat", SessionID: meta.ID, Message: "long job"})
	for {
		msg := ws.recv()
		if msg.Type == "event" && msg.EventType == "state.thinking" {
			break
		}
	}

	ws.send(clientMessage{Type: "cancel", SessionID: meta.ID})
	close(g.model.block)

	// The cancel ack is the turn's only terminal wire message; no response
	// frame follows.
	sawCancelled, sawTurnEnd := false, false
	for i := 0; i < 200 && !(sawCancelled && sawTurnEnd); i++ {
		msg := ws.recv()
		switch msg.Type {
		case "response":
			t.Fatalf("response frame after cancellation: %+v", msg)
		case "cancelled":
			sawCancelled = true
		case "event":
			if msg.EventType == "turn.end" {
				sawTurnEnd = true
			}
		}
	}
	require.True(t, sawCancelled, "no cancelled ack")
	require.True(t, sawTurnEnd, "no turn.end event")

	// Flush with a ping; anything still queued arrives before the pong.
	ws.send(clientMessage{Type: "ping"})
	for {
		msg := ws.recv()
		if msg.Type == "pong" {
			break
		}
		require.NotEqual(t, "response", msg.Type)
	}
}

func TestUnknownMessageType(t *testing.T) {
	g := newTestGateway(t)
	ws := dialWS(t, g)
	ws.send(clientMessage{Type: "dance"})
	msg := ws.recv()
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "dance")
}

func TestEmptyChatRejected(t *testing.T) {
	g := newTestGateway(t)
	ws := dialWS(t, g)
	ws.send(clientMessage{Type: "chat", Message: "   "})
	msg := ws.recv()
	assert.Equal(t, "error", msg.Type)
}

func TestTwoSubscribersSeeSameEvents(t *testing.T) {
	g := newTestGateway(t)
	meta := g.createSession(t, "shared")

	ws1 := dialWS(t, g)
	ws2 := dialWS(t, g)

	// Both connections watch the session: ws2 joins by chatting first
	// (which subscribes it), then ws1 drives a turn.
	ws2.send(clientMessage{Type: "chat", SessionID: meta.ID, Message: "warm up"})
	ws2.collectTurn()

	ws1.send(clientMessage{Type: "chat", SessionID: meta.ID, Message: "real request"})
	resp1, events1 := ws1.collectTurn()
	require.Equal(t, "All done.", resp1.Content)

	var types1 []string
	for _, ev := range events1 {
		types1 = append(types1, ev.EventType)
	}

	events2 := ws2.collectEventsUntil("turn.end")
	var types2 []string
	for _, ev := range events2 {
		types2 = append(types2, ev.EventType)
	}
	assert.Equal(t, types1, types2, "subscribers must see identical event order")
}
