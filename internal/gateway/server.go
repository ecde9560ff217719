// Package gateway exposes the agent over HTTP: a small REST surface for
// session management and a WebSocket live channel for turns.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/latentforge/comfyagent/agentloop"
	"github.com/latentforge/comfyagent/internal/comfy"
	"github.com/latentforge/comfyagent/internal/experience"
	"github.com/latentforge/comfyagent/internal/knowledge"
	"github.com/latentforge/comfyagent/internal/store"
)

const maxTitleChars = 80

// Deps are the wired components the gateway serves.
type Deps struct {
	Store     *store.Store
	Bus       *agentloop.Bus
	Client    agentloop.ModelClient
	Registry  *agentloop.ToolRegistry
	Prompts   *agentloop.PromptBuilder
	Delegator *agentloop.Delegator
	LoopCfg   agentloop.Config

	// Backend plumbing for health checks and maintenance jobs. Optional.
	Comfy          *comfy.Client
	Probe          *comfy.Probe
	Index          *knowledge.Index
	ExperiencesDir string
	SummaryModel   string

	Logger *slog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	deps   Deps
	logger *slog.Logger
	cron   *cron.Cron

	mu        sync.Mutex
	runners   map[string]*agentloop.Runner
	canvasRef *Canvas
}

// NewServer creates a gateway server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		deps:    deps,
		logger:  deps.Logger,
		runners: make(map[string]*agentloop.Runner),
	}
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /ws", s.handleSocket)
	return mux
}

// StartJobs schedules background maintenance: periodic node-index refresh
// and experience reload into the prompt builder. Call Stop via the
// returned cron when shutting down.
func (s *Server) StartJobs(ctx context.Context) *cron.Cron {
	c := cron.New()
	if s.deps.Index != nil && s.deps.Comfy != nil {
		c.AddFunc("@every 10m", func() {
			if err := s.deps.Index.Rebuild(ctx, s.deps.Comfy); err != nil {
				s.logger.Warn("scheduled index refresh failed", "error", err)
			}
			if s.deps.Probe != nil {
				s.deps.Probe.Invalidate()
			}
		})
	}
	if s.deps.ExperiencesDir != "" && s.deps.Prompts != nil {
		reload := func() { s.reloadExperiences() }
		reload()
		c.AddFunc("@every 1m", reload)
	}
	c.Start()
	s.cron = c
	return c
}

func (s *Server) reloadExperiences() {
	section, err := experience.Load(s.deps.ExperiencesDir)
	if err != nil {
		s.logger.Warn("experience reload failed", "error", err)
		return
	}
	s.deps.Prompts.SetSection(agentloop.PromptSection{
		Name:     agentloop.SectionExperiences,
		Priority: 40,
		Content:  section,
		Optional: true,
	})
}

// refreshContextSections updates the per-turn prompt sections from the
// probe and canvas before a turn starts.
func (s *Server) refreshContextSections(ctx context.Context, canvas *Canvas) {
	if s.deps.Prompts == nil {
		return
	}
	if s.deps.Probe != nil {
		content := s.deps.Probe.Snapshot(ctx).Render()
		if s.deps.Index != nil {
			content += "\n" + s.deps.Index.Summary()
		}
		s.deps.Prompts.SetSection(agentloop.PromptSection{
			Name:     agentloop.SectionEnvironment,
			Priority: 60,
			Content:  content,
			Optional: true,
		})
	}
	if canvas != nil {
		s.deps.Prompts.SetSection(agentloop.PromptSection{
			Name:     agentloop.SectionCanvas,
			Priority: 50,
			Content:  canvas.Render(),
			Optional: true,
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Warn("response encode failed", "error", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backend := "ok"
	if s.deps.Comfy != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Comfy.Health(ctx); err != nil {
			backend = "unreachable"
		}
	} else {
		backend = "unconfigured"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": backend})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Store.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []agentloop.SessionMeta{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	meta := agentloop.SessionMeta{
		ID:    uuid.NewString(),
		Title: truncateTitle(body.Title),
	}
	if err := s.deps.Store.CreateSession(r.Context(), meta); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	created, err := s.deps.Store.GetSession(r.Context(), meta.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	delete(s.runners, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.deps.Store.UpdateSessionTitle(r.Context(), id, truncateTitle(body.Title)); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	messages, err := s.deps.Store.AllMessages(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []agentloop.Message{}
	}
	s.writeJSON(w, http.StatusOK, messages)
}

// clientMessage is what the live channel accepts.
type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// serverMessage is what the live channel sends.
type serverMessage struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	EventType string                 `json:"event_type,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(ctx context.Context, msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	wc := &wsConn{conn: conn}

	// One forwarder per subscribed session, alive for the connection.
	subs := make(map[string]*agentloop.Subscription)
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wc.send(ctx, serverMessage{Type: "error", Error: "unparseable message"})
			continue
		}

		switch msg.Type {
		case "ping":
			wc.send(ctx, serverMessage{Type: "pong"})
		case "chat":
			s.handleChat(ctx, wc, subs, msg)
		case "cancel":
			s.handleCancel(ctx, wc, msg.SessionID)
		default:
			wc.send(ctx, serverMessage{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (s *Server) handleChat(ctx context.Context, wc *wsConn, subs map[string]*agentloop.Subscription, msg clientMessage) {
	if strings.TrimSpace(msg.Message) == "" {
		wc.send(ctx, serverMessage{Type: "error", Error: "message is required"})
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
		meta := agentloop.SessionMeta{ID: sessionID, Title: truncateTitle(msg.Message)}
		if err := s.deps.Store.CreateSession(ctx, meta); err != nil {
			wc.send(ctx, serverMessage{Type: "error", Error: err.Error()})
			return
		}
		wc.send(ctx, serverMessage{Type: "session_created", SessionID: sessionID})
	} else if _, err := s.deps.Store.GetSession(ctx, sessionID); err != nil {
		wc.send(ctx, serverMessage{Type: "error", SessionID: sessionID, Error: "session not found"})
		return
	}

	runner := s.runnerFor(sessionID)
	if runner.Running() {
		wc.send(ctx, serverMessage{Type: "error", SessionID: sessionID, Error: "turn in progress"})
		return
	}

	// Subscribe before the turn starts so no event is missed.
	if _, ok := subs[sessionID]; !ok {
		sub := s.deps.Bus.Subscribe(sessionID)
		subs[sessionID] = sub
		go s.forwardEvents(ctx, wc, sub)
	}

	go s.runTurn(ctx, wc, runner, sessionID, msg.Message)
}

func (s *Server) runTurn(ctx context.Context, wc *wsConn, runner *agentloop.Runner, sessionID, message string) {
	s.refreshContextSections(ctx, s.canvas())

	text, err := runner.RunTurn(ctx, message)
	if err != nil {
		if errors.Is(err, agentloop.ErrTurnInProgress) {
			wc.send(ctx, serverMessage{Type: "error", SessionID: sessionID, Error: "turn in progress"})
			return
		}
		wc.send(ctx, serverMessage{Type: "error", SessionID: sessionID, Error: err.Error()})
		return
	}
	if runner.State() == agentloop.StateCancelled {
		// The cancel handler already acknowledged; one terminal wire
		// message per turn.
		return
	}
	wc.send(ctx, serverMessage{Type: "response", SessionID: sessionID, Content: text})
}

func (s *Server) forwardEvents(ctx context.Context, wc *wsConn, sub *agentloop.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			ts := ev.Timestamp
			wc.send(ctx, serverMessage{
				Type:      "event",
				SessionID: ev.SessionID,
				EventType: string(ev.Type),
				Data:      ev.Data,
				Timestamp: &ts,
			})
		}
	}
}

func (s *Server) handleCancel(ctx context.Context, wc *wsConn, sessionID string) {
	if sessionID == "" {
		wc.send(ctx, serverMessage{Type: "error", Error: "session_id is required"})
		return
	}
	s.mu.Lock()
	runner := s.runners[sessionID]
	s.mu.Unlock()
	if runner != nil {
		runner.Cancel()
	}
	wc.send(ctx, serverMessage{Type: "cancelled", SessionID: sessionID})
}

// runnerFor returns the session's runner, building one on first use with a
// cloned tool catalog plus the delegate tool bound to this session.
func (s *Server) runnerFor(sessionID string) *agentloop.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runner, ok := s.runners[sessionID]; ok {
		return runner
	}

	emitter := agentloop.NewEmitter(s.deps.Bus, sessionID)
	registry := s.deps.Registry.Clone()
	if s.deps.Delegator != nil {
		agentloop.RegisterDelegateTool(registry, s.deps.Delegator, sessionID, emitter)
	}

	runner := agentloop.NewRunner(sessionID, s.deps.Client, s.deps.Store, registry, emitter, s.deps.LoopCfg, s.logger)
	if s.deps.Prompts != nil {
		runner.SetPromptSource(s.deps.Prompts)
	}
	if s.deps.SummaryModel != "" {
		runner.SetSummarizer(agentloop.NewSummarizer(s.deps.Client, s.deps.Store, s.deps.SummaryModel, s.logger))
	}
	s.runners[sessionID] = runner
	return runner
}

func (s *Server) canvas() *Canvas {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvasRef
}

// SetCanvas installs the canvas used for prompt injection.
func (s *Server) SetCanvas(c *Canvas) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canvasRef = c
}

func truncateTitle(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "New session"
	}
	if len(s) > maxTitleChars {
		return s[:maxTitleChars]
	}
	return s
}
