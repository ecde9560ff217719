// Package experience distills finished turns into reusable lessons,
// stored as Gherkin feature files and fed back into the system prompt.
package experience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/latentforge/comfyagent/agentloop"
	"github.com/latentforge/comfyagent/unifiedllm"
)

// SaveCooldown is the minimum gap between two synthesized experiences.
const SaveCooldown = 120 * time.Second

const minToolCallsForLesson = 5

const reflectionPrompt = `You observed a conversation between an operator and a workflow agent driving a node-graph image backend. Distill ONE reusable lesson from it as a Gherkin feature.

Respond with JSON only:
{"title": "short lesson title", "feature": "Feature: ...\n  Scenario: ...\n    Given ...\n    When ...\n    Then ..."}

The lesson must be general enough to apply to future sessions (node choices, error recovery, validation habits), not a restatement of this session's request. If nothing generalizes, respond {"title": "", "feature": ""}.`

// turnStats accumulates the signals that decide whether a turn taught us
// anything.
type turnStats struct {
	toolCalls      int
	toolFailures   int
	workflowsRun   int
	backendErrors  int
	userMessages   []string
	assistantTexts []string
	toolNames      []string
}

// correctionRe spots the operator pushing back on the agent.
var correctionRe = regexp.MustCompile(`(?i)\b(no[,.]|not that|wrong|instead|actually|that's not|didn't work|still fail)`)

func (s *turnStats) corrections() int {
	if len(s.userMessages) < 2 {
		return 0
	}
	n := 0
	for _, msg := range s.userMessages[1:] {
		if correctionRe.MatchString(msg) {
			n++
		}
	}
	return n
}

// worthwhile reports whether the turn is worth a reflection call.
func (s *turnStats) worthwhile() bool {
	if s.workflowsRun > 0 {
		return true
	}
	if s.corrections() > 0 {
		return true
	}
	// Backend errors the agent worked past.
	if s.backendErrors > 0 && s.toolCalls > s.toolFailures {
		return true
	}
	return s.toolCalls >= minToolCallsForLesson
}

// Synthesizer watches the event bus and writes lessons to disk.
type Synthesizer struct {
	client agentloop.ModelClient
	bus    *agentloop.Bus
	dir    string
	model  string
	logger *slog.Logger

	cooldown time.Duration

	mu       sync.Mutex
	sessions map[string]*turnStats
	lastSave time.Time
}

// NewSynthesizer creates a synthesizer writing feature files under dir.
func NewSynthesizer(client agentloop.ModelClient, bus *agentloop.Bus, dir, model string, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		client:   client,
		bus:      bus,
		dir:      dir,
		model:    model,
		logger:   logger,
		cooldown: SaveCooldown,
		sessions: make(map[string]*turnStats),
	}
}

// SetCooldown overrides the save cooldown.
func (s *Synthesizer) SetCooldown(d time.Duration) { s.cooldown = d }

// Run consumes bus events until ctx is done.
func (s *Synthesizer) Run(ctx context.Context) {
	sub := s.bus.SubscribeAll()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.observe(ctx, ev)
		}
	}
}

func (s *Synthesizer) observe(ctx context.Context, ev agentloop.Event) {
	if ev.SessionID == "" {
		if ev.Type == agentloop.EventComfyExecutionError {
			// Backend errors are broadcast; charge them to every live turn.
			s.mu.Lock()
			for _, stats := range s.sessions {
				stats.backendErrors++
			}
			s.mu.Unlock()
		}
		return
	}

	s.mu.Lock()
	stats, ok := s.sessions[ev.SessionID]
	if !ok {
		stats = &turnStats{}
		s.sessions[ev.SessionID] = stats
	}

	switch ev.Type {
	case agentloop.EventMessageUser:
		if content, ok := ev.Data["content"].(string); ok {
			stats.userMessages = append(stats.userMessages, content)
		}
	case agentloop.EventMessageAssistant:
		if content, ok := ev.Data["content"].(string); ok && content != "" {
			stats.assistantTexts = append(stats.assistantTexts, content)
		}
	case agentloop.EventStateToolExecuting:
		stats.toolCalls++
		if name, ok := ev.Data["tool_name"].(string); ok {
			stats.toolNames = append(stats.toolNames, name)
		}
	case agentloop.EventStateToolFailed:
		stats.toolFailures++
	case agentloop.EventWorkflowSubmitted:
		stats.workflowsRun++
	case agentloop.EventStateConversationEnd:
		delete(s.sessions, ev.SessionID)
		s.mu.Unlock()
		s.reflect(ctx, ev.SessionID, stats)
		return
	}
	s.mu.Unlock()
}

func (s *Synthesizer) reflect(ctx context.Context, sessionID string, stats *turnStats) {
	if !stats.worthwhile() {
		return
	}
	s.mu.Lock()
	if time.Since(s.lastSave) < s.cooldown {
		s.mu.Unlock()
		s.logger.Debug("experience synthesis skipped by cooldown", "session_id", sessionID)
		return
	}
	s.lastSave = time.Now()
	s.mu.Unlock()

	title, feature, err := s.distill(ctx, stats)
	if err != nil {
		s.logger.Warn("experience synthesis failed", "session_id", sessionID, "error", err)
		return
	}
	if title == "" || feature == "" {
		return
	}

	name := slugify(title)
	if err := s.save(name, feature); err != nil {
		s.logger.Warn("experience save failed", "name", name, "error", err)
		return
	}
	s.logger.Info("experience synthesized", "name", name, "title", title)
	s.bus.Publish(sessionID, agentloop.EventExperienceSynthesized, map[string]interface{}{
		"name":  name,
		"title": title,
	})
}

func (s *Synthesizer) distill(ctx context.Context, stats *turnStats) (title, feature string, err error) {
	resp, err := s.client.Complete(ctx, unifiedllm.Request{
		Model: s.model,
		Messages: []unifiedllm.Message{
			unifiedllm.UserMessage(reflectionPrompt + "\n\n" + stats.render()),
		},
		MaxTokens: intPtr(1024),
	})
	if err != nil {
		return "", "", err
	}

	raw := strings.TrimSpace(resp.Text())
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var lesson struct {
		Title   string `json:"title"`
		Feature string `json:"feature"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &lesson); err != nil {
		return "", "", fmt.Errorf("unparseable reflection: %w", err)
	}
	return strings.TrimSpace(lesson.Title), strings.TrimSpace(lesson.Feature), nil
}

func (s *turnStats) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool calls: %d (%d failed). Workflows submitted: %d. Backend errors: %d. Operator corrections: %d.\n",
		s.toolCalls, s.toolFailures, s.workflowsRun, s.backendErrors, s.corrections())
	if len(s.toolNames) > 0 {
		fmt.Fprintf(&b, "Tools used: %s\n", strings.Join(s.toolNames, ", "))
	}
	for _, msg := range s.userMessages {
		fmt.Fprintf(&b, "Operator: %s\n", firstChars(msg, 400))
	}
	for _, msg := range s.assistantTexts {
		fmt.Fprintf(&b, "Agent: %s\n", firstChars(msg, 400))
	}
	return b.String()
}

func (s *Synthesizer) save(name, feature string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	if !strings.HasSuffix(feature, "\n") {
		feature += "\n"
	}
	return os.WriteFile(filepath.Join(s.dir, name+".feature"), []byte(feature), 0o644)
}

// Load reads all stored feature files, newest last, rendered as one prompt
// section.
func Load(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	type lesson struct {
		name    string
		modTime time.Time
		body    string
	}
	var lessons []lesson
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".feature") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		lessons = append(lessons, lesson{
			name:    strings.TrimSuffix(entry.Name(), ".feature"),
			modTime: info.ModTime(),
			body:    strings.TrimSpace(string(body)),
		})
	}
	if len(lessons) == 0 {
		return "", nil
	}
	sort.Slice(lessons, func(i, j int) bool { return lessons[i].modTime.Before(lessons[j].modTime) })

	var b strings.Builder
	b.WriteString("## Lessons from past sessions\n")
	for _, l := range lessons {
		b.WriteString("\n")
		b.WriteString(l.body)
		b.WriteString("\n")
	}
	return b.String(), nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = fmt.Sprintf("lesson-%d", time.Now().Unix())
	}
	if len(slug) > 64 {
		slug = slug[:64]
	}
	return slug
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func intPtr(n int) *int { return &n }
