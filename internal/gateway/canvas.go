package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/latentforge/comfyagent/agentloop"
)

// Canvas remembers the last submitted workflow so later turns can refer to
// "the current workflow" without the model rebuilding it from history.
type Canvas struct {
	bus *agentloop.Bus

	mu          sync.RWMutex
	sessionID   string
	promptID    string
	submittedAt time.Time
	nodeCount   int
	nodeTypes   []string
	checkpoint  string
	promptText  string
	width       int
	height      int
}

// NewCanvas creates an empty canvas tracking bus.
func NewCanvas(bus *agentloop.Bus) *Canvas {
	return &Canvas{bus: bus}
}

// Run consumes workflow.submitted events until ctx is done.
func (c *Canvas) Run(ctx context.Context) {
	sub := c.bus.SubscribeAll()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Type == agentloop.EventWorkflowSubmitted {
				c.observe(ev)
			}
		}
	}
}

func (c *Canvas) observe(ev agentloop.Event) {
	workflow, ok := ev.Data["workflow"].(map[string]json.RawMessage)
	if !ok {
		// Events that crossed a JSON boundary carry plain maps.
		if m, isMap := ev.Data["workflow"].(map[string]interface{}); isMap {
			workflow = make(map[string]json.RawMessage, len(m))
			for id, node := range m {
				raw, err := json.Marshal(node)
				if err != nil {
					return
				}
				workflow[id] = raw
			}
		} else {
			return
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionID = ev.SessionID
	c.promptID, _ = ev.Data["prompt_id"].(string)
	c.submittedAt = time.Now()
	c.nodeCount = len(workflow)
	c.nodeTypes = c.nodeTypes[:0]
	c.checkpoint = ""
	c.promptText = ""
	c.width, c.height = 0, 0

	types := map[string]bool{}
	for _, raw := range workflow {
		var node struct {
			ClassType string                     `json:"class_type"`
			Inputs    map[string]json.RawMessage `json:"inputs"`
		}
		if err := json.Unmarshal(raw, &node); err != nil {
			continue
		}
		types[node.ClassType] = true

		if raw, ok := node.Inputs["ckpt_name"]; ok {
			var name string
			if json.Unmarshal(raw, &name) == nil {
				c.checkpoint = name
			}
		}
		if node.ClassType == "CLIPTextEncode" && c.promptText == "" {
			var text string
			if raw, ok := node.Inputs["text"]; ok && json.Unmarshal(raw, &text) == nil {
				c.promptText = text
			}
		}
		if raw, ok := node.Inputs["width"]; ok {
			var w int
			if json.Unmarshal(raw, &w) == nil {
				c.width = w
			}
		}
		if raw, ok := node.Inputs["height"]; ok {
			var h int
			if json.Unmarshal(raw, &h) == nil {
				c.height = h
			}
		}
	}
	for t := range types {
		if t != "" {
			c.nodeTypes = append(c.nodeTypes, t)
		}
	}
	sort.Strings(c.nodeTypes)
}

// Render formats the canvas as a prompt section; empty when nothing has
// been submitted yet.
func (c *Canvas) Render() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.promptID == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("# Current workflow (last submitted)\n")
	fmt.Fprintf(&b, "prompt_id: %s, %d nodes: %s\n", c.promptID, c.nodeCount, strings.Join(c.nodeTypes, ", "))
	if c.checkpoint != "" {
		fmt.Fprintf(&b, "Checkpoint: %s\n", c.checkpoint)
	}
	if c.promptText != "" {
		text := c.promptText
		if len(text) > 200 {
			text = text[:200]
		}
		fmt.Fprintf(&b, "Prompt: %s\n", text)
	}
	if c.width > 0 && c.height > 0 {
		fmt.Fprintf(&b, "Size: %dx%d\n", c.width, c.height)
	}
	return b.String()
}
