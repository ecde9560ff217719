package agentloop

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/latentforge/comfyagent/unifiedllm"
)

// PromptTokenBudget caps the assembled system prompt. Lowest-priority
// sections are dropped first when the budget is exceeded.
const PromptTokenBudget = 12000

// Well-known section names. Dynamic sections (environment, canvas,
// experiences) are refreshed by their owners between turns.
const (
	SectionIdentity    = "identity"
	SectionStrategy    = "workflow_strategy"
	SectionRules       = "rules"
	SectionEnvironment = "environment"
	SectionCanvas      = "canvas"
	SectionExperiences = "experiences"
)

const identityText = `You are a workflow assistant for a node-graph image generation backend (ComfyUI). You help the operator discover available nodes, design workflows, execute them, and diagnose failures. You speak plainly, confirm destructive actions, and report results including errors honestly.`

const strategyText = `## Building workflows

Follow this procedure every time you build a workflow:
1. Clarify what the operator wants to generate, including resolution, style, and any required models.
2. Discover the relevant nodes with comfyui_discover before assuming they exist. Never invent node class names.
3. Check which checkpoints, VAEs, and LoRAs are actually installed.
4. Plan the graph in link notation first: NodeA.OUTPUT -> NodeB.input, one link per line.
5. Validate every node's required inputs are connected or given literal values.
6. Write the workflow in API format and check it with comfyui_discover validate_workflow.
7. Queue it with comfyui_execute and monitor progress.
8. Report the outcome, including the prompt id and any produced images.

When a workflow fails, read the backend error before retrying. Fix the specific node or input it names.`

const rulesText = `## Rules

- Use tools to inspect real state; do not guess node schemas or model filenames.
- One workflow change at a time; re-validate after each change.
- If the backend is unreachable, say so and stop; do not fabricate results.
- Delegate open-ended research to delegate_task instead of spending your own steps.`

// PromptSection is one named, priority-ordered piece of the system prompt.
// Higher priority survives budget pressure longer.
type PromptSection struct {
	Name     string
	Priority int
	Content  string

	// Optional marks sections the intent pre-analyzer may drop for
	// requests that do not need them.
	Optional bool
}

// PromptBuilder assembles the system prompt from prioritized sections
// under a token budget.
type PromptBuilder struct {
	sections map[string]PromptSection
	analyzer *IntentAnalyzer
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewPromptBuilder creates a builder seeded with the static sections.
func NewPromptBuilder(logger *slog.Logger) *PromptBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &PromptBuilder{
		sections: make(map[string]PromptSection),
		logger:   logger,
	}
	b.SetSection(PromptSection{Name: SectionIdentity, Priority: 100, Content: identityText})
	b.SetSection(PromptSection{Name: SectionStrategy, Priority: 90, Content: strategyText})
	b.SetSection(PromptSection{Name: SectionRules, Priority: 80, Content: rulesText})
	return b
}

// SetAnalyzer installs an intent pre-analyzer used to filter optional
// sections per request.
func (b *PromptBuilder) SetAnalyzer(a *IntentAnalyzer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.analyzer = a
}

// SetSection adds or replaces a section.
func (b *PromptBuilder) SetSection(s PromptSection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.Content == "" {
		delete(b.sections, s.Name)
		return
	}
	b.sections[s.Name] = s
}

// RemoveSection deletes a section.
func (b *PromptBuilder) RemoveSection(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sections, name)
}

// SystemPrompt implements PromptSource: it assembles the prompt for one
// request, consulting the intent analyzer when one is installed.
func (b *PromptBuilder) SystemPrompt(ctx context.Context, userInput string) string {
	b.mu.RLock()
	analyzer := b.analyzer
	sections := make([]PromptSection, 0, len(b.sections))
	for _, s := range b.sections {
		sections = append(sections, s)
	}
	b.mu.RUnlock()

	if analyzer != nil && userInput != "" {
		intent := analyzer.Analyze(ctx, userInput)
		sections = filterSections(sections, intent)
	}

	// Highest priority first; stable order for equal priorities.
	sort.SliceStable(sections, func(i, j int) bool {
		if sections[i].Priority != sections[j].Priority {
			return sections[i].Priority > sections[j].Priority
		}
		return sections[i].Name < sections[j].Name
	})

	var parts []string
	used := 0
	for _, s := range sections {
		cost := len(s.Content) / CharsPerToken
		if used+cost > PromptTokenBudget {
			b.logger.Debug("prompt section dropped over budget", "section", s.Name)
			continue
		}
		used += cost
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, "\n\n")
}

func filterSections(sections []PromptSection, intent IntentAnalysis) []PromptSection {
	wanted := make(map[string]bool, len(intent.Sections))
	for _, name := range intent.Sections {
		wanted[name] = true
	}
	out := sections[:0]
	for _, s := range sections {
		if s.Optional && !wanted[s.Name] {
			continue
		}
		if s.Name == SectionEnvironment && !intent.EnvNeeded && s.Optional {
			continue
		}
		out = append(out, s)
	}
	return out
}

// IntentAnalysis is the pre-analyzer's classification of a user request.
type IntentAnalysis struct {
	Topics    []string `json:"topics"`
	EnvNeeded bool     `json:"env_needed"`
	Sections  []string `json:"sections"`
}

// failOpenIntent keeps every section when classification fails.
func failOpenIntent() IntentAnalysis {
	return IntentAnalysis{
		EnvNeeded: true,
		Sections: []string{
			SectionIdentity, SectionStrategy, SectionRules,
			SectionEnvironment, SectionCanvas, SectionExperiences,
		},
	}
}

const intentPrompt = `Classify the user request for a workflow assistant. Respond with only a JSON object:
{"topics": ["..."], "env_needed": true|false, "sections": ["environment","canvas","experiences"]}
env_needed: does answering require knowing the backend's installed models or GPU state?
sections: which optional context sections are useful for this request.`

// IntentAnalyzer runs a single compact model classification per request to
// decide which optional prompt sections to include. It fails open: any
// error keeps all sections.
type IntentAnalyzer struct {
	client ModelClient
	model  string
	logger *slog.Logger
}

// NewIntentAnalyzer creates an analyzer using the given (typically small)
// model.
func NewIntentAnalyzer(client ModelClient, model string, logger *slog.Logger) *IntentAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentAnalyzer{client: client, model: model, logger: logger}
}

// Analyze classifies one user input.
func (a *IntentAnalyzer) Analyze(ctx context.Context, userInput string) IntentAnalysis {
	maxTokens := 300
	resp, err := a.client.Complete(ctx, unifiedllm.Request{
		Model: a.model,
		Messages: []unifiedllm.Message{
			unifiedllm.SystemMessage(intentPrompt),
			unifiedllm.UserMessage(userInput),
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		a.logger.Debug("intent analysis failed, keeping all sections", "error", err)
		return failOpenIntent()
	}

	text := strings.TrimSpace(resp.Text())
	// Tolerate fenced output.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var intent IntentAnalysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &intent); err != nil {
		a.logger.Debug("intent analysis unparseable, keeping all sections", "error", err)
		return failOpenIntent()
	}
	return intent
}
