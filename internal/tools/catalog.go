// Package tools registers the agent's tool catalog: grouped ComfyUI
// dispatcher tools plus web search and fetch.
package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/latentforge/comfyagent/agentloop"
	"github.com/latentforge/comfyagent/internal/comfy"
	"github.com/latentforge/comfyagent/internal/knowledge"
	"github.com/latentforge/comfyagent/internal/web"
)

// Deps are the backends the tool catalog dispatches to.
type Deps struct {
	Client   *comfy.Client
	Index    *knowledge.Index
	Probe    *comfy.Probe
	Searcher *web.Searcher
	Fetcher  *web.Fetcher
	Logger   *slog.Logger
}

// RegisterAll registers the full catalog on the registry.
func RegisterAll(registry *agentloop.ToolRegistry, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	registry.Register(discoverTool(deps))
	registry.Register(executeTool(deps))
	registry.Register(monitorTool(deps))
	registry.Register(manageTool(deps))
	registry.Register(webSearchTool(deps))
	registry.Register(webFetchTool(deps))
}

func actionSchema(description string, actions []string, params map[string]interface{}) map[string]interface{} {
	properties := map[string]interface{}{
		"action": map[string]interface{}{
			"type":        "string",
			"enum":        actions,
			"description": description,
		},
	}
	for name, schema := range params {
		properties[name] = schema
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   []interface{}{"action"},
	}
}

// dispatchArgs is the common envelope of the grouped tools.
type dispatchArgs struct {
	Action string `json:"action"`

	Query     string                     `json:"query,omitempty"`
	ClassType string                     `json:"class_type,omitempty"`
	DataType  string                     `json:"data_type,omitempty"`
	Workflow  map[string]json.RawMessage `json:"workflow,omitempty"`

	PromptID string `json:"prompt_id,omitempty"`
	Folder   string `json:"folder,omitempty"`

	Filename     string `json:"filename,omitempty"`
	DataBase64   string `json:"data_base64,omitempty"`
	URL          string `json:"url,omitempty"`
	GitURL       string `json:"git_url,omitempty"`
	UnloadModels bool   `json:"unload_models,omitempty"`
}

func text(s string) (*agentloop.ToolOutput, error) {
	return &agentloop.ToolOutput{Text: s}, nil
}

func jsonText(v interface{}) (*agentloop.ToolOutput, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return text(string(raw))
}

func discoverTool(deps Deps) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name: "comfyui_discover",
			Description: "Explore the backend node catalog. Actions: search_nodes (query), " +
				"get_node_detail (class_type), get_connectable (data_type, e.g. LATENT), " +
				"validate_workflow (workflow in API format). Always validate before queueing.",
			Parameters: actionSchema("Discovery action to run.",
				[]string{"search_nodes", "get_node_detail", "get_connectable", "validate_workflow"},
				map[string]interface{}{
					"query":      map[string]interface{}{"type": "string", "description": "Search terms for search_nodes."},
					"class_type": map[string]interface{}{"type": "string", "description": "Node class for get_node_detail."},
					"data_type":  map[string]interface{}{"type": "string", "description": "Connection type for get_connectable."},
					"workflow":   map[string]interface{}{"type": "object", "description": "API-format workflow graph for validate_workflow."},
				}),
		},
		ReadOnly: true,
		Executor: func(ctx context.Context, raw json.RawMessage) (*agentloop.ToolOutput, error) {
			var args dispatchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			switch args.Action {
			case "search_nodes":
				if args.Query == "" {
					return nil, fmt.Errorf("search_nodes requires query")
				}
				hits := deps.Index.Search(args.Query)
				if len(hits) == 0 {
					return text(fmt.Sprintf("No nodes match %q. Try broader terms or refresh_index.", args.Query))
				}
				var b strings.Builder
				fmt.Fprintf(&b, "Nodes matching %q:\n", args.Query)
				for _, hit := range hits {
					fmt.Fprintf(&b, "- %s (%s) [%s]", hit.Spec.ClassName, hit.Spec.DisplayName, hit.Spec.Category)
					if hit.Spec.Description != "" {
						fmt.Fprintf(&b, ": %s", firstLine(hit.Spec.Description))
					}
					b.WriteString("\n")
				}
				return text(b.String())
			case "get_node_detail":
				if args.ClassType == "" {
					return nil, fmt.Errorf("get_node_detail requires class_type")
				}
				spec, ok := deps.Index.Get(args.ClassType)
				if !ok {
					return text(fmt.Sprintf("Unknown node class %q. Use search_nodes to find the right class.", args.ClassType))
				}
				return text(spec.RenderDetail())
			case "get_connectable":
				if args.DataType == "" {
					return nil, fmt.Errorf("get_connectable requires data_type")
				}
				conn := deps.Index.GetConnectable(args.DataType)
				return jsonText(map[string]interface{}{
					"type":      conn.Type,
					"producers": conn.Producers,
					"consumers": conn.Consumers,
				})
			case "validate_workflow":
				if args.Workflow == nil {
					return nil, fmt.Errorf("validate_workflow requires workflow")
				}
				return text(deps.Index.ValidateWorkflow(args.Workflow).Render())
			default:
				return nil, fmt.Errorf("unknown action %q", args.Action)
			}
		},
	}
}

func executeTool(deps Deps) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name: "comfyui_execute",
			Description: "Run workflows on the backend. Actions: queue_prompt (workflow in API " +
				"format; validate it first), interrupt (stop the current execution).",
			Parameters: actionSchema("Execution action to run.",
				[]string{"queue_prompt", "interrupt"},
				map[string]interface{}{
					"workflow": map[string]interface{}{"type": "object", "description": "API-format workflow graph to queue."},
				}),
		},
		Timeout: 2 * time.Minute,
		Executor: func(ctx context.Context, raw json.RawMessage) (*agentloop.ToolOutput, error) {
			var args dispatchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			switch args.Action {
			case "queue_prompt":
				if args.Workflow == nil {
					return nil, fmt.Errorf("queue_prompt requires workflow")
				}
				if result := deps.Index.ValidateWorkflow(args.Workflow); !result.Valid() {
					return text("Refusing to queue an invalid workflow.\n" + result.Render())
				}
				graph := make(map[string]interface{}, len(args.Workflow))
				for id, node := range args.Workflow {
					graph[id] = node
				}
				result, err := deps.Client.QueuePrompt(ctx, graph)
				if err != nil {
					return nil, err
				}
				return &agentloop.ToolOutput{
					Text: fmt.Sprintf("Workflow queued. prompt_id: %s (queue position %d). "+
						"Progress arrives as comfyui.* events; use comfyui_monitor get_history to fetch outputs.",
						result.PromptID, int(result.Number)),
					Events: []agentloop.SideEvent{{
						Type: agentloop.EventWorkflowSubmitted,
						Data: map[string]interface{}{
							"prompt_id": result.PromptID,
							"workflow":  args.Workflow,
						},
					}},
				}, nil
			case "interrupt":
				if err := deps.Client.Interrupt(ctx); err != nil {
					return nil, err
				}
				return text("Execution interrupted.")
			default:
				return nil, fmt.Errorf("unknown action %q", args.Action)
			}
		},
	}
}

func monitorTool(deps Deps) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name: "comfyui_monitor",
			Description: "Inspect backend state. Actions: system_stats, list_models (folder, " +
				"e.g. checkpoints/loras/vae), get_queue, get_history (optional prompt_id).",
			Parameters: actionSchema("Monitoring action to run.",
				[]string{"system_stats", "list_models", "get_queue", "get_history"},
				map[string]interface{}{
					"folder":    map[string]interface{}{"type": "string", "description": "Model folder for list_models."},
					"prompt_id": map[string]interface{}{"type": "string", "description": "Prompt id for get_history; omit for recent runs."},
				}),
		},
		ReadOnly: true,
		Executor: func(ctx context.Context, raw json.RawMessage) (*agentloop.ToolOutput, error) {
			var args dispatchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			switch args.Action {
			case "system_stats":
				stats, err := deps.Client.SystemStats(ctx)
				if err != nil {
					return nil, err
				}
				return jsonText(stats)
			case "list_models":
				if args.Folder == "" {
					return nil, fmt.Errorf("list_models requires folder")
				}
				models, err := deps.Client.ListModels(ctx, args.Folder)
				if err != nil {
					return nil, err
				}
				if len(models) == 0 {
					return text(fmt.Sprintf("No models installed in %q.", args.Folder))
				}
				return text(fmt.Sprintf("Models in %s:\n%s", args.Folder, strings.Join(models, "\n")))
			case "get_queue":
				queue, err := deps.Client.Queue(ctx)
				if err != nil {
					return nil, err
				}
				return jsonText(queue)
			case "get_history":
				history, err := deps.Client.History(ctx, args.PromptID)
				if err != nil {
					return nil, err
				}
				return jsonText(history)
			default:
				return nil, fmt.Errorf("unknown action %q", args.Action)
			}
		},
	}
}

func manageTool(deps Deps) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name: "comfyui_manage",
			Description: "Manage backend assets. Actions: upload_image (filename + data_base64), " +
				"download_model (url + folder + filename), install_custom_node (git_url), " +
				"free_memory (unload_models), get_folder_paths, refresh_index.",
			Parameters: actionSchema("Management action to run.",
				[]string{"upload_image", "download_model", "install_custom_node",
					"free_memory", "get_folder_paths", "refresh_index"},
				map[string]interface{}{
					"filename":      map[string]interface{}{"type": "string", "description": "Destination filename for upload_image / download_model."},
					"data_base64":   map[string]interface{}{"type": "string", "description": "Base64 image bytes for upload_image."},
					"url":           map[string]interface{}{"type": "string", "description": "Model download URL for download_model."},
					"folder":        map[string]interface{}{"type": "string", "description": "Destination model folder for download_model."},
					"git_url":       map[string]interface{}{"type": "string", "description": "Git repository URL for install_custom_node."},
					"unload_models": map[string]interface{}{"type": "boolean", "description": "Also unload models for free_memory."},
				}),
		},
		Timeout: 5 * time.Minute,
		Executor: func(ctx context.Context, raw json.RawMessage) (*agentloop.ToolOutput, error) {
			var args dispatchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			switch args.Action {
			case "upload_image":
				if args.Filename == "" || args.DataBase64 == "" {
					return nil, fmt.Errorf("upload_image requires filename and data_base64")
				}
				data, err := base64.StdEncoding.DecodeString(args.DataBase64)
				if err != nil {
					return nil, fmt.Errorf("data_base64 is not valid base64: %w", err)
				}
				name, err := deps.Client.UploadImage(ctx, args.Filename, data)
				if err != nil {
					return nil, err
				}
				return text(fmt.Sprintf("Image uploaded as %q; reference it from a LoadImage node.", name))
			case "download_model":
				if args.URL == "" || args.Folder == "" || args.Filename == "" {
					return nil, fmt.Errorf("download_model requires url, folder, and filename")
				}
				if err := deps.Client.InstallModel(ctx, args.URL, args.Folder, args.Filename); err != nil {
					return nil, err
				}
				deps.Probe.Invalidate()
				return text(fmt.Sprintf("Model download queued to %s/%s. Check comfyui_monitor get_queue for progress.",
					args.Folder, args.Filename))
			case "install_custom_node":
				if args.GitURL == "" {
					return nil, fmt.Errorf("install_custom_node requires git_url")
				}
				if err := deps.Client.InstallCustomNode(ctx, args.GitURL); err != nil {
					return nil, err
				}
				return text("Custom node install queued. The backend needs a restart before new nodes appear; " +
					"run refresh_index afterwards.")
			case "free_memory":
				if err := deps.Client.FreeMemory(ctx, args.UnloadModels); err != nil {
					return nil, err
				}
				return text("Backend memory freed.")
			case "get_folder_paths":
				paths, err := deps.Client.FolderPaths(ctx)
				if err != nil {
					return nil, err
				}
				return jsonText(paths)
			case "refresh_index":
				if err := deps.Index.Rebuild(ctx, deps.Client); err != nil {
					return nil, err
				}
				deps.Probe.Invalidate()
				return text(deps.Index.Summary())
			default:
				return nil, fmt.Errorf("unknown action %q", args.Action)
			}
		},
	}
}

func webSearchTool(deps Deps) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "web_search",
			Description: "Search the web for model names, node documentation, and workflow techniques.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{"type": "string", "description": "Search query."},
				},
				"required": []interface{}{"query"},
			},
		},
		ReadOnly: true,
		Executor: func(ctx context.Context, raw json.RawMessage) (*agentloop.ToolOutput, error) {
			var args struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			results, err := deps.Searcher.Search(ctx, args.Query)
			if err != nil {
				return nil, err
			}
			return text(web.FormatResults(args.Query, results))
		},
	}
}

func webFetchTool(deps Deps) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "web_fetch",
			Description: "Fetch a web page as readable text. Use after web_search to read a promising result.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{"type": "string", "description": "URL to fetch."},
				},
				"required": []interface{}{"url"},
			},
		},
		ReadOnly: true,
		Executor: func(ctx context.Context, raw json.RawMessage) (*agentloop.ToolOutput, error) {
			var args struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			content, err := deps.Fetcher.Fetch(ctx, args.URL)
			if err != nil {
				return nil, err
			}
			return text(content)
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
