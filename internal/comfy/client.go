// Package comfy talks to a ComfyUI backend: REST calls, the progress
// WebSocket, and a cached environment probe.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Client is a ComfyUI REST client. A single client id identifies this
// agent to the backend for both submissions and the progress socket.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  baseURL,
		clientID: uuid.NewString(),
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

// ClientID returns the id used for prompt submission and the progress
// socket.
func (c *Client) ClientID() string { return c.clientID }

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// SystemStats fetches backend version, device, and memory information.
func (c *Client) SystemStats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	if err := c.getJSON(ctx, "/api/system_stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Health reports whether the backend answers system_stats.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.SystemStats(ctx)
	return err
}

// ObjectInfo fetches the full node catalog: class name to node schema.
func (c *Client) ObjectInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	var info map[string]json.RawMessage
	if err := c.getJSON(ctx, "/api/object_info", &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Queue fetches the running and pending queue entries.
func (c *Client) Queue(ctx context.Context) (map[string]interface{}, error) {
	var queue map[string]interface{}
	if err := c.getJSON(ctx, "/api/queue", &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

// History fetches execution history; id may be empty for the full list.
func (c *Client) History(ctx context.Context, promptID string) (map[string]interface{}, error) {
	path := "/api/history"
	if promptID != "" {
		path += "/" + url.PathEscape(promptID)
	}
	var history map[string]interface{}
	if err := c.getJSON(ctx, path, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// QueueResult is the backend's answer to a prompt submission.
type QueueResult struct {
	PromptID   string                 `json:"prompt_id"`
	Number     float64                `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

// QueuePrompt submits a workflow graph for execution.
func (c *Client) QueuePrompt(ctx context.Context, workflow map[string]interface{}) (*QueueResult, error) {
	body := map[string]interface{}{
		"prompt":    workflow,
		"client_id": c.clientID,
	}
	var result QueueResult
	if err := c.postJSON(ctx, "/api/prompt", body, &result); err != nil {
		return nil, err
	}
	if len(result.NodeErrors) > 0 {
		raw, _ := json.Marshal(result.NodeErrors)
		return &result, fmt.Errorf("backend rejected nodes: %s", raw)
	}
	return &result, nil
}

// Interrupt stops the currently executing workflow.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.postJSON(ctx, "/api/interrupt", nil, nil)
}

// ListModels lists installed model files in a folder (checkpoints, loras,
// vae, ...).
func (c *Client) ListModels(ctx context.Context, folder string) ([]string, error) {
	var models []string
	if err := c.getJSON(ctx, "/api/models/"+url.PathEscape(folder), &models); err != nil {
		return nil, err
	}
	return models, nil
}

// UploadImage uploads an image for use as a workflow input. Returns the
// stored filename.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload/image", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var result struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := c.do(req, &result); err != nil {
		return "", err
	}
	if result.Subfolder != "" {
		return result.Subfolder + "/" + result.Name, nil
	}
	return result.Name, nil
}

// View downloads a produced file (image output or preview).
func (c *Client) View(ctx context.Context, filename, subfolder, fileType string) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", filename)
	if subfolder != "" {
		q.Set("subfolder", subfolder)
	}
	if fileType != "" {
		q.Set("type", fileType)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend view: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend view: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 50<<20))
}

// FreeMemory asks the backend to release model and cache memory.
func (c *Client) FreeMemory(ctx context.Context, unloadModels bool) error {
	body := map[string]interface{}{
		"unload_models": unloadModels,
		"free_memory":   true,
	}
	return c.postJSON(ctx, "/api/free", body, nil)
}

// FolderPaths fetches the backend's model folder layout.
func (c *Client) FolderPaths(ctx context.Context) (map[string]interface{}, error) {
	var paths map[string]interface{}
	if err := c.getJSON(ctx, "/internal/folder_paths", &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

// InstallModel queues a model download through the Manager extension.
func (c *Client) InstallModel(ctx context.Context, modelURL, folder, filename string) error {
	body := map[string]interface{}{
		"url":      modelURL,
		"save_to":  folder,
		"filename": filename,
	}
	return c.postJSON(ctx, "/api/manager/queue/install_model", body, nil)
}

// InstallCustomNode queues a custom node install from a git URL through
// the Manager extension.
func (c *Client) InstallCustomNode(ctx context.Context, gitURL string) error {
	body := map[string]interface{}{
		"url":  gitURL,
		"mode": "url",
	}
	return c.postJSON(ctx, "/api/manager/queue/install", body, nil)
}

// ListCustomNodes fetches the Manager's custom node list.
func (c *Client) ListCustomNodes(ctx context.Context) (map[string]interface{}, error) {
	var list map[string]interface{}
	if err := c.getJSON(ctx, "/api/manager/customnode/getlist", &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Reboot restarts the backend through the Manager extension.
func (c *Client) Reboot(ctx context.Context) error {
	return c.getJSON(ctx, "/api/manager/reboot", nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(detail))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend %s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
