package comfy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ProbeTTL is how long a probe snapshot stays fresh.
const ProbeTTL = 300 * time.Second

// Snapshot is one probe of the backend environment. Sections fail
// independently; a dead section records its error and the rest stand.
type Snapshot struct {
	TakenAt time.Time

	Version     string
	Devices     []DeviceInfo
	Checkpoints []string
	QueueDepth  int

	// SectionErrors maps a failed section name to its error text.
	SectionErrors map[string]string
}

// DeviceInfo describes one compute device reported by the backend.
type DeviceInfo struct {
	Name         string
	Type         string
	VRAMTotal    int64
	VRAMFree     int64
	TorchVRAMMax int64
}

// Probe snapshots the backend environment on demand, caching results so
// prompt assembly does not hammer the backend on every turn.
type Probe struct {
	client *Client
	logger *slog.Logger
	ttl    time.Duration

	mu     sync.Mutex
	cached *Snapshot
}

// NewProbe creates a probe over client.
func NewProbe(client *Client, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{client: client, logger: logger, ttl: ProbeTTL}
}

// SetTTL overrides the cache lifetime.
func (p *Probe) SetTTL(ttl time.Duration) { p.ttl = ttl }

// Snapshot returns a fresh-enough snapshot, probing the backend when the
// cache has expired.
func (p *Probe) Snapshot(ctx context.Context) *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && time.Since(p.cached.TakenAt) < p.ttl {
		return p.cached
	}
	p.cached = p.take(ctx)
	return p.cached
}

// Invalidate drops the cached snapshot.
func (p *Probe) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *Probe) take(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		TakenAt:       time.Now(),
		SectionErrors: make(map[string]string),
	}

	if stats, err := p.client.SystemStats(ctx); err != nil {
		snap.SectionErrors["system"] = err.Error()
		p.logger.Warn("probe section failed", "section", "system", "error", err)
	} else {
		p.fillSystem(snap, stats)
	}

	if models, err := p.client.ListModels(ctx, "checkpoints"); err != nil {
		snap.SectionErrors["checkpoints"] = err.Error()
		p.logger.Warn("probe section failed", "section", "checkpoints", "error", err)
	} else {
		snap.Checkpoints = models
	}

	if queue, err := p.client.Queue(ctx); err != nil {
		snap.SectionErrors["queue"] = err.Error()
		p.logger.Warn("probe section failed", "section", "queue", "error", err)
	} else {
		snap.QueueDepth = queueDepth(queue)
	}

	return snap
}

func (p *Probe) fillSystem(snap *Snapshot, stats map[string]interface{}) {
	if system, ok := stats["system"].(map[string]interface{}); ok {
		if v, ok := system["comfyui_version"].(string); ok {
			snap.Version = v
		}
	}
	devices, ok := stats["devices"].([]interface{})
	if !ok {
		return
	}
	for _, d := range devices {
		dev, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		snap.Devices = append(snap.Devices, DeviceInfo{
			Name:         str(dev["name"]),
			Type:         str(dev["type"]),
			VRAMTotal:    i64(dev["vram_total"]),
			VRAMFree:     i64(dev["vram_free"]),
			TorchVRAMMax: i64(dev["torch_vram_total"]),
		})
	}
}

func queueDepth(queue map[string]interface{}) int {
	depth := 0
	for _, key := range []string{"queue_running", "queue_pending"} {
		if entries, ok := queue[key].([]interface{}); ok {
			depth += len(entries)
		}
	}
	return depth
}

// Render formats the snapshot as a prompt section.
func (s *Snapshot) Render() string {
	var b strings.Builder
	b.WriteString("# Backend environment\n")
	if s.Version != "" {
		fmt.Fprintf(&b, "ComfyUI version: %s\n", s.Version)
	}
	for _, d := range s.Devices {
		fmt.Fprintf(&b, "Device: %s (%s), VRAM %s free of %s\n",
			d.Name, d.Type, formatBytes(d.VRAMFree), formatBytes(d.VRAMTotal))
	}
	if len(s.Checkpoints) > 0 {
		limit := len(s.Checkpoints)
		if limit > 20 {
			limit = 20
		}
		fmt.Fprintf(&b, "Installed checkpoints (%d): %s\n",
			len(s.Checkpoints), strings.Join(s.Checkpoints[:limit], ", "))
	}
	fmt.Fprintf(&b, "Queue depth: %d\n", s.QueueDepth)
	for section, errText := range s.SectionErrors {
		fmt.Fprintf(&b, "Note: could not probe %s (%s)\n", section, errText)
	}
	return b.String()
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.0fMB", float64(n)/(1<<20))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func i64(v interface{}) int64 {
	f, _ := v.(float64)
	return int64(f)
}
