package comfy

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/latentforge/comfyagent/agentloop"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Listener maintains the backend progress WebSocket and republishes its
// frames as bus events. Execution events carry no session affinity on the
// wire, so they are published to every subscriber.
type Listener struct {
	client *Client
	bus    *agentloop.Bus
	logger *slog.Logger

	dialer func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewListener creates a listener publishing to bus.
func NewListener(client *Client, bus *agentloop.Bus, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		client: client,
		bus:    bus,
		logger: logger,
		dialer: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, nil)
			return conn, err
		},
	}
}

// Run connects to the backend socket and pumps frames until ctx is done,
// reconnecting with capped backoff after any failure.
func (l *Listener) Run(ctx context.Context) {
	wsURL := l.socketURL()
	delay := reconnectBase

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := l.dialer(ctx, wsURL)
		if err != nil {
			l.logger.Warn("backend socket dial failed", "url", wsURL, "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMax)
			continue
		}

		l.logger.Info("backend socket connected", "url", wsURL)
		delay = reconnectBase
		l.pump(ctx, conn)
		conn.CloseNow()

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBase):
		}
	}
}

func (l *Listener) socketURL() string {
	base := l.client.BaseURL()
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return fmt.Sprintf("%s/ws?clientId=%s", base, l.client.ClientID())
}

func (l *Listener) pump(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("backend socket read failed", "error", err)
			}
			return
		}
		switch msgType {
		case websocket.MessageText:
			l.handleFrame(data)
		case websocket.MessageBinary:
			l.handleBinary(data)
		}
	}
}

// backendFrame is the JSON envelope the backend sends on its socket.
type backendFrame struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func (l *Listener) handleFrame(raw []byte) {
	var frame backendFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		l.logger.Debug("unparseable backend frame", "error", err)
		return
	}

	switch frame.Type {
	case "progress":
		l.publish(agentloop.EventComfyProgress, map[string]interface{}{
			"value":     frame.Data["value"],
			"max":       frame.Data["max"],
			"prompt_id": frame.Data["prompt_id"],
			"node":      frame.Data["node"],
		})
	case "executing":
		// node == nil marks prompt completion in the backend protocol.
		l.publish(agentloop.EventComfyExecuting, map[string]interface{}{
			"node":      frame.Data["node"],
			"prompt_id": frame.Data["prompt_id"],
		})
	case "executed":
		l.publish(agentloop.EventComfyExecuted, map[string]interface{}{
			"node":      frame.Data["node"],
			"prompt_id": frame.Data["prompt_id"],
			"output":    frame.Data["output"],
		})
	case "execution_error":
		l.publish(agentloop.EventComfyExecutionError, map[string]interface{}{
			"node":           frame.Data["node_id"],
			"node_type":      frame.Data["node_type"],
			"prompt_id":      frame.Data["prompt_id"],
			"error":          frame.Data["exception_message"],
			"exception_type": frame.Data["exception_type"],
		})
	case "status":
		l.publish(agentloop.EventComfyStatus, map[string]interface{}{
			"queue_remaining": queueRemaining(frame.Data),
		})
	default:
		// crystools, manager, and other extensions chatter on this
		// socket; ignore what we don't model.
	}
}

func queueRemaining(data map[string]interface{}) interface{} {
	status, ok := data["status"].(map[string]interface{})
	if !ok {
		return nil
	}
	execInfo, ok := status["exec_info"].(map[string]interface{})
	if !ok {
		return nil
	}
	return execInfo["queue_remaining"]
}

// handleBinary summarizes preview frames instead of forwarding megabytes
// of pixels through the bus. Layout: 4-byte event type, 4-byte image
// format, then the image bytes.
func (l *Listener) handleBinary(data []byte) {
	if len(data) < 8 {
		return
	}
	format := "jpeg"
	if binary.BigEndian.Uint32(data[4:8]) == 2 {
		format = "png"
	}
	l.publish(agentloop.EventComfyPreview, map[string]interface{}{
		"format":     format,
		"size_bytes": len(data) - 8,
	})
}

func (l *Listener) publish(eventType agentloop.EventType, data map[string]interface{}) {
	l.bus.Broadcast(eventType, data)
}
