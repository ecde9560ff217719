package agentloop

import (
	"context"
	"time"
)

// SessionStatus is the lifecycle state of a persisted session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// SessionMeta is the persisted metadata of a session.
type SessionMeta struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Status           SessionStatus `json:"status"`
	ParentSessionID  string        `json:"parent_session_id,omitempty"`
	SummaryMessageID int64         `json:"summary_message_id,omitempty"`
	InputTokens      int64         `json:"input_tokens"`
	OutputTokens     int64         `json:"output_tokens"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Store persists sessions and their append-only message history.
type Store interface {
	CreateSession(ctx context.Context, meta SessionMeta) error
	GetSession(ctx context.Context, id string) (*SessionMeta, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error
	UpdateSessionTitle(ctx context.Context, id string, title string) error

	// AppendMessage persists a message and returns its assigned id.
	AppendMessage(ctx context.Context, sessionID string, msg Message) (int64, error)

	// Messages returns the session history in order, starting from the
	// summary checkpoint when one is set.
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	// SetSummaryCheckpoint marks a message as the start of the live
	// context window. Earlier messages stay on disk but are no longer
	// loaded into the model context.
	SetSummaryCheckpoint(ctx context.Context, sessionID string, messageID int64) error

	// AddUsage accumulates token counters on the session.
	AddUsage(ctx context.Context, sessionID string, inputTokens, outputTokens int) error
}
