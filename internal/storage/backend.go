// Package storage persists session metadata and the per-session append-only
// event log. Implementations must be safe for concurrent use; ordering
// within one session's event log is the caller's responsibility (the event
// log serializes appends per session).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/leash-dev/leash/internal/state"
	"github.com/leash-dev/leash/pkg/event"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// SessionRecord is the durable form of a session. The engine owns the
// in-memory copy; backends only store and retrieve snapshots.
type SessionRecord struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// Name is a short human label, derived from the first prompt.
	Name string `json:"name,omitempty"`
	// State is the session's lifecycle state at last save.
	State state.State `json:"state"`
	// Adapter names the backend driving this session; immutable after creation.
	Adapter string `json:"adapter"`
	// Directory is the working directory the agent operates in.
	Directory string `json:"directory,omitempty"`
	// RunnerHeader is the backend's self-reported title (e.g. tool + version).
	RunnerHeader string `json:"runnerHeader,omitempty"`
	// RunnerSessionID is the backend-side thread/resume identifier.
	RunnerSessionID string `json:"runnerSessionId,omitempty"`
	// ApprovalMode optionally overrides the global approval policy.
	ApprovalMode *int `json:"approvalMode,omitempty"`
	// ExitCode records the last backend exit code, if any.
	ExitCode *int `json:"exitCode,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
}

// Backend abstracts durable session storage.
type Backend interface {
	// SaveSession creates or updates session metadata.
	SaveSession(ctx context.Context, rec *SessionRecord) error

	// LoadSession retrieves session metadata by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	LoadSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// ListSessions returns all stored sessions, most recently active first.
	ListSessions(ctx context.Context) ([]*SessionRecord, error)

	// DeleteSession removes a session and its event log.
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendEvent adds an event to a session's log (append-only).
	AppendEvent(ctx context.Context, sessionID string, ev *event.Event) error

	// ReadEvents retrieves logged events with seq > sinceSeq, in order.
	// A limit of 0 means no limit.
	ReadEvents(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]*event.Event, error)

	// LastSeq returns the highest sequence number in a session's log, or 0.
	LastSeq(ctx context.Context, sessionID string) (int64, error)

	// Close releases any resources held by the backend.
	Close() error
}
