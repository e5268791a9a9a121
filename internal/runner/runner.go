// Package runner defines the adapter protocol between the session engine and
// agent backends. A Runner drives one backend kind (subprocess, direct API
// client, remote sidecar); the engine hands it an Events sink and the runner
// reports everything that happens through it. Runners never touch the event
// log, the state machine, or the store directly.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/leash-dev/leash/internal/permission"
	"github.com/leash-dev/leash/pkg/event"
)

// ErrUnknownAdapter indicates no runner is registered under the given name.
var ErrUnknownAdapter = errors.New("unknown adapter")

// ErrNoActiveTurn indicates a command that needs a live backend turn arrived
// while the runner has none for the session.
var ErrNoActiveTurn = errors.New("no active turn")

// StartOptions carries everything a runner needs to launch a turn.
type StartOptions struct {
	SessionID string
	Directory string
	Prompt    string

	// ApprovalMode selects the permission policy: 0 auto-approves every
	// tool call, higher modes defer to the coordinator.
	ApprovalMode int

	// BackendSessionID resumes a backend-native session when the backend
	// supports it. Empty starts fresh.
	BackendSessionID string
}

// Events is the callback sink a runner reports through. Implementations own
// all engine-side consequences (transitions, log emission, persistence);
// runners only describe what the backend did.
type Events interface {
	// OnOutput reports a fragment of agent output. final marks the turn's
	// last fragment.
	OnOutput(ctx context.Context, sessionID, text string, kind event.OutputKind, final bool)

	// OnHeader reports the backend's announced identity, once per turn.
	OnHeader(ctx context.Context, sessionID string, header event.HeaderPayload)

	// OnMetadata reports usage or cost attribution.
	OnMetadata(ctx context.Context, sessionID string, md event.MetadataPayload)

	// OnHeartbeat reports turn liveness while the backend works.
	OnHeartbeat(ctx context.Context, sessionID string, elapsed float64, done bool)

	// OnError reports a backend failure. The engine drives the session to
	// its error state.
	OnError(ctx context.Context, sessionID, code, message string)

	// OnExit reports turn completion. interrupted is true when the exit was
	// caused by an engine-initiated interrupt rather than the backend
	// finishing on its own.
	OnExit(ctx context.Context, sessionID string, exitCode int, interrupted bool)

	// OnAwaitingInput reports that the backend is idle and wants the next
	// user message.
	OnAwaitingInput(ctx context.Context, sessionID string)

	// OnBackendSession reports the backend-native session ID once known, so
	// the engine can persist it for resume.
	OnBackendSession(ctx context.Context, sessionID, backendSessionID string)

	// OnPermissionRequest registers a tool-approval request and returns a
	// handle the runner waits on. The engine applies the session's approval
	// policy before the handle ever blocks.
	OnPermissionRequest(ctx context.Context, sessionID, requestID, toolName string, toolInput map[string]any) (*permission.Handle, error)
}

// Runner drives one agent backend kind. Implementations are safe for
// concurrent use across sessions.
type Runner interface {
	// Name identifies the adapter, e.g. "subprocess".
	Name() string

	// Start launches a turn for the session and returns once the backend is
	// running; progress arrives through ev.
	Start(ctx context.Context, opts StartOptions, ev Events) error

	// SendInput forwards a user message to the live turn.
	SendInput(ctx context.Context, sessionID, text string) error

	// Stop interrupts the live turn. The runner reports the resulting exit
	// through ev.OnExit with interrupted set.
	Stop(ctx context.Context, sessionID string) error

	// UpdateApprovalMode pushes a new permission policy to the live turn.
	UpdateApprovalMode(ctx context.Context, sessionID string, mode int) error
}

// Error wraps a backend failure with the adapter and operation that hit it.
type Error struct {
	Adapter string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s adapter: %s: %v", e.Adapter, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
