// Package permission coordinates tool-approval requests between agent
// backends and operators. A backend parks a turn on a pending request; the
// coordinator guarantees each request resolves exactly once, whether by an
// operator decision, the fail-closed timeout, or session teardown.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leash-dev/leash/pkg/event"
	"github.com/leash-dev/leash/pkg/observability"
)

// DefaultTimeout is how long a permission request may stay pending before it
// is denied fail-closed.
const DefaultTimeout = 300 * time.Second

// Resolution sources recorded in the permission_resolved event.
const (
	ResolvedByUser      = "user"
	ResolvedByAuto      = "auto"
	ResolvedByTimeout   = "timeout"
	ResolvedByCancelled = "cancelled"
)

// ErrDuplicateRequest indicates a request ID already pending for the session.
var ErrDuplicateRequest = errors.New("permission request already pending")

// Emitter appends an event to a session's log. Satisfied by *eventlog.Log.
type Emitter interface {
	Emit(ctx context.Context, sessionID string, payload event.Payload) (*event.Event, error)
}

// Decision is the outcome delivered to the waiting backend.
type Decision struct {
	Allowed    bool
	ResolvedBy string
	Message    string
}

// Handle is a backend's wait point for one pending request.
type Handle struct {
	SessionID string
	RequestID string
	ch        chan Decision
}

// Wait blocks until the request resolves or ctx is done. A ctx error denies
// fail-closed; the pending entry is still resolved by timeout or teardown.
func (h *Handle) Wait(ctx context.Context) (Decision, error) {
	select {
	case d := <-h.ch:
		return d, nil
	case <-ctx.Done():
		return Decision{Allowed: false, ResolvedBy: ResolvedByCancelled}, ctx.Err()
	}
}

// Done returns the channel the decision is delivered on.
func (h *Handle) Done() <-chan Decision {
	return h.ch
}

type pending struct {
	handle *Handle
	timer  *time.Timer
}

// Coordinator tracks pending permission requests keyed by session and
// request ID.
type Coordinator struct {
	emitter Emitter
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]map[string]*pending // session ID -> request ID
}

// New creates a coordinator emitting lifecycle events through emitter.
// timeout <= 0 selects DefaultTimeout.
func New(emitter Emitter, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		emitter: emitter,
		timeout: timeout,
		pending: make(map[string]map[string]*pending),
	}
}

// Request registers a pending permission request, emits permission_request,
// and arms the fail-closed timeout. Returns ErrDuplicateRequest when the
// request ID is already pending for the session.
func (c *Coordinator) Request(ctx context.Context, sessionID, requestID, toolName string, toolInput map[string]any) (*Handle, error) {
	h := &Handle{
		SessionID: sessionID,
		RequestID: requestID,
		ch:        make(chan Decision, 1),
	}
	p := &pending{handle: h}

	c.mu.Lock()
	byReq := c.pending[sessionID]
	if byReq == nil {
		byReq = make(map[string]*pending)
		c.pending[sessionID] = byReq
	}
	if _, exists := byReq[requestID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: session=%s request=%s", ErrDuplicateRequest, sessionID, requestID)
	}
	byReq[requestID] = p
	total := c.countLocked()
	c.mu.Unlock()

	observability.SetPendingPermissions(total)

	if _, err := c.emitter.Emit(ctx, sessionID, &event.PermissionRequestPayload{
		RequestID: requestID,
		ToolName:  toolName,
		ToolInput: toolInput,
	}); err != nil {
		c.remove(sessionID, requestID)
		return nil, fmt.Errorf("emit permission request: %w", err)
	}

	p.timer = time.AfterFunc(c.timeout, func() {
		c.complete(context.Background(), sessionID, requestID, Decision{
			Allowed:    false,
			ResolvedBy: ResolvedByTimeout,
			Message:    "permission request timed out",
		})
	})

	return h, nil
}

// Resolve applies an operator decision to a pending request. Returns false
// when no such request is pending, which makes a duplicate resolution a
// harmless no-op.
func (c *Coordinator) Resolve(ctx context.Context, sessionID, requestID string, allowed bool, message string) bool {
	return c.complete(ctx, sessionID, requestID, Decision{
		Allowed:    allowed,
		ResolvedBy: ResolvedByUser,
		Message:    message,
	})
}

// ResolveAs is Resolve with an explicit resolution source, used for
// policy-driven auto approval.
func (c *Coordinator) ResolveAs(ctx context.Context, sessionID, requestID string, allowed bool, resolvedBy, message string) bool {
	return c.complete(ctx, sessionID, requestID, Decision{
		Allowed:    allowed,
		ResolvedBy: resolvedBy,
		Message:    message,
	})
}

// AutoApprove returns an already-resolved allow handle without registering
// the request or emitting any events. Policy-approved tools never surface
// to operators, so there is nothing for them to see or resolve.
func (c *Coordinator) AutoApprove(sessionID, requestID string) *Handle {
	h := &Handle{
		SessionID: sessionID,
		RequestID: requestID,
		ch:        make(chan Decision, 1),
	}
	h.ch <- Decision{Allowed: true, ResolvedBy: ResolvedByAuto, Message: "auto-approved"}
	observability.RecordPermissionResolution(ResolvedByAuto)
	return h
}

// AutoApproveSession allows every request already pending for a session,
// used when the session switches to approval mode 0. These requests were
// surfaced to operators, so each still emits permission_resolved.
func (c *Coordinator) AutoApproveSession(ctx context.Context, sessionID string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending[sessionID]))
	for id := range c.pending[sessionID] {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.ResolveAs(ctx, sessionID, id, true, ResolvedByAuto, "auto-approved")
	}
}

// CancelSession denies every pending request for a session, e.g. on stop or
// delete. Each is resolved with resolved_by "cancelled".
func (c *Coordinator) CancelSession(ctx context.Context, sessionID string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending[sessionID]))
	for id := range c.pending[sessionID] {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.complete(ctx, sessionID, id, Decision{
			Allowed:    false,
			ResolvedBy: ResolvedByCancelled,
			Message:    "session stopped",
		})
	}
}

// PendingCount returns the number of pending requests for a session.
func (c *Coordinator) PendingCount(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[sessionID])
}

// complete removes the pending entry, delivers the decision, and emits
// permission_resolved. Removal under the lock is what makes resolution
// exactly-once: whichever path gets here first wins, every later path
// no-ops.
func (c *Coordinator) complete(ctx context.Context, sessionID, requestID string, d Decision) bool {
	c.mu.Lock()
	byReq := c.pending[sessionID]
	p, ok := byReq[requestID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(byReq, requestID)
	if len(byReq) == 0 {
		delete(c.pending, sessionID)
	}
	total := c.countLocked()
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.handle.ch <- d

	// The decision already reached the backend; the resolution event is
	// best-effort at this point.
	_, _ = c.emitter.Emit(ctx, sessionID, &event.PermissionResolvedPayload{
		RequestID:  requestID,
		ResolvedBy: d.ResolvedBy,
		Allowed:    d.Allowed,
		Message:    d.Message,
	})

	observability.RecordPermissionResolution(d.ResolvedBy)
	observability.SetPendingPermissions(total)
	return true
}

// remove drops a pending entry without delivering a decision. Used when the
// request event itself failed to persist.
func (c *Coordinator) remove(sessionID, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byReq := c.pending[sessionID]
	delete(byReq, requestID)
	if len(byReq) == 0 {
		delete(c.pending, sessionID)
	}
}

func (c *Coordinator) countLocked() int {
	n := 0
	for _, byReq := range c.pending {
		n += len(byReq)
	}
	return n
}
