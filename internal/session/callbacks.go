package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/leash-dev/leash/internal/permission"
	"github.com/leash-dev/leash/internal/state"
	"github.com/leash-dev/leash/pkg/event"
	"github.com/leash-dev/leash/pkg/observability"
)

// callbackSink translates runner callbacks into engine consequences: log
// emission, state transitions, and persistence. One sink serves every
// session; callbacks carry the session ID.
type callbackSink struct {
	store *Store

	mu        sync.Mutex
	lastTouch map[string]time.Time
}

// touch refreshes the session's last-activity timestamp, throttled so a
// chatty turn does not turn every output fragment into a backend write.
func (c *callbackSink) touch(ctx context.Context, sessionID string) {
	c.mu.Lock()
	if c.lastTouch == nil {
		c.lastTouch = make(map[string]time.Time)
	}
	if time.Since(c.lastTouch[sessionID]) < 5*time.Second {
		c.mu.Unlock()
		return
	}
	c.lastTouch[sessionID] = time.Now()
	c.mu.Unlock()

	l := c.store.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	rec, err := c.store.backend.LoadSession(ctx, sessionID)
	if err != nil {
		return
	}
	rec.LastActivityAt = time.Now().UTC()
	if err := c.store.backend.SaveSession(ctx, rec); err != nil {
		log.Printf("session %s: touch: %v", sessionID, err)
	}
}

func (c *callbackSink) OnOutput(ctx context.Context, sessionID, text string, kind event.OutputKind, final bool) {
	if !final && !c.store.log.ShouldEmitOutput(sessionID, text) {
		return
	}
	if _, err := c.store.log.Emit(ctx, sessionID, &event.OutputPayload{
		Stream: "agent",
		Text:   text,
		Kind:   kind,
		Final:  final,
	}); err != nil {
		log.Printf("session %s: emit output: %v", sessionID, err)
	}
	c.touch(ctx, sessionID)
}

func (c *callbackSink) OnHeader(ctx context.Context, sessionID string, header event.HeaderPayload) {
	if _, err := c.store.log.Emit(ctx, sessionID, &header); err != nil {
		log.Printf("session %s: emit header: %v", sessionID, err)
	}

	l := c.store.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	rec, err := c.store.backend.LoadSession(ctx, sessionID)
	if err != nil {
		return
	}
	rec.RunnerHeader = header.Title
	if err := c.store.backend.SaveSession(ctx, rec); err != nil {
		log.Printf("session %s: save header: %v", sessionID, err)
	}
}

func (c *callbackSink) OnMetadata(ctx context.Context, sessionID string, md event.MetadataPayload) {
	if _, err := c.store.log.Emit(ctx, sessionID, &md); err != nil {
		log.Printf("session %s: emit metadata: %v", sessionID, err)
	}
}

func (c *callbackSink) OnHeartbeat(ctx context.Context, sessionID string, elapsed float64, done bool) {
	if _, err := c.store.log.Emit(ctx, sessionID, &event.HeartbeatPayload{
		ElapsedSeconds: elapsed,
		Done:           done,
	}); err != nil {
		log.Printf("session %s: emit heartbeat: %v", sessionID, err)
	}
	c.touch(ctx, sessionID)
}

func (c *callbackSink) OnError(ctx context.Context, sessionID, code, message string) {
	c.store.failSession(ctx, sessionID, code, message)
}

// OnExit settles a finished turn. A session that already reached an idle
// state (the awaiting-input callback usually lands first) keeps it; the exit
// code is still recorded.
func (c *callbackSink) OnExit(ctx context.Context, sessionID string, exitCode int, interrupted bool) {
	l := c.store.lockFor(sessionID)
	l.Lock()

	rec, err := c.store.backend.LoadSession(ctx, sessionID)
	if err != nil {
		l.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.ExitCode = &exitCode
	rec.EndedAt = &now
	rec.LastActivityAt = now

	moved := false
	prev := rec.State
	if rec.State == state.Running || rec.State == state.Interrupting {
		rec.State = state.AwaitingInput
		moved = true
	}
	if err := c.store.backend.SaveSession(ctx, rec); err != nil {
		l.Unlock()
		log.Printf("session %s: save on exit: %v", sessionID, err)
		return
	}
	l.Unlock()

	if !moved {
		return
	}
	observability.RecordSessionTransition(string(prev), string(state.AwaitingInput))
	if _, err := c.store.log.Emit(ctx, sessionID, &event.StatePayload{State: string(state.AwaitingInput)}); err != nil {
		log.Printf("session %s: emit state: %v", sessionID, err)
	}
	c.emitInputRequired(ctx, sessionID, rec.Name)
}

func (c *callbackSink) OnAwaitingInput(ctx context.Context, sessionID string) {
	l := c.store.lockFor(sessionID)
	l.Lock()

	rec, err := c.store.backend.LoadSession(ctx, sessionID)
	if err != nil {
		l.Unlock()
		return
	}
	next, err := state.Transition(rec.State, state.AwaitingInput)
	if err != nil {
		l.Unlock()
		return
	}
	prev := rec.State
	rec.State = next
	rec.LastActivityAt = time.Now().UTC()
	if err := c.store.backend.SaveSession(ctx, rec); err != nil {
		l.Unlock()
		log.Printf("session %s: save on awaiting input: %v", sessionID, err)
		return
	}
	l.Unlock()

	observability.RecordSessionTransition(string(prev), string(state.AwaitingInput))
	if _, err := c.store.log.Emit(ctx, sessionID, &event.StatePayload{State: string(state.AwaitingInput)}); err != nil {
		log.Printf("session %s: emit state: %v", sessionID, err)
	}
	c.emitInputRequired(ctx, sessionID, rec.Name)
}

func (c *callbackSink) OnBackendSession(ctx context.Context, sessionID, backendSessionID string) {
	l := c.store.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	rec, err := c.store.backend.LoadSession(ctx, sessionID)
	if err != nil {
		return
	}
	rec.RunnerSessionID = backendSessionID
	if err := c.store.backend.SaveSession(ctx, rec); err != nil {
		log.Printf("session %s: save backend session: %v", sessionID, err)
	}
}

// OnPermissionRequest applies the session's approval policy. Mode 0 allows
// the tool without registering the request, so nothing reaches the event
// log or an operator; any other mode registers it with the coordinator and
// lets the decision paths play out.
func (c *callbackSink) OnPermissionRequest(ctx context.Context, sessionID, requestID, toolName string, toolInput map[string]any) (*permission.Handle, error) {
	rec, err := c.store.backend.LoadSession(ctx, sessionID)
	if err == nil && rec.ApprovalMode != nil && *rec.ApprovalMode == 0 {
		return c.store.perms.AutoApprove(sessionID, requestID), nil
	}
	return c.store.perms.Request(ctx, sessionID, requestID, toolName, toolInput)
}

// emitInputRequired notifies consumers the session is idle, with a short
// tail of the most recent output for display.
func (c *callbackSink) emitInputRequired(ctx context.Context, sessionID, name string) {
	preview := ""
	truncated := false
	if recent := c.store.log.RecentOutput(sessionID); len(recent) > 0 {
		preview = recent[len(recent)-1]
		if len(preview) > outputPreviewLimit {
			preview = preview[:outputPreviewLimit]
			truncated = true
		}
	}
	if _, err := c.store.log.Emit(ctx, sessionID, &event.InputRequiredPayload{
		SessionName: name,
		LastOutput:  preview,
		Truncated:   truncated,
	}); err != nil {
		log.Printf("session %s: emit input required: %v", sessionID, err)
	}
}
