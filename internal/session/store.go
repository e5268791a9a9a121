// Package session implements the session engine: lifecycle state, the store
// coordinating adapters with the event log and permission coordinator, and
// the callback sink adapters report through.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leash-dev/leash/internal/eventlog"
	tracing "github.com/leash-dev/leash/internal/observability"
	"github.com/leash-dev/leash/internal/permission"
	"github.com/leash-dev/leash/internal/runner"
	"github.com/leash-dev/leash/internal/state"
	"github.com/leash-dev/leash/internal/storage"
	"github.com/leash-dev/leash/pkg/event"
	"github.com/leash-dev/leash/pkg/observability"
)

const (
	// sessionNameLimit caps names derived from the first prompt.
	sessionNameLimit = 80

	// outputPreviewLimit caps the last-output snippet attached to
	// input_required events.
	outputPreviewLimit = 200
)

// ErrNotAwaitingInput indicates input arrived while the session cannot
// accept it.
var ErrNotAwaitingInput = errors.New("session is not awaiting input")

// ErrPermissionNotFound indicates a resolution for a request that is not
// pending.
var ErrPermissionNotFound = errors.New("permission request not found")

// CreateOptions configures a new session.
type CreateOptions struct {
	Adapter      string
	Directory    string
	Name         string
	ApprovalMode int
}

// Usage aggregates token and cost attribution over a session's event log.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Events       int     `json:"events"`
}

// Store owns session lifecycle. All state transitions go through it; the
// per-session lock covers only the critical section of each operation and is
// never held while a backend turn runs.
type Store struct {
	backend  storage.Backend
	log      *eventlog.Log
	perms    *permission.Coordinator
	registry *runner.Registry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore wires the store to its backend, event log, permission
// coordinator, and adapter registry.
func NewStore(backend storage.Backend, eventLog *eventlog.Log, perms *permission.Coordinator, registry *runner.Registry) *Store {
	return &Store{
		backend:  backend,
		log:      eventLog,
		perms:    perms,
		registry: registry,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Events returns the runner callback sink bound to this store.
func (s *Store) Events() runner.Events {
	return &callbackSink{store: s}
}

// EventLog exposes the store's event log for subscription endpoints.
func (s *Store) EventLog() *eventlog.Log {
	return s.log
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *Store) dropLock(sessionID string) {
	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
}

// Create registers a new session in the CREATED state.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (*storage.SessionRecord, error) {
	if _, err := s.registry.Get(opts.Adapter); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	mode := opts.ApprovalMode
	rec := &storage.SessionRecord{
		ID:             "sess_" + uuid.NewString(),
		Name:           strings.TrimSpace(opts.Name),
		State:          state.Created,
		Adapter:        opts.Adapter,
		Directory:      opts.Directory,
		ApprovalMode:   &mode,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.backend.SaveSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if _, err := s.log.Emit(ctx, rec.ID, &event.StatePayload{State: string(state.Created)}); err != nil {
		return nil, fmt.Errorf("emit initial state: %w", err)
	}
	return rec, nil
}

// Get loads one session.
func (s *Store) Get(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	return s.backend.LoadSession(ctx, sessionID)
}

// List returns all sessions, most recently active first.
func (s *Store) List(ctx context.Context) ([]*storage.SessionRecord, error) {
	return s.backend.ListSessions(ctx)
}

// Start begins a turn: CREATED, AWAITING_INPUT, and ERROR sessions move to
// RUNNING and the prompt is handed to the adapter. The session lock covers
// the transition only; the backend turn runs with no lock held.
func (s *Store) Start(ctx context.Context, sessionID, prompt string) (*storage.SessionRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "session.start")
	defer span.End()

	l := s.lockFor(sessionID)
	l.Lock()

	rec, err := s.backend.LoadSession(ctx, sessionID)
	if err != nil {
		l.Unlock()
		return nil, err
	}

	restart := rec.State == state.ErrorState
	next, err := state.Transition(rec.State, state.Running)
	if err != nil {
		l.Unlock()
		return nil, err
	}

	prev := rec.State
	rec.State = next
	now := time.Now().UTC()
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	rec.LastActivityAt = now
	maybeSetSessionName(rec, prompt)

	if err := s.backend.SaveSession(ctx, rec); err != nil {
		l.Unlock()
		return nil, fmt.Errorf("save session: %w", err)
	}
	l.Unlock()

	observability.RecordSessionTransition(string(prev), string(state.Running))
	if restart {
		s.log.ClearRecentOutput(sessionID)
	}
	if prompt != "" {
		if _, err := s.log.Emit(ctx, sessionID, &event.UserInputPayload{Text: prompt}); err != nil {
			log.Printf("session %s: emit user input: %v", sessionID, err)
		}
	}
	if _, err := s.log.Emit(ctx, sessionID, &event.StatePayload{State: string(state.Running)}); err != nil {
		log.Printf("session %s: emit state: %v", sessionID, err)
	}

	r, err := s.registry.Get(rec.Adapter)
	if err != nil {
		s.failSession(ctx, sessionID, "adapter_missing", err.Error())
		return nil, err
	}

	mode := 0
	if rec.ApprovalMode != nil {
		mode = *rec.ApprovalMode
	}
	startErr := r.Start(ctx, runner.StartOptions{
		SessionID:        sessionID,
		Directory:        rec.Directory,
		Prompt:           prompt,
		ApprovalMode:     mode,
		BackendSessionID: rec.RunnerSessionID,
	}, s.Events())
	if startErr != nil {
		s.failSession(ctx, sessionID, "start_failed", startErr.Error())
		return nil, fmt.Errorf("start adapter %s: %w", rec.Adapter, startErr)
	}

	return s.backend.LoadSession(ctx, sessionID)
}

// SendInput delivers a user message to an AWAITING_INPUT session, moving it
// back to RUNNING.
func (s *Store) SendInput(ctx context.Context, sessionID, text string) error {
	ctx, span := tracing.StartSpan(ctx, "session.send_input")
	defer span.End()

	l := s.lockFor(sessionID)
	l.Lock()

	rec, err := s.backend.LoadSession(ctx, sessionID)
	if err != nil {
		l.Unlock()
		return err
	}
	if rec.State != state.AwaitingInput {
		l.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotAwaitingInput, rec.State)
	}

	rec.State = state.Running
	rec.LastActivityAt = time.Now().UTC()
	maybeSetSessionName(rec, text)
	if err := s.backend.SaveSession(ctx, rec); err != nil {
		l.Unlock()
		return fmt.Errorf("save session: %w", err)
	}
	l.Unlock()

	observability.RecordSessionTransition(string(state.AwaitingInput), string(state.Running))
	if _, err := s.log.Emit(ctx, sessionID, &event.UserInputPayload{Text: text}); err != nil {
		log.Printf("session %s: emit user input: %v", sessionID, err)
	}
	if _, err := s.log.Emit(ctx, sessionID, &event.StatePayload{State: string(state.Running)}); err != nil {
		log.Printf("session %s: emit state: %v", sessionID, err)
	}

	r, err := s.registry.Get(rec.Adapter)
	if err != nil {
		s.failSession(ctx, sessionID, "adapter_missing", err.Error())
		return err
	}
	if err := r.SendInput(ctx, sessionID, text); err != nil {
		s.failSession(ctx, sessionID, "input_failed", err.Error())
		return fmt.Errorf("send input via %s: %w", rec.Adapter, err)
	}
	return nil
}

// Interrupt asks the backend to stop the current turn and denies any
// permission requests still pending, so a turn parked on an approval wait
// is unblocked immediately. Interrupting an idle or already-interrupting
// session is a no-op, so repeated interrupts are safe.
func (s *Store) Interrupt(ctx context.Context, sessionID string) error {
	ctx, span := tracing.StartSpan(ctx, "session.interrupt")
	defer span.End()

	l := s.lockFor(sessionID)
	l.Lock()

	rec, err := s.backend.LoadSession(ctx, sessionID)
	if err != nil {
		l.Unlock()
		return err
	}
	switch rec.State {
	case state.AwaitingInput, state.Interrupting, state.Created, state.ErrorState:
		l.Unlock()
		return nil
	}

	rec.State = state.Interrupting
	rec.LastActivityAt = time.Now().UTC()
	if err := s.backend.SaveSession(ctx, rec); err != nil {
		l.Unlock()
		return fmt.Errorf("save session: %w", err)
	}
	l.Unlock()

	observability.RecordSessionTransition(string(state.Running), string(state.Interrupting))
	if _, err := s.log.Emit(ctx, sessionID, &event.StatePayload{State: string(state.Interrupting)}); err != nil {
		log.Printf("session %s: emit state: %v", sessionID, err)
	}

	// The backend may be parked on an approval wait; deny everything
	// pending before asking it to stop, or the stop would sit behind the
	// permission timeout.
	s.perms.CancelSession(ctx, sessionID)

	r, err := s.registry.Get(rec.Adapter)
	if err != nil {
		s.failSession(ctx, sessionID, "adapter_missing", err.Error())
		return err
	}
	if err := r.Stop(ctx, sessionID); err != nil && !errors.Is(err, runner.ErrNoActiveTurn) {
		s.failSession(ctx, sessionID, "interrupt_failed", err.Error())
		return fmt.Errorf("stop adapter %s: %w", rec.Adapter, err)
	}
	return nil
}

// UpdateApprovalMode changes the session's permission policy and pushes it
// to the live turn. Switching to mode 0 auto-approves requests already
// pending.
func (s *Store) UpdateApprovalMode(ctx context.Context, sessionID string, mode int) error {
	l := s.lockFor(sessionID)
	l.Lock()

	rec, err := s.backend.LoadSession(ctx, sessionID)
	if err != nil {
		l.Unlock()
		return err
	}
	rec.ApprovalMode = &mode
	rec.LastActivityAt = time.Now().UTC()
	if err := s.backend.SaveSession(ctx, rec); err != nil {
		l.Unlock()
		return fmt.Errorf("save session: %w", err)
	}
	l.Unlock()

	if mode == 0 {
		s.perms.AutoApproveSession(ctx, sessionID)
	}
	if r, err := s.registry.Get(rec.Adapter); err == nil {
		if err := r.UpdateApprovalMode(ctx, sessionID, mode); err != nil && !errors.Is(err, runner.ErrNoActiveTurn) {
			log.Printf("session %s: push approval mode: %v", sessionID, err)
		}
	}
	return nil
}

// ResolvePermission applies an operator decision to a pending request.
func (s *Store) ResolvePermission(ctx context.Context, sessionID, requestID string, allowed bool, message string) error {
	if _, err := s.backend.LoadSession(ctx, sessionID); err != nil {
		return err
	}
	if !s.perms.Resolve(ctx, sessionID, requestID, allowed, message) {
		return fmt.Errorf("%w: %s", ErrPermissionNotFound, requestID)
	}
	return nil
}

// Delete stops the session's turn, denies its pending permission requests,
// closes its subscribers, and removes it from storage.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	l := s.lockFor(sessionID)
	l.Lock()

	rec, err := s.backend.LoadSession(ctx, sessionID)
	if err != nil {
		l.Unlock()
		return err
	}

	if rec.State == state.Running || rec.State == state.Interrupting {
		if r, rerr := s.registry.Get(rec.Adapter); rerr == nil {
			if serr := r.Stop(ctx, sessionID); serr != nil && !errors.Is(serr, runner.ErrNoActiveTurn) {
				log.Printf("session %s: stop on delete: %v", sessionID, serr)
			}
		}
	}

	s.perms.CancelSession(ctx, sessionID)
	s.log.DropSession(sessionID)

	// Removal happens under the session lock so a racing mutation cannot
	// save the record back after it is gone.
	if err := s.backend.DeleteSession(ctx, sessionID); err != nil {
		l.Unlock()
		return fmt.Errorf("delete session: %w", err)
	}
	l.Unlock()
	s.dropLock(sessionID)
	return nil
}

// UsageSummary scans the session's event log and sums token and cost
// attribution from metadata events.
func (s *Store) UsageSummary(ctx context.Context, sessionID string) (*Usage, error) {
	if _, err := s.backend.LoadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	events, err := s.backend.ReadEvents(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	usage := &Usage{Events: len(events)}
	for _, ev := range events {
		md, ok := ev.Data.(*event.MetadataPayload)
		if !ok {
			continue
		}
		if md.Tokens != nil {
			usage.InputTokens += md.Tokens.Input
			usage.OutputTokens += md.Tokens.Output
		}
		if md.Cost != nil {
			usage.CostUSD += *md.Cost
		}
	}
	return usage, nil
}

// Recover reconciles persisted sessions after a restart. Sessions persisted
// as RUNNING or INTERRUPTING lost their backend when the process died; they
// are forced to ERROR with a synthesized error event so consumers see why
// the turn never finished.
func (s *Store) Recover(ctx context.Context) error {
	sessions, err := s.backend.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, rec := range sessions {
		if rec.State != state.Running && rec.State != state.Interrupting {
			continue
		}
		prev := rec.State
		rec.State = state.ErrorState
		rec.LastActivityAt = time.Now().UTC()
		if err := s.backend.SaveSession(ctx, rec); err != nil {
			return fmt.Errorf("recover session %s: %w", rec.ID, err)
		}
		observability.RecordSessionTransition(string(prev), string(state.ErrorState))
		if _, err := s.log.Emit(ctx, rec.ID, &event.ErrorPayload{
			Code:    "supervisor_restart",
			Message: "supervisor restarted while the turn was in flight",
		}); err != nil {
			log.Printf("session %s: emit recovery error: %v", rec.ID, err)
		}
		if _, err := s.log.Emit(ctx, rec.ID, &event.StatePayload{State: string(state.ErrorState)}); err != nil {
			log.Printf("session %s: emit state: %v", rec.ID, err)
		}
		log.Printf("session %s: recovered %s -> %s after restart", rec.ID, prev, state.ErrorState)
	}
	return nil
}

// failSession forces a session to ERROR after an engine-side failure,
// emitting the error and state events. Invalid transitions (e.g. the
// session already moved on) are ignored.
func (s *Store) failSession(ctx context.Context, sessionID, code, message string) {
	l := s.lockFor(sessionID)
	l.Lock()

	rec, err := s.backend.LoadSession(ctx, sessionID)
	if err != nil {
		l.Unlock()
		return
	}
	next, err := state.Transition(rec.State, state.ErrorState)
	if err != nil {
		l.Unlock()
		return
	}
	prev := rec.State
	rec.State = next
	rec.LastActivityAt = time.Now().UTC()
	if err := s.backend.SaveSession(ctx, rec); err != nil {
		l.Unlock()
		log.Printf("session %s: save on failure: %v", sessionID, err)
		return
	}
	l.Unlock()

	observability.RecordSessionTransition(string(prev), string(state.ErrorState))
	if _, err := s.log.Emit(ctx, sessionID, &event.ErrorPayload{Code: code, Message: message}); err != nil {
		log.Printf("session %s: emit error: %v", sessionID, err)
	}
	if _, err := s.log.Emit(ctx, sessionID, &event.StatePayload{State: string(state.ErrorState)}); err != nil {
		log.Printf("session %s: emit state: %v", sessionID, err)
	}
}

// maybeSetSessionName derives a display name from the first user message of
// an unnamed session.
func maybeSetSessionName(rec *storage.SessionRecord, text string) {
	if rec.Name != "" {
		return
	}
	name := strings.Join(strings.Fields(text), " ")
	if name == "" {
		return
	}
	if len(name) > sessionNameLimit {
		name = strings.TrimSpace(name[:sessionNameLimit])
	}
	rec.Name = name
}
