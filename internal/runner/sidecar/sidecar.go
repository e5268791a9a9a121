// Package sidecar drives an agent backend hosted in a remote sidecar
// process. Commands go over plain HTTP POSTs; events come back on a
// server-sent-events stream per session. A dropped stream is normalized into
// a synthetic error plus exit, same as a crashed local worker.
package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/leash-dev/leash/internal/runner"
	"github.com/leash-dev/leash/pkg/event"
	"github.com/leash-dev/leash/pkg/observability"
)

const defaultRequestTimeout = 30 * time.Second

// sidecarEvent mirrors the event lines the sidecar streams.
type sidecarEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	Title     string         `json:"title,omitempty"`
	Model     string         `json:"model,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	ExitCode  int            `json:"exit_code,omitempty"`
	Elapsed   float64        `json:"elapsed_s,omitempty"`
	Done      bool           `json:"done,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	InputTok  int64          `json:"input_tokens,omitempty"`
	OutputTok int64          `json:"output_tokens,omitempty"`
	CostUSD   *float64       `json:"cost_usd,omitempty"`
}

type turn struct {
	cancel context.CancelFunc

	mu          sync.Mutex
	interrupted bool
}

// Adapter talks to one sidecar endpoint.
type Adapter struct {
	baseURL string
	token   string
	client  *http.Client

	mu    sync.Mutex
	turns map[string]*turn
}

// New creates a sidecar adapter for baseURL. token, when set, is sent as a
// bearer token on every request.
func New(baseURL, token string) *Adapter {
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		turns:   make(map[string]*turn),
	}
}

func (a *Adapter) Name() string { return "sidecar" }

// Ping checks sidecar reachability, used as a health check.
func (a *Adapter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	a.authorize(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar health: status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) authorize(req *http.Request) {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}

// post sends a JSON command and checks for a 2xx response.
func (a *Adapter) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sidecar %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context, opts runner.StartOptions, ev runner.Events) error {
	a.mu.Lock()
	if _, exists := a.turns[opts.SessionID]; exists {
		a.mu.Unlock()
		return &runner.Error{Adapter: a.Name(), Op: "start", Err: fmt.Errorf("turn already running for session %s", opts.SessionID)}
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	t := &turn{cancel: cancel}
	a.turns[opts.SessionID] = t
	a.mu.Unlock()

	err := a.post(ctx, "/sessions/start", map[string]any{
		"session_id":        opts.SessionID,
		"prompt":            opts.Prompt,
		"directory":         opts.Directory,
		"approval_mode":     opts.ApprovalMode,
		"resume_session_id": opts.BackendSessionID,
	})
	if err != nil {
		cancel()
		a.drop(opts.SessionID)
		return &runner.Error{Adapter: a.Name(), Op: "start", Err: err}
	}

	go a.stream(streamCtx, opts.SessionID, t, ev)
	return nil
}

// stream consumes the session's SSE feed until it ends or the turn is
// cancelled.
func (a *Adapter) stream(ctx context.Context, sessionID string, t *turn, ev runner.Events) {
	startedAt := time.Now()
	sawExit := false
	defer func() {
		a.drop(sessionID)
		observability.RecordTurnDuration(a.Name(), time.Since(startedAt))

		t.mu.Lock()
		interrupted := t.interrupted
		t.mu.Unlock()
		if sawExit {
			return
		}
		if interrupted {
			ev.OnExit(context.Background(), sessionID, 0, true)
			return
		}
		ev.OnError(context.Background(), sessionID, "stream_lost", "sidecar event stream ended unexpectedly")
		ev.OnExit(context.Background(), sessionID, 1, false)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/events/"+sessionID, nil)
	if err != nil {
		log.Printf("sidecar %s: build stream request: %v", sessionID, err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		log.Printf("sidecar %s: open stream: %v", sessionID, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		log.Printf("sidecar %s: stream status %d", sessionID, resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if a.dispatch(sessionID, t, data.String(), ev) {
					sawExit = true
					return
				}
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Printf("sidecar %s: stream read: %v", sessionID, err)
	}
}

// dispatch handles one decoded SSE payload. Returns true when the turn is
// over and the stream should close.
func (a *Adapter) dispatch(sessionID string, t *turn, data string, ev runner.Events) bool {
	ctx := context.Background()
	var se sidecarEvent
	if err := json.Unmarshal([]byte(data), &se); err != nil {
		log.Printf("sidecar %s: malformed event: %v", sessionID, err)
		ev.OnError(ctx, sessionID, "parse_error", fmt.Sprintf("malformed sidecar event: %v", err))
		return false
	}

	switch se.Type {
	case "init":
		ev.OnHeader(ctx, sessionID, event.HeaderPayload{
			Title:    se.Title,
			Model:    se.Model,
			Provider: se.Provider,
		})
		if se.SessionID != "" {
			ev.OnBackendSession(ctx, sessionID, se.SessionID)
		}
	case "output":
		ev.OnOutput(ctx, sessionID, se.Text, event.KindStep, false)
	case "result":
		if se.Text != "" {
			ev.OnOutput(ctx, sessionID, se.Text, event.KindFinal, true)
		}
		if se.InputTok > 0 || se.OutputTok > 0 {
			ev.OnMetadata(ctx, sessionID, *event.TokensMetadata(se.InputTok, se.OutputTok))
		}
		if se.CostUSD != nil {
			ev.OnMetadata(ctx, sessionID, *event.CostMetadata(*se.CostUSD))
		}
		ev.OnAwaitingInput(ctx, sessionID)
	case "heartbeat":
		ev.OnHeartbeat(ctx, sessionID, se.Elapsed, se.Done)
	case "error":
		code := se.Code
		if code == "" {
			code = "sidecar_error"
		}
		ev.OnError(ctx, sessionID, code, se.Message)
	case "exit":
		t.mu.Lock()
		interrupted := t.interrupted
		t.mu.Unlock()
		ev.OnExit(ctx, sessionID, se.ExitCode, interrupted)
		return true
	case "permission_request":
		go a.handlePermission(sessionID, se, ev)
	default:
		log.Printf("sidecar %s: unknown event type %q", sessionID, se.Type)
	}
	return false
}

func (a *Adapter) handlePermission(sessionID string, se sidecarEvent, ev runner.Events) {
	ctx := context.Background()
	handle, err := ev.OnPermissionRequest(ctx, sessionID, se.RequestID, se.ToolName, se.ToolInput)
	if err != nil {
		log.Printf("sidecar %s: permission request %s: %v", sessionID, se.RequestID, err)
		return
	}
	d := <-handle.Done()
	if err := a.post(ctx, "/permissions/respond", map[string]any{
		"session_id": sessionID,
		"request_id": se.RequestID,
		"allowed":    d.Allowed,
	}); err != nil {
		log.Printf("sidecar %s: send permission response: %v", sessionID, err)
	}
}

func (a *Adapter) SendInput(ctx context.Context, sessionID, text string) error {
	if _, err := a.turnFor(sessionID); err != nil {
		return err
	}
	if err := a.post(ctx, "/sessions/input", map[string]any{
		"session_id": sessionID,
		"text":       text,
	}); err != nil {
		return &runner.Error{Adapter: a.Name(), Op: "input", Err: err}
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context, sessionID string) error {
	t, err := a.turnFor(sessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.interrupted = true
	t.mu.Unlock()

	if err := a.post(ctx, "/sessions/stop", map[string]any{
		"session_id": sessionID,
	}); err != nil {
		// The sidecar may already be gone; tear the stream down locally.
		t.cancel()
		return &runner.Error{Adapter: a.Name(), Op: "stop", Err: err}
	}
	return nil
}

func (a *Adapter) UpdateApprovalMode(ctx context.Context, sessionID string, mode int) error {
	if _, err := a.turnFor(sessionID); err != nil {
		return err
	}
	if err := a.post(ctx, "/sessions/approval_mode", map[string]any{
		"session_id":    sessionID,
		"approval_mode": mode,
	}); err != nil {
		return &runner.Error{Adapter: a.Name(), Op: "approval_mode", Err: err}
	}
	return nil
}

func (a *Adapter) turnFor(sessionID string) (*turn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.turns[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", runner.ErrNoActiveTurn, sessionID)
	}
	return t, nil
}

func (a *Adapter) drop(sessionID string) {
	a.mu.Lock()
	delete(a.turns, sessionID)
	a.mu.Unlock()
}
