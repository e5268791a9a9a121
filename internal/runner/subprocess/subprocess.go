// Package subprocess runs an agent backend as a worker process speaking
// newline-delimited JSON over stdin/stdout. It is the reference adapter:
// commands go down as single-line JSON objects, events come back the same
// way, and a worker crash is normalized into a synthetic error plus exit so
// the engine sees the same shape as a clean finish.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/leash-dev/leash/internal/runner"
	"github.com/leash-dev/leash/pkg/event"
	"github.com/leash-dev/leash/pkg/observability"
)

const (
	// maxLineBytes bounds a single event line from the worker.
	maxLineBytes = 1 << 20

	// stopGrace is how long a stopped worker gets to exit before it is
	// killed.
	stopGrace = 10 * time.Second
)

// command is a line written to the worker's stdin.
type command struct {
	Type         string `json:"type"`
	Prompt       string `json:"prompt,omitempty"`
	Directory    string `json:"directory,omitempty"`
	Text         string `json:"text,omitempty"`
	ApprovalMode *int   `json:"approval_mode,omitempty"`
	ResumeID     string `json:"resume_session_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	Allowed      *bool  `json:"allowed,omitempty"`
}

// workerEvent is a line read from the worker's stdout.
type workerEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	Final     bool           `json:"final,omitempty"`
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

// turn is one live worker process.
type turn struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu          sync.Mutex
	interrupted bool
	killTimer   *time.Timer
	startedAt   time.Time
}

func (t *turn) send(c command) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// Adapter launches one worker process per turn.
type Adapter struct {
	workerPath string
	workerArgs []string

	mu    sync.Mutex
	turns map[string]*turn
}

// New creates a subprocess adapter launching workerPath with workerArgs.
func New(workerPath string, workerArgs ...string) *Adapter {
	return &Adapter{
		workerPath: workerPath,
		workerArgs: workerArgs,
		turns:      make(map[string]*turn),
	}
}

func (a *Adapter) Name() string { return "subprocess" }

func (a *Adapter) turnFor(sessionID string) (*turn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.turns[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", runner.ErrNoActiveTurn, sessionID)
	}
	return t, nil
}

// Start launches the worker, sends the start command, and begins pumping
// worker events into ev. The worker process outlives ctx; its lifetime ends
// with the turn.
func (a *Adapter) Start(ctx context.Context, opts runner.StartOptions, ev runner.Events) error {
	a.mu.Lock()
	if _, exists := a.turns[opts.SessionID]; exists {
		a.mu.Unlock()
		return &runner.Error{Adapter: a.Name(), Op: "start", Err: fmt.Errorf("turn already running for session %s", opts.SessionID)}
	}
	a.mu.Unlock()

	cmd := exec.Command(a.workerPath, a.workerArgs...) // #nosec G204 -- worker path comes from operator config
	cmd.Dir = opts.Directory

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &runner.Error{Adapter: a.Name(), Op: "start", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &runner.Error{Adapter: a.Name(), Op: "start", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &runner.Error{Adapter: a.Name(), Op: "start", Err: err}
	}

	t := &turn{cmd: cmd, stdin: stdin, startedAt: time.Now()}
	a.mu.Lock()
	a.turns[opts.SessionID] = t
	a.mu.Unlock()

	mode := opts.ApprovalMode
	if err := t.send(command{
		Type:         "start",
		Prompt:       opts.Prompt,
		Directory:    opts.Directory,
		ApprovalMode: &mode,
		ResumeID:     opts.BackendSessionID,
	}); err != nil {
		_ = cmd.Process.Kill()
		a.drop(opts.SessionID)
		return &runner.Error{Adapter: a.Name(), Op: "start", Err: err}
	}

	go a.readLoop(opts.SessionID, t, stdout, ev)
	return nil
}

// readLoop pumps worker events until stdout closes, then settles the exit.
func (a *Adapter) readLoop(sessionID string, t *turn, stdout io.Reader, ev runner.Events) {
	ctx := context.Background()
	sawExit := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var we workerEvent
		if err := json.Unmarshal(line, &we); err != nil {
			log.Printf("subprocess %s: malformed worker line: %v", sessionID, err)
			ev.OnError(ctx, sessionID, "parse_error", fmt.Sprintf("malformed worker line: %v", err))
			continue
		}
		if we.Type == "result" || we.Type == "exit" {
			sawExit = true
		}
		a.dispatch(ctx, sessionID, t, we, ev)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("subprocess %s: worker stream: %v", sessionID, err)
	}

	waitErr := t.cmd.Wait()
	t.mu.Lock()
	interrupted := t.interrupted
	if t.killTimer != nil {
		t.killTimer.Stop()
	}
	started := t.startedAt
	t.mu.Unlock()
	a.drop(sessionID)

	exitCode := t.cmd.ProcessState.ExitCode()
	observability.RecordTurnDuration(a.Name(), time.Since(started))

	// A worker that died without reporting a result is a crash: synthesize
	// the error so consumers are not left staring at a silent stream.
	if !sawExit && !interrupted {
		msg := fmt.Sprintf("worker exited unexpectedly with code %d", exitCode)
		if waitErr != nil {
			msg = fmt.Sprintf("worker crashed: %v", waitErr)
		}
		ev.OnError(ctx, sessionID, "worker_crash", msg)
		ev.OnExit(ctx, sessionID, exitCode, false)
		return
	}
	ev.OnExit(ctx, sessionID, exitCode, interrupted)
}

func (a *Adapter) dispatch(ctx context.Context, sessionID string, t *turn, we workerEvent, ev runner.Events) {
	switch we.Type {
	case "init":
		ev.OnHeader(ctx, sessionID, event.HeaderPayload{
			Title:    we.Title,
			Model:    we.Model,
			Provider: we.Provider,
		})
		if we.SessionID != "" {
			ev.OnBackendSession(ctx, sessionID, we.SessionID)
		}
	case "output":
		ev.OnOutput(ctx, sessionID, we.Text, event.KindStep, false)
	case "result":
		if we.Text != "" {
			ev.OnOutput(ctx, sessionID, we.Text, event.KindFinal, true)
		}
		if we.InputTok > 0 || we.OutputTok > 0 {
			ev.OnMetadata(ctx, sessionID, *event.TokensMetadata(we.InputTok, we.OutputTok))
		}
		if we.CostUSD != nil {
			ev.OnMetadata(ctx, sessionID, *event.CostMetadata(*we.CostUSD))
		}
		ev.OnAwaitingInput(ctx, sessionID)
	case "heartbeat":
		ev.OnHeartbeat(ctx, sessionID, we.Elapsed, we.Done)
	case "error":
		code := we.Code
		if code == "" {
			code = "worker_error"
		}
		ev.OnError(ctx, sessionID, code, we.Message)
	case "permission_request":
		go a.handlePermission(ctx, sessionID, t, we, ev)
	default:
		log.Printf("subprocess %s: unknown worker event type %q", sessionID, we.Type)
	}
}

// handlePermission parks on the coordinator's decision and writes it back to
// the worker as a permission_response line.
func (a *Adapter) handlePermission(ctx context.Context, sessionID string, t *turn, we workerEvent, ev runner.Events) {
	handle, err := ev.OnPermissionRequest(ctx, sessionID, we.RequestID, we.ToolName, we.ToolInput)
	if err != nil {
		log.Printf("subprocess %s: permission request %s: %v", sessionID, we.RequestID, err)
		return
	}
	d := <-handle.Done()
	allowed := d.Allowed
	if err := t.send(command{
		Type:      "permission_response",
		RequestID: we.RequestID,
		Allowed:   &allowed,
	}); err != nil {
		log.Printf("subprocess %s: write permission response: %v", sessionID, err)
	}
}

func (a *Adapter) SendInput(ctx context.Context, sessionID, text string) error {
	t, err := a.turnFor(sessionID)
	if err != nil {
		return err
	}
	if err := t.send(command{Type: "input", Text: text}); err != nil {
		return &runner.Error{Adapter: a.Name(), Op: "input", Err: err}
	}
	return nil
}

// Stop asks the worker to wind down and arms a kill timer in case it
// ignores the request.
func (a *Adapter) Stop(ctx context.Context, sessionID string) error {
	t, err := a.turnFor(sessionID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.interrupted = true
	if t.killTimer == nil {
		proc := t.cmd.Process
		t.killTimer = time.AfterFunc(stopGrace, func() {
			log.Printf("subprocess %s: worker ignored stop, killing", sessionID)
			_ = proc.Kill()
		})
	}
	t.mu.Unlock()

	if err := t.send(command{Type: "stop"}); err != nil {
		_ = t.cmd.Process.Kill()
	}
	return nil
}

func (a *Adapter) UpdateApprovalMode(ctx context.Context, sessionID string, mode int) error {
	t, err := a.turnFor(sessionID)
	if err != nil {
		return err
	}
	if err := t.send(command{Type: "approval_mode", ApprovalMode: &mode}); err != nil {
		return &runner.Error{Adapter: a.Name(), Op: "approval_mode", Err: err}
	}
	return nil
}

func (a *Adapter) drop(sessionID string) {
	a.mu.Lock()
	delete(a.turns, sessionID)
	a.mu.Unlock()
}
