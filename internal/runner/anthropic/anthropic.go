// Package anthropic drives a turn directly against the Anthropic Messages
// API, with no intermediary process. The adapter owns the agentic loop:
// conversation history, tool-use round trips, and permission gating for
// shell commands the model asks to run.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/google/uuid"

	"github.com/leash-dev/leash/internal/runner"
	"github.com/leash-dev/leash/pkg/event"
	"github.com/leash-dev/leash/pkg/observability"
)

const (
	heartbeatInterval = 15 * time.Second

	// maxToolRounds bounds tool-use round trips within one turn.
	maxToolRounds = 50

	// toolOutputLimit caps shell output fed back to the model.
	toolOutputLimit = 16 * 1024
)

// Options configures the direct API adapter.
type Options struct {
	Model     anthropic.Model
	MaxTokens int64
	APIKey    string
	System    string
}

// Adapter runs agent turns against the Messages API.
type Adapter struct {
	client *anthropic.Client
	opts   Options

	mu    sync.Mutex
	turns map[string]*turn
}

// turn is one live conversation loop.
type turn struct {
	cancel      context.CancelFunc
	input       chan string
	mu          sync.Mutex
	interrupted bool
	mode        int
}

// New creates an adapter with the given options. MaxTokens and Model get
// defaults when zero.
func New(optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Model:     anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Adapter{
		client: &client,
		opts:   opts,
		turns:  make(map[string]*turn),
	}
}

// NewFromClient creates an adapter from an existing client, e.g. one pointed
// at a test server.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Model:     anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Adapter{
		client: client,
		opts:   opts,
		turns:  make(map[string]*turn),
	}
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) turnFor(sessionID string) (*turn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.turns[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", runner.ErrNoActiveTurn, sessionID)
	}
	return t, nil
}

func (a *Adapter) Start(ctx context.Context, opts runner.StartOptions, ev runner.Events) error {
	a.mu.Lock()
	if _, exists := a.turns[opts.SessionID]; exists {
		a.mu.Unlock()
		return &runner.Error{Adapter: a.Name(), Op: "start", Err: fmt.Errorf("turn already running for session %s", opts.SessionID)}
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	t := &turn{
		cancel: cancel,
		input:  make(chan string, 8),
		mode:   opts.ApprovalMode,
	}
	a.turns[opts.SessionID] = t
	a.mu.Unlock()

	ev.OnHeader(ctx, opts.SessionID, event.HeaderPayload{
		Title:    "anthropic direct",
		Model:    string(a.opts.Model),
		Provider: "anthropic",
		Approval: strconv.Itoa(opts.ApprovalMode),
	})
	ev.OnBackendSession(ctx, opts.SessionID, "api_"+uuid.NewString())

	go a.run(turnCtx, opts, t, ev)
	return nil
}

// run is the conversation loop: one model round trip per iteration, tool-use
// rounds inline, then park on the input channel until the next user message.
func (a *Adapter) run(ctx context.Context, opts runner.StartOptions, t *turn, ev runner.Events) {
	sessionID := opts.SessionID
	startedAt := time.Now()
	defer func() {
		a.mu.Lock()
		delete(a.turns, sessionID)
		a.mu.Unlock()
		observability.RecordTurnDuration(a.Name(), time.Since(startedAt))
	}()

	var history []anthropic.MessageParam
	pending := opts.Prompt

	for {
		if pending != "" {
			history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(pending)))
			if err := a.converse(ctx, sessionID, opts.Directory, t, &history, ev); err != nil {
				t.mu.Lock()
				interrupted := t.interrupted
				t.mu.Unlock()
				if interrupted || ctx.Err() != nil {
					ev.OnExit(context.Background(), sessionID, 0, true)
					return
				}
				ev.OnError(context.Background(), sessionID, "api_error", err.Error())
				ev.OnExit(context.Background(), sessionID, 1, false)
				return
			}
			ev.OnAwaitingInput(context.Background(), sessionID)
		}

		select {
		case <-ctx.Done():
			t.mu.Lock()
			interrupted := t.interrupted
			t.mu.Unlock()
			ev.OnExit(context.Background(), sessionID, 0, interrupted)
			return
		case pending = <-t.input:
		}
	}
}

// converse runs model round trips until the model stops asking for tools.
func (a *Adapter) converse(ctx context.Context, sessionID, directory string, t *turn, history *[]anthropic.MessageParam, ev runner.Events) error {
	for round := 0; round < maxToolRounds; round++ {
		stopBeat := a.heartbeat(ctx, sessionID, ev)
		resp, err := a.client.Messages.New(ctx, a.params(*history))
		stopBeat()
		if err != nil {
			return fmt.Errorf("messages api: %w", err)
		}

		ev.OnMetadata(ctx, sessionID, *event.TokensMetadata(resp.Usage.InputTokens, resp.Usage.OutputTokens))

		var assistant []anthropic.ContentBlockParamUnion
		var toolUses []anthropic.ToolUseBlock
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				tb := block.AsText()
				if tb.Text == "" {
					continue
				}
				assistant = append(assistant, anthropic.NewTextBlock(tb.Text))
				final := resp.StopReason != "tool_use"
				kind := event.KindStep
				if final {
					kind = event.KindFinal
				}
				ev.OnOutput(ctx, sessionID, tb.Text, kind, final)
			case "tool_use":
				tu := block.AsToolUse()
				toolUses = append(toolUses, tu)
				var input any = tu.Input
				assistant = append(assistant, anthropic.NewToolUseBlock(tu.ID, input, tu.Name))
			}
		}
		if len(assistant) > 0 {
			*history = append(*history, anthropic.NewAssistantMessage(assistant...))
		}

		if resp.StopReason != "tool_use" || len(toolUses) == 0 {
			return nil
		}

		var results []anthropic.ContentBlockParamUnion
		for _, tu := range toolUses {
			result, isErr := a.runTool(ctx, sessionID, directory, t, tu, ev)
			results = append(results, anthropic.NewToolResultBlock(tu.ID, result, isErr))
		}
		*history = append(*history, anthropic.NewUserMessage(results...))
	}
	return fmt.Errorf("tool round limit reached (%d)", maxToolRounds)
}

// runTool gates the model's shell command behind the permission coordinator
// and executes it when approved.
func (a *Adapter) runTool(ctx context.Context, sessionID, directory string, t *turn, tu anthropic.ToolUseBlock, ev runner.Events) (string, bool) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(tu.Input, &args); err != nil || args.Command == "" {
		return "invalid tool input", true
	}

	handle, err := ev.OnPermissionRequest(ctx, sessionID, "perm_"+uuid.NewString(), tu.Name, map[string]any{
		"command": args.Command,
	})
	if err != nil {
		return fmt.Sprintf("permission request failed: %v", err), true
	}

	var allowed bool
	select {
	case d := <-handle.Done():
		allowed = d.Allowed
	case <-ctx.Done():
		return "turn interrupted", true
	}
	if !allowed {
		return "permission denied by operator", true
	}

	cmd := exec.CommandContext(ctx, "bash", "-lc", args.Command) // #nosec G204 -- command is operator-approved
	cmd.Dir = directory
	out, err := cmd.CombinedOutput()
	text := string(out)
	if len(text) > toolOutputLimit {
		text = text[:toolOutputLimit] + "\n[output truncated]"
	}
	if err != nil {
		return fmt.Sprintf("%s\ncommand failed: %v", text, err), true
	}
	if strings.TrimSpace(text) == "" {
		text = "(no output)"
	}
	return text, false
}

func (a *Adapter) params(history []anthropic.MessageParam) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     a.opts.Model,
		Messages:  history,
		MaxTokens: a.opts.MaxTokens,
		Tools: []anthropic.ToolUnionParam{
			anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
				Type: constant.Object("object"),
				Properties: map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "Shell command to execute in the session directory",
					},
				},
				Required: []string{"command"},
			}, "bash"),
		},
	}
	if a.opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.opts.System}}
	}
	return params
}

// heartbeat emits liveness while a model call is in flight.
func (a *Adapter) heartbeat(ctx context.Context, sessionID string, ev runner.Events) func() {
	done := make(chan struct{})
	start := time.Now()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ev.OnHeartbeat(ctx, sessionID, time.Since(start).Seconds(), false)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (a *Adapter) SendInput(ctx context.Context, sessionID, text string) error {
	t, err := a.turnFor(sessionID)
	if err != nil {
		return err
	}
	select {
	case t.input <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) Stop(ctx context.Context, sessionID string) error {
	t, err := a.turnFor(sessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.interrupted = true
	t.mu.Unlock()
	t.cancel()
	return nil
}

func (a *Adapter) UpdateApprovalMode(ctx context.Context, sessionID string, mode int) error {
	t, err := a.turnFor(sessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.mode = mode
	t.mu.Unlock()
	return nil
}
