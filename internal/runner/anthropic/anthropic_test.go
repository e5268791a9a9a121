package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/leash-dev/leash/internal/permission"
	"github.com/leash-dev/leash/internal/runner"
	"github.com/leash-dev/leash/pkg/event"
)

// fakeAPI serves canned Messages API responses in order.
type fakeAPI struct {
	mu        sync.Mutex
	responses []string
	status    int
	calls     int

	server *httptest.Server
}

func newFakeAPI(t *testing.T, responses ...string) *fakeAPI {
	t.Helper()
	f := &fakeAPI{responses: responses, status: http.StatusOK}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.status != http.StatusOK {
			http.Error(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`, f.status)
			return
		}
		if f.calls >= len(f.responses) {
			http.Error(w, "no more responses", http.StatusInternalServerError)
			return
		}
		body := f.responses[f.calls]
		f.calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAPI) adapter() *Adapter {
	client := sdk.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(f.server.URL),
		option.WithMaxRetries(0),
	)
	return NewFromClient(&client, func(o *Options) {
		o.MaxTokens = 1024
	})
}

func textMessage(text, stopReason string) string {
	return fmt.Sprintf(`{
		"id": "msg_1", "type": "message", "role": "assistant",
		"model": "claude-3-5-sonnet-20241022",
		"content": [{"type": "text", "text": %q}],
		"stop_reason": %q,
		"usage": {"input_tokens": 5, "output_tokens": 3}
	}`, text, stopReason)
}

func toolUseMessage(command string) string {
	return fmt.Sprintf(`{
		"id": "msg_1", "type": "message", "role": "assistant",
		"model": "claude-3-5-sonnet-20241022",
		"content": [
			{"type": "text", "text": "running a command"},
			{"type": "tool_use", "id": "tu_1", "name": "bash", "input": {"command": %q}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 8, "output_tokens": 6}
	}`, command)
}

// recordingSink captures runner callbacks for assertions.
type recordingSink struct {
	perms *permission.Coordinator
	allow bool

	mu       sync.Mutex
	outputs  []string
	finals   []string
	headers  []event.HeaderPayload
	metadata []event.MetadataPayload
	errs     []string
	awaiting chan struct{}

	exited   chan struct{}
	exitCode int
	exitIntr bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		awaiting: make(chan struct{}, 8),
		exited:   make(chan struct{}),
	}
}

func (r *recordingSink) OnOutput(_ context.Context, _, text string, _ event.OutputKind, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if final {
		r.finals = append(r.finals, text)
	} else {
		r.outputs = append(r.outputs, text)
	}
}

func (r *recordingSink) OnHeader(_ context.Context, _ string, header event.HeaderPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = append(r.headers, header)
}

func (r *recordingSink) OnMetadata(_ context.Context, _ string, md event.MetadataPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = append(r.metadata, md)
}

func (r *recordingSink) OnHeartbeat(context.Context, string, float64, bool) {}

func (r *recordingSink) OnError(_ context.Context, _, code, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, code)
}

func (r *recordingSink) OnExit(_ context.Context, _ string, exitCode int, interrupted bool) {
	r.mu.Lock()
	r.exitCode = exitCode
	r.exitIntr = interrupted
	r.mu.Unlock()
	close(r.exited)
}

func (r *recordingSink) OnAwaitingInput(_ context.Context, _ string) {
	r.awaiting <- struct{}{}
}

func (r *recordingSink) OnBackendSession(_ context.Context, _, _ string) {}

func (r *recordingSink) OnPermissionRequest(ctx context.Context, sessionID, requestID, toolName string, toolInput map[string]any) (*permission.Handle, error) {
	handle, err := r.perms.Request(ctx, sessionID, requestID, toolName, toolInput)
	if err != nil {
		return nil, err
	}
	r.perms.Resolve(ctx, sessionID, requestID, r.allow, "")
	return handle, nil
}

func (r *recordingSink) waitAwaiting(t *testing.T) {
	t.Helper()
	select {
	case <-r.awaiting:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for awaiting-input")
	}
}

func (r *recordingSink) waitExit(t *testing.T) {
	t.Helper()
	select {
	case <-r.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for turn exit")
	}
}

// nopEmitter satisfies the permission coordinator without a real log.
type nopEmitter struct{}

func (nopEmitter) Emit(_ context.Context, _ string, payload event.Payload) (*event.Event, error) {
	return &event.Event{Type: payload.EventType(), Data: payload}, nil
}

func TestAdapter_SingleRoundTurn(t *testing.T) {
	f := newFakeAPI(t, textMessage("hello there", "end_turn"))
	a := f.adapter()
	sink := newRecordingSink()

	if err := a.Start(context.Background(), runner.StartOptions{
		SessionID: "sess-1",
		Prompt:    "hi",
	}, sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sink.waitAwaiting(t)

	sink.mu.Lock()
	if len(sink.headers) != 1 || sink.headers[0].Provider != "anthropic" {
		t.Errorf("headers = %+v", sink.headers)
	}
	if len(sink.finals) != 1 || sink.finals[0] != "hello there" {
		t.Errorf("finals = %v", sink.finals)
	}
	if len(sink.metadata) != 1 || sink.metadata[0].Tokens == nil || sink.metadata[0].Tokens.Input != 5 {
		t.Errorf("metadata = %+v", sink.metadata)
	}
	sink.mu.Unlock()

	if err := a.Stop(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	sink.waitExit(t)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.exitIntr {
		t.Error("exit after Stop should be marked interrupted")
	}
}

func TestAdapter_MultiTurnInput(t *testing.T) {
	f := newFakeAPI(t,
		textMessage("first answer", "end_turn"),
		textMessage("second answer", "end_turn"),
	)
	a := f.adapter()
	sink := newRecordingSink()

	if err := a.Start(context.Background(), runner.StartOptions{SessionID: "sess-1", Prompt: "one"}, sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sink.waitAwaiting(t)

	if err := a.SendInput(context.Background(), "sess-1", "two"); err != nil {
		t.Fatalf("SendInput failed: %v", err)
	}
	sink.waitAwaiting(t)

	sink.mu.Lock()
	if len(sink.finals) != 2 || sink.finals[1] != "second answer" {
		t.Errorf("finals = %v", sink.finals)
	}
	sink.mu.Unlock()
	if f.callCount() != 2 {
		t.Errorf("api calls = %d, want 2", f.callCount())
	}

	_ = a.Stop(context.Background(), "sess-1")
	sink.waitExit(t)
}

func TestAdapter_ToolUseRound(t *testing.T) {
	f := newFakeAPI(t,
		toolUseMessage("echo tool-ran"),
		textMessage("command finished", "end_turn"),
	)
	a := f.adapter()
	sink := newRecordingSink()
	sink.perms = permission.New(nopEmitter{}, permission.DefaultTimeout)
	sink.allow = true

	if err := a.Start(context.Background(), runner.StartOptions{
		SessionID: "sess-1",
		Prompt:    "run it",
		Directory: t.TempDir(),
	}, sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sink.waitAwaiting(t)

	sink.mu.Lock()
	if len(sink.outputs) != 1 || sink.outputs[0] != "running a command" {
		t.Errorf("intermediate outputs = %v", sink.outputs)
	}
	if len(sink.finals) != 1 || sink.finals[0] != "command finished" {
		t.Errorf("finals = %v", sink.finals)
	}
	sink.mu.Unlock()
	if f.callCount() != 2 {
		t.Errorf("api calls = %d, want tool round plus final", f.callCount())
	}

	_ = a.Stop(context.Background(), "sess-1")
	sink.waitExit(t)
}

func TestAdapter_DeniedToolStillCompletes(t *testing.T) {
	f := newFakeAPI(t,
		toolUseMessage("rm -rf /important"),
		textMessage("could not run the command", "end_turn"),
	)
	a := f.adapter()
	sink := newRecordingSink()
	sink.perms = permission.New(nopEmitter{}, permission.DefaultTimeout)
	sink.allow = false

	if err := a.Start(context.Background(), runner.StartOptions{
		SessionID: "sess-1",
		Prompt:    "run it",
		Directory: t.TempDir(),
	}, sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sink.waitAwaiting(t)

	// The denial goes back as a tool result; the turn keeps going.
	if f.callCount() != 2 {
		t.Errorf("api calls = %d, want 2", f.callCount())
	}

	_ = a.Stop(context.Background(), "sess-1")
	sink.waitExit(t)
}

func TestAdapter_APIError(t *testing.T) {
	f := newFakeAPI(t)
	f.status = http.StatusInternalServerError
	a := f.adapter()
	sink := newRecordingSink()

	if err := a.Start(context.Background(), runner.StartOptions{SessionID: "sess-1", Prompt: "hi"}, sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sink.waitExit(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 1 || sink.errs[0] != "api_error" {
		t.Errorf("errs = %v, want [api_error]", sink.errs)
	}
	if sink.exitCode != 1 || sink.exitIntr {
		t.Errorf("exit = %d interrupted=%v, want 1/false", sink.exitCode, sink.exitIntr)
	}
}

func TestAdapter_NoActiveTurn(t *testing.T) {
	f := newFakeAPI(t)
	a := f.adapter()
	ctx := context.Background()

	if err := a.SendInput(ctx, "missing", "hi"); !errors.Is(err, runner.ErrNoActiveTurn) {
		t.Errorf("SendInput err = %v, want ErrNoActiveTurn", err)
	}
	if err := a.Stop(ctx, "missing"); !errors.Is(err, runner.ErrNoActiveTurn) {
		t.Errorf("Stop err = %v, want ErrNoActiveTurn", err)
	}
}
