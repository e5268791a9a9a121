package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/leash-dev/leash/internal/permission"
	"github.com/leash-dev/leash/internal/runner"
	"github.com/leash-dev/leash/pkg/event"
)

// fakeSidecar is an httptest server speaking the sidecar protocol. Each
// session's stream serves the configured event payloads then closes.
type fakeSidecar struct {
	t *testing.T

	mu        sync.Mutex
	events    []string
	starts    []map[string]any
	inputs    []map[string]any
	stops     []map[string]any
	responses []map[string]any

	server *httptest.Server
}

func newFakeSidecar(t *testing.T, events ...string) *fakeSidecar {
	t.Helper()
	f := &fakeSidecar{t: t, events: events}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /sessions/start", f.record(&f.starts))
	mux.HandleFunc("POST /sessions/input", f.record(&f.inputs))
	mux.HandleFunc("POST /sessions/stop", f.record(&f.stops))
	mux.HandleFunc("POST /sessions/approval_mode", f.record(nil))
	mux.HandleFunc("POST /permissions/respond", f.record(&f.responses))
	mux.HandleFunc("GET /events/{id}", f.stream)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeSidecar) record(into *[]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if into != nil {
			f.mu.Lock()
			*into = append(*into, body)
			f.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (f *fakeSidecar) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		f.t.Error("stream writer is not a flusher")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": keepalive\n\n")
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	for _, ev := range events {
		fmt.Fprintf(w, "data: %s\n\n", ev)
		flusher.Flush()
	}
}

// recordingSink captures runner callbacks for assertions.
type recordingSink struct {
	perms *permission.Coordinator
	allow bool

	mu         sync.Mutex
	outputs    []string
	finals     []string
	headers    []event.HeaderPayload
	metadata   []event.MetadataPayload
	heartbeats []float64
	errs       []string
	awaiting   int

	exited   chan struct{}
	exitCode int
	exitIntr bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{exited: make(chan struct{})}
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

func (r *recordingSink) OnHeartbeat(_ context.Context, _ string, elapsed float64, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats = append(r.heartbeats, elapsed)
}

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
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awaiting++
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

func TestAdapter_CleanTurn(t *testing.T) {
	f := newFakeSidecar(t,
		`{"type":"init","title":"remote agent","model":"m-1","provider":"test"}`,
		`{"type":"output","text":"step one"}`,
		`{"type":"heartbeat","elapsed_s":2.5}`,
		`{"type":"result","text":"all done","input_tokens":20,"output_tokens":8}`,
		`{"type":"exit","exit_code":0}`,
	)
	a := New(f.server.URL, "")
	sink := newRecordingSink()

	if err := a.Start(context.Background(), runner.StartOptions{
		SessionID: "sess-1",
		Prompt:    "hello",
	}, sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sink.waitExit(t)

	f.mu.Lock()
	if len(f.starts) != 1 || f.starts[0]["session_id"] != "sess-1" || f.starts[0]["prompt"] != "hello" {
		t.Errorf("start requests = %v", f.starts)
	}
	f.mu.Unlock()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.headers) != 1 || sink.headers[0].Title != "remote agent" {
		t.Errorf("headers = %+v", sink.headers)
	}
	if len(sink.outputs) != 1 || sink.outputs[0] != "step one" {
		t.Errorf("outputs = %v", sink.outputs)
	}
	if len(sink.finals) != 1 || sink.finals[0] != "all done" {
		t.Errorf("finals = %v", sink.finals)
	}
	if len(sink.heartbeats) != 1 || sink.heartbeats[0] != 2.5 {
		t.Errorf("heartbeats = %v", sink.heartbeats)
	}
	if len(sink.metadata) != 1 || sink.metadata[0].Tokens == nil || sink.metadata[0].Tokens.Input != 20 {
		t.Errorf("metadata = %+v", sink.metadata)
	}
	if sink.awaiting != 1 {
		t.Errorf("awaiting = %d, want 1", sink.awaiting)
	}
	if sink.exitCode != 0 || sink.exitIntr {
		t.Errorf("exit = %d interrupted=%v, want clean 0", sink.exitCode, sink.exitIntr)
	}
	if len(sink.errs) != 0 {
		t.Errorf("errs = %v, want none", sink.errs)
	}
}

func TestAdapter_StreamLost(t *testing.T) {
	// The stream ends without an exit event.
	f := newFakeSidecar(t,
		`{"type":"output","text":"partial"}`,
	)
	a := New(f.server.URL, "")
	sink := newRecordingSink()

	if err := a.Start(context.Background(), runner.StartOptions{SessionID: "sess-1"}, sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sink.waitExit(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 1 || sink.errs[0] != "stream_lost" {
		t.Errorf("errs = %v, want [stream_lost]", sink.errs)
	}
	if sink.exitCode != 1 || sink.exitIntr {
		t.Errorf("exit = %d interrupted=%v, want 1/false", sink.exitCode, sink.exitIntr)
	}
}

func TestAdapter_MalformedFrameSynthesizesError(t *testing.T) {
	f := newFakeSidecar(t,
		`{"type":"output","text":"before"}`,
		`this is not json {{{`,
		`{"type":"exit","exit_code":0}`,
	)
	a := New(f.server.URL, "")
	sink := newRecordingSink()

	if err := a.Start(context.Background(), runner.StartOptions{SessionID: "sess-1"}, sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sink.waitExit(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 1 || sink.errs[0] != "parse_error" {
		t.Errorf("errs = %v, want [parse_error]", sink.errs)
	}
	if len(sink.outputs) != 1 || sink.outputs[0] != "before" {
		t.Errorf("outputs = %v, want the surrounding frames intact", sink.outputs)
	}
	if sink.exitCode != 0 || sink.exitIntr {
		t.Errorf("exit = %d interrupted=%v, want 0/false", sink.exitCode, sink.exitIntr)
	}
}

func TestAdapter_PermissionRoundTrip(t *testing.T) {
	f := newFakeSidecar(t,
		`{"type":"permission_request","request_id":"req-1","tool_name":"bash","tool_input":{"command":"ls"}}`,
		`{"type":"exit","exit_code":0}`,
	)
	a := New(f.server.URL, "secret")
	sink := newRecordingSink()
	sink.perms = permission.New(nopEmitter{}, permission.DefaultTimeout)
	sink.allow = true

	if err := a.Start(context.Background(), runner.StartOptions{SessionID: "sess-1"}, sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sink.waitExit(t)

	deadline := time.Now().Add(5 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.responses)
		f.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no permission response reached the sidecar")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.responses[0]
	if resp["request_id"] != "req-1" || resp["allowed"] != true {
		t.Errorf("permission response = %v", resp)
	}
}

func TestAdapter_StartRejectedBySidecar(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend at capacity", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	a := New(server.URL, "")
	err := a.Start(context.Background(), runner.StartOptions{SessionID: "sess-1"}, newRecordingSink())
	if err == nil {
		t.Fatal("Start should fail when the sidecar rejects it")
	}
	var rerr *runner.Error
	if !errors.As(err, &rerr) || rerr.Op != "start" {
		t.Errorf("err = %v, want runner.Error for start", err)
	}

	// The failed turn must not linger.
	if err := a.SendInput(context.Background(), "sess-1", "hi"); !errors.Is(err, runner.ErrNoActiveTurn) {
		t.Errorf("SendInput err = %v, want ErrNoActiveTurn", err)
	}
}

func TestAdapter_NoActiveTurn(t *testing.T) {
	a := New("http://127.0.0.1:0", "")
	ctx := context.Background()

	if err := a.SendInput(ctx, "missing", "hi"); !errors.Is(err, runner.ErrNoActiveTurn) {
		t.Errorf("SendInput err = %v, want ErrNoActiveTurn", err)
	}
	if err := a.Stop(ctx, "missing"); !errors.Is(err, runner.ErrNoActiveTurn) {
		t.Errorf("Stop err = %v, want ErrNoActiveTurn", err)
	}
}

func TestAdapter_Ping(t *testing.T) {
	f := newFakeSidecar(t)
	a := New(f.server.URL, "")

	if err := a.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	down := New("http://127.0.0.1:1", "")
	if err := down.Ping(context.Background()); err == nil {
		t.Error("Ping against a dead endpoint should fail")
	}
}
