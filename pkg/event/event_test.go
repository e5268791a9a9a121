package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEvent_RoundTrip(t *testing.T) {
	cost := 0.0421
	tests := []struct {
		name    string
		payload Payload
		want    Type
	}{
		{"state", &StatePayload{State: "RUNNING"}, TypeSessionState},
		{"output", &OutputPayload{Stream: "agent", Text: "working...", Kind: KindStep}, TypeOutput},
		{"output final", &OutputPayload{Stream: "agent", Text: "done", Kind: KindFinal, Final: true}, TypeOutputFinal},
		{"tokens", TokensMetadata(120, 64), TypeMetadata},
		{"cost", &MetadataPayload{Key: "cost", Cost: &cost, Raw: "$0.0421"}, TypeMetadata},
		{"heartbeat", &HeartbeatPayload{ElapsedSeconds: 42.5}, TypeHeartbeat},
		{"error", &ErrorPayload{Code: "worker_crash", Message: "exited 137"}, TypeError},
		{"warning", &WarningPayload{Code: "slow_consumer", Message: "queue filling"}, TypeWarning},
		{"input required", &InputRequiredPayload{SessionName: "fix parser", LastOutput: "ok", Truncated: true}, TypeInputRequired},
		{"user input", &UserInputPayload{Text: "try again"}, TypeUserInput},
		{"permission request", &PermissionRequestPayload{RequestID: "perm_1", ToolName: "bash", ToolInput: map[string]any{"command": "ls"}}, TypePermissionRequest},
		{"permission resolved", &PermissionResolvedPayload{RequestID: "perm_1", ResolvedBy: "timeout", Allowed: false}, TypePermissionResolved},
		{"header", &HeaderPayload{Title: "worker", Model: "m1", Provider: "anthropic"}, TypeHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.payload.EventType(); got != tt.want {
				t.Fatalf("EventType() = %s, want %s", got, tt.want)
			}

			ev := Event{
				SessionID: "sess_abc",
				TS:        Now(),
				Seq:       7,
				Type:      tt.payload.EventType(),
				Data:      tt.payload,
			}
			data, err := json.Marshal(ev)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}

			var decoded Event
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if decoded.SessionID != ev.SessionID || decoded.Seq != ev.Seq || decoded.Type != ev.Type {
				t.Errorf("envelope mismatch: got %+v, want %+v", decoded, ev)
			}

			before, _ := json.Marshal(ev.Data)
			after, _ := json.Marshal(decoded.Data)
			if string(before) != string(after) {
				t.Errorf("payload mismatch:\n got %s\nwant %s", after, before)
			}
		})
	}
}

func TestEvent_UnknownType(t *testing.T) {
	raw := `{"session_id":"sess_x","ts":"2026-01-01T00:00:00Z","seq":1,"type":"bogus","data":{}}`

	var ev Event
	err := json.Unmarshal([]byte(raw), &ev)
	if err == nil {
		t.Fatal("expected error for unknown event type, got none")
	}
	if !strings.Contains(err.Error(), "unknown event type") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEvent_DecodedPayloadTypes(t *testing.T) {
	raw := `{"session_id":"sess_x","ts":"2026-01-01T00:00:00Z","seq":3,"type":"permission_resolved",` +
		`"data":{"request_id":"perm_9","resolved_by":"user","allowed":true}}`

	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	resolved, ok := ev.Data.(*PermissionResolvedPayload)
	if !ok {
		t.Fatalf("Data type = %T, want *PermissionResolvedPayload", ev.Data)
	}
	if resolved.RequestID != "perm_9" || resolved.ResolvedBy != "user" || !resolved.Allowed {
		t.Errorf("payload fields wrong: %+v", resolved)
	}
}

func TestTimestamp(t *testing.T) {
	ts := Timestamp(time.Date(2026, 3, 14, 9, 26, 53, 0, time.FixedZone("x", 3600)))
	if ts != "2026-03-14T08:26:53Z" {
		t.Errorf("Timestamp() = %s, want 2026-03-14T08:26:53Z", ts)
	}
}
