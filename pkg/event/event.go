// Package event defines the session event envelope shared by the engine,
// the persisted log, and live subscribers. The wire form and the on-disk
// form are byte-identical: {session_id, ts, seq, type, data}.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of event carried in the envelope.
type Type string

const (
	TypeSessionState       Type = "session_state"
	TypeOutput             Type = "output"
	TypeOutputFinal        Type = "output_final"
	TypeMetadata           Type = "metadata"
	TypeHeartbeat          Type = "heartbeat"
	TypeError              Type = "error"
	TypeWarning            Type = "warning"
	TypeInputRequired      Type = "input_required"
	TypeUserInput          Type = "user_input"
	TypePermissionRequest  Type = "permission_request"
	TypePermissionResolved Type = "permission_resolved"
	TypeHeader             Type = "header"
)

// Payload is implemented by every event data variant. Each Type has exactly
// one payload schema, so a malformed payload fails at decode time instead of
// surprising a consumer downstream.
type Payload interface {
	EventType() Type
}

// Event is an immutable, sequenced record of something that happened in a
// session. Seq is strictly increasing per session starting at 1 and is
// assigned by the event log at emit time.
type Event struct {
	SessionID string  `json:"session_id"`
	TS        string  `json:"ts"`
	Seq       int64   `json:"seq"`
	Type      Type    `json:"type"`
	Data      Payload `json:"data"`
}

// envelope mirrors Event with raw data for two-phase decoding.
type envelope struct {
	SessionID string          `json:"session_id"`
	TS        string          `json:"ts"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes the envelope and then the payload variant selected
// by the type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode event envelope: %w", err)
	}
	payload, err := decodePayload(env.Type, env.Data)
	if err != nil {
		return err
	}
	e.SessionID = env.SessionID
	e.TS = env.TS
	e.Seq = env.Seq
	e.Type = env.Type
	e.Data = payload
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch t {
	case TypeSessionState:
		payload = &StatePayload{}
	case TypeOutput, TypeOutputFinal:
		payload = &OutputPayload{}
	case TypeMetadata:
		payload = &MetadataPayload{}
	case TypeHeartbeat:
		payload = &HeartbeatPayload{}
	case TypeError:
		payload = &ErrorPayload{}
	case TypeWarning:
		payload = &WarningPayload{}
	case TypeInputRequired:
		payload = &InputRequiredPayload{}
	case TypeUserInput:
		payload = &UserInputPayload{}
	case TypePermissionRequest:
		payload = &PermissionRequestPayload{}
	case TypePermissionResolved:
		payload = &PermissionResolvedPayload{}
	case TypeHeader:
		payload = &HeaderPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return payload, nil
}

// Timestamp formats a time in the ISO-8601 UTC shape used across the API
// and the persisted log.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Now returns the current timestamp in envelope format.
func Now() string {
	return Timestamp(time.Now())
}

// StatePayload reports a session lifecycle state change.
type StatePayload struct {
	State string `json:"state"`
}

func (*StatePayload) EventType() Type { return TypeSessionState }

// OutputKind classifies an output fragment.
type OutputKind string

const (
	// KindStep is intermediate output: tool invocations, reasoning, partial work.
	KindStep OutputKind = "step"
	// KindFinal is the agent's final answer text for a turn.
	KindFinal OutputKind = "final"
)

// OutputPayload carries a fragment of agent output. A final fragment is
// emitted under TypeOutputFinal, everything else under TypeOutput.
type OutputPayload struct {
	Stream string     `json:"stream"`
	Text   string     `json:"text"`
	Kind   OutputKind `json:"kind"`
	Final  bool       `json:"final"`
}

func (p *OutputPayload) EventType() Type {
	if p.Final {
		return TypeOutputFinal
	}
	return TypeOutput
}

// TokenCounts holds per-turn token usage reported by a backend.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// MetadataPayload carries backend-reported metadata. Exactly one of Tokens
// or Cost is set depending on Key; Raw preserves the human-readable form.
type MetadataPayload struct {
	Key    string       `json:"key"`
	Tokens *TokenCounts `json:"tokens,omitempty"`
	Cost   *float64     `json:"cost,omitempty"`
	Raw    string       `json:"raw"`
}

func (*MetadataPayload) EventType() Type { return TypeMetadata }

// TokensMetadata builds a metadata payload reporting token usage.
func TokensMetadata(input, output int64) *MetadataPayload {
	return &MetadataPayload{
		Key:    "tokens",
		Tokens: &TokenCounts{Input: input, Output: output},
		Raw:    fmt.Sprintf("input: %d, output: %d", input, output),
	}
}

// CostMetadata builds a metadata payload reporting accumulated cost in USD.
func CostMetadata(usd float64) *MetadataPayload {
	return &MetadataPayload{
		Key:  "cost",
		Cost: &usd,
		Raw:  fmt.Sprintf("$%.4f", usd),
	}
}

// HeartbeatPayload proves turn liveness during long silent stretches.
type HeartbeatPayload struct {
	ElapsedSeconds float64 `json:"elapsed_s"`
	Done           bool    `json:"done"`
}

func (*HeartbeatPayload) EventType() Type { return TypeHeartbeat }

// ErrorPayload reports a backend or engine failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*ErrorPayload) EventType() Type { return TypeError }

// WarningPayload reports a non-fatal condition worth surfacing.
type WarningPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*WarningPayload) EventType() Type { return TypeWarning }

// InputRequiredPayload signals the agent finished a turn and is waiting for
// the user. LastOutput gives subscribers recent context without replaying.
type InputRequiredPayload struct {
	SessionName string `json:"session_name,omitempty"`
	LastOutput  string `json:"last_output,omitempty"`
	Truncated   bool   `json:"truncated"`
}

func (*InputRequiredPayload) EventType() Type { return TypeInputRequired }

// UserInputPayload records text the user sent into the session.
type UserInputPayload struct {
	Text string `json:"text"`
}

func (*UserInputPayload) EventType() Type { return TypeUserInput }

// PermissionRequestPayload asks a human to approve a tool invocation.
type PermissionRequestPayload struct {
	RequestID string         `json:"request_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

func (*PermissionRequestPayload) EventType() Type { return TypePermissionRequest }

// PermissionResolvedPayload records the outcome of a permission request.
// ResolvedBy is "user", "timeout", or "cancelled"; timeout and cancellation
// always resolve fail-closed (Allowed=false).
type PermissionResolvedPayload struct {
	RequestID  string `json:"request_id"`
	ResolvedBy string `json:"resolved_by"`
	Allowed    bool   `json:"allowed"`
	Message    string `json:"message,omitempty"`
}

func (*PermissionResolvedPayload) EventType() Type { return TypePermissionResolved }

// HeaderPayload announces backend identity and configuration for a turn.
type HeaderPayload struct {
	Title    string `json:"title"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Sandbox  string `json:"sandbox,omitempty"`
	Approval string `json:"approval,omitempty"`
}

func (*HeaderPayload) EventType() Type { return TypeHeader }
