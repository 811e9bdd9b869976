// Package message defines the closed set of message shapes exchanged between
// host and clients.
//
// Every message is an envelope {type, data} serialized by the codec layer.
// There are exactly five tags: two state-replication shapes pushed by the
// host (state_sync, state_patch) and three RPC shapes used symmetrically by
// both sides (rpc_call, rpc_return, rpc_exception). A call is answered by
// exactly one return or exception carrying the same callId.
package message

import (
	"encoding/json"
	"fmt"

	"sync-rpc/patch"
)

// Type tags the envelope.
type Type string

const (
	TypeCall      Type = "rpc_call"
	TypeReturn    Type = "rpc_return"
	TypeException Type = "rpc_exception"
	TypeSync      Type = "state_sync"
	TypePatch     Type = "state_patch"
)

// Message is the wire envelope. Data holds the tag-specific payload, still
// encoded, so the envelope can be routed without decoding the payload.
type Message struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CallPayload carries one procedure invocation. Parameters are kept encoded
// so each handler decodes them positionally into its own types.
type CallPayload struct {
	CallID string            `json:"callId"`
	Path   string            `json:"procedurePath"`
	Params []json.RawMessage `json:"parameters"`
}

// ReturnPayload carries the successful result for CallID.
type ReturnPayload struct {
	CallID string          `json:"callId"`
	Value  json.RawMessage `json:"value"`
}

// ExceptionPayload carries the failure for CallID.
type ExceptionPayload struct {
	CallID string      `json:"callId"`
	Error  ErrorObject `json:"error"`
}

// ErrorObject is the wire form of a failed call. Kind is a closed,
// machine-checkable code; callers must branch on Kind, never on Message text.
type ErrorObject struct {
	Kind    string         `json:"kind"`
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// SyncPayload carries a full snapshot of the shared state.
type SyncPayload struct {
	State json.RawMessage `json:"state"`
}

// PatchPayload carries the ordered operations of one state transition.
type PatchPayload struct {
	Patch []patch.Operation `json:"patch"`
}

// IsRPC reports whether m belongs to the call-correlation family.
func (m *Message) IsRPC() bool {
	return m.Type == TypeCall || m.Type == TypeReturn || m.Type == TypeException
}

// IsState reports whether m belongs to the state-replication family.
func (m *Message) IsState() bool {
	return m.Type == TypeSync || m.Type == TypePatch
}

func NewCall(callID, path string, params []json.RawMessage) (*Message, error) {
	return wrap(TypeCall, CallPayload{CallID: callID, Path: path, Params: params})
}

func NewReturn(callID string, value json.RawMessage) (*Message, error) {
	if value == nil {
		// A resolved call must never look like an absent value to the caller.
		value = json.RawMessage("null")
	}
	return wrap(TypeReturn, ReturnPayload{CallID: callID, Value: value})
}

func NewException(callID string, errObj ErrorObject) (*Message, error) {
	return wrap(TypeException, ExceptionPayload{CallID: callID, Error: errObj})
}

func NewSync(state json.RawMessage) (*Message, error) {
	return wrap(TypeSync, SyncPayload{State: state})
}

func NewPatch(ops []patch.Operation) (*Message, error) {
	return wrap(TypePatch, PatchPayload{Patch: ops})
}

func wrap(t Type, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("message: encode %s payload: %w", t, err)
	}
	return &Message{Type: t, Data: data}, nil
}

func (m *Message) Call() (*CallPayload, error) {
	p := &CallPayload{}
	return p, m.decode(TypeCall, p)
}

func (m *Message) Return() (*ReturnPayload, error) {
	p := &ReturnPayload{}
	return p, m.decode(TypeReturn, p)
}

func (m *Message) Exception() (*ExceptionPayload, error) {
	p := &ExceptionPayload{}
	return p, m.decode(TypeException, p)
}

func (m *Message) Sync() (*SyncPayload, error) {
	p := &SyncPayload{}
	return p, m.decode(TypeSync, p)
}

func (m *Message) Patch() (*PatchPayload, error) {
	p := &PatchPayload{}
	return p, m.decode(TypePatch, p)
}

func (m *Message) decode(want Type, into any) error {
	if m.Type != want {
		return fmt.Errorf("message: expected %s, got %s", want, m.Type)
	}
	if err := json.Unmarshal(m.Data, into); err != nil {
		return fmt.Errorf("message: decode %s payload: %w", want, err)
	}
	return nil
}

// EncodeParams marshals positional call arguments into their wire form.
func EncodeParams(params ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(params))
	for i, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("message: encode parameter %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}
