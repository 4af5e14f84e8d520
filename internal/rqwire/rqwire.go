// Package rqwire defines the explicit, versioned encoding carried inside
// Pickle frames. Rather than the original's language-specific pickling of
// arbitrary call/event objects, every EngineAPI method and every event has
// a fixed argument/result shape here; anything that fails to decode into
// one of these shapes is treated as TransportClosed, never executed.
package rqwire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/queueitem"
)

// Kind tags what an Envelope carries over a Pickle frame.
type Kind uint8

const (
	KindMethodCall Kind = iota + 1
	KindMethodReturn
	KindSignalEmit
)

// MethodArgs holds the argument shape for every EngineAPI method; only the
// fields relevant to Method are populated.
type MethodArgs struct {
	Name    string
	Config  []byte
	ItemID  uint64
	Delta   int
	Pos     int
	Action  queueitem.Action
	N       int
	Msg     string
	SeekEnd int64
	MaxBytes int64
}

// RemoteErr is the wire shape of an error returned from a method call,
// preserving the server-side error's type name so it can be re-raised on
// the client with that name kept as a string prefix.
type RemoteErr struct {
	TypeName string
	Message  string
}

// MethodResult holds the result shape for every EngineAPI method; only the
// fields relevant to the originating Method are populated. Err is set
// instead of the rest when the call failed.
type MethodResult struct {
	Err *RemoteErr

	ID       uint64
	Queue    []uint64
	Items    map[uint64]queueitem.Item
	Info     map[uint64]engineapi.LogInfo
	Text     string
	ModTime  time.Time
	Config   []byte
}

// Envelope is the top-level structure carried inside every Pickle frame.
type Envelope struct {
	Kind   Kind
	CallID uint64
	Method engineapi.MethodName

	Args   MethodArgs
	Result MethodResult
	Event  engineapi.Event
}

// Encode gob-serializes env for transmission as a Pickle frame body.
func Encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("rqwire: encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a Pickle frame body back into an Envelope. Any malformed
// input is surfaced to the caller, who must treat it as TransportClosed
// rather than attempt partial recovery.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("rqwire: decode envelope: %w", err)
	}
	return env, nil
}
