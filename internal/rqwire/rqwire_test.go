package rqwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/queueitem"
)

func TestEnvelopeRoundTrip_MethodCall(t *testing.T) {
	env := Envelope{
		Kind:   KindMethodCall,
		CallID: 42,
		Method: engineapi.MethodAdd,
		Args: MethodArgs{
			Name:   "training-run",
			Config: []byte("config payload"),
		},
	}

	data, err := Encode(env)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, env.Kind, got.Kind)
	assert.Equal(t, env.CallID, got.CallID)
	assert.Equal(t, env.Method, got.Method)
	assert.Equal(t, env.Args.Name, got.Args.Name)
	assert.Equal(t, string(env.Args.Config), string(got.Args.Config))
}

func TestEnvelopeRoundTrip_MethodReturnWithError(t *testing.T) {
	env := Envelope{
		Kind:   KindMethodReturn,
		CallID: 7,
		Method: engineapi.MethodCancel,
		Result: MethodResult{
			Err: &RemoteErr{TypeName: "NotFoundError", Message: "item 9 not found"},
		},
	}

	data, err := Encode(env)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	require.NotNil(t, got.Result.Err)
	assert.Equal(t, "NotFoundError", got.Result.Err.TypeName)
}

func TestEnvelopeRoundTrip_SignalEmit(t *testing.T) {
	now := time.Now().Round(time.Second)
	item := queueitem.Item{ID: 1, Name: "job", Status: queueitem.StatusRunning, DtAdded: now}
	env := Envelope{
		Kind:   KindSignalEmit,
		Method: "",
		Event: engineapi.Event{
			Kind:  engineapi.EventRunListChanged,
			Items: map[uint64]queueitem.Item{1: item},
		},
	}

	data, err := Encode(env)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	require.Equal(t, engineapi.EventRunListChanged, got.Event.Kind)
	gotItem, ok := got.Event.Items[1]
	require.True(t, ok, "expected item 1 to survive round trip")
	assert.Equal(t, "job", gotItem.Name)
	assert.Equal(t, queueitem.StatusRunning, gotItem.Status)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not a gob stream"))
	assert.Error(t, err, "expected decode of garbage bytes to fail")
}
