package rqtransport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadMarshalRoundTrip(t *testing.T) {
	p := Payload{Type: TypeLogin, Body: []byte("hello")}
	data := MarshalPayload(p)
	got, err := UnmarshalPayload(data)
	require.NoError(t, err)
	assert.Equal(t, p.Type, got.Type)
	assert.Equal(t, string(p.Body), string(got.Body))
}

func TestStateBodyRoundTrip(t *testing.T) {
	body := EncodeStateBody(StateLoginAccepted, "welcome")
	kind, msg, err := DecodeStateBody(body)
	require.NoError(t, err)
	assert.Equal(t, StateLoginAccepted, kind)
	assert.Equal(t, "welcome", msg)
}

func TestConn_PubKeyTravelsPlaintextBeforeSessionKey(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	connA := NewConn(a, 0)
	connB := NewConn(b, 0)

	go connA.WritePubKey([]byte("pem-bytes"))

	p, err := connB.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, TypePubKey, p.Type)
	assert.Equal(t, "pem-bytes", string(p.Body))
}

func TestConn_LoginRequiresSessionKey(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	connA := NewConn(a, 0)
	assert.Error(t, connA.WriteLogin([64]byte{}), "expected WriteLogin to fail before a session key is set")
}

func TestConn_SealedRoundTripAfterSessionKey(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	connA := NewConn(a, 0)
	connB := NewConn(b, 0)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	connA.SetSessionKey(key)
	connB.SetSessionKey(key)

	done := make(chan error, 1)
	go func() { done <- connA.WritePickle([]byte("secret payload")) }()

	p, err := connB.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, TypePickle, p.Type)
	assert.Equal(t, "secret payload", string(p.Body))
}

func TestConn_RejectsZeroNonceOnceSessionKeyEstablished(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	connA := NewConn(a, 0)
	connB := NewConn(b, 0)
	connB.SetSessionKey(make([]byte, 32))

	go connA.WritePubKey([]byte("plaintext-after-key-set"))

	_, err := connB.ReadFrame()
	assert.Error(t, err, "expected zero-nonce frame to be rejected once receiver has a session key")
}

func TestConn_ReadFrameTimesOut(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	connB := NewConn(b, 20*time.Millisecond)
	_, err := connB.ReadFrame()
	assert.True(t, IsTimeout(err), "expected timeout sentinel, got %v", err)
}
