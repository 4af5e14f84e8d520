package rqtransport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ocx/backend/internal/rqcrypto"
	"github.com/ocx/backend/internal/rqerrors"
)

// Conn wraps a net.Conn with the transport's frame encryption rules:
// PubKey always plaintext; SessionKey always RSA-encrypted at the payload
// level (transport-plaintext, since no AES key exists yet); every frame
// after a session key is established is AES-sealed with a fresh per-frame
// nonce.
type Conn struct {
	nc net.Conn

	mu         sync.Mutex
	sessionKey []byte

	// RecvTimeout bounds each individual frame read so the receive loop can
	// observe shutdown.
	RecvTimeout time.Duration
}

// NewConn wraps nc. recvTimeout of 0 disables the per-frame deadline.
func NewConn(nc net.Conn, recvTimeout time.Duration) *Conn {
	return &Conn{nc: nc, RecvTimeout: recvTimeout}
}

// SetSessionKey installs the AES session key negotiated during the
// handshake; all frames written or read after this call are AES-sealed.
func (c *Conn) SetSessionKey(key []byte) {
	c.mu.Lock()
	c.sessionKey = append([]byte(nil), key...)
	c.mu.Unlock()
}

func (c *Conn) hasSessionKey() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionKey == nil {
		return nil, false
	}
	return append([]byte(nil), c.sessionKey...), true
}

// WritePubKey sends an unencrypted PubKey frame.
func (c *Conn) WritePubKey(pemBytes []byte) error {
	return c.writePlain(Payload{Type: TypePubKey, Body: pemBytes})
}

// WriteSessionKey sends a SessionKey frame whose body is the RSA-OAEP
// ciphertext of the fresh session key, transport-plaintext (no AES key
// exists on this leg of the handshake yet).
func (c *Conn) WriteSessionKey(rsaCiphertext []byte) error {
	return c.writePlain(Payload{Type: TypeSessionKey, Body: rsaCiphertext})
}

// WriteState sends a State frame. It travels AES-sealed if a session key is
// established, plaintext otherwise: State may travel either plaintext
// (pre-session) or AES-sealed (post-session).
func (c *Conn) WriteState(kind StateKind, message string) error {
	payload := Payload{Type: TypeState, Body: EncodeStateBody(kind, message)}
	if key, ok := c.hasSessionKey(); ok {
		return c.writeSealed(key, payload)
	}
	return c.writePlain(payload)
}

// WriteLogin sends a Login frame; must be AES-sealed.
func (c *Conn) WriteLogin(hash [64]byte) error {
	key, ok := c.hasSessionKey()
	if !ok {
		return fmt.Errorf("rqtransport: write login: %w", rqerrors.ErrAuthenticationError)
	}
	return c.writeSealed(key, Payload{Type: TypeLogin, Body: hash[:]})
}

// WritePickle sends a Pickle frame carrying an opaque API-layer blob; must
// be AES-sealed.
func (c *Conn) WritePickle(blob []byte) error {
	key, ok := c.hasSessionKey()
	if !ok {
		return fmt.Errorf("rqtransport: write pickle: %w", rqerrors.ErrAuthenticationError)
	}
	return c.writeSealed(key, Payload{Type: TypePickle, Body: blob})
}

func (c *Conn) writePlain(p Payload) error {
	return writeRaw(c.nc, rawFrame{Payload: MarshalPayload(p)})
}

func (c *Conn) writeSealed(key []byte, p Payload) error {
	nonce, ciphertext, err := rqcrypto.SealFrame(key, MarshalPayload(p))
	if err != nil {
		return fmt.Errorf("rqtransport: seal frame: %w", err)
	}
	var f rawFrame
	copy(f.Nonce[:], nonce)
	f.Payload = ciphertext
	return writeRaw(c.nc, f)
}

// ReadFrame blocks for the next frame (up to RecvTimeout if set),
// decrypting it if a session key is established. A nonce of all zero bytes
// is treated as "unencrypted"; once a session key is established, a zero
// nonce is rejected rather than silently accepted as plaintext.
func (c *Conn) ReadFrame() (Payload, error) {
	if c.RecvTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.RecvTimeout))
	}

	raw, err := readRaw(c.nc)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Payload{}, errTimeout
		}
		return Payload{}, fmt.Errorf("rqtransport: read frame: %w", rqerrors.ErrTransportClosed)
	}

	key, hasKey := c.hasSessionKey()
	zero := isZeroNonce(raw.Nonce)

	var plaintext []byte
	switch {
	case zero && !hasKey:
		plaintext = raw.Payload
	case zero && hasKey:
		return Payload{}, fmt.Errorf("rqtransport: zero nonce rejected once session key is established: %w", rqerrors.ErrTransportClosed)
	case !zero && !hasKey:
		return Payload{}, fmt.Errorf("rqtransport: encrypted frame before session key established: %w", rqerrors.ErrAuthenticationError)
	default:
		plaintext, err = rqcrypto.OpenFrame(key, raw.Nonce[:], raw.Payload)
		if err != nil {
			return Payload{}, fmt.Errorf("rqtransport: decrypt frame: %w", rqerrors.ErrTransportClosed)
		}
	}

	p, err := UnmarshalPayload(plaintext)
	if err != nil {
		return Payload{}, fmt.Errorf("rqtransport: malformed payload: %w", rqerrors.ErrTransportClosed)
	}
	return p, nil
}

// errTimeout is a sentinel distinguishing a read-deadline timeout (which
// callers use to re-check shutdown flags) from a hard transport failure.
var errTimeout = fmt.Errorf("rqtransport: frame receive timeout")

// IsTimeout reports whether err is the frame-receive-timeout sentinel.
func IsTimeout(err error) bool { return err == errTimeout }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
