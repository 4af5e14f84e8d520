// Package rqtransport implements a length-prefixed, AES/RSA-hybrid
// encrypted framed transport. It is the lowest-level component in the
// system (no dependency on the engine or queue item model) and is shared
// by both the server façade and the client proxy.
//
// Wire layout (all integers little-endian), following the
// internal/protocol/frame.go Marshal/Unmarshal pattern generalized from a
// fixed 110-byte header to a length-prefixed shape:
//
//	[ payload_size : u32 ][ nonce : 16 bytes ][ ciphertext_or_plaintext : payload_size bytes ]
//
// and, inside the (possibly decrypted) payload:
//
//	[ type : u32 ][ body : payload_size - 4 bytes ]
package rqtransport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ocx/backend/internal/rqcrypto"
)

// TypeTag identifies the payload kind.
type TypeTag uint32

const (
	TypePubKey TypeTag = iota + 1
	TypeSessionKey
	TypeLogin
	TypeState
	TypePickle
)

func (t TypeTag) String() string {
	switch t {
	case TypePubKey:
		return "PubKey"
	case TypeSessionKey:
		return "SessionKey"
	case TypeLogin:
		return "Login"
	case TypeState:
		return "State"
	case TypePickle:
		return "Pickle"
	default:
		return fmt.Sprintf("TypeTag(%d)", uint32(t))
	}
}

// StateKind is the sub-tag carried by a State payload.
type StateKind uint32

const (
	StateError StateKind = iota
	StateLoginError
	StateLoginAccepted
	StateGeneralMsg
)

// Payload is the decoded [type][body] structure inside a frame.
type Payload struct {
	Type TypeTag
	Body []byte
}

// MarshalPayload serializes a Payload to bytes.
func MarshalPayload(p Payload) []byte {
	buf := make([]byte, 4+len(p.Body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Type))
	copy(buf[4:], p.Body)
	return buf
}

// UnmarshalPayload parses bytes into a Payload.
func UnmarshalPayload(data []byte) (Payload, error) {
	if len(data) < 4 {
		return Payload{}, fmt.Errorf("rqtransport: payload too short for type tag: %d bytes", len(data))
	}
	return Payload{
		Type: TypeTag(binary.LittleEndian.Uint32(data[0:4])),
		Body: append([]byte(nil), data[4:]...),
	}, nil
}

// EncodeStateBody serializes a State payload's (state_kind, utf8_message).
func EncodeStateBody(kind StateKind, message string) []byte {
	msg := []byte(message)
	buf := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(kind))
	copy(buf[4:], msg)
	return buf
}

// DecodeStateBody parses a State payload body.
func DecodeStateBody(body []byte) (StateKind, string, error) {
	if len(body) < 4 {
		return 0, "", fmt.Errorf("rqtransport: state body too short: %d bytes", len(body))
	}
	kind := StateKind(binary.LittleEndian.Uint32(body[0:4]))
	return kind, string(body[4:]), nil
}

// rawFrame is the [size][nonce][ciphertext_or_plaintext] structure on the
// wire, before the payload type tag is interpreted.
type rawFrame struct {
	Nonce   [rqcrypto.NonceSize]byte
	Payload []byte // ciphertext if Nonce is non-zero, plaintext otherwise
}

func writeRaw(w io.Writer, f rawFrame) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(f.Payload))); err != nil {
		return err
	}
	buf.Write(f.Nonce[:])
	buf.Write(f.Payload)
	_, err := w.Write(buf.Bytes())
	return err
}

func readRaw(r io.Reader) (rawFrame, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return rawFrame{}, err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])

	var f rawFrame
	if _, err := io.ReadFull(r, f.Nonce[:]); err != nil {
		return rawFrame{}, err
	}
	f.Payload = make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return rawFrame{}, err
		}
	}
	return f, nil
}

func isZeroNonce(nonce [rqcrypto.NonceSize]byte) bool {
	for _, b := range nonce {
		if b != 0 {
			return false
		}
	}
	return true
}
