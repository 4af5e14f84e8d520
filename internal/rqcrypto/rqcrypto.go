// Package rqcrypto implements the hybrid RSA/AES scheme the transport uses
// to bootstrap a session key, plus the fixed SHA-512 password hash used at
// login. Follows internal/sop/cert_generator.go's approach to RSA key
// generation and PEM encode/decode, and internal/service's
// handshake_service.go for nonce generation via crypto/rand.
package rqcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const (
	// RSAKeyBits is the fixed RSA modulus size used for the handshake key.
	RSAKeyBits = 2048

	// SessionKeySize is the AES session key size in bytes (32 = AES-256).
	SessionKeySize = 32

	// NonceSize is the per-frame AES nonce size in bytes.
	NonceSize = 16
)

// PasswordSalt is the build-time constant salt mixed into the password
// hash. It is intentionally not configurable: both ends of the protocol
// must agree on it without ever exchanging it.
var PasswordSalt = [32]byte{
	0x4f, 0x43, 0x58, 0x2d, 0x52, 0x55, 0x4e, 0x51,
	0x55, 0x45, 0x55, 0x45, 0x2d, 0x53, 0x41, 0x4c,
	0x54, 0x2d, 0x76, 0x31, 0x00, 0x11, 0x22, 0x33,
	0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb,
}

// HashPassword computes SHA-512(salt || password).
func HashPassword(password string) [64]byte {
	h := sha512.New()
	h.Write(PasswordSalt[:])
	h.Write([]byte(password))
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}

// GenerateRSAKey creates a fresh 2048-bit RSA key pair.
func GenerateRSAKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSAKeyBits)
}

// MarshalPublicKey PKIX/PEM-encodes a public key for wire transmission as
// a PubKey frame.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("rqcrypto: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey decodes a PEM-encoded public key received over the wire.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("rqcrypto: no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("rqcrypto: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("rqcrypto: public key is not RSA")
	}
	return rsaPub, nil
}

// GenerateSessionKey produces a fresh random AES-256 session key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("rqcrypto: generate session key: %w", err)
	}
	return key, nil
}

// EncryptSessionKey RSA-OAEP-encrypts key under the peer's public key. A
// session key is always sent RSA-OAEP-encrypted, never plaintext.
func EncryptSessionKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha512.New(), rand.Reader, pub, key, nil)
}

// DecryptSessionKey RSA-OAEP-decrypts a session key with the local private
// key.
func DecryptSessionKey(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha512.New(), rand.Reader, priv, ciphertext, nil)
}

// SealFrame AES-encrypts plaintext under key with a fresh random nonce,
// returning the nonce and the ciphertext separately so the caller can place
// them into the frame header/body. The authenticated construction used is
// AES-GCM: authenticated encryption, a 16-byte nonce, one key per session,
// one nonce per frame (see DESIGN.md for why AES-EAX, which has no stdlib
// implementation, was not vendored in its place).
func SealFrame(key []byte, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("rqcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("rqcrypto: new gcm: %w", err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("rqcrypto: generate nonce: %w", err)
	}
	// A nonce equal to all-zero bytes is treated as "unencrypted" by the
	// transport and rejected once a session key is established; regenerate
	// on the astronomically unlikely chance rand.Read produced it.
	for isZero(nonce) {
		if _, err := rand.Read(nonce); err != nil {
			return nil, nil, fmt.Errorf("rqcrypto: generate nonce: %w", err)
		}
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// OpenFrame AES-decrypts ciphertext under key given nonce.
func OpenFrame(key, nonce, ciphertext []byte) ([]byte, error) {
	if isZero(nonce) {
		return nil, fmt.Errorf("rqcrypto: zero nonce rejected once session key is established")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rqcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("rqcrypto: new gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("rqcrypto: decrypt: %w", err)
	}
	return plaintext, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
