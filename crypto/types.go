// Package crypto defines the identity and cryptographic primitives shared
// by every component that signs, verifies, or encrypts wire payloads.
package crypto

import (
	"crypto"
	"errors"
)

// KeyPair is a secp256k1 identity: the node's own, or one recovered from a
// signature. The wire protocol carries exactly one key type, so unlike the
// multi-algorithm registries some codebases need, this interface is narrow
// on purpose.
type KeyPair interface {
	// PublicKey returns the public key.
	PublicKey() crypto.PublicKey

	// PrivateKey returns the private key, or nil for a recovered public-only key.
	PrivateKey() crypto.PrivateKey

	// Sign produces a 65-byte recoverable signature over the SHA-256 digest of message.
	Sign(message []byte) ([]byte, error)

	// Verify checks a 65-byte recoverable signature against message.
	Verify(message, signature []byte) error

	// Address returns the 20-byte Keccak-derived address for this key.
	Address() [20]byte

	// CompressedPublicKey returns the 33-byte compressed public key.
	CompressedPublicKey() []byte

	// ID returns a short identifier for this key pair (hex-encoded address).
	ID() string
}

// Common errors returned by this package and crypto/keys.
var (
	ErrBadSignature  = errors.New("crypto: bad signature")
	ErrInvalidKey    = errors.New("crypto: invalid key")
	ErrBadCiphertext = errors.New("crypto: bad ciphertext")
)
