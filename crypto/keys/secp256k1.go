// Package keys implements the node's secp256k1 identity: recoverable
// signatures, address derivation, and SHA-256 digesting.
package keys

import (
	stdcrypto "crypto"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	dknc "github.com/dkn-network/compute-node/crypto"
	"github.com/dkn-network/compute-node/internal/metrics"
)

// secp256k1KeyPair implements crypto.KeyPair.
type secp256k1KeyPair struct {
	privateKey *secp256k1.PrivateKey
	publicKey  *secp256k1.PublicKey
}

// GenerateSecp256k1KeyPair generates a new random identity.
func GenerateSecp256k1KeyPair() (dknc.KeyPair, error) {
	privateKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &secp256k1KeyPair{privateKey: privateKey, publicKey: privateKey.PubKey()}, nil
}

// NewSecp256k1KeyPairFromSecret builds an identity from a 32-byte secret, as
// read from DKN_WALLET_SECRET_KEY.
func NewSecp256k1KeyPairFromSecret(secret []byte) (dknc.KeyPair, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: secret must be 32 bytes, got %d", dknc.ErrInvalidKey, len(secret))
	}
	privateKey := secp256k1.PrivKeyFromBytes(secret)
	return &secp256k1KeyPair{privateKey: privateKey, publicKey: privateKey.PubKey()}, nil
}

// NewSecp256k1PublicKey wraps a 33-byte compressed public key for
// verification-only use (e.g. the configured admin key).
func NewSecp256k1PublicKey(compressed []byte) (dknc.KeyPair, error) {
	pub, err := secp256k1.ParsePubKey(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dknc.ErrInvalidKey, err)
	}
	return &secp256k1KeyPair{publicKey: pub}, nil
}

func (kp *secp256k1KeyPair) PublicKey() stdcrypto.PublicKey {
	return kp.publicKey.ToECDSA()
}

func (kp *secp256k1KeyPair) PrivateKey() stdcrypto.PrivateKey {
	if kp.privateKey == nil {
		return nil
	}
	return kp.privateKey.ToECDSA()
}

func (kp *secp256k1KeyPair) CompressedPublicKey() []byte {
	return kp.publicKey.SerializeCompressed()
}

// Address returns the last 20 bytes of the Keccak256 digest of the
// uncompressed public key, matching the Ethereum-style address derivation
// the wire protocol uses for routing and log lines.
func (kp *secp256k1KeyPair) Address() [20]byte {
	uncompressed := kp.publicKey.SerializeUncompressed()
	hash := ethcrypto.Keccak256(uncompressed[1:])
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

func (kp *secp256k1KeyPair) ID() string {
	addr := kp.Address()
	return hex.EncodeToString(addr[:])
}

// Sign produces a 65-byte recoverable signature: the first 64 bytes are
// (r, s), the 65th is the recovery id (0 or 1, not EIP-155-shifted).
func (kp *secp256k1KeyPair) Sign(message []byte) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.CryptoOperationDuration.WithLabelValues("sign").Observe(time.Since(start).Seconds()) }()

	if kp.privateKey == nil {
		metrics.CryptoErrors.WithLabelValues("sign").Inc()
		return nil, fmt.Errorf("%w: no private key available for signing", dknc.ErrInvalidKey)
	}
	digest := dknc.Digest(message)
	sig, err := ethcrypto.Sign(digest[:], kp.privateKey.ToECDSA())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("sign").Inc()
		return nil, err
	}
	metrics.CryptoOperations.WithLabelValues("sign").Inc()
	return sig, nil
}

// Verify checks a 65-byte recoverable signature against the key's own
// public key.
func (kp *secp256k1KeyPair) Verify(message, signature []byte) error {
	start := time.Now()
	defer func() { metrics.CryptoOperationDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds()) }()

	pub, err := Recover(message, signature)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
		return err
	}
	if pub.ID() != kp.ID() {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
		return dknc.ErrBadSignature
	}
	metrics.CryptoOperations.WithLabelValues("verify").Inc()
	return nil
}

// Recover recovers the signing public key from a 65-byte recoverable
// signature over message.
func Recover(message, signature []byte) (dknc.KeyPair, error) {
	if len(signature) != 65 {
		return nil, fmt.Errorf("%w: signature must be 65 bytes, got %d", dknc.ErrBadSignature, len(signature))
	}
	digest := dknc.Digest(message)
	pubBytes, err := ethcrypto.Ecrecover(digest[:], signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dknc.ErrBadSignature, err)
	}
	pub, err := ethcrypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dknc.ErrBadSignature, err)
	}
	compressed := ethcrypto.CompressPubkey(pub)
	return NewSecp256k1PublicKey(compressed)
}

// VerifyWithKey checks a 65-byte recoverable signature recovers to exactly
// the given public key. This is the check C7 performs against the admin
// key: recover, then compare addresses rather than trust the caller-supplied
// key pair to hold a matching private key.
func VerifyWithKey(message, signature []byte, expected dknc.KeyPair) error {
	recovered, err := Recover(message, signature)
	if err != nil {
		return err
	}
	if recovered.ID() != expected.ID() {
		return dknc.ErrBadSignature
	}
	return nil
}

// RawSecret returns the 32-byte scalar backing kp's private key, for
// callers that need the raw secret rather than an stdlib crypto.PrivateKey
// (ECIES decryption, deriving a libp2p identity from the same key material).
func RawSecret(kp dknc.KeyPair) ([]byte, error) {
	priv, ok := kp.PrivateKey().(*ecdsa.PrivateKey)
	if !ok || priv == nil {
		return nil, fmt.Errorf("%w: key pair has no private key material", dknc.ErrInvalidKey)
	}
	raw := make([]byte, 32)
	priv.D.FillBytes(raw)
	return raw, nil
}
