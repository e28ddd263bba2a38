package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"

	"github.com/dkn-network/compute-node/internal/metrics"
)

// gcmNonceSize matches the 16-byte IV the wire layout reserves; standard
// AES-GCM accepts any nonce size via NewGCMWithNonceSize.
const gcmNonceSize = 16

// hkdfInfo binds derived keys to this protocol so a shared secret can never
// be replayed against an unrelated ECIES scheme.
var hkdfInfo = []byte("dkn-compute-node/ecies/v1")

// ecdhSharedX returns the X coordinate of privKey*pubKey, the standard
// ECIES shared secret input before KDF.
func ecdhSharedX(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) []byte {
	var pubJacobian secp256k1.JacobianPoint
	pub.AsJacobian(&pubJacobian)

	var sharedJacobian secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&priv.Key, &pubJacobian, &sharedJacobian)
	sharedJacobian.ToAffine()

	x := sharedJacobian.X.Bytes()
	return x[:]
}

func deriveAESKey(sharedX []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, sharedX, nil, hkdfInfo)
	key := make([]byte, 16) // AES-128-GCM
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf expand: %v", ErrBadCiphertext, err)
	}
	return key, nil
}

// Encrypt performs ECIES over secp256k1: an ephemeral key pair, ECDH with
// recipientPub, HKDF-SHA256 key derivation, and AES-128-GCM. The wire
// layout is 0x04 || X(32) || Y(32) || IV(16) || ciphertext || tag(16). The
// AES key is the first 16 bytes of HKDF-SHA256 over the shared X
// coordinate, with no salt and hkdfInfo as the info string; an ECIES
// implementation that uses the same layout and derivation can decrypt it.
func Encrypt(recipientPub []byte, plaintext []byte) (out []byte, err error) {
	start := time.Now()
	defer func() {
		metrics.CryptoOperationDuration.WithLabelValues("ecies_encrypt").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.CryptoErrors.WithLabelValues("ecies_encrypt").Inc()
		} else {
			metrics.CryptoOperations.WithLabelValues("ecies_encrypt").Inc()
		}
	}()

	recipient, err := secp256k1.ParsePubKey(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient key: %v", ErrInvalidKey, err)
	}

	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	sharedX := ecdhSharedX(ephemeral, recipient)
	key, err := deriveAESKey(sharedX)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	ephPub := ephemeral.PubKey().SerializeUncompressed() // 0x04 || X(32) || Y(32)

	out = make([]byte, 0, len(ephPub)+gcmNonceSize+len(ciphertext)+len(tag))
	out = append(out, ephPub...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

// Decrypt reverses Encrypt using the node's own secret key.
func Decrypt(secret []byte, blob []byte) (plaintext []byte, err error) {
	start := time.Now()
	defer func() {
		metrics.CryptoOperationDuration.WithLabelValues("ecies_decrypt").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.CryptoErrors.WithLabelValues("ecies_decrypt").Inc()
		} else {
			metrics.CryptoOperations.WithLabelValues("ecies_decrypt").Inc()
		}
	}()

	const headerLen = 1 + 32 + 32
	if len(blob) < headerLen+gcmNonceSize+16 {
		return nil, fmt.Errorf("%w: blob too short", ErrBadCiphertext)
	}
	if blob[0] != 0x04 {
		return nil, fmt.Errorf("%w: unexpected ephemeral key header %#x", ErrBadCiphertext, blob[0])
	}

	ephPubBytes := blob[:headerLen]
	rest := blob[headerLen:]
	iv := rest[:gcmNonceSize]
	ciphertextAndTag := rest[gcmNonceSize:]

	priv := secp256k1.PrivKeyFromBytes(secret)
	ephPub, err := secp256k1.ParsePubKey(ephPubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrBadCiphertext, err)
	}

	sharedX := ecdhSharedX(priv, ephPub)
	key, err := deriveAESKey(sharedX)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, err
	}

	plaintext, err = gcm.Open(nil, iv, ciphertextAndTag, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	return plaintext, nil
}

// Digest computes the SHA-256 digest used throughout the wire protocol.
func Digest(msg []byte) [32]byte {
	return sha256.Sum256(msg)
}
