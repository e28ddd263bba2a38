// Package envelope implements the signed wire object shared by every
// gossipsub topic: a payload's own fields plus a signer, a signature over
// the canonicalized payload, and a wire version.
package envelope

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	dknc "github.com/dkn-network/compute-node/crypto"
	"github.com/dkn-network/compute-node/crypto/keys"
)

// Field names reserved by the envelope itself; payload fields must not
// collide with these.
const (
	FieldSigner    = "signer"
	FieldSignature = "signature"
	FieldVersion   = "version"
)

// Errors returned while building or parsing an envelope.
var (
	ErrVersionMismatch = errors.New("envelope: incompatible wire version")
	ErrMissingField    = errors.New("envelope: missing signer or signature field")
	ErrBadField        = errors.New("envelope: malformed signer or signature field")
)

// Envelope is the flat on-wire JSON object: {payload..., signer, signature,
// version}. It is kept as a generic map rather than a typed struct because
// every topic (tasks, results, pings, pongs) wraps a different payload
// shape in the same envelope.
type Envelope map[string]interface{}

// Build marshals payload into the envelope's flat fields, signs its
// canonical form with kp, and stamps signer/version.
func Build(payload interface{}, version string, kp dknc.KeyPair) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("envelope: payload is not a JSON object: %w", err)
	}

	e := Envelope(fields)
	delete(e, FieldSigner)
	delete(e, FieldSignature)
	e[FieldVersion] = version

	canon, err := e.Canonical()
	if err != nil {
		return nil, err
	}
	sig, err := kp.Sign(canon)
	if err != nil {
		return nil, fmt.Errorf("envelope: sign: %w", err)
	}

	e[FieldSigner] = hex.EncodeToString(kp.CompressedPublicKey())
	e[FieldSignature] = hex.EncodeToString(sig)
	return e, nil
}

// Parse decodes a wire envelope from JSON.
func Parse(data []byte) (Envelope, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("envelope: parse: %w", err)
	}
	return Envelope(fields), nil
}

// Bytes marshals the envelope for publication.
func (e Envelope) Bytes() ([]byte, error) {
	return json.Marshal(map[string]interface{}(e))
}

// Version returns the envelope's declared wire version.
func (e Envelope) Version() (string, error) {
	v, ok := e[FieldVersion].(string)
	if !ok {
		return "", fmt.Errorf("%w: version field missing or non-string", ErrBadField)
	}
	return v, nil
}

// Canonical returns the canonicalized form used for signing: the payload's
// fields (version included, signature excluded) with object keys sorted
// lexicographically and no insignificant whitespace.
func (e Envelope) Canonical() ([]byte, error) {
	canon := make(map[string]interface{}, len(e))
	for k, v := range e {
		if k == FieldSignature {
			continue
		}
		canon[k] = v
	}
	return Canonicalize(canon)
}

// RecoverSigner recovers the public key that produced the envelope's
// signature over its canonical form, without trusting the embedded
// "signer" field.
func (e Envelope) RecoverSigner() (dknc.KeyPair, error) {
	sigHex, ok := e[FieldSignature].(string)
	if !ok {
		return nil, ErrMissingField
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not hex: %v", ErrBadField, err)
	}
	canon, err := e.Canonical()
	if err != nil {
		return nil, err
	}
	return keys.Recover(canon, sig)
}

// VerifySignedBy checks that the envelope's signature recovers to exactly
// the given key. This is the check C7 performs against the configured
// admin key, and the check any consumer performs against a responder's
// claimed identity.
func (e Envelope) VerifySignedBy(expected dknc.KeyPair) error {
	recovered, err := e.RecoverSigner()
	if err != nil {
		return err
	}
	if recovered.ID() != expected.ID() {
		return dknc.ErrBadSignature
	}
	return nil
}
