package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkn-network/compute-node/crypto/keys"
)

type taskPayload struct {
	TaskID string `json:"task_id"`
	Model  string `json:"model"`
}

func TestBuildAndVerifySignedBy(t *testing.T) {
	kp, err := keys.GenerateSecp256k1KeyPair()
	require.NoError(t, err)

	e, err := Build(taskPayload{TaskID: "T1", Model: "phi3:3.8b"}, "1.0", kp)
	require.NoError(t, err)

	v, err := e.Version()
	require.NoError(t, err)
	assert.Equal(t, "1.0", v)

	assert.NoError(t, e.VerifySignedBy(kp))

	other, err := keys.GenerateSecp256k1KeyPair()
	require.NoError(t, err)
	assert.Error(t, e.VerifySignedBy(other))
}

func TestParseRoundTrip(t *testing.T) {
	kp, err := keys.GenerateSecp256k1KeyPair()
	require.NoError(t, err)

	e, err := Build(taskPayload{TaskID: "T2"}, "1.0", kp)
	require.NoError(t, err)

	wire, err := e.Bytes()
	require.NoError(t, err)

	parsed, err := Parse(wire)
	require.NoError(t, err)
	assert.NoError(t, parsed.VerifySignedBy(kp))
	assert.Equal(t, "T2", parsed["task_id"])
}

func TestCanonicalizeSortsKeysAndNesting(t *testing.T) {
	a := map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{"z": 1, "y": 2},
	}
	b := map[string]interface{}{
		"a": map[string]interface{}{"y": 2, "z": 1},
		"b": 1,
	}

	outA, err := Canonicalize(a)
	require.NoError(t, err)
	outB, err := Canonicalize(b)
	require.NoError(t, err)
	assert.Equal(t, string(outA), string(outB))
	assert.NotContains(t, string(outA), " ")
}

func TestCanonicalExcludesSignature(t *testing.T) {
	kp, err := keys.GenerateSecp256k1KeyPair()
	require.NoError(t, err)

	e, err := Build(taskPayload{TaskID: "T3"}, "1.0", kp)
	require.NoError(t, err)

	canon, err := e.Canonical()
	require.NoError(t, err)
	assert.NotContains(t, string(canon), "signature")
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, CheckVersion("1.0", "1.0"))
	assert.NoError(t, CheckVersion("1.0", "1.3"))
	assert.Error(t, CheckVersion("1.2", "1.0"))
	assert.Error(t, CheckVersion("1.0", "2.0"))
	assert.ErrorIs(t, CheckVersion("1.0", "garbage"), ErrVersionMismatch)
}

func TestRecoverSignerIgnoresTamperedField(t *testing.T) {
	kp, err := keys.GenerateSecp256k1KeyPair()
	require.NoError(t, err)

	e, err := Build(taskPayload{TaskID: "T4"}, "1.0", kp)
	require.NoError(t, err)

	impostor, err := keys.GenerateSecp256k1KeyPair()
	require.NoError(t, err)
	e[FieldSigner] = impostor.ID()

	assert.NoError(t, e.VerifySignedBy(kp))
	assert.Error(t, e.VerifySignedBy(impostor))
}
