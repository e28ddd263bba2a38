// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dknc "github.com/dkn-network/compute-node/crypto"
)

func TestSecp256k1KeyPair(t *testing.T) {
	t.Run("GenerateKeyPair", func(t *testing.T) {
		keyPair, err := GenerateSecp256k1KeyPair()
		require.NoError(t, err)
		assert.NotNil(t, keyPair)
		assert.NotNil(t, keyPair.PublicKey())
		assert.NotNil(t, keyPair.PrivateKey())
		assert.NotEmpty(t, keyPair.ID())
		assert.Len(t, keyPair.CompressedPublicKey(), 33)
	})

	t.Run("SignAndVerify", func(t *testing.T) {
		keyPair, err := GenerateSecp256k1KeyPair()
		require.NoError(t, err)

		message := []byte("test message")

		signature, err := keyPair.Sign(message)
		require.NoError(t, err)
		assert.Len(t, signature, 65)

		err = keyPair.Verify(message, signature)
		assert.NoError(t, err)

		wrongMessage := []byte("wrong message")
		err = keyPair.Verify(wrongMessage, signature)
		assert.Error(t, err)

		wrongSignature := make([]byte, len(signature))
		copy(wrongSignature, signature)
		wrongSignature[0] ^= 0xFF
		err = keyPair.Verify(message, wrongSignature)
		assert.Error(t, err)
	})

	t.Run("RecoverMatchesSigner", func(t *testing.T) {
		keyPair, err := GenerateSecp256k1KeyPair()
		require.NoError(t, err)

		message := []byte("recoverable")
		signature, err := keyPair.Sign(message)
		require.NoError(t, err)

		recovered, err := Recover(message, signature)
		require.NoError(t, err)
		assert.Equal(t, keyPair.ID(), recovered.ID())

		err = VerifyWithKey(message, signature, keyPair)
		assert.NoError(t, err)
	})

	t.Run("RecoverRejectsTruncatedSignature", func(t *testing.T) {
		_, err := Recover([]byte("x"), make([]byte, 64))
		assert.ErrorIs(t, err, dknc.ErrBadSignature)
	})

	t.Run("MultipleKeyPairsHaveDifferentIDs", func(t *testing.T) {
		keyPair1, err := GenerateSecp256k1KeyPair()
		require.NoError(t, err)

		keyPair2, err := GenerateSecp256k1KeyPair()
		require.NoError(t, err)

		assert.NotEqual(t, keyPair1.ID(), keyPair2.ID())
	})

	t.Run("SignEmptyMessage", func(t *testing.T) {
		keyPair, err := GenerateSecp256k1KeyPair()
		require.NoError(t, err)

		message := []byte{}

		signature, err := keyPair.Sign(message)
		require.NoError(t, err)
		assert.NotEmpty(t, signature)

		err = keyPair.Verify(message, signature)
		assert.NoError(t, err)
	})

	t.Run("SignLargeMessage", func(t *testing.T) {
		keyPair, err := GenerateSecp256k1KeyPair()
		require.NoError(t, err)

		message := make([]byte, 1024*1024)
		for i := range message {
			message[i] = byte(i % 256)
		}

		signature, err := keyPair.Sign(message)
		require.NoError(t, err)
		assert.NotEmpty(t, signature)

		err = keyPair.Verify(message, signature)
		assert.NoError(t, err)
	})

	t.Run("FromSecretRoundTrips", func(t *testing.T) {
		generated, err := GenerateSecp256k1KeyPair()
		require.NoError(t, err)

		priv := generated.PrivateKey()
		require.NotNil(t, priv)

		secret, err := RawSecret(generated)
		require.NoError(t, err)

		restored, err := NewSecp256k1KeyPairFromSecret(secret)
		require.NoError(t, err)
		assert.Equal(t, generated.ID(), restored.ID())
		assert.Equal(t, generated.CompressedPublicKey(), restored.CompressedPublicKey())
	})
}

func TestNewSecp256k1KeyPairFromSecret(t *testing.T) {
	t.Run("RejectsWrongLength", func(t *testing.T) {
		_, err := NewSecp256k1KeyPairFromSecret([]byte{1, 2, 3})
		assert.ErrorIs(t, err, dknc.ErrInvalidKey)
	})

	t.Run("AcceptsFullSecret", func(t *testing.T) {
		secret := make([]byte, 32)
		secret[31] = 1
		kp, err := NewSecp256k1KeyPairFromSecret(secret)
		require.NoError(t, err)
		assert.NotEmpty(t, kp.ID())
	})
}
