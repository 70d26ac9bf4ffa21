/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ovpnproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAEADRoundTripAllCiphers(t *testing.T) {
	for _, name := range []AEADCipherName{CipherAES128GCM, CipherAES256GCM, CipherChaCha20Poly1305} {
		key := make([]byte, KeySize(name))
		require.NoError(t, RandomBytes(key))

		a, err := NewAEAD(name, key)
		require.NoError(t, err)

		nonce := make([]byte, NonceSize)
		require.NoError(t, RandomBytes(nonce))
		ad := []byte{0x39}
		plaintext := []byte("tunnel payload for " + string(name))

		sealed := a.Seal(nil, nonce, plaintext, ad)
		opened, err := a.Open(nil, nonce, sealed, ad)
		require.NoError(t, err, name)
		require.Equal(t, plaintext, opened, name)

		sealed[0] ^= 0xff
		_, err = a.Open(nil, nonce, sealed, ad)
		require.Error(t, err, name)
	}
}

func TestBuildNonceLayout(t *testing.T) {
	tail := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	n := BuildNonce(PacketID(0x01020304), tail)
	require.Equal(t, []byte{1, 2, 3, 4, 1, 2, 3, 4, 5, 6, 7, 8}, n[:])
}

func TestHMACAllDigests(t *testing.T) {
	for _, name := range []HMACName{HMACSHA1, HMACSHA256, HMACSHA512} {
		key := make([]byte, 32)
		require.NoError(t, RandomBytes(key))

		h1, err := NewHMAC(name, key)
		require.NoError(t, err)
		h1.Write([]byte("message"))
		sum1 := h1.Sum(nil)
		require.Equal(t, HMACSize(name), len(sum1), name)

		h2, err := NewHMAC(name, key)
		require.NoError(t, err)
		h2.Write([]byte("message"))
		require.Equal(t, sum1, h2.Sum(nil), name)
	}
}

func TestCBCCipherRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	require.NoError(t, RandomBytes(key))
	c, err := NewCBCCipher(key)
	require.NoError(t, err)

	iv := make([]byte, c.BlockSize())
	require.NoError(t, RandomBytes(iv))
	plaintext := padPKCS7([]byte("sixteen byte msg"), c.BlockSize())

	ciphertext := c.Encrypt(iv, plaintext)
	require.NotEqual(t, plaintext, ciphertext)
	got := c.Decrypt(iv, ciphertext)
	require.Equal(t, plaintext, got)
}

func TestRandomBytesNotAllZero(t *testing.T) {
	b := make([]byte, 32)
	require.NoError(t, RandomBytes(b))
	nonZero := false
	for _, v := range b {
		if v != 0 {
			nonZero = true
			break
		}
	}
	require.True(t, nonZero)
}
