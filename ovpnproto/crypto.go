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
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD is the abstract authenticated-encryption interface of spec §4.3:
// a symmetric cipher over (key, nonce, associated_data, plaintext).
// *cipher.AEAD from the standard library already has this exact shape, so
// the facade is a thin constructor layer rather than a reinvented
// interface.
type AEAD = cipher.AEAD

// NonceSize is the AEAD nonce size used on the wire (spec §4.3): a 4-byte
// big-endian packet-id followed by an 8-byte implicit IV tail.
const NonceSize = 12

// AEADCipherName enumerates the AEAD ciphers the core negotiates.
type AEADCipherName string

// Negotiable AEAD ciphers (spec §4.3 "AEAD with AES-GCM, CHACHA20-POLY1305").
const (
	CipherAES128GCM        AEADCipherName = "AES-128-GCM"
	CipherAES256GCM        AEADCipherName = "AES-256-GCM"
	CipherChaCha20Poly1305 AEADCipherName = "CHACHA20-POLY1305"
)

// NewAEAD constructs the AEAD cipher.AEAD for the named cipher and key.
func NewAEAD(name AEADCipherName, key []byte) (AEAD, error) {
	switch name {
	case CipherAES128GCM:
		if len(key) != 16 {
			return nil, fmt.Errorf("ovpnproto: AES-128-GCM needs a 16-byte key, got %d", len(key))
		}
		return newAESGCM(key)
	case CipherAES256GCM:
		if len(key) != 32 {
			return nil, fmt.Errorf("ovpnproto: AES-256-GCM needs a 32-byte key, got %d", len(key))
		}
		return newAESGCM(key)
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("ovpnproto: unsupported AEAD cipher %q", name)
	}
}

func newAESGCM(key []byte) (AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// KeySize returns the symmetric key size, in bytes, for the named AEAD
// cipher.
func KeySize(name AEADCipherName) int {
	switch name {
	case CipherAES128GCM:
		return 16
	case CipherAES256GCM, CipherChaCha20Poly1305:
		return 32
	default:
		return 0
	}
}

// ImplicitIVTailSize is the size, in bytes, of the per-direction implicit
// IV tail appended after the 4-byte packet-id to form the 12-byte AEAD
// nonce (spec §4.3).
const ImplicitIVTailSize = NonceSize - 4

// BuildNonce assembles the 12-byte AEAD nonce from a packet-id and the
// per-direction implicit IV tail (spec §4.3).
func BuildNonce(id PacketID, ivTail []byte) [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = byte(id >> 24)
	n[1] = byte(id >> 16)
	n[2] = byte(id >> 8)
	n[3] = byte(id)
	copy(n[4:], ivTail)
	return n
}

// HMACName enumerates the HMAC digests usable for tls-auth, tls-crypt and
// legacy CBC-with-HMAC data channel mode (spec §4.3).
type HMACName string

// Supported HMAC digests.
const (
	HMACSHA1   HMACName = "SHA1"
	HMACSHA256 HMACName = "SHA256"
	HMACSHA512 HMACName = "SHA512"
)

// NewHMAC constructs a keyed HMAC hash.Hash for the named digest.
func NewHMAC(name HMACName, key []byte) (hash.Hash, error) {
	switch name {
	case HMACSHA1:
		return hmac.New(sha1.New, key), nil
	case HMACSHA256:
		return hmac.New(sha256.New, key), nil
	case HMACSHA512:
		return hmac.New(sha512.New, key), nil
	default:
		return nil, fmt.Errorf("ovpnproto: unsupported HMAC digest %q", name)
	}
}

// HMACSize returns the digest size, in bytes, for the named HMAC.
func HMACSize(name HMACName) int {
	switch name {
	case HMACSHA1:
		return sha1.Size
	case HMACSHA256:
		return sha256.Size
	case HMACSHA512:
		return sha512.Size
	default:
		return 0
	}
}

// RandomBytes fills b with cryptographically secure random bytes, the RNG
// required by spec §4.3.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}

// CBCCipher is the legacy data-channel mode: a CBC block cipher with an
// external HMAC (spec §4.3). Only AES keys are supported (see
// NewCBCCipher).
type CBCCipher struct {
	block cipher.Block
}

// NewCBCCipher constructs a CBC cipher.Block wrapper for AES keys.
func NewCBCCipher(key []byte) (*CBCCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &CBCCipher{block: block}, nil
}

// BlockSize returns the underlying block size.
func (c *CBCCipher) BlockSize() int { return c.block.BlockSize() }

// Encrypt CBC-encrypts plaintext (which must already be a multiple of the
// block size) with the given random IV.
func (c *CBCCipher) Encrypt(iv, plaintext []byte) []byte {
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, plaintext)
	return out
}

// Decrypt CBC-decrypts ciphertext with the given IV.
func (c *CBCCipher) Decrypt(iv, ciphertext []byte) []byte {
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, ciphertext)
	return out
}
