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
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/facebook/openvpn3go/ovpnerr"
)

// WrapMode selects one of the three mutually exclusive control-packet
// wrapping modes of spec §4.6.
type WrapMode int

// Wrapping modes.
const (
	WrapPlain WrapMode = iota
	WrapTLSAuth
	WrapTLSCrypt
	WrapTLSCryptV2
)

// StaticKey is a pre-shared static key used by tls-auth/tls-crypt/
// tls-crypt-v2. EncKey is unused (nil) for tls-auth, which only
// authenticates.
type StaticKey struct {
	HMACKey []byte
	EncKey  []byte
}

// Wrapper applies and removes the control-packet wrapping of spec §4.6.
// Wrapping is applied after the op-code byte and before the reliability
// metadata (session-id/ack-block/packet-id), and carries its own replay
// protection (spec §4.6 "a separate packet-id field... own window"),
// independent of the reliability layer's packet-ids.
type Wrapper struct {
	mode     WrapMode
	hmacName HMACName
	key      *StaticKey
	sendID   PacketIDSend
	recv     *ReplayWindow
}

// NewPlainWrapper builds a no-op Wrapper (WrapPlain).
func NewPlainWrapper() *Wrapper {
	return &Wrapper{mode: WrapPlain}
}

// NewTLSAuthWrapper builds a tls-auth Wrapper: HMAC-then-clear.
func NewTLSAuthWrapper(hmacName HMACName, key *StaticKey) *Wrapper {
	return &Wrapper{mode: WrapTLSAuth, hmacName: hmacName, key: key, recv: NewReplayWindow(DefaultReplayWindow)}
}

// NewTLSCryptWrapper builds a tls-crypt Wrapper: encrypt-then-HMAC.
func NewTLSCryptWrapper(key *StaticKey) *Wrapper {
	return &Wrapper{mode: WrapTLSCrypt, hmacName: HMACSHA256, key: key, recv: NewReplayWindow(DefaultReplayWindow)}
}

// NewTLSCryptV2Wrapper builds a tls-crypt-v2 Wrapper, which behaves exactly
// like tls-crypt once the per-client key has been established (the WKc
// bootstrap is handled separately by WrapClientKey/UnwrapClientKey below).
func NewTLSCryptV2Wrapper(clientKey *StaticKey) *Wrapper {
	return &Wrapper{mode: WrapTLSCryptV2, hmacName: HMACSHA256, key: clientKey, recv: NewReplayWindow(DefaultReplayWindow)}
}

// Mode reports the wrapping mode.
func (w *Wrapper) Mode() WrapMode { return w.mode }

// Wrap wraps plaintext (everything in the control/reset/ack packet that
// follows the op byte: session-id, ack-block, packet-id, payload) for
// transmission. opByte is the already-encoded (opcode<<3|key_id) byte.
func (w *Wrapper) Wrap(opByte byte, plaintext []byte) ([]byte, error) {
	switch w.mode {
	case WrapPlain:
		out := make([]byte, 0, 1+len(plaintext))
		out = append(out, opByte)
		out = append(out, plaintext...)
		return out, nil
	case WrapTLSAuth:
		return w.wrapTLSAuth(opByte, plaintext)
	case WrapTLSCrypt, WrapTLSCryptV2:
		return w.wrapTLSCrypt(opByte, plaintext)
	default:
		return nil, fmt.Errorf("ovpnproto: unknown wrap mode %d", w.mode)
	}
}

// Unwrap reverses Wrap, given the op byte already stripped by the caller
// and the remaining wire bytes after it.
func (w *Wrapper) Unwrap(opByte byte, wire []byte) ([]byte, error) {
	switch w.mode {
	case WrapPlain:
		return wire, nil
	case WrapTLSAuth:
		return w.unwrapTLSAuth(opByte, wire)
	case WrapTLSCrypt, WrapTLSCryptV2:
		return w.unwrapTLSCrypt(opByte, wire)
	default:
		return nil, fmt.Errorf("ovpnproto: unknown wrap mode %d", w.mode)
	}
}

func (w *Wrapper) wrapTLSAuth(opByte byte, plaintext []byte) ([]byte, error) {
	id, err := w.sendID.NextID()
	if err != nil {
		return nil, err
	}
	var idBytes [4]byte
	binary.BigEndian.PutUint32(idBytes[:], uint32(id))

	mac, err := NewHMAC(w.hmacName, w.key.HMACKey)
	if err != nil {
		return nil, err
	}
	mac.Write([]byte{opByte})
	mac.Write(idBytes[:])
	mac.Write(plaintext)
	sum := mac.Sum(nil)

	out := make([]byte, 0, 1+len(sum)+4+len(plaintext))
	out = append(out, opByte)
	out = append(out, sum...)
	out = append(out, idBytes[:]...)
	out = append(out, plaintext...)
	return out, nil
}

func (w *Wrapper) unwrapTLSAuth(opByte byte, wire []byte) ([]byte, error) {
	macSize := HMACSize(w.hmacName)
	if len(wire) < macSize+4 {
		return nil, ovpnerr.ErrPacketTooShort
	}
	gotMAC := wire[:macSize]
	idBytes := wire[macSize : macSize+4]
	plaintext := wire[macSize+4:]

	mac, err := NewHMAC(w.hmacName, w.key.HMACKey)
	if err != nil {
		return nil, err
	}
	mac.Write([]byte{opByte})
	mac.Write(idBytes)
	mac.Write(plaintext)
	wantMAC := mac.Sum(nil)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, ovpnerr.ErrBadHMAC
	}
	id := PacketID(binary.BigEndian.Uint32(idBytes))
	if err := w.recv.Accept(id); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// tlsCryptIV derives a 16-byte AES-CTR IV from the static key's IV material
// and the wrapper packet-id, keeping each packet's key-stream distinct.
func tlsCryptIV(encKey []byte, id PacketID) []byte {
	h := sha256.New()
	h.Write(encKey)
	var idBytes [4]byte
	binary.BigEndian.PutUint32(idBytes[:], uint32(id))
	h.Write(idBytes[:])
	return h.Sum(nil)[:16]
}

func (w *Wrapper) wrapTLSCrypt(opByte byte, plaintext []byte) ([]byte, error) {
	id, err := w.sendID.NextID()
	if err != nil {
		return nil, err
	}
	var idBytes [4]byte
	binary.BigEndian.PutUint32(idBytes[:], uint32(id))

	block, err := aes.NewCipher(w.key.EncKey)
	if err != nil {
		return nil, err
	}
	iv := tlsCryptIV(w.key.EncKey, id)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac, err := NewHMAC(HMACSHA256, w.key.HMACKey)
	if err != nil {
		return nil, err
	}
	mac.Write([]byte{opByte})
	mac.Write(idBytes[:])
	mac.Write(ciphertext)
	sum := mac.Sum(nil)

	out := make([]byte, 0, 1+4+len(ciphertext)+len(sum))
	out = append(out, opByte)
	out = append(out, idBytes[:]...)
	out = append(out, ciphertext...)
	out = append(out, sum...)
	return out, nil
}

func (w *Wrapper) unwrapTLSCrypt(opByte byte, wire []byte) ([]byte, error) {
	macSize := HMACSize(HMACSHA256)
	if len(wire) < 4+macSize {
		return nil, ovpnerr.ErrPacketTooShort
	}
	idBytes := wire[:4]
	ciphertext := wire[4 : len(wire)-macSize]
	gotMAC := wire[len(wire)-macSize:]

	mac, err := NewHMAC(HMACSHA256, w.key.HMACKey)
	if err != nil {
		return nil, err
	}
	mac.Write([]byte{opByte})
	mac.Write(idBytes)
	mac.Write(ciphertext)
	wantMAC := mac.Sum(nil)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, ovpnerr.ErrBadHMAC
	}
	id := PacketID(binary.BigEndian.Uint32(idBytes))
	if err := w.recv.Accept(id); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(w.key.EncKey)
	if err != nil {
		return nil, err
	}
	iv := tlsCryptIV(w.key.EncKey, id)
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// WKcSize returns the exact wire size of a Wrapped Client Key blob built
// by WrapClientKey for a per-client key with the given enc/HMAC key
// sizes: a random 16-byte IV, the enc+HMAC key ciphertext, and a
// SHA-256 HMAC tag.
func WKcSize(encKeySize, hmacKeySize int) int {
	return 16 + encKeySize + hmacKeySize + HMACSize(HMACSHA256)
}

// WrapClientKey implements the tls-crypt-v2 server-side bootstrap: it
// encrypts a per-client StaticKey under the server's own static key to
// produce the Wrapped Client Key (WKc) blob the client embeds in its first
// HARD_RESET_CLIENT_V3 (spec §4.6 tls-crypt-v2 row).
func WrapClientKey(serverKey *StaticKey, clientKey *StaticKey) ([]byte, error) {
	plaintext := make([]byte, 0, len(clientKey.EncKey)+len(clientKey.HMACKey))
	plaintext = append(plaintext, clientKey.EncKey...)
	plaintext = append(plaintext, clientKey.HMACKey...)

	block, err := aes.NewCipher(serverKey.EncKey)
	if err != nil {
		return nil, err
	}
	var iv [16]byte
	if err := RandomBytes(iv[:]); err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv[:]).XORKeyStream(ciphertext, plaintext)

	mac, err := NewHMAC(HMACSHA256, serverKey.HMACKey)
	if err != nil {
		return nil, err
	}
	mac.Write(iv[:])
	mac.Write(ciphertext)
	sum := mac.Sum(nil)

	wkc := make([]byte, 0, len(iv)+len(ciphertext)+len(sum))
	wkc = append(wkc, iv[:]...)
	wkc = append(wkc, ciphertext...)
	wkc = append(wkc, sum...)
	return wkc, nil
}

// UnwrapClientKey is the server-side counterpart of WrapClientKey: given
// its own static key and a WKc blob taken off a client's first
// HARD_RESET_CLIENT_V3, it recovers the per-client StaticKey.
func UnwrapClientKey(serverKey *StaticKey, wkc []byte, encKeySize int) (*StaticKey, error) {
	macSize := HMACSize(HMACSHA256)
	if len(wkc) < 16+macSize {
		return nil, ovpnerr.ErrPacketTooShort
	}
	iv := wkc[:16]
	ciphertext := wkc[16 : len(wkc)-macSize]
	gotMAC := wkc[len(wkc)-macSize:]

	mac, err := NewHMAC(HMACSHA256, serverKey.HMACKey)
	if err != nil {
		return nil, err
	}
	mac.Write(iv)
	mac.Write(ciphertext)
	wantMAC := mac.Sum(nil)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, ovpnerr.ErrBadHMAC
	}

	block, err := aes.NewCipher(serverKey.EncKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	if len(plaintext) < encKeySize {
		return nil, ovpnerr.ErrPacketTooShort
	}
	return &StaticKey{
		EncKey:  plaintext[:encKeySize],
		HMACKey: plaintext[encKeySize:],
	}, nil
}
