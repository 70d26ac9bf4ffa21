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
	"crypto/hmac"
	"encoding/binary"

	"github.com/facebook/openvpn3go/ovpnerr"
)

// DataMode selects between AEAD and legacy CBC-with-HMAC data-channel
// framing (spec §4.3/§4.4).
type DataMode int

// Data-channel modes.
const (
	DataModeAEAD DataMode = iota
	DataModeCBC
)

// DataChannelState is the C4 codec's per-slot, per-key-epoch state: the
// negotiated data-channel keys for both directions, replay protection,
// byte/packet counters, and data-limit bookkeeping. It is owned by a
// key-exchange state machine slot (keystate.KeyState) but defined here so
// the codec has no upward dependency on the state machine.
type DataChannelState struct {
	KeyID   KeyID
	Variant ProtoVariant
	Mode    DataMode

	// AEAD mode.
	SendAEAD   AEAD
	RecvAEAD   AEAD
	SendIVTail []byte
	RecvIVTail []byte

	// CBC mode.
	SendCipher  *CBCCipher
	RecvCipher  *CBCCipher
	SendHMACKey []byte
	RecvHMACKey []byte
	HMACName    HMACName

	SendID     PacketIDSend
	RecvWindow *ReplayWindow
	PeerID     PeerID

	BytesOut   uint64
	BytesIn    uint64
	PacketsOut uint64
	PacketsIn  uint64

	// DataLimitSoft/Hard bound the number of 16-byte blocks encrypted+
	// decrypted under one key before a rekey is mandatory; each packet
	// counts len(plaintext)/16+1 blocks (spec §4.4, relevant to
	// 64-bit block ciphers). Zero disables the check (AEAD ciphers with a
	// 128-bit block need no such limit at any practical traffic volume).
	DataLimitSoft uint64
	DataLimitHard uint64
	blocksUsed    uint64
	SoftLimitHit  bool
}

// KeepalivePingPayload is the well-known sentinel data payload used
// for liveness pings (spec §4.10). The real OpenVPN ping string is 16
// bytes; we keep the same constant so wire captures match the reference
// traces mentioned in spec §9.
var KeepalivePingPayload = []byte{0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb, 0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48}

// IsKeepalivePing reports whether plaintext is the keepalive sentinel.
func IsKeepalivePing(plaintext []byte) bool {
	return hmac.Equal(plaintext, KeepalivePingPayload)
}

// associatedData returns the AEAD associated data for the given opcode and
// key-id, optionally including a v2 peer-id, per spec §4.3.
func associatedData(op Opcode, key KeyID, variant ProtoVariant, peer PeerID) []byte {
	if variant == ProtoV2 {
		ad := make([]byte, 4)
		ad[0] = EncodeOpByte(op, key)
		p := MarshalPeerID(peer)
		copy(ad[1:], p[:])
		return ad
	}
	return []byte{EncodeOpByte(op, key)}
}

// EncryptDataPacket encrypts one tunnelled packet under st, producing a
// full wire packet: op-byte, (v2) peer-id, packet-id, ciphertext+tag (AEAD)
// or HMAC+IV+ciphertext (CBC). It mutates counters and enforces the data
// limit per spec §4.4.
func EncryptDataPacket(st *DataChannelState, plaintext []byte) ([]byte, error) {
	if st.DataLimitHard != 0 && st.blocksUsed >= st.DataLimitHard {
		return nil, ovpnerr.ErrDataLimitHard
	}
	op := OpDataV1
	if st.Variant == ProtoV2 {
		op = OpDataV2
	}
	id, err := st.SendID.NextID()
	if err != nil {
		return nil, err
	}

	var out []byte
	switch st.Mode {
	case DataModeAEAD:
		nonce := BuildNonce(id, st.SendIVTail)
		ad := associatedData(op, st.KeyID, st.Variant, st.PeerID)
		var idBytes [4]byte
		binary.BigEndian.PutUint32(idBytes[:], uint32(id))
		sealed := st.SendAEAD.Seal(nil, nonce[:], plaintext, ad)
		out = buildDataHeader(op, st.KeyID, st.Variant, st.PeerID)
		out = append(out, idBytes[:]...)
		out = append(out, sealed...)
	case DataModeCBC:
		var idBytes [4]byte
		binary.BigEndian.PutUint32(idBytes[:], uint32(id))
		inner := append(append([]byte{}, idBytes[:]...), plaintext...)
		inner = padPKCS7(inner, st.SendCipher.BlockSize())
		var iv [16]byte
		if err := RandomBytes(iv[:]); err != nil {
			return nil, err
		}
		ciphertext := st.SendCipher.Encrypt(iv[:], inner)
		mac, err := NewHMAC(st.HMACName, st.SendHMACKey)
		if err != nil {
			return nil, err
		}
		mac.Write(iv[:])
		mac.Write(ciphertext)
		sum := mac.Sum(nil)
		out = buildDataHeader(op, st.KeyID, st.Variant, st.PeerID)
		out = append(out, sum...)
		out = append(out, iv[:]...)
		out = append(out, ciphertext...)
	}

	st.PacketsOut++
	st.BytesOut += uint64(len(plaintext))
	st.blocksUsed += uint64(len(plaintext)/16 + 1)
	if st.DataLimitSoft != 0 && st.blocksUsed >= st.DataLimitSoft {
		st.SoftLimitHit = true
	}
	return out, nil
}

func buildDataHeader(op Opcode, key KeyID, variant ProtoVariant, peer PeerID) []byte {
	if variant == ProtoV2 {
		p := MarshalPeerID(peer)
		return []byte{EncodeOpByte(op, key), p[0], p[1], p[2]}
	}
	return []byte{EncodeOpByte(op, key)}
}

// DecryptDataPacket verifies and strips a wire data packet, returning
// plaintext. wire must have the op-byte already stripped; the caller
// passes the original op-byte separately since it was needed for slot
// lookup.
func DecryptDataPacket(st *DataChannelState, op Opcode, wire []byte) ([]byte, error) {
	pos := 0
	if st.Variant == ProtoV2 {
		if len(wire) < 3 {
			return nil, ovpnerr.ErrPacketTooShort
		}
		st.PeerID = UnmarshalPeerID(wire[:3])
		pos = 3
	}
	body := wire[pos:]

	var plaintext []byte
	switch st.Mode {
	case DataModeAEAD:
		if len(body) < 4 {
			return nil, ovpnerr.ErrPacketTooShort
		}
		id := PacketID(binary.BigEndian.Uint32(body[:4]))
		if err := st.RecvWindow.Accept(id); err != nil {
			return nil, err
		}
		nonce := BuildNonce(id, st.RecvIVTail)
		ad := associatedData(op, st.KeyID, st.Variant, st.PeerID)
		out, err := st.RecvAEAD.Open(nil, nonce[:], body[4:], ad)
		if err != nil {
			return nil, ovpnerr.ErrBadHMAC
		}
		plaintext = out
	case DataModeCBC:
		macSize := HMACSize(st.HMACName)
		if len(body) < macSize+16 {
			return nil, ovpnerr.ErrPacketTooShort
		}
		gotMAC := body[:macSize]
		iv := body[macSize : macSize+16]
		ciphertext := body[macSize+16:]
		mac, err := NewHMAC(st.HMACName, st.RecvHMACKey)
		if err != nil {
			return nil, err
		}
		mac.Write(iv)
		mac.Write(ciphertext)
		wantMAC := mac.Sum(nil)
		if !hmac.Equal(gotMAC, wantMAC) {
			return nil, ovpnerr.ErrBadHMAC
		}
		inner := st.RecvCipher.Decrypt(iv, ciphertext)
		inner, err = unpadPKCS7(inner)
		if err != nil {
			return nil, err
		}
		if len(inner) < 4 {
			return nil, ovpnerr.ErrPacketTooShort
		}
		id := PacketID(binary.BigEndian.Uint32(inner[:4]))
		if err := st.RecvWindow.Accept(id); err != nil {
			return nil, err
		}
		plaintext = inner[4:]
	}

	if st.DataLimitHard != 0 && st.blocksUsed >= st.DataLimitHard {
		return nil, ovpnerr.ErrDataLimitHard
	}
	st.PacketsIn++
	st.BytesIn += uint64(len(plaintext))
	st.blocksUsed += uint64(len(plaintext)/16 + 1)
	if st.DataLimitSoft != 0 && st.blocksUsed >= st.DataLimitSoft {
		st.SoftLimitHit = true
	}
	return plaintext, nil
}

func padPKCS7(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	pad := make([]byte, padLen)
	for i := range pad {
		pad[i] = byte(padLen)
	}
	return append(b, pad...)
}

func unpadPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ovpnerr.ErrPacketTooShort
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > len(b) {
		return nil, ovpnerr.ErrPacketTooShort
	}
	return b[:len(b)-padLen], nil
}
