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
	"encoding/binary"
	"fmt"

	"github.com/facebook/openvpn3go/ovpnerr"
)

// SessionID is the 64-bit session identifier exchanged on HARD_RESET,
// immutable for the life of a Session (spec §3 "Invariants").
type SessionID [8]byte

// ControlHeader is the reliability-layer header carried by every
// control/reset/ack packet, laid out bit-exact per spec §6:
//
//	8-byte local session-id, 1-byte ack-count, ack-count*4-byte acked ids,
//	if ack-count>0 then 8-byte peer session-id, for non-ACK packets a
//	4-byte packet-id, then payload.
type ControlHeader struct {
	LocalSessionID SessionID
	AckIDs         []PacketID
	PeerSessionID  SessionID
	IsAck          bool
	PacketID       PacketID
	Payload        []byte
}

// MarshalBinaryTo writes the header (and payload, for non-ACK packets) to
// b, returning the number of bytes written.
func (h *ControlHeader) MarshalBinaryTo(b []byte) (int, error) {
	if len(h.AckIDs) > MaxACKIDs {
		return 0, fmt.Errorf("ovpnproto: %d ack ids exceeds max %d", len(h.AckIDs), MaxACKIDs)
	}
	need := 8 + 1 + 4*len(h.AckIDs)
	if len(h.AckIDs) > 0 {
		need += 8
	}
	if !h.IsAck {
		need += 4 + len(h.Payload)
	}
	if len(b) < need {
		return 0, ovpnerr.ErrPacketTooShort
	}
	pos := 0
	copy(b[pos:], h.LocalSessionID[:])
	pos += 8
	b[pos] = byte(len(h.AckIDs))
	pos++
	for _, id := range h.AckIDs {
		binary.BigEndian.PutUint32(b[pos:], uint32(id))
		pos += 4
	}
	if len(h.AckIDs) > 0 {
		copy(b[pos:], h.PeerSessionID[:])
		pos += 8
	}
	if !h.IsAck {
		binary.BigEndian.PutUint32(b[pos:], uint32(h.PacketID))
		pos += 4
		copy(b[pos:], h.Payload)
		pos += len(h.Payload)
	}
	return pos, nil
}

// MarshalBinary allocates and returns the marshaled header.
func (h *ControlHeader) MarshalBinary() ([]byte, error) {
	need := 8 + 1 + 4*len(h.AckIDs)
	if len(h.AckIDs) > 0 {
		need += 8
	}
	if !h.IsAck {
		need += 4 + len(h.Payload)
	}
	buf := make([]byte, need)
	n, err := h.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalControlHeader parses a ControlHeader out of b. isAck must be
// known from the op-code already decoded by the caller (OpAckV1 carries no
// packet-id/payload of its own).
func UnmarshalControlHeader(b []byte, isAck bool) (*ControlHeader, error) {
	if len(b) < 9 {
		return nil, ovpnerr.ErrPacketTooShort
	}
	h := &ControlHeader{IsAck: isAck}
	copy(h.LocalSessionID[:], b[:8])
	pos := 8
	ackCount := int(b[pos])
	pos++
	if ackCount > MaxACKIDs {
		return nil, fmt.Errorf("ovpnproto: ack count %d exceeds max %d", ackCount, MaxACKIDs)
	}
	if len(b) < pos+4*ackCount {
		return nil, ovpnerr.ErrPacketTooShort
	}
	h.AckIDs = make([]PacketID, ackCount)
	for i := 0; i < ackCount; i++ {
		h.AckIDs[i] = PacketID(binary.BigEndian.Uint32(b[pos:]))
		pos += 4
	}
	if ackCount > 0 {
		if len(b) < pos+8 {
			return nil, ovpnerr.ErrPacketTooShort
		}
		copy(h.PeerSessionID[:], b[pos:pos+8])
		pos += 8
	}
	if !isAck {
		if len(b) < pos+4 {
			return nil, ovpnerr.ErrPacketTooShort
		}
		h.PacketID = PacketID(binary.BigEndian.Uint32(b[pos:]))
		pos += 4
		h.Payload = b[pos:]
	}
	return h, nil
}

// PeerID is the peer-id carried by v2 data packets as 3 big-endian bytes
// after the op-byte; v1 data packets carry the op-byte only (spec §6).
type PeerID uint32

// MarshalPeerID writes the 24-bit big-endian peer-id used by v2 data
// packets.
func MarshalPeerID(id PeerID) [3]byte {
	var b [3]byte
	b[0] = byte(id >> 16)
	b[1] = byte(id >> 8)
	b[2] = byte(id)
	return b
}

// UnmarshalPeerID reads a 24-bit big-endian peer-id.
func UnmarshalPeerID(b []byte) PeerID {
	return PeerID(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]))
}
