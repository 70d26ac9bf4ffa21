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

func TestControlHeaderRoundTripNoAcks(t *testing.T) {
	h := &ControlHeader{
		LocalSessionID: SessionID{1, 2, 3, 4, 5, 6, 7, 8},
		PacketID:       42,
		Payload:        []byte("control plaintext"),
	}
	b, err := h.MarshalBinary()
	require.NoError(t, err)

	got, err := UnmarshalControlHeader(b, false)
	require.NoError(t, err)
	require.Equal(t, h.LocalSessionID, got.LocalSessionID)
	require.Equal(t, h.PacketID, got.PacketID)
	require.Equal(t, h.Payload, got.Payload)
	require.Empty(t, got.AckIDs)
}

func TestControlHeaderRoundTripWithAcks(t *testing.T) {
	h := &ControlHeader{
		LocalSessionID: SessionID{1, 1, 1, 1, 1, 1, 1, 1},
		PeerSessionID:  SessionID{2, 2, 2, 2, 2, 2, 2, 2},
		AckIDs:         []PacketID{1, 2, 3},
		PacketID:       7,
		Payload:        []byte("hello"),
	}
	b, err := h.MarshalBinary()
	require.NoError(t, err)

	got, err := UnmarshalControlHeader(b, false)
	require.NoError(t, err)
	require.Equal(t, h.AckIDs, got.AckIDs)
	require.Equal(t, h.PeerSessionID, got.PeerSessionID)
	require.Equal(t, h.Payload, got.Payload)
}

func TestControlHeaderPureAck(t *testing.T) {
	h := &ControlHeader{
		LocalSessionID: SessionID{9, 9, 9, 9, 9, 9, 9, 9},
		PeerSessionID:  SessionID{8, 8, 8, 8, 8, 8, 8, 8},
		AckIDs:         []PacketID{5},
		IsAck:          true,
	}
	b, err := h.MarshalBinary()
	require.NoError(t, err)

	got, err := UnmarshalControlHeader(b, true)
	require.NoError(t, err)
	require.Equal(t, h.AckIDs, got.AckIDs)
	require.Empty(t, got.Payload)
}

func TestControlHeaderTooManyAcksRejected(t *testing.T) {
	h := &ControlHeader{AckIDs: make([]PacketID, MaxACKIDs+1)}
	_, err := h.MarshalBinary()
	require.Error(t, err)
}

func TestUnmarshalControlHeaderTooShort(t *testing.T) {
	_, err := UnmarshalControlHeader([]byte{1, 2, 3}, false)
	require.Error(t, err)
}

func TestPeerIDMarshalRoundTrip(t *testing.T) {
	id := PeerID(0xABCDEF)
	b := MarshalPeerID(id)
	require.Equal(t, PeerID(0xABCDEF), UnmarshalPeerID(b[:]))
}

func TestOpByteRoundTrip(t *testing.T) {
	for _, op := range []Opcode{OpHardResetClientV2, OpHardResetServerV2, OpControlV1, OpAckV1, OpDataV1, OpDataV2} {
		for key := KeyID(0); key <= MaxKeyID; key++ {
			b := EncodeOpByte(op, key)
			gotOp, gotKey := DecodeOpByte(b)
			require.Equal(t, op, gotOp)
			require.Equal(t, key, gotKey)
		}
	}
}
