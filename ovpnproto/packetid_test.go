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

	"github.com/facebook/openvpn3go/ovpnerr"
	"github.com/stretchr/testify/require"
)

func TestPacketIDSendIncrements(t *testing.T) {
	var s PacketIDSend
	for i := PacketID(0); i < 5; i++ {
		id, err := s.NextID()
		require.NoError(t, err)
		require.Equal(t, i, id)
	}
}

func TestPacketIDSendWrapExpires(t *testing.T) {
	s := PacketIDSend{next: ^PacketID(0)}
	id, err := s.NextID()
	require.NoError(t, err)
	require.Equal(t, ^PacketID(0), id)
	require.True(t, s.Expired())

	_, err = s.NextID()
	require.ErrorIs(t, err, ovpnerr.ErrDataLimitHard)
}

func TestReplayWindowAcceptsIncreasing(t *testing.T) {
	w := NewReplayWindow(64)
	for i := PacketID(0); i < 200; i++ {
		require.NoError(t, w.Accept(i))
	}
	require.Equal(t, PacketID(199), w.High())
}

func TestReplayWindowRejectsDuplicate(t *testing.T) {
	w := NewReplayWindow(64)
	require.NoError(t, w.Accept(10))
	require.ErrorIs(t, w.Accept(10), ovpnerr.ErrReplay)
}

func TestReplayWindowRejectsTooOld(t *testing.T) {
	w := NewReplayWindow(64)
	require.NoError(t, w.Accept(1000))
	require.ErrorIs(t, w.Accept(1000-64), ovpnerr.ErrReplay)
}

func TestReplayWindowAcceptsOutOfOrderWithinBound(t *testing.T) {
	w := NewReplayWindow(64)
	require.NoError(t, w.Accept(100))
	require.NoError(t, w.Accept(99))
	require.NoError(t, w.Accept(95))
	require.ErrorIs(t, w.Accept(99), ovpnerr.ErrReplay)
	require.NoError(t, w.Accept(101))
}

func TestReplayWindowLargeJumpResetsBitmap(t *testing.T) {
	w := NewReplayWindow(64)
	require.NoError(t, w.Accept(5))
	require.NoError(t, w.Accept(100000))
	require.ErrorIs(t, w.Accept(5), ovpnerr.ErrReplay)
	require.NoError(t, w.Accept(100001))
}
