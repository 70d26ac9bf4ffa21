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

func TestBufferPrependAppend(t *testing.T) {
	b := NewBuffer(Frame{HeadRoom: 4, TailRoom: 4, Payload: 0})
	b.Append([]byte("body"))
	require.Equal(t, "body", string(b.View()))

	b.Prepend([]byte("head"))
	require.Equal(t, "headbody", string(b.View()))

	b.Append([]byte("tail"))
	require.Equal(t, "headbodytail", string(b.View()))
}

func TestBufferConsumeFront(t *testing.T) {
	b := BufferFromBytes([]byte("opcodepayload"))
	b.ConsumeFront(len("opcode"))
	require.Equal(t, "payload", string(b.View()))
}

func TestBufferInsufficientRoomPanics(t *testing.T) {
	b := NewBuffer(Frame{HeadRoom: 1, TailRoom: 0, Payload: 0})
	require.Panics(t, func() { b.Prepend([]byte("toolong")) })

	b2 := NewBuffer(Frame{HeadRoom: 0, TailRoom: 1, Payload: 0})
	require.Panics(t, func() { b2.Append([]byte("toolong")) })
}

func TestBufferConsumeFrontPanicsOnOverrun(t *testing.T) {
	b := BufferFromBytes([]byte("abc"))
	require.Panics(t, func() { b.ConsumeFront(10) })
}
