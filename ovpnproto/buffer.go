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

/*
Package ovpnproto implements the OpenVPN wire format: the packet buffer
(C1), packet-id/replay window (C2), the crypto facade (C3), the
data-channel codec (C4), and control-packet wrapping (C6).
*/
package ovpnproto

import "fmt"

// Frame describes head-room, tail-room and payload size for a Buffer
// allocation, so that layered headers can be prepended without copying
// (spec §4.1).
type Frame struct {
	HeadRoom int
	TailRoom int
	Payload  int
}

// Buffer is a linear byte buffer supporting O(1) prepend and append within
// pre-reserved head/tail room. All transforms mutate in place.
type Buffer struct {
	data  []byte
	start int
	end   int
}

// NewBuffer allocates a Buffer per Frame. Insufficient total capacity is a
// programming error and panics, per spec §4.1 "fail fast".
func NewBuffer(f Frame) *Buffer {
	if f.HeadRoom < 0 || f.TailRoom < 0 || f.Payload < 0 {
		panic("ovpnproto: negative frame dimension")
	}
	total := f.HeadRoom + f.Payload + f.TailRoom
	b := &Buffer{data: make([]byte, total), start: f.HeadRoom, end: f.HeadRoom + f.Payload}
	return b
}

// BufferFromBytes wraps an existing slice as a Buffer with no head/tail
// room, used when decoding a packet straight off the wire.
func BufferFromBytes(b []byte) *Buffer {
	return &Buffer{data: b, start: 0, end: len(b)}
}

// View returns the current payload slice. The caller must not retain it
// past the next mutation of the Buffer.
func (b *Buffer) View() []byte {
	return b.data[b.start:b.end]
}

// Len returns the current payload length.
func (b *Buffer) Len() int { return b.end - b.start }

// Prepend writes p immediately before the current payload, growing the
// payload leftward into head-room. Panics if head-room is insufficient.
func (b *Buffer) Prepend(p []byte) {
	if b.start < len(p) {
		panic(fmt.Sprintf("ovpnproto: insufficient head-room: need %d, have %d", len(p), b.start))
	}
	b.start -= len(p)
	copy(b.data[b.start:], p)
}

// Append writes p immediately after the current payload, growing the
// payload rightward into tail-room. Panics if tail-room is insufficient.
func (b *Buffer) Append(p []byte) {
	if len(b.data)-b.end < len(p) {
		panic(fmt.Sprintf("ovpnproto: insufficient tail-room: need %d, have %d", len(p), len(b.data)-b.end))
	}
	copy(b.data[b.end:], p)
	b.end += len(p)
}

// ConsumeFront removes n bytes from the front of the payload, e.g. after an
// outer header has been parsed and stripped.
func (b *Buffer) ConsumeFront(n int) {
	if n > b.Len() {
		panic(fmt.Sprintf("ovpnproto: consume_front(%d) exceeds payload length %d", n, b.Len()))
	}
	b.start += n
}

// TailRoom reports how many bytes may still be Append-ed.
func (b *Buffer) TailRoom() int { return len(b.data) - b.end }

// HeadRoom reports how many bytes may still be Prepend-ed.
func (b *Buffer) HeadRoom() int { return b.start }
