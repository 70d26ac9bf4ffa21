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

// Package reliable implements the control-channel reliability layer of
// spec §4.5: a send window of in-flight, unacked control packets, a
// receive window that reorders and dedupes incoming ones, ACK
// piggybacking, and retransmit with exponential backoff.
package reliable

import (
	"math"
	"time"

	"github.com/facebook/openvpn3go/ovpnerr"
	"github.com/facebook/openvpn3go/ovpnproto"
)

// BackoffConfig parameterizes retransmit backoff: the first retry fires
// after Step, and each subsequent retry doubles, capped at MaxValue.
type BackoffConfig struct {
	Step     time.Duration
	MaxValue time.Duration
	MaxTries int
}

// DefaultBackoffConfig mirrors the conservative defaults real OpenVPN
// peers use for control-channel retransmission.
var DefaultBackoffConfig = BackoffConfig{
	Step:     time.Second,
	MaxValue: 60 * time.Second,
	MaxTries: 12,
}

type backoff struct {
	cfg   BackoffConfig
	tries int
	delay time.Duration
}

func newBackoff(cfg BackoffConfig) *backoff {
	return &backoff{cfg: cfg, delay: cfg.Step}
}

// exhausted reports whether this packet has already used up its retry
// budget, checked before attempting another retransmit.
func (b *backoff) exhausted() bool {
	return b.cfg.MaxTries > 0 && b.tries >= b.cfg.MaxTries
}

// inc records a retry attempt and returns the delay to wait before the
// next one, doubling each time up to cfg.MaxValue.
func (b *backoff) inc() time.Duration {
	b.tries++
	d := time.Duration(float64(b.cfg.Step) * math.Pow(2, float64(b.tries)))
	if d > b.cfg.MaxValue {
		d = b.cfg.MaxValue
	}
	b.delay = d
	return d
}

func (b *backoff) reset() {
	b.tries = 0
	b.delay = b.cfg.Step
}

// outPacket is one unacked entry in the send window.
type outPacket struct {
	id        ovpnproto.PacketID
	payload   []byte
	sentAt    time.Time
	bk        *backoff
	firstSent time.Time
}

// SendWindow tracks control packets this side has sent but that have not
// yet been acked by the peer, and decides when each is due for
// retransmission (spec §4.5).
type SendWindow struct {
	capacity int
	cfg      BackoffConfig
	packets  []*outPacket
}

// NewSendWindow builds a SendWindow holding up to capacity unacked
// packets before Push starts returning ovpnerr.ErrWindowFull.
func NewSendWindow(capacity int, cfg BackoffConfig) *SendWindow {
	return &SendWindow{capacity: capacity, cfg: cfg}
}

// Push enqueues a newly sent packet for retransmit tracking.
func (w *SendWindow) Push(id ovpnproto.PacketID, payload []byte, now time.Time) error {
	if len(w.packets) >= w.capacity {
		return ovpnerr.ErrWindowFull
	}
	w.packets = append(w.packets, &outPacket{
		id: id, payload: payload, sentAt: now, firstSent: now, bk: newBackoff(w.cfg),
	})
	return nil
}

// Ack removes every acked id from the window (a single ACK or
// control-piggybacked ack-block may cover several packets at once).
func (w *SendWindow) Ack(ids []ovpnproto.PacketID) {
	if len(ids) == 0 || len(w.packets) == 0 {
		return
	}
	acked := make(map[ovpnproto.PacketID]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	kept := w.packets[:0]
	for _, p := range w.packets {
		if !acked[p.id] {
			kept = append(kept, p)
		}
	}
	w.packets = kept
}

// Pending returns the window occupancy: the number of packets still
// waiting for an ack.
func (w *SendWindow) Pending() int { return len(w.packets) }

// Full reports whether the window has reached capacity.
func (w *SendWindow) Full() bool { return len(w.packets) >= w.capacity }

// DueForRetransmit returns the payloads of every packet whose backoff
// timer has expired as of now, advancing each one's backoff. A packet
// that has exhausted BackoffConfig.MaxTries is dropped from the window
// and reported via ovpnerr.ErrExcessRetry.
func (w *SendWindow) DueForRetransmit(now time.Time) (due [][]byte, err error) {
	kept := w.packets[:0]
	for _, p := range w.packets {
		elapsed := now.Sub(p.sentAt)
		if elapsed >= p.bk.delay {
			if p.bk.exhausted() {
				err = ovpnerr.ErrExcessRetry
				continue
			}
			p.bk.inc()
			p.sentAt = now
			due = append(due, p.payload)
		}
		kept = append(kept, p)
	}
	w.packets = kept
	return due, err
}

// pendingIn is one out-of-order entry buffered in the receive window.
type pendingIn struct {
	id      ovpnproto.PacketID
	payload []byte
}

// ReceiveWindow reorders incoming control packets and hands them to the
// caller strictly in packet-id order, buffering anything that arrives
// ahead of the next expected id (spec §4.5).
type ReceiveWindow struct {
	capacity int
	next     ovpnproto.PacketID
	started  bool
	pending  map[ovpnproto.PacketID][]byte
}

// NewReceiveWindow builds a ReceiveWindow that will buffer up to
// capacity out-of-order packets before rejecting new ones as
// ovpnerr.ErrWindowFull.
func NewReceiveWindow(capacity int) *ReceiveWindow {
	return &ReceiveWindow{capacity: capacity, pending: make(map[ovpnproto.PacketID][]byte)}
}

// Accept buffers an incoming packet and returns every payload now
// ready for delivery in ascending packet-id order (possibly the packet
// just given, possibly several once a gap closes, possibly none).
// Duplicate ids are silently dropped, matching real peers' tolerance of
// retransmitted-but-already-seen control packets.
func (r *ReceiveWindow) Accept(id ovpnproto.PacketID, payload []byte) ([][]byte, error) {
	if !r.started {
		r.next = id
		r.started = true
	}
	if id < r.next {
		return nil, nil // already delivered, a harmless retransmit
	}
	if _, dup := r.pending[id]; dup {
		return nil, nil
	}
	if id != r.next && len(r.pending) >= r.capacity {
		return nil, ovpnerr.ErrWindowFull
	}
	r.pending[id] = payload

	var out [][]byte
	for {
		p, ok := r.pending[r.next]
		if !ok {
			break
		}
		out = append(out, p)
		delete(r.pending, r.next)
		r.next++
	}
	return out, nil
}

// PendingIDs reports the ids currently buffered out of order, used by
// the caller to avoid acking packets that have not actually been
// delivered in order yet (tls-auth/tls-crypt ack generation acks
// anything received and authenticated, in-order or not, per spec §4.5 —
// this is exposed for callers that want stricter accounting).
func (r *ReceiveWindow) PendingIDs() []ovpnproto.PacketID {
	ids := make([]ovpnproto.PacketID, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	return ids
}

// AckAccumulator piggybacks up to ovpnproto.MaxACKIDs received packet
// ids onto the next outgoing control packet, per spec §4.5's "ack
// piggybacking" rule; when no control packet is due to go out within the
// ack delay, a standalone ACK packet carries them instead.
type AckAccumulator struct {
	pending []ovpnproto.PacketID
}

// Add records a packet id to be acked.
func (a *AckAccumulator) Add(id ovpnproto.PacketID) {
	for _, existing := range a.pending {
		if existing == id {
			return
		}
	}
	a.pending = append(a.pending, id)
}

// Drain returns up to ovpnproto.MaxACKIDs ids to embed in the next
// outgoing packet and clears the drained ones from the pending set.
func (a *AckAccumulator) Drain() []ovpnproto.PacketID {
	if len(a.pending) == 0 {
		return nil
	}
	n := len(a.pending)
	if n > ovpnproto.MaxACKIDs {
		n = ovpnproto.MaxACKIDs
	}
	out := a.pending[:n]
	a.pending = a.pending[n:]
	return out
}

// Empty reports whether any ack is owed to the peer.
func (a *AckAccumulator) Empty() bool { return len(a.pending) == 0 }
