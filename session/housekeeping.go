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

package session

import (
	"time"

	"github.com/facebook/openvpn3go/keystate"
	"github.com/facebook/openvpn3go/ovpnerr"
	"github.com/facebook/openvpn3go/ovpnevent"
	"github.com/facebook/openvpn3go/ovpnproto"
)

// housekeepingQuantum is the coarse scheduling granularity spec §4.9
// allows ("a coarse 1-second quantization acceptable because all
// timeouts are >= a few seconds").
const housekeepingQuantum = time.Second

// Housekeeping is the single tick function spec §4.9 calls for: it walks
// every live KeyState doing, in order, (a) retransmit, (b) handshake-
// window expiry, (c) become-primary promotion, (d) renegotiate, (e)
// expire, then runs the keepalive/ping-restart timers (spec §4.10). It
// returns the next time the caller should invoke Housekeeping again, or
// the zero Time once every slot has been destroyed.
func (s *Session) Housekeeping(now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for keyID, ks := range s.slots {
		if ks.State == keystate.StateDestroyed {
			delete(s.slots, keyID)
			continue
		}

		// (a) retransmit
		due, err := ks.Send.DueForRetransmit(now)
		for _, wire := range due {
			if werr := s.transport.WritePacket(wire); werr != nil {
				return time.Time{}, s.emitFatal(ovpnevent.TransportError, werr.Error(), werr)
			}
			if s.stats != nil {
				s.stats.Retransmits.Inc()
			}
		}
		if err == ovpnerr.ErrExcessRetry {
			if s.stats != nil {
				s.stats.ExcessRetries.Inc()
			}
			wasHandshaking := ks.State != keystate.StateActive && ks.State != keystate.StateLameDuck
			s.destroySlotLocked(keyID, ks)
			if wasHandshaking && ks.Role == ovpnproto.SlotPrimary {
				return time.Time{}, s.emitFatal(ovpnevent.ClientRestart, "control packet exhausted retry budget", ovpnerr.ErrConnectTimeout)
			}
			continue
		}

		// (b) handshake-window expiry
		if ks.HandshakeWindowExpired(now) {
			wasPrimary := ks.Role == ovpnproto.SlotPrimary
			s.destroySlotLocked(keyID, ks)
			if wasPrimary {
				return time.Time{}, s.emitFatal(ovpnevent.ClientRestart, "handshake window expired", ovpnerr.ErrHandshakeWindowExpire)
			}
			continue
		}

		// auth-pending deadline, tied to the handshake-window concern.
		if ks.AuthPendingExpired(now) {
			return time.Time{}, s.emitFatal(ovpnevent.AuthFailed, "auth pending timed out", ovpnerr.ErrAuthFailed)
		}

		// Re-poll TLS/push progress even without a new inbound packet:
		// the handshake goroutine and the push exchange both make
		// progress off the event loop, so a tick alone can unblock them.
		if err := s.advanceHandshake(ks, now); err != nil {
			return time.Time{}, err
		}

		// (c) become-primary promotion happens synchronously when the
		// push exchange completes (see activatePrimary); nothing further
		// to do here once a slot is already ACTIVE or LAME_DUCK.

		// (d) renegotiate
		if ks.State == keystate.StateActive && ks.Role == ovpnproto.SlotPrimary &&
			!ks.Lifetime.RenegotiateAt.IsZero() && !now.Before(ks.Lifetime.RenegotiateAt) &&
			s.secondary == nil {
			if err := s.beginRenegotiateLocked(now); err != nil {
				return time.Time{}, err
			}
		}

		// (e) expire
		if ks.Expired(now) {
			s.destroySlotLocked(keyID, ks)
			continue
		}
	}

	if err := s.runTimersLocked(now); err != nil {
		return time.Time{}, err
	}

	if s.stats != nil {
		s.stats.ActiveSlots.Set(float64(len(s.slots)))
	}

	if len(s.slots) == 0 {
		return time.Time{}, nil
	}
	return now.Add(housekeepingQuantum), nil
}

// destroySlotLocked tears down ks and drops every Session reference to
// it. Caller must hold s.mu.
func (s *Session) destroySlotLocked(keyID ovpnproto.KeyID, ks *keystate.KeyState) {
	ks.Destroy()
	delete(s.slots, keyID)
	delete(s.controlSendID, keyID)
	if s.primary == ks {
		s.primary = nil
	}
	if s.secondary == ks {
		s.secondary = nil
	}
	if s.lameDuck == ks {
		s.lameDuck = nil
	}
}

// beginRenegotiateLocked spawns a new SECONDARY slot and initiates a
// soft-reset handshake on it (spec §4.9 "spawn new slot by initiating a
// soft-reset"). Caller must hold s.mu.
func (s *Session) beginRenegotiateLocked(now time.Time) error {
	ks := s.newSlot(ovpnproto.SlotSecondary, now)
	switch s.cfg.Role {
	case ovpnproto.RoleClient:
		if err := ks.BeginClientHandshake(s.localSessionID, now); err != nil {
			return err
		}
	case ovpnproto.RoleServer:
		if err := ks.BeginServerHandshake(s.localSessionID); err != nil {
			return err
		}
	}
	s.secondary = ks
	if err := s.sendControlFrame(ks, ovpnproto.OpSoftResetV1, nil, true, now); err != nil {
		return err
	}
	return nil
}
