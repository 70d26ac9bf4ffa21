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

// explicitExitNotifyLine is the control-channel sentinel sent ahead of a
// clean session termination, so the peer does not have to wait out its
// own keepalive timeout to notice (spec.md glossary "explicit exit
// notify").
const explicitExitNotifyLine = "EXIT\x00"

// runTimersLocked implements spec §4.10's keepalive/liveness rules: emit
// a data-channel ping after PingInterval of outbound silence, raise
// KEEPALIVE_TIMEOUT after PingRestartInterval of inbound silence, and
// raise INACTIVE_TIMEOUT when fewer than InactiveTimeoutBytes bytes of
// tunnelled data cross the data channel within InactiveTimeout. Caller
// must hold s.mu.
func (s *Session) runTimersLocked(now time.Time) error {
	ks := s.primarySlot()
	if ks == nil {
		return nil
	}

	if s.cfg.PingInterval > 0 && now.Sub(s.lastDataOut) >= s.cfg.PingInterval {
		if err := s.sendDataLocked(ovpnproto.KeepalivePingPayload, now); err != nil {
			return err
		}
	}

	if s.cfg.PingRestartInterval > 0 && now.Sub(s.lastDataIn) >= s.cfg.PingRestartInterval {
		if s.stats != nil {
			s.stats.KeepaliveMiss.Inc()
		}
		return s.emitFatal(ovpnevent.KeepaliveTimeout, "no inbound data within ping-restart interval", ovpnerr.ErrKeepaliveTimeout)
	}

	if s.cfg.InactiveTimeout > 0 && now.Sub(s.inactiveWindowStart) >= s.cfg.InactiveTimeout {
		if s.inactiveWindowBytes < s.cfg.InactiveTimeoutBytes {
			s.sendExitNotifyLocked(ks, now)
			return s.emitFatal(ovpnevent.InactiveTimeout, "tunnelled traffic below inactive threshold", ovpnerr.ErrInactiveTimeout)
		}
		s.inactiveWindowStart = now
		s.inactiveWindowBytes = 0
	}
	return nil
}

// sendExitNotifyLocked writes the explicit exit notify sentinel over the
// primary slot's control channel. Best-effort: a send failure here must
// not stop the caller from still raising its own fatal event.
func (s *Session) sendExitNotifyLocked(ks *keystate.KeyState, now time.Time) {
	if ks.TLS == nil {
		return
	}
	if _, err := ks.TLS.WritePlaintext([]byte(explicitExitNotifyLine)); err != nil {
		return
	}
	_ = s.flushTLSOutbound(ks, now)
}
