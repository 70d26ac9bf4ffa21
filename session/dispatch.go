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
	"strconv"
	"strings"
	"time"

	"github.com/facebook/openvpn3go/keystate"
	"github.com/facebook/openvpn3go/ovpnerr"
	"github.com/facebook/openvpn3go/ovpnevent"
	"github.com/facebook/openvpn3go/ovpnproto"
	"github.com/facebook/openvpn3go/tlscontrol"
)

// sendControlFrame assembles and transmits one tracked control-channel
// packet (HARD_RESET or CONTROL), piggy-backing any acks owed to the
// peer, and enqueues it on the slot's SendWindow for retransmit unless
// track is false.
func (s *Session) sendControlFrame(ks *keystate.KeyState, op ovpnproto.Opcode, payload []byte, track bool, now time.Time) error {
	idGen := s.controlSendID[ks.KeyID]
	id, err := idGen.NextID()
	if err != nil {
		return err
	}
	h := &ovpnproto.ControlHeader{
		LocalSessionID: s.localSessionID,
		PeerSessionID:  ks.PeerSessionID,
		AckIDs:         ks.Acks.Drain(),
		IsAck:          false,
		PacketID:       id,
		Payload:        payload,
	}
	body, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	opByte := ovpnproto.EncodeOpByte(op, ks.KeyID)
	wire, err := s.wrapper.Wrap(opByte, body)
	if err != nil {
		return err
	}
	if op == ovpnproto.OpHardResetClientV3 {
		// The Wrapped Client Key travels in the clear, spliced in right
		// after the op byte and ahead of the tls-crypt-v2-wrapped body,
		// so a server that doesn't yet hold the per-client key can still
		// read it off the wire (spec §4.6 tls-crypt-v2 row).
		wire = append(append(wire[:1:1], s.cfg.TLSCryptV2WKc...), wire[1:]...)
	}
	if err := s.transport.WritePacket(wire); err != nil {
		return s.emitFatal(ovpnevent.TransportError, err.Error(), err)
	}
	if track {
		return ks.Send.Push(id, wire, now)
	}
	return nil
}

// sendPureAck flushes any acks owed to the peer as a standalone ACK_V1
// packet, used when no control packet is otherwise due to go out (spec
// §4.5 "if no control packet is due, a pure ACK packet is sent").
func (s *Session) sendPureAck(ks *keystate.KeyState) error {
	if ks.Acks.Empty() {
		return nil
	}
	h := &ovpnproto.ControlHeader{
		LocalSessionID: s.localSessionID,
		PeerSessionID:  ks.PeerSessionID,
		AckIDs:         ks.Acks.Drain(),
		IsAck:          true,
	}
	body, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	opByte := ovpnproto.EncodeOpByte(ovpnproto.OpAckV1, ks.KeyID)
	wire, err := s.wrapper.Wrap(opByte, body)
	if err != nil {
		return err
	}
	if err := s.transport.WritePacket(wire); err != nil {
		return s.emitFatal(ovpnevent.TransportError, err.Error(), err)
	}
	return nil
}

func (s *Session) handleControlLocked(op ovpnproto.Opcode, keyID ovpnproto.KeyID, wire []byte, now time.Time) error {
	isAck := op == ovpnproto.OpAckV1
	body := wire[1:]
	if op == ovpnproto.OpHardResetClientV3 && s.cfg.Role == ovpnproto.RoleServer {
		rest, err := s.consumeWKc(body)
		if err != nil {
			return err
		}
		body = rest
	}
	unwrapped, err := s.wrapper.Unwrap(wire[0], body)
	if err != nil {
		return err
	}
	h, err := ovpnproto.UnmarshalControlHeader(unwrapped, isAck)
	if err != nil {
		return err
	}
	if s.havePeerID && h.LocalSessionID != s.peerSessionID && op != ovpnproto.OpHardResetClientV2 && op != ovpnproto.OpHardResetClientV3 && op != ovpnproto.OpHardResetServerV2 {
		return s.emitFatal(ovpnevent.TransportError, "peer session-id mismatch", ovpnerr.ErrSessionIDMismatch)
	}

	switch op {
	case ovpnproto.OpHardResetClientV2, ovpnproto.OpHardResetClientV3:
		if s.cfg.Role != ovpnproto.RoleServer {
			return nil
		}
		ks, ok := s.slots[keyID]
		if !ok {
			role := ovpnproto.SlotSecondary
			if s.primary == nil {
				role = ovpnproto.SlotPrimary
			}
			ks = s.newSlot(role, now)
			if err := ks.BeginServerHandshake(s.localSessionID); err != nil {
				return err
			}
		}
		if !s.havePeerID {
			s.peerSessionID = h.LocalSessionID
			s.havePeerID = true
		}
		if err := ks.OnPeerHardReset(h.LocalSessionID, now); err != nil {
			return err
		}
		ks.PeerSessionID = h.LocalSessionID
		ks.Acks.Add(h.PacketID)
		return s.sendControlFrame(ks, ovpnproto.OpHardResetServerV2, nil, true, now)

	case ovpnproto.OpHardResetServerV2:
		if s.cfg.Role != ovpnproto.RoleClient {
			return nil
		}
		ks, ok := s.slots[keyID]
		if !ok {
			return ovpnerr.ErrKeyNotFound
		}
		if !s.havePeerID {
			s.peerSessionID = h.LocalSessionID
			s.havePeerID = true
		}
		if err := ks.OnPeerHardReset(h.LocalSessionID, now); err != nil {
			return err
		}
		ks.PeerSessionID = h.LocalSessionID
		ks.Acks.Add(h.PacketID)
		s.processAcks(ks, h.AckIDs)
		if err := s.sendPureAck(ks); err != nil {
			return err
		}
		return s.advanceHandshake(ks, now)

	case ovpnproto.OpSoftResetV1:
		ks, ok := s.slots[keyID]
		if !ok {
			ks = s.newSlot(ovpnproto.SlotSecondary, now)
			if err := ks.BeginServerHandshake(s.localSessionID); err != nil {
				return err
			}
		}
		if err := ks.OnPeerHardReset(h.LocalSessionID, now); err != nil {
			return err
		}
		ks.PeerSessionID = h.LocalSessionID
		ks.Acks.Add(h.PacketID)
		s.processAcks(ks, h.AckIDs)
		return s.sendControlFrame(ks, ovpnproto.OpSoftResetV1, nil, true, now)

	case ovpnproto.OpControlV1:
		ks, ok := s.slots[keyID]
		if !ok {
			return ovpnerr.ErrKeyNotFound
		}
		s.processAcks(ks, h.AckIDs)
		delivered, err := ks.Recv.Accept(h.PacketID, h.Payload)
		if err != nil {
			return err
		}
		ks.Acks.Add(h.PacketID)
		for _, chunk := range delivered {
			if ks.TLS != nil {
				ks.TLS.FeedCiphertext(chunk)
			}
		}
		if err := s.sendPureAck(ks); err != nil {
			return err
		}
		return s.advanceHandshake(ks, now)

	case ovpnproto.OpAckV1:
		ks, ok := s.slots[keyID]
		if !ok {
			return ovpnerr.ErrKeyNotFound
		}
		s.processAcks(ks, h.AckIDs)
		return s.advanceHandshake(ks, now)

	default:
		return ovpnerr.ErrUnknownOpcode
	}
}

// consumeWKc splits the Wrapped Client Key off the front of a
// HARD_RESET_CLIENT_V3's body and, on the first such reset, unwraps it
// with the server's static key and rebuilds s.wrapper around the
// recovered per-client key (spec §4.6 tls-crypt-v2 row). A retransmitted
// reset carrying the same WKc is a no-op the second time so the
// already-installed wrapper's send/replay state isn't reset.
func (s *Session) consumeWKc(body []byte) (rest []byte, err error) {
	serverKey := s.cfg.TLSCryptV2ServerKey
	if s.wrapper.Mode() != ovpnproto.WrapTLSCryptV2 || serverKey == nil {
		return body, nil
	}
	n := ovpnproto.WKcSize(len(serverKey.EncKey), len(serverKey.HMACKey))
	if len(body) < n {
		return nil, ovpnerr.ErrPacketTooShort
	}
	wkc, rest := body[:n], body[n:]
	if s.tlsCryptV2KeyInstalled {
		return rest, nil
	}
	clientKey, err := ovpnproto.UnwrapClientKey(serverKey, wkc, len(serverKey.EncKey))
	if err != nil {
		return nil, err
	}
	s.wrapper = ovpnproto.NewTLSCryptV2Wrapper(clientKey)
	s.tlsCryptV2KeyInstalled = true
	return rest, nil
}

func (s *Session) processAcks(ks *keystate.KeyState, ids []ovpnproto.PacketID) {
	if len(ids) == 0 {
		return
	}
	ks.Send.Ack(ids)
}

// advanceHandshake drives ks forward once new information (an ack, a
// delivered control chunk) may have unblocked it: completing the reset
// handshake, pumping the TLS session, and driving the push exchange.
func (s *Session) advanceHandshake(ks *keystate.KeyState, now time.Time) error {
	switch ks.State {
	case keystate.StateClientWaitResetAck, keystate.StateServerWaitResetAck:
		if ks.Send.Pending() != 0 {
			return nil
		}
		tlsCtl := tlscontrol.NewControl(s.cfg.Role, s.cfg.TLSConfig)
		if err := ks.OnResetAcked(tlsCtl); err != nil {
			return err
		}
		return s.advanceHandshake(ks, now)
	case keystate.StateWaitAuth:
		if err := s.flushTLSOutbound(ks, now); err != nil {
			return err
		}
		cipherKeySize, hmacKeySize := s.cfg.cipherSizes()
		finished, err := ks.PollTLSHandshake(s.cfg.Variant, cipherKeySize, hmacKeySize, s.cfg.CipherName)
		if err != nil {
			s.fatal = err
			s.emit(ovpnevent.Event{Name: ovpnevent.TunError, Text: err.Error(), Fatal: true})
			return err
		}
		if !finished {
			return nil
		}
		if s.cfg.Role == ovpnproto.RoleServer {
			// KeyState installs client->server as "send"; a server sends
			// on the server->client half and receives on the other.
			d := ks.Data
			d.SendAEAD, d.RecvAEAD = d.RecvAEAD, d.SendAEAD
			d.SendIVTail, d.RecvIVTail = d.RecvIVTail, d.SendIVTail
		}
		return s.beginPushExchange(ks, now)
	case keystate.StateGotKey:
		if err := s.flushTLSOutbound(ks, now); err != nil {
			return err
		}
		return s.pumpPushExchange(ks, now)
	default:
		return nil
	}
}

// flushTLSOutbound drains every ciphertext chunk the TLS session wants
// written to the wire and sends it as one or more CONTROL_V1 packets,
// splitting at MaxControlChunk.
func (s *Session) flushTLSOutbound(ks *keystate.KeyState, now time.Time) error {
	out := ks.TLS.PullCiphertext()
	for len(out) > 0 {
		n := len(out)
		if n > MaxControlChunk {
			n = MaxControlChunk
		}
		if err := s.sendControlFrame(ks, ovpnproto.OpControlV1, out[:n], true, now); err != nil {
			return err
		}
		out = out[n:]
	}
	return nil
}

// pollReadPlaintext attempts one non-blocking-ish ReadPlaintext: it runs
// the (potentially blocking, per tlscontrol.Control's own caveat) Read on
// a goroutine and waits up to timeout, so a record that hasn't fully
// arrived yet never stalls the event loop.
func (s *Session) pollReadPlaintext(ks *keystate.KeyState, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := ks.TLS.ReadPlaintext(buf)
		ch <- result{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-time.After(timeout):
		return 0, nil
	}
}

// readPlaintextTimeout bounds how long pumpPushExchange waits for a
// control-channel TLS record that Feed has already delivered bytes for.
const readPlaintextTimeout = 5 * time.Millisecond

func (s *Session) beginPushExchange(ks *keystate.KeyState, now time.Time) error {
	if s.cfg.Role == ovpnproto.RoleClient && !s.pushSent {
		if _, err := ks.TLS.WritePlaintext([]byte("PUSH_REQUEST\x00")); err != nil {
			return err
		}
		s.pushSent = true
		if err := s.flushTLSOutbound(ks, now); err != nil {
			return err
		}
	}
	return s.pumpPushExchange(ks, now)
}

func (s *Session) pumpPushExchange(ks *keystate.KeyState, now time.Time) error {
	buf := make([]byte, 4096)
	for {
		n, err := s.pollReadPlaintext(ks, buf, readPlaintextTimeout)
		if err != nil {
			return s.emitFatal(ovpnevent.TunError, err.Error(), err)
		}
		if n == 0 {
			return nil
		}
		line := strings.TrimRight(string(buf[:n]), "\x00")
		if err := s.handleControlMessage(ks, line, now); err != nil {
			return err
		}
		if ks.State == keystate.StateActive {
			return nil
		}
	}
}

func (s *Session) handleControlMessage(ks *keystate.KeyState, line string, now time.Time) error {
	switch {
	case s.cfg.Role == ovpnproto.RoleServer && strings.HasPrefix(line, "PUSH_REQUEST"):
		reply := "PUSH_REPLY," + strings.Join(s.cfg.PushReplyOptions, ",")
		if _, err := ks.TLS.WritePlaintext(append([]byte(reply), 0)); err != nil {
			return err
		}
		if err := s.flushTLSOutbound(ks, now); err != nil {
			return err
		}
		return s.activatePrimary(ks, now)

	case strings.HasPrefix(line, "PUSH_REPLY"):
		done, err := s.pushReassembler.Add(line)
		if err != nil {
			return s.emitFatal(ovpnevent.ClientRestart, err.Error(), err)
		}
		if !done {
			return nil
		}
		opts := s.pushReassembler.Options()
		if err := s.pushFilter.Check(opts); err != nil {
			return s.emitFatal(ovpnevent.ClientRestart, err.Error(), err)
		}
		if s.OnPushedOptions != nil {
			s.OnPushedOptions(opts)
		}
		return s.activatePrimary(ks, now)

	default:
		am := ParseAuthMessage(line)
		switch am.Kind {
		case AuthMessageFailed:
			if s.stats != nil {
				s.stats.AuthFailures.Inc()
			}
			var fields map[string]string
			if am.Temporary {
				fields = map[string]string{
					"backoff_ms": strconv.FormatInt(am.Backoff.Milliseconds(), 10),
					"advance":    string(am.Advance),
				}
			}
			return s.emitFatalFields(ovpnevent.AuthFailed, am.Reason, ovpnerr.ErrAuthFailed, fields)
		case AuthMessagePending:
			ks.BeginAuthPending(am.Methods, am.TimeoutSeconds, now)
			s.emit(ovpnevent.Event{Name: ovpnevent.AuthPendingEvent, Fields: map[string]string{"methods": strings.Join(am.Methods, ":")}})
			return nil
		case AuthMessageRelay:
			return s.emitFatal(ovpnevent.RelayError, am.RelayHost+":"+am.RelayPort, ovpnerr.ErrRelayMisconfigured)
		default:
			return nil
		}
	}
}

// activatePrimary transitions ks GOT_KEY -> ACTIVE, demoting any current
// primary to LAME_DUCK (spec §4 "becomes PRIMARY by demoting the
// previous primary to LAME_DUCK").
func (s *Session) activatePrimary(ks *keystate.KeyState, now time.Time) error {
	lifetime := keystate.Lifetime{
		BecomePrimaryAt: now,
		RenegotiateAt:   now.Add(s.cfg.RenegotiateInterval),
		ExpireAt:        now.Add(2 * s.cfg.RenegotiateInterval),
		HandshakeWindow: s.cfg.HandshakeWindow,
	}
	if err := ks.ActivatePrimary(lifetime); err != nil {
		return err
	}
	if s.primary != nil && s.primary != ks && s.primary.State == keystate.StateActive {
		old := s.primary
		if err := old.DemoteToLameDuck(now); err == nil {
			s.lameDuck = old
		}
	}
	s.primary = ks
	if s.stats != nil {
		s.stats.Rekeys.Inc()
		s.stats.ActiveSlots.Set(float64(len(s.slots)))
	}
	s.emit(ovpnevent.Event{Name: ovpnevent.Connected})
	return nil
}
