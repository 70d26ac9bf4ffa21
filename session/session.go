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

// Package session implements the key-exchange multiplexer (spec §4.9),
// keepalive/liveness timers (spec §4.10), and option continuation/push
// filtering (spec §4.11): the component that owns up to three concurrent
// keystate.KeyState slots, dispatches inbound wire packets to them by
// op-code and key-id, and schedules the single housekeeping tick that
// drives retransmit, handshake-window expiry, promotion, renegotiation
// and expiry.
package session

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/facebook/openvpn3go/keystate"
	"github.com/facebook/openvpn3go/ovpnerr"
	"github.com/facebook/openvpn3go/ovpnevent"
	"github.com/facebook/openvpn3go/ovpnproto"
	"github.com/facebook/openvpn3go/ovpnstats"
	"github.com/facebook/openvpn3go/reliable"
	"github.com/facebook/openvpn3go/transport"
)

// MaxControlChunk bounds one control-packet payload, keeping every
// fragment under a conservative MTU-minus-headers budget (spec §4.5
// "Outbound plaintext from TLS is chunked into control-packet payloads
// <= MTU-minus-headers").
const MaxControlChunk = 1200

// Config parameterizes a Session: the negotiated data-channel cipher,
// protocol variant, control-channel timing, and TLS configuration. One
// Config is shared by every KeyState the Session creates.
type Config struct {
	Role       ovpnproto.Role
	Variant    ovpnproto.ProtoVariant
	Transport  ovpnproto.TransportKind
	CipherName ovpnproto.AEADCipherName

	WindowSize int
	Backoff    reliable.BackoffConfig

	HandshakeWindow     time.Duration
	RenegotiateInterval time.Duration
	PingInterval        time.Duration
	PingRestartInterval time.Duration

	// InactiveTimeout and InactiveTimeoutBytes implement the `inactive N
	// [B]` moving window (spec §4.10): if fewer than InactiveTimeoutBytes
	// bytes of tunnelled data cross the data channel (either direction)
	// within InactiveTimeout, the session sends an explicit exit notify
	// and raises InactiveTimeout. Zero disables the timer.
	InactiveTimeout      time.Duration
	InactiveTimeoutBytes int64

	DataLimitSoft uint64
	DataLimitHard uint64

	TLSConfig *tls.Config

	// PushReplyOptions are the directives a server pushes to clients on
	// a successful PUSH_REQUEST (ignored for Role == RoleClient).
	PushReplyOptions []string

	// TLSCryptV2ServerKey is the server's own static key, used to unwrap
	// the Wrapped Client Key embedded in a client's HARD_RESET_CLIENT_V3
	// (spec §4.6 tls-crypt-v2 row). Set only for RoleServer when wrapper
	// is a tls-crypt-v2 Wrapper.
	TLSCryptV2ServerKey *ovpnproto.StaticKey

	// TLSCryptV2WKc is the client's own Wrapped Client Key blob, embedded
	// verbatim in the first HARD_RESET_CLIENT_V3. Set only for
	// RoleClient when wrapper is a tls-crypt-v2 Wrapper built from the
	// per-client key this WKc wraps.
	TLSCryptV2WKc []byte
}

// cipherSizes returns the per-direction cipher/HMAC key sizes for
// cfg.CipherName (AEAD ciphers need no separate HMAC key).
func (cfg Config) cipherSizes() (cipherKeySize, hmacKeySize int) {
	return ovpnproto.KeySize(cfg.CipherName), 0
}

// Session multiplexes up to three concurrent key-exchange slots over one
// wire Transport, dispatching inbound packets by op-code and key-id and
// driving the data channel, control channel and push exchange.
type Session struct {
	mu sync.Mutex

	cfg     Config
	wrapper *ovpnproto.Wrapper

	transport transport.Transport
	stats     *ovpnstats.Collector
	sink      ovpnevent.Sink
	log       Logger
	clock     Clock

	localSessionID ovpnproto.SessionID
	peerSessionID  ovpnproto.SessionID
	havePeerID     bool

	slots     map[ovpnproto.KeyID]*keystate.KeyState
	primary   *keystate.KeyState
	secondary *keystate.KeyState
	lameDuck  *keystate.KeyState
	nextKeyID ovpnproto.KeyID

	controlSendID map[ovpnproto.KeyID]*ovpnproto.PacketIDSend

	pushReassembler PushReassembler
	pushFilter      *PushFilter
	pushSent        bool

	lastDataOut time.Time
	lastDataIn  time.Time

	// inactiveWindowStart and inactiveWindowBytes track the `inactive N
	// [B]` moving window: bytes of tunnelled data seen since the window
	// opened. Reset each time the window closes without tripping.
	inactiveWindowStart time.Time
	inactiveWindowBytes int64

	// tlsCryptV2KeyInstalled reports whether a server session has already
	// recovered the per-client key from a HARD_RESET_CLIENT_V3's WKc and
	// rebuilt s.wrapper around it; guards against redoing that work on a
	// retransmitted reset.
	tlsCryptV2KeyInstalled bool

	fatal error

	// OnTunPacket receives decrypted tunnelled payloads. OnPushedOptions
	// fires once a fully reassembled, filtered push profile is ready.
	OnTunPacket     func(plaintext []byte)
	OnPushedOptions func(options []string)
}

// New builds a Session in its initial state. wrapper must already be
// configured for the negotiated control-wrapping mode (plain/tls-auth/
// tls-crypt/tls-crypt-v2); it is shared by every KeyState this Session
// creates, matching real OpenVPN's "one static key wraps the whole
// control channel regardless of key_id" behavior.
func New(cfg Config, wrapper *ovpnproto.Wrapper, tr transport.Transport, stats *ovpnstats.Collector, sink ovpnevent.Sink, log Logger, clock Clock) *Session {
	if log == nil {
		log = NopLogger{}
	}
	if clock == nil {
		clock = SysClock{}
	}
	return &Session{
		cfg:           cfg,
		wrapper:       wrapper,
		transport:     tr,
		stats:         stats,
		sink:          sink,
		log:           log,
		clock:         clock,
		slots:         make(map[ovpnproto.KeyID]*keystate.KeyState),
		controlSendID: make(map[ovpnproto.KeyID]*ovpnproto.PacketIDSend),
		pushFilter:    NewPushFilter(),
	}
}

// emit forwards an event to the configured sink, if any.
func (s *Session) emit(e ovpnevent.Event) {
	if s.sink != nil {
		s.sink.OnEvent(e)
	}
}

func (s *Session) emitFatal(name ovpnevent.Name, reason string, cause error) error {
	return s.emitFatalFields(name, reason, cause, nil)
}

// emitFatalFields is emitFatal plus caller-supplied structured fields,
// e.g. the backoff_ms/advance hints an AUTH_FAILED,TEMP message carries
// alongside its reason (spec.md §4.8).
func (s *Session) emitFatalFields(name ovpnevent.Name, reason string, cause error, fields map[string]string) error {
	fe := ovpnerr.NewFatal(string(name), reason, cause)
	s.fatal = fe
	s.emit(ovpnevent.Event{Name: name, Text: reason, Fatal: true, Fields: fields})
	return fe
}

// Fatal reports the session's terminal error, if one has occurred.
func (s *Session) Fatal() error { return s.fatal }

// Active reports whether this Session has a primary slot ready to carry
// data traffic.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primarySlot() != nil
}

// newSlot allocates a fresh KeyState bound to this Session's shared
// wrapper and control-reliability configuration.
func (s *Session) newSlot(role ovpnproto.SlotRole, now time.Time) *keystate.KeyState {
	keyID := s.nextKeyID
	s.nextKeyID = (s.nextKeyID + 1) & ovpnproto.MaxKeyID
	ks := keystate.New(keyID, role, s.wrapper, s.cfg.WindowSize, s.cfg.Backoff, now)
	ks.Lifetime.HandshakeWindow = s.cfg.HandshakeWindow
	s.slots[keyID] = ks
	s.controlSendID[keyID] = &ovpnproto.PacketIDSend{}
	return ks
}

// Start begins the handshake for the first key slot: a client sends its
// initial HARD_RESET_CLIENT, a server waits to receive one.
func (s *Session) Start(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateTLSCryptV2Config(); err != nil {
		return err
	}

	if err := ovpnproto.RandomBytes(s.localSessionID[:]); err != nil {
		return err
	}
	s.lastDataOut = now
	s.lastDataIn = now
	s.inactiveWindowStart = now
	ks := s.newSlot(ovpnproto.SlotPrimary, now)

	switch s.cfg.Role {
	case ovpnproto.RoleClient:
		if err := ks.BeginClientHandshake(s.localSessionID, now); err != nil {
			return err
		}
		op := ovpnproto.OpHardResetClientV2
		if s.wrapper.Mode() == ovpnproto.WrapTLSCryptV2 {
			op = ovpnproto.OpHardResetClientV3
		}
		return s.sendControlFrame(ks, op, nil, true, now)
	case ovpnproto.RoleServer:
		return ks.BeginServerHandshake(s.localSessionID)
	default:
		return fmt.Errorf("session: unknown role %d", s.cfg.Role)
	}
}

// validateTLSCryptV2Config checks that a tls-crypt-v2 Wrapper has the
// bootstrap material its role needs (spec §4.6 tls-crypt-v2 row): a
// client must carry the WKc it embeds in HARD_RESET_CLIENT_V3, a server
// must carry the static key that unwraps it.
func (s *Session) validateTLSCryptV2Config() error {
	if s.wrapper.Mode() != ovpnproto.WrapTLSCryptV2 {
		return nil
	}
	switch s.cfg.Role {
	case ovpnproto.RoleClient:
		if len(s.cfg.TLSCryptV2WKc) == 0 {
			return fmt.Errorf("session: tls-crypt-v2 client requires Config.TLSCryptV2WKc")
		}
	case ovpnproto.RoleServer:
		if s.cfg.TLSCryptV2ServerKey == nil {
			return fmt.Errorf("session: tls-crypt-v2 server requires Config.TLSCryptV2ServerKey")
		}
	}
	return nil
}

// primarySlot returns the currently active data-channel slot, or nil if
// no slot has reached ACTIVE yet.
func (s *Session) primarySlot() *keystate.KeyState {
	if s.primary != nil && s.primary.State == keystate.StateActive {
		return s.primary
	}
	return nil
}

// SendData encrypts and transmits one tunnelled IP packet on the current
// primary slot's data channel.
func (s *Session) SendData(plaintext []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendDataLocked(plaintext, now)
}

func (s *Session) sendDataLocked(plaintext []byte, now time.Time) error {
	ks := s.primarySlot()
	if ks == nil {
		return ovpnerr.ErrNotReady
	}
	wire, err := ovpnproto.EncryptDataPacket(ks.Data, plaintext)
	if err != nil {
		if err == ovpnerr.ErrDataLimitHard {
			return s.emitFatal(ovpnevent.TunError, "data limit hard exceeded", err)
		}
		return err
	}
	if err := s.transport.WritePacket(wire); err != nil {
		return s.emitFatal(ovpnevent.TransportError, err.Error(), err)
	}
	s.lastDataOut = now
	s.inactiveWindowBytes += int64(len(plaintext))
	if s.stats != nil {
		s.stats.BytesOut.Add(float64(len(plaintext)))
		s.stats.PacketsOut.Inc()
	}
	return nil
}

// HandleInbound dispatches one wire packet read from the Transport.
func (s *Session) HandleInbound(wire []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(wire) < 1 {
		return ovpnerr.ErrPacketTooShort
	}
	op, keyID := ovpnproto.DecodeOpByte(wire[0])
	if op.IsData() {
		return s.handleDataLocked(op, keyID, wire[1:], now)
	}
	return s.handleControlLocked(op, keyID, wire, now)
}

func (s *Session) handleDataLocked(op ovpnproto.Opcode, keyID ovpnproto.KeyID, body []byte, now time.Time) error {
	ks, ok := s.slots[keyID]
	if !ok || ks.Data == nil {
		return ovpnerr.ErrKeyNotFound
	}
	plaintext, err := ovpnproto.DecryptDataPacket(ks.Data, op, body)
	if err != nil {
		if err == ovpnerr.ErrReplay && s.stats != nil {
			s.stats.ReplayDropped.Inc()
		}
		return err
	}
	s.lastDataIn = now
	s.inactiveWindowBytes += int64(len(plaintext))
	if s.stats != nil {
		s.stats.BytesIn.Add(float64(len(plaintext)))
		s.stats.PacketsIn.Inc()
	}
	if ovpnproto.IsKeepalivePing(plaintext) {
		return nil
	}
	if s.OnTunPacket != nil {
		s.OnTunPacket(plaintext)
	}
	return nil
}
