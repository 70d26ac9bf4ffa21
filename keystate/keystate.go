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

// Package keystate implements the per-slot key-exchange state machine
// (spec §4.8): one KeyState per keying epoch, driving a HARD_RESET/
// SOFT_RESET handshake, a TLS session, and derivation of data-channel
// keys, through to ACTIVE and eventual LAME_DUCK retirement.
package keystate

import (
	"time"

	"github.com/facebook/openvpn3go/ovpnerr"
	"github.com/facebook/openvpn3go/ovpnproto"
	"github.com/facebook/openvpn3go/reliable"
	"github.com/facebook/openvpn3go/tlscontrol"
)

// State enumerates the per-slot key-exchange states of spec §4.8.
type State int

// Key-exchange states.
const (
	StateInitial State = iota
	StateClientWaitReset
	StateServerWaitReset
	StateClientWaitResetAck
	StateServerWaitResetAck
	StateWaitAuth
	StateGotKey
	StateActive
	StateLameDuck
	StateDestroyed
)

// String renders the state name for logging.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateClientWaitReset:
		return "C_WAIT_RESET"
	case StateServerWaitReset:
		return "S_WAIT_RESET"
	case StateClientWaitResetAck:
		return "C_WAIT_RESET_ACK"
	case StateServerWaitResetAck:
		return "S_WAIT_RESET_ACK"
	case StateWaitAuth:
		return "WAIT_AUTH"
	case StateGotKey:
		return "GOT_KEY"
	case StateActive:
		return "ACTIVE"
	case StateLameDuck:
		return "LAME_DUCK"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// Lifetime bounds for one key slot, per spec §4's KeyState attributes.
type Lifetime struct {
	BecomePrimaryAt time.Time
	RenegotiateAt   time.Time
	ExpireAt        time.Time
	HandshakeWindow time.Duration
}

// LameDuckRetention returns how long a demoted primary is kept as
// LAME_DUCK for in-flight decryption: min(expire_at - become_primary_at,
// 60s), the Open Question resolution recorded in SPEC_FULL.md.
func (l Lifetime) LameDuckRetention() time.Duration {
	full := l.ExpireAt.Sub(l.BecomePrimaryAt)
	cap := 60 * time.Second
	if full < cap {
		return full
	}
	return cap
}

// KeyState is one keying epoch: the 3-bit key-id, its role among live
// slots, its handshake state, the control-channel reliability and TLS
// plumbing driving it, and (once GOT_KEY) its derived data-channel
// cipher state.
type KeyState struct {
	KeyID ovpnproto.KeyID
	Role  ovpnproto.SlotRole
	State State

	LocalSessionID ovpnproto.SessionID
	PeerSessionID  ovpnproto.SessionID
	havePeerID     bool

	Wrapper *ovpnproto.Wrapper
	Send    *reliable.SendWindow
	Recv    *reliable.ReceiveWindow
	Acks    reliable.AckAccumulator

	TLS *tlscontrol.Control

	Data *ovpnproto.DataChannelState

	Lifetime Lifetime

	createdAt    time.Time
	resetSentAt  time.Time
	authPending  *authPendingState
	clientRandom []byte
	serverRandom []byte
}

// authPendingState tracks an in-flight AUTH_PENDING exchange: its
// deadline and the methods the server named.
type authPendingState struct {
	deadline time.Time
	methods  []string
}

// New constructs a fresh KeyState in INITIAL for the given slot role,
// wiring its control-channel wrapper and reliability windows.
func New(keyID ovpnproto.KeyID, role ovpnproto.SlotRole, wrapper *ovpnproto.Wrapper, windowSize int, backoffCfg reliable.BackoffConfig, now time.Time) *KeyState {
	ks := &KeyState{
		KeyID:     keyID,
		Role:      role,
		State:     StateInitial,
		Wrapper:   wrapper,
		Send:      reliable.NewSendWindow(windowSize, backoffCfg),
		Recv:      reliable.NewReceiveWindow(windowSize),
		createdAt: now,
	}
	return ks
}

// BeginClientHandshake transitions INITIAL -> C_WAIT_RESET and records
// when the HARD_RESET_CLIENT was sent, for handshake-window expiry
// checks.
func (ks *KeyState) BeginClientHandshake(localSessionID ovpnproto.SessionID, now time.Time) error {
	if ks.State != StateInitial {
		return invalidTransition(ks.State, "BeginClientHandshake")
	}
	ks.LocalSessionID = localSessionID
	ks.State = StateClientWaitReset
	ks.resetSentAt = now
	return nil
}

// BeginServerHandshake transitions INITIAL -> S_WAIT_RESET, awaiting the
// client's HARD_RESET_CLIENT.
func (ks *KeyState) BeginServerHandshake(localSessionID ovpnproto.SessionID) error {
	if ks.State != StateInitial {
		return invalidTransition(ks.State, "BeginServerHandshake")
	}
	ks.LocalSessionID = localSessionID
	ks.State = StateServerWaitReset
	return nil
}

// OnPeerHardReset handles receipt of the peer's HARD_RESET: the client
// sees HARD_RESET_SERVER while C_WAIT_RESET, the server sees
// HARD_RESET_CLIENT while S_WAIT_RESET (and must have already sent its
// own HARD_RESET_SERVER in response, tracked by the caller).
func (ks *KeyState) OnPeerHardReset(peerSessionID ovpnproto.SessionID, now time.Time) error {
	switch ks.State {
	case StateClientWaitReset:
		ks.PeerSessionID = peerSessionID
		ks.havePeerID = true
		ks.State = StateClientWaitResetAck
	case StateServerWaitReset:
		ks.PeerSessionID = peerSessionID
		ks.havePeerID = true
		ks.State = StateServerWaitResetAck
		ks.resetSentAt = now
	default:
		return invalidTransition(ks.State, "OnPeerHardReset")
	}
	return nil
}

// OnResetAcked handles the peer acking this side's own reset packet,
// transitioning *_WAIT_RESET_ACK -> WAIT_AUTH and starting the TLS
// handshake.
func (ks *KeyState) OnResetAcked(tlsCtl *tlscontrol.Control) error {
	switch ks.State {
	case StateClientWaitResetAck, StateServerWaitResetAck:
		ks.TLS = tlsCtl
		ks.State = StateWaitAuth
		ks.TLS.StartHandshake()
	default:
		return invalidTransition(ks.State, "OnResetAcked")
	}
	return nil
}

// PollTLSHandshake advances WAIT_AUTH -> GOT_KEY once the TLS handshake
// completes, deriving data-channel keys via keys. It is a no-op (and
// returns false, nil) while the handshake is still in progress.
func (ks *KeyState) PollTLSHandshake(variant ovpnproto.ProtoVariant, cipherKeySize, hmacKeySize int, cipherName ovpnproto.AEADCipherName) (bool, error) {
	if ks.State != StateWaitAuth {
		return false, invalidTransition(ks.State, "PollTLSHandshake")
	}
	finished, err := ks.TLS.PollHandshake()
	if err != nil {
		return false, ovpnerr.NewFatal("tls_handshake_failed", err.Error(), ovpnerr.ErrTLSHandshakeFailed)
	}
	if !finished {
		return false, nil
	}
	material, err := ks.TLS.ExportKeyingMaterial(ks.clientRandom, ks.serverRandom)
	if err != nil {
		return false, err
	}
	keys, err := ovpnproto.PartitionKeyMaterial(material, cipherKeySize, hmacKeySize)
	if err != nil {
		return false, err
	}
	if err := ks.installDataChannelKeys(keys, variant, cipherName); err != nil {
		return false, err
	}
	ks.State = StateGotKey
	return true, nil
}

// installDataChannelKeys partitions the exported material into send/recv
// halves, always installing client->server as "send" and server->client
// as "recv". On a server the Session swaps the two halves once
// PollTLSHandshake has returned true (see session's advanceHandshake).
func (ks *KeyState) installDataChannelKeys(keys *ovpnproto.DataChannelKeys, variant ovpnproto.ProtoVariant, cipherName ovpnproto.AEADCipherName) error {
	sendCipherKey := keys.ClientToServerCipherKey
	recvCipherKey := keys.ServerToClientCipherKey
	sendIVTail := keys.ClientToServerIVTail
	recvIVTail := keys.ServerToClientIVTail

	sendAEAD, err := ovpnproto.NewAEAD(cipherName, sendCipherKey)
	if err != nil {
		return err
	}
	recvAEAD, err := ovpnproto.NewAEAD(cipherName, recvCipherKey)
	if err != nil {
		return err
	}
	ks.Data = &ovpnproto.DataChannelState{
		KeyID:      ks.KeyID,
		Variant:    variant,
		Mode:       ovpnproto.DataModeAEAD,
		SendAEAD:   sendAEAD,
		RecvAEAD:   recvAEAD,
		SendIVTail: sendIVTail,
		RecvIVTail: recvIVTail,
		RecvWindow: ovpnproto.NewReplayWindow(ovpnproto.DefaultReplayWindow),
	}
	return nil
}

// BeginAuthPending records that the server asked for out-of-band
// authentication (spec §4.8's PUSH_REQUEST/PUSH_REPLY exchange preceded
// by an AUTH_PENDING message), with a deadline timeoutSeconds from now.
func (ks *KeyState) BeginAuthPending(methods []string, timeoutSeconds int, now time.Time) {
	ks.authPending = &authPendingState{
		deadline: now.Add(time.Duration(timeoutSeconds) * time.Second),
		methods:  methods,
	}
}

// AbortAuthPendingForRenegotiate clears an outstanding AUTH_PENDING and
// reports whether one was open. It raises no AUTH_FAILED itself, and the
// Session's renegotiate path does not call it: an open AUTH_PENDING ends
// only when AuthPendingExpired trips in Housekeeping.
func (ks *KeyState) AbortAuthPendingForRenegotiate() bool {
	if ks.authPending == nil {
		return false
	}
	ks.authPending = nil
	return true
}

// AuthPendingExpired reports whether an outstanding AUTH_PENDING has
// blown through its deadline.
func (ks *KeyState) AuthPendingExpired(now time.Time) bool {
	return ks.authPending != nil && now.After(ks.authPending.deadline)
}

// ActivatePrimary transitions GOT_KEY -> ACTIVE once the push exchange
// completes, and records become-primary/renegotiate/expire bounds.
func (ks *KeyState) ActivatePrimary(lifetime Lifetime) error {
	if ks.State != StateGotKey {
		return invalidTransition(ks.State, "ActivatePrimary")
	}
	ks.authPending = nil
	ks.Lifetime = lifetime
	ks.Role = ovpnproto.SlotPrimary
	ks.State = StateActive
	return nil
}

// DemoteToLameDuck transitions a displaced primary to LAME_DUCK, kept
// briefly so in-flight data encrypted under the old key can still be
// decrypted.
func (ks *KeyState) DemoteToLameDuck(now time.Time) error {
	if ks.State != StateActive {
		return invalidTransition(ks.State, "DemoteToLameDuck")
	}
	ks.Role = ovpnproto.SlotLameDuck
	ks.State = StateLameDuck
	retention := ks.Lifetime.LameDuckRetention()
	ks.Lifetime.ExpireAt = now.Add(retention)
	return nil
}

// Expired reports whether this slot's expire-at has passed, at which
// point the Session must destroy it.
func (ks *KeyState) Expired(now time.Time) bool {
	return (ks.State == StateLameDuck || ks.State == StateActive) && !ks.Lifetime.ExpireAt.IsZero() && now.After(ks.Lifetime.ExpireAt)
}

// HandshakeWindowExpired reports whether this slot is still handshaking
// and has exceeded its configured handshake window, the slowloris/
// liveness guard of spec §4.9.
func (ks *KeyState) HandshakeWindowExpired(now time.Time) bool {
	if ks.State == StateActive || ks.State == StateLameDuck || ks.State == StateDestroyed {
		return false
	}
	if ks.Lifetime.HandshakeWindow == 0 {
		return false
	}
	return now.Sub(ks.createdAt) > ks.Lifetime.HandshakeWindow
}

// Destroy marks the slot destroyed; the Session drops all references to
// it after this.
func (ks *KeyState) Destroy() {
	ks.State = StateDestroyed
	if ks.TLS != nil {
		ks.TLS.Close()
	}
}

func invalidTransition(from State, event string) error {
	return ovpnerr.NewFatal("invalid_key_state_transition", from.String()+": "+event, ovpnerr.ErrNotReady)
}
