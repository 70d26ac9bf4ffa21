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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/facebook/openvpn3go/ovpnerr"
	"github.com/facebook/openvpn3go/ovpnevent"
	"github.com/facebook/openvpn3go/ovpnproto"
	"github.com/facebook/openvpn3go/reliable"
	"github.com/stretchr/testify/require"
)

// capTransport is an in-memory transport.Transport: WritePacket records
// bytes for the test driver to relay to the peer Session, ReadPacket is
// unused because tests drive HandleInbound directly.
type capTransport struct {
	mu  sync.Mutex
	out [][]byte
}

func (t *capTransport) ReadPacket(buf []byte) (int, error) { return 0, nil }

func (t *capTransport) WritePacket(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = append(t.out, append([]byte(nil), b...))
	return nil
}

func (t *capTransport) Close() error { return nil }

func (t *capTransport) Kind() ovpnproto.TransportKind { return ovpnproto.TransportDatagram }

func (t *capTransport) drain() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.out
	t.out = nil
	return out
}

func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ovpn3core-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func baseConfig(role ovpnproto.Role, tlsCfg *tls.Config) Config {
	return Config{
		Role:                role,
		Variant:             ovpnproto.ProtoV1,
		CipherName:          ovpnproto.CipherAES128GCM,
		WindowSize:          8,
		Backoff:             reliable.BackoffConfig{Step: 50 * time.Millisecond, MaxValue: time.Second, MaxTries: 20},
		HandshakeWindow:     10 * time.Second,
		RenegotiateInterval: time.Hour,
		PingInterval:        time.Hour,
		PingRestartInterval: time.Hour,
		TLSConfig:           tlsCfg,
		PushReplyOptions:    []string{"route 10.8.0.0 255.255.255.0", "dhcp-option DNS 8.8.8.8"},
	}
}

// newHandshakePair builds a client/server Session pair sharing a plain
// (unwrapped) control channel, each with its own capTransport.
func newHandshakePair(t *testing.T) (client, server *Session, clientTr, serverTr *capTransport) {
	t.Helper()
	cert := generateTestCert(t)
	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pool.AddCert(leaf)

	serverTLS := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	clientTLS := &tls.Config{RootCAs: pool, ServerName: "ovpn3core-test", MinVersion: tls.VersionTLS12}

	clientTr = &capTransport{}
	serverTr = &capTransport{}

	client = New(baseConfig(ovpnproto.RoleClient, clientTLS), ovpnproto.NewPlainWrapper(), clientTr, nil, nil, nil, nil)
	server = New(baseConfig(ovpnproto.RoleServer, serverTLS), ovpnproto.NewPlainWrapper(), serverTr, nil, nil, nil, nil)
	return client, server, clientTr, serverTr
}

// pumpUntilActive relays packets between the two Sessions and ticks
// Housekeeping on both until both report Active, or the iteration budget
// is exhausted.
func pumpUntilActive(t *testing.T, client, server *Session, clientTr, serverTr *capTransport, now time.Time) time.Time {
	t.Helper()
	for i := 0; i < 500; i++ {
		for _, pkt := range clientTr.drain() {
			require.NoError(t, server.HandleInbound(pkt, now))
		}
		for _, pkt := range serverTr.drain() {
			require.NoError(t, client.HandleInbound(pkt, now))
		}
		_, err := client.Housekeeping(now)
		require.NoError(t, err)
		_, err = server.Housekeeping(now)
		require.NoError(t, err)

		if client.Active() && server.Active() {
			return now
		}
		now = now.Add(time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("handshake did not reach ACTIVE within pump budget")
	return now
}

func TestSessionHandshakeReachesActiveAndExchangesData(t *testing.T) {
	client, server, clientTr, serverTr := newHandshakePair(t)
	now := time.Now()

	require.NoError(t, server.Start(now))
	require.NoError(t, client.Start(now))

	now = pumpUntilActive(t, client, server, clientTr, serverTr, now)

	var gotOnServer []byte
	server.OnTunPacket = func(p []byte) { gotOnServer = append([]byte(nil), p...) }
	require.NoError(t, client.SendData([]byte("hello from client"), now))
	for _, pkt := range clientTr.drain() {
		require.NoError(t, server.HandleInbound(pkt, now))
	}
	require.Equal(t, "hello from client", string(gotOnServer))

	var gotOnClient []byte
	client.OnTunPacket = func(p []byte) { gotOnClient = append([]byte(nil), p...) }
	require.NoError(t, server.SendData([]byte("hello from server"), now))
	for _, pkt := range serverTr.drain() {
		require.NoError(t, client.HandleInbound(pkt, now))
	}
	require.Equal(t, "hello from server", string(gotOnClient))
}

func TestSessionPushReplyOptionsDeliveredToClient(t *testing.T) {
	client, server, clientTr, serverTr := newHandshakePair(t)
	now := time.Now()

	var pushed []string
	client.OnPushedOptions = func(opts []string) { pushed = opts }

	require.NoError(t, server.Start(now))
	require.NoError(t, client.Start(now))
	pumpUntilActive(t, client, server, clientTr, serverTr, now)

	require.Equal(t, []string{"route 10.8.0.0 255.255.255.0", "dhcp-option DNS 8.8.8.8"}, pushed)
}

func TestSessionKeepalivePingEmittedOnIdleOutbound(t *testing.T) {
	client, server, clientTr, serverTr := newHandshakePair(t)
	now := time.Now()
	client.cfg.PingInterval = 200 * time.Millisecond
	client.cfg.PingRestartInterval = time.Hour
	server.cfg.PingRestartInterval = time.Hour

	require.NoError(t, server.Start(now))
	require.NoError(t, client.Start(now))
	now = pumpUntilActive(t, client, server, clientTr, serverTr, now)

	clientTr.drain()
	now = now.Add(250 * time.Millisecond)
	_, err := client.Housekeeping(now)
	require.NoError(t, err)

	sent := clientTr.drain()
	require.NotEmpty(t, sent)
	op, _ := ovpnproto.DecodeOpByte(sent[0][0])
	require.Equal(t, ovpnproto.OpDataV1, op)
}

func TestSessionKeepaliveTimeoutRaisesFatalEvent(t *testing.T) {
	client, server, clientTr, serverTr := newHandshakePair(t)
	now := time.Now()
	client.cfg.PingInterval = time.Hour
	client.cfg.PingRestartInterval = 200 * time.Millisecond

	var events []ovpnevent.Event
	client.sink = ovpnevent.SinkFunc(func(e ovpnevent.Event) { events = append(events, e) })

	require.NoError(t, server.Start(now))
	require.NoError(t, client.Start(now))
	now = pumpUntilActive(t, client, server, clientTr, serverTr, now)

	now = now.Add(250 * time.Millisecond)
	_, err := client.Housekeeping(now)
	require.ErrorIs(t, err, ovpnerr.ErrKeepaliveTimeout)
	require.NotEmpty(t, events)
	require.Equal(t, ovpnevent.KeepaliveTimeout, events[len(events)-1].Name)
}

func TestSessionHandleControlMessageAuthFailedTempSurfacesBackoffAndAdvance(t *testing.T) {
	client, _, _, _ := newHandshakePair(t)

	var events []ovpnevent.Event
	client.sink = ovpnevent.SinkFunc(func(e ovpnevent.Event) { events = append(events, e) })

	err := client.handleControlMessage(nil, "AUTH_FAILED,TEMP[backoff=30,advance=remote]:server full", time.Now())
	require.ErrorIs(t, err, ovpnerr.ErrAuthFailed)
	require.NotEmpty(t, events)
	got := events[len(events)-1]
	require.Equal(t, ovpnevent.AuthFailed, got.Name)
	require.Equal(t, "server full", got.Text)
	require.Equal(t, "30000", got.Fields["backoff_ms"])
	require.Equal(t, "REMOTE", got.Fields["advance"])
}

func TestSessionInactiveTimeoutRaisedBelowByteThreshold(t *testing.T) {
	client, server, clientTr, serverTr := newHandshakePair(t)
	now := time.Now()
	client.cfg.PingInterval = time.Hour
	client.cfg.PingRestartInterval = time.Hour
	client.cfg.InactiveTimeout = 200 * time.Millisecond
	client.cfg.InactiveTimeoutBytes = 1024

	var events []ovpnevent.Event
	client.sink = ovpnevent.SinkFunc(func(e ovpnevent.Event) { events = append(events, e) })

	require.NoError(t, server.Start(now))
	require.NoError(t, client.Start(now))
	now = pumpUntilActive(t, client, server, clientTr, serverTr, now)

	require.NoError(t, client.SendData([]byte("hi"), now))

	now = now.Add(250 * time.Millisecond)
	_, err := client.Housekeeping(now)
	require.ErrorIs(t, err, ovpnerr.ErrInactiveTimeout)
	require.NotEmpty(t, events)
	require.Equal(t, ovpnevent.InactiveTimeout, events[len(events)-1].Name)
}

func TestSessionInactiveTimeoutNotRaisedAboveByteThreshold(t *testing.T) {
	client, server, clientTr, serverTr := newHandshakePair(t)
	now := time.Now()
	client.cfg.PingInterval = time.Hour
	client.cfg.PingRestartInterval = time.Hour
	client.cfg.InactiveTimeout = 200 * time.Millisecond
	client.cfg.InactiveTimeoutBytes = 1

	require.NoError(t, server.Start(now))
	require.NoError(t, client.Start(now))
	now = pumpUntilActive(t, client, server, clientTr, serverTr, now)

	require.NoError(t, client.SendData([]byte("hi"), now))

	now = now.Add(250 * time.Millisecond)
	_, err := client.Housekeeping(now)
	require.NoError(t, err)
	require.Nil(t, client.Fatal())
}

func TestSessionTLSCryptV2BootstrapAndHandshake(t *testing.T) {
	cert := generateTestCert(t)
	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pool.AddCert(leaf)
	serverTLS := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	clientTLS := &tls.Config{RootCAs: pool, ServerName: "ovpn3core-test", MinVersion: tls.VersionTLS12}

	serverKey := &ovpnproto.StaticKey{HMACKey: make([]byte, 64), EncKey: make([]byte, 32)}
	clientKey := &ovpnproto.StaticKey{HMACKey: make([]byte, 64), EncKey: make([]byte, 32)}
	for _, b := range [][]byte{serverKey.HMACKey, serverKey.EncKey, clientKey.HMACKey, clientKey.EncKey} {
		_, err := rand.Read(b)
		require.NoError(t, err)
	}

	wkc, err := ovpnproto.WrapClientKey(serverKey, clientKey)
	require.NoError(t, err)

	clientTr := &capTransport{}
	serverTr := &capTransport{}

	clientCfg := baseConfig(ovpnproto.RoleClient, clientTLS)
	clientCfg.TLSCryptV2WKc = wkc
	serverCfg := baseConfig(ovpnproto.RoleServer, serverTLS)
	serverCfg.TLSCryptV2ServerKey = serverKey

	client := New(clientCfg, ovpnproto.NewTLSCryptV2Wrapper(clientKey), clientTr, nil, nil, nil, nil)
	server := New(serverCfg, ovpnproto.NewTLSCryptV2Wrapper(nil), serverTr, nil, nil, nil, nil)

	now := time.Now()
	require.NoError(t, server.Start(now))
	require.NoError(t, client.Start(now))

	pumpUntilActive(t, client, server, clientTr, serverTr, now)

	require.True(t, server.tlsCryptV2KeyInstalled)
}

func TestSessionTLSCryptV2RejectsFlippedControlCiphertext(t *testing.T) {
	cert := generateTestCert(t)
	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pool.AddCert(leaf)
	serverTLS := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	clientTLS := &tls.Config{RootCAs: pool, ServerName: "ovpn3core-test", MinVersion: tls.VersionTLS12}

	serverKey := &ovpnproto.StaticKey{HMACKey: make([]byte, 64), EncKey: make([]byte, 32)}
	clientKey := &ovpnproto.StaticKey{HMACKey: make([]byte, 64), EncKey: make([]byte, 32)}
	for _, b := range [][]byte{serverKey.HMACKey, serverKey.EncKey, clientKey.HMACKey, clientKey.EncKey} {
		_, err := rand.Read(b)
		require.NoError(t, err)
	}
	wkc, err := ovpnproto.WrapClientKey(serverKey, clientKey)
	require.NoError(t, err)

	clientTr := &capTransport{}
	serverTr := &capTransport{}

	clientCfg := baseConfig(ovpnproto.RoleClient, clientTLS)
	clientCfg.TLSCryptV2WKc = wkc
	serverCfg := baseConfig(ovpnproto.RoleServer, serverTLS)
	serverCfg.TLSCryptV2ServerKey = serverKey

	client := New(clientCfg, ovpnproto.NewTLSCryptV2Wrapper(clientKey), clientTr, nil, nil, nil, nil)
	server := New(serverCfg, ovpnproto.NewTLSCryptV2Wrapper(nil), serverTr, nil, nil, nil, nil)

	now := time.Now()
	require.NoError(t, server.Start(now))
	require.NoError(t, client.Start(now))

	// Let the reset/ack exchange install the per-client key on both
	// sides before corrupting a later control packet.
	for i := 0; i < 20 && !server.tlsCryptV2KeyInstalled; i++ {
		for _, pkt := range clientTr.drain() {
			require.NoError(t, server.HandleInbound(pkt, now))
		}
		for _, pkt := range serverTr.drain() {
			require.NoError(t, client.HandleInbound(pkt, now))
		}
		now = now.Add(time.Millisecond)
	}
	require.True(t, server.tlsCryptV2KeyInstalled)

	pkts := clientTr.drain()
	require.NotEmpty(t, pkts)
	flipped := append([]byte(nil), pkts[0]...)
	flipped[len(flipped)-1] ^= 0xFF
	err = server.HandleInbound(flipped, now)
	require.ErrorIs(t, err, ovpnerr.ErrBadHMAC)

	// The unmodified retransmit still lets the handshake complete.
	for _, pkt := range pkts {
		require.NoError(t, server.HandleInbound(pkt, now))
	}
	pumpUntilActive(t, client, server, clientTr, serverTr, now)
}

func TestSessionRenegotiateSpawnsSecondaryAndPromotes(t *testing.T) {
	client, server, clientTr, serverTr := newHandshakePair(t)
	now := time.Now()

	require.NoError(t, server.Start(now))
	require.NoError(t, client.Start(now))
	now = pumpUntilActive(t, client, server, clientTr, serverTr, now)

	firstPrimary := client.primary
	client.cfg.RenegotiateInterval = time.Millisecond
	server.cfg.RenegotiateInterval = time.Millisecond
	client.primary.Lifetime.RenegotiateAt = now
	server.primary.Lifetime.RenegotiateAt = now

	for i := 0; i < 500; i++ {
		for _, pkt := range clientTr.drain() {
			require.NoError(t, server.HandleInbound(pkt, now))
		}
		for _, pkt := range serverTr.drain() {
			require.NoError(t, client.HandleInbound(pkt, now))
		}
		if _, err := client.Housekeeping(now); err != nil {
			require.NoError(t, err)
		}
		if _, err := server.Housekeeping(now); err != nil {
			require.NoError(t, err)
		}
		if client.primary != nil && client.primary != firstPrimary && client.Active() && server.Active() {
			break
		}
		now = now.Add(time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	require.NotEqual(t, firstPrimary, client.primary)
	require.True(t, len(client.slots) >= 1)
}
