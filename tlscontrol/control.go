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

// Package tlscontrol plumbs the control channel's plaintext TLS session
// over crypto/tls without owning a real socket (spec §4.7): the session
// layer feeds it ciphertext bytes pulled off the wire and pulls
// ciphertext bytes to put on the wire, while the package drives an
// ordinary tls.Conn underneath. Everything TLS-protocol-specific (cipher
// suite negotiation, certificate verification, record framing) is left to
// the standard library; this package is only the abstract session
// interface spec §4.7 asks for.
package tlscontrol

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"io"
	"sync"
	"sync/atomic"

	"github.com/facebook/openvpn3go/ovpnerr"
	"github.com/facebook/openvpn3go/ovpnproto"
	"golang.org/x/crypto/hkdf"
)

// exportLabel is the keying-material export label used when the
// negotiated TLS version supports RFC 5705 exporters.
const exportLabel = "EXPORTER-OpenVPN-datakeys"

// Control drives one control-channel TLS session. It is safe for use by
// a single goroutine calling FeedCiphertext/PullCiphertext/ReadPlaintext/
// WritePlaintext; those four methods never block indefinitely on wire
// I/O, only Handshake progress happens on an internal goroutine.
type Control struct {
	conn     *pipeConn
	tlsConn  *tls.Conn
	role     ovpnproto.Role
	done     int32
	handOnce sync.Once
	handErr  chan error

	masterSecretBuf bytes.Buffer
	clientRandom    []byte
	serverRandom    []byte
}

// NewControl builds a Control for the given role and TLS configuration.
// cfg should set either Certificates (server) or RootCAs/ServerName
// (client) as appropriate; config fields beyond that are passed through
// unmodified to crypto/tls.
func NewControl(role ovpnproto.Role, cfg *tls.Config) *Control {
	conn := newPipeConn()
	c := &Control{conn: conn, role: role, handErr: make(chan error, 1)}
	if role == ovpnproto.RoleClient {
		c.tlsConn = tls.Client(conn, cfg)
	} else {
		c.tlsConn = tls.Server(conn, cfg)
	}
	return c
}

// StartHandshake kicks off the TLS handshake on a background goroutine so
// that FeedCiphertext/PullCiphertext can keep driving it without the
// caller blocking on crypto/tls's synchronous Handshake call.
func (c *Control) StartHandshake() {
	c.handOnce.Do(func() {
		go func() {
			err := c.tlsConn.Handshake()
			if err == nil {
				atomic.StoreInt32(&c.done, 1)
			}
			c.handErr <- err
		}()
	})
}

// HandshakeDone reports whether the TLS handshake has completed
// successfully.
func (c *Control) HandshakeDone() bool {
	return atomic.LoadInt32(&c.done) == 1
}

// PollHandshake returns the handshake's outcome without blocking once it
// has finished, or (false, nil) while still in progress.
func (c *Control) PollHandshake() (finished bool, err error) {
	select {
	case err = <-c.handErr:
		if err == nil {
			return true, nil
		}
		return true, err
	default:
		return c.HandshakeDone(), nil
	}
}

// FeedCiphertext delivers ciphertext bytes pulled off the wire into the
// TLS session.
func (c *Control) FeedCiphertext(b []byte) {
	c.conn.feed(b)
}

// PullCiphertext drains ciphertext the TLS session wants written to the
// wire (handshake flight or encrypted application data), or nil if there
// is nothing pending right now.
func (c *Control) PullCiphertext() []byte {
	return c.conn.pull()
}

// WritePlaintext queues application data (the control-channel protocol
// messages: PUSH_REQUEST, AUTH_FAILED, etc.) for TLS encryption. It must
// only be called after HandshakeDone reports true.
func (c *Control) WritePlaintext(b []byte) (int, error) {
	if !c.HandshakeDone() {
		return 0, ovpnerr.ErrNotReady
	}
	return c.tlsConn.Write(b)
}

// ReadPlaintext returns decrypted application data, or (0, nil) if none
// is available yet without blocking (spec §4.7 "non-blocking read").
// Because tls.Conn.Read blocks on the underlying conn's Read, which in
// turn blocks until FeedCiphertext delivers bytes, ReadPlaintext must
// only be called after the caller knows (via its own framing) that a
// full TLS record has already been fed in.
func (c *Control) ReadPlaintext(b []byte) (int, error) {
	if !c.HandshakeDone() {
		return 0, ovpnerr.ErrNotReady
	}
	n, err := c.tlsConn.Read(b)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// Close tears down the underlying virtual conn, unblocking any pending
// Read inside crypto/tls.
func (c *Control) Close() error {
	return c.conn.Close()
}

// ExportKeyingMaterial derives KeyMaterialSize bytes of OpenVPN
// data-channel key material once the handshake is done, preferring the
// TLS exported keying material extractor (RFC 5705) when the negotiated
// connection state supports it (spec §4.3/§4.7 "preferred when both
// peers advertise support").
func (c *Control) ExportKeyingMaterial(clientRandom, serverRandom []byte) ([]byte, error) {
	if !c.HandshakeDone() {
		return nil, ovpnerr.ErrNotReady
	}
	material, err := c.tlsConn.ConnectionState().ExportKeyingMaterial(exportLabel, nil, ovpnproto.KeyMaterialSize)
	if err == nil {
		return material, nil
	}
	// Fallback path: some legacy peers negotiate a TLS version/suite that
	// does not support exporters. Model the OpenVPN TLS1-PRF expansion as
	// an HKDF expansion over a master secret proxy (the two sides'
	// handshake randoms hashed together), matching ovpnproto.DeriveKeyMaterial's
	// documented approximation.
	return c.fallbackKeyMaterial(clientRandom, serverRandom)
}

func (c *Control) fallbackKeyMaterial(clientRandom, serverRandom []byte) ([]byte, error) {
	h := sha256.New()
	h.Write(clientRandom)
	h.Write(serverRandom)
	proxySecret := h.Sum(nil)
	r := hkdf.New(sha256.New, proxySecret, append(append([]byte{}, clientRandom...), serverRandom...), []byte("OpenVPN-TLS1-PRF-fallback"))
	out := make([]byte, ovpnproto.KeyMaterialSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
