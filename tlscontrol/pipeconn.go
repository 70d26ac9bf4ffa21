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

package tlscontrol

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// pipeConn is a net.Conn whose wire bytes are not a real socket: incoming
// ciphertext is appended by FeedCiphertext and outgoing ciphertext is
// drained by PullCiphertext. crypto/tls is given this conn so the same
// tls.Conn state machine that drives a real TCP connection can drive the
// control channel's virtual one (spec §4.7 "non-blocking TLS plumbing").
type pipeConn struct {
	mu      sync.Mutex
	cond    *sync.Cond
	inbound bytes.Buffer
	outbuf  bytes.Buffer
	closed  bool
}

func newPipeConn() *pipeConn {
	p := &pipeConn{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// feed appends ciphertext received from the wire, waking any blocked Read.
func (p *pipeConn) feed(b []byte) {
	p.mu.Lock()
	p.inbound.Write(b)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// pull drains and returns ciphertext queued for the wire by Write.
func (p *pipeConn) pull() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outbuf.Len() == 0 {
		return nil
	}
	out := append([]byte(nil), p.outbuf.Bytes()...)
	p.outbuf.Reset()
	return out
}

// Read implements net.Conn. It blocks until ciphertext has been fed in or
// the conn is closed, which is what lets tls.Conn.Handshake/Read behave
// normally; the caller drives progress by calling FeedCiphertext as wire
// bytes arrive.
func (p *pipeConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inbound.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.inbound.Len() == 0 && p.closed {
		return 0, io.EOF
	}
	return p.inbound.Read(b)
}

// Write implements net.Conn: it queues ciphertext for PullCiphertext.
func (p *pipeConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.outbuf.Write(b)
}

// Close unblocks any pending Read with io.EOF.
func (p *pipeConn) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "ovpn-control-pipe" }
func (pipeAddr) String() string  { return "ovpn-control-pipe" }
