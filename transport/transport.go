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

// Package transport implements the two wire substrates the protocol
// core can run over (spec §6's Transport collaborator): an unreliable
// UDP datagram socket, and a reliable length-prefixed TCP byte stream
// (spec §4.1's "24-bit peer-id" framing is the data-packet concern;
// here it's the outer 2-byte length prefix stream mode needs, per
// ovpnproto.StreamLengthPrefixSize).
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/facebook/openvpn3go/ovpnproto"
)

// Transport is the abstract wire substrate a Session reads and writes
// whole OpenVPN packets through.
type Transport interface {
	// ReadPacket blocks until one complete packet arrives, writing it
	// into buf and returning its length.
	ReadPacket(buf []byte) (int, error)
	// WritePacket sends one complete packet.
	WritePacket(b []byte) error
	Close() error
	// Kind reports whether framing needs the stream length prefix.
	Kind() ovpnproto.TransportKind
}

// UDPTransport wraps a connected UDP socket: each datagram is exactly
// one OpenVPN packet, with no additional framing (spec §6).
type UDPTransport struct {
	conn *net.UDPConn
}

// DialUDP opens a UDP socket connected to addr.
func DialUDP(addr *net.UDPAddr) (*UDPTransport, error) {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: conn}, nil
}

// ListenUDP opens a UDP socket bound to addr for server use. A bare
// net.UDPConn isn't connected to one peer, so WritePacket requires the
// caller to have learned the peer via ReadPacket first; callers wanting
// a per-client Transport should net.DialUDP once the peer address is
// known, matching the connected-client-socket idiom above.
func ListenUDP(addr *net.UDPAddr) (*net.UDPConn, error) {
	return net.ListenUDP("udp", addr)
}

// Fd returns the socket's file descriptor, needed by EnableDSCP.
func (t *UDPTransport) Fd() (int, error) {
	sc, err := t.conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := sc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// ReadPacket reads one UDP datagram.
func (t *UDPTransport) ReadPacket(buf []byte) (int, error) {
	return t.conn.Read(buf)
}

// WritePacket writes one UDP datagram.
func (t *UDPTransport) WritePacket(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

// Close closes the socket.
func (t *UDPTransport) Close() error { return t.conn.Close() }

// Kind reports TransportDatagram.
func (t *UDPTransport) Kind() ovpnproto.TransportKind { return ovpnproto.TransportDatagram }

// StreamTransport wraps a TCP connection, framing each OpenVPN packet
// with a 2-byte big-endian length prefix (spec §6 "stream transport").
type StreamTransport struct {
	conn net.Conn
}

// DialTCP opens a length-prefixed stream transport to addr.
func DialTCP(addr string) (*StreamTransport, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &StreamTransport{conn: conn}, nil
}

// NewStreamTransport wraps an already-established net.Conn, e.g. one
// accepted by a listener.
func NewStreamTransport(conn net.Conn) *StreamTransport {
	return &StreamTransport{conn: conn}
}

// ReadPacket reads one length-prefixed packet, blocking until the full
// frame has arrived.
func (t *StreamTransport) ReadPacket(buf []byte) (int, error) {
	var lenBuf [ovpnproto.StreamLengthPrefixSize]byte
	if _, err := io.ReadFull(t.conn, lenBuf[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n > len(buf) {
		return 0, fmt.Errorf("transport: stream frame of %d bytes exceeds buffer of %d", n, len(buf))
	}
	if _, err := io.ReadFull(t.conn, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// WritePacket writes one length-prefixed packet.
func (t *StreamTransport) WritePacket(b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("transport: packet of %d bytes exceeds stream frame limit", len(b))
	}
	var lenBuf [ovpnproto.StreamLengthPrefixSize]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := t.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := t.conn.Write(b)
	return err
}

// Close closes the underlying connection.
func (t *StreamTransport) Close() error { return t.conn.Close() }

// Kind reports TransportStream.
func (t *StreamTransport) Kind() ovpnproto.TransportKind { return ovpnproto.TransportStream }
