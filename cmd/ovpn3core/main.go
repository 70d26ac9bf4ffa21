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

// Command ovpn3core is a manual smoke-test front end for the protocol
// core: it wires one session.Session to a real UDP or TCP socket, logs
// events, and exposes Prometheus metrics. It is not an option parser or
// a production client/server (spec.md §1 scopes that out); flags only
// override the handful of fields config.go knows about.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/openvpn3go/ovpnevent"
	"github.com/facebook/openvpn3go/ovpnproto"
	"github.com/facebook/openvpn3go/ovpnstats"
	"github.com/facebook/openvpn3go/reliable"
	"github.com/facebook/openvpn3go/session"
	"github.com/facebook/openvpn3go/transport"
)

func prepareConfig(cfgPath, role, remote, listen string) (*Config, error) {
	cfg := &Config{}
	var err error
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if role != "" {
		log.Warningf("overriding role from CLI flag")
		cfg.Role = role
	}
	if remote != "" {
		log.Warningf("overriding remote from CLI flag")
		cfg.Remote = remote
	}
	if listen != "" {
		log.Warningf("overriding listen from CLI flag")
		cfg.Listen = listen
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}

func buildTLSConfig(cfg *Config, isServer bool) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %q", cfg.CAFile)
		}
		if isServer {
			tlsCfg.ClientCAs = pool
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsCfg.RootCAs = pool
		}
	}
	tlsCfg.ServerName = cfg.ServerName
	return tlsCfg, nil
}

func buildWrapper(cfg *Config, role ovpnproto.Role) (*ovpnproto.Wrapper, error) {
	switch cfg.WrapMode {
	case "", "none":
		return ovpnproto.NewPlainWrapper(), nil
	case "tls-auth", "tls-crypt":
		key, err := loadStaticKey(cfg.StaticKey)
		if err != nil {
			return nil, err
		}
		if cfg.WrapMode == "tls-auth" {
			return ovpnproto.NewTLSAuthWrapper(ovpnproto.HMACSHA256, key), nil
		}
		return ovpnproto.NewTLSCryptWrapper(key), nil
	case "tls-crypt-v2":
		// A server doesn't hold the per-client key until it unwraps the
		// client's WKc (session.consumeWKc); start it with a bootstrap
		// Wrapper that only carries the mode, and let Session rebuild it.
		// A client already has its own per-client key, recovered here
		// from the same file its WKc was produced from.
		if role == ovpnproto.RoleServer {
			return ovpnproto.NewTLSCryptV2Wrapper(nil), nil
		}
		clientKey, err := loadStaticKey(cfg.StaticKey)
		if err != nil {
			return nil, err
		}
		return ovpnproto.NewTLSCryptV2Wrapper(clientKey), nil
	default:
		return nil, fmt.Errorf("ovpn3core: unknown wrap_mode %q", cfg.WrapMode)
	}
}

// loadStaticKey reads a raw key file: the first 64 bytes are the HMAC
// key, the next 32 (if present) the tls-crypt encryption key.
func loadStaticKey(path string) (*ovpnproto.StaticKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading static key %q: %w", path, err)
	}
	if len(raw) < 64 {
		return nil, fmt.Errorf("ovpn3core: static key %q too short (%d bytes)", path, len(raw))
	}
	key := &ovpnproto.StaticKey{HMACKey: raw[:64]}
	if len(raw) >= 96 {
		key.EncKey = raw[64:96]
	}
	return key, nil
}

func buildSessionConfig(cfg *Config, role ovpnproto.Role, kind ovpnproto.TransportKind, tlsCfg *tls.Config) (session.Config, error) {
	sc := session.Config{
		Role:                 role,
		Variant:              ovpnproto.ProtoV2,
		Transport:            kind,
		CipherName:           ovpnproto.AEADCipherName(cfg.Cipher),
		WindowSize:           cfg.WindowSize,
		Backoff:              reliable.DefaultBackoffConfig,
		HandshakeWindow:      cfg.HandshakeWindow,
		RenegotiateInterval:  cfg.RenegotiateInterval,
		PingInterval:         cfg.PingInterval,
		PingRestartInterval:  cfg.PingRestartInterval,
		InactiveTimeout:      cfg.InactiveTimeout,
		InactiveTimeoutBytes: cfg.InactiveTimeoutBytes,
		DataLimitSoft:        cfg.DataLimitSoft,
		DataLimitHard:        cfg.DataLimitHard,
		TLSConfig:            tlsCfg,
	}
	if cfg.WrapMode != "tls-crypt-v2" {
		return sc, nil
	}
	if role == ovpnproto.RoleServer {
		key, err := loadStaticKey(cfg.TLSCryptV2ServerKeyFile)
		if err != nil {
			return session.Config{}, err
		}
		sc.TLSCryptV2ServerKey = key
		return sc, nil
	}
	wkc, err := os.ReadFile(cfg.TLSCryptV2ClientWKcFile)
	if err != nil {
		return session.Config{}, fmt.Errorf("reading wkc %q: %w", cfg.TLSCryptV2ClientWKcFile, err)
	}
	sc.TLSCryptV2WKc = wkc
	return sc, nil
}

// dialTransport opens the wire substrate for role. A UDP server learns
// its single peer's address off the first datagram received on the
// listening socket, then reconnects a dedicated client socket to it,
// matching transport.ListenUDP's documented per-client-socket idiom;
// this tool is a one-peer smoke test, not a multi-client daemon. The
// datagram consumed while learning the peer address is returned as
// firstPacket so the caller can still hand it to the session.
func dialTransport(cfg *Config, role ovpnproto.Role) (tr transport.Transport, firstPacket []byte, err error) {
	switch cfg.Transport {
	case "", "udp":
		if role == ovpnproto.RoleClient {
			addr, rerr := net.ResolveUDPAddr("udp", cfg.Remote)
			if rerr != nil {
				return nil, nil, rerr
			}
			tr, err = transport.DialUDP(addr)
			return tr, nil, err
		}
		laddr, rerr := net.ResolveUDPAddr("udp", cfg.Listen)
		if rerr != nil {
			return nil, nil, rerr
		}
		conn, rerr := transport.ListenUDP(laddr)
		if rerr != nil {
			return nil, nil, rerr
		}
		buf := make([]byte, 2048)
		n, peer, rerr := conn.ReadFromUDP(buf)
		if rerr != nil {
			return nil, nil, rerr
		}
		first := append([]byte(nil), buf[:n]...)
		_ = conn.Close()
		raddr, rerr := net.ResolveUDPAddr("udp", peer.String())
		if rerr != nil {
			return nil, nil, rerr
		}
		tr, err = transport.DialUDP(raddr)
		return tr, first, err
	case "tcp":
		if role == ovpnproto.RoleClient {
			tr, err = transport.DialTCP(cfg.Remote)
			return tr, nil, err
		}
		ln, lerr := net.Listen("tcp", cfg.Listen)
		if lerr != nil {
			return nil, nil, lerr
		}
		conn, aerr := ln.Accept()
		if aerr != nil {
			return nil, nil, aerr
		}
		_ = ln.Close()
		return transport.NewStreamTransport(conn), nil, nil
	default:
		return nil, nil, fmt.Errorf("ovpn3core: unknown transport %q", cfg.Transport)
	}
}

func runReadLoop(ctx context.Context, sess *session.Session, tr transport.Transport) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := tr.ReadPacket(buf)
		if err != nil {
			return err
		}
		if err := sess.HandleInbound(buf[:n], time.Now()); err != nil {
			log.Warnf("handling inbound packet: %v", err)
		}
	}
}

func runHousekeepingLoop(ctx context.Context, sess *session.Session) error {
	next, err := sess.Housekeeping(time.Now())
	if err != nil {
		return err
	}
	for {
		wait := time.Second
		if !next.IsZero() {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		next, err = sess.Housekeeping(time.Now())
		if err != nil {
			return err
		}
		if sess.Fatal() != nil {
			return sess.Fatal()
		}
	}
}

func doWork(cfg *Config) error {
	role := ovpnproto.RoleClient
	if cfg.Role == "server" {
		role = ovpnproto.RoleServer
	}
	tlsCfg, err := buildTLSConfig(cfg, role == ovpnproto.RoleServer)
	if err != nil {
		return err
	}
	wrapper, err := buildWrapper(cfg, role)
	if err != nil {
		return err
	}
	tr, firstPacket, err := dialTransport(cfg, role)
	if err != nil {
		return err
	}
	defer tr.Close()

	stats := ovpnstats.NewCollector()
	go stats.Serve(fmt.Sprintf(":%d", cfg.MonitoringPort))

	sink := ovpnevent.SinkFunc(func(e ovpnevent.Event) {
		if e.Fatal {
			log.Errorf("event %s: %s", e.Name, e.Text)
			return
		}
		log.Infof("event %s: %s", e.Name, e.Text)
	})

	sessCfg, err := buildSessionConfig(cfg, role, tr.Kind(), tlsCfg)
	if err != nil {
		return err
	}
	sess := session.New(sessCfg, wrapper, tr, stats, sink, logrusLogger{}, nil)
	sess.OnTunPacket = func(p []byte) { log.Debugf("tun packet: %d bytes", len(p)) }
	sess.OnPushedOptions = func(opts []string) { log.Infof("pushed options: %v", opts) }

	if err := sess.Start(time.Now()); err != nil {
		return err
	}
	if firstPacket != nil {
		if err := sess.HandleInbound(firstPacket, time.Now()); err != nil {
			log.Warnf("handling inbound packet: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runReadLoop(ctx, sess, tr) })
	g.Go(func() error { return runHousekeepingLoop(ctx, sess) })
	return g.Wait()
}

func main() {
	var (
		verboseFlag        bool
		roleFlag           string
		remoteFlag         string
		listenFlag         string
		configFlag         string
		monitoringPortFlag int
	)

	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.StringVar(&roleFlag, "role", "", "client or server")
	flag.StringVar(&remoteFlag, "remote", "", "remote host:port (client)")
	flag.StringVar(&listenFlag, "listen", "", "local host:port to listen on (server)")
	flag.StringVar(&configFlag, "config", "", "path to the config")
	flag.IntVar(&monitoringPortFlag, "monitoringport", 0, "port to start the Prometheus metrics server on")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := prepareConfig(configFlag, roleFlag, remoteFlag, listenFlag)
	if err != nil {
		log.Fatal(err)
	}
	if monitoringPortFlag != 0 {
		cfg.MonitoringPort = monitoringPortFlag
	}

	if err := doWork(cfg); err != nil {
		log.Fatal(err)
	}
}
