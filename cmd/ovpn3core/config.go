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

package main

import (
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config drives one ovpn3core run: which role to take, which remote to
// dial or which local address to listen on, the negotiated cipher, the
// static wrapping key material and the control/data timing parameters.
// This is deliberately not a full OpenVPN option parser (excluded by
// spec.md §1); it carries only what Session.Config needs.
type Config struct {
	Role   string `yaml:"role"` // "client" or "server"
	Remote string `yaml:"remote"`
	Listen string `yaml:"listen"`

	Transport  string `yaml:"transport"` // "udp" or "tcp"
	Cipher     string `yaml:"cipher"`
	WrapMode   string `yaml:"wrap_mode"` // "none", "tls-auth", "tls-crypt", "tls-crypt-v2"
	StaticKey  string `yaml:"static_key_path"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`

	// TLSCryptV2ServerKeyFile is the server's own static key file, used
	// to unwrap the Wrapped Client Key embedded in a client's first
	// HARD_RESET_CLIENT_V3 (wrap_mode "tls-crypt-v2", RoleServer only).
	TLSCryptV2ServerKeyFile string `yaml:"tls_crypt_v2_server_key_path"`
	// TLSCryptV2ClientWKcFile is the client's own Wrapped Client Key
	// blob file, embedded verbatim in its first HARD_RESET_CLIENT_V3
	// (wrap_mode "tls-crypt-v2", RoleClient only).
	TLSCryptV2ClientWKcFile string `yaml:"tls_crypt_v2_client_wkc_path"`

	WindowSize           int           `yaml:"window_size"`
	HandshakeWindow      time.Duration `yaml:"handshake_window"`
	RenegotiateInterval  time.Duration `yaml:"renegotiate_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingRestartInterval  time.Duration `yaml:"ping_restart_interval"`
	InactiveTimeout      time.Duration `yaml:"inactive_timeout"`
	InactiveTimeoutBytes int64         `yaml:"inactive_timeout_bytes"`
	DataLimitSoft        uint64        `yaml:"data_limit_soft"`
	DataLimitHard        uint64        `yaml:"data_limit_hard"`

	MonitoringPort int `yaml:"monitoring_port"`
}

// ReadConfig reads a YAML config from path on top of the defaults below.
// A flag-only invocation (no config path) starts from an empty Config
// instead and does not get these defaults.
func ReadConfig(path string) (*Config, error) {
	c := &Config{
		Transport:           "udp",
		Cipher:              "AES-256-GCM",
		WrapMode:            "none",
		WindowSize:          8,
		HandshakeWindow:     60 * time.Second,
		RenegotiateInterval: time.Hour,
		PingInterval:        10 * time.Second,
		PingRestartInterval: 60 * time.Second,
		MonitoringPort:      9176,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
