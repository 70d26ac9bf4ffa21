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
	"fmt"
	"strings"

	"github.com/facebook/openvpn3go/ovpnerr"
)

// Push size bounds (spec §4.11).
const (
	MaxProfileSize   = 256 * 1024
	MaxPushLineSize  = 3840
	MaxDirectiveSize = 256
)

// DefaultPushDenyList are server-only directives a pushed option set must
// never contain (spec §4.11).
var DefaultPushDenyList = map[string]bool{
	"tls-server":        true,
	"client-config-dir": true,
	"mode":              true,
	"dh":                true,
	"crl-verify":        true,
	"ifconfig-pool":     true,
}

// PushReassembler accumulates one or more PUSH_REPLY fragments into a
// single comma-separated option profile, per spec §4.11's continuation
// marker grammar: a fragment ending in ",push-continuation 2" means more
// fragments follow; ",push-continuation 1" or its absence means this is
// the last fragment.
type PushReassembler struct {
	buf strings.Builder
}

// Add appends one PUSH_REPLY fragment, stripping its continuation
// marker. It returns done=true once a final fragment (continuation 1 or
// none) has been added, at which point Options() returns the full list.
func (r *PushReassembler) Add(fragment string) (done bool, err error) {
	if r.buf.Len()+len(fragment) > MaxProfileSize {
		return false, fmt.Errorf("session: push profile exceeds %d bytes", MaxProfileSize)
	}
	if len(fragment) > MaxPushLineSize {
		return false, fmt.Errorf("session: push line of %d bytes exceeds %d", len(fragment), MaxPushLineSize)
	}
	body, continuation := splitContinuation(fragment)
	if r.buf.Len() > 0 && body != "" {
		r.buf.WriteByte(',')
	}
	r.buf.WriteString(body)
	return continuation != 2, nil
}

// Options splits the reassembled profile into individual directives.
func (r *PushReassembler) Options() []string {
	raw := r.buf.String()
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// splitContinuation extracts a trailing "push-continuation N" directive,
// returning the remaining body and N (0 if absent).
func splitContinuation(fragment string) (body string, continuation int) {
	const marker = "push-continuation "
	idx := strings.LastIndex(fragment, marker)
	if idx < 0 {
		return strings.TrimPrefix(fragment, "PUSH_REPLY,"), 0
	}
	tail := fragment[idx+len(marker):]
	tail = strings.TrimRight(tail, ",")
	n := 0
	fmt.Sscanf(tail, "%d", &n)
	head := strings.TrimSuffix(fragment[:idx], ",")
	return strings.TrimPrefix(head, "PUSH_REPLY,"), n
}

// PushFilter rejects pushed directives on a deny list, raising a fatal
// event (spec §4.11: "raising a fatal rejection event").
type PushFilter struct {
	Deny map[string]bool
}

// NewPushFilter builds a filter using DefaultPushDenyList.
func NewPushFilter() *PushFilter {
	return &PushFilter{Deny: DefaultPushDenyList}
}

// Check validates every directive, returning ovpnerr.ErrPushedOptionRejected
// wrapped with the offending directive name on the first violation.
func (f *PushFilter) Check(options []string) error {
	for _, opt := range options {
		if len(opt) > MaxDirectiveSize {
			return fmt.Errorf("session: directive of %d bytes exceeds %d: %w", len(opt), MaxDirectiveSize, ovpnerr.ErrPushedOptionRejected)
		}
		name := opt
		if sp := strings.IndexAny(opt, " \t"); sp >= 0 {
			name = opt[:sp]
		}
		if f.Deny[name] {
			return fmt.Errorf("session: pushed option %q is server-only: %w", name, ovpnerr.ErrPushedOptionRejected)
		}
	}
	return nil
}
