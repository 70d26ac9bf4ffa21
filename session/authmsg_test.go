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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAuthFailedBare(t *testing.T) {
	m := ParseAuthMessage("AUTH_FAILED")
	require.Equal(t, AuthMessageFailed, m.Kind)
	require.False(t, m.Temporary)
	require.Empty(t, m.Reason)
}

func TestParseAuthFailedTempWithReason(t *testing.T) {
	m := ParseAuthMessage("AUTH_FAILED,TEMP[backoff 10]:server overloaded")
	require.Equal(t, AuthMessageFailed, m.Kind)
	require.True(t, m.Temporary)
	require.Equal(t, "server overloaded", m.Reason)
}

func TestParseAuthFailedTempBackoffAndAdvance(t *testing.T) {
	m := ParseAuthMessage("AUTH_FAILED,TEMP[backoff=30,advance=remote]:server full")
	require.Equal(t, AuthMessageFailed, m.Kind)
	require.True(t, m.Temporary)
	require.Equal(t, "server full", m.Reason)
	require.Equal(t, 30*time.Second, m.Backoff)
	require.Equal(t, AdvanceRemote, m.Advance)
}

func TestParseAuthPendingWithTimeoutAndMethods(t *testing.T) {
	m := ParseAuthMessage("AUTH_PENDING,timeout=60,methods=webauth:otp")
	require.Equal(t, AuthMessagePending, m.Kind)
	require.Equal(t, 60, m.TimeoutSeconds)
	require.Equal(t, []string{"webauth", "otp"}, m.Methods)
}

func TestParseAuthPendingBare(t *testing.T) {
	m := ParseAuthMessage("AUTH_PENDING")
	require.Equal(t, AuthMessagePending, m.Kind)
	require.Equal(t, 0, m.TimeoutSeconds)
	require.Empty(t, m.Methods)
}

func TestParseRelay(t *testing.T) {
	m := ParseAuthMessage("RELAY,relay.example.com,1194")
	require.Equal(t, AuthMessageRelay, m.Kind)
	require.Equal(t, "relay.example.com", m.RelayHost)
	require.Equal(t, "1194", m.RelayPort)
}

func TestParseUnknownMessage(t *testing.T) {
	m := ParseAuthMessage("PUSH_REPLY,route 10.0.0.0 255.255.255.0")
	require.Equal(t, AuthMessageUnknown, m.Kind)
}
