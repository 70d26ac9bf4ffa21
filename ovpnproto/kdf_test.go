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

package ovpnproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKeyMaterialDeterministic(t *testing.T) {
	master := []byte("master secret bytes")
	clientRandom := []byte("client random 0123456789012345")
	serverRandom := []byte("server random 0123456789012345")

	m1, err := DeriveKeyMaterial(master, clientRandom, serverRandom, "OpenVPN")
	require.NoError(t, err)
	require.Len(t, m1, KeyMaterialSize)

	m2, err := DeriveKeyMaterial(master, clientRandom, serverRandom, "OpenVPN")
	require.NoError(t, err)
	require.Equal(t, m1, m2)
}

func TestDeriveKeyMaterialLabelChangesOutput(t *testing.T) {
	master := []byte("master secret bytes")
	clientRandom := []byte("client random 0123456789012345")
	serverRandom := []byte("server random 0123456789012345")

	m1, err := DeriveKeyMaterial(master, clientRandom, serverRandom, "label-a")
	require.NoError(t, err)
	m2, err := DeriveKeyMaterial(master, clientRandom, serverRandom, "label-b")
	require.NoError(t, err)
	require.NotEqual(t, m1, m2)
}

func TestPartitionKeyMaterialAEAD(t *testing.T) {
	master := []byte("master secret bytes")
	clientRandom := []byte("client random 0123456789012345")
	serverRandom := []byte("server random 0123456789012345")

	material, err := DeriveKeyMaterial(master, clientRandom, serverRandom, "OpenVPN")
	require.NoError(t, err)

	keys, err := PartitionKeyMaterial(material, KeySize(CipherAES256GCM), 0)
	require.NoError(t, err)
	require.Len(t, keys.ClientToServerCipherKey, 32)
	require.Len(t, keys.ServerToClientCipherKey, 32)
	require.Len(t, keys.ClientToServerIVTail, ImplicitIVTailSize)
	require.Len(t, keys.ServerToClientIVTail, ImplicitIVTailSize)
	require.NotEqual(t, keys.ClientToServerCipherKey, keys.ServerToClientCipherKey)
}

func TestPartitionKeyMaterialTooShort(t *testing.T) {
	_, err := PartitionKeyMaterial(make([]byte, 4), 32, 32)
	require.Error(t, err)
}
