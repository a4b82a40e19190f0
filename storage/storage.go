// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage defines the opaque key/value persistence collaborator used
// by the client core. The core relies on single-key atomicity only; no
// transactional guarantees are assumed.
package storage

import "fmt"

// Store is a flat string key/value store
type Store interface {
	// Get returns the value for a key and whether the key exists
	Get(key string) (string, bool, error)
	// Set stores a value under a key
	Set(key string, value string) error
	// Erase removes a key
	Erase(key string) error
}

// Well-known key helpers. The persisted namespace is flat; the format of each
// value belongs to the component writing it.

// KeyMainDC is the key holding the current main datacenter id
const KeyMainDC = "main_dc_id"

// KeyAuthKey returns the key holding a datacenter's authorization key blob
func KeyAuthKey(dc int32, temp bool) string {
	if temp {
		return fmt.Sprintf("auth_key_temp.dc%d", dc)
	}
	return fmt.Sprintf("auth_key.dc%d", dc)
}

// KeyServerSalts returns the key holding a datacenter's future server salt
// list
func KeyServerSalts(dc int32) string {
	return fmt.Sprintf("server_salts.dc%d", dc)
}

// KeyTrustBundle returns the key holding the cached trust bundle for a
// protocol version
func KeyTrustBundle(protocolVersion string) string {
	return "trust_bundle." + protocolVersion
}

// KeyChainState returns the key holding queued chain state for replay after
// restart
func KeyChainState(chain string) string {
	return "chain_state." + chain
}

// KeyAuthState returns the key holding the authorization propagation state
// record for a datacenter
func KeyAuthState(dc int32) string {
	return fmt.Sprintf("auth_state.dc%d", dc)
}
