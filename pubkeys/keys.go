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

// Package pubkeys maintains the set of public keys a client trusts to
// bootstrap an authorization key with each datacenter or edge node, and the
// background watchdog that refreshes them under flood control.
package pubkeys

import (
	"crypto/ed25519"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Key is one trusted public key with its fingerprint
type Key struct {
	Fingerprint uint64
	PublicKey   ed25519.PublicKey
}

// Fingerprint derives the 64-bit fingerprint of a public key from its
// blake2b-256 hash
func Fingerprint(publicKey ed25519.PublicKey) uint64 {
	sum := blake2b.Sum256(publicKey)
	return binary.BigEndian.Uint64(sum[:8])
}

// ChangeListener is notified when keys are added to or dropped from a trusted
// set. Alive lets the set discard handles whose owner has gone away instead
// of calling into a dead component
type ChangeListener interface {
	Alive() bool
	KeysChanged()
}

// TrustedKeySet is the set of keys trusted for one datacenter or edge node.
// Keys are additive: they are only appended, or wholesale dropped on explicit
// revocation, never silently replaced
type TrustedKeySet struct {
	mutex     sync.RWMutex
	dcId      int32
	edge      bool
	keys      []Key
	listeners []ChangeListener
}

// NewTrustedKeySet returns an empty trusted set for a datacenter. The edge
// flag marks sets used for CDN-style edge nodes rather than full datacenters
func NewTrustedKeySet(dcId int32, edge bool) *TrustedKeySet {
	return &TrustedKeySet{
		dcId: dcId,
		edge: edge,
	}
}

// DcId returns the datacenter id this set belongs to
func (t *TrustedKeySet) DcId() int32 {
	return t.dcId
}

// Edge returns whether this set belongs to an edge node
func (t *TrustedKeySet) Edge() bool {
	return t.edge
}

// Add appends a key unless its fingerprint is already present. Returns
// whether the set changed
func (t *TrustedKeySet) Add(key Key) bool {
	t.mutex.Lock()
	for _, existing := range t.keys {
		if existing.Fingerprint == key.Fingerprint {
			t.mutex.Unlock()
			return false
		}
	}
	t.keys = append(t.keys, key)
	listeners := t.liveListeners()
	t.mutex.Unlock()
	for _, listener := range listeners {
		listener.KeysChanged()
	}
	return true
}

// DropAll removes every key from the set. Used for explicit revocation only
func (t *TrustedKeySet) DropAll() {
	t.mutex.Lock()
	t.keys = nil
	listeners := t.liveListeners()
	t.mutex.Unlock()
	for _, listener := range listeners {
		listener.KeysChanged()
	}
}

// GetKey returns the first trusted key matching any of the provided
// fingerprints
func (t *TrustedKeySet) GetKey(fingerprints []uint64) (Key, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	for _, fingerprint := range fingerprints {
		for _, key := range t.keys {
			if key.Fingerprint == fingerprint {
				return key, true
			}
		}
	}
	return Key{}, false
}

// Empty returns whether the set currently holds no keys
func (t *TrustedKeySet) Empty() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.keys) == 0
}

// AddListener registers a change listener handle
func (t *TrustedKeySet) AddListener(listener ChangeListener) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.listeners = append(t.listeners, listener)
}

// liveListeners prunes dead handles and returns the remainder. Must be
// called with the mutex held
func (t *TrustedKeySet) liveListeners() []ChangeListener {
	var live []ChangeListener
	for _, listener := range t.listeners {
		if listener.Alive() {
			live = append(live, listener)
		}
	}
	t.listeners = live
	return live
}
