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

package pubkeys

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/storage"
)

// BundleEntry is one public key in a trust bundle, tagged with the
// datacenter it is valid for
type BundleEntry struct {
	_         struct{} `cbor:",toarray"`
	DcId      int32
	Edge      bool
	PublicKey []byte
}

// Bundle is a version-tagged collection of trusted keys, optionally signed
// by a root key baked into the application
type Bundle struct {
	_               struct{} `cbor:",toarray"`
	ProtocolVersion string
	Entries         []BundleEntry
	Signature       []byte
}

var ErrBundleSignature = errors.New("trust bundle signature verification failed")

// signingBody returns the deterministic byte serialization covered by the
// bundle signature
func (b *Bundle) signingBody() ([]byte, error) {
	unsigned := Bundle{
		ProtocolVersion: b.ProtocolVersion,
		Entries:         b.Entries,
	}
	return codec.Encode(&unsigned)
}

// Sign computes and attaches the bundle signature
func (b *Bundle) Sign(rootKey ed25519.PrivateKey) error {
	body, err := b.signingBody()
	if err != nil {
		return err
	}
	b.Signature = ed25519.Sign(rootKey, body)
	return nil
}

// Verify checks the bundle signature against the provided root public key
func (b *Bundle) Verify(rootKey ed25519.PublicKey) error {
	body, err := b.signingBody()
	if err != nil {
		return err
	}
	if !ed25519.Verify(rootKey, body, b.Signature) {
		return ErrBundleSignature
	}
	return nil
}

// KeysFor returns the keys in the bundle matching a datacenter/edge target
func (b *Bundle) KeysFor(dcId int32, edge bool) []Key {
	var ret []Key
	for _, entry := range b.Entries {
		if entry.DcId != dcId || entry.Edge != edge {
			continue
		}
		publicKey := ed25519.PublicKey(entry.PublicKey)
		ret = append(
			ret,
			Key{
				Fingerprint: Fingerprint(publicKey),
				PublicKey:   publicKey,
			},
		)
	}
	return ret
}

// saveBundle persists a bundle keyed by its protocol version
func saveBundle(store storage.Store, bundle *Bundle) error {
	blob, err := codec.Encode(bundle)
	if err != nil {
		return fmt.Errorf("failure encoding trust bundle: %w", err)
	}
	return store.Set(
		storage.KeyTrustBundle(bundle.ProtocolVersion),
		base64.StdEncoding.EncodeToString(blob),
	)
}

// loadBundle reads the persisted bundle for a protocol version. A bundle
// persisted under a different version is never returned
func loadBundle(store storage.Store, protocolVersion string) (*Bundle, error) {
	value, ok, err := store.Get(storage.KeyTrustBundle(protocolVersion))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	blob, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("corrupt trust bundle record: %w", err)
	}
	var bundle Bundle
	if err := codec.Decode(blob, &bundle); err != nil {
		return nil, fmt.Errorf("corrupt trust bundle record: %w", err)
	}
	if bundle.ProtocolVersion != protocolVersion {
		// Stale record from another protocol version
		return nil, nil
	}
	return &bundle, nil
}
