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

// Package codec provides the CBOR encoding helpers used for persisted state
// blobs and transport frame envelopes.
package codec

import (
	"bytes"
	"fmt"

	_cbor "github.com/fxamacker/cbor/v2"
)

// RawMessage is an alias for convenience
type RawMessage = _cbor.RawMessage

// Encode serializes the provided value as CBOR with deterministic map key
// ordering, so persisted blobs are byte-stable across process restarts
func Encode(data any) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	opts := _cbor.EncOptions{
		Sort: _cbor.SortCoreDeterministic,
	}
	em, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failure creating CBOR encoder: %w", err)
	}
	enc := em.NewEncoder(buf)
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("CBOR encode error: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a CBOR blob into the destination, rejecting trailing
// garbage. Persisted blobs are written whole; a partial decode means the
// record is corrupt
func Decode(data []byte, dest any) error {
	dm, err := _cbor.DecOptions{}.DecMode()
	if err != nil {
		return fmt.Errorf("failure creating CBOR decoder: %w", err)
	}
	if err := dm.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("CBOR decode error: %w", err)
	}
	return nil
}
