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

// Package session owns the per-datacenter authorization key lifecycle and the
// sessions and session pools that forward queries once a channel is
// authorized.
package session

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/storage"
)

// KeyState is the lifecycle state of an authorization key slot
type KeyState uint8

const (
	KeyStateEmpty KeyState = iota
	KeyStateNotAuthorized
	KeyStateAuthorized
)

func (s KeyState) String() string {
	switch s {
	case KeyStateEmpty:
		return "Empty"
	case KeyStateNotAuthorized:
		return "NotAuthorized"
	case KeyStateAuthorized:
		return "Authorized"
	}
	return "Unknown"
}

// AuthKey is one authorization key. A temporary key additionally carries an
// expiry and is rotated to limit the impact of key compromise
type AuthKey struct {
	_         struct{} `cbor:",toarray"`
	Id        uint64
	Secret    []byte
	CreatedAt int64
	// ExpiresAt is zero for persistent keys
	ExpiresAt int64
}

// Expired returns whether a temporary key is past its expiry
func (k *AuthKey) Expired(now time.Time) bool {
	return k.ExpiresAt != 0 && now.Unix() >= k.ExpiresAt
}

// ServerSalt is one time-bounded server salt attached to outgoing frames
type ServerSalt struct {
	_          struct{} `cbor:",toarray"`
	Salt       uint64
	ValidSince int64
	ValidUntil int64
}

// keyRecord is the persisted form of one key slot
type keyRecord struct {
	_          struct{} `cbor:",toarray"`
	Key        AuthKey
	Authorized bool
}

// KeyStateListener is notified when a key slot changes state. Alive lets the
// holder drop handles whose owner has gone away
type KeyStateListener interface {
	Alive() bool
	KeyStateChanged(temp bool, state KeyState)
}

// KeyHolder is the shared authorization key state for one datacenter: the
// persistent key slot, the optional temporary forward-secret slot and the
// persisted future server salts
type KeyHolder struct {
	mutex       sync.Mutex
	logger      *slog.Logger
	store       storage.Store
	dcId        int32
	persistTemp bool

	perm  keySlot
	temp  keySlot
	salts []ServerSalt

	listeners []KeyStateListener
}

type keySlot struct {
	key   *AuthKey
	state KeyState
}

// KeyHolderConfig holds configuration for creating a KeyHolder
type KeyHolderConfig struct {
	Logger *slog.Logger
	Store  storage.Store
	DcId   int32
	// PersistTempKeys controls whether temporary keys survive restart; only
	// honored when forward secrecy is enabled by the owning pool
	PersistTempKeys bool
}

// NewKeyHolder returns a KeyHolder with both slots Empty
func NewKeyHolder(cfg KeyHolderConfig) *KeyHolder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &KeyHolder{
		logger:      cfg.Logger,
		store:       cfg.Store,
		dcId:        cfg.DcId,
		persistTemp: cfg.PersistTempKeys,
	}
}

// DcId returns the datacenter this holder belongs to
func (h *KeyHolder) DcId() int32 {
	return h.dcId
}

// State returns the current state of a key slot
func (h *KeyHolder) State(temp bool) KeyState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.slot(temp).state
}

// Key returns the key in a slot, or nil when the slot is Empty
func (h *KeyHolder) Key(temp bool) *AuthKey {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.slot(temp).key
}

func (h *KeyHolder) slot(temp bool) *keySlot {
	if temp {
		return &h.temp
	}
	return &h.perm
}

// SetKey installs a newly obtained key in NotAuthorized state
func (h *KeyHolder) SetKey(temp bool, key *AuthKey) {
	h.apply(temp, key, false, true)
}

// SetAuthorized promotes a slot holding a key to Authorized
func (h *KeyHolder) SetAuthorized(temp bool) {
	h.mutex.Lock()
	key := h.slot(temp).key
	h.mutex.Unlock()
	if key == nil {
		return
	}
	h.apply(temp, key, true, true)
}

// Drop empties a slot and erases its persisted record
func (h *KeyHolder) Drop(temp bool) {
	h.mutex.Lock()
	listeners := h.liveListeners()
	slot := h.slot(temp)
	changed := slot.state != KeyStateEmpty
	slot.key = nil
	slot.state = KeyStateEmpty
	h.mutex.Unlock()
	if h.store != nil {
		if err := h.store.Erase(storage.KeyAuthKey(h.dcId, temp)); err != nil {
			h.logger.Warn(
				"failed erasing authorization key record",
				"component", "session",
				"dc", h.dcId,
				"error", err,
			)
		}
	}
	if changed {
		for _, listener := range listeners {
			listener.KeyStateChanged(temp, KeyStateEmpty)
		}
	}
}

// DropAll empties both slots
func (h *KeyHolder) DropAll() {
	h.Drop(false)
	h.Drop(true)
}

// apply is the single state-transition function used by both live mutations
// and startup replay, so replayed records cannot drift from live behavior
func (h *KeyHolder) apply(temp bool, key *AuthKey, authorized bool, persist bool) {
	state := KeyStateNotAuthorized
	if authorized {
		state = KeyStateAuthorized
	}
	h.mutex.Lock()
	slot := h.slot(temp)
	slot.key = key
	changed := slot.state != state
	slot.state = state
	listeners := h.liveListeners()
	h.mutex.Unlock()
	if persist {
		h.persistSlot(temp, key, authorized)
	}
	if changed {
		for _, listener := range listeners {
			listener.KeyStateChanged(temp, state)
		}
	}
}

func (h *KeyHolder) persistSlot(temp bool, key *AuthKey, authorized bool) {
	if h.store == nil {
		return
	}
	if temp && !h.persistTemp {
		return
	}
	record := keyRecord{
		Key:        *key,
		Authorized: authorized,
	}
	blob, err := codec.Encode(&record)
	if err != nil {
		h.logger.Error(
			"failed encoding authorization key record",
			"component", "session",
			"dc", h.dcId,
			"error", err,
		)
		return
	}
	err = h.store.Set(
		storage.KeyAuthKey(h.dcId, temp),
		base64.StdEncoding.EncodeToString(blob),
	)
	if err != nil {
		h.logger.Warn(
			"failed persisting authorization key record",
			"component", "session",
			"dc", h.dcId,
			"error", err,
		)
	}
}

// Load replays persisted key and salt records through the same transition
// function used live. Temporary keys past their expiry are discarded
func (h *KeyHolder) Load(now time.Time) error {
	if h.store == nil {
		return nil
	}
	for _, temp := range []bool{false, true} {
		value, ok, err := h.store.Get(storage.KeyAuthKey(h.dcId, temp))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return fmt.Errorf("corrupt authorization key record: %w", err)
		}
		var record keyRecord
		if err := codec.Decode(blob, &record); err != nil {
			return fmt.Errorf("corrupt authorization key record: %w", err)
		}
		if temp && record.Key.Expired(now) {
			h.logger.Debug(
				"discarding expired temporary key",
				"component", "session",
				"dc", h.dcId,
			)
			if err := h.store.Erase(storage.KeyAuthKey(h.dcId, temp)); err != nil {
				h.logger.Warn(
					"failed erasing expired temporary key",
					"component", "session",
					"dc", h.dcId,
					"error", err,
				)
			}
			continue
		}
		key := record.Key
		h.apply(temp, &key, record.Authorized, false)
	}
	return h.loadSalts()
}

// StoreSalts replaces the persisted future server salt list
func (h *KeyHolder) StoreSalts(salts []ServerSalt) {
	h.mutex.Lock()
	h.salts = salts
	h.mutex.Unlock()
	if h.store == nil {
		return
	}
	blob, err := codec.Encode(salts)
	if err != nil {
		h.logger.Error(
			"failed encoding server salts",
			"component", "session",
			"dc", h.dcId,
			"error", err,
		)
		return
	}
	err = h.store.Set(
		storage.KeyServerSalts(h.dcId),
		base64.StdEncoding.EncodeToString(blob),
	)
	if err != nil {
		h.logger.Warn(
			"failed persisting server salts",
			"component", "session",
			"dc", h.dcId,
			"error", err,
		)
	}
}

// CurrentSalt returns the salt valid at the provided time, or zero when none
// is known yet
func (h *KeyHolder) CurrentSalt(now time.Time) uint64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	ts := now.Unix()
	for _, salt := range h.salts {
		if salt.ValidSince <= ts && ts < salt.ValidUntil {
			return salt.Salt
		}
	}
	return 0
}

func (h *KeyHolder) loadSalts() error {
	value, ok, err := h.store.Get(storage.KeyServerSalts(h.dcId))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	blob, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("corrupt server salt record: %w", err)
	}
	var salts []ServerSalt
	if err := codec.Decode(blob, &salts); err != nil {
		return fmt.Errorf("corrupt server salt record: %w", err)
	}
	h.mutex.Lock()
	h.salts = salts
	h.mutex.Unlock()
	return nil
}

// AddListener registers a key state listener handle
func (h *KeyHolder) AddListener(listener KeyStateListener) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.listeners = append(h.listeners, listener)
}

// liveListeners prunes dead handles and returns the remainder. Must be
// called with the mutex held
func (h *KeyHolder) liveListeners() []KeyStateListener {
	var live []KeyStateListener
	for _, listener := range h.listeners {
		if listener.Alive() {
			live = append(live, listener)
		}
	}
	h.listeners = live
	return live
}
