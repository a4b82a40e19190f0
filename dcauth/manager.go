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

// Package dcauth propagates authorization from the main datacenter to every
// other known datacenter through an export/import handshake loop, and drives
// full key destruction.
package dcauth

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/blinklabs-io/gomtproto/session"
	"github.com/blinklabs-io/gomtproto/storage"
)

// AuthState is the propagation state for one secondary datacenter
type AuthState uint8

const (
	StateWaiting AuthState = iota
	StateExport
	StateImport
	StateBeforeOk
	StateOk
)

func (s AuthState) String() string {
	switch s {
	case StateWaiting:
		return "Waiting"
	case StateExport:
		return "Export"
	case StateImport:
		return "Import"
	case StateBeforeOk:
		return "BeforeOk"
	case StateOk:
		return "Ok"
	}
	return "Unknown"
}

// Handshaker performs the export/import authorization exchange. Export runs
// against the main datacenter; Import delivers the exported token to the
// secondary datacenter
type Handshaker interface {
	Export(ctx context.Context, mainDc int32, targetDc int32) ([]byte, error)
	Import(ctx context.Context, targetDc int32, token []byte) error
}

// ManagerConfig holds configuration for creating a Manager
type ManagerConfig struct {
	Logger     *slog.Logger
	Store      storage.Store
	Handshaker Handshaker
	// MainDc returns the current main datacenter id
	MainDc func() int32
	// KeyState returns the authorization key state observed for a datacenter
	KeyState func(dc int32) session.KeyState
	// Authorize promotes a datacenter's key to Authorized after a successful
	// import
	Authorize func(dc int32)
	// DropKeys drives key destruction for a datacenter when a global destroy
	// is requested
	DropKeys func(dc int32)
	// TickInterval is the loop cadence; defaults to 1s
	TickInterval time.Duration
}

type dcState struct {
	state    AuthState
	inFlight bool
}

// Manager tracks per-datacenter authorization propagation. The loop is a
// no-op until the main datacenter itself reports an Authorized key
type Manager struct {
	config ManagerConfig

	mutex   sync.Mutex
	tracked map[int32]*dcState

	destroyRequested bool
	destroyChan      chan struct{}
	destroyOnce      sync.Once

	wakeChan  chan struct{}
	doneChan  chan struct{}
	onceStart sync.Once
	onceStop  sync.Once
	waitGroup sync.WaitGroup
}

// NewManager returns a Manager with the specified config
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Manager{
		config:      cfg,
		tracked:     make(map[int32]*dcState),
		destroyChan: make(chan struct{}),
		wakeChan:    make(chan struct{}, 1),
		doneChan:    make(chan struct{}),
	}
}

// Start launches the propagation loop
func (m *Manager) Start() {
	m.onceStart.Do(func() {
		m.waitGroup.Add(1)
		go m.loop()
	})
}

// Stop shuts the loop down and waits for in-flight handshakes to finish
func (m *Manager) Stop() {
	m.onceStop.Do(func() {
		close(m.doneChan)
		m.waitGroup.Wait()
	})
}

// Track registers a datacenter for authorization propagation
func (m *Manager) Track(dc int32) {
	m.mutex.Lock()
	if _, ok := m.tracked[dc]; !ok {
		m.tracked[dc] = &dcState{state: StateWaiting}
	}
	m.mutex.Unlock()
	m.wake()
}

// State returns the propagation state for a datacenter
func (m *Manager) State(dc int32) (AuthState, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st, ok := m.tracked[dc]
	if !ok {
		return StateWaiting, false
	}
	return st.state, true
}

// Destroy marks the global destroy intent and returns the completion
// channel. The channel closes once every tracked datacenter's key state is
// Empty, which also covers clients that never finished the export/import
// dance: destruction is driven by the session layer dropping keys
func (m *Manager) Destroy() <-chan struct{} {
	m.mutex.Lock()
	m.destroyRequested = true
	m.mutex.Unlock()
	m.wake()
	return m.destroyChan
}

// Load replays persisted propagation records through the same transition
// function used live
func (m *Manager) Load(dcs []int32) error {
	if m.config.Store == nil {
		return nil
	}
	for _, dc := range dcs {
		value, ok, err := m.config.Store.Get(storage.KeyAuthState(dc))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		parsed, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return fmt.Errorf("corrupt authorization state record: %w", err)
		}
		state := AuthState(parsed)
		// In-flight handshake phases restart from the beginning
		if state == StateExport || state == StateImport || state == StateBeforeOk {
			state = StateWaiting
		}
		m.Track(dc)
		m.apply(dc, state, false)
	}
	return nil
}

func (m *Manager) wake() {
	select {
	case m.wakeChan <- struct{}{}:
	default:
	}
}

func (m *Manager) loop() {
	defer m.waitGroup.Done()
	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneChan:
			return
		case <-m.wakeChan:
		case <-ticker.C:
		}
		m.tick()
	}
}

func (m *Manager) tick() {
	if m.checkDestroy() {
		return
	}
	if m.config.Handshaker == nil {
		// Propagation disabled; only the destroy promise is serviced
		return
	}
	mainDc := m.config.MainDc()
	if m.config.KeyState(mainDc) != session.KeyStateAuthorized {
		// Nothing to propagate until the main datacenter is authorized
		return
	}
	m.mutex.Lock()
	var startDcs []int32
	for dc, st := range m.tracked {
		if dc == mainDc {
			continue
		}
		// Observed key regression takes a datacenter back to Waiting
		if st.state == StateOk &&
			m.config.KeyState(dc) != session.KeyStateAuthorized {
			st.state = StateWaiting
		}
		if st.inFlight {
			// At most one handshake per datacenter
			continue
		}
		switch st.state {
		case StateWaiting, StateExport:
			if m.config.KeyState(dc) == session.KeyStateAuthorized {
				st.state = StateOk
				continue
			}
			st.inFlight = true
			startDcs = append(startDcs, dc)
		}
	}
	m.mutex.Unlock()
	for _, dc := range startDcs {
		m.apply(dc, StateExport, true)
		m.waitGroup.Add(1)
		go m.handshake(mainDc, dc)
	}
}

// checkDestroy resolves the destroy promise once every tracked datacenter's
// key state has become Empty
func (m *Manager) checkDestroy() bool {
	m.mutex.Lock()
	requested := m.destroyRequested
	dcs := make([]int32, 0, len(m.tracked))
	for dc := range m.tracked {
		dcs = append(dcs, dc)
	}
	m.mutex.Unlock()
	if !requested {
		return false
	}
	allEmpty := true
	for _, dc := range dcs {
		if m.config.KeyState(dc) != session.KeyStateEmpty {
			allEmpty = false
			if m.config.DropKeys != nil {
				m.config.DropKeys(dc)
			}
		}
	}
	if allEmpty {
		m.destroyOnce.Do(func() {
			close(m.destroyChan)
		})
	} else {
		// Re-check on the next tick after the drops take effect
		m.wake()
	}
	return true
}

// handshake runs one export/import exchange for a datacenter
func (m *Manager) handshake(mainDc int32, dc int32) {
	defer m.waitGroup.Done()
	defer func() {
		m.mutex.Lock()
		if st, ok := m.tracked[dc]; ok {
			st.inFlight = false
		}
		m.mutex.Unlock()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	token, err := m.config.Handshaker.Export(ctx, mainDc, dc)
	if err != nil {
		m.config.Logger.Debug(
			"authorization export failed",
			"component", "dcauth",
			"dc", dc,
			"error", err,
		)
		// Remain in Export; the next loop tick retries
		return
	}
	m.apply(dc, StateImport, true)
	if err := m.config.Handshaker.Import(ctx, dc, token); err != nil {
		m.config.Logger.Debug(
			"authorization import failed",
			"component", "dcauth",
			"dc", dc,
			"error", err,
		)
		m.apply(dc, StateExport, true)
		return
	}
	m.apply(dc, StateBeforeOk, true)
	if m.config.Authorize != nil {
		m.config.Authorize(dc)
	}
	m.apply(dc, StateOk, true)
}

// apply is the single state-transition function used by both the live loop
// and startup replay
func (m *Manager) apply(dc int32, state AuthState, persist bool) {
	m.mutex.Lock()
	st, ok := m.tracked[dc]
	if !ok {
		st = &dcState{}
		m.tracked[dc] = st
	}
	st.state = state
	m.mutex.Unlock()
	if persist && m.config.Store != nil {
		err := m.config.Store.Set(
			storage.KeyAuthState(dc),
			strconv.FormatUint(uint64(state), 10),
		)
		if err != nil {
			m.config.Logger.Warn(
				"failed persisting authorization state",
				"component", "dcauth",
				"dc", dc,
				"error", err,
			)
		}
	}
}
