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
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"github.com/blinklabs-io/gomtproto/storage"
)

// Fetcher retrieves a fresh trust bundle from the network
type Fetcher interface {
	Fetch(ctx context.Context) (*Bundle, error)
}

// WatchdogConfig holds configuration for creating a Watchdog
type WatchdogConfig struct {
	Logger          *slog.Logger
	Store           storage.Store
	Fetcher         Fetcher
	ProtocolVersion string
	// RootKey, when set, is required to have signed any accepted bundle
	RootKey ed25519.PublicKey
	// Tiers overrides DefaultLimiterTiers
	Tiers []LimiterTier
	// TickInterval is the loop cadence; defaults to 1s
	TickInterval time.Duration
}

// Watchdog keeps every registered trusted key set satisfied, refreshing the
// trust bundle in the background under the tiered flood limiter
type Watchdog struct {
	config    WatchdogConfig
	limiter   *TieredLimiter
	mutex     sync.Mutex
	targets   []*TrustedKeySet
	wakeChan  chan struct{}
	doneChan  chan struct{}
	onceStart sync.Once
	onceStop  sync.Once
	waitGroup sync.WaitGroup
}

// NewWatchdog returns a new Watchdog with the specified config
func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Watchdog{
		config:   cfg,
		limiter:  NewTieredLimiter(cfg.Tiers),
		wakeChan: make(chan struct{}, 1),
		doneChan: make(chan struct{}),
	}
}

// Start launches the refresh loop
func (w *Watchdog) Start() {
	w.onceStart.Do(func() {
		w.waitGroup.Add(1)
		go w.loop()
	})
}

// Stop shuts the refresh loop down and waits for it to finish
func (w *Watchdog) Stop() {
	w.onceStop.Do(func() {
		close(w.doneChan)
		w.waitGroup.Wait()
	})
}

// AddKey registers a trust target and immediately attempts to satisfy it
// from the cached bundle before any network refresh
func (w *Watchdog) AddKey(set *TrustedKeySet) {
	w.mutex.Lock()
	w.targets = append(w.targets, set)
	w.mutex.Unlock()
	if bundle, err := loadBundle(w.config.Store, w.config.ProtocolVersion); err != nil {
		w.config.Logger.Warn(
			"failed loading cached trust bundle",
			"component", "pubkeys",
			"error", err,
		)
	} else if bundle != nil {
		w.distribute(bundle, set)
	}
	// Wake the loop in case the cached bundle didn't satisfy the target
	select {
	case w.wakeChan <- struct{}{}:
	default:
	}
}

// Satisfied returns whether every registered target holds at least one key
func (w *Watchdog) Satisfied() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for _, target := range w.targets {
		if target.Empty() {
			return false
		}
	}
	return true
}

func (w *Watchdog) loop() {
	defer w.waitGroup.Done()
	ticker := time.NewTicker(w.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.doneChan:
			return
		case <-w.wakeChan:
		case <-ticker.C:
		}
		if w.Satisfied() {
			continue
		}
		if !w.limiter.Allow(time.Now()) {
			continue
		}
		w.refresh()
	}
}

// refresh fetches a new bundle, persists it keyed by protocol version and
// distributes matching keys to every registered target. Failures simply wait
// for the next eligible tick
func (w *Watchdog) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	bundle, err := w.config.Fetcher.Fetch(ctx)
	if err != nil {
		w.config.Logger.Debug(
			"trust bundle refresh failed",
			"component", "pubkeys",
			"error", err,
		)
		return
	}
	if w.config.RootKey != nil {
		if err := bundle.Verify(w.config.RootKey); err != nil {
			w.config.Logger.Error(
				"rejecting unsigned trust bundle",
				"component", "pubkeys",
				"error", err,
			)
			return
		}
	}
	if bundle.ProtocolVersion == "" {
		bundle.ProtocolVersion = w.config.ProtocolVersion
	}
	if err := saveBundle(w.config.Store, bundle); err != nil {
		w.config.Logger.Warn(
			"failed persisting trust bundle",
			"component", "pubkeys",
			"error", err,
		)
	}
	w.mutex.Lock()
	targets := make([]*TrustedKeySet, len(w.targets))
	copy(targets, w.targets)
	w.mutex.Unlock()
	for _, target := range targets {
		w.distribute(bundle, target)
	}
}

// distribute hands a target its matching keys from a private copy of the
// bundle, so key material handed out is never aliased to the cached bundle
func (w *Watchdog) distribute(bundle *Bundle, target *TrustedKeySet) {
	var bundleCopy Bundle
	if err := copier.CopyWithOption(
		&bundleCopy,
		bundle,
		copier.Option{DeepCopy: true},
	); err != nil {
		w.config.Logger.Error(
			"failed copying trust bundle",
			"component", "pubkeys",
			"error", err,
		)
		return
	}
	for _, key := range bundleCopy.KeysFor(target.DcId(), target.Edge()) {
		target.Add(key)
	}
}
