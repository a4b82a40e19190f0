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

package mtproto

import (
	"fmt"
	"time"

	"github.com/blinklabs-io/gomtproto/pubkeys"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/session"
)

// datacenterEntry is the lazily created per-datacenter state: the shared
// authorization key holder, the trusted key set and the four session pools
type datacenterEntry struct {
	id      int32
	address string
	keys    *session.KeyHolder
	trusted *pubkeys.TrustedKeySet
	pools   [query.ClassCount]*session.Pool
}

func (e *datacenterEntry) pool(class query.TrafficClass) *session.Pool {
	return e.pools[class]
}

// dcSlot holds the lazy-init handshake for one registry entry: the first
// caller creates the entry, concurrent callers busy-wait briefly on the
// ready flag
type dcSlot struct {
	ready bool
	entry *datacenterEntry
}

// datacenter returns the entry for a datacenter id, initializing it at most
// once. The process-wide registry lock is held only for the initialization
// race itself
func (c *Client) datacenter(dc int32) (*datacenterEntry, error) {
	address, ok := c.config.addresses[dc]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDatacenter, dc)
	}
	c.dcMutex.Lock()
	slot, ok := c.datacenters[dc]
	if ok {
		c.dcMutex.Unlock()
		// Another caller is initializing; wait for it to finish
		for {
			c.dcMutex.Lock()
			ready := slot.ready
			c.dcMutex.Unlock()
			if ready {
				return slot.entry, nil
			}
			time.Sleep(100 * time.Microsecond)
		}
	}
	slot = &dcSlot{}
	c.datacenters[dc] = slot
	c.dcMutex.Unlock()
	entry := c.initDatacenter(dc, address)
	c.dcMutex.Lock()
	slot.entry = entry
	slot.ready = true
	c.dcMutex.Unlock()
	return entry, nil
}

// initDatacenter builds the key holder, trust target and session pools for
// one datacenter
func (c *Client) initDatacenter(dc int32, address string) *datacenterEntry {
	keys := session.NewKeyHolder(session.KeyHolderConfig{
		Logger:          c.logger,
		Store:           c.config.store,
		DcId:            dc,
		PersistTempKeys: c.config.useTempKeys && c.config.persistTempKeys,
	})
	if err := keys.Load(time.Now()); err != nil {
		c.logger.Warn(
			"failed loading persisted key state",
			"component", "client",
			"dc", dc,
			"error", err,
		)
	}
	trusted := pubkeys.NewTrustedKeySet(dc, false)
	if c.watchdog != nil {
		c.watchdog.AddKey(trusted)
	}
	entry := &datacenterEntry{
		id:      dc,
		address: address,
		keys:    keys,
		trusted: trusted,
	}
	for class := query.TrafficClass(0); class < query.ClassCount; class++ {
		entry.pools[class] = session.NewPool(session.PoolConfig{
			Logger:       c.logger,
			DcId:         dc,
			Class:        class,
			Address:      address,
			SessionCount: c.config.sessionCount,
			UseTempKeys:  c.config.useTempKeys,
			Keys:         keys,
			TrustedKeys:  trusted,
			Dialer:       c.config.dialer,
			Authorizer:   c.config.authorizer,
			ResendFunc:   c.resend,
			ResultFunc:   c.handleResult,
		})
	}
	if dc == c.MainDc() {
		entry.pool(query.ClassInteractive).UpdateMainFlag(true)
	}
	if c.authManager != nil {
		c.authManager.Track(dc)
	}
	c.logger.Debug(
		"initialized datacenter",
		"component", "client",
		"dc", dc,
	)
	return entry
}

// lookupDatacenter returns an already initialized entry without triggering
// initialization
func (c *Client) lookupDatacenter(dc int32) *datacenterEntry {
	c.dcMutex.Lock()
	defer c.dcMutex.Unlock()
	slot, ok := c.datacenters[dc]
	if !ok || !slot.ready {
		return nil
	}
	return slot.entry
}
