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

package query

import (
	"sync/atomic"
	"time"
)

// Counters tracks operational metrics across all queries sharing them.
// Uses atomic counters for thread-safe operation; no cross-field consistency
// is required.
type Counters struct {
	live atomic.Int64

	created        atomic.Uint64
	sent           atomic.Uint64
	completedOk    atomic.Uint64
	completedError atomic.Uint64
	resets         atomic.Uint64
	createdDwellNs atomic.Int64
	sentDwellNs    atomic.Int64
}

// NewCounters creates a new Counters
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) recordNew() {
	c.live.Add(1)
	c.created.Add(1)
}

func (c *Counters) recordRelease() {
	c.live.Add(-1)
}

func (c *Counters) recordTransition(from State, to State, dwell time.Duration) {
	switch from {
	case StateCreated:
		c.createdDwellNs.Add(int64(dwell))
	case StateSent:
		c.sentDwellNs.Add(int64(dwell))
	}
	switch to {
	case StateCreated:
		// Only reachable via an explicit resend reset
		c.resets.Add(1)
	case StateSent:
		c.sent.Add(1)
	case StateCompletedOk:
		c.completedOk.Add(1)
	case StateCompletedError:
		c.completedError.Add(1)
	}
}

// CountersSnapshot is a point-in-time copy of the counters
type CountersSnapshot struct {
	Live           int64
	Created        uint64
	Sent           uint64
	CompletedOk    uint64
	CompletedError uint64
	Resets         uint64
	CreatedDwell   time.Duration
	SentDwell      time.Duration
}

// Snapshot returns a point-in-time copy of the counters. Individual fields
// are read atomically but not as a consistent set
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Live:           c.live.Load(),
		Created:        c.created.Load(),
		Sent:           c.sent.Load(),
		CompletedOk:    c.completedOk.Load(),
		CompletedError: c.completedError.Load(),
		Resets:         c.resets.Load(),
		CreatedDwell:   time.Duration(c.createdDwellNs.Load()),
		SentDwell:      time.Duration(c.sentDwellNs.Load()),
	}
}

// Live returns the current number of queries created and not yet released
func (c *Counters) Live() int64 {
	return c.live.Load()
}
