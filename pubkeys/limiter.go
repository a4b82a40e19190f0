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
	"sync"
	"time"
)

// LimiterTier is one window of the tiered flood limiter
type LimiterTier struct {
	Limit  int
	Window time.Duration
}

// DefaultLimiterTiers are the refresh-rate tiers applied to trust bundle
// fetches: at most 1 per second, 2 per minute, 3 per two minutes
var DefaultLimiterTiers = []LimiterTier{
	{Limit: 1, Window: time.Second},
	{Limit: 2, Window: 60 * time.Second},
	{Limit: 3, Window: 120 * time.Second},
}

// TieredLimiter grants an event only when every tier still has budget within
// its trailing window
type TieredLimiter struct {
	mutex  sync.Mutex
	tiers  []LimiterTier
	grants []time.Time
}

// NewTieredLimiter returns a limiter over the provided tiers. Nil tiers
// select DefaultLimiterTiers
func NewTieredLimiter(tiers []LimiterTier) *TieredLimiter {
	if tiers == nil {
		tiers = DefaultLimiterTiers
	}
	return &TieredLimiter{
		tiers: tiers,
	}
}

// Allow records and grants an event if every tier has budget, or denies it
// without recording
func (l *TieredLimiter) Allow(now time.Time) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.prune(now)
	for _, tier := range l.tiers {
		count := 0
		for _, grant := range l.grants {
			if now.Sub(grant) < tier.Window {
				count++
			}
		}
		if count >= tier.Limit {
			return false
		}
	}
	l.grants = append(l.grants, now)
	return true
}

// prune drops grants older than the widest window. Must be called with the
// mutex held
func (l *TieredLimiter) prune(now time.Time) {
	var widest time.Duration
	for _, tier := range l.tiers {
		if tier.Window > widest {
			widest = tier.Window
		}
	}
	kept := l.grants[:0]
	for _, grant := range l.grants {
		if now.Sub(grant) < widest {
			kept = append(kept, grant)
		}
	}
	l.grants = kept
}
