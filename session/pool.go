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

package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/blinklabs-io/gomtproto/pubkeys"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/transport"
)

// PoolConfig holds configuration for creating a Pool
type PoolConfig struct {
	Logger       *slog.Logger
	DcId         int32
	Class        query.TrafficClass
	Address      string
	SessionCount int
	UseTempKeys  bool
	Keys         *KeyHolder
	TrustedKeys  *pubkeys.TrustedKeySet
	Dialer       transport.Dialer
	Authorizer   Authorizer
	ResendFunc   ResendFunc
	ResultFunc   ResultFunc
}

// Pool owns the parallel sessions for one (datacenter, traffic class) pair
// and load-balances queries across them
type Pool struct {
	mutex    sync.Mutex
	config   PoolConfig
	sessions []*Session
	main     bool
}

// NewPool returns a Pool with its sessions created up front. Connections are
// still opened lazily by each session
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionCount <= 0 {
		cfg.SessionCount = 1
	}
	p := &Pool{
		config: cfg,
	}
	p.sessions = p.buildSessions(cfg.SessionCount, cfg.UseTempKeys, false)
	return p
}

func (p *Pool) buildSessions(count int, useTempKeys bool, main bool) []*Session {
	sessions := make([]*Session, 0, count)
	for i := 0; i < count; i++ {
		sessions = append(sessions, NewSession(SessionConfig{
			Logger:  p.config.Logger,
			DcId:    p.config.DcId,
			Address: p.config.Address,
			Tag: fmt.Sprintf(
				"dc%d/%s/%d",
				p.config.DcId,
				strings.ToLower(p.config.Class.String()),
				i,
			),
			Dialer:          p.config.Dialer,
			Authorizer:      p.config.Authorizer,
			Keys:            p.config.Keys,
			TrustedKeys:     p.config.TrustedKeys,
			UseTempKeys:     useTempKeys,
			MainInteractive: main && p.config.Class == query.ClassInteractive,
			ResendFunc:      p.config.ResendFunc,
			ResultFunc:      p.config.ResultFunc,
		}))
	}
	return sessions
}

// Send hands a query to a session. Queries requiring authorization with
// remaining retry budget go to the least-loaded session, or to a
// deterministic session when they carry a sharding hint; everything else
// uses session 0
func (p *Pool) Send(q *query.Query) {
	p.mutex.Lock()
	sessions := p.sessions
	p.mutex.Unlock()
	if len(sessions) == 0 {
		p.config.ResendFunc(q)
		return
	}
	idx := 0
	if q.RequiresAuth() && q.RemainingTTL() > 1 {
		if hint, ok := q.ShardHint(); ok {
			// Keep causally related but unchained queries on one channel
			idx = int(hint % uint64(len(sessions)))
		} else {
			best := sessions[0].Load()
			for i := 1; i < len(sessions); i++ {
				if load := sessions[i].Load(); load < best {
					best = load
					idx = i
				}
			}
		}
	}
	sessions[idx].Send(q)
}

// UpdateOptions applies a session count or forward secrecy change by
// rebuilding the pool. In-flight queries on replaced sessions drain back
// through the resend path. Unchanged values are a no-op: no session is
// disturbed
func (p *Pool) UpdateOptions(sessionCount int, useTempKeys bool, destroyKeys bool) {
	if sessionCount <= 0 {
		sessionCount = 1
	}
	p.mutex.Lock()
	unchanged := sessionCount == len(p.sessions) &&
		useTempKeys == p.config.UseTempKeys &&
		!destroyKeys
	if unchanged {
		p.mutex.Unlock()
		return
	}
	old := p.sessions
	main := p.main
	p.config.SessionCount = sessionCount
	p.config.UseTempKeys = useTempKeys
	p.sessions = nil
	p.mutex.Unlock()
	for _, session := range old {
		session.Close()
	}
	if destroyKeys {
		p.config.Keys.DropAll()
	}
	rebuilt := p.buildSessions(sessionCount, useTempKeys, main)
	p.mutex.Lock()
	p.sessions = rebuilt
	p.mutex.Unlock()
}

// UpdateMainFlag propagates the main-datacenter flag to every session
func (p *Pool) UpdateMainFlag(main bool) {
	p.mutex.Lock()
	p.main = main
	sessions := p.sessions
	p.mutex.Unlock()
	effective := main && p.config.Class == query.ClassInteractive
	for _, session := range sessions {
		session.SetMain(effective)
	}
}

// SessionCount returns the current number of sessions
func (p *Pool) SessionCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.sessions)
}

// Sessions returns a snapshot of the current sessions
func (p *Pool) Sessions() []*Session {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	ret := make([]*Session, len(p.sessions))
	copy(ret, p.sessions)
	return ret
}

// Close tears down every session, draining their queries through the resend
// path
func (p *Pool) Close() {
	p.mutex.Lock()
	sessions := p.sessions
	p.sessions = nil
	p.mutex.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}
