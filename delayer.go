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
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/blinklabs-io/gomtproto/query"
)

const (
	// delayerBaseBackoff is the first retry delay for a transient error
	delayerBaseBackoff = time.Second
	// delayerMaxBackoff caps the exponential backoff
	delayerMaxBackoff = 16 * time.Second
	// delayerMaxJitter bounds the random jitter added on top of the
	// computed wait
	delayerMaxJitter = 500 * time.Millisecond
)

// delayer re-submits transiently failed queries after a capped, jittered
// backoff, honoring any mandatory minimum wait stated by the error
type delayer struct {
	logger   *slog.Logger
	resubmit func(*query.Query)
	mutex    sync.Mutex
	timers   map[*time.Timer]struct{}
	stopped  bool
}

func newDelayer(logger *slog.Logger, resubmit func(*query.Query)) *delayer {
	return &delayer{
		logger:   logger,
		resubmit: resubmit,
		timers:   make(map[*time.Timer]struct{}),
	}
}

// submit schedules a resend. attempt counts prior dispatch attempts and
// minWait is the server-stated minimum (zero when none)
func (d *delayer) submit(q *query.Query, attempt int, minWait time.Duration) {
	wait := delayerBaseBackoff
	for i := 0; i < attempt && wait < delayerMaxBackoff; i++ {
		wait *= 2
	}
	if wait > delayerMaxBackoff {
		wait = delayerMaxBackoff
	}
	if minWait > 0 {
		// A server-stated wait replaces the computed backoff: the resend
		// goes out no earlier than the stated minimum plus bounded jitter
		wait = minWait
	}
	wait += time.Duration(rand.Int63n(int64(delayerMaxJitter)))
	d.mutex.Lock()
	if d.stopped {
		d.mutex.Unlock()
		d.resubmit(q)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		d.mutex.Lock()
		delete(d.timers, timer)
		d.mutex.Unlock()
		d.resubmit(q)
	})
	d.timers[timer] = struct{}{}
	d.mutex.Unlock()
	d.logger.Debug(
		"delaying query resend",
		"component", "dispatcher",
		"query", q.Id().String(),
		"wait", wait.String(),
	)
}

// stop fires every outstanding timer immediately so delayed queries drain
// through the normal resend path during shutdown
func (d *delayer) stop() {
	d.mutex.Lock()
	d.stopped = true
	timers := make([]*time.Timer, 0, len(d.timers))
	for timer := range d.timers {
		timers = append(timers, timer)
	}
	d.mutex.Unlock()
	for _, timer := range timers {
		timer.Reset(0)
	}
}
