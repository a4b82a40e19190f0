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

// Package sequence implements the strict-ordering dispatcher used for
// causally dependent query chains: within one chain, queries reach the
// network in submission order and their outcomes are surfaced in that same
// order, regardless of completion order.
package sequence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blinklabs-io/gomtproto/query"
)

const (
	// DefaultMaxInFlight is the bounded window of sent-but-unresolved chain
	// entries
	DefaultMaxInFlight = 10

	// shrinkThreshold is the finished-prefix length that triggers compacting
	// the entry log
	shrinkThreshold = 32
)

type entryState uint8

const (
	entryPending entryState = iota
	entryInFlight
	entryResolved
	entrySurfaced
)

type entry struct {
	q          *query.Query
	generation uint64
	state      entryState
	result     query.Result
}

// SendFunc delivers a chain entry to the network routing path
type SendFunc func(q *query.Query)

// DispatcherConfig holds configuration for creating a Dispatcher
type DispatcherConfig struct {
	Logger *slog.Logger
	Chain  uuid.UUID
	// MaxInFlight bounds the window of sent-but-unresolved entries;
	// defaults to DefaultMaxInFlight
	MaxInFlight int
	SendFunc    SendFunc
	// ResendFunc returns entries to the generic dispatcher on silent close
	ResendFunc SendFunc
}

// Dispatcher orders the queries of a single chain
type Dispatcher struct {
	config DispatcherConfig

	mutex     sync.Mutex
	log       []*entry
	head      int
	inFlight  int
	byQuery   map[uuid.UUID]int
	sendQueue []*query.Query
	sending   bool
	closed    bool
}

// NewDispatcher returns a Dispatcher for one chain token
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &Dispatcher{
		config:  cfg,
		byQuery: make(map[uuid.UUID]int),
	}
}

// Chain returns the chain token this dispatcher orders
func (d *Dispatcher) Chain() uuid.UUID {
	return d.config.Chain
}

// Submit appends a query to the chain. It is sent once every earlier entry
// has been sent and the in-flight window has room
func (d *Dispatcher) Submit(q *query.Query) {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		d.config.ResendFunc(q)
		return
	}
	d.log = append(d.log, &entry{q: q})
	d.byQuery[q.Id()] = len(d.log) - 1
	d.queueReadyLocked()
	d.mutex.Unlock()
	d.drainSends()
}

// Resolve records the outcome of an in-flight entry. The outcome is held
// until every earlier entry has been surfaced, preserving delivery order.
// Returns false when the outcome belongs to a stale generation and was
// discarded
func (d *Dispatcher) Resolve(q *query.Query, generation uint64, result query.Result) bool {
	d.mutex.Lock()
	idx, ok := d.byQuery[q.Id()]
	if !ok {
		d.mutex.Unlock()
		return false
	}
	e := d.log[idx]
	if e.state != entryInFlight || e.generation != generation {
		// Stale response from before a resend
		d.mutex.Unlock()
		return false
	}
	e.state = entryResolved
	e.result = result
	d.inFlight--
	surfaced := d.takeSurfacedLocked()
	d.queueReadyLocked()
	d.shrinkLocked()
	d.mutex.Unlock()
	for _, e := range surfaced {
		d.surface(e)
	}
	d.drainSends()
	return true
}

// ResendFailed returns an in-flight entry to pending after a network
// failure, bumping its generation so the outcome of the earlier attempt is
// discarded if it still arrives
func (d *Dispatcher) ResendFailed(q *query.Query) {
	d.mutex.Lock()
	idx, ok := d.byQuery[q.Id()]
	if !ok {
		d.mutex.Unlock()
		return
	}
	e := d.log[idx]
	if e.state != entryInFlight {
		d.mutex.Unlock()
		return
	}
	e.state = entryPending
	e.generation++
	d.inFlight--
	d.queueReadyLocked()
	d.mutex.Unlock()
	d.drainSends()
}

// Generation returns the current attempt generation for a query, used to tag
// an outcome back to the attempt it belongs to
func (d *Dispatcher) Generation(q *query.Query) (uint64, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	idx, ok := d.byQuery[q.Id()]
	if !ok {
		return 0, false
	}
	return d.log[idx].generation, true
}

// Pending returns the number of entries not yet surfaced
func (d *Dispatcher) Pending() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.log) - d.head
}

// CloseSilently shuts the chain down without introducing caller-visible
// errors: held outcomes are surfaced in order and every unsurfaced entry is
// handed back to the generic dispatcher
func (d *Dispatcher) CloseSilently() {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return
	}
	d.closed = true
	d.sendQueue = nil
	// Wait out an in-progress drain so no entry is dispatched twice
	for d.sending {
		d.mutex.Unlock()
		time.Sleep(100 * time.Microsecond)
		d.mutex.Lock()
	}
	surfaced := d.takeSurfacedLocked()
	var remainder []*entry
	for i := d.head; i < len(d.log); i++ {
		e := d.log[i]
		if e.state == entrySurfaced {
			continue
		}
		remainder = append(remainder, e)
	}
	d.log = nil
	d.head = 0
	d.inFlight = 0
	d.byQuery = make(map[uuid.UUID]int)
	d.mutex.Unlock()
	for _, e := range surfaced {
		d.surface(e)
	}
	for _, e := range remainder {
		if e.q.State() == query.StateSent {
			if err := e.q.Reset(); err != nil {
				continue
			}
		}
		d.config.ResendFunc(e.q)
	}
}

// queueReadyLocked marks pending entries up to the in-flight window as
// in-flight and appends them to the send queue in log order. Must be called
// with the mutex held
func (d *Dispatcher) queueReadyLocked() {
	if d.closed {
		return
	}
	for i := d.head; i < len(d.log); i++ {
		if d.inFlight >= d.config.MaxInFlight {
			break
		}
		e := d.log[i]
		if e.state != entryPending {
			continue
		}
		e.state = entryInFlight
		d.inFlight++
		d.sendQueue = append(d.sendQueue, e.q)
	}
}

// takeSurfacedLocked collects the contiguous resolved prefix in send order.
// Must be called with the mutex held
func (d *Dispatcher) takeSurfacedLocked() []*entry {
	var surfaced []*entry
	for d.head < len(d.log) {
		e := d.log[d.head]
		if e.state != entryResolved {
			break
		}
		e.state = entrySurfaced
		delete(d.byQuery, e.q.Id())
		surfaced = append(surfaced, e)
		d.head++
	}
	return surfaced
}

// shrinkLocked compacts the log once a long contiguous finished prefix
// exists, bounding memory for long-lived chains. Must be called with the
// mutex held
func (d *Dispatcher) shrinkLocked() {
	if d.head < shrinkThreshold {
		return
	}
	remaining := len(d.log) - d.head
	compacted := make([]*entry, remaining)
	copy(compacted, d.log[d.head:])
	d.log = compacted
	d.head = 0
	for i, e := range d.log {
		if e.state != entrySurfaced {
			d.byQuery[e.q.Id()] = i
		}
	}
}

// drainSends delivers queued entries to the network path one at a time. At
// most one drainer runs; a caller finding one in progress leaves its queued
// entries to it, so sends happen in queue order even when submissions race
func (d *Dispatcher) drainSends() {
	d.mutex.Lock()
	if d.sending {
		d.mutex.Unlock()
		return
	}
	d.sending = true
	for len(d.sendQueue) > 0 && !d.closed {
		q := d.sendQueue[0]
		d.sendQueue = d.sendQueue[1:]
		d.mutex.Unlock()
		d.config.SendFunc(q)
		d.mutex.Lock()
	}
	d.sending = false
	d.mutex.Unlock()
}

func (d *Dispatcher) surface(e *entry) {
	var err error
	if e.result.Err != nil {
		err = e.q.CompleteError(e.result.Err)
	} else {
		err = e.q.CompleteOk(e.result.Payload)
	}
	if err != nil {
		d.config.Logger.Error(
			"failed surfacing chain outcome",
			"component", "sequence",
			"chain", d.config.Chain.String(),
			"query", e.q.Id().String(),
			"error", err,
		)
	}
}
