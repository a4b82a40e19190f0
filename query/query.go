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

// Package query implements the unit of work passed between the dispatcher,
// session pools and sessions: an immutable-after-creation request with a
// mutable terminal outcome.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultDispatchTTL is the number of dispatch attempts a query is allowed
	// before it fails with ErrDispatchExhausted
	DefaultDispatchTTL = 5
)

// DCMain is the sentinel destination resolved to the current main datacenter
// at dispatch time
const DCMain int32 = 0

// State represents the lifecycle state of a Query
type State uint8

const (
	StateCreated State = iota
	StateSent
	StateCompletedOk
	StateCompletedError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateSent:
		return "Sent"
	case StateCompletedOk:
		return "CompletedOk"
	case StateCompletedError:
		return "CompletedError"
	}
	return "Unknown"
}

// TrafficClass selects which session pool of a datacenter carries the query
type TrafficClass uint8

const (
	ClassInteractive TrafficClass = iota
	ClassUpload
	ClassDownload
	ClassSmallDownload

	// ClassCount is the number of traffic classes
	ClassCount = 4
)

func (c TrafficClass) String() string {
	switch c {
	case ClassInteractive:
		return "Interactive"
	case ClassUpload:
		return "Upload"
	case ClassDownload:
		return "Download"
	case ClassSmallDownload:
		return "SmallDownload"
	}
	return "Unknown"
}

var (
	// ErrCanceled is the outcome of a query canceled before completion
	ErrCanceled = errors.New("query canceled")
	// ErrDispatchExhausted is the outcome of a query whose dispatch TTL
	// reached zero without delivery
	ErrDispatchExhausted = errors.New("query retries exhausted")
	// ErrAlreadyCompleted is returned for a state transition attempted on a
	// terminal query
	ErrAlreadyCompleted = errors.New("query already completed")
)

// Result carries exactly one of a response payload or an error
type Result struct {
	Payload []byte
	Err     error
}

// RPCError is a typed error returned by a datacenter for a query
type RPCError struct {
	Code    int32
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Query is the unit of work routed through the dispatcher. Identity and
// routing attributes are fixed at creation; only the lifecycle state and the
// terminal outcome mutate afterward. A query is owned by exactly one
// component at a time and ownership transfers whole as it moves
// dispatcher -> pool -> session.
type Query struct {
	id           uuid.UUID
	destDC       int32
	class        TrafficClass
	requiresAuth bool
	chain        uuid.UUID
	shardHint    uint64
	hasShardHint bool
	payload      []byte
	proof        []byte

	canceled atomic.Bool

	mutex      sync.Mutex
	state      State
	owner      string
	stateSince time.Time
	ttl        int
	initialTTL int

	resultChan  chan Result
	counters    *Counters
	onceRelease sync.Once
}

// QueryOptionFunc is a function used to set an option on a new Query
type QueryOptionFunc func(*Query)

// WithDestDC specifies the destination datacenter id. The default is DCMain
func WithDestDC(dc int32) QueryOptionFunc {
	return func(q *Query) {
		q.destDC = dc
	}
}

// WithTrafficClass specifies the traffic class used to pick a session pool
func WithTrafficClass(class TrafficClass) QueryOptionFunc {
	return func(q *Query) {
		q.class = class
	}
}

// WithRequiresAuth specifies whether the query may only travel over an
// authorized channel
func WithRequiresAuth(requiresAuth bool) QueryOptionFunc {
	return func(q *Query) {
		q.requiresAuth = requiresAuth
	}
}

// WithChain attaches an ordering-chain token. All queries sharing a token are
// sent in submission order
func WithChain(chain uuid.UUID) QueryOptionFunc {
	return func(q *Query) {
		q.chain = chain
	}
}

// WithShardHint attaches a sharding hint used to keep causally related but
// unchained queries on one physical session
func WithShardHint(hint uint64) QueryOptionFunc {
	return func(q *Query) {
		q.shardHint = hint
		q.hasShardHint = true
	}
}

// WithDispatchTTL overrides the default dispatch attempt budget
func WithDispatchTTL(ttl int) QueryOptionFunc {
	return func(q *Query) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// WithCounters attaches shared instrumentation counters
func WithCounters(counters *Counters) QueryOptionFunc {
	return func(q *Query) {
		q.counters = counters
	}
}

// New returns a new Query in Created state carrying the provided payload
func New(payload []byte, options ...QueryOptionFunc) *Query {
	q := &Query{
		id:         uuid.New(),
		payload:    payload,
		ttl:        DefaultDispatchTTL,
		state:      StateCreated,
		stateSince: time.Now(),
		resultChan: make(chan Result, 1),
	}
	for _, option := range options {
		option(q)
	}
	q.initialTTL = q.ttl
	if q.counters != nil {
		q.counters.recordNew()
	}
	return q
}

// Id returns the opaque query identity
func (q *Query) Id() uuid.UUID {
	return q.id
}

// DestDC returns the destination datacenter id (DCMain until resolved)
func (q *Query) DestDC() int32 {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.destDC
}

// SetDestDC reassigns the destination datacenter. Used by the dispatcher when
// resolving the main sentinel and when following a migrate error
func (q *Query) SetDestDC(dc int32) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.destDC = dc
}

// TrafficClass returns the traffic class
func (q *Query) TrafficClass() TrafficClass {
	return q.class
}

// RequiresAuth returns whether the query may only travel over an authorized
// channel
func (q *Query) RequiresAuth() bool {
	return q.requiresAuth
}

// Chain returns the ordering-chain token, or uuid.Nil when the query is
// unchained
func (q *Query) Chain() uuid.UUID {
	return q.chain
}

// ShardHint returns the sharding hint and whether one was provided
func (q *Query) ShardHint() (uint64, bool) {
	return q.shardHint, q.hasShardHint
}

// Payload returns the opaque request payload
func (q *Query) Payload() []byte {
	return q.payload
}

// AttachProof sets the verification proof prefix included ahead of the
// payload on subsequent sends, after an answered verification challenge
func (q *Query) AttachProof(proof []byte) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.proof = proof
}

// WirePayload returns the bytes actually framed on the wire: the payload,
// prefixed by the verification proof when one is attached
func (q *Query) WirePayload() []byte {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.proof) == 0 {
		return q.payload
	}
	ret := make([]byte, 0, len(q.proof)+len(q.payload))
	ret = append(ret, q.proof...)
	ret = append(ret, q.payload...)
	return ret
}

// State returns the current lifecycle state
func (q *Query) State() State {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.state
}

// Owner returns the tag of the session currently owning the query, or the
// empty string outside of Sent state
func (q *Query) Owner() string {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.owner
}

// MarkSent transitions Created -> Sent and records the owning session
func (q *Query) MarkSent(owner string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.state != StateCreated {
		return fmt.Errorf(
			"invalid transition to Sent from %s",
			q.state,
		)
	}
	q.transition(StateSent)
	q.owner = owner
	return nil
}

// Reset transitions Sent -> Created for an explicit resend request and clears
// the owning session reference
func (q *Query) Reset() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.state != StateSent {
		return fmt.Errorf(
			"invalid reset from %s",
			q.state,
		)
	}
	q.transition(StateCreated)
	q.owner = ""
	return nil
}

// CompleteOk finishes the query with a response payload. A query completes
// exactly once
func (q *Query) CompleteOk(payload []byte) error {
	return q.complete(Result{Payload: payload})
}

// CompleteError finishes the query with an error. A query completes exactly
// once
func (q *Query) CompleteError(err error) error {
	return q.complete(Result{Err: err})
}

func (q *Query) complete(result Result) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.state == StateCompletedOk || q.state == StateCompletedError {
		return ErrAlreadyCompleted
	}
	if result.Err == nil {
		q.transition(StateCompletedOk)
	} else {
		q.transition(StateCompletedError)
	}
	q.owner = ""
	q.resultChan <- result
	return nil
}

// transition updates state and instrumentation. Must be called with the
// mutex held
func (q *Query) transition(newState State) {
	if q.counters != nil {
		q.counters.recordTransition(q.state, newState, time.Since(q.stateSince))
	}
	q.state = newState
	q.stateSince = time.Now()
}

// Cancel requests cooperative cancellation. The component owning the query
// observes the flag at its next processing step; bytes already on the wire
// are not retracted, but the eventual response is discarded
func (q *Query) Cancel() {
	q.canceled.Store(true)
}

// Canceled returns whether cancellation has been requested
func (q *Query) Canceled() bool {
	return q.canceled.Load()
}

// ConsumeTTL decrements the remaining dispatch budget and reports whether any
// budget remains
func (q *Query) ConsumeTTL() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.ttl--
	return q.ttl >= 0
}

// RemainingTTL returns the remaining dispatch budget
func (q *Query) RemainingTTL() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.ttl
}

// ConsumedTTL returns the number of dispatch attempts already spent
func (q *Query) ConsumedTTL() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.initialTTL - q.ttl
}

// Wait blocks until the query completes or the context is done
func (q *Query) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-q.resultChan:
		return result.Payload, result.Err
	}
}

// ResultChan returns the channel carrying the single terminal outcome
func (q *Query) ResultChan() <-chan Result {
	return q.resultChan
}

// Release returns the query's share of the live-query gauge. Safe to call
// more than once
func (q *Query) Release() {
	q.onceRelease.Do(func() {
		if q.counters != nil {
			q.counters.recordRelease()
		}
	})
}
