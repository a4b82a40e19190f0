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

// Package mtproto implements the client runtime for a multi-datacenter RPC
// protocol: a query dispatcher with retry, migration and verification
// handling, per-datacenter session pools with authorization key lifecycle,
// ordered delivery chains, cross-datacenter authorization propagation and a
// background trust watchdog.
package mtproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blinklabs-io/gomtproto/dcauth"
	"github.com/blinklabs-io/gomtproto/pubkeys"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/sequence"
	"github.com/blinklabs-io/gomtproto/session"
	"github.com/blinklabs-io/gomtproto/storage"
	"github.com/blinklabs-io/gomtproto/transport"
)

// Client is the top-level dispatcher. It routes queries to per-datacenter
// session pools, classifies outcomes and drives retries, datacenter
// migration, ordering chains, verification challenges and key lifecycle
type Client struct {
	config   clientConfig
	logger   *slog.Logger
	counters *query.Counters

	mainDc atomic.Int32
	closed atomic.Bool

	dcMutex     sync.Mutex
	datacenters map[int32]*dcSlot

	chainMutex sync.Mutex
	chains     map[uuid.UUID]*sequence.Dispatcher

	journalMutex sync.Mutex

	delayer     *delayer
	verifier    *verifier
	watchdog    *pubkeys.Watchdog
	authManager *dcauth.Manager
}

// NewClient returns a new Client with the provided options applied
func NewClient(options ...ClientOptionFunc) (*Client, error) {
	c := &Client{
		config: clientConfig{
			logger:          slog.Default(),
			protocolVersion: "1",
			addresses:       make(map[int32]string),
			defaultMainDc:   1,
			sessionCount:    1,
		},
		counters:    query.NewCounters(),
		datacenters: make(map[int32]*dcSlot),
		chains:      make(map[uuid.UUID]*sequence.Dispatcher),
	}
	for _, option := range options {
		option(c)
	}
	c.logger = c.config.logger
	if c.config.store == nil {
		c.config.store = storage.NewMemoryStore()
	}
	if c.config.dialer == nil {
		c.config.dialer = transport.TCPDialer{}
	}
	if c.config.authorizer == nil {
		return nil, errors.New("an authorizer is required")
	}
	if c.config.sessionCount <= 0 {
		c.config.sessionCount = 1
	}
	if len(c.config.addresses) == 0 {
		return nil, errors.New("at least one datacenter address is required")
	}
	if _, ok := c.config.addresses[c.config.defaultMainDc]; !ok {
		return nil, fmt.Errorf(
			"default main datacenter %d has no configured address",
			c.config.defaultMainDc,
		)
	}
	if err := c.loadMainDc(); err != nil {
		return nil, err
	}
	c.delayer = newDelayer(c.logger, c.resend)
	c.verifier = newVerifier(
		c.logger,
		c.config.challengeFunc,
		c.resend,
		func(q *query.Query, err error) {
			c.deliver(q, query.Result{Err: err})
		},
	)
	if c.config.trustFetcher != nil {
		c.watchdog = pubkeys.NewWatchdog(pubkeys.WatchdogConfig{
			Logger:          c.logger,
			Store:           c.config.store,
			Fetcher:         c.config.trustFetcher,
			ProtocolVersion: c.config.protocolVersion,
			RootKey:         c.config.trustRootKey,
			Tiers:           c.config.trustTiers,
		})
		c.watchdog.Start()
	}
	c.authManager = dcauth.NewManager(dcauth.ManagerConfig{
		Logger:       c.logger,
		Store:        c.config.store,
		Handshaker:   c.config.handshaker,
		MainDc:       c.MainDc,
		KeyState:     c.dcKeyState,
		Authorize:    c.dcAuthorize,
		DropKeys:     c.dcDropKeys,
		TickInterval: c.config.propagationInterval,
	})
	dcs := make([]int32, 0, len(c.config.addresses))
	for dc := range c.config.addresses {
		dcs = append(dcs, dc)
	}
	if err := c.authManager.Load(dcs); err != nil {
		return nil, err
	}
	c.authManager.Start()
	if err := c.replayChains(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadMainDc restores the persisted main datacenter, falling back to the
// configured default when none was recorded or its address is gone
func (c *Client) loadMainDc() error {
	main := c.config.defaultMainDc
	value, ok, err := c.config.store.Get(storage.KeyMainDC)
	if err != nil {
		return err
	}
	if ok {
		parsed, parseErr := strconv.ParseInt(value, 10, 32)
		if parseErr != nil {
			return fmt.Errorf("corrupt main datacenter record: %w", parseErr)
		}
		if _, known := c.config.addresses[int32(parsed)]; known {
			main = int32(parsed)
		}
	}
	c.mainDc.Store(main)
	return nil
}

// MainDc returns the current main datacenter id
func (c *Client) MainDc() int32 {
	return c.mainDc.Load()
}

// Counters returns a snapshot of the query instrumentation counters
func (c *Client) Counters() query.CountersSnapshot {
	return c.counters.Snapshot()
}

// Submit creates a query for the payload and dispatches it. The caller
// observes the outcome through the returned query's Wait or ResultChan and
// calls Release when done with it
func (c *Client) Submit(payload []byte, options ...query.QueryOptionFunc) *query.Query {
	var probe query.Query
	for _, option := range options {
		option(&probe)
	}
	opts := make([]query.QueryOptionFunc, 0, len(options)+2)
	opts = append(opts, query.WithCounters(c.counters))
	opts = append(opts, options...)
	chain := probe.Chain()
	if chain != uuid.Nil {
		if _, ok := probe.ShardHint(); !ok {
			// Pin every entry of a chain to one physical session so the
			// per-session send order matches the chain order
			opts = append(
				opts,
				query.WithShardHint(binary.BigEndian.Uint64(chain[:8])),
			)
		}
	}
	q := query.New(payload, opts...)
	if chain != uuid.Nil {
		c.journalAppend(q)
		c.chainFor(chain).Submit(q)
		return q
	}
	c.send(q)
	return q
}

// send is the routing path: one dispatch attempt of a query, consuming one
// unit of its retry budget
func (c *Client) send(q *query.Query) {
	if c.closed.Load() {
		c.deliver(q, query.Result{Err: ErrClientClosed})
		return
	}
	if q.Canceled() {
		c.deliver(q, query.Result{Err: query.ErrCanceled})
		return
	}
	if !q.ConsumeTTL() {
		c.deliver(q, query.Result{Err: ErrRetriesExhausted})
		return
	}
	dc := q.DestDC()
	if dc == query.DCMain {
		// Resolved fresh on every attempt so retries follow migrations
		dc = c.MainDc()
	}
	entry, err := c.datacenter(dc)
	if err != nil {
		c.deliver(q, query.Result{Err: err})
		return
	}
	entry.pool(q.TrafficClass()).Send(q)
}

// resend routes a query back out after a transient failure, through its
// chain dispatcher when it has one so the ordering window stays honest
func (c *Client) resend(q *query.Query) {
	if chain := q.Chain(); chain != uuid.Nil {
		if d := c.chainLookup(chain); d != nil {
			if _, tracked := d.Generation(q); tracked {
				d.ResendFailed(q)
				return
			}
		}
	}
	c.send(q)
}

// handleResult classifies a session-level outcome. Sessions never complete
// queries themselves; every outcome funnels through here
func (c *Client) handleResult(q *query.Query, result query.Result) {
	if result.Err == nil {
		c.deliver(q, result)
		return
	}
	var rpcErr *query.RPCError
	if errors.As(result.Err, &rpcErr) {
		c.handleRPCError(q, rpcErr)
		return
	}
	c.deliver(q, result)
}

// handleRPCError applies the dispatcher's error taxonomy, in priority
// order: datacenter migration, the unconditional resend sentinel, transient
// errors and verification challenges. Everything else passes through to the
// caller
func (c *Client) handleRPCError(q *query.Query, rpcErr *query.RPCError) {
	if target, ok := isMigrate(rpcErr); ok {
		c.handleMigrate(q, target, rpcErr)
		return
	}
	if isResendSentinel(rpcErr) {
		c.resetForResend(q)
		c.resend(q)
		return
	}
	if isTransient(rpcErr) {
		c.resetForResend(q)
		// Prior finished attempts; the first failure backs off from the base
		attempt := q.ConsumedTTL() - 1
		if attempt < 0 {
			attempt = 0
		}
		var minWait time.Duration
		if seconds, ok := floodWait(rpcErr); ok {
			minWait = time.Duration(seconds) * time.Second
		}
		c.delayer.submit(q, attempt, minWait)
		return
	}
	if kind, nonce, ok := verifyKind(rpcErr); ok {
		c.resetForResend(q)
		c.verifier.begin(q, kind, nonce, rpcErr)
		return
	}
	c.deliver(q, query.Result{Err: rpcErr})
}

// handleMigrate follows a datacenter redirect. A redirect for a query that
// targeted the main datacenter moves the main datacenter itself; a redirect
// for an explicitly targeted query only moves that query
func (c *Client) handleMigrate(q *query.Query, target int32, rpcErr *query.RPCError) {
	if _, known := c.config.addresses[target]; !known {
		c.logger.Warn(
			"migration to unknown datacenter",
			"component", "dispatcher",
			"query", q.Id().String(),
			"dc", target,
		)
		c.deliver(q, query.Result{Err: rpcErr})
		return
	}
	if q.DestDC() == query.DCMain {
		c.setMainDc(target)
	} else {
		c.logger.Warn(
			"migration error for explicitly targeted query",
			"component", "dispatcher",
			"query", q.Id().String(),
			"from", q.DestDC(),
			"to", target,
		)
		q.SetDestDC(target)
	}
	c.resetForResend(q)
	c.resend(q)
}

// resetForResend returns a delivered-with-error query to Created so the
// next attempt can mark it sent again
func (c *Client) resetForResend(q *query.Query) {
	if q.State() != query.StateSent {
		return
	}
	if err := q.Reset(); err != nil {
		c.logger.Error(
			"failed resetting query for resend",
			"component", "dispatcher",
			"query", q.Id().String(),
			"error", err,
		)
	}
}

// deliver finishes a query with its terminal outcome, through its chain
// dispatcher when it is still tracked there so held outcomes surface in
// order
func (c *Client) deliver(q *query.Query, result query.Result) {
	c.verifier.forget(q.Id())
	if chain := q.Chain(); chain != uuid.Nil {
		if d := c.chainLookup(chain); d != nil {
			if generation, tracked := d.Generation(q); tracked {
				if d.Resolve(q, generation, result) {
					c.journalRemove(q)
				}
				return
			}
		}
	}
	var err error
	if result.Err != nil {
		err = q.CompleteError(result.Err)
	} else {
		err = q.CompleteOk(result.Payload)
	}
	if err != nil {
		// Lost a completion race, typically with a cancellation
		return
	}
	c.journalRemove(q)
}

// chainFor returns the ordering dispatcher for a chain token, creating it
// on first use
func (c *Client) chainFor(chain uuid.UUID) *sequence.Dispatcher {
	c.chainMutex.Lock()
	defer c.chainMutex.Unlock()
	d, ok := c.chains[chain]
	if !ok {
		d = sequence.NewDispatcher(sequence.DispatcherConfig{
			Logger:     c.logger,
			Chain:      chain,
			SendFunc:   c.send,
			ResendFunc: c.send,
		})
		c.chains[chain] = d
	}
	return d
}

func (c *Client) chainLookup(chain uuid.UUID) *sequence.Dispatcher {
	c.chainMutex.Lock()
	defer c.chainMutex.Unlock()
	return c.chains[chain]
}

// CloseChain shuts an ordering chain down without failing its queries: held
// outcomes surface in order and unfinished entries continue unchained
func (c *Client) CloseChain(chain uuid.UUID) {
	c.chainMutex.Lock()
	d, ok := c.chains[chain]
	if ok {
		delete(c.chains, chain)
	}
	c.chainMutex.Unlock()
	if ok {
		d.CloseSilently()
	}
}

// setMainDc atomically moves the main datacenter, persists the choice and
// flips the main flag on the affected interactive pools
func (c *Client) setMainDc(dc int32) {
	old := c.mainDc.Swap(dc)
	if old == dc {
		return
	}
	c.logger.Info(
		"main datacenter changed",
		"component", "dispatcher",
		"from", old,
		"to", dc,
	)
	err := c.config.store.Set(storage.KeyMainDC, strconv.FormatInt(int64(dc), 10))
	if err != nil {
		c.logger.Warn(
			"failed persisting main datacenter",
			"component", "dispatcher",
			"error", err,
		)
	}
	if entry := c.lookupDatacenter(old); entry != nil {
		entry.pool(query.ClassInteractive).UpdateMainFlag(false)
	}
	if entry := c.lookupDatacenter(dc); entry != nil {
		entry.pool(query.ClassInteractive).UpdateMainFlag(true)
	}
}

// dcKeyState reports a datacenter's authorization key state to the
// propagation manager
func (c *Client) dcKeyState(dc int32) session.KeyState {
	entry := c.lookupDatacenter(dc)
	if entry == nil {
		return session.KeyStateEmpty
	}
	return entry.keys.State(false)
}

// dcAuthorize promotes a datacenter's keys after a successful import
func (c *Client) dcAuthorize(dc int32) {
	entry, err := c.datacenter(dc)
	if err != nil {
		return
	}
	entry.keys.SetAuthorized(false)
	if c.config.useTempKeys {
		entry.keys.SetAuthorized(true)
	}
}

// dcDropKeys destroys a datacenter's keys during a global destroy
func (c *Client) dcDropKeys(dc int32) {
	if entry := c.lookupDatacenter(dc); entry != nil {
		entry.keys.DropAll()
	}
}

// AnswerChallenge resumes a query paused on a verification challenge,
// resending it with the proof attached. Returns false when no challenge is
// pending for the query
func (c *Client) AnswerChallenge(queryId uuid.UUID, proof []byte) bool {
	return c.verifier.answer(queryId, proof)
}

// DeclineChallenge fails a paused query with ErrChallengeDeclined. Returns
// false when no challenge is pending for the query
func (c *Client) DeclineChallenge(queryId uuid.UUID) bool {
	return c.verifier.decline(queryId)
}

// UpdateOptions applies a session count or forward secrecy change to every
// initialized datacenter. Unchanged values do not disturb live sessions
func (c *Client) UpdateOptions(sessionCount int, useTempKeys bool) {
	if sessionCount <= 0 {
		sessionCount = 1
	}
	c.dcMutex.Lock()
	c.config.sessionCount = sessionCount
	c.config.useTempKeys = useTempKeys
	entries := c.readyEntriesLocked()
	c.dcMutex.Unlock()
	for _, entry := range entries {
		for _, pool := range entry.pools {
			pool.UpdateOptions(sessionCount, useTempKeys, false)
		}
	}
}

// DestroyKeys requests destruction of every authorization key. The returned
// channel closes once every tracked datacenter's key state is Empty
func (c *Client) DestroyKeys() <-chan struct{} {
	return c.authManager.Destroy()
}

// readyEntriesLocked snapshots the initialized datacenter entries. Must be
// called with dcMutex held
func (c *Client) readyEntriesLocked() []*datacenterEntry {
	entries := make([]*datacenterEntry, 0, len(c.datacenters))
	for _, slot := range c.datacenters {
		if slot.ready {
			entries = append(entries, slot.entry)
		}
	}
	return entries
}

// Close shuts the client down. Ordering chains close silently, delayed
// resends fire immediately and drain through the closed-client path, and
// every session pool tears down
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.authManager.Stop()
	c.chainMutex.Lock()
	chains := make([]*sequence.Dispatcher, 0, len(c.chains))
	for _, d := range c.chains {
		chains = append(chains, d)
	}
	c.chains = make(map[uuid.UUID]*sequence.Dispatcher)
	c.chainMutex.Unlock()
	for _, d := range chains {
		d.CloseSilently()
	}
	c.delayer.stop()
	c.dcMutex.Lock()
	entries := c.readyEntriesLocked()
	c.dcMutex.Unlock()
	for _, entry := range entries {
		for _, pool := range entry.pools {
			pool.Close()
		}
	}
}
