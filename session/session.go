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
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/pubkeys"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/transport"
)

const (
	// DefaultTempKeyLifetime is the lifetime of a forward-secret temporary
	// key
	DefaultTempKeyLifetime = 24 * time.Hour

	// bootstrapRetryInterval is the wait before retrying a failed key
	// bootstrap while queries are pending
	bootstrapRetryInterval = 5 * time.Second

	// dialTimeout bounds a single connection attempt
	dialTimeout = 15 * time.Second
)

// WireResponse is the envelope decoded from a response frame payload. A zero
// ErrCode means success
type WireResponse struct {
	_          struct{} `cbor:",toarray"`
	ErrCode    int32
	ErrMessage string
	Body       []byte
}

// ResultFunc receives a query's network outcome for classification by the
// dispatcher. The session itself never completes a query; every outcome,
// including cancellation, flows through this callback
type ResultFunc func(q *query.Query, result query.Result)

// ResendFunc returns a query to the generic dispatch path
type ResendFunc func(q *query.Query)

// Authorizer performs the key-exchange handshake that bootstraps a new
// authorization key with a datacenter using its trusted public keys
type Authorizer interface {
	CreateKey(
		ctx context.Context,
		dcId int32,
		temp bool,
		trusted *pubkeys.TrustedKeySet,
	) (*AuthKey, error)
}

// SessionConfig holds configuration for creating a Session
type SessionConfig struct {
	Logger      *slog.Logger
	DcId        int32
	Address     string
	Tag         string
	Dialer      transport.Dialer
	Authorizer  Authorizer
	Keys        *KeyHolder
	TrustedKeys *pubkeys.TrustedKeySet
	// UseTempKeys enables the rotating forward-secret key on this session
	UseTempKeys     bool
	TempKeyLifetime time.Duration
	// MainInteractive marks the main interactive session for the datacenter,
	// which is always kept connected
	MainInteractive bool
	ResendFunc      ResendFunc
	ResultFunc      ResultFunc
}

// Session owns one authorization key lifecycle and, lazily, one physical
// connection. Queries requiring authorization are withheld in FIFO order
// until the key reaches Authorized
type Session struct {
	config SessionConfig

	mutex         sync.Mutex
	conn          transport.Conn
	generation    uint64
	seq           uint32
	pending       []*query.Query
	inFlight      map[[16]byte]*query.Query
	bootstrapping bool
	retryArmed    bool
	main          bool

	sendChan      chan *query.Query
	doneChan      chan struct{}
	inFlightCount atomic.Int64
	closed        atomic.Bool
	waitGroup     sync.WaitGroup
}

// NewSession returns a Session registered as a key state listener on its
// KeyHolder
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TempKeyLifetime <= 0 {
		cfg.TempKeyLifetime = DefaultTempKeyLifetime
	}
	s := &Session{
		config:   cfg,
		inFlight: make(map[[16]byte]*query.Query),
		main:     cfg.MainInteractive,
		sendChan: make(chan *query.Query, 256),
		doneChan: make(chan struct{}),
	}
	cfg.Keys.AddListener(s)
	s.waitGroup.Add(1)
	go s.sendLoop()
	return s
}

// Tag returns the unique owner tag of this session
func (s *Session) Tag() string {
	return s.config.Tag
}

// Alive reports listener liveness to the KeyHolder
func (s *Session) Alive() bool {
	return !s.closed.Load()
}

// Load returns the number of queries currently pending or in flight, used
// for least-loaded balancing
func (s *Session) Load() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.pending) + len(s.inFlight)
}

// effectiveTemp selects the key slot this session authenticates with
func (s *Session) effectiveTemp() bool {
	return s.config.UseTempKeys
}

// Send accepts a query for delivery. Queries are processed by a single send
// loop so their network send order matches their arrival order on this
// session
func (s *Session) Send(q *query.Query) {
	if s.closed.Load() {
		// Hand the query back rather than losing it
		s.config.ResendFunc(q)
		return
	}
	select {
	case s.sendChan <- q:
	case <-s.doneChan:
		s.config.ResendFunc(q)
	}
}

func (s *Session) sendLoop() {
	defer s.waitGroup.Done()
	for {
		select {
		case <-s.doneChan:
			return
		case q := <-s.sendChan:
			s.process(q)
		}
	}
}

// process delivers one query: canceled queries resolve immediately, queries
// requiring authorization are withheld while the key is not Authorized, and
// everything else is forwarded
func (s *Session) process(q *query.Query) {
	if q.Canceled() {
		s.config.ResultFunc(q, query.Result{Err: query.ErrCanceled})
		return
	}
	if q.RequiresAuth() && s.config.Keys.State(s.effectiveTemp()) != KeyStateAuthorized {
		// requeue rather than a bare append: the session may have closed
		// while this query sat in the send queue, and requeue drains the
		// pending list back through the resend path in that case
		s.requeue(q)
		s.maybeBootstrap()
		return
	}
	s.forward(q)
}

// KeyStateChanged implements KeyStateListener. Reaching Authorized flushes
// the pending queue in FIFO order; regressing away from Authorized closes
// the connection and reopens according to policy
func (s *Session) KeyStateChanged(temp bool, state KeyState) {
	if temp != s.effectiveTemp() {
		return
	}
	if state == KeyStateAuthorized {
		s.flushPending()
		return
	}
	s.config.Logger.Debug(
		"authorization key regressed",
		"component", "session",
		"tag", s.config.Tag,
		"state", state.String(),
	)
	s.closeCurrentConn(nil)
	s.reopenIfNeeded()
}

// SetMain updates the main flag. A change closes the current connection
// (fencing stale callbacks) and reopens according to the new policy
func (s *Session) SetMain(main bool) {
	s.mutex.Lock()
	changed := s.main != main
	s.main = main
	s.mutex.Unlock()
	if !changed {
		return
	}
	s.closeCurrentConn(nil)
	s.reopenIfNeeded()
}

// Close tears the session down, draining pending and in-flight queries back
// through the resend path. No query is silently dropped
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.doneChan)
	s.mutex.Lock()
	conn := s.conn
	s.conn = nil
	s.generation++
	drained := s.takeAllLocked()
	s.mutex.Unlock()
	// Collect queries still sitting in the send queue
	for {
		var q *query.Query
		select {
		case q = <-s.sendChan:
		default:
		}
		if q == nil {
			break
		}
		drained = append(drained, q)
	}
	if conn != nil {
		conn.Close()
	}
	s.resendAll(drained)
	s.waitGroup.Wait()
}

// maybeBootstrap starts the key-exchange handshake if the effective key slot
// is not yet usable and no bootstrap is already running
func (s *Session) maybeBootstrap() {
	if s.closed.Load() {
		return
	}
	s.mutex.Lock()
	if s.bootstrapping {
		s.mutex.Unlock()
		return
	}
	s.bootstrapping = true
	s.mutex.Unlock()
	s.waitGroup.Add(1)
	go s.bootstrap()
}

func (s *Session) bootstrap() {
	defer s.waitGroup.Done()
	err := s.bootstrapOnce()
	s.mutex.Lock()
	s.bootstrapping = false
	retry := err != nil && len(s.pending) > 0 && !s.closed.Load()
	s.mutex.Unlock()
	if err != nil {
		s.config.Logger.Warn(
			"authorization key bootstrap failed",
			"component", "session",
			"tag", s.config.Tag,
			"error", err,
		)
	}
	if retry {
		time.AfterFunc(bootstrapRetryInterval, s.maybeBootstrap)
	}
}

// bootstrapOnce obtains the persistent key and, when forward secrecy is
// enabled, the temporary key, promoting each to Authorized
func (s *Session) bootstrapOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Abort the handshake early when the session is torn down
	go func() {
		select {
		case <-s.doneChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	keys := s.config.Keys
	if keys.State(false) == KeyStateEmpty {
		key, err := s.config.Authorizer.CreateKey(
			ctx,
			s.config.DcId,
			false,
			s.config.TrustedKeys,
		)
		if err != nil {
			return err
		}
		keys.SetKey(false, key)
	}
	if keys.State(false) == KeyStateNotAuthorized {
		keys.SetAuthorized(false)
	}
	if s.config.UseTempKeys {
		if keys.State(true) == KeyStateEmpty {
			key, err := s.config.Authorizer.CreateKey(
				ctx,
				s.config.DcId,
				true,
				s.config.TrustedKeys,
			)
			if err != nil {
				return err
			}
			if key.ExpiresAt == 0 {
				key.ExpiresAt = time.Now().Add(s.config.TempKeyLifetime).Unix()
			}
			keys.SetKey(true, key)
		}
		if keys.State(true) == KeyStateNotAuthorized {
			keys.SetAuthorized(true)
		}
	}
	return nil
}

// requeue returns a query to the pending queue. A query requeued after
// Close started is drained straight back out so nothing is stranded
func (s *Session) requeue(q *query.Query) {
	s.mutex.Lock()
	s.pending = append(s.pending, q)
	s.mutex.Unlock()
	if s.closed.Load() {
		s.mutex.Lock()
		drained := s.takeAllLocked()
		s.mutex.Unlock()
		s.resendAll(drained)
	}
}

// scheduleRetry arms a single timer that re-runs pending queries through the
// normal processing gate, retrying the connection
func (s *Session) scheduleRetry() {
	s.mutex.Lock()
	if s.retryArmed {
		s.mutex.Unlock()
		return
	}
	s.retryArmed = true
	s.mutex.Unlock()
	if s.closed.Load() {
		return
	}
	time.AfterFunc(bootstrapRetryInterval, func() {
		s.mutex.Lock()
		s.retryArmed = false
		pending := s.pending
		s.pending = nil
		s.mutex.Unlock()
		if s.closed.Load() {
			s.resendAll(pending)
			return
		}
		for _, q := range pending {
			s.process(q)
		}
	})
}

// flushPending forwards every withheld query in FIFO order
func (s *Session) flushPending() {
	s.mutex.Lock()
	pending := s.pending
	s.pending = nil
	s.mutex.Unlock()
	for _, q := range pending {
		s.forward(q)
	}
}

// forward hands one query to the transport, opening the connection if needed
func (s *Session) forward(q *query.Query) {
	if q.Canceled() {
		s.config.ResultFunc(q, query.Result{Err: query.ErrCanceled})
		return
	}
	var keyId uint64
	var salt uint64
	if q.RequiresAuth() {
		if s.config.Keys.State(s.effectiveTemp()) != KeyStateAuthorized {
			// Key regressed between the gate check and the send; withhold
			// rather than framing over a key the server no longer honors
			s.requeue(q)
			return
		}
		key := s.config.Keys.Key(s.effectiveTemp())
		if key == nil {
			s.requeue(q)
			return
		}
		keyId = key.Id
		salt = s.config.Keys.CurrentSalt(time.Now())
	}
	conn, generation, err := s.ensureConn()
	if err != nil {
		s.config.Logger.Debug(
			"connection attempt failed",
			"component", "session",
			"tag", s.config.Tag,
			"error", err,
		)
		// Hold the query rather than burning its dispatch budget while the
		// datacenter is unreachable
		s.requeue(q)
		s.scheduleRetry()
		return
	}
	if err := q.MarkSent(s.config.Tag); err != nil {
		s.config.Logger.Error(
			"unreachable query state transition",
			"component", "session",
			"tag", s.config.Tag,
			"query", q.Id().String(),
			"error", err,
		)
		return
	}
	s.mutex.Lock()
	s.seq++
	frame := &transport.Frame{
		FrameHeader: transport.FrameHeader{
			AuthKeyId: keyId,
			Salt:      salt,
			Seq:       s.seq,
			QueryId:   [16]byte(q.Id()),
		},
		Payload: q.WirePayload(),
	}
	s.inFlight[[16]byte(q.Id())] = q
	s.mutex.Unlock()
	s.inFlightCount.Add(1)
	if err := conn.Send(frame); err != nil {
		s.connFailure(generation, err)
	}
}

// ensureConn returns the live connection, dialing one when missing
func (s *Session) ensureConn() (transport.Conn, uint64, error) {
	s.mutex.Lock()
	if s.conn != nil {
		conn, generation := s.conn, s.generation
		s.mutex.Unlock()
		return conn, generation, nil
	}
	s.mutex.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	var keyId uint64
	if key := s.config.Keys.Key(s.effectiveTemp()); key != nil {
		keyId = key.Id
	}
	conn, err := s.config.Dialer.Dial(ctx, s.config.Address, keyId)
	if err != nil {
		return nil, 0, err
	}
	s.mutex.Lock()
	if s.conn != nil {
		// Another caller won the dial race
		existing, generation := s.conn, s.generation
		s.mutex.Unlock()
		conn.Close()
		return existing, generation, nil
	}
	s.conn = conn
	s.generation++
	generation := s.generation
	s.mutex.Unlock()
	s.waitGroup.Add(1)
	go s.recvLoop(conn, generation)
	return conn, generation, nil
}

// recvLoop delivers inbound frames until the connection goes away, then
// reports the failure tagged with the generation it belongs to
func (s *Session) recvLoop(conn transport.Conn, generation uint64) {
	defer s.waitGroup.Done()
	for frame := range conn.RecvChan() {
		s.handleFrame(generation, frame)
	}
	err := <-conn.ErrorChan()
	if err == nil {
		err = io.EOF
	}
	s.connFailure(generation, err)
}

// handleFrame resolves the in-flight query matching a response frame.
// Frames from a previous connection generation are discarded
func (s *Session) handleFrame(generation uint64, frame *transport.Frame) {
	s.mutex.Lock()
	if generation != s.generation {
		s.mutex.Unlock()
		return
	}
	q, ok := s.inFlight[frame.QueryId]
	if ok {
		delete(s.inFlight, frame.QueryId)
	}
	s.mutex.Unlock()
	if !ok {
		s.config.Logger.Debug(
			"received response for unknown query",
			"component", "session",
			"tag", s.config.Tag,
		)
		return
	}
	s.inFlightCount.Add(-1)
	if q.Canceled() {
		// Response discarded; the caller sees a canceled outcome
		s.config.ResultFunc(q, query.Result{Err: query.ErrCanceled})
		return
	}
	var response WireResponse
	if err := codec.Decode(frame.Payload, &response); err != nil {
		s.config.Logger.Error(
			"malformed response payload",
			"component", "session",
			"tag", s.config.Tag,
			"query", q.Id().String(),
			"error", err,
		)
		// Drain the query back through the retry path rather than losing it
		if resetErr := q.Reset(); resetErr == nil {
			s.config.ResendFunc(q)
		}
		return
	}
	if response.ErrCode != 0 {
		s.config.ResultFunc(q, query.Result{
			Err: &query.RPCError{
				Code:    response.ErrCode,
				Message: response.ErrMessage,
			},
		})
		return
	}
	s.config.ResultFunc(q, query.Result{Payload: response.Body})
}

// connFailure tears down the connection for a given generation, drains
// in-flight queries back through the resend path and reopens per policy.
// Stale generations are ignored
func (s *Session) connFailure(generation uint64, err error) {
	s.mutex.Lock()
	if generation != s.generation {
		s.mutex.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.generation++
	drained := s.takeInFlightLocked()
	s.mutex.Unlock()
	if conn != nil {
		conn.Close()
	}
	if err != nil && !s.closed.Load() {
		s.config.Logger.Debug(
			"connection failure",
			"component", "session",
			"tag", s.config.Tag,
			"error", err,
		)
	}
	s.resendAll(drained)
	s.reopenIfNeeded()
}

// closeCurrentConn closes the live connection (if any), bumping the
// generation so stale callbacks are fenced, and drains in-flight queries
func (s *Session) closeCurrentConn(err error) {
	s.mutex.Lock()
	generation := s.generation
	s.mutex.Unlock()
	s.connFailure(generation, err)
}

// reopenIfNeeded re-establishes the connection for the main interactive
// session; other sessions reconnect lazily once a query arrives
func (s *Session) reopenIfNeeded() {
	if s.closed.Load() {
		return
	}
	s.mutex.Lock()
	main := s.main
	havePending := len(s.pending) > 0
	s.mutex.Unlock()
	if !main && !havePending {
		return
	}
	if _, _, err := s.ensureConn(); err != nil {
		s.config.Logger.Debug(
			"reconnect attempt failed",
			"component", "session",
			"tag", s.config.Tag,
			"error", err,
		)
	}
}

// takeInFlightLocked removes and returns all in-flight queries. Must be
// called with the mutex held
func (s *Session) takeInFlightLocked() []*query.Query {
	var drained []*query.Query
	for id, q := range s.inFlight {
		drained = append(drained, q)
		delete(s.inFlight, id)
	}
	s.inFlightCount.Add(int64(-len(drained)))
	return drained
}

// takeAllLocked removes and returns every pending and in-flight query. Must
// be called with the mutex held
func (s *Session) takeAllLocked() []*query.Query {
	drained := s.takeInFlightLocked()
	drained = append(drained, s.pending...)
	s.pending = nil
	return drained
}

// resendAll returns drained queries to the generic dispatch path. Queries in
// Sent state are reset first; canceled queries complete as canceled
func (s *Session) resendAll(drained []*query.Query) {
	for _, q := range drained {
		if q.Canceled() {
			if q.State() == query.StateSent {
				_ = q.Reset()
			}
			s.config.ResultFunc(q, query.Result{Err: query.ErrCanceled})
			continue
		}
		if q.State() == query.StateSent {
			if err := q.Reset(); err != nil {
				continue
			}
		}
		s.config.ResendFunc(q)
	}
}
