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

package mtproto_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mtproto "github.com/blinklabs-io/gomtproto"
	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/pubkeys"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/session"
	"github.com/blinklabs-io/gomtproto/storage"
	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

// testNet is a dialer backed by in-memory pipes, with one handler per
// datacenter address. A nil handler response swallows the frame
type testNet struct {
	mutex    sync.Mutex
	handlers map[string]func(frame *transport.Frame) *session.WireResponse
	frames   map[string][]*transport.Frame
	refuse   bool
	conns    []*transport.FramedConn
}

func newTestNet() *testNet {
	return &testNet{
		handlers: make(map[string]func(frame *transport.Frame) *session.WireResponse),
		frames:   make(map[string][]*transport.Frame),
	}
}

// handle registers the responder for one datacenter address
func (n *testNet) handle(
	address string,
	handler func(frame *transport.Frame) *session.WireResponse,
) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.handlers[address] = handler
}

// echo registers a responder that returns each request payload unchanged
func (n *testNet) echo(address string) {
	n.handle(address, func(frame *transport.Frame) *session.WireResponse {
		return &session.WireResponse{Body: frame.Payload}
	})
}

func (n *testNet) Dial(
	ctx context.Context,
	address string,
	authKeyId uint64,
) (transport.Conn, error) {
	n.mutex.Lock()
	refuse := n.refuse
	n.mutex.Unlock()
	if refuse {
		return nil, errors.New("connection refused")
	}
	clientSide, serverSide := transport.Pipe()
	n.mutex.Lock()
	n.conns = append(n.conns, serverSide)
	n.mutex.Unlock()
	go n.serve(address, serverSide)
	return clientSide, nil
}

func (n *testNet) serve(address string, conn *transport.FramedConn) {
	defer conn.Close()
	for frame := range conn.RecvChan() {
		n.mutex.Lock()
		n.frames[address] = append(n.frames[address], frame)
		handler := n.handlers[address]
		n.mutex.Unlock()
		if handler == nil {
			continue
		}
		response := handler(frame)
		if response == nil {
			continue
		}
		body, err := codec.Encode(response)
		if err != nil {
			continue
		}
		_ = conn.Send(&transport.Frame{
			FrameHeader: transport.FrameHeader{QueryId: frame.QueryId},
			Payload:     body,
		})
	}
}

func (n *testNet) receivedFrames(address string) []*transport.Frame {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	ret := make([]*transport.Frame, len(n.frames[address]))
	copy(ret, n.frames[address])
	return ret
}

type testAuthorizer struct {
	mutex  sync.Mutex
	nextId uint64
}

func (a *testAuthorizer) CreateKey(
	ctx context.Context,
	dcId int32,
	temp bool,
	trusted *pubkeys.TrustedKeySet,
) (*session.AuthKey, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.nextId++
	return &session.AuthKey{
		Id:        a.nextId,
		Secret:    []byte("key material"),
		CreatedAt: time.Now().Unix(),
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(
	t *testing.T,
	store storage.Store,
	net *testNet,
	options ...mtproto.ClientOptionFunc,
) *mtproto.Client {
	t.Helper()
	opts := []mtproto.ClientOptionFunc{
		mtproto.WithLogger(discardLogger()),
		mtproto.WithStore(store),
		mtproto.WithDialer(net),
		mtproto.WithAuthorizer(&testAuthorizer{}),
		mtproto.WithDatacenter(1, "dc1"),
		mtproto.WithDatacenter(2, "dc2"),
	}
	opts = append(opts, options...)
	client, err := mtproto.NewClient(opts...)
	require.NoError(t, err)
	return client
}

func waitResult(t *testing.T, q *query.Query) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	payload, err := q.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return payload, err
}

func waitFor(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewClientValidation(t *testing.T) {
	_, err := mtproto.NewClient(
		mtproto.WithDatacenter(1, "dc1"),
	)
	assert.ErrorContains(t, err, "authorizer")

	_, err = mtproto.NewClient(
		mtproto.WithAuthorizer(&testAuthorizer{}),
	)
	assert.ErrorContains(t, err, "address")

	_, err = mtproto.NewClient(
		mtproto.WithAuthorizer(&testAuthorizer{}),
		mtproto.WithDatacenter(2, "dc2"),
	)
	assert.ErrorContains(t, err, "main datacenter")
}

func TestClientRoundtrip(t *testing.T) {
	net := newTestNet()
	net.echo("dc1")
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	q := client.Submit([]byte("hello"))
	defer q.Release()
	payload, err := waitResult(t, q)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
	assert.Equal(t, int32(1), client.MainDc())
	assert.Len(t, net.receivedFrames("dc1"), 1)
}

func TestClientMainDatacenterMigration(t *testing.T) {
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		return &session.WireResponse{ErrCode: 303, ErrMessage: "PHONE_MIGRATE_2"}
	})
	net.echo("dc2")
	store := storage.NewMemoryStore()
	client := newTestClient(t, store, net)
	defer client.Close()

	q := client.Submit([]byte("hello"))
	defer q.Release()
	payload, err := waitResult(t, q)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	// The redirect moved the main datacenter and persisted the move
	assert.Equal(t, int32(2), client.MainDc())
	value, ok, err := store.Get(storage.KeyMainDC)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", value)
	assert.Len(t, net.receivedFrames("dc1"), 1)
	assert.Len(t, net.receivedFrames("dc2"), 1)
}

func TestClientExplicitTargetMigration(t *testing.T) {
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		return &session.WireResponse{ErrCode: 303, ErrMessage: "USER_MIGRATE_2"}
	})
	net.echo("dc2")
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	q := client.Submit([]byte("hello"), query.WithDestDC(1))
	defer q.Release()
	payload, err := waitResult(t, q)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	// Only the query moved; the main datacenter did not
	assert.Equal(t, int32(1), client.MainDc())
	assert.Equal(t, int32(2), q.DestDC())
}

func TestClientMigrationToUnknownDatacenter(t *testing.T) {
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		return &session.WireResponse{ErrCode: 303, ErrMessage: "PHONE_MIGRATE_9"}
	})
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	q := client.Submit([]byte("hello"))
	defer q.Release()
	_, err := waitResult(t, q)
	var rpcErr *query.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int32(303), rpcErr.Code)
	assert.Equal(t, int32(1), client.MainDc())
}

func TestClientTransientRetry(t *testing.T) {
	var failures atomic.Int64
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		if failures.Add(1) == 1 {
			return &session.WireResponse{ErrCode: 500, ErrMessage: "INTERNAL"}
		}
		return &session.WireResponse{Body: frame.Payload}
	})
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	start := time.Now()
	q := client.Submit([]byte("hello"))
	defer q.Release()
	payload, err := waitResult(t, q)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	// One backoff interval between the failure and the retry
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Len(t, net.receivedFrames("dc1"), 2)
}

func TestClientFloodWaitRetry(t *testing.T) {
	var failures atomic.Int64
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		if failures.Add(1) == 1 {
			return &session.WireResponse{ErrCode: 420, ErrMessage: "FLOOD_WAIT_1"}
		}
		return &session.WireResponse{Body: frame.Payload}
	})
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	start := time.Now()
	q := client.Submit([]byte("hello"))
	defer q.Release()
	_, err := waitResult(t, q)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestClientFloodExceptionPassesThrough(t *testing.T) {
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		return &session.WireResponse{ErrCode: 420, ErrMessage: "SLOWMODE_WAIT_5"}
	})
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	q := client.Submit([]byte("hello"))
	defer q.Release()
	_, err := waitResult(t, q)
	var rpcErr *query.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "SLOWMODE_WAIT_5", rpcErr.Message)
	assert.Len(t, net.receivedFrames("dc1"), 1)
}

func TestClientResendSentinel(t *testing.T) {
	var failures atomic.Int64
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		if failures.Add(1) == 1 {
			return &session.WireResponse{ErrCode: -2, ErrMessage: "RESEND"}
		}
		return &session.WireResponse{Body: frame.Payload}
	})
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	start := time.Now()
	q := client.Submit([]byte("hello"))
	defer q.Release()
	payload, err := waitResult(t, q)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	// The sentinel resend is immediate, with no backoff
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Len(t, net.receivedFrames("dc1"), 2)
}

func TestClientRetriesExhausted(t *testing.T) {
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		return &session.WireResponse{ErrCode: 500, ErrMessage: "INTERNAL"}
	})
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	q := client.Submit([]byte("hello"), query.WithDispatchTTL(1))
	defer q.Release()
	_, err := waitResult(t, q)
	assert.ErrorIs(t, err, mtproto.ErrRetriesExhausted)
	assert.Len(t, net.receivedFrames("dc1"), 1)
}

func TestClientVerificationChallenge(t *testing.T) {
	proofPrefix := []byte("proof:")
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		if bytes.HasPrefix(frame.Payload, proofPrefix) {
			return &session.WireResponse{Body: frame.Payload}
		}
		return &session.WireResponse{ErrCode: 403, ErrMessage: "NEED_HUMAN_VERIFY_nonce123"}
	})
	challenges := make(chan mtproto.Challenge, 1)
	client := newTestClient(
		t,
		storage.NewMemoryStore(),
		net,
		mtproto.WithChallengeFunc(func(challenge mtproto.Challenge) {
			challenges <- challenge
		}),
	)
	defer client.Close()

	q := client.Submit([]byte("hello"))
	defer q.Release()
	var challenge mtproto.Challenge
	select {
	case challenge = <-challenges:
	case <-time.After(waitTimeout):
		t.Fatal("no challenge surfaced")
	}
	assert.Equal(t, q.Id(), challenge.QueryId)
	assert.Equal(t, mtproto.ChallengeHuman, challenge.Kind)
	assert.Equal(t, "nonce123", challenge.Nonce)

	require.True(t, client.AnswerChallenge(challenge.QueryId, proofPrefix))
	payload, err := waitResult(t, q)
	require.NoError(t, err)
	// The resend carries the proof ahead of the payload
	assert.Equal(t, []byte("proof:hello"), payload)
}

func TestClientChallengeDeclined(t *testing.T) {
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		return &session.WireResponse{ErrCode: 403, ErrMessage: "NEED_DEVICE_VERIFY_abc"}
	})
	challenges := make(chan mtproto.Challenge, 1)
	client := newTestClient(
		t,
		storage.NewMemoryStore(),
		net,
		mtproto.WithChallengeFunc(func(challenge mtproto.Challenge) {
			challenges <- challenge
		}),
	)
	defer client.Close()

	q := client.Submit([]byte("hello"))
	defer q.Release()
	var challenge mtproto.Challenge
	select {
	case challenge = <-challenges:
	case <-time.After(waitTimeout):
		t.Fatal("no challenge surfaced")
	}
	assert.Equal(t, mtproto.ChallengeDevice, challenge.Kind)
	require.True(t, client.DeclineChallenge(challenge.QueryId))
	_, err := waitResult(t, q)
	assert.ErrorIs(t, err, mtproto.ErrChallengeDeclined)

	// Nothing is pending for the query anymore
	assert.False(t, client.AnswerChallenge(challenge.QueryId, []byte("late")))
	assert.False(t, client.DeclineChallenge(challenge.QueryId))
}

func TestClientChallengeRejectedTwiceFails(t *testing.T) {
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		// The proof is never accepted
		return &session.WireResponse{ErrCode: 403, ErrMessage: "NEED_HUMAN_VERIFY_abc"}
	})
	var challengeCount atomic.Int64
	var clientRef atomic.Pointer[mtproto.Client]
	client := newTestClient(
		t,
		storage.NewMemoryStore(),
		net,
		mtproto.WithChallengeFunc(func(challenge mtproto.Challenge) {
			challengeCount.Add(1)
			clientRef.Load().AnswerChallenge(challenge.QueryId, []byte("bad proof"))
		}),
	)
	clientRef.Store(client)
	defer client.Close()

	q := client.Submit([]byte("hello"))
	defer q.Release()
	_, err := waitResult(t, q)
	var rpcErr *query.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int32(403), rpcErr.Code)
	assert.Equal(t, "NEED_HUMAN_VERIFY_abc", rpcErr.Message)
	assert.Equal(t, int64(2), challengeCount.Load())
}

func TestClientNoChallengeHandlerPassesThrough(t *testing.T) {
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		return &session.WireResponse{ErrCode: 403, ErrMessage: "NEED_HUMAN_VERIFY_abc"}
	})
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	q := client.Submit([]byte("hello"))
	defer q.Release()
	_, err := waitResult(t, q)
	var rpcErr *query.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int32(403), rpcErr.Code)
}

func TestClientCancelInFlight(t *testing.T) {
	release := make(chan struct{})
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		<-release
		return &session.WireResponse{Body: frame.Payload}
	})
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	q := client.Submit([]byte("hello"))
	defer q.Release()
	waitFor(t, func() bool {
		return len(net.receivedFrames("dc1")) == 1
	}, "query never reached the server")
	q.Cancel()
	close(release)

	_, err := waitResult(t, q)
	assert.ErrorIs(t, err, query.ErrCanceled)
}

func TestClientChainOrdering(t *testing.T) {
	net := newTestNet()
	net.echo("dc1")
	store := storage.NewMemoryStore()
	client := newTestClient(t, store, net)
	defer client.Close()

	chain := uuid.New()
	queries := make([]*query.Query, 0, 5)
	for i := range 5 {
		q := client.Submit(
			[]byte("entry "+strconv.Itoa(i)),
			query.WithChain(chain),
		)
		queries = append(queries, q)
	}
	for _, q := range queries {
		payload, err := waitResult(t, q)
		require.NoError(t, err)
		assert.Equal(t, q.Payload(), payload)
		q.Release()
	}

	// Chained queries share one session and go out in submission order
	frames := net.receivedFrames("dc1")
	require.Len(t, frames, 5)
	for i, frame := range frames {
		assert.Equal(t, [16]byte(queries[i].Id()), frame.QueryId)
	}

	// Delivered entries leave no journal behind
	waitFor(t, func() bool {
		_, ok, err := store.Get(storage.KeyChainState(chain.String()))
		if err != nil || ok {
			return false
		}
		_, ok, err = store.Get("chain_index")
		return err == nil && !ok
	}, "chain journal not cleaned up")
}

func TestClientChainErrorDoesNotBlockChain(t *testing.T) {
	var calls atomic.Int64
	net := newTestNet()
	net.handle("dc1", func(frame *transport.Frame) *session.WireResponse {
		if calls.Add(1) == 1 {
			return &session.WireResponse{ErrCode: 400, ErrMessage: "BAD_REQUEST"}
		}
		return &session.WireResponse{Body: frame.Payload}
	})
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	chain := uuid.New()
	first := client.Submit([]byte("first"), query.WithChain(chain))
	defer first.Release()
	second := client.Submit([]byte("second"), query.WithChain(chain))
	defer second.Release()

	_, err := waitResult(t, first)
	var rpcErr *query.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int32(400), rpcErr.Code)

	payload, err := waitResult(t, second)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), payload)
}

func TestClientChainJournalReplay(t *testing.T) {
	store := storage.NewMemoryStore()
	chain := uuid.New()

	// First run: the datacenter is unreachable, so the chained query stays
	// journaled. The client is abandoned mid-flight, as a crash would
	downNet := newTestNet()
	downNet.refuse = true
	crashed := newTestClient(t, store, downNet)
	_ = crashed.Submit([]byte("durable"), query.WithChain(chain))
	waitFor(t, func() bool {
		_, ok, err := store.Get(storage.KeyChainState(chain.String()))
		return err == nil && ok
	}, "chain record never journaled")

	// Second run: a fresh client over the same store replays the journal
	net := newTestNet()
	net.echo("dc1")
	client := newTestClient(t, store, net)
	defer client.Close()

	waitFor(t, func() bool {
		frames := net.receivedFrames("dc1")
		return len(frames) == 1 && bytes.Equal(frames[0].Payload, []byte("durable"))
	}, "journaled query never replayed")
	waitFor(t, func() bool {
		_, ok, err := store.Get(storage.KeyChainState(chain.String()))
		return err == nil && !ok
	}, "replayed journal not cleaned up")
}

// chainReadFailStore fails every chain journal read while passing all other
// operations through
type chainReadFailStore struct {
	storage.Store
}

func (s *chainReadFailStore) Get(key string) (string, bool, error) {
	if strings.HasPrefix(key, "chain_state.") {
		return "", false, errors.New("store unavailable")
	}
	return s.Store.Get(key)
}

func TestClientChainJournalReadFailureKeepsDelivering(t *testing.T) {
	net := newTestNet()
	net.echo("dc1")
	store := &chainReadFailStore{Store: storage.NewMemoryStore()}
	client := newTestClient(t, store, net)
	defer client.Close()

	// Journal durability is lost but delivery must not be
	q := client.Submit([]byte("hello"), query.WithChain(uuid.New()))
	defer q.Release()
	payload, err := waitResult(t, q)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
}

func TestClientCloseChain(t *testing.T) {
	net := newTestNet()
	net.echo("dc1")
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	chain := uuid.New()
	q := client.Submit([]byte("hello"), query.WithChain(chain))
	defer q.Release()
	_, err := waitResult(t, q)
	require.NoError(t, err)

	client.CloseChain(chain)
	// The chain token is reusable after the close
	q2 := client.Submit([]byte("again"), query.WithChain(chain))
	defer q2.Release()
	_, err = waitResult(t, q2)
	require.NoError(t, err)
}

func TestClientDestroyKeys(t *testing.T) {
	net := newTestNet()
	net.echo("dc1")
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	// An authorized roundtrip forces keys into existence first
	q := client.Submit([]byte("hello"), query.WithRequiresAuth(true))
	defer q.Release()
	_, err := waitResult(t, q)
	require.NoError(t, err)
	frames := net.receivedFrames("dc1")
	require.Len(t, frames, 1)
	assert.NotZero(t, frames[0].AuthKeyId)

	select {
	case <-client.DestroyKeys():
	case <-time.After(waitTimeout):
		t.Fatal("destroy promise never resolved")
	}
}

func TestClientUpdateOptions(t *testing.T) {
	net := newTestNet()
	net.echo("dc1")
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	q := client.Submit([]byte("before"))
	defer q.Release()
	_, err := waitResult(t, q)
	require.NoError(t, err)

	client.UpdateOptions(2, false)
	q2 := client.Submit([]byte("after"))
	defer q2.Release()
	payload, err := waitResult(t, q2)
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), payload)
}

func TestClientSubmitAfterClose(t *testing.T) {
	net := newTestNet()
	net.echo("dc1")
	client := newTestClient(t, storage.NewMemoryStore(), net)
	client.Close()

	q := client.Submit([]byte("hello"))
	defer q.Release()
	_, err := waitResult(t, q)
	assert.ErrorIs(t, err, mtproto.ErrClientClosed)
}

func TestClientCounters(t *testing.T) {
	net := newTestNet()
	net.echo("dc1")
	client := newTestClient(t, storage.NewMemoryStore(), net)
	defer client.Close()

	q := client.Submit([]byte("hello"))
	_, err := waitResult(t, q)
	require.NoError(t, err)
	q.Release()

	snapshot := client.Counters()
	assert.Equal(t, uint64(1), snapshot.Created)
	assert.Equal(t, uint64(1), snapshot.CompletedOk)
	assert.Equal(t, int64(0), snapshot.Live)
}
