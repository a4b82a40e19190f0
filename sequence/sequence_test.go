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

package sequence_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/sequence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendRecorder collects the queries a dispatcher hands to the network path
type sendRecorder struct {
	mutex   sync.Mutex
	sent    []*query.Query
	resends []*query.Query
}

func (r *sendRecorder) sendFunc(q *query.Query) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sent = append(r.sent, q)
}

func (r *sendRecorder) resendFunc(q *query.Query) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.resends = append(r.resends, q)
}

func (r *sendRecorder) sentQueries() []*query.Query {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ret := make([]*query.Query, len(r.sent))
	copy(ret, r.sent)
	return ret
}

func newChain(recorder *sendRecorder, maxInFlight int) *sequence.Dispatcher {
	return sequence.NewDispatcher(sequence.DispatcherConfig{
		Chain:       uuid.New(),
		MaxInFlight: maxInFlight,
		SendFunc:    recorder.sendFunc,
		ResendFunc:  recorder.resendFunc,
	})
}

func submitN(d *sequence.Dispatcher, n int) []*query.Query {
	var queries []*query.Query
	for i := 0; i < n; i++ {
		q := query.New([]byte{byte(i)}, query.WithChain(d.Chain()))
		queries = append(queries, q)
		d.Submit(q)
	}
	return queries
}

func resolveOk(
	t *testing.T,
	d *sequence.Dispatcher,
	q *query.Query,
	payload []byte,
) {
	t.Helper()
	generation, ok := d.Generation(q)
	require.True(t, ok)
	assert.True(t, d.Resolve(q, generation, query.Result{Payload: payload}))
}

func TestChainSendOrderAndWindow(t *testing.T) {
	recorder := &sendRecorder{}
	d := newChain(recorder, 3)
	queries := submitN(d, 5)

	// Only the window worth of entries goes out, in submission order
	sent := recorder.sentQueries()
	require.Len(t, sent, 3)
	for i, q := range sent {
		assert.Same(t, queries[i], q)
	}

	// Resolving the head admits the next entry
	resolveOk(t, d, queries[0], nil)
	sent = recorder.sentQueries()
	require.Len(t, sent, 4)
	assert.Same(t, queries[3], sent[3])
}

func TestChainHeldCompletionsSurfaceInOrder(t *testing.T) {
	recorder := &sendRecorder{}
	d := newChain(recorder, 10)
	queries := submitN(d, 3)

	// Resolve out of order: the later outcomes are held
	resolveOk(t, d, queries[2], []byte("c"))
	resolveOk(t, d, queries[1], []byte("b"))
	assert.Equal(t, query.StateSent, queries[1].State())
	assert.Equal(t, query.StateSent, queries[2].State())

	// Resolving the head releases all three, in order
	resolveOk(t, d, queries[0], []byte("a"))
	for i, want := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		select {
		case result := <-queries[i].ResultChan():
			assert.Equal(t, want, result.Payload)
		default:
			t.Fatalf("query %d never completed", i)
		}
	}
	assert.Equal(t, 0, d.Pending())
}

func TestChainErrorOutcomeSurfaces(t *testing.T) {
	recorder := &sendRecorder{}
	d := newChain(recorder, 10)
	queries := submitN(d, 2)

	boom := errors.New("boom")
	generation, _ := d.Generation(queries[0])
	require.True(t, d.Resolve(queries[0], generation, query.Result{Err: boom}))
	result := <-queries[0].ResultChan()
	assert.ErrorIs(t, result.Err, boom)

	// An error on one entry does not block the rest of the chain
	resolveOk(t, d, queries[1], []byte("ok"))
	result = <-queries[1].ResultChan()
	assert.Equal(t, []byte("ok"), result.Payload)
}

func TestChainStaleGenerationDiscarded(t *testing.T) {
	recorder := &sendRecorder{}
	d := newChain(recorder, 10)
	queries := submitN(d, 1)
	q := queries[0]

	staleGeneration, _ := d.Generation(q)
	require.NoError(t, q.MarkSent("s"))
	require.NoError(t, q.Reset())
	d.ResendFailed(q)

	// The outcome of the earlier attempt arrives late and is discarded
	assert.False(t, d.Resolve(q, staleGeneration, query.Result{Payload: []byte("stale")}))
	assert.Equal(t, query.StateCreated, q.State())

	// The current attempt's outcome is accepted
	resolveOk(t, d, q, []byte("fresh"))
	result := <-q.ResultChan()
	assert.Equal(t, []byte("fresh"), result.Payload)
}

func TestChainResendFailedResends(t *testing.T) {
	recorder := &sendRecorder{}
	d := newChain(recorder, 2)
	queries := submitN(d, 2)
	require.Len(t, recorder.sentQueries(), 2)

	d.ResendFailed(queries[0])
	// The entry goes out again through the send path
	sent := recorder.sentQueries()
	require.Len(t, sent, 3)
	assert.Same(t, queries[0], sent[2])
}

func TestChainCloseSilently(t *testing.T) {
	recorder := &sendRecorder{}
	d := newChain(recorder, 10)
	queries := submitN(d, 3)
	for _, q := range queries {
		require.NoError(t, q.MarkSent("s"))
	}

	// One held outcome, two unresolved
	resolveOk(t, d, queries[0], []byte("done"))
	result := <-queries[0].ResultChan()
	assert.Equal(t, []byte("done"), result.Payload)

	d.CloseSilently()
	// Unresolved entries are handed back reset, not failed
	recorder.mutex.Lock()
	resends := append([]*query.Query(nil), recorder.resends...)
	recorder.mutex.Unlock()
	require.Len(t, resends, 2)
	assert.Same(t, queries[1], resends[0])
	assert.Same(t, queries[2], resends[1])
	assert.Equal(t, query.StateCreated, queries[1].State())
	assert.Equal(t, query.StateCreated, queries[2].State())

	// Submissions after close pass straight through
	late := query.New(nil, query.WithChain(d.Chain()))
	d.Submit(late)
	recorder.mutex.Lock()
	lateCount := len(recorder.resends)
	recorder.mutex.Unlock()
	assert.Equal(t, 3, lateCount)
}

func TestChainLogShrink(t *testing.T) {
	recorder := &sendRecorder{}
	d := newChain(recorder, 1)
	// Push well past the shrink threshold; the dispatcher must keep
	// ordering and bookkeeping intact throughout
	for i := 0; i < 100; i++ {
		q := query.New([]byte{byte(i)}, query.WithChain(d.Chain()))
		d.Submit(q)
		resolveOk(t, d, q, []byte{byte(i)})
		result := <-q.ResultChan()
		assert.Equal(t, []byte{byte(i)}, result.Payload)
	}
	assert.Equal(t, 0, d.Pending())
}

func TestChainConcurrentSubmitPreservesSendOrder(t *testing.T) {
	recorder := &sendRecorder{}
	firstBlocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	d := sequence.NewDispatcher(sequence.DispatcherConfig{
		Chain:       uuid.New(),
		MaxInFlight: 10,
		SendFunc: func(q *query.Query) {
			// Stall the first send so a second submission races it
			once.Do(func() {
				close(firstBlocked)
				<-release
			})
			recorder.sendFunc(q)
		},
		ResendFunc: recorder.resendFunc,
	})

	first := query.New([]byte("first"), query.WithChain(d.Chain()))
	second := query.New([]byte("second"), query.WithChain(d.Chain()))
	firstDone := make(chan struct{})
	go func() {
		d.Submit(first)
		close(firstDone)
	}()
	<-firstBlocked
	secondDone := make(chan struct{})
	go func() {
		d.Submit(second)
		close(secondDone)
	}()
	// The second submission returns while the first send is still stalled
	<-secondDone
	close(release)
	<-firstDone

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(recorder.sentQueries()) == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	sent := recorder.sentQueries()
	require.Len(t, sent, 2)
	assert.Same(t, first, sent[0])
	assert.Same(t, second, sent[1])
}
