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
	"sync"

	"github.com/google/uuid"

	"github.com/blinklabs-io/gomtproto/query"
)

// maxVerifyRejections is the number of rejected challenge answers after
// which a query fails with the original verification error
const maxVerifyRejections = 2

// Challenge is an out-of-band verification challenge surfaced to the
// application while its query is paused
type Challenge struct {
	QueryId uuid.UUID
	Kind    ChallengeKind
	Nonce   string
}

// ChallengeFunc notifies the application of a pending challenge. Called
// asynchronously; the application answers or declines through the client
type ChallengeFunc func(Challenge)

type pendingChallenge struct {
	q          *query.Query
	challenge  Challenge
	rejections int
	failure    *query.RPCError
}

// verifier pauses queries that hit a verification-required error and resends
// them with a proof prefix once the application answers the challenge
type verifier struct {
	logger        *slog.Logger
	challengeFunc ChallengeFunc
	resubmit      func(*query.Query)
	fail          func(*query.Query, error)

	mutex   sync.Mutex
	pending map[uuid.UUID]*pendingChallenge
}

func newVerifier(
	logger *slog.Logger,
	challengeFunc ChallengeFunc,
	resubmit func(*query.Query),
	fail func(*query.Query, error),
) *verifier {
	return &verifier{
		logger:        logger,
		challengeFunc: challengeFunc,
		resubmit:      resubmit,
		fail:          fail,
		pending:       make(map[uuid.UUID]*pendingChallenge),
	}
}

// begin pauses a query on a verification error. A second rejection of the
// same query fails it with the verification error
func (v *verifier) begin(q *query.Query, kind ChallengeKind, nonce string, rpcErr *query.RPCError) {
	if v.challengeFunc == nil {
		// No application handler registered; the error passes through
		v.fail(q, rpcErr)
		return
	}
	v.mutex.Lock()
	pending, ok := v.pending[q.Id()]
	if ok {
		pending.rejections++
		if pending.rejections >= maxVerifyRejections {
			delete(v.pending, q.Id())
			v.mutex.Unlock()
			v.logger.Debug(
				"challenge answer rejected twice, failing query",
				"component", "verifier",
				"query", q.Id().String(),
			)
			v.fail(q, rpcErr)
			return
		}
	} else {
		pending = &pendingChallenge{
			q: q,
			challenge: Challenge{
				QueryId: q.Id(),
				Kind:    kind,
				Nonce:   nonce,
			},
			failure: rpcErr,
		}
		v.pending[q.Id()] = pending
	}
	challenge := pending.challenge
	v.mutex.Unlock()
	// Surface the challenge without blocking the routing path
	go v.challengeFunc(challenge)
}

// answer resumes a paused query, attaching the proof prefix for the resend
func (v *verifier) answer(queryId uuid.UUID, proof []byte) bool {
	v.mutex.Lock()
	pending, ok := v.pending[queryId]
	v.mutex.Unlock()
	if !ok {
		return false
	}
	pending.q.AttachProof(proof)
	v.resubmit(pending.q)
	return true
}

// decline fails a paused query with ErrChallengeDeclined
func (v *verifier) decline(queryId uuid.UUID) bool {
	v.mutex.Lock()
	pending, ok := v.pending[queryId]
	if ok {
		delete(v.pending, queryId)
	}
	v.mutex.Unlock()
	if !ok {
		return false
	}
	v.fail(pending.q, ErrChallengeDeclined)
	return true
}

// forget drops challenge bookkeeping for a completed query
func (v *verifier) forget(queryId uuid.UUID) {
	v.mutex.Lock()
	delete(v.pending, queryId)
	v.mutex.Unlock()
}
