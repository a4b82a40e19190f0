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
	"encoding/base64"
	"fmt"
	"slices"
	"strings"

	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/storage"
	"github.com/google/uuid"
)

const chainIndexKey = "chain_index"

// chainRecord is the persisted form of one chained query, replayed on
// startup so an interrupted chain resumes in order
type chainRecord struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_ struct{} `cbor:",toarray"`

	QueryId      string
	Payload      []byte
	DestDc       int32
	Class        uint8
	RequiresAuth bool
	ShardHint    uint64
	HasShardHint bool
	DispatchTTL  int
}

// journalAppend records a chained query before its first send. Failures are
// logged and tolerated, losing durability but not liveness
func (c *Client) journalAppend(q *query.Query) {
	chain := q.Chain()
	if chain == uuid.Nil {
		return
	}
	hint, hasHint := q.ShardHint()
	record := chainRecord{
		QueryId:      q.Id().String(),
		Payload:      q.Payload(),
		DestDc:       q.DestDC(),
		Class:        uint8(q.TrafficClass()),
		RequiresAuth: q.RequiresAuth(),
		ShardHint:    hint,
		HasShardHint: hasHint,
		DispatchTTL:  q.RemainingTTL(),
	}
	encoded, err := codec.Encode(&record)
	if err != nil {
		c.logger.Warn(
			"failed encoding chain record",
			"component", "journal",
			"chain", chain.String(),
			"error", err,
		)
		return
	}
	c.journalMutex.Lock()
	defer c.journalMutex.Unlock()
	if err := c.journalIndexAdd(chain.String()); err != nil {
		c.logger.Warn(
			"failed updating chain index",
			"component", "journal",
			"chain", chain.String(),
			"error", err,
		)
	}
	key := storage.KeyChainState(chain.String())
	existing, _, err := c.config.store.Get(key)
	if err != nil {
		c.logger.Warn(
			"failed reading chain journal",
			"component", "journal",
			"chain", chain.String(),
			"error", err,
		)
		return
	}
	entry := q.Id().String() + ":" + base64.StdEncoding.EncodeToString(encoded)
	if existing == "" {
		err = c.config.store.Set(key, entry)
	} else {
		err = c.config.store.Set(key, existing+"\n"+entry)
	}
	if err != nil {
		c.logger.Warn(
			"failed persisting chain record",
			"component", "journal",
			"chain", chain.String(),
			"error", err,
		)
	}
}

// journalRemove drops a completed query's record from its chain's journal,
// erasing the chain key once empty
func (c *Client) journalRemove(q *query.Query) {
	chain := q.Chain()
	if chain == uuid.Nil {
		return
	}
	c.journalMutex.Lock()
	defer c.journalMutex.Unlock()
	key := storage.KeyChainState(chain.String())
	existing, ok, err := c.config.store.Get(key)
	if err != nil || !ok {
		return
	}
	id := q.Id().String()
	lines := strings.Split(existing, "\n")
	lines = slices.DeleteFunc(lines, func(line string) bool {
		entryId, _, found := strings.Cut(line, ":")
		return found && entryId == id
	})
	if len(lines) == 0 {
		_ = c.config.store.Erase(key)
		_ = c.journalIndexRemove(chain.String())
		return
	}
	_ = c.config.store.Set(key, strings.Join(lines, "\n"))
}

func (c *Client) journalIndexAdd(chain string) error {
	existing, ok, err := c.config.store.Get(chainIndexKey)
	if err != nil {
		return err
	}
	if ok {
		if slices.Contains(strings.Split(existing, "\n"), chain) {
			return nil
		}
		return c.config.store.Set(chainIndexKey, existing+"\n"+chain)
	}
	return c.config.store.Set(chainIndexKey, chain)
}

func (c *Client) journalIndexRemove(chain string) error {
	existing, ok, err := c.config.store.Get(chainIndexKey)
	if err != nil || !ok {
		return err
	}
	chains := slices.DeleteFunc(
		strings.Split(existing, "\n"),
		func(s string) bool { return s == chain },
	)
	if len(chains) == 0 {
		return c.config.store.Erase(chainIndexKey)
	}
	return c.config.store.Set(chainIndexKey, strings.Join(chains, "\n"))
}

// replayChains resubmits persisted chained queries from a previous run.
// Records are erased first and re-journaled by the normal submit path, so a
// crash during replay cannot duplicate entries
func (c *Client) replayChains() error {
	existing, ok, err := c.config.store.Get(chainIndexKey)
	if err != nil || !ok {
		return err
	}
	for chainToken := range strings.SplitSeq(existing, "\n") {
		if chainToken == "" {
			continue
		}
		if err := c.replayChain(chainToken); err != nil {
			c.logger.Warn(
				"failed replaying chain",
				"component", "journal",
				"chain", chainToken,
				"error", err,
			)
		}
	}
	return nil
}

func (c *Client) replayChain(chainToken string) error {
	chain, err := uuid.Parse(chainToken)
	if err != nil {
		return fmt.Errorf("corrupt chain token: %w", err)
	}
	key := storage.KeyChainState(chainToken)
	existing, ok, err := c.config.store.Get(key)
	if err != nil || !ok {
		return err
	}
	if err := c.config.store.Erase(key); err != nil {
		return err
	}
	if err := c.journalIndexRemove(chainToken); err != nil {
		return err
	}
	for line := range strings.SplitSeq(existing, "\n") {
		_, raw, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		encoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("corrupt chain record: %w", err)
		}
		var record chainRecord
		if err := codec.Decode(encoded, &record); err != nil {
			return fmt.Errorf("corrupt chain record: %w", err)
		}
		opts := []query.QueryOptionFunc{
			query.WithDestDC(record.DestDc),
			query.WithTrafficClass(query.TrafficClass(record.Class)),
			query.WithRequiresAuth(record.RequiresAuth),
			query.WithChain(chain),
			query.WithDispatchTTL(record.DispatchTTL),
		}
		if record.HasShardHint {
			opts = append(opts, query.WithShardHint(record.ShardHint))
		}
		q := c.Submit(record.Payload, opts...)
		go func() {
			// Replayed queries have no caller waiting on them
			<-q.ResultChan()
			q.Release()
		}()
	}
	return nil
}
