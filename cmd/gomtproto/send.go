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

package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/blinklabs-io/gomtproto/pubkeys"
	"github.com/blinklabs-io/gomtproto/query"
	"github.com/blinklabs-io/gomtproto/session"
)

// localAuthorizer generates authorization keys locally instead of running a
// key exchange against the datacenter. Real deployments provide a
// session.Authorizer implementing their handshake
type localAuthorizer struct{}

func (localAuthorizer) CreateKey(
	ctx context.Context,
	dcId int32,
	temp bool,
	trusted *pubkeys.TrustedKeySet,
) (*session.AuthKey, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	key := &session.AuthKey{
		Id:        uint64(time.Now().UnixNano()),
		Secret:    secret,
		CreatedAt: time.Now().Unix(),
	}
	if temp {
		key.ExpiresAt = time.Now().Add(time.Hour).Unix()
	}
	return key, nil
}

func runSend(f *globalFlags) {
	sendFlags := flag.NewFlagSet("send", flag.ExitOnError)
	destDc := sendFlags.Int("dest-dc", 0, "explicit destination datacenter (defaults to main)")
	requiresAuth := sendFlags.Bool("auth", false, "send over an authorized channel")
	timeout := sendFlags.Duration("timeout", 30*time.Second, "time to wait for the response")
	if err := sendFlags.Parse(f.flagset.Args()[1:]); err != nil {
		fmt.Printf("failed to parse command args: %s\n", err)
		os.Exit(1)
	}
	if len(sendFlags.Args()) == 0 {
		fmt.Printf("You must specify a payload to send\n")
		os.Exit(1)
	}
	payload := []byte(sendFlags.Arg(0))

	client := createClient(f)
	defer client.Close()

	opts := []query.QueryOptionFunc{
		query.WithRequiresAuth(*requiresAuth),
	}
	if *destDc != 0 {
		opts = append(opts, query.WithDestDC(int32(*destDc)))
	}
	q := client.Submit(payload, opts...)
	defer q.Release()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	response, err := q.Wait(ctx)
	if err != nil {
		fmt.Printf("Query failed: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("Response (%d bytes): %x\n", len(response), response)
}

func runCounters(f *globalFlags) {
	countersFlags := flag.NewFlagSet("counters", flag.ExitOnError)
	count := countersFlags.Int("count", 10, "number of queries to send")
	if err := countersFlags.Parse(f.flagset.Args()[1:]); err != nil {
		fmt.Printf("failed to parse command args: %s\n", err)
		os.Exit(1)
	}

	client := createClient(f)
	defer client.Close()

	queries := make([]*query.Query, 0, *count)
	for i := range *count {
		payload := fmt.Appendf(nil, "query %d", i)
		queries = append(queries, client.Submit(payload))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, q := range queries {
		if _, err := q.Wait(ctx); err != nil {
			fmt.Printf("Query %s failed: %s\n", q.Id(), err)
		}
		q.Release()
	}
	snapshot := client.Counters()
	fmt.Printf(
		"created=%d sent=%d ok=%d errored=%d resets=%d live=%d\n",
		snapshot.Created,
		snapshot.Sent,
		snapshot.CompletedOk,
		snapshot.CompletedError,
		snapshot.Resets,
		snapshot.Live,
	)
}
