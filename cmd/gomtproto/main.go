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
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	mtproto "github.com/blinklabs-io/gomtproto"
	"github.com/blinklabs-io/gomtproto/storage"
)

type globalFlags struct {
	flagset     *flag.FlagSet
	datacenters map[int32]string
	network     string
	mainDc      int
	sessions    int
	tempKeys    bool
	redisAddr   string
	verbose     bool
}

func newGlobalFlags() *globalFlags {
	f := &globalFlags{
		flagset:     flag.NewFlagSet(os.Args[0], flag.ExitOnError),
		datacenters: make(map[int32]string),
	}
	f.flagset.Func(
		"dc",
		"datacenter in id=address:port format, repeatable",
		func(value string) error {
			idPart, address, found := strings.Cut(value, "=")
			if !found {
				return fmt.Errorf("invalid datacenter %q, expected id=address", value)
			}
			id, err := strconv.ParseInt(idPart, 10, 32)
			if err != nil {
				return fmt.Errorf("invalid datacenter id %q", idPart)
			}
			f.datacenters[int32(id)] = address
			return nil
		},
	)
	f.flagset.StringVar(
		&f.network,
		"network",
		"",
		"predefined network to connect to (overridden by -dc)",
	)
	f.flagset.IntVar(
		&f.mainDc,
		"main-dc",
		0,
		"datacenter used when a query has no explicit target",
	)
	f.flagset.IntVar(
		&f.sessions,
		"sessions",
		1,
		"parallel sessions per datacenter and traffic class",
	)
	f.flagset.BoolVar(
		&f.tempKeys,
		"temp-keys",
		false,
		"enable rotating temporary authorization keys",
	)
	f.flagset.StringVar(
		&f.redisAddr,
		"redis",
		"",
		"Redis address for persistent client state (defaults to in-memory)",
	)
	f.flagset.BoolVar(&f.verbose, "verbose", false, "enable debug logging")
	return f
}

func main() {
	f := newGlobalFlags()
	err := f.flagset.Parse(os.Args[1:])
	if err != nil {
		fmt.Printf("failed to parse command args: %s\n", err)
		os.Exit(1)
	}

	if len(f.flagset.Args()) > 0 {
		switch f.flagset.Arg(0) {
		case "send":
			runSend(f)
		case "counters":
			runCounters(f)
		default:
			fmt.Printf("Unknown subcommand: %s\n", f.flagset.Arg(0))
			os.Exit(1)
		}
	} else {
		fmt.Printf("You must specify a subcommand (send or counters)\n")
		os.Exit(1)
	}
}

func createClient(f *globalFlags) *mtproto.Client {
	if len(f.datacenters) == 0 && f.network == "" {
		fmt.Printf("You must specify one of -dc or -network\n\n")
		f.flagset.PrintDefaults()
		os.Exit(1)
	}
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	)
	var store storage.Store = storage.NewMemoryStore()
	if f.redisAddr != "" {
		redisStore, err := storage.NewRedisStore(
			context.Background(),
			storage.RedisStoreConfig{Addr: f.redisAddr},
		)
		if err != nil {
			fmt.Printf("Failed to connect to Redis: %s\n", err)
			os.Exit(1)
		}
		store = redisStore
	}
	opts := []mtproto.ClientOptionFunc{
		mtproto.WithLogger(logger),
		mtproto.WithStore(store),
		mtproto.WithAuthorizer(&localAuthorizer{}),
		mtproto.WithSessionCount(f.sessions),
		mtproto.WithForwardSecrecy(f.tempKeys),
	}
	if f.network != "" {
		network := mtproto.NetworkByName(f.network)
		if network.Name == mtproto.NetworkInvalid.Name {
			fmt.Printf("Invalid network specified: %s\n", f.network)
			os.Exit(1)
		}
		opts = append(opts, mtproto.WithNetwork(network))
	}
	for id, address := range f.datacenters {
		opts = append(opts, mtproto.WithDatacenter(id, address))
	}
	if f.mainDc != 0 {
		opts = append(opts, mtproto.WithDefaultMainDc(int32(f.mainDc)))
	}
	client, err := mtproto.NewClient(opts...)
	if err != nil {
		fmt.Printf("Failed to create client: %s\n", err)
		os.Exit(1)
	}
	return client
}
