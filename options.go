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
	"crypto/ed25519"
	"log/slog"
	"time"

	"github.com/blinklabs-io/gomtproto/dcauth"
	"github.com/blinklabs-io/gomtproto/pubkeys"
	"github.com/blinklabs-io/gomtproto/session"
	"github.com/blinklabs-io/gomtproto/storage"
	"github.com/blinklabs-io/gomtproto/transport"
)

// ClientOptionFunc is a function used to set an option on a new Client
type ClientOptionFunc func(*Client)

// WithLogger specifies the logger used by every component
func WithLogger(logger *slog.Logger) ClientOptionFunc {
	return func(c *Client) {
		c.config.logger = logger
	}
}

// WithStore specifies the persistence collaborator. Defaults to an
// in-memory store
func WithStore(store storage.Store) ClientOptionFunc {
	return func(c *Client) {
		c.config.store = store
	}
}

// WithDialer specifies the transport dialer. Defaults to TCP
func WithDialer(dialer transport.Dialer) ClientOptionFunc {
	return func(c *Client) {
		c.config.dialer = dialer
	}
}

// WithAuthorizer specifies the key-exchange collaborator used to bootstrap
// authorization keys (required)
func WithAuthorizer(authorizer session.Authorizer) ClientOptionFunc {
	return func(c *Client) {
		c.config.authorizer = authorizer
	}
}

// WithHandshaker specifies the export/import collaborator driving
// cross-datacenter authorization propagation. Propagation is disabled when
// unset
func WithHandshaker(handshaker dcauth.Handshaker) ClientOptionFunc {
	return func(c *Client) {
		c.config.handshaker = handshaker
	}
}

// WithTrustFetcher specifies the trust bundle fetcher. The trust watchdog is
// disabled when unset
func WithTrustFetcher(fetcher pubkeys.Fetcher) ClientOptionFunc {
	return func(c *Client) {
		c.config.trustFetcher = fetcher
	}
}

// WithTrustRootKey requires fetched trust bundles to carry a valid signature
// by the provided root key
func WithTrustRootKey(rootKey ed25519.PublicKey) ClientOptionFunc {
	return func(c *Client) {
		c.config.trustRootKey = rootKey
	}
}

// WithProtocolVersion tags the persisted trust bundle; bundles cached under
// a different version are invalidated
func WithProtocolVersion(version string) ClientOptionFunc {
	return func(c *Client) {
		c.config.protocolVersion = version
	}
}

// WithDatacenter registers a datacenter address
func WithDatacenter(id int32, address string) ClientOptionFunc {
	return func(c *Client) {
		c.config.addresses[id] = address
	}
}

// WithDefaultMainDc specifies the main datacenter used when none is
// persisted yet
func WithDefaultMainDc(id int32) ClientOptionFunc {
	return func(c *Client) {
		c.config.defaultMainDc = id
	}
}

// WithSessionCount specifies the number of parallel sessions per
// (datacenter, traffic class) pool
func WithSessionCount(count int) ClientOptionFunc {
	return func(c *Client) {
		c.config.sessionCount = count
	}
}

// WithForwardSecrecy enables rotating temporary keys on every session
func WithForwardSecrecy(enabled bool) ClientOptionFunc {
	return func(c *Client) {
		c.config.useTempKeys = enabled
	}
}

// WithPersistTempKeys lets temporary keys survive process restarts. Only
// effective while forward secrecy is enabled
func WithPersistTempKeys(enabled bool) ClientOptionFunc {
	return func(c *Client) {
		c.config.persistTempKeys = enabled
	}
}

// WithChallengeFunc registers the application handler for verification
// challenges
func WithChallengeFunc(challengeFunc ChallengeFunc) ClientOptionFunc {
	return func(c *Client) {
		c.config.challengeFunc = challengeFunc
	}
}

// WithTrustTiers overrides the trust watchdog flood-control tiers
func WithTrustTiers(tiers []pubkeys.LimiterTier) ClientOptionFunc {
	return func(c *Client) {
		c.config.trustTiers = tiers
	}
}

// WithPropagationInterval overrides the authorization propagation loop
// cadence
func WithPropagationInterval(interval time.Duration) ClientOptionFunc {
	return func(c *Client) {
		c.config.propagationInterval = interval
	}
}

// clientConfig is the assembled configuration for a Client
type clientConfig struct {
	logger              *slog.Logger
	store               storage.Store
	dialer              transport.Dialer
	authorizer          session.Authorizer
	handshaker          dcauth.Handshaker
	trustFetcher        pubkeys.Fetcher
	trustRootKey        ed25519.PublicKey
	trustTiers          []pubkeys.LimiterTier
	protocolVersion     string
	addresses           map[int32]string
	defaultMainDc       int32
	sessionCount        int
	useTempKeys         bool
	persistTempKeys     bool
	challengeFunc       ChallengeFunc
	propagationInterval time.Duration
}
