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

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by a Redis instance. Each core key maps to one
// Redis string key under a configurable prefix, preserving the single-key
// atomicity contract
type RedisStore struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

// RedisStoreConfig holds configuration for creating a RedisStore
type RedisStoreConfig struct {
	// Addr is the host:port of the Redis instance (required)
	Addr string
	// Password is the optional auth password
	Password string
	// DB selects the Redis logical database
	DB int
	// Prefix is prepended to every key; defaults to "mtclient:"
	Prefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("no Redis address provided")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "mtclient:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ctx:    ctx,
	}, nil
}

func (r *RedisStore) Get(key string) (string, bool, error) {
	value, err := r.client.Get(r.ctx, r.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (r *RedisStore) Set(key string, value string) error {
	return r.client.Set(r.ctx, r.prefix+key, value, 0).Err()
}

func (r *RedisStore) Erase(key string) error {
	return r.client.Del(r.ctx, r.prefix+key).Err()
}

// Close releases the underlying Redis client
func (r *RedisStore) Close() error {
	return r.client.Close()
}
