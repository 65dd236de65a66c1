/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store implements the shared key/value store adapter (component C
// of the broker's design): a small set of typed operations over Redis that
// the pairing registry, rate limiter, and pairing history build on. Every
// data operation (all but Ping and Close) retries transient failures with
// bounded exponential backoff so callers only ever see apierr.Internal on
// exhaustion.
package store

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v9"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/termrelay/lib/apierr"
)

var log = logrus.WithField("component", "store")

// atomicSetIfAbsent is a Lua script performing SET key value NX with a TTL
// in a single round trip, avoiding the race window between SETNX and
// EXPIRE that a naive two-call implementation would have.
const atomicSetIfAbsentScript = `
if redis.call("SET", KEYS[1], ARGV[1], "NX", "EX", ARGV[2]) then
	return 1
else
	return 0
end
`

// Store is the shared key/value store adapter contract used by the
// pairing, rate-limit, and history components. Every method is
// at-least-once idempotent at the entry level; there are no cross-key
// transactions.
type Store interface {
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsentWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	LPush(ctx context.Context, key string, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Ping checks connectivity for the health endpoint.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
	// Clock returns the clock this store's TTL math is relative to, so
	// higher-level components can share a single fakeable notion of "now".
	Clock() clockwork.Clock
}

// redisStore implements Store over redis.UniversalClient, which transparently
// picks standalone vs cluster mode depending on how it was constructed.
type redisStore struct {
	client redis.UniversalClient
	clock  clockwork.Clock
}

// Options configures New.
type Options struct {
	Addrs       []string
	ClusterMode bool
	Password    string
	Clock       clockwork.Clock
}

// New constructs a Store backed by a real Redis (or Redis-cluster)
// deployment, selecting redis.NewClient vs redis.NewClusterClient based on
// the configured connection mode.
func New(opts Options) Store {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var client redis.UniversalClient
	if opts.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    opts.Addrs,
			Password: opts.Password,
		})
	} else {
		addr := "localhost:6379"
		if len(opts.Addrs) > 0 {
			addr = opts.Addrs[0]
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: opts.Password,
		})
	}
	return &redisStore{client: client, clock: clock}
}

// NewFromClient wraps an already-constructed redis.UniversalClient, used by
// the miniredis-backed test constructor and by callers that need custom
// TLS/dial options beyond Options.
func NewFromClient(client redis.UniversalClient, clock clockwork.Clock) Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &redisStore{client: client, clock: clock}
}

func (s *redisStore) Clock() clockwork.Clock { return s.clock }

// withRetry runs fn and, on failure, retries it at most 3 times after
// waiting 50ms, 200ms and 800ms, and reports exhaustion as apierr.Internal.
func withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.RandomizationFactor = 0
	b.Multiplier = 4
	b.MaxInterval = 800 * time.Millisecond
	b.MaxElapsedTime = 0 // bounded by the retry count instead
	bctx := backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := fn(); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.WithError(err).WithField("op", op).WithField("attempt", attempt).Warn("store operation failed, retrying")
			return err
		}
		return nil
	}, bctx)
	if err != nil {
		return apierr.Wrap(apierr.Internal, trace.Wrap(err, "store operation %q failed", op))
	}
	return nil
}

func (s *redisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return withRetry(ctx, "setWithTTL", func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

func (s *redisStore) SetIfAbsentWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var created bool
	err := withRetry(ctx, "setIfAbsentWithTTL", func() error {
		res, err := s.client.Eval(ctx, atomicSetIfAbsentScript, []string{key}, value, int64(ttl.Seconds())).Result()
		if err != nil {
			return err
		}
		n, _ := res.(int64)
		created = n == 1
		return nil
	})
	return created, err
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := withRetry(ctx, "get", func() error {
		v, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		value = v
		found = true
		return nil
	})
	return value, found, err
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return withRetry(ctx, "del", func() error {
		return s.client.Del(ctx, keys...).Err()
	})
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return withRetry(ctx, "expire", func() error {
		return s.client.Expire(ctx, key, ttl).Err()
	})
}

func (s *redisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return withRetry(ctx, "sAdd", func() error {
		return s.client.SAdd(ctx, key, args...).Err()
	})
}

func (s *redisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return withRetry(ctx, "sRem", func() error {
		return s.client.SRem(ctx, key, args...).Err()
	})
}

func (s *redisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := withRetry(ctx, "sMembers", func() error {
		v, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		members = v
		return nil
	})
	return members, err
}

func (s *redisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return withRetry(ctx, "zAdd", func() error {
		return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (s *redisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return withRetry(ctx, "zRemByScore", func() error {
		return s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
	})
}

func (s *redisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	var count int64
	err := withRetry(ctx, "zCount", func() error {
		v, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
		if err != nil {
			return err
		}
		count = v
		return nil
	})
	return count, err
}

func (s *redisStore) LPush(ctx context.Context, key string, value string) error {
	return withRetry(ctx, "lPush", func() error {
		return s.client.LPush(ctx, key, value).Err()
	})
}

func (s *redisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return withRetry(ctx, "lTrim", func() error {
		return s.client.LTrim(ctx, key, start, stop).Err()
	})
}

func (s *redisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var values []string
	err := withRetry(ctx, "lRange", func() error {
		v, err := s.client.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		values = v
		return nil
	})
	return values, err
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// formatScore renders a float64 the way Redis range commands expect,
// translating Go's signed infinities into Redis's "+inf"/"-inf" sentinels.
func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
