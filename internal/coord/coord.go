// Package coord wraps the coordination store: an ephemeral Redis keyspace
// with atomic compare-and-set, TTL keys, sorted sets, server-side scripts
// and pub/sub. It backs the distributed lock, agent load counters, tenant
// token windows and cross-node event fan-out.
//
// Every call except Subscribe passes through a circuit breaker; while the
// breaker is open those calls fail fast with COORDINATION_UNAVAILABLE so the
// service can degrade read-only instead of hanging on a dead store.
// Subscribe opens its subscription on the client directly.
package coord

import (
	"context"
	"errors"
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/logging"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Key prefixes used across the coordination keyspace.
const (
	PrefixLock         = "lock:"
	PrefixLockQueue    = "lock_queue:"
	PrefixLockMetadata = "lock_metadata:"
	PrefixAgentLoad    = "agent_load:"
	PrefixTenantTokens = "tenant_tokens:"
	PrefixEvents       = "events:"
)

// Store is the coordination store client.
type Store struct {
	rdb     redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger
}

// New builds a Store over an existing redis client.
func New(rdb redis.UniversalClient) *Store {
	settings := gobreaker.Settings{
		Name:    "coordination-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Get(logging.CategoryCoord).Warn("breaker %s: %s -> %s", name, from, to)
		},
	}
	return &Store{
		rdb:     rdb,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     logging.Get(logging.CategoryCoord),
	}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCoordinationUnavailable, err,
			"failed to reach coordination store at %s", addr)
	}
	return New(rdb), nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping verifies reachability; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.exec(ctx, func() (interface{}, error) {
		return nil, s.rdb.Ping(ctx).Err()
	})
	return err
}

// exec routes a call through the circuit breaker, mapping breaker-open and
// transport failures to COORDINATION_UNAVAILABLE.
func (s *Store) exec(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		v, err := fn()
		// redis.Nil is a domain answer (missing key), not a store failure.
		if errors.Is(err, redis.Nil) {
			return v, nil
		}
		return v, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.Wrap(apperrors.CodeCoordinationUnavailable, err, "coordination store circuit open")
		}
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(apperrors.CodeCancelled, ctx.Err(), "coordination call cancelled")
		}
		return nil, apperrors.Wrap(apperrors.CodeCoordinationUnavailable, err, "coordination store call failed")
	}
	return res, nil
}

// Get returns the string value at key; found=false for a missing key.
func (s *Store) Get(ctx context.Context, key string) (value string, found bool, err error) {
	res, err := s.exec(ctx, func() (interface{}, error) {
		v, err := s.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return v, err
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Set writes key with a TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.exec(ctx, func() (interface{}, error) {
		return nil, s.rdb.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// SetNX atomically sets key only if absent. Returns whether the set won.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.exec(ctx, func() (interface{}, error) {
		return s.rdb.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	_, err := s.exec(ctx, func() (interface{}, error) {
		return nil, s.rdb.Del(ctx, keys...).Err()
	})
	return err
}

// IncrBy atomically adds delta to the integer at key and returns the result.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	res, err := s.exec(ctx, func() (interface{}, error) {
		return s.rdb.IncrBy(ctx, key, delta).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// IncrByFloat atomically adds delta to the float at key.
func (s *Store) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	res, err := s.exec(ctx, func() (interface{}, error) {
		return s.rdb.IncrByFloat(ctx, key, delta).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.exec(ctx, func() (interface{}, error) {
		return nil, s.rdb.Expire(ctx, key, ttl).Err()
	})
	return err
}

// ZAdd inserts a member with a score into a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.exec(ctx, func() (interface{}, error) {
		return nil, s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

// ZRem removes members from a sorted set.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	_, err := s.exec(ctx, func() (interface{}, error) {
		return nil, s.rdb.ZRem(ctx, key, toAny(members)...).Err()
	})
	return err
}

// ZRangeWithScores returns members [start, stop] ascending by score.
func (s *Store) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error) {
	res, err := s.exec(ctx, func() (interface{}, error) {
		return s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]redis.Z), nil
}

// ZRemRangeByScore prunes members whose score falls in [min, max].
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	_, err := s.exec(ctx, func() (interface{}, error) {
		return nil, s.rdb.ZRemRangeByScore(ctx, key, min, max).Err()
	})
	return err
}

// ZCard returns the cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	res, err := s.exec(ctx, func() (interface{}, error) {
		return s.rdb.ZCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// Eval runs a server-side script. Scripts are the only way multi-key
// check-and-act stays atomic across nodes.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return s.exec(ctx, func() (interface{}, error) {
		v, err := script.Run(ctx, s.rdb, keys, args...).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return v, err
	})
}

// Keys lists keys matching a glob pattern. Scan-based; only used by the
// lock manager's wait-for sweep over the small lock keyspace.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	res, err := s.exec(ctx, func() (interface{}, error) {
		var out []string
		iter := s.rdb.Scan(ctx, 0, pattern, 256).Iterator()
		for iter.Next(ctx) {
			out = append(out, iter.Val())
		}
		return out, iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// Publish sends a payload to a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := s.exec(ctx, func() (interface{}, error) {
		return nil, s.rdb.Publish(ctx, channel, payload).Err()
	})
	return err
}

// Subscribe opens a pub/sub subscription. The caller owns the returned
// subscription and must Close it.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}

func toAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
