package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// INCRBY, then set the expiry only when the key has none yet.
const incrScript = `
local value = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call("PTTL", KEYS[1]) < 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return value
`

type RedisOptions struct {
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	UpdateRetries   int
	Logger          *logrus.Logger
}

type RedisStore struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	incr    *redis.Script
	timeout time.Duration
	retries int
}

var _ CounterStore = (*RedisStore)(nil)

// callbackError carries an UpdateFunc error through the breaker without
// counting it as an infrastructure failure.
type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
func (e callbackError) Unwrap() error { return e.err }

func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	if opts.Timeout <= 0 {
		opts.Timeout = 50 * time.Millisecond
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 10 * time.Second
	}
	if opts.UpdateRetries <= 0 {
		opts.UpdateRetries = 3
	}

	settings := gobreaker.Settings{
		Name:        "counter-store",
		MaxRequests: 5,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			var cb callbackError
			return err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.As(err, &cb)
		},
	}
	if opts.Logger != nil {
		log := opts.Logger
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("counter store circuit breaker state changed")
		}
	}

	return &RedisStore{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		incr:    redis.NewScript(incrScript),
		timeout: opts.Timeout,
		retries: opts.UpdateRetries,
	}
}

// do runs fn under the store timeout and the breaker. Cancellation by the
// caller is returned as is and never counts against the breaker.
func (s *RedisStore) do(parent context.Context, fn func(ctx context.Context) error) error {
	if err := parent.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		err := fn(ctx)
		if err != nil && parent.Err() != nil {
			return nil, callbackError{parent.Err()}
		}
		return nil, err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	var cb callbackError
	if errors.As(err, &cb) {
		return cb.err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		value, err = s.client.Get(ctx, key).Bytes()
		return err
	})
	return value, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

func (s *RedisStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var value int64
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		value, err = s.incr.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
		return err
	})
	return value, err
}

func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	return s.do(ctx, func(ctx context.Context) error {
		txf := func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				current = nil
			} else if err != nil {
				return err
			}
			next, err := fn(current)
			if err != nil {
				return callbackError{err}
			}
			if next == nil {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, ttl)
				return nil
			})
			return err
		}

		for i := 0; i < s.retries; i++ {
			err := s.client.Watch(ctx, txf, key)
			if !errors.Is(err, redis.TxFailedErr) {
				return err
			}
		}

		// Contended key: fall back to last-write-wins.
		current, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return callbackError{err}
		}
		if next == nil {
			return nil
		}
		return s.client.Set(ctx, key, next, ttl).Err()
	})
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, key).Err()
	})
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
