package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/berserk3142-max/trust-guard/models"
)

var (
	ErrNotFound    = models.ErrNotFound
	ErrUnavailable = errors.New("counter store unavailable")
)

// UpdateFunc receives the current value (nil when the key is absent) and
// returns the value to write. Returning a nil value leaves the key untouched.
type UpdateFunc func(current []byte) ([]byte, error)

// CounterStore holds the shared per-identifier state. Infrastructure
// failures are reported as ErrUnavailable so callers can pick their own
// fail-open or fail-safe default.
type CounterStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr adds delta and returns the new value. ttl applies when the key is created.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Update runs a read-modify-write on key. It is a compare-and-swap where
	// the backend supports one and last-write-wins otherwise.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func GetJSON(ctx context.Context, s CounterStore, key string, out interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func SetJSON(ctx context.Context, s CounterStore, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// UpdateJSON decodes the blob at key into a T, lets fn mutate it and writes
// it back. exists is false when the key was absent or held undecodable data.
// The returned value is what was written.
func UpdateJSON[T any](ctx context.Context, s CounterStore, key string, ttl time.Duration, fn func(v *T, exists bool) error) (T, error) {
	var result T
	err := s.Update(ctx, key, ttl, func(current []byte) ([]byte, error) {
		var v T
		exists := false
		if current != nil {
			exists = json.Unmarshal(current, &v) == nil
			if !exists {
				v = *new(T)
			}
		}
		if err := fn(&v, exists); err != nil {
			return nil, err
		}
		result = v
		return json.Marshal(v)
	})
	return result, err
}

// Key joins key parts with ':'.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
