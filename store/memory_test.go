package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := NewMemoryStore(WithClock(clock.Now))

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	clock.Advance(59 * time.Second)
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_IncrKeepsCreationTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := NewMemoryStore(WithClock(clock.Now))

	n, err := s.Incr(ctx, "c", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(40 * time.Second)
	n, err = s.Incr(ctx, "c", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// the second call must not have pushed the expiry out
	clock.Advance(20 * time.Second)
	n, err = s.Incr(ctx, "c", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	raw, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "1", string(raw))
}

func TestMemoryStore_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, "n", 0, func(cur []byte) ([]byte, error) {
				v := 0
				if cur != nil {
					v, _ = strconv.Atoi(string(cur))
				}
				return []byte(strconv.Itoa(v + 1)), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	raw, err := s.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, "50", string(raw))
}

func TestMemoryStore_UpdateErrorAndNoop(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "k", []byte("orig"), 0))

	boom := errors.New("boom")
	err := s.Update(ctx, "k", 0, func([]byte) ([]byte, error) { return []byte("x"), boom })
	assert.ErrorIs(t, err, boom)

	err = s.Update(ctx, "k", 0, func([]byte) ([]byte, error) { return nil, nil })
	require.NoError(t, err)

	raw, _ := s.Get(ctx, "k")
	assert.Equal(t, "orig", string(raw))
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Set(ctx, "k", nil, 0), context.Canceled)
}

func TestMemoryStore_Prune(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := NewMemoryStore(WithClock(clock.Now))

	require.NoError(t, s.Set(ctx, "short", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "long", []byte("1"), time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("1"), 0))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Prune())
	assert.Equal(t, 2, s.Len())
}

type record struct {
	Count int    `json:"count"`
	Name  string `json:"name"`
}

func TestUpdateJSON(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	got, err := UpdateJSON(ctx, s, "r", 0, func(r *record, exists bool) error {
		assert.False(t, exists)
		r.Count++
		r.Name = "first"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, record{Count: 1, Name: "first"}, got)

	got, err = UpdateJSON(ctx, s, "r", 0, func(r *record, exists bool) error {
		assert.True(t, exists)
		r.Count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)

	var stored record
	require.NoError(t, GetJSON(ctx, s, "r", &stored))
	assert.Equal(t, got, stored)
}

func TestUpdateJSON_CorruptBlobStartsFresh(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "r", []byte("{not json"), 0))

	got, err := UpdateJSON(ctx, s, "r", 0, func(r *record, exists bool) error {
		assert.False(t, exists)
		r.Count = 7
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got.Count)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "rl:api:user-1", Key("rl", "api", "user-1"))
}
