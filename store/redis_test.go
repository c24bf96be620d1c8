package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Get(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, RedisOptions{})
	ctx := context.Background()

	mock.ExpectGet("rl:api:u1").SetVal(`{"tokens":3}`)
	got, err := s.Get(ctx, "rl:api:u1")
	require.NoError(t, err)
	assert.Equal(t, `{"tokens":3}`, string(got))

	mock.ExpectGet("rl:api:u2").RedisNil()
	_, err = s.Get(ctx, "rl:api:u2")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectGet("rl:api:u3").SetErr(errors.New("connection refused"))
	_, err = s.Get(ctx, "rl:api:u3")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsUnavailable(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_SetAndDelete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, RedisOptions{})
	ctx := context.Background()

	value := []byte("payload")
	mock.ExpectSet("k", value, time.Minute).SetVal("OK")
	require.NoError(t, s.Set(ctx, "k", value, time.Minute))

	mock.ExpectDel("k").SetVal(1)
	require.NoError(t, s.Delete(ctx, "k"))

	mock.ExpectPing().SetVal("PONG")
	require.NoError(t, s.Ping(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_BreakerOpensAfterFailures(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, RedisOptions{BreakerFailures: 2, BreakerTimeout: time.Minute})
	ctx := context.Background()

	mock.ExpectGet("a").SetErr(errors.New("timeout"))
	mock.ExpectGet("a").SetErr(errors.New("timeout"))

	for i := 0; i < 2; i++ {
		_, err := s.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrUnavailable)
	}

	// open breaker fails fast without touching redis
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_MissingKeysDoNotTripBreaker(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, RedisOptions{BreakerFailures: 1})
	ctx := context.Background()

	mock.ExpectGet("a").RedisNil()
	mock.ExpectGet("a").SetVal("1")

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_CallerCancellationDoesNotTripBreaker(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, RedisOptions{BreakerFailures: 1, BreakerTimeout: time.Minute})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := s.Get(cancelled, "a")
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, IsUnavailable(err))
	}

	mock.ExpectGet("a").SetErr(context.Canceled)
	_, err := s.Get(context.Background(), "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsUnavailable(err))

	mock.ExpectGet("a").SetVal("1")
	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}
