package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	require.NoError(t, client.FlushDB(ctx).Err())
	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	l, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "reconciler:claim:event:mollie:tr_1", l.key("event:mollie:tr_1"))

	l, err = New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{KeyPrefix: "test:"})
	require.NoError(t, err)
	assert.Equal(t, "test:x", l.key("x"))
}

func TestNewFromURL_InvalidURL(t *testing.T) {
	_, err := NewFromURL(context.Background(), "http://not-redis", DefaultConfig())
	assert.ErrorContains(t, err, "parse redis url")
}

func TestLedger_ClaimAndRelease(t *testing.T) {
	client := setupTestRedis(t)
	l, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := l.Claim(ctx, "provision:ann@example.com", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Claim(ctx, "provision:ann@example.com", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, "reconciler:claim:provision:ann@example.com").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, l.Release(ctx, "provision:ann@example.com"))
	ok, err = l.Claim(ctx, "provision:ann@example.com", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_ClaimExpires(t *testing.T) {
	client := setupTestRedis(t)
	l, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := l.Claim(ctx, "event:stripe:evt_1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	ok, err = l.Claim(ctx, "event:stripe:evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_ConcurrentClaimsOneWins(t *testing.T) {
	client := setupTestRedis(t)
	l, err := New(client, DefaultConfig())
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := l.Claim(context.Background(), "discount:tr_1", time.Minute); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}
