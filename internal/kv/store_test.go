package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/config"
)

func TestNewStore(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0

	store, err := NewStore(cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, "agentloop:lock:a1", store.Key("lock", "a1"))
}

func TestNewStore_Unreachable(t *testing.T) {
	cfg := config.DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.MaxRetries = -1

	_, err := NewStore(cfg, nil)
	require.Error(t, err)
}

func TestStore_CloseIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := NewStoreFromClient(client, "t:", nil)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Ping(context.Background()), ErrClosed)
}

func TestIsNil(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := client.Get(context.Background(), "missing").Result()
	assert.True(t, IsNil(err))
	assert.False(t, IsNil(nil))
}

func TestTTLMillis(t *testing.T) {
	assert.Equal(t, int64(1), TTLMillis(0))
	assert.Equal(t, int64(1500), TTLMillis(1500*time.Millisecond))
}
