package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeat_BeatGetClear(t *testing.T) {
	store, mr := newTestStore(t)
	l := NewLocker(store, testLockConfig(), "worker-7", nil)
	hb := NewHeartbeat(store, time.Minute, nil)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "a1")
	require.NoError(t, err)

	hb.Beat(ctx, lease, StageLockAcquired, 0)
	hb.Beat(ctx, lease, StageToolCall, 3)

	rec, err := hb.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, lease.RunID(), rec.RunID)
	assert.Equal(t, "worker-7", rec.WorkerID)
	assert.Equal(t, StageToolCall, rec.Stage)
	assert.Equal(t, 3, rec.Iteration)
	assert.False(t, rec.Stalled(time.Now(), time.Minute))
	assert.True(t, rec.Stalled(time.Now().Add(2*time.Minute), time.Minute))

	ttl := mr.TTL("test:heartbeat:a1")
	assert.Greater(t, ttl, 50*time.Second)

	hb.Clear(ctx, "a1")
	rec, err = hb.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestHeartbeat_Expires(t *testing.T) {
	store, mr := newTestStore(t)
	l := NewLocker(store, testLockConfig(), "w1", nil)
	hb := NewHeartbeat(store, time.Minute, nil)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "a1")
	require.NoError(t, err)
	hb.Beat(ctx, lease, StageIterationStart, 1)

	mr.FastForward(2 * time.Minute)
	rec, err := hb.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
