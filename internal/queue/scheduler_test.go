package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/agent/loop"
)

type fakeSource struct {
	mu     sync.Mutex
	due    []string
	marked map[string]time.Time
}

func (f *fakeSource) DueAgents(context.Context, time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.due...), nil
}

func (f *fakeSource) MarkScheduled(_ context.Context, agentID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marked == nil {
		f.marked = map[string]time.Time{}
	}
	f.marked[agentID] = at
	return nil
}

func TestScheduler_TickEnqueuesOncePerInterval(t *testing.T) {
	q, mr := newTestQueue(t)
	freeze(q)
	ctx := context.Background()
	src := &fakeSource{due: []string{"a1", "a2"}}
	s := NewScheduler(src, q, time.Minute, nil)

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, src.marked, "a1")

	// 另一个副本在同一间隔内检查
	other := NewScheduler(src, q, time.Minute, nil)
	n, err = other.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	tasks, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, loop.KindSchedule, task.Trigger.Kind)
	}

	mr.FastForward(time.Minute)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestScheduler_RunDisabled(t *testing.T) {
	q, _ := newTestQueue(t)
	s := NewScheduler(&fakeSource{}, q, 0, nil)
	assert.NoError(t, s.Run(context.Background()))
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	src := &fakeSource{due: []string{"a1"}}
	s := NewScheduler(src, q, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := q.QueuedFor(context.Background(), "a1")
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
