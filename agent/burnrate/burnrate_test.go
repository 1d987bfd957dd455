package burnrate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/kv"
)

type fakeCloser struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeCloser) CloseCycle(_ context.Context, _, budgetID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, budgetID)
	return true, nil
}

type fakeScheduler struct {
	mu     sync.Mutex
	tokens []string
	delays []time.Duration
}

func (f *fakeScheduler) ScheduleFollowUp(_ context.Context, _, token string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.delays = append(f.delays, delay)
	return nil
}

type harness struct {
	mr        *miniredis.Miniredis
	store     *kv.Store
	ctrl      *Controller
	closer    *fakeCloser
	scheduler *fakeScheduler
	cfg       config.BurnConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewStoreFromClient(client, "test:", zap.NewNop())

	cfg := config.DefaultBurnConfig()
	cfg.ThresholdPerHour = 5
	cfg.Window = time.Hour
	cfg.Cooldown = 10 * time.Minute
	cfg.FollowUpBuffer = 2 * time.Minute
	cfg.InactivityWindow = 30 * time.Minute
	cfg.ScheduleHorizon = 15 * time.Minute

	meter := NewMeter(store, cfg.Window, 0, 0, nil)
	closer := &fakeCloser{}
	sched := &fakeScheduler{}
	return &harness{
		mr:        mr,
		store:     store,
		ctrl:      NewController(store, meter, cfg, closer, sched, nil),
		closer:    closer,
		scheduler: sched,
		cfg:       cfg,
	}
}

func TestMeter_Snapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.ctrl.Meter()

	snap, err := m.Snapshot(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, snap.HasData())

	require.NoError(t, m.Record(ctx, "a1", 4))
	require.NoError(t, m.Record(ctx, "a1", 6))
	require.NoError(t, m.Record(ctx, "a1", 0), "non-positive spend is ignored")

	snap, err = m.Snapshot(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, snap.HasData())
	assert.Equal(t, 2, snap.Samples)
	assert.InDelta(t, 10.0, snap.RatePerHour, 1e-9)
}

func TestMeter_WindowExcludesOldSamples(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.ctrl.Meter()

	base := time.Now()
	m.now = func() time.Time { return base.Add(-2 * time.Hour) }
	require.NoError(t, m.Record(ctx, "a1", 100))

	m.now = func() time.Time { return base }
	require.NoError(t, m.Record(ctx, "a1", 3))

	snap, err := m.Snapshot(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Samples)
	assert.InDelta(t, 3.0, snap.RatePerHour, 1e-9)
}

func TestMeter_CachedSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := NewMeter(h.store, time.Hour, time.Minute, 16, nil)

	require.NoError(t, m.Record(ctx, "a1", 2))
	first, err := m.Snapshot(ctx, "a1")
	require.NoError(t, err)

	// 绕过 Record 直接写入，缓存命中时不可见
	h.mr.ZAdd("test:burn:a1:spend", float64(time.Now().UnixMilli()), "x:50")
	second, err := m.Snapshot(ctx, "a1")
	require.NoError(t, err)
	assert.Same(t, first, second)

	require.NoError(t, m.Record(ctx, "a1", 1))
	third, err := m.Snapshot(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 3, third.Samples)
}

func TestShouldPause_Scenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Meter().Record(ctx, "a1", 10))

	d, err := h.ctrl.ShouldPause(ctx, AgentState{AgentID: "a1"}, "budget-1")
	require.NoError(t, err)
	assert.True(t, d.Paused)
	assert.NotEmpty(t, d.FollowUpToken)
	assert.True(t, d.FollowUpScheduled)
	assert.True(t, d.CycleClosed)

	ttl := h.mr.TTL("test:burn:a1:cooldown")
	assert.Equal(t, h.cfg.Cooldown, ttl)
	assert.Equal(t, h.cfg.Cooldown+h.cfg.FollowUpBuffer, h.mr.TTL("test:burn:a1:followup"))
	tok, err := h.mr.Get("test:burn:a1:followup")
	require.NoError(t, err)
	assert.Equal(t, d.FollowUpToken, tok)

	require.Len(t, h.scheduler.tokens, 1)
	assert.Equal(t, h.cfg.Cooldown, h.scheduler.delays[0])
	assert.Equal(t, []string{"budget-1"}, h.closer.closed)

	d, err = h.ctrl.ShouldPause(ctx, AgentState{AgentID: "a1"}, "budget-1")
	require.NoError(t, err)
	assert.False(t, d.Paused)
	assert.Equal(t, "cooldown_active", d.Reason)
	assert.Len(t, h.scheduler.tokens, 1, "exactly one follow-up per pause")
}

func TestShouldPause_NoPause(t *testing.T) {
	tests := []struct {
		name   string
		spend  float64
		state  AgentState
		reason string
	}{
		{name: "no data", state: AgentState{AgentID: "a1"}},
		{name: "under threshold", spend: 4, state: AgentState{AgentID: "a1"}},
		{name: "exactly threshold", spend: 5, state: AgentState{AgentID: "a1"}},
		{name: "override threshold", spend: 10, state: AgentState{AgentID: "a1", ThresholdPerHour: 20}},
		{
			name:   "recent human message",
			spend:  10,
			state:  AgentState{AgentID: "a1", LastHumanInboundAt: time.Now().Add(-5 * time.Minute)},
			reason: "recent_human_message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			if tt.spend > 0 {
				require.NoError(t, h.ctrl.Meter().Record(ctx, "a1", tt.spend))
			}

			d, err := h.ctrl.ShouldPause(ctx, tt.state, "b1")
			require.NoError(t, err)
			assert.False(t, d.Paused)
			assert.Equal(t, tt.reason, d.Reason)
			assert.False(t, h.mr.Exists("test:burn:a1:cooldown"))
		})
	}
}

func TestShouldPause_StaleHumanMessageDoesNotSuppress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Meter().Record(ctx, "a1", 10))

	st := AgentState{AgentID: "a1", LastHumanInboundAt: time.Now().Add(-2 * time.Hour)}
	d, err := h.ctrl.ShouldPause(ctx, st, "b1")
	require.NoError(t, err)
	assert.True(t, d.Paused)
}

func TestShouldPause_SkipsFollowUpWhenScheduleDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Meter().Record(ctx, "a1", 10))

	st := AgentState{AgentID: "a1", Schedule: Schedule{Interval: 5 * time.Minute, LastRunAt: time.Now()}}
	d, err := h.ctrl.ShouldPause(ctx, st, "b1")
	require.NoError(t, err)
	assert.True(t, d.Paused)
	assert.Empty(t, d.FollowUpToken)
	assert.Empty(t, h.scheduler.tokens)
	assert.False(t, h.mr.Exists("test:burn:a1:followup"))
}

func TestFollowUpToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Meter().Record(ctx, "a1", 10))

	d, err := h.ctrl.ShouldPause(ctx, AgentState{AgentID: "a1"}, "b1")
	require.NoError(t, err)
	require.NotEmpty(t, d.FollowUpToken)

	ok, err := h.ctrl.ConsumeFollowUp(ctx, "a1", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.ctrl.ConsumeFollowUp(ctx, "a1", d.FollowUpToken)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.ctrl.ConsumeFollowUp(ctx, "a1", d.FollowUpToken)
	require.NoError(t, err)
	assert.False(t, ok, "token is single use")

	ok, err = h.ctrl.ConsumeFollowUp(ctx, "a1", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearFollowUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Meter().Record(ctx, "a1", 10))

	d, err := h.ctrl.ShouldPause(ctx, AgentState{AgentID: "a1"}, "b1")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.ClearFollowUp(ctx, "a1"))
	ok, err := h.ctrl.ConsumeFollowUp(ctx, "a1", d.FollowUpToken)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.ctrl.Admit(ctx, AgentState{AgentID: "a1"}, false)
	require.NoError(t, err)
	assert.True(t, ok, "no cooldown")

	require.NoError(t, h.ctrl.Meter().Record(ctx, "a1", 10))
	_, err = h.ctrl.ShouldPause(ctx, AgentState{AgentID: "a1"}, "b1")
	require.NoError(t, err)

	ok, err = h.ctrl.Admit(ctx, AgentState{AgentID: "a1"}, false)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.ctrl.Admit(ctx, AgentState{AgentID: "a1"}, true)
	require.NoError(t, err)
	assert.True(t, ok, "scheduled trigger proceeds")

	old := AgentState{AgentID: "a1", LastHumanInboundAt: time.Now().Add(-time.Hour)}
	ok, err = h.ctrl.Admit(ctx, old, false)
	require.NoError(t, err)
	assert.False(t, ok, "message before the pause does not qualify")

	fresh := AgentState{AgentID: "a1", LastHumanInboundAt: time.Now().Add(time.Second)}
	ok, err = h.ctrl.Admit(ctx, fresh, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, h.mr.Exists("test:burn:a1:cooldown"))
}

func TestCooldownExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Meter().Record(ctx, "a1", 10))
	_, err := h.ctrl.ShouldPause(ctx, AgentState{AgentID: "a1"}, "b1")
	require.NoError(t, err)

	h.mr.FastForward(11 * time.Minute)
	_, active, err := h.ctrl.CooldownSince(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, active)
}
