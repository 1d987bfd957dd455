package burnrate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/agentloop/internal/kv"
)

// Snapshot 某个时间点的消耗速率快照
type Snapshot struct {
	AgentID     string        `json:"agent_id"`
	RatePerHour float64       `json:"rate_per_hour"`
	Total       float64       `json:"total"`
	Samples     int           `json:"samples"`
	Window      time.Duration `json:"window"`
	ComputedAt  time.Time     `json:"computed_at"`
}

// HasData 判断快照是否有足够数据参与判断
func (s *Snapshot) HasData() bool {
	return s != nil && s.Samples > 0 && s.Window > 0
}

// Meter 以 ZSET 记录每次补全的消耗，按滚动窗口计算速率
type Meter struct {
	store  *kv.Store
	window time.Duration
	logger *zap.Logger
	now    func() time.Time

	cache *expirable.LRU[string, *Snapshot]
	group singleflight.Group
}

// NewMeter 创建消耗计量器；cacheSize 或 snapshotTTL 为 0 时不缓存
func NewMeter(store *kv.Store, window, snapshotTTL time.Duration, cacheSize int, logger *zap.Logger) *Meter {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meter{
		store:  store,
		window: window,
		logger: logger.With(zap.String("component", "burn_meter")),
		now:    time.Now,
	}
	if cacheSize > 0 && snapshotTTL > 0 {
		m.cache = expirable.NewLRU[string, *Snapshot](cacheSize, nil, snapshotTTL)
	}
	return m
}

func (m *Meter) key(agentID string) string { return m.store.Key("burn", agentID, "spend") }

// Record 记录一次消耗，并裁剪窗口之外的旧样本
func (m *Meter) Record(ctx context.Context, agentID string, credits float64) error {
	if credits <= 0 {
		return nil
	}
	now := m.now()
	member := fmt.Sprintf("%s:%s", uuid.NewString(), strconv.FormatFloat(credits, 'f', -1, 64))
	key := m.key(agentID)

	pipe := m.store.Client().TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-m.window).UnixMilli(), 10))
	pipe.PExpire(ctx, key, m.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}

	if m.cache != nil {
		m.cache.Remove(agentID)
	}
	return nil
}

// Snapshot 返回缓存或最新计算的速率快照，同一 agent 的并发计算会被合并
func (m *Meter) Snapshot(ctx context.Context, agentID string) (*Snapshot, error) {
	if m.cache != nil {
		if snap, ok := m.cache.Get(agentID); ok {
			return snap, nil
		}
	}

	v, err, _ := m.group.Do(agentID, func() (any, error) {
		snap, err := m.compute(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if m.cache != nil {
			m.cache.Add(agentID, snap)
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (m *Meter) compute(ctx context.Context, agentID string) (*Snapshot, error) {
	now := m.now()
	members, err := m.store.Client().ZRangeByScore(ctx, m.key(agentID), &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-m.window).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read spend window: %w", err)
	}

	snap := &Snapshot{AgentID: agentID, Window: m.window, ComputedAt: now}
	for _, member := range members {
		idx := strings.LastIndexByte(member, ':')
		if idx < 0 {
			continue
		}
		credits, err := strconv.ParseFloat(member[idx+1:], 64)
		if err != nil {
			m.logger.Debug("skipping malformed spend sample", zap.String("member", member))
			continue
		}
		snap.Total += credits
		snap.Samples++
	}
	if hours := m.window.Hours(); hours > 0 {
		snap.RatePerHour = snap.Total / hours
	}
	return snap, nil
}
