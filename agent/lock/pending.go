package lock

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/internal/kv"
)

// Pending 锁竞争时的去抖待处理集合。
// 多个竞争者只会认领一次 drain 调度，由 drain 统一重新派发。
type Pending struct {
	store    *kv.Store
	debounce time.Duration
	logger   *zap.Logger
}

// NewPending 创建待处理集合
func NewPending(store *kv.Store, debounce time.Duration, logger *zap.Logger) *Pending {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pending{
		store:    store,
		debounce: debounce,
		logger:   logger.With(zap.String("component", "pending")),
	}
}

func (p *Pending) setKey() string   { return p.store.Key("lock", "pending") }
func (p *Pending) claimKey() string { return p.store.Key("lock", "pending", "drain") }

// Debounce 返回 drain 的调度延迟
func (p *Pending) Debounce() time.Duration { return p.debounce }

// Defer 将 agent 加入待处理集合，并尝试认领 drain 调度。
// scheduleDrain 为 true 时，调用方负责在 Debounce() 之后入队一个 drain 任务。
func (p *Pending) Defer(ctx context.Context, agentID string) (scheduleDrain bool, err error) {
	if err := p.store.Client().SAdd(ctx, p.setKey(), agentID).Err(); err != nil {
		return false, fmt.Errorf("add pending agent: %w", err)
	}
	ok, err := p.store.Client().SetNX(ctx, p.claimKey(), agentID, p.debounce).Result()
	if err != nil {
		return false, fmt.Errorf("claim pending drain: %w", err)
	}
	p.logger.Debug("agent deferred",
		zap.String("agent_id", agentID),
		zap.Bool("drain_claimed", ok),
	)
	return ok, nil
}

// Drain 原子地取出全部待处理 agent，并释放调度认领
func (p *Pending) Drain(ctx context.Context) ([]string, error) {
	agents, err := drainScript.Run(ctx, p.store.Client(),
		[]string{p.setKey(), p.claimKey()},
	).StringSlice()
	if err != nil && !kv.IsNil(err) {
		return nil, fmt.Errorf("drain pending: %w", err)
	}
	if len(agents) > 0 {
		p.logger.Info("pending agents drained", zap.Int("count", len(agents)))
	}
	return agents, nil
}
