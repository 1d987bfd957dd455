package burnrate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/kv"
)

// CycleCloser 关闭预算周期，由 budget.Manager 实现
type CycleCloser interface {
	CloseCycle(ctx context.Context, agentID, budgetID string) (bool, error)
}

// FollowUpScheduler 安排一次延迟的后续运行，由任务队列实现
type FollowUpScheduler interface {
	ScheduleFollowUp(ctx context.Context, agentID, token string, delay time.Duration) error
}

// AgentState 判断是否暂停所需的 agent 状态
type AgentState struct {
	AgentID string
	// LastHumanInboundAt 最近一次非 peer 入站消息时间，零值表示没有
	LastHumanInboundAt time.Time
	// ThresholdPerHour 覆盖配置阈值，0 表示使用配置
	ThresholdPerHour float64
	Schedule         Schedule
}

// Decision ShouldPause 的结果
type Decision struct {
	Paused            bool
	Reason            string
	Snapshot          *Snapshot
	Threshold         float64
	FollowUpToken     string
	FollowUpScheduled bool
	CycleClosed       bool
}

// Controller 消耗速率控制器
type Controller struct {
	store     *kv.Store
	meter     *Meter
	cfg       config.BurnConfig
	cycles    CycleCloser
	scheduler FollowUpScheduler
	logger    *zap.Logger
	now       func() time.Time
}

// NewController 创建控制器
func NewController(store *kv.Store, meter *Meter, cfg config.BurnConfig, cycles CycleCloser, scheduler FollowUpScheduler, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:     store,
		meter:     meter,
		cfg:       cfg,
		cycles:    cycles,
		scheduler: scheduler,
		logger:    logger.With(zap.String("component", "burnrate")),
		now:       time.Now,
	}
}

// Meter 返回控制器使用的计量器
func (c *Controller) Meter() *Meter { return c.meter }

func (c *Controller) cooldownKey(agentID string) string { return c.store.Key("burn", agentID, "cooldown") }
func (c *Controller) followUpKey(agentID string) string { return c.store.Key("burn", agentID, "followup") }

func (c *Controller) threshold(st AgentState) float64 {
	if st.ThresholdPerHour > 0 {
		return st.ThresholdPerHour
	}
	return c.cfg.ThresholdPerHour
}

func (c *Controller) humanRecent(st AgentState, now time.Time) bool {
	return !st.LastHumanInboundAt.IsZero() && now.Sub(st.LastHumanInboundAt) <= c.cfg.InactivityWindow
}

// ShouldPause 在每次迭代前调用：
//  1. 无数据或速率未超过阈值：不暂停
//  2. 非活跃窗口内收到过人类消息：不暂停
//  3. 冷却标记已存在：不暂停
//  4. 否则设置冷却标记，尽量安排唯一一次后续运行（定时触发即将到期时跳过），关闭当前周期
func (c *Controller) ShouldPause(ctx context.Context, st AgentState, budgetID string) (Decision, error) {
	now := c.now()
	threshold := c.threshold(st)

	snap, err := c.meter.Snapshot(ctx, st.AgentID)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Snapshot: snap, Threshold: threshold}
	if !snap.HasData() || threshold <= 0 || snap.RatePerHour <= threshold {
		return d, nil
	}
	if c.humanRecent(st, now) {
		d.Reason = "recent_human_message"
		return d, nil
	}

	set, err := c.store.Client().SetNX(ctx, c.cooldownKey(st.AgentID),
		strconv.FormatInt(now.UnixMilli(), 10), c.cfg.Cooldown).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("set cooldown: %w", err)
	}
	if !set {
		d.Reason = "cooldown_active"
		return d, nil
	}

	d.Paused = true
	d.Reason = "burn_rate_exceeded"

	if st.Schedule.DueWithin(now, c.cfg.ScheduleHorizon) {
		c.logger.Info("follow-up skipped, scheduled trigger due soon", zap.String("agent_id", st.AgentID))
	} else if token, ok := c.claimFollowUp(ctx, st.AgentID); ok {
		d.FollowUpToken = token
		if c.scheduler != nil {
			if err := c.scheduler.ScheduleFollowUp(ctx, st.AgentID, token, c.cfg.Cooldown); err != nil {
				c.logger.Warn("schedule follow-up failed", zap.String("agent_id", st.AgentID), zap.Error(err))
			} else {
				d.FollowUpScheduled = true
			}
		}
	}

	if c.cycles != nil && budgetID != "" {
		closed, err := c.cycles.CloseCycle(ctx, st.AgentID, budgetID)
		if err != nil {
			c.logger.Warn("close cycle on burn pause failed", zap.String("agent_id", st.AgentID), zap.Error(err))
		}
		d.CycleClosed = closed
	}

	c.logger.Warn("burn rate exceeded, agent paused",
		zap.String("agent_id", st.AgentID),
		zap.Float64("rate_per_hour", snap.RatePerHour),
		zap.Float64("threshold", threshold),
		zap.Bool("follow_up", d.FollowUpScheduled),
	)
	return d, nil
}

func (c *Controller) claimFollowUp(ctx context.Context, agentID string) (string, bool) {
	token := uuid.NewString()
	ok, err := c.store.Client().SetNX(ctx, c.followUpKey(agentID), token, c.cfg.Cooldown+c.cfg.FollowUpBuffer).Result()
	if err != nil {
		c.logger.Warn("claim follow-up token failed", zap.String("agent_id", agentID), zap.Error(err))
		return "", false
	}
	return token, ok
}

// consumeFollowUpScript KEYS[1] 令牌键, ARGV[1] 调用方令牌；匹配时删除
var consumeFollowUpScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// ConsumeFollowUp 后续运行出示令牌；不匹配或已缺失时返回 false，运行应直接结束
func (c *Controller) ConsumeFollowUp(ctx context.Context, agentID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := consumeFollowUpScript.Run(ctx, c.store.Client(), []string{c.followUpKey(agentID)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("consume follow-up: %w", err)
	}
	return n == 1, nil
}

// ClearFollowUp 新的非后续触发清除任何待执行的后续令牌
func (c *Controller) ClearFollowUp(ctx context.Context, agentID string) error {
	if err := c.store.Client().Del(ctx, c.followUpKey(agentID)).Err(); err != nil {
		return fmt.Errorf("clear follow-up: %w", err)
	}
	return nil
}

// CooldownSince 返回冷却开始时间；ok=false 表示没有活跃冷却
func (c *Controller) CooldownSince(ctx context.Context, agentID string) (time.Time, bool, error) {
	v, err := c.store.Client().Get(ctx, c.cooldownKey(agentID)).Result()
	if kv.IsNil(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get cooldown: %w", err)
	}
	ms, _ := strconv.ParseInt(v, 10, 64)
	return time.UnixMilli(ms), true, nil
}

// ClearCooldown 删除冷却标记
func (c *Controller) ClearCooldown(ctx context.Context, agentID string) error {
	if err := c.store.Client().Del(ctx, c.cooldownKey(agentID)).Err(); err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}

// Admit 运行开始时的冷却闸门。冷却期间：暂停之后收到人类消息则清除标记并放行；
// 定时触发放行；其余触发不执行。
func (c *Controller) Admit(ctx context.Context, st AgentState, scheduled bool) (bool, error) {
	since, active, err := c.CooldownSince(ctx, st.AgentID)
	if err != nil {
		return false, err
	}
	if !active {
		return true, nil
	}
	if !st.LastHumanInboundAt.IsZero() && st.LastHumanInboundAt.After(since) {
		if err := c.ClearCooldown(ctx, st.AgentID); err != nil {
			return false, err
		}
		c.logger.Info("cooldown cleared by human message", zap.String("agent_id", st.AgentID))
		return true, nil
	}
	if scheduled {
		return true, nil
	}
	c.logger.Debug("trigger skipped during cooldown", zap.String("agent_id", st.AgentID))
	return false, nil
}
