package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent/loop"
)

// ScheduleSource 定时 agent 的来源，由 records.Store 实现
type ScheduleSource interface {
	DueAgents(ctx context.Context, now time.Time) ([]string, error)
	MarkScheduled(ctx context.Context, agentID string, at time.Time) error
}

// Scheduler 周期性地为到期的定时 agent 投递 schedule 触发
type Scheduler struct {
	source   ScheduleSource
	queue    *Queue
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler 创建调度器
func NewScheduler(source ScheduleSource, q *Queue, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		source:   source,
		queue:    q,
		interval: interval,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// Tick 执行一轮检查，返回投递的触发数。多个副本同时检查时，同一 agent 在一个间隔内只投递一次。
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.queue.now()
	due, err := s.source.DueAgents(ctx, now)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, agentID := range due {
		claimed, err := s.queue.store.Client().SetNX(ctx, s.queue.store.Key("queue", "sched", agentID), now.UnixMilli(), s.interval).Result()
		if err != nil {
			return n, fmt.Errorf("claim schedule tick for %s: %w", agentID, err)
		}
		if !claimed {
			continue
		}
		if err := s.queue.Enqueue(ctx, loop.Trigger{Kind: loop.KindSchedule, AgentID: agentID}, 0); err != nil {
			return n, err
		}
		if err := s.source.MarkScheduled(ctx, agentID, now); err != nil {
			s.logger.Warn("mark scheduled failed", zap.String("agent_id", agentID), zap.Error(err))
		}
		n++
	}
	if n > 0 {
		s.logger.Debug("scheduled triggers enqueued", zap.Int("count", n))
	}
	return n, nil
}

// Run 阻塞直到 ctx 取消；interval 非正时直接返回
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("schedule tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
