package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent/loop"
	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/kv"
)

// TaskType 任务类型
type TaskType string

const (
	// TaskProcess 处理一次触发
	TaskProcess TaskType = "process"
	// TaskDrain 排空锁竞争的 pending 集合
	TaskDrain TaskType = "drain"
)

// Task 队列中的一项
type Task struct {
	ID      string        `json:"id"`
	Type    TaskType      `json:"type"`
	Trigger *loop.Trigger `json:"trigger,omitempty"`
	Attempt int           `json:"attempt"`
	// DueAt 到期时间（毫秒）
	DueAt int64 `json:"due_at"`
}

// Queue Redis ZSET 延迟队列，实现 loop.TaskQueue 与 burnrate.FollowUpScheduler
type Queue struct {
	store  *kv.Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New 创建队列
func New(store *kv.Store, cfg config.QueueConfig, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TaskTTL
	if ttl <= 0 {
		ttl = config.DefaultQueueConfig().TaskTTL
	}
	return &Queue{
		store:  store,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "queue")),
		now:    time.Now,
	}
}

func (q *Queue) dueKey() string                 { return q.store.Key("queue", "due") }
func (q *Queue) taskPrefix() string             { return q.store.Key("queue", "task") + ":" }
func (q *Queue) agentPrefix() string            { return q.store.Key("queue", "agent") + ":" }
func (q *Queue) agentKey(agentID string) string { return q.agentPrefix() + agentID }

// Enqueue 实现 loop.TaskQueue
func (q *Queue) Enqueue(ctx context.Context, t loop.Trigger, delay time.Duration) error {
	if t.AgentID == "" {
		return fmt.Errorf("enqueue: empty agent id")
	}
	return q.push(ctx, &Task{Type: TaskProcess, Trigger: &t}, delay)
}

// ScheduleDrain 实现 loop.TaskQueue
func (q *Queue) ScheduleDrain(ctx context.Context, delay time.Duration) error {
	return q.push(ctx, &Task{Type: TaskDrain}, delay)
}

// ScheduleFollowUp 实现 burnrate.FollowUpScheduler
func (q *Queue) ScheduleFollowUp(ctx context.Context, agentID, token string, delay time.Duration) error {
	return q.Enqueue(ctx, loop.Trigger{Kind: loop.KindFollowUp, AgentID: agentID, FollowUpToken: token}, delay)
}

// Retry 以新的尝试次数重新投递任务
func (q *Queue) Retry(ctx context.Context, t Task, delay time.Duration) error {
	t.ID = ""
	t.Attempt++
	return q.push(ctx, &t, delay)
}

func (q *Queue) push(ctx context.Context, t *Task, delay time.Duration) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if delay < 0 {
		delay = 0
	}
	t.DueAt = q.now().Add(delay).UnixMilli()
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	agentID := ""
	if t.Trigger != nil {
		agentID = t.Trigger.AgentID
	}
	taskKey := q.taskPrefix() + t.ID
	score := float64(t.DueAt)

	_, err = q.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey, "payload", payload, "agent", agentID)
		pipe.PExpire(ctx, taskKey, q.ttl+delay)
		pipe.ZAdd(ctx, q.dueKey(), redis.Z{Score: score, Member: t.ID})
		if agentID != "" {
			pipe.ZAdd(ctx, q.agentKey(agentID), redis.Z{Score: score, Member: t.ID})
			pipe.PExpire(ctx, q.agentKey(agentID), q.ttl+delay)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}

	q.logger.Debug("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("type", string(t.Type)),
		zap.String("agent_id", agentID),
		zap.Duration("delay", delay),
	)
	return nil
}

// Claim 原子地领取最多 limit 个已到期任务
func (q *Queue) Claim(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	payloads, err := claimScript.Run(ctx, q.store.Client(),
		[]string{q.dueKey()},
		strconv.FormatInt(q.now().UnixMilli(), 10), limit, q.taskPrefix(), q.agentPrefix(),
	).StringSlice()
	if err != nil && !kv.IsNil(err) {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}

	tasks := make([]Task, 0, len(payloads))
	for _, p := range payloads {
		var t Task
		if err := json.Unmarshal([]byte(p), &t); err != nil {
			q.logger.Warn("dropping undecodable task", zap.Error(err))
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// QueuedFor 实现 loop.TaskQueue：某个 agent 尚未领取的任务数
func (q *Queue) QueuedFor(ctx context.Context, agentID string) (int, error) {
	n, err := q.store.Client().ZCard(ctx, q.agentKey(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count queued tasks: %w", err)
	}
	return int(n), nil
}

// Len 尚未领取的任务总数
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.Client().ZCard(ctx, q.dueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return int(n), nil
}
