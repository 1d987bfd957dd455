package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/internal/kv"
)

// Stage 心跳记录的运行阶段
type Stage string

const (
	StageLockAcquired   Stage = "lock_acquired"
	StageIterationStart Stage = "iteration_start"
	StageModelCall      Stage = "model_call"
	StageToolCall       Stage = "tool_call"
	StageToolDone       Stage = "tool_done"
	StageTerminal       Stage = "terminal"
)

// HeartbeatRecord 供外部监控判断 worker 是否卡住
type HeartbeatRecord struct {
	RunID     int64     `json:"run_id"`
	WorkerID  string    `json:"worker_id"`
	Stage     Stage     `json:"stage"`
	Iteration int       `json:"iteration"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Heartbeat 读写 agent 的心跳哈希
type Heartbeat struct {
	store  *kv.Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewHeartbeat 创建心跳记录器
func NewHeartbeat(store *kv.Store, ttl time.Duration, logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{
		store:  store,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "heartbeat")),
		now:    time.Now,
	}
}

func (h *Heartbeat) key(agentID string) string { return h.store.Key("heartbeat", agentID) }

// Beat 覆盖写入当前阶段并续期。心跳失败只记录日志，不影响运行。
func (h *Heartbeat) Beat(ctx context.Context, lease *Lease, stage Stage, iteration int) {
	key := h.key(lease.agentID)
	now := h.now()

	pipe := h.store.Client().TxPipeline()
	pipe.HSet(ctx, key,
		"run_id", lease.runID,
		"worker_id", lease.locker.workerID,
		"stage", string(stage),
		"iteration", iteration,
		"started_at", lease.acquiredAt.UnixMilli(),
		"updated_at", now.UnixMilli(),
	)
	pipe.PExpire(ctx, key, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		h.logger.Warn("heartbeat write failed",
			zap.String("agent_id", lease.agentID),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
	}
}

// Clear 删除心跳，teardown 中无条件调用
func (h *Heartbeat) Clear(ctx context.Context, agentID string) {
	if err := h.store.Client().Del(ctx, h.key(agentID)).Err(); err != nil {
		h.logger.Warn("heartbeat clear failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Get 读取心跳；不存在时返回 nil
func (h *Heartbeat) Get(ctx context.Context, agentID string) (*HeartbeatRecord, error) {
	vals, err := h.store.Client().HGetAll(ctx, h.key(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	runID, _ := strconv.ParseInt(vals["run_id"], 10, 64)
	iteration, _ := strconv.Atoi(vals["iteration"])
	started, _ := strconv.ParseInt(vals["started_at"], 10, 64)
	updated, _ := strconv.ParseInt(vals["updated_at"], 10, 64)
	return &HeartbeatRecord{
		RunID:     runID,
		WorkerID:  vals["worker_id"],
		Stage:     Stage(vals["stage"]),
		Iteration: iteration,
		StartedAt: time.UnixMilli(started),
		UpdatedAt: time.UnixMilli(updated),
	}, nil
}

// Stalled 判断记录是否超过 maxAge 没有更新
func (r *HeartbeatRecord) Stalled(now time.Time, maxAge time.Duration) bool {
	return r != nil && now.Sub(r.UpdatedAt) > maxAge
}
