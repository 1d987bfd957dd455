package loop

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent/budget"
	"github.com/BaSui01/agentloop/internal/kv"
)

// SpawnBackground 在当前执行上下文下派生一个后台子任务：父分支计数 +1，
// 在 depth+1 创建子分支并投递到队列。只能在持锁运行内（例如工具处理函数中）调用。
func (l *Loop) SpawnBackground(ctx context.Context, message string) (string, error) {
	ec, ok := budget.FromContext(ctx)
	if !ok {
		return "", ErrNoExecutionContext
	}
	if !ec.CanRecurse() {
		return "", ErrDepthExceeded
	}

	if _, err := l.d.Budgets.BumpBranchDepth(ctx, ec.AgentID, ec.BranchID, 1); err != nil {
		return "", err
	}
	rollback := func() {
		ctx := context.WithoutCancel(ctx)
		if _, err := l.d.Budgets.BumpBranchDepth(ctx, ec.AgentID, ec.BranchID, -1); err != nil {
			l.logger.Warn("rollback parent counter failed", zap.String("agent_id", ec.AgentID), zap.Error(err))
		}
	}

	child, err := l.d.Budgets.CreateBranch(ctx, ec.AgentID, ec.BudgetID, 0)
	if err != nil {
		rollback()
		return "", err
	}
	t := Trigger{
		Kind:           KindBackground,
		AgentID:        ec.AgentID,
		BudgetID:       ec.BudgetID,
		BranchID:       child,
		ParentBranchID: ec.BranchID,
		Depth:          ec.Depth + 1,
		Message:        message,
	}
	if err := l.d.Queue.Enqueue(ctx, t, 0); err != nil {
		rollback()
		_ = l.d.Budgets.RemoveBranch(context.WithoutCancel(ctx), ec.AgentID, child)
		return "", fmt.Errorf("enqueue background task: %w", err)
	}

	l.logger.Info("background task spawned",
		zap.String("agent_id", ec.AgentID),
		zap.String("budget_id", ec.BudgetID),
		zap.String("branch_id", child),
		zap.String("parent_branch_id", ec.BranchID),
		zap.Int("depth", t.Depth),
	)
	return child, nil
}

// finishChild 子任务结束：父分支计数 -1，整个 agent 没有未完成工作时唤醒父分支
func (l *Loop) finishChild(ctx context.Context, t Trigger) {
	logger := l.logger.With(zap.String("agent_id", t.AgentID), zap.String("parent_branch_id", t.ParentBranchID))

	if _, err := l.d.Budgets.BumpBranchDepth(ctx, t.AgentID, t.ParentBranchID, -1); err != nil {
		logger.Warn("decrement parent counter failed", zap.Error(err))
		return
	}
	total, err := l.d.Budgets.GetTotalOutstandingWork(ctx, t.AgentID)
	if err != nil {
		logger.Warn("outstanding work check failed", zap.Error(err))
		return
	}
	if total > 0 {
		return
	}

	wake := Trigger{
		Kind:     KindWake,
		AgentID:  t.AgentID,
		BudgetID: t.BudgetID,
		BranchID: t.ParentBranchID,
		Depth:    max(t.Depth-1, 0),
	}
	if err := l.d.Queue.Enqueue(ctx, wake, 0); err != nil {
		logger.Warn("enqueue parent wake failed", zap.Error(err))
		return
	}
	logger.Info("all background work finished, parent woken")
}

// deferContended 锁被占用时不等待：带预算上下文的触发原样延后重投，
// 顶层触发合并进 pending 集合，由一次排空统一重触发。
func (r *run) deferContended(ctx context.Context) (*RunResult, error) {
	l, t := r.l, r.trigger
	l.publish(ctx, Event{Type: EventLockContended, AgentID: t.AgentID, BudgetID: t.BudgetID})
	delay := l.d.Pending.Debounce()

	if !t.TopLevel() || t.Kind == KindFollowUp {
		if err := l.d.Queue.Enqueue(ctx, t, delay); err != nil {
			return nil, fmt.Errorf("requeue contended trigger: %w", err)
		}
	} else {
		schedule, err := l.d.Pending.Defer(ctx, t.AgentID)
		if err != nil {
			return nil, err
		}
		if schedule {
			if err := l.d.Queue.ScheduleDrain(ctx, delay); err != nil {
				return nil, fmt.Errorf("schedule pending drain: %w", err)
			}
		}
	}

	r.logger.Debug("execution lock contended, deferred")
	return &RunResult{Outcome: OutcomeDeferred, Reason: "lock_contended"}, nil
}

// DrainPending 排空 pending 集合，为每个 agent 投递一次重试
func (l *Loop) DrainPending(ctx context.Context) (int, error) {
	agents, err := l.d.Pending.Drain(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range agents {
		if err := l.d.Queue.Enqueue(ctx, Trigger{Kind: KindRetry, AgentID: id}, 0); err != nil {
			l.logger.Warn("requeue pending agent failed", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// ResumeMarker 迭代或运行时间上限留下的暂停标记
type ResumeMarker struct {
	Reason    Outcome
	Iteration int
	BudgetID  string
	BranchID  string
	PausedAt  time.Time
}

func (l *Loop) resumeKey(agentID string) string { return l.d.Store.Key("loop", agentID, "resume") }

// pauseForResume 写入暂停标记并投递延迟续跑，本次运行正常结束
func (r *run) pauseForResume(ctx context.Context, outcome Outcome) error {
	l, t := r.l, r.trigger
	key := l.resumeKey(t.AgentID)
	now := l.now()

	_, err := l.d.Store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"reason", string(outcome),
			"iteration", r.result.Iterations,
			"budget_id", r.ec.BudgetID,
			"branch_id", r.ec.BranchID,
			"paused_at", now.UnixMilli(),
		)
		pipe.PExpire(ctx, key, l.cfg.ResumeMarkerTTL)
		return nil
	})
	if err != nil {
		r.logger.Warn("write resume marker failed", zap.Error(err))
	}

	next := Trigger{
		Kind:           KindResume,
		AgentID:        t.AgentID,
		BudgetID:       r.ec.BudgetID,
		BranchID:       r.ec.BranchID,
		ParentBranchID: t.ParentBranchID,
		Depth:          r.ec.Depth,
	}
	if err := l.d.Queue.Enqueue(ctx, next, l.cfg.ResumeDelay); err != nil {
		return fmt.Errorf("enqueue resume: %w", err)
	}
	r.handoff = true

	r.logger.Info("run paused, resume scheduled",
		zap.String("reason", string(outcome)),
		zap.Int("iterations", r.result.Iterations),
		zap.Duration("delay", l.cfg.ResumeDelay),
	)
	r.finish(outcome, "resume_scheduled")
	return nil
}

// ResumeMarker 读取暂停标记，不存在时返回 nil
func (l *Loop) ResumeMarker(ctx context.Context, agentID string) (*ResumeMarker, error) {
	vals, err := l.d.Store.Client().HGetAll(ctx, l.resumeKey(agentID)).Result()
	if err != nil && !kv.IsNil(err) {
		return nil, fmt.Errorf("get resume marker: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	iter, _ := strconv.Atoi(vals["iteration"])
	ms, _ := strconv.ParseInt(vals["paused_at"], 10, 64)
	return &ResumeMarker{
		Reason:    Outcome(vals["reason"]),
		Iteration: iter,
		BudgetID:  vals["budget_id"],
		BranchID:  vals["branch_id"],
		PausedAt:  time.UnixMilli(ms),
	}, nil
}
