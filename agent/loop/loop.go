package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent/budget"
	"github.com/BaSui01/agentloop/agent/burnrate"
	"github.com/BaSui01/agentloop/agent/lock"
	"github.com/BaSui01/agentloop/agent/tools"
	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/kv"
	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/llm/failover"
	"github.com/BaSui01/agentloop/types"
)

var (
	// ErrDepthExceeded 后台子任务超出最大递归深度
	ErrDepthExceeded = types.NewError(types.ErrDepthExceeded, "background task would exceed max depth")
	// ErrNoExecutionContext 调用方不在一次持锁运行之内
	ErrNoExecutionContext = types.NewError(types.ErrCycleInactive, "no active execution context")

	errCycleInactive = errors.New("cycle is no longer active")
)

// Deps 主循环的协作者。Store、Budgets、Locker、Heartbeat、Pending、LLM、Agents、Queue 必须提供。
type Deps struct {
	Store      *kv.Store
	Budgets    *budget.Manager
	Locker     *lock.Locker
	Heartbeat  *lock.Heartbeat
	Pending    *lock.Pending
	Burn       *burnrate.Controller
	LLM        *failover.Adapter
	Candidates []failover.Candidate

	Agents  AgentStore
	Queue   TaskQueue
	Tools   ToolExecutor
	Prompts PromptBuilder
	Records RecordStore
	Outbox  Outbox
	Work    WorkTracker
	Events  EventSink

	// LiveStream 接收流式正文增量（已移除信号短语）
	LiveStream func(agentID, delta string)
	Tracer     trace.Tracer
}

// Loop agent 主循环
type Loop struct {
	cfg    config.LoopConfig
	d      Deps
	tracer trace.Tracer
	logger *zap.Logger
	now    func() time.Time
}

// New 创建主循环
func New(cfg config.LoopConfig, d Deps, logger *zap.Logger) (*Loop, error) {
	switch {
	case d.Store == nil, d.Budgets == nil, d.Locker == nil, d.Heartbeat == nil, d.Pending == nil:
		return nil, fmt.Errorf("loop: coordination dependencies are required")
	case d.LLM == nil, len(d.Candidates) == 0:
		return nil, fmt.Errorf("loop: llm adapter and at least one candidate are required")
	case d.Agents == nil, d.Queue == nil:
		return nil, fmt.Errorf("loop: agent store and task queue are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Tools == nil {
		d.Tools = tools.NewCatalog(logger)
	}
	if d.Prompts == nil {
		d.Prompts = CharterPromptBuilder{}
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/BaSui01/agentloop/agent/loop")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = config.DefaultLoopConfig().MaxIterations
	}

	return &Loop{
		cfg:    cfg,
		d:      d,
		tracer: tracer,
		logger: logger.With(zap.String("component", "loop")),
		now:    time.Now,
	}, nil
}

// run 一次持锁运行的状态，只在 Run 内部使用
type run struct {
	l       *Loop
	trigger Trigger
	agent   *Agent
	lease   *lock.Lease
	ec      *budget.ExecutionContext
	logger  *zap.Logger
	start   time.Time
	result  RunResult

	transcript []llm.Message
	// sent 本次运行已通过显式工具或隐式回复发送过消息
	sent               bool
	impliedCorrected   bool
	malformedCorrected bool
	// handoff 本次工作已交给另一个任务继续（续跑或重投），结束时不递减父分支
	handoff bool
}

// Run 处理一次触发。锁竞争、预算用尽、上限暂停都不是错误；
// 只有致命错误会返回 error，此时周期会被强制关闭。
func (l *Loop) Run(ctx context.Context, t Trigger) (*RunResult, error) {
	if t.AgentID == "" {
		return nil, fmt.Errorf("run: empty agent id")
	}

	ctx, span := l.tracer.Start(ctx, "loop.run", trace.WithAttributes(
		attribute.String("agent_id", t.AgentID),
		attribute.String("trigger", string(t.Kind)),
	))
	defer span.End()

	r := &run{
		l:       l,
		trigger: t,
		start:   l.now(),
		logger: l.logger.With(
			zap.String("agent_id", t.AgentID),
			zap.String("trigger", string(t.Kind)),
		),
	}
	l.publish(ctx, Event{Type: EventProcessingStarted, AgentID: t.AgentID, BudgetID: t.BudgetID})

	lease, err := l.d.Locker.Acquire(ctx, t.AgentID)
	if err != nil {
		if lock.IsContended(err) {
			return r.deferContended(ctx)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire lock")
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	r.lease = lease
	r.result.RunID = lease.RunID()
	r.logger = r.logger.With(zap.Int64("run_id", lease.RunID()))

	err = r.runLocked(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("outcome", string(r.result.Outcome)),
		attribute.Int("iterations", r.result.Iterations),
	)
	res := r.result
	return &res, err
}

// runLocked 持锁期间的执行；panic 转为错误，teardown 总会执行
func (r *run) runLocked(ctx context.Context) (err error) {
	defer r.teardown(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in run: %v", rec)
		}
		if err != nil {
			r.finish(OutcomeError, err.Error())
			r.forceClose(ctx)
			r.logger.Error("run failed", zap.Error(err))
		}
	}()
	return r.execute(ctx)
}

// execute 持锁之后的全部工作
func (r *run) execute(ctx context.Context) error {
	l, t := r.l, r.trigger
	l.d.Heartbeat.Beat(ctx, r.lease, lock.StageLockAcquired, 0)
	l.publish(ctx, Event{Type: EventLockAcquired, AgentID: t.AgentID, RunID: r.result.RunID})

	agent, err := l.d.Agents.GetAgent(ctx, t.AgentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	r.agent = agent

	ok, reason, err := r.admit(ctx)
	if err != nil {
		return err
	}
	if !ok {
		r.finish(OutcomeSkipped, reason)
		return nil
	}

	if err := r.bootstrap(ctx); err != nil {
		if errors.Is(err, errCycleInactive) {
			r.finish(OutcomeSkipped, "cycle_inactive")
			return nil
		}
		return err
	}
	r.result.BudgetID = r.ec.BudgetID
	r.result.BranchID = r.ec.BranchID
	r.logger = r.logger.With(
		zap.String("budget_id", r.ec.BudgetID),
		zap.String("branch_id", r.ec.BranchID),
	)

	return r.iterate(budget.WithExecutionContext(ctx, r.ec))
}

// admit 后续令牌校验与冷却闸门
func (r *run) admit(ctx context.Context) (bool, string, error) {
	l, t := r.l, r.trigger
	if t.Kind == KindResume {
		if err := l.d.Store.Client().Del(ctx, l.resumeKey(t.AgentID)).Err(); err != nil {
			r.logger.Debug("clear resume marker failed", zap.Error(err))
		}
	}

	burn := l.d.Burn
	if burn == nil {
		return true, "", nil
	}
	if t.Kind == KindFollowUp {
		ok, err := burn.ConsumeFollowUp(ctx, t.AgentID, t.FollowUpToken)
		if err != nil {
			return false, "", err
		}
		if !ok {
			r.logger.Info("follow-up token mismatch, skipping")
			return false, "follow_up_token_mismatch", nil
		}
	}

	scheduled := t.Kind == KindSchedule || t.Kind == KindFollowUp
	admitted, err := burn.Admit(ctx, r.burnState(), scheduled)
	if err != nil {
		return false, "", err
	}
	if !admitted {
		return false, "cooldown_active", nil
	}

	if t.Kind != KindFollowUp {
		if err := burn.ClearFollowUp(ctx, t.AgentID); err != nil {
			r.logger.Debug("clear follow-up failed", zap.Error(err))
		}
	}
	return true, "", nil
}

// bootstrap 顶层触发创建或复用周期并建立 depth 0 分支；
// 其余触发校验周期仍然活跃，缺失的分支按 0 重建，不改变递归深度。
func (r *run) bootstrap(ctx context.Context) error {
	l, t, a := r.l, r.trigger, r.agent

	if t.TopLevel() {
		cycle, _, err := l.d.Budgets.FindOrStartCycle(ctx, t.AgentID, budget.Limits{MaxSteps: a.MaxSteps, MaxDepth: a.MaxDepth})
		if err != nil {
			return err
		}
		branchID, err := l.d.Budgets.CreateBranch(ctx, t.AgentID, cycle.BudgetID, 0)
		if err != nil {
			return err
		}
		r.ec = budget.NewExecutionContext(t.AgentID, cycle, branchID, 0)
		return nil
	}

	cycle, err := l.d.Budgets.GetCycle(ctx, t.AgentID, t.BudgetID)
	if errors.Is(err, budget.ErrCycleNotFound) {
		return errCycleInactive
	}
	if err != nil {
		return err
	}
	if !cycle.Active() {
		return errCycleInactive
	}

	branchID := t.BranchID
	switch {
	case branchID == "":
		if branchID, err = l.d.Budgets.CreateBranch(ctx, t.AgentID, cycle.BudgetID, 0); err != nil {
			return err
		}
	default:
		if _, err := l.d.Budgets.GetBranchDepth(ctx, t.AgentID, branchID); errors.Is(err, budget.ErrBranchNotFound) {
			r.logger.Warn("branch missing, recreating", zap.String("branch_id", branchID))
			if err := l.d.Budgets.SetBranchDepth(ctx, t.AgentID, branchID, 0); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	r.ec = budget.NewExecutionContext(t.AgentID, cycle, branchID, t.Depth)
	return nil
}

// iterate 主循环
func (r *run) iterate(ctx context.Context) error {
	l := r.l
	agentID := r.trigger.AgentID

	for iteration := 1; ; iteration++ {
		if iteration > l.cfg.MaxIterations {
			return r.pauseForResume(ctx, OutcomeMaxIterations)
		}
		if l.cfg.MaxRuntime > 0 && l.now().Sub(r.start) >= l.cfg.MaxRuntime {
			return r.pauseForResume(ctx, OutcomeRuntimeCeiling)
		}

		l.d.Heartbeat.Beat(ctx, r.lease, lock.StageIterationStart, iteration)
		r.lease.MaybeExtend(ctx)

		if l.d.Burn != nil {
			d, err := l.d.Burn.ShouldPause(ctx, r.burnState(), r.ec.BudgetID)
			if err != nil {
				r.logger.Warn("burn rate check failed", zap.Error(err))
			} else if d.Paused {
				l.publish(ctx, r.event(EventBurnPaused, iteration))
				r.finish(OutcomeBurnPaused, d.Reason)
				return nil
			}
		}

		consumed, used, err := l.d.Budgets.TryConsumeStep(ctx, agentID, r.ec.MaxSteps)
		if err != nil {
			return err
		}
		r.result.StepsUsed = used
		if !consumed {
			if _, err := l.d.Budgets.CloseCycle(ctx, agentID, r.ec.BudgetID); err != nil {
				r.logger.Warn("close exhausted cycle failed", zap.Error(err))
			}
			l.publish(ctx, r.event(EventBudgetExhausted, iteration))
			r.logger.Info("step budget exhausted", zap.Int("steps_used", used))
			r.finish(OutcomeBudgetExhausted, "max_steps")
			return nil
		}
		r.result.Iterations = iteration
		l.publish(ctx, r.event(EventStepConsumed, iteration))
		l.record(ctx, func(rs RecordStore) error {
			return rs.CreateStep(ctx, StepRecord{
				AgentID: agentID, BudgetID: r.ec.BudgetID, BranchID: r.ec.BranchID,
				RunID: r.result.RunID, Iteration: iteration, StepsUsed: used, CreatedAt: l.now(),
			})
		})

		decision, reason, err := r.turn(ctx, iteration)
		if err != nil {
			return err
		}
		r.logger.Debug("continuation decision",
			zap.Int("iteration", iteration),
			zap.String("decision", string(decision)),
			zap.String("reason", reason),
		)
		switch decision {
		case DecisionSleep:
			return r.goIdle(ctx, OutcomeSleeping, reason)
		case DecisionIdle:
			return r.goIdle(ctx, OutcomeIdle, reason)
		}
	}
}

// turn 一次模型调用加工具执行，返回继续与否的决定
func (r *run) turn(ctx context.Context, iteration int) (Decision, string, error) {
	l := r.l
	agentID := r.trigger.AgentID

	msgs, err := l.d.Prompts.Build(ctx, r.agent, r.trigger, r.transcript)
	if err != nil {
		return "", "", fmt.Errorf("build prompt: %w", err)
	}

	l.d.Heartbeat.Beat(ctx, r.lease, lock.StageModelCall, iteration)
	callCtx, span := l.tracer.Start(ctx, "loop.model_call", trace.WithAttributes(attribute.Int("iteration", iteration)))
	live := l.cfg.Stream && l.d.LiveStream != nil
	req := failover.Request{
		AgentID:           agentID,
		TraceID:           fmt.Sprintf("%s-%d-%d", agentID, r.result.RunID, iteration),
		Messages:          msgs,
		Tools:             r.toolSchemas(),
		Candidates:        l.d.Candidates,
		RequireLowLatency: l.cfg.LowLatency || live,
		Stream:            l.cfg.Stream,
	}
	if live {
		req.OnDelta = func(delta string) { l.d.LiveStream(agentID, delta) }
	}
	res, err := l.d.LLM.Call(callCtx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "all providers failed")
		span.End()
		return "", "", fmt.Errorf("model call: %w", err)
	}
	span.SetAttributes(
		attribute.String("provider", res.Candidate.Provider.Name()),
		attribute.String("model", res.Candidate.Model),
	)
	span.End()

	r.result.Usage.Add(res.Usage)
	if l.d.Burn != nil && res.Usage.Cost > 0 {
		if err := l.d.Burn.Meter().Record(ctx, agentID, res.Usage.Cost); err != nil {
			r.logger.Warn("record spend failed", zap.Error(err))
		}
	}

	msg := llm.AssistantMessage(res.Response)
	msg.Role = llm.RoleAssistant
	l.record(ctx, func(rs RecordStore) error {
		return rs.CreateCompletion(ctx, CompletionRecord{
			AgentID: agentID, BudgetID: r.ec.BudgetID, RunID: r.result.RunID, Iteration: iteration,
			Provider: res.Response.Provider, Model: res.Response.Model,
			Content: msg.Content, ToolCalls: len(msg.ToolCalls),
			PromptTokens: res.Usage.PromptTokens, CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens: res.Usage.TotalTokens, Cost: res.Usage.Cost, CreatedAt: l.now(),
		})
	})
	r.transcript = append(r.transcript, msg)

	batch := r.dispatch(ctx, iteration, msg)
	text := ScanText(msg.Content)
	sig := Signals{
		SleepAlone:      batch.sleepAlone,
		WillContinue:    batch.willContinue,
		Unresolved:      batch.unresolved,
		CanonicalPhrase: text.Canonical,
		OtherTools:      batch.otherTools,
		AutoSleepOK:     batch.autoSleepOK,
		SoftCue:         text.SoftCue,
		StopPhrase:      text.Stop,
	}
	if sig.SoftCue && !sig.StopPhrase {
		sig.PendingWork = r.pendingWork(ctx)
	}
	decision, reason := Decide(sig)
	return decision, reason, nil
}

// goIdle 空闲时关闭周期，除非仍有后台子任务或排队的任务
func (r *run) goIdle(ctx context.Context, outcome Outcome, reason string) error {
	l := r.l
	agentID := r.trigger.AgentID

	outstanding, err := l.d.Budgets.GetTotalOutstandingWork(ctx, agentID)
	if err != nil {
		r.logger.Warn("outstanding work check failed, leaving cycle open", zap.Error(err))
		r.finish(outcome, reason)
		return nil
	}
	queued, err := l.d.Queue.QueuedFor(ctx, agentID)
	if err != nil {
		r.logger.Warn("queued work check failed, leaving cycle open", zap.Error(err))
		r.finish(outcome, reason)
		return nil
	}

	if outstanding == 0 && queued == 0 {
		if _, err := l.d.Budgets.CloseCycle(ctx, agentID, r.ec.BudgetID); err != nil {
			r.logger.Warn("close cycle on idle failed", zap.Error(err))
		}
	} else {
		r.logger.Info("idle with outstanding work, cycle left open",
			zap.Int("outstanding", outstanding),
			zap.Int("queued", queued),
		)
	}
	r.finish(outcome, reason)
	return nil
}

func (r *run) finish(outcome Outcome, reason string) {
	r.result.Outcome = outcome
	r.result.Reason = reason
}

// forceClose 致命错误时尽力关闭周期，避免预算状态泄漏
func (r *run) forceClose(ctx context.Context) {
	if r.ec == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if _, err := r.l.d.Budgets.CloseCycle(ctx, r.trigger.AgentID, r.ec.BudgetID); err != nil {
		r.logger.Warn("force close cycle failed", zap.Error(err))
	}
}

// teardown 所有持锁退出路径都会执行
func (r *run) teardown(ctx context.Context) {
	l, t := r.l, r.trigger
	ctx = context.WithoutCancel(ctx)

	l.d.Heartbeat.Beat(ctx, r.lease, lock.StageTerminal, r.result.Iterations)
	l.d.Heartbeat.Clear(ctx, t.AgentID)
	if err := r.lease.Release(ctx); err != nil {
		r.logger.Warn("release lock failed", zap.Error(err))
	}
	l.publish(ctx, Event{Type: EventLockReleased, AgentID: t.AgentID, RunID: r.result.RunID})

	if r.ec != nil {
		r.ec.Invalidate()
		if !r.handoff {
			r.removeOwnBranch(ctx)
		}
	}
	if t.Child() && !r.handoff {
		l.finishChild(ctx, t)
	}

	outstanding, err := l.d.Budgets.GetTotalOutstandingWork(ctx, t.AgentID)
	if err != nil {
		r.logger.Debug("outstanding work check failed", zap.Error(err))
	}
	r.result.Outstanding = outstanding
	r.result.Duration = l.now().Sub(r.start)

	l.publish(ctx, Event{
		Type:        EventProcessingFinished,
		AgentID:     t.AgentID,
		BudgetID:    r.result.BudgetID,
		RunID:       r.result.RunID,
		Iteration:   r.result.Iterations,
		Outcome:     r.result.Outcome,
		Outstanding: outstanding,
		Duration:    r.result.Duration,
	})
	r.logger.Info("run finished",
		zap.String("outcome", string(r.result.Outcome)),
		zap.String("reason", r.result.Reason),
		zap.Int("iterations", r.result.Iterations),
		zap.Int("steps_used", r.result.StepsUsed),
		zap.Int("outstanding", outstanding),
		zap.Duration("duration", r.result.Duration),
	)
}

// removeOwnBranch 没有未完成子任务的分支在结束时删除
func (r *run) removeOwnBranch(ctx context.Context) {
	budgets := r.l.d.Budgets
	n, err := budgets.GetBranchDepth(ctx, r.trigger.AgentID, r.ec.BranchID)
	if err != nil || n > 0 {
		return
	}
	if err := budgets.RemoveBranch(ctx, r.trigger.AgentID, r.ec.BranchID); err != nil {
		r.logger.Debug("remove branch failed", zap.Error(err))
	}
}

func (r *run) burnState() burnrate.AgentState {
	a := r.agent
	return burnrate.AgentState{
		AgentID:            a.ID,
		LastHumanInboundAt: a.LastHumanInboundAt,
		ThresholdPerHour:   a.BurnThresholdPerHour,
		Schedule:           a.Schedule,
	}
}

func (r *run) pendingWork(ctx context.Context) bool {
	if r.l.d.Work == nil {
		return false
	}
	n, err := r.l.d.Work.PendingWork(ctx, r.trigger.AgentID)
	if err != nil {
		r.logger.Debug("pending work lookup failed", zap.Error(err))
		return false
	}
	return n > 0
}

func (r *run) event(typ EventType, iteration int) Event {
	e := Event{Type: typ, AgentID: r.trigger.AgentID, RunID: r.result.RunID, Iteration: iteration}
	if r.ec != nil {
		e.BudgetID = r.ec.BudgetID
	}
	return e
}

// publish 事件出口的失败与 panic 都被隔离
func (l *Loop) publish(ctx context.Context, e Event) {
	if l.d.Events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = l.now()
	}
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Warn("event sink panicked", zap.String("event", string(e.Type)), zap.Any("panic", rec))
		}
	}()
	if err := l.d.Events.Publish(ctx, e); err != nil {
		l.logger.Debug("publish event failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

// record 运行记录写入失败只记录日志
func (l *Loop) record(ctx context.Context, fn func(RecordStore) error) {
	if l.d.Records == nil {
		return
	}
	if err := fn(l.d.Records); err != nil {
		l.logger.Warn("write record failed", zap.Error(err))
	}
}
