package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentloop/agent/loop"
	"github.com/BaSui01/agentloop/config"
)

// Handler 任务的执行方，由 *loop.Loop 实现
type Handler interface {
	Run(ctx context.Context, t loop.Trigger) (*loop.RunResult, error)
	DrainPending(ctx context.Context) (int, error)
}

// TaskObserver 记录任务处理结果，用于指标
type TaskObserver interface {
	ObserveTask(taskType string, ok bool, latency time.Duration)
}

// Worker 轮询到期任务并以有界并发执行
type Worker struct {
	queue    *Queue
	handler  Handler
	cfg      config.QueueConfig
	observer TaskObserver
	logger   *zap.Logger
}

// WorkerOption 配置 Worker
type WorkerOption func(*Worker)

// WithObserver 设置任务观察者
func WithObserver(o TaskObserver) WorkerOption {
	return func(w *Worker) { w.observer = o }
}

// NewWorker 创建 worker
func NewWorker(q *Queue, h Handler, cfg config.QueueConfig, logger *zap.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := config.DefaultQueueConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	w := &Worker{
		queue:   q,
		handler: h,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "queue_worker")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run 阻塞轮询直到 ctx 取消；停止轮询后等待已领取的任务执行完毕
func (w *Worker) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(w.cfg.Workers)
	taskCtx := context.WithoutCancel(ctx)

	w.logger.Info("queue worker started",
		zap.Int("workers", w.cfg.Workers),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := w.poll(ctx, taskCtx, &g)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("poll failed", zap.Error(err))
		}
		// 一批领满时立即再取
		if n == w.cfg.Batch && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopping, waiting for in-flight tasks")
			_ = g.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// poll 领取一批任务交给 errgroup；并发达到上限时阻塞
func (w *Worker) poll(ctx, taskCtx context.Context, g *errgroup.Group) (int, error) {
	tasks, err := w.queue.Claim(ctx, w.cfg.Batch)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		g.Go(func() error {
			w.Process(taskCtx, t)
			return nil
		})
	}
	return len(tasks), nil
}

// Process 执行单个任务，失败时按配置重新投递
func (w *Worker) Process(ctx context.Context, t Task) {
	latency := time.Since(time.UnixMilli(t.DueAt))
	logger := w.logger.With(zap.String("task_id", t.ID), zap.String("type", string(t.Type)), zap.Int("attempt", t.Attempt))

	err := w.dispatch(ctx, t, logger)
	if w.observer != nil {
		w.observer.ObserveTask(string(t.Type), err == nil, latency)
	}
	if err == nil {
		return
	}

	if t.Attempt+1 >= w.cfg.MaxAttempts {
		logger.Error("task failed, giving up", zap.Error(err))
		return
	}
	delay := w.cfg.RetryDelay * time.Duration(1<<t.Attempt)
	if rerr := w.queue.Retry(ctx, t, delay); rerr != nil {
		logger.Error("task failed and could not be requeued", zap.Error(err), zap.NamedError("requeue_error", rerr))
		return
	}
	logger.Warn("task failed, requeued", zap.Error(err), zap.Duration("delay", delay))
}

func (w *Worker) dispatch(ctx context.Context, t Task, logger *zap.Logger) error {
	switch t.Type {
	case TaskProcess:
		if t.Trigger == nil {
			logger.Warn("process task without trigger dropped")
			return nil
		}
		res, err := w.handler.Run(ctx, *t.Trigger)
		if err != nil {
			return err
		}
		logger.Debug("task processed",
			zap.String("agent_id", t.Trigger.AgentID),
			zap.String("outcome", string(res.Outcome)),
		)
		return nil
	case TaskDrain:
		n, err := w.handler.DrainPending(ctx)
		if err != nil {
			return err
		}
		logger.Debug("pending drained", zap.Int("agents", n))
		return nil
	default:
		logger.Warn("unknown task type dropped")
		return nil
	}
}
