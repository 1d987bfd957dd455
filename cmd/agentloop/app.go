package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent/budget"
	"github.com/BaSui01/agentloop/agent/burnrate"
	"github.com/BaSui01/agentloop/agent/lock"
	"github.com/BaSui01/agentloop/agent/loop"
	"github.com/BaSui01/agentloop/agent/tools"
	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/database"
	"github.com/BaSui01/agentloop/internal/kv"
	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/internal/queue"
	"github.com/BaSui01/agentloop/internal/records"
	"github.com/BaSui01/agentloop/internal/telemetry"
	"github.com/BaSui01/agentloop/llm/failover"
	"github.com/BaSui01/agentloop/llm/providers/openaicompat"
)

// app 一个 worker 进程持有的全部组件
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store     *kv.Store
	pool      *database.PoolManager
	records   *records.Store
	queue     *queue.Queue
	metrics   *metrics.Collector
	telemetry *telemetry.Providers
	catalog   *tools.Catalog
	loop      *loop.Loop
}

// newApp 连接 Redis 与数据库并组装主循环
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	if a.store, err = kv.NewStore(cfg.Redis, logger); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if a.pool, err = database.Open(cfg.Database, logger); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.records = records.New(a.pool, logger)
	if err = a.records.Migrate(ctx); err != nil {
		return nil, err
	}

	a.queue = queue.New(a.store, cfg.Queue, logger)
	a.metrics = metrics.NewCollector(cfg.Metrics.Namespace, nil, logger)

	candidates, err := buildCandidates(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	budgets := budget.NewManager(a.store, cfg.Budget, logger)
	meter := burnrate.NewMeter(a.store, cfg.Burn.Window, cfg.Burn.SnapshotTTL, cfg.Burn.CacheSize, logger)
	burn := burnrate.NewController(a.store, meter, cfg.Burn, budgets, a.queue, logger)
	adapter := failover.NewAdapter(cfg.LLM, logger,
		failover.WithPreferenceStore(failover.NewPreferenceStore(a.store, cfg.LLM.PreferenceTTL)),
		failover.WithScrubPhrases(loop.SignalPhrases...),
		failover.WithObserver(a.metrics),
	)
	a.catalog = tools.NewCatalog(logger,
		tools.WithTimeout(cfg.Loop.ToolTimeout),
		tools.WithMaxErrorSize(cfg.Loop.MaxToolErrorBytes),
		tools.WithCreditGate(a.records),
	)

	a.loop, err = loop.New(cfg.Loop, loop.Deps{
		Store:      a.store,
		Budgets:    budgets,
		Locker:     lock.NewLocker(a.store, cfg.Lock, workerID(), logger),
		Heartbeat:  lock.NewHeartbeat(a.store, cfg.Lock.HeartbeatTTL, logger),
		Pending:    lock.NewPending(a.store, cfg.Lock.PendingDebounce, logger),
		Burn:       burn,
		LLM:        adapter,
		Candidates: candidates,
		Agents:     a.records,
		Queue:      a.queue,
		Tools:      a.catalog,
		Records:    a.records,
		Outbox:     a.records,
		Work:       a.records,
		Events:     a.metrics,
		Tracer:     a.telemetry.Tracer("github.com/BaSui01/agentloop/agent/loop"),
	}, logger)
	if err != nil {
		return nil, err
	}
	if err = registerBuiltinTools(a.catalog, a.loop, a.records); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	return a, nil
}

// buildCandidates 每个链条目对应一个 OpenAI 兼容 provider
func buildCandidates(cfg config.LLMConfig, logger *zap.Logger) ([]failover.Candidate, error) {
	if len(cfg.Chain) == 0 {
		return nil, errors.New("llm.chain must list at least one provider")
	}
	cands := make([]failover.Candidate, 0, len(cfg.Chain))
	for _, ep := range cfg.Chain {
		cands = append(cands, failover.Candidate{
			Provider:    openaicompat.New(openaicompat.FromEndpoint(ep), logger),
			Model:       ep.Model,
			MaxTokens:   ep.MaxTokens,
			Temperature: ep.Temperature,
			Timeout:     ep.Timeout,
			LowLatency:  ep.LowLatency,
		})
	}
	return cands, nil
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return ""
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (a *app) close(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		_ = a.pool.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
