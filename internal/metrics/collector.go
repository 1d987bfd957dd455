package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent/loop"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 主循环事件与模型尝试的 Prometheus 指标。
// 实现 loop.EventSink 与 failover.AttemptObserver。
type Collector struct {
	registry *prometheus.Registry

	// 运行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	stepsTotal  prometheus.Counter

	// 工具指标
	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	// LLM 指标
	llmAttemptsTotal   *prometheus.CounterVec
	llmAttemptDuration *prometheus.HistogramVec

	// 协调指标
	lockContentions  prometheus.Counter
	burnPauses       prometheus.Counter
	budgetExhausted  prometheus.Counter
	queueTasksTotal  *prometheus.CounterVec
	queueTaskLatency prometheus.Histogram

	logger *zap.Logger
}

// NewCollector 创建指标收集器。registry 为 nil 时新建一个并注册 Go 运行时与进程指标。
func NewCollector(namespace string, registry *prometheus.Registry, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of agent runs by outcome",
		},
		[]string{"outcome"},
	)

	c.runDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Agent run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"outcome"},
	)

	c.stepsTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_consumed_total",
		Help:      "Total number of budget steps consumed",
	})

	c.toolCallsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls by tool and status",
		},
		[]string{"tool", "status"},
	)

	c.toolCallDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	c.llmAttemptsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_attempts_total",
			Help:      "Total number of provider attempts by result",
		},
		[]string{"provider", "model", "result"},
	)

	c.llmAttemptDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_attempt_duration_seconds",
			Help:      "Provider attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.lockContentions = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_contentions_total",
		Help:      "Total number of runs deferred by lock contention",
	})

	c.burnPauses = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "burn_pauses_total",
		Help:      "Total number of burn-rate pauses",
	})

	c.budgetExhausted = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "budget_exhausted_total",
		Help:      "Total number of cycles closed by the step budget",
	})

	c.queueTasksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_tasks_total",
			Help:      "Total number of queue tasks handled by type and result",
		},
		[]string{"type", "result"},
	)

	c.queueTaskLatency = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_task_latency_seconds",
		Help:      "Delay between a task becoming due and being claimed",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry 返回底层注册表
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// =============================================================================
// 🎭 主循环事件
// =============================================================================

// Publish 实现 loop.EventSink
func (c *Collector) Publish(_ context.Context, e loop.Event) error {
	switch e.Type {
	case loop.EventProcessingFinished:
		outcome := string(e.Outcome)
		if outcome == "" {
			outcome = "unknown"
		}
		c.runsTotal.WithLabelValues(outcome).Inc()
		c.runDuration.WithLabelValues(outcome).Observe(e.Duration.Seconds())
	case loop.EventStepConsumed:
		c.stepsTotal.Inc()
	case loop.EventToolExecuted:
		c.toolCallsTotal.WithLabelValues(e.Tool, e.Status).Inc()
		c.toolCallDuration.WithLabelValues(e.Tool).Observe(e.Duration.Seconds())
	case loop.EventLockContended:
		c.lockContentions.Inc()
		c.runsTotal.WithLabelValues(string(loop.OutcomeDeferred)).Inc()
	case loop.EventBurnPaused:
		c.burnPauses.Inc()
	case loop.EventBudgetExhausted:
		c.budgetExhausted.Inc()
	}
	return nil
}

// =============================================================================
// 🤖 LLM 指标
// =============================================================================

// ObserveAttempt 实现 failover.AttemptObserver
func (c *Collector) ObserveAttempt(provider, model string, ok bool, d time.Duration) {
	result := "error"
	if ok {
		result = "ok"
	}
	c.llmAttemptsTotal.WithLabelValues(provider, model, result).Inc()
	c.llmAttemptDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// =============================================================================
// 📬 队列指标
// =============================================================================

// ObserveTask 记录一次队列任务的处理结果与领取延迟
func (c *Collector) ObserveTask(taskType string, ok bool, latency time.Duration) {
	result := "error"
	if ok {
		result = "ok"
	}
	c.queueTasksTotal.WithLabelValues(taskType, result).Inc()
	if latency > 0 {
		c.queueTaskLatency.Observe(latency.Seconds())
	}
}
