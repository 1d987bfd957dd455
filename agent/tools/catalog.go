package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/types"
)

// Handler 类型化的工具处理函数，参数在调用前解码为 P
type Handler[P any] func(ctx context.Context, agentID string, params P) (Result, error)

// Spec 工具元数据
type Spec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema

	// RatePerMinute 每个 agent 对该工具的调用速率，0 表示不限
	RatePerMinute float64
	Burst         int
	// Cost 每次调用预扣的 credits，0 表示免费
	Cost float64
	// Sends 工具会向会话渠道发送消息，使用后不再做隐式发送
	Sends bool
	// Timeout 单次执行超时，0 使用 Catalog 默认值
	Timeout time.Duration
}

// CreditGate 执行前的额度检查，由计费系统实现
type CreditGate interface {
	Reserve(ctx context.Context, agentID, tool string, cost float64) (bool, error)
}

// Denial 执行前被拒绝的原因
type Denial string

const (
	DeniedNone               Denial = ""
	DeniedRateLimited        Denial = "rate_limited"
	DeniedInsufficientCredit Denial = "insufficient_credit"
)

// Outcome 一次工具调用的完整结果
type Outcome struct {
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Result    Result        `json:"result"`
	Error     *ErrorPayload `json:"error,omitempty"`
	Denied    Denial        `json:"denied,omitempty"`
	Unknown   bool          `json:"unknown,omitempty"`
	Malformed bool          `json:"malformed,omitempty"`
	Sends     bool          `json:"-"`
	Duration  time.Duration `json:"duration"`
}

// Failed 执行出错、被拒绝或未知工具；参数格式错误单独由 Malformed 表示
func (o *Outcome) Failed() bool {
	return (o.Error != nil && !o.Malformed) || o.Denied != DeniedNone || o.Unknown
}

// Ran 处理函数执行完成且没有出错
func (o *Outcome) Ran() bool {
	return !o.Failed() && !o.Malformed
}

// NeedsFollowUp 需要 agent 在下一轮处理
func (o *Outcome) NeedsFollowUp() bool {
	return o.Failed() || o.Malformed || o.Result.Unresolved()
}

// Content 回灌给模型的工具消息内容
func (o *Outcome) Content() string {
	var v any = o.Result
	if o.Error != nil {
		v = map[string]any{"status": StatusError, "error": o.Error}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"status":"error","message":%q}`, err.Error())
	}
	return string(b)
}

type entry struct {
	spec Spec
	run  func(ctx context.Context, agentID string, raw json.RawMessage) runResult
}

// Catalog 工具名到类型化处理函数的查找表
type Catalog struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	limiters map[string]*rate.Limiter

	credits      CreditGate
	timeout      time.Duration
	maxErrorSize int
	logger       *zap.Logger
}

// CatalogOption 配置 Catalog
type CatalogOption func(*Catalog)

// WithCreditGate 设置额度检查
func WithCreditGate(g CreditGate) CatalogOption {
	return func(c *Catalog) { c.credits = g }
}

// WithTimeout 设置默认执行超时
func WithTimeout(d time.Duration) CatalogOption {
	return func(c *Catalog) { c.timeout = d }
}

// WithMaxErrorSize 设置错误载荷的字节上限
func WithMaxErrorSize(n int) CatalogOption {
	return func(c *Catalog) { c.maxErrorSize = n }
}

// NewCatalog 创建工具目录
func NewCatalog(logger *zap.Logger, opts ...CatalogOption) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{
		entries:      make(map[string]*entry),
		limiters:     make(map[string]*rate.Limiter),
		timeout:      2 * time.Minute,
		maxErrorSize: 2048,
		logger:       logger.With(zap.String("component", "tools")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register 注册一个类型化工具。P 为参数结构体，调用参数解码失败视为格式错误。
func Register[P any](c *Catalog, spec Spec, h Handler[P]) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(spec.Parameters) == 0 {
		spec.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}

	run := func(ctx context.Context, agentID string, raw json.RawMessage) runResult {
		var params P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &params); err != nil {
				return runResult{err: err, malformed: true}
			}
		}
		res, err := h(ctx, agentID, params)
		return runResult{res: res, err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	c.entries[spec.Name] = &entry{spec: spec, run: run}
	c.logger.Debug("tool registered", zap.String("tool", spec.Name))
	return nil
}

// Has 判断工具是否存在
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// Spec 返回工具元数据
func (c *Catalog) Spec(name string) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Spec{}, false
	}
	return e.spec, true
}

// Schemas 返回按名称排序的工具声明
func (c *Catalog) Schemas() []llm.ToolSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(c.entries))
	for _, e := range c.entries {
		schemas = append(schemas, llm.ToolSchema{
			Name:        e.spec.Name,
			Description: e.spec.Description,
			Parameters:  e.spec.Parameters,
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

func (c *Catalog) limiter(agentID string, spec Spec) *rate.Limiter {
	if spec.RatePerMinute <= 0 {
		return nil
	}
	key := agentID + "/" + spec.Name

	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[key]
	if !ok {
		burst := spec.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(spec.RatePerMinute/60), burst)
		c.limiters[key] = l
	}
	return l
}

// Execute 执行单个工具调用。任何失败都被归一化到 Outcome 中，不会向上传播。
func (c *Catalog) Execute(ctx context.Context, agentID string, call llm.ToolCall) Outcome {
	start := time.Now()
	out := Outcome{CallID: call.ID, Name: call.Name}
	defer func() { out.Duration = time.Since(start) }()

	c.mu.RLock()
	e, ok := c.entries[call.Name]
	c.mu.RUnlock()
	if !ok {
		out.Unknown = true
		out.fail(types.NewError(types.ErrToolNotFound, fmt.Sprintf("unknown tool %q", call.Name)), c.maxErrorSize)
		c.logger.Warn("unknown tool", zap.String("agent_id", agentID), zap.String("tool", call.Name))
		return out
	}
	out.Sends = e.spec.Sends

	if l := c.limiter(agentID, e.spec); l != nil && !l.Allow() {
		out.Denied = DeniedRateLimited
		out.fail(types.NewError(types.ErrToolRateLimited, "tool rate limit exceeded, retry later").
			WithRetryable(true), c.maxErrorSize)
		c.logger.Info("tool rate limited", zap.String("agent_id", agentID), zap.String("tool", call.Name))
		return out
	}

	if c.credits != nil && e.spec.Cost > 0 {
		allowed, err := c.credits.Reserve(ctx, agentID, call.Name, e.spec.Cost)
		if err != nil || !allowed {
			out.Denied = DeniedInsufficientCredit
			te := types.NewError(types.ErrToolInsufficientCredit, "insufficient credits for tool")
			if err != nil {
				te = te.WithCause(err)
			}
			out.fail(te, c.maxErrorSize)
			c.logger.Info("tool denied by credit gate", zap.String("agent_id", agentID), zap.String("tool", call.Name))
			return out
		}
	}

	timeout := e.spec.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	r := c.run(ctx, e, agentID, call, timeout)
	switch {
	case r.malformed:
		out.Malformed = true
		out.fail(types.NewError(types.ErrToolMalformedArgs, "tool arguments do not match the schema").
			WithCause(r.err), c.maxErrorSize)
	case r.err != nil:
		out.fail(r.err, c.maxErrorSize)
		c.logger.Warn("tool execution failed",
			zap.String("agent_id", agentID),
			zap.String("tool", call.Name),
			zap.Error(r.err),
		)
	default:
		if r.res.Status == "" {
			r.res.Status = StatusOK
		}
		out.Result = r.res
	}
	return out
}

type runResult struct {
	res       Result
	err       error
	malformed bool
}

func (c *Catalog) run(ctx context.Context, e *entry, agentID string, call llm.ToolCall, timeout time.Duration) runResult {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 带缓冲，超时后处理函数仍可退出
	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("tool panicked",
					zap.String("tool", call.Name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- runResult{err: types.NewError(types.ErrToolPanic, fmt.Sprintf("tool panicked: %v", r))}
			}
		}()
		done <- e.run(execCtx, agentID, call.Arguments)
	}()

	select {
	case r := <-done:
		return r
	case <-execCtx.Done():
		return runResult{err: types.NewError(types.ErrToolExecution,
			fmt.Sprintf("tool timed out after %s", timeout)).WithRetryable(true)}
	}
}

func (o *Outcome) fail(err error, maxBytes int) {
	p := NormalizeError(err, maxBytes)
	o.Error = &p
	o.Result = Result{Status: StatusError, Message: p.Message}
}
