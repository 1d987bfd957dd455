package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/llm/retry"
	"github.com/BaSui01/agentloop/types"
)

// ErrAllProvidersFailed 故障转移链中的所有候选都失败
var ErrAllProvidersFailed = types.NewError(types.ErrAllProvidersFailed, "all configured providers failed")

// Candidate 故障转移链中的一项 (provider, model, 参数)
type Candidate struct {
	Provider    llm.Provider
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	LowLatency  bool
}

// Key 候选的稳定标识
func (c Candidate) Key() string {
	if c.Provider == nil {
		return "/" + c.Model
	}
	return c.Provider.Name() + "/" + c.Model
}

// Request 一次故障转移调用
type Request struct {
	AgentID  string
	TraceID  string
	Messages []llm.Message
	Tools    []llm.ToolSchema

	Candidates []Candidate
	// Preferred 显式指定偏好；nil 时从 PreferenceStore 读取
	Preferred         *Preference
	RequireLowLatency bool

	Stream bool
	// OnDelta 接收流式正文增量（已移除内部信号短语）
	OnDelta func(text string)
}

// Attempt 单个候选的尝试记录
type Attempt struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Result 成功的调用结果
type Result struct {
	Response  *llm.ChatResponse
	Usage     llm.ChatUsage
	Candidate Candidate
	Attempts  []Attempt
}

// AttemptObserver 记录每次尝试的结果，用于指标
type AttemptObserver interface {
	ObserveAttempt(provider, model string, ok bool, d time.Duration)
}

// Adapter LLM 故障转移与流式适配器
type Adapter struct {
	retryer   *retry.Retryer
	prefs     *PreferenceStore
	streakCap int
	phrases   []string
	observer  AttemptObserver
	logger    *zap.Logger
}

// Option 配置 Adapter
type Option func(*Adapter)

// WithPreferenceStore 启用粘性偏好
func WithPreferenceStore(p *PreferenceStore) Option {
	return func(a *Adapter) { a.prefs = p }
}

// WithScrubPhrases 设置需要从实时流中移除的短语
func WithScrubPhrases(phrases ...string) Option {
	return func(a *Adapter) { a.phrases = append(a.phrases, phrases...) }
}

// WithObserver 设置尝试观察者
func WithObserver(o AttemptObserver) Option {
	return func(a *Adapter) { a.observer = o }
}

// NewAdapter 创建适配器
func NewAdapter(cfg config.LLMConfig, logger *zap.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		retryer:   retry.New(retry.PolicyFromConfig(cfg), logger),
		streakCap: cfg.PreferenceStreakCap,
		logger:    logger.With(zap.String("component", "failover")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Order 将偏好的候选提到最前。连胜达到上限、或需要低延迟而偏好候选不支持时保持原顺序。
func Order(cands []Candidate, pref *Preference, streakCap int, requireLowLatency bool) []Candidate {
	if pref == nil || pref.Key == "" {
		return cands
	}
	if streakCap > 0 && pref.Streak >= streakCap {
		return cands
	}
	idx := -1
	for i, c := range cands {
		if c.Key() == pref.Key {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return cands
	}
	if requireLowLatency && !cands[idx].LowLatency {
		return cands
	}

	out := make([]Candidate, 0, len(cands))
	out = append(out, cands[idx])
	out = append(out, cands[:idx]...)
	out = append(out, cands[idx+1:]...)
	return out
}

// Call 依次尝试每个候选，返回第一个通过校验的响应；全部失败时返回 ErrAllProvidersFailed
func (a *Adapter) Call(ctx context.Context, req Request) (*Result, error) {
	if len(req.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates configured", ErrAllProvidersFailed)
	}

	pref := req.Preferred
	if pref == nil && a.prefs != nil && req.AgentID != "" {
		p, err := a.prefs.Get(ctx, req.AgentID)
		if err != nil {
			a.logger.Debug("load preference failed", zap.String("agent_id", req.AgentID), zap.Error(err))
		}
		pref = p
	}
	ordered := Order(req.Candidates, pref, a.streakCap, req.RequireLowLatency)

	var (
		attempts []Attempt
		errs     []error
	)
	for _, cand := range ordered {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		start := time.Now()
		resp, err := a.attempt(ctx, req, cand)
		if err == nil {
			err = Validate(resp)
		}
		att := Attempt{Model: cand.Model, Err: err, Duration: time.Since(start)}
		if cand.Provider != nil {
			att.Provider = cand.Provider.Name()
		}
		attempts = append(attempts, att)
		if a.observer != nil {
			a.observer.ObserveAttempt(att.Provider, att.Model, err == nil, att.Duration)
		}

		if err != nil {
			a.logger.Warn("provider attempt failed",
				zap.String("agent_id", req.AgentID),
				zap.String("provider", att.Provider),
				zap.String("model", att.Model),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", cand.Key(), err))
			continue
		}

		if resp.Provider == "" {
			resp.Provider = att.Provider
		}
		if resp.Model == "" {
			resp.Model = cand.Model
		}
		if a.prefs != nil && req.AgentID != "" {
			if _, err := a.prefs.RecordSuccess(ctx, req.AgentID, cand.Key()); err != nil {
				a.logger.Debug("record preference failed", zap.Error(err))
			}
		}
		return &Result{Response: resp, Usage: resp.Usage, Candidate: cand, Attempts: attempts}, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
}

func (a *Adapter) attempt(ctx context.Context, req Request, cand Candidate) (*llm.ChatResponse, error) {
	if cand.Provider == nil {
		return nil, &llm.Error{Code: llm.ErrProviderUnavailable, Message: "candidate has no provider"}
	}
	if cand.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cand.Timeout)
		defer cancel()
	}

	chatReq := &llm.ChatRequest{
		TraceID:     req.TraceID,
		AgentID:     req.AgentID,
		Model:       cand.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		MaxTokens:   cand.MaxTokens,
		Temperature: cand.Temperature,
		Timeout:     cand.Timeout,
	}
	if len(req.Tools) > 0 {
		chatReq.ToolChoice = "auto"
	}

	if !req.Stream {
		return retry.Do(ctx, a.retryer, func(ctx context.Context) (*llm.ChatResponse, error) {
			return cand.Provider.Completion(ctx, chatReq)
		})
	}

	// 流式尝试只重试建立连接；增量一旦开始转发就不再重放
	ch, err := retry.Do(ctx, a.retryer, func(ctx context.Context) (<-chan llm.StreamChunk, error) {
		return cand.Provider.Stream(ctx, chatReq)
	})
	if err != nil {
		return nil, err
	}
	return Accumulate(ctx, ch, req.OnDelta, a.phrases)
}
