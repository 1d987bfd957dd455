package budget

import (
	"context"
	"sync/atomic"
)

// ExecutionContext 描述一次运行在预算体系中的位置。
// 同一运行内不可变，teardown 时通过 Invalidate 使其失效。
type ExecutionContext struct {
	AgentID  string
	BudgetID string
	BranchID string
	Depth    int
	MaxSteps int
	MaxDepth int

	invalid atomic.Bool
}

// NewExecutionContext 创建执行上下文
func NewExecutionContext(agentID string, cycle *Cycle, branchID string, depth int) *ExecutionContext {
	return &ExecutionContext{
		AgentID:  agentID,
		BudgetID: cycle.BudgetID,
		BranchID: branchID,
		Depth:    depth,
		MaxSteps: cycle.MaxSteps,
		MaxDepth: cycle.MaxDepth,
	}
}

// Invalidate 标记上下文失效，之后的读取应视为无上下文
func (ec *ExecutionContext) Invalidate() {
	if ec != nil {
		ec.invalid.Store(true)
	}
}

// Valid 判断上下文是否仍可用
func (ec *ExecutionContext) Valid() bool {
	return ec != nil && !ec.invalid.Load()
}

// CanRecurse 判断是否允许在当前深度派生子任务
func (ec *ExecutionContext) CanRecurse() bool {
	return ec.Valid() && ec.Depth < ec.MaxDepth
}

type execContextKey struct{}

// WithExecutionContext 将执行上下文注入 context
func WithExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// FromContext 取出仍然有效的执行上下文
func FromContext(ctx context.Context) (*ExecutionContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(*ExecutionContext)
	if !ok || !ec.Valid() {
		return nil, false
	}
	return ec, true
}
