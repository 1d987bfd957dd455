package loop

import (
	"time"

	"github.com/BaSui01/agentloop/llm"
)

// TriggerKind 触发来源
type TriggerKind string

const (
	KindMessage    TriggerKind = "message"    // 入站消息
	KindSchedule   TriggerKind = "schedule"   // cron / interval 定时触发
	KindFollowUp   TriggerKind = "follow_up"  // 燃烧率暂停后的后续运行
	KindResume     TriggerKind = "resume"     // 迭代/运行时间上限后的续跑
	KindRetry      TriggerKind = "retry"      // 锁竞争后的重新触发
	KindBackground TriggerKind = "background" // 后台子任务
	KindWake       TriggerKind = "wake"       // 子任务全部完成后唤醒父分支
)

// Trigger 一次运行的输入。BudgetID 为空表示顶层触发。
type Trigger struct {
	Kind           TriggerKind `json:"kind"`
	AgentID        string      `json:"agent_id"`
	BudgetID       string      `json:"budget_id,omitempty"`
	BranchID       string      `json:"branch_id,omitempty"`
	ParentBranchID string      `json:"parent_branch_id,omitempty"`
	Depth          int         `json:"depth,omitempty"`
	FollowUpToken  string      `json:"follow_up_token,omitempty"`
	// Message 触发附带的正文，例如入站消息或后台任务说明
	Message string `json:"message,omitempty"`
}

// TopLevel 没有携带预算上下文
func (t Trigger) TopLevel() bool { return t.BudgetID == "" }

// Child 后台子任务运行，结束时需要递减父分支计数
func (t Trigger) Child() bool { return t.ParentBranchID != "" }

// Outcome 一次运行的结局
type Outcome string

const (
	OutcomeDeferred        Outcome = "deferred"         // 锁竞争，已延后
	OutcomeSkipped         Outcome = "skipped"          // 令牌不匹配、冷却中或周期已失效
	OutcomeIdle            Outcome = "idle"             // 正常结束
	OutcomeSleeping        Outcome = "sleeping"         // 模型调用 sleep 结束
	OutcomeBudgetExhausted Outcome = "budget_exhausted" // 步数用尽
	OutcomeMaxIterations   Outcome = "max_iterations"   // 迭代上限，已安排续跑
	OutcomeRuntimeCeiling  Outcome = "runtime_ceiling"  // 运行时间上限，已安排续跑
	OutcomeBurnPaused      Outcome = "burn_paused"      // 燃烧率暂停
	OutcomeError           Outcome = "error"            // 致命错误
)

// RunResult Run 的返回值
type RunResult struct {
	Outcome     Outcome       `json:"outcome"`
	Reason      string        `json:"reason,omitempty"`
	RunID       int64         `json:"run_id,omitempty"`
	BudgetID    string        `json:"budget_id,omitempty"`
	BranchID    string        `json:"branch_id,omitempty"`
	Iterations  int           `json:"iterations"`
	StepsUsed   int           `json:"steps_used"`
	Usage       llm.ChatUsage `json:"usage"`
	Outstanding int           `json:"outstanding"`
	Duration    time.Duration `json:"duration"`
}
