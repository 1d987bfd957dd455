package loop

import (
	"context"
	"time"

	"github.com/BaSui01/agentloop/agent/burnrate"
	"github.com/BaSui01/agentloop/agent/tools"
	"github.com/BaSui01/agentloop/llm"
)

// Agent 运行所需的 agent 状态
type Agent struct {
	ID      string
	Name    string
	Charter string
	// MaxSteps / MaxDepth 为 0 时使用预算配置
	MaxSteps int
	MaxDepth int
	// BurnThresholdPerHour 为 0 时使用燃烧率配置
	BurnThresholdPerHour float64
	Schedule             burnrate.Schedule
	// LastHumanInboundAt 最近一次非 peer 入站消息时间
	LastHumanInboundAt time.Time
}

// AgentStore 读取 agent
type AgentStore interface {
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
}

// PromptBuilder 由 agent 状态和本次运行的记录构造模型输入
type PromptBuilder interface {
	Build(ctx context.Context, agent *Agent, trigger Trigger, transcript []llm.Message) ([]llm.Message, error)
}

// StepRecord 一次迭代
type StepRecord struct {
	AgentID   string
	BudgetID  string
	BranchID  string
	RunID     int64
	Iteration int
	StepsUsed int
	CreatedAt time.Time
}

// ToolCallRecord 一次工具调用的结果
type ToolCallRecord struct {
	AgentID   string
	BudgetID  string
	RunID     int64
	Iteration int
	CallID    string
	Tool      string
	Arguments string
	Status    string
	Content   string
	Duration  time.Duration
	CreatedAt time.Time
}

// CompletionRecord 一次模型调用
type CompletionRecord struct {
	AgentID          string
	BudgetID         string
	RunID            int64
	Iteration        int
	Provider         string
	Model            string
	Content          string
	ToolCalls        int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	CreatedAt        time.Time
}

// RecordStore 追加写入运行记录，顺序与持久性由实现负责
type RecordStore interface {
	CreateStep(ctx context.Context, rec StepRecord) error
	CreateToolCall(ctx context.Context, rec ToolCallRecord) error
	CreateCompletion(ctx context.Context, rec CompletionRecord) error
}

// TaskQueue 后台任务队列
type TaskQueue interface {
	// Enqueue 在 delay 之后投递一次运行
	Enqueue(ctx context.Context, t Trigger, delay time.Duration) error
	// ScheduleDrain 在 delay 之后排空锁竞争的 pending 集合
	ScheduleDrain(ctx context.Context, delay time.Duration) error
	// QueuedFor 某个 agent 尚未执行的任务数
	QueuedFor(ctx context.Context, agentID string) (int, error)
}

// ToolExecutor 工具目录，由 tools.Catalog 实现
type ToolExecutor interface {
	Execute(ctx context.Context, agentID string, call llm.ToolCall) tools.Outcome
	Schemas() []llm.ToolSchema
}

// ChannelKind 会话渠道
type ChannelKind string

const (
	ChannelChat  ChannelKind = "chat"
	ChannelEmail ChannelKind = "email"
	ChannelSMS   ChannelKind = "sms"
	ChannelPeer  ChannelKind = "peer"
)

// Channel 最近活跃的会话
type Channel struct {
	Kind           ChannelKind
	ConversationID string
	Address        string
}

// OutboundMessage 交给渠道发送方的消息
type OutboundMessage struct {
	AgentID  string
	BudgetID string
	Channel  Channel
	Body     string
	// Implied 由纯文本回复隐式生成
	Implied bool
}

// Outbox 解析最近活跃渠道并投递消息
type Outbox interface {
	// LastActiveChannel 没有可用渠道时返回 nil
	LastActiveChannel(ctx context.Context, agentID string) (*Channel, error)
	Send(ctx context.Context, msg OutboundMessage) error
}

// WorkTracker 外部跟踪的未完成工作项
type WorkTracker interface {
	PendingWork(ctx context.Context, agentID string) (int, error)
}

// EventType 生命周期事件
type EventType string

const (
	EventProcessingStarted  EventType = "processing_started"
	EventProcessingFinished EventType = "processing_finished"
	EventLockAcquired       EventType = "lock_acquired"
	EventLockReleased       EventType = "lock_released"
	EventLockContended      EventType = "lock_contended"
	EventStepConsumed       EventType = "step_consumed"
	EventToolExecuted       EventType = "tool_executed"
	EventBudgetExhausted    EventType = "budget_exhausted"
	EventBurnPaused         EventType = "burn_paused"
)

// Event 粗粒度的生命周期事件
type Event struct {
	Type        EventType
	AgentID     string
	BudgetID    string
	RunID       int64
	Iteration   int
	Outcome     Outcome
	Outstanding int
	Tool        string
	Status      string
	Duration    time.Duration
	At          time.Time
}

// EventSink 事件出口，失败不影响运行
type EventSink interface {
	Publish(ctx context.Context, e Event) error
}
