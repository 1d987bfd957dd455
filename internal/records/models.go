package records

import (
	"time"
)

// AgentRow agents 表
type AgentRow struct {
	ID      string `gorm:"primaryKey;size:64"`
	Name    string `gorm:"size:128"`
	Charter string `gorm:"type:text"`
	// Cron 五段式表达式或 @every 描述符，空表示不按 cron 触发
	Cron            string `gorm:"size:64"`
	IntervalSeconds int64
	LastRunAt       *time.Time
	MaxSteps        int
	MaxDepth        int
	// BurnThresholdPerHour 为 0 时使用全局阈值
	BurnThresholdPerHour float64
	// CreditBalance 工具积分余额，nil 表示不限
	CreditBalance *float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (AgentRow) TableName() string { return "agents" }

// ConversationRow conversations 表，每个 (agent, kind, conversation_id) 一行
type ConversationRow struct {
	ID                 uint      `gorm:"primaryKey"`
	AgentID            string    `gorm:"size:64;uniqueIndex:idx_conversation_key;index:idx_conversation_active"`
	Kind               string    `gorm:"size:16;uniqueIndex:idx_conversation_key"`
	ConversationID     string    `gorm:"size:128;uniqueIndex:idx_conversation_key"`
	Address            string    `gorm:"size:256"`
	LastActiveAt       time.Time `gorm:"index:idx_conversation_active"`
	LastHumanInboundAt *time.Time
	CreatedAt          time.Time
}

func (ConversationRow) TableName() string { return "conversations" }

// OutboundStatus 外发消息状态
type OutboundStatus string

const (
	OutboundQueued OutboundStatus = "queued"
	OutboundSent   OutboundStatus = "sent"
)

// OutboundMessageRow outbound_messages 表，渠道发送方从这里取消息
type OutboundMessageRow struct {
	ID             uint   `gorm:"primaryKey"`
	AgentID        string `gorm:"size:64;index"`
	BudgetID       string `gorm:"size:64"`
	Kind           string `gorm:"size:16"`
	ConversationID string `gorm:"size:128"`
	Address        string `gorm:"size:256"`
	Body           string `gorm:"type:text"`
	Implied        bool
	Status         OutboundStatus `gorm:"size:16;index"`
	CreatedAt      time.Time
	SentAt         *time.Time
}

func (OutboundMessageRow) TableName() string { return "outbound_messages" }

// WorkStatus 工作项状态
type WorkStatus string

const (
	WorkOpen WorkStatus = "open"
	WorkDone WorkStatus = "done"
)

// WorkItemRow work_items 表
type WorkItemRow struct {
	ID          uint       `gorm:"primaryKey"`
	AgentID     string     `gorm:"size:64;index:idx_work_agent_status"`
	Title       string     `gorm:"size:256"`
	Status      WorkStatus `gorm:"size:16;index:idx_work_agent_status"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (WorkItemRow) TableName() string { return "work_items" }

// StepRow steps 表
type StepRow struct {
	ID        uint   `gorm:"primaryKey"`
	AgentID   string `gorm:"size:64;index:idx_step_run"`
	BudgetID  string `gorm:"size:64;index"`
	BranchID  string `gorm:"size:64"`
	RunID     int64  `gorm:"index:idx_step_run"`
	Iteration int
	StepsUsed int
	CreatedAt time.Time
}

func (StepRow) TableName() string { return "steps" }

// ToolCallRow tool_calls 表
type ToolCallRow struct {
	ID         uint   `gorm:"primaryKey"`
	AgentID    string `gorm:"size:64;index:idx_tool_call_run"`
	BudgetID   string `gorm:"size:64"`
	RunID      int64  `gorm:"index:idx_tool_call_run"`
	Iteration  int
	CallID     string `gorm:"size:128"`
	Tool       string `gorm:"size:128;index"`
	Arguments  string `gorm:"type:text"`
	Status     string `gorm:"size:32"`
	Content    string `gorm:"type:text"`
	DurationMs int64
	CreatedAt  time.Time
}

func (ToolCallRow) TableName() string { return "tool_calls" }

// CompletionRow completions 表
type CompletionRow struct {
	ID               uint   `gorm:"primaryKey"`
	AgentID          string `gorm:"size:64;index:idx_completion_run"`
	BudgetID         string `gorm:"size:64"`
	RunID            int64  `gorm:"index:idx_completion_run"`
	Iteration        int
	Provider         string `gorm:"size:64"`
	Model            string `gorm:"size:128"`
	Content          string `gorm:"type:text"`
	ToolCalls        int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	CreatedAt        time.Time
}

func (CompletionRow) TableName() string { return "completions" }

// allModels AutoMigrate 的全部表
func allModels() []any {
	return []any{
		&AgentRow{},
		&ConversationRow{},
		&OutboundMessageRow{},
		&WorkItemRow{},
		&StepRow{},
		&ToolCallRow{},
		&CompletionRow{},
	}
}
