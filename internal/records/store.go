package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentloop/agent/burnrate"
	"github.com/BaSui01/agentloop/agent/loop"
	"github.com/BaSui01/agentloop/internal/database"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

const txRetries = 3

// Store gorm 记录库，实现 loop 的 AgentStore、RecordStore、Outbox 与 WorkTracker
type Store struct {
	pool   *database.PoolManager
	logger *zap.Logger
	now    func() time.Time
}

// New 创建记录库
func New(pool *database.PoolManager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "records")),
		now:    time.Now,
	}
}

// Migrate 建表或补齐列与索引
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("migrate records: %w", err)
	}
	return nil
}

// Ping 数据库探活
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) db(ctx context.Context) *gorm.DB { return s.pool.DB().WithContext(ctx) }

func (s *Store) utcNow() time.Time { return s.now().UTC() }

// =============================================================================
// agents
// =============================================================================

// GetAgent 实现 loop.AgentStore。LastHumanInboundAt 取非 peer 会话中最近的一次人类入站。
func (s *Store) GetAgent(ctx context.Context, agentID string) (*loop.Agent, error) {
	var row AgentRow
	err := s.db(ctx).Where("id = ?", agentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}

	agent := toAgent(row)

	var conv ConversationRow
	err = s.db(ctx).
		Where("agent_id = ? AND kind <> ? AND last_human_inbound_at IS NOT NULL", agentID, string(loop.ChannelPeer)).
		Order("last_human_inbound_at DESC").
		Take(&conv).Error
	switch {
	case err == nil:
		agent.LastHumanInboundAt = *conv.LastHumanInboundAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("load last inbound for %s: %w", agentID, err)
	}
	return agent, nil
}

func toAgent(row AgentRow) *loop.Agent {
	return &loop.Agent{
		ID:                   row.ID,
		Name:                 row.Name,
		Charter:              row.Charter,
		MaxSteps:             row.MaxSteps,
		MaxDepth:             row.MaxDepth,
		BurnThresholdPerHour: row.BurnThresholdPerHour,
		Schedule:             scheduleOf(row),
	}
}

func scheduleOf(row AgentRow) burnrate.Schedule {
	sched := burnrate.Schedule{
		Cron:     row.Cron,
		Interval: time.Duration(row.IntervalSeconds) * time.Second,
	}
	if row.LastRunAt != nil {
		sched.LastRunAt = *row.LastRunAt
	}
	return sched
}

// UpsertAgent 新建或整体覆盖 agent，LastRunAt 与 CreditBalance 保持不变
func (s *Store) UpsertAgent(ctx context.Context, row AgentRow) error {
	if row.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if row.Cron != "" {
		if err := burnrate.ValidCron(row.Cron); err != nil {
			return fmt.Errorf("agent %s: invalid cron %q: %w", row.ID, row.Cron, err)
		}
	}
	err := s.db(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "charter", "cron", "interval_seconds", "max_steps", "max_depth",
			"burn_threshold_per_hour", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", row.ID, err)
	}
	return nil
}

// SetCreditBalance 设置工具积分余额，nil 表示不限
func (s *Store) SetCreditBalance(ctx context.Context, agentID string, balance *float64) error {
	res := s.db(ctx).Model(&AgentRow{}).Where("id = ?", agentID).Update("credit_balance", balance)
	if res.Error != nil {
		return fmt.Errorf("set credits for %s: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// Reserve 实现 tools.CreditGate：余额足够时在同一条 UPDATE 中扣减，不限额度的 agent 直接放行。
// 未知 agent 视为余额不足。
func (s *Store) Reserve(ctx context.Context, agentID, tool string, cost float64) (bool, error) {
	res := s.db(ctx).Model(&AgentRow{}).
		Where("id = ? AND (credit_balance IS NULL OR credit_balance >= ?)", agentID, cost).
		Update("credit_balance", gorm.Expr("credit_balance - ?", cost))
	if res.Error != nil {
		return false, fmt.Errorf("reserve credits for %s/%s: %w", agentID, tool, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CreditBalance 当前余额，nil 表示不限
func (s *Store) CreditBalance(ctx context.Context, agentID string) (*float64, error) {
	var row AgentRow
	err := s.db(ctx).Select("id", "credit_balance").Where("id = ?", agentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get credits for %s: %w", agentID, err)
	}
	return row.CreditBalance, nil
}

// DueAgents 定时触发已到期的 agent
func (s *Store) DueAgents(ctx context.Context, now time.Time) ([]string, error) {
	var rows []AgentRow
	err := s.db(ctx).
		Where("cron <> '' OR interval_seconds > 0").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list scheduled agents: %w", err)
	}
	var due []string
	for _, row := range rows {
		if scheduleOf(row).Due(now) {
			due = append(due, row.ID)
		}
	}
	return due, nil
}

// MarkScheduled 记录一次定时触发已投递
func (s *Store) MarkScheduled(ctx context.Context, agentID string, at time.Time) error {
	at = at.UTC()
	res := s.db(ctx).Model(&AgentRow{}).Where("id = ?", agentID).Update("last_run_at", &at)
	if res.Error != nil {
		return fmt.Errorf("mark scheduled %s: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// =============================================================================
// conversations / outbox
// =============================================================================

// RecordInbound 记录一条入站消息。human 为 true 且渠道不是 peer 时刷新人类入站时间。
func (s *Store) RecordInbound(ctx context.Context, agentID string, ch loop.Channel, human bool, at time.Time) error {
	if at.IsZero() {
		at = s.utcNow()
	}
	at = at.UTC()
	row := ConversationRow{
		AgentID:        agentID,
		Kind:           string(ch.Kind),
		ConversationID: ch.ConversationID,
		Address:        ch.Address,
		LastActiveAt:   at,
	}
	updates := []string{"address", "last_active_at"}
	if human && ch.Kind != loop.ChannelPeer {
		row.LastHumanInboundAt = &at
		updates = append(updates, "last_human_inbound_at")
	}
	err := s.db(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}, {Name: "kind"}, {Name: "conversation_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record inbound for %s: %w", agentID, err)
	}
	return nil
}

// LastActiveChannel 实现 loop.Outbox
func (s *Store) LastActiveChannel(ctx context.Context, agentID string) (*loop.Channel, error) {
	var row ConversationRow
	err := s.db(ctx).
		Where("agent_id = ?", agentID).
		Order("last_active_at DESC").Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve channel for %s: %w", agentID, err)
	}
	return &loop.Channel{
		Kind:           loop.ChannelKind(row.Kind),
		ConversationID: row.ConversationID,
		Address:        row.Address,
	}, nil
}

// Send 实现 loop.Outbox：写入外发队列并刷新会话活跃时间
func (s *Store) Send(ctx context.Context, msg loop.OutboundMessage) error {
	now := s.utcNow()
	row := OutboundMessageRow{
		AgentID:        msg.AgentID,
		BudgetID:       msg.BudgetID,
		Kind:           string(msg.Channel.Kind),
		ConversationID: msg.Channel.ConversationID,
		Address:        msg.Channel.Address,
		Body:           msg.Body,
		Implied:        msg.Implied,
		Status:         OutboundQueued,
		CreatedAt:      now,
	}
	err := s.pool.WithTransactionRetry(ctx, txRetries, func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&ConversationRow{}).
			Where("agent_id = ? AND kind = ? AND conversation_id = ?", msg.AgentID, row.Kind, row.ConversationID).
			Update("last_active_at", now).Error
	})
	if err != nil {
		return fmt.Errorf("send to %s/%s: %w", row.Kind, row.ConversationID, err)
	}
	s.logger.Debug("outbound message queued",
		zap.String("agent_id", msg.AgentID),
		zap.String("channel", row.Kind),
		zap.Bool("implied", msg.Implied),
	)
	return nil
}

// PendingOutbound 尚未发送的消息，按写入顺序
func (s *Store) PendingOutbound(ctx context.Context, limit int) ([]OutboundMessageRow, error) {
	var rows []OutboundMessageRow
	q := s.db(ctx).Where("status = ?", OutboundQueued).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list outbound: %w", err)
	}
	return rows, nil
}

// MarkSent 渠道发送方确认送达
func (s *Store) MarkSent(ctx context.Context, id uint) error {
	now := s.utcNow()
	res := s.db(ctx).Model(&OutboundMessageRow{}).
		Where("id = ? AND status = ?", id, OutboundQueued).
		Updates(map[string]any{"status": OutboundSent, "sent_at": &now})
	if res.Error != nil {
		return fmt.Errorf("mark sent %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("outbound %d: %w", id, ErrNotFound)
	}
	return nil
}

// =============================================================================
// work items
// =============================================================================

// AddWorkItem 新增一个未完成工作项
func (s *Store) AddWorkItem(ctx context.Context, agentID, title string) (uint, error) {
	row := WorkItemRow{AgentID: agentID, Title: title, Status: WorkOpen}
	if err := s.db(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("add work item: %w", err)
	}
	return row.ID, nil
}

// CompleteWorkItem 关闭工作项
func (s *Store) CompleteWorkItem(ctx context.Context, id uint) error {
	now := s.utcNow()
	res := s.db(ctx).Model(&WorkItemRow{}).
		Where("id = ? AND status = ?", id, WorkOpen).
		Updates(map[string]any{"status": WorkDone, "completed_at": &now})
	if res.Error != nil {
		return fmt.Errorf("complete work item %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("work item %d: %w", id, ErrNotFound)
	}
	return nil
}

// PendingWork 实现 loop.WorkTracker
func (s *Store) PendingWork(ctx context.Context, agentID string) (int, error) {
	var n int64
	err := s.db(ctx).Model(&WorkItemRow{}).
		Where("agent_id = ? AND status = ?", agentID, WorkOpen).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count work items for %s: %w", agentID, err)
	}
	return int(n), nil
}

// =============================================================================
// run records
// =============================================================================

// CreateStep 实现 loop.RecordStore
func (s *Store) CreateStep(ctx context.Context, rec loop.StepRecord) error {
	row := StepRow{
		AgentID:   rec.AgentID,
		BudgetID:  rec.BudgetID,
		BranchID:  rec.BranchID,
		RunID:     rec.RunID,
		Iteration: rec.Iteration,
		StepsUsed: rec.StepsUsed,
		CreatedAt: s.stamp(rec.CreatedAt),
	}
	if err := s.db(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create step: %w", err)
	}
	return nil
}

// CreateToolCall 实现 loop.RecordStore
func (s *Store) CreateToolCall(ctx context.Context, rec loop.ToolCallRecord) error {
	row := ToolCallRow{
		AgentID:    rec.AgentID,
		BudgetID:   rec.BudgetID,
		RunID:      rec.RunID,
		Iteration:  rec.Iteration,
		CallID:     rec.CallID,
		Tool:       rec.Tool,
		Arguments:  rec.Arguments,
		Status:     rec.Status,
		Content:    rec.Content,
		DurationMs: rec.Duration.Milliseconds(),
		CreatedAt:  s.stamp(rec.CreatedAt),
	}
	if err := s.db(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create tool call: %w", err)
	}
	return nil
}

// CreateCompletion 实现 loop.RecordStore
func (s *Store) CreateCompletion(ctx context.Context, rec loop.CompletionRecord) error {
	row := CompletionRow{
		AgentID:          rec.AgentID,
		BudgetID:         rec.BudgetID,
		RunID:            rec.RunID,
		Iteration:        rec.Iteration,
		Provider:         rec.Provider,
		Model:            rec.Model,
		Content:          rec.Content,
		ToolCalls:        rec.ToolCalls,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		Cost:             rec.Cost,
		CreatedAt:        s.stamp(rec.CreatedAt),
	}
	if err := s.db(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create completion: %w", err)
	}
	return nil
}

func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.utcNow()
	}
	return t.UTC()
}
