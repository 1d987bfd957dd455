package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/kv"
)

var (
	// ErrCycleNotFound 周期哈希不存在（已过期或从未创建）
	ErrCycleNotFound = errors.New("budget cycle not found")
	// ErrBranchNotFound 分支不存在
	ErrBranchNotFound = errors.New("budget branch not found")
)

// Status 周期状态
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Cycle 一个 agent 的顶层工作单元
type Cycle struct {
	BudgetID  string    `json:"budget_id"`
	MaxSteps  int       `json:"max_steps"`
	MaxDepth  int       `json:"max_depth"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Active 返回周期是否仍处于活跃状态
func (c *Cycle) Active() bool {
	return c != nil && c.Status == StatusActive
}

// Manager 预算与递归管理器，所有计数均通过 Redis 原子脚本完成
type Manager struct {
	store  *kv.Store
	cfg    config.BudgetConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewManager 创建预算管理器
func NewManager(store *kv.Store, cfg config.BudgetConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "budget")),
		now:    time.Now,
	}
}

func (m *Manager) activeKey(agentID string) string   { return m.store.Key("cycle", agentID, "active") }
func (m *Manager) stepsKey(agentID string) string    { return m.store.Key("cycle", agentID, "steps") }
func (m *Manager) branchesKey(agentID string) string { return m.store.Key("cycle", agentID, "branches") }
func (m *Manager) hashPrefix(agentID string) string  { return m.store.Key("cycle", agentID, "b") + ":" }

func (m *Manager) keys(agentID string) []string {
	return []string{m.activeKey(agentID), m.stepsKey(agentID), m.branchesKey(agentID)}
}

func (m *Manager) ttl() int64 {
	return kv.TTLMillis(m.cfg.CycleTTL)
}

// Limits 可选的周期上限，零值使用配置默认值
type Limits struct {
	MaxSteps int
	MaxDepth int
}

// FindOrStartCycle 返回仍然存在的活跃周期（并续期所有相关 TTL），否则原子地创建新周期。
// started 为 true 表示本次调用新建了周期。
func (m *Manager) FindOrStartCycle(ctx context.Context, agentID string, limits Limits) (cycle *Cycle, started bool, err error) {
	maxSteps := limits.MaxSteps
	if maxSteps <= 0 {
		maxSteps = m.cfg.MaxSteps
	}
	maxDepth := limits.MaxDepth
	if maxDepth <= 0 {
		maxDepth = m.cfg.MaxDepth
	}

	now := m.now()
	res, err := findOrStartScript.Run(ctx, m.store.Client(), m.keys(agentID),
		m.ttl(), m.hashPrefix(agentID), uuid.NewString(), maxSteps, maxDepth, now.Unix(),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("find or start cycle: %w", err)
	}
	if len(res) != 4 {
		return nil, false, fmt.Errorf("find or start cycle: unexpected reply %v", res)
	}

	cycle = &Cycle{
		BudgetID: toString(res[0]),
		MaxSteps: toInt(res[1]),
		MaxDepth: toInt(res[2]),
		Status:   StatusActive,
	}
	started = toInt(res[3]) == 1
	if started {
		cycle.CreatedAt = now
		m.logger.Info("budget cycle started",
			zap.String("agent_id", agentID),
			zap.String("budget_id", cycle.BudgetID),
			zap.Int("max_steps", cycle.MaxSteps),
			zap.Int("max_depth", cycle.MaxDepth),
		)
	}
	return cycle, started, nil
}

// GetCycle 读取指定周期哈希；关闭后的哈希在短 TTL 内仍可读
func (m *Manager) GetCycle(ctx context.Context, agentID, budgetID string) (*Cycle, error) {
	vals, err := m.store.Client().HGetAll(ctx, m.hashPrefix(agentID)+budgetID).Result()
	if err != nil {
		return nil, fmt.Errorf("get cycle: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrCycleNotFound
	}

	c := &Cycle{
		BudgetID: budgetID,
		MaxSteps: atoi(vals["max_steps"]),
		MaxDepth: atoi(vals["max_depth"]),
		Status:   Status(vals["status"]),
	}
	if ts := atoi(vals["created_at"]); ts > 0 {
		c.CreatedAt = time.Unix(int64(ts), 0)
	}
	return c, nil
}

// ActiveBudgetID 返回当前活跃指针，不存在时返回空串
func (m *Manager) ActiveBudgetID(ctx context.Context, agentID string) (string, error) {
	id, err := m.store.Client().Get(ctx, m.activeKey(agentID)).Result()
	if kv.IsNil(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get active cycle: %w", err)
	}
	return id, nil
}

// CloseCycle 仅当存储的 budget_id 与调用方一致时关闭周期并清除活跃指针，
// 同时删除分支集合。返回 false 表示调用方的周期已不是活跃周期（过期/迟到的调用方）。
func (m *Manager) CloseCycle(ctx context.Context, agentID, budgetID string) (bool, error) {
	if budgetID == "" {
		return false, nil
	}
	n, err := closeCycleScript.Run(ctx, m.store.Client(), m.keys(agentID),
		kv.TTLMillis(m.cfg.ClosedTTL), m.hashPrefix(agentID), budgetID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("close cycle: %w", err)
	}

	closed := n == 1
	if closed {
		m.logger.Info("budget cycle closed",
			zap.String("agent_id", agentID),
			zap.String("budget_id", budgetID),
		)
	} else {
		m.logger.Debug("close cycle ignored, budget no longer active",
			zap.String("agent_id", agentID),
			zap.String("budget_id", budgetID),
		)
	}
	return closed, nil
}

// TryConsumeStep 原子地比较并递增步数计数器，永远不会超过 maxSteps
func (m *Manager) TryConsumeStep(ctx context.Context, agentID string, maxSteps int) (consumed bool, stepsUsed int, err error) {
	res, err := consumeStepScript.Run(ctx, m.store.Client(), m.keys(agentID),
		m.ttl(), m.hashPrefix(agentID), maxSteps,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("consume step: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("consume step: unexpected reply %v", res)
	}
	return toInt(res[0]) == 1, toInt(res[1]), nil
}

// StepsUsed 返回当前步数计数
func (m *Manager) StepsUsed(ctx context.Context, agentID string) (int, error) {
	n, err := m.store.Client().Get(ctx, m.stepsKey(agentID)).Int()
	if kv.IsNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get steps: %w", err)
	}
	return n, nil
}

// CreateBranch 在周期内创建一个分支，初始值为 depth
func (m *Manager) CreateBranch(ctx context.Context, agentID, budgetID string, depth int) (string, error) {
	branchID := uuid.NewString()
	if err := m.SetBranchDepth(ctx, agentID, branchID, depth); err != nil {
		return "", err
	}
	m.logger.Debug("branch created",
		zap.String("agent_id", agentID),
		zap.String("budget_id", budgetID),
		zap.String("branch_id", branchID),
		zap.Int("depth", depth),
	)
	return branchID, nil
}

// GetBranchDepth 读取分支计数
func (m *Manager) GetBranchDepth(ctx context.Context, agentID, branchID string) (int, error) {
	n, err := m.store.Client().HGet(ctx, m.branchesKey(agentID), branchID).Int()
	if kv.IsNil(err) {
		return 0, ErrBranchNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get branch: %w", err)
	}
	return n, nil
}

// SetBranchDepth 覆盖分支计数（负值按 0 处理）
func (m *Manager) SetBranchDepth(ctx context.Context, agentID, branchID string, value int) error {
	if value < 0 {
		value = 0
	}
	if err := setBranchScript.Run(ctx, m.store.Client(), m.keys(agentID),
		m.ttl(), m.hashPrefix(agentID), branchID, value,
	).Err(); err != nil {
		return fmt.Errorf("set branch: %w", err)
	}
	return nil
}

// BumpBranchDepth 原子地增减分支的未完成子任务计数，结果钳制为 >= 0。
// 这里的计数表示并发的后台子任务，而非递归深度。
func (m *Manager) BumpBranchDepth(ctx context.Context, agentID, branchID string, delta int) (int, error) {
	n, err := bumpBranchScript.Run(ctx, m.store.Client(), m.keys(agentID),
		m.ttl(), m.hashPrefix(agentID), branchID, delta,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("bump branch: %w", err)
	}
	return n, nil
}

// RemoveBranch 删除分支
func (m *Manager) RemoveBranch(ctx context.Context, agentID, branchID string) error {
	if err := removeBranchScript.Run(ctx, m.store.Client(), m.keys(agentID),
		m.ttl(), m.hashPrefix(agentID), branchID,
	).Err(); err != nil {
		return fmt.Errorf("remove branch: %w", err)
	}
	return nil
}

// GetTotalOutstandingWork 汇总所有正分支计数，用于判断 agent 能否安全进入空闲
func (m *Manager) GetTotalOutstandingWork(ctx context.Context, agentID string) (int, error) {
	vals, err := m.store.Client().HVals(ctx, m.branchesKey(agentID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("outstanding work: %w", err)
	}
	total := 0
	for _, v := range vals {
		if n := atoi(v); n > 0 {
			total += n
		}
	}
	return total, nil
}

func toInt(v any) int {
	switch x := v.(type) {
	case int64:
		return int(x)
	case string:
		return atoi(x)
	default:
		return 0
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
