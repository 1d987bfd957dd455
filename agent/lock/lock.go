package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/kv"
	"github.com/BaSui01/agentloop/types"
)

var (
	// ErrContended 在获取超时内未能拿到锁
	ErrContended = types.NewError(types.ErrLockContended, "execution lock is held by another worker").
			WithRetryable(true)
	// ErrNotHeld 令牌不匹配，锁已过期或被他人持有
	ErrNotHeld = types.NewError(types.ErrLockNotHeld, "execution lock is not held by this lease")
)

// Locker 按 agent 维度的租约互斥锁
type Locker struct {
	store    *kv.Store
	cfg      config.LockConfig
	workerID string
	logger   *zap.Logger
	now      func() time.Time
}

// NewLocker 创建分布式执行锁
func NewLocker(store *kv.Store, cfg config.LockConfig, workerID string, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workerID == "" {
		workerID = uuid.NewString()
	}
	return &Locker{
		store:    store,
		cfg:      cfg,
		workerID: workerID,
		logger:   logger.With(zap.String("component", "lock")),
		now:      time.Now,
	}
}

// WorkerID 返回本进程的 worker 标识
func (l *Locker) WorkerID() string { return l.workerID }

func (l *Locker) lockKey(agentID string) string   { return l.store.Key("lock", agentID) }
func (l *Locker) runSeqKey(agentID string) string { return l.store.Key("lock", agentID, "runseq") }

// Acquire 在 AcquireTimeout 内轮询 SET NX；超时后检测陈旧锁，必要时清除并做最后一次尝试。
// 失败时返回 ErrContended，调用方不应继续等待。
func (l *Locker) Acquire(ctx context.Context, agentID string) (*Lease, error) {
	key := l.lockKey(agentID)
	token := uuid.NewString()
	client := l.store.Client()

	deadline := l.now().Add(l.cfg.AcquireTimeout)
	for {
		ok, err := client.SetNX(ctx, key, token, l.cfg.Lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			return l.newLease(ctx, agentID, key, token)
		}
		if !l.now().Before(deadline) {
			break
		}

		timer := time.NewTimer(l.cfg.AcquirePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return l.reclaim(ctx, agentID, key, token)
}

// staleThreshold 剩余 TTL 超过该值的锁视为被遗弃
func (l *Locker) staleThreshold() time.Duration {
	mult := l.cfg.StaleMultiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(mult) * l.cfg.Lease
}

// reclaim 最后一次尝试：锁已消失则直接获取；TTL 无上限或远超租期时原子地覆盖陈旧锁
func (l *Locker) reclaim(ctx context.Context, agentID, key, token string) (*Lease, error) {
	n, err := reclaimScript.Run(ctx, l.store.Client(), []string{key},
		token, kv.TTLMillis(l.cfg.Lease), kv.TTLMillis(l.staleThreshold()),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("reclaim lock: %w", err)
	}
	switch n {
	case reclaimedStale:
		l.logger.Warn("cleared stale execution lock", zap.String("agent_id", agentID))
		return l.newLease(ctx, agentID, key, token)
	case reclaimedFree:
		return l.newLease(ctx, agentID, key, token)
	}
	l.logger.Debug("execution lock contended", zap.String("agent_id", agentID))
	return nil, ErrContended
}

func (l *Locker) newLease(ctx context.Context, agentID, key, token string) (*Lease, error) {
	runID, err := l.store.Client().Incr(ctx, l.runSeqKey(agentID)).Result()
	if err != nil {
		// 计数失败不影响持锁，回退到时间戳
		runID = l.now().UnixNano()
	}
	now := l.now()
	lease := &Lease{
		locker:     l,
		agentID:    agentID,
		key:        key,
		token:      token,
		runID:      runID,
		acquiredAt: now,
		lastExtend: now,
	}
	if l.cfg.ExtendInterval > 0 {
		lease.stop = make(chan struct{})
		lease.done = make(chan struct{})
		go lease.keepAlive(ctx)
	}
	l.logger.Debug("execution lock acquired",
		zap.String("agent_id", agentID),
		zap.Int64("run_id", runID),
	)
	return lease, nil
}

// Lease 一次持锁运行
type Lease struct {
	locker  *Locker
	agentID string
	key     string
	token   string
	runID   int64

	mu         sync.Mutex
	acquiredAt time.Time
	lastExtend time.Time
	failures   int
	disabled   bool
	released   bool

	stop chan struct{}
	done chan struct{}
}

// AgentID 返回被锁定的 agent
func (ls *Lease) AgentID() string { return ls.agentID }

// Token 返回持有者令牌
func (ls *Lease) Token() string { return ls.token }

// RunID 返回单调递增的运行编号
func (ls *Lease) RunID() int64 { return ls.runID }

// AcquiredAt 返回获取时间
func (ls *Lease) AcquiredAt() time.Time { return ls.acquiredAt }

// Extend 仅当令牌仍匹配时续期
func (ls *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, ls.locker.store.Client(), []string{ls.key},
		ls.token, kv.TTLMillis(ls.locker.cfg.Lease),
	).Int()
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// MaybeExtend 在检查点调用：距上次续期超过 ExtendInterval 才真正续期。
// 连续失败达到 MaxExtendFailures 后停止续期，运行继续以尽力而为的方式进行。
func (ls *Lease) MaybeExtend(ctx context.Context) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.disabled || ls.released {
		return
	}
	now := ls.locker.now()
	if now.Sub(ls.lastExtend) < ls.locker.cfg.ExtendInterval {
		return
	}
	ls.extendLocked(ctx, now)
}

// keepAlive 持锁期间按 ExtendInterval 续期，模型调用与工具调用进行中同样有效
func (ls *Lease) keepAlive(ctx context.Context) {
	defer close(ls.done)
	ticker := time.NewTicker(ls.locker.cfg.ExtendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ls.mu.Lock()
		if ls.disabled || ls.released {
			ls.mu.Unlock()
			return
		}
		ls.extendLocked(ctx, ls.locker.now())
		ls.mu.Unlock()
	}
}

// extendLocked 调用方持有 ls.mu
func (ls *Lease) extendLocked(ctx context.Context, now time.Time) {
	if err := ls.Extend(ctx); err != nil {
		ls.failures++
		ls.locker.logger.Warn("lock extension failed",
			zap.String("agent_id", ls.agentID),
			zap.Int("failures", ls.failures),
			zap.Error(err),
		)
		if ls.failures >= ls.locker.cfg.MaxExtendFailures {
			ls.disabled = true
			ls.locker.logger.Warn("lock extension disabled for this run",
				zap.String("agent_id", ls.agentID),
				zap.Int64("run_id", ls.runID),
			)
		}
		return
	}
	ls.failures = 0
	ls.lastExtend = now
}

// ExtensionDisabled 返回续期是否已因失败过多而停用
func (ls *Lease) ExtensionDisabled() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.disabled
}

// Release 停止后台续期并释放锁；令牌不匹配（已过期被他人获取）时返回 ErrNotHeld。重复调用是安全的。
func (ls *Lease) Release(ctx context.Context) error {
	ls.mu.Lock()
	if ls.released {
		ls.mu.Unlock()
		return nil
	}
	ls.released = true
	ls.mu.Unlock()

	if ls.stop != nil {
		close(ls.stop)
		<-ls.done
	}

	n, err := releaseScript.Run(ctx, ls.locker.store.Client(), []string{ls.key}, ls.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	ls.locker.logger.Debug("execution lock released",
		zap.String("agent_id", ls.agentID),
		zap.Int64("run_id", ls.runID),
		zap.Duration("held", ls.locker.now().Sub(ls.acquiredAt)),
	)
	return nil
}

// IsContended 判断错误是否为锁竞争
func IsContended(err error) bool {
	return errors.Is(err, ErrContended) || types.IsCode(err, types.ErrLockContended)
}
