// Package kv provides the shared state store used for all cross-invocation
// coordination. This package is internal and should not be imported by external projects.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/tlsutil"
)

// =============================================================================
// 💾 共享状态存储
// =============================================================================

// ErrClosed 存储已关闭
var ErrClosed = errors.New("kv store is closed")

// Store 包装 Redis 客户端并统一键前缀
type Store struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// NewStore 根据配置连接 Redis
func NewStore(cfg config.RedisConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ForAddr(cfg.Addr)
	}
	client := redis.NewClient(opts)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := newStore(client, cfg.KeyPrefix, logger)

	if cfg.HealthCheckInterval > 0 {
		go s.healthCheckLoop(cfg.HealthCheckInterval)
	}

	logger.Info("kv store initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize),
		zap.String("key_prefix", cfg.KeyPrefix),
	)

	return s, nil
}

// NewStoreFromClient 使用已有客户端创建存储（测试与嵌入场景）
func NewStoreFromClient(client *redis.Client, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newStore(client, prefix, logger)
}

func newStore(client *redis.Client, prefix string, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "kv")),
		stop:   make(chan struct{}),
	}
}

// Client 返回底层 Redis 客户端
func (s *Store) Client() *redis.Client {
	return s.client
}

// Key 拼接带前缀的键，例如 Key("lock", "a1") => "agentloop:lock:a1"
func (s *Store) Key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

// Ping 检查 Redis 连接
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return s.client.Ping(ctx).Err()
}

// Close 关闭存储
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	s.logger.Info("closing kv store")

	return s.client.Close()
}

// healthCheckLoop 健康检查循环
func (s *Store) healthCheckLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Ping(ctx); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Error("kv health check failed", zap.Error(err))
		} else {
			s.logger.Debug("kv health check passed")
		}
		cancel()
	}
}

// IsNil 判断是否为键不存在
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// TTLMillis 将 Duration 转成脚本使用的毫秒参数，最小为 1
func TTLMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}
