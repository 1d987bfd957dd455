package failover

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/agentloop/internal/kv"
)

// Preference 某个 agent 最近一次成功的 provider/model 以及连续成功次数
type Preference struct {
	Key    string `json:"key"`
	Streak int    `json:"streak"`
}

// PreferenceStore 在共享存储中保存粘性偏好
type PreferenceStore struct {
	store *kv.Store
	ttl   time.Duration
}

// NewPreferenceStore 创建偏好存储
func NewPreferenceStore(store *kv.Store, ttl time.Duration) *PreferenceStore {
	return &PreferenceStore{store: store, ttl: ttl}
}

func (p *PreferenceStore) key(agentID string) string { return p.store.Key("llm", agentID, "pref") }

// Get 读取偏好，不存在时返回 nil
func (p *PreferenceStore) Get(ctx context.Context, agentID string) (*Preference, error) {
	vals, err := p.store.Client().HGetAll(ctx, p.key(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	if vals["key"] == "" {
		return nil, nil
	}
	streak, _ := strconv.Atoi(vals["streak"])
	return &Preference{Key: vals["key"], Streak: streak}, nil
}

// KEYS[1] 偏好哈希, ARGV[1] 候选键, ARGV[2] TTL(ms)
var recordSuccessScript = redis.NewScript(`
local streak
if redis.call('HGET', KEYS[1], 'key') == ARGV[1] then
  streak = redis.call('HINCRBY', KEYS[1], 'streak', 1)
else
  redis.call('HSET', KEYS[1], 'key', ARGV[1], 'streak', 1)
  streak = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return streak
`)

// RecordSuccess 记录一次成功：同一候选累加连胜，换候选则重置为 1
func (p *PreferenceStore) RecordSuccess(ctx context.Context, agentID, candidateKey string) (int, error) {
	n, err := recordSuccessScript.Run(ctx, p.store.Client(), []string{p.key(agentID)},
		candidateKey, kv.TTLMillis(p.ttl),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("record preference: %w", err)
	}
	return n, nil
}
