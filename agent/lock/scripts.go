package lock

import "github.com/redis/go-redis/v9"

// KEYS[1] 锁键, ARGV[1] 持有者令牌, ARGV[2] 租期(ms)
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] 锁键, ARGV[1] 持有者令牌
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// KEYS[1] 待处理集合, KEYS[2] drain 认领键；原子地取出全部成员并释放认领
var drainScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
return members
`)

const (
	reclaimedStale = 1
	reclaimedFree  = 2
)

// KEYS[1] 锁键, ARGV[1] 持有者令牌, ARGV[2] 租期(ms), ARGV[3] 陈旧阈值(ms)
// 在同一脚本内复查 TTL，期间出现的新锁不会被删除
var reclaimScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl == -2 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 2
end
if ttl == -1 or ttl > tonumber(ARGV[3]) then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)
