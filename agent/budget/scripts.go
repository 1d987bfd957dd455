package budget

import "github.com/redis/go-redis/v9"

// 所有脚本共享同一组 KEYS：
//
//	KEYS[1] 活跃周期指针  KEYS[2] 步数计数器  KEYS[3] 分支哈希
//
// 以及 ARGV[1] = TTL(ms)、ARGV[2] = 周期哈希键前缀。
// refresh 会续期上述全部结构以及当前活跃周期的哈希。
const refreshFn = `
local function refresh(ttl)
  local cur = redis.call('GET', KEYS[1])
  if cur then
    redis.call('PEXPIRE', KEYS[1], ttl)
    redis.call('PEXPIRE', ARGV[2] .. cur, ttl)
  end
  redis.call('PEXPIRE', KEYS[2], ttl)
  redis.call('PEXPIRE', KEYS[3], ttl)
end
`

// ARGV[3] 新 budget_id, ARGV[4] max_steps, ARGV[5] max_depth, ARGV[6] 创建时间
var findOrStartScript = redis.NewScript(refreshFn + `
local cur = redis.call('GET', KEYS[1])
if cur then
  local h = ARGV[2] .. cur
  if redis.call('HGET', h, 'status') == 'active' then
    refresh(ARGV[1])
    return {cur, redis.call('HGET', h, 'max_steps'), redis.call('HGET', h, 'max_depth'), 0}
  end
end
local h = ARGV[2] .. ARGV[3]
redis.call('HSET', h, 'max_steps', ARGV[4], 'max_depth', ARGV[5], 'status', 'active', 'created_at', ARGV[6])
redis.call('PEXPIRE', h, ARGV[1])
redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[1])
redis.call('SET', KEYS[2], '0', 'PX', ARGV[1])
redis.call('DEL', KEYS[3])
return {ARGV[3], ARGV[4], ARGV[5], 1}
`)

// ARGV[1] 关闭后哈希的保留 TTL, ARGV[3] 调用方的 budget_id
var closeCycleScript = redis.NewScript(`
local h = ARGV[2] .. ARGV[3]
local cur = redis.call('GET', KEYS[1])
if cur ~= ARGV[3] then
  if redis.call('EXISTS', h) == 1 then
    redis.call('HSET', h, 'status', 'closed')
  end
  return 0
end
if redis.call('EXISTS', h) == 1 then
  redis.call('HSET', h, 'status', 'closed')
  redis.call('PEXPIRE', h, ARGV[1])
end
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[3])
return 1
`)

// ARGV[3] max_steps
var consumeStepScript = redis.NewScript(refreshFn + `
local used = tonumber(redis.call('GET', KEYS[2]) or '0')
if used >= tonumber(ARGV[3]) then
  refresh(ARGV[1])
  return {0, used}
end
used = redis.call('INCR', KEYS[2])
refresh(ARGV[1])
return {1, used}
`)

// ARGV[3] branch_id, ARGV[4] 值
var setBranchScript = redis.NewScript(refreshFn + `
redis.call('HSET', KEYS[3], ARGV[3], ARGV[4])
refresh(ARGV[1])
return tonumber(ARGV[4])
`)

// ARGV[3] branch_id, ARGV[4] delta；结果钳制为 >= 0
var bumpBranchScript = redis.NewScript(refreshFn + `
local v = redis.call('HINCRBY', KEYS[3], ARGV[3], ARGV[4])
if v < 0 then
  redis.call('HSET', KEYS[3], ARGV[3], '0')
  v = 0
end
refresh(ARGV[1])
return v
`)

// ARGV[3] branch_id
var removeBranchScript = redis.NewScript(refreshFn + `
local n = redis.call('HDEL', KEYS[3], ARGV[3])
refresh(ARGV[1])
return n
`)
