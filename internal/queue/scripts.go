package queue

import "github.com/redis/go-redis/v9"

// KEYS[1] 到期 ZSET；ARGV[1] 当前时间(ms), ARGV[2] 最多领取数, ARGV[3] 任务哈希前缀, ARGV[4] agent 索引前缀。
// 只有 ZREM 成功的调用方拿到任务，并发 worker 不会重复领取。
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local k = ARGV[3] .. id
    local payload = redis.call('HGET', k, 'payload')
    local agent = redis.call('HGET', k, 'agent')
    if agent and agent ~= '' then
      redis.call('ZREM', ARGV[4] .. agent, id)
    end
    redis.call('DEL', k)
    if payload then
      table.insert(out, payload)
    end
  end
end
return out
`)
