package queue

import redis "github.com/redis/go-redis/v9"

// KEYS: job, wait, delayed
// ARGV: id, envelope, maxAttempts, processAtMillis (0 = now)
var addJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'envelope', ARGV[2], 'attemptsMade', 0, 'stalledCount', 0, 'maxAttempts', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// KEYS: wait, active
// ARGV: lockDeadlineMillis, token, jobKeyPrefix
var moveToActiveScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
local jobKey = ARGV[3] .. id
if redis.call('EXISTS', jobKey) == 0 then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', jobKey, 'lockToken', ARGV[2])
return id
`)

// KEYS: active, job
// ARGV: id, token, lockDeadlineMillis
var extendLockScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lockToken') == ARGV[2] and redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

// KEYS: active, job
// ARGV: id, token
var completeJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lockToken') ~= ARGV[2] then
  redis.call('ZREM', KEYS[1], ARGV[1])
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: active, job, delayed
// ARGV: id, token, processAtMillis
// Returns 1 when the job was moved to delayed, 0 when the lock was lost.
var postponeJobScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('HGET', KEYS[2], 'lockToken') ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[2], 'lockToken')
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: active, job, wait, failed
// ARGV: id, token, retry (1 or 0), reason, nowMillis, retentionMillis, maxFailed, jobKeyPrefix
// Returns 1 when the job was requeued, 0 when it failed for good, -1 when
// the lock was lost.
var failJobScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('HGET', KEYS[2], 'lockToken') ~= ARGV[2] then
  return -1
end
local made = redis.call('HINCRBY', KEYS[2], 'attemptsMade', 1)
local max = tonumber(redis.call('HGET', KEYS[2], 'maxAttempts') or '1')
redis.call('HSET', KEYS[2], 'failedReason', ARGV[4])
redis.call('HDEL', KEYS[2], 'lockToken')
if ARGV[3] == '1' and made < max then
  redis.call('LPUSH', KEYS[3], ARGV[1])
  return 1
end
redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
local cutoff = tonumber(ARGV[5]) - tonumber(ARGV[6])
for _, old in ipairs(redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', cutoff)) do
  redis.call('DEL', ARGV[8] .. old)
end
redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', cutoff)
local count = redis.call('ZCARD', KEYS[4])
local limit = tonumber(ARGV[7])
if count > limit then
  for _, old in ipairs(redis.call('ZRANGE', KEYS[4], 0, count - limit - 1)) do
    redis.call('DEL', ARGV[8] .. old)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[4], 0, count - limit - 1)
end
return 0
`)

// KEYS: delayed, wait
// ARGV: nowMillis, limit
var promoteDelayedScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// KEYS: active, wait, failed
// ARGV: nowMillis, maxStalledCount, jobKeyPrefix, reason
var recoverStalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued = 0
local failed = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    local stalled = redis.call('HINCRBY', jobKey, 'stalledCount', 1)
    redis.call('HDEL', jobKey, 'lockToken')
    if stalled > tonumber(ARGV[2]) then
      redis.call('HSET', jobKey, 'failedReason', ARGV[4])
      redis.call('ZADD', KEYS[3], ARGV[1], id)
      failed = failed + 1
    else
      redis.call('RPUSH', KEYS[2], id)
      requeued = requeued + 1
    end
  end
end
return {requeued, failed}
`)

// KEYS: job, wait, delayed, active, failed
// ARGV: id
var removeJobScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[4], ARGV[1]) then
  return 0
end
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// KEYS: wait, delayed, active, failed
// ARGV: prefix, jobKeyPrefix
var removeByPrefixScript = redis.NewScript(`
local prefix = ARGV[1]
local removed = 0
local function matches(id)
  return string.sub(id, 1, #prefix) == prefix and not redis.call('ZSCORE', KEYS[3], id)
end
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
  if matches(id) then
    redis.call('LREM', KEYS[1], 0, id)
    redis.call('DEL', ARGV[2] .. id)
    removed = removed + 1
  end
end
for _, set in ipairs({KEYS[2], KEYS[4]}) do
  for _, id in ipairs(redis.call('ZRANGE', set, 0, -1)) do
    if matches(id) then
      redis.call('ZREM', set, id)
      redis.call('DEL', ARGV[2] .. id)
      removed = removed + 1
    end
  end
end
return removed
`)
