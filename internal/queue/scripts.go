package queue

import "github.com/redis/go-redis/v9"

// Every state change is a single script so a message id is never visible in
// two sets, or in none, between steps.

// KEYS: records, pending
// ARGV: id, record, score
var enqueueScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// Returns a flat list of id, record pairs.
//
// KEYS: processing, records, source sets in scan order...
// ARGV: max score, limit, processing score
var dequeueScript = redis.NewScript(`
local out = {}
local taken = 0
local limit = tonumber(ARGV[2])
for i = 3, #KEYS do
  if taken >= limit then break end
  local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', ARGV[1], 'LIMIT', 0, limit - taken)
  for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[i], id)
    local raw = redis.call('HGET', KEYS[2], id)
    if raw then
      redis.call('ZADD', KEYS[1], ARGV[3], id)
      table.insert(out, id)
      table.insert(out, raw)
      taken = taken + 1
    end
  end
end
return out
`)

// Moves id out of KEYS[1]. With a third key the (optionally rewritten)
// record is kept and id is added to KEYS[3]; without it the record is
// deleted.
//
// KEYS: from, records[, to]
// ARGV: id, record or "", score
var transitionScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if #KEYS < 3 then
  redis.call('HDEL', KEYS[2], ARGV[1])
  return 1
end
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: processing, records, retry
// ARGV: cutoff score, due score
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HEXISTS', KEYS[2], id) == 1 then
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    n = n + 1
  end
end
return n
`)
