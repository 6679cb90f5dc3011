package budget

import "github.com/redis/go-redis/v9"

// Each counter record is a hash with fields limit, used and reserved.
//
// reserveScript
//   KEYS[i]   counter key of scope i
//   ARGV[1]   amount
//   ARGV[2]   ttl seconds
//   ARGV[2+i] configured limit of scope i (only written when the record is new)
// Returns {1} on success, or {0, failed index (0-based), remaining} without
// touching any reserved/used field.
var reserveScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local n = #KEYS

for i = 1, n do
  redis.call('HSETNX', KEYS[i], 'limit', ARGV[2 + i])
  redis.call('HSETNX', KEYS[i], 'used', 0)
  redis.call('HSETNX', KEYS[i], 'reserved', 0)
  redis.call('EXPIRE', KEYS[i], ttl)
end

for i = 1, n do
  local v = redis.call('HMGET', KEYS[i], 'limit', 'used', 'reserved')
  local remaining = tonumber(v[1]) - tonumber(v[2]) - tonumber(v[3])
  if remaining < amount then
    return {0, i - 1, remaining}
  end
end

for i = 1, n do
  redis.call('HINCRBY', KEYS[i], 'reserved', amount)
end

return {1}
`)

// settleScript moves a reservation into usage. Release uses it with a usage
// of zero.
//   KEYS[i]   counter key of scope i
//   ARGV[1]   reserved amount to give back
//   ARGV[2]   amount to add to used
//   ARGV[3]   ttl seconds
//   ARGV[3+i] configured limit of scope i (only written when the record is new)
// reserved is clamped at zero so an expired and recreated record never goes
// negative. Returns the number of keys settled.
var settleScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local used = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

for i = 1, #KEYS do
  redis.call('HSETNX', KEYS[i], 'limit', ARGV[3 + i])
  redis.call('HSETNX', KEYS[i], 'used', 0)
  redis.call('HSETNX', KEYS[i], 'reserved', 0)

  local reserved = tonumber(redis.call('HGET', KEYS[i], 'reserved'))
  local release = amount
  if release > reserved then
    release = reserved
  end
  if release > 0 then
    redis.call('HINCRBY', KEYS[i], 'reserved', -release)
  end
  if used > 0 then
    redis.call('HINCRBY', KEYS[i], 'used', used)
  end
  redis.call('EXPIRE', KEYS[i], ttl)
end

return #KEYS
`)
