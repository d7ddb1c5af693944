package redislimit

import "github.com/redis/go-redis/v9"

// slidingWindow is the whole check as one atomic step. Scores are admission
// instants in unix ms, members are unique per admission.
//
// KEYS[1] sorted set for one identifier
// ARGV    now ms, window ms, max requests, member
// returns {admitted 0|1, count after the check, oldest counted instant}
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local admitted = 0
if count < max then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	admitted = 1
end

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end

if count > 0 then
	redis.call('PEXPIRE', key, window)
end
return {admitted, count, oldest}
`)
