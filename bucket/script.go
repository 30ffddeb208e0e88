package bucket

import "github.com/redis/go-redis/v9"

// checkSrc is the atomic bucket primitive. It refills, classifies against
// the soft/hard thresholds, consumes one token when admitted, and persists
// state only on consumption. The post-consumption guard refunds the token
// when the decrement itself would cross the hard ceiling, so no single call
// can push a bucket past it.
//
//	KEYS[1] = bucket key
//	ARGV    = capacity, refill_rate_per_sec, now_ms, soft_pct, hard_pct, ttl_s
//	Return  = {allowed, state, tokens, usage_pct}  (state 0=normal 1=soft 2=hard)
const checkSrc = `
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local soft_pct = tonumber(ARGV[4])
local hard_pct = tonumber(ARGV[5])
local ttl_s = tonumber(ARGV[6])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
    tokens = capacity
    last_refill = now_ms
end

local elapsed = (now_ms - last_refill) / 1000
if elapsed < 0 then
    elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * refill_rate)
last_refill = now_ms

local usage = (capacity - tokens) / capacity * 100

local allowed = 1
local bstate = 0
if usage >= hard_pct then
    allowed = 0
    bstate = 2
elseif usage >= soft_pct then
    bstate = 1
end

if allowed == 1 then
    tokens = tokens - 1
    local usage_after = (capacity - tokens) / capacity * 100
    if usage_after >= hard_pct then
        tokens = tokens + 1
        allowed = 0
        bstate = 2
    else
        usage = usage_after
    end
end

if allowed == 1 then
    redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', last_refill)
    redis.call('EXPIRE', KEYS[1], ttl_s)
end

return {allowed, bstate, math.floor(tokens), math.floor(usage)}
`

// peekSrc mirrors the check classification without consuming a token or
// touching stored state. Same ARGV and reply shape as checkSrc; ttl_s is
// accepted and ignored.
const peekSrc = `
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local soft_pct = tonumber(ARGV[4])
local hard_pct = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
    tokens = capacity
    last_refill = now_ms
end

local elapsed = (now_ms - last_refill) / 1000
if elapsed < 0 then
    elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local usage = (capacity - tokens) / capacity * 100

local allowed = 1
local bstate = 0
if usage >= hard_pct then
    allowed = 0
    bstate = 2
elseif usage >= soft_pct then
    bstate = 1
end

return {allowed, bstate, math.floor(tokens), math.floor(usage)}
`

var (
	checkScript = redis.NewScript(checkSrc)
	peekScript  = redis.NewScript(peekSrc)
)
