package redis

import "github.com/redis/go-redis/v9"

// Every script runs the full decision server-side so the step is atomic per
// key across replicas. Scripts read the clock with TIME (hence
// replicate_commands) so all replicas agree on now regardless of their own
// clocks. ARGV[len-1] is a commit flag: 0 makes the script a pure dry run,
// which is what the composite limiter's check pass needs.
//
// All scripts return {allowed, remaining, retry_ms, extra_ms} where extra_ms
// is the leaky bucket queue delay and zero elsewhere. Times inside the
// scripts are microseconds from TIME; durations returned are milliseconds.

// tokenBucketScript keeps tokens and the refill anchor in a hash. Whole
// tokens refill at rate per second; the anchor advances only by the share of
// elapsed time that produced whole tokens, carrying the fractional remainder.
//
// KEYS[1] bucket hash. ARGV: capacity, rate, n, commit.
var tokenBucketScript = redis.NewScript(`
redis.replicate_commands()
local t = redis.call('TIME')
local now = t[1] * 1000000 + t[2]

local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local n = tonumber(ARGV[3])
local commit = tonumber(ARGV[4]) == 1

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end

local elapsed = now - ts
if elapsed > 0 and tokens < capacity then
    local to_full = (capacity - tokens) * 1000000 / rate
    if elapsed >= to_full then
        tokens = capacity
        ts = now
    else
        local add = math.floor(elapsed * rate / 1000000)
        if add > 0 then
            tokens = tokens + add
            ts = ts + math.floor(add * 1000000 / rate)
        end
    end
end

local allowed = 0
local remaining = tokens
local retry = 0
if n <= tokens then
    allowed = 1
    tokens = tokens - n
    remaining = tokens
elseif n <= capacity then
    retry = math.ceil((n - tokens) * 1000 / rate)
end

if commit == true then
    redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', ts)
    redis.call('EXPIRE', KEYS[1], math.ceil(capacity / rate) * 2 + 60)
end
return {allowed, remaining, retry, 0}
`)

// slidingWindowScript keeps one sorted-set member per admitted unit, scored
// by admission time. A member aged exactly the window is pruned, so a request
// arriving on the boundary is admitted. KEYS[2] is a sequence counter that
// keeps members unique within one microsecond.
//
// KEYS[1] log zset, KEYS[2] seq counter. ARGV: capacity, window_us, n, commit.
var slidingWindowScript = redis.NewScript(`
redis.replicate_commands()
local t = redis.call('TIME')
local now = t[1] * 1000000 + t[2]

local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local n = tonumber(ARGV[3])
local commit = tonumber(ARGV[4]) == 1

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])

local allowed = 0
local remaining = capacity - count
local retry = 0
if count + n <= capacity then
    allowed = 1
    remaining = capacity - count - n
    if commit == true and n > 0 then
        for i = 1, n do
            local seq = redis.call('INCR', KEYS[2])
            redis.call('ZADD', KEYS[1], now, now .. '-' .. seq)
        end
    end
elseif n <= capacity then
    local need = count + n - capacity
    local oldest = redis.call('ZRANGE', KEYS[1], need - 1, need - 1, 'WITHSCORES')
    if oldest[2] then
        retry = math.ceil((window - (now - tonumber(oldest[2]))) / 1000)
    end
end

if commit == true then
    local ttl = math.ceil(window / 1000000) * 2 + 60
    redis.call('EXPIRE', KEYS[1], ttl)
    redis.call('EXPIRE', KEYS[2], ttl)
end
return {allowed, remaining, retry, 0}
`)

// fixedWindowScript counts in epoch-aligned windows: the window start is
// now rounded down to a window multiple, so every replica and the in-process
// backend agree on boundaries.
//
// KEYS[1] bucket hash. ARGV: capacity, window_us, n, commit.
var fixedWindowScript = redis.NewScript(`
redis.replicate_commands()
local t = redis.call('TIME')
local now = t[1] * 1000000 + t[2]

local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local n = tonumber(ARGV[3])
local commit = tonumber(ARGV[4]) == 1

local ws = now - (now % window)

local state = redis.call('HMGET', KEYS[1], 'count', 'ws')
local count = tonumber(state[1])
local stored_ws = tonumber(state[2])
if count == nil or stored_ws ~= ws then
    count = 0
end

local allowed = 0
local retry = 0
if count + n <= capacity then
    allowed = 1
    count = count + n
else
    retry = math.ceil((ws + window - now) / 1000)
end

if commit == true then
    redis.call('HSET', KEYS[1], 'count', count, 'ws', ws)
    redis.call('EXPIRE', KEYS[1], math.ceil(window / 1000000) * 2 + 60)
end
return {allowed, capacity - count, retry, 0}
`)

// leakyBucketScript mirrors the token bucket with the meter inverted: level
// rises on admission and drains at rate per second. The fourth return value
// is the queue delay in milliseconds for admitted requests.
//
// KEYS[1] bucket hash. ARGV: capacity, rate, n, commit.
var leakyBucketScript = redis.NewScript(`
redis.replicate_commands()
local t = redis.call('TIME')
local now = t[1] * 1000000 + t[2]

local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local n = tonumber(ARGV[3])
local commit = tonumber(ARGV[4]) == 1

local state = redis.call('HMGET', KEYS[1], 'level', 'ts')
local level = tonumber(state[1])
local ts = tonumber(state[2])
if level == nil or ts == nil then
    level = 0
    ts = now
end

local elapsed = now - ts
if elapsed > 0 and level > 0 then
    local to_empty = level * 1000000 / rate
    if elapsed >= to_empty then
        level = 0
        ts = now
    else
        local leaked = math.floor(elapsed * rate / 1000000)
        if leaked > 0 then
            level = level - leaked
            ts = ts + math.floor(leaked * 1000000 / rate)
        end
    end
end

local allowed = 0
local retry = 0
local queue = 0
if level + n <= capacity then
    allowed = 1
    level = level + n
    if n > 0 then
        queue = math.floor(level * 1000 / rate)
    end
elseif n <= capacity then
    retry = math.ceil((level + n - capacity) * 1000 / rate)
end

if commit == true then
    redis.call('HSET', KEYS[1], 'level', level, 'ts', ts)
    redis.call('EXPIRE', KEYS[1], math.ceil(capacity / rate) * 2 + 60)
end
return {allowed, capacity - level, retry, queue}
`)
