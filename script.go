package simplethrottle

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// windowScript runs as a single atomic operation on the Redis server. It is
// the only thing that mutates a throttle's timestamp list, which is what
// makes the limit safe across processes: no two concurrent calls can both
// read stale capacity and both record past the limit.
//
// The list holds integer millisecond timestamps, oldest at the head, one
// entry per recorded event. Expired entries are trimmed lazily, and only
// when the size check needs accurate accounting (at capacity, or when the
// cleanup flag forces a pass), so the trim cost is bounded by the expired
// prefix rather than a full scan on every call.
//
// When size + push_count would exceed the effective limit, push_count is
// clamped so at most one entry lands beyond capacity. That single overflow
// entry is what lets an over-capacity call itself be remembered: with
// pause_to_recover set the effective limit is limit+1, so a denied call
// still leaves a marker that has to age out before anything succeeds again.
const windowScript = `
local list_key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local pause_to_recover = tonumber(ARGV[4])
local push_count = tonumber(ARGV[5])
local cleanup = tonumber(ARGV[6])

local size = redis.call('llen', list_key)
if size >= limit or (cleanup > 0 and size > 0) then
  local expired = now - ttl
  while size > 0 do
    local t = tonumber(redis.call('lpop', list_key))
    if t and t > expired then
      redis.call('lpush', list_key, t)
      break
    end
    size = size - 1
  end
end

local pause_limit = limit
if pause_to_recover > 0 then
  pause_limit = limit + 1
end

if size + push_count > pause_limit then
  push_count = (pause_limit - size) + 1
end

if size < pause_limit and push_count > 0 then
  for i = 1, push_count do
    redis.call('rpush', list_key, now)
  end
  redis.call('pexpire', list_key, ttl)
end

return size + push_count
`

// scriptSHA caches the loaded script identifier for the whole process. The
// SHA depends only on the script text, so one cache is shared by every
// throttle regardless of which client it resolves; an empty string means
// not yet loaded. No lock: a redundant concurrent SCRIPT LOAD returns the
// same SHA, so the race is harmless.
var scriptSHA atomic.Value // string

// OnScriptReload, when set, is called each time the window script has to be
// reloaded because the store reported its identifier unknown. Set it once at
// startup (before any throttle runs) if you want to count reloads; it must
// be safe for concurrent use.
var OnScriptReload func()

// evalWindowScript runs the window script by cached SHA, loading it on first
// use. If the server reports the SHA as unknown (restarted, or its script
// cache was flushed) the script is reloaded and the call retried exactly
// once; a second failure of any kind propagates unchanged, as does any
// error other than NOSCRIPT.
func evalWindowScript(ctx context.Context, client redis.UniversalClient, key string, args ...interface{}) (int64, error) {
	sha, err := loadedSHA(ctx, client)
	if err != nil {
		return 0, err
	}

	n, err := client.EvalSha(ctx, sha, []string{key}, args...).Int64()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		scriptSHA.Store("")
		if OnScriptReload != nil {
			OnScriptReload()
		}
		if sha, err = loadedSHA(ctx, client); err != nil {
			return 0, err
		}
		return client.EvalSha(ctx, sha, []string{key}, args...).Int64()
	}
	return n, err
}

func loadedSHA(ctx context.Context, client redis.UniversalClient) (string, error) {
	if sha, _ := scriptSHA.Load().(string); sha != "" {
		return sha, nil
	}
	sha, err := client.ScriptLoad(ctx, windowScript).Result()
	if err != nil {
		return "", err
	}
	scriptSHA.Store(sha)
	return sha, nil
}
