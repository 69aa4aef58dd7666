package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Scope names the route family a bucket guards.
type Scope string

const (
	ScopeSubmit Scope = "submit"
	ScopeProxy  Scope = "proxy"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeSubmit, ScopeProxy:
		return true
	}
	return false
}

// Subject is who draws from a bucket: an identified tenant, else the bearer
// token, else the client address of an anonymous download.
type Subject struct {
	Tenant string
	Token  string
	Addr   string
}

// key never carries the raw token.
func (s Subject) key() string {
	switch {
	case strings.TrimSpace(s.Tenant) != "":
		return "tenant:" + strings.TrimSpace(s.Tenant)
	case strings.TrimSpace(s.Token) != "":
		sum := sha256.Sum256([]byte(strings.TrimSpace(s.Token)))
		return "token:" + hex.EncodeToString(sum[:])
	case strings.TrimSpace(s.Addr) != "":
		return "ip:" + strings.TrimSpace(s.Addr)
	}
	return "anonymous"
}

// String is safe to log.
func (s Subject) String() string {
	switch {
	case s.Tenant != "":
		return s.Tenant
	case s.Token != "":
		return "token"
	case s.Addr != "":
		return "ip:" + s.Addr
	}
	return "anonymous"
}

type Bucket struct {
	RequestsPerMinute int
	BurstSize         int
}

func (b Bucket) Enabled() bool {
	return b.RequestsPerMinute > 0 && b.BurstSize > 0
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, scope Scope, subject Subject, bucket Bucket) (Decision, error)
}

type TokenBucketLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewTokenBucketLimiter(rdb *redis.Client) *TokenBucketLimiter {
	return &TokenBucketLimiter{rdb: rdb, now: time.Now}
}

// KEYS: bucket hash. ARGV: tokens/sec, capacity, now (ms), ttl (ms).
// Returns {allowed, retry_after_seconds, tokens_left}.
var tokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens")) or capacity
local ts = tonumber(redis.call("HGET", KEYS[1], "ts")) or now
if now < ts then ts = now end
tokens = math.min(capacity, tokens + (now - ts) * rate / 1000.0)

local allowed = 0
local retry = 0
if tokens >= 1.0 then
  allowed = 1
  tokens = tokens - 1.0
else
  retry = math.max(1, math.ceil((1.0 - tokens) / rate))
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {allowed, retry, math.floor(tokens)}
`)

func (l *TokenBucketLimiter) Allow(ctx context.Context, scope Scope, subject Subject, bucket Bucket) (Decision, error) {
	if l == nil || l.rdb == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	if !scope.Valid() {
		return Decision{}, fmt.Errorf("ratelimit: unknown scope %q", scope)
	}
	key := fmt.Sprintf("runplane:rl:%s:%s", scope, subject.key())

	ratePerSec := float64(bucket.RequestsPerMinute) / 60.0
	capacity := float64(bucket.BurstSize)
	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{key},
		ratePerSec, capacity, l.now().UTC().UnixMilli(), bucketTTL(ratePerSec, capacity).Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis ratelimit %s: %w", scope, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return Decision{}, fmt.Errorf("unexpected redis ratelimit response: %T", res)
	}

	allowed, _ := vals[0].(int64)
	retryAfterS, _ := vals[1].(int64)
	remaining, _ := vals[2].(int64)
	if allowed == 1 {
		return Decision{Allowed: true, Remaining: int(remaining)}, nil
	}
	if retryAfterS <= 0 {
		retryAfterS = 1
	}
	return Decision{RetryAfter: time.Duration(retryAfterS) * time.Second}, nil
}

// bucketTTL keeps state for about two refill-to-full cycles, bounded to [30s, 1h].
func bucketTTL(ratePerSec, capacity float64) time.Duration {
	const (
		minTTL = 30 * time.Second
		maxTTL = time.Hour
	)
	ttl := time.Duration(math.Ceil(capacity/ratePerSec*2))*time.Second + 5*time.Second
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}
