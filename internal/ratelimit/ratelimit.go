// Package ratelimit caps how often a user may request content generation.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "genesis:rate_limit"

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter shared through Redis.
// A nil *Limiter allows everything.
type Limiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// New returns a limiter allowing limit calls per window per subject.
func New(client redis.UniversalClient, prefix string, limit int, window time.Duration) *Limiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = defaultPrefix
	}
	return &Limiter{client: client, prefix: trimmedPrefix, limit: limit, window: window}
}

// Allow counts one call for scope/subject and reports whether it fits the window.
func (limiter *Limiter) Allow(ctx context.Context, scope string, subject string) (Decision, error) {
	if limiter == nil || limiter.client == nil || limiter.limit <= 0 || limiter.window <= 0 {
		return Decision{Allowed: true}, nil
	}
	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return Decision{Allowed: true}, nil
	}

	windowMs := limiter.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	key := fmt.Sprintf("%s:%s:%s", limiter.prefix, normalizedScope, normalizedSubject)
	rawResult, err := fixedWindowScript.Run(ctx, limiter.client, []string{key}, windowMs).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit response shape: %T", rawResult)
	}
	currentCount, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected rate limit count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	decision := Decision{Allowed: int(currentCount) <= limiter.limit, Count: int(currentCount)}
	if !decision.Allowed {
		retryAfterSeconds := int64(math.Ceil(float64(ttlMs) / 1000.0))
		if retryAfterSeconds < 1 {
			retryAfterSeconds = 1
		}
		decision.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	}
	return decision, nil
}
