// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. The relay throttles chat messages, quizzes, call
// attempts and reactions per user.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // action label for metrics and rate_limited events
	Key    string        // Redis key prefix (e.g., "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 20 messages per 10 seconds per user.
	RuleMessage = Rule{Name: "message", Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleQuiz allows 10 quizzes per minute per user.
	RuleQuiz = Rule{Name: "quiz", Key: "rl:quiz:", Limit: 10, Window: 1 * time.Minute}

	// RuleCall allows 5 call attempts per minute per user.
	RuleCall = Rule{Name: "call", Key: "rl:call:", Limit: 5, Window: 1 * time.Minute}

	// RuleReaction allows 30 reactions per minute per user.
	RuleReaction = Rule{Name: "reaction", Key: "rl:react:", Limit: 30, Window: 1 * time.Minute}

	// RuleConnect allows 10 WebSocket connections per minute per IP.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 10, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Decision is the outcome of one Allow check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // zero when allowed
}

// Allow counts one action by identifier against rule. The counter and its
// window expiry are set in one transaction so a key never outlives its
// window. Redis errors fail open.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return Decision{Allowed: true}, err
	}

	if int(incr.Val()) <= rule.Limit {
		return Decision{Allowed: true}, nil
	}
	retry := ttl.Val()
	if retry <= 0 {
		retry = rule.Window
	}
	return Decision{RetryAfter: retry}, nil
}
