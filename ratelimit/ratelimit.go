// Package ratelimit provides per-client request throttling backed by the
// shared store, with an in-process fallback when the store is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"midswap/storage"
)

const fallbackMaxClients = 4096

// Rule describes one throttle bucket: at most Limit requests per Window.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Limiter counts requests per (rule, client) in the shared store so all
// instances see the same window. If the store errors, the decision falls
// back to a local token bucket instead of failing the request.
type Limiter struct {
	kv  storage.KV
	log *slog.Logger

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

// New constructs a Limiter over kv.
func New(kv storage.KV, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		kv:       kv,
		log:      log,
		fallback: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether client may proceed under rule. Store failures are
// logged and answered from the in-process fallback.
func (l *Limiter) Allow(ctx context.Context, rule Rule, client string) bool {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return true
	}
	key := fmt.Sprintf("ratelimit:%s:%s", rule.Name, client)
	count, err := l.kv.Incr(ctx, key)
	if err != nil {
		l.log.Warn("rate limit store unavailable, using local fallback", "rule", rule.Name, "error", err)
		return l.allowLocal(rule, client)
	}
	if count == 1 {
		if err := l.kv.Expire(ctx, key, rule.Window); err != nil {
			l.log.Warn("rate limit window expire failed", "rule", rule.Name, "error", err)
		}
	}
	return count <= int64(rule.Limit)
}

func (l *Limiter) allowLocal(rule Rule, client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.fallback) >= fallbackMaxClients {
		l.fallback = make(map[string]*rate.Limiter)
	}
	key := rule.Name + ":" + client
	limiter, ok := l.fallback[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(rule.Window/time.Duration(rule.Limit)), rule.Limit)
		l.fallback[key] = limiter
	}
	return limiter.Allow()
}
