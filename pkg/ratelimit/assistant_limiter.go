// Package ratelimit protects the pipeline from a single flooding sender.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"assistant_server/core/port/out"
)

const limiterKeyPrefix = "ratelimit:sender:"

// SenderLimiter is a fixed-window per-sender message limiter backed by the
// shared KV store, so the limit holds across instances. Unlike the budget
// guard it fails open: shedding inbound traffic on a store outage would
// silence every caller for nothing.
type SenderLimiter struct {
	store  out.KVStore
	limit  int64
	window time.Duration
	log    zerolog.Logger
}

// NewSenderLimiter creates the limiter. limit <= 0 disables it.
func NewSenderLimiter(store out.KVStore, limit int64, window time.Duration, log zerolog.Logger) *SenderLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &SenderLimiter{
		store:  store,
		limit:  limit,
		window: window,
		log:    log.With().Str("component", "sender_limiter").Logger(),
	}
}

// Allow reports whether the sender may submit another message now.
func (l *SenderLimiter) Allow(ctx context.Context, sender string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	bucket := time.Now().Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("%s%s:%d", limiterKeyPrefix, sender, bucket)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		l.log.Warn().Err(err).Str("sender", sender).Msg("limiter store error, allowing")
		return true
	}
	if count == 1 {
		// Two windows keeps the key around for inspection without
		// letting stale buckets pile up.
		if err := l.store.Expire(ctx, key, 2*l.window); err != nil {
			l.log.Warn().Err(err).Msg("limiter expire failed")
		}
	}

	if count > l.limit {
		if count == l.limit+1 {
			l.log.Warn().Str("sender", sender).Int64("limit", l.limit).Msg("sender rate limit hit")
		}
		return false
	}
	return true
}
