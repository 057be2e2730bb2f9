package guard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"assistant_server/core/port/out"
)

const crashLoopKey = "crashloop:starts"

// CrashLoopGuard detects repeated rapid process restarts. The counter lives
// in the shared store so it survives the restarts it is counting. When
// tripped, the process must stay passively alive instead of exiting: a
// supervisor restart on exit would re-trigger the loop and amplify the
// original failure into unbounded external spend.
type CrashLoopGuard struct {
	store     out.KVStore
	notifier  out.OperatorNotifier
	threshold int64
	window    time.Duration
	log       zerolog.Logger

	halted atomic.Bool
}

// NewCrashLoopGuard creates a crash-loop guard.
func NewCrashLoopGuard(store out.KVStore, notifier out.OperatorNotifier, threshold int64, window time.Duration, log zerolog.Logger) *CrashLoopGuard {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &CrashLoopGuard{
		store:     store,
		notifier:  notifier,
		threshold: threshold,
		window:    window,
		log:       log.With().Str("component", "crashloop").Logger(),
	}
}

// OnStartup increments the start counter and reports whether the process is
// allowed to initiate external work. Called exactly once per process start,
// before any per-message concurrency exists.
//
// If the store is unreachable the guard fails open for connectivity: a
// blind-spot crash loop is worse than a missed detection on a store outage,
// so it logs loudly and allows startup.
func (g *CrashLoopGuard) OnStartup(ctx context.Context) bool {
	count, err := g.store.Incr(ctx, crashLoopKey)
	if err != nil {
		g.log.Error().Err(err).
			Msg("crash-loop counter store unreachable, failing open; restarts are currently undetected")
		return true
	}
	if count == 1 {
		if err := g.store.Expire(ctx, crashLoopKey, g.window); err != nil {
			g.log.Error().Err(err).Msg("failed to set crash-loop window expiry")
		}
	}

	if count > g.threshold {
		g.halted.Store(true)
		g.log.Error().
			Int64("start_count", count).
			Dur("window", g.window).
			Msg("crash loop detected, halting intake")
		g.notify(ctx, fmt.Sprintf("crash loop detected: %d starts within %s, intake halted", count, g.window))
		return false
	}

	g.log.Info().Int64("start_count", count).Msg("startup admitted")
	return true
}

// MarkHealthy resets the counter after a clean, fully successful transport
// handshake.
func (g *CrashLoopGuard) MarkHealthy(ctx context.Context) {
	if err := g.store.Delete(ctx, crashLoopKey); err != nil {
		g.log.Warn().Err(err).Msg("failed to reset crash-loop counter")
		return
	}
	g.log.Debug().Msg("crash-loop counter reset after healthy handshake")
}

// Halted reports whether intake is currently refused.
func (g *CrashLoopGuard) Halted() bool {
	return g.halted.Load()
}

// Reset clears the counter and the halt flag. Exposed to operators via the
// ops API.
func (g *CrashLoopGuard) Reset(ctx context.Context) error {
	if err := g.store.Delete(ctx, crashLoopKey); err != nil {
		return err
	}
	g.halted.Store(false)
	g.log.Warn().Msg("crash-loop guard reset by operator")
	return nil
}

// State reports the current start count and the remaining detection window.
func (g *CrashLoopGuard) State(ctx context.Context) (count int64, remaining time.Duration) {
	data, err := g.store.Get(ctx, crashLoopKey)
	if err != nil {
		return 0, 0
	}
	fmt.Sscanf(string(data), "%d", &count)
	if ttl, err := g.store.TTL(ctx, crashLoopKey); err == nil && ttl > 0 {
		remaining = ttl
	}
	return count, remaining
}

// WaitPassive blocks until the detection window expires or ctx is
// cancelled, then clears the halt flag. The process stays alive the whole
// time so an external supervisor has nothing to restart.
func (g *CrashLoopGuard) WaitPassive(ctx context.Context) {
	_, remaining := g.State(ctx)
	if remaining <= 0 {
		remaining = g.window
	}
	g.log.Warn().Dur("wait", remaining).Msg("entering passive wait until crash-loop window expires")

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		g.halted.Store(false)
		g.log.Info().Msg("crash-loop window expired, intake re-enabled")
	}
}

func (g *CrashLoopGuard) notify(ctx context.Context, msg string) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.Notify(ctx, out.NotifyCritical, msg); err != nil {
		g.log.Warn().Err(err).Msg("operator notification failed")
	}
}
