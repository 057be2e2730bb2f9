package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"assistant_server/core/port/out"
)

// Budget scopes.
const (
	ScopeGlobalDaily  = "global-daily"
	ScopeGlobalHourly = "global-hourly"
	ScopeCallerDaily  = "caller-daily"
)

// BudgetConfig holds the ceilings for metered external classification calls.
type BudgetConfig struct {
	GlobalDaily    int64
	GlobalHourly   int64
	PerCallerDaily int64

	// WarnFraction of the daily ceiling triggers a one-time-per-day
	// operator warning (default 2/3).
	WarnFraction float64
}

// DefaultBudgetConfig returns sensible defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		GlobalDaily:    2000,
		GlobalHourly:   300,
		PerCallerDaily: 100,
		WarnFraction:   0.66,
	}
}

// BudgetGuard enforces hard ceilings on external classification calls over
// rolling time windows. Counters are windowed atomic INCR keys in the
// shared store; windows roll over by key expiry, never by explicit clears.
type BudgetGuard struct {
	store    out.KVStore
	notifier out.OperatorNotifier
	cfg      BudgetConfig
	log      zerolog.Logger

	// test hook
	now func() time.Time
}

// NewBudgetGuard creates a budget guard.
func NewBudgetGuard(store out.KVStore, notifier out.OperatorNotifier, cfg BudgetConfig, log zerolog.Logger) *BudgetGuard {
	if cfg.WarnFraction <= 0 || cfg.WarnFraction >= 1 {
		cfg.WarnFraction = 0.66
	}
	return &BudgetGuard{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With().Str("component", "budget").Logger(),
		now:      time.Now,
	}
}

// TryReserve is called immediately before any external classification call.
// It returns false as soon as any scope's ceiling is met; the caller must
// then skip external classification entirely and degrade to a cached or
// heuristic result.
//
// A denied reservation may still have incremented earlier scopes; counters
// are advisory beyond the ceiling, correctness only requires that no scope
// admits more than its ceiling.
//
// On store failure it fails closed: uncounted external spend is exactly
// what this guard exists to prevent.
func (b *BudgetGuard) TryReserve(ctx context.Context, callerID string) bool {
	day := b.now().UTC().Format("20060102")
	hour := b.now().UTC().Format("2006010215")

	globalDay, ok := b.reserve(ctx, "budget:global:day:"+day, b.cfg.GlobalDaily, 48*time.Hour)
	if !ok {
		b.deny(ctx, ScopeGlobalDaily, day)
		return false
	}
	b.checkWarn(ctx, day, globalDay)

	if _, ok := b.reserve(ctx, "budget:global:hour:"+hour, b.cfg.GlobalHourly, 2*time.Hour); !ok {
		b.deny(ctx, ScopeGlobalHourly, hour)
		return false
	}

	if callerID != "" {
		key := fmt.Sprintf("budget:caller:%s:day:%s", callerID, day)
		if _, ok := b.reserve(ctx, key, b.cfg.PerCallerDaily, 48*time.Hour); !ok {
			b.log.Warn().Str("caller", callerID).Msg("per-caller budget exhausted")
			return false
		}
	}

	return true
}

// reserve increments one windowed counter and compares it to its ceiling.
func (b *BudgetGuard) reserve(ctx context.Context, key string, ceiling int64, ttl time.Duration) (int64, bool) {
	count, err := b.store.Incr(ctx, key)
	if err != nil {
		b.log.Error().Err(err).Str("key", key).Msg("budget store unreachable, denying reservation")
		return 0, false
	}
	if count == 1 {
		if err := b.store.Expire(ctx, key, ttl); err != nil {
			b.log.Error().Err(err).Str("key", key).Msg("failed to set budget window expiry")
		}
	}
	return count, count <= ceiling
}

// checkWarn emits the one-time-per-day warning when the daily counter
// crosses the warning fraction.
func (b *BudgetGuard) checkWarn(ctx context.Context, day string, globalDay int64) {
	warnAt := int64(float64(b.cfg.GlobalDaily) * b.cfg.WarnFraction)
	if globalDay < warnAt {
		return
	}
	created, err := b.store.SetNX(ctx, "budget:warned:day:"+day, []byte("1"), 48*time.Hour)
	if err != nil || !created {
		return
	}
	msg := fmt.Sprintf("classification budget at %d/%d for %s", globalDay, b.cfg.GlobalDaily, day)
	b.log.Warn().Int64("count", globalDay).Int64("ceiling", b.cfg.GlobalDaily).Msg("budget warning threshold crossed")
	b.notify(ctx, out.NotifyWarning, msg)
}

// deny logs a ceiling hit and emits the one-time-per-window critical alert.
func (b *BudgetGuard) deny(ctx context.Context, scope, window string) {
	b.log.Warn().Str("scope", scope).Str("window", window).Msg("budget ceiling reached, external classification disabled")

	created, err := b.store.SetNX(ctx, fmt.Sprintf("budget:alerted:%s:%s", scope, window), []byte("1"), 48*time.Hour)
	if err != nil || !created {
		return
	}
	b.notify(ctx, out.NotifyCritical,
		fmt.Sprintf("classification budget exhausted (%s, window %s); running degraded until rollover", scope, window))
}

func (b *BudgetGuard) notify(ctx context.Context, level out.NotifyLevel, msg string) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, level, msg); err != nil {
		b.log.Warn().Err(err).Msg("operator notification failed")
	}
}

// BudgetSnapshot is the advisory view of the current counters for
// operational diagnosis.
type BudgetSnapshot struct {
	Day          string `json:"day"`
	Hour         string `json:"hour"`
	GlobalDaily  int64  `json:"global_daily"`
	GlobalHourly int64  `json:"global_hourly"`
	DailyCeiling int64  `json:"daily_ceiling"`
	HourCeiling  int64  `json:"hourly_ceiling"`
}

// Snapshot reads the current window counters without modifying them.
func (b *BudgetGuard) Snapshot(ctx context.Context) BudgetSnapshot {
	day := b.now().UTC().Format("20060102")
	hour := b.now().UTC().Format("2006010215")

	return BudgetSnapshot{
		Day:          day,
		Hour:         hour,
		GlobalDaily:  b.readCounter(ctx, "budget:global:day:"+day),
		GlobalHourly: b.readCounter(ctx, "budget:global:hour:"+hour),
		DailyCeiling: b.cfg.GlobalDaily,
		HourCeiling:  b.cfg.GlobalHourly,
	}
}

func (b *BudgetGuard) readCounter(ctx context.Context, key string) int64 {
	data, err := b.store.Get(ctx, key)
	if err != nil {
		return 0
	}
	count, _ := strconv.ParseInt(string(data), 10, 64)
	return count
}
