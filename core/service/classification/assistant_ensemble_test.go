package classification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"assistant_server/adapter/out/store"
	"assistant_server/core/domain"
	"assistant_server/core/port/out"
)

// stubBackend returns a fixed verdict after an optional delay.
type stubBackend struct {
	name       string
	intent     string
	confidence float64
	fields     map[string]string
	delay      time.Duration
	timeout    time.Duration
	err        error
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Timeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return time.Second
}

func (s *stubBackend) Classify(ctx context.Context, _ string) (*out.BackendResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &out.BackendResult{Intent: s.intent, Confidence: s.confidence, Fields: s.fields}, nil
}

// openBudget always grants; closedBudget always denies.
type openBudget struct{}

func (openBudget) TryReserve(context.Context, string) bool { return true }

type closedBudget struct{}

func (closedBudget) TryReserve(context.Context, string) bool { return false }

// countingBudget records how often a reservation was attempted.
type countingBudget struct {
	reserves int
}

func (b *countingBudget) TryReserve(context.Context, string) bool {
	b.reserves++
	return true
}

func newTestEnsemble(t *testing.T, budget budgetReserver, backends ...out.ClassifierBackend) *Ensemble {
	t.Helper()
	kv := store.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	cache := NewResultCache(kv, time.Minute, 0.5, zerolog.Nop())
	return NewEnsemble(backends, cache, budget, EnsembleConfig{}, zerolog.Nop())
}

func testMessage(text string) *domain.InboundMessage {
	return &domain.InboundMessage{
		ID:         "m-1",
		Sender:     "alice",
		Text:       text,
		ReceivedAt: time.Now(),
		Timezone:   "UTC",
	}
}

func TestEnsembleAgreementOutranksSplit(t *testing.T) {
	agreeing := newTestEnsemble(t, openBudget{},
		&stubBackend{name: "a", intent: "schedule_event", confidence: 0.8},
		&stubBackend{name: "b", intent: "schedule_event", confidence: 0.7},
		&stubBackend{name: "c", intent: "schedule_event", confidence: 0.9},
	)
	split := newTestEnsemble(t, openBudget{},
		&stubBackend{name: "a", intent: "schedule_event", confidence: 0.9},
		&stubBackend{name: "b", intent: "schedule_event", confidence: 0.9},
		&stubBackend{name: "c", intent: "cancel_event", confidence: 0.9},
	)

	ctx := context.Background()
	agree := agreeing.Classify(ctx, testMessage("book a room for friday"))
	disagree := split.Classify(ctx, testMessage("about that friday booking"))

	if agree.Confidence != confidenceAgreement {
		t.Fatalf("unanimous confidence = %v, want %v", agree.Confidence, confidenceAgreement)
	}
	if agree.NeedsDisambiguation {
		t.Fatal("unanimous verdict must not need disambiguation")
	}
	if disagree.Confidence != confidenceSplit {
		t.Fatalf("split confidence = %v, want %v", disagree.Confidence, confidenceSplit)
	}
	if !disagree.NeedsDisambiguation {
		t.Fatal("split verdict must need disambiguation")
	}
	if agree.Confidence <= disagree.Confidence {
		t.Fatal("agreement must outrank a split decision")
	}
	if disagree.Intent != domain.IntentScheduleEvent {
		t.Fatalf("split winner = %q, want plurality intent", disagree.Intent)
	}
}

func TestEnsembleSingleResponderIsCappedAndFlagged(t *testing.T) {
	e := newTestEnsemble(t, openBudget{},
		&stubBackend{name: "a", intent: "set_reminder", confidence: 0.99},
		&stubBackend{name: "b", err: errors.New("upstream 500")},
	)

	res := e.Classify(context.Background(), testMessage("remind me to call mom"))

	if !res.SingleSource {
		t.Fatal("single-responder verdict must be flagged")
	}
	if res.Confidence != singleSourceCap {
		t.Fatalf("confidence = %v, want cap %v", res.Confidence, singleSourceCap)
	}
	if res.Intent != domain.IntentSetReminder {
		t.Fatalf("intent = %q, want the responder's own verdict", res.Intent)
	}
}

func TestEnsembleSlowBackendDoesNotBlockOthers(t *testing.T) {
	e := newTestEnsemble(t, openBudget{},
		&stubBackend{name: "fast", intent: "list_agenda", confidence: 0.9, delay: 10 * time.Millisecond},
		&stubBackend{name: "stuck", intent: "list_agenda", confidence: 0.9, delay: time.Hour, timeout: 60 * time.Millisecond},
	)

	start := time.Now()
	res := e.Classify(context.Background(), testMessage("what's on today"))
	elapsed := time.Since(start)

	// Bounded by the slowest allowed timeout, never the stuck backend's
	// actual latency.
	if elapsed > 500*time.Millisecond {
		t.Fatalf("classification took %v, want bound near the 60ms timeout", elapsed)
	}
	if res.Intent != domain.IntentListAgenda {
		t.Fatalf("intent = %q, want the fast backend's verdict", res.Intent)
	}
	if !res.SingleSource {
		t.Fatal("timed-out backend must not count as a responder")
	}
}

func TestEnsembleAllBackendsDownDegradesToHeuristic(t *testing.T) {
	e := newTestEnsemble(t, openBudget{},
		&stubBackend{name: "a", err: errors.New("down")},
		&stubBackend{name: "b", err: errors.New("down")},
	)

	res := e.Classify(context.Background(), testMessage("please schedule a meeting tomorrow"))

	if !res.Degraded {
		t.Fatal("zero-responder verdict must be degraded")
	}
	if res.Source != domain.SourceHeuristic {
		t.Fatalf("source = %q, want heuristic fallback", res.Source)
	}
	if res.Intent != domain.IntentScheduleEvent {
		t.Fatalf("intent = %q, want keyword match", res.Intent)
	}
}

func TestEnsembleAllBackendsDownNoKeywordMatchIsExplicitUnknown(t *testing.T) {
	e := newTestEnsemble(t, openBudget{},
		&stubBackend{name: "a", err: errors.New("down")},
	)

	res := e.Classify(context.Background(), testMessage("qwghlm zzx"))

	if res.Intent != domain.IntentUnknown {
		t.Fatalf("intent = %q, want explicit unknown over a guess", res.Intent)
	}
	if !res.Degraded {
		t.Fatal("verdict must be degraded")
	}
}

func TestEnsembleBudgetDeniedSkipsBackends(t *testing.T) {
	backend := &stubBackend{name: "a", intent: "smalltalk", confidence: 0.9}
	e := newTestEnsemble(t, closedBudget{}, backend)

	res := e.Classify(context.Background(), testMessage("remind me about the dentist"))

	if !res.Degraded {
		t.Fatal("budget-denied verdict must be degraded")
	}
	if res.Source == domain.SourceEnsemble {
		t.Fatal("no backend verdict may be produced without a reservation")
	}
	if res.Intent != domain.IntentSetReminder {
		t.Fatalf("intent = %q, want heuristic verdict", res.Intent)
	}
}

func TestEnsembleNoBackendsSpendsNoBudget(t *testing.T) {
	budget := &countingBudget{}
	e := newTestEnsemble(t, budget)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := e.Classify(ctx, testMessage("remind me about the dentist"))
		if res.Intent != domain.IntentSetReminder {
			t.Fatalf("intent = %q, want heuristic verdict", res.Intent)
		}
		if res.Degraded {
			t.Fatal("heuristic-only operation is the normal mode, not a degraded one")
		}
	}
	if budget.reserves != 0 {
		t.Fatalf("budget reservations = %d, nothing external was spent", budget.reserves)
	}
}

func TestEnsembleMergesFieldsFromWinningVoters(t *testing.T) {
	e := newTestEnsemble(t, openBudget{},
		&stubBackend{name: "a", intent: "schedule_event", confidence: 0.8,
			fields: map[string]string{"title": "standup", "time": "09:00"}},
		&stubBackend{name: "b", intent: "schedule_event", confidence: 0.7,
			fields: map[string]string{"time": "10:00", "day": "monday"}},
		&stubBackend{name: "c", intent: "cancel_event", confidence: 0.9,
			fields: map[string]string{"title": "should-not-appear"}},
	)

	res := e.Classify(context.Background(), testMessage("standup monday morning"))

	if res.Fields["title"] != "standup" {
		t.Fatalf("title = %q, want first winning voter's value", res.Fields["title"])
	}
	if res.Fields["time"] != "09:00" {
		t.Fatalf("time = %q, first writer wins on conflicts", res.Fields["time"])
	}
	if res.Fields["day"] != "monday" {
		t.Fatalf("day = %q, want later voter's unique field", res.Fields["day"])
	}
}

func TestEnsembleDegradedResultIsNotCached(t *testing.T) {
	broken := &stubBackend{name: "a", err: errors.New("down")}
	e := newTestEnsemble(t, openBudget{}, broken)
	ctx := context.Background()

	first := e.Classify(ctx, testMessage("schedule a checkup"))
	if !first.Degraded {
		t.Fatal("setup: first verdict should be degraded")
	}

	// Backend recovers; a repeat of the same text must reach it rather
	// than being served the degraded verdict from cache.
	broken.err = nil
	broken.intent = "schedule_event"
	broken.confidence = 0.9

	second := e.Classify(ctx, testMessage("schedule a checkup"))
	if second.Degraded {
		t.Fatal("recovered backend's verdict should not be degraded")
	}
	if second.Source != domain.SourceEnsemble {
		t.Fatalf("source = %q, want a fresh backend verdict", second.Source)
	}
}

func TestEnsembleServesRepeatFromCache(t *testing.T) {
	backend := &stubBackend{name: "a", intent: "list_agenda", confidence: 0.95}
	e := newTestEnsemble(t, openBudget{}, backend)
	ctx := context.Background()

	e.Classify(ctx, testMessage("what is on my schedule"))

	backend.err = errors.New("down") // cache must shield the repeat
	res := e.Classify(ctx, testMessage("What  is on my SCHEDULE"))

	if res.Source != domain.SourceCache {
		t.Fatalf("source = %q, want cache hit for normalized repeat", res.Source)
	}
	if res.Intent != domain.IntentListAgenda {
		t.Fatalf("intent = %q, want cached verdict", res.Intent)
	}
}

func TestEnsembleKeywordOverrideRewritesLowConfidenceVerdict(t *testing.T) {
	kv := store.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	cache := NewResultCache(kv, time.Minute, 0.5, zerolog.Nop())

	backends := []out.ClassifierBackend{
		&stubBackend{name: "a", intent: "smalltalk", confidence: 0.6},
	}
	cfg := EnsembleConfig{OverrideRules: []OverrideRule{
		{Keyword: "invoice", Intent: domain.IntentSetReminder, MaxOverride: 0.75},
	}}
	e := NewEnsemble(backends, cache, openBudget{}, cfg, zerolog.Nop())

	res := e.Classify(context.Background(), testMessage("the invoice is due friday"))

	if res.Intent != domain.IntentSetReminder {
		t.Fatalf("intent = %q, want override below MaxOverride", res.Intent)
	}
	if res.Source != domain.SourceOverride {
		t.Fatalf("source = %q, want override marker", res.Source)
	}
}
