package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"assistant_server/adapter/out/store"
	"assistant_server/core/domain"
	"assistant_server/core/port/out"
	"assistant_server/core/service/classification"
	"assistant_server/core/service/guard"
	"assistant_server/core/service/phase"
	"assistant_server/pkg/apperr"
	"assistant_server/pkg/ratelimit"
)

// stubBackend answers with a fixed verdict.
type stubBackend struct {
	intent     string
	confidence float64
	err        error
}

func (s *stubBackend) Name() string           { return "stub" }
func (s *stubBackend) Timeout() time.Duration { return time.Second }
func (s *stubBackend) Classify(context.Context, string) (*out.BackendResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &out.BackendResult{Intent: s.intent, Confidence: s.confidence}, nil
}

type openBudget struct{}

func (openBudget) TryReserve(context.Context, string) bool { return true }

// countingWorkflow records every handoff.
type countingWorkflow struct {
	mu    sync.Mutex
	calls int64
	last  *domain.PhaseContext
}

func (w *countingWorkflow) Handle(_ context.Context, pc *domain.PhaseContext) error {
	atomic.AddInt64(&w.calls, 1)
	w.mu.Lock()
	w.last = pc
	w.mu.Unlock()
	return nil
}

type testRig struct {
	pipeline *Pipeline
	workflow *countingWorkflow
	crash    *guard.CrashLoopGuard
}

func newRig(t *testing.T, backend *stubBackend, overrides []classification.OverrideRule, minConfidence float64) *testRig {
	t.Helper()

	kv := store.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })

	nop := zerolog.Nop()
	dedup := guard.NewDedupCache(kv, time.Minute, nop)
	crash := guard.NewCrashLoopGuard(kv, nil, 5, time.Hour, nop)
	cache := classification.NewResultCache(kv, time.Minute, 0.5, nop)
	ensemble := classification.NewEnsemble(
		[]out.ClassifierBackend{backend}, cache, openBudget{},
		classification.EnsembleConfig{OverrideRules: overrides}, nop,
	)
	orchestrator := phase.NewOrchestrator(phase.BuildPhases(phase.Deps{}), nop)
	workflow := &countingWorkflow{}

	return &testRig{
		pipeline: NewPipeline(dedup, crash, ensemble, orchestrator, workflow, minConfidence, nop),
		workflow: workflow,
		crash:    crash,
	}
}

func msg(id, text string) *domain.InboundMessage {
	return &domain.InboundMessage{ID: id, Sender: "alice", Text: text, ReceivedAt: time.Now()}
}

func TestPipelineConcurrentDuplicatesReachWorkflowOnce(t *testing.T) {
	rig := newRig(t, &stubBackend{intent: "smalltalk", confidence: 0.9}, nil, 0.8)

	const deliveries = 32
	var wg sync.WaitGroup
	var duplicates int64

	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rig.pipeline.Process(context.Background(), msg("same-id", "hello there"))
			if apperr.IsCode(err, apperr.CodeDuplicateDelivery) {
				atomic.AddInt64(&duplicates, 1)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&rig.workflow.calls); got != 1 {
		t.Fatalf("workflow handoffs = %d, want exactly 1", got)
	}
	if duplicates != deliveries-1 {
		t.Fatalf("duplicate rejections = %d, want %d", duplicates, deliveries-1)
	}
}

func TestPipelineSequentialRedelivery(t *testing.T) {
	rig := newRig(t, &stubBackend{intent: "smalltalk", confidence: 0.9}, nil, 0.8)
	ctx := context.Background()

	if err := rig.pipeline.Process(ctx, msg("m-1", "hello")); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	err := rig.pipeline.Process(ctx, msg("m-1", "hello"))
	if !apperr.IsCode(err, apperr.CodeDuplicateDelivery) {
		t.Fatalf("err = %v, want duplicate-delivery code", err)
	}
	if rig.workflow.calls != 1 {
		t.Fatalf("workflow handoffs = %d, want 1", rig.workflow.calls)
	}
}

func TestPipelineRejectsMessageWithoutID(t *testing.T) {
	rig := newRig(t, &stubBackend{intent: "smalltalk", confidence: 0.9}, nil, 0.8)

	err := rig.pipeline.Process(context.Background(), &domain.InboundMessage{Text: "hi"})
	if !apperr.IsCode(err, apperr.CodeInvalidInput) {
		t.Fatalf("err = %v, want invalid-input code", err)
	}
	if rig.workflow.calls != 0 {
		t.Fatal("an unidentifiable message must not reach the workflow")
	}
}

func TestPipelineDefersWhileHalted(t *testing.T) {
	rig := newRig(t, &stubBackend{intent: "smalltalk", confidence: 0.9}, nil, 0.8)
	ctx := context.Background()

	// Trip the guard: threshold 5, so the 6th start is refused.
	for i := 0; i < 6; i++ {
		rig.crash.OnStartup(ctx)
	}
	if !rig.crash.Halted() {
		t.Fatal("setup: guard should be halted")
	}

	err := rig.pipeline.Process(ctx, msg("m-1", "hello"))
	if !apperr.IsCode(err, apperr.CodeCrashLoopDetected) {
		t.Fatalf("err = %v, want crash-loop code", err)
	}
	if rig.workflow.calls != 0 {
		t.Fatal("no message may be processed while halted")
	}

	// The message was not admitted, so it survives for a later delivery.
	if err := rig.crash.Reset(ctx); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if err := rig.pipeline.Process(ctx, msg("m-1", "hello")); err != nil {
		t.Fatalf("redelivery after reset failed: %v", err)
	}
}

func TestPipelineLowConfidenceRequestsClarification(t *testing.T) {
	rig := newRig(t, &stubBackend{intent: "set_reminder", confidence: 0.6}, nil, 0.8)

	if err := rig.pipeline.Process(context.Background(), msg("m-1", "remind me maybe")); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !rig.workflow.last.NeedsClarification {
		t.Fatal("a weak actionable verdict must request clarification")
	}
}

func TestPipelineDegradedVerdictRequestsClarification(t *testing.T) {
	rig := newRig(t, &stubBackend{err: errors.New("backend down")}, nil, 0.8)

	if err := rig.pipeline.Process(context.Background(), msg("m-1", "remind me to call mom")); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !rig.workflow.last.NeedsClarification {
		t.Fatal("a degraded verdict must request clarification")
	}
	if rig.workflow.last.Intent() != domain.IntentSetReminder {
		t.Fatalf("intent = %q, want heuristic fallback verdict", rig.workflow.last.Intent())
	}
}

func TestPipelineSmalltalkNeedsNoClarification(t *testing.T) {
	rig := newRig(t, &stubBackend{intent: "smalltalk", confidence: 0.3}, nil, 0.8)

	if err := rig.pipeline.Process(context.Background(), msg("m-1", "thanks!")); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if rig.workflow.last.NeedsClarification {
		t.Fatal("non-actionable verdicts are never held for clarification")
	}
}

func TestPipelineOverrideDiscountLowersFloor(t *testing.T) {
	// Single responder at 0.7 is below the 0.8 floor, but the keyword rule
	// grants a 0.15 discount for the agreeing intent.
	overrides := []classification.OverrideRule{
		{Keyword: "invoice", Intent: domain.IntentSetReminder, MaxOverride: 0.75, ThresholdDiscount: 0.15},
	}
	rig := newRig(t, &stubBackend{intent: "set_reminder", confidence: 0.7}, overrides, 0.8)

	if err := rig.pipeline.Process(context.Background(), msg("m-1", "remind me about the invoice")); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if rig.workflow.last.NeedsClarification {
		t.Fatal("the discounted floor should accept the verdict")
	}
}

func TestPipelineShedsFloodingSender(t *testing.T) {
	rig := newRig(t, &stubBackend{intent: "smalltalk", confidence: 0.9}, nil, 0.8)

	kv := store.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	rig.pipeline.WithSenderLimiter(ratelimit.NewSenderLimiter(kv, 2, time.Minute, zerolog.Nop()))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := rig.pipeline.Process(ctx, msg(fmt.Sprintf("m-%d", i), "hello")); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}

	err := rig.pipeline.Process(ctx, msg("m-2", "hello"))
	if !apperr.IsCode(err, apperr.CodeBudgetExceeded) {
		t.Fatalf("err = %v, want rate-limit rejection", err)
	}
	if rig.workflow.calls != 2 {
		t.Fatalf("workflow handoffs = %d, want 2", rig.workflow.calls)
	}
}

func TestPipelineDistinctMessagesAllProcessed(t *testing.T) {
	rig := newRig(t, &stubBackend{intent: "smalltalk", confidence: 0.9}, nil, 0.8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := rig.pipeline.Process(ctx, msg(fmt.Sprintf("m-%d", i), "hello")); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}
	if rig.workflow.calls != 5 {
		t.Fatalf("workflow handoffs = %d, want 5", rig.workflow.calls)
	}
}
