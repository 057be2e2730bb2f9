// Package ingest wires the guards, the classifier and the enrichment phases
// into the single entry point the transport adapters call per message.
package ingest

import (
	"context"

	"github.com/rs/zerolog"

	"assistant_server/core/domain"
	"assistant_server/core/port/out"
	"assistant_server/core/service/classification"
	"assistant_server/core/service/guard"
	"assistant_server/core/service/phase"
	"assistant_server/pkg/apperr"
	"assistant_server/pkg/ratelimit"
)

// Pipeline processes one inbound message end to end: admission, crash-halt
// check, classification, enrichment and workflow handoff. It is safe for
// concurrent use; per-message state lives on the PhaseContext.
type Pipeline struct {
	dedup        *guard.DedupCache
	crash        *guard.CrashLoopGuard
	classifier   *classification.Ensemble
	orchestrator *phase.Orchestrator
	workflow     out.WorkflowHandler
	limiter      *ratelimit.SenderLimiter

	// minConfidence is the floor below which an actionable verdict is
	// downgraded to a clarification request.
	minConfidence float64

	log zerolog.Logger
}

// NewPipeline creates the message pipeline.
func NewPipeline(
	dedup *guard.DedupCache,
	crash *guard.CrashLoopGuard,
	classifier *classification.Ensemble,
	orchestrator *phase.Orchestrator,
	workflow out.WorkflowHandler,
	minConfidence float64,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		dedup:         dedup,
		crash:         crash,
		classifier:    classifier,
		orchestrator:  orchestrator,
		workflow:      workflow,
		minConfidence: minConfidence,
		log:           log.With().Str("component", "pipeline").Logger(),
	}
}

// WithSenderLimiter installs per-sender flood protection.
func (p *Pipeline) WithSenderLimiter(l *ratelimit.SenderLimiter) *Pipeline {
	p.limiter = l
	return p
}

// Process handles one delivery. Redelivered messages are acknowledged
// without side effects; every other outcome reaches the workflow exactly
// once per message ID within the dedup window.
func (p *Pipeline) Process(ctx context.Context, msg *domain.InboundMessage) error {
	if msg == nil || msg.ID == "" {
		return apperr.InvalidInput("message", "missing message id")
	}

	if p.crash != nil && p.crash.Halted() {
		p.log.Warn().Str("message_id", msg.ID).Msg("halted by crash-loop guard, message deferred")
		return apperr.CrashLoopDetected(0)
	}

	// Checked before admission, so a shed message can still be processed
	// on a later redelivery.
	if !p.limiter.Allow(ctx, msg.Sender) {
		p.log.Warn().Str("message_id", msg.ID).Str("sender", msg.Sender).Msg("sender rate limit, message shed")
		return apperr.BudgetExceeded("sender-rate")
	}

	if !p.dedup.Admit(ctx, msg.ID) {
		p.log.Info().Str("message_id", msg.ID).Msg("duplicate delivery dropped")
		return apperr.DuplicateDelivery(msg.ID)
	}

	res := p.classifier.Classify(ctx, msg)

	pc := domain.NewPhaseContext(msg, res)
	pc.NeedsClarification = p.needsClarification(res)

	pc = p.orchestrator.Run(ctx, pc)
	if pc.Failed() {
		// The workflow still gets the partial context so the caller is
		// answered honestly instead of silently.
		pc.NeedsClarification = true
		p.log.Error().Err(pc.Err).
			Str("message_id", msg.ID).
			Str("phase", pc.FailedPhase).
			Msg("enrichment aborted")
	}

	if err := p.workflow.Handle(ctx, pc); err != nil {
		p.log.Error().Err(err).Str("message_id", msg.ID).Msg("workflow handoff failed")
		return apperr.ExternalError("workflow", err)
	}

	p.log.Info().
		Str("message_id", msg.ID).
		Str("intent", string(pc.Intent())).
		Bool("needs_clarification", pc.NeedsClarification).
		Int("warnings", len(pc.Warnings)).
		Msg("message processed")
	return nil
}

// needsClarification decides whether the verdict is trustworthy enough to
// act on. Degraded, split and unknown verdicts never drive an action; so
// does an actionable verdict below the (possibly discounted) floor.
func (p *Pipeline) needsClarification(res *domain.ClassificationResult) bool {
	if res.Degraded || res.NeedsDisambiguation || res.Intent == domain.IntentUnknown {
		return true
	}
	if !res.Intent.Actionable() {
		return false
	}
	floor := p.minConfidence - res.ThresholdDiscount
	if floor < 0 {
		floor = 0
	}
	return res.Confidence < floor
}
