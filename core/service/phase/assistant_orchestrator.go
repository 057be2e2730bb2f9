// Package phase implements the ordered enrichment phases that run between
// classification and the downstream workflow handoff.
package phase

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"assistant_server/core/domain"
)

// =============================================================================
// Phase Orchestrator
// =============================================================================

// Phase is one step of the enrichment pipeline. Phases run in Order over a
// shared PhaseContext; a nil Precondition always runs.
type Phase struct {
	Order int
	Name  string

	// Fatal aborts the remaining phases when Execute fails. Non-fatal
	// failures record a warning and continue.
	Fatal bool

	Precondition func(pc *domain.PhaseContext) bool
	Execute      func(ctx context.Context, pc *domain.PhaseContext) error
}

// Orchestrator runs the configured phases in ascending order.
type Orchestrator struct {
	phases []Phase
	log    zerolog.Logger
}

// NewOrchestrator creates an orchestrator over the given phases. The slice
// is copied and sorted by Order once.
func NewOrchestrator(phases []Phase, log zerolog.Logger) *Orchestrator {
	sorted := make([]Phase, len(phases))
	copy(sorted, phases)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	return &Orchestrator{
		phases: sorted,
		log:    log.With().Str("component", "phase_orchestrator").Logger(),
	}
}

// Run executes the phases over the context. The context is always returned,
// also after a fatal failure, so the caller can report partial state.
func (o *Orchestrator) Run(ctx context.Context, pc *domain.PhaseContext) *domain.PhaseContext {
	for _, p := range o.phases {
		if err := ctx.Err(); err != nil {
			pc.Fail(p.Name, err)
			return pc
		}

		if p.Precondition != nil && !p.Precondition(pc) {
			o.log.Debug().Str("phase", p.Name).Msg("phase skipped, precondition false")
			continue
		}

		start := time.Now()
		err := p.Execute(ctx, pc)
		elapsed := time.Since(start)

		if err == nil {
			o.log.Debug().Str("phase", p.Name).Dur("elapsed", elapsed).Msg("phase done")
			continue
		}

		if p.Fatal {
			pc.Fail(p.Name, err)
			o.log.Error().Err(err).Str("phase", p.Name).Msg("fatal phase failure, aborting")
			return pc
		}

		pc.Warn(p.Name, err)
		o.log.Warn().Err(err).Str("phase", p.Name).Msg("phase failed, continuing")
	}
	return pc
}
