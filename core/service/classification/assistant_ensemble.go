package classification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"assistant_server/core/domain"
	"assistant_server/core/port/out"
)

// Aggregation confidence tiers.
const (
	confidenceAgreement = 0.95 // every responding backend agrees
	confidenceSplit     = 0.70 // backends disagree, needs disambiguation
	singleSourceCap     = 0.90 // one responder: own score, capped below agreement
)

// budgetReserver is the slice of the budget guard the ensemble needs.
type budgetReserver interface {
	TryReserve(ctx context.Context, callerID string) bool
}

// EnsembleConfig tunes the ensemble.
type EnsembleConfig struct {
	// OverrideRules is the caller-keyword override policy.
	OverrideRules []OverrideRule
}

// Ensemble invokes every configured backend concurrently, merges their
// verdicts into one decision and degrades to the keyword heuristic when no
// backend can answer. It is polymorphic over the backend port and agnostic
// to how many concrete backends are configured.
type Ensemble struct {
	backends  []out.ClassifierBackend
	cache     *ResultCache
	budget    budgetReserver
	heuristic *HeuristicClassifier
	cfg       EnsembleConfig
	log       zerolog.Logger

	// Coalesces concurrent classifications of identical keys. Duplicate
	// in-flight work is acceptable under low concurrency but must not be
	// unbounded.
	group singleflight.Group
}

// NewEnsemble creates the ensemble classifier.
func NewEnsemble(backends []out.ClassifierBackend, cache *ResultCache, budget budgetReserver, cfg EnsembleConfig, log zerolog.Logger) *Ensemble {
	return &Ensemble{
		backends:  backends,
		cache:     cache,
		budget:    budget,
		heuristic: NewHeuristicClassifier(),
		cfg:       cfg,
		log:       log.With().Str("component", "ensemble").Logger(),
	}
}

// Classify produces one decision for the message. It never returns an
// error: every failure mode degrades to a flagged result so the pipeline
// can report an honest "could not determine that confidently" outcome
// instead of crashing or guessing.
func (e *Ensemble) Classify(ctx context.Context, msg *domain.InboundMessage) *domain.ClassificationResult {
	key := e.cache.Key(msg.Text, msg.Location(), time.Now())

	if res, ok := e.cache.Get(ctx, key); ok {
		e.log.Debug().Str("message_id", msg.ID).Msg("classification cache hit")
		return res
	}

	v, _, _ := e.group.Do(key, func() (any, error) {
		return e.classifyUncached(ctx, key, msg), nil
	})
	return v.(*domain.ClassificationResult)
}

func (e *Ensemble) classifyUncached(ctx context.Context, key string, msg *domain.InboundMessage) *domain.ClassificationResult {
	// Heuristic-only deployment. Nothing external is spent, so the budget
	// is not consulted.
	if len(e.backends) == 0 {
		res := e.heuristic.Classify(msg.Text)
		res.ThresholdDiscount = ApplyOverrides(e.cfg.OverrideRules, msg.Text, res)
		e.cache.Put(ctx, key, res)
		return res
	}

	if !e.budget.TryReserve(ctx, msg.Sender) {
		res := e.heuristic.Classify(msg.Text)
		res.Degraded = true
		res.ThresholdDiscount = ApplyOverrides(e.cfg.OverrideRules, msg.Text, res)
		e.log.Warn().Str("message_id", msg.ID).Msg("budget exhausted, heuristic verdict only")
		return res
	}

	verdicts, fields := e.fanOut(ctx, msg.Text)
	res := e.aggregate(verdicts, fields, msg.Text)
	res.ThresholdDiscount = ApplyOverrides(e.cfg.OverrideRules, msg.Text, res)

	e.cache.Put(ctx, key, res)

	e.log.Info().
		Str("message_id", msg.ID).
		Str("intent", string(res.Intent)).
		Float64("confidence", res.Confidence).
		Str("source", res.Source).
		Bool("degraded", res.Degraded).
		Msg("message classified")
	return res
}

// fanOut calls all backends concurrently with independent per-backend
// timeouts. A slow backend never blocks the others; overall latency is
// bounded by the slowest allowed timeout, not the sum. Results of
// abandoned callers are still collected, since billing was already
// incurred the moment the call was dispatched.
func (e *Ensemble) fanOut(ctx context.Context, text string) ([]domain.BackendVerdict, []map[string]string) {
	verdicts := make([]domain.BackendVerdict, len(e.backends))
	fields := make([]map[string]string, len(e.backends))

	var wg sync.WaitGroup
	for i, backend := range e.backends {
		wg.Add(1)
		go func(i int, backend out.ClassifierBackend) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, backend.Timeout())
			defer cancel()

			start := time.Now()
			result, err := backend.Classify(callCtx, text)
			verdict := domain.BackendVerdict{
				Backend: backend.Name(),
				Latency: time.Since(start),
			}
			if err != nil {
				verdict.Error = err.Error()
			} else {
				verdict.Intent = domain.ParseIntent(result.Intent)
				verdict.Confidence = result.Confidence
				fields[i] = result.Fields
			}
			verdicts[i] = verdict
		}(i, backend)
	}
	wg.Wait()

	return verdicts, fields
}

// aggregate merges per-backend verdicts into one decision. The resulting
// confidence reflects agreement strength, never a single backend's raw
// score once more than one backend responded.
func (e *Ensemble) aggregate(verdicts []domain.BackendVerdict, fields []map[string]string, text string) *domain.ClassificationResult {
	var responded []domain.BackendVerdict
	for _, v := range verdicts {
		if !v.Failed() {
			responded = append(responded, v)
		}
	}

	switch len(responded) {
	case 0:
		res := e.heuristic.Classify(text)
		res.Degraded = true
		res.Verdicts = verdicts
		return res

	case 1:
		v := responded[0]
		confidence := v.Confidence
		if confidence > singleSourceCap {
			confidence = singleSourceCap
		}
		return &domain.ClassificationResult{
			Intent:       v.Intent,
			Confidence:   confidence,
			Fields:       mergeFields(verdicts, fields, v.Intent),
			Verdicts:     verdicts,
			Source:       domain.SourceEnsemble,
			SingleSource: true,
		}
	}

	votes := make(map[domain.Intent]int)
	score := make(map[domain.Intent]float64)
	for _, v := range responded {
		votes[v.Intent]++
		score[v.Intent] += v.Confidence
	}

	winner := pickWinner(votes, score)
	unanimous := votes[winner] == len(responded)

	res := &domain.ClassificationResult{
		Intent:   winner,
		Fields:   mergeFields(verdicts, fields, winner),
		Verdicts: verdicts,
		Source:   domain.SourceEnsemble,
	}
	if unanimous {
		res.Confidence = confidenceAgreement
	} else {
		res.Confidence = confidenceSplit
		res.NeedsDisambiguation = true
	}
	return res
}

// pickWinner chooses the plurality intent; ties break on total confidence,
// then on intent name for determinism.
func pickWinner(votes map[domain.Intent]int, score map[domain.Intent]float64) domain.Intent {
	intents := make([]domain.Intent, 0, len(votes))
	for intent := range votes {
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool {
		a, b := intents[i], intents[j]
		if votes[a] != votes[b] {
			return votes[a] > votes[b]
		}
		if score[a] != score[b] {
			return score[a] > score[b]
		}
		return a < b
	})
	return intents[0]
}

// mergeFields merges extracted fields reported by backends that voted for
// the winning intent, first writer wins.
func mergeFields(verdicts []domain.BackendVerdict, fields []map[string]string, winner domain.Intent) map[string]string {
	merged := make(map[string]string)
	for i, v := range verdicts {
		if v.Failed() || v.Intent != winner {
			continue
		}
		for k, value := range fields[i] {
			if _, exists := merged[k]; !exists && value != "" {
				merged[k] = value
			}
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
