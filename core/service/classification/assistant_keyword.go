package classification

import (
	"strconv"
	"strings"

	"assistant_server/core/domain"
)

// =============================================================================
// Deterministic keyword heuristic (zero-backend fallback)
// =============================================================================

// heuristicRule maps keyword signals to an intent with a base confidence.
type heuristicRule struct {
	keywords   []string
	intent     domain.Intent
	confidence float64
}

// HeuristicClassifier is the deterministic fallback used when every backend
// failed or the budget is exhausted. It never guesses: if no rule matches
// it returns an explicit unknown.
type HeuristicClassifier struct {
	rules []heuristicRule
}

// NewHeuristicClassifier creates the keyword fallback with the built-in
// rule table.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{
		rules: []heuristicRule{
			{[]string{"schedule", "meeting", "appointment", "book a", "calendar invite"}, domain.IntentScheduleEvent, 0.60},
			{[]string{"cancel", "call off", "delete the meeting"}, domain.IntentCancelEvent, 0.60},
			{[]string{"agenda", "what's on", "my schedule", "free today", "free tomorrow"}, domain.IntentListAgenda, 0.55},
			{[]string{"remind", "reminder", "don't let me forget"}, domain.IntentSetReminder, 0.60},
			{[]string{"add contact", "save the number", "new contact"}, domain.IntentAddContact, 0.60},
			{[]string{"hello", "hi ", "thanks", "thank you", "good morning"}, domain.IntentSmalltalk, 0.50},
		},
	}
}

// Classify matches the message text against the rule table.
func (h *HeuristicClassifier) Classify(text string) *domain.ClassificationResult {
	lowered := " " + strings.ToLower(text) + " "

	for _, rule := range h.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				return &domain.ClassificationResult{
					Intent:     rule.intent,
					Confidence: rule.confidence,
					Source:     domain.SourceHeuristic,
				}
			}
		}
	}

	return &domain.ClassificationResult{
		Intent:     domain.IntentUnknown,
		Confidence: 0,
		Source:     domain.SourceNone,
	}
}

// =============================================================================
// Keyword override policy
// =============================================================================

// OverrideRule lets a caller-supplied keyword correct a low-confidence
// ensemble verdict that contradicts it. This compensates for systematic
// ensemble bias against well-known phrasing patterns without ever fully
// bypassing classification: a verdict at or above MaxOverride stands.
type OverrideRule struct {
	Keyword string
	Intent  domain.Intent

	// MaxOverride is the highest ensemble confidence this rule may
	// overturn.
	MaxOverride float64

	// ThresholdDiscount lowers the acceptance threshold for this intent
	// when the keyword is present.
	ThresholdDiscount float64
}

// ParseOverrideRules parses the configured policy string. Format:
//
//	keyword=intent:maxOverride:thresholdDiscount,keyword2=...
//
// Malformed entries are skipped.
func ParseOverrideRules(spec string) []OverrideRule {
	var rules []OverrideRule
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		parts := strings.Split(kv[1], ":")
		intent := domain.ParseIntent(parts[0])
		if intent == domain.IntentUnknown {
			continue
		}
		rule := OverrideRule{
			Keyword:     strings.ToLower(strings.TrimSpace(kv[0])),
			Intent:      intent,
			MaxOverride: 0.75,
		}
		if len(parts) > 1 {
			rule.MaxOverride = parseFloatOr(parts[1], rule.MaxOverride)
		}
		if len(parts) > 2 {
			rule.ThresholdDiscount = parseFloatOr(parts[2], 0)
		}
		rules = append(rules, rule)
	}
	return rules
}

// ApplyOverrides rewrites the result according to matching rules and
// returns the acceptance-threshold discount earned by the message.
func ApplyOverrides(rules []OverrideRule, text string, res *domain.ClassificationResult) float64 {
	if res == nil {
		return 0
	}
	lowered := strings.ToLower(text)
	var discount float64

	for _, rule := range rules {
		if !strings.Contains(lowered, rule.Keyword) {
			continue
		}
		if rule.Intent == res.Intent {
			if rule.ThresholdDiscount > discount {
				discount = rule.ThresholdDiscount
			}
			continue
		}
		if res.Confidence < rule.MaxOverride {
			// Confidence is kept as-is: the override changes the verdict,
			// not the certainty.
			res.Intent = rule.Intent
			res.Source = domain.SourceOverride
			res.NeedsDisambiguation = false
			if rule.ThresholdDiscount > discount {
				discount = rule.ThresholdDiscount
			}
		}
	}
	return discount
}

func parseFloatOr(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 || f > 1 {
		return fallback
	}
	return f
}
