package domain

import "time"

// Intent is the classified intention behind an inbound message.
type Intent string

const (
	IntentScheduleEvent Intent = "schedule_event"
	IntentCancelEvent   Intent = "cancel_event"
	IntentListAgenda    Intent = "list_agenda"
	IntentSetReminder   Intent = "set_reminder"
	IntentAddContact    Intent = "add_contact"
	IntentSmalltalk     Intent = "smalltalk"
	IntentUnknown       Intent = "unknown"
)

// ParseIntent maps a backend-reported intent string to a known Intent.
func ParseIntent(s string) Intent {
	switch Intent(s) {
	case IntentScheduleEvent, IntentCancelEvent, IntentListAgenda,
		IntentSetReminder, IntentAddContact, IntentSmalltalk:
		return Intent(s)
	default:
		return IntentUnknown
	}
}

// Actionable reports whether the intent drives a domain workflow action.
func (i Intent) Actionable() bool {
	switch i {
	case IntentScheduleEvent, IntentCancelEvent, IntentListAgenda,
		IntentSetReminder, IntentAddContact:
		return true
	}
	return false
}

// Result sources.
const (
	SourceEnsemble  = "ensemble"
	SourceCache     = "cache"
	SourceHeuristic = "heuristic"
	SourceOverride  = "keyword-override"
	SourceNone      = "none"
)

// BackendVerdict is one backend's answer (or failure) for a single message.
type BackendVerdict struct {
	Backend    string        `json:"backend"`
	Intent     Intent        `json:"intent"`
	Confidence float64       `json:"confidence"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// Failed reports whether the backend failed to produce a verdict.
func (v BackendVerdict) Failed() bool {
	return v.Error != ""
}

// ClassificationResult is the aggregated decision of the ensemble.
//
// Confidence reflects agreement strength across backends, never a single
// backend's raw score once more than one backend responded.
type ClassificationResult struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Fields     map[string]string `json:"fields,omitempty"`
	Verdicts   []BackendVerdict  `json:"verdicts,omitempty"`

	Source string `json:"source"`

	// ThresholdDiscount lowers the acceptance threshold for this verdict,
	// earned by caller-keyword override rules.
	ThresholdDiscount float64 `json:"threshold_discount,omitempty"`

	// NeedsDisambiguation marks a split ensemble vote.
	NeedsDisambiguation bool `json:"needs_disambiguation,omitempty"`
	// SingleSource marks a verdict backed by exactly one responding backend.
	SingleSource bool `json:"single_source,omitempty"`
	// Degraded marks results produced without external classification
	// (budget exhausted or every backend failed).
	Degraded bool `json:"degraded,omitempty"`
}
