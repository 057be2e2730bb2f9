package domain

import "fmt"

// PhaseContext accumulates state across the enrichment phases for exactly
// one message. It is owned by the orchestrator for the message's lifetime
// and is never shared across concurrent messages.
type PhaseContext struct {
	Message        *InboundMessage
	Classification *ClassificationResult

	// Written by phases.
	Entities   map[string]string
	Day        string // resolved calendar day, YYYY-MM-DD in caller timezone
	Recurrence string // "", "daily", "weekly" or "monthly"
	Attendees  []ResolvedContact
	Conflicts  []CalendarEvent

	Warnings []string

	// NeedsClarification is set on any degraded or low-confidence path so
	// the downstream workflow answers honestly instead of guessing.
	NeedsClarification bool

	// Set by the orchestrator on a fatal phase failure. The context is
	// still returned so the caller can report partial failure.
	FailedPhase string
	Err         error
}

// NewPhaseContext seeds a context from a message and its classification.
func NewPhaseContext(msg *InboundMessage, res *ClassificationResult) *PhaseContext {
	return &PhaseContext{
		Message:        msg,
		Classification: res,
		Entities:       make(map[string]string),
	}
}

// Warn records a non-fatal phase problem.
func (pc *PhaseContext) Warn(phase string, err error) {
	pc.Warnings = append(pc.Warnings, fmt.Sprintf("%s: %v", phase, err))
}

// Fail records a fatal phase failure.
func (pc *PhaseContext) Fail(phase string, err error) {
	pc.FailedPhase = phase
	pc.Err = err
}

// Failed reports whether a fatal phase aborted the pipeline.
func (pc *PhaseContext) Failed() bool {
	return pc.Err != nil
}

// Intent is a nil-safe accessor for the classified intent.
func (pc *PhaseContext) Intent() Intent {
	if pc.Classification == nil {
		return IntentUnknown
	}
	return pc.Classification.Intent
}
