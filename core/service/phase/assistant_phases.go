package phase

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"assistant_server/core/domain"
	"assistant_server/core/port/out"
	"assistant_server/pkg/apperr"
)

// =============================================================================
// Built-in enrichment phases
// =============================================================================

// Phase order slots. Gaps leave room for deployment-specific phases.
const (
	OrderEntities   = 10
	OrderTimeWindow = 20
	OrderRecurrence = 30
	OrderAttendees  = 40
	OrderConflicts  = 50
)

// Deps holds the external collaborators the built-in phases talk to. Either
// may be nil; the dependent phase then reports a warning instead of data.
type Deps struct {
	Calendar out.CalendarGateway
	Contacts out.ContactDirectory

	// Now is the clock used for relative day resolution. Defaults to
	// time.Now.
	Now func() time.Time
}

// BuildPhases assembles the standard enrichment pipeline.
func BuildPhases(deps Deps) []Phase {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return []Phase{
		{
			Order:   OrderEntities,
			Name:    "entities",
			Fatal:   true,
			Execute: normalizeEntities,
		},
		{
			Order: OrderTimeWindow,
			Name:  "time_window",
			Precondition: func(pc *domain.PhaseContext) bool {
				return pc.Intent().Actionable()
			},
			Execute: func(_ context.Context, pc *domain.PhaseContext) error {
				return resolveTimeWindow(pc, now())
			},
		},
		{
			Order:   OrderRecurrence,
			Name:    "recurrence",
			Execute: detectRecurrence,
		},
		{
			Order: OrderAttendees,
			Name:  "attendees",
			Precondition: func(pc *domain.PhaseContext) bool {
				return pc.Entities["attendees"] != ""
			},
			Execute: func(ctx context.Context, pc *domain.PhaseContext) error {
				return resolveAttendees(ctx, deps.Contacts, pc)
			},
		},
		{
			Order: OrderConflicts,
			Name:  "conflicts",
			Precondition: func(pc *domain.PhaseContext) bool {
				return pc.Intent() == domain.IntentScheduleEvent && pc.Day != ""
			},
			Execute: func(ctx context.Context, pc *domain.PhaseContext) error {
				return checkConflicts(ctx, deps.Calendar, pc)
			},
		},
	}
}

// normalizeEntities copies the classifier's extracted fields into the
// context with trimmed keys and values. A message without a classification
// cannot be enriched at all, which is the one fatal case.
func normalizeEntities(_ context.Context, pc *domain.PhaseContext) error {
	if pc.Classification == nil {
		return apperr.PhaseFailure("entities", fmt.Errorf("no classification on context"))
	}
	for k, v := range pc.Classification.Fields {
		key := strings.ToLower(strings.TrimSpace(k))
		value := strings.TrimSpace(v)
		if key == "" || value == "" {
			continue
		}
		pc.Entities[key] = value
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// resolveTimeWindow fixes the calendar day the message talks about, in the
// caller's timezone. Explicit dates from the classifier win over relative
// phrasing in the text.
func resolveTimeWindow(pc *domain.PhaseContext, now time.Time) error {
	loc := pc.Message.Location()
	local := now.In(loc)

	if explicit := pc.Entities["day"]; explicit != "" {
		if _, err := time.ParseInLocation("2006-01-02", explicit, loc); err == nil {
			pc.Day = explicit
			return nil
		}
		pc.Warn("time_window", fmt.Errorf("unparseable day entity %q", explicit))
	}

	text := strings.ToLower(pc.Message.Text)
	switch {
	case strings.Contains(text, "day after tomorrow"):
		pc.Day = local.AddDate(0, 0, 2).Format("2006-01-02")
	case strings.Contains(text, "tomorrow"):
		pc.Day = local.AddDate(0, 0, 1).Format("2006-01-02")
	case strings.Contains(text, "today"), strings.Contains(text, "tonight"):
		pc.Day = local.Format("2006-01-02")
	default:
		for name, wd := range weekdays {
			if !strings.Contains(text, name) {
				continue
			}
			days := (int(wd) - int(local.Weekday()) + 7) % 7
			if days == 0 {
				days = 7 // "on monday" said on a Monday means next week
			}
			pc.Day = local.AddDate(0, 0, days).Format("2006-01-02")
			break
		}
	}

	if pc.Day == "" && pc.Intent() == domain.IntentScheduleEvent {
		return fmt.Errorf("no resolvable day in message")
	}
	return nil
}

var recurrencePatterns = []struct {
	re    *regexp.Regexp
	value string
}{
	{regexp.MustCompile(`\b(every\s+day|daily|each\s+day)\b`), "daily"},
	{regexp.MustCompile(`\b(every\s+week|weekly|every\s+(mon|tues|wednes|thurs|fri|satur|sun)day)\b`), "weekly"},
	{regexp.MustCompile(`\b(every\s+month|monthly)\b`), "monthly"},
}

// detectRecurrence recognizes simple repetition phrasing.
func detectRecurrence(_ context.Context, pc *domain.PhaseContext) error {
	text := strings.ToLower(pc.Message.Text)
	for _, p := range recurrencePatterns {
		if p.re.MatchString(text) {
			pc.Recurrence = p.value
			return nil
		}
	}
	return nil
}

// resolveAttendees resolves the comma-separated attendee names through the
// contact directory. Unresolved names are reported, not invented.
func resolveAttendees(ctx context.Context, contacts out.ContactDirectory, pc *domain.PhaseContext) error {
	if contacts == nil {
		return fmt.Errorf("no contact directory configured")
	}

	var unresolved []string
	for _, raw := range strings.Split(pc.Entities["attendees"], ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		contact, err := contacts.Resolve(ctx, pc.Message.Sender, name)
		if err != nil || contact == nil {
			unresolved = append(unresolved, name)
			continue
		}
		pc.Attendees = append(pc.Attendees, *contact)
	}

	if len(unresolved) > 0 {
		pc.NeedsClarification = true
		return fmt.Errorf("unresolved attendees: %s", strings.Join(unresolved, ", "))
	}
	return nil
}

// checkConflicts loads the sender's existing events on the resolved day.
func checkConflicts(ctx context.Context, calendar out.CalendarGateway, pc *domain.PhaseContext) error {
	if calendar == nil {
		return fmt.Errorf("no calendar gateway configured")
	}

	events, err := calendar.EventsOn(ctx, pc.Message.Sender, pc.Day)
	if err != nil {
		return fmt.Errorf("calendar lookup: %w", err)
	}
	pc.Conflicts = events
	return nil
}
