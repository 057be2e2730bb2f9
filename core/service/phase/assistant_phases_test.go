package phase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"assistant_server/core/domain"
)

// fixedClock pins relative-day resolution to a known Saturday.
var fixedClock = func() time.Time {
	return time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC) // Saturday
}

type stubCalendar struct {
	events []domain.CalendarEvent
	err    error
	day    string
}

func (s *stubCalendar) EventsOn(_ context.Context, _, day string) ([]domain.CalendarEvent, error) {
	s.day = day
	return s.events, s.err
}

type stubContacts struct {
	known map[string]string
}

func (s *stubContacts) Resolve(_ context.Context, _, name string) (*domain.ResolvedContact, error) {
	addr, ok := s.known[name]
	if !ok {
		return nil, errors.New("no such contact")
	}
	return &domain.ResolvedContact{Name: name, Address: addr}, nil
}

func runPhases(t *testing.T, deps Deps, pc *domain.PhaseContext) *domain.PhaseContext {
	t.Helper()
	o := NewOrchestrator(BuildPhases(deps), zerolog.Nop())
	return o.Run(context.Background(), pc)
}

func TestEntityNormalization(t *testing.T) {
	pc := domain.NewPhaseContext(
		&domain.InboundMessage{ID: "m-1", Sender: "alice", Text: "hi"},
		&domain.ClassificationResult{
			Intent: domain.IntentSmalltalk,
			Fields: map[string]string{" Title ": "  Standup ", "empty": "   "},
		},
	)

	pc = runPhases(t, Deps{Now: fixedClock}, pc)

	if pc.Failed() {
		t.Fatalf("unexpected failure: %v", pc.Err)
	}
	if pc.Entities["title"] != "Standup" {
		t.Fatalf("entities = %v, want trimmed lowercase-keyed copy", pc.Entities)
	}
	if _, ok := pc.Entities["empty"]; ok {
		t.Fatal("blank values must be dropped")
	}
}

func TestEntityPhaseIsFatalWithoutClassification(t *testing.T) {
	pc := domain.NewPhaseContext(&domain.InboundMessage{ID: "m-1", Text: "hi"}, nil)

	pc = runPhases(t, Deps{Now: fixedClock}, pc)

	if !pc.Failed() || pc.FailedPhase != "entities" {
		t.Fatalf("failed phase = %q, want fatal entities failure", pc.FailedPhase)
	}
}

func TestTimeWindowRelativeDays(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"today", "schedule a call today", "2026-03-14"},
		{"tomorrow", "schedule a call tomorrow", "2026-03-15"},
		{"day after tomorrow", "schedule it the day after tomorrow", "2026-03-16"},
		{"next weekday", "schedule a call on wednesday", "2026-03-18"},
		{"same weekday rolls a week", "schedule a call on saturday", "2026-03-21"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := domain.NewPhaseContext(
				&domain.InboundMessage{ID: "m-1", Sender: "alice", Text: tt.text},
				&domain.ClassificationResult{Intent: domain.IntentScheduleEvent, Confidence: 0.95},
			)
			pc = runPhases(t, Deps{Now: fixedClock}, pc)

			if pc.Day != tt.want {
				t.Fatalf("day = %q, want %q", pc.Day, tt.want)
			}
		})
	}
}

func TestTimeWindowUsesCallerTimezone(t *testing.T) {
	// 15:00 UTC on Saturday is already Sunday 00:00 in Seoul, so "today"
	// differs between the two callers.
	if _, err := time.LoadLocation("Asia/Seoul"); err != nil {
		t.Skip("tzdata unavailable")
	}

	mk := func(tz string) *domain.PhaseContext {
		return domain.NewPhaseContext(
			&domain.InboundMessage{ID: "m-1", Sender: "alice", Text: "what about today", Timezone: tz},
			&domain.ClassificationResult{Intent: domain.IntentListAgenda, Confidence: 0.95},
		)
	}

	utc := runPhases(t, Deps{Now: fixedClock}, mk(""))
	seoul := runPhases(t, Deps{Now: fixedClock}, mk("Asia/Seoul"))

	if utc.Day != "2026-03-14" {
		t.Fatalf("utc day = %q", utc.Day)
	}
	if seoul.Day != "2026-03-15" {
		t.Fatalf("seoul day = %q, want next calendar day", seoul.Day)
	}
}

func TestTimeWindowExplicitEntityWins(t *testing.T) {
	pc := domain.NewPhaseContext(
		&domain.InboundMessage{ID: "m-1", Sender: "alice", Text: "schedule it tomorrow"},
		&domain.ClassificationResult{
			Intent: domain.IntentScheduleEvent, Confidence: 0.95,
			Fields: map[string]string{"day": "2026-04-01"},
		},
	)

	pc = runPhases(t, Deps{Now: fixedClock}, pc)

	if pc.Day != "2026-04-01" {
		t.Fatalf("day = %q, explicit classifier entity must win", pc.Day)
	}
}

func TestTimeWindowUnresolvableScheduleWarns(t *testing.T) {
	pc := domain.NewPhaseContext(
		&domain.InboundMessage{ID: "m-1", Sender: "alice", Text: "schedule the thing sometime"},
		&domain.ClassificationResult{Intent: domain.IntentScheduleEvent, Confidence: 0.95},
	)

	pc = runPhases(t, Deps{Now: fixedClock}, pc)

	if pc.Failed() {
		t.Fatal("time window failure is non-fatal")
	}
	if len(pc.Warnings) == 0 {
		t.Fatal("an unresolvable day for a schedulable intent must warn")
	}
}

func TestRecurrenceDetection(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"remind me every day at 9", "daily"},
		{"standup weekly please", "weekly"},
		{"sync every monday", "weekly"},
		{"pay rent every month", "monthly"},
		{"just once on friday", ""},
	}

	for _, tt := range tests {
		pc := domain.NewPhaseContext(
			&domain.InboundMessage{ID: "m-1", Sender: "alice", Text: tt.text},
			&domain.ClassificationResult{Intent: domain.IntentSetReminder, Confidence: 0.95},
		)
		pc = runPhases(t, Deps{Now: fixedClock}, pc)

		if pc.Recurrence != tt.want {
			t.Fatalf("recurrence(%q) = %q, want %q", tt.text, pc.Recurrence, tt.want)
		}
	}
}

func TestAttendeeResolution(t *testing.T) {
	contacts := &stubContacts{known: map[string]string{"dana": "dana@example.com"}}
	pc := domain.NewPhaseContext(
		&domain.InboundMessage{ID: "m-1", Sender: "alice", Text: "schedule a sync tomorrow"},
		&domain.ClassificationResult{
			Intent: domain.IntentScheduleEvent, Confidence: 0.95,
			Fields: map[string]string{"attendees": "dana, bob"},
		},
	)

	pc = runPhases(t, Deps{Now: fixedClock, Contacts: contacts}, pc)

	if len(pc.Attendees) != 1 || pc.Attendees[0].Address != "dana@example.com" {
		t.Fatalf("attendees = %v, want dana resolved", pc.Attendees)
	}
	if !pc.NeedsClarification {
		t.Fatal("an unresolved attendee must request clarification")
	}
	if len(pc.Warnings) == 0 {
		t.Fatal("unresolved attendees must be reported")
	}
}

func TestConflictCheck(t *testing.T) {
	calendar := &stubCalendar{events: []domain.CalendarEvent{{Title: "dentist"}}}
	pc := domain.NewPhaseContext(
		&domain.InboundMessage{ID: "m-1", Sender: "alice", Text: "schedule a sync tomorrow"},
		&domain.ClassificationResult{Intent: domain.IntentScheduleEvent, Confidence: 0.95},
	)

	pc = runPhases(t, Deps{Now: fixedClock, Calendar: calendar}, pc)

	if calendar.day != "2026-03-15" {
		t.Fatalf("calendar queried for %q, want the resolved day", calendar.day)
	}
	if len(pc.Conflicts) != 1 || pc.Conflicts[0].Title != "dentist" {
		t.Fatalf("conflicts = %v", pc.Conflicts)
	}
}

func TestConflictCheckSkippedWithoutDay(t *testing.T) {
	calendar := &stubCalendar{}
	pc := domain.NewPhaseContext(
		&domain.InboundMessage{ID: "m-1", Sender: "alice", Text: "cancel the 3pm"},
		&domain.ClassificationResult{Intent: domain.IntentCancelEvent, Confidence: 0.95},
	)

	runPhases(t, Deps{Now: fixedClock, Calendar: calendar}, pc)

	if calendar.day != "" {
		t.Fatal("conflict check must be skipped for non-schedule intents")
	}
}
