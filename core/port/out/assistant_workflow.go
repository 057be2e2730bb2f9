package out

import (
	"context"

	"assistant_server/core/domain"
)

// WorkflowHandler receives the final phase context and executes the actual
// domain action (scheduling, reminders, replies). The pipeline makes no
// assumption about what happens after handoff.
type WorkflowHandler interface {
	Handle(ctx context.Context, pc *domain.PhaseContext) error
}

// CalendarGateway exposes the external calendar collaborator used by the
// conflict-check phase.
type CalendarGateway interface {
	// EventsOn lists the sender's events on the given day (YYYY-MM-DD).
	EventsOn(ctx context.Context, sender, day string) ([]domain.CalendarEvent, error)
}

// ContactDirectory resolves attendee names through the external contact
// collaborator.
type ContactDirectory interface {
	Resolve(ctx context.Context, sender, name string) (*domain.ResolvedContact, error)
}
