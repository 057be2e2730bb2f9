package domain

import "time"

// InboundMessage is one raw message delivered by the chat transport.
// Identity is ID; the transport delivers at-least-once, so the same ID may
// arrive again and must never be processed twice.
type InboundMessage struct {
	ID              string    `json:"id"`
	Sender          string    `json:"sender"`
	Text            string    `json:"text"`
	ReceivedAt      time.Time `json:"received_at"`
	OriginTimestamp time.Time `json:"origin_timestamp"`

	// Timezone is the caller's IANA timezone name. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

// Location resolves the caller timezone, falling back to UTC.
func (m *InboundMessage) Location() *time.Location {
	if m.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CalendarEvent is the minimal view of an existing event returned by the
// external calendar collaborator for conflict checking.
type CalendarEvent struct {
	Title     string    `json:"title"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// ResolvedContact is an attendee resolved through the contact directory.
type ResolvedContact struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}
