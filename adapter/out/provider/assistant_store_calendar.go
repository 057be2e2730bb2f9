// Package provider implements the external collaborator ports over the
// shared KV store.
package provider

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"assistant_server/core/domain"
	"assistant_server/core/port/out"
)

const calendarKeyPrefix = "calendar:"

// StoreCalendar keeps per-sender day buckets of events in the KV store and
// serves the conflict-check phase from them.
type StoreCalendar struct {
	store out.KVStore
}

// NewStoreCalendar creates the calendar provider.
func NewStoreCalendar(store out.KVStore) *StoreCalendar {
	return &StoreCalendar{store: store}
}

func calendarKey(sender, day string) string {
	return fmt.Sprintf("%s%s:%s", calendarKeyPrefix, sender, day)
}

// EventsOn lists the sender's events on the given day.
func (c *StoreCalendar) EventsOn(ctx context.Context, sender, day string) ([]domain.CalendarEvent, error) {
	data, err := c.store.Get(ctx, calendarKey(sender, day))
	if err != nil {
		if err == out.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var events []domain.CalendarEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("corrupt calendar bucket: %w", err)
	}
	return events, nil
}

// AddEvent appends one event to the sender's day bucket.
func (c *StoreCalendar) AddEvent(ctx context.Context, sender, day string, event domain.CalendarEvent) error {
	events, err := c.EventsOn(ctx, sender, day)
	if err != nil {
		return err
	}
	events = append(events, event)

	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, calendarKey(sender, day), data, 0)
}

// RemoveEvents drops events whose title matches, returning how many went.
func (c *StoreCalendar) RemoveEvents(ctx context.Context, sender, day, title string) (int, error) {
	events, err := c.EventsOn(ctx, sender, day)
	if err != nil {
		return 0, err
	}

	var kept []domain.CalendarEvent
	removed := 0
	for _, e := range events {
		if title == "" || e.Title == title {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}

	if len(kept) == 0 {
		return removed, c.store.Delete(ctx, calendarKey(sender, day))
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return 0, err
	}
	return removed, c.store.Set(ctx, calendarKey(sender, day), data, 0)
}
