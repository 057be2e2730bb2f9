// Package workflow implements the downstream workflow handler: it executes
// the classified action against the providers and answers the caller.
package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"assistant_server/adapter/out/provider"
	"assistant_server/core/domain"
	"assistant_server/core/port/out"
)

// Replier delivers the answer back to the caller.
type Replier interface {
	Reply(ctx context.Context, sender, text string) error
}

// TelegramReplier answers through the Bot API. Sender is the numeric chat
// ID the listener recorded.
type TelegramReplier struct {
	api *tgbotapi.BotAPI
}

// NewTelegramReplier wraps an existing bot client.
func NewTelegramReplier(api *tgbotapi.BotAPI) *TelegramReplier {
	return &TelegramReplier{api: api}
}

// Reply sends one message to the sender's chat.
func (r *TelegramReplier) Reply(_ context.Context, sender, text string) error {
	chatID, err := strconv.ParseInt(sender, 10, 64)
	if err != nil {
		return fmt.Errorf("unaddressable sender %q: %w", sender, err)
	}
	_, err = r.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// LogReplier writes answers to the log. Used when no chat transport is
// configured, typically in local development.
type LogReplier struct {
	log zerolog.Logger
}

// NewLogReplier creates the logging replier.
func NewLogReplier(log zerolog.Logger) *LogReplier {
	return &LogReplier{log: log.With().Str("component", "replier").Logger()}
}

// Reply logs the answer.
func (r *LogReplier) Reply(_ context.Context, sender, text string) error {
	r.log.Info().Str("sender", sender).Str("reply", text).Msg("reply")
	return nil
}

const reminderKeyPrefix = "reminder:"

// reminderRecord is the stored shape of one reminder.
type reminderRecord struct {
	Text       string `json:"text"`
	Day        string `json:"day,omitempty"`
	Time       string `json:"time,omitempty"`
	Recurrence string `json:"recurrence,omitempty"`
}

// ReplyWorkflow executes the action the phases prepared and answers the
// caller. Clarification requests are answered honestly; the workflow never
// acts on a verdict the pipeline flagged.
type ReplyWorkflow struct {
	calendar *provider.StoreCalendar
	contacts *provider.StoreContacts
	store    out.KVStore
	replier  Replier
	log      zerolog.Logger
}

// NewReplyWorkflow creates the workflow handler.
func NewReplyWorkflow(calendar *provider.StoreCalendar, contacts *provider.StoreContacts, store out.KVStore, replier Replier, log zerolog.Logger) *ReplyWorkflow {
	return &ReplyWorkflow{
		calendar: calendar,
		contacts: contacts,
		store:    store,
		replier:  replier,
		log:      log.With().Str("component", "workflow").Logger(),
	}
}

// Handle implements out.WorkflowHandler.
func (w *ReplyWorkflow) Handle(ctx context.Context, pc *domain.PhaseContext) error {
	text := w.respond(ctx, pc)
	return w.replier.Reply(ctx, pc.Message.Sender, text)
}

func (w *ReplyWorkflow) respond(ctx context.Context, pc *domain.PhaseContext) string {
	if pc.Failed() {
		return "Sorry, I couldn't process that message. Please try again."
	}
	if pc.NeedsClarification {
		return w.clarify(pc)
	}

	switch pc.Intent() {
	case domain.IntentScheduleEvent:
		return w.scheduleEvent(ctx, pc)
	case domain.IntentCancelEvent:
		return w.cancelEvent(ctx, pc)
	case domain.IntentListAgenda:
		return w.listAgenda(ctx, pc)
	case domain.IntentSetReminder:
		return w.setReminder(ctx, pc)
	case domain.IntentAddContact:
		return w.addContact(ctx, pc)
	case domain.IntentSmalltalk:
		return "Happy to help! Tell me what to schedule, cancel or remember."
	default:
		return "I didn't catch what you'd like me to do. Could you rephrase?"
	}
}

// clarify names the ambiguity instead of guessing.
func (w *ReplyWorkflow) clarify(pc *domain.PhaseContext) string {
	res := pc.Classification
	if res != nil && res.NeedsDisambiguation {
		seen := make(map[domain.Intent]bool)
		var candidates []string
		for _, v := range res.Verdicts {
			if v.Failed() || v.Intent == domain.IntentUnknown || seen[v.Intent] {
				continue
			}
			seen[v.Intent] = true
			candidates = append(candidates, intentLabel(v.Intent))
		}
		if len(candidates) > 1 {
			return fmt.Sprintf("I'm not sure whether you want to %s. Which one is it?",
				strings.Join(candidates, " or "))
		}
	}
	if len(pc.Warnings) > 0 {
		return fmt.Sprintf("I understood the request but hit a snag: %s. Could you clarify?",
			pc.Warnings[len(pc.Warnings)-1])
	}
	return "I couldn't confidently work out what you meant. Could you rephrase?"
}

func (w *ReplyWorkflow) scheduleEvent(ctx context.Context, pc *domain.PhaseContext) string {
	if pc.Day == "" {
		return "When should I schedule that?"
	}
	title := pc.Entities["title"]
	if title == "" {
		title = "event"
	}

	start, end := eventWindow(pc)
	event := domain.CalendarEvent{Title: title, StartTime: start, EndTime: end}
	if err := w.calendar.AddEvent(ctx, pc.Message.Sender, pc.Day, event); err != nil {
		w.log.Error().Err(err).Str("message_id", pc.Message.ID).Msg("event write failed")
		return "I couldn't save that event. Please try again."
	}

	reply := fmt.Sprintf("Scheduled %q on %s.", title, pc.Day)
	if t := pc.Entities["time"]; t != "" {
		reply = fmt.Sprintf("Scheduled %q on %s at %s.", title, pc.Day, t)
	}
	if n := len(pc.Conflicts); n > 0 {
		reply += fmt.Sprintf(" Heads up: you already have %d event(s) that day.", n)
	}
	if pc.Recurrence != "" {
		reply += fmt.Sprintf(" I'll repeat it %s.", pc.Recurrence)
	}
	return reply
}

func (w *ReplyWorkflow) cancelEvent(ctx context.Context, pc *domain.PhaseContext) string {
	if pc.Day == "" {
		return "Which day is that event on?"
	}
	removed, err := w.calendar.RemoveEvents(ctx, pc.Message.Sender, pc.Day, pc.Entities["title"])
	if err != nil {
		w.log.Error().Err(err).Str("message_id", pc.Message.ID).Msg("event removal failed")
		return "I couldn't update your calendar. Please try again."
	}
	if removed == 0 {
		return fmt.Sprintf("I found nothing to cancel on %s.", pc.Day)
	}
	return fmt.Sprintf("Cancelled %d event(s) on %s.", removed, pc.Day)
}

func (w *ReplyWorkflow) listAgenda(ctx context.Context, pc *domain.PhaseContext) string {
	day := pc.Day
	if day == "" {
		day = time.Now().In(pc.Message.Location()).Format("2006-01-02")
	}

	events, err := w.calendar.EventsOn(ctx, pc.Message.Sender, day)
	if err != nil {
		w.log.Error().Err(err).Str("message_id", pc.Message.ID).Msg("agenda read failed")
		return "I couldn't read your calendar. Please try again."
	}
	if len(events) == 0 {
		return fmt.Sprintf("Nothing on your calendar for %s.", day)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your agenda for %s:", day)
	for _, e := range events {
		fmt.Fprintf(&b, "\n- %s", e.Title)
		if !e.StartTime.IsZero() {
			fmt.Fprintf(&b, " at %s", e.StartTime.In(pc.Message.Location()).Format("15:04"))
		}
	}
	return b.String()
}

func (w *ReplyWorkflow) setReminder(ctx context.Context, pc *domain.PhaseContext) string {
	record := reminderRecord{
		Text:       pc.Message.Text,
		Day:        pc.Day,
		Time:       pc.Entities["time"],
		Recurrence: pc.Recurrence,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "I couldn't save that reminder. Please try again."
	}

	key := fmt.Sprintf("%s%s:%s", reminderKeyPrefix, pc.Message.Sender, uuid.New().String())
	if err := w.store.Set(ctx, key, data, 0); err != nil {
		w.log.Error().Err(err).Str("message_id", pc.Message.ID).Msg("reminder write failed")
		return "I couldn't save that reminder. Please try again."
	}

	reply := "Reminder saved."
	if record.Day != "" {
		reply = fmt.Sprintf("Reminder saved for %s.", record.Day)
	}
	if record.Recurrence != "" {
		reply += fmt.Sprintf(" I'll repeat it %s.", record.Recurrence)
	}
	return reply
}

func (w *ReplyWorkflow) addContact(ctx context.Context, pc *domain.PhaseContext) string {
	name := pc.Entities["contact_name"]
	if name == "" {
		return "Whose contact should I save?"
	}
	contact := domain.ResolvedContact{Name: name, Address: pc.Entities["contact_number"]}
	if err := w.contacts.Save(ctx, pc.Message.Sender, contact); err != nil {
		w.log.Error().Err(err).Str("message_id", pc.Message.ID).Msg("contact write failed")
		return "I couldn't save that contact. Please try again."
	}
	return fmt.Sprintf("Saved %s to your contacts.", name)
}

// eventWindow derives start and end from the resolved day and an optional
// HH:MM entity. Events default to one hour.
func eventWindow(pc *domain.PhaseContext) (time.Time, time.Time) {
	loc := pc.Message.Location()
	day, err := time.ParseInLocation("2006-01-02", pc.Day, loc)
	if err != nil {
		return time.Time{}, time.Time{}
	}

	start := day
	if t, err := time.Parse("15:04", pc.Entities["time"]); err == nil {
		start = day.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
	}
	return start, start.Add(time.Hour)
}

func intentLabel(i domain.Intent) string {
	switch i {
	case domain.IntentScheduleEvent:
		return "schedule something"
	case domain.IntentCancelEvent:
		return "cancel something"
	case domain.IntentListAgenda:
		return "see your agenda"
	case domain.IntentSetReminder:
		return "set a reminder"
	case domain.IntentAddContact:
		return "save a contact"
	case domain.IntentSmalltalk:
		return "chat"
	default:
		return "do something else"
	}
}
