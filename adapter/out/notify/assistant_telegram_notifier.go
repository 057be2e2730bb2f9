// Package notify implements the operator notifier port over Telegram.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"assistant_server/core/port/out"
)

// TelegramNotifier pushes operator alerts to a fixed chat. Budget warnings
// and crash-loop trips land here.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewTelegramNotifier creates the notifier. It validates the token with one
// API round trip so a misconfigured notifier fails at startup, not at the
// first alert.
func NewTelegramNotifier(token string, chatID int64, log zerolog.Logger) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	return &TelegramNotifier{
		api:    api,
		chatID: chatID,
		log:    log.With().Str("component", "notifier").Logger(),
	}, nil
}

// NewTelegramNotifierWithAPI injects an existing bot client so the notifier
// can share the transport's connection.
func NewTelegramNotifierWithAPI(api *tgbotapi.BotAPI, chatID int64, log zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		api:    api,
		chatID: chatID,
		log:    log.With().Str("component", "notifier").Logger(),
	}
}

// Notify sends one alert. Delivery failures are returned, never retried;
// the guards treat notification as best effort.
func (n *TelegramNotifier) Notify(_ context.Context, level out.NotifyLevel, message string) error {
	prefix := "WARNING"
	if level == out.NotifyCritical {
		prefix = "CRITICAL"
	}

	msg := tgbotapi.NewMessage(n.chatID, fmt.Sprintf("[%s] %s", prefix, message))
	if _, err := n.api.Send(msg); err != nil {
		n.log.Error().Err(err).Str("level", prefix).Msg("operator alert delivery failed")
		return err
	}
	return nil
}

// NoopNotifier discards alerts. Used when no operator chat is configured.
type NoopNotifier struct{}

// Notify drops the alert.
func (NoopNotifier) Notify(context.Context, out.NotifyLevel, string) error { return nil }
