// Package telegram implements the inbound chat transport. It long-polls the
// Bot API and feeds every text message into the worker pool.
package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"assistant_server/core/domain"
)

// Submitter is the slice of the worker pool the listener needs.
type Submitter interface {
	Submit(msg *domain.InboundMessage) bool
}

// Config tunes the listener.
type Config struct {
	Token string

	// DefaultTimezone is attached to every message; the Bot API carries
	// no caller timezone.
	DefaultTimezone string

	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
}

// Listener receives messages from Telegram and hands them to the pool.
type Listener struct {
	api  *tgbotapi.BotAPI
	cfg  Config
	pool Submitter
	log  zerolog.Logger

	done chan struct{}
}

// NewListener connects to the Bot API.
func NewListener(cfg Config, pool Submitter, log zerolog.Logger) (*Listener, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram listener: %w", err)
	}
	return NewListenerWithAPI(api, cfg, pool, log), nil
}

// NewListenerWithAPI reuses an existing bot client, so the listener, the
// replier and the operator notifier share one connection.
func NewListenerWithAPI(api *tgbotapi.BotAPI, cfg Config, pool Submitter, log zerolog.Logger) *Listener {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	return &Listener{
		api:  api,
		cfg:  cfg,
		pool: pool,
		log:  log.With().Str("component", "telegram_listener").Logger(),
		done: make(chan struct{}),
	}
}

// API exposes the underlying client so the notifier can share it.
func (l *Listener) API() *tgbotapi.BotAPI { return l.api }

// Handshake makes one authenticated round trip to the Bot API. Callers use
// it to confirm the transport is actually reachable before declaring the
// start successful.
func (l *Listener) Handshake(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := l.api.GetMe(); err != nil {
		return fmt.Errorf("telegram handshake: %w", err)
	}
	return nil
}

// Start blocks on the update loop until the context is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	defer close(l.done)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = l.cfg.PollTimeout
	updates := l.api.GetUpdatesChan(u)

	l.log.Info().Str("bot", l.api.Self.UserName).Msg("listening for updates")

	for {
		select {
		case <-ctx.Done():
			l.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			l.dispatch(update.Message)
		}
	}
}

// Done is closed when the update loop has exited.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) dispatch(m *tgbotapi.Message) {
	msg := &domain.InboundMessage{
		// Chat plus message ID is stable across Bot API redeliveries, so
		// it doubles as the dedup identity.
		ID:              fmt.Sprintf("tg:%d:%d", m.Chat.ID, m.MessageID),
		Sender:          fmt.Sprintf("%d", m.From.ID),
		Text:            m.Text,
		ReceivedAt:      time.Now(),
		OriginTimestamp: m.Time(),
		Timezone:        l.cfg.DefaultTimezone,
	}

	if !l.pool.Submit(msg) {
		l.log.Warn().Str("message_id", msg.ID).Msg("pool not running, message dropped")
	}
}
