// Package notify delivers operation summaries to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/mixelka/mailtriage/internal/email"
	"github.com/mixelka/mailtriage/internal/formatter"
	"github.com/mixelka/mailtriage/pkg/models"
)

const sendTimeout = 10 * time.Second

// MessageSender is the part of the Telegram bot API the notifier uses
type MessageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// Telegram posts fetch and cleanup outcomes to one chat
type Telegram struct {
	api       MessageSender
	chatID    int64
	formatter *formatter.TelegramFormatter
	logger    *slog.Logger
}

// NewTelegram connects to the bot API with token
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return NewTelegramWithSender(b, chatID, logger), nil
}

// NewTelegramWithSender builds a notifier over an existing API client
func NewTelegramWithSender(api MessageSender, chatID int64, logger *slog.Logger) *Telegram {
	return &Telegram{
		api:       api,
		chatID:    chatID,
		formatter: formatter.NewTelegramFormatter(),
		logger:    logger.With("component", "telegram_notifier"),
	}
}

// NotifyFetched reports newly stored messages
func (t *Telegram) NotifyFetched(ctx context.Context, account *models.Account, msgs []*models.Message) {
	t.send(ctx, t.formatter.FormatFetched(account, msgs))
}

// NotifyCleanup reports a cleanup tally
func (t *Telegram) NotifyCleanup(ctx context.Context, account *models.Account, tally *email.Tally) {
	t.send(ctx, t.formatter.FormatCleanup(account, tally))
}

// NotifyError reports a failed operation
func (t *Telegram) NotifyError(ctx context.Context, account *models.Account, op string, err error) {
	t.send(ctx, t.formatter.FormatError(account, op, err))
}

// send never fails the caller; delivery problems are only logged.
func (t *Telegram) send(ctx context.Context, text string) {
	// Separate deadline so a nearly expired operation context still delivers
	apiCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	_, err := t.api.SendMessage(apiCtx, &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		t.logger.Warn("failed to send telegram notification", "chat_id", t.chatID, "error", err)
	}
}
