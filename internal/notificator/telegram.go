package notificator

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/core-coin/tributum/pkg/logger"
)

type TelegramNotificator struct {
	logger *logger.Logger
	bot    *bot.Bot

	chatID int64
}

var _ Sender = (*TelegramNotificator)(nil)

func NewTelegramNotificator(logger *logger.Logger, token string, chatID int64) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger: logger,
		chatID: chatID,
	}
	opts := []bot.Option{
		bot.WithDefaultHandler(provider.handler),
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	provider.bot = b
	return provider, nil
}

// Start polls for bot updates until ctx is cancelled.
func (t *TelegramNotificator) Start(ctx context.Context) {
	t.bot.Start(ctx)
}

func (t *TelegramNotificator) Name() string { return "telegram" }

func (t *TelegramNotificator) Send(ctx context.Context, subject, message string) error {
	params := &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   subject + "\n\n" + message,
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// handler answers /start with the chat id so operators can configure alerts.
func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil {
		return
	}
	if update.Message.From != nil {
		t.logger.Debug("Telegram update", "username", update.Message.From.Username, "text", update.Message.Text)
	}
	if update.Message.Text != "/start" {
		return
	}

	chatID := update.Message.Chat.ID
	text := fmt.Sprintf("Payment alerts are delivered to chat %d. Set TELEGRAM_CHAT_ID=%d to receive them here.", chatID, chatID)
	if chatID == t.chatID {
		text = "This chat is receiving payment alerts."
	}
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		t.logger.Error("Failed to answer /start", "chat_id", chatID, "error", err)
	}
}
