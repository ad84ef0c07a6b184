package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hwfleet/fleetmaster/internal/log"
)

// TelegramNotifierConfig is the configuration for the Telegram notifier.
type TelegramNotifierConfig struct {
	// Token is the bot token.
	Token string
	// ChatID is the chat the notifications are sent to.
	ChatID int64
	Logger log.Logger
}

func (c *TelegramNotifierConfig) defaults() error {
	if c.Token == "" {
		return fmt.Errorf("bot token is required")
	}
	if c.ChatID == 0 {
		return fmt.Errorf("chat id is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "notify.Telegram"})
	return nil
}

// TelegramNotifier sends notifications to a Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger log.Logger
}

var _ Notifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier creates a new Telegram notifier.
func NewTelegramNotifier(cfg TelegramNotifierConfig) (*TelegramNotifier, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid telegram notifier config: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("could not create telegram bot: %w", err)
	}

	return &TelegramNotifier{
		bot:    bot,
		chatID: cfg.ChatID,
		logger: cfg.Logger,
	}, nil
}

// Notify sends a Markdown formatted message to the configured chat.
func (n *TelegramNotifier) Notify(ctx context.Context, message string) error {
	msg := tgbotapi.NewMessage(n.chatID, message)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("could not send telegram message: %w", err)
	}

	n.logger.Debugf("Sent telegram notification (%d chars)", len(message))
	return nil
}
