// Package bot is a Telegram front end for the admin service.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"fcc_monitor/internal/admin"
	"fcc_monitor/internal/config"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the Telegram bot that handles operator commands.
type Bot struct {
	api telegramAPI
	svc *admin.Service
	cfg *config.Config
	log *slog.Logger
}

// New creates a Bot with the given Telegram token.
func New(token string, svc *admin.Service, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api: api,
		svc: svc,
		cfg: cfg,
		log: log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if update.CallbackQuery.From == nil || !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.From == nil || !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) replyWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = kb
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case cmdStatus:
		b.handleStatus(ctx, chatID)
	case cmdCheck:
		b.handleCheck(ctx, chatID)
	case "preview":
		b.handlePreview(ctx, chatID, args)
	case "template":
		b.handleTemplate(ctx, chatID, args, admin.ChannelSlack)
	case "xtemplate":
		b.handleTemplate(ctx, chatID, args, admin.ChannelX)
	case "frequency":
		b.handleFrequency(ctx, chatID, args)
	case "xposting":
		b.handleToggle(ctx, chatID, args, "X posting", func(on bool) admin.ConfigUpdate {
			return admin.ConfigUpdate{XPostingEnabled: &on}
		})
	case "xonly":
		b.handleToggle(ctx, chatID, args, "X-only mode", func(on bool) admin.ConfigUpdate {
			return admin.ConfigUpdate{XOnlyMode: &on}
		})
	case "reset":
		b.handleResetConfirm(chatID)
	case "testslack":
		b.handleTestSlack(ctx, chatID, args)
	case "testx":
		b.handleTestX(ctx, chatID, args)
	case "authorize":
		b.handleAuthorize(ctx, chatID)
	case "deletepost":
		b.handleDeletePost(ctx, chatID, args)
	case cmdQueue:
		b.handleQueue(ctx, chatID)
	case cmdClearQueue:
		b.handleClearQueue(ctx, chatID)
	case cmdFilters:
		b.handleFilters(ctx, chatID)
	case "include":
		b.handleAddFilter(ctx, chatID, args, "include")
	case "exclude":
		b.handleAddFilter(ctx, chatID, args, "exclude")
	case "include_re":
		b.handleAddFilter(ctx, chatID, args, "include_re")
	case "exclude_re":
		b.handleAddFilter(ctx, chatID, args, "exclude_re")
	case cmdRmFilter:
		b.handleRmFilter(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
