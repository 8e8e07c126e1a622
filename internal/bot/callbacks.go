package bot

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdStatus     = "status"
	cmdCheck      = "check"
	cmdQueue      = "queue"
	cmdClearQueue = "clearqueue"
	cmdFilters    = "filters"
	cmdRmFilter   = "rmfilter"

	cbReset             = "reset"
	cbClearQueueConfirm = "clearqueue_confirm"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	action, idStr, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return
	}

	log := b.log.With("action", action, "id", id, "chat_id", chatID)
	if cb.From != nil {
		log = log.With("user_id", cb.From.ID, "username", cb.From.UserName)
	}
	log.Info("callback")

	switch action {
	case cmdCheck:
		b.handleCheck(ctx, chatID)
	case cmdFilters:
		b.handleFilters(ctx, chatID)
	case cmdQueue:
		b.handleQueue(ctx, chatID)
	case cmdRmFilter:
		b.handleRmFilter(ctx, chatID, idStr)
	case cbReset:
		b.handleReset(ctx, chatID)
	case cbClearQueueConfirm:
		b.handleClearQueueConfirm(chatID)
	case cmdClearQueue:
		b.handleClearQueue(ctx, chatID)
	}
}
