package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"fcc_monitor/internal/admin"
	"fcc_monitor/internal/model"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to FCC Filing Monitor!

New ECFS filings are posted to Slack and, when enabled, to X.

Quick start:
1. /status — see what is configured
2. /preview — render the sample filing
3. /check — run a check now

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Monitoring:
/status — settings, quota and queue
/check — run a check now
/frequency <min> — check interval (1-1440)

Templates:
/preview [slack|x] — render the sample filing
/template [text] — show or set the Slack template
/xtemplate [text] — show or set the X template
/reset — restore default templates and flags
Placeholders: {filing_type} {title} {author} {date} {docket} {url}

X:
/xposting on|off — post new filings to X
/xonly on|off — skip Slack when X posting is on
/testslack [template] — send the sample to Slack
/testx [template] — post the sample to X
/authorize — start the X authorization flow
/deletepost <id> — delete an X post
/queue — show the retry queue
/clearqueue — empty the retry queue

Filters:
/filters — show filters
/include [-s scope] <word> — whitelist word/phrase
/exclude [-s scope] <word> — blacklist word/phrase
/include_re [-s scope] <regex> — whitelist regex
/exclude_re [-s scope] <regex> — blacklist regex
/rmfilter <filter_id> — remove a filter

Scope flag: -s title | author | all (default: all)`)
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	cfg, err := b.svc.Config(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	st, err := b.svc.XStatus(ctx, false)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.replyWithKeyboard(chatID, FormatStatus(cfg, st, time.Now()), tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Check now", cmdCheck+":0"),
			tgbotapi.NewInlineKeyboardButtonData("Filters", cmdFilters+":0"),
			tgbotapi.NewInlineKeyboardButtonData("Queue", cmdQueue+":0"),
		),
	))
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64) {
	b.reply(chatID, "Checking ECFS...")
	res := b.svc.Run(ctx)
	b.reply(chatID, FormatRunResult(res))
}

func (b *Bot) handlePreview(ctx context.Context, chatID int64, args string) {
	ch, err := admin.ParseChannel(args)
	if err != nil {
		b.reply(chatID, "Usage: /preview [slack|x]")
		return
	}
	p, err := b.svc.Preview(ctx, ch, "")
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatPreview(p))
}

func (b *Bot) handleTemplate(ctx context.Context, chatID int64, args string, ch admin.Channel) {
	if args == "" {
		cfg, err := b.svc.Config(ctx)
		if err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		tmpl := cfg.DashboardTemplate
		if ch == admin.ChannelX {
			tmpl = cfg.XTemplate
		}
		b.reply(chatID, fmt.Sprintf("Current %s template:\n\n%s", channelLabel(ch), tmpl))
		return
	}

	u := admin.ConfigUpdate{Template: &args}
	if ch == admin.ChannelX {
		u = admin.ConfigUpdate{XTemplate: &args}
	}
	if _, err := b.svc.UpdateConfig(ctx, u); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	p, err := b.svc.Preview(ctx, ch, args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("%s template saved.\n\n%s", channelLabel(ch), FormatPreview(p)))
}

func (b *Bot) handleFrequency(ctx context.Context, chatID int64, args string) {
	mins, err := ParseFrequency(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if _, err := b.svc.UpdateConfig(ctx, admin.ConfigUpdate{Frequency: &mins}); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Check interval set to %d min.", mins))
}

func (b *Bot) handleToggle(ctx context.Context, chatID int64, args, label string, update func(bool) admin.ConfigUpdate) {
	on, err := ParseToggle(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	cfg, err := b.svc.UpdateConfig(ctx, update(on))
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("%s %s. Delivery: %s.", label, onOff(on), modeLabel(cfg.DeliveryMode())))
}

func (b *Bot) handleResetConfirm(chatID int64) {
	b.replyWithKeyboard(chatID, "Restore default templates, frequency and X flags? Filters are kept.",
		tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, reset", cbReset+":0"),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
			),
		))
}

func (b *Bot) handleReset(ctx context.Context, chatID int64) {
	if _, err := b.svc.ResetConfig(ctx); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, "Settings restored to defaults.")
}

func (b *Bot) handleTestSlack(ctx context.Context, chatID int64, args string) {
	res, err := b.svc.TestSlack(ctx, args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if !res.Success {
		b.reply(chatID, fmt.Sprintf("Slack test failed: %s\n\n%s", res.Error, res.Preview))
		return
	}
	b.reply(chatID, fmt.Sprintf("Sample sent to Slack.\n\n%s", res.Preview))
}

func (b *Bot) handleTestX(ctx context.Context, chatID int64, args string) {
	res, err := b.svc.TestX(ctx, args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	switch {
	case res.Success:
		b.reply(chatID, fmt.Sprintf("Sample posted to X as %s.\nDelete it with /deletepost %s\n\n%s", res.PostID, res.PostID, res.Preview))
	case res.RateLimited:
		b.reply(chatID, fmt.Sprintf("X quota exhausted: %s", res.Error))
	default:
		b.reply(chatID, fmt.Sprintf("X test failed: %s\n\n%s", res.Error, res.Preview))
	}
}

func (b *Bot) handleAuthorize(ctx context.Context, chatID int64) {
	u, err := b.svc.AuthorizeURL(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Cannot start authorization: %v\nUpload app credentials through POST /api/x/credentials first.", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Open this link within 10 minutes to authorize the X account:\n%s", u))
}

func (b *Bot) handleDeletePost(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /deletepost <post_id>")
		return
	}
	if err := b.svc.DeletePost(ctx, args); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Post %s deleted.", args))
}

func (b *Bot) handleQueue(ctx context.Context, chatID int64) {
	items, err := b.svc.Queue(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	text := FormatQueue(items, time.Now())
	if len(items) == 0 {
		b.reply(chatID, text)
		return
	}
	b.replyWithKeyboard(chatID, text, tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Clear queue", cbClearQueueConfirm+":0"),
		),
	))
}

func (b *Bot) handleClearQueueConfirm(chatID int64) {
	b.replyWithKeyboard(chatID, "Drop every queued X post? This cannot be undone.",
		tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, clear", cmdClearQueue+":0"),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
			),
		))
}

func (b *Bot) handleClearQueue(ctx context.Context, chatID int64) {
	if err := b.svc.ClearQueue(ctx); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, "Retry queue cleared.")
}

func (b *Bot) handleFilters(ctx context.Context, chatID int64) {
	rules, err := b.svc.Filters(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatFilterList(rules))
}

func (b *Bot) handleAddFilter(ctx context.Context, chatID int64, args string, kind string) {
	parsed, err := ParseFilterCommand(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	rule, err := b.svc.AddFilter(ctx, model.FilterRule{
		Kind:  model.FilterKind(kind),
		Scope: parsed.Scope,
		Value: parsed.Value,
	})
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	b.reply(chatID, fmt.Sprintf("Filter F%d added: %s %s (%s)",
		rule.ID, kind, rule.Value, scopeLabel(rule.Scope)))
}

func (b *Bot) handleRmFilter(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmfilter <filter_id>")
		return
	}

	if err := b.svc.RemoveFilter(ctx, id); err != nil {
		if errors.Is(err, admin.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("Filter F%d not found.", id))
			return
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Filter F%d removed.", id))
}
