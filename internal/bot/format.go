package bot

import (
	"fmt"
	"strings"
	"time"

	"fcc_monitor/internal/admin"
	"fcc_monitor/internal/model"
	"fcc_monitor/internal/scheduler"
	"fcc_monitor/internal/settings"
)

const timeLayout = "2006-01-02 15:04 UTC"

// FormatStatus formats the settings and X integration state for /status.
func FormatStatus(cfg settings.Settings, st admin.XStatus, now time.Time) string {
	var b strings.Builder
	b.WriteString("FCC Filing Monitor\n\n")
	fmt.Fprintf(&b, "Check interval: every %d min\n", cfg.FrequencyMinutes)
	fmt.Fprintf(&b, "Delivery: %s\n", modeLabel(cfg.DeliveryMode()))
	fmt.Fprintf(&b, "Slack webhook: %s\n", configured(st.WebhookReady))
	fmt.Fprintf(&b, "Filters: %d\n", len(cfg.Filters))

	b.WriteString("\nX:\n")
	fmt.Fprintf(&b, "  Posting: %s\n", onOff(st.PostingEnabled))
	fmt.Fprintf(&b, "  X-only mode: %s\n", onOff(st.XOnlyMode))
	fmt.Fprintf(&b, "  App credentials: %s\n", configured(st.HasCredentials))
	if st.TokenExpiresAt != nil {
		fmt.Fprintf(&b, "  Token expires: %s\n", st.TokenExpiresAt.UTC().Format(timeLayout))
	} else {
		b.WriteString("  Token: none, use /authorize\n")
	}
	fmt.Fprintf(&b, "  Quota: %d left", st.RateLimit.Remaining)
	if st.RateLimit.ResetTime.After(now) {
		fmt.Fprintf(&b, ", resets in %s", until(st.RateLimit.ResetTime, now))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Retry queue: %d\n", st.QueueLength)
	return b.String()
}

// FormatRunResult formats the outcome of a manual check.
func FormatRunResult(res scheduler.Result) string {
	var b strings.Builder
	switch {
	case res.Error != "":
		fmt.Fprintf(&b, "Check failed: %s\n", res.Error)
	case res.Message != "":
		b.WriteString(res.Message)
		b.WriteString("\n")
	}

	if res.Webhook != nil {
		if res.Webhook.Error != "" {
			fmt.Fprintf(&b, "\nSlack: failed (%s)\n", res.Webhook.Error)
		} else {
			fmt.Fprintf(&b, "\nSlack: %d sent\n", res.Webhook.Sent)
		}
	}
	if res.Social != nil {
		if res.Social.Skipped {
			fmt.Fprintf(&b, "X: skipped (%s)\n", res.Social.Reason)
		} else {
			fmt.Fprintf(&b, "X: %d posted, %d failed, %d queued\n", res.Social.Posted, res.Social.Failed, res.Social.Queued)
		}
	}
	if res.Retry != nil && (res.Retry.Processed > 0 || res.Retry.Dropped > 0) {
		fmt.Fprintf(&b, "Retries: %d processed, %d dropped, %d remaining\n", res.Retry.Processed, res.Retry.Dropped, res.Retry.Remaining)
	}

	if len(res.Filings) > 0 {
		b.WriteString("\nLatest:\n")
		for _, f := range res.Filings {
			fmt.Fprintf(&b, "  %s: %s\n", f.FilingType, f.Title)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatPreview formats a rendered sample filing with its length.
func FormatPreview(p admin.Preview) string {
	s := fmt.Sprintf("%s preview (%d/%d chars):\n\n%s", channelLabel(p.Channel), p.Length, p.Limit, p.Text)
	if p.Length > p.Limit {
		s += "\n\nWarning: the rendered text is over the limit and will be shortened."
	}
	return s
}

// FormatFilterList formats the filter rules grouped by kind.
func FormatFilterList(rules []model.FilterRule) string {
	if len(rules) == 0 {
		return "No filters. Every filing is delivered.\nUse /include, /exclude, /include_re, /exclude_re to add filters."
	}

	groups := map[string][]model.FilterRule{
		"Include (word)":  {},
		"Include (regex)": {},
		"Exclude (word)":  {},
		"Exclude (regex)": {},
	}
	for _, f := range rules {
		switch f.Kind {
		case model.FilterInclude:
			groups["Include (word)"] = append(groups["Include (word)"], f)
		case model.FilterIncludeRe:
			groups["Include (regex)"] = append(groups["Include (regex)"], f)
		case model.FilterExclude:
			groups["Exclude (word)"] = append(groups["Exclude (word)"], f)
		case model.FilterExcludeRe:
			groups["Exclude (regex)"] = append(groups["Exclude (regex)"], f)
		}
	}

	var b strings.Builder
	b.WriteString("Filters:\n")

	order := []string{"Include (word)", "Include (regex)", "Exclude (word)", "Exclude (regex)"}
	for _, groupName := range order {
		fs := groups[groupName]
		if len(fs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", groupName)
		for _, f := range fs {
			fmt.Fprintf(&b, "  F%d: %s (%s)\n", f.ID, f.Value, scopeLabel(f.Scope))
		}
	}
	return b.String()
}

// FormatQueue formats the X retry queue.
func FormatQueue(items []model.RetryItem, now time.Time) string {
	if len(items) == 0 {
		return "Retry queue is empty."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Retry queue (%d):\n", len(items))
	for _, it := range items {
		next := time.UnixMilli(it.NextRetryTS)
		when := "due now"
		if next.After(now) {
			when = "in " + until(next, now)
		}
		fmt.Fprintf(&b, "\n%s %s\n   attempt %d, next %s\n   %s\n", it.Filing.FilingType, it.Filing.Title, it.AttemptCount, when, it.ErrorReason)
	}
	return b.String()
}

func scopeLabel(s model.FilterScope) string {
	switch s {
	case model.ScopeTitle:
		return "title only"
	case model.ScopeAuthor:
		return "author only"
	default:
		return "all fields"
	}
}

func channelLabel(ch admin.Channel) string {
	if ch == admin.ChannelX {
		return "X"
	}
	return "Slack"
}

func modeLabel(m model.DeliveryMode) string {
	switch m {
	case model.SocialOnly:
		return "X only"
	case model.Both:
		return "Slack and X"
	default:
		return "Slack only"
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func configured(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func until(t, now time.Time) string {
	mins := int(t.Sub(now).Round(time.Minute) / time.Minute)
	if mins < 1 {
		return "<1 min"
	}
	return fmt.Sprintf("%d min", mins)
}
