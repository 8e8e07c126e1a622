// Package format renders filings through user-editable templates and fits
// the result into per-platform character budgets.
package format

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"fcc_monitor/internal/model"
)

// Ellipsis marks truncated text.
const Ellipsis = "..."

// minFieldLength is the shortest a title or author is ever cut to.
const minFieldLength = 15

// Default templates. The chat and X templates are independent; neither falls
// back to the other.
const (
	DefaultSlackTemplate = `🚨 NEW FCC FILING

📋 {filing_type}: {title}
🏢 {author}
📅 {date}
🔗 WC {docket}

{url}

#Lifeline #FCC`

	DefaultXTemplate = `🚨 NEW FCC FILING

📋 {filing_type}: {title}
🏢 {author}
📅 {date}
🔗 {url}

#FCC #{docket} #Telecom`
)

// Placeholders lists every token Render substitutes.
var Placeholders = []string{"{filing_type}", "{title}", "{author}", "{date}", "{docket}", "{url}"}

// Render substitutes filing fields into tmpl. Unknown placeholders are left
// as-is and missing fields fall back to fixed text.
func Render(tmpl string, f model.Filing) string {
	r := strings.NewReplacer(
		"{filing_type}", orDefault(f.FilingType, "Filing"),
		"{title}", orDefault(f.Title, "Untitled"),
		"{author}", orDefault(f.Author, "Anonymous"),
		"{date}", FormatDate(f.DateReceived),
		"{docket}", f.DocketNumber,
		"{url}", f.FilingURL,
	)
	return r.Replace(tmpl)
}

// FormatDate renders an ECFS date as MM/DD/YY. Values that are neither a
// plain date nor an RFC 3339 timestamp are returned unchanged.
func FormatDate(s string) string {
	if s == "" {
		return ""
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("01/02/06")
		}
	}
	if len(s) >= 10 {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t.Format("01/02/06")
		}
	}
	return s
}

// Profile describes how a platform's messages are fitted.
type Profile struct {
	Limit          int
	TitleHeadroom  int
	AuthorHeadroom int
	// HardTruncate cuts the rendered text as a last resort.
	HardTruncate bool
	// Rewrite, when set, is applied to every rendering before measuring.
	Rewrite func(string) string
}

// Platform profiles.
var (
	Slack = Profile{Limit: 240, TitleHeadroom: 50, AuthorHeadroom: 40}
	X     = Profile{Limit: 280, TitleHeadroom: 60, AuthorHeadroom: 30, HardTruncate: true, Rewrite: DocketHashtags}
)

var wcDocket = regexp.MustCompile(`WC\s+(\d+-\d+)`)

// DocketHashtags turns "WC 11-42" citations into "#WC11-42".
func DocketHashtags(s string) string {
	return wcDocket.ReplaceAllString(s, "#WC$1")
}

// Fit renders f through tmpl and shrinks the title, then the author, until
// the text fits p.Limit. With p.HardTruncate the final text is cut as well,
// which may break a substituted value mid-word.
func Fit(tmpl string, f model.Filing, p Profile) string {
	render := func(f model.Filing) string {
		s := Render(tmpl, f)
		if p.Rewrite != nil {
			s = p.Rewrite(s)
		}
		return s
	}

	text := render(f)
	if Len(text) <= p.Limit {
		return text
	}

	maxTitle := max(minFieldLength, p.TitleHeadroom-(Len(text)-p.Limit))
	f.Title = Truncate(f.Title, maxTitle)
	text = render(f)
	if Len(text) <= p.Limit {
		return text
	}

	maxAuthor := max(minFieldLength, p.AuthorHeadroom-(Len(text)-p.Limit))
	f.Author = Truncate(f.Author, maxAuthor)
	text = render(f)
	if Len(text) <= p.Limit || !p.HardTruncate {
		return text
	}

	return Truncate(text, p.Limit-utf8.RuneCountInString(Ellipsis))
}

// ForSlack fits a filing into a chat webhook entry.
func ForSlack(tmpl string, f model.Filing) string { return Fit(tmpl, f, Slack) }

// ForX fits a filing into a single post.
func ForX(tmpl string, f model.Filing) string { return Fit(tmpl, f, X) }

// Truncate cuts s to n characters and appends Ellipsis. Strings of n
// characters or fewer are returned unchanged.
func Truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + Ellipsis
}

// Len reports the length of s in characters.
func Len(s string) int { return utf8.RuneCountInString(s) }

// SampleFiling is the fixed filing used for previews and test sends.
func SampleFiling() model.Filing {
	return model.Filing{
		ID:           "sample123",
		DocketNumber: "11-42",
		FilingType:   "COMMENT",
		Title:        "Sample Public Comment on Lifeline Program",
		Author:       "Example Organization",
		DateReceived: "2025-01-15",
		FilingURL:    "https://www.fcc.gov/ecfs/search/search-filings/filing/sample123",
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
