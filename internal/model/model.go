// Package model defines the domain types used across the application.
package model

// Filing is one normalized ECFS submission.
//
// Filings are treated as values: code that needs a shortened title or author
// works on a copy.
type Filing struct {
	ID           string `json:"id"`
	DocketNumber string `json:"docket_number"`
	FilingType   string `json:"filing_type"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	DateReceived string `json:"date_received"`
	FilingURL    string `json:"filing_url"`
	Summary      string `json:"summary,omitempty"`
}

// RetryItem is a social post that failed and waits for another attempt.
type RetryItem struct {
	Filing           Filing `json:"filing"`
	AttemptCount     int    `json:"attempt_count"`
	NextRetryTS      int64  `json:"next_retry_ts"`
	OriginalPostTime string `json:"original_post_time"`
	ErrorReason      string `json:"error_reason"`
}

// FilterKind defines the type of filter rule.
type FilterKind string

// Supported filter kinds.
const (
	FilterInclude   FilterKind = "include"
	FilterExclude   FilterKind = "exclude"
	FilterIncludeRe FilterKind = "include_re"
	FilterExcludeRe FilterKind = "exclude_re"
)

// FilterScope defines which part of a filing a filter matches against.
type FilterScope string

// Supported filter scopes.
const (
	ScopeTitle  FilterScope = "title"
	ScopeAuthor FilterScope = "author"
	ScopeAll    FilterScope = "all"
)

// FilterRule is a single filtering rule applied to fetched filings.
type FilterRule struct {
	ID    int         `json:"id"`
	Kind  FilterKind  `json:"kind"`
	Scope FilterScope `json:"scope"`
	Value string      `json:"value"`
}

// DeliveryMode selects which channels receive new filings in a cycle.
type DeliveryMode int

// Delivery modes.
const (
	WebhookOnly DeliveryMode = iota
	SocialOnly
	Both
)

func (m DeliveryMode) String() string {
	switch m {
	case SocialOnly:
		return "social_only"
	case Both:
		return "both"
	default:
		return "webhook_only"
	}
}

// Webhook reports whether the chat webhook receives filings in this mode.
func (m DeliveryMode) Webhook() bool { return m == WebhookOnly || m == Both }

// Social reports whether filings are posted to X in this mode.
func (m DeliveryMode) Social() bool { return m == SocialOnly || m == Both }
