package ecfs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"fcc_monitor/internal/model"
)

// recordKeys lists where the API has put the record array, most likely first.
var recordKeys = []string{"filing", "filings"}

const (
	maxTitleLength   = 30
	maxSummaryLength = 200
	filingURLBase    = "https://www.fcc.gov/ecfs/search/search-filings/filing/"
)

// ParseError reports a response body that is not the expected JSON.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse ecfs response: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

type named struct {
	Name string `json:"name"`
}

type record struct {
	IDSubmission   flexString `json:"id_submission"`
	NameOfFiler    string     `json:"name_of_filer"`
	Filers         []named    `json:"filers"`
	Lawfirms       []named    `json:"lawfirms"`
	Proceedings    []named    `json:"proceedings"`
	SubmissionType *struct {
		Description string `json:"description"`
	} `json:"submissiontype"`
	Documents []struct {
		Filename string `json:"filename"`
	} `json:"documents"`
	DateReceived        string `json:"date_received"`
	BriefCommentSummary string `json:"brief_comment_summary"`
	TextData            string `json:"text_data"`
}

// ParseResponse decodes a search response and normalizes its records. It
// also returns the raw record count, which drives pagination.
func ParseResponse(body []byte, docket string) ([]model.Filing, int, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, 0, &ParseError{Err: err}
	}

	var records []record
	for _, key := range recordKeys {
		raw, ok := top[key]
		if !ok || bytes.Equal(raw, []byte("null")) {
			continue
		}
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, 0, &ParseError{Err: fmt.Errorf("%s: %w", key, err)}
		}
		break
	}

	filings := make([]model.Filing, 0, len(records))
	for _, r := range records {
		filings = append(filings, normalize(r, docket))
	}
	return filings, len(records), nil
}

func normalize(r record, docket string) model.Filing {
	id := string(r.IDSubmission)
	submissionType := ""
	if r.SubmissionType != nil {
		submissionType = strings.TrimSpace(r.SubmissionType.Description)
	}

	filingType := submissionType
	if filingType == "" {
		filingType = "FILING"
	}

	if len(r.Proceedings) > 0 && r.Proceedings[0].Name != "" {
		docket = r.Proceedings[0].Name
	}

	return model.Filing{
		ID:           id,
		DocketNumber: docket,
		FilingType:   filingType,
		Title:        title(r, submissionType),
		Author:       ShortenOrganization(author(r)),
		DateReceived: r.DateReceived,
		FilingURL:    filingURLBase + id,
		Summary:      summary(r),
	}
}

func author(r record) string {
	switch {
	case r.NameOfFiler != "":
		return r.NameOfFiler
	case len(r.Filers) > 0 && r.Filers[0].Name != "":
		return r.Filers[0].Name
	case len(r.Lawfirms) > 0 && r.Lawfirms[0].Name != "":
		return r.Lawfirms[0].Name
	}
	return "Anonymous"
}

var (
	extensionRe   = regexp.MustCompile(`\.[A-Za-z][A-Za-z0-9]{1,4}$`)
	parentheticRe = regexp.MustCompile(`\([^)]*\)`)
	dottedDateRe  = regexp.MustCompile(`\d{1,2}\.\d{1,2}\.\d{2,4}`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

// title derives a short title from the first document's file name, falling
// back to the submission type when the name is missing or too long.
func title(r record, submissionType string) string {
	fallback := submissionType
	if fallback == "" {
		fallback = "Filing"
	}
	if len(r.Documents) == 0 || r.Documents[0].Filename == "" {
		return fallback
	}

	t := extensionRe.ReplaceAllString(r.Documents[0].Filename, "")
	t = parentheticRe.ReplaceAllString(t, "")
	t = dottedDateRe.ReplaceAllString(t, "")
	t = strings.TrimSpace(spaceRe.ReplaceAllString(t, " "))

	if t == "" || utf8.RuneCountInString(t) > maxTitleLength {
		return fallback
	}
	return t
}

func summary(r record) string {
	if r.BriefCommentSummary != "" {
		return r.BriefCommentSummary
	}
	runes := []rune(r.TextData)
	if len(runes) > maxSummaryLength {
		runes = runes[:maxSummaryLength]
	}
	return string(runes)
}

var (
	corporateSuffixRe = regexp.MustCompile(`(?i)\b(?:Incorporated|Inc|LLC|Corporation|Corp|Company|Co)\b\.?`)
	dbaRe             = regexp.MustCompile(`(?i)\bd/b/a\s+`)
	commaSlashRe      = regexp.MustCompile(`\s*,\s*/`)
)

// ShortenOrganization drops corporate suffixes and turns "d/b/a" into a slash.
func ShortenOrganization(name string) string {
	s := corporateSuffixRe.ReplaceAllString(name, "")
	s = dbaRe.ReplaceAllString(s, "/")
	s = commaSlashRe.ReplaceAllString(s, " /")
	s = spaceRe.ReplaceAllString(s, " ")
	s = strings.Trim(s, " ,")
	s = strings.ReplaceAll(s, " ,", ",")
	if s == "" {
		return name
	}
	return s
}
