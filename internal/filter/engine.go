// Package filter decides which fetched filings are worth announcing.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"fcc_monitor/internal/model"
)

// Match checks whether a filing passes the given set of rules.
// If no rules are provided, the filing always passes.
// Include rules use OR logic (at least one must match).
// Exclude rules use AND logic (none must match).
func Match(f model.Filing, rules []model.FilterRule) bool {
	if len(rules) == 0 {
		return true
	}

	hasIncludes := false
	anyIncludeMatched := false

	for _, r := range rules {
		switch r.Kind {
		case model.FilterInclude, model.FilterIncludeRe:
			hasIncludes = true
			if matchesRule(f, r) {
				anyIncludeMatched = true
			}
		case model.FilterExclude, model.FilterExcludeRe:
			if matchesRule(f, r) {
				return false
			}
		}
	}

	return !hasIncludes || anyIncludeMatched
}

// Apply returns the filings that pass rules, keeping their order.
func Apply(filings []model.Filing, rules []model.FilterRule) []model.Filing {
	if len(rules) == 0 {
		return filings
	}
	var out []model.Filing
	for _, f := range filings {
		if Match(f, rules) {
			out = append(out, f)
		}
	}
	return out
}

func matchesRule(f model.Filing, r model.FilterRule) bool {
	text := textForScope(f, r.Scope)
	switch r.Kind {
	case model.FilterInclude, model.FilterExclude:
		return strings.Contains(text, strings.ToLower(r.Value))
	case model.FilterIncludeRe, model.FilterExcludeRe:
		re, err := regexp.Compile("(?i)" + r.Value)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	}
	return false
}

func textForScope(f model.Filing, scope model.FilterScope) string {
	switch scope {
	case model.ScopeTitle:
		return strings.ToLower(f.Title)
	case model.ScopeAuthor:
		return strings.ToLower(f.Author)
	default:
		return strings.ToLower(strings.Join([]string{f.FilingType, f.Title, f.Author, f.Summary}, " "))
	}
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}
