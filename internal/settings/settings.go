// Package settings holds the operator-editable runtime configuration that
// lives in the key-value store.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fcc_monitor/internal/format"
	"fcc_monitor/internal/model"
	"fcc_monitor/internal/storage"
)

// Storage keys.
const (
	KeyDashboardTemplate = "dashboard_template"
	KeyXTemplate         = "x_template"
	KeyFrequency         = "monitor_frequency_minutes"
	KeyXPostingEnabled   = "x_posting_enabled"
	KeyXOnlyMode         = "x_only_mode"
	KeyFilters           = "filing_filters"
	KeyLastRun           = "last_run_ts"
)

// DefaultFrequencyMinutes is the check interval when none is stored.
const DefaultFrequencyMinutes = 60

// MaxFrequencyMinutes bounds the check interval to one day.
const MaxFrequencyMinutes = 24 * 60

// maxTemplateLength keeps templates to a sane size; fitting trims the
// rendered output anyway.
const maxTemplateLength = 1000

// ErrInvalid is returned for values that fail validation.
var ErrInvalid = errors.New("invalid setting")

// Settings is a snapshot of the runtime configuration for one cycle.
type Settings struct {
	DashboardTemplate string             `json:"template"`
	XTemplate         string             `json:"x_template"`
	FrequencyMinutes  int                `json:"frequency"`
	XPostingEnabled   bool               `json:"x_posting_enabled"`
	XOnlyMode         bool               `json:"x_only_mode"`
	Filters           []model.FilterRule `json:"filters"`
}

// Defaults returns the settings used when nothing is stored.
func Defaults() Settings {
	return Settings{
		DashboardTemplate: format.DefaultSlackTemplate,
		XTemplate:         format.DefaultXTemplate,
		FrequencyMinutes:  DefaultFrequencyMinutes,
	}
}

// DeliveryMode picks the channels for a cycle. X-only mode without posting
// enabled falls back to the webhook so filings are never silently dropped.
func (s Settings) DeliveryMode() model.DeliveryMode {
	switch {
	case s.XPostingEnabled && s.XOnlyMode:
		return model.SocialOnly
	case s.XPostingEnabled:
		return model.Both
	default:
		return model.WebhookOnly
	}
}

// Frequency returns the check interval as a duration.
func (s Settings) Frequency() time.Duration {
	return time.Duration(s.FrequencyMinutes) * time.Minute
}

// Repository reads and writes settings.
type Repository struct {
	kv storage.KV
}

// NewRepository returns a Repository over kv.
func NewRepository(kv storage.KV) *Repository {
	return &Repository{kv: kv}
}

// Load reads every setting, falling back to defaults for absent or malformed
// values.
func (r *Repository) Load(ctx context.Context) (Settings, error) {
	s := Defaults()

	if v, ok, err := r.kv.Get(ctx, KeyDashboardTemplate); err != nil {
		return s, fmt.Errorf("read %s: %w", KeyDashboardTemplate, err)
	} else if ok && v != "" {
		s.DashboardTemplate = v
	}
	if v, ok, err := r.kv.Get(ctx, KeyXTemplate); err != nil {
		return s, fmt.Errorf("read %s: %w", KeyXTemplate, err)
	} else if ok && v != "" {
		s.XTemplate = v
	}

	freq, err := storage.GetInt64(ctx, r.kv, KeyFrequency, DefaultFrequencyMinutes)
	if err != nil {
		return s, fmt.Errorf("read %s: %w", KeyFrequency, err)
	}
	if freq > 0 {
		s.FrequencyMinutes = int(freq)
	}

	if s.XPostingEnabled, err = r.getBool(ctx, KeyXPostingEnabled); err != nil {
		return s, err
	}
	if s.XOnlyMode, err = r.getBool(ctx, KeyXOnlyMode); err != nil {
		return s, err
	}
	if s.Filters, err = r.Filters(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// SetDashboardTemplate stores the chat template.
func (r *Repository) SetDashboardTemplate(ctx context.Context, tmpl string) error {
	if err := ValidateTemplate(tmpl); err != nil {
		return err
	}
	return r.put(ctx, KeyDashboardTemplate, tmpl)
}

// SetXTemplate stores the X template.
func (r *Repository) SetXTemplate(ctx context.Context, tmpl string) error {
	if err := ValidateTemplate(tmpl); err != nil {
		return err
	}
	return r.put(ctx, KeyXTemplate, tmpl)
}

// SetFrequency stores the check interval in minutes.
func (r *Repository) SetFrequency(ctx context.Context, minutes int) error {
	if err := ValidateFrequency(minutes); err != nil {
		return err
	}
	return r.put(ctx, KeyFrequency, strconv.Itoa(minutes))
}

// SetXPostingEnabled turns X posting on or off.
func (r *Repository) SetXPostingEnabled(ctx context.Context, on bool) error {
	return r.put(ctx, KeyXPostingEnabled, strconv.FormatBool(on))
}

// SetXOnlyMode turns X-only delivery on or off.
func (r *Repository) SetXOnlyMode(ctx context.Context, on bool) error {
	return r.put(ctx, KeyXOnlyMode, strconv.FormatBool(on))
}

// Reset restores templates, frequency and feature flags to their defaults.
// Filters are kept.
func (r *Repository) Reset(ctx context.Context) error {
	for _, key := range []string{KeyDashboardTemplate, KeyXTemplate, KeyFrequency, KeyXPostingEnabled, KeyXOnlyMode} {
		if err := r.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// Filters returns the stored filing filters.
func (r *Repository) Filters(ctx context.Context) ([]model.FilterRule, error) {
	raw, ok, err := r.kv.Get(ctx, KeyFilters)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", KeyFilters, err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var rules []model.FilterRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyFilters, err)
	}
	return rules, nil
}

// AddFilter appends a rule, assigning it the next free ID.
func (r *Repository) AddFilter(ctx context.Context, rule model.FilterRule) (model.FilterRule, error) {
	if rule.Value == "" {
		return rule, fmt.Errorf("%w: filter value is empty", ErrInvalid)
	}
	if rule.Scope == "" {
		rule.Scope = model.ScopeAll
	}
	rules, err := r.Filters(ctx)
	if err != nil {
		return rule, err
	}
	rule.ID = 1
	for _, existing := range rules {
		if existing.ID >= rule.ID {
			rule.ID = existing.ID + 1
		}
	}
	rules = append(rules, rule)
	return rule, r.saveFilters(ctx, rules)
}

// RemoveFilter deletes the rule with id. It reports false when no rule had
// that ID.
func (r *Repository) RemoveFilter(ctx context.Context, id int) (bool, error) {
	rules, err := r.Filters(ctx)
	if err != nil {
		return false, err
	}
	kept := rules[:0]
	for _, rule := range rules {
		if rule.ID != id {
			kept = append(kept, rule)
		}
	}
	if len(kept) == len(rules) {
		return false, nil
	}
	return true, r.saveFilters(ctx, kept)
}

// LastRun returns the time of the last completed cycle.
func (r *Repository) LastRun(ctx context.Context) (time.Time, bool, error) {
	ms, err := storage.GetInt64(ctx, r.kv, KeyLastRun, 0)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read %s: %w", KeyLastRun, err)
	}
	if ms == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// SetLastRun records the time of a completed cycle.
func (r *Repository) SetLastRun(ctx context.Context, t time.Time) error {
	if err := storage.PutInt64(ctx, r.kv, KeyLastRun, t.UnixMilli()); err != nil {
		return fmt.Errorf("write %s: %w", KeyLastRun, err)
	}
	return nil
}

func (r *Repository) saveFilters(ctx context.Context, rules []model.FilterRule) error {
	if len(rules) == 0 {
		if err := r.kv.Delete(ctx, KeyFilters); err != nil {
			return fmt.Errorf("delete %s: %w", KeyFilters, err)
		}
		return nil
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encode %s: %w", KeyFilters, err)
	}
	return r.put(ctx, KeyFilters, string(data))
}

func (r *Repository) getBool(ctx context.Context, key string) (bool, error) {
	v, ok, err := r.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, nil
	}
	return b, nil
}

func (r *Repository) put(ctx context.Context, key, value string) error {
	if err := r.kv.Put(ctx, key, value, 0); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// ValidateTemplate reports whether tmpl can be stored as a template.
func ValidateTemplate(tmpl string) error {
	switch {
	case tmpl == "":
		return fmt.Errorf("%w: template is empty", ErrInvalid)
	case format.Len(tmpl) > maxTemplateLength:
		return fmt.Errorf("%w: template longer than %d characters", ErrInvalid, maxTemplateLength)
	}
	return nil
}

// ValidateFrequency reports whether minutes is an allowed check interval.
func ValidateFrequency(minutes int) error {
	if minutes < 1 || minutes > MaxFrequencyMinutes {
		return fmt.Errorf("%w: frequency must be between 1 and %d minutes", ErrInvalid, MaxFrequencyMinutes)
	}
	return nil
}
