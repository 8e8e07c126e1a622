// Package admin implements the operator actions shared by the HTTP API and
// the Telegram bot.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fcc_monitor/internal/filter"
	"fcc_monitor/internal/format"
	"fcc_monitor/internal/model"
	"fcc_monitor/internal/oauth"
	"fcc_monitor/internal/ratelimit"
	"fcc_monitor/internal/retryqueue"
	"fcc_monitor/internal/scheduler"
	"fcc_monitor/internal/settings"
	"fcc_monitor/internal/social"
)

// ErrInvalid marks operator input that failed validation.
var ErrInvalid = settings.ErrInvalid

// Runner executes monitoring cycles.
type Runner interface {
	RunOnce(ctx context.Context, opts scheduler.RunOptions) scheduler.Result
}

// Notifier sends test messages to the chat webhook.
type Notifier interface {
	TestSend(ctx context.Context, tmpl string) (string, error)
	Configured() bool
}

// Poster performs manual X operations.
type Poster interface {
	TestPost(ctx context.Context, tmpl string) social.TestResult
	Validate(ctx context.Context) (social.User, error)
	DeletePost(ctx context.Context, id string) error
}

// Tokens manages X app credentials and tokens.
type Tokens interface {
	HasCredentials(ctx context.Context) (bool, error)
	SaveCredentials(ctx context.Context, c oauth.Credentials) error
	AuthorizationURL(ctx context.Context) (string, error)
	Exchange(ctx context.Context, state, code string) (oauth.Token, error)
	Token(ctx context.Context) (oauth.Token, bool, error)
}

// Deps are the components the Service drives.
type Deps struct {
	Settings *settings.Repository
	Limiter  *ratelimit.Limiter
	Queue    *retryqueue.Queue
	Runner   Runner
	Notifier Notifier
	Poster   Poster
	Tokens   Tokens
}

// Service exposes operator actions as plain functions.
type Service struct {
	settings *settings.Repository
	limiter  *ratelimit.Limiter
	queue    *retryqueue.Queue
	runner   Runner
	notifier Notifier
	poster   Poster
	tokens   Tokens
	log      *slog.Logger
}

// New creates a Service.
func New(d Deps, log *slog.Logger) *Service {
	return &Service{
		settings: d.Settings,
		limiter:  d.Limiter,
		queue:    d.Queue,
		runner:   d.Runner,
		notifier: d.Notifier,
		poster:   d.Poster,
		tokens:   d.Tokens,
		log:      log,
	}
}

// Run executes a cycle immediately, ignoring the frequency throttle.
func (s *Service) Run(ctx context.Context) scheduler.Result {
	s.log.Info("manual run requested")
	return s.runner.RunOnce(ctx, scheduler.RunOptions{Force: true})
}

// Config returns the current runtime settings.
func (s *Service) Config(ctx context.Context) (settings.Settings, error) {
	return s.settings.Load(ctx)
}

// ConfigUpdate holds the settings to change. Nil fields are left alone.
type ConfigUpdate struct {
	Template        *string `json:"template"`
	XTemplate       *string `json:"x_template"`
	Frequency       *int    `json:"frequency"`
	XPostingEnabled *bool   `json:"x_posting_enabled"`
	XOnlyMode       *bool   `json:"x_only_mode"`
}

// UpdateConfig applies u and returns the resulting settings. Every field is
// validated before any is written, so an invalid update changes nothing.
func (s *Service) UpdateConfig(ctx context.Context, u ConfigUpdate) (settings.Settings, error) {
	if err := u.validate(); err != nil {
		return settings.Settings{}, err
	}

	if u.Template != nil {
		if err := s.settings.SetDashboardTemplate(ctx, *u.Template); err != nil {
			return settings.Settings{}, err
		}
	}
	if u.XTemplate != nil {
		if err := s.settings.SetXTemplate(ctx, *u.XTemplate); err != nil {
			return settings.Settings{}, err
		}
	}
	if u.Frequency != nil {
		if err := s.settings.SetFrequency(ctx, *u.Frequency); err != nil {
			return settings.Settings{}, err
		}
	}
	if u.XPostingEnabled != nil {
		if err := s.settings.SetXPostingEnabled(ctx, *u.XPostingEnabled); err != nil {
			return settings.Settings{}, err
		}
	}
	if u.XOnlyMode != nil {
		if err := s.settings.SetXOnlyMode(ctx, *u.XOnlyMode); err != nil {
			return settings.Settings{}, err
		}
	}
	s.log.Info("config updated")
	return s.settings.Load(ctx)
}

func (u ConfigUpdate) validate() error {
	if u.Template != nil {
		if err := settings.ValidateTemplate(*u.Template); err != nil {
			return err
		}
	}
	if u.XTemplate != nil {
		if err := settings.ValidateTemplate(*u.XTemplate); err != nil {
			return err
		}
	}
	if u.Frequency != nil {
		if err := settings.ValidateFrequency(*u.Frequency); err != nil {
			return err
		}
	}
	return nil
}

// ResetConfig restores default templates, frequency and flags.
func (s *Service) ResetConfig(ctx context.Context) (settings.Settings, error) {
	if err := s.settings.Reset(ctx); err != nil {
		return settings.Settings{}, err
	}
	s.log.Info("config reset")
	return s.settings.Load(ctx)
}

// Channel names a delivery channel.
type Channel string

// Channels.
const (
	ChannelSlack Channel = "slack"
	ChannelX     Channel = "x"
)

// ParseChannel accepts the channel names used by the API and the bot.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "slack", "dashboard", "webhook":
		return ChannelSlack, nil
	case "x", "twitter":
		return ChannelX, nil
	}
	return "", fmt.Errorf("%w: unknown channel %q", ErrInvalid, s)
}

// Preview is a rendered sample filing.
type Preview struct {
	Channel Channel `json:"channel"`
	Text    string  `json:"preview"`
	Length  int     `json:"length"`
	Limit   int     `json:"limit"`
}

// Preview renders the sample filing for ch without sending anything. An
// empty tmpl uses the stored template for the channel.
func (s *Service) Preview(ctx context.Context, ch Channel, tmpl string) (Preview, error) {
	tmpl, err := s.template(ctx, ch, tmpl)
	if err != nil {
		return Preview{}, err
	}
	p := Preview{Channel: ch}
	switch ch {
	case ChannelX:
		p.Text = format.ForX(tmpl, format.SampleFiling())
		p.Limit = format.X.Limit
	default:
		p.Text = format.ForSlack(tmpl, format.SampleFiling())
		p.Limit = format.Slack.Limit
	}
	p.Length = format.Len(p.Text)
	return p, nil
}

// SendResult is the outcome of a webhook test send.
type SendResult struct {
	Success bool   `json:"success"`
	Preview string `json:"preview"`
	Error   string `json:"error,omitempty"`
}

// TestSlack sends the sample filing to the chat webhook.
func (s *Service) TestSlack(ctx context.Context, tmpl string) (SendResult, error) {
	tmpl, err := s.template(ctx, ChannelSlack, tmpl)
	if err != nil {
		return SendResult{}, err
	}
	preview, err := s.notifier.TestSend(ctx, tmpl)
	if err != nil {
		s.log.Warn("test send failed", "error", err)
		return SendResult{Preview: preview, Error: err.Error()}, nil
	}
	return SendResult{Success: true, Preview: preview}, nil
}

// TestX publishes a sample post.
func (s *Service) TestX(ctx context.Context, tmpl string) (social.TestResult, error) {
	tmpl, err := s.template(ctx, ChannelX, tmpl)
	if err != nil {
		return social.TestResult{}, err
	}
	res := s.poster.TestPost(ctx, tmpl)
	if res.Success {
		s.log.Info("test post published", "post_id", res.PostID)
	} else {
		s.log.Warn("test post failed", "error", res.Error, "rate_limited", res.RateLimited)
	}
	return res, nil
}

// XStatus is a snapshot of the X integration.
type XStatus struct {
	PostingEnabled  bool            `json:"posting_enabled"`
	XOnlyMode       bool            `json:"x_only_mode"`
	Mode            string          `json:"mode"`
	WebhookReady    bool            `json:"webhook_configured"`
	HasCredentials  bool            `json:"has_credentials"`
	RateLimit       ratelimit.State `json:"rate_limit"`
	QueueLength     int             `json:"queue_length"`
	TokenExpiresAt  *time.Time      `json:"token_expires_at,omitempty"`
	Account         *social.User    `json:"account,omitempty"`
	ValidationError string          `json:"validation_error,omitempty"`
}

// XStatus reports the state of the X integration. With validate set and
// credentials present it also asks X who the token belongs to.
func (s *Service) XStatus(ctx context.Context, validate bool) (XStatus, error) {
	cfg, err := s.settings.Load(ctx)
	if err != nil {
		return XStatus{}, err
	}
	st := XStatus{
		PostingEnabled: cfg.XPostingEnabled,
		XOnlyMode:      cfg.XOnlyMode,
		Mode:           cfg.DeliveryMode().String(),
		WebhookReady:   s.notifier.Configured(),
	}

	if st.RateLimit, err = s.limiter.Check(ctx); err != nil {
		return XStatus{}, err
	}
	if st.QueueLength, err = s.queue.Len(ctx); err != nil {
		return XStatus{}, err
	}
	if st.HasCredentials, err = s.tokens.HasCredentials(ctx); err != nil {
		return XStatus{}, err
	}

	tok, ok, err := s.tokens.Token(ctx)
	if err != nil {
		return XStatus{}, err
	}
	if ok {
		exp := tok.Expiry().UTC()
		st.TokenExpiresAt = &exp
	}

	if validate && st.HasCredentials {
		user, err := s.poster.Validate(ctx)
		if err != nil {
			st.ValidationError = err.Error()
		} else {
			st.Account = &user
		}
	}
	return st, nil
}

// SaveCredentials stores X app credentials.
func (s *Service) SaveCredentials(ctx context.Context, c oauth.Credentials) error {
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.ClientSecret = strings.TrimSpace(c.ClientSecret)
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("%w: client_id and client_secret are required", ErrInvalid)
	}
	if err := s.tokens.SaveCredentials(ctx, c); err != nil {
		return err
	}
	s.log.Info("x credentials saved")
	return nil
}

// AuthorizeURL starts the authorization-code flow.
func (s *Service) AuthorizeURL(ctx context.Context) (string, error) {
	return s.tokens.AuthorizationURL(ctx)
}

// CompleteAuthorization finishes the authorization-code flow and returns the
// token expiry.
func (s *Service) CompleteAuthorization(ctx context.Context, state, code string) (time.Time, error) {
	tok, err := s.tokens.Exchange(ctx, state, code)
	if err != nil {
		return time.Time{}, err
	}
	s.log.Info("x authorization complete", "expires_at", tok.Expiry().UTC())
	return tok.Expiry().UTC(), nil
}

// DeletePost removes an X post.
func (s *Service) DeletePost(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: post id is required", ErrInvalid)
	}
	if err := s.poster.DeletePost(ctx, id); err != nil {
		return err
	}
	s.log.Info("x post deleted", "post_id", id)
	return nil
}

// Queue lists the retry queue.
func (s *Service) Queue(ctx context.Context) ([]model.RetryItem, error) {
	items, err := s.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.RetryItem{}
	}
	return items, nil
}

// ClearQueue empties the retry queue.
func (s *Service) ClearQueue(ctx context.Context) error {
	if err := s.queue.Clear(ctx); err != nil {
		return err
	}
	s.log.Info("retry queue cleared")
	return nil
}

// Filters lists filing filters.
func (s *Service) Filters(ctx context.Context) ([]model.FilterRule, error) {
	rules, err := s.settings.Filters(ctx)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []model.FilterRule{}
	}
	return rules, nil
}

// AddFilter validates and stores a filter rule.
func (s *Service) AddFilter(ctx context.Context, rule model.FilterRule) (model.FilterRule, error) {
	switch rule.Kind {
	case model.FilterInclude, model.FilterExclude:
	case model.FilterIncludeRe, model.FilterExcludeRe:
		if err := filter.ValidateRegex(rule.Value); err != nil {
			return model.FilterRule{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	default:
		return model.FilterRule{}, fmt.Errorf("%w: unknown filter kind %q", ErrInvalid, rule.Kind)
	}
	switch rule.Scope {
	case "", model.ScopeAll, model.ScopeTitle, model.ScopeAuthor:
	default:
		return model.FilterRule{}, fmt.Errorf("%w: unknown filter scope %q", ErrInvalid, rule.Scope)
	}

	added, err := s.settings.AddFilter(ctx, rule)
	if err != nil {
		return model.FilterRule{}, err
	}
	s.log.Info("filter added", "filter_id", added.ID, "kind", added.Kind, "scope", added.Scope)
	return added, nil
}

// ErrNotFound is returned when a filter does not exist.
var ErrNotFound = errors.New("not found")

// RemoveFilter deletes a filter rule.
func (s *Service) RemoveFilter(ctx context.Context, id int) error {
	ok, err := s.settings.RemoveFilter(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("filter F%d: %w", id, ErrNotFound)
	}
	s.log.Info("filter removed", "filter_id", id)
	return nil
}

// template returns tmpl, or the stored template for ch when tmpl is blank.
func (s *Service) template(ctx context.Context, ch Channel, tmpl string) (string, error) {
	if strings.TrimSpace(tmpl) != "" {
		return tmpl, nil
	}
	cfg, err := s.settings.Load(ctx)
	if err != nil {
		return "", err
	}
	if ch == ChannelX {
		return cfg.XTemplate, nil
	}
	return cfg.DashboardTemplate, nil
}
