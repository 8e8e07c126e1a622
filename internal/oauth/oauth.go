// Package oauth obtains and caches bearer tokens for the X API.
//
// Tokens come from three places, in order: the cache in the key-value store,
// a refresh-token grant, and a client-credentials grant. The interactive
// authorization-code flow is exposed as AuthorizationURL and Exchange for an
// operator to drive; the manager never starts it on its own.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"fcc_monitor/internal/errs"
	"fcc_monitor/internal/storage"
	"fcc_monitor/internal/vault"
)

// Storage keys.
const (
	KeyCredentials = "x_credentials"
	KeyToken       = "x_oauth_token"
	KeyLastCall    = "x_last_oauth_call"
	statePrefix    = "x_oauth_state_"
)

const (
	// refreshWindow is how long before expiry a cached token stops being used.
	refreshWindow = 5 * time.Minute
	// expiryBuffer is subtracted from the server-reported expiry.
	expiryBuffer = 60 * time.Second
	// refreshGrace keeps a cached token around after expiry so its refresh
	// token can still be used.
	refreshGrace = 7 * 24 * time.Hour
	// defaultLifetime applies when the token endpoint omits expires_in.
	defaultLifetime = 2 * time.Hour
	stateTTL        = 10 * time.Minute

	// MinCallInterval is the minimum spacing between token endpoint calls.
	MinCallInterval = 2 * time.Second
)

// DefaultScopes are requested for every grant.
var DefaultScopes = []string{"tweet.read", "tweet.write", "users.read", "offline.access"}

// Endpoints locates the authorization server.
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	RedirectURL string
}

// Credentials identify the X app. They are stored sealed by the vault.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Token is the cached token. ExpiresAt is epoch milliseconds with the safety
// buffer already subtracted.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
	TokenType    string `json:"token_type"`
}

// Expiry returns ExpiresAt as a time.
func (t Token) Expiry() time.Time { return time.UnixMilli(t.ExpiresAt) }

// Manager hands out access tokens.
type Manager struct {
	kv        storage.KV
	vault     *vault.Vault
	endpoints Endpoints
	log       *slog.Logger

	client *http.Client
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	mu sync.Mutex
}

// New returns a Manager. v may be nil when no encryption key is configured;
// every credential operation then fails with a ConfigError.
func New(kv storage.KV, v *vault.Vault, ep Endpoints, log *slog.Logger) *Manager {
	return &Manager{
		kv:        kv,
		vault:     v,
		endpoints: ep,
		log:       log,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// SetHTTPClient sets the client used for token endpoint calls.
func (m *Manager) SetHTTPClient(c *http.Client) { m.client = c }

// SetClock replaces the clock and the throttle's sleep function.
func (m *Manager) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	m.now = now
	m.sleep = sleep
}

// AccessToken returns a usable bearer token, refreshing or obtaining one when
// the cached token is missing or close to expiry.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok, err := m.Token(ctx)
	if err != nil {
		return "", &errs.AuthError{Op: "read cached token", Err: err}
	}
	if ok && cached.AccessToken != "" && m.now().Before(cached.Expiry().Add(-refreshWindow)) {
		return cached.AccessToken, nil
	}

	creds, err := m.credentials(ctx)
	if err != nil {
		return "", &errs.AuthError{Op: "load credentials", Err: err}
	}

	// A failed refresh leaves the cached token alone so its refresh token
	// survives for the next attempt.
	if ok && cached.RefreshToken != "" {
		tok, err := m.refresh(ctx, creds, cached.RefreshToken)
		if err != nil {
			m.log.Warn("token refresh failed", "error", err)
			return "", err
		}
		return tok.AccessToken, nil
	}

	tok, err := m.clientCredentials(ctx, creds)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// AuthorizationURL starts an authorization-code flow with PKCE and returns the
// URL the operator should open.
func (m *Manager) AuthorizationURL(ctx context.Context) (string, error) {
	creds, err := m.credentials(ctx)
	if err != nil {
		return "", &errs.AuthError{Op: "authorize", Err: err}
	}
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	if err := m.kv.Put(ctx, statePrefix+state, verifier, stateTTL); err != nil {
		return "", fmt.Errorf("save oauth state: %w", err)
	}
	return m.config(creds).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Exchange completes the authorization-code flow started by AuthorizationURL
// and caches the resulting token.
func (m *Manager) Exchange(ctx context.Context, state, code string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state == "" || code == "" {
		return Token{}, &errs.AuthError{Op: "exchange", Err: errors.New("missing state or code")}
	}
	verifier, ok, err := m.kv.Get(ctx, statePrefix+state)
	if err != nil {
		return Token{}, &errs.AuthError{Op: "exchange", Err: err}
	}
	if !ok {
		return Token{}, &errs.AuthError{Op: "exchange", Err: errors.New("unknown or expired state")}
	}
	if err := m.kv.Delete(ctx, statePrefix+state); err != nil {
		m.log.Warn("delete oauth state", "error", err)
	}

	creds, err := m.credentials(ctx)
	if err != nil {
		return Token{}, &errs.AuthError{Op: "exchange", Err: err}
	}
	if err := m.throttle(ctx); err != nil {
		return Token{}, &errs.AuthError{Op: "exchange", Err: err}
	}
	t, err := m.config(creds).Exchange(m.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Token{}, &errs.AuthError{Op: "exchange", Err: err}
	}
	return m.persist(ctx, t, "")
}

// HasCredentials reports whether app credentials are stored.
func (m *Manager) HasCredentials(ctx context.Context) (bool, error) {
	if m.vault == nil {
		return false, nil
	}
	return m.vault.Has(ctx, KeyCredentials)
}

// SaveCredentials seals and stores app credentials and drops any cached token
// issued for the previous ones.
func (m *Manager) SaveCredentials(ctx context.Context, c Credentials) error {
	if m.vault == nil {
		return &errs.ConfigError{Key: "ENCRYPTION_KEY"}
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("client_id and client_secret are required")
	}
	if err := m.vault.Store(ctx, KeyCredentials, c); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return m.Revoke(ctx)
}

// Token returns the cached token, if any.
func (m *Manager) Token(ctx context.Context) (Token, bool, error) {
	raw, ok, err := m.kv.Get(ctx, KeyToken)
	if err != nil || !ok {
		return Token{}, false, err
	}
	var t Token
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		m.log.Warn("discarding undecodable cached token", "error", err)
		return Token{}, false, nil
	}
	return t, true, nil
}

// Revoke drops the cached token.
func (m *Manager) Revoke(ctx context.Context) error {
	if err := m.kv.Delete(ctx, KeyToken); err != nil {
		return fmt.Errorf("delete cached token: %w", err)
	}
	return nil
}

func (m *Manager) refresh(ctx context.Context, creds Credentials, refreshToken string) (Token, error) {
	if err := m.throttle(ctx); err != nil {
		return Token{}, &errs.AuthError{Op: "refresh", Err: err}
	}
	src := m.config(creds).TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	t, err := src.Token()
	if err != nil {
		return Token{}, &errs.AuthError{Op: "refresh", Err: err}
	}
	m.log.Info("refreshed access token")
	return m.persist(ctx, t, refreshToken)
}

func (m *Manager) clientCredentials(ctx context.Context, creds Credentials) (Token, error) {
	if err := m.throttle(ctx); err != nil {
		return Token{}, &errs.AuthError{Op: "client credentials", Err: err}
	}
	cc := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     m.endpoints.TokenURL,
		Scopes:       DefaultScopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	t, err := cc.Token(m.clientContext(ctx))
	if err != nil {
		return Token{}, &errs.AuthError{Op: "client credentials", Err: err}
	}
	m.log.Info("obtained access token via client credentials")
	return m.persist(ctx, t, "")
}

// persist caches t. previousRefresh is kept when the response carries no
// refresh token of its own.
func (m *Manager) persist(ctx context.Context, t *oauth2.Token, previousRefresh string) (Token, error) {
	if t.AccessToken == "" {
		return Token{}, &errs.AuthError{Op: "store token", Err: errors.New("token endpoint returned an empty access token")}
	}

	now := m.now()
	expiry := t.Expiry
	if expiry.IsZero() {
		expiry = now.Add(defaultLifetime)
	}
	tok := Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    expiry.Add(-expiryBuffer).UnixMilli(),
		TokenType:    t.TokenType,
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = previousRefresh
	}
	if tok.TokenType == "" {
		tok.TokenType = "bearer"
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return Token{}, &errs.AuthError{Op: "store token", Err: err}
	}
	ttl := max(tok.Expiry().Sub(now), 0) + refreshGrace
	if err := m.kv.Put(ctx, KeyToken, string(data), ttl); err != nil {
		return Token{}, &errs.AuthError{Op: "store token", Err: err}
	}
	return tok, nil
}

// throttle waits until MinCallInterval has passed since the last token
// endpoint call and records the new call.
func (m *Manager) throttle(ctx context.Context) error {
	last, err := storage.GetInt64(ctx, m.kv, KeyLastCall, 0)
	if err != nil {
		return fmt.Errorf("read last oauth call: %w", err)
	}
	if last > 0 {
		if wait := time.UnixMilli(last).Add(MinCallInterval).Sub(m.now()); wait > 0 {
			m.log.Debug("throttling token endpoint call", "wait", wait)
			if err := m.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	if err := storage.PutInt64(ctx, m.kv, KeyLastCall, m.now().UnixMilli()); err != nil {
		return fmt.Errorf("write last oauth call: %w", err)
	}
	return nil
}

func (m *Manager) credentials(ctx context.Context) (Credentials, error) {
	if m.vault == nil {
		return Credentials{}, &errs.ConfigError{Key: "ENCRYPTION_KEY"}
	}
	var c Credentials
	ok, err := m.vault.Load(ctx, KeyCredentials, &c)
	if err != nil {
		return Credentials{}, err
	}
	if !ok || c.ClientID == "" {
		return Credentials{}, &errs.ConfigError{Key: KeyCredentials}
	}
	return c, nil
}

func (m *Manager) config(creds Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.endpoints.AuthURL,
			TokenURL:  m.endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		RedirectURL: m.endpoints.RedirectURL,
		Scopes:      DefaultScopes,
	}
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	if m.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
