package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fcc_monitor/internal/errs"
	"fcc_monitor/internal/storage"
	"fcc_monitor/internal/vault"
)

type tokenServer struct {
	t *testing.T

	mu       sync.Mutex
	requests []url.Values
	status   int
	response map[string]any
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "client-id" || pass != "client-secret" {
		s.t.Errorf("basic auth = %q/%q (ok %v), want client credentials in header", user, pass, ok)
	}
	if err := r.ParseForm(); err != nil {
		s.t.Errorf("parse form: %v", err)
	}

	s.mu.Lock()
	s.requests = append(s.requests, r.PostForm)
	status, resp := s.status, s.response
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *tokenServer) set(status int, resp map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.response = status, resp
}

func (s *tokenServer) request(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *tokenServer) grants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.requests {
		out = append(out, r.Get("grant_type"))
	}
	return out
}

type fixture struct {
	mgr    *Manager
	kv     *storage.Memory
	server *tokenServer
	now    time.Time
	slept  []time.Duration
}

func newFixture(t *testing.T, withCreds bool) *fixture {
	t.Helper()
	ctx := context.Background()

	ts := &tokenServer{t: t, response: map[string]any{
		"access_token":  "fresh-access",
		"token_type":    "bearer",
		"expires_in":    7200,
		"refresh_token": "fresh-refresh",
	}}
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)

	kv := storage.NewMemory()
	v, err := vault.New("test-secret", kv)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	f := &fixture{kv: kv, server: ts, now: time.Now()}
	f.mgr = New(kv, v, Endpoints{
		AuthURL:     srv.URL + "/authorize",
		TokenURL:    srv.URL + "/token",
		RedirectURL: "http://localhost:8080/api/x/callback",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.mgr.SetHTTPClient(srv.Client())
	f.mgr.SetClock(
		func() time.Time { return f.now },
		func(_ context.Context, d time.Duration) error {
			f.slept = append(f.slept, d)
			f.now = f.now.Add(d)
			return nil
		},
	)

	if withCreds {
		if err := f.mgr.SaveCredentials(ctx, Credentials{ClientID: "client-id", ClientSecret: "client-secret"}); err != nil {
			t.Fatalf("save credentials: %v", err)
		}
	}
	return f
}

func (f *fixture) cache(t *testing.T, tok Token) {
	t.Helper()
	data, _ := json.Marshal(tok)
	if err := f.kv.Put(context.Background(), KeyToken, string(data), 0); err != nil {
		t.Fatalf("cache token: %v", err)
	}
}

func TestAccessTokenCacheHit(t *testing.T) {
	f := newFixture(t, true)
	f.cache(t, Token{AccessToken: "cached", RefreshToken: "r", ExpiresAt: f.now.Add(time.Hour).UnixMilli()})

	got, err := f.mgr.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if diff := cmp.Diff("cached", got); diff != "" {
		t.Errorf("token mismatch (-want +got):\n%s", diff)
	}
	if n := len(f.server.grants()); n != 0 {
		t.Errorf("token endpoint called %d times, want 0", n)
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	f := newFixture(t, true)
	f.cache(t, Token{AccessToken: "stale", RefreshToken: "old-refresh", ExpiresAt: f.now.Add(4 * time.Minute).UnixMilli()})
	f.server.set(0, map[string]any{"access_token": "fresh-access", "token_type": "bearer", "expires_in": 7200})

	got, err := f.mgr.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if diff := cmp.Diff("fresh-access", got); diff != "" {
		t.Errorf("token mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"refresh_token"}, f.server.grants()); diff != "" {
		t.Errorf("grants mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("old-refresh", f.server.request(0).Get("refresh_token")); diff != "" {
		t.Errorf("refresh token sent mismatch (-want +got):\n%s", diff)
	}

	cached, ok, _ := f.mgr.Token(context.Background())
	if !ok {
		t.Fatal("expected cached token")
	}
	if diff := cmp.Diff("old-refresh", cached.RefreshToken); diff != "" {
		t.Errorf("carried refresh token mismatch (-want +got):\n%s", diff)
	}
	// Server expiry is two hours out; the cache holds it minus the buffer.
	wantExpiry := time.Now().Add(2*time.Hour - expiryBuffer)
	if d := cached.Expiry().Sub(wantExpiry); d < -time.Minute || d > time.Minute {
		t.Errorf("expiry = %v, want about %v", cached.Expiry(), wantExpiry)
	}
}

func TestAccessTokenRefreshFailureKeepsRefreshToken(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.cache(t, Token{AccessToken: "stale", RefreshToken: "user-refresh", ExpiresAt: f.now.Add(time.Minute).UnixMilli()})
	f.server.set(http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"})

	got, err := f.mgr.AccessToken(ctx)
	var ae *errs.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if got != "" {
		t.Errorf("token = %q, want empty on error", got)
	}
	if diff := cmp.Diff([]string{"refresh_token"}, f.server.grants()); diff != "" {
		t.Errorf("grants mismatch (-want +got):\n%s", diff)
	}

	cached, ok, _ := f.mgr.Token(ctx)
	if !ok {
		t.Fatal("expected cached token")
	}
	if diff := cmp.Diff("user-refresh", cached.RefreshToken); diff != "" {
		t.Errorf("cached refresh token mismatch (-want +got):\n%s", diff)
	}

	// Once the endpoint recovers the same refresh token is used again.
	f.server.set(0, map[string]any{"access_token": "fresh-access", "token_type": "bearer", "expires_in": 7200})
	got, err = f.mgr.AccessToken(ctx)
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if diff := cmp.Diff("fresh-access", got); diff != "" {
		t.Errorf("token mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"refresh_token", "refresh_token"}, f.server.grants()); diff != "" {
		t.Errorf("grants mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("user-refresh", f.server.request(1).Get("refresh_token")); diff != "" {
		t.Errorf("refresh token sent mismatch (-want +got):\n%s", diff)
	}
}

func TestAccessTokenClientCredentials(t *testing.T) {
	f := newFixture(t, true)

	got, err := f.mgr.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if diff := cmp.Diff("fresh-access", got); diff != "" {
		t.Errorf("token mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"client_credentials"}, f.server.grants()); diff != "" {
		t.Errorf("grants mismatch (-want +got):\n%s", diff)
	}

	// Second call is served from the cache.
	if _, err := f.mgr.AccessToken(context.Background()); err != nil {
		t.Fatalf("access token: %v", err)
	}
	if n := len(f.server.grants()); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
}

func TestAccessTokenThrottlesEndpoint(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_ = storage.PutInt64(ctx, f.kv, KeyLastCall, f.now.Add(-500*time.Millisecond).UnixMilli())

	if _, err := f.mgr.AccessToken(ctx); err != nil {
		t.Fatalf("access token: %v", err)
	}
	if diff := cmp.Diff([]time.Duration{1500 * time.Millisecond}, f.slept); diff != "" {
		t.Errorf("sleep mismatch (-want +got):\n%s", diff)
	}
	last, _ := storage.GetInt64(ctx, f.kv, KeyLastCall, 0)
	if diff := cmp.Diff(f.now.UnixMilli(), last); diff != "" {
		t.Errorf("last call mismatch (-want +got):\n%s", diff)
	}
}

func TestAccessTokenFailures(t *testing.T) {
	t.Run("endpoint error", func(t *testing.T) {
		f := newFixture(t, true)
		f.server.set(http.StatusUnauthorized, map[string]any{"error": "invalid_client"})

		got, err := f.mgr.AccessToken(context.Background())
		var ae *errs.AuthError
		if !errors.As(err, &ae) {
			t.Fatalf("expected AuthError, got %v", err)
		}
		if got != "" {
			t.Errorf("token = %q, want empty on error", got)
		}
	})

	t.Run("empty access token", func(t *testing.T) {
		f := newFixture(t, true)
		f.server.set(0, map[string]any{"token_type": "bearer", "access_token": ""})

		_, err := f.mgr.AccessToken(context.Background())
		var ae *errs.AuthError
		if !errors.As(err, &ae) {
			t.Fatalf("expected AuthError, got %v", err)
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		f := newFixture(t, false)

		_, err := f.mgr.AccessToken(context.Background())
		var ce *errs.ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("expected wrapped ConfigError, got %v", err)
		}
		if diff := cmp.Diff(KeyCredentials, ce.Key); diff != "" {
			t.Errorf("key mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("no vault", func(t *testing.T) {
		m := New(storage.NewMemory(), nil, Endpoints{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
		ok, err := m.HasCredentials(context.Background())
		if err != nil || ok {
			t.Errorf("HasCredentials() = %v, %v; want false, nil", ok, err)
		}
		err = m.SaveCredentials(context.Background(), Credentials{ClientID: "a", ClientSecret: "b"})
		var ce *errs.ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConfigError, got %v", err)
		}
	})
}

func TestAuthorizationCodeFlow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	raw, err := f.mgr.AuthorizationURL(ctx)
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	for _, key := range []string{"state", "code_challenge", "client_id", "redirect_uri"} {
		if q.Get(key) == "" {
			t.Errorf("authorization url missing %s: %s", key, raw)
		}
	}
	if diff := cmp.Diff("S256", q.Get("code_challenge_method")); diff != "" {
		t.Errorf("challenge method mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(q.Get("scope"), "offline.access") {
		t.Errorf("scope = %q, want offline.access", q.Get("scope"))
	}

	tok, err := f.mgr.Exchange(ctx, q.Get("state"), "auth-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if diff := cmp.Diff("fresh-access", tok.AccessToken); diff != "" {
		t.Errorf("token mismatch (-want +got):\n%s", diff)
	}
	req := f.server.request(0)
	if diff := cmp.Diff("authorization_code", req.Get("grant_type")); diff != "" {
		t.Errorf("grant mismatch (-want +got):\n%s", diff)
	}
	if req.Get("code_verifier") == "" {
		t.Error("expected PKCE verifier in exchange")
	}

	// The state is single use.
	if _, err := f.mgr.Exchange(ctx, q.Get("state"), "auth-code"); err == nil {
		t.Error("expected error reusing state")
	}
}

func TestExchangeUnknownState(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.mgr.Exchange(context.Background(), "nope", "code")
	var ae *errs.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if n := len(f.server.grants()); n != 0 {
		t.Errorf("token endpoint called %d times, want 0", n)
	}
}
