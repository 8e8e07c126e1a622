package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"fcc_monitor/internal/admin"
	"fcc_monitor/internal/errs"
	"fcc_monitor/internal/model"
	"fcc_monitor/internal/oauth"
	"fcc_monitor/internal/ratelimit"
	"fcc_monitor/internal/retryqueue"
	"fcc_monitor/internal/scheduler"
	"fcc_monitor/internal/settings"
	"fcc_monitor/internal/social"
	"fcc_monitor/internal/storage"
)

// The mocks are shared between handler goroutines and the test, so every
// field is guarded.
type mockRunner struct {
	mu     sync.Mutex
	result scheduler.Result
	forced bool
}

func (m *mockRunner) RunOnce(_ context.Context, opts scheduler.RunOptions) scheduler.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = opts.Force
	return m.result
}

func (m *mockRunner) set(res scheduler.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = res
}

func (m *mockRunner) wasForced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forced
}

type mockNotifier struct {
	mu  sync.Mutex
	err error
}

func (m *mockNotifier) TestSend(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return "preview", m.err
}

func (m *mockNotifier) Configured() bool { return true }

func (m *mockNotifier) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

type mockPoster struct {
	mu      sync.Mutex
	result  social.TestResult
	deleted string
}

func (m *mockPoster) TestPost(_ context.Context, _ string) social.TestResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

func (m *mockPoster) Validate(_ context.Context) (social.User, error) { return social.User{}, nil }

func (m *mockPoster) DeletePost(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = id
	return nil
}

func (m *mockPoster) set(res social.TestResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = res
}

func (m *mockPoster) lastDeleted() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted
}

type mockTokens struct {
	mu    sync.Mutex
	saved bool
}

func (m *mockTokens) HasCredentials(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, nil
}

func (m *mockTokens) SaveCredentials(_ context.Context, _ oauth.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = true
	return nil
}

func (m *mockTokens) AuthorizationURL(_ context.Context) (string, error) {
	return "https://auth.example.com/authorize?state=s1", nil
}

func (m *mockTokens) Exchange(_ context.Context, state, _ string) (oauth.Token, error) {
	if state != "s1" {
		return oauth.Token{}, &errs.AuthError{Op: "exchange", Err: errors.New("unknown or expired state")}
	}
	return oauth.Token{AccessToken: "at", ExpiresAt: 1736949600000}, nil
}

func (m *mockTokens) Token(_ context.Context) (oauth.Token, bool, error) {
	return oauth.Token{}, false, nil
}

type fixture struct {
	runner   *mockRunner
	notifier *mockNotifier
	poster   *mockPoster
	tokens   *mockTokens
	queue    *retryqueue.Queue
	srv      *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	kv := storage.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		runner:   &mockRunner{result: scheduler.Result{Success: true, Status: scheduler.StatusEmpty}},
		notifier: &mockNotifier{},
		poster:   &mockPoster{result: social.TestResult{Success: true, PostID: "p1"}},
		tokens:   &mockTokens{},
		queue:    retryqueue.New(kv, log),
	}
	svc := admin.New(admin.Deps{
		Settings: settings.NewRepository(kv),
		Limiter:  ratelimit.New(kv, ratelimit.DefaultPolicy),
		Queue:    f.queue,
		Runner:   f.runner,
		Notifier: f.notifier,
		Poster:   f.poster,
		Tokens:   f.tokens,
	}, log)
	f.srv = httptest.NewServer(New(svc, token, log).Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "secret")

	tests := []struct {
		name   string
		method string
		path   string
		header http.Header
		want   int
	}{
		{name: "health is public", method: http.MethodGet, path: "/", want: http.StatusOK},
		{name: "run needs token", method: http.MethodPost, path: "/", want: http.StatusUnauthorized},
		{name: "config needs token", method: http.MethodGet, path: "/api/config", want: http.StatusUnauthorized},
		{name: "wrong token", method: http.MethodGet, path: "/api/config", header: http.Header{"Authorization": {"Bearer nope"}}, want: http.StatusUnauthorized},
		{name: "bearer token", method: http.MethodGet, path: "/api/config", header: http.Header{"Authorization": {"Bearer secret"}}, want: http.StatusOK},
		{name: "header token", method: http.MethodGet, path: "/api/x/status", header: http.Header{"X-Admin-Token": {"secret"}}, want: http.StatusOK},
		{name: "callback is public", method: http.MethodGet, path: "/api/x/callback?state=s1&code=c", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := f.do(t, tt.method, tt.path, "", tt.header)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("status mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t, "")

	status, body := f.do(t, http.MethodPost, "/", "", nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("empty", body["status"]); diff != "" {
		t.Errorf("body status mismatch (-want +got):\n%s", diff)
	}
	if !f.runner.wasForced() {
		t.Error("manual run must be forced")
	}

	f.runner.set(scheduler.Result{Status: scheduler.StatusFailed, Error: "fetch filings: boom"})
	status, body = f.do(t, http.MethodPost, "/", "", nil)
	if diff := cmp.Diff(http.StatusInternalServerError, status); diff != "" {
		t.Errorf("failed run status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("fetch filings: boom", body["error"]); diff != "" {
		t.Errorf("error mismatch (-want +got):\n%s", diff)
	}
}

func TestConfig(t *testing.T) {
	f := newFixture(t, "")

	status, body := f.do(t, http.MethodPost, "/api/config", `{"frequency": 30, "x_posting_enabled": true}`, nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
	cfg := body["config"].(map[string]any)
	if diff := cmp.Diff(float64(30), cfg["frequency"]); diff != "" {
		t.Errorf("frequency mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(true, cfg["x_posting_enabled"]); diff != "" {
		t.Errorf("posting flag mismatch (-want +got):\n%s", diff)
	}

	status, body = f.do(t, http.MethodPost, "/api/config", `{"frequency": 0}`, nil)
	if diff := cmp.Diff(http.StatusBadRequest, status); diff != "" {
		t.Errorf("invalid frequency status mismatch (-want +got):\n%s", diff)
	}
	if body["error"] == "" {
		t.Error("expected error message")
	}

	status, _ = f.do(t, http.MethodPost, "/api/config", `not json`, nil)
	if diff := cmp.Diff(http.StatusBadRequest, status); diff != "" {
		t.Errorf("bad body status mismatch (-want +got):\n%s", diff)
	}

	status, body = f.do(t, http.MethodPost, "/api/config/reset", "", nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Errorf("reset status mismatch (-want +got):\n%s", diff)
	}
	cfg = body["config"].(map[string]any)
	if diff := cmp.Diff(float64(settings.DefaultFrequencyMinutes), cfg["frequency"]); diff != "" {
		t.Errorf("reset frequency mismatch (-want +got):\n%s", diff)
	}
}

func TestPreviewAndTests(t *testing.T) {
	f := newFixture(t, "")

	status, body := f.do(t, http.MethodPost, "/api/test", `{"channel": "x", "template": "{filing_type} WC {docket}"}`, nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
	want := map[string]any{"channel": "x", "preview": "COMMENT #WC11-42", "length": float64(16), "limit": float64(280)}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Errorf("preview mismatch (-want +got):\n%s", diff)
	}

	status, _ = f.do(t, http.MethodPost, "/api/test", `{"channel": "fax"}`, nil)
	if diff := cmp.Diff(http.StatusBadRequest, status); diff != "" {
		t.Errorf("unknown channel status mismatch (-want +got):\n%s", diff)
	}

	status, body = f.do(t, http.MethodPost, "/api/test-send", `{}`, nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Errorf("test-send status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(true, body["success"]); diff != "" {
		t.Errorf("test-send success mismatch (-want +got):\n%s", diff)
	}

	f.notifier.fail(&errs.ConfigError{Key: "SLACK_WEBHOOK_URL"})
	status, _ = f.do(t, http.MethodPost, "/api/test-send", `{}`, nil)
	if diff := cmp.Diff(http.StatusBadGateway, status); diff != "" {
		t.Errorf("failed test-send status mismatch (-want +got):\n%s", diff)
	}

	f.poster.set(social.TestResult{Preview: "p", Error: "quota", RateLimited: true})
	status, body = f.do(t, http.MethodPost, "/api/x/test", `{}`, nil)
	if diff := cmp.Diff(http.StatusTooManyRequests, status); diff != "" {
		t.Errorf("x test status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(true, body["rate_limited"]); diff != "" {
		t.Errorf("rate_limited mismatch (-want +got):\n%s", diff)
	}
}

func TestXEndpoints(t *testing.T) {
	f := newFixture(t, "")

	status, _ := f.do(t, http.MethodPost, "/api/x/credentials", `{"client_id": "id"}`, nil)
	if diff := cmp.Diff(http.StatusBadRequest, status); diff != "" {
		t.Errorf("incomplete credentials status mismatch (-want +got):\n%s", diff)
	}
	status, _ = f.do(t, http.MethodPost, "/api/x/credentials", `{"client_id": "id", "client_secret": "s"}`, nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Errorf("credentials status mismatch (-want +got):\n%s", diff)
	}

	status, body := f.do(t, http.MethodGet, "/api/x/status", "", nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(true, body["has_credentials"]); diff != "" {
		t.Errorf("has_credentials mismatch (-want +got):\n%s", diff)
	}

	status, body = f.do(t, http.MethodGet, "/api/x/authorize", "", nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Errorf("authorize status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("https://auth.example.com/authorize?state=s1", body["url"]); diff != "" {
		t.Errorf("authorize url mismatch (-want +got):\n%s", diff)
	}
	status, _ = f.do(t, http.MethodGet, "/api/x/authorize?redirect=1", "", nil)
	if diff := cmp.Diff(http.StatusFound, status); diff != "" {
		t.Errorf("authorize redirect status mismatch (-want +got):\n%s", diff)
	}

	status, _ = f.do(t, http.MethodGet, "/api/x/callback?state=other&code=c", "", nil)
	if diff := cmp.Diff(http.StatusUnauthorized, status); diff != "" {
		t.Errorf("bad callback status mismatch (-want +got):\n%s", diff)
	}
	status, _ = f.do(t, http.MethodGet, "/api/x/callback?error=access_denied", "", nil)
	if diff := cmp.Diff(http.StatusBadRequest, status); diff != "" {
		t.Errorf("denied callback status mismatch (-want +got):\n%s", diff)
	}

	status, _ = f.do(t, http.MethodDelete, "/api/x/posts/12345", "", nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Errorf("delete status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("12345", f.poster.lastDeleted()); diff != "" {
		t.Errorf("deleted id mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueAndFilters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	if err := f.queue.Enqueue(ctx, model.Filing{ID: "q1"}, "rate_limit_exceeded"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	status, body := f.do(t, http.MethodGet, "/api/queue", "", nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Errorf("queue status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(float64(1), body["count"]); diff != "" {
		t.Errorf("queue count mismatch (-want +got):\n%s", diff)
	}
	status, _ = f.do(t, http.MethodDelete, "/api/queue", "", nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Errorf("clear status mismatch (-want +got):\n%s", diff)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Errorf("queue length after clear = %d, want 0", n)
	}

	status, body = f.do(t, http.MethodPost, "/api/filters", `{"kind": "include", "scope": "title", "value": "lifeline"}`, nil)
	if diff := cmp.Diff(http.StatusCreated, status); diff != "" {
		t.Fatalf("add filter status mismatch (-want +got):\n%s", diff)
	}
	want := map[string]any{"id": float64(1), "kind": "include", "scope": "title", "value": "lifeline"}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}

	status, _ = f.do(t, http.MethodPost, "/api/filters", `{"kind": "include_re", "value": "("}`, nil)
	if diff := cmp.Diff(http.StatusBadRequest, status); diff != "" {
		t.Errorf("bad regex status mismatch (-want +got):\n%s", diff)
	}

	status, _ = f.do(t, http.MethodDelete, "/api/filters/1", "", nil)
	if diff := cmp.Diff(http.StatusOK, status); diff != "" {
		t.Errorf("remove status mismatch (-want +got):\n%s", diff)
	}
	status, _ = f.do(t, http.MethodDelete, "/api/filters/1", "", nil)
	if diff := cmp.Diff(http.StatusNotFound, status); diff != "" {
		t.Errorf("second remove status mismatch (-want +got):\n%s", diff)
	}
	status, _ = f.do(t, http.MethodDelete, "/api/filters/abc", "", nil)
	if diff := cmp.Diff(http.StatusBadRequest, status); diff != "" {
		t.Errorf("bad id status mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(nil, "", log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()
	cancel()

	if err := <-done; err != nil {
		t.Errorf("run: %v", err)
	}
}
