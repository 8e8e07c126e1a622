// Package social publishes filings to X.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"fcc_monitor/internal/errs"
	"fcc_monitor/internal/ratelimit"
)

const (
	serviceName  = "X API"
	maxErrorBody = 512
)

// HTTPClient is the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Post is a created post.
type Post struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// User is the authenticated account.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Client talks to the X API v2. Every response's rate-limit headers are
// written to the limiter.
type Client struct {
	baseURL string
	http    HTTPClient
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

// NewClient creates a Client for the API rooted at baseURL.
func NewClient(baseURL string, hc HTTPClient, limiter *ratelimit.Limiter, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		limiter: limiter,
		log:     log,
	}
}

// CreatePost publishes text.
func (c *Client) CreatePost(ctx context.Context, token, text string) (Post, error) {
	var out struct {
		Data Post `json:"data"`
	}
	// Only the post endpoint's headers describe the posting quota.
	h, err := c.do(ctx, http.MethodPost, "/tweets", token, map[string]string{"text": text}, &out)
	if h != nil {
		if err := c.limiter.ApplyHeaders(ctx, h); err != nil {
			c.log.Warn("update rate limit from headers", "error", err)
		}
	}
	if err != nil {
		return Post{}, err
	}
	return out.Data, nil
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context, token string) (User, error) {
	var out struct {
		Data User `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/users/me", token, nil, &out); err != nil {
		return User{}, err
	}
	return out.Data, nil
}

// DeletePost removes the post with id.
func (c *Client) DeletePost(ctx context.Context, token, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/tweets/"+url.PathEscape(id), token, nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.UpstreamError{Service: serviceName, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.Header, &errs.UpstreamError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	if out == nil {
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.Header, fmt.Errorf("decode %s response: %w", path, err)
	}
	return resp.Header, nil
}
