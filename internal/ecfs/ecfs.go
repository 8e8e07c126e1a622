// Package ecfs downloads recent filings from the FCC ECFS search API and
// normalizes them.
package ecfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fcc_monitor/internal/errs"
	"fcc_monitor/internal/model"
)

const (
	serviceName = "ECFS API"
	userAgent   = "FCC-Monitor/1.0"
	maxBodySize = 5 * 1024 * 1024
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls what Fetch asks for.
type Config struct {
	APIKey  string
	BaseURL string
	// MaxPages bounds pagination. Values below one mean one page.
	MaxPages int
	PerPage  int
	// Window is how far back filings are requested.
	Window time.Duration
}

// DefaultPerPage and DefaultWindow apply when Config leaves them zero.
const (
	DefaultPerPage = 20
	DefaultWindow  = 2 * time.Hour
)

// Fetcher queries ECFS.
type Fetcher struct {
	client HTTPClient
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient, cfg Config, log *slog.Logger) *Fetcher {
	if cfg.PerPage <= 0 {
		cfg.PerPage = DefaultPerPage
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 1
	}
	return &Fetcher{client: client, cfg: cfg, log: log, now: time.Now}
}

// Fetch returns the filings on docket received within the configured window,
// newest first.
func (f *Fetcher) Fetch(ctx context.Context, docket string) ([]model.Filing, error) {
	if f.cfg.APIKey == "" {
		return nil, &errs.ConfigError{Key: "ECFS_API_KEY"}
	}
	if f.cfg.BaseURL == "" {
		return nil, &errs.ConfigError{Key: "ECFS_API_BASE_URL"}
	}

	since := f.now().Add(-f.cfg.Window).UTC().Format("2006-01-02")
	seen := make(map[string]bool)
	var out []model.Filing

	for page := range f.cfg.MaxPages {
		body, err := f.get(ctx, f.pageURL(docket, since, page*f.cfg.PerPage))
		if err != nil {
			return nil, err
		}
		filings, raw, err := ParseResponse(body, docket)
		if err != nil {
			return nil, err
		}
		for _, fl := range filings {
			if fl.ID == "" || seen[fl.ID] {
				continue
			}
			seen[fl.ID] = true
			out = append(out, fl)
		}
		if raw < f.cfg.PerPage {
			break
		}
	}

	f.log.Debug("fetched filings", "docket", docket, "since", since, "count", len(out))
	return out, nil
}

func (f *Fetcher) pageURL(docket, since string, offset int) string {
	q := url.Values{}
	q.Set("api_key", f.cfg.APIKey)
	q.Set("proceedings.name", docket)
	q.Set("sort", "date_disseminated,DESC")
	q.Set("per_page", strconv.Itoa(f.cfg.PerPage))
	q.Set("received_from", since)
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return strings.TrimRight(f.cfg.BaseURL, "/") + "/filings?" + q.Encode()
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	f.log.Debug("fetching ecfs filings", "url", strings.ReplaceAll(rawURL, f.cfg.APIKey, "[API_KEY]"))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &errs.UpstreamError{Service: serviceName, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &errs.UpstreamError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &errs.UpstreamError{Service: serviceName, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}
