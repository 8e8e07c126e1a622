package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"fcc_monitor/internal/errs"
	"fcc_monitor/internal/format"
	"fcc_monitor/internal/model"
	"fcc_monitor/internal/ratelimit"
	"fcc_monitor/internal/retryqueue"
	"fcc_monitor/internal/settings"
)

// Retry reasons recorded for filings that were never attempted.
const (
	ReasonRateLimit  = "rate_limit_exceeded"
	ReasonBatchLimit = "batch_limit_exceeded"
)

// DefaultSpacing is the pause between consecutive posts.
const DefaultSpacing = 3 * time.Second

// TokenSource supplies bearer tokens.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	HasCredentials(ctx context.Context) (bool, error)
}

// PostResult is the outcome for one filing in a batch.
type PostResult struct {
	FilingID string `json:"filing_id"`
	Success  bool   `json:"success"`
	PostID   string `json:"post_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchResult summarizes PostBatch.
type BatchResult struct {
	Skipped bool         `json:"skipped,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Posted  int          `json:"posted"`
	Failed  int          `json:"failed"`
	Queued  int          `json:"queued"`
	Preview string       `json:"preview,omitempty"`
	Results []PostResult `json:"results,omitempty"`
}

// TestResult is the outcome of a manual test post.
type TestResult struct {
	Success     bool   `json:"success"`
	PostID      string `json:"post_id,omitempty"`
	Preview     string `json:"preview"`
	Error       string `json:"error,omitempty"`
	RateLimited bool   `json:"rate_limited,omitempty"`
}

// Poster turns filings into posts within the posting quota. Filings that
// cannot be posted now go to the retry queue.
type Poster struct {
	client  *Client
	tokens  TokenSource
	limiter *ratelimit.Limiter
	queue   *retryqueue.Queue
	pace    *rate.Limiter
	log     *slog.Logger
	now     func() time.Time
}

// NewPoster creates a Poster spacing posts DefaultSpacing apart.
func NewPoster(client *Client, tokens TokenSource, limiter *ratelimit.Limiter, queue *retryqueue.Queue, log *slog.Logger) *Poster {
	p := &Poster{
		client:  client,
		tokens:  tokens,
		limiter: limiter,
		queue:   queue,
		log:     log,
		now:     time.Now,
	}
	p.SetSpacing(DefaultSpacing)
	return p
}

// SetSpacing overrides the pause between posts. Zero disables pacing.
func (p *Poster) SetSpacing(d time.Duration) {
	if d <= 0 {
		p.pace = rate.NewLimiter(rate.Inf, 1)
		return
	}
	p.pace = rate.NewLimiter(rate.Every(d), 1)
}

// PostBatch posts as many filings as the quota allows, one at a time, and
// queues the rest. A failed post is queued with its error and never stops the
// batch.
func (p *Poster) PostBatch(ctx context.Context, s settings.Settings, filings []model.Filing) (BatchResult, error) {
	if !s.XPostingEnabled {
		p.log.Debug("x posting disabled, skipping")
		return BatchResult{Skipped: true, Reason: "posting disabled"}, nil
	}
	if len(filings) == 0 {
		return BatchResult{}, nil
	}

	ok, err := p.tokens.HasCredentials(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("check credentials: %w", err)
	}
	if !ok {
		p.log.Info("x credentials not configured, skipping")
		return BatchResult{Skipped: true, Reason: "no credentials"}, nil
	}

	state, err := p.limiter.Check(ctx)
	if err != nil {
		return p.queueAll(ctx, filings, err.Error()), fmt.Errorf("check rate limit: %w", err)
	}

	n := p.limiter.Policy().Postable(state, len(filings))
	if n <= 0 {
		p.log.Info("x rate limit reached, queueing all filings", "count", len(filings), "remaining", state.Remaining)
		return p.queueAll(ctx, filings, ReasonRateLimit), nil
	}

	toPost, toQueue := filings[:n], filings[n:]
	p.log.Info("posting to x", "posting", len(toPost), "queueing", len(toQueue))

	var res BatchResult
	for i, f := range toPost {
		if err := p.pace.Wait(ctx); err != nil {
			rest := p.queueAll(ctx, toPost[i:], err.Error())
			res.Queued += rest.Queued
			break
		}

		text := format.ForX(s.XTemplate, f)
		res.Preview = text

		post, err := p.PostOne(ctx, text)
		if err != nil {
			p.log.Warn("post filing failed", "filing_id", f.ID, "error", err)
			if qerr := p.queue.Enqueue(ctx, f, err.Error()); qerr != nil {
				p.log.Error("enqueue failed post", "filing_id", f.ID, "error", qerr)
			}
			res.Failed++
			res.Results = append(res.Results, PostResult{FilingID: f.ID, Error: err.Error()})
			continue
		}
		res.Posted++
		res.Results = append(res.Results, PostResult{FilingID: f.ID, Success: true, PostID: post.ID})
	}

	if len(toQueue) > 0 {
		res.Queued += p.queueAll(ctx, toQueue, ReasonBatchLimit).Queued
	}

	p.log.Info("x posting complete", "posted", res.Posted, "failed", res.Failed, "queued", res.Queued)
	return res, nil
}

// PostOne publishes already formatted text and charges it to the quota.
func (p *Poster) PostOne(ctx context.Context, text string) (Post, error) {
	token, err := p.tokens.AccessToken(ctx)
	if err != nil {
		return Post{}, err
	}
	post, err := p.client.CreatePost(ctx, token, text)
	if err != nil {
		return Post{}, err
	}
	if err := p.limiter.Consume(ctx, 1); err != nil {
		p.log.Warn("consume rate limit", "error", err)
	}
	p.log.Info("posted to x", "post_id", post.ID)
	return post, nil
}

// Deliver returns the retry-queue delivery function for tmpl. It refuses with
// a RateLimitError once the quota is down to the safety buffer so queued
// filings keep their attempt counts.
func (p *Poster) Deliver(tmpl string) retryqueue.DeliverFunc {
	return func(ctx context.Context, f model.Filing) error {
		state, err := p.limiter.Check(ctx)
		if err != nil {
			return err
		}
		if state.Remaining <= p.limiter.Policy().SafetyBuffer {
			return &errs.RateLimitError{Remaining: state.Remaining, ResetTime: state.ResetTime}
		}
		if err := p.pace.Wait(ctx); err != nil {
			return err
		}
		_, err = p.PostOne(ctx, format.ForX(tmpl, f))
		return err
	}
}

// DrainRetries retries due queue items when posting is enabled and
// credentials exist.
func (p *Poster) DrainRetries(ctx context.Context, s settings.Settings) (retryqueue.Stats, error) {
	if !s.XPostingEnabled {
		return retryqueue.Stats{}, nil
	}
	ok, err := p.tokens.HasCredentials(ctx)
	if err != nil || !ok {
		return retryqueue.Stats{}, err
	}
	stats, err := p.queue.Drain(ctx, p.Deliver(s.XTemplate))
	if err != nil {
		return stats, fmt.Errorf("drain retry queue: %w", err)
	}
	if stats.Processed+stats.Failed > 0 {
		p.log.Info("retry queue drained",
			"processed", stats.Processed, "failed", stats.Failed, "dropped", stats.Dropped, "remaining", stats.Remaining)
	}
	return stats, nil
}

// TestPost publishes a sample filing rendered with tmpl. Quota exhaustion is
// reported through RateLimited rather than as an error.
func (p *Poster) TestPost(ctx context.Context, tmpl string) TestResult {
	res := TestResult{Preview: format.ForX(tmpl, TestFiling(p.now()))}

	state, err := p.limiter.Check(ctx)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if state.Remaining <= 0 {
		rl := &errs.RateLimitError{Remaining: state.Remaining, ResetTime: state.ResetTime}
		res.Error = rl.Error()
		res.RateLimited = true
		return res
	}

	post, err := p.PostOne(ctx, res.Preview)
	if err != nil {
		res.Error = err.Error()
		res.RateLimited = errs.IsRateLimited(err)
		return res
	}
	res.Success = true
	res.PostID = post.ID
	return res
}

// Validate checks that the stored credentials yield a working token.
func (p *Poster) Validate(ctx context.Context) (User, error) {
	token, err := p.tokens.AccessToken(ctx)
	if err != nil {
		return User{}, err
	}
	return p.client.Me(ctx, token)
}

// DeletePost removes a post, typically one created by TestPost.
func (p *Poster) DeletePost(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("post id is required")
	}
	token, err := p.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	return p.client.DeletePost(ctx, token, id)
}

func (p *Poster) queueAll(ctx context.Context, filings []model.Filing, reason string) BatchResult {
	if err := p.queue.EnqueueAll(ctx, filings, reason); err != nil {
		p.log.Error("enqueue filings", "count", len(filings), "error", err)
		return BatchResult{}
	}
	return BatchResult{Queued: len(filings)}
}

// TestFiling is the filing used for manual test posts.
func TestFiling(now time.Time) model.Filing {
	return model.Filing{
		ID:           "test123",
		DocketNumber: "11-42",
		FilingType:   "TEST",
		Title:        "[TEST] Sample FCC Filing for X Integration",
		Author:       "FCC Monitor Test System",
		DateReceived: now.Format("2006-01-02"),
		FilingURL:    "https://www.fcc.gov/ecfs/search/search-filings/filing/test123",
	}
}
