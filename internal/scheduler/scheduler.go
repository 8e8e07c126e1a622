// Package scheduler runs monitoring cycles: fetch recent filings, drop the
// ones already announced, and deliver the rest to the enabled channels.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fcc_monitor/internal/filter"
	"fcc_monitor/internal/model"
	"fcc_monitor/internal/retryqueue"
	"fcc_monitor/internal/settings"
	"fcc_monitor/internal/social"
	"fcc_monitor/internal/storage"
)

const (
	// MaxCandidates is how many fetched filings are checked against the
	// processed markers per cycle.
	MaxCandidates = 15
	// MaxPerRun is how many new filings are delivered per cycle.
	MaxPerRun = 10
	// ProcessedTTL is how long a delivered filing is remembered.
	ProcessedTTL = 7 * 24 * time.Hour

	processedPrefix = "processed_"
	lookupLimit     = 8
	echoedFilings   = 3
)

// ProcessedKey returns the marker key for a filing ID.
func ProcessedKey(id string) string { return processedPrefix + id }

// Fetcher retrieves candidate filings.
type Fetcher interface {
	Fetch(ctx context.Context, docket string) ([]model.Filing, error)
}

// Notifier delivers filings to the chat webhook.
type Notifier interface {
	Notify(ctx context.Context, filings []model.Filing, tmpl string) error
}

// Poster delivers filings to X.
type Poster interface {
	PostBatch(ctx context.Context, s settings.Settings, filings []model.Filing) (social.BatchResult, error)
	DrainRetries(ctx context.Context, s settings.Settings) (retryqueue.Stats, error)
}

// Status is the outcome of a cycle.
type Status string

// Cycle outcomes.
const (
	StatusThrottled Status = "throttled"
	StatusEmpty     Status = "empty"
	StatusAllKnown  Status = "all_known"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// RunOptions tweaks a single cycle.
type RunOptions struct {
	// Force skips the frequency throttle, as for a manual trigger.
	Force bool
}

// ChannelResult is the webhook outcome of a cycle.
type ChannelResult struct {
	Sent  int    `json:"sent"`
	Error string `json:"error,omitempty"`
}

// Result describes a cycle. RunOnce always returns one, even when the cycle
// panicked.
type Result struct {
	RunID            string              `json:"run_id"`
	Success          bool                `json:"success"`
	Status           Status              `json:"status"`
	Message          string              `json:"message,omitempty"`
	Mode             string              `json:"mode,omitempty"`
	Found            int                 `json:"found"`
	New              int                 `json:"new"`
	Filings          []model.Filing      `json:"filings"`
	MinutesUntilNext int                 `json:"minutes_until_next,omitempty"`
	Webhook          *ChannelResult      `json:"webhook,omitempty"`
	Social           *social.BatchResult `json:"social,omitempty"`
	Retry            *retryqueue.Stats   `json:"retry,omitempty"`
	Error            string              `json:"error,omitempty"`
	Stack            string              `json:"stack,omitempty"`
}

// Scheduler runs monitoring cycles on a timer or on demand.
type Scheduler struct {
	kv       storage.KV
	settings *settings.Repository
	fetcher  Fetcher
	notifier Notifier
	poster   Poster
	docket   string
	log      *slog.Logger
	tick     time.Duration
	now      func() time.Time

	// mu keeps cycles in this process from overlapping.
	mu sync.Mutex
}

// New creates a Scheduler watching docket.
func New(kv storage.KV, repo *settings.Repository, f Fetcher, n Notifier, p Poster, docket string, log *slog.Logger) *Scheduler {
	return &Scheduler{
		kv:       kv,
		settings: repo,
		fetcher:  f,
		notifier: n,
		poster:   p,
		docket:   docket,
		log:      log,
		tick:     1 * time.Minute,
		now:      time.Now,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetClock replaces the clock used for throttling and timestamps.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run starts the scheduler loop, blocking until ctx is cancelled. Each tick
// runs an unforced cycle, so the stored frequency decides how often filings
// are actually fetched.
func (s *Scheduler) Run(ctx context.Context) {
	s.runTick(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	res := s.RunOnce(ctx, RunOptions{})
	switch res.Status {
	case StatusThrottled:
		s.log.Debug("cycle throttled", "run_id", res.RunID, "minutes_until_next", res.MinutesUntilNext)
		return
	case StatusFailed:
		// RunOnce has logged the failure.
	default:
		s.log.Info("cycle complete", "run_id", res.RunID, "status", res.Status, "found", res.Found, "new", res.New)
	}

	if p, ok := s.kv.(storage.Purger); ok && ctx.Err() == nil {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			s.log.Error("purge expired keys", "error", err)
		} else if n > 0 {
			s.log.Debug("purged expired keys", "count", n)
		}
	}
}

// RunOnce executes one cycle. Errors and panics are reported in the Result.
func (s *Scheduler) RunOnce(ctx context.Context, opts RunOptions) (res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.NewString()
	log := s.log.With("run_id", runID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("cycle panicked", "panic", r)
			res = Result{
				RunID:   runID,
				Status:  StatusFailed,
				Error:   fmt.Sprint(r),
				Stack:   string(debug.Stack()),
				Filings: []model.Filing{},
			}
		}
	}()

	res, err := s.cycle(ctx, log, opts)
	res.RunID = runID
	if res.Filings == nil {
		res.Filings = []model.Filing{}
	}
	if err != nil {
		log.Error("cycle failed", "error", err)
		res.Success = false
		res.Status = StatusFailed
		res.Error = err.Error()
	}
	return res
}

func (s *Scheduler) cycle(ctx context.Context, log *slog.Logger, opts RunOptions) (Result, error) {
	cfg, err := s.settings.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load settings: %w", err)
	}

	if !opts.Force {
		wait, err := s.throttled(ctx, cfg)
		if err != nil {
			return Result{}, err
		}
		if wait > 0 {
			mins := int(math.Ceil(wait.Minutes()))
			return Result{
				Success:          true,
				Status:           StatusThrottled,
				Message:          fmt.Sprintf("Skipped: next check in %d minutes", mins),
				MinutesUntilNext: mins,
			}, nil
		}
	}

	res, err := s.process(ctx, log, cfg)

	// The timestamp is written even after a failed fetch so a broken
	// upstream is not hammered every tick.
	if werr := s.settings.SetLastRun(ctx, s.now()); werr != nil {
		log.Error("record last run", "error", werr)
		err = errors.Join(err, werr)
	}
	return res, err
}

// throttled returns how long until the next cycle is due, or zero.
func (s *Scheduler) throttled(ctx context.Context, cfg settings.Settings) (time.Duration, error) {
	last, ok, err := s.settings.LastRun(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	elapsed := s.now().Sub(last)
	if elapsed >= cfg.Frequency() {
		return 0, nil
	}
	return cfg.Frequency() - elapsed, nil
}

func (s *Scheduler) process(ctx context.Context, log *slog.Logger, cfg settings.Settings) (Result, error) {
	mode := cfg.DeliveryMode()
	res := Result{Success: true, Mode: mode.String()}

	if mode.Social() {
		stats, err := s.poster.DrainRetries(ctx, cfg)
		if err != nil {
			log.Warn("drain retry queue", "error", err)
		} else {
			res.Retry = &stats
		}
	}

	all, err := s.fetcher.Fetch(ctx, s.docket)
	if err != nil {
		return res, fmt.Errorf("fetch filings: %w", err)
	}
	res.Found = len(all)
	if len(all) == 0 {
		log.Info("no filings found", "docket", s.docket)
		res.Status = StatusEmpty
		res.Message = "No filings found in time range"
		return res, nil
	}

	candidates := filter.Apply(all, cfg.Filters)
	if len(candidates) == 0 {
		log.Info("all filings filtered out", "found", len(all))
		res.Status = StatusEmpty
		res.Message = fmt.Sprintf("No filings matched filters (%d found)", len(all))
		return res, nil
	}
	if len(candidates) > MaxCandidates {
		candidates = candidates[:MaxCandidates]
	}

	fresh, err := s.unprocessed(ctx, candidates)
	if err != nil {
		return res, err
	}
	if len(fresh) == 0 {
		log.Info("all filings already processed", "found", len(all))
		res.Status = StatusAllKnown
		res.Message = "No new filings to process (all already sent)"
		return res, nil
	}
	if len(fresh) > MaxPerRun {
		fresh = fresh[:MaxPerRun]
	}
	res.New = len(fresh)
	log.Info("delivering new filings", "count", len(fresh), "mode", mode)

	failures := s.deliver(ctx, log, cfg, mode, fresh, &res)

	if err := s.markProcessed(ctx, fresh); err != nil {
		return res, err
	}

	res.Filings = fresh[:min(echoedFilings, len(fresh))]
	res.Status = StatusDelivered
	res.Message = fmt.Sprintf("Processed %d new filings (%d total found)", len(fresh), len(all))
	if failures != nil {
		res.Success = false
		res.Status = StatusFailed
		res.Error = failures.Error()
	}
	return res, nil
}

// unprocessed returns the filings without a processed marker, keeping order.
func (s *Scheduler) unprocessed(ctx context.Context, filings []model.Filing) ([]model.Filing, error) {
	known := make([]bool, len(filings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupLimit)
	for i, f := range filings {
		g.Go(func() error {
			_, ok, err := s.kv.Get(gctx, ProcessedKey(f.ID))
			if err != nil {
				return fmt.Errorf("check processed %s: %w", f.ID, err)
			}
			known[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []model.Filing
	for i, f := range filings {
		if !known[i] {
			out = append(out, f)
		}
	}
	return out, nil
}

// deliver fans filings out to the channels of mode. Channels are independent:
// each one records its own outcome and never cancels the other. It returns
// an error only when every attempted channel failed.
func (s *Scheduler) deliver(ctx context.Context, log *slog.Logger, cfg settings.Settings, mode model.DeliveryMode, filings []model.Filing, res *Result) error {
	var (
		g         errgroup.Group
		webhook   *ChannelResult
		socialRes *social.BatchResult
		hookErr   error
		postErr   error
	)

	if mode.Webhook() {
		g.Go(func() error {
			hookErr = safely(func() error { return s.notifier.Notify(ctx, filings, cfg.DashboardTemplate) })
			webhook = &ChannelResult{Sent: len(filings)}
			if hookErr != nil {
				log.Error("webhook delivery failed", "error", hookErr)
				webhook = &ChannelResult{Error: hookErr.Error()}
			}
			return nil
		})
	}
	if mode.Social() {
		g.Go(func() error {
			var br social.BatchResult
			postErr = safely(func() error {
				var err error
				br, err = s.poster.PostBatch(ctx, cfg, filings)
				return err
			})
			if postErr != nil {
				log.Error("social delivery failed", "error", postErr)
			}
			socialRes = &br
			return nil
		})
	}
	_ = g.Wait()

	res.Webhook = webhook
	res.Social = socialRes

	switch mode {
	case model.WebhookOnly:
		return hookErr
	case model.SocialOnly:
		return postErr
	}
	if hookErr != nil && postErr != nil {
		return errors.Join(hookErr, postErr)
	}
	return nil
}

// markProcessed writes a marker for every filing, concurrently.
func (s *Scheduler) markProcessed(ctx context.Context, filings []model.Filing) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupLimit)
	for _, f := range filings {
		g.Go(func() error {
			if err := s.kv.Put(gctx, ProcessedKey(f.ID), "true", ProcessedTTL); err != nil {
				return fmt.Errorf("mark processed %s: %w", f.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// safely runs fn, turning a panic into an error so one channel cannot take
// down the cycle from its own goroutine.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
