// Package ratelimit tracks the rolling X posting quota in the key-value store.
//
// The window is refilled lazily: nothing runs in the background, and the
// first Check after the reset time restores the full quota.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"fcc_monitor/internal/storage"
)

// Storage keys.
const (
	KeyRemaining = "x_rate_limit_remaining"
	KeyReset     = "x_rate_limit_reset"
)

// Response headers carrying the server's view of the quota.
const (
	HeaderRemaining = "x-rate-limit-remaining"
	HeaderReset     = "x-rate-limit-reset"
)

// Policy holds the posting limits.
type Policy struct {
	// Max is the window capacity.
	Max    int
	Window time.Duration
	// Burst is the most posts sent in one batch.
	Burst int
	// SafetyBuffer is quota kept back for manual sends.
	SafetyBuffer int
}

// DefaultPolicy is 50 posts per 15 minutes, at most 5 per batch, keeping 10
// in reserve.
var DefaultPolicy = Policy{
	Max:          50,
	Window:       15 * time.Minute,
	Burst:        5,
	SafetyBuffer: 10,
}

// Postable returns how many of n posts may be sent now. The result may be
// zero or negative when the quota is at or below the safety buffer.
func (p Policy) Postable(s State, n int) int {
	return min(p.Burst, s.Remaining-p.SafetyBuffer, n)
}

// State is the current quota window.
type State struct {
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Limiter persists one quota window.
type Limiter struct {
	kv     storage.KV
	policy Policy
	now    func() time.Time
}

// New returns a Limiter using policy.
func New(kv storage.KV, policy Policy) *Limiter {
	return &Limiter{kv: kv, policy: policy, now: time.Now}
}

// SetClock replaces the limiter's clock.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Policy returns the limiter's policy.
func (l *Limiter) Policy() Policy { return l.policy }

// Check returns the current window, starting a new one when none is stored
// or the stored one has ended.
func (l *Limiter) Check(ctx context.Context) (State, error) {
	now := l.now()
	resetMS, err := storage.GetInt64(ctx, l.kv, KeyReset, 0)
	if err != nil {
		return State{}, fmt.Errorf("read reset time: %w", err)
	}

	if resetMS == 0 || now.UnixMilli() > resetMS {
		s := State{Remaining: l.policy.Max, ResetTime: time.UnixMilli(now.Add(l.policy.Window).UnixMilli())}
		if err := l.save(ctx, s); err != nil {
			return State{}, err
		}
		return s, nil
	}

	remaining, err := storage.GetInt64(ctx, l.kv, KeyRemaining, int64(l.policy.Max))
	if err != nil {
		return State{}, fmt.Errorf("read remaining: %w", err)
	}
	return State{Remaining: int(remaining), ResetTime: time.UnixMilli(resetMS)}, nil
}

// Consume subtracts n from the stored remaining count, never going below zero.
func (l *Limiter) Consume(ctx context.Context, n int) error {
	remaining, err := storage.GetInt64(ctx, l.kv, KeyRemaining, int64(l.policy.Max))
	if err != nil {
		return fmt.Errorf("read remaining: %w", err)
	}
	remaining = max(0, remaining-int64(n))
	if err := storage.PutInt64(ctx, l.kv, KeyRemaining, remaining); err != nil {
		return fmt.Errorf("write remaining: %w", err)
	}
	return nil
}

// ApplyHeaders overwrites local state with the values reported by the server.
// Headers that are absent or malformed are ignored.
func (l *Limiter) ApplyHeaders(ctx context.Context, h http.Header) error {
	if v := h.Get(HeaderRemaining); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if err := storage.PutInt64(ctx, l.kv, KeyRemaining, n); err != nil {
				return fmt.Errorf("write remaining: %w", err)
			}
		}
	}
	if v := h.Get(HeaderReset); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			if err := storage.PutInt64(ctx, l.kv, KeyReset, sec*1000); err != nil {
				return fmt.Errorf("write reset time: %w", err)
			}
		}
	}
	return nil
}

func (l *Limiter) save(ctx context.Context, s State) error {
	if err := storage.PutInt64(ctx, l.kv, KeyRemaining, int64(s.Remaining)); err != nil {
		return fmt.Errorf("write remaining: %w", err)
	}
	if err := storage.PutInt64(ctx, l.kv, KeyReset, s.ResetTime.UnixMilli()); err != nil {
		return fmt.Errorf("write reset time: %w", err)
	}
	return nil
}
