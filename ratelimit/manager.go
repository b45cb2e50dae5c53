// Package ratelimit implements the Rate-Limit Manager of spec.md §4.G:
// it composes the State Store, Concurrency Gate, and Retry Manager
// around a unary or streaming operation, applying the retry-embargo
// check, budget pre-check, permit acquisition, and usage recording in
// order.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/nshkrdotcom/gemini-go/config"
	"github.com/nshkrdotcom/gemini-go/internal/ratelimitcore"
	"github.com/nshkrdotcom/gemini-go/retry"
)

// Opts are the per-call knobs spec.md §4.G reads from.
type Opts struct {
	EstimatedInputTokens int64
	TokenBudgetPerWindow int64 // 0 means "use config default"
	NonBlocking          bool
	HolderAlive          <-chan struct{}
}

// OpResult is what the wrapped operation returns: a result plus
// optional usage (total tokens actually consumed, if the server
// reported it).
type OpResult struct {
	Value        any
	UsageTokens  int64
	HasUsage     bool
}

// Manager is the Rate-Limit Manager for one client.
type Manager struct {
	Store   *ratelimitcore.Store
	Gate    *ratelimitcore.Gate
	Profile config.RateLimitProfile
}

// NewManager builds a Manager backed by a fresh Store and Gate.
func NewManager(profile config.RateLimitProfile) *Manager {
	store := ratelimitcore.NewStore()
	return &Manager{
		Store:   store,
		Gate:    ratelimitcore.NewGate(store),
		Profile: profile,
	}
}

// Execute runs op for model under the full rate-limit pipeline: embargo
// check, budget pre-check, permit acquisition, execution (with the
// Retry Manager classifying failures and this function sleeping and
// retrying while the permit is retained), and usage recording +
// release exactly once.
//
// op's classify function receives the raw error from the wrapped
// request and must return a *retry.Result; fatal/ok results stop the
// loop, retry results sleep for RetryInfo.AfterMs (or, if classify
// can't determine a delay, the caller's own backoff) and loop.
func (m *Manager) Execute(ctx context.Context, model string, opts Opts, op func(attempt int) (OpResult, *retry.Result, error)) (OpResult, error) {
	if m.Profile.DisableRateLimiter {
		res, _, err := op(1)
		return res, err
	}

	if err := m.checkEmbargo(ctx, model, opts.NonBlocking); err != nil {
		return OpResult{}, err
	}

	budget := opts.TokenBudgetPerWindow
	if budget == 0 {
		budget = m.Profile.TokenBudgetPerWindow
	}
	windowMs := m.Profile.WindowDurationMs
	if windowMs == 0 {
		windowMs = 60000
	}
	if budget > 0 && m.Store.WouldExceedBudget(model, opts.EstimatedInputTokens, budget, windowMs) {
		if opts.NonBlocking {
			return OpResult{}, apierror.New(apierror.KindOverBudget, "over_budget", nil)
		}
		if err := m.waitForNextWindow(ctx, model, windowMs); err != nil {
			return OpResult{}, err
		}
	}

	maxConcurrency := m.effectiveMaxConcurrency(model)
	permit, err := m.Gate.Acquire(ctx, model, maxConcurrency, opts.NonBlocking, opts.HolderAlive)
	if err != nil {
		if errors.Is(err, ratelimitcore.ErrOverCapacity) {
			return OpResult{}, apierror.New(apierror.KindOverCapacity, "over_capacity", err)
		}
		return OpResult{}, apierror.New(apierror.KindTimeout, "timeout", err)
	}
	defer m.Gate.Release(permit)

	maxAttempts := m.Profile.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}

	var result OpResult
	retried := false
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var classification *retry.Result
		result, classification, err = op(attempt)

		if err == nil && classification == nil {
			break
		}
		if classification == nil {
			return OpResult{}, err
		}

		switch classification.Classification {
		case retry.ClassificationOK:
			err = nil
		case retry.ClassificationFatal:
			return OpResult{}, err
		case retry.ClassificationRetry:
			retried = true
			until := time.Now().Add(time.Duration(classification.RetryInfo.AfterMs) * time.Millisecond)
			m.Store.SetRetry(model, until, map[string]string{
				"quotaMetric": classification.RetryInfo.QuotaMetric,
				"quotaId":     classification.RetryInfo.QuotaID,
			})
			if attempt == maxAttempts {
				return OpResult{}, err
			}
			if sleepErr := m.sleepUntil(ctx, until); sleepErr != nil {
				return OpResult{}, sleepErr
			}
			continue
		}
		break
	}

	tokens := result.UsageTokens
	if !result.HasUsage {
		tokens = opts.EstimatedInputTokens
	}
	m.Store.RecordUsage(model, tokens, windowMs)
	if err == nil && !retried {
		// SUPPLEMENTED FEATURE 1's recovery half: every completion that
		// needed no retry decays recent_429_count, letting
		// effectiveMaxConcurrency climb back toward the configured max once
		// a model stops 429'ing. A call that itself hit a retry leaves the
		// count it just raised in place.
		m.Store.DecayRecent429Count(model)
	}

	return result, err
}

// effectiveMaxConcurrency applies the adaptive-concurrency ceiling
// (spec.md's SUPPLEMENTED FEATURE 1): when enabled, a model's recent
// 429 count shrinks its effective ceiling down to AdaptiveCeiling,
// recovering back to the configured max as the count decays.
func (m *Manager) effectiveMaxConcurrency(model string) int {
	max := m.Profile.MaxConcurrencyPerModel
	if max == 0 {
		max = 1
	}
	if !m.Profile.AdaptiveConcurrency {
		return max
	}
	if m.Store.Recent429Count(model) == 0 {
		return max
	}
	if m.Profile.AdaptiveCeiling > 0 && m.Profile.AdaptiveCeiling < max {
		return m.Profile.AdaptiveCeiling
	}
	return max
}

func (m *Manager) checkEmbargo(ctx context.Context, model string, nonBlocking bool) error {
	until := m.Store.RetryUntil(model)
	if until.IsZero() || !time.Now().Before(until) {
		return nil
	}
	if nonBlocking {
		return apierror.New(apierror.KindOverEmbargo, "over_embargo", nil)
	}
	return m.sleepUntil(ctx, until)
}

func (m *Manager) sleepUntil(ctx context.Context, until time.Time) error {
	d := time.Until(until)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waitForNextWindow parks until the current usage window rolls over, a
// bounded wait (at most windowMs) used only in blocking mode.
func (m *Manager) waitForNextWindow(ctx context.Context, model string, windowMs int64) error {
	_ = model
	timer := time.NewTimer(time.Duration(windowMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Snapshot exposes the State Store's observability view for model,
// feeding the Prometheus gauges wired in package telemetry
// (SUPPLEMENTED FEATURE 2).
func (m *Manager) Snapshot(model string) ratelimitcore.Snapshot {
	return m.Store.Snapshot(model)
}

// StreamPermit ties one streaming or tool-orchestrated call's concurrency
// permit to its eventual usage recording. Unlike Execute, the wrapped
// work runs in a goroutine the caller doesn't block on, so AcquireForStream
// hands back a token the caller calls Finish on once it learns the
// stream's outcome, instead of Execute's single synchronous call.
type StreamPermit struct {
	mgr       *Manager
	model     string
	permit    *ratelimitcore.Permit
	windowMs  int64
	estimated int64
	released  sync.Once
}

// AcquireForStream runs the same embargo check, budget pre-check, and
// permit acquisition Execute performs, but returns immediately with a
// StreamPermit instead of blocking on an operation closure — for
// streaming and tool-orchestrated calls, whose completion the caller
// only learns about later, from inside another goroutine (spec.md's
// streaming variant: "release_fn is invoked... carrying final usage").
//
// holderAlive, if non-nil, is forwarded to the Concurrency Gate the same
// way Execute does: if the holder dies without ever calling Finish, the
// permit is still released automatically.
func (m *Manager) AcquireForStream(ctx context.Context, model string, opts Opts, holderAlive <-chan struct{}) (*StreamPermit, error) {
	if m.Profile.DisableRateLimiter {
		return &StreamPermit{model: model}, nil
	}

	if err := m.checkEmbargo(ctx, model, opts.NonBlocking); err != nil {
		return nil, err
	}

	budget := opts.TokenBudgetPerWindow
	if budget == 0 {
		budget = m.Profile.TokenBudgetPerWindow
	}
	windowMs := m.Profile.WindowDurationMs
	if windowMs == 0 {
		windowMs = 60000
	}
	if budget > 0 && m.Store.WouldExceedBudget(model, opts.EstimatedInputTokens, budget, windowMs) {
		if opts.NonBlocking {
			return nil, apierror.New(apierror.KindOverBudget, "over_budget", nil)
		}
		if err := m.waitForNextWindow(ctx, model, windowMs); err != nil {
			return nil, err
		}
	}

	maxConcurrency := m.effectiveMaxConcurrency(model)
	permit, err := m.Gate.Acquire(ctx, model, maxConcurrency, opts.NonBlocking, holderAlive)
	if err != nil {
		if errors.Is(err, ratelimitcore.ErrOverCapacity) {
			return nil, apierror.New(apierror.KindOverCapacity, "over_capacity", err)
		}
		return nil, apierror.New(apierror.KindTimeout, "timeout", err)
	}

	return &StreamPermit{
		mgr:       m,
		model:     model,
		permit:    permit,
		windowMs:  windowMs,
		estimated: opts.EstimatedInputTokens,
	}, nil
}

// Finish releases the permit and records usage exactly once: usageTokens
// if the caller learned the stream's real usage, the pre-flight estimate
// otherwise. A clean completion (hasUsage true) also decays
// recent_429_count, the same recovery Execute applies on success. Safe
// to call more than once — e.g. once from the stream's normal completion
// and once from a deferred safety net — only the first call does
// anything.
func (p *StreamPermit) Finish(usageTokens int64, hasUsage bool) {
	p.released.Do(func() {
		if p.mgr == nil {
			return
		}
		tokens := usageTokens
		if !hasUsage {
			tokens = p.estimated
		}
		p.mgr.Store.RecordUsage(p.model, tokens, p.windowMs)
		if hasUsage {
			p.mgr.Store.DecayRecent429Count(p.model)
		}
		if p.permit != nil {
			p.mgr.Gate.Release(p.permit)
		}
	})
}
