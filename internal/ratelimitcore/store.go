// Package ratelimitcore implements the State Store and Concurrency Gate
// the Rate-Limit Manager composes around every call: per-model permit
// counters, retry-until embargo deadlines, and rolling token-usage
// windows, all addressed by model name and updated atomically.
package ratelimitcore

import (
	"sync"
	"time"
)

// modelState is the per-model row of the store: permits, retry embargo,
// and the rolling usage window (spec.md §4.D).
type modelState struct {
	mu sync.Mutex

	maxConcurrency int
	activePermits  int

	retryUntil    time.Time
	retryMetadata map[string]string

	windowStart     time.Time
	tokensConsumed  int64
	recent429Count  int
}

// Snapshot is the observability view of one model's state (spec.md §4.D
// `snapshot(model)`).
type Snapshot struct {
	Model           string
	ActivePermits   int
	MaxConcurrency  int
	RetryUntil      time.Time
	WindowStart     time.Time
	TokensConsumed  int64
	Recent429Count  int
}

// Store is the shared, atomic map-of-maps keyed by model name.
type Store struct {
	mu     sync.RWMutex
	models map[string]*modelState
	now    func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		models: make(map[string]*modelState),
		now:    time.Now,
	}
}

func (s *Store) stateFor(model string) *modelState {
	s.mu.RLock()
	st, ok := s.models[model]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.models[model]; ok {
		return st
	}
	st = &modelState{retryMetadata: make(map[string]string)}
	s.models[model] = st
	return st
}

// rollWindow resets the usage window if it has elapsed. Must be called
// with st.mu held.
func (s *Store) rollWindow(st *modelState, windowMs int64) {
	now := s.now()
	if st.windowStart.IsZero() {
		st.windowStart = now
		return
	}
	if now.Sub(st.windowStart) >= time.Duration(windowMs)*time.Millisecond {
		st.windowStart = now
		st.tokensConsumed = 0
	}
}

// ClearRetryIfElapsed clears a model's retry embargo once its deadline
// has passed, opportunistically reclaiming the slot for the next check.
func (s *Store) ClearRetryIfElapsed(model string) {
	st := s.stateFor(model)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.retryUntil.IsZero() && !s.now().Before(st.retryUntil) {
		st.retryUntil = time.Time{}
		st.retryMetadata = make(map[string]string)
	}
}

// RetryUntil returns the model's current embargo deadline, the zero
// value if none is set.
func (s *Store) RetryUntil(model string) time.Time {
	s.ClearRetryIfElapsed(model)
	st := s.stateFor(model)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.retryUntil
}

// SetRetry records an embargo deadline for model, along with any
// RetryInfo metadata (quotaMetric, quotaId, ...) the Retry Manager
// extracted. Also increments the adaptive-signal 429 counter.
func (s *Store) SetRetry(model string, until time.Time, metadata map[string]string) {
	st := s.stateFor(model)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.retryUntil = until
	st.retryMetadata = metadata
	st.recent429Count++
}

// RecordUsage advances the rolling token-usage bucket for model,
// rolling the window first if it has elapsed.
func (s *Store) RecordUsage(model string, tokens int64, windowMs int64) {
	st := s.stateFor(model)
	st.mu.Lock()
	defer st.mu.Unlock()
	s.rollWindow(st, windowMs)
	st.tokensConsumed += tokens
}

// WouldExceedBudget reports whether consuming tokens more would put the
// model's rolling window over budget, rolling the window first.
func (s *Store) WouldExceedBudget(model string, tokens int64, budget int64, windowMs int64) bool {
	if budget <= 0 {
		return false
	}
	st := s.stateFor(model)
	st.mu.Lock()
	defer st.mu.Unlock()
	s.rollWindow(st, windowMs)
	return st.tokensConsumed+tokens > budget
}

// Snapshot returns the current observable state for model.
func (s *Store) Snapshot(model string) Snapshot {
	st := s.stateFor(model)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{
		Model:          model,
		ActivePermits:  st.activePermits,
		MaxConcurrency: st.maxConcurrency,
		RetryUntil:     st.retryUntil,
		WindowStart:    st.windowStart,
		TokensConsumed: st.tokensConsumed,
		Recent429Count: st.recent429Count,
	}
}

// Recent429Count is the adaptive-concurrency signal of spec.md §4.D: how
// many times this model has been rate-limited recently. The Rate-Limit
// Manager's adaptive ceiling consumes this to shrink max_concurrency
// under sustained pressure.
func (s *Store) Recent429Count(model string) int {
	st := s.stateFor(model)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.recent429Count
}

// DecayRecent429Count halves the counter. The Rate-Limit Manager calls it
// after an Execute call that succeeded without a retry, and from
// StreamPermit.Finish when a stream's usage was reported.
func (s *Store) DecayRecent429Count(model string) {
	st := s.stateFor(model)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.recent429Count /= 2
}
