package ratelimitcore

import (
	"context"
	"errors"
	"sync"
)

// ErrOverCapacity is returned by a non-blocking Acquire when the model is
// already at max_concurrency.
var ErrOverCapacity = errors.New("over_capacity")

// ErrTimeout is returned by a blocking Acquire whose ctx deadline elapses
// before a permit frees up.
var ErrTimeout = errors.New("timeout")

// Permit represents one acquired concurrency slot. It must be released
// exactly once, via Gate.Release or by the holder dying (detected by the
// holder-monitoring watcher).
type Permit struct {
	model string
	done  chan struct{} // closed by Release; the watcher selects on it
	once  sync.Once
}

// Gate wraps Store with semaphore acquire/release semantics and holder
// monitoring (spec.md §4.E): every permit is paired with a watcher
// goroutine that releases it if the holder's liveness channel closes
// without an explicit Release first, so permits cannot leak silently.
type Gate struct {
	store *Store
}

// NewGate builds a Gate over store.
func NewGate(store *Store) *Gate {
	return &Gate{store: store}
}

// Acquire obtains a permit for model, blocking until one is free or ctx
// is cancelled (ErrTimeout), or — if nonBlocking is true — failing
// immediately with ErrOverCapacity when the model is already full.
//
// holderAlive, if non-nil, is watched by a supervised goroutine: if it
// closes before the caller calls Release on the returned permit, the
// permit is released automatically so a holder that dies abnormally
// never leaks its slot.
func (g *Gate) Acquire(ctx context.Context, model string, maxConcurrency int, nonBlocking bool, holderAlive <-chan struct{}) (*Permit, error) {
	st := g.store.stateFor(model)

	for {
		st.mu.Lock()
		// Re-applied on every call, not just the first, so a caller
		// recomputing maxConcurrency from the adaptive-ceiling logic
		// (ratelimit.Manager.effectiveMaxConcurrency) actually takes
		// effect instead of freezing at whatever the first caller passed.
		st.maxConcurrency = maxConcurrency
		if st.activePermits < st.maxConcurrency {
			st.activePermits++
			st.mu.Unlock()
			return g.monitor(model, holderAlive), nil
		}
		st.mu.Unlock()

		if nonBlocking {
			return nil, ErrOverCapacity
		}

		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-releaseSignal(st):
			// a slot may have freed; loop and re-check
		}
	}
}

// monitor spawns the supervised watcher that ties a permit's lifetime to
// holderAlive. Started under the caller's own supervision tree — the
// watcher goroutine is never fire-and-forget: its only job is to call
// Release, which is itself idempotent, so a missed or duplicate signal
// is harmless.
func (g *Gate) monitor(model string, holderAlive <-chan struct{}) *Permit {
	p := &Permit{model: model, done: make(chan struct{})}
	if holderAlive != nil {
		go func() {
			select {
			case <-holderAlive:
				g.Release(p)
			case <-p.done:
			}
		}()
	}
	return p
}

// Release frees p's slot. Idempotent: releasing an already-released
// permit is a no-op, satisfying the "single-release" invariant even
// under concurrent explicit-release and watcher-triggered release.
func (g *Gate) Release(p *Permit) {
	if p == nil {
		return
	}
	p.once.Do(func() {
		close(p.done)
		st := g.store.stateFor(p.model)
		st.mu.Lock()
		if st.activePermits > 0 {
			st.activePermits--
		}
		st.mu.Unlock()
		broadcastRelease(st)
	})
}

// releaseSignal and broadcastRelease implement a cheap per-model
// condition variable: waiters block on a channel that broadcastRelease
// closes and replaces whenever a permit frees up, waking every blocked
// Acquire to re-check the count.
var releaseChans sync.Map // *modelState -> chan struct{}

func releaseSignal(st *modelState) <-chan struct{} {
	if v, ok := releaseChans.Load(st); ok {
		return v.(chan struct{})
	}
	ch := make(chan struct{})
	actual, _ := releaseChans.LoadOrStore(st, ch)
	return actual.(chan struct{})
}

func broadcastRelease(st *modelState) {
	if v, ok := releaseChans.LoadAndDelete(st); ok {
		close(v.(chan struct{}))
	}
}
