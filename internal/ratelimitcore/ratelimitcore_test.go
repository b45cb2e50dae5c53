package ratelimitcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateNonBlockingOverCapacity(t *testing.T) {
	store := NewStore()
	gate := NewGate(store)
	ctx := context.Background()

	p1, err := gate.Acquire(ctx, "m", 1, true, nil)
	require.NoError(t, err)

	_, err = gate.Acquire(ctx, "m", 1, true, nil)
	assert.ErrorIs(t, err, ErrOverCapacity)

	gate.Release(p1)
}

func TestGateBlockingTimesOut(t *testing.T) {
	store := NewStore()
	gate := NewGate(store)
	ctx := context.Background()

	_, err := gate.Acquire(ctx, "m", 1, false, nil)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = gate.Acquire(shortCtx, "m", 1, false, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGateReleaseIsIdempotent(t *testing.T) {
	store := NewStore()
	gate := NewGate(store)
	p, err := gate.Acquire(context.Background(), "m", 1, true, nil)
	require.NoError(t, err)

	gate.Release(p)
	gate.Release(p)

	assert.Equal(t, 0, store.Snapshot("m").ActivePermits)
}

func TestGateHolderDeathReleasesPermit(t *testing.T) {
	store := NewStore()
	gate := NewGate(store)
	alive := make(chan struct{})

	_, err := gate.Acquire(context.Background(), "m", 1, true, alive)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Snapshot("m").ActivePermits)

	close(alive)

	require.Eventually(t, func() bool {
		return store.Snapshot("m").ActivePermits == 0
	}, time.Second, time.Millisecond)
}

func TestGateConcurrentAcquireNeverExceedsMax(t *testing.T) {
	store := NewStore()
	gate := NewGate(store)
	const max = 3
	const workers = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	peak := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			p, err := gate.Acquire(ctx, "m", max, false, nil)
			if err != nil {
				return
			}
			mu.Lock()
			if cur := store.Snapshot("m").ActivePermits; cur > peak {
				peak = cur
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			gate.Release(p)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, max)
}

func TestStoreRetryEmbargo(t *testing.T) {
	store := NewStore()
	until := time.Now().Add(50 * time.Millisecond)
	store.SetRetry("m", until, map[string]string{"quotaId": "q1"})

	assert.False(t, store.RetryUntil("m").IsZero())
	assert.Equal(t, 1, store.Recent429Count("m"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, store.RetryUntil("m").IsZero(), "embargo must clear once elapsed")
}

func TestStoreWindowRollAndBudget(t *testing.T) {
	store := NewStore()
	store.RecordUsage("m", 900, 1000)
	assert.True(t, store.WouldExceedBudget("m", 200, 1000, 1000))

	time.Sleep(1100 * time.Millisecond)
	assert.False(t, store.WouldExceedBudget("m", 200, 1000, 1000), "usage window should have rolled")
}
