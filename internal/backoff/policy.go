// Package backoff provides exponential backoff utilities with jitter for
// the retry logic in package retry.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	Jitter    float64
}

// Compute calculates the backoff duration for a given attempt number (1-indexed).
// base = InitialMs * Factor^(attempt-1); jitter = base * Jitter * random();
// result = min(MaxMs, base + jitter).
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with an injectable random value in [0.0, 1.0)
// for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy returns a sensible default backoff policy.
// Initial: 200ms, Max: 30s, Factor: 2, Jitter: 20%.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 200, MaxMs: 30000, Factor: 2, Jitter: 0.2}
}
