package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeWithRandIsDeterministic(t *testing.T) {
	p := Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0}
	assert.Equal(t, 100*time.Millisecond, ComputeWithRand(p, 1, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeWithRand(p, 2, 0))
	assert.Equal(t, 400*time.Millisecond, ComputeWithRand(p, 3, 0))
}

func TestComputeWithRandClampsToMax(t *testing.T) {
	p := Policy{InitialMs: 1000, MaxMs: 1500, Factor: 10, Jitter: 0}
	assert.Equal(t, 1500*time.Millisecond, ComputeWithRand(p, 5, 0))
}
