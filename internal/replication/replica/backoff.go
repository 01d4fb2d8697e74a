package replica

import (
	"math/rand"
	"sync"
	"time"
)

const (
	initialBackoff = time.Second
	backoffFactor  = 2
	backoffCeiling = 60 * time.Second
	jitterFraction = 0.25
)

// Backoff implements the exponential-with-jitter delay schedule replica
// agents use between failed sync attempts.
type Backoff struct {
	mu       sync.Mutex
	current  time.Duration
	attempts int
	rng      *rand.Rand
}

// NewBackoff returns a Backoff starting at its initial value.
func NewBackoff() *Backoff {
	return &Backoff{
		current: initialBackoff,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the current delay with uniform jitter of +/-25%, then
// advances the current delay by backoffFactor, capped at backoffCeiling.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := b.current
	jitter := 1 + (b.rng.Float64()*2-1)*jitterFraction
	delay := time.Duration(float64(base) * jitter)

	next := time.Duration(float64(b.current) * backoffFactor)
	if next > backoffCeiling {
		next = backoffCeiling
	}
	b.current = next
	b.attempts++

	if delay < 0 {
		delay = 0
	}
	return delay
}

// Reset returns the backoff to its initial value and zeroes the attempt count.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = initialBackoff
	b.attempts = 0
}

// Attempts returns the number of times Next has been called since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
