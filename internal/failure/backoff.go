package failure

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential retry delays with uniform jitter.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	// Jitter is the half-width of the uniform jitter band, expressed as a
	// fraction of BaseDelay.
	Jitter float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewBackoff returns a backoff with the given tuning; zero values fall back
// to the defaults (1s base, 60s cap, factor 2, 10% jitter).
func NewBackoff(base, max time.Duration, factor, jitter float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	if factor <= 0 {
		factor = 2.0
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{
		BaseDelay: base,
		MaxDelay:  max,
		Factor:    factor,
		Jitter:    jitter,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetDelay returns the delay before the given zero-based attempt:
// min(base * factor^attempt, max) plus uniform(-jitter, +jitter) * base,
// clipped at zero.
func (b *Backoff) GetDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.BaseDelay) * math.Pow(b.Factor, float64(attempt))
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter > 0 {
		b.mu.Lock()
		jitter := (b.rand.Float64()*2 - 1) * b.Jitter * float64(b.BaseDelay)
		b.mu.Unlock()
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
