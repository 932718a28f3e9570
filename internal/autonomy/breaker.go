package autonomy

import (
	"sync"
	"time"

	"holt.is/bulwark/internal/clock"
)

// Breaker is the global circuit breaker: more than Count autonomous
// deployments inside the trailing Window trips it, switching autonomy to
// alert-only until an operator resets it. Tripping is sticky across
// restarts via the store.
type Breaker struct {
	mu      sync.Mutex
	count   int
	window  time.Duration
	stamps  []time.Time
	tripped bool
}

// NewBreaker creates a breaker allowing count deployments per window.
func NewBreaker(count int, window time.Duration) *Breaker {
	if count <= 0 {
		count = 5
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Breaker{count: count, window: window}
}

// Check reports whether another deployment may proceed. When the window
// already holds the full budget the breaker trips and refuses; once
// tripped everything is refused until Reset.
func (b *Breaker) Check() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return false
	}
	b.prune()
	if len(b.stamps) >= b.count {
		b.tripped = true
		return false
	}
	return true
}

// Record counts one autonomous deployment against the window. Only real
// deployments consume budget; gate-suppressed attempts do not.
func (b *Breaker) Record() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()
	b.stamps = append(b.stamps, clock.Now())
}

func (b *Breaker) prune() {
	cutoff := clock.Now().Add(-b.window)
	kept := b.stamps[:0]
	for _, t := range b.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.stamps = kept
}

// Tripped reports the breaker state.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Trip forces the breaker open (catastrophic failures).
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = true
}

// Reset closes the breaker; operator action only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.stamps = nil
}

// rateWindow is the independent global creation rate limit (per minute),
// separate from the breaker.
type rateWindow struct {
	mu     sync.Mutex
	limit  int
	stamps []time.Time
}

func newRateWindow(perMinute int) *rateWindow {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &rateWindow{limit: perMinute}
}

func (r *rateWindow) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := clock.Now()
	cutoff := now.Add(-time.Minute)
	kept := r.stamps[:0]
	for _, t := range r.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.stamps = kept
	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
