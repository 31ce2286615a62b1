package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/pkg/metrics"
)

type breakerSample struct {
	at    time.Time
	value decimal.Decimal
}

// CircuitBreaker trips when the sum of recorded values inside its
// rolling window exceeds the threshold. Once tripped it stays tripped
// for the full cooldown regardless of metric recovery: the release is
// time-based, never metric-based.
type CircuitBreaker struct {
	name      string
	threshold decimal.Decimal
	window    time.Duration
	cooldown  time.Duration

	mu        sync.Mutex
	samples   []breakerSample
	trippedAt time.Time
	trips     uint64

	clock func() time.Time
}

// NewCircuitBreaker builds a breaker from configuration.
func NewCircuitBreaker(cfg config.BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:      cfg.Name,
		threshold: decimal.NewFromFloat(cfg.Threshold),
		window:    cfg.Window,
		cooldown:  cfg.Cooldown,
		clock:     time.Now,
	}
}

// Name returns the breaker's configured name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Check records a metric observation and returns the tripped state.
// While tripped, observations are discarded; once the cooldown elapses
// the window starts fresh.
func (cb *CircuitBreaker) Check(value decimal.Decimal) bool {
	now := cb.clock()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.trippedAt.IsZero() {
		if now.Sub(cb.trippedAt) < cb.cooldown {
			return true
		}
		// Cooldown elapsed; reset and start a fresh window.
		cb.trippedAt = time.Time{}
		cb.samples = cb.samples[:0]
		metrics.BreakerTripped.WithLabelValues(cb.name).Set(0)
	}

	cb.samples = append(cb.samples, breakerSample{at: now, value: value})
	cb.pruneLocked(now)

	sum := decimal.Zero
	for _, s := range cb.samples {
		sum = sum.Add(s.value)
	}
	if sum.GreaterThan(cb.threshold) {
		cb.trippedAt = now
		cb.trips++
		metrics.BreakerTripped.WithLabelValues(cb.name).Set(1)
		return true
	}
	return false
}

// Tripped reports whether the breaker currently blocks trading.
func (cb *CircuitBreaker) Tripped() bool {
	now := cb.clock()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !cb.trippedAt.IsZero() && now.Sub(cb.trippedAt) < cb.cooldown
}

// TrippedAt returns the trip time, if tripped.
func (cb *CircuitBreaker) TrippedAt() (time.Time, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.trippedAt.IsZero() {
		return time.Time{}, false
	}
	return cb.trippedAt, true
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.window)
	keep := cb.samples[:0]
	for _, s := range cb.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	cb.samples = keep
}
