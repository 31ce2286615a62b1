// Package audit keeps a bounded in-memory trail of risk events. Breaker
// trips and protection escalations are recorded here at CRITICAL
// severity and forwarded to the observability collector by the caller.
package audit

import (
	"sync"
	"time"
)

// Severities for recorded events.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Event kinds.
const (
	KindBreakerTrip    = "breaker_trip"
	KindEscalation     = "protection_escalation"
	KindDeescalation   = "protection_deescalation"
	KindEmergencyStop  = "emergency_stop"
	KindEmergencyClear = "emergency_clear"
)

// Event is one audit trail record.
type Event struct {
	At       time.Time         `json:"at"`
	Severity string            `json:"severity"`
	Kind     string            `json:"kind"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

// Ring is a fixed-capacity event buffer; the oldest record is
// overwritten when full.
type Ring struct {
	mu    sync.Mutex
	buf   []Event
	head  int
	count int
}

// NewRing allocates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{buf: make([]Event, capacity)}
}

// Append records an event, evicting the oldest when full.
func (r *Ring) Append(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r.mu.Lock()
	if r.count == len(r.buf) {
		r.buf[r.head] = e
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.buf[(r.head+r.count)%len(r.buf)] = e
		r.count++
	}
	r.mu.Unlock()
}

// Recent returns up to n events, oldest first.
func (r *Ring) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Event, 0, n)
	start := r.count - n
	for i := start; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// Len returns the number of buffered events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
