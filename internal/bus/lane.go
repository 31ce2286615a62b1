package bus

import (
	"sync"
	"sync/atomic"
)

// lanePolicy is the backpressure policy applied when a lane is full.
type lanePolicy int

const (
	// policyReject fails the publish loudly. Used for critical lanes.
	policyReject lanePolicy = iota
	// policyDropOldest evicts the oldest queued event to admit the new
	// one. Used for telemetry / low-priority lanes.
	policyDropOldest
)

func parsePolicy(s string) lanePolicy {
	if s == "drop_oldest" {
		return policyDropOldest
	}
	return policyReject
}

// lane is one bounded priority queue. A mutex-guarded ring keeps
// drop-oldest atomic with respect to concurrent publishers.
type lane struct {
	mu       sync.Mutex
	buf      []Event
	head     int
	count    int
	capacity int
	policy   lanePolicy

	published uint64
	dropped   uint64
	rejected  uint64
}

func newLane(capacity int, policy lanePolicy) *lane {
	return &lane{
		buf:      make([]Event, capacity),
		capacity: capacity,
		policy:   policy,
	}
}

// push enqueues without blocking. admitted is false when the lane is
// full and the policy is reject; evicted is true when drop-oldest made
// room for the new event.
func (l *lane) push(e Event) (admitted, evicted bool) {
	l.mu.Lock()
	if l.count == l.capacity {
		if l.policy == policyReject {
			l.mu.Unlock()
			atomic.AddUint64(&l.rejected, 1)
			return false, false
		}
		// Drop the oldest to make room.
		l.head = (l.head + 1) % l.capacity
		l.count--
		evicted = true
		atomic.AddUint64(&l.dropped, 1)
	}
	l.buf[(l.head+l.count)%l.capacity] = e
	l.count++
	l.mu.Unlock()
	atomic.AddUint64(&l.published, 1)
	return true, evicted
}

func (l *lane) pop() (Event, bool) {
	l.mu.Lock()
	if l.count == 0 {
		l.mu.Unlock()
		return Event{}, false
	}
	e := l.buf[l.head]
	l.buf[l.head] = Event{}
	l.head = (l.head + 1) % l.capacity
	l.count--
	l.mu.Unlock()
	return e, true
}

func (l *lane) depth() int {
	l.mu.Lock()
	d := l.count
	l.mu.Unlock()
	return d
}
