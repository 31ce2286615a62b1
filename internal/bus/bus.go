package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/pkg/metrics"
)

var (
	ErrLaneFull    = errors.New("event lane full")
	ErrBusClosed   = errors.New("event bus closed")
	ErrBadPriority = errors.New("event priority out of range")
)

// Handler consumes events of one type. Handlers must not retain the
// event payload past the call.
type Handler func(ctx context.Context, e Event)

// subscription owns a serial queue so a slow handler cannot delay
// dispatch to other handlers. One consumer goroutine per subscription
// preserves per-type FIFO order for that handler.
type subscription struct {
	name       string
	eventType  EventType
	handler    Handler
	maxLatency time.Duration
	queue      chan Event

	breaches int64 // consecutive budget breaches
	degraded uint32
	dropped  uint64
	invoked  uint64
}

func (s *subscription) isDegraded() bool {
	return atomic.LoadUint32(&s.degraded) == 1
}

// Bus is the priority-laned dispatcher. Construct with New, register
// handlers with Subscribe, then Start.
type Bus struct {
	lanes        []*lane
	guard        int
	degradeAfter int
	queueSize    int
	defaultMax   time.Duration

	mu   sync.RWMutex
	subs map[EventType][]*subscription

	notify chan struct{}
	sem    *semaphore.Weighted
	logger *zap.Logger

	closed uint32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a bus from configuration. Lane i serves priority i+1.
func New(cfg config.BusConfig, logger *zap.Logger) *Bus {
	lanes := make([]*lane, len(cfg.Lanes))
	for i, lc := range cfg.Lanes {
		lanes[i] = newLane(lc.Capacity, parsePolicy(lc.Policy))
	}
	guard := cfg.StarvationGuard
	if guard <= 0 {
		guard = 64
	}
	degradeAfter := cfg.DegradeAfter
	if degradeAfter <= 0 {
		degradeAfter = 8
	}
	queueSize := cfg.HandlerQueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		lanes:        lanes,
		guard:        guard,
		degradeAfter: degradeAfter,
		queueSize:    queueSize,
		defaultMax:   cfg.DefaultMaxLatency,
		subs:         make(map[EventType][]*subscription),
		notify:       make(chan struct{}, 1),
		sem:          semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		logger:       logger.Named("bus"),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Publish enqueues e into the lane for its priority. It never blocks:
// a full reject lane returns ErrLaneFull, a full drop-oldest lane evicts
// its oldest event.
func (b *Bus) Publish(e Event) error {
	if atomic.LoadUint32(&b.closed) == 1 {
		return ErrBusClosed
	}
	if e.Priority < 1 || e.Priority > len(b.lanes) {
		return fmt.Errorf("%w: %d", ErrBadPriority, e.Priority)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.PublishedAt.IsZero() {
		e.PublishedAt = time.Now()
	}
	ln := b.lanes[e.Priority-1]
	admitted, evicted := ln.push(e)
	if !admitted {
		metrics.LaneDrops.WithLabelValues(strconv.Itoa(e.Priority), "rejected").Inc()
		return fmt.Errorf("%w: priority %d", ErrLaneFull, e.Priority)
	}
	if evicted {
		metrics.LaneDrops.WithLabelValues(strconv.Itoa(e.Priority), "dropped_oldest").Inc()
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers handler for eventType. maxLatency is the handler's
// per-invocation budget; zero applies the bus default. Must be called
// before Start publishes traffic for deterministic ordering, but is safe
// at any time.
func (b *Bus) Subscribe(name string, eventType EventType, maxLatency time.Duration, handler Handler) {
	if maxLatency <= 0 {
		maxLatency = b.defaultMax
	}
	sub := &subscription{
		name:       name,
		eventType:  eventType,
		handler:    handler,
		maxLatency: maxLatency,
		queue:      make(chan Event, b.queueSize),
	}
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runSubscriber(sub)
}

// Start launches the dispatch loop.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.dispatchLoop()
}

// Close stops accepting events, drains nothing, and waits for the
// dispatcher and subscribers to exit.
func (b *Bus) Close() {
	if !atomic.CompareAndSwapUint32(&b.closed, 0, 1) {
		return
	}
	b.cancel()
	b.wg.Wait()
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Priority  int
	Depth     int
	Published uint64
	Dropped   uint64
	Rejected  uint64
}

// Stats reports per-lane depths and the set of degraded handlers.
func (b *Bus) Stats() ([]LaneStats, []string) {
	stats := make([]LaneStats, len(b.lanes))
	for i, ln := range b.lanes {
		stats[i] = LaneStats{
			Priority:  i + 1,
			Depth:     ln.depth(),
			Published: atomic.LoadUint64(&ln.published),
			Dropped:   atomic.LoadUint64(&ln.dropped),
			Rejected:  atomic.LoadUint64(&ln.rejected),
		}
		metrics.LaneDepth.WithLabelValues(strconv.Itoa(i + 1)).Set(float64(stats[i].Depth))
	}
	var degraded []string
	b.mu.RLock()
	for _, subs := range b.subs {
		for _, s := range subs {
			if s.isDegraded() {
				degraded = append(degraded, s.name)
			}
		}
	}
	b.mu.RUnlock()
	return stats, degraded
}

// dispatchLoop drains lanes in strict priority order. After guard
// consecutive dispatches from the top lane, one slot is yielded to the
// highest non-empty lower lane so low-priority traffic cannot starve
// forever.
func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	topStreak := 0
	for {
		e, laneIdx, ok := b.next(topStreak >= b.guard)
		if !ok {
			select {
			case <-b.ctx.Done():
				return
			case <-b.notify:
				continue
			}
		}
		if laneIdx == 0 {
			topStreak++
		} else {
			topStreak = 0
		}
		b.deliver(e)
	}
}

// next pops the highest-priority queued event. When yield is set the
// scan starts at lane 2, giving lower lanes one slot.
func (b *Bus) next(yield bool) (Event, int, bool) {
	if yield {
		for i := 1; i < len(b.lanes); i++ {
			if e, ok := b.lanes[i].pop(); ok {
				return e, i, true
			}
		}
	}
	for i := 0; i < len(b.lanes); i++ {
		if e, ok := b.lanes[i].pop(); ok {
			return e, i, true
		}
	}
	return Event{}, 0, false
}

// deliver fans the event out to each subscriber's serial queue without
// blocking; a subscriber with a full queue loses the event (isolation).
func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	subs := b.subs[e.Type]
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.queue <- e:
		default:
			atomic.AddUint64(&sub.dropped, 1)
			b.logger.Warn("subscriber queue full, event dropped",
				zap.String("handler", sub.name),
				zap.String("event_type", string(e.Type)))
		}
	}
}

func (b *Bus) runSubscriber(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case e := <-sub.queue:
			if err := b.sem.Acquire(b.ctx, 1); err != nil {
				return
			}
			b.invoke(sub, e)
			b.sem.Release(1)
		}
	}
}

// invoke runs the handler with panic isolation and latency accounting.
// A panic is attributed and logged; dispatch continues. Repeated budget
// breaches flag the handler degraded but never block it.
func (b *Bus) invoke(sub *subscription, e Event) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		metrics.HandlerLatency.WithLabelValues(sub.name).Observe(elapsed.Seconds())
		atomic.AddUint64(&sub.invoked, 1)

		if r := recover(); r != nil {
			b.logger.Error("handler panic recovered",
				zap.String("handler", sub.name),
				zap.String("event_type", string(e.Type)),
				zap.Any("panic", r))
			return
		}

		if elapsed > sub.maxLatency {
			if atomic.AddInt64(&sub.breaches, 1) == int64(b.degradeAfter) {
				if atomic.CompareAndSwapUint32(&sub.degraded, 0, 1) {
					metrics.HandlersDegraded.Inc()
					b.logger.Warn("handler degraded: repeated latency budget breach",
						zap.String("handler", sub.name),
						zap.Duration("budget", sub.maxLatency),
						zap.Duration("last", elapsed))
				}
			}
		} else {
			atomic.StoreInt64(&sub.breaches, 0)
		}
	}()
	sub.handler(b.ctx, e)
}
