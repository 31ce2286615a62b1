// Package cache implements the tiered, TTL-bounded state cache sitting in
// front of the order index and the market data feed. The L1 tier is an
// in-process map; an optional L2 tier backed by redis can be layered
// behind it. Cached values are strictly derivatives of index state and
// are invalidated write-through by index mutations.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/pkg/metrics"
)

// Kind identifies the three cached value kinds. Each kind carries its own
// default TTL.
type Kind string

const (
	KindTick     Kind = "tick"
	KindOrder    Kind = "order"
	KindPosition Kind = "position"
)

// Key constructors. Keys are "<kind>:<scope...>" so prefix invalidation
// can target one (exchange, symbol).
func TickKey(exchange, symbol string) string     { return "tick:" + exchange + ":" + symbol }
func OrderKey(id uuid.UUID) string               { return "order:" + id.String() }
func PositionKey(exchange, symbol string) string { return "position:" + exchange + ":" + symbol }

// KindOf extracts the kind prefix from a cache key.
func KindOf(key string) Kind {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return Kind(key[:i])
	}
	return Kind(key)
}

// Loader produces a value on a cache miss. It may block on I/O and must
// honor context cancellation.
type Loader func(ctx context.Context) (any, error)

type entry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
	gen        uint64
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Loads      uint64
	LoadErrors uint64
	Evictions  uint64
}

// StateCache is the tiered state cache. All methods are safe for
// concurrent use.
type StateCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	// gens guards against a cancelled or slow loader clobbering a value
	// written after the load began. Invalidation bumps the generation;
	// a load only commits if the generation is unchanged.
	gens     map[string]uint64
	inflight map[string]int

	ttls          map[Kind]time.Duration
	sweepInterval time.Duration

	flight singleflight.Group
	l2     *L2Tier
	logger *zap.Logger

	hits       uint64
	misses     uint64
	loads      uint64
	loadErrors uint64
	evictions  uint64

	started atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	done    chan struct{}
}

// New builds a StateCache from configuration. l2 may be nil, in which
// case the cache runs with the L1 tier only.
func New(cfg config.CacheConfig, l2 *L2Tier, logger *zap.Logger) *StateCache {
	c := &StateCache{
		entries:  make(map[string]entry),
		gens:     make(map[string]uint64),
		inflight: make(map[string]int),
		ttls: map[Kind]time.Duration{
			KindTick:     cfg.TickTTL,
			KindOrder:    cfg.OrderTTL,
			KindPosition: cfg.PositionTTL,
		},
		sweepInterval: cfg.SweepInterval,
		l2:            l2,
		logger:        logger.Named("cache"),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	return c
}

// TTLFor returns the default TTL for a kind.
func (c *StateCache) TTLFor(kind Kind) time.Duration {
	if ttl, ok := c.ttls[kind]; ok && ttl > 0 {
		return ttl
	}
	return time.Millisecond
}

// Get returns the cached value for key. A value older than its TTL is a
// miss even if the sweep has not evicted it yet.
func (c *StateCache) Get(key string) (any, bool) {
	now := time.Now()
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || e.expired(now) {
		if ok {
			c.deleteExpired(key, e.insertedAt)
		}
		atomic.AddUint64(&c.misses, 1)
		metrics.CacheMisses.WithLabelValues(string(KindOf(key))).Inc()
		return nil, false
	}
	atomic.AddUint64(&c.hits, 1)
	metrics.CacheHits.WithLabelValues(string(KindOf(key))).Inc()
	return e.value, true
}

// Set stores value under key with the kind's default TTL.
func (c *StateCache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.TTLFor(KindOf(key)))
}

// SetWithTTL stores value under key with an explicit TTL. Like
// Invalidate, it bumps the key's generation so a load that began before
// the write cannot commit over it.
func (c *StateCache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.gens[key]++
	c.entries[key] = entry{value: value, insertedAt: time.Now(), ttl: ttl, gen: c.gens[key]}
	c.mu.Unlock()
	if c.l2 != nil {
		c.l2.set(key, value)
	}
}

// GetOrLoad returns the cached value or invokes loader exactly once per
// key across concurrent callers (single-flight). Loader errors propagate
// and nothing is cached for the key. A caller whose context is cancelled
// stops waiting; the in-flight load continues for the remaining callers.
func (c *StateCache) GetOrLoad(ctx context.Context, key string, loader Loader) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	kind := string(KindOf(key))
	c.trackFlight(key, 1)
	ch := c.flight.DoChan(key, func() (any, error) {
		gen := c.generation(key)

		if c.l2 != nil {
			if v, ok := c.l2.get(ctx, key); ok {
				c.commit(key, v, gen)
				return v, nil
			}
		}

		v, err := loader(ctx)
		if err != nil {
			atomic.AddUint64(&c.loadErrors, 1)
			metrics.CacheLoads.WithLabelValues(kind, "error").Inc()
			return nil, err
		}
		atomic.AddUint64(&c.loads, 1)
		metrics.CacheLoads.WithLabelValues(kind, "ok").Inc()
		c.commit(key, v, gen)
		if c.l2 != nil {
			c.l2.set(key, v)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		c.trackFlight(key, -1)
		return nil, ctx.Err()
	case res := <-ch:
		c.trackFlight(key, -1)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	}
}

// Invalidate evicts key from both tiers and bumps its generation so any
// in-flight load for the key cannot commit a stale value. Called
// synchronously by index mutations before they return.
func (c *StateCache) Invalidate(key string) {
	c.mu.Lock()
	c.gens[key]++
	delete(c.entries, key)
	c.mu.Unlock()
	if c.l2 != nil {
		c.l2.del(key)
	}
}

// InvalidatePrefix evicts every key under scope (e.g. "order:" or
// "tick:binance:BTCUSDT").
func (c *StateCache) InvalidatePrefix(scope string) {
	var evicted []string
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, scope) {
			c.gens[key]++
			delete(c.entries, key)
			evicted = append(evicted, key)
		}
	}
	c.mu.Unlock()
	if c.l2 != nil && len(evicted) > 0 {
		c.l2.del(evicted...)
	}
}

// WarmUp seeds hot keys ahead of traffic.
func (c *StateCache) WarmUp(seed map[string]any) {
	for key, value := range seed {
		c.Set(key, value)
	}
	c.logger.Info("cache warmed", zap.Int("keys", len(seed)))
}

// Start launches the periodic sweep that bounds growth from cold keys.
func (c *StateCache) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.sweepLoop()
}

// Close stops the sweep loop.
func (c *StateCache) Close() {
	c.stopped.Do(func() { close(c.stopCh) })
	if c.started.Load() {
		<-c.done
	}
}

// Snapshot returns the current counter values.
func (c *StateCache) Snapshot() Stats {
	return Stats{
		Hits:       atomic.LoadUint64(&c.hits),
		Misses:     atomic.LoadUint64(&c.misses),
		Loads:      atomic.LoadUint64(&c.loads),
		LoadErrors: atomic.LoadUint64(&c.loadErrors),
		Evictions:  atomic.LoadUint64(&c.evictions),
	}
}

func (c *StateCache) sweepLoop() {
	defer close(c.done)
	interval := c.sweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *StateCache) sweep(now time.Time) {
	var evicted uint64
	c.mu.Lock()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			evicted++
		}
	}
	// Drop generation markers for keys with no entry and no in-flight
	// load; they no longer guard anything.
	for key := range c.gens {
		if _, live := c.entries[key]; !live && c.inflight[key] == 0 {
			delete(c.gens, key)
		}
	}
	c.mu.Unlock()
	if evicted > 0 {
		atomic.AddUint64(&c.evictions, evicted)
	}
}

// deleteExpired removes an entry observed expired on read, but only if it
// has not been replaced since.
func (c *StateCache) deleteExpired(key string, insertedAt time.Time) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.insertedAt.Equal(insertedAt) {
		delete(c.entries, key)
		atomic.AddUint64(&c.evictions, 1)
	}
	c.mu.Unlock()
}

// commit stores a loaded value unless the key was invalidated while the
// load was in flight.
func (c *StateCache) commit(key string, value any, gen uint64) {
	c.mu.Lock()
	if c.gens[key] == gen {
		c.entries[key] = entry{value: value, insertedAt: time.Now(), ttl: c.TTLFor(KindOf(key)), gen: gen}
	}
	c.mu.Unlock()
}

func (c *StateCache) generation(key string) uint64 {
	c.mu.RLock()
	gen := c.gens[key]
	c.mu.RUnlock()
	return gen
}

func (c *StateCache) trackFlight(key string, delta int) {
	c.mu.Lock()
	c.inflight[key] += delta
	if c.inflight[key] <= 0 {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}
