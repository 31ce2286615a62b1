// Package index is the canonical store of orders and positions: a hash
// map by id plus a price-sorted secondary index per (exchange, symbol,
// side). State is partitioned per (exchange, symbol); consistency is
// guaranteed within a partition, never across partitions.
package index

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velocimex/hftcore/internal/cache"
	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/internal/model"
)

var (
	ErrOrderExists   = errors.New("order id already exists")
	ErrOrderNotFound = errors.New("order not found")
	// ErrIntegrity marks a primary/secondary mismatch. The partition is
	// unusable until RebuildPartition runs.
	ErrIntegrity = errors.New("order index integrity violation")
)

// Invalidator receives write-through cache invalidations. Satisfied by
// *cache.StateCache.
type Invalidator interface {
	Invalidate(key string)
	InvalidatePrefix(scope string)
}

type partitionKey struct {
	exchange string
	symbol   string
}

// OrderIndex is the single source of truth for order and position state.
type OrderIndex struct {
	mu    sync.RWMutex
	parts map[partitionKey]*partition
	byID  map[uuid.UUID]partitionKey

	inv    Invalidator
	logger *zap.Logger

	grace           time.Duration
	cleanupInterval time.Duration

	started atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	done    chan struct{}
}

// New builds an empty index. inv may be nil when no cache is attached.
func New(cfg config.IndexConfig, inv Invalidator, logger *zap.Logger) *OrderIndex {
	return &OrderIndex{
		parts:           make(map[partitionKey]*partition),
		byID:            make(map[uuid.UUID]partitionKey),
		inv:             inv,
		logger:          logger.Named("index"),
		grace:           cfg.TerminalGrace,
		cleanupInterval: cfg.CleanupInterval,
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (x *OrderIndex) partitionFor(exchange, symbol string, create bool) *partition {
	key := partitionKey{exchange: exchange, symbol: symbol}
	x.mu.RLock()
	p := x.parts[key]
	x.mu.RUnlock()
	if p != nil || !create {
		return p
	}
	x.mu.Lock()
	if p = x.parts[key]; p == nil {
		p = newPartition(exchange, symbol)
		x.parts[key] = p
	}
	x.mu.Unlock()
	return p
}

func (x *OrderIndex) lookup(id uuid.UUID) *partition {
	x.mu.RLock()
	key, ok := x.byID[id]
	p := x.parts[key]
	x.mu.RUnlock()
	if !ok {
		return nil
	}
	return p
}

// AddOrder inserts a new order: O(1) into the primary map, O(log n) into
// the price-sorted secondary index, atomically under the partition lock.
func (x *OrderIndex) AddOrder(o *model.OrderRecord) error {
	if o.Side != model.OrderSideBuy && o.Side != model.OrderSideSell {
		return fmt.Errorf("invalid order side %q", o.Side)
	}
	rec := o.Clone()
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.OrderStatusPending
	}

	p := x.partitionFor(rec.Exchange, rec.Symbol, true)
	p.mu.Lock()
	if p.broken {
		p.mu.Unlock()
		return fmt.Errorf("%w: partition %s/%s", ErrIntegrity, rec.Exchange, rec.Symbol)
	}
	if _, dup := p.orders[rec.ID]; dup {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOrderExists, rec.ID)
	}
	p.orders[rec.ID] = rec
	if !rec.IsTerminal() {
		p.bookInsert(rec)
	}
	p.mu.Unlock()

	x.mu.Lock()
	x.byID[rec.ID] = partitionKey{exchange: rec.Exchange, symbol: rec.Symbol}
	x.mu.Unlock()

	x.invalidateOrder(rec)
	return nil
}

// GetOrder returns a copy of the order, O(1).
func (x *OrderIndex) GetOrder(id uuid.UUID) (*model.OrderRecord, bool) {
	p := x.lookup(id)
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	o, ok := p.orders[id]
	if !ok {
		p.mu.RUnlock()
		return nil, false
	}
	c := o.Clone()
	p.mu.RUnlock()
	return c, true
}

// UpdateOrder applies a patch under one exclusive scope. A price change
// removes and reinserts the secondary index entry in the same step; a
// transition to a terminal status removes the order from the book.
func (x *OrderIndex) UpdateOrder(id uuid.UUID, patch model.OrderPatch) (*model.OrderRecord, error) {
	p := x.lookup(id)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	p.mu.Lock()
	if p.broken {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: partition %s/%s", ErrIntegrity, p.exchange, p.symbol)
	}
	o, ok := p.orders[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}

	wasTerminal := o.IsTerminal()
	oldPrice := o.Price
	if patch.Price != nil {
		o.Price = *patch.Price
	}
	if patch.Quantity != nil {
		o.Quantity = *patch.Quantity
	}
	if patch.FilledQuantity != nil {
		o.FilledQuantity = *patch.FilledQuantity
	}
	if patch.Status != nil {
		o.Status = *patch.Status
	}
	o.UpdatedAt = time.Now()

	switch {
	case !wasTerminal && o.IsTerminal():
		p.bookDelete(o, oldPrice)
	case !wasTerminal && patch.Price != nil && !oldPrice.Equal(o.Price):
		p.bookDelete(o, oldPrice)
		p.bookInsert(o)
	case wasTerminal && !o.IsTerminal():
		p.bookInsert(o)
	}
	c := o.Clone()
	p.mu.Unlock()

	x.invalidateOrder(c)
	return c, nil
}

// RemoveOrder deletes the order from both structures.
func (x *OrderIndex) RemoveOrder(id uuid.UUID) error {
	p := x.lookup(id)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	p.mu.Lock()
	o, ok := p.orders[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	delete(p.orders, id)
	if !o.IsTerminal() {
		p.bookDelete(o, o.Price)
	}
	p.mu.Unlock()

	x.mu.Lock()
	delete(x.byID, id)
	x.mu.Unlock()

	x.invalidateOrder(o)
	return nil
}

// BestOrders returns the top n orders for a side: bids descending, asks
// ascending, ties broken by earliest CreatedAt. O(log n) seek plus O(n)
// materialization.
func (x *OrderIndex) BestOrders(exchange, symbol, side string, n int) []*model.OrderRecord {
	p := x.partitionFor(exchange, symbol, false)
	if p == nil || n <= 0 {
		return nil
	}
	out := make([]*model.OrderRecord, 0, n)
	p.mu.RLock()
	p.tree(side).Scan(func(e bookEntry) bool {
		if o, ok := p.orders[e.id]; ok {
			out = append(out, o.Clone())
		}
		return len(out) < n
	})
	p.mu.RUnlock()
	return out
}

// ApplyFill updates the order and the net position atomically and
// invalidates the derived cache entries before returning.
func (x *OrderIndex) ApplyFill(fill model.Fill) (*model.PositionRecord, error) {
	p := x.lookup(fill.OrderID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, fill.OrderID)
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = time.Now()
	}
	p.mu.Lock()
	if p.broken {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: partition %s/%s", ErrIntegrity, p.exchange, p.symbol)
	}
	o, ok := p.orders[fill.OrderID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, fill.OrderID)
	}
	p.applyFillLocked(o, fill)
	var pos *model.PositionRecord
	if p.position != nil {
		pos = p.position.Clone()
	}
	oc := o.Clone()
	p.mu.Unlock()

	x.invalidateOrder(oc)
	if x.inv != nil {
		x.inv.Invalidate(cache.PositionKey(p.exchange, p.symbol))
	}
	return pos, nil
}

// MarkPrice updates the mark for a symbol and refreshes unrealized PnL.
func (x *OrderIndex) MarkPrice(exchange, symbol string, price decimal.Decimal) {
	p := x.partitionFor(exchange, symbol, true)
	p.mu.Lock()
	p.markPrice = price
	p.refreshPnLLocked(time.Now())
	p.mu.Unlock()
	if x.inv != nil {
		x.inv.Invalidate(cache.PositionKey(exchange, symbol))
	}
}

// Position returns a copy of the net position, if any.
func (x *OrderIndex) Position(exchange, symbol string) (*model.PositionRecord, bool) {
	p := x.partitionFor(exchange, symbol, false)
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.position == nil {
		return nil, false
	}
	return p.position.Clone(), true
}

// Positions returns copies of every open position.
func (x *OrderIndex) Positions() []*model.PositionRecord {
	x.mu.RLock()
	parts := make([]*partition, 0, len(x.parts))
	for _, p := range x.parts {
		parts = append(parts, p)
	}
	x.mu.RUnlock()

	var out []*model.PositionRecord
	for _, p := range parts {
		p.mu.RLock()
		if p.position != nil {
			out = append(out, p.position.Clone())
		}
		p.mu.RUnlock()
	}
	return out
}

// RealizedPnL sums the PnL locked in by position reductions and closes
// across all partitions. Unlike Positions it does not reset at flat.
func (x *OrderIndex) RealizedPnL() decimal.Decimal {
	x.mu.RLock()
	parts := make([]*partition, 0, len(x.parts))
	for _, p := range x.parts {
		parts = append(parts, p)
	}
	x.mu.RUnlock()

	total := decimal.Zero
	for _, p := range parts {
		p.mu.RLock()
		total = total.Add(p.realized)
		p.mu.RUnlock()
	}
	return total
}

// Snapshot is a read-only copy of index state for the persistence
// flusher and recovery tooling.
type Snapshot struct {
	Orders    []*model.OrderRecord
	Positions []*model.PositionRecord
	TakenAt   time.Time
}

// SnapshotState copies orders and positions partition by partition.
// Cross-partition consistency is not guaranteed.
func (x *OrderIndex) SnapshotState() Snapshot {
	x.mu.RLock()
	parts := make([]*partition, 0, len(x.parts))
	for _, p := range x.parts {
		parts = append(parts, p)
	}
	x.mu.RUnlock()

	snap := Snapshot{TakenAt: time.Now()}
	for _, p := range parts {
		p.mu.RLock()
		for _, o := range p.orders {
			snap.Orders = append(snap.Orders, o.Clone())
		}
		if p.position != nil {
			snap.Positions = append(snap.Positions, p.position.Clone())
		}
		p.mu.RUnlock()
	}
	return snap
}

// VerifyPartition cross-checks primary and secondary structures. On
// mismatch the partition is marked broken and rejects mutations until
// RebuildPartition runs.
func (x *OrderIndex) VerifyPartition(exchange, symbol string) error {
	p := x.partitionFor(exchange, symbol, false)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifyLocked() {
		return nil
	}
	p.broken = true
	x.logger.Error("partition integrity violation",
		zap.String("exchange", exchange), zap.String("symbol", symbol))
	return fmt.Errorf("%w: partition %s/%s", ErrIntegrity, exchange, symbol)
}

// RebuildPartition reconstructs the secondary index from the primary map
// snapshot for one partition.
func (x *OrderIndex) RebuildPartition(exchange, symbol string) {
	p := x.partitionFor(exchange, symbol, false)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.rebuildLocked()
	p.mu.Unlock()
	x.logger.Warn("partition secondary index rebuilt",
		zap.String("exchange", exchange), zap.String("symbol", symbol))
}

// Start launches the background purge of aged terminal orders.
func (x *OrderIndex) Start() {
	if !x.started.CompareAndSwap(false, true) {
		return
	}
	go x.cleanupLoop()
}

// Close stops the purge loop.
func (x *OrderIndex) Close() {
	x.stopped.Do(func() { close(x.stopCh) })
	if x.started.Load() {
		<-x.done
	}
}

func (x *OrderIndex) cleanupLoop() {
	defer close(x.done)
	interval := x.cleanupInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-x.stopCh:
			return
		case <-ticker.C:
			x.purgeTerminal(time.Now())
		}
	}
}

// purgeTerminal removes terminal orders older than the grace period to
// bound memory.
func (x *OrderIndex) purgeTerminal(now time.Time) {
	x.mu.RLock()
	parts := make([]*partition, 0, len(x.parts))
	for _, p := range x.parts {
		parts = append(parts, p)
	}
	x.mu.RUnlock()

	var purged []uuid.UUID
	for _, p := range parts {
		p.mu.Lock()
		for id, o := range p.orders {
			if o.IsTerminal() && now.Sub(o.UpdatedAt) > x.grace {
				delete(p.orders, id)
				purged = append(purged, id)
			}
		}
		p.mu.Unlock()
	}
	if len(purged) == 0 {
		return
	}
	x.mu.Lock()
	for _, id := range purged {
		delete(x.byID, id)
	}
	x.mu.Unlock()
	for _, id := range purged {
		if x.inv != nil {
			x.inv.Invalidate(cache.OrderKey(id))
		}
	}
	x.logger.Debug("purged terminal orders", zap.Int("count", len(purged)))
}

func (x *OrderIndex) invalidateOrder(o *model.OrderRecord) {
	if x.inv != nil {
		x.inv.Invalidate(cache.OrderKey(o.ID))
	}
}
