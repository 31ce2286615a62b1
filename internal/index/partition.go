package index

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/velocimex/hftcore/internal/model"
)

// bookEntry is one node of the price-sorted secondary index. Orders are
// ranked by price, then arrival time, then id (price-time priority).
type bookEntry struct {
	price     decimal.Decimal
	createdAt time.Time
	id        uuid.UUID
}

// bidLess ranks bids best-first: highest price, then earliest arrival.
func bidLess(a, b bookEntry) bool {
	if !a.price.Equal(b.price) {
		return a.price.GreaterThan(b.price)
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// askLess ranks asks best-first: lowest price, then earliest arrival.
func askLess(a, b bookEntry) bool {
	if !a.price.Equal(b.price) {
		return a.price.LessThan(b.price)
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// partition holds all order and position state for one (exchange,
// symbol). One mutex covers the primary map and both trees so a reader
// can never observe one structure without the other.
type partition struct {
	mu       sync.RWMutex
	exchange string
	symbol   string

	orders map[uuid.UUID]*model.OrderRecord
	bids   *btree.BTreeG[bookEntry]
	asks   *btree.BTreeG[bookEntry]

	position  *model.PositionRecord
	markPrice decimal.Decimal
	// realized accumulates PnL locked in by reducing or closing the
	// position. It survives the position going flat.
	realized decimal.Decimal

	// broken is set when an integrity check failed; mutations are
	// rejected until the secondary index is rebuilt from the primary.
	broken bool
}

func newPartition(exchange, symbol string) *partition {
	return &partition{
		exchange: exchange,
		symbol:   symbol,
		orders:   make(map[uuid.UUID]*model.OrderRecord),
		bids:     btree.NewBTreeG(bidLess),
		asks:     btree.NewBTreeG(askLess),
	}
}

func (p *partition) tree(side string) *btree.BTreeG[bookEntry] {
	if side == model.OrderSideBuy {
		return p.bids
	}
	return p.asks
}

// bookInsert and bookDelete keep the secondary index in step with the
// primary map. Callers hold p.mu.
func (p *partition) bookInsert(o *model.OrderRecord) {
	p.tree(o.Side).Set(bookEntry{price: o.Price, createdAt: o.CreatedAt, id: o.ID})
}

func (p *partition) bookDelete(o *model.OrderRecord, price decimal.Decimal) {
	p.tree(o.Side).Delete(bookEntry{price: price, createdAt: o.CreatedAt, id: o.ID})
}

// applyFillLocked updates the order and the net position for one fill.
// Caller holds p.mu.
func (p *partition) applyFillLocked(o *model.OrderRecord, fill model.Fill) {
	o.FilledQuantity = o.FilledQuantity.Add(fill.Quantity)
	o.UpdatedAt = fill.Timestamp
	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		o.Status = model.OrderStatusFilled
		p.bookDelete(o, o.Price)
	} else {
		o.Status = model.OrderStatusPartiallyFilled
	}

	signed := fill.Quantity
	if fill.Side == model.OrderSideSell {
		signed = signed.Neg()
	}
	p.updatePositionLocked(signed, fill.Price, fill.Timestamp)
}

// updatePositionLocked applies a signed quantity delta at a price.
// The position is created on first fill and removed at flat.
func (p *partition) updatePositionLocked(delta, price decimal.Decimal, at time.Time) {
	if p.position == nil {
		if delta.IsZero() {
			return
		}
		p.position = &model.PositionRecord{
			Exchange:   p.exchange,
			Symbol:     p.symbol,
			Quantity:   delta,
			EntryPrice: price,
			UpdatedAt:  at,
		}
		p.refreshPnLLocked(at)
		return
	}

	pos := p.position
	next := pos.Quantity.Add(delta)
	switch {
	case next.IsZero():
		p.realized = p.realized.Add(price.Sub(pos.EntryPrice).Mul(pos.Quantity))
		p.position = nil
		return
	case pos.Quantity.Sign() == delta.Sign():
		// Adding to the position: volume-weighted entry price.
		total := pos.Quantity.Abs().Add(delta.Abs())
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity.Abs()).
			Add(price.Mul(delta.Abs())).
			Div(total)
	case pos.Quantity.Sign() != next.Sign():
		// Crossed through flat: the whole old quantity realized at the
		// fill price, the remainder opened there.
		p.realized = p.realized.Add(price.Sub(pos.EntryPrice).Mul(pos.Quantity))
		pos.EntryPrice = price
	default:
		// Partial reduce: the closed slice realizes against entry.
		p.realized = p.realized.Add(price.Sub(pos.EntryPrice).Mul(delta.Neg()))
	}
	pos.Quantity = next
	pos.UpdatedAt = at
	p.refreshPnLLocked(at)
}

// refreshPnLLocked recomputes unrealized PnL from the current mark.
func (p *partition) refreshPnLLocked(at time.Time) {
	if p.position == nil {
		return
	}
	mark := p.markPrice
	if mark.IsZero() {
		mark = p.position.EntryPrice
	}
	p.position.MarkPrice = mark
	p.position.UnrealizedPnL = mark.Sub(p.position.EntryPrice).Mul(p.position.Quantity)
	p.position.UpdatedAt = at
}

// verifyLocked cross-checks the primary map against the secondary trees.
// Caller holds p.mu (read or write).
func (p *partition) verifyLocked() bool {
	active := 0
	for _, o := range p.orders {
		if o.IsTerminal() {
			continue
		}
		active++
		e := bookEntry{price: o.Price, createdAt: o.CreatedAt, id: o.ID}
		if _, ok := p.tree(o.Side).Get(e); !ok {
			return false
		}
	}
	return active == p.bids.Len()+p.asks.Len()
}

// rebuildLocked reconstructs both trees from the primary map. Caller
// holds p.mu for writing.
func (p *partition) rebuildLocked() {
	p.bids = btree.NewBTreeG(bidLess)
	p.asks = btree.NewBTreeG(askLess)
	for _, o := range p.orders {
		if !o.IsTerminal() {
			p.bookInsert(o)
		}
	}
	p.broken = false
}
