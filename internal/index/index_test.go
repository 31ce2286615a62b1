package index

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/internal/model"
)

type recordingInvalidator struct {
	keys     []string
	prefixes []string
}

func (r *recordingInvalidator) Invalidate(key string) { r.keys = append(r.keys, key) }
func (r *recordingInvalidator) InvalidatePrefix(scope string) {
	r.prefixes = append(r.prefixes, scope)
}

func newTestIndex(t *testing.T) *OrderIndex {
	t.Helper()
	cfg := config.IndexConfig{TerminalGrace: 5 * time.Second, CleanupInterval: time.Second}
	return New(cfg, nil, zaptest.NewLogger(t))
}

func newOrder(side string, price float64) *model.OrderRecord {
	return &model.OrderRecord{
		ID:       uuid.New(),
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		Side:     side,
		Type:     model.OrderTypeLimit,
		Price:    decimal.NewFromFloat(price),
		Quantity: decimal.NewFromInt(1),
		Status:   model.OrderStatusOpen,
	}
}

func TestAddGetOrder(t *testing.T) {
	x := newTestIndex(t)
	o := newOrder(model.OrderSideBuy, 100)

	require.NoError(t, x.AddOrder(o))

	got, ok := x.GetOrder(o.ID)
	require.True(t, ok)
	assert.Equal(t, o.ID, got.ID)
	assert.True(t, got.Price.Equal(o.Price))

	// The returned record is a copy; mutating it never touches the index.
	got.Price = decimal.NewFromInt(1)
	again, _ := x.GetOrder(o.ID)
	assert.True(t, again.Price.Equal(decimal.NewFromInt(100)))
}

func TestAddOrderRejectsDuplicateAndBadSide(t *testing.T) {
	x := newTestIndex(t)
	o := newOrder(model.OrderSideBuy, 100)

	require.NoError(t, x.AddOrder(o))
	assert.ErrorIs(t, x.AddOrder(o), ErrOrderExists)

	bad := newOrder("SIDEWAYS", 100)
	assert.Error(t, x.AddOrder(bad))
}

func TestBestOrdersBuySide(t *testing.T) {
	x := newTestIndex(t)
	for _, price := range []float64{100, 101, 99, 102, 98} {
		require.NoError(t, x.AddOrder(newOrder(model.OrderSideBuy, price)))
	}

	best := x.BestOrders("binance", "BTCUSDT", model.OrderSideBuy, 3)
	require.Len(t, best, 3)
	assert.True(t, best[0].Price.Equal(decimal.NewFromInt(102)))
	assert.True(t, best[1].Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, best[2].Price.Equal(decimal.NewFromInt(100)))
}

func TestBestOrdersSellSide(t *testing.T) {
	x := newTestIndex(t)
	for _, price := range []float64{100, 101, 99, 102, 98} {
		require.NoError(t, x.AddOrder(newOrder(model.OrderSideSell, price)))
	}

	best := x.BestOrders("binance", "BTCUSDT", model.OrderSideSell, 2)
	require.Len(t, best, 2)
	assert.True(t, best[0].Price.Equal(decimal.NewFromInt(98)))
	assert.True(t, best[1].Price.Equal(decimal.NewFromInt(99)))
}

func TestBestOrdersPriceTimePriority(t *testing.T) {
	x := newTestIndex(t)
	first := newOrder(model.OrderSideBuy, 100)
	first.CreatedAt = time.Now().Add(-time.Minute)
	second := newOrder(model.OrderSideBuy, 100)
	second.CreatedAt = time.Now()

	require.NoError(t, x.AddOrder(second))
	require.NoError(t, x.AddOrder(first))

	best := x.BestOrders("binance", "BTCUSDT", model.OrderSideBuy, 2)
	require.Len(t, best, 2)
	assert.Equal(t, first.ID, best[0].ID, "equal prices rank by earliest arrival")
	assert.Equal(t, second.ID, best[1].ID)
}

func TestBestOrdersMatchesSortScan(t *testing.T) {
	x := newTestIndex(t)
	prices := []float64{105, 95, 110, 99, 101, 97, 108, 100}
	for _, price := range prices {
		require.NoError(t, x.AddOrder(newOrder(model.OrderSideBuy, price)))
	}

	best := x.BestOrders("binance", "BTCUSDT", model.OrderSideBuy, len(prices))
	require.Len(t, best, len(prices))

	sorted := append([]float64(nil), prices...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	for i, want := range sorted {
		assert.True(t, best[i].Price.Equal(decimal.NewFromFloat(want)),
			"position %d: want %v got %v", i, want, best[i].Price)
	}
}

func TestUpdateOrderPriceMovesBookEntry(t *testing.T) {
	x := newTestIndex(t)
	o := newOrder(model.OrderSideBuy, 100)
	other := newOrder(model.OrderSideBuy, 101)
	require.NoError(t, x.AddOrder(o))
	require.NoError(t, x.AddOrder(other))

	newPrice := decimal.NewFromInt(102)
	updated, err := x.UpdateOrder(o.ID, model.OrderPatch{Price: &newPrice})
	require.NoError(t, err)
	assert.True(t, updated.Price.Equal(newPrice))

	best := x.BestOrders("binance", "BTCUSDT", model.OrderSideBuy, 1)
	require.Len(t, best, 1)
	assert.Equal(t, o.ID, best[0].ID)
	require.NoError(t, x.VerifyPartition("binance", "BTCUSDT"))
}

func TestTerminalTransitionLeavesBook(t *testing.T) {
	x := newTestIndex(t)
	o := newOrder(model.OrderSideBuy, 100)
	require.NoError(t, x.AddOrder(o))

	cancelled := model.OrderStatusCancelled
	_, err := x.UpdateOrder(o.ID, model.OrderPatch{Status: &cancelled})
	require.NoError(t, err)

	assert.Empty(t, x.BestOrders("binance", "BTCUSDT", model.OrderSideBuy, 10))
	// Still readable until the grace purge.
	got, ok := x.GetOrder(o.ID)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
	require.NoError(t, x.VerifyPartition("binance", "BTCUSDT"))
}

func TestRemoveOrder(t *testing.T) {
	x := newTestIndex(t)
	o := newOrder(model.OrderSideSell, 100)
	require.NoError(t, x.AddOrder(o))

	require.NoError(t, x.RemoveOrder(o.ID))
	_, ok := x.GetOrder(o.ID)
	assert.False(t, ok)
	assert.Empty(t, x.BestOrders("binance", "BTCUSDT", model.OrderSideSell, 10))
	assert.ErrorIs(t, x.RemoveOrder(o.ID), ErrOrderNotFound)
}

func TestApplyFillPartialThenFull(t *testing.T) {
	x := newTestIndex(t)
	o := newOrder(model.OrderSideBuy, 100)
	o.Quantity = decimal.NewFromInt(10)
	require.NoError(t, x.AddOrder(o))

	pos, err := x.ApplyFill(model.Fill{
		OrderID: o.ID, Exchange: "binance", Symbol: "BTCUSDT",
		Side: model.OrderSideBuy, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(4),
	})
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(4)))

	got, _ := x.GetOrder(o.ID)
	assert.Equal(t, model.OrderStatusPartiallyFilled, got.Status)

	pos, err = x.ApplyFill(model.Fill{
		OrderID: o.ID, Exchange: "binance", Symbol: "BTCUSDT",
		Side: model.OrderSideBuy, Price: decimal.NewFromInt(102), Quantity: decimal.NewFromInt(6),
	})
	require.NoError(t, err)
	got, _ = x.GetOrder(o.ID)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
	assert.Empty(t, x.BestOrders("binance", "BTCUSDT", model.OrderSideBuy, 10))

	// VWAP entry: (4*100 + 6*102) / 10 = 101.2
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromFloat(101.2)), "entry price %v", pos.EntryPrice)
	require.NoError(t, x.VerifyPartition("binance", "BTCUSDT"))
}

func TestPositionFlipsThroughFlat(t *testing.T) {
	x := newTestIndex(t)
	buy := newOrder(model.OrderSideBuy, 100)
	buy.Quantity = decimal.NewFromInt(5)
	require.NoError(t, x.AddOrder(buy))
	_, err := x.ApplyFill(model.Fill{
		OrderID: buy.ID, Side: model.OrderSideBuy,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	sell := newOrder(model.OrderSideSell, 105)
	sell.Quantity = decimal.NewFromInt(8)
	require.NoError(t, x.AddOrder(sell))
	_, err = x.ApplyFill(model.Fill{
		OrderID: sell.ID, Side: model.OrderSideSell,
		Price: decimal.NewFromInt(105), Quantity: decimal.NewFromInt(8),
	})
	require.NoError(t, err)

	pos, ok := x.Position("binance", "BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(-3)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(105)), "remainder opens at the crossing fill price")
}

func TestPositionRemovedAtFlat(t *testing.T) {
	x := newTestIndex(t)
	buy := newOrder(model.OrderSideBuy, 100)
	buy.Quantity = decimal.NewFromInt(5)
	require.NoError(t, x.AddOrder(buy))
	_, err := x.ApplyFill(model.Fill{
		OrderID: buy.ID, Side: model.OrderSideBuy,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	sell := newOrder(model.OrderSideSell, 101)
	sell.Quantity = decimal.NewFromInt(5)
	require.NoError(t, x.AddOrder(sell))
	_, err = x.ApplyFill(model.Fill{
		OrderID: sell.ID, Side: model.OrderSideSell,
		Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	_, ok := x.Position("binance", "BTCUSDT")
	assert.False(t, ok)
	assert.Empty(t, x.Positions())
}

func TestRealizedPnLSurvivesClose(t *testing.T) {
	x := newTestIndex(t)
	buy := newOrder(model.OrderSideBuy, 100)
	buy.Quantity = decimal.NewFromInt(10)
	require.NoError(t, x.AddOrder(buy))
	_, err := x.ApplyFill(model.Fill{
		OrderID: buy.ID, Side: model.OrderSideBuy,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.True(t, x.RealizedPnL().IsZero())

	// Selling 4 at 90 locks in a 40 loss.
	sell := newOrder(model.OrderSideSell, 90)
	sell.Quantity = decimal.NewFromInt(4)
	require.NoError(t, x.AddOrder(sell))
	_, err = x.ApplyFill(model.Fill{
		OrderID: sell.ID, Side: model.OrderSideSell,
		Price: decimal.NewFromInt(90), Quantity: decimal.NewFromInt(4),
	})
	require.NoError(t, err)
	assert.True(t, x.RealizedPnL().Equal(decimal.NewFromInt(-40)), "realized %v", x.RealizedPnL())

	// Closing the remaining 6 at 90 realizes another 60. The position
	// is gone but the loss stays on the books.
	sell2 := newOrder(model.OrderSideSell, 90)
	sell2.Quantity = decimal.NewFromInt(6)
	require.NoError(t, x.AddOrder(sell2))
	_, err = x.ApplyFill(model.Fill{
		OrderID: sell2.ID, Side: model.OrderSideSell,
		Price: decimal.NewFromInt(90), Quantity: decimal.NewFromInt(6),
	})
	require.NoError(t, err)

	_, ok := x.Position("binance", "BTCUSDT")
	require.False(t, ok)
	assert.True(t, x.RealizedPnL().Equal(decimal.NewFromInt(-100)), "realized %v", x.RealizedPnL())
}

func TestRealizedPnLOnFlip(t *testing.T) {
	x := newTestIndex(t)
	buy := newOrder(model.OrderSideBuy, 100)
	buy.Quantity = decimal.NewFromInt(5)
	require.NoError(t, x.AddOrder(buy))
	_, err := x.ApplyFill(model.Fill{
		OrderID: buy.ID, Side: model.OrderSideBuy,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	// Selling 8 at 105 closes the long 5 (+25) and opens a short 3.
	sell := newOrder(model.OrderSideSell, 105)
	sell.Quantity = decimal.NewFromInt(8)
	require.NoError(t, x.AddOrder(sell))
	_, err = x.ApplyFill(model.Fill{
		OrderID: sell.ID, Side: model.OrderSideSell,
		Price: decimal.NewFromInt(105), Quantity: decimal.NewFromInt(8),
	})
	require.NoError(t, err)

	assert.True(t, x.RealizedPnL().Equal(decimal.NewFromInt(25)), "realized %v", x.RealizedPnL())
}

func TestMarkPriceRefreshesPnL(t *testing.T) {
	x := newTestIndex(t)
	o := newOrder(model.OrderSideBuy, 100)
	o.Quantity = decimal.NewFromInt(2)
	require.NoError(t, x.AddOrder(o))
	_, err := x.ApplyFill(model.Fill{
		OrderID: o.ID, Side: model.OrderSideBuy,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	x.MarkPrice("binance", "BTCUSDT", decimal.NewFromInt(110))
	pos, ok := x.Position("binance", "BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromInt(20)), "pnl %v", pos.UnrealizedPnL)
}

func TestWriteThroughInvalidation(t *testing.T) {
	inv := &recordingInvalidator{}
	cfg := config.IndexConfig{TerminalGrace: 5 * time.Second, CleanupInterval: time.Second}
	x := New(cfg, inv, zaptest.NewLogger(t))

	o := newOrder(model.OrderSideBuy, 100)
	require.NoError(t, x.AddOrder(o))
	require.Len(t, inv.keys, 1)
	assert.Contains(t, inv.keys[0], o.ID.String())

	_, err := x.ApplyFill(model.Fill{
		OrderID: o.ID, Side: model.OrderSideBuy,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	// The fill invalidates the order key and the derived position key.
	require.Len(t, inv.keys, 3)
	assert.Contains(t, inv.keys[2], "position:binance:BTCUSDT")
}

func TestPurgeTerminalAfterGrace(t *testing.T) {
	x := newTestIndex(t)
	o := newOrder(model.OrderSideBuy, 100)
	require.NoError(t, x.AddOrder(o))

	cancelled := model.OrderStatusCancelled
	_, err := x.UpdateOrder(o.ID, model.OrderPatch{Status: &cancelled})
	require.NoError(t, err)

	// Inside the grace period the order survives a purge pass.
	x.purgeTerminal(time.Now())
	_, ok := x.GetOrder(o.ID)
	require.True(t, ok)

	x.purgeTerminal(time.Now().Add(6 * time.Second))
	_, ok = x.GetOrder(o.ID)
	assert.False(t, ok)
	require.NoError(t, x.VerifyPartition("binance", "BTCUSDT"))
}

func TestIntegrityDetectionAndRebuild(t *testing.T) {
	x := newTestIndex(t)
	o := newOrder(model.OrderSideBuy, 100)
	require.NoError(t, x.AddOrder(o))

	// Corrupt the secondary index behind the partition's back.
	p := x.partitionFor("binance", "BTCUSDT", false)
	require.NotNil(t, p)
	p.mu.Lock()
	p.bookDelete(o, o.Price)
	p.mu.Unlock()

	err := x.VerifyPartition("binance", "BTCUSDT")
	require.ErrorIs(t, err, ErrIntegrity)

	// A broken partition rejects mutations, fills included.
	err = x.AddOrder(newOrder(model.OrderSideBuy, 101))
	assert.ErrorIs(t, err, ErrIntegrity)
	_, err = x.ApplyFill(model.Fill{
		OrderID: o.ID, Side: model.OrderSideBuy,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ErrIntegrity)

	x.RebuildPartition("binance", "BTCUSDT")
	require.NoError(t, x.VerifyPartition("binance", "BTCUSDT"))
	assert.NoError(t, x.AddOrder(newOrder(model.OrderSideBuy, 101)))

	best := x.BestOrders("binance", "BTCUSDT", model.OrderSideBuy, 2)
	require.Len(t, best, 2)
	assert.True(t, best[0].Price.Equal(decimal.NewFromInt(101)))
}

func TestSnapshotState(t *testing.T) {
	x := newTestIndex(t)
	o := newOrder(model.OrderSideBuy, 100)
	o.Quantity = decimal.NewFromInt(3)
	require.NoError(t, x.AddOrder(o))
	_, err := x.ApplyFill(model.Fill{
		OrderID: o.ID, Side: model.OrderSideBuy,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	snap := x.SnapshotState()
	require.Len(t, snap.Orders, 1)
	require.Len(t, snap.Positions, 1)
	assert.False(t, snap.TakenAt.IsZero())

	// Snapshot copies are detached from live state.
	snap.Orders[0].Status = model.OrderStatusRejected
	got, _ := x.GetOrder(o.ID)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
}
