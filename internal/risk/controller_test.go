package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/velocimex/hftcore/internal/audit"
	"github.com/velocimex/hftcore/internal/bus"
	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/internal/model"
)

// stubPositions serves whatever position set the test assigns.
type stubPositions struct {
	positions []*model.PositionRecord
	realized  decimal.Decimal
}

func (s *stubPositions) Positions() []*model.PositionRecord { return s.positions }
func (s *stubPositions) RealizedPnL() decimal.Decimal       { return s.realized }

// stubSink collects published risk events.
type stubSink struct {
	events []bus.Event
}

func (s *stubSink) Publish(e bus.Event) error {
	s.events = append(s.events, e)
	return nil
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		TickInterval:   100 * time.Millisecond,
		DebounceWindow: 30 * time.Second,
		Equity:         1_000_000,
		// Concentration limits are disabled here: single-position
		// fixtures would otherwise sit at 1.0 and pin every tier.
		Conservative: config.TierLimits{
			MaxPositionValue: 500_000, MaxDailyLoss: 10_000,
			MaxDrawdown: 0.05, MaxLeverage: 5,
		},
		Aggressive: config.TierLimits{
			MaxPositionValue: 750_000, MaxDailyLoss: 25_000,
			MaxDrawdown: 0.10, MaxLeverage: 10,
		},
		Emergency: config.TierLimits{
			MaxPositionValue: 1_000_000, MaxDailyLoss: 50_000,
			MaxDrawdown: 0.20, MaxLeverage: 20,
		},
		Breakers: []config.BreakerConfig{
			{Name: "rapid_loss", Threshold: 50_000, Window: 5 * time.Minute, Cooldown: 900 * time.Second},
		},
		MaxOrderQty:       1_000,
		MaxOrderNotional:  250_000,
		MaxPriceDeviation: 0.05,
		MaxOrdersPerSec:   50,
	}
}

func newTestController(t *testing.T, src PositionSource) (*Controller, *stubSink, *fakeClock) {
	t.Helper()
	sink := &stubSink{}
	clock := newFakeClock()
	c := NewController(testRiskConfig(), src, sink, audit.NewRing(64), zaptest.NewLogger(t))
	c.clock = clock.Now
	for _, cb := range c.breakers {
		cb.clock = clock.Now
	}
	return c, sink, clock
}

// position builds a single position whose gross value and PnL the test
// controls directly.
func position(qty, mark, pnl float64) *model.PositionRecord {
	return &model.PositionRecord{
		Exchange:      "binance",
		Symbol:        "BTCUSDT",
		Quantity:      decimal.NewFromFloat(qty),
		EntryPrice:    decimal.NewFromFloat(mark),
		MarkPrice:     decimal.NewFromFloat(mark),
		UnrealizedPnL: decimal.NewFromFloat(pnl),
	}
}

func TestEscalationIsImmediate(t *testing.T) {
	src := &stubPositions{}
	c, _, _ := newTestController(t, src)

	c.Tick()
	require.Equal(t, LevelNone, c.Level())

	// 600k gross breaches the conservative tier (500k) only.
	src.positions = []*model.PositionRecord{position(6, 100_000, 0)}
	c.Tick()
	assert.Equal(t, LevelConservative, c.Level())

	// 800k gross breaches aggressive (750k) on the very next tick.
	src.positions = []*model.PositionRecord{position(8, 100_000, 0)}
	c.Tick()
	assert.Equal(t, LevelAggressive, c.Level())
}

func TestDeescalationRequiresFullDebounceWindow(t *testing.T) {
	src := &stubPositions{}
	c, _, clock := newTestController(t, src)

	src.positions = []*model.PositionRecord{position(8, 100_000, 0)}
	c.Tick()
	require.Equal(t, LevelAggressive, c.Level())

	// Metrics drop below every threshold; the level must hold.
	src.positions = []*model.PositionRecord{position(1, 100_000, 0)}
	c.Tick()
	assert.Equal(t, LevelAggressive, c.Level())

	clock.Advance(15 * time.Second)
	c.Tick()
	assert.Equal(t, LevelAggressive, c.Level(), "mid-window the level holds")

	clock.Advance(16 * time.Second)
	c.Tick()
	assert.Equal(t, LevelNone, c.Level(), "sustained recovery for the full window de-escalates")
}

func TestMidWindowBreachResetsDebounce(t *testing.T) {
	src := &stubPositions{}
	c, _, clock := newTestController(t, src)

	src.positions = []*model.PositionRecord{position(8, 100_000, 0)}
	c.Tick()
	require.Equal(t, LevelAggressive, c.Level())

	src.positions = []*model.PositionRecord{position(1, 100_000, 0)}
	c.Tick()
	clock.Advance(20 * time.Second)

	// A breach mid-window restarts the de-escalation clock.
	src.positions = []*model.PositionRecord{position(8, 100_000, 0)}
	c.Tick()
	src.positions = []*model.PositionRecord{position(1, 100_000, 0)}
	c.Tick()

	clock.Advance(15 * time.Second)
	c.Tick()
	assert.Equal(t, LevelAggressive, c.Level(), "the earlier partial window must not count")

	clock.Advance(16 * time.Second)
	c.Tick()
	assert.Equal(t, LevelNone, c.Level())
}

func TestRapidLossBreakerBlocksDespiteRecovery(t *testing.T) {
	src := &stubPositions{}
	c, sink, clock := newTestController(t, src)

	// Two 30k loss legs inside the window: the cumulative loss crosses
	// 50k even though the net PnL never does.
	src.positions = []*model.PositionRecord{position(1, 100_000, -30_000)}
	c.Tick()
	clock.Advance(10 * time.Second)
	src.positions = []*model.PositionRecord{position(1, 100_000, 0)}
	c.Tick()
	clock.Advance(10 * time.Second)
	src.positions = []*model.PositionRecord{position(1, 100_000, -30_000)}
	c.Tick()

	blocked, reason := c.TradingBlocked()
	require.True(t, blocked)
	assert.Contains(t, reason, "rapid_loss")
	assert.Contains(t, c.ActiveBreakers(), "rapid_loss")

	// Loss fully reverses 10s later; the breaker holds for the cooldown.
	clock.Advance(10 * time.Second)
	src.positions = []*model.PositionRecord{position(1, 100_000, 0)}
	c.Tick()
	blocked, _ = c.TradingBlocked()
	assert.True(t, blocked, "recovery inside the cooldown must not unblock trading")

	clock.Advance(900 * time.Second)
	blocked, _ = c.TradingBlocked()
	assert.False(t, blocked)

	// The trip was published as a high-priority risk event.
	require.NotEmpty(t, sink.events)
	assert.Equal(t, bus.EventRiskBreach, sink.events[0].Type)
	assert.Equal(t, 1, sink.events[0].Priority)
}

func TestManualEmergencyOverride(t *testing.T) {
	src := &stubPositions{}
	c, _, clock := newTestController(t, src)
	trail := c.trail

	c.EmergencyStop("fat finger detected")
	assert.Equal(t, LevelEmergency, c.Level())
	blocked, reason := c.TradingBlocked()
	require.True(t, blocked)
	assert.Contains(t, reason, "EMERGENCY")

	// Healthy metrics and elapsed time do not clear a manual stop.
	clock.Advance(10 * time.Minute)
	c.Tick()
	assert.Equal(t, LevelEmergency, c.Level())

	c.ClearEmergency("ops")
	c.Tick()
	assert.Equal(t, LevelNone, c.Level())

	events := trail.Recent(10)
	require.NotEmpty(t, events)
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, audit.KindEmergencyStop)
	assert.Contains(t, kinds, audit.KindEmergencyClear)
}

func TestComputeMetrics(t *testing.T) {
	src := &stubPositions{
		positions: []*model.PositionRecord{
			position(3, 100_000, -5_000),
			position(1, 100_000, 1_000),
		},
	}
	c, _, _ := newTestController(t, src)

	m := c.computeMetrics()
	assert.True(t, m.PositionValue.Equal(decimal.NewFromInt(400_000)), "gross %v", m.PositionValue)
	assert.True(t, m.DailyPnL.Equal(decimal.NewFromInt(-4_000)))
	// 300k of 400k gross sits in one symbol.
	assert.True(t, m.Concentration.Equal(decimal.NewFromFloat(0.75)), "concentration %v", m.Concentration)
	// 400k gross over 1M equity.
	assert.True(t, m.Leverage.Equal(decimal.NewFromFloat(0.4)))
}

func TestRealizedLossKeepsDailyLossBreached(t *testing.T) {
	src := &stubPositions{}
	c, _, clock := newTestController(t, src)

	// A 12k unrealized loss breaches the conservative daily-loss limit.
	src.positions = []*model.PositionRecord{position(1, 100_000, -12_000)}
	c.Tick()
	require.Equal(t, LevelConservative, c.Level())

	// Closing the position converts the loss to realized PnL. The loss
	// is locked in, so the daily-loss limit stays breached and the
	// debounce window never opens.
	src.positions = nil
	src.realized = decimal.NewFromInt(-12_000)
	c.Tick()
	m := c.LastMetrics()
	assert.True(t, m.DailyPnL.Equal(decimal.NewFromInt(-12_000)), "daily pnl %v", m.DailyPnL)
	assert.Equal(t, LevelConservative, c.Level())

	clock.Advance(time.Minute)
	c.Tick()
	assert.Equal(t, LevelConservative, c.Level(), "a realized loss must not reset the daily-loss metric")
}

func TestDrawdownTracksPeakEquity(t *testing.T) {
	src := &stubPositions{}
	c, _, _ := newTestController(t, src)

	// Equity runs up to 1.1M, then falls back to 0.99M.
	src.positions = []*model.PositionRecord{position(1, 100_000, 100_000)}
	c.Tick()
	src.positions = []*model.PositionRecord{position(1, 100_000, -10_000)}
	m := c.computeMetrics()

	// (1.1M - 0.99M) / 1.1M = 0.1
	assert.True(t, m.Drawdown.Equal(decimal.NewFromFloat(0.1)), "drawdown %v", m.Drawdown)
}
