// Package risk implements the continuously running risk controller, the
// protection-level state machine with hysteresis, named circuit
// breakers, and the synchronous pre-trade validation gate.
package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velocimex/hftcore/internal/audit"
	"github.com/velocimex/hftcore/internal/bus"
	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/internal/model"
	"github.com/velocimex/hftcore/pkg/metrics"
)

// ProtectionLevel is the protection-level state machine state.
type ProtectionLevel int

const (
	LevelNone ProtectionLevel = iota
	LevelConservative
	LevelAggressive
	LevelEmergency
)

func (l ProtectionLevel) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelConservative:
		return "CONSERVATIVE"
	case LevelAggressive:
		return "AGGRESSIVE"
	case LevelEmergency:
		return "EMERGENCY"
	}
	return "UNKNOWN"
}

// PortfolioMetrics is one per-tick snapshot of portfolio risk metrics.
type PortfolioMetrics struct {
	PositionValue decimal.Decimal
	Leverage      decimal.Decimal
	DailyPnL      decimal.Decimal
	Drawdown      decimal.Decimal
	Concentration decimal.Decimal
	ComputedAt    time.Time
}

// PositionSource supplies position state; satisfied by *index.OrderIndex.
type PositionSource interface {
	Positions() []*model.PositionRecord
	RealizedPnL() decimal.Decimal
}

// EventSink receives risk events; satisfied by *bus.Bus.
type EventSink interface {
	Publish(e bus.Event) error
}

type tierLimits struct {
	positionValue decimal.Decimal
	dailyLoss     decimal.Decimal
	drawdown      decimal.Decimal
	leverage      decimal.Decimal
	concentration decimal.Decimal
}

func toTier(t config.TierLimits) tierLimits {
	return tierLimits{
		positionValue: decimal.NewFromFloat(t.MaxPositionValue),
		dailyLoss:     decimal.NewFromFloat(t.MaxDailyLoss),
		drawdown:      decimal.NewFromFloat(t.MaxDrawdown),
		leverage:      decimal.NewFromFloat(t.MaxLeverage),
		concentration: decimal.NewFromFloat(t.MaxConcentration),
	}
}

// breached reports whether any metric is at or beyond this tier's limits.
func (t tierLimits) breached(m PortfolioMetrics) bool {
	if t.positionValue.IsPositive() && m.PositionValue.GreaterThanOrEqual(t.positionValue) {
		return true
	}
	if t.dailyLoss.IsPositive() && m.DailyPnL.Neg().GreaterThanOrEqual(t.dailyLoss) {
		return true
	}
	if t.drawdown.IsPositive() && m.Drawdown.GreaterThanOrEqual(t.drawdown) {
		return true
	}
	if t.leverage.IsPositive() && m.Leverage.GreaterThanOrEqual(t.leverage) {
		return true
	}
	if t.concentration.IsPositive() && m.Concentration.GreaterThanOrEqual(t.concentration) {
		return true
	}
	return false
}

// Controller runs the fixed-frequency risk loop. Escalation is immediate
// on breach; de-escalation requires metrics to remain within the lower
// tier for the full debounce window (hysteresis).
type Controller struct {
	cfg      config.RiskConfig
	tiers    [3]tierLimits // conservative, aggressive, emergency
	debounce time.Duration
	equity   decimal.Decimal

	positions PositionSource
	sink      EventSink
	trail     *audit.Ring
	logger    *zap.Logger

	mu              sync.RWMutex
	level           ProtectionLevel
	manualEmergency bool
	lastMetrics     PortfolioMetrics
	peakEquity      decimal.Decimal
	prevDailyPnL    decimal.Decimal
	// pendingLevel/pendingSince track a sustained candidate for
	// de-escalation; any breach of the candidate resets the window.
	pendingLevel ProtectionLevel
	pendingSince time.Time

	breakers map[string]*CircuitBreaker

	overruns uint64
	clock    func() time.Time

	running atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	done    chan struct{}
}

// NewController wires the risk controller. sink and trail may be nil in
// tests.
func NewController(cfg config.RiskConfig, positions PositionSource, sink EventSink, trail *audit.Ring, logger *zap.Logger) *Controller {
	breakers := make(map[string]*CircuitBreaker, len(cfg.Breakers))
	for _, bc := range cfg.Breakers {
		breakers[bc.Name] = NewCircuitBreaker(bc)
	}
	equity := decimal.NewFromFloat(cfg.Equity)
	return &Controller{
		cfg:       cfg,
		tiers:     [3]tierLimits{toTier(cfg.Conservative), toTier(cfg.Aggressive), toTier(cfg.Emergency)},
		debounce:  cfg.DebounceWindow,
		equity:    equity,
		positions: positions,
		sink:      sink,
		trail:     trail,
		logger:    logger.Named("risk"),
		breakers:  breakers,
		peakEquity: equity,
		clock:     time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run executes the fixed-frequency loop until ctx is cancelled or Close
// is called. A tick overrun is recorded as a metric; the tick is never
// retried mid-cycle.
func (c *Controller) Run(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			start := c.clock()
			c.Tick()
			if elapsed := c.clock().Sub(start); elapsed > c.cfg.TickInterval {
				metrics.TickOverruns.Inc()
				c.logger.Warn("risk tick overrun",
					zap.Duration("elapsed", elapsed),
					zap.Duration("budget", c.cfg.TickInterval))
			}
		}
	}
}

// Close stops the loop.
func (c *Controller) Close() {
	c.stopped.Do(func() { close(c.stopCh) })
	if c.running.Load() {
		<-c.done
	}
}

// Tick recomputes portfolio metrics and drives the state machine and
// breakers. Exposed for tests and manual re-evaluation.
func (c *Controller) Tick() {
	m := c.computeMetrics()
	c.feedBreakers(m)
	c.evaluate(m)
}

// computeMetrics derives exposure, leverage, PnL, drawdown and
// concentration from current positions. Daily PnL is realized plus
// unrealized, so a loss locked in by closing a position stays on the
// books.
func (c *Controller) computeMetrics() PortfolioMetrics {
	now := c.clock()
	positions := c.positions.Positions()

	gross := decimal.Zero
	pnl := c.positions.RealizedPnL()
	largest := decimal.Zero
	for _, p := range positions {
		mark := p.MarkPrice
		if mark.IsZero() {
			mark = p.EntryPrice
		}
		value := p.Quantity.Mul(mark).Abs()
		gross = gross.Add(value)
		pnl = pnl.Add(p.UnrealizedPnL)
		if value.GreaterThan(largest) {
			largest = value
		}
	}

	m := PortfolioMetrics{
		PositionValue: gross,
		DailyPnL:      pnl,
		ComputedAt:    now,
	}

	current := c.equity.Add(pnl)
	c.mu.Lock()
	if current.GreaterThan(c.peakEquity) {
		c.peakEquity = current
	}
	peak := c.peakEquity
	c.mu.Unlock()

	if c.equity.IsPositive() {
		m.Leverage = gross.Div(c.equity)
	}
	if peak.IsPositive() {
		m.Drawdown = peak.Sub(current).Div(peak)
	}
	if gross.IsPositive() {
		m.Concentration = largest.Div(gross)
	}
	return m
}

// feedBreakers pushes per-tick loss increments into the rapid_loss
// breaker and records the new tripped states.
func (c *Controller) feedBreakers(m PortfolioMetrics) {
	c.mu.Lock()
	lossDelta := c.prevDailyPnL.Sub(m.DailyPnL)
	c.prevDailyPnL = m.DailyPnL
	c.mu.Unlock()
	if lossDelta.IsNegative() {
		lossDelta = decimal.Zero
	}

	cb, ok := c.breakers["rapid_loss"]
	if !ok {
		return
	}
	wasTripped := cb.Tripped()
	if cb.Check(lossDelta) && !wasTripped {
		c.recordTrip(cb, lossDelta)
	}
}

// CheckBreaker records value against the named breaker and returns the
// tripped state. Unknown names are not tripped.
func (c *Controller) CheckBreaker(name string, value decimal.Decimal) bool {
	cb, ok := c.breakers[name]
	if !ok {
		return false
	}
	wasTripped := cb.Tripped()
	tripped := cb.Check(value)
	if tripped && !wasTripped {
		c.recordTrip(cb, value)
	}
	return tripped
}

// evaluate drives the protection-level state machine with hysteresis.
func (c *Controller) evaluate(m PortfolioMetrics) {
	target := LevelNone
	for i := len(c.tiers) - 1; i >= 0; i-- {
		if c.tiers[i].breached(m) {
			target = ProtectionLevel(i + 1)
			break
		}
	}

	now := m.ComputedAt
	c.mu.Lock()
	c.lastMetrics = m
	prev := c.level
	switch {
	case c.manualEmergency:
		c.level = LevelEmergency
		c.pendingLevel = LevelEmergency
	case target > c.level:
		// Escalation is immediate on any breach.
		c.level = target
		c.pendingLevel = target
	case target < c.level:
		// De-escalation requires a full debounce window within the
		// lower tier's bounds; a mid-window breach resets the clock.
		if c.pendingLevel != target {
			c.pendingLevel = target
			c.pendingSince = now
		} else if now.Sub(c.pendingSince) >= c.debounce {
			c.level = target
			c.pendingSince = now
		}
	default:
		c.pendingLevel = target
	}
	level := c.level
	c.mu.Unlock()

	metrics.ProtectionLevel.Set(float64(level))
	if level != prev {
		c.recordLevelChange(prev, level, m)
	}
}

// Level returns the current protection level.
func (c *Controller) Level() ProtectionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// LastMetrics returns the most recent portfolio metric snapshot.
func (c *Controller) LastMetrics() PortfolioMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

// ActiveBreakers returns the names of currently tripped breakers.
func (c *Controller) ActiveBreakers() []string {
	var active []string
	for name, cb := range c.breakers {
		if cb.Tripped() {
			active = append(active, name)
		}
	}
	return active
}

// TradingBlocked reports whether new orders must be rejected outright:
// the emergency level or any tripped breaker blocks trading.
func (c *Controller) TradingBlocked() (bool, string) {
	if c.Level() == LevelEmergency {
		return true, "protection level EMERGENCY"
	}
	for name, cb := range c.breakers {
		if cb.Tripped() {
			return true, "circuit breaker tripped: " + name
		}
	}
	return false, ""
}

// EmergencyStop forces the EMERGENCY level until ClearEmergency is
// called by an operator. This override is independent of the hysteresis
// de-escalation path.
func (c *Controller) EmergencyStop(reason string) {
	c.mu.Lock()
	c.manualEmergency = true
	prev := c.level
	c.level = LevelEmergency
	c.mu.Unlock()

	metrics.ProtectionLevel.Set(float64(LevelEmergency))
	c.logger.Error("emergency stop engaged", zap.String("reason", reason))
	if c.trail != nil {
		c.trail.Append(audit.Event{
			Severity: audit.SeverityCritical,
			Kind:     audit.KindEmergencyStop,
			Message:  reason,
			Details:  map[string]string{"previous_level": prev.String()},
		})
	}
	c.publishRisk(audit.KindEmergencyStop, reason)
}

// ClearEmergency releases a manual emergency stop. The next tick
// re-evaluates the level from live metrics.
func (c *Controller) ClearEmergency(operator string) {
	c.mu.Lock()
	c.manualEmergency = false
	c.level = LevelNone
	c.pendingLevel = LevelNone
	c.mu.Unlock()

	metrics.ProtectionLevel.Set(float64(LevelNone))
	c.logger.Warn("emergency stop cleared", zap.String("operator", operator))
	if c.trail != nil {
		c.trail.Append(audit.Event{
			Severity: audit.SeverityWarning,
			Kind:     audit.KindEmergencyClear,
			Message:  "emergency stop cleared",
			Details:  map[string]string{"operator": operator},
		})
	}
}

func (c *Controller) recordTrip(cb *CircuitBreaker, value decimal.Decimal) {
	c.logger.Error("circuit breaker tripped",
		zap.String("breaker", cb.Name()),
		zap.String("value", value.String()),
		zap.Duration("cooldown", cb.cooldown))
	if c.trail != nil {
		c.trail.Append(audit.Event{
			Severity: audit.SeverityCritical,
			Kind:     audit.KindBreakerTrip,
			Message:  "circuit breaker tripped: " + cb.Name(),
			Details: map[string]string{
				"breaker":  cb.Name(),
				"value":    value.String(),
				"cooldown": cb.cooldown.String(),
			},
		})
	}
	c.publishRisk(audit.KindBreakerTrip, cb.Name())
}

func (c *Controller) recordLevelChange(from, to ProtectionLevel, m PortfolioMetrics) {
	kind := audit.KindEscalation
	severity := audit.SeverityCritical
	if to < from {
		kind = audit.KindDeescalation
		severity = audit.SeverityWarning
	}
	c.logger.Warn("protection level changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("daily_pnl", m.DailyPnL.String()),
		zap.String("drawdown", m.Drawdown.String()))
	if c.trail != nil {
		c.trail.Append(audit.Event{
			Severity: severity,
			Kind:     kind,
			Message:  "protection level " + from.String() + " -> " + to.String(),
			Details: map[string]string{
				"from":           from.String(),
				"to":             to.String(),
				"position_value": m.PositionValue.String(),
				"daily_pnl":      m.DailyPnL.String(),
			},
		})
	}
	c.publishRisk(kind, to.String())
}

// publishRisk republishes risk outcomes for external observers. A full
// top lane rejecting the event is logged, never propagated.
func (c *Controller) publishRisk(kind, detail string) {
	if c.sink == nil {
		return
	}
	err := c.sink.Publish(bus.Event{
		Type:     bus.EventRiskBreach,
		Priority: 1,
		Payload:  map[string]string{"kind": kind, "detail": detail},
	})
	if err != nil {
		c.logger.Error("failed to publish risk event", zap.Error(err))
	}
}
