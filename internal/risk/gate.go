package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velocimex/hftcore/internal/audit"
	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/internal/model"
	"github.com/velocimex/hftcore/pkg/metrics"
)

// CheckStatus is the outcome of one pre-trade check.
type CheckStatus int

const (
	CheckPass CheckStatus = iota
	CheckWarn
	CheckFail
)

func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "PASS"
	case CheckWarn:
		return "WARN"
	case CheckFail:
		return "FAIL"
	}
	return "UNKNOWN"
}

// CheckResult is one entry of the ordered validation pipeline output.
type CheckResult struct {
	Name     string
	Status   CheckStatus
	Severity string
	Detail   string
}

// Decision is the validation outcome. A rejection is ordinary control
// flow, not an error.
type Decision struct {
	Allowed bool
	Reason  string
	Results []CheckResult
}

// Request carries the inputs to the pre-trade pipeline.
type Request struct {
	Order       *model.OrderRecord
	MarketPrice decimal.Decimal
	Position    *model.PositionRecord
}

// CheckFunc evaluates one check. A panic inside a check is treated as
// FAIL by the gate (fail-closed).
type CheckFunc func(ctx context.Context, req *Request) CheckResult

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Gate is the synchronous pre-trade validation pipeline invoked before
// any order reaches the index. Checks run in registration order; the
// registry is populated once at construction.
type Gate struct {
	checks  []namedCheck
	ctrl    *Controller
	limiter *rateLimiter
	timeout time.Duration
	logger  *zap.Logger
}

// NewGate builds the gate with the standard check pipeline: order size,
// price sanity, post-trade exposure, breaker/protection gate, and
// submission rate limit.
func NewGate(cfg config.RiskConfig, ctrl *Controller, logger *zap.Logger) *Gate {
	g := &Gate{
		ctrl:    ctrl,
		limiter: newRateLimiter(cfg.MaxOrdersPerSec, time.Second),
		timeout: cfg.CheckTimeout,
		logger:  logger.Named("gate"),
	}

	maxQty := decimal.NewFromFloat(cfg.MaxOrderQty)
	maxNotional := decimal.NewFromFloat(cfg.MaxOrderNotional)
	maxDeviation := decimal.NewFromFloat(cfg.MaxPriceDeviation)
	maxPositionValue := decimal.NewFromFloat(cfg.Emergency.MaxPositionValue)

	g.register("order_size", orderSizeCheck(maxQty, maxNotional))
	g.register("price_sanity", priceSanityCheck(maxDeviation))
	g.register("exposure_limit", exposureCheck(maxPositionValue))
	g.register("protection_gate", g.protectionCheck)
	g.register("rate_limit", g.rateLimitCheck)
	return g
}

func (g *Gate) register(name string, fn CheckFunc) {
	g.checks = append(g.checks, namedCheck{name: name, fn: fn})
}

// ValidatePreTrade runs the ordered pipeline. Any FAIL rejects the
// order; WARN is logged and allowed through. The pipeline stops at the
// first FAIL.
func (g *Gate) ValidatePreTrade(ctx context.Context, order *model.OrderRecord, marketPrice decimal.Decimal, position *model.PositionRecord) Decision {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	req := &Request{Order: order, MarketPrice: marketPrice, Position: position}
	decision := Decision{Allowed: true}

	for _, check := range g.checks {
		result := g.runCheck(ctx, check, req)
		decision.Results = append(decision.Results, result)
		switch result.Status {
		case CheckWarn:
			g.logger.Warn("pre-trade check warning",
				zap.String("check", result.Name),
				zap.String("order_id", order.ID.String()),
				zap.String("detail", result.Detail))
		case CheckFail:
			decision.Allowed = false
			decision.Reason = result.Name + ": " + result.Detail
			metrics.OrdersValidated.WithLabelValues("rejected").Inc()
			g.logger.Info("order rejected",
				zap.String("check", result.Name),
				zap.String("order_id", order.ID.String()),
				zap.String("detail", result.Detail))
			return decision
		}
	}
	metrics.OrdersValidated.WithLabelValues("allowed").Inc()
	return decision
}

// runCheck invokes one check fail-closed: a panic or an expired context
// yields FAIL, never PASS.
func (g *Gate) runCheck(ctx context.Context, check namedCheck, req *Request) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("pre-trade check panic, failing closed",
				zap.String("check", check.name),
				zap.Any("panic", r))
			result = CheckResult{
				Name:     check.name,
				Status:   CheckFail,
				Severity: audit.SeverityCritical,
				Detail:   fmt.Sprintf("check panic: %v", r),
			}
		}
	}()
	if err := ctx.Err(); err != nil {
		return CheckResult{
			Name:     check.name,
			Status:   CheckFail,
			Severity: audit.SeverityCritical,
			Detail:   "check cancelled: " + err.Error(),
		}
	}
	return check.fn(ctx, req)
}

func orderSizeCheck(maxQty, maxNotional decimal.Decimal) CheckFunc {
	return func(_ context.Context, req *Request) CheckResult {
		o := req.Order
		if o.Quantity.LessThanOrEqual(decimal.Zero) {
			return fail("order_size", "quantity must be positive")
		}
		if maxQty.IsPositive() && o.Quantity.GreaterThan(maxQty) {
			return fail("order_size", "quantity "+o.Quantity.String()+" exceeds limit "+maxQty.String())
		}
		price := o.Price
		if price.IsZero() {
			price = req.MarketPrice
		}
		notional := o.Quantity.Mul(price)
		if maxNotional.IsPositive() && notional.GreaterThan(maxNotional) {
			return fail("order_size", "notional "+notional.String()+" exceeds limit "+maxNotional.String())
		}
		return pass("order_size")
	}
}

func priceSanityCheck(maxDeviation decimal.Decimal) CheckFunc {
	return func(_ context.Context, req *Request) CheckResult {
		o := req.Order
		if o.Type != model.OrderTypeLimit || req.MarketPrice.IsZero() {
			return pass("price_sanity")
		}
		if o.Price.LessThanOrEqual(decimal.Zero) {
			return fail("price_sanity", "limit price must be positive")
		}
		deviation := o.Price.Sub(req.MarketPrice).Abs().Div(req.MarketPrice)
		if maxDeviation.IsPositive() && deviation.GreaterThan(maxDeviation) {
			return fail("price_sanity", "price deviates "+deviation.String()+" from market")
		}
		// Half the budget away from market is worth flagging.
		if maxDeviation.IsPositive() && deviation.GreaterThan(maxDeviation.Div(decimal.NewFromInt(2))) {
			return warn("price_sanity", "price deviates "+deviation.String()+" from market")
		}
		return pass("price_sanity")
	}
}

func exposureCheck(maxPositionValue decimal.Decimal) CheckFunc {
	return func(_ context.Context, req *Request) CheckResult {
		o := req.Order
		price := o.Price
		if price.IsZero() {
			price = req.MarketPrice
		}
		delta := o.Quantity
		if o.Side == model.OrderSideSell {
			delta = delta.Neg()
		}
		current := decimal.Zero
		if req.Position != nil {
			current = req.Position.Quantity
		}
		postValue := current.Add(delta).Mul(price).Abs()
		if maxPositionValue.IsPositive() && postValue.GreaterThan(maxPositionValue) {
			return fail("exposure_limit", "post-trade exposure "+postValue.String()+" exceeds limit "+maxPositionValue.String())
		}
		return pass("exposure_limit")
	}
}

// protectionCheck applies the breaker / protection-level gate: EMERGENCY
// or a tripped breaker rejects everything; AGGRESSIVE rejects
// risk-increasing orders; CONSERVATIVE warns on them.
func (g *Gate) protectionCheck(_ context.Context, req *Request) CheckResult {
	if blocked, reason := g.ctrl.TradingBlocked(); blocked {
		return fail("protection_gate", reason)
	}
	level := g.ctrl.Level()
	if level == LevelNone || !increasesRisk(req) {
		return pass("protection_gate")
	}
	switch level {
	case LevelAggressive:
		return fail("protection_gate", "risk-increasing order under AGGRESSIVE protection")
	case LevelConservative:
		return warn("protection_gate", "risk-increasing order under CONSERVATIVE protection")
	}
	return pass("protection_gate")
}

func (g *Gate) rateLimitCheck(_ context.Context, _ *Request) CheckResult {
	if !g.limiter.allow(time.Now()) {
		return fail("rate_limit", "order submission rate limit exceeded")
	}
	return pass("rate_limit")
}

// increasesRisk reports whether the order grows the absolute position.
func increasesRisk(req *Request) bool {
	if req.Position == nil {
		return true
	}
	delta := req.Order.Quantity
	if req.Order.Side == model.OrderSideSell {
		delta = delta.Neg()
	}
	next := req.Position.Quantity.Add(delta)
	return next.Abs().GreaterThan(req.Position.Quantity.Abs())
}

func pass(name string) CheckResult {
	return CheckResult{Name: name, Status: CheckPass, Severity: audit.SeverityInfo}
}

func warn(name, detail string) CheckResult {
	return CheckResult{Name: name, Status: CheckWarn, Severity: audit.SeverityWarning, Detail: detail}
}

func fail(name, detail string) CheckResult {
	return CheckResult{Name: name, Status: CheckFail, Severity: audit.SeverityCritical, Detail: detail}
}

// rateLimiter is a sliding-window submission counter.
type rateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{max: max, window: window}
}

func (rl *rateLimiter) allow(now time.Time) bool {
	if rl.max <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := now.Add(-rl.window)
	keep := rl.stamps[:0]
	for _, t := range rl.stamps {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	rl.stamps = keep
	if len(rl.stamps) >= rl.max {
		return false
	}
	rl.stamps = append(rl.stamps, now)
	return true
}
