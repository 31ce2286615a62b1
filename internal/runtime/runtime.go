// Package runtime assembles the state plane: cache, event bus, order
// index, risk controller, validation gate and snapshot persistence. All
// wiring lives here; components never reach for each other through
// globals.
package runtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velocimex/hftcore/internal/audit"
	"github.com/velocimex/hftcore/internal/bus"
	"github.com/velocimex/hftcore/internal/cache"
	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/internal/index"
	"github.com/velocimex/hftcore/internal/model"
	"github.com/velocimex/hftcore/internal/persistence"
	"github.com/velocimex/hftcore/internal/risk"
)

// Runtime owns every component and their lifecycle. Construction wires,
// Start launches background loops, Close tears down in reverse order.
type Runtime struct {
	cfg    *config.Config
	logger *zap.Logger

	Cache *cache.StateCache
	Bus   *bus.Bus
	Index *index.OrderIndex
	Risk  *risk.Controller
	Gate  *risk.Gate
	Trail *audit.Ring
	Store *persistence.Store

	redisClient redis.UniversalClient
	cancel      context.CancelFunc
}

// New wires the full component graph from configuration. Nothing runs
// yet; call Start.
func New(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{cfg: cfg, logger: logger}

	var l2 *cache.L2Tier
	if cfg.Cache.RedisAddr != "" {
		rt.redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{cfg.Cache.RedisAddr},
		})
		l2 = cache.NewL2Tier(rt.redisClient, cfg.Cache.RedisTTL, logger)
	}
	rt.Cache = cache.New(cfg.Cache, l2, logger)
	rt.Bus = bus.New(cfg.Bus, logger)
	rt.Index = index.New(cfg.Index, rt.Cache, logger)
	rt.Trail = audit.NewRing(0)
	rt.Risk = risk.NewController(cfg.Risk, rt.Index, rt.Bus, rt.Trail, logger)
	rt.Gate = risk.NewGate(cfg.Risk, rt.Risk, logger)

	if cfg.Persistence.DSN != "" {
		store, err := persistence.NewStore(cfg.Persistence, rt.Index, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build persistence store: %w", err)
		}
		rt.Store = store
	}

	rt.subscribe()
	return rt, nil
}

// subscribe registers the internal consumers that keep the index and
// cache current with the event stream.
func (rt *Runtime) subscribe() {
	budget := rt.cfg.Bus.DefaultMaxLatency

	rt.Bus.Subscribe("index.tick", bus.EventMarketTick, budget, rt.onMarketTick)
	rt.Bus.Subscribe("index.order", bus.EventOrderUpdate, budget, rt.onOrderUpdate)
	rt.Bus.Subscribe("index.fill", bus.EventOrderFill, budget, rt.onOrderFill)
}

func (rt *Runtime) onMarketTick(_ context.Context, e bus.Event) {
	tick, ok := e.Payload.(model.MarketTick)
	if !ok {
		rt.logger.Warn("market tick event with unexpected payload",
			zap.String("event_id", e.ID.String()))
		return
	}
	rt.Cache.Set(cache.TickKey(tick.Exchange, tick.Symbol), tick)
	rt.Index.MarkPrice(tick.Exchange, tick.Symbol, tick.Price)
}

func (rt *Runtime) onOrderUpdate(_ context.Context, e bus.Event) {
	upd, ok := e.Payload.(model.OrderUpdate)
	if !ok {
		rt.logger.Warn("order update event with unexpected payload",
			zap.String("event_id", e.ID.String()))
		return
	}
	if _, err := rt.Index.UpdateOrder(upd.ID, upd.Patch); err != nil {
		rt.logger.Warn("order update rejected by index",
			zap.String("order_id", upd.ID.String()),
			zap.Error(err))
	}
}

func (rt *Runtime) onOrderFill(_ context.Context, e bus.Event) {
	fill, ok := e.Payload.(model.Fill)
	if !ok {
		rt.logger.Warn("fill event with unexpected payload",
			zap.String("event_id", e.ID.String()))
		return
	}
	if _, err := rt.Index.ApplyFill(fill); err != nil {
		rt.logger.Warn("fill rejected by index",
			zap.String("order_id", fill.OrderID.String()),
			zap.Error(err))
	}
}

// SubmitOrder runs the pre-trade gate, admits the order into the index
// when allowed, and publishes the validation outcome. The Decision is
// returned either way; a rejection is not an error.
func (rt *Runtime) SubmitOrder(ctx context.Context, order *model.OrderRecord) (risk.Decision, error) {
	marketPrice := rt.marketPrice(order.Exchange, order.Symbol)
	position, _ := rt.Index.Position(order.Exchange, order.Symbol)

	decision := rt.Gate.ValidatePreTrade(ctx, order, marketPrice, position)
	if decision.Allowed {
		if err := rt.Index.AddOrder(order); err != nil {
			return decision, err
		}
	}
	if err := rt.Bus.Publish(bus.Event{
		Type:     bus.EventValidation,
		Exchange: order.Exchange,
		Symbol:   order.Symbol,
		Payload:  decision,
		Priority: 2,
	}); err != nil {
		rt.logger.Warn("failed to publish validation outcome", zap.Error(err))
	}
	return decision, nil
}

// marketPrice resolves the latest tick price through the cache,
// falling back to the index mark price when no tick is available.
func (rt *Runtime) marketPrice(exchange, symbol string) decimal.Decimal {
	if v, ok := rt.Cache.Get(cache.TickKey(exchange, symbol)); ok {
		if tick, ok := v.(model.MarketTick); ok {
			return tick.Price
		}
	}
	if pos, ok := rt.Index.Position(exchange, symbol); ok {
		return pos.MarkPrice
	}
	return decimal.Zero
}

// Start launches cache sweeping, index cleanup, the risk loop and the
// snapshot flusher.
func (rt *Runtime) Start(ctx context.Context) {
	ctx, rt.cancel = context.WithCancel(ctx)
	rt.Cache.Start()
	rt.Bus.Start()
	rt.Index.Start()
	go rt.Risk.Run(ctx)
	if rt.Store != nil {
		rt.Store.Start(ctx)
	}
	rt.logger.Info("runtime started",
		zap.Int("lanes", len(rt.cfg.Bus.Lanes)),
		zap.Duration("risk_tick", rt.cfg.Risk.TickInterval))
}

// Close shuts everything down in reverse dependency order. Safe to call
// once after Start.
func (rt *Runtime) Close() {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.Bus.Close()
	rt.Risk.Close()
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			rt.logger.Warn("persistence close failed", zap.Error(err))
		}
	}
	rt.Index.Close()
	rt.Cache.Close()
	if rt.redisClient != nil {
		if err := rt.redisClient.Close(); err != nil {
			rt.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	rt.logger.Info("runtime stopped")
}
