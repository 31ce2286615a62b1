// Package model defines the canonical order, position and market data
// records shared by the state plane. OrderRecord instances are owned by
// the order index; everything else treats them as read-only copies.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order sides, types and statuses.
const (
	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order types
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	// Order statuses
	OrderStatusPending         = "PENDING"
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)

// MarketTick is a single price observation from a market data feed.
// Immutable once created; Sequence is monotonic per (exchange, symbol).
type MarketTick struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderRecord is the canonical order state. Mutations go through the
// order index update API only.
type OrderRecord struct {
	ID             uuid.UUID       `json:"id"`
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the order can no longer transition.
func (o *OrderRecord) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Clone returns a copy safe to hand outside the index.
func (o *OrderRecord) Clone() *OrderRecord {
	c := *o
	return &c
}

// OrderPatch describes a partial mutation applied by the order index.
// Nil fields are left untouched.
type OrderPatch struct {
	Price          *decimal.Decimal
	Quantity       *decimal.Decimal
	FilledQuantity *decimal.Decimal
	Status         *string
}

// OrderUpdate pairs an order id with the patch to apply. It is the
// payload of order update events.
type OrderUpdate struct {
	ID    uuid.UUID  `json:"id"`
	Patch OrderPatch `json:"patch"`
}

// PositionRecord tracks the net position for one (exchange, symbol).
// Created on first fill, removed when the quantity returns to zero.
type PositionRecord struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a copy safe to hand outside the index.
func (p *PositionRecord) Clone() *PositionRecord {
	c := *p
	return &c
}

// Fill is an execution against an order, consumed from exchange
// connector events.
type Fill struct {
	OrderID   uuid.UUID       `json:"order_id"`
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}
