// Package bus implements the priority-laned event dispatcher carrying
// market, order and risk events between producers and consumers. Publish
// never blocks; lanes apply an explicit full-queue policy and dispatch is
// strict-priority with a starvation guard.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType labels the payload carried by an event. Ordering is
// guaranteed per type per handler, never across types.
type EventType string

const (
	EventMarketTick  EventType = "market.tick"
	EventOrderUpdate EventType = "order.update"
	EventOrderFill   EventType = "order.fill"
	EventRiskBreach  EventType = "risk.breach"
	EventValidation  EventType = "risk.validation"
)

// Event is the unit passed through the bus. Priority 1 is the highest
// lane; the valid range is 1..number of configured lanes.
type Event struct {
	ID          uuid.UUID
	Type        EventType
	Exchange    string
	Symbol      string
	Payload     any
	Priority    int
	PublishedAt time.Time
}
