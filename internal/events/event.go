// Package events carries coordinator triggers between workflows. Each
// event type has its own queue and workers; events are published only
// after the transaction that produced them has committed.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/usef/backend/internal/ptu"
)

// Type names an event
type Type string

const (
	ReOptimizePortfolio                  Type = "REOPTIMIZE_PORTFOLIO"
	ReCreatePrognoses                    Type = "RECREATE_PROGNOSES"
	PlaceFlexOrders                      Type = "PLACE_FLEX_ORDERS"
	CollectSmartMeterData                Type = "COLLECT_SMART_METER_DATA"
	FinalizeInitiateSettlement           Type = "FINALIZE_INITIATE_SETTLEMENT"
	FinalizeUnfinishedInitiateSettlement Type = "FINALIZE_UNFINISHED_INITIATE_SETTLEMENT"
	CheckInitiateSettlementDone          Type = "CHECK_INITIATE_SETTLEMENT_DONE"
)

// AllTypes lists every event type
var AllTypes = []Type{
	ReOptimizePortfolio,
	ReCreatePrognoses,
	PlaceFlexOrders,
	CollectSmartMeterData,
	FinalizeInitiateSettlement,
	FinalizeUnfinishedInitiateSettlement,
	CheckInitiateSettlementDone,
}

// Event is an immutable trigger
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Period    ptu.Date  `json:"period"`
	PeriodEnd ptu.Date  `json:"period_end,omitempty"` // inclusive end for range events
	// Connection group the event is scoped to, empty for all groups
	ConnectionGroupID string `json:"connection_group,omitempty"`
	// Sequence of the planboard message the event relates to
	Sequence  int64     `json:"sequence,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates an event with a fresh ID
func New(t Type, period ptu.Date) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Period:    period,
		CreatedAt: time.Now(),
	}
}

// NewRange creates an event covering [from, until]
func NewRange(t Type, from, until ptu.Date) Event {
	ev := New(t, from)
	ev.PeriodEnd = until
	return ev
}

// Publisher accepts events for asynchronous handling
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Pending collects events produced inside a transaction so they can be
// published once it has committed
type Pending struct {
	events []Event
}

// Add queues ev
func (p *Pending) Add(ev Event) {
	p.events = append(p.events, ev)
}

// Events returns the queued events
func (p *Pending) Events() []Event {
	return p.events
}

// Reset drops the queued events, used when a transaction is retried
func (p *Pending) Reset() {
	p.events = nil
}

// PublishAll publishes every queued event and stops at the first error
func (p *Pending) PublishAll(ctx context.Context, pub Publisher) error {
	for _, ev := range p.events {
		if err := pub.Publish(ctx, ev); err != nil {
			return err
		}
	}
	p.events = nil
	return nil
}
