package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helixquant/tickbt/internal/market"
	"github.com/helixquant/tickbt/internal/queue"
)

// Order statuses.
type Status string

const (
	// StatusPending: submitted locally, order latency not yet elapsed.
	StatusPending Status = "PENDING"
	// StatusActive: resting in the simulated book at its price level.
	StatusActive          Status = "ACTIVE"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
)

// Terminal reports whether the status is final. Terminal orders are
// immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Order is a simulated order. The ledger owns every Order exclusively; the
// matching engine and queue model reference orders through the ledger by
// id and never retain them across ticks.
type Order struct {
	ID         uuid.UUID
	Instrument string
	Side       market.Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Remaining  decimal.Decimal
	Status     Status

	// Queue is the order's ahead-volume estimate, maintained by the queue
	// position model once the order is Active.
	Queue queue.Estimate

	// LevelPrice identifies the price level the order is queued at. It is
	// Price for a plain resting limit order and tracks the level identity
	// if the order was partially swept on arrival.
	LevelPrice decimal.Decimal

	SubmittedAt int64 // local time the strategy submitted, ns
	ActivatedAt int64 // local time the order became Active, ns
}

// Fill is one confirmed execution applied to the ledger.
type Fill struct {
	OrderID    uuid.UUID
	Instrument string
	Side       market.Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Fee        decimal.Decimal
	Maker      bool
	LocalTS    int64
	// Realized is the PnL realized by this fill under the configured
	// accounting convention; zero for position-increasing fills.
	Realized decimal.Decimal
}

// EquitySample is one point of the run's equity curve.
type EquitySample struct {
	LocalTS int64
	Equity  decimal.Decimal
}

// Instrument describes a tradable product and its currencies.
type Instrument struct {
	Symbol string
	Base   string
	Quote  string
}
