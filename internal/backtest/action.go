package backtest

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helixquant/tickbt/internal/market"
)

// ActionKind tags a strategy action.
type ActionKind string

const (
	ActionSubmit ActionKind = "SUBMIT"
	ActionCancel ActionKind = "CANCEL"
)

// Action is one order action returned by the strategy. Actions are
// timestamped at the current tick and reach the exchange after order
// latency.
type Action struct {
	Kind ActionKind

	// Submit fields
	Instrument string
	Side       market.Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal

	// Cancel field
	OrderID uuid.UUID
}

// SubmitAction builds a submit action.
func SubmitAction(instrument string, side market.Side, price, qty decimal.Decimal) Action {
	return Action{Kind: ActionSubmit, Instrument: instrument, Side: side, Price: price, Quantity: qty}
}

// CancelAction builds a cancel action.
func CancelAction(id uuid.UUID) Action {
	return Action{Kind: ActionCancel, OrderID: id}
}
