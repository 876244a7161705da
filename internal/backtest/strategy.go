package backtest

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helixquant/tickbt/internal/book"
	"github.com/helixquant/tickbt/internal/ledger"
	"github.com/helixquant/tickbt/internal/match"
	"github.com/helixquant/tickbt/internal/market"
)

// Tick is the state handed to the strategy on every step of the timeline:
// the current clock, read access to books and ledger, and the execution
// reports this step emitted. The strategy must treat everything reachable
// from a Tick as read-only and must not retain it across calls.
type Tick struct {
	Now     int64
	Event   *market.Event // the market event driving this tick, nil for action ticks
	Reports []match.Report

	books  map[string]*book.Book
	ledger *ledger.Ledger
}

// Book returns the reconstructed book for an instrument.
func (t Tick) Book(instrument string) *book.Book { return t.books[instrument] }

// Ledger exposes read-only account queries.
func (t Tick) Ledger() *ledger.Ledger { return t.ledger }

// Strategy is the callback surface driven by the simulation. OnTick runs
// synchronously between timeline steps; returned actions are scheduled at
// the current time plus order latency. The same interface drives live
// trading, which is what keeps strategy code identical across both.
type Strategy interface {
	OnTick(t Tick) []Action
}

// Gateway is the order entry contract. The backtester satisfies it
// directly; a live deployment satisfies it with a connector process.
// Both submit and cancel are asynchronous: the acknowledgement, fill or
// rejection arrives via Tick reports after order latency elapses.
type Gateway interface {
	Submit(instrument string, side market.Side, price, qty decimal.Decimal) (uuid.UUID, error)
	Cancel(id uuid.UUID) error
}
