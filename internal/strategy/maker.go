// Package strategy ships reference strategies for exercising the
// simulator end to end.
package strategy

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixquant/tickbt/internal/backtest"
	"github.com/helixquant/tickbt/internal/market"
)

// Maker is a minimal symmetric market maker: it keeps one bid and one ask
// resting Spread away from the mid, re-quoting whenever the mid moves by
// more than Requote. It exists to exercise the full simulation surface
// (quoting, queueing, cancel/fill races) rather than to make money.
type Maker struct {
	Instrument string
	Spread     decimal.Decimal // half-spread off mid
	Size       decimal.Decimal
	Requote    decimal.Decimal // mid move that triggers re-quoting

	logger  *zap.Logger
	lastMid decimal.Decimal
	quoted  bool
}

// NewMaker creates a maker strategy for instrument.
func NewMaker(instrument string, spread, size, requote decimal.Decimal, logger *zap.Logger) *Maker {
	return &Maker{
		Instrument: instrument,
		Spread:     spread,
		Size:       size,
		Requote:    requote,
		logger:     logger.Named("maker").With(zap.String("instrument", instrument)),
	}
}

// OnTick implements backtest.Strategy.
func (m *Maker) OnTick(t backtest.Tick) []backtest.Action {
	for _, r := range t.Reports {
		if r.Fill != nil {
			m.logger.Debug("quote filled",
				zap.String("side", string(r.Fill.Side)),
				zap.String("price", r.Fill.Price.String()),
				zap.String("size", r.Fill.Size.String()))
		}
	}

	b := t.Book(m.Instrument)
	if b == nil {
		return nil
	}
	mid, ok := b.Mid()
	if !ok {
		return nil
	}
	if m.quoted && mid.Sub(m.lastMid).Abs().LessThan(m.Requote) {
		return nil
	}

	// Pull stale quotes, then place a fresh pair around the new mid.
	var actions []backtest.Action
	for _, o := range t.Ledger().OpenOrders(m.Instrument) {
		actions = append(actions, backtest.CancelAction(o.ID))
	}
	actions = append(actions,
		backtest.SubmitAction(m.Instrument, market.SideBuy, mid.Sub(m.Spread), m.Size),
		backtest.SubmitAction(m.Instrument, market.SideSell, mid.Add(m.Spread), m.Size),
	)
	m.lastMid = mid
	m.quoted = true
	return actions
}
