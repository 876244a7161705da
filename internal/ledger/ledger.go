// Package ledger owns the simulated account: order lifecycle state,
// balances per currency, position per instrument, fees and realized PnL.
// Nothing else in the core mutates this state; the matching engine applies
// fills exclusively through Ledger methods.
package ledger

import (
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixquant/tickbt/internal/market"
	"github.com/helixquant/tickbt/internal/simerr"
)

// Accounting conventions for realized PnL on position-reducing fills.
const (
	AccountingFIFO    = "fifo"
	AccountingAvgCost = "avgcost"
)

// lot is an open position slice under FIFO accounting. Qty is positive for
// long lots and negative for short lots; a lots list never mixes signs.
type lot struct {
	qty   decimal.Decimal
	price decimal.Decimal
}

// Ledger tracks all account state for one simulated strategy.
type Ledger struct {
	logger     *zap.Logger
	accounting string
	fees       *FeeSchedule
	idSource   io.Reader // deterministic uuid stream for the run

	instruments map[string]Instrument

	orders map[uuid.UUID]*Order
	open   map[string][]*Order // non-terminal orders per instrument

	balances map[string]decimal.Decimal // free + locked, per currency
	locked   map[string]decimal.Decimal // reserved for open orders

	lots     map[string][]lot           // FIFO accounting state
	avgCost  map[string]decimal.Decimal // average-cost accounting state
	position map[string]decimal.Decimal // signed base position per instrument

	realized decimal.Decimal            // cumulative realized PnL, quote units
	feesPaid map[string]decimal.Decimal // per currency
	volume   decimal.Decimal            // cumulative traded notional, drives fee tiers

	fills  []Fill
	equity []EquitySample
}

// New creates a ledger.
//
// idSource supplies the randomness behind order ids; passing the run's
// seeded stream makes ids, and therefore entire runs, reproducible.
func New(logger *zap.Logger, instruments []Instrument, balances map[string]decimal.Decimal,
	fees *FeeSchedule, accounting string, idSource io.Reader) (*Ledger, error) {

	if accounting != AccountingFIFO && accounting != AccountingAvgCost {
		return nil, fmt.Errorf("unknown accounting convention %q", accounting)
	}
	if fees == nil {
		fees = FlatFees(decimal.Zero, decimal.Zero)
	}
	l := &Ledger{
		logger:      logger.Named("ledger"),
		accounting:  accounting,
		fees:        fees,
		idSource:    idSource,
		instruments: make(map[string]Instrument, len(instruments)),
		orders:      make(map[uuid.UUID]*Order),
		open:        make(map[string][]*Order),
		balances:    make(map[string]decimal.Decimal),
		locked:      make(map[string]decimal.Decimal),
		lots:        make(map[string][]lot),
		avgCost:     make(map[string]decimal.Decimal),
		position:    make(map[string]decimal.Decimal),
		feesPaid:    make(map[string]decimal.Decimal),
	}
	for _, ins := range instruments {
		l.instruments[ins.Symbol] = ins
	}
	for ccy, amt := range balances {
		l.balances[ccy] = amt
	}
	return l, nil
}

// NewOrder registers a Pending order. The order is not yet in the book;
// it becomes Active once its order latency elapses.
func (l *Ledger) NewOrder(instrument string, side market.Side, price, qty decimal.Decimal, localTS int64) (*Order, error) {
	if _, ok := l.instruments[instrument]; !ok {
		return nil, fmt.Errorf("unknown instrument %q", instrument)
	}
	if !qty.IsPositive() || !price.IsPositive() {
		return nil, fmt.Errorf("%w: order price and quantity must be positive", simerr.ErrPolicyRejection)
	}
	id, err := uuid.NewRandomFromReader(l.idSource)
	if err != nil {
		return nil, fmt.Errorf("generate order id: %w", err)
	}
	o := &Order{
		ID:          id,
		Instrument:  instrument,
		Side:        side,
		Price:       price,
		Quantity:    qty,
		Remaining:   qty,
		Status:      StatusPending,
		LevelPrice:  price,
		SubmittedAt: localTS,
	}
	l.orders[o.ID] = o
	l.open[instrument] = append(l.open[instrument], o)
	return o, nil
}

// Get looks up an order by id.
func (l *Ledger) Get(id uuid.UUID) (*Order, error) {
	o, ok := l.orders[id]
	if !ok {
		return nil, simerr.ErrOrderNotFound
	}
	return o, nil
}

// OpenOrders returns the non-terminal orders for an instrument, in
// submission order.
func (l *Ledger) OpenOrders(instrument string) []*Order {
	src := l.open[instrument]
	out := make([]*Order, len(src))
	copy(out, src)
	return out
}

// Reserve locks the funds an order commits: quote notional for buys, base
// quantity for sells. It fails with ErrInsufficientBalance when the free
// balance cannot cover the reservation.
func (l *Ledger) Reserve(o *Order) error {
	ccy, amt := l.commitment(o, o.Remaining, o.Price)
	free := l.balances[ccy].Sub(l.locked[ccy])
	if free.LessThan(amt) {
		return fmt.Errorf("%w: need %s %s, free %s", simerr.ErrInsufficientBalance, amt, ccy, free)
	}
	l.locked[ccy] = l.locked[ccy].Add(amt)
	return nil
}

// release unlocks the commitment for qty units at the order's limit price.
func (l *Ledger) release(o *Order, qty decimal.Decimal) {
	ccy, amt := l.commitment(o, qty, o.Price)
	l.locked[ccy] = decimal.Max(decimal.Zero, l.locked[ccy].Sub(amt))
}

func (l *Ledger) commitment(o *Order, qty, price decimal.Decimal) (string, decimal.Decimal) {
	ins := l.instruments[o.Instrument]
	if o.Side == market.SideBuy {
		return ins.Quote, qty.Mul(price)
	}
	return ins.Base, qty
}

// Activate transitions a Pending order into the book with its initial
// queue estimate: everything already resting at the level is ahead of it.
func (l *Ledger) Activate(o *Order, aheadVolume decimal.Decimal, localTS int64) {
	o.Status = StatusActive
	o.ActivatedAt = localTS
	o.Queue.Ahead = aheadVolume
}

// Cancel transitions an order to Cancelled and releases its reservation.
// Terminal orders are left untouched.
func (l *Ledger) Cancel(o *Order) {
	if o.Status.Terminal() {
		return
	}
	o.Status = StatusCancelled
	l.release(o, o.Remaining)
	l.removeOpen(o)
}

// Reject marks an order Rejected and releases any reservation.
func (l *Ledger) Reject(o *Order, reserved bool) {
	if o.Status.Terminal() {
		return
	}
	o.Status = StatusRejected
	if reserved {
		l.release(o, o.Remaining)
	}
	l.removeOpen(o)
}

// ApplyFill applies a confirmed execution of qty at price to the order and
// account. It decrements remaining quantity, moves balances net of fees,
// updates position and realizes PnL on position-reducing volume.
func (l *Ledger) ApplyFill(o *Order, price, qty decimal.Decimal, maker bool, localTS int64) Fill {
	ins := l.instruments[o.Instrument]
	notional := qty.Mul(price)
	fee := l.fees.Fee(notional, maker, l.volume)
	l.volume = l.volume.Add(notional)

	l.release(o, qty)
	if o.Side == market.SideBuy {
		l.balances[ins.Quote] = l.balances[ins.Quote].Sub(notional).Sub(fee)
		l.balances[ins.Base] = l.balances[ins.Base].Add(qty)
	} else {
		l.balances[ins.Base] = l.balances[ins.Base].Sub(qty)
		l.balances[ins.Quote] = l.balances[ins.Quote].Add(notional).Sub(fee)
	}
	l.feesPaid[ins.Quote] = l.feesPaid[ins.Quote].Add(fee)

	realized := l.applyPosition(o.Instrument, o.Side, price, qty)
	l.realized = l.realized.Add(realized)

	o.Remaining = o.Remaining.Sub(qty)
	if o.Remaining.IsPositive() {
		o.Status = StatusPartiallyFilled
	} else {
		o.Status = StatusFilled
		l.removeOpen(o)
	}

	f := Fill{
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Side:       o.Side,
		Price:      price,
		Size:       qty,
		Fee:        fee,
		Maker:      maker,
		LocalTS:    localTS,
		Realized:   realized,
	}
	l.fills = append(l.fills, f)
	l.logger.Debug("fill applied",
		zap.String("order_id", o.ID.String()),
		zap.String("price", price.String()),
		zap.String("size", qty.String()),
		zap.Bool("maker", maker))
	return f
}

// applyPosition updates the signed position and returns realized PnL for
// the position-reducing part of the fill.
func (l *Ledger) applyPosition(instrument string, side market.Side, price, qty decimal.Decimal) decimal.Decimal {
	signed := qty
	if side == market.SideSell {
		signed = qty.Neg()
	}
	var realized decimal.Decimal
	if l.accounting == AccountingFIFO {
		realized = l.applyLotsFIFO(instrument, signed, price)
	} else {
		realized = l.applyAvgCost(instrument, signed, price)
	}
	l.position[instrument] = l.position[instrument].Add(signed)
	return realized
}

func (l *Ledger) applyLotsFIFO(instrument string, signed, price decimal.Decimal) decimal.Decimal {
	lots := l.lots[instrument]
	realized := decimal.Zero
	remaining := signed
	// Close existing lots of the opposite sign front to back.
	for len(lots) > 0 && !remaining.IsZero() && lots[0].qty.Sign() != remaining.Sign() {
		open := lots[0]
		closeQty := decimal.Min(remaining.Abs(), open.qty.Abs())
		// A long lot closed by a sell realizes (sell - cost) * qty; a
		// short lot closed by a buy realizes (cost - buy) * qty.
		diff := price.Sub(open.price)
		if open.qty.Sign() < 0 {
			diff = diff.Neg()
		}
		realized = realized.Add(diff.Mul(closeQty))
		if open.qty.Abs().GreaterThan(closeQty) {
			if open.qty.Sign() > 0 {
				lots[0].qty = open.qty.Sub(closeQty)
			} else {
				lots[0].qty = open.qty.Add(closeQty)
			}
		} else {
			lots = lots[1:]
		}
		if remaining.Sign() > 0 {
			remaining = remaining.Sub(closeQty)
		} else {
			remaining = remaining.Add(closeQty)
		}
	}
	if !remaining.IsZero() {
		lots = append(lots, lot{qty: remaining, price: price})
	}
	l.lots[instrument] = lots
	return realized
}

func (l *Ledger) applyAvgCost(instrument string, signed, price decimal.Decimal) decimal.Decimal {
	pos := l.position[instrument]
	avg := l.avgCost[instrument]
	realized := decimal.Zero

	if pos.IsZero() || pos.Sign() == signed.Sign() {
		// Increasing: new average cost.
		newPos := pos.Add(signed)
		if !newPos.IsZero() {
			l.avgCost[instrument] = pos.Abs().Mul(avg).Add(signed.Abs().Mul(price)).Div(newPos.Abs())
		}
		return realized
	}

	closeQty := decimal.Min(pos.Abs(), signed.Abs())
	diff := price.Sub(avg)
	if pos.Sign() < 0 {
		diff = diff.Neg()
	}
	realized = diff.Mul(closeQty)

	if signed.Abs().GreaterThan(pos.Abs()) {
		// Position flips: remainder opens at the fill price.
		l.avgCost[instrument] = price
	} else if pos.Abs().Equal(closeQty) {
		l.avgCost[instrument] = decimal.Zero
	}
	return realized
}

func (l *Ledger) removeOpen(o *Order) {
	list := l.open[o.Instrument]
	for i, oo := range list {
		if oo.ID == o.ID {
			l.open[o.Instrument] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Balance returns the total balance for a currency.
func (l *Ledger) Balance(ccy string) decimal.Decimal { return l.balances[ccy] }

// Position returns the signed base position for an instrument.
func (l *Ledger) Position(instrument string) decimal.Decimal { return l.position[instrument] }

// RealizedPnL returns cumulative realized PnL in quote units.
func (l *Ledger) RealizedPnL() decimal.Decimal { return l.realized }

// FeesPaid returns cumulative fees for a currency.
func (l *Ledger) FeesPaid(ccy string) decimal.Decimal { return l.feesPaid[ccy] }

// Volume returns cumulative traded notional.
func (l *Ledger) Volume() decimal.Decimal { return l.volume }

// UnrealizedPnL marks the open position for an instrument to price.
func (l *Ledger) UnrealizedPnL(instrument string, mark decimal.Decimal) decimal.Decimal {
	pos := l.position[instrument]
	if pos.IsZero() {
		return decimal.Zero
	}
	if l.accounting == AccountingAvgCost {
		return mark.Sub(l.avgCost[instrument]).Mul(pos)
	}
	unreal := decimal.Zero
	for _, lt := range l.lots[instrument] {
		unreal = unreal.Add(mark.Sub(lt.price).Mul(lt.qty))
	}
	return unreal
}

// Equity values the whole account in quote units: currency balances plus
// unrealized PnL is already embedded in base balances, so equity is the
// sum of quote balances and base balances marked at the given prices
// (keyed by instrument). Instruments are walked in sorted symbol order so
// a currency shared by several instruments is always valued at the same
// mark; identical state must yield identical equity.
func (l *Ledger) Equity(marks map[string]decimal.Decimal) decimal.Decimal {
	syms := make([]string, 0, len(l.instruments))
	for sym := range l.instruments {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	eq := decimal.Zero
	marked := make(map[string]bool)
	for _, sym := range syms {
		ins := l.instruments[sym]
		if mark, ok := marks[sym]; ok && !marked[ins.Base] {
			eq = eq.Add(l.balances[ins.Base].Mul(mark))
			marked[ins.Base] = true
		}
		if !marked[ins.Quote] {
			eq = eq.Add(l.balances[ins.Quote])
			marked[ins.Quote] = true
		}
	}
	return eq
}

// SampleEquity appends an equity-curve point at the given local time.
func (l *Ledger) SampleEquity(localTS int64, marks map[string]decimal.Decimal) EquitySample {
	s := EquitySample{LocalTS: localTS, Equity: l.Equity(marks)}
	l.equity = append(l.equity, s)
	return s
}

// Fills returns the fill history, oldest first.
func (l *Ledger) Fills() []Fill {
	out := make([]Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

// EquityCurve returns the recorded equity samples.
func (l *Ledger) EquityCurve() []EquitySample {
	out := make([]EquitySample, len(l.equity))
	copy(out, l.equity)
	return out
}
