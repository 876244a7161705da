// Package queue estimates a simulated order's position within the
// exchange's matching queue at its price level.
//
// The exact composition of the queue ahead of a simulated order is
// unobservable from L2 data, so every model maintains a single aggregate
// "ahead volume" scalar per order: how much resting volume must trade
// through before the order is next in line. Models differ only in how
// observed trades and depth shrinkage deplete that scalar. This is the
// main source of approximation error in the whole simulation, which is why
// the models live behind one small contract and are tested in isolation.
package queue

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Estimate is the per-order queue state. Ahead is monotonically
// non-increasing for the life of the order; an order is never re-queued.
type Estimate struct {
	Ahead decimal.Decimal
}

// Model apportions observed volume at an order's price level.
type Model interface {
	// Consume attributes a trade of size traded at the order's level.
	// It depletes est.Ahead and returns the volume attributable to the
	// order itself this step, before capping against remaining quantity
	// and counter-side liquidity (the matching engine applies those caps).
	Consume(est *Estimate, remaining, traded decimal.Decimal) decimal.Decimal

	// Shrink accounts for the level's aggregate resting size dropping from
	// before to after without a trade, i.e. cancellations. How much of the
	// cancelled volume was ahead of the order is model-dependent.
	Shrink(est *Estimate, before, after decimal.Decimal)
}

// New constructs the model named by policy. Recognized policies: "fifo",
// "prorata", "discount" (discount requires factor >= 1).
func New(policy string, factor decimal.Decimal) (Model, error) {
	switch policy {
	case "", "fifo":
		return FIFO{}, nil
	case "prorata":
		return ProRata{}, nil
	case "discount":
		if factor.LessThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("queue policy %q: factor must be >= 1, got %s", policy, factor)
		}
		return Discount{Factor: factor}, nil
	}
	return nil, fmt.Errorf("unknown queue policy %q", policy)
}

// FIFO is the default price-time-priority model. A trade consumes the
// queue from the front: the full traded size depletes ahead volume until
// it reaches zero, and only the remainder is attributed to the order.
type FIFO struct{}

func (FIFO) Consume(est *Estimate, _, traded decimal.Decimal) decimal.Decimal {
	ahead := est.Ahead
	est.Ahead = decimal.Max(decimal.Zero, ahead.Sub(traded))
	return decimal.Max(decimal.Zero, traded.Sub(ahead))
}

// Shrink under FIFO only clamps: cancelled volume is assumed to come from
// behind the order, but ahead volume can never exceed what rests at the
// level.
func (FIFO) Shrink(est *Estimate, _, after decimal.Decimal) {
	if est.Ahead.GreaterThan(after) {
		est.Ahead = after
	}
}

// ProRata attributes traded volume proportionally between the queue ahead
// and the order, as on pro-rata matched markets.
type ProRata struct{}

func (ProRata) Consume(est *Estimate, remaining, traded decimal.Decimal) decimal.Decimal {
	total := est.Ahead.Add(remaining)
	if !total.IsPositive() {
		return decimal.Zero
	}
	aheadShare := traded.Mul(est.Ahead).Div(total)
	est.Ahead = decimal.Max(decimal.Zero, est.Ahead.Sub(aheadShare))
	return decimal.Min(traded.Sub(aheadShare), traded)
}

// Shrink under pro-rata scales ahead volume with the level.
func (ProRata) Shrink(est *Estimate, before, after decimal.Decimal) {
	if !before.IsPositive() {
		est.Ahead = decimal.Zero
		return
	}
	est.Ahead = est.Ahead.Mul(after).Div(before)
}

// Discount is FIFO with a partial-fill-ahead discount: Factor > 1 assumes
// a share of the queue ahead cancels before trading, so ahead volume
// depletes Factor times faster and only Ahead/Factor volume must actually
// trade through before the order starts filling.
type Discount struct {
	Factor decimal.Decimal
}

func (d Discount) Consume(est *Estimate, _, traded decimal.Decimal) decimal.Decimal {
	ahead := est.Ahead
	est.Ahead = decimal.Max(decimal.Zero, ahead.Sub(traded.Mul(d.Factor)))
	return decimal.Max(decimal.Zero, traded.Sub(ahead.Div(d.Factor)))
}

func (d Discount) Shrink(est *Estimate, _, after decimal.Decimal) {
	if est.Ahead.GreaterThan(after) {
		est.Ahead = after
	}
}
