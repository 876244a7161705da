// Package match decides which resting simulated orders fill as market
// events replay. It owns the per-order state machine
//
//	Pending -> Active -> (PartiallyFilled ...) -> Filled | Cancelled | Rejected
//
// and drives the queue position model: a simulated order never trades
// against other simulated orders, only against the replayed market, so
// fills are inferred from observed trades and the order's estimated queue
// position at its price level.
package match

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixquant/tickbt/internal/book"
	"github.com/helixquant/tickbt/internal/ledger"
	"github.com/helixquant/tickbt/internal/market"
	"github.com/helixquant/tickbt/internal/metrics"
	"github.com/helixquant/tickbt/internal/queue"
	"github.com/helixquant/tickbt/internal/simerr"
)

// Engine is the matching engine for one instrument.
type Engine struct {
	logger *zap.Logger
	book   *book.Book
	ledger *ledger.Ledger
	queue  queue.Model

	// limitOnly rejects marketable orders instead of matching them
	// aggressively against resting depth.
	limitOnly bool
}

// New creates a matching engine over the given book and ledger.
func New(logger *zap.Logger, b *book.Book, l *ledger.Ledger, q queue.Model, limitOnly bool) *Engine {
	return &Engine{
		logger:    logger.Named("match").With(zap.String("instrument", b.Instrument())),
		book:      b,
		ledger:    l,
		queue:     q,
		limitOnly: limitOnly,
	}
}

// OnMarketEvent applies ev to the book and steps the state machines of all
// resting orders. The returned reports carry any fills this event caused.
// A fatal error (out-of-order data) is returned unwrapped so the run can
// abort.
func (e *Engine) OnMarketEvent(ev market.Event, localTS int64) ([]Report, error) {
	resting := e.resting()

	// Depth at each resting order's level before the event, for attribution
	// of cancellations ahead.
	before := make(map[uuid.UUID]decimal.Decimal, len(resting))
	for _, o := range resting {
		before[o.ID] = e.book.DepthAt(o.Side, o.LevelPrice)
	}

	if err := e.book.Apply(ev); err != nil {
		return nil, err
	}

	var reports []Report
	if ev.Kind == market.KindTrade {
		reports = e.matchTrade(ev, resting, localTS)
	}

	// Depth decreases not caused by this trade's own consumption are
	// cancellations: let the queue model attribute them.
	for _, o := range resting {
		if o.Status.Terminal() {
			continue
		}
		if ev.Kind == market.KindTrade && o.Side == restingSide(ev) && o.LevelPrice.Equal(ev.Price) {
			continue
		}
		after := e.book.DepthAt(o.Side, o.LevelPrice)
		if after.LessThan(before[o.ID]) {
			e.queue.Shrink(&o.Queue, before[o.ID], after)
		}
	}
	return reports, nil
}

// restingSide returns the side of the book the trade consumed.
func restingSide(ev market.Event) market.Side {
	if ev.Side == market.SideBuy || ev.Side == market.SideSell {
		return ev.Side
	}
	return ev.Aggressor.Opposite()
}

// matchTrade fills resting orders affected by a trade. Orders exactly at
// the traded price consume the trade through the queue model; orders at
// prices the trade swept through (a print beyond their level) must have
// had their whole level consumed and fill in full.
func (e *Engine) matchTrade(ev market.Event, resting []*ledger.Order, localTS int64) []Report {
	side := restingSide(ev)

	var atLevel, swept []*ledger.Order
	for _, o := range resting {
		if o.Side != side {
			continue
		}
		switch {
		case o.LevelPrice.Equal(ev.Price):
			atLevel = append(atLevel, o)
		case side == market.SideBuy && o.LevelPrice.GreaterThan(ev.Price),
			side == market.SideSell && o.LevelPrice.LessThan(ev.Price):
			swept = append(swept, o)
		}
	}

	var reports []Report
	for _, o := range swept {
		o.Queue.Ahead = decimal.Zero
		reports = append(reports, e.fill(o, o.Price, o.Remaining, true, localTS))
	}

	// Earlier-queued orders fill first; ascending ahead volume is the
	// deterministic tie-break the whole engine hangs on.
	sortByQueue(atLevel)

	budget := ev.Size
	for _, o := range atLevel {
		fillable := e.queue.Consume(&o.Queue, o.Remaining, ev.Size)
		qty := decimal.Min(fillable, o.Remaining, budget)
		if !qty.IsPositive() {
			continue
		}
		budget = budget.Sub(qty)
		reports = append(reports, e.fill(o, o.Price, qty, true, localTS))
	}
	return reports
}

// OnOrderArrival handles a new order reaching the exchange after its order
// latency. Marketable orders match immediately as takers (or reject under
// limit-only policy); everything else queues at its level behind the
// volume currently resting there.
func (e *Engine) OnOrderArrival(o *ledger.Order, localTS int64) []Report {
	if o.Status.Terminal() {
		return nil
	}

	if !e.crosses(o) {
		e.ledger.Activate(o, e.book.DepthAt(o.Side, o.Price), localTS)
		return []Report{{Kind: ReportAck, OrderID: o.ID, LocalTS: localTS}}
	}

	if e.limitOnly {
		e.ledger.Reject(o, true)
		metrics.OrdersRejected.WithLabelValues("policy").Inc()
		e.logger.Debug("crossing order rejected under limit-only policy",
			zap.String("order_id", o.ID.String()),
			zap.String("price", o.Price.String()))
		return []Report{{
			Kind:    ReportRejected,
			OrderID: o.ID,
			Reason:  simerr.ErrPolicyRejection.Error(),
			LocalTS: localTS,
		}}
	}

	// Aggressive: sweep resting opposite depth up to the limit price. The
	// reconstructed book is not mutated; the simulation assumes no market
	// impact from its own orders.
	reports := e.sweep(o, localTS)
	if o.Status.Terminal() {
		return reports
	}
	// Residual rests at the limit price.
	e.ledger.Activate(o, e.book.DepthAt(o.Side, o.Price), localTS)
	return append(reports, Report{Kind: ReportAck, OrderID: o.ID, LocalTS: localTS})
}

func (e *Engine) crosses(o *ledger.Order) bool {
	if o.Side == market.SideBuy {
		if ask, ok := e.book.BestAsk(); ok {
			return o.Price.GreaterThanOrEqual(ask.Price)
		}
		return false
	}
	if bid, ok := e.book.BestBid(); ok {
		return o.Price.LessThanOrEqual(bid.Price)
	}
	return false
}

func (e *Engine) sweep(o *ledger.Order, localTS int64) []Report {
	var reports []Report
	var levels []book.Level
	e.book.ScanSide(o.Side.Opposite(), func(l book.Level) bool {
		if o.Side == market.SideBuy && l.Price.GreaterThan(o.Price) {
			return false
		}
		if o.Side == market.SideSell && l.Price.LessThan(o.Price) {
			return false
		}
		levels = append(levels, l)
		return true
	})
	for _, l := range levels {
		if !o.Remaining.IsPositive() {
			break
		}
		qty := decimal.Min(o.Remaining, l.Size)
		if !qty.IsPositive() {
			continue
		}
		reports = append(reports, e.fill(o, l.Price, qty, false, localTS))
	}
	return reports
}

// OnCancelArrival handles a cancel action reaching the exchange. A cancel
// racing a fill is a normal outcome: if the order filled first the cancel
// is a no-op reported as CancelAfterFill.
func (e *Engine) OnCancelArrival(id uuid.UUID, localTS int64) Report {
	o, err := e.ledger.Get(id)
	if err != nil {
		return Report{Kind: ReportCancelRejected, OrderID: id, Reason: err.Error(), LocalTS: localTS}
	}
	switch {
	case o.Status == ledger.StatusFilled:
		return Report{Kind: ReportCancelAfterFill, OrderID: id, LocalTS: localTS}
	case o.Status.Terminal():
		return Report{Kind: ReportCancelRejected, OrderID: id, Reason: "order already " + string(o.Status), LocalTS: localTS}
	}
	e.ledger.Cancel(o)
	return Report{Kind: ReportCancelled, OrderID: id, LocalTS: localTS}
}

func (e *Engine) fill(o *ledger.Order, price, qty decimal.Decimal, maker bool, localTS int64) Report {
	f := e.ledger.ApplyFill(o, price, qty, maker, localTS)
	role := "taker"
	if maker {
		role = "maker"
	}
	metrics.FillsEmitted.WithLabelValues(role).Inc()
	return Report{Kind: ReportFill, OrderID: o.ID, Fill: &f, LocalTS: localTS}
}

// resting returns the instrument's orders currently in the book.
func (e *Engine) resting() []*ledger.Order {
	var out []*ledger.Order
	for _, o := range e.ledger.OpenOrders(e.book.Instrument()) {
		if o.Status == ledger.StatusActive || o.Status == ledger.StatusPartiallyFilled {
			out = append(out, o)
		}
	}
	return out
}

func sortByQueue(orders []*ledger.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.Queue.Ahead.Equal(b.Queue.Ahead) {
			return a.Queue.Ahead.LessThan(b.Queue.Ahead)
		}
		if a.ActivatedAt != b.ActivatedAt {
			return a.ActivatedAt < b.ActivatedAt
		}
		return a.ID.String() < b.ID.String()
	})
}
