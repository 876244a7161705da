// Package book maintains the order book reconstructed from the normalized
// market event stream.
//
// The book is L2: per price level it tracks only the aggregate resting
// size reported by the feed. Price levels are stored in B-trees for
// ordered scans of either side. All mutation happens on the core's single
// execution goroutine, so the book carries no locks.
package book

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/helixquant/tickbt/internal/market"
	"github.com/helixquant/tickbt/internal/metrics"
	"github.com/helixquant/tickbt/internal/simerr"
)

// Level is one aggregated price level.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func levelLess(a, b Level) bool { return a.Price.LessThan(b.Price) }

// Book is the reconstructed order book for one instrument.
type Book struct {
	instrument string
	bids       *btree.BTreeG[Level]
	asks       *btree.BTreeG[Level]

	lastTS  int64
	lastSeq uint64
	applied bool

	clamps uint64

	logger *zap.Logger
}

// New creates an empty book for instrument.
func New(instrument string, logger *zap.Logger) *Book {
	return &Book{
		instrument: instrument,
		bids:       btree.NewBTreeG(levelLess),
		asks:       btree.NewBTreeG(levelLess),
		logger:     logger.Named("book").With(zap.String("instrument", instrument)),
	}
}

// Instrument returns the instrument this book tracks.
func (b *Book) Instrument() string { return b.instrument }

// LastApplied returns the (exchange timestamp, sequence) of the last event
// applied, and whether any event has been applied yet.
func (b *Book) LastApplied() (int64, uint64, bool) {
	return b.lastTS, b.lastSeq, b.applied
}

// ClampCount returns how many trades were clamped against insufficient
// resting depth since the book was created.
func (b *Book) ClampCount() uint64 { return b.clamps }

// Apply mutates depth according to ev. Events must arrive in strictly
// increasing (exchange timestamp, sequence) order; a regression returns an
// OutOfOrderEventError and leaves the book untouched. Snapshots are exempt
// from the regression check and replace state wholesale, which is how feed
// resyncs after a gap are expressed.
func (b *Book) Apply(ev market.Event) error {
	if ev.Instrument != b.instrument {
		return &simerr.DataError{Err: errWrongInstrument(b.instrument, ev.Instrument)}
	}
	if ev.Kind != market.KindSnapshot && b.applied {
		if ev.ExchangeTS < b.lastTS || (ev.ExchangeTS == b.lastTS && ev.Sequence < b.lastSeq) {
			return &simerr.OutOfOrderEventError{
				Instrument: b.instrument,
				LastTS:     b.lastTS,
				LastSeq:    b.lastSeq,
				TS:         ev.ExchangeTS,
				Seq:        ev.Sequence,
			}
		}
	}

	switch ev.Kind {
	case market.KindBookDelta:
		b.applyDelta(ev)
	case market.KindTrade:
		b.applyTrade(ev)
	case market.KindSnapshot:
		b.applySnapshot(ev)
	default:
		return &simerr.DataError{Err: errUnknownKind(ev.Kind)}
	}

	b.lastTS = ev.ExchangeTS
	b.lastSeq = ev.Sequence
	b.applied = true
	metrics.EventsApplied.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// applyDelta sets the absolute aggregate size at a price level. A crossing
// level implies the opposite side is stale, so crossed opposite levels are
// removed first; this keeps best bid strictly below best ask for any event
// sequence.
func (b *Book) applyDelta(ev market.Event) {
	side, opp := b.sideTrees(ev.Side)
	if ev.Size.IsPositive() {
		b.uncross(opp, ev.Side, ev.Price)
		side.Set(Level{Price: ev.Price, Size: ev.Size})
		return
	}
	side.Delete(Level{Price: ev.Price})
}

// applyTrade depletes resting size at the traded price on the resting
// side. Trading through more size than rests at the level clamps the level
// to zero and logs a warning; feeds drop deltas often enough that this is
// noise, not corruption.
func (b *Book) applyTrade(ev market.Event) {
	restingSide := ev.Side
	if restingSide != market.SideBuy && restingSide != market.SideSell {
		restingSide = ev.Aggressor.Opposite()
	}
	side, _ := b.sideTrees(restingSide)
	lvl, ok := side.Get(Level{Price: ev.Price})
	if !ok {
		b.clamps++
		metrics.DepthClamps.Inc()
		b.logger.Warn("trade through empty level",
			zap.String("price", ev.Price.String()),
			zap.String("size", ev.Size.String()),
			zap.Uint64("sequence", ev.Sequence))
		return
	}
	rem := lvl.Size.Sub(ev.Size)
	if rem.IsPositive() {
		side.Set(Level{Price: ev.Price, Size: rem})
		return
	}
	if rem.IsNegative() {
		b.clamps++
		metrics.DepthClamps.Inc()
		b.logger.Warn("trade size exceeds resting depth, clamping",
			zap.String("price", ev.Price.String()),
			zap.String("traded", ev.Size.String()),
			zap.String("resting", lvl.Size.String()),
			zap.Uint64("sequence", ev.Sequence))
	}
	side.Delete(Level{Price: ev.Price})
}

// applySnapshot replaces both sides with the snapshot's depth.
func (b *Book) applySnapshot(ev market.Event) {
	b.bids = btree.NewBTreeG(levelLess)
	b.asks = btree.NewBTreeG(levelLess)
	for _, l := range ev.Bids {
		if l.Size.IsPositive() {
			b.bids.Set(Level{Price: l.Price, Size: l.Size})
		}
	}
	for _, l := range ev.Asks {
		if l.Size.IsPositive() {
			b.asks.Set(Level{Price: l.Price, Size: l.Size})
		}
	}
}

// uncross removes opposite-side levels crossed by a new level at price.
func (b *Book) uncross(opp *btree.BTreeG[Level], side market.Side, price decimal.Decimal) {
	var stale []Level
	if side == market.SideBuy {
		opp.Scan(func(l Level) bool {
			if l.Price.GreaterThan(price) {
				return false
			}
			stale = append(stale, l)
			return true
		})
	} else {
		opp.Reverse(func(l Level) bool {
			if l.Price.LessThan(price) {
				return false
			}
			stale = append(stale, l)
			return true
		})
	}
	for _, l := range stale {
		opp.Delete(l)
	}
	if len(stale) > 0 {
		b.logger.Debug("removed crossed levels",
			zap.String("side", string(side.Opposite())),
			zap.Int("count", len(stale)))
	}
}

func (b *Book) sideTrees(s market.Side) (side, opp *btree.BTreeG[Level]) {
	if s == market.SideBuy {
		return b.bids, b.asks
	}
	return b.asks, b.bids
}

// BestBid returns the highest bid level, if any.
func (b *Book) BestBid() (Level, bool) {
	return b.bids.Max()
}

// BestAsk returns the lowest ask level, if any.
func (b *Book) BestAsk() (Level, bool) {
	return b.asks.Min()
}

// Mid returns the book midpoint, falling back to the surviving side when
// one side is empty. ok is false on a completely empty book.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
	case hasBid:
		return bid.Price, true
	case hasAsk:
		return ask.Price, true
	}
	return decimal.Decimal{}, false
}

// DepthAt returns the aggregate resting size at price on the given side.
func (b *Book) DepthAt(side market.Side, price decimal.Decimal) decimal.Decimal {
	tree, _ := b.sideTrees(side)
	if lvl, ok := tree.Get(Level{Price: price}); ok {
		return lvl.Size
	}
	return decimal.Zero
}

// ScanSide walks one side of the book from best to worst, stopping when fn
// returns false. The matching engine uses this to sweep opposite-side
// depth for marketable orders.
func (b *Book) ScanSide(side market.Side, fn func(Level) bool) {
	if side == market.SideBuy {
		b.bids.Reverse(fn)
		return
	}
	b.asks.Scan(fn)
}

// Depth returns up to depth levels per side, best first, for snapshots
// handed to the strategy.
func (b *Book) Depth(depth int) (bids, asks []Level) {
	bids = make([]Level, 0, depth)
	asks = make([]Level, 0, depth)
	b.bids.Reverse(func(l Level) bool {
		bids = append(bids, l)
		return len(bids) < depth
	})
	b.asks.Scan(func(l Level) bool {
		asks = append(asks, l)
		return len(asks) < depth
	})
	return bids, asks
}
