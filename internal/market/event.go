// Package market defines the normalized market event model produced by
// every event stream source, and the source contract itself. Feed handlers
// and archive readers normalize exchange-specific payloads into these types
// before they reach the simulation core.
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies a side of the book.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Event kinds.
type Kind string

const (
	// KindBookDelta sets the aggregate resting size at a price level.
	// Size is absolute, not incremental; zero removes the level.
	KindBookDelta Kind = "BOOK_DELTA"
	// KindTrade reports an execution against resting liquidity.
	KindTrade Kind = "TRADE"
	// KindSnapshot carries full depth and replaces per-side book state.
	KindSnapshot Kind = "SNAPSHOT"
)

// Level is one price level of depth carried by a snapshot.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Event is a single normalized market event. Events are immutable once
// produced; the core never mutates them.
//
// ExchangeTS is the exchange-side timestamp in nanoseconds since the Unix
// epoch. Sequence is a per-instrument sequence number used to break
// timestamp ties deterministically.
type Event struct {
	Sequence   uint64          `json:"sequence"`
	Instrument string          `json:"instrument"`
	Kind       Kind            `json:"kind"`
	Side       Side            `json:"side,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	// Aggressor is the taker side of a trade. The resting side hit by the
	// trade is Aggressor.Opposite(); Side carries it explicitly so trade
	// events are self-describing.
	Aggressor Side `json:"aggressor,omitempty"`
	// Bids and Asks are populated for snapshots only.
	Bids []Level `json:"bids,omitempty"`
	Asks []Level `json:"asks,omitempty"`

	ExchangeTS int64 `json:"exchange_ts"`
}

// LocalTS derives the local-observer timestamp for the event given a feed
// latency. The event itself is never mutated; ordering against the local
// timeline always uses this derived value.
func (e Event) LocalTS(feedLatency time.Duration) int64 {
	return e.ExchangeTS + feedLatency.Nanoseconds()
}
