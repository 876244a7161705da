// Package latency models the two delays the simulation injects: feed
// latency (exchange event -> local observation) and order latency (local
// action -> exchange arrival).
//
// Jittered models clamp feed delays so local delivery preserves exchange
// order. Sampled variants draw from a seeded random stream owned by the
// run; under a fixed seed every model is fully deterministic, which is
// what makes backtests reproducible.
package latency

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

// Model maps timestamps to injected delays.
type Model interface {
	// Feed returns the delay between an event's exchange timestamp and its
	// local observation.
	Feed(exchangeTS int64) time.Duration

	// Order returns the delay between a local order action and its arrival
	// at the exchange.
	Order(localTS int64) time.Duration
}

// Constant applies fixed delays in both directions.
type Constant struct {
	FeedDelay  time.Duration
	OrderDelay time.Duration
}

func (c Constant) Feed(int64) time.Duration  { return c.FeedDelay }
func (c Constant) Order(int64) time.Duration { return c.OrderDelay }

// fifoFeed clamps jittered feed delays so events stay in exchange order
// locally: a later event may not become visible before an earlier one.
type fifoFeed struct {
	lastLocal int64
	primed    bool
}

func (f *fifoFeed) clamp(exchangeTS int64, d time.Duration) time.Duration {
	local := exchangeTS + d.Nanoseconds()
	if f.primed && local < f.lastLocal {
		local = f.lastLocal
		d = time.Duration(local - exchangeTS)
	}
	f.lastLocal = local
	f.primed = true
	return d
}

// LogNormal samples each delay from a log-normal distribution over a
// deterministic random stream. Mu and Sigma parameterize the underlying
// normal in log-nanosecond space; Min floors every sample.
type LogNormal struct {
	Mu    float64
	Sigma float64
	Min   time.Duration

	rng  *rand.Rand
	feed fifoFeed
}

// NewLogNormal creates a sampled model drawing from rng, which must be the
// run's seeded stream.
func NewLogNormal(mu, sigma float64, min time.Duration, rng *rand.Rand) *LogNormal {
	return &LogNormal{Mu: mu, Sigma: sigma, Min: min, rng: rng}
}

func (l *LogNormal) sample() time.Duration {
	d := time.Duration(math.Exp(l.rng.NormFloat64()*l.Sigma + l.Mu))
	if d < l.Min {
		return l.Min
	}
	return d
}

func (l *LogNormal) Feed(exchangeTS int64) time.Duration {
	return l.feed.clamp(exchangeTS, l.sample())
}

func (l *LogNormal) Order(int64) time.Duration { return l.sample() }

// Sample is one recorded latency observation.
type Sample struct {
	TS    int64 // exchange/local timestamp the observation applies from
	Feed  time.Duration
	Order time.Duration
}

// Replay replays historical round-trip latencies: each lookup takes the
// most recent sample at or before the timestamp, so recorded latency
// regimes (bursts, slow periods) reproduce at the same points in the
// timeline.
type Replay struct {
	samples []Sample
	feed    fifoFeed
}

// NewReplay creates a replay model. Samples must be non-empty; they are
// sorted by timestamp.
func NewReplay(samples []Sample) (*Replay, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("latency replay requires at least one sample")
	}
	s := make([]Sample, len(samples))
	copy(s, samples)
	sort.Slice(s, func(i, j int) bool { return s[i].TS < s[j].TS })
	return &Replay{samples: s}, nil
}

func (r *Replay) at(ts int64) Sample {
	// First sample with TS > ts, then step back one.
	i := sort.Search(len(r.samples), func(i int) bool { return r.samples[i].TS > ts })
	if i == 0 {
		return r.samples[0]
	}
	return r.samples[i-1]
}

func (r *Replay) Feed(exchangeTS int64) time.Duration {
	return r.feed.clamp(exchangeTS, r.at(exchangeTS).Feed)
}
func (r *Replay) Order(localTS int64) time.Duration   { return r.at(localTS).Order }
