package backtest_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helixquant/tickbt/internal/backtest"
	"github.com/helixquant/tickbt/internal/config"
	"github.com/helixquant/tickbt/internal/ledger"
	"github.com/helixquant/tickbt/internal/market"
	"github.com/helixquant/tickbt/internal/match"
	"github.com/helixquant/tickbt/internal/simerr"
	"github.com/helixquant/tickbt/internal/strategy"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ms(n int64) int64 { return n * int64(time.Millisecond) }

func testConfig() *config.Config {
	return &config.Config{
		LogLevel:   "info",
		Seed:       7,
		Accounting: "fifo",
		Instruments: []config.InstrumentConfig{
			{Symbol: "BTCUSD", Base: "BTC", Quote: "USD"},
		},
		Balances: map[string]string{"USD": "1000000", "BTC": "100"},
		Latency: config.LatencyConfig{
			Model: "constant",
			Feed:  50 * time.Millisecond,
			Order: 100 * time.Millisecond,
		},
		Queue: config.QueueConfig{Policy: "fifo"},
	}
}

func delta(seq uint64, ts int64, side market.Side, price, size string) market.Event {
	return market.Event{
		Sequence: seq, Instrument: "BTCUSD", Kind: market.KindBookDelta,
		Side: side, Price: dec(price), Size: dec(size), ExchangeTS: ts,
	}
}

func trade(seq uint64, ts int64, aggressor market.Side, price, size string) market.Event {
	return market.Event{
		Sequence: seq, Instrument: "BTCUSD", Kind: market.KindTrade,
		Side: aggressor.Opposite(), Aggressor: aggressor,
		Price: dec(price), Size: dec(size), ExchangeTS: ts,
	}
}

// scriptStrategy records every report it is shown and delegates action
// decisions to fn.
type scriptStrategy struct {
	fn      func(t backtest.Tick) []backtest.Action
	reports []match.Report
}

func (s *scriptStrategy) OnTick(t backtest.Tick) []backtest.Action {
	s.reports = append(s.reports, t.Reports...)
	if s.fn == nil {
		return nil
	}
	return s.fn(t)
}

func (s *scriptStrategy) byKind(kind match.ReportKind) []match.Report {
	var out []match.Report
	for _, r := range s.reports {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func run(t *testing.T, cfg *config.Config, events []market.Event, strat backtest.Strategy) (*backtest.Backtester, *backtest.Result, error) {
	t.Helper()
	bt, err := backtest.New(cfg, market.NewSliceSource(events), strat, nil, zap.NewNop())
	require.NoError(t, err)
	res, runErr := bt.Run(context.Background())
	return bt, res, runErr
}

func TestRun_OrderActivatesAfterBothLatencies(t *testing.T) {
	// Feed latency 50ms, order latency 100ms. The first event becomes
	// locally visible at t=50ms; an order submitted on that tick reaches
	// the exchange at t=150ms.
	events := []market.Event{
		delta(1, 0, market.SideBuy, "100", "10"),
		delta(2, 0, market.SideSell, "101", "5"),
	}

	strat := &scriptStrategy{}
	submitted := false
	strat.fn = func(tk backtest.Tick) []backtest.Action {
		if submitted || tk.Event == nil {
			return nil
		}
		submitted = true
		return []backtest.Action{
			backtest.SubmitAction("BTCUSD", market.SideBuy, dec("100"), dec("1")),
		}
	}

	bt, res, err := run(t, testConfig(), events, strat)
	require.NoError(t, err)

	acks := strat.byKind(match.ReportAck)
	require.Len(t, acks, 1)
	assert.Equal(t, ms(150), acks[0].LocalTS)

	o, err := bt.Ledger().Get(acks[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, o.Status)
	assert.Equal(t, ms(50), o.SubmittedAt)
	assert.Equal(t, ms(150), o.ActivatedAt)
	assert.True(t, o.Queue.Ahead.Equal(dec("10")), "the full visible level queues ahead on arrival")
	assert.EqualValues(t, 3, res.Ticks)
}

func TestRun_CancelLosesRaceAgainstFill(t *testing.T) {
	// The cancel is issued the moment the order rests, but a trade fills
	// the order while the cancel is still in flight. The cancel must not
	// unwind the fill; it is acknowledged as cancel-after-fill.
	events := []market.Event{
		delta(1, 0, market.SideBuy, "100", "2"),
		trade(2, ms(150), market.SideSell, "100", "4"),
	}

	strat := &scriptStrategy{}
	strat.fn = func(tk backtest.Tick) []backtest.Action {
		var actions []backtest.Action
		for _, r := range tk.Reports {
			if r.Kind == match.ReportAck {
				actions = append(actions, backtest.CancelAction(r.OrderID))
			}
		}
		if tk.Event != nil && tk.Event.Kind == market.KindBookDelta {
			actions = append(actions,
				backtest.SubmitAction("BTCUSD", market.SideBuy, dec("100"), dec("2")))
		}
		return actions
	}

	bt, _, err := run(t, testConfig(), events, strat)
	require.NoError(t, err)

	fills := strat.byKind(match.ReportFill)
	require.Len(t, fills, 1)
	assert.Equal(t, ms(200), fills[0].LocalTS)
	assert.True(t, fills[0].Fill.Maker)
	assert.True(t, fills[0].Fill.Size.Equal(dec("2")))

	after := strat.byKind(match.ReportCancelAfterFill)
	require.Len(t, after, 1)
	assert.Equal(t, ms(250), after[0].LocalTS)
	assert.Equal(t, fills[0].OrderID, after[0].OrderID)

	o, err := bt.Ledger().Get(after[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFilled, o.Status, "cancel after fill leaves the order filled")
	assert.True(t, o.Remaining.IsZero())
}

func TestRun_InsufficientBalanceRejectsAsynchronously(t *testing.T) {
	cfg := testConfig()
	cfg.Balances = map[string]string{"USD": "50", "BTC": "0"}

	events := []market.Event{
		delta(1, 0, market.SideBuy, "100", "10"),
		delta(2, ms(10), market.SideSell, "101", "5"),
	}

	strat := &scriptStrategy{}
	submitted := false
	strat.fn = func(tk backtest.Tick) []backtest.Action {
		if submitted {
			return nil
		}
		submitted = true
		return []backtest.Action{
			backtest.SubmitAction("BTCUSD", market.SideBuy, dec("100"), dec("1")),
		}
	}

	bt, _, err := run(t, cfg, events, strat)
	require.NoError(t, err, "a balance rejection must not abort the run")

	rejected := strat.byKind(match.ReportRejected)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Reason, "insufficient balance")

	o, lerr := bt.Ledger().Get(rejected[0].OrderID)
	require.NoError(t, lerr)
	assert.Equal(t, ledger.StatusRejected, o.Status)
	assert.True(t, bt.Ledger().Balance("USD").Equal(dec("50")), "nothing stays reserved after a rejection")
}

func TestRun_FinalTickRejectionStillReachesStrategy(t *testing.T) {
	// A rejection raised on the very last timeline item has no next tick to
	// ride on; it must be flushed when the run ends.
	cfg := testConfig()
	cfg.Balances = map[string]string{"USD": "50", "BTC": "0"}

	events := []market.Event{
		delta(1, 0, market.SideBuy, "100", "10"),
		delta(2, ms(10), market.SideSell, "101", "5"),
	}

	strat := &scriptStrategy{}
	marketTicks := 0
	strat.fn = func(tk backtest.Tick) []backtest.Action {
		if tk.Event == nil {
			return nil
		}
		marketTicks++
		if marketTicks != len(events) {
			return nil
		}
		return []backtest.Action{
			backtest.SubmitAction("BTCUSD", market.SideBuy, dec("100"), dec("1")),
		}
	}

	_, _, err := run(t, cfg, events, strat)
	require.NoError(t, err)

	rejected := strat.byKind(match.ReportRejected)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Reason, "insufficient balance")
}

func TestRun_OutOfOrderEventAborts(t *testing.T) {
	// Equal timestamps with a regressing sequence violate stream ordering.
	events := []market.Event{
		delta(10, ms(1), market.SideBuy, "100", "5"),
		delta(3, ms(1), market.SideBuy, "99", "5"),
	}

	_, res, err := run(t, testConfig(), events, &scriptStrategy{})
	require.Error(t, err)
	var oo *simerr.OutOfOrderEventError
	require.ErrorAs(t, err, &oo)
	assert.True(t, simerr.IsFatal(err))
	require.NotNil(t, res, "an aborted run still yields its partial result")
	assert.EqualValues(t, 2, res.Ticks, "the offending tick still counts")
}

// walkEvents builds a deterministic stepped price walk with trades large
// enough to reach quotes resting behind visible depth.
func walkEvents() []market.Event {
	var evs []market.Event
	seq := uint64(0)
	next := func(ev market.Event) {
		seq++
		ev.Sequence = seq
		evs = append(evs, ev)
	}
	for i := int64(0); i < 15; i++ {
		p := 100 + i%5
		ts := ms(100 * i)
		next(delta(0, ts, market.SideBuy, fmt.Sprint(p), "5"))
		next(delta(0, ts+ms(10), market.SideSell, fmt.Sprint(p+1), "5"))
		if i%2 == 0 {
			next(trade(0, ts+ms(50), market.SideSell, fmt.Sprint(p), "8"))
		} else {
			next(trade(0, ts+ms(50), market.SideBuy, fmt.Sprint(p+1), "8"))
		}
	}
	return evs
}

func makerConfig(seed int64) *config.Config {
	cfg := testConfig()
	cfg.Seed = seed
	cfg.Latency = config.LatencyConfig{
		Model: "lognormal",
		Mu:    17.7, // ~49ms median in log-nanosecond space
		Sigma: 0.3,
		Min:   time.Millisecond,
	}
	return cfg
}

func runMaker(t *testing.T, seed int64) *backtest.Result {
	t.Helper()
	mk := strategy.NewMaker("BTCUSD", dec("0.5"), dec("1"), dec("0.5"), zap.NewNop())
	_, res, err := run(t, makerConfig(seed), walkEvents(), mk)
	require.NoError(t, err)
	return res
}

func TestRun_IdenticalSeedsReproduceByteIdenticalRuns(t *testing.T) {
	a := runMaker(t, 42)
	b := runMaker(t, 42)

	assert.Equal(t, a.RunID, b.RunID)
	require.NotEmpty(t, a.Fills)
	require.Equal(t, a.Fills, b.Fills)
	require.Equal(t, a.EquityCurve, b.EquityCurve)
	assert.True(t, a.RealizedPnL.Equal(b.RealizedPnL))
	assert.Equal(t, a.Ticks, b.Ticks)

	c := runMaker(t, 43)
	assert.NotEqual(t, a.RunID, c.RunID)
}

func TestRun_MakerEndToEndInvariants(t *testing.T) {
	res := runMaker(t, 7)

	assert.NotZero(t, res.Ticks)
	require.NotEmpty(t, res.Fills)
	require.NotEmpty(t, res.EquityCurve)

	lastTS := int64(0)
	for _, f := range res.Fills {
		assert.True(t, f.Size.IsPositive(), "fills always carry positive size")
		assert.True(t, f.Price.IsPositive())
		assert.GreaterOrEqual(t, f.LocalTS, lastTS, "fills are reported in clock order")
		lastTS = f.LocalTS
	}
	lastTS = 0
	for _, s := range res.EquityCurve {
		assert.GreaterOrEqual(t, s.LocalTS, lastTS)
		lastTS = s.LocalTS
	}
	assert.True(t, res.Volume.IsPositive())
}

func TestRun_ContextCancellationStopsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bt, err := backtest.New(testConfig(), market.NewSliceSource(walkEvents()), &scriptStrategy{}, nil, zap.NewNop())
	require.NoError(t, err)

	res, runErr := bt.Run(ctx)
	require.ErrorIs(t, runErr, context.Canceled)
	assert.False(t, simerr.IsFatal(runErr))
	require.NotNil(t, res)
	assert.Zero(t, res.Ticks)
}
