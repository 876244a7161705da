// Package backtest wires the simulation core together and drives it: one
// deterministic loop popping the earliest timeline item, advancing the
// clock, dispatching to book/matching/ledger and yielding to the strategy.
package backtest

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixquant/tickbt/internal/book"
	"github.com/helixquant/tickbt/internal/config"
	"github.com/helixquant/tickbt/internal/journal"
	"github.com/helixquant/tickbt/internal/latency"
	"github.com/helixquant/tickbt/internal/ledger"
	"github.com/helixquant/tickbt/internal/match"
	"github.com/helixquant/tickbt/internal/market"
	"github.com/helixquant/tickbt/internal/metrics"
	"github.com/helixquant/tickbt/internal/queue"
	"github.com/helixquant/tickbt/internal/sched"
	"github.com/helixquant/tickbt/internal/simerr"
)

// Result is what a run leaves behind. On fatal aborts the result still
// carries everything computed up to the abort point.
type Result struct {
	RunID       uuid.UUID
	Fills       []ledger.Fill
	EquityCurve []ledger.EquitySample
	RealizedPnL decimal.Decimal
	FeesPaid    decimal.Decimal
	Volume      decimal.Decimal
	DepthClamps uint64
	Ticks       uint64
	Started     time.Time
	Finished    time.Time
}

// Backtester is the simulation driver. It is single-threaded by design:
// exactly one timeline item is in flight at a time and the strategy runs
// synchronously between items, which is what makes runs reproducible.
// It also implements Gateway, so strategy code is portable to live
// trading unchanged.
type Backtester struct {
	cfg    *config.Config
	logger *zap.Logger

	runID uuid.UUID
	rng   *rand.Rand

	source  market.Source
	latency latency.Model

	books   map[string]*book.Book
	engines map[string]*match.Engine
	ledger  *ledger.Ledger

	clock    sched.Clock
	timeline *sched.Timeline

	journal  *journal.Journal
	strategy Strategy

	// pending holds locally produced reports (synchronous balance
	// rejections) delivered on the next tick.
	pending []match.Report

	quote      string
	lastSample int64
	sampled    bool
	ticks      uint64
}

// New assembles a backtester from configuration. The journal may be nil.
func New(cfg *config.Config, source market.Source, strategy Strategy, jrnl *journal.Journal, logger *zap.Logger) (*Backtester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	lat, err := buildLatency(cfg.Latency, rng)
	if err != nil {
		return nil, err
	}
	qm, err := buildQueue(cfg.Queue)
	if err != nil {
		return nil, err
	}
	fees, err := buildFees(cfg.Fees)
	if err != nil {
		return nil, err
	}

	instruments := make([]ledger.Instrument, 0, len(cfg.Instruments))
	for _, ins := range cfg.Instruments {
		instruments = append(instruments, ledger.Instrument{Symbol: ins.Symbol, Base: ins.Base, Quote: ins.Quote})
	}
	balances := make(map[string]decimal.Decimal, len(cfg.Balances))
	for ccy, amt := range cfg.Balances {
		d, err := decimal.NewFromString(amt)
		if err != nil {
			return nil, fmt.Errorf("config: balance %s=%q: %w", ccy, amt, err)
		}
		balances[ccy] = d
	}

	led, err := ledger.New(logger, instruments, balances, fees, cfg.Accounting, rng)
	if err != nil {
		return nil, err
	}

	runID, err := uuid.NewRandomFromReader(rng)
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	bt := &Backtester{
		cfg:      cfg,
		logger:   logger.Named("backtest").With(zap.String("run_id", runID.String())),
		runID:    runID,
		rng:      rng,
		source:   source,
		latency:  lat,
		books:    make(map[string]*book.Book, len(instruments)),
		engines:  make(map[string]*match.Engine, len(instruments)),
		ledger:   led,
		timeline: sched.NewTimeline(),
		journal:  jrnl,
		strategy: strategy,
		quote:    instruments[0].Quote,
	}
	for _, ins := range instruments {
		b := book.New(ins.Symbol, logger)
		bt.books[ins.Symbol] = b
		bt.engines[ins.Symbol] = match.New(logger, b, led, qm, cfg.LimitOnly)
	}
	return bt, nil
}

// Ledger exposes the run's ledger for post-run inspection.
func (bt *Backtester) Ledger() *ledger.Ledger { return bt.ledger }

// Now returns the current simulation time in nanoseconds.
func (bt *Backtester) Now() int64 { return bt.clock.Now() }

// Submit implements Gateway. The order is Pending until its order latency
// elapses; a failed balance reservation rejects it asynchronously, the
// way an exchange would, so the run continues.
func (bt *Backtester) Submit(instrument string, side market.Side, price, qty decimal.Decimal) (uuid.UUID, error) {
	o, err := bt.ledger.NewOrder(instrument, side, price, qty, bt.clock.Now())
	if err != nil {
		return uuid.Nil, err
	}
	if err := bt.ledger.Reserve(o); err != nil {
		bt.ledger.Reject(o, false)
		metrics.OrdersRejected.WithLabelValues("balance").Inc()
		bt.pending = append(bt.pending, match.Report{
			Kind:    match.ReportRejected,
			OrderID: o.ID,
			Reason:  err.Error(),
			LocalTS: bt.clock.Now(),
		})
		return o.ID, nil
	}
	bt.timeline.PushAction(sched.Item{
		At:      bt.clock.Now() + bt.latency.Order(bt.clock.Now()).Nanoseconds(),
		Kind:    sched.KindOrderArrival,
		OrderID: o.ID,
	})
	return o.ID, nil
}

// Cancel implements Gateway. The cancel reaches the exchange after order
// latency; racing an in-flight fill is legal and reported as
// CancelAfterFill.
func (bt *Backtester) Cancel(id uuid.UUID) error {
	if _, err := bt.ledger.Get(id); err != nil {
		return err
	}
	bt.timeline.PushAction(sched.Item{
		At:      bt.clock.Now() + bt.latency.Order(bt.clock.Now()).Nanoseconds(),
		Kind:    sched.KindCancelArrival,
		OrderID: id,
	})
	return nil
}

// Run drives the timeline until the event stream is exhausted and no
// pending actions remain, or ctx is cancelled (checked at tick
// boundaries), or a fatal error invalidates the timeline. The returned
// Result is valid in all three cases.
func (bt *Backtester) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	if err := bt.journal.BeginRun(bt.runID.String(), bt.cfg.Seed, bt.instrumentList()); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	bt.logger.Info("run starting",
		zap.Int64("seed", bt.cfg.Seed),
		zap.String("instruments", bt.instrumentList()))

	if err := bt.pullMarketEvent(); err != nil {
		return bt.finish(started, err), err
	}

	for bt.timeline.Len() > 0 {
		if err := ctx.Err(); err != nil {
			bt.logger.Warn("run cancelled", zap.Error(err))
			return bt.finish(started, err), err
		}
		if err := bt.step(); err != nil {
			bt.logger.Error("run aborted", zap.Error(err))
			return bt.finish(started, err), err
		}
	}

	res := bt.finish(started, nil)
	bt.logger.Info("run complete",
		zap.Uint64("ticks", res.Ticks),
		zap.Int("fills", len(res.Fills)),
		zap.String("realized_pnl", res.RealizedPnL.String()),
		zap.String("fees", res.FeesPaid.String()),
		zap.String("volume", res.Volume.String()))
	return res, nil
}

// step processes exactly one timeline item.
func (bt *Backtester) step() error {
	it, ok := bt.timeline.Pop()
	if !ok {
		return nil
	}
	if err := bt.clock.Advance(it.At); err != nil {
		return err
	}
	bt.ticks++

	reports := bt.pending
	bt.pending = nil
	var tickEvent *market.Event

	switch it.Kind {
	case sched.KindMarketEvent:
		ev := it.Event
		tickEvent = &ev
		if eng, ok := bt.engines[ev.Instrument]; ok {
			rs, err := eng.OnMarketEvent(ev, it.At)
			if err != nil {
				return err
			}
			reports = append(reports, rs...)
		} else {
			bt.logger.Debug("event for unconfigured instrument", zap.String("instrument", ev.Instrument))
		}
		if err := bt.pullMarketEvent(); err != nil {
			return err
		}
		bt.maybeSampleEquity(it.At)

	case sched.KindOrderArrival:
		o, err := bt.ledger.Get(it.OrderID)
		if err != nil {
			return fmt.Errorf("order arrival: %w", err)
		}
		reports = append(reports, bt.engines[o.Instrument].OnOrderArrival(o, it.At)...)

	case sched.KindCancelArrival:
		reports = append(reports, bt.cancelArrival(it.OrderID, it.At))
	}

	for _, r := range reports {
		if r.Kind != match.ReportFill || r.Fill == nil {
			continue
		}
		if err := bt.journal.RecordFill(bt.runID.String(), *r.Fill); err != nil {
			bt.logger.Warn("journal fill failed", zap.Error(err))
		}
	}

	if bt.strategy != nil {
		tick := Tick{
			Now:     it.At,
			Event:   tickEvent,
			Reports: reports,
			books:   bt.books,
			ledger:  bt.ledger,
		}
		for _, a := range bt.strategy.OnTick(tick) {
			bt.apply(a)
		}
	}
	return nil
}

func (bt *Backtester) cancelArrival(id uuid.UUID, at int64) match.Report {
	o, err := bt.ledger.Get(id)
	if err != nil {
		return match.Report{Kind: match.ReportCancelRejected, OrderID: id, Reason: err.Error(), LocalTS: at}
	}
	return bt.engines[o.Instrument].OnCancelArrival(id, at)
}

func (bt *Backtester) apply(a Action) {
	switch a.Kind {
	case ActionSubmit:
		if _, err := bt.Submit(a.Instrument, a.Side, a.Price, a.Quantity); err != nil {
			bt.logger.Warn("submit failed", zap.Error(err))
		}
	case ActionCancel:
		if err := bt.Cancel(a.OrderID); err != nil {
			bt.logger.Warn("cancel failed", zap.Error(err))
		}
	}
}

// pullMarketEvent fetches the next event from the source and schedules it
// at its derived local timestamp. Source exhaustion is a normal signal;
// source errors are fatal.
func (bt *Backtester) pullMarketEvent() error {
	if !bt.source.Next() {
		if err := bt.source.Err(); err != nil {
			return err
		}
		return nil
	}
	ev := bt.source.Event()
	bt.timeline.Push(sched.Item{
		At:    ev.LocalTS(bt.latency.Feed(ev.ExchangeTS)),
		Seq:   ev.Sequence,
		Kind:  sched.KindMarketEvent,
		Event: ev,
	})
	return nil
}

func (bt *Backtester) maybeSampleEquity(at int64) {
	if bt.sampled && bt.cfg.EquityInterval > 0 && at-bt.lastSample < bt.cfg.EquityInterval.Nanoseconds() {
		return
	}
	marks := make(map[string]decimal.Decimal, len(bt.books))
	for sym, b := range bt.books {
		if mid, ok := b.Mid(); ok {
			marks[sym] = mid
		}
	}
	s := bt.ledger.SampleEquity(at, marks)
	bt.lastSample = at
	bt.sampled = true
	if err := bt.journal.RecordEquity(bt.runID.String(), s); err != nil {
		bt.logger.Warn("journal equity failed", zap.Error(err))
	}
}

// flushPending delivers reports queued after the last processed tick, so
// a synchronous rejection on the final tick is still observed. The run is
// over; any actions the strategy returns have no timeline to land on and
// are discarded.
func (bt *Backtester) flushPending() {
	reports := bt.pending
	bt.pending = nil
	if bt.strategy == nil || len(reports) == 0 {
		return
	}
	bt.strategy.OnTick(Tick{
		Now:     bt.clock.Now(),
		Reports: reports,
		books:   bt.books,
		ledger:  bt.ledger,
	})
}

func (bt *Backtester) finish(started time.Time, runErr error) *Result {
	bt.flushPending()
	status := "completed"
	errStr := ""
	if runErr != nil {
		errStr = runErr.Error()
		if simerr.IsFatal(runErr) {
			status = "aborted"
		} else {
			status = "cancelled"
		}
	}
	if err := bt.journal.EndRun(bt.runID.String(), status, errStr, bt.ledger, bt.quote); err != nil {
		bt.logger.Warn("journal end-run failed", zap.Error(err))
	}

	var clamps uint64
	for _, b := range bt.books {
		clamps += b.ClampCount()
	}
	return &Result{
		RunID:       bt.runID,
		Fills:       bt.ledger.Fills(),
		EquityCurve: bt.ledger.EquityCurve(),
		RealizedPnL: bt.ledger.RealizedPnL(),
		FeesPaid:    bt.ledger.FeesPaid(bt.quote),
		Volume:      bt.ledger.Volume(),
		DepthClamps: clamps,
		Ticks:       bt.ticks,
		Started:     started,
		Finished:    time.Now(),
	}
}

func (bt *Backtester) instrumentList() string {
	syms := make([]string, 0, len(bt.cfg.Instruments))
	for _, ins := range bt.cfg.Instruments {
		syms = append(syms, ins.Symbol)
	}
	return strings.Join(syms, ",")
}

func buildLatency(cfg config.LatencyConfig, rng *rand.Rand) (latency.Model, error) {
	switch cfg.Model {
	case "", "constant":
		return latency.Constant{FeedDelay: cfg.Feed, OrderDelay: cfg.Order}, nil
	case "lognormal":
		return latency.NewLogNormal(cfg.Mu, cfg.Sigma, cfg.Min, rng), nil
	case "replay":
		samples := make([]latency.Sample, 0, len(cfg.Samples))
		for _, s := range cfg.Samples {
			samples = append(samples, latency.Sample{TS: s.TS, Feed: s.Feed, Order: s.Order})
		}
		return latency.NewReplay(samples)
	}
	return nil, fmt.Errorf("unknown latency model %q", cfg.Model)
}

func buildQueue(cfg config.QueueConfig) (queue.Model, error) {
	factor := decimal.NewFromInt(1)
	if cfg.Factor != "" {
		var err error
		factor, err = decimal.NewFromString(cfg.Factor)
		if err != nil {
			return nil, fmt.Errorf("queue factor %q: %w", cfg.Factor, err)
		}
	}
	return queue.New(cfg.Policy, factor)
}

func buildFees(tiers []config.FeeTierConfig) (*ledger.FeeSchedule, error) {
	if len(tiers) == 0 {
		return ledger.FlatFees(decimal.Zero, decimal.Zero), nil
	}
	out := make([]ledger.FeeTier, 0, len(tiers))
	for _, t := range tiers {
		tier := ledger.FeeTier{Name: t.Name}
		var err error
		if tier.VolumeMin, err = parseDec(t.VolumeMin); err != nil {
			return nil, fmt.Errorf("fee tier %q volume_min: %w", t.Name, err)
		}
		if tier.Maker, err = parseDec(t.Maker); err != nil {
			return nil, fmt.Errorf("fee tier %q maker: %w", t.Name, err)
		}
		if tier.Taker, err = parseDec(t.Taker); err != nil {
			return nil, fmt.Errorf("fee tier %q taker: %w", t.Name, err)
		}
		out = append(out, tier)
	}
	return ledger.NewFeeSchedule(out)
}

func parseDec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
