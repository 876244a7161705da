package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixquant/tickbt/internal/backtest"
	"github.com/helixquant/tickbt/internal/config"
	"github.com/helixquant/tickbt/internal/journal"
	"github.com/helixquant/tickbt/internal/market"
	"github.com/helixquant/tickbt/internal/strategy"
	"github.com/helixquant/tickbt/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to run configuration")
		spread     = flag.String("spread", "0.5", "maker half-spread off mid")
		size       = flag.String("size", "0.1", "maker quote size")
		requote    = flag.String("requote", "0.5", "mid move that triggers re-quoting")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	source, err := market.OpenArchive(cfg.Archive)
	if err != nil {
		zapLogger.Fatal("Failed to open tick archive", zap.Error(err))
	}
	defer source.Close()

	var jrnl *journal.Journal
	if cfg.Journal != "" {
		jrnl, err = journal.Open(cfg.Journal, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to open results journal", zap.Error(err))
		}
	}

	maker := strategy.NewMaker(
		cfg.Instruments[0].Symbol,
		mustDecimal(*spread),
		mustDecimal(*size),
		mustDecimal(*requote),
		zapLogger,
	)

	bt, err := backtest.New(cfg, source, maker, jrnl, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to assemble backtester", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := bt.Run(ctx)
	if err != nil {
		zapLogger.Error("Run did not complete", zap.Error(err))
	}
	if res != nil {
		zapLogger.Info("Run result",
			zap.String("run_id", res.RunID.String()),
			zap.Int("fills", len(res.Fills)),
			zap.String("realized_pnl", res.RealizedPnL.String()),
			zap.String("fees", res.FeesPaid.String()),
			zap.String("volume", res.Volume.String()),
			zap.Uint64("depth_clamps", res.DepthClamps),
			zap.Uint64("ticks", res.Ticks))
	}
	if err != nil {
		os.Exit(1)
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("Invalid decimal %q: %v", s, err)
	}
	return d
}
