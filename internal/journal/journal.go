// Package journal persists run results to SQLite so ledger history
// survives the process, including runs aborted by fatal data errors.
package journal

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/helixquant/tickbt/internal/ledger"
)

// RunRecord summarizes one backtest run.
type RunRecord struct {
	ID          string `gorm:"primaryKey"`
	StartedAt   time.Time
	FinishedAt  time.Time
	Seed        int64
	Instruments string
	Status      string // running, completed, aborted
	Error       string
	RealizedPnL string
	FeesPaid    string
	Volume      string
	FillCount   int
}

// FillRecord is one persisted fill.
type FillRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	RunID      string `gorm:"index"`
	OrderID    string
	Instrument string
	Side       string
	Price      string
	Size       string
	Fee        string
	Maker      bool
	LocalTS    int64
	Realized   string
}

// EquityRecord is one persisted equity-curve sample.
type EquityRecord struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	RunID   string `gorm:"index"`
	LocalTS int64
	Equity  string
}

// Journal writes run results to a SQLite database. A nil *Journal is a
// valid no-op journal, so callers never branch on whether journaling is
// configured.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the journal database at path and migrates its
// schema.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := db.AutoMigrate(&RunRecord{}, &FillRecord{}, &EquityRecord{}); err != nil {
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return &Journal{db: db, logger: logger.Named("journal")}, nil
}

// BeginRun records the start of a run.
func (j *Journal) BeginRun(runID string, seed int64, instruments string) error {
	if j == nil {
		return nil
	}
	rec := RunRecord{
		ID:          runID,
		StartedAt:   time.Now().UTC(),
		Seed:        seed,
		Instruments: instruments,
		Status:      "running",
	}
	return j.db.Create(&rec).Error
}

// RecordFill persists one fill.
func (j *Journal) RecordFill(runID string, f ledger.Fill) error {
	if j == nil {
		return nil
	}
	rec := FillRecord{
		RunID:      runID,
		OrderID:    f.OrderID.String(),
		Instrument: f.Instrument,
		Side:       string(f.Side),
		Price:      f.Price.String(),
		Size:       f.Size.String(),
		Fee:        f.Fee.String(),
		Maker:      f.Maker,
		LocalTS:    f.LocalTS,
		Realized:   f.Realized.String(),
	}
	return j.db.Create(&rec).Error
}

// RecordEquity persists one equity sample.
func (j *Journal) RecordEquity(runID string, s ledger.EquitySample) error {
	if j == nil {
		return nil
	}
	rec := EquityRecord{RunID: runID, LocalTS: s.LocalTS, Equity: s.Equity.String()}
	return j.db.Create(&rec).Error
}

// EndRun finalizes the run record. Called on both clean completion and
// fatal aborts, so partially computed history stays inspectable.
func (j *Journal) EndRun(runID, status, runErr string, l *ledger.Ledger, quote string) error {
	if j == nil {
		return nil
	}
	updates := map[string]any{
		"finished_at":   time.Now().UTC(),
		"status":        status,
		"error":         runErr,
		"realized_pn_l": l.RealizedPnL().String(),
		"fees_paid":     l.FeesPaid(quote).String(),
		"volume":        l.Volume().String(),
		"fill_count":    len(l.Fills()),
	}
	return j.db.Model(&RunRecord{}).Where("id = ?", runID).Updates(updates).Error
}
