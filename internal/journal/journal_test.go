package journal

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helixquant/tickbt/internal/ledger"
	"github.com/helixquant/tickbt/internal/market"
)

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(zap.NewNop(),
		[]ledger.Instrument{{Symbol: "BTCUSD", Base: "BTC", Quote: "USD"}},
		map[string]decimal.Decimal{"USD": decimal.NewFromInt(100000)},
		ledger.FlatFees(decimal.Zero, decimal.Zero),
		"fifo",
		rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return l
}

func TestJournal_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	j, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	runID := uuid.NewString()
	require.NoError(t, j.BeginRun(runID, 42, "BTCUSD"))

	fill := ledger.Fill{
		OrderID:    uuid.New(),
		Instrument: "BTCUSD",
		Side:       market.SideBuy,
		Price:      decimal.NewFromInt(100),
		Size:       decimal.NewFromInt(2),
		Fee:        decimal.RequireFromString("0.2"),
		Maker:      true,
		LocalTS:    1000,
		Realized:   decimal.Zero,
	}
	require.NoError(t, j.RecordFill(runID, fill))
	require.NoError(t, j.RecordEquity(runID, ledger.EquitySample{LocalTS: 1000, Equity: decimal.NewFromInt(100000)}))
	require.NoError(t, j.EndRun(runID, "completed", "", testLedger(t), "USD"))

	var run RunRecord
	require.NoError(t, j.db.First(&run, "id = ?", runID).Error)
	assert.Equal(t, "completed", run.Status)
	assert.EqualValues(t, 42, run.Seed)
	assert.Equal(t, "0", run.RealizedPnL)
	assert.False(t, run.FinishedAt.IsZero())

	var fills []FillRecord
	require.NoError(t, j.db.Find(&fills, "run_id = ?", runID).Error)
	require.Len(t, fills, 1)
	assert.Equal(t, "100", fills[0].Price)
	assert.Equal(t, "BUY", fills[0].Side)
	assert.True(t, fills[0].Maker)

	var equity []EquityRecord
	require.NoError(t, j.db.Find(&equity, "run_id = ?", runID).Error)
	require.Len(t, equity, 1)
	assert.Equal(t, "100000", equity[0].Equity)
}

func TestJournal_AbortedRunKeepsPartialHistory(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "runs.db"), zap.NewNop())
	require.NoError(t, err)

	runID := uuid.NewString()
	require.NoError(t, j.BeginRun(runID, 1, "BTCUSD"))
	require.NoError(t, j.RecordFill(runID, ledger.Fill{OrderID: uuid.New(), Instrument: "BTCUSD"}))
	require.NoError(t, j.EndRun(runID, "aborted", "stream ordering violated", testLedger(t), "USD"))

	var run RunRecord
	require.NoError(t, j.db.First(&run, "id = ?", runID).Error)
	assert.Equal(t, "aborted", run.Status)
	assert.Equal(t, "stream ordering violated", run.Error)

	var count int64
	require.NoError(t, j.db.Model(&FillRecord{}).Where("run_id = ?", runID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestJournal_NilIsNoOp(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.BeginRun("r", 1, "BTCUSD"))
	assert.NoError(t, j.RecordFill("r", ledger.Fill{}))
	assert.NoError(t, j.RecordEquity("r", ledger.EquitySample{}))
	assert.NoError(t, j.EndRun("r", "completed", "", testLedger(t), "USD"))
}
