package market

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixquant/tickbt/internal/simerr"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const sampleArchive = `{"sequence":1,"instrument":"BTCUSD","kind":"BOOK_DELTA","side":"BUY","price":"100","size":"3","exchange_ts":1000}
{"sequence":2,"instrument":"BTCUSD","kind":"TRADE","side":"BUY","price":"100","size":"1","aggressor":"SELL","exchange_ts":2000}

{"sequence":3,"instrument":"BTCUSD","kind":"BOOK_DELTA","side":"SELL","price":"101","size":"5","exchange_ts":3000}
`

func writeArchive(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	switch filepath.Ext(name) {
	case ".gz":
		w := gzip.NewWriter(f)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case ".zst":
		w, werr := zstd.NewWriter(f)
		require.NoError(t, werr)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	default:
		_, err = f.WriteString(body)
		require.NoError(t, err)
	}
	return path
}

func drain(t *testing.T, s Source) []Event {
	t.Helper()
	var evs []Event
	for s.Next() {
		evs = append(evs, s.Event())
	}
	return evs
}

func TestArchiveSource_ReadsAllCompressions(t *testing.T) {
	for _, name := range []string{"ticks.ndjson", "ticks.ndjson.gz", "ticks.ndjson.zst"} {
		t.Run(name, func(t *testing.T) {
			src, err := OpenArchive(writeArchive(t, name, sampleArchive))
			require.NoError(t, err)
			defer src.Close()

			evs := drain(t, src)
			require.NoError(t, src.Err())
			require.Len(t, evs, 3, "blank lines are skipped")

			assert.EqualValues(t, 1, evs[0].Sequence)
			assert.Equal(t, KindBookDelta, evs[0].Kind)
			assert.True(t, evs[0].Size.Equal(dec("3")))

			assert.Equal(t, KindTrade, evs[1].Kind)
			assert.Equal(t, SideSell, evs[1].Aggressor)
			assert.EqualValues(t, 3000, evs[2].ExchangeTS)
		})
	}
}

func TestArchiveSource_MalformedRecordIsFatal(t *testing.T) {
	body := `{"sequence":1,"instrument":"BTCUSD","kind":"BOOK_DELTA","price":"1","size":"1","exchange_ts":1}
{not json}
`
	src, err := OpenArchive(writeArchive(t, "bad.ndjson", body))
	require.NoError(t, err)
	defer src.Close()

	require.True(t, src.Next())
	require.False(t, src.Next())

	var de *simerr.DataError
	require.ErrorAs(t, src.Err(), &de)
	assert.EqualValues(t, 2, de.Offset)
	assert.True(t, simerr.IsFatal(src.Err()))

	assert.False(t, src.Next(), "a failed source stays failed")
}

func TestArchiveSource_SeekRestartsAtTimestamp(t *testing.T) {
	src, err := OpenArchive(writeArchive(t, "ticks.ndjson.gz", sampleArchive))
	require.NoError(t, err)
	defer src.Close()

	// Consume everything, then seek back into the middle.
	drain(t, src)
	require.NoError(t, src.Err())

	require.NoError(t, src.Seek(1500))
	evs := drain(t, src)
	require.NoError(t, src.Err())
	require.Len(t, evs, 2)
	assert.EqualValues(t, 2000, evs[0].ExchangeTS)

	// Seeking past the end leaves a drained, non-failed source.
	require.NoError(t, src.Seek(9999))
	assert.False(t, src.Next())
	assert.NoError(t, src.Err())
}

func TestSliceSource_SeekAndReplay(t *testing.T) {
	evs := []Event{
		{Sequence: 1, ExchangeTS: 100},
		{Sequence: 2, ExchangeTS: 200},
		{Sequence: 3, ExchangeTS: 300},
	}
	src := NewSliceSource(evs)

	require.True(t, src.Next())
	assert.EqualValues(t, 1, src.Event().Sequence)

	require.NoError(t, src.Seek(200))
	require.True(t, src.Next())
	assert.EqualValues(t, 2, src.Event().Sequence)
	require.True(t, src.Next())
	require.True(t, src.Next())
	assert.False(t, src.Next())
	assert.NoError(t, src.Err())
	assert.NoError(t, src.Close())
}
