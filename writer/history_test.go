package writer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingpool/models"
)

func TestHistoryAppendCreatesAndExtends(t *testing.T) {
	dir := t.TempDir()
	w := NewHistoryWriter(dir, 0)

	got, err := w.Read("binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, w.Append("Binance", "btcusdt", models.HistorySample{At: at, FundingRate: 0.006}))
	require.NoError(t, w.Append("binance", "BTCUSDT",
		models.HistorySample{At: at.Add(time.Minute), FundingRate: 0.007},
		models.HistorySample{At: at.Add(2 * time.Minute), FundingRate: 0.003},
	))

	_, err = os.Stat(filepath.Join(dir, "binance_BTCUSDT_history.json"))
	require.NoError(t, err)

	got, err = w.Read("binance", "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 0.003, got[2].FundingRate)
}

func TestHistoryAppendIsBounded(t *testing.T) {
	w := NewHistoryWriter(t.TempDir(), 2)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append("bybit", "ETHUSDT", models.HistorySample{FundingRate: float64(i)}))
	}
	got, err := w.Read("bybit", "ETHUSDT")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3.0, got[0].FundingRate)
}

func TestHistoryAppendNothing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewHistoryWriter(dir, 0).Append("bybit", "ETHUSDT"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHistoryCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kucoin_XBTUSDTM_history.json"), []byte("{"), 0o644))
	err := NewHistoryWriter(dir, 0).Append("kucoin", "XBTUSDTM", models.HistorySample{FundingRate: 0.01})
	assert.Error(t, err)
}
