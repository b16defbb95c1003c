package notify

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fundingpool/models"
)

func TestFormatTransition(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	enter := models.TransitionEvent{
		Seq:      1,
		Symbol:   "BTCUSDT",
		Exchange: "binance",
		From:     models.StatusOutside,
		To:       models.StatusInPool,
		Rate:     0.006,
		At:       at,
		PoolSize: 3,
	}
	msg := FormatTransition(enter, false)
	assert.True(t, strings.HasPrefix(msg, "🟢 ENTER BTCUSDT (binance)"))
	assert.Contains(t, msg, "+0.6000%")
	assert.Contains(t, msg, "Pool size: 3")
	assert.NotContains(t, msg, "stale")

	exit := enter
	exit.From, exit.To = models.StatusInPool, models.StatusOutside
	exit.Rate = -0.001
	exit.EnteredAt = at.Add(-90 * time.Minute)
	msg = FormatTransition(exit, true)
	assert.True(t, strings.HasPrefix(msg, "🔴 EXIT BTCUSDT (binance)"))
	assert.Contains(t, msg, "-0.1000%")
	assert.Contains(t, msg, "Time in pool: 1h30m0s")
	assert.Contains(t, msg, "stale")
}

func TestFormatPoolSummary(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "📊 Pool status: empty", FormatPoolSummary(nil, now))

	msg := FormatPoolSummary([]models.PoolEntry{
		{Symbol: "AAA", Exchange: "bybit", LastFundingRate: 0.006, EnteredAt: now.Add(-time.Hour)},
		{Symbol: "BBB", Exchange: "binance", LastFundingRate: -0.01, EnteredAt: now.Add(-2 * time.Hour)},
	}, now)
	lines := strings.Split(msg, "\n")
	assert.Equal(t, "📊 Pool status: 2 contracts", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1. BBB (binance)"))
	assert.True(t, strings.HasPrefix(lines[2], "2. AAA (bybit)"))
}

func TestFormatRefreshFailure(t *testing.T) {
	msg := FormatRefreshFailure(errors.New("all exchanges failed"), map[string]error{
		"kucoin":  errors.New("timeout"),
		"binance": errors.New("429"),
	})
	assert.Contains(t, msg, "all exchanges failed")
	assert.Less(t, strings.Index(msg, "binance"), strings.Index(msg, "kucoin"))
	assert.Contains(t, msg, "last good snapshot")
}

func TestFormatZeroContractsAndStale(t *testing.T) {
	msg := FormatZeroContracts([]models.Interval{models.Interval(time.Hour), models.Interval(8 * time.Hour)})
	assert.Contains(t, msg, "[1h, 8h]")

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Contains(t, FormatStaleCache(time.Time{}, now), "missing")
	assert.Contains(t, FormatStaleCache(now.Add(-3*time.Hour), now), "3h0m0s ago")
}
