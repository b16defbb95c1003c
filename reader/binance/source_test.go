package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingpool/config"
	"fundingpool/models"
	"fundingpool/reader"
)

const exchangeInfoBody = `{
  "rateLimits": [{"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":2400}],
  "symbols": [
    {"symbol":"BTCUSDT","contractType":"PERPETUAL","status":"TRADING","quoteAsset":"USDT"},
    {"symbol":"ETHUSDT","contractType":"PERPETUAL","status":"TRADING","quoteAsset":"USDT"},
    {"symbol":"BTCUSDT_250926","contractType":"CURRENT_QUARTER","status":"TRADING","quoteAsset":"USDT"},
    {"symbol":"OLDUSDT","contractType":"PERPETUAL","status":"SETTLING","quoteAsset":"USDT"},
    {"symbol":"ETHBTC","contractType":"PERPETUAL","status":"TRADING","quoteAsset":"BTC"}
  ]
}`

const premiumIndexBody = `[
  {"symbol":"BTCUSDT","markPrice":"60000.1","indexPrice":"59990.5","lastFundingRate":"0.00010000","nextFundingTime":1700003600000,"time":1700000000000},
  {"symbol":"ETHUSDT","markPrice":"3000.5","indexPrice":"2999.0","lastFundingRate":"-0.00600000","nextFundingTime":1700003600000,"time":1700000000000}
]`

const tickerBody = `[
  {"symbol":"BTCUSDT","quoteVolume":"123456789.5"},
  {"symbol":"ETHUSDT","quoteVolume":"987654.25"}
]`

func newTestSource(t *testing.T, handler http.Handler) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.ExchangeConfig{
		Enabled:     true,
		RestURL:     srv.URL,
		QuoteAssets: []string{"USDT"},
		RateLimit:   config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 100},
	}
	return NewSource(cfg, 2*time.Second, nil)
}

func fundingHistory(hours int) string {
	last := int64(1700000000000)
	prev := last - int64(hours)*int64(time.Hour/time.Millisecond)
	return fmt.Sprintf(`[{"symbol":"X","fundingRate":"0.0001","fundingTime":%d},{"symbol":"X","fundingRate":"0.0001","fundingTime":%d}]`, prev, last)
}

func binanceMux(historyCalls *int) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, exchangeInfoBody)
	})
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "":
			fmt.Fprint(w, premiumIndexBody)
		case "BTCUSDT":
			fmt.Fprint(w, `{"symbol":"BTCUSDT","markPrice":"60000.1","indexPrice":"59990.5","lastFundingRate":"0.00700000","nextFundingTime":1700003600000,"time":1700000000000}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
		}
	})
	mux.HandleFunc("/fapi/v1/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tickerBody)
	})
	mux.HandleFunc("/fapi/v1/fundingRate", func(w http.ResponseWriter, r *http.Request) {
		if historyCalls != nil {
			*historyCalls++
		}
		if r.URL.Query().Get("symbol") == "ETHUSDT" {
			fmt.Fprint(w, fundingHistory(8))
			return
		}
		fmt.Fprint(w, fundingHistory(1))
	})
	return mux
}

func TestListContractsFiltersPerpetualsAndDetectsIntervals(t *testing.T) {
	calls := 0
	src := newTestSource(t, binanceMux(&calls))

	contracts, err := src.ListContracts(context.Background())
	require.NoError(t, err)
	require.Len(t, contracts, 2)

	bySymbol := map[string]models.Contract{}
	for _, c := range contracts {
		bySymbol[c.Symbol] = c
	}
	btc := bySymbol["BTCUSDT"]
	assert.Equal(t, "binance", btc.Exchange)
	assert.Equal(t, models.Interval(time.Hour), btc.SettlementInterval)
	assert.InDelta(t, 0.0001, btc.FundingRate, 1e-12)
	assert.InDelta(t, 123456789.5, btc.Volume24h, 1e-6)
	assert.InDelta(t, 60000.1, btc.MarkPrice, 1e-9)
	assert.Equal(t, time.UnixMilli(1700003600000).UTC(), btc.NextFundingTime)

	eth := bySymbol["ETHUSDT"]
	assert.Equal(t, models.Interval(8*time.Hour), eth.SettlementInterval)
	assert.InDelta(t, -0.006, eth.FundingRate, 1e-12)

	// Intervals are cached after the first listing.
	_, err = src.ListContracts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetFundingRate(t *testing.T) {
	src := newTestSource(t, binanceMux(nil))

	sample, err := src.GetFundingRate(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sample.Symbol)
	assert.InDelta(t, 0.007, sample.FundingRate, 1e-12)
	assert.False(t, sample.StartedAt.IsZero())
}

func TestGetFundingRateUnknownSymbol(t *testing.T) {
	src := newTestSource(t, binanceMux(nil))

	_, err := src.GetFundingRate(context.Background(), "NOPEUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, reader.ErrUnknownSymbol), "got %v", err)
}

func TestRateLimitResponsePausesLimiter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"code":-1003,"msg":"Too much request weight used."}`)
	})
	src := newTestSource(t, mux)

	_, err := src.GetFundingRate(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, reader.ErrRateLimit), "got %v", err)
	assert.False(t, src.limiter.PausedUntil().IsZero())
}

func TestGetFundingRatesOmitsUnreportedSymbols(t *testing.T) {
	src := newTestSource(t, binanceMux(nil))

	out, err := src.GetFundingRates(context.Background(), []string{"BTCUSDT", "ETHUSDT", "GONEUSDT"})
	require.NoError(t, err)
	assert.Len(t, out.Samples, 2)
	assert.Contains(t, out.Samples, "ETHUSDT")
	assert.NotContains(t, out.Samples, "GONEUSDT")
	assert.True(t, out.Missing("GONEUSDT"))
	assert.Empty(t, out.Failed)
}

func TestGetFundingRatesPrefersFreshBoard(t *testing.T) {
	src := newTestSource(t, http.NotFoundHandler())
	board := NewMarkPriceBoard("")
	src.board = board

	now := time.Now().UnixMilli()
	msg := fmt.Sprintf(`[{"e":"markPriceUpdate","E":%d,"s":"BTCUSDT","p":"1","i":"1","P":"1","r":"0.0065","T":%d}]`, now, now+3600000)
	require.NoError(t, board.handleMessage([]byte(msg)))

	out, err := src.GetFundingRates(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)
	assert.InDelta(t, 0.0065, out.Samples["BTCUSDT"].FundingRate, 1e-12)
}

func TestNetworkFailureIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	src := NewSource(config.ExchangeConfig{RestURL: url}, time.Second, nil)
	_, err := src.ListContracts(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, reader.ErrNetwork), "got %v", err)
}
