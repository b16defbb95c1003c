package bybit

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

const instrumentsPage1 = `{"retCode":0,"retMsg":"OK","result":{"category":"linear","nextPageCursor":"page2","list":[
  {"symbol":"BTCUSDT","contractType":"LinearPerpetual","status":"Trading","quoteCoin":"USDT","fundingInterval":480},
  {"symbol":"BTC-27DEC24","contractType":"LinearFutures","status":"Trading","quoteCoin":"USDC","fundingInterval":0}
]}}`

const instrumentsPage2 = `{"retCode":0,"retMsg":"OK","result":{"category":"linear","nextPageCursor":"","list":[
  {"symbol":"SOLUSDT","contractType":"LinearPerpetual","status":"Trading","quoteCoin":"USDT","fundingInterval":60},
  {"symbol":"DEADUSDT","contractType":"LinearPerpetual","status":"Closed","quoteCoin":"USDT","fundingInterval":60}
]}}`

const tickersBody = `{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[
  {"symbol":"BTCUSDT","markPrice":"60000","indexPrice":"59990","fundingRate":"0.0001","nextFundingTime":"1700028800000","turnover24h":"5000000"},
  {"symbol":"SOLUSDT","markPrice":"150","indexPrice":"149.9","fundingRate":"-0.0062","nextFundingTime":"1700003600000","turnover24h":"2000000"}
]}}`

func newTestSource(t *testing.T, handler http.Handler) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSource(config.ExchangeConfig{
		Enabled:   true,
		RestURL:   srv.URL,
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 100},
	}, 2*time.Second)
}

func bybitMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/instruments-info", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "page2" {
			fmt.Fprint(w, instrumentsPage2)
			return
		}
		fmt.Fprint(w, instrumentsPage1)
	})
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "", "BTCUSDT", "SOLUSDT":
			fmt.Fprint(w, tickersBody)
		case "LIMITUSDT":
			fmt.Fprint(w, `{"retCode":10006,"retMsg":"Too many visits!","result":{}}`)
		default:
			fmt.Fprint(w, `{"retCode":10001,"retMsg":"params error: symbol invalid","result":{}}`)
		}
	})
	return mux
}

func TestListContractsPaginatesAndFilters(t *testing.T) {
	src := newTestSource(t, bybitMux())

	contracts, err := src.ListContracts(context.Background())
	require.NoError(t, err)
	require.Len(t, contracts, 2)

	got := map[string]models.Contract{}
	for _, c := range contracts {
		got[c.Symbol] = c
	}
	assert.Equal(t, models.Interval(8*time.Hour), got["BTCUSDT"].SettlementInterval)
	assert.Equal(t, models.Interval(time.Hour), got["SOLUSDT"].SettlementInterval)
	assert.InDelta(t, -0.0062, got["SOLUSDT"].FundingRate, 1e-12)
	assert.InDelta(t, 2000000, got["SOLUSDT"].Volume24h, 1e-6)
	assert.Equal(t, time.UnixMilli(1700003600000).UTC(), got["SOLUSDT"].NextFundingTime)
}

func TestGetFundingRateErrors(t *testing.T) {
	src := newTestSource(t, bybitMux())

	sample, err := src.GetFundingRate(context.Background(), "solusdt")
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", sample.Symbol)

	_, err = src.GetFundingRate(context.Background(), "NOPEUSDT")
	assert.True(t, errors.Is(err, reader.ErrUnknownSymbol), "got %v", err)

	_, err = src.GetFundingRate(context.Background(), "LIMITUSDT")
	assert.True(t, errors.Is(err, reader.ErrRateLimit), "got %v", err)
	assert.False(t, src.limiter.PausedUntil().IsZero())
}

func TestGetFundingRatesBatch(t *testing.T) {
	src := newTestSource(t, bybitMux())

	out, err := src.GetFundingRates(context.Background(), []string{"BTCUSDT", "GONEUSDT"})
	require.NoError(t, err)
	assert.Len(t, out.Samples, 1)
	assert.InDelta(t, 0.0001, out.Samples["BTCUSDT"].FundingRate, 1e-12)
	assert.True(t, out.Missing("GONEUSDT"))
}

func TestGetFundingRatesReportsMalformedTickers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[
  {"symbol":"BTCUSDT","markPrice":"60000","indexPrice":"59990","fundingRate":"0.0001","nextFundingTime":"1700028800000","turnover24h":"5000000"},
  {"symbol":"SOLUSDT","markPrice":"150","indexPrice":"149.9","fundingRate":"","nextFundingTime":"1700003600000","turnover24h":"2000000"}
]}}`)
	})
	src := newTestSource(t, mux)

	out, err := src.GetFundingRates(context.Background(), []string{"BTCUSDT", "SOLUSDT", "GONEUSDT"})
	require.NoError(t, err)
	assert.Contains(t, out.Samples, "BTCUSDT")
	require.Contains(t, out.Failed, "SOLUSDT")
	assert.True(t, errors.Is(out.Failed["SOLUSDT"], reader.ErrDataFormat))
	assert.False(t, out.Missing("SOLUSDT"), "a malformed entry is not a delisting")
	assert.True(t, out.Missing("GONEUSDT"))
}

func TestGetFundingRateStartedAtPrecedesRequest(t *testing.T) {
	entered := make(chan time.Time, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		entered <- time.Now().UTC()
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, tickersBody)
	})
	src := newTestSource(t, mux)

	callStart := time.Now().UTC()
	sample, err := src.GetFundingRate(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	hit := <-entered
	assert.False(t, sample.StartedAt.Before(callStart))
	assert.False(t, sample.StartedAt.After(hit), "start time is taken before the request is sent")
	assert.Less(t, sample.StartedAt.Sub(callStart), 50*time.Millisecond)
}

func TestSampleFromTickerRejectsMissingRate(t *testing.T) {
	_, err := sampleFromTicker(ticker{Symbol: "BTCUSDT", FundingRate: ""}, time.Now())
	assert.True(t, errors.Is(err, reader.ErrDataFormat))
}

func TestRetCodeError(t *testing.T) {
	assert.True(t, errors.Is(retCodeError("tickers", "X", retRateLimit, "Too many visits!"), reader.ErrRateLimit))
	assert.True(t, errors.Is(retCodeError("tickers", "X", retInvalidRequest, "params error: symbol invalid"), reader.ErrUnknownSymbol))
	assert.True(t, errors.Is(retCodeError("tickers", "X", 10016, "server error"), reader.ErrNetwork))
}
