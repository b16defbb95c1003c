package kucoin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingpool/config"
	"fundingpool/models"
	"fundingpool/reader"
)

const allContractsBody = `{"data":[
  {"symbol":"XBTUSDTM","type":"FFWCSX","status":"Open","quoteCurrency":"USDT","isInverse":false,"fundingFeeRate":0.0001,"fundingRateGranularity":28800000,"nextFundingRateDateTime":1700028800000,"markPrice":60000,"indexPrice":59990,"turnoverOf24h":9000000},
  {"symbol":"PEPEUSDTM","type":"FFWCSX","status":"Open","quoteCurrency":"USDT","isInverse":false,"fundingFeeRate":-0.0071,"fundingRateGranularity":3600000,"nextFundingRateDateTime":1700003600000,"markPrice":0.00001,"indexPrice":0.00001,"turnoverOf24h":3000000},
  {"symbol":"XBTUSDM","type":"FFWCSX","status":"Open","quoteCurrency":"USD","isInverse":true,"fundingFeeRate":0.0001,"fundingRateGranularity":28800000},
  {"symbol":"XBTMZ25","type":"FFICSX","status":"Open","quoteCurrency":"USDT","isInverse":false,"fundingRateGranularity":0},
  {"symbol":"OLDUSDTM","type":"FFWCSX","status":"Paused","quoteCurrency":"USDT","isInverse":false,"fundingFeeRate":0.0001,"fundingRateGranularity":3600000}
]}`

type fakeMarket struct {
	all     string
	single  map[string]string
	failAll error
}

func (f *fakeMarket) allContracts(ctx context.Context) ([]byte, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	return []byte(f.all), nil
}

func (f *fakeMarket) contract(ctx context.Context, symbol string) ([]byte, error) {
	body, ok := f.single[symbol]
	if !ok {
		return []byte(`{}`), nil
	}
	return []byte(body), nil
}

func testConfig() config.ExchangeConfig {
	return config.ExchangeConfig{RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 100}}
}

func TestListContractsKeepsLinearPerpetuals(t *testing.T) {
	src := newSource(&fakeMarket{all: allContractsBody}, testConfig())

	contracts, err := src.ListContracts(context.Background())
	require.NoError(t, err)
	require.Len(t, contracts, 2)

	got := map[string]models.Contract{}
	for _, c := range contracts {
		got[c.Symbol] = c
	}
	assert.Equal(t, models.Interval(8*time.Hour), got["XBTUSDTM"].SettlementInterval)
	assert.Equal(t, models.Interval(time.Hour), got["PEPEUSDTM"].SettlementInterval)
	assert.InDelta(t, -0.0071, got["PEPEUSDTM"].FundingRate, 1e-12)
	assert.InDelta(t, 3000000, got["PEPEUSDTM"].Volume24h, 1e-6)
	assert.Equal(t, "kucoin", got["PEPEUSDTM"].Exchange)
}

func TestGetFundingRate(t *testing.T) {
	src := newSource(&fakeMarket{single: map[string]string{
		"XBTUSDTM": `{"symbol":"XBTUSDTM","status":"Open","fundingFeeRate":0.0052,"markPrice":61000}`,
		"BADUSDTM": `{"symbol":"BADUSDTM","status":"Open"}`,
	}}, testConfig())

	sample, err := src.GetFundingRate(context.Background(), "xbtusdtm")
	require.NoError(t, err)
	assert.InDelta(t, 0.0052, sample.FundingRate, 1e-12)
	assert.InDelta(t, 61000, sample.MarkPrice, 1e-9)

	_, err = src.GetFundingRate(context.Background(), "NOPEUSDTM")
	assert.True(t, errors.Is(err, reader.ErrUnknownSymbol), "got %v", err)

	_, err = src.GetFundingRate(context.Background(), "BADUSDTM")
	assert.True(t, errors.Is(err, reader.ErrDataFormat), "got %v", err)
}

func TestGetFundingRatesSkipsUnlisted(t *testing.T) {
	src := newSource(&fakeMarket{all: allContractsBody}, testConfig())

	out, err := src.GetFundingRates(context.Background(), []string{"PEPEUSDTM", "OLDUSDTM", "GONEUSDTM"})
	require.NoError(t, err)
	assert.Len(t, out.Samples, 1)
	assert.Contains(t, out.Samples, "PEPEUSDTM")
	assert.True(t, out.Missing("OLDUSDTM"), "paused contracts are not reported")
	assert.True(t, out.Missing("GONEUSDTM"))
}

func TestRateLimitedListPausesLimiter(t *testing.T) {
	src := newSource(&fakeMarket{failAll: errors.New("code=429000 msg=Too Many Requests")}, testConfig())

	_, err := src.ListContracts(context.Background())
	assert.True(t, errors.Is(err, reader.ErrRateLimit), "got %v", err)
	assert.False(t, src.limiter.PausedUntil().IsZero())
}

func TestDecodeContracts(t *testing.T) {
	list, err := decodeContracts([]byte(`[{"symbol":"A"},{"symbol":"B"}]`))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = decodeContracts([]byte(`{"data":[{"symbol":"A"}]}`))
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = decodeContracts([]byte(`{"data":"nope"}`))
	assert.Error(t, err)
}
