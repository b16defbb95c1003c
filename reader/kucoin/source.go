package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"fundingpool/config"
	ratemetrics "fundingpool/internal/metrics/rate"
	"fundingpool/logger"
	"fundingpool/models"
	"fundingpool/reader"
)

const (
	exchangeName     = "kucoin"
	rateLimitBackoff = 30 * time.Second
	// perpetualType is KuCoin's contract type code for perpetual swaps.
	perpetualType = "FFWCSX"
)

// contractInfo mirrors the fields of KuCoin's futures contract object that
// the monitor reads.
type contractInfo struct {
	Symbol                  string   `json:"symbol"`
	Type                    string   `json:"type"`
	Status                  string   `json:"status"`
	QuoteCurrency           string   `json:"quoteCurrency"`
	IsInverse               bool     `json:"isInverse"`
	FundingFeeRate          *float64 `json:"fundingFeeRate"`
	FundingRateGranularity  int64    `json:"fundingRateGranularity"`
	NextFundingRateDateTime int64    `json:"nextFundingRateDateTime"`
	MarkPrice               float64  `json:"markPrice"`
	IndexPrice              float64  `json:"indexPrice"`
	TurnoverOf24h           float64  `json:"turnoverOf24h"`
}

// marketClient returns the raw JSON of the two market endpoints used here.
type marketClient interface {
	allContracts(ctx context.Context) ([]byte, error)
	contract(ctx context.Context, symbol string) ([]byte, error)
}

type sdkMarket struct {
	api futuresmarket.MarketAPI
}

func (m sdkMarket) allContracts(ctx context.Context) ([]byte, error) {
	resp, err := m.api.GetAllSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("empty response")
	}
	return json.Marshal(resp)
}

func (m sdkMarket) contract(ctx context.Context, symbol string) ([]byte, error) {
	req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(symbol).Build()
	resp, err := m.api.GetSymbol(req, ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("empty response for symbol %s", symbol)
	}
	return json.Marshal(resp)
}

// Source reads perpetual contracts from the KuCoin futures API.
type Source struct {
	market  marketClient
	limiter *ratemetrics.Limiter
	quotes  []string
	log     *logger.Log
}

func NewSource(cfg config.ExchangeConfig, timeout time.Duration) *Source {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = "https://api-futures.kucoin.com"
	} else if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		baseURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(cfg.ConnectionPool.MaxIdleConns).
		SetMaxIdleConnsPerHost(cfg.ConnectionPool.MaxIdleConns).
		SetMaxConnsPerHost(cfg.ConnectionPool.MaxConnsPerHost).
		SetIdleConnTimeout(cfg.ConnectionPool.IdleConnTimeout).
		SetTimeout(timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(baseURL).
		WithTransportOption(transportOpt).
		Build()

	client := sdkapi.NewClient(option)
	s := newSource(sdkMarket{api: client.RestService().GetFuturesService().GetMarketAPI()}, cfg)
	s.log.WithComponent("kucoin_source").WithFields(logger.Fields{
		"endpoint": baseURL,
		"timeout":  timeout,
	}).Info("kucoin source initialized")
	return s
}

func newSource(market marketClient, cfg config.ExchangeConfig) *Source {
	quotes := cfg.QuoteAssets
	if len(quotes) == 0 {
		quotes = []string{"USDT"}
	}
	return &Source{
		market:  market,
		limiter: ratemetrics.NewLimiter(cfg.RateLimit),
		quotes:  quotes,
		log:     logger.GetLogger(),
	}
}

func (s *Source) Name() string { return exchangeName }

// ListContracts reads every active contract in one call. KuCoin reports the
// settlement interval as fundingRateGranularity in milliseconds.
func (s *Source) ListContracts(ctx context.Context) ([]models.Contract, error) {
	log := s.log.WithComponent("kucoin_source").WithFields(logger.Fields{"operation": "list_contracts"})
	start := time.Now()

	infos, err := s.fetchAll(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	contracts := make([]models.Contract, 0, len(infos))
	for _, in := range infos {
		if in.Type != perpetualType || in.Status != "Open" || in.IsInverse {
			continue
		}
		if !quoteMatches(in.QuoteCurrency, s.quotes) {
			continue
		}
		if in.FundingRateGranularity <= 0 || in.FundingFeeRate == nil {
			log.WithFields(logger.Fields{"symbol": in.Symbol}).Debug("contract without funding data, skipping")
			continue
		}
		sample := sampleFromInfo(in, now)
		contracts = append(contracts, models.Contract{
			Symbol:             sample.Symbol,
			Exchange:           exchangeName,
			SettlementInterval: models.Interval(time.Duration(in.FundingRateGranularity) * time.Millisecond),
			FundingRate:        sample.FundingRate,
			MarkPrice:          sample.MarkPrice,
			IndexPrice:         sample.IndexPrice,
			Volume24h:          sample.Volume24h,
			NextFundingTime:    sample.NextFundingTime,
			LastUpdated:        now,
		})
	}

	logger.LogPerformanceEntry(log, "kucoin_source", "list_contracts", time.Since(start), logger.Fields{
		"listed":    len(infos),
		"contracts": len(contracts),
	})
	return contracts, nil
}

func (s *Source) GetFundingRate(ctx context.Context, symbol string) (models.RateSample, error) {
	symbol = strings.ToUpper(symbol)
	started := time.Now().UTC()
	if err := s.limiter.Wait(ctx); err != nil {
		return models.RateSample{}, reader.Classify(exchangeName, "get_symbol", symbol, err)
	}
	raw, err := s.market.contract(ctx, symbol)
	if err != nil {
		return models.RateSample{}, s.fail("get_symbol", symbol, err)
	}
	var in contractInfo
	if err := json.Unmarshal(raw, &in); err != nil {
		return models.RateSample{}, reader.NewError(exchangeName, "get_symbol", symbol, reader.ErrDataFormat, err)
	}
	if in.Symbol == "" {
		return models.RateSample{}, reader.NewError(exchangeName, "get_symbol", symbol, reader.ErrUnknownSymbol, nil)
	}
	if in.FundingFeeRate == nil {
		return models.RateSample{}, reader.NewError(exchangeName, "get_symbol", symbol, reader.ErrDataFormat, fmt.Errorf("fundingFeeRate missing"))
	}
	return sampleFromInfo(in, started), nil
}

// GetFundingRates prices a batch from the all-contracts endpoint. A listed
// contract without a funding rate is reported as a data format failure.
func (s *Source) GetFundingRates(ctx context.Context, syms []string) (reader.Batch, error) {
	started := time.Now().UTC()
	infos, err := s.fetchAll(ctx)
	if err != nil {
		return reader.Batch{}, err
	}
	bySymbol := make(map[string]contractInfo, len(infos))
	for _, in := range infos {
		bySymbol[strings.ToUpper(in.Symbol)] = in
	}
	out := reader.NewBatch(len(syms))
	for _, sym := range syms {
		sym = strings.ToUpper(sym)
		in, ok := bySymbol[sym]
		if !ok || in.Status != "Open" {
			continue
		}
		if in.FundingFeeRate == nil {
			out.Fail(sym, reader.NewError(exchangeName, "all_symbols", sym, reader.ErrDataFormat, fmt.Errorf("fundingFeeRate missing")))
			continue
		}
		out.Samples[sym] = sampleFromInfo(in, started)
	}
	return out, nil
}

func (s *Source) fetchAll(ctx context.Context) ([]contractInfo, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, reader.Classify(exchangeName, "all_symbols", "", err)
	}
	raw, err := s.market.allContracts(ctx)
	if err != nil {
		return nil, s.fail("all_symbols", "", err)
	}
	infos, err := decodeContracts(raw)
	if err != nil {
		return nil, reader.NewError(exchangeName, "all_symbols", "", reader.ErrDataFormat, err)
	}
	return infos, nil
}

// decodeContracts accepts both a bare array and a {"data": [...]} envelope.
func decodeContracts(raw []byte) ([]contractInfo, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var list []contractInfo
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var envelope struct {
		Data []contractInfo `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

func (s *Source) fail(op, symbol string, err error) error {
	classified := reader.Classify(exchangeName, op, symbol, err)
	if reader.KindName(classified) == "rate_limit" {
		s.limiter.Backoff(rateLimitBackoff)
		ratemetrics.ReportLimitFromMessage(s.log, exchangeName, symbol, op, err.Error())
	}
	return classified
}

func sampleFromInfo(in contractInfo, started time.Time) models.RateSample {
	var rate float64
	if in.FundingFeeRate != nil {
		rate = *in.FundingFeeRate
	}
	var next time.Time
	if in.NextFundingRateDateTime > 0 {
		next = time.UnixMilli(in.NextFundingRateDateTime).UTC()
	}
	return models.RateSample{
		Exchange:        exchangeName,
		Symbol:          strings.ToUpper(in.Symbol),
		FundingRate:     rate,
		MarkPrice:       in.MarkPrice,
		IndexPrice:      in.IndexPrice,
		Volume24h:       in.TurnoverOf24h,
		NextFundingTime: next,
		ObservedAt:      time.Now().UTC(),
		StartedAt:       started,
	}
}

func quoteMatches(quote string, quotes []string) bool {
	for _, q := range quotes {
		if strings.EqualFold(q, quote) {
			return true
		}
	}
	return false
}
