package binance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"

	"fundingpool/config"
	ratemetrics "fundingpool/internal/metrics/rate"
	"fundingpool/internal/symbols"
	"fundingpool/logger"
	"fundingpool/models"
	"fundingpool/reader"
)

const (
	exchangeName     = "binance"
	rateLimitBackoff = 30 * time.Second
	// streamMaxAge bounds how old a board sample may be before REST is used.
	streamMaxAge = 5 * time.Second
)

// Source reads USDT-margined perpetual contracts and funding rates from
// Binance futures.
type Source struct {
	client  *futures.Client
	limiter *ratemetrics.Limiter
	quotes  []string
	board   *MarkPriceBoard
	log     *logger.Log

	mu        sync.RWMutex
	intervals map[string]models.Interval
	tuned     bool
}

// NewSource builds the REST client for the configured endpoint. board may be
// nil; when set, batch reads prefer its websocket samples.
func NewSource(cfg config.ExchangeConfig, timeout time.Duration, board *MarkPriceBoard) *Source {
	client := futures.NewClient("", "")
	client.HTTPClient = reader.NewHTTPClient(cfg.ConnectionPool, timeout)
	if parsed, err := url.Parse(cfg.RestURL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	quotes := cfg.QuoteAssets
	if len(quotes) == 0 {
		quotes = []string{"USDT"}
	}

	s := &Source{
		client:    client,
		limiter:   ratemetrics.NewLimiter(cfg.RateLimit),
		quotes:    quotes,
		board:     board,
		log:       logger.GetLogger(),
		intervals: make(map[string]models.Interval),
	}

	s.log.WithComponent("binance_source").WithFields(logger.Fields{
		"endpoint": cfg.RestURL,
		"timeout":  timeout,
		"stream":   board != nil,
	}).Info("binance source initialized")
	return s
}

func (s *Source) Name() string { return exchangeName }

// ListContracts returns every trading perpetual quoted in one of the
// configured assets, with its detected settlement interval and latest metrics.
func (s *Source) ListContracts(ctx context.Context) ([]models.Contract, error) {
	log := s.log.WithComponent("binance_source").WithFields(logger.Fields{"operation": "list_contracts"})
	start := time.Now()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, reader.Classify(exchangeName, "exchange_info", "", err)
	}
	info, err := s.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, s.fail("exchange_info", "", err)
	}
	s.tuneLimiter(info.RateLimits)

	var perpetuals []string
	for _, sym := range info.Symbols {
		if sym.ContractType != futures.ContractTypePerpetual || sym.Status != "TRADING" {
			continue
		}
		if _, ok := symbols.QuoteAsset(sym.Symbol, s.quotes); !ok {
			continue
		}
		perpetuals = append(perpetuals, sym.Symbol)
	}

	premiums, err := s.premiumIndex(ctx, "")
	if err != nil {
		return nil, err
	}
	volumes, err := s.quoteVolumes(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	contracts := make([]models.Contract, 0, len(perpetuals))
	for _, sym := range perpetuals {
		sample, ok := premiums.Samples[sym]
		if !ok {
			log.WithFields(logger.Fields{"symbol": sym}).Debug("no premium index for symbol, skipping")
			continue
		}
		interval, err := s.settlementInterval(ctx, sym)
		if err != nil {
			if ctx.Err() != nil {
				return nil, reader.Classify(exchangeName, "funding_history", sym, ctx.Err())
			}
			log.WithError(err).WithFields(logger.Fields{"symbol": sym}).Warn("failed to detect settlement interval, skipping symbol")
			continue
		}
		contracts = append(contracts, models.Contract{
			Symbol:             sym,
			Exchange:           exchangeName,
			SettlementInterval: interval,
			FundingRate:        sample.FundingRate,
			MarkPrice:          sample.MarkPrice,
			IndexPrice:         sample.IndexPrice,
			Volume24h:          volumes[sym],
			NextFundingTime:    sample.NextFundingTime,
			LastUpdated:        now,
		})
	}

	logger.LogPerformanceEntry(log, "binance_source", "list_contracts", time.Since(start), logger.Fields{
		"perpetuals": len(perpetuals),
		"contracts":  len(contracts),
	})
	return contracts, nil
}

// GetFundingRate reads the current premium index of one symbol.
func (s *Source) GetFundingRate(ctx context.Context, symbol string) (models.RateSample, error) {
	symbol = strings.ToUpper(symbol)
	batch, err := s.premiumIndex(ctx, symbol)
	if err != nil {
		return models.RateSample{}, err
	}
	if err, failed := batch.Failed[symbol]; failed {
		return models.RateSample{}, err
	}
	sample, ok := batch.Samples[symbol]
	if !ok {
		return models.RateSample{}, reader.NewError(exchangeName, "premium_index", symbol, reader.ErrUnknownSymbol, nil)
	}
	return sample, nil
}

// GetFundingRates prices many symbols with one call, served from the
// websocket board when it holds fresh samples for all of them.
func (s *Source) GetFundingRates(ctx context.Context, syms []string) (reader.Batch, error) {
	if s.board != nil {
		if out, ok := s.board.Lookup(syms, streamMaxAge); ok {
			return reader.Batch{Samples: out, Failed: map[string]error{}}, nil
		}
	}

	all, err := s.premiumIndex(ctx, "")
	if err != nil {
		return reader.Batch{}, err
	}
	out := reader.NewBatch(len(syms))
	for _, sym := range syms {
		sym = strings.ToUpper(sym)
		if sample, ok := all.Samples[sym]; ok {
			out.Samples[sym] = sample
		} else if err, failed := all.Failed[sym]; failed {
			out.Fail(sym, err)
		}
	}
	return out, nil
}

// premiumIndex reads one symbol, or every symbol when symbol is empty.
// Malformed rows are reported in Failed.
func (s *Source) premiumIndex(ctx context.Context, symbol string) (reader.Batch, error) {
	started := time.Now().UTC()
	if err := s.limiter.Wait(ctx); err != nil {
		return reader.Batch{}, reader.Classify(exchangeName, "premium_index", symbol, err)
	}
	svc := s.client.NewPremiumIndexService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return reader.Batch{}, s.fail("premium_index", symbol, err)
	}

	out := reader.NewBatch(len(res))
	for _, p := range res {
		if p == nil {
			continue
		}
		sample, err := sampleFromPremium(p, started)
		if err != nil {
			s.log.WithComponent("binance_source").WithError(err).WithFields(logger.Fields{"symbol": p.Symbol}).Debug("malformed premium index")
			out.Fail(p.Symbol, err)
			continue
		}
		out.Samples[sample.Symbol] = sample
	}
	return out, nil
}

func sampleFromPremium(p *futures.PremiumIndex, started time.Time) (models.RateSample, error) {
	rate, err := reader.ParseFloat(exchangeName, "lastFundingRate", p.LastFundingRate)
	if err != nil {
		return models.RateSample{}, reader.NewError(exchangeName, "premium_index", p.Symbol, reader.ErrDataFormat, err)
	}
	observed := started
	if p.Time > 0 {
		observed = time.UnixMilli(p.Time).UTC()
	}
	var next time.Time
	if p.NextFundingTime > 0 {
		next = time.UnixMilli(p.NextFundingTime).UTC()
	}
	return models.RateSample{
		Exchange:        exchangeName,
		Symbol:          strings.ToUpper(p.Symbol),
		FundingRate:     rate,
		MarkPrice:       reader.ParseOptionalFloat(p.MarkPrice),
		IndexPrice:      reader.ParseOptionalFloat(p.IndexPrice),
		NextFundingTime: next,
		ObservedAt:      observed,
		StartedAt:       started,
	}, nil
}

func (s *Source) quoteVolumes(ctx context.Context) (map[string]float64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, reader.Classify(exchangeName, "ticker_24h", "", err)
	}
	stats, err := s.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, s.fail("ticker_24h", "", err)
	}
	out := make(map[string]float64, len(stats))
	for _, st := range stats {
		if st == nil {
			continue
		}
		out[st.Symbol] = reader.ParseOptionalFloat(st.QuoteVolume)
	}
	return out, nil
}

// settlementInterval returns the cached interval or detects it from the two
// most recent funding settlements.
func (s *Source) settlementInterval(ctx context.Context, symbol string) (models.Interval, error) {
	s.mu.RLock()
	iv, ok := s.intervals[symbol]
	s.mu.RUnlock()
	if ok {
		return iv, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return 0, reader.Classify(exchangeName, "funding_history", symbol, err)
	}
	history, err := s.client.NewFundingRateService().Symbol(symbol).Limit(2).Do(ctx)
	if err != nil {
		return 0, s.fail("funding_history", symbol, err)
	}
	times := make([]int64, 0, len(history))
	for _, h := range history {
		if h != nil {
			times = append(times, h.FundingTime)
		}
	}
	iv = DetectInterval(times)

	s.mu.Lock()
	s.intervals[symbol] = iv
	s.mu.Unlock()
	return iv, nil
}

func (s *Source) tuneLimiter(limits []futures.RateLimit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tuned {
		return
	}
	s.tuned = true
	if rps := ratemetrics.BinanceRequestsPerSecond(limits, 1, 0.5); rps > 0 && rps < s.limiter.Limit() {
		s.limiter.SetLimit(rps)
		s.log.WithComponent("binance_source").WithFields(logger.Fields{"requests_per_second": rps}).Info("limiter tuned to exchange request weight")
	}
}

// fail classifies err, pausing the limiter on rate limits.
func (s *Source) fail(op, symbol string, err error) error {
	var apiErr *common.APIError
	var classified error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015:
			classified = reader.NewError(exchangeName, op, symbol, reader.ErrRateLimit, err)
		case -1121, -1122:
			classified = reader.NewError(exchangeName, op, symbol, reader.ErrUnknownSymbol, err)
		}
	}
	if classified == nil {
		classified = reader.Classify(exchangeName, op, symbol, err)
	}
	if errors.Is(classified, reader.ErrRateLimit) {
		s.limiter.Backoff(rateLimitBackoff)
		ratemetrics.ReportLimitFromMessage(s.log, exchangeName, symbol, op, err.Error())
	}
	return classified
}
