package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"fundingpool/config"
	ratemetrics "fundingpool/internal/metrics/rate"
	"fundingpool/internal/symbols"
	"fundingpool/logger"
	"fundingpool/models"
	"fundingpool/reader"
)

const (
	exchangeName     = "bybit"
	rateLimitBackoff = 30 * time.Second
	pageLimit        = 1000
	// maxPages bounds instrument pagination.
	maxPages = 20
)

const (
	retOK             = 0
	retRateLimit      = 10006
	retInvalidRequest = 10001
)

type instrumentsResult struct {
	Category       string       `json:"category"`
	List           []instrument `json:"list"`
	NextPageCursor string       `json:"nextPageCursor"`
}

type instrument struct {
	Symbol          string `json:"symbol"`
	ContractType    string `json:"contractType"`
	Status          string `json:"status"`
	QuoteCoin       string `json:"quoteCoin"`
	FundingInterval int64  `json:"fundingInterval"`
}

type tickersResult struct {
	Category string   `json:"category"`
	List     []ticker `json:"list"`
}

type ticker struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	Turnover24h     string `json:"turnover24h"`
}

// Source reads linear perpetual contracts from the Bybit v5 public API.
type Source struct {
	client  *bybit.Client
	limiter *ratemetrics.Limiter
	quotes  []string
	log     *logger.Log
}

func NewSource(cfg config.ExchangeConfig, timeout time.Duration) *Source {
	base := cfg.RestURL
	if parsed, err := url.Parse(cfg.RestURL); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = reader.NewHTTPClient(cfg.ConnectionPool, timeout)

	quotes := cfg.QuoteAssets
	if len(quotes) == 0 {
		quotes = []string{"USDT"}
	}

	s := &Source{
		client:  client,
		limiter: ratemetrics.NewLimiter(cfg.RateLimit),
		quotes:  quotes,
		log:     logger.GetLogger(),
	}
	s.log.WithComponent("bybit_source").WithFields(logger.Fields{
		"endpoint": base,
		"timeout":  timeout,
	}).Info("bybit source initialized")
	return s
}

func (s *Source) Name() string { return exchangeName }

// ListContracts pages through the linear instruments and joins them with the
// ticker board. The settlement interval comes from fundingInterval, in minutes.
func (s *Source) ListContracts(ctx context.Context) ([]models.Contract, error) {
	log := s.log.WithComponent("bybit_source").WithFields(logger.Fields{"operation": "list_contracts"})
	start := time.Now()

	var instruments []instrument
	cursor := ""
	for page := 0; page < maxPages; page++ {
		params := map[string]interface{}{"category": "linear", "limit": pageLimit}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var res instrumentsResult
		if err := s.call(ctx, "instruments_info", "", params, func(r *bybit.BybitClientRequest) (*bybit.ServerResponse, error) {
			return r.GetInstrumentInfo(ctx)
		}, &res); err != nil {
			return nil, err
		}
		instruments = append(instruments, res.List...)
		if res.NextPageCursor == "" || res.NextPageCursor == cursor {
			break
		}
		cursor = res.NextPageCursor
	}

	tickers, err := s.tickers(ctx, "")
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	contracts := make([]models.Contract, 0, len(instruments))
	for _, in := range instruments {
		if in.ContractType != "LinearPerpetual" || in.Status != "Trading" {
			continue
		}
		if _, ok := symbols.QuoteAsset(in.Symbol, s.quotes); !ok {
			continue
		}
		if in.FundingInterval <= 0 {
			log.WithFields(logger.Fields{"symbol": in.Symbol}).Debug("instrument without funding interval, skipping")
			continue
		}
		tk, ok := tickers[in.Symbol]
		if !ok {
			continue
		}
		sample, err := sampleFromTicker(tk, now)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": in.Symbol}).Debug("skipping malformed ticker")
			continue
		}
		contracts = append(contracts, models.Contract{
			Symbol:             in.Symbol,
			Exchange:           exchangeName,
			SettlementInterval: models.Interval(time.Duration(in.FundingInterval) * time.Minute),
			FundingRate:        sample.FundingRate,
			MarkPrice:          sample.MarkPrice,
			IndexPrice:         sample.IndexPrice,
			Volume24h:          sample.Volume24h,
			NextFundingTime:    sample.NextFundingTime,
			LastUpdated:        now,
		})
	}

	logger.LogPerformanceEntry(log, "bybit_source", "list_contracts", time.Since(start), logger.Fields{
		"instruments": len(instruments),
		"contracts":   len(contracts),
	})
	return contracts, nil
}

func (s *Source) GetFundingRate(ctx context.Context, symbol string) (models.RateSample, error) {
	symbol = strings.ToUpper(symbol)
	started := time.Now().UTC()
	tickers, err := s.tickers(ctx, symbol)
	if err != nil {
		return models.RateSample{}, err
	}
	tk, ok := tickers[symbol]
	if !ok {
		return models.RateSample{}, reader.NewError(exchangeName, "tickers", symbol, reader.ErrUnknownSymbol, nil)
	}
	return sampleFromTicker(tk, started)
}

// GetFundingRates reads the whole linear ticker board once.
func (s *Source) GetFundingRates(ctx context.Context, syms []string) (reader.Batch, error) {
	started := time.Now().UTC()
	tickers, err := s.tickers(ctx, "")
	if err != nil {
		return reader.Batch{}, err
	}
	out := reader.NewBatch(len(syms))
	for _, sym := range syms {
		sym = strings.ToUpper(sym)
		tk, ok := tickers[sym]
		if !ok {
			continue
		}
		sample, err := sampleFromTicker(tk, started)
		if err != nil {
			out.Fail(sym, err)
			continue
		}
		out.Samples[sym] = sample
	}
	return out, nil
}

func (s *Source) tickers(ctx context.Context, symbol string) (map[string]ticker, error) {
	params := map[string]interface{}{"category": "linear"}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var res tickersResult
	if err := s.call(ctx, "tickers", symbol, params, func(r *bybit.BybitClientRequest) (*bybit.ServerResponse, error) {
		return r.GetMarketTickers(ctx)
	}, &res); err != nil {
		return nil, err
	}
	out := make(map[string]ticker, len(res.List))
	for _, t := range res.List {
		out[strings.ToUpper(t.Symbol)] = t
	}
	return out, nil
}

type endpoint func(*bybit.BybitClientRequest) (*bybit.ServerResponse, error)

// call performs one rate-limited request and decodes its result into out.
func (s *Source) call(ctx context.Context, op, symbol string, params map[string]interface{}, fn endpoint, out interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return reader.Classify(exchangeName, op, symbol, err)
	}
	resp, err := fn(s.client.NewUtaBybitServiceWithParams(params))
	if err != nil {
		return s.fail(op, symbol, reader.Classify(exchangeName, op, symbol, err))
	}
	if resp == nil {
		return reader.NewError(exchangeName, op, symbol, reader.ErrDataFormat, fmt.Errorf("empty response"))
	}
	if resp.RetCode != retOK {
		return s.fail(op, symbol, retCodeError(op, symbol, resp.RetCode, resp.RetMsg))
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return reader.NewError(exchangeName, op, symbol, reader.ErrDataFormat, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return reader.NewError(exchangeName, op, symbol, reader.ErrDataFormat, err)
	}
	return nil
}

func retCodeError(op, symbol string, code int, msg string) error {
	cause := fmt.Errorf("retCode=%d retMsg=%s", code, msg)
	lower := strings.ToLower(msg)
	switch {
	case code == retRateLimit:
		return reader.NewError(exchangeName, op, symbol, reader.ErrRateLimit, cause)
	case code == retInvalidRequest && strings.Contains(lower, "symbol"):
		return reader.NewError(exchangeName, op, symbol, reader.ErrUnknownSymbol, cause)
	}
	return reader.Classify(exchangeName, op, symbol, cause)
}

func (s *Source) fail(op, symbol string, err error) error {
	if reader.KindName(err) == "rate_limit" {
		s.limiter.Backoff(rateLimitBackoff)
		ratemetrics.ReportRateLimitExceeded(s.log, exchangeName, symbol, op)
	}
	return err
}

func sampleFromTicker(t ticker, started time.Time) (models.RateSample, error) {
	rate, err := reader.ParseFloat(exchangeName, "fundingRate", t.FundingRate)
	if err != nil {
		return models.RateSample{}, err
	}
	var next time.Time
	if ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64); err == nil && ms > 0 {
		next = time.UnixMilli(ms).UTC()
	}
	return models.RateSample{
		Exchange:        exchangeName,
		Symbol:          strings.ToUpper(t.Symbol),
		FundingRate:     rate,
		MarkPrice:       reader.ParseOptionalFloat(t.MarkPrice),
		IndexPrice:      reader.ParseOptionalFloat(t.IndexPrice),
		Volume24h:       reader.ParseOptionalFloat(t.Turnover24h),
		NextFundingTime: next,
		ObservedAt:      time.Now().UTC(),
		StartedAt:       started,
	}, nil
}
