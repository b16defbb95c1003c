// Package reader defines the exchange rate source contract shared by the
// per-exchange adapters and the error kinds they report.
package reader

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"fundingpool/config"
	"fundingpool/models"
)

// Source lists perpetual contracts and reads current funding rates from one
// exchange. Implementations must be safe for concurrent use.
type Source interface {
	Name() string
	ListContracts(ctx context.Context) ([]models.Contract, error)
	GetFundingRate(ctx context.Context, symbol string) (models.RateSample, error)
}

// BatchSource is implemented by sources that can price many symbols with a
// single upstream call.
type BatchSource interface {
	Source
	GetFundingRates(ctx context.Context, symbols []string) (Batch, error)
}

// Batch is the answer to one batched rate request, keyed by upper-case
// symbol. Symbols in neither map were not reported by the exchange; symbols
// in Failed were reported but could not be read this time.
type Batch struct {
	Samples map[string]models.RateSample
	Failed  map[string]error
}

func NewBatch(size int) Batch {
	return Batch{
		Samples: make(map[string]models.RateSample, size),
		Failed:  map[string]error{},
	}
}

// Fail records a per-symbol failure.
func (b Batch) Fail(symbol string, err error) {
	b.Failed[strings.ToUpper(symbol)] = err
}

// Missing reports whether the exchange left symbol out of the answer.
func (b Batch) Missing(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	if _, ok := b.Samples[symbol]; ok {
		return false
	}
	_, failed := b.Failed[symbol]
	return !failed
}

// NewHTTPClient builds the pooled HTTP client handed to exchange SDKs.
func NewHTTPClient(pool config.ConnectionPoolConfig, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
	}
	if transport.IdleConnTimeout <= 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
