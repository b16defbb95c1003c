package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"fundingpool/internal/symbols"
)

// Interval is a funding settlement period such as 1h or 8h.
type Interval time.Duration

// ParseInterval accepts Go duration strings ("1h", "30m", "8h0m0s").
func ParseInterval(s string) (Interval, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse settlement interval %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("settlement interval %q must be positive", s)
	}
	return Interval(d), nil
}

func (i Interval) Duration() time.Duration { return time.Duration(i) }

// String renders whole hours as "8h" and anything else as minutes.
func (i Interval) String() string {
	d := time.Duration(i)
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return d.String()
}

func (i Interval) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Interval) UnmarshalText(b []byte) error {
	v, err := ParseInterval(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Contract is one perpetual futures instrument as last seen in a cache refresh.
type Contract struct {
	Symbol             string    `json:"symbol"`
	Exchange           string    `json:"exchange"`
	SettlementInterval Interval  `json:"settlement_interval"`
	FundingRate        float64   `json:"funding_rate"`
	MarkPrice          float64   `json:"mark_price"`
	IndexPrice         float64   `json:"index_price"`
	Volume24h          float64   `json:"volume_24h"`
	NextFundingTime    time.Time `json:"next_funding_time"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Key is the exchange-qualified symbol used across the pool and cache.
func (c Contract) Key() string {
	return symbols.Qualify(c.Exchange, c.Symbol)
}

// Apply copies the metrics of a fresh sample onto the contract. The
// settlement interval is never touched.
func (c Contract) Apply(s RateSample) Contract {
	c.FundingRate = s.FundingRate
	if s.MarkPrice != 0 {
		c.MarkPrice = s.MarkPrice
	}
	if s.IndexPrice != 0 {
		c.IndexPrice = s.IndexPrice
	}
	if s.Volume24h != 0 {
		c.Volume24h = s.Volume24h
	}
	if !s.NextFundingTime.IsZero() {
		c.NextFundingTime = s.NextFundingTime
	}
	c.LastUpdated = s.ObservedAt
	return c
}

// RateSample is a single funding-rate observation for one symbol.
type RateSample struct {
	Exchange        string    `json:"exchange"`
	Symbol          string    `json:"symbol"`
	FundingRate     float64   `json:"funding_rate"`
	MarkPrice       float64   `json:"mark_price"`
	IndexPrice      float64   `json:"index_price"`
	Volume24h       float64   `json:"volume_24h"`
	NextFundingTime time.Time `json:"next_funding_time"`
	ObservedAt      time.Time `json:"observed_at"`
	// StartedAt is when the fetch that produced the sample began. The pool
	// store orders samples per symbol by this value.
	StartedAt time.Time `json:"started_at"`
}

func (s RateSample) Key() string {
	return symbols.Qualify(s.Exchange, s.Symbol)
}

// Snapshot is the set of eligible contracts produced by one refresh. A
// published snapshot is shared between goroutines and must not be mutated;
// derive a new one with Clone.
type Snapshot struct {
	CacheTime       time.Time           `json:"cache_time"`
	Contracts       map[string]Contract `json:"contracts"`
	FailedExchanges map[string]string   `json:"failed_exchanges,omitempty"`
}

func NewSnapshot(cacheTime time.Time) *Snapshot {
	return &Snapshot{
		CacheTime:       cacheTime,
		Contracts:       make(map[string]Contract),
		FailedExchanges: make(map[string]string),
	}
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Contracts)
}

func (s *Snapshot) Add(c Contract) {
	s.Contracts[c.Key()] = c
}

func (s *Snapshot) Get(key string) (Contract, bool) {
	if s == nil {
		return Contract{}, false
	}
	c, ok := s.Contracts[key]
	return c, ok
}

// Clone returns a deep copy with its own maps.
func (s *Snapshot) Clone() *Snapshot {
	out := NewSnapshot(s.CacheTime)
	for k, c := range s.Contracts {
		out.Contracts[k] = c
	}
	for k, v := range s.FailedExchanges {
		out.FailedExchanges[k] = v
	}
	return out
}

// ForExchange returns the exchange's contracts ordered by symbol.
func (s *Snapshot) ForExchange(exchange string) []Contract {
	if s == nil {
		return nil
	}
	exchange = strings.ToLower(exchange)
	var out []Contract
	for _, c := range s.Contracts {
		if c.Exchange == exchange {
			out = append(out, c)
		}
	}
	sortContracts(out)
	return out
}

// Exchanges lists the exchanges present in the snapshot.
func (s *Snapshot) Exchanges() []string {
	if s == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, c := range s.Contracts {
		seen[c.Exchange] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ex := range seen {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}

// ByInterval groups contracts by settlement interval, each group ordered by key.
func (s *Snapshot) ByInterval() map[Interval][]Contract {
	out := map[Interval][]Contract{}
	if s == nil {
		return out
	}
	for _, c := range s.Contracts {
		out[c.SettlementInterval] = append(out[c.SettlementInterval], c)
	}
	for iv := range out {
		sortContracts(out[iv])
	}
	return out
}

func sortContracts(cs []Contract) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Key() < cs[j].Key() })
}
