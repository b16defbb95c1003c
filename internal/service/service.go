// Package service is the query surface over the pool, the contract cache and
// the task gateway. Every method answers from in-memory state; slow work is
// submitted to the gateway.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fundingpool/internal/contracts"
	"fundingpool/internal/symbols"
	"fundingpool/internal/taskgw"
	"fundingpool/models"
	"fundingpool/processor"
)

// Task kinds registered on the gateway.
const (
	TaskRefreshCache = "refresh_cache"
	TaskCheckSymbols = "check_symbols"
)

var ErrInvalidInterval = errors.New("invalid settlement interval")

type SnapshotView interface {
	Current() *models.Snapshot
	Valid(now time.Time) bool
}

type PoolView interface {
	ListInPool() []models.PoolEntry
}

// Refresher runs a full cache refresh and reports staleness.
type Refresher interface {
	RefreshNow(ctx context.Context) (contracts.RefreshResult, error)
	Stale() bool
}

type SymbolChecker interface {
	CheckSymbols(ctx context.Context, keys []string) (processor.CycleResult, error)
}

type TaskRunner interface {
	Register(kind string, h taskgw.Handler)
	Submit(kind string, args map[string]string) (string, error)
	Status(id string) (models.TaskRecord, error)
}

type PoolStatus struct {
	PoolSize int                `json:"pool_size"`
	Entries  []models.PoolEntry `json:"entries"`
	Stale    bool               `json:"stale"`

	// Markets maps a market in Binance notation to the pool keys of every
	// exchange where it is in the pool, for markets pooled on two or more.
	Markets map[string][]string `json:"markets,omitempty"`
}

type CacheStatus struct {
	CacheTime       time.Time         `json:"cache_time"`
	ContractCount   int               `json:"contract_count"`
	IsValid         bool              `json:"is_valid"`
	Intervals       map[string]int    `json:"intervals"`
	FailedExchanges map[string]string `json:"failed_exchanges,omitempty"`
}

// RefreshSummary is the result of a refresh_cache task.
type RefreshSummary struct {
	CacheTime time.Time         `json:"cache_time"`
	Contracts int               `json:"contracts"`
	Failed    map[string]string `json:"failed,omitempty"`
}

type Service struct {
	snapshots SnapshotView
	pool      PoolView
	refresher Refresher
	checker   SymbolChecker
	tasks     TaskRunner
	now       func() time.Time
}

// New wires the query surface and registers the task kinds on tasks.
func New(snapshots SnapshotView, pool PoolView, refresher Refresher, checker SymbolChecker, tasks TaskRunner) *Service {
	s := &Service{
		snapshots: snapshots,
		pool:      pool,
		refresher: refresher,
		checker:   checker,
		tasks:     tasks,
		now:       time.Now,
	}
	tasks.Register(TaskRefreshCache, s.runRefresh)
	if checker != nil {
		tasks.Register(TaskCheckSymbols, s.runCheck)
	}
	return s
}

func (s *Service) GetPoolStatus() PoolStatus {
	entries := s.pool.ListInPool()
	if entries == nil {
		entries = []models.PoolEntry{}
	}
	return PoolStatus{
		PoolSize: len(entries),
		Entries:  entries,
		Stale:    s.refresher.Stale(),
		Markets:  crossListed(entries),
	}
}

func crossListed(entries []models.PoolEntry) map[string][]string {
	byMarket := map[string][]string{}
	for _, e := range entries {
		market := symbols.ToBinance(e.Exchange, e.Symbol)
		byMarket[market] = append(byMarket[market], symbols.Qualify(e.Exchange, e.Symbol))
	}
	for market, keys := range byMarket {
		if len(keys) < 2 {
			delete(byMarket, market)
			continue
		}
		sort.Strings(keys)
	}
	if len(byMarket) == 0 {
		return nil
	}
	return byMarket
}

func (s *Service) GetCacheStatus() CacheStatus {
	snap := s.snapshots.Current()
	st := CacheStatus{
		IsValid:   s.snapshots.Valid(s.now()),
		Intervals: map[string]int{},
	}
	if snap == nil {
		return st
	}
	st.CacheTime = snap.CacheTime
	st.ContractCount = snap.Len()
	for iv, cs := range snap.ByInterval() {
		st.Intervals[iv.String()] = len(cs)
	}
	if len(snap.FailedExchanges) > 0 {
		st.FailedExchanges = make(map[string]string, len(snap.FailedExchanges))
		for k, v := range snap.FailedExchanges {
			st.FailedExchanges[k] = v
		}
	}
	return st
}

// ForceRefreshCache runs a full refresh on the caller's goroutine.
func (s *Service) ForceRefreshCache(ctx context.Context) error {
	_, err := s.refresher.RefreshNow(ctx)
	return err
}

func (s *Service) SubmitAsync(kind string, args map[string]string) (string, error) {
	return s.tasks.Submit(kind, args)
}

func (s *Service) GetTaskStatus(id string) (models.TaskRecord, error) {
	return s.tasks.Status(id)
}

// ContractsByInterval returns the cached contracts settling every label
// ("1h", "8h", ...), ordered by exchange and symbol.
func (s *Service) ContractsByInterval(label string) ([]models.Contract, error) {
	iv, err := models.ParseInterval(label)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, label)
	}
	snap := s.snapshots.Current()
	out := []models.Contract{}
	if snap == nil {
		return out, nil
	}
	for _, c := range snap.Contracts {
		if c.SettlementInterval == iv {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *Service) runRefresh(ctx context.Context, args map[string]string) (interface{}, error) {
	res, err := s.refresher.RefreshNow(ctx)
	if err != nil && !errors.Is(err, contracts.ErrCacheIO) {
		return nil, err
	}
	summary := RefreshSummary{Contracts: res.Snapshot.Len()}
	if res.Snapshot != nil {
		summary.CacheTime = res.Snapshot.CacheTime
	}
	if len(res.Failed) > 0 {
		summary.Failed = make(map[string]string, len(res.Failed))
		for name, ferr := range res.Failed {
			summary.Failed[name] = ferr.Error()
		}
	}
	return summary, err
}

// runCheck evaluates the comma-separated exchange-qualified keys in
// args["symbols"].
func (s *Service) runCheck(ctx context.Context, args map[string]string) (interface{}, error) {
	var keys []string
	for _, k := range strings.Split(args["symbols"], ",") {
		exchange, sym, ok := symbols.Split(strings.TrimSpace(k))
		if !ok {
			continue
		}
		keys = append(keys, symbols.Qualify(exchange, sym))
	}
	if len(keys) == 0 {
		return nil, errors.New("no symbols given")
	}
	return s.checker.CheckSymbols(ctx, keys)
}
