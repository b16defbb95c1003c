// Package processor evaluates funding rates against the pool rules and turns
// the resulting transitions into notifications, history and archives.
package processor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fundingpool/internal/metrics"
	"fundingpool/internal/pool"
	"fundingpool/logger"
	"fundingpool/models"
	"fundingpool/reader"
)

// ErrNoSnapshot is returned by a cycle run before any contract snapshot exists.
var ErrNoSnapshot = errors.New("no contract snapshot available")

type SnapshotProvider interface {
	Current() *models.Snapshot
}

// Notifier accepts transition events for delivery. It reports false when the
// event was already handed over.
type Notifier interface {
	Notify(ev models.TransitionEvent) bool
}

type HistoryRecorder interface {
	Append(exchange, symbol string, samples ...models.HistorySample) error
}

type SessionArchiver interface {
	Archive(ctx context.Context, ev models.TransitionEvent) (string, error)
}

type StateSaver interface {
	Save(entries []models.PoolEntry) error
}

// Deps are the collaborators of a Monitor. History, Archiver and State are
// optional.
type Deps struct {
	Sources   []reader.Source
	Snapshots SnapshotProvider
	Store     *pool.Store
	Notifier  Notifier
	History   HistoryRecorder
	Archiver  SessionArchiver
	State     StateSaver
}

type Options struct {
	FetchLimit     int
	RequestTimeout time.Duration
	StaleMaxAge    time.Duration
}

// CycleResult summarises one rate check.
type CycleResult struct {
	StartedAt time.Time                `json:"started_at"`
	Duration  time.Duration            `json:"duration"`
	Checked   int                      `json:"checked"`
	Skipped   int                      `json:"skipped"`
	Rejected  int                      `json:"rejected"`
	Failures  map[string]int           `json:"failures,omitempty"`
	Events    []models.TransitionEvent `json:"events,omitempty"`
	Removed   int                      `json:"removed"`
	PoolSize  int                      `json:"pool_size"`
}

type Monitor struct {
	sources map[string]reader.Source
	deps    Deps
	opts    Options
	log     *logger.Log
}

func NewMonitor(deps Deps, opts Options) *Monitor {
	sources := make(map[string]reader.Source, len(deps.Sources))
	for _, s := range deps.Sources {
		sources[strings.ToLower(s.Name())] = s
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 4
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Monitor{sources: sources, deps: deps, opts: opts, log: logger.GetLogger()}
}

// InPool lists current pool members ordered by entry time.
func (m *Monitor) InPool() []models.PoolEntry {
	return m.deps.Store.ListInPool()
}

// RunCycle checks every contract of the current snapshot.
func (m *Monitor) RunCycle(ctx context.Context) (CycleResult, error) {
	snap := m.deps.Snapshots.Current()
	if snap == nil {
		return CycleResult{}, ErrNoSnapshot
	}
	contracts := make([]models.Contract, 0, snap.Len())
	for _, c := range snap.Contracts {
		contracts = append(contracts, c)
	}
	return m.evaluate(ctx, contracts, true)
}

// CheckSymbols runs the same evaluation restricted to the given
// exchange-qualified keys. Keys absent from the snapshot are ignored.
// Stale entries are not swept.
func (m *Monitor) CheckSymbols(ctx context.Context, keys []string) (CycleResult, error) {
	snap := m.deps.Snapshots.Current()
	if snap == nil {
		return CycleResult{}, ErrNoSnapshot
	}
	contracts := make([]models.Contract, 0, len(keys))
	for _, k := range keys {
		if c, ok := snap.Get(k); ok {
			contracts = append(contracts, c)
		}
	}
	return m.evaluate(ctx, contracts, false)
}

type cycleState struct {
	mu       sync.Mutex
	result   CycleResult
	inPool   []models.RateSample
	contract map[string]models.Contract
}

func (m *Monitor) evaluate(ctx context.Context, contracts []models.Contract, sweep bool) (CycleResult, error) {
	log := m.log.WithComponent("monitor").WithFields(logger.Fields{"operation": "run_cycle"})
	start := time.Now()

	st := &cycleState{
		result:   CycleResult{StartedAt: start.UTC(), Failures: map[string]int{}},
		contract: make(map[string]models.Contract, len(contracts)),
	}
	byExchange := map[string][]models.Contract{}
	for _, c := range contracts {
		st.contract[c.Key()] = c
		byExchange[c.Exchange] = append(byExchange[c.Exchange], c)
	}

	var g errgroup.Group
	for exchange, list := range byExchange {
		src, ok := m.sources[exchange]
		if !ok {
			log.WithFields(logger.Fields{"exchange": exchange}).Warn("no source for exchange in snapshot, skipping")
			st.mu.Lock()
			st.result.Skipped += len(list)
			st.mu.Unlock()
			continue
		}
		g.Go(func() error {
			m.checkExchange(ctx, src, list, st)
			return nil
		})
	}
	_ = g.Wait()

	events := st.result.Events
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	m.record(ctx, st)

	if sweep && m.opts.StaleMaxAge > 0 {
		listed := func(key string) bool {
			_, ok := st.contract[key]
			return ok
		}
		if removed := m.deps.Store.RemoveStaleExcept(m.opts.StaleMaxAge, listed); removed > 0 {
			st.result.Removed = removed
			log.WithFields(logger.Fields{"removed": removed}).Info("removed stale pool entries")
			metrics.EmitMetric(m.log, "monitor", metrics.MetricStaleRemoved, removed, "counter", nil)
		}
	}

	if m.deps.State != nil && (len(events) > 0 || st.result.Removed > 0) {
		if err := m.deps.State.Save(m.deps.Store.Snapshot()); err != nil {
			log.WithError(err).Warn("failed to persist pool state")
		}
	}

	st.result.PoolSize = m.deps.Store.Size()
	st.result.Duration = time.Since(start)

	metrics.EmitMetric(m.log, "monitor", metrics.MetricPoolSize, st.result.PoolSize, "gauge", logger.Fields{"unit": "count"})
	if len(events) > 0 {
		metrics.EmitMetric(m.log, "monitor", metrics.MetricTransitions, len(events), "counter", logger.Fields{"unit": "count"})
	}
	logger.LogPerformanceEntry(log, "monitor", "run_cycle", st.result.Duration, logger.Fields{
		"checked":     st.result.Checked,
		"skipped":     st.result.Skipped,
		"transitions": len(events),
		"pool_size":   st.result.PoolSize,
	})
	return st.result, nil
}

// checkExchange prices one exchange's contracts, with a single call when the
// source supports batches.
func (m *Monitor) checkExchange(ctx context.Context, src reader.Source, list []models.Contract, st *cycleState) {
	if batch, ok := src.(reader.BatchSource); ok && len(list) > 1 {
		syms := make([]string, 0, len(list))
		for _, c := range list {
			syms = append(syms, c.Symbol)
		}
		callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
		res, err := batch.GetFundingRates(callCtx, syms)
		cancel()
		if err != nil {
			m.fetchFailed(src.Name(), "", len(list), err, st)
			return
		}
		for _, c := range list {
			sym := strings.ToUpper(c.Symbol)
			if ferr, bad := res.Failed[sym]; bad {
				m.fetchFailed(src.Name(), c.Symbol, 1, ferr, st)
				continue
			}
			s, ok := res.Samples[sym]
			if !ok {
				st.mu.Lock()
				st.result.Skipped++
				st.mu.Unlock()
				continue
			}
			m.apply(c, s, st)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.FetchLimit)
	for _, c := range list {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, m.opts.RequestTimeout)
			defer cancel()
			s, err := src.GetFundingRate(callCtx, c.Symbol)
			if err != nil {
				m.fetchFailed(src.Name(), c.Symbol, 1, err, st)
				return nil
			}
			m.apply(c, s, st)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) fetchFailed(exchange, symbol string, count int, err error, st *cycleState) {
	kind := reader.KindName(err)
	entry := m.log.WithComponent("monitor").WithError(err).WithFields(logger.Fields{
		"exchange": exchange,
		"symbol":   symbol,
		"kind":     kind,
		"symbols":  count,
	})
	if errors.Is(err, reader.ErrUnknownSymbol) {
		entry.Debug("symbol unknown to exchange, skipping this cycle")
	} else {
		entry.Warn("funding rate fetch failed")
	}
	metrics.EmitMetric(m.log, "monitor", metrics.MetricFetchFailures, count, "counter", logger.Fields{
		"exchange": exchange,
		"kind":     kind,
	})

	st.mu.Lock()
	st.result.Failures[kind] += count
	st.mu.Unlock()
}

func (m *Monitor) apply(c models.Contract, s models.RateSample, st *cycleState) {
	if s.Exchange == "" {
		s.Exchange = c.Exchange
	}
	if s.Symbol == "" {
		s.Symbol = c.Symbol
	}
	if s.Volume24h == 0 {
		s.Volume24h = c.Volume24h
	}
	now := time.Now().UTC()

	ev, err := m.deps.Store.UpsertMetrics(c.Key(), s, now)

	st.mu.Lock()
	defer st.mu.Unlock()
	if errors.Is(err, pool.ErrStaleSample) {
		st.result.Rejected++
		return
	}
	if err != nil {
		st.result.Skipped++
		return
	}
	st.result.Checked++
	if ev != nil {
		st.result.Events = append(st.result.Events, *ev)
	}
	if entry, ok := m.deps.Store.Get(c.Key()); ok && entry.Status == models.StatusInPool {
		st.inPool = append(st.inPool, s)
	}
}

// record hands events to the notifier and writes history and archives.
func (m *Monitor) record(ctx context.Context, st *cycleState) {
	log := m.log.WithComponent("monitor")

	for _, ev := range st.result.Events {
		log.WithFields(logger.Fields{
			"exchange":  ev.Exchange,
			"symbol":    ev.Symbol,
			"direction": ev.Direction(),
			"rate":      ev.Rate,
			"pool_size": ev.PoolSize,
		}).Info("pool transition")
		if m.deps.Notifier != nil && !m.deps.Notifier.Notify(ev) {
			log.WithFields(logger.Fields{"seq": ev.Seq}).Debug("transition already handed to notifier")
		}
		if ev.Direction() == models.DirectionExit {
			if m.deps.History != nil {
				last := models.HistorySample{At: ev.At, FundingRate: ev.Rate}
				if n := len(ev.Samples); n > 0 {
					last = ev.Samples[n-1]
				}
				if err := m.deps.History.Append(ev.Exchange, ev.Symbol, last); err != nil {
					log.WithError(err).WithFields(logger.Fields{"symbol": ev.Symbol}).Warn("failed to append exit sample to history")
				}
			}
			if m.deps.Archiver != nil {
				if _, err := m.deps.Archiver.Archive(ctx, ev); err != nil {
					log.WithError(err).WithFields(logger.Fields{"symbol": ev.Symbol}).Warn("failed to archive pool session")
				}
			}
		}
	}

	if m.deps.History == nil {
		return
	}
	for _, s := range st.inPool {
		h := models.HistorySample{
			At:          s.ObservedAt,
			FundingRate: s.FundingRate,
			MarkPrice:   s.MarkPrice,
			IndexPrice:  s.IndexPrice,
		}
		if h.At.IsZero() {
			h.At = time.Now().UTC()
		}
		if err := m.deps.History.Append(s.Exchange, s.Symbol, h); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": s.Symbol}).Warn("failed to append history sample")
		}
	}
}
