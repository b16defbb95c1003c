// Package contracts keeps the universe of monitorable perpetual contracts:
// an on-disk snapshot plus the in-memory copy every reader shares.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fundingpool/internal/metrics"
	"fundingpool/logger"
	"fundingpool/models"
	"fundingpool/reader"
)

// Store persists snapshots.
type Store interface {
	Load() (*models.Snapshot, error)
	Save(*models.Snapshot) error
}

// Mirror receives a copy of every persisted snapshot document.
type Mirror interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// RefreshResult describes one refresh round.
type RefreshResult struct {
	Snapshot *models.Snapshot
	// Failed maps an exchange to the error that excluded it this round.
	Failed map[string]error
	// Carried counts contracts kept from the previous snapshot for failed
	// exchanges.
	Carried int
	// Updated and Dropped count symbols touched by an incremental refresh.
	Updated int
	Dropped int
}

type Options struct {
	Intervals      []models.Interval
	Validity       time.Duration
	FetchLimit     int
	RequestTimeout time.Duration
	MirrorKey      string
}

// Cache publishes snapshots by atomic pointer swap. Refreshes are serialised;
// reads never block.
type Cache struct {
	sources map[string]reader.Source
	store   Store
	mirror  Mirror
	opts    Options
	log     *logger.Log

	current   atomic.Pointer[models.Snapshot]
	refreshMu sync.Mutex
}

func NewCache(sources []reader.Source, store Store, mirror Mirror, opts Options) *Cache {
	bySource := make(map[string]reader.Source, len(sources))
	for _, s := range sources {
		bySource[strings.ToLower(s.Name())] = s
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 4
	}
	if opts.Validity <= 0 {
		opts.Validity = time.Hour
	}
	return &Cache{
		sources: bySource,
		store:   store,
		mirror:  mirror,
		opts:    opts,
		log:     logger.GetLogger(),
	}
}

// IsValid reports whether snap is younger than window at now.
func IsValid(snap *models.Snapshot, now time.Time, window time.Duration) bool {
	if snap == nil || snap.CacheTime.IsZero() {
		return false
	}
	return now.Sub(snap.CacheTime) < window
}

// Current returns the published snapshot, nil before the first load or refresh.
func (c *Cache) Current() *models.Snapshot {
	return c.current.Load()
}

func (c *Cache) Valid(now time.Time) bool {
	return IsValid(c.Current(), now, c.opts.Validity)
}

// Exchanges lists the configured source names in order.
func (c *Cache) Exchanges() []string {
	out := make([]string, 0, len(c.sources))
	for name := range c.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Load reads the persisted snapshot and publishes it.
func (c *Cache) Load() (*models.Snapshot, error) {
	snap, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	c.current.Store(snap)
	c.log.WithComponent("contract_cache").WithFields(logger.Fields{
		"cache_time": snap.CacheTime,
		"contracts":  snap.Len(),
	}).Info("loaded contract cache from disk")
	return snap, nil
}

// Save persists snap. It does not change the published snapshot.
func (c *Cache) Save(snap *models.Snapshot) error {
	return c.store.Save(snap)
}

// Refresh rescans the listed exchanges (all when empty) and keeps contracts
// whose settlement interval is in filter (all when empty). Exchanges that
// fail are reported in the result and keep the contracts of the previous
// snapshot. The call fails only when every exchange failed; the previous
// snapshot stays in place. A persistence failure still publishes the new
// snapshot and is returned wrapped in ErrCacheIO.
func (c *Cache) Refresh(ctx context.Context, exchanges []string, filter []models.Interval) (RefreshResult, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	log := c.log.WithComponent("contract_cache").WithFields(logger.Fields{"operation": "refresh"})
	start := time.Now()

	if len(exchanges) == 0 {
		exchanges = c.Exchanges()
	}
	if len(exchanges) == 0 {
		return RefreshResult{}, errors.New("refresh: no exchanges configured")
	}
	if filter == nil {
		filter = c.opts.Intervals
	}
	allowed := make(map[models.Interval]struct{}, len(filter))
	for _, iv := range filter {
		allowed[iv] = struct{}{}
	}

	type outcome struct {
		contracts []models.Contract
		err       error
	}
	outcomes := make([]outcome, len(exchanges))

	var g errgroup.Group
	for i, name := range exchanges {
		name = strings.ToLower(name)
		src, ok := c.sources[name]
		if !ok {
			outcomes[i] = outcome{err: fmt.Errorf("no source configured for exchange %s", name)}
			continue
		}
		g.Go(func() error {
			list, err := src.ListContracts(ctx)
			outcomes[i] = outcome{contracts: list, err: err}
			return nil
		})
	}
	_ = g.Wait()

	prev := c.Current()
	snap := models.NewSnapshot(time.Now().UTC())
	result := RefreshResult{Snapshot: snap, Failed: map[string]error{}}
	for i, name := range exchanges {
		name = strings.ToLower(name)
		o := outcomes[i]
		if o.err != nil {
			result.Failed[name] = o.err
			snap.FailedExchanges[name] = o.err.Error()
			log.WithError(o.err).WithFields(logger.Fields{
				"exchange": name,
				"kind":     reader.KindName(o.err),
			}).Warn("exchange contract listing failed, keeping last known contracts")
			metrics.EmitMetric(c.log, "contract_cache", metrics.MetricFetchFailures, 1, "counter", logger.Fields{
				"exchange": name,
				"kind":     reader.KindName(o.err),
			})
			if prev != nil {
				for _, ct := range prev.ForExchange(name) {
					if !intervalAllowed(allowed, ct.SettlementInterval) {
						continue
					}
					snap.Add(ct)
					result.Carried++
				}
			}
			continue
		}
		kept := 0
		for _, ct := range o.contracts {
			if !intervalAllowed(allowed, ct.SettlementInterval) {
				continue
			}
			ct.Exchange = name
			snap.Add(ct)
			kept++
		}
		log.WithFields(logger.Fields{"exchange": name, "listed": len(o.contracts), "kept": kept}).Info("exchange contracts refreshed")
	}

	if len(result.Failed) == len(exchanges) {
		return result, fmt.Errorf("refresh failed for every exchange: %w", joinFailures(result.Failed))
	}

	c.current.Store(snap)
	logger.LogPerformanceEntry(log, "contract_cache", "refresh", time.Since(start), logger.Fields{
		"contracts": snap.Len(),
		"failed":    len(result.Failed),
		"carried":   result.Carried,
	})
	metrics.EmitMetric(c.log, "contract_cache", metrics.MetricRefreshDuration, time.Since(start).Milliseconds(), "gauge", logger.Fields{"unit": "ms", "mode": "full"})
	metrics.EmitMetric(c.log, "contract_cache", metrics.MetricRefreshContracts, snap.Len(), "gauge", logger.Fields{"unit": "count"})

	return result, c.persist(ctx, snap)
}

// RefreshIncremental re-prices the symbols already in the snapshot. Symbols
// the exchange reports unknown, or leaves out of a batch answer, are dropped.
// Symbols of an exchange that failed this round keep their last metrics.
// No symbol is added and settlement intervals never change.
func (c *Cache) RefreshIncremental(ctx context.Context) (RefreshResult, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	log := c.log.WithComponent("contract_cache").WithFields(logger.Fields{"operation": "refresh_incremental"})
	start := time.Now()

	prev := c.Current()
	if prev == nil {
		return RefreshResult{}, fmt.Errorf("incremental refresh: %w", ErrNotFound)
	}
	next := prev.Clone()
	result := RefreshResult{Snapshot: next, Failed: map[string]error{}}

	type outcome struct {
		samples map[string]models.RateSample
		dropped []string
		err     error
	}
	exchanges := prev.Exchanges()
	outcomes := make([]outcome, len(exchanges))

	var g errgroup.Group
	for i, name := range exchanges {
		src, ok := c.sources[name]
		if !ok {
			continue
		}
		syms := make([]string, 0)
		for _, ct := range prev.ForExchange(name) {
			syms = append(syms, ct.Symbol)
		}
		g.Go(func() error {
			samples, dropped, err := c.fetchKnown(ctx, src, syms)
			outcomes[i] = outcome{samples: samples, dropped: dropped, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, name := range exchanges {
		o := outcomes[i]
		if o.err != nil {
			result.Failed[name] = o.err
			next.FailedExchanges[name] = o.err.Error()
			log.WithError(o.err).WithFields(logger.Fields{"exchange": name}).Warn("incremental refresh failed, keeping last known metrics")
			continue
		}
		for sym, sample := range o.samples {
			key := models.RateSample{Exchange: name, Symbol: sym}.Key()
			if ct, ok := next.Contracts[key]; ok {
				next.Contracts[key] = ct.Apply(sample)
				result.Updated++
			}
		}
		for _, sym := range o.dropped {
			key := models.RateSample{Exchange: name, Symbol: sym}.Key()
			if _, ok := next.Contracts[key]; ok {
				delete(next.Contracts, key)
				result.Dropped++
			}
		}
	}

	c.current.Store(next)
	log.WithFields(logger.Fields{
		"updated":  result.Updated,
		"dropped":  result.Dropped,
		"failed":   len(result.Failed),
		"duration": time.Since(start).String(),
	}).Info("incremental refresh completed")
	metrics.EmitMetric(c.log, "contract_cache", metrics.MetricRefreshDuration, time.Since(start).Milliseconds(), "gauge", logger.Fields{"unit": "ms", "mode": "incremental"})

	return result, c.persist(ctx, next)
}

// fetchKnown prices syms, preferring one batch call. It returns the samples,
// the symbols the exchange no longer reports and an error only when nothing
// could be fetched. Symbols that failed to parse are neither priced nor
// dropped.
func (c *Cache) fetchKnown(ctx context.Context, src reader.Source, syms []string) (map[string]models.RateSample, []string, error) {
	if batch, ok := src.(reader.BatchSource); ok {
		res, err := batch.GetFundingRates(ctx, syms)
		if err != nil {
			return nil, nil, err
		}
		var dropped []string
		for _, sym := range syms {
			if res.Missing(sym) {
				dropped = append(dropped, sym)
			}
		}
		if len(res.Failed) > 0 {
			c.log.WithComponent("contract_cache").WithFields(logger.Fields{
				"exchange": src.Name(),
				"symbols":  len(res.Failed),
			}).Warn("unreadable batch entries, keeping last known metrics")
			metrics.EmitMetric(c.log, "contract_cache", metrics.MetricFetchFailures, len(res.Failed), "counter", logger.Fields{
				"exchange": src.Name(),
				"kind":     "data_format",
			})
		}
		return res.Samples, dropped, nil
	}

	var (
		mu      sync.Mutex
		samples = make(map[string]models.RateSample, len(syms))
		dropped []string
		failed  int
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.FetchLimit)
	for _, sym := range syms {
		g.Go(func() error {
			callCtx, cancel := c.callContext(gctx)
			defer cancel()
			s, err := src.GetFundingRate(callCtx, sym)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				samples[strings.ToUpper(sym)] = s
			case errors.Is(err, reader.ErrUnknownSymbol):
				dropped = append(dropped, sym)
			default:
				failed++
				lastErr = err
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(syms) > 0 && failed == len(syms) {
		return nil, nil, lastErr
	}
	return samples, dropped, nil
}

func (c *Cache) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Cache) persist(ctx context.Context, snap *models.Snapshot) error {
	if err := c.store.Save(snap); err != nil {
		c.log.WithComponent("contract_cache").WithError(err).Error("failed to persist snapshot, serving in-memory copy")
		return err
	}
	if c.mirror == nil {
		return nil
	}
	body, err := Encode(snap)
	if err == nil {
		key := c.opts.MirrorKey
		if key == "" {
			key = "contracts_cache.json"
		}
		err = c.mirror.Upload(ctx, key, body, "application/json")
	}
	if err != nil {
		c.log.WithComponent("contract_cache").WithError(err).Warn("failed to mirror snapshot")
	}
	return nil
}

func intervalAllowed(allowed map[models.Interval]struct{}, iv models.Interval) bool {
	if len(allowed) == 0 {
		return true
	}
	_, ok := allowed[iv]
	return ok
}

func joinFailures(failed map[string]error) error {
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, failed[name]))
	}
	return errors.Join(errs...)
}
