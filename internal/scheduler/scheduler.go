// Package scheduler drives the contract-cache refresh loops and the
// funding-rate check loop. The loops run independently: a slow or failing
// refresh never delays a rate check.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fundingpool/internal/contracts"
	"fundingpool/internal/notify"
	"fundingpool/logger"
	"fundingpool/models"
	"fundingpool/processor"
)

// Refresher is the contract cache as seen by the scheduler.
type Refresher interface {
	Refresh(ctx context.Context, exchanges []string, filter []models.Interval) (contracts.RefreshResult, error)
	RefreshIncremental(ctx context.Context) (contracts.RefreshResult, error)
	Current() *models.Snapshot
	Valid(now time.Time) bool
}

type Checker interface {
	RunCycle(ctx context.Context) (processor.CycleResult, error)
	InPool() []models.PoolEntry
}

// OperatorNotifier delivers free-form operator notices.
type OperatorNotifier interface {
	Operator(text string) bool
}

type Options struct {
	RefreshInterval     time.Duration
	IncrementalInterval time.Duration
	CheckInterval       time.Duration
	Intervals           []models.Interval
	PoolSummary         bool
}

// Status is the scheduler's view of the last loop iterations.
type Status struct {
	LastRefresh      time.Time `json:"last_refresh,omitempty"`
	LastRefreshError string    `json:"last_refresh_error,omitempty"`
	LastCycle        time.Time `json:"last_cycle,omitempty"`
	LastCycleError   string    `json:"last_cycle_error,omitempty"`
	Cycles           int64     `json:"cycles"`
	Stale            bool      `json:"stale"`
}

type Scheduler struct {
	cache    Refresher
	checker  Checker
	notifier OperatorNotifier
	opts     Options
	log      *logger.Log
	now      func() time.Time

	wg      sync.WaitGroup
	running atomic.Bool

	// persistFailed is set while the last refresh could not be saved.
	persistFailed atomic.Bool
	staleAlerted  atomic.Bool
	cycles        atomic.Int64

	mu     sync.Mutex
	status Status
}

func New(cache Refresher, checker Checker, notifier OperatorNotifier, opts Options) *Scheduler {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Hour
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	return &Scheduler{
		cache:    cache,
		checker:  checker,
		notifier: notifier,
		opts:     opts,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// Start launches the loops. A cache that is missing or invalid is refreshed
// right away; the first rate check runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}

	s.wg.Add(2)
	go s.refreshLoop(ctx)
	go s.checkLoop(ctx)
	if s.opts.IncrementalInterval > 0 {
		s.wg.Add(1)
		go s.incrementalLoop(ctx)
	}

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"refresh_interval":     s.opts.RefreshInterval.String(),
		"incremental_interval": s.opts.IncrementalInterval.String(),
		"check_interval":       s.opts.CheckInterval.String(),
	}).Info("scheduler started")
	return nil
}

// Wait blocks until every loop has returned after ctx cancellation.
func (s *Scheduler) Wait() {
	s.wg.Wait()
	s.running.Store(false)
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}

// Stale reports whether the published snapshot is outside its validity
// window or could not be persisted.
func (s *Scheduler) Stale() bool {
	return s.persistFailed.Load() || !s.cache.Valid(s.now())
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	st.Cycles = s.cycles.Load()
	st.Stale = s.Stale()
	return st
}

func (s *Scheduler) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	if !s.cache.Valid(s.now()) {
		_, _ = s.RefreshNow(ctx)
	}

	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RefreshNow(ctx)
		}
	}
}

func (s *Scheduler) incrementalLoop(ctx context.Context) {
	defer s.wg.Done()
	log := s.log.WithComponent("scheduler")

	ticker := time.NewTicker(s.opts.IncrementalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cache.Current() == nil {
				continue
			}
			res, err := s.cache.RefreshIncremental(ctx)
			switch {
			case errors.Is(err, contracts.ErrCacheIO):
				s.persistFailed.Store(true)
				log.WithError(err).Warn("incremental refresh not persisted")
			case err != nil:
				log.WithError(err).Warn("incremental refresh failed")
			default:
				s.persistFailed.Store(false)
				log.WithFields(logger.Fields{
					"updated": res.Updated,
					"dropped": res.Dropped,
					"failed":  len(res.Failed),
				}).Info("incremental refresh completed")
			}
		}
	}
}

// RefreshNow runs one full refresh and sends the operator notices for its
// outcome. The previous snapshot stays published when it fails.
func (s *Scheduler) RefreshNow(ctx context.Context) (contracts.RefreshResult, error) {
	log := s.log.WithComponent("scheduler")
	start := s.now()

	res, err := s.cache.Refresh(ctx, nil, s.opts.Intervals)

	s.mu.Lock()
	s.status.LastRefresh = start
	s.status.LastRefreshError = ""
	if err != nil {
		s.status.LastRefreshError = err.Error()
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, contracts.ErrCacheIO):
		s.persistFailed.Store(true)
		log.WithError(err).Error("contract cache refreshed but not persisted")
		s.operator(notify.FormatRefreshFailure(err, res.Failed))
		return res, err
	case err != nil:
		if ctx.Err() != nil {
			return res, err
		}
		log.WithError(err).Error("contract cache refresh failed")
		s.operator(notify.FormatRefreshFailure(err, res.Failed))
		return res, err
	}

	s.persistFailed.Store(false)
	s.staleAlerted.Store(false)
	if res.Snapshot != nil && res.Snapshot.Len() == 0 {
		log.Warn("contract cache refresh returned no contracts")
		s.operator(notify.FormatZeroContracts(s.opts.Intervals))
	}
	if len(res.Failed) > 0 {
		s.operator(notify.FormatPartialRefresh(res.Failed, res.Snapshot.Len()))
	}
	return res, nil
}

func (s *Scheduler) checkLoop(ctx context.Context) {
	defer s.wg.Done()

	s.checkOnce(ctx)
	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

func (s *Scheduler) checkOnce(ctx context.Context) {
	log := s.log.WithComponent("scheduler")
	now := s.now()

	if s.Stale() {
		if s.staleAlerted.CompareAndSwap(false, true) {
			var cacheTime time.Time
			if snap := s.cache.Current(); snap != nil {
				cacheTime = snap.CacheTime
			}
			log.WithFields(logger.Fields{"cache_time": cacheTime}).Warn("contract cache is stale")
			s.operator(notify.FormatStaleCache(cacheTime, now))
		}
	} else {
		s.staleAlerted.Store(false)
	}

	res, err := s.checker.RunCycle(ctx)

	s.mu.Lock()
	s.status.LastCycle = now
	s.status.LastCycleError = ""
	if err != nil {
		s.status.LastCycleError = err.Error()
	}
	s.mu.Unlock()

	if errors.Is(err, processor.ErrNoSnapshot) {
		log.Debug("no contract snapshot yet, skipping rate check")
		return
	}
	if err != nil {
		log.WithError(err).Warn("rate check failed")
		return
	}
	s.cycles.Add(1)
	log.WithFields(logger.Fields{
		"checked":     res.Checked,
		"transitions": len(res.Events),
		"pool_size":   res.PoolSize,
	}).Debug("rate check completed")

	if s.opts.PoolSummary && len(res.Events) > 0 {
		s.operator(notify.FormatPoolSummary(s.checker.InPool(), now))
	}
}

func (s *Scheduler) operator(text string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Operator(text)
}
