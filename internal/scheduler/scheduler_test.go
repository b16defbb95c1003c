package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingpool/internal/contracts"
	"fundingpool/models"
	"fundingpool/processor"
)

type fakeCache struct {
	mu        sync.Mutex
	snap      *models.Snapshot
	valid     bool
	refreshes int
	result    contracts.RefreshResult
	err       error
	block     chan struct{}
}

func (f *fakeCache) Refresh(ctx context.Context, exchanges []string, filter []models.Interval) (contracts.RefreshResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return contracts.RefreshResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.err == nil || errors.Is(f.err, contracts.ErrCacheIO) {
		f.snap = f.result.Snapshot
		f.valid = true
	}
	return f.result, f.err
}

func (f *fakeCache) RefreshIncremental(ctx context.Context) (contracts.RefreshResult, error) {
	return contracts.RefreshResult{}, nil
}

func (f *fakeCache) Current() *models.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeCache) Valid(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakeCache) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type fakeChecker struct {
	calls  atomic.Int64
	events []models.TransitionEvent
	err    error
	pool   []models.PoolEntry
}

func (c *fakeChecker) RunCycle(ctx context.Context) (processor.CycleResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return processor.CycleResult{}, c.err
	}
	return processor.CycleResult{Events: c.events, PoolSize: len(c.pool)}, nil
}

func (c *fakeChecker) InPool() []models.PoolEntry { return c.pool }

type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) Operator(text string) bool {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return true
}

func (r *recorder) count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.texts {
		if strings.Contains(t, substr) {
			n++
		}
	}
	return n
}

func snapshotWith(n int) *models.Snapshot {
	snap := models.NewSnapshot(time.Now())
	for i := 0; i < n; i++ {
		snap.Add(models.Contract{
			Symbol:             fmt.Sprintf("SYM%dUSDT", i),
			Exchange:           "binance",
			SettlementInterval: models.Interval(time.Hour),
		})
	}
	return snap
}

func run(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})
}

func fastOptions() Options {
	return Options{
		RefreshInterval: time.Hour,
		CheckInterval:   5 * time.Millisecond,
		Intervals:       []models.Interval{models.Interval(time.Hour)},
	}
}

func TestRefreshOnStartWhenCacheInvalid(t *testing.T) {
	cache := &fakeCache{result: contracts.RefreshResult{Snapshot: snapshotWith(2)}}
	s := New(cache, &fakeChecker{}, &recorder{}, fastOptions())
	run(t, s)

	require.Eventually(t, func() bool { return cache.refreshCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Stale() }, time.Second, 5*time.Millisecond)
}

func TestNoRefreshOnStartWhenCacheValid(t *testing.T) {
	cache := &fakeCache{snap: snapshotWith(1), valid: true}
	checker := &fakeChecker{}
	s := New(cache, checker, &recorder{}, fastOptions())
	run(t, s)

	require.Eventually(t, func() bool { return checker.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, cache.refreshCount())
}

func TestRateLoopNotBlockedBySlowRefresh(t *testing.T) {
	cache := &fakeCache{snap: snapshotWith(1), block: make(chan struct{})}
	checker := &fakeChecker{}
	s := New(cache, checker, &recorder{}, fastOptions())
	run(t, s)

	require.Eventually(t, func() bool { return checker.calls.Load() >= 5 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, cache.refreshCount())
	close(cache.block)
	require.Eventually(t, func() bool { return cache.refreshCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFailedRefreshNotifiesOperatorAndAlertsStaleOnce(t *testing.T) {
	cache := &fakeCache{
		snap: snapshotWith(1),
		err:  errors.New("all exchanges failed"),
		result: contracts.RefreshResult{
			Failed: map[string]error{"binance": errors.New("timeout")},
		},
	}
	notes := &recorder{}
	checker := &fakeChecker{}
	s := New(cache, checker, notes, fastOptions())
	run(t, s)

	require.Eventually(t, func() bool { return notes.count("refresh failed") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return checker.calls.Load() >= 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, notes.count("stale"))
	assert.True(t, s.Stale())
	assert.Contains(t, s.Status().LastRefreshError, "all exchanges failed")
}

func TestPersistFailureMarksStale(t *testing.T) {
	cache := &fakeCache{
		err:    fmt.Errorf("%w: disk full", contracts.ErrCacheIO),
		result: contracts.RefreshResult{Snapshot: snapshotWith(1)},
	}
	notes := &recorder{}
	s := New(cache, &fakeChecker{}, notes, fastOptions())

	_, err := s.RefreshNow(context.Background())
	require.ErrorIs(t, err, contracts.ErrCacheIO)
	assert.True(t, s.Stale())
	assert.Equal(t, 1, notes.count("disk full"))

	cache.mu.Lock()
	cache.err = nil
	cache.mu.Unlock()
	_, err = s.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Stale())
}

func TestZeroContractsAndPartialRefreshNotices(t *testing.T) {
	cache := &fakeCache{result: contracts.RefreshResult{Snapshot: snapshotWith(0)}}
	notes := &recorder{}
	s := New(cache, &fakeChecker{}, notes, fastOptions())

	_, err := s.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, notes.count("no contracts for intervals [1h]"))

	cache.result = contracts.RefreshResult{
		Snapshot: snapshotWith(3),
		Failed:   map[string]error{"kucoin": errors.New("maintenance")},
	}
	_, err = s.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, notes.count("kucoin: maintenance"))
}

func TestPoolSummaryAfterTransitions(t *testing.T) {
	cache := &fakeCache{snap: snapshotWith(1), valid: true}
	checker := &fakeChecker{
		events: []models.TransitionEvent{{Seq: 1, Symbol: "SYM0USDT", To: models.StatusInPool}},
		pool: []models.PoolEntry{{
			Symbol:          "SYM0USDT",
			Exchange:        "binance",
			Status:          models.StatusInPool,
			LastFundingRate: 0.006,
			EnteredAt:       time.Now(),
		}},
	}
	notes := &recorder{}
	opts := fastOptions()
	opts.PoolSummary = true
	s := New(cache, checker, notes, opts)
	run(t, s)

	require.Eventually(t, func() bool { return notes.count("Pool status: 1 contracts") >= 1 }, time.Second, 5*time.Millisecond)
}

func TestNoSnapshotSkipsCycle(t *testing.T) {
	cache := &fakeCache{valid: true}
	checker := &fakeChecker{err: processor.ErrNoSnapshot}
	s := New(cache, checker, &recorder{}, fastOptions())
	run(t, s)

	require.Eventually(t, func() bool { return checker.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Status().Cycles)
}

func TestStartTwice(t *testing.T) {
	cache := &fakeCache{snap: snapshotWith(1), valid: true}
	s := New(cache, &fakeChecker{}, nil, fastOptions())
	run(t, s)
	assert.Error(t, s.Start(context.Background()))
}
