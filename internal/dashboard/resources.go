package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"fundingpool/logger"
)

// resourceSnapshot is one sample of host utilisation. Disk figures refer to
// the filesystem holding the cache directory.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskPath    string    `json:"disk_path"`
	DiskFree    uint64    `json:"disk_free"`
	DiskPct     float64   `json:"disk_percent"`
}

var (
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

type resourceSampler struct {
	samples  *ring[resourceSnapshot]
	interval time.Duration
	diskPath string
	log      *logger.Log

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if diskPath == "" {
		diskPath = "."
	}
	return &resourceSampler{
		samples:  newRing[resourceSnapshot](limit),
		interval: interval,
		diskPath: diskPath,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *resourceSampler) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	return s.samples.snapshot()
}

func (s *resourceSampler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if snap, err := s.sample(ctx); err != nil {
			s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample host resources")
		} else {
			s.samples.push(snap)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuSamples, err := cpuPercentFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	diskStats, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return resourceSnapshot{}, err
	}

	snap := resourceSnapshot{
		Timestamp:   time.Now(),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskPath:    s.diskPath,
		DiskFree:    diskStats.Free,
		DiskPct:     diskStats.UsedPercent,
	}
	if len(cpuSamples) > 0 {
		snap.CPUPercent = cpuSamples[0]
	}
	return snap, nil
}
