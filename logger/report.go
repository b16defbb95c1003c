package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type componentStat struct {
	warns  int64
	errors int64
}

var components sync.Map // map[string]*componentStat

func statFor(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&statFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&statFor(component).errors, 1)
}

// ComponentCounts returns the warn and error totals logged per component.
func ComponentCounts() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		out[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})
	return out
}

// StartReport begins periodic logging of runtime and per-component
// warn/error statistics until ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	counts := ComponentCounts()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var warns, errs int64
	for _, name := range names {
		warns += counts[name]["warns"]
		errs += counts[name]["errors"]
	}

	log.WithComponent("report").WithFields(Fields{
		"goroutines":   runtime.NumGoroutine(),
		"heap_mb":      int64(mem.HeapAlloc) / 1024 / 1024,
		"gc_cycles":    mem.NumGC,
		"warns_total":  warns,
		"errors_total": errs,
		"components":   counts,
	}).Info("runtime report")
}
