// Package taskgw runs slow requests on a bounded worker pool and lets callers
// poll for the outcome by task id.
package taskgw

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fundingpool/internal/metrics"
	"fundingpool/logger"
	"fundingpool/models"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrQueueFull    = errors.New("task queue full")
	ErrUnknownKind  = errors.New("unknown task kind")
)

// Handler executes one task. The returned value becomes the task result.
type Handler func(ctx context.Context, args map[string]string) (interface{}, error)

type Options struct {
	Workers    int
	MaxPending int
	Retention  time.Duration
}

type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Pending   int   `json:"pending"`
	Records   int   `json:"records"`
}

type Gateway struct {
	opts     Options
	queue    chan string
	log      *logger.Log
	now      func() time.Time
	wg       sync.WaitGroup
	running  atomic.Bool
	handlers map[string]Handler

	mu      sync.RWMutex
	records map[string]*models.TaskRecord

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

func New(opts Options) *Gateway {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 64
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	return &Gateway{
		opts:     opts,
		queue:    make(chan string, opts.MaxPending),
		log:      logger.GetLogger(),
		now:      time.Now,
		handlers: make(map[string]Handler),
		records:  make(map[string]*models.TaskRecord),
	}
}

// Register binds a task kind to its handler. It must be called before Start.
func (g *Gateway) Register(kind string, h Handler) {
	g.handlers[kind] = h
}

// Start launches the workers and the record janitor.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return fmt.Errorf("task gateway already running")
	}
	for i := 0; i < g.opts.Workers; i++ {
		g.wg.Add(1)
		go g.worker(ctx)
	}
	g.wg.Add(1)
	go g.janitor(ctx)

	g.log.WithComponent("task_gateway").WithFields(logger.Fields{
		"workers":     g.opts.Workers,
		"max_pending": g.opts.MaxPending,
		"retention":   g.opts.Retention.String(),
	}).Info("task gateway started")
	return nil
}

func (g *Gateway) Wait() {
	g.wg.Wait()
	g.running.Store(false)
	g.log.WithComponent("task_gateway").Info("task gateway stopped")
}

// Submit records a QUEUED task and returns its id without waiting for it to
// run. At most MaxPending tasks wait for a worker; beyond that Submit fails
// with ErrQueueFull and keeps no record.
func (g *Gateway) Submit(kind string, args map[string]string) (string, error) {
	if _, ok := g.handlers[kind]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	now := g.now()
	id := fmt.Sprintf("%s_%d_%s", kind, now.Unix(), uuid.NewString()[:8])

	copied := make(map[string]string, len(args))
	for k, v := range args {
		copied[k] = v
	}
	g.mu.Lock()
	g.records[id] = &models.TaskRecord{
		ID:          id,
		Kind:        kind,
		Args:        copied,
		State:       models.TaskQueued,
		SubmittedAt: now,
	}
	g.mu.Unlock()

	select {
	case g.queue <- id:
		g.submitted.Add(1)
		return id, nil
	default:
		g.mu.Lock()
		delete(g.records, id)
		g.mu.Unlock()
		g.rejected.Add(1)
		g.log.WithComponent("task_gateway").WithFields(logger.Fields{"kind": kind}).Warn("task queue full, rejecting submission")
		metrics.EmitMetric(g.log, "task_gateway", metrics.MetricTaskOutcomes, 1, "counter", logger.Fields{"outcome": "rejected", "kind": kind})
		return "", fmt.Errorf("%w (max_pending %d)", ErrQueueFull, g.opts.MaxPending)
	}
}

func (g *Gateway) Status(id string) (models.TaskRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[id]
	if !ok {
		return models.TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return *rec, nil
}

func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	records := len(g.records)
	g.mu.RUnlock()
	return Stats{
		Submitted: g.submitted.Load(),
		Completed: g.completed.Load(),
		Failed:    g.failed.Load(),
		Rejected:  g.rejected.Load(),
		Pending:   len(g.queue),
		Records:   records,
	}
}

func (g *Gateway) worker(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-g.queue:
			g.execute(ctx, id)
		}
	}
}

func (g *Gateway) execute(ctx context.Context, id string) {
	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	rec.State = models.TaskRunning
	rec.StartedAt = g.now()
	kind := rec.Kind
	args := rec.Args
	g.mu.Unlock()

	result, err := g.invoke(ctx, g.handlers[kind], args)

	g.mu.Lock()
	rec.FinishedAt = g.now()
	if err != nil {
		rec.State = models.TaskFailed
		rec.Error = err.Error()
	} else {
		rec.State = models.TaskCompleted
		rec.Result = result
	}
	duration := rec.FinishedAt.Sub(rec.StartedAt)
	state := rec.State
	g.mu.Unlock()

	log := g.log.WithComponent("task_gateway").WithFields(logger.Fields{
		"task_id":  id,
		"kind":     kind,
		"duration": duration.String(),
	})
	outcome := "completed"
	if state == models.TaskFailed {
		outcome = "failed"
		g.failed.Add(1)
		log.WithError(err).Warn("task failed")
	} else {
		g.completed.Add(1)
		log.Info("task completed")
	}
	metrics.EmitMetric(g.log, "task_gateway", metrics.MetricTaskOutcomes, 1, "counter", logger.Fields{"outcome": outcome, "kind": kind})
}

func (g *Gateway) invoke(ctx context.Context, h Handler, args map[string]string) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.WithComponent("task_gateway").WithFields(logger.Fields{"stack": string(debug.Stack())}).Error("task panicked")
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, args)
}

func (g *Gateway) janitor(ctx context.Context) {
	defer g.wg.Done()
	interval := g.opts.Retention / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := g.collect(g.now()); removed > 0 {
				g.log.WithComponent("task_gateway").WithFields(logger.Fields{"removed": removed}).Debug("expired task records removed")
			}
		}
	}
}

// collect drops finished records older than the retention window.
func (g *Gateway) collect(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, rec := range g.records {
		if rec.State.Terminal() && now.Sub(rec.FinishedAt) >= g.opts.Retention {
			delete(g.records, id)
			removed++
		}
	}
	return removed
}
