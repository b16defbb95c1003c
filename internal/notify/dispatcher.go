// Package notify turns pool transitions and operator notices into outbound
// messages delivered asynchronously with bounded retries.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fundingpool/internal/metrics"
	"fundingpool/logger"
	"fundingpool/models"
)

// ErrNotification marks a message that could not be delivered.
var ErrNotification = errors.New("notification delivery failed")

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	SendTimeout time.Duration
	QueueSize   int
	// Stale reports whether the contract cache is stale; transition messages
	// carry the flag.
	Stale func() bool
}

type message struct {
	kind string
	seq  uint64
	text string
}

// Stats are the dispatcher's delivery counters.
type Stats struct {
	Sent      int64  `json:"sent"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"dropped"`
	Pending   int    `json:"pending"`
	LastError string `json:"last_error,omitempty"`
}

// Dispatcher queues messages and delivers them from one worker goroutine.
// Notify never blocks: a full queue drops the message.
type Dispatcher struct {
	sender Sender
	opts   Options
	queue  chan message
	log    *logger.Log
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	seen    map[uint64]struct{}
	maxSeq  uint64
	lastErr string

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

const seenWindow = 4096

func NewDispatcher(sender Sender, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Dispatcher{
		sender: sender,
		opts:   opts,
		queue:  make(chan message, opts.QueueSize),
		log:    logger.GetLogger(),
		seen:   make(map[uint64]struct{}),
	}
}

// Start launches the delivery worker. Cancel ctx and call Stop to shut down;
// queued messages get one last attempt.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.worker(ctx)
	d.log.WithComponent("notifier").WithFields(logger.Fields{
		"max_attempts": d.opts.MaxAttempts,
		"queue_size":   d.opts.QueueSize,
	}).Info("notification dispatcher started")
	return nil
}

func (d *Dispatcher) Stop() {
	d.wg.Wait()
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.log.WithComponent("notifier").Info("notification dispatcher stopped")
}

// Notify queues a transition message. It returns false when the event was
// already handed over or the queue is full.
func (d *Dispatcher) Notify(ev models.TransitionEvent) bool {
	d.mu.Lock()
	if _, dup := d.seen[ev.Seq]; dup || (ev.Seq != 0 && ev.Seq+seenWindow <= d.maxSeq) {
		d.mu.Unlock()
		return false
	}
	d.remember(ev.Seq)
	d.mu.Unlock()

	stale := d.opts.Stale != nil && d.opts.Stale()
	return d.enqueue(message{kind: "transition", seq: ev.Seq, text: FormatTransition(ev, stale)})
}

// Operator queues a free-form operator notice.
func (d *Dispatcher) Operator(text string) bool {
	return d.enqueue(message{kind: "operator", text: text})
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	lastErr := d.lastErr
	d.mu.Unlock()
	return Stats{
		Sent:      d.sent.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Pending:   len(d.queue),
		LastError: lastErr,
	}
}

// remember must be called with d.mu held.
func (d *Dispatcher) remember(seq uint64) {
	d.seen[seq] = struct{}{}
	if seq > d.maxSeq {
		d.maxSeq = seq
	}
	if len(d.seen) <= 2*seenWindow {
		return
	}
	for s := range d.seen {
		if s+seenWindow <= d.maxSeq {
			delete(d.seen, s)
		}
	}
}

func (d *Dispatcher) enqueue(msg message) bool {
	select {
	case d.queue <- msg:
		return true
	default:
		d.dropped.Add(1)
		d.log.WithComponent("notifier").WithFields(logger.Fields{
			"kind": msg.kind,
			"seq":  msg.seq,
		}).Warn("notification queue full, dropping message")
		metrics.EmitMetric(d.log, "notifier", metrics.MetricNotificationFailures, 1, "counter", logger.Fields{"reason": "queue_full"})
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case msg := <-d.queue:
			d.deliver(ctx, msg)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case msg := <-d.queue:
			sendCtx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
			err := d.sender.Send(sendCtx, msg.text)
			cancel()
			d.finish(msg, 1, err)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg message) {
	log := d.log.WithComponent("notifier").WithFields(logger.Fields{"kind": msg.kind, "seq": msg.seq})

	var err error
	attempt := 0
	for attempt < d.opts.MaxAttempts {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		err = d.sender.Send(sendCtx, msg.text)
		cancel()
		if err == nil || attempt == d.opts.MaxAttempts {
			break
		}

		wait := d.opts.RetryDelay
		var retryAfter *RetryAfterError
		if errors.As(err, &retryAfter) && retryAfter.RetryAfter > wait {
			wait = retryAfter.RetryAfter
		}
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt, "retry_in": wait.String()}).Warn("notification attempt failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.finish(msg, attempt, err)
			return
		case <-timer.C:
		}
	}
	d.finish(msg, attempt, err)
}

func (d *Dispatcher) finish(msg message, attempts int, err error) {
	if err == nil {
		d.sent.Add(1)
		metrics.EmitMetric(d.log, "notifier", metrics.MetricNotificationsSent, 1, "counter", logger.Fields{"kind": msg.kind})
		return
	}
	terminal := fmt.Errorf("%w after %d attempts: %v", ErrNotification, attempts, err)
	d.failed.Add(1)
	d.mu.Lock()
	d.lastErr = terminal.Error()
	d.mu.Unlock()
	d.log.WithComponent("notifier").WithError(terminal).WithFields(logger.Fields{
		"kind": msg.kind,
		"seq":  msg.seq,
	}).Error("notification dropped after retries")
	metrics.EmitMetric(d.log, "notifier", metrics.MetricNotificationFailures, 1, "counter", logger.Fields{"reason": "delivery", "kind": msg.kind})
}

// LogSender writes messages to the log instead of a chat. It is used when no
// chat transport is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, text string) error {
	logger.GetLogger().WithComponent("notifier").WithFields(logger.Fields{"text": text}).Info("notification")
	return nil
}
