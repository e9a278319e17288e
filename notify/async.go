package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eliteacai/cashback-engine/logger"
	"github.com/eliteacai/cashback-engine/metrics"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notification dispatcher closed")
)

// Async hands messages to a background worker so a slow provider never
// holds up a request. Each delivery gets its own timeout; failures are
// logged and counted.
type Async struct {
	next     Sender
	timeout  time.Duration
	log      *logger.Logger
	failures *metrics.Workflow

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	wg     sync.WaitGroup
}

type queued struct {
	ctx context.Context
	msg Message
}

// NewAsync starts the worker. failures may be nil.
func NewAsync(next Sender, size int, timeout time.Duration, log *logger.Logger, failures *metrics.Workflow) *Async {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = logger.Nop()
	}
	a := &Async{
		next:     next,
		timeout:  timeout,
		log:      log,
		failures: failures,
		queue:    make(chan queued, size),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Notify enqueues m without blocking.
func (a *Async) Notify(ctx context.Context, m Message) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), msg: m}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for q := range a.queue {
		a.deliver(q)
	}
}

func (a *Async) deliver(q queued) {
	ctx := q.ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := a.next.Notify(ctx, q.msg); err != nil {
		a.failures.IncNotifyFailure(string(q.msg.Event))
		ctx = a.log.WithFields(ctx, map[string]any{
			"customer_id": string(q.msg.CustomerID),
			"event":       string(q.msg.Event),
		})
		a.log.Error(ctx, "notification delivery failed", err)
	}
}

// Close stops accepting messages and waits for the queue to drain or ctx
// to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
