// Package router classifies records against the active configuration
// generation and assembles per-rule batches. A batch is flushed to the
// dispatch scheduler when it reaches the rule's record count, when the next
// record would push it past the rule's byte bound, or when the flush
// interval elapses after its first record (driven by a periodic tick, not
// by arrivals). A single record larger than the byte bound becomes a
// one-record batch flagged oversized for the adapter to fragment or reject.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/record"
	"github.com/HeKunYang1996/netsrv/route"
)

// Enqueuer is the scheduler capability the router needs
type Enqueuer interface {
	// TryEnqueue offers a batch without blocking; ErrQueueSaturated is the
	// backpressure signal
	TryEnqueue(batch *route.Batch) error
	// Enqueue blocks until the batch is accepted or ctx is done
	Enqueue(ctx context.Context, batch *route.Batch) error
}

// openBatch is a batch still accepting records
type openBatch struct {
	batch   *route.Batch
	firstAt time.Time
}

// Router consumes the record stream and feeds the dispatch scheduler
type Router struct {
	store     *route.Store
	scheduler Enqueuer
	input     <-chan *record.Record
	logger    *slog.Logger
	tick      time.Duration

	// open batches keyed by rule name; touched only by the run loop
	open map[string]*openBatch

	lifecycleMu sync.Mutex
	started     bool
	done        chan struct{}
}

// Option configures the router
type Option func(*Router)

// WithTick overrides the flush-check tick (default 100ms)
func WithTick(d time.Duration) Option {
	return func(r *Router) { r.tick = d }
}

// New creates a router consuming records from input
func New(store *route.Store, scheduler Enqueuer, input <-chan *record.Record, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		store:     store,
		scheduler: scheduler,
		input:     input,
		logger:    logger.With("component", "router"),
		tick:      100 * time.Millisecond,
		open:      make(map[string]*openBatch),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the routing loop
func (r *Router) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Router", "Start", "check state")
	}
	r.started = true
	go r.run(ctx)
	return nil
}

// Stop waits for the routing loop to finish. The loop exits when the input
// channel is closed or the start context is cancelled.
func (r *Router) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if !r.started {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Router", "Stop", "loop did not finish in time")
	}
}

func (r *Router) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-r.input:
			if !ok {
				r.flushAll(ctx)
				return
			}
			r.route(ctx, rec)
		case <-ticker.C:
			r.flushExpired(ctx)
		case <-ctx.Done():
			r.flushAll(ctx)
			return
		}
	}
}

// route appends a record to the open batch of every matching rule
func (r *Router) route(ctx context.Context, rec *record.Record) {
	if rec.Type == record.TypeUnknown {
		// Explicit fallback for unrecognized type tags
		r.logger.Debug("dropping record with unknown type", "key", rec.Key)
		return
	}

	gen := r.store.Active()
	for _, rule := range gen.Match(rec.Type) {
		r.appendTo(ctx, rule, gen.ID, rec)
	}
}

func (r *Router) appendTo(ctx context.Context, rule *route.Rule, genID uint64, rec *record.Record) {
	// A record that alone exceeds the byte bound ships as a one-record
	// oversized batch; the open batch flushes first to preserve order.
	if rec.Size() > rule.Batch.MaxBytes {
		r.flushRule(ctx, rule.Name)
		oversized := route.NewBatch(rule, genID)
		oversized.Append(rec)
		oversized.Oversized = true
		r.dispatch(ctx, oversized)
		return
	}

	ob := r.open[rule.Name]
	// A reload closes out batches opened under the prior generation so
	// their policy is never torn mid-assembly; new records start a fresh
	// batch under the new rules.
	if ob != nil && ob.batch.Generation != genID {
		r.flushRule(ctx, rule.Name)
		ob = nil
	}
	if ob != nil && ob.batch.Size()+rec.Size() > rule.Batch.MaxBytes {
		r.flushRule(ctx, rule.Name)
		ob = nil
	}
	if ob == nil {
		ob = &openBatch{batch: route.NewBatch(rule, genID), firstAt: time.Now()}
		r.open[rule.Name] = ob
	}

	ob.batch.Append(rec)
	if ob.batch.Len() >= rule.Batch.MaxRecords {
		r.flushRule(ctx, rule.Name)
	}
}

// flushExpired flushes every open batch older than its rule's interval
func (r *Router) flushExpired(ctx context.Context) {
	now := time.Now()
	for name, ob := range r.open {
		if now.Sub(ob.firstAt) >= ob.batch.Rule.Batch.FlushInterval {
			r.flushRule(ctx, name)
		}
	}
}

// flushAll flushes everything still open (shutdown path)
func (r *Router) flushAll(ctx context.Context) {
	for name := range r.open {
		r.flushRule(ctx, name)
	}
}

func (r *Router) flushRule(ctx context.Context, name string) {
	ob := r.open[name]
	if ob == nil || ob.batch.Len() == 0 {
		return
	}
	delete(r.open, name)
	r.dispatch(ctx, ob.batch)
}

// dispatch hands a batch to the scheduler. A saturated queue pauses the
// routing loop: the upstream channel fills and the poller suspends, which
// is the backpressure path. Nothing is dropped here short of shutdown.
func (r *Router) dispatch(ctx context.Context, batch *route.Batch) {
	err := r.scheduler.TryEnqueue(batch)
	if err == nil {
		return
	}
	if errors.Is(err, errors.ErrQueueSaturated) {
		r.logger.Warn("dispatch queue saturated, pausing production for rule",
			"rule", batch.Rule.Name, "queued_records", batch.Len())
		if err = r.scheduler.Enqueue(ctx, batch); err == nil {
			return
		}
	}
	r.logger.Warn("batch not accepted by scheduler, discarding",
		"rule", batch.Rule.Name, "batch", batch.ID, "records", batch.Len(), "error", err)
}
