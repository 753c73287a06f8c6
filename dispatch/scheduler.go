// Package dispatch schedules batch deliveries. Each rule gets a dedicated
// worker and a bounded queue, which serializes deliveries per rule (at most
// one in flight, FIFO order) while allowing full concurrency across rules.
// Retry policy is explicit: transient failures back off exponentially up to
// the configured attempt budget; permanent failures and retry exhaustion
// emit exactly one failure event and discard the batch so a stuck target
// can never block its queue forever.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HeKunYang1996/netsrv/adapter"
	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/metric"
	"github.com/HeKunYang1996/netsrv/pkg/retry"
	"github.com/HeKunYang1996/netsrv/route"
)

// FailureEvent reports one terminal delivery failure
type FailureEvent struct {
	ID       string    `json:"id"`
	Rule     string    `json:"rule"`
	BatchID  string    `json:"batch_id"`
	Records  int       `json:"records"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	Time     time.Time `json:"time"`
}

// RuleStats is the per-rule delivery counter snapshot exposed to the
// admin surface. ConsecutiveFailures and LastSuccess let an operator
// distinguish "degraded, retrying" from "broken, nothing delivers".
type RuleStats struct {
	Attempted           uint64    `json:"attempted"`
	Succeeded           uint64    `json:"succeeded"`
	Failed              uint64    `json:"failed"`
	Queued              int       `json:"queued"`
	LastSuccess         time.Time `json:"last_success"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Scheduler owns the per-rule workers
type Scheduler struct {
	registry *adapter.Registry
	store    *route.Store
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu      sync.RWMutex
	workers map[string]*ruleWorker
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events chan FailureEvent
}

// Option configures the scheduler
type Option func(*Scheduler)

// WithMetrics wires pipeline metrics into the scheduler
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler delivering through the given adapters.
// The route store supplies retry and queue bounds from the active
// generation.
func NewScheduler(registry *adapter.Registry, store *route.Store, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		registry: registry,
		store:    store,
		logger:   logger.With("component", "dispatch"),
		workers:  make(map[string]*ruleWorker),
		events:   make(chan FailureEvent, 64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start makes the scheduler accept batches
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Scheduler", "Start", "check state")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	return nil
}

// Stop drains the workers. In-flight deliveries get the grace period to
// finish; after it expires they are aborted and remaining queued batches
// are discarded with a warning.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	workers := make([]*ruleWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.shutdown()
	}

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		s.logger.Warn("shutdown grace period expired, aborting in-flight deliveries")
		s.cancel()
		<-waitCh
	}
	s.cancel()
	// No worker can emit once the wait group is drained
	close(s.events)
	return nil
}

// TryEnqueue offers a batch to its rule's queue without blocking.
// Returns ErrQueueSaturated when the queue is full; the router treats that
// as the backpressure signal and pauses production for the rule. The queue
// bound comes from the active generation on every call, so a reloaded
// queue_depth applies to existing rules immediately.
func (s *Scheduler) TryEnqueue(batch *route.Batch) error {
	w, err := s.workerFor(batch.Rule)
	if err != nil {
		return err
	}
	depth := s.store.Active().Globals.QueueDepth

	w.mu.Lock()
	if w.quitted {
		w.mu.Unlock()
		return errors.WrapTransient(errors.ErrShuttingDown, "Scheduler", "TryEnqueue", batch.Rule.Name)
	}
	if len(w.buf) >= depth {
		w.mu.Unlock()
		if s.metrics != nil {
			s.metrics.QueueSaturations.WithLabelValues(batch.Rule.Name).Inc()
		}
		return errors.WrapTransient(errors.ErrQueueSaturated, "Scheduler", "TryEnqueue", batch.Rule.Name)
	}
	w.buf = append(w.buf, batch)
	queued := len(w.buf)
	w.cond.Broadcast()
	w.mu.Unlock()

	s.noteEnqueued(batch.Rule.Name, queued)
	return nil
}

// Enqueue blocks until the rule's queue accepts the batch or ctx is done
func (s *Scheduler) Enqueue(ctx context.Context, batch *route.Batch) error {
	w, err := s.workerFor(batch.Rule)
	if err != nil {
		return err
	}
	unregister := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer unregister()

	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.quitted {
			return errors.WrapTransient(errors.ErrShuttingDown, "Scheduler", "Enqueue", batch.Rule.Name)
		}
		if err := ctx.Err(); err != nil {
			return errors.WrapTransient(err, "Scheduler", "Enqueue", batch.Rule.Name)
		}
		if len(w.buf) < s.store.Active().Globals.QueueDepth {
			w.buf = append(w.buf, batch)
			queued := len(w.buf)
			w.cond.Broadcast()
			s.noteEnqueued(batch.Rule.Name, queued)
			return nil
		}
		w.cond.Wait()
	}
}

// Events returns the failure event stream. Emission is fire-and-forget:
// when no listener keeps up, events are logged and dropped.
func (s *Scheduler) Events() <-chan FailureEvent {
	return s.events
}

// Stats returns a snapshot of per-rule delivery counters
func (s *Scheduler) Stats() map[string]RuleStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]RuleStats, len(s.workers))
	for name, w := range s.workers {
		out[name] = w.snapshot()
	}
	return out
}

// noteEnqueued updates counters after a successful queue append
func (s *Scheduler) noteEnqueued(rule string, queued int) {
	if s.metrics != nil {
		s.metrics.BatchesEnqueued.WithLabelValues(rule).Inc()
		s.metrics.QueueDepth.WithLabelValues(rule).Set(float64(queued))
	}
}

// workerFor returns the rule's worker, creating it on first use. Workers
// are keyed by rule name only; the delivery adapter is resolved per batch
// so a reload that moves a rule to another protocol takes effect for
// every batch routed under the new generation.
func (s *Scheduler) workerFor(rule *route.Rule) (*ruleWorker, error) {
	s.mu.RLock()
	w, ok := s.workers[rule.Name]
	started, stopped := s.started, s.stopped
	s.mu.RUnlock()
	if ok {
		return w, nil
	}
	if !started {
		return nil, errors.WrapFatal(errors.ErrNotStarted, "Scheduler", "workerFor", rule.Name)
	}
	if stopped {
		return nil, errors.WrapTransient(errors.ErrShuttingDown, "Scheduler", "workerFor", rule.Name)
	}

	if _, err := s.registry.For(rule.Protocol); err != nil {
		return nil, errors.WrapInvalid(err, "Scheduler", "workerFor", rule.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[rule.Name]; ok {
		return w, nil
	}
	if s.stopped {
		return nil, errors.WrapTransient(errors.ErrShuttingDown, "Scheduler", "workerFor", rule.Name)
	}

	w = newRuleWorker(rule.Name)
	s.workers[rule.Name] = w

	s.wg.Add(1)
	go s.runWorker(w)
	return w, nil
}

// ruleWorker serializes deliveries for one rule. The queue is a slice
// guarded by cond so its bound can follow the active generation instead
// of being frozen at creation time.
type ruleWorker struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []*route.Batch
	quitted bool
	stats   RuleStats
}

func newRuleWorker(name string) *ruleWorker {
	w := &ruleWorker{name: name}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// shutdown stops the worker after any in-flight delivery finishes;
// batches still queued are discarded
func (w *ruleWorker) shutdown() {
	w.mu.Lock()
	w.quitted = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *ruleWorker) snapshot() RuleStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats
	st.Queued = len(w.buf)
	return st
}

// runWorker is the single delivery loop for one rule. Running exactly one
// of these per rule is what enforces the at-most-one-in-flight invariant
// and per-rule FIFO ordering.
func (s *Scheduler) runWorker(w *ruleWorker) {
	defer s.wg.Done()
	unregister := context.AfterFunc(s.ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer unregister()

	for {
		w.mu.Lock()
		for len(w.buf) == 0 && !w.quitted && s.ctx.Err() == nil {
			w.cond.Wait()
		}
		if s.ctx.Err() != nil {
			w.mu.Unlock()
			return
		}
		if w.quitted {
			// Quit takes priority over further queued work
			leftover := w.buf
			w.buf = nil
			w.mu.Unlock()
			for _, batch := range leftover {
				s.discard(w, batch, "shutdown")
			}
			return
		}
		batch := w.buf[0]
		w.buf = w.buf[1:]
		queued := len(w.buf)
		w.cond.Broadcast()
		w.mu.Unlock()

		s.deliver(w, batch)
		if s.metrics != nil {
			s.metrics.QueueDepth.WithLabelValues(w.name).Set(float64(queued))
		}
	}
}

// deliver runs one batch to a terminal outcome. The adapter comes from
// the batch's own rule, which carries its creation-time generation's
// protocol.
func (s *Scheduler) deliver(w *ruleWorker, batch *route.Batch) {
	deliverer, err := s.registry.For(batch.Rule.Protocol)
	if err != nil {
		s.fail(w, batch, 0, errors.WrapInvalid(err, "Scheduler", "deliver", batch.Rule.Name))
		return
	}

	globals := s.store.Active().Globals
	attempts := 0
	cfg := retry.Config{
		MaxAttempts:  globals.MaxRetries + 1,
		InitialDelay: globals.RetryInitialDelay,
		MaxDelay:     globals.RetryMaxDelay,
		Multiplier:   2.0,
		AddJitter:    true,
		OnAttempt: func(int) {
			attempts++
			w.mu.Lock()
			w.stats.Attempted++
			w.mu.Unlock()
			if s.metrics != nil {
				s.metrics.DeliveryAttempts.WithLabelValues(w.name).Inc()
			}
		},
	}

	if s.metrics != nil {
		s.metrics.InFlight.WithLabelValues(w.name).Set(1)
		defer s.metrics.InFlight.WithLabelValues(w.name).Set(0)
	}

	start := time.Now()
	err = retry.Do(s.ctx, cfg, func() error {
		err := deliverer.Deliver(s.ctx, batch)
		if err != nil && !errors.IsTransient(err) {
			// Permanent or fatal: stop retrying immediately
			return retry.NonRetryable(err)
		}
		return err
	})
	if s.metrics != nil {
		s.metrics.DeliveryDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
	}

	if err == nil {
		w.mu.Lock()
		w.stats.Succeeded++
		w.stats.ConsecutiveFailures = 0
		w.stats.LastSuccess = time.Now()
		w.mu.Unlock()
		if s.metrics != nil {
			s.metrics.BatchesDelivered.WithLabelValues(w.name).Inc()
		}
		return
	}

	if s.ctx.Err() != nil {
		// Aborted by shutdown, not a delivery verdict
		s.discard(w, batch, "shutdown")
		return
	}

	s.fail(w, batch, attempts, err)
}

// fail records a terminal delivery failure and emits its event
func (s *Scheduler) fail(w *ruleWorker, batch *route.Batch, attempts int, err error) {
	w.mu.Lock()
	w.stats.Failed++
	w.stats.ConsecutiveFailures++
	w.mu.Unlock()

	class := errors.Classify(err)
	if s.metrics != nil {
		s.metrics.DeliveryFailures.WithLabelValues(w.name, class.String()).Inc()
		s.metrics.BatchesDiscarded.WithLabelValues(w.name, class.String()).Inc()
	}

	event := FailureEvent{
		ID:       uuid.New().String(),
		Rule:     w.name,
		BatchID:  batch.ID,
		Records:  batch.Len(),
		Attempts: attempts,
		Reason:   err.Error(),
		Time:     time.Now(),
	}
	s.logger.Error("batch delivery failed permanently",
		"rule", w.name, "batch", batch.ID, "records", batch.Len(),
		"attempts", attempts, "class", class.String(), "error", err)

	select {
	case s.events <- event:
	default:
		s.logger.Warn("failure event dropped, no listener", "rule", w.name, "batch", batch.ID)
	}
}

// discard drops a batch without delivery (shutdown path)
func (s *Scheduler) discard(w *ruleWorker, batch *route.Batch, reason string) {
	s.logger.Warn("discarding queued batch",
		"rule", w.name, "batch", batch.ID, "records", batch.Len(), "reason", reason)
	if s.metrics != nil {
		s.metrics.BatchesDiscarded.WithLabelValues(w.name, reason).Inc()
	}
}
