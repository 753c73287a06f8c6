// Package engine assembles and runs the forwarding pipeline: poller,
// liveness tracker, router, dispatch scheduler, and the delivery
// adapters, wired through bounded channels so a slow target applies
// backpressure all the way to the source instead of dropping records.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/HeKunYang1996/netsrv/adapter"
	"github.com/HeKunYang1996/netsrv/adapter/broker"
	"github.com/HeKunYang1996/netsrv/adapter/cloud"
	"github.com/HeKunYang1996/netsrv/adapter/httppost"
	"github.com/HeKunYang1996/netsrv/config"
	"github.com/HeKunYang1996/netsrv/dispatch"
	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/health"
	"github.com/HeKunYang1996/netsrv/liveness"
	"github.com/HeKunYang1996/netsrv/metric"
	"github.com/HeKunYang1996/netsrv/poller"
	"github.com/HeKunYang1996/netsrv/record"
	"github.com/HeKunYang1996/netsrv/route"
	"github.com/HeKunYang1996/netsrv/router"
)

// pipeDepth bounds the channels between pipeline stages
const pipeDepth = 256

// Options carries the engine's external dependencies
type Options struct {
	// ConfigPath is the YAML document the engine loads and watches
	ConfigPath string
	// Redis is the source store client
	Redis redis.UniversalClient
	// Broker publishes broker-protocol batches and status messages;
	// nil disables broker routes and status publication
	Broker broker.Publisher
	// HTTPClient serves http and cloud routes; nil uses a default client
	HTTPClient *http.Client
	// StatusSubject carries the gateway online/offline announcement
	// (default "netsrv.status")
	StatusSubject string
	// DeviceSubject carries device liveness transitions
	// (default "netsrv.device.status")
	DeviceSubject string

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Engine runs the full forwarding pipeline
type Engine struct {
	opts    Options
	logger  *slog.Logger
	metrics *metric.Metrics

	store     *route.Store
	manager   *config.Manager
	poller    *poller.Poller
	tracker   *liveness.Tracker
	router    *router.Router
	scheduler *dispatch.Scheduler
	monitor   *health.Monitor

	mgrCancel  context.CancelFunc
	pollCancel context.CancelFunc
	pipeCancel context.CancelFunc
	consumerWG sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New loads the configuration and wires the pipeline. The engine is
// inert until Start.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StatusSubject == "" {
		opts.StatusSubject = "netsrv.status"
	}
	if opts.DeviceSubject == "" {
		opts.DeviceSubject = "netsrv.device.status"
	}
	if opts.Redis == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Engine", "New", "source store client is required")
	}

	gen, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	store := route.NewStore(gen)
	logger.Info("configuration loaded", "summary", config.Summary(gen))

	var managerOpts []config.Option
	if opts.Metrics != nil {
		managerOpts = append(managerOpts, config.WithMetrics(opts.Metrics))
		opts.Metrics.ConfigGeneration.Set(float64(gen.ID))
	}
	manager := config.NewManager(opts.ConfigPath, store, logger, managerOpts...)

	adapters := []adapter.Deliverer{}
	transport := httppost.New(opts.HTTPClient, logger)
	adapters = append(adapters, transport, cloud.New(transport, logger))
	if opts.Broker != nil {
		adapters = append(adapters, broker.New(opts.Broker, logger))
	}
	registry := adapter.NewRegistry(adapters...)

	var schedOpts []dispatch.Option
	var pollerOpts []poller.Option
	var trackerOpts []liveness.Option
	if opts.Metrics != nil {
		schedOpts = append(schedOpts, dispatch.WithMetrics(opts.Metrics))
		pollerOpts = append(pollerOpts, poller.WithMetrics(opts.Metrics))
		trackerOpts = append(trackerOpts, liveness.WithMetrics(opts.Metrics))
	}

	pollerOut := make(chan *record.Record, pipeDepth)
	routerIn := make(chan *record.Record, pipeDepth)

	scheduler := dispatch.NewScheduler(registry, store, logger, schedOpts...)
	e := &Engine{
		opts:      opts,
		logger:    logger.With("component", "engine"),
		metrics:   opts.Metrics,
		store:     store,
		manager:   manager,
		poller:    poller.New(opts.Redis, store, pollerOut, logger, pollerOpts...),
		tracker:   liveness.New(store, pollerOut, routerIn, logger, trackerOpts...),
		router:    router.New(store, scheduler, routerIn, logger),
		scheduler: scheduler,
		monitor:   health.NewMonitor(),
	}
	return e, nil
}

// Start brings the pipeline up back to front so every stage has a
// consumer before its producer runs.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Engine", "Start", "check state")
	}
	e.started = true

	pipeCtx, pipeCancel := context.WithCancel(ctx)
	pollCtx, pollCancel := context.WithCancel(ctx)
	mgrCtx, mgrCancel := context.WithCancel(ctx)
	e.pipeCancel = pipeCancel
	e.pollCancel = pollCancel
	e.mgrCancel = mgrCancel

	if err := e.scheduler.Start(pipeCtx); err != nil {
		return err
	}
	if err := e.router.Start(pipeCtx); err != nil {
		return err
	}
	if err := e.tracker.Start(pipeCtx); err != nil {
		return err
	}
	if err := e.poller.Start(pollCtx); err != nil {
		return err
	}
	if err := e.manager.Start(mgrCtx); err != nil {
		return err
	}

	e.consumerWG.Add(2)
	go e.consumeFailures()
	go e.consumeTransitions()

	e.monitor.UpdateHealthy("poller", "scanning source store")
	e.monitor.UpdateHealthy("router", "routing records")
	e.monitor.UpdateHealthy("dispatch", "delivering batches")
	e.publishGatewayStatus("online")
	e.logger.Info("engine started")
	return nil
}

// Stop shuts the pipeline down front to back: the poller stops first so
// every stage can drain what is already in flight, then open batches
// flush and the scheduler gets the remaining grace period.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.publishGatewayStatus("offline")
	deadline := time.Now().Add(timeout)
	remaining := func() time.Duration {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	e.mgrCancel()
	keep(e.manager.Stop(remaining()))
	e.pollCancel()
	keep(e.poller.Stop(remaining()))
	keep(e.tracker.Stop(remaining()))
	keep(e.router.Stop(remaining()))
	keep(e.scheduler.Stop(remaining()))
	e.pipeCancel()
	e.consumerWG.Wait()

	e.logger.Info("engine stopped")
	return firstErr
}

// consumeFailures turns terminal delivery failures into health state
func (e *Engine) consumeFailures() {
	defer e.consumerWG.Done()
	for ev := range e.scheduler.Events() {
		e.monitor.UpdateDegraded("dispatch",
			"rule "+ev.Rule+" discarded a batch: "+ev.Reason)
	}
}

// consumeTransitions publishes device liveness transitions
func (e *Engine) consumeTransitions() {
	defer e.consumerWG.Done()
	for ev := range e.tracker.Events() {
		if e.opts.Broker == nil {
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"device_id": ev.DeviceID,
			"status":    string(ev.State),
			"last_seen": ev.LastSeen.Unix(),
			"timestamp": ev.At.Unix(),
		})
		if err != nil {
			continue
		}
		if err := e.opts.Broker.Publish(e.opts.DeviceSubject, payload); err != nil {
			e.logger.Warn("device status publish failed", "device", ev.DeviceID, "error", err)
		}
	}
}

// publishGatewayStatus announces the gateway itself going online or
// offline
func (e *Engine) publishGatewayStatus(status string) {
	if e.opts.Broker == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"gateway":   "netsrv",
		"status":    status,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := e.opts.Broker.Publish(e.opts.StatusSubject, payload); err != nil {
		e.logger.Warn("gateway status publish failed", "status", status, "error", err)
	}
}

// Reload re-reads the configuration document
func (e *Engine) Reload() (*route.Generation, error) {
	return e.manager.Reload()
}

// ListRoutes returns every rule of the active generation
func (e *Engine) ListRoutes() []*route.Rule {
	return e.store.Active().Rules()
}

// AddRoute adds a forwarding rule at runtime
func (e *Engine) AddRoute(rule *route.Rule) error {
	return e.manager.AddRoute(rule)
}

// RemoveRoute removes a forwarding rule at runtime
func (e *Engine) RemoveRoute(name string) error {
	return e.manager.RemoveRoute(name)
}

// DeviceStates returns the liveness snapshot
func (e *Engine) DeviceStates() []liveness.DeviceStatus {
	return e.tracker.Snapshot()
}

// DeliveryStats returns per-rule delivery counters
func (e *Engine) DeliveryStats() map[string]dispatch.RuleStats {
	return e.scheduler.Stats()
}

// Health aggregates component health into one daemon status
func (e *Engine) Health() health.Status {
	e.refreshDispatchHealth()
	return e.monitor.AggregateHealth("netsrv")
}

// refreshDispatchHealth rescores the dispatch component from live
// delivery counters. A rule that failed and then delivered again has
// ConsecutiveFailures back at zero, which clears the degraded state a
// failure event latched.
func (e *Engine) refreshDispatchHealth() {
	for name, st := range e.scheduler.Stats() {
		if st.ConsecutiveFailures > 0 {
			e.monitor.UpdateDegraded("dispatch", "rule "+name+" failing deliveries")
			return
		}
	}
	e.monitor.UpdateHealthy("dispatch", "delivering batches")
}
