// Package runtime wires the gateway, connection controller, work queue and
// cache manager into one process and owns its startup and ordered shutdown.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/objectfs/sessiond/internal/cache"
	"github.com/objectfs/sessiond/internal/config"
	"github.com/objectfs/sessiond/internal/gateway"
	"github.com/objectfs/sessiond/internal/metrics"
	"github.com/objectfs/sessiond/internal/queue"
	"github.com/objectfs/sessiond/internal/session"
	"github.com/objectfs/sessiond/internal/store"
	"github.com/objectfs/sessiond/pkg/errors"
	"github.com/objectfs/sessiond/pkg/memmon"
	"github.com/objectfs/sessiond/pkg/utils"
)

// StatePrefix namespaces handler state in the store.
const StatePrefix = "state/"

// Env is what an EventHandler may touch while processing an event.
type Env struct {
	Cache  *cache.Manager
	State  *store.Debouncer
	Logger *utils.StructuredLogger
}

// SaveState queues a debounced write of handler state under key.
func (e *Env) SaveState(key string, value []byte) {
	e.State.Write(StatePrefix+key, value)
}

// EventHandler processes one inbound event on the work queue.
type EventHandler func(ctx context.Context, env *Env, ev *gateway.Event) (interface{}, error)

// Options carries collaborators that tests replace.
type Options struct {
	Logger       *utils.StructuredLogger
	Clock        clock.Clock
	MemoryReader memmon.Reader
}

// Runtime is one running session daemon.
type Runtime struct {
	config *config.Configuration
	logger *utils.StructuredLogger

	store       *store.Store
	credentials *store.Store
	state       *store.Debouncer
	cache       *cache.Manager
	queue       *queue.Queue
	controller  *session.Controller
	gateway     gateway.Gateway
	collector   *metrics.Collector
	server      *metrics.Server
	env         *Env
	handler     EventHandler

	startedAt time.Time
	clock     clock.Clock
}

// New builds every component from cfg. A nil gw selects the gateway named by
// the configuration; a nil handler selects DefaultHandler.
func New(cfg *config.Configuration, gw gateway.Gateway, handler EventHandler, opts Options) (*Runtime, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if handler == nil {
		handler = DefaultHandler
	}

	r := &Runtime{
		config:  cfg,
		logger:  opts.Logger.WithComponent("runtime"),
		handler: handler,
		clock:   opts.Clock,
	}

	collector, err := metrics.NewCollector(cfg.MetricsOptions())
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to create metrics collector", err).
			WithComponent("runtime")
	}
	r.collector = collector

	r.store, err = store.Open(store.Options{
		Dir:    cfg.Store.Dir,
		Sync:   cfg.Store.Sync,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.credentials, err = store.Open(store.Options{
		Dir:    cfg.Store.CredentialsDir,
		Sync:   true,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, multierr.Append(err, r.store.Close())
	}
	r.state = store.NewDebouncer(r.store, store.DebouncerConfig{
		Window: cfg.Store.DebounceWindow,
		Clock:  opts.Clock,
		Logger: opts.Logger,
		OnError: func(err error) {
			if errors.IsResourceExhaustion(err) {
				r.cache.EmergencyEvict()
			}
		},
	})

	cacheCfg, err := cfg.CacheOptions()
	if err != nil {
		return nil, multierr.Combine(err, r.credentials.Close(), r.store.Close())
	}
	cacheCfg.Clock = opts.Clock
	cacheCfg.Logger = opts.Logger
	cacheCfg.Metrics = collector
	cacheCfg.MemoryReader = opts.MemoryReader
	r.cache, err = cache.NewManager(cacheCfg)
	if err != nil {
		return nil, multierr.Combine(err, r.credentials.Close(), r.store.Close())
	}

	queueCfg := cfg.QueueOptions()
	queueCfg.Clock = opts.Clock
	queueCfg.Logger = opts.Logger
	queueCfg.Metrics = collector
	r.queue = queue.New(queueCfg)
	r.queue.SetErrorHandler(r.handleItemError)

	if gw == nil {
		gw = gateway.NewLoopback(gateway.LoopbackConfig{
			Store:           r.credentials,
			EventsPerSecond: cfg.Gateway.EventsPerSecond,
			Burst:           cfg.Gateway.Burst,
			Clock:           opts.Clock,
			Logger:          opts.Logger,
		})
	}
	r.gateway = gw

	sessionCfg := cfg.SessionOptions()
	sessionCfg.Clock = opts.Clock
	sessionCfg.Logger = opts.Logger
	sessionCfg.Metrics = collector
	r.controller, err = session.NewController(sessionCfg, session.Deps{
		Gateway:     gw,
		Queue:       r.queue,
		Cache:       r.cache,
		Credentials: r.credentials,
		OnConnected: r.primeCaches,
		OnEvent:     r.dispatch,
	})
	if err != nil {
		return nil, multierr.Combine(err, r.cache.Close(), r.credentials.Close(), r.store.Close())
	}

	r.env = &Env{
		Cache:  r.cache,
		State:  r.state,
		Logger: opts.Logger.WithComponent("handler"),
	}

	if cfg.Monitoring.Enabled {
		r.server = metrics.NewServer(cfg.Monitoring.Addr, collector, r, opts.Logger)
	}

	return r, nil
}

// Run starts the runtime and blocks until ctx is done or the controller
// terminates, then shuts everything down. It returns the termination reason
// (nil when shutdown was requested) combined with any shutdown errors.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return multierr.Append(err, r.Shutdown())
	}

	select {
	case <-ctx.Done():
		r.logger.Info("Shutdown requested")
	case <-r.controller.Terminated():
		r.logger.Warn("Session terminated", map[string]interface{}{
			"reason": fmt.Sprint(r.controller.TerminationReason()),
		})
	}

	err := r.Shutdown()
	return multierr.Append(r.controller.TerminationReason(), err)
}

// Start launches the cache monitor, the observability server and the first
// connection attempt. A failed first attempt is retried by the controller.
func (r *Runtime) Start(ctx context.Context) error {
	r.startedAt = r.clock.Now()

	if err := r.cache.Start(ctx); err != nil {
		return err
	}
	if r.server != nil {
		if err := r.server.Start(); err != nil {
			return errors.Wrap(errors.ErrCodeInternalError, "failed to start metrics server", err).
				WithComponent("runtime").
				WithDetail("addr", r.config.Monitoring.Addr)
		}
	}

	memoryLimit := "system"
	if limit, err := r.config.MemoryLimitBytes(); err == nil && limit > 0 {
		memoryLimit = utils.FormatBytes(int64(limit))
	}
	r.logger.Info("Runtime started", map[string]interface{}{
		"store":        r.store.Dir(),
		"credentials":  r.credentials.Dir(),
		"pools":        r.cache.Pools(),
		"memory_limit": memoryLimit,
		"metrics":      r.collector.Enabled(),
	})

	if err := r.controller.Start(ctx); err != nil {
		r.logger.Warn("Initial connection attempt failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// Shutdown stops components in dependency order: controller, gateway, queue
// (bounded drain), pending state writes, cache, observability server, stores.
func (r *Runtime) Shutdown() error {
	var errs error

	r.controller.Shutdown()
	errs = multierr.Append(errs, r.gateway.Close())
	errs = multierr.Append(errs, r.queue.Shutdown(r.config.Queue.ShutdownTimeout))
	errs = multierr.Append(errs, r.state.Close())
	errs = multierr.Append(errs, r.cache.Close())
	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, r.server.Stop(ctx))
		cancel()
	}
	errs = multierr.Append(errs, r.credentials.Close())
	errs = multierr.Append(errs, r.store.Close())

	if errs != nil {
		r.logger.Error("Shutdown completed with errors", map[string]interface{}{
			"errors": len(multierr.Errors(errs)),
			"error":  errs.Error(),
		})
	} else {
		r.logger.Info("Shutdown complete")
	}
	return errs
}

// Controller returns the connection controller.
func (r *Runtime) Controller() *session.Controller { return r.controller }

// Queue returns the work queue.
func (r *Runtime) Queue() *queue.Queue { return r.queue }

// Cache returns the cache manager.
func (r *Runtime) Cache() *cache.Manager { return r.cache }

// Store returns the handler state store.
func (r *Runtime) Store() *store.Store { return r.store }

// Credentials returns the credential store the controller wipes.
func (r *Runtime) Credentials() *store.Store { return r.credentials }

// State returns the debounced handler state writer.
func (r *Runtime) State() *store.Debouncer { return r.state }

// Collector returns the metrics collector.
func (r *Runtime) Collector() *metrics.Collector { return r.collector }

// Gateway returns the gateway the controller drives.
func (r *Runtime) Gateway() gateway.Gateway { return r.gateway }

// MetricsAddr returns the observability server address, or "" when disabled.
func (r *Runtime) MetricsAddr() string {
	if r.server == nil {
		return ""
	}
	return r.server.Addr()
}

// Enqueue submits payload to the work queue.
func (r *Runtime) Enqueue(ev *gateway.Event) *queue.Completion {
	return r.queue.Enqueue(ev, func(ctx context.Context, payload interface{}) (interface{}, error) {
		return r.handler(ctx, r.env, payload.(*gateway.Event))
	})
}

func (r *Runtime) dispatch(ev *gateway.Event) {
	r.Enqueue(ev)
}

func (r *Runtime) primeCaches(ctx context.Context) error {
	var errs error
	for pool, values := range r.config.PrimeValues() {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		n, err := r.cache.Prime(pool, values)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		r.logger.Debug("Pool primed on connect", map[string]interface{}{"pool": pool, "entries": n})
	}
	return errs
}

func (r *Runtime) handleItemError(item *queue.Item, err error) {
	fields := map[string]interface{}{
		"item":  item.ID,
		"error": err.Error(),
	}
	if errors.IsResourceExhaustion(err) {
		report := r.cache.EmergencyEvict()
		fields["evicted"] = report.Total
		r.logger.Warn("Handler hit resource exhaustion; evicted caches", fields)
		return
	}
	r.logger.Warn("Queue item failed", fields)
}
