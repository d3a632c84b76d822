// Package session drives the connection lifecycle with the messaging gateway:
// it classifies close reasons, decides when to wipe credentials, and schedules
// reconnects with reason-dependent, bounded backoff.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/objectfs/sessiond/internal/cache"
	"github.com/objectfs/sessiond/internal/gateway"
	"github.com/objectfs/sessiond/pkg/errors"
	"github.com/objectfs/sessiond/pkg/retry"
	"github.com/objectfs/sessiond/pkg/utils"
)

// Config configures reconnect policy.
type Config struct {
	// BaseDelay is the first establishment-failure backoff delay
	BaseDelay time.Duration `yaml:"base_delay"`

	// GrowthFactor multiplies the delay per failed attempt
	GrowthFactor float64 `yaml:"growth_factor"`

	// MaxDelay caps every backoff delay
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxAttempts bounds scheduled reconnects before terminating
	MaxAttempts int `yaml:"max_attempts"`

	// ForbiddenCeiling bounds access-denied closes before terminating
	ForbiddenCeiling int `yaml:"forbidden_ceiling"`

	ConnectionLostDelay time.Duration `yaml:"connection_lost_delay"`
	TransientDelay      time.Duration `yaml:"transient_delay"`
	CredentialDelay     time.Duration `yaml:"credential_delay"`

	// ConnectTimeout bounds a single Open call
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	Clock   clock.Clock             `yaml:"-"`
	Logger  *utils.StructuredLogger `yaml:"-"`
	Metrics Metrics                 `yaml:"-"`
}

// DefaultConfig returns the default reconnect policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:           2 * time.Second,
		GrowthFactor:        2,
		MaxDelay:            60 * time.Second,
		MaxAttempts:         10,
		ForbiddenCeiling:    3,
		ConnectionLostDelay: 2 * time.Second,
		TransientDelay:      5 * time.Second,
		CredentialDelay:     10 * time.Second,
		ConnectTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.GrowthFactor < 1 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ForbiddenCeiling <= 0 {
		c.ForbiddenCeiling = d.ForbiddenCeiling
	}
	if c.ConnectionLostDelay <= 0 {
		c.ConnectionLostDelay = d.ConnectionLostDelay
	}
	if c.TransientDelay <= 0 {
		c.TransientDelay = d.TransientDelay
	}
	if c.CredentialDelay <= 0 {
		c.CredentialDelay = d.CredentialDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = utils.NewNopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

// Metrics receives session observations.
type Metrics interface {
	ObserveTransition(from, to string)
	ObserveClose(reason, class string)
	ObserveReconnect(delay time.Duration, attempt int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(string, string)    {}
func (nopMetrics) ObserveClose(string, string)         {}
func (nopMetrics) ObserveReconnect(time.Duration, int) {}

// WorkQueue is the part of the work queue whose lifecycle the controller owns.
type WorkQueue interface {
	Start()
	Stop()
}

// Evictor relieves memory pressure on demand.
type Evictor interface {
	EmergencyEvict() cache.EvictionReport
}

// CredentialWiper deletes stored credentials.
type CredentialWiper interface {
	Wipe() error
}

// Deps are the collaborators the controller drives.
type Deps struct {
	Gateway     gateway.Gateway
	Queue       WorkQueue
	Cache       Evictor
	Credentials CredentialWiper

	// OnConnected runs after each successful connect, e.g. to prime caches
	OnConnected func(ctx context.Context) error

	// OnEvent receives each inbound event
	OnEvent func(ev *gateway.Event)
}

// Snapshot is an observable copy of the session.
type Snapshot struct {
	State             State      `json:"state"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	ForbiddenAttempts int        `json:"forbidden_attempts"`
	LastReason        string     `json:"last_reason,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	ConnectedAt       *time.Time `json:"connected_at,omitempty"`
	Uptime            string     `json:"uptime,omitempty"`
	ReconnectPending  bool       `json:"reconnect_pending"`
	NextReconnectAt   *time.Time `json:"next_reconnect_at,omitempty"`
	Terminated        bool       `json:"terminated"`
	TerminationReason string     `json:"termination_reason,omitempty"`
}

// Controller owns the session state machine.
type Controller struct {
	config  Config
	deps    Deps
	logger  *utils.StructuredLogger
	clock   clock.Clock
	metrics Metrics
	backoff retry.Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                sync.Mutex
	state             State
	connecting        bool
	closedInFlight    *gateway.Reason
	reconnectAttempts int
	forbiddenAttempts int
	lastReason        *gateway.Reason
	lastError         error
	connectedAt       time.Time
	timer             *clock.Timer
	timerSeq          uint64
	nextReconnectAt   time.Time

	started        atomic.Bool
	terminated     chan struct{}
	terminateOnce  sync.Once
	terminateCause error
	requested      bool
}

// NewController creates an idle controller.
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Gateway == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "gateway is required").
			WithComponent("session")
	}
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		config:  config,
		deps:    deps,
		logger:  config.Logger.WithComponent("session"),
		clock:   config.Clock,
		metrics: config.Metrics,
		backoff: retry.Backoff{
			Base:   config.BaseDelay,
			Factor: config.GrowthFactor,
			Max:    config.MaxDelay,
		},
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		terminated: make(chan struct{}),
	}, nil
}

// Start begins consuming gateway updates and makes the first connection attempt.
// A failed first attempt is retried in the background; its error is returned
// for logging only.
func (c *Controller) Start(ctx context.Context) error {
	if c.started.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.consume()
	}
	return c.Connect(ctx)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Terminated is closed once the controller reaches StateTerminated.
func (c *Controller) Terminated() <-chan struct{} {
	return c.terminated
}

// TerminationReason returns why the controller terminated, or nil if it was
// asked to shut down or is still running.
func (c *Controller) TerminationReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requested {
		return nil
	}
	return c.terminateCause
}

// Connect makes one connection attempt. A concurrent attempt is rejected
// with ALREADY_CONNECTING.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeShutdownInProgress, "session controller terminated").
			WithComponent("session").
			WithOperation("connect")
	}
	if c.connecting {
		c.mu.Unlock()
		c.logger.Warn("Connection attempt already in flight", map[string]interface{}{"state": c.State().String()})
		return errors.NewError(errors.ErrCodeAlreadyConnecting, "connection attempt already in flight").
			WithComponent("session").
			WithOperation("connect")
	}
	c.connecting = true
	c.cancelTimerLocked()
	from := c.transitionLocked(StateConnecting)
	c.mu.Unlock()
	c.logTransition(from, StateConnecting, "")

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	err := c.deps.Gateway.Open(attemptCtx)
	cancel()

	c.mu.Lock()
	c.connecting = false
	closed := c.closedInFlight
	c.closedInFlight = nil
	c.mu.Unlock()

	if closed != nil {
		return c.closedWhileConnecting(*closed, err)
	}
	if err != nil {
		c.establishFailed(err)
		return errors.Wrap(errors.ErrCodeConnectionFailed, "failed to establish connection", err).
			WithComponent("session").
			WithOperation("connect")
	}

	c.markConnected()
	return nil
}

// Reconnect cancels any pending reconnect timer and connects now.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.logger.Info("Manual reconnection triggered")
	c.mu.Lock()
	c.cancelTimerLocked()
	c.mu.Unlock()
	return c.Connect(ctx)
}

// HandleClose applies close-reason policy. It is normally driven by gateway updates.
// A close that arrives while Open is still running is recorded, and the attempt
// schedules the reconnect when Open returns.
func (c *Controller) HandleClose(reason gateway.Reason) {
	class := Classify(reason)

	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.cancelTimerLocked()
	c.lastReason = &reason
	inFlight := c.connecting
	if inFlight {
		c.closedInFlight = &reason
	}
	from := c.transitionLocked(StateClosed)
	c.mu.Unlock()

	c.logTransition(from, StateClosed, reason.String())
	c.metrics.ObserveClose(reason.String(), class.String())
	if c.deps.Queue != nil {
		c.deps.Queue.Stop()
	}

	switch class {
	case ClassSuperseded:
		c.logger.Warn("Session superseded by another instance; not reconnecting", map[string]interface{}{
			"reason": reason.String(),
		})
		return

	case ClassFatalCredential:
		c.wipeCredentials(reason)

	case ClassAccessDenied:
		c.mu.Lock()
		c.forbiddenAttempts++
		forbidden := c.forbiddenAttempts
		c.mu.Unlock()

		if forbidden >= c.config.ForbiddenCeiling {
			c.logger.Error("Access denied ceiling reached", map[string]interface{}{
				"forbidden_attempts": forbidden,
				"ceiling":            c.config.ForbiddenCeiling,
			})
			c.wipeCredentials(reason)
			c.terminate(errors.NewError(errors.ErrCodeAccessDenied, "access denied ceiling reached").
				WithComponent("session").
				WithDetail("forbidden_attempts", forbidden))
			return
		}
	}

	if inFlight {
		c.logger.Debug("Close during connection attempt; reconnect deferred to the attempt", map[string]interface{}{
			"reason": reason.String(),
		})
		return
	}
	c.scheduleReconnect(c.reconnectDelay(class), reason.String())
}

// reconnectDelay is the delay before reconnecting after a close of class.
func (c *Controller) reconnectDelay(class CloseClass) time.Duration {
	switch class {
	case ClassFatalCredential, ClassAccessDenied, ClassTransientCredential:
		return c.config.CredentialDelay
	case ClassConnectionLost:
		return c.config.ConnectionLostDelay
	default:
		return c.config.TransientDelay
	}
}

// closedWhileConnecting settles an attempt the gateway closed before Open
// returned. The close reason picks the delay and the attempt counts once.
func (c *Controller) closedWhileConnecting(reason gateway.Reason, openErr error) error {
	if openErr != nil {
		c.mu.Lock()
		c.lastError = openErr
		c.mu.Unlock()
		c.relieveExhaustion(openErr)
	}

	class := Classify(reason)
	if class != ClassSuperseded {
		c.scheduleReconnect(c.reconnectDelay(class), reason.String())
	}

	if openErr != nil {
		return errors.Wrap(errors.ErrCodeConnectionFailed, "failed to establish connection", openErr).
			WithComponent("session").
			WithOperation("connect").
			WithDetail("close_reason", reason.String())
	}
	return errors.NewError(errors.ErrCodeConnectionFailed, "connection closed during connect").
		WithComponent("session").
		WithOperation("connect").
		WithDetail("close_reason", reason.String())
}

// Shutdown cancels any pending reconnect and terminates the controller.
// The caller stops the queue and caches afterwards.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.state != StateTerminated {
		c.requested = true
	}
	c.mu.Unlock()

	c.terminate(errors.NewError(errors.ErrCodeShutdownInProgress, "shutdown requested").
		WithComponent("session"))
	c.cancel()
	c.wg.Wait()
}

// Snapshot returns an observable copy of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:             c.state,
		ReconnectAttempts: c.reconnectAttempts,
		ForbiddenAttempts: c.forbiddenAttempts,
		ReconnectPending:  c.timer != nil,
		Terminated:        c.state == StateTerminated,
	}
	if c.lastReason != nil {
		s.LastReason = c.lastReason.String()
	}
	if c.lastError != nil {
		s.LastError = c.lastError.Error()
	}
	if !c.connectedAt.IsZero() {
		at := c.connectedAt
		s.ConnectedAt = &at
		if c.state == StateConnected {
			s.Uptime = c.clock.Since(at).Truncate(time.Second).String()
		}
	}
	if c.timer != nil {
		at := c.nextReconnectAt
		s.NextReconnectAt = &at
	}
	if c.terminateCause != nil && !c.requested {
		s.TerminationReason = c.terminateCause.Error()
	}
	return s
}

// consume dispatches gateway updates until the channel closes or Shutdown.
func (c *Controller) consume() {
	defer c.wg.Done()

	updates := c.deps.Gateway.Updates()
	for {
		select {
		case <-c.ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				c.logger.Debug("Gateway update stream closed")
				return
			}
			c.handleUpdate(u)
		}
	}
}

func (c *Controller) handleUpdate(u gateway.Update) {
	switch u.Kind {
	case gateway.UpdateAuthRequired:
		c.mu.Lock()
		if c.state != StateConnecting {
			c.mu.Unlock()
			return
		}
		from := c.transitionLocked(StateAuthenticating)
		c.mu.Unlock()
		c.logTransition(from, StateAuthenticating, "")
		c.logger.Info("Pairing required", map[string]interface{}{"pairing_code": u.PairingCode})

	case gateway.UpdateAuthenticated:
		c.logger.Info("Gateway authenticated")

	case gateway.UpdateConnected:
		c.markConnected()

	case gateway.UpdateClosed:
		if u.Err != nil {
			c.mu.Lock()
			c.lastError = u.Err
			c.mu.Unlock()
		}
		c.HandleClose(u.Reason)

	case gateway.UpdateEvent:
		if u.Event != nil && c.deps.OnEvent != nil {
			c.deps.OnEvent(u.Event)
		}
	}
}

// markConnected enters StateConnected once per session.
func (c *Controller) markConnected() {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateTerminated || c.state == StateClosed || c.state == StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts = 0
	c.forbiddenAttempts = 0
	c.lastError = nil
	c.connectedAt = c.clock.Now()
	c.cancelTimerLocked()
	from := c.transitionLocked(StateConnected)
	c.mu.Unlock()

	c.logTransition(from, StateConnected, "")

	if c.deps.Queue != nil {
		c.deps.Queue.Start()
	}
	if c.deps.OnConnected != nil {
		if err := c.deps.OnConnected(c.ctx); err != nil {
			c.logger.Warn("Post-connect hook failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// establishFailed handles an Open error with the general backoff.
func (c *Controller) establishFailed(err error) {
	c.mu.Lock()
	c.lastError = err
	if c.state == StateTerminated || c.connecting {
		c.mu.Unlock()
		return
	}
	from := c.transitionLocked(StateClosed)
	attempt := c.reconnectAttempts + 1
	c.mu.Unlock()

	c.logTransition(from, StateClosed, "establish_failed")
	c.logger.Warn("Connection attempt failed", map[string]interface{}{
		"error":   err.Error(),
		"attempt": attempt,
	})

	c.relieveExhaustion(err)
	c.scheduleReconnect(c.backoff.Delay(attempt), "establish_failed")
}

func (c *Controller) relieveExhaustion(err error) {
	if !errors.IsResourceExhaustion(err) || c.deps.Cache == nil {
		return
	}
	report := c.deps.Cache.EmergencyEvict()
	c.logger.Warn("Resource exhaustion during connect; emergency eviction ran", map[string]interface{}{
		"evicted": report.Total,
		"skipped": report.Skipped,
	})
}

// scheduleReconnect arms the single reconnect timer, or terminates once the
// attempt ceiling is exceeded. An attempt already in flight settles itself.
func (c *Controller) scheduleReconnect(delay time.Duration, reason string) {
	c.mu.Lock()
	if c.state == StateTerminated || c.connecting {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	if attempt > c.config.MaxAttempts {
		c.mu.Unlock()
		c.logger.Error("Maximum reconnection attempts exceeded", map[string]interface{}{
			"attempts":     attempt - 1,
			"max_attempts": c.config.MaxAttempts,
		})
		c.terminate(errors.NewError(errors.ErrCodeRetryExhausted, "reconnection attempts exhausted").
			WithComponent("session").
			WithDetail("attempts", attempt-1))
		return
	}

	c.cancelTimerLocked()
	c.timerSeq++
	seq := c.timerSeq
	c.nextReconnectAt = c.clock.Now().Add(delay)
	c.timer = c.clock.AfterFunc(delay, func() { c.fire(seq) })
	from := c.transitionLocked(StateReconnecting)
	c.mu.Unlock()

	c.logTransition(from, StateReconnecting, reason)
	c.logger.Info("Scheduling reconnection", map[string]interface{}{
		"attempt": attempt,
		"delay":   delay.String(),
		"reason":  reason,
	})
	c.metrics.ObserveReconnect(delay, attempt)
}

func (c *Controller) fire(seq uint64) {
	c.mu.Lock()
	if seq != c.timerSeq || c.timer == nil || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	if err := c.Connect(c.ctx); err != nil {
		c.logger.Debug("Reconnection attempt failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Controller) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

func (c *Controller) wipeCredentials(reason gateway.Reason) {
	if c.deps.Credentials == nil {
		return
	}
	if err := c.deps.Credentials.Wipe(); err != nil {
		c.logger.Error("Failed to wipe credentials", map[string]interface{}{
			"reason": reason.String(),
			"error":  err.Error(),
		})
		return
	}
	c.logger.Warn("Credentials wiped", map[string]interface{}{"reason": reason.String()})
}

func (c *Controller) terminate(cause error) {
	c.terminateOnce.Do(func() {
		c.mu.Lock()
		c.cancelTimerLocked()
		c.connecting = false
		c.terminateCause = cause
		requested := c.requested
		from := c.transitionLocked(StateTerminated)
		c.mu.Unlock()

		c.logTransition(from, StateTerminated, cause.Error())
		if !requested {
			c.logger.Error("Session controller terminated", map[string]interface{}{"cause": cause.Error()})
		}
		close(c.terminated)
	})
}

func (c *Controller) transitionLocked(to State) State {
	from := c.state
	c.state = to
	return from
}

func (c *Controller) logTransition(from, to State, reason string) {
	if from == to {
		return
	}
	fields := map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	}
	if reason != "" {
		fields["reason"] = reason
	}
	c.logger.Info("Session state transition", fields)
	c.metrics.ObserveTransition(from.String(), to.String())
}
