package session

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/sessiond/internal/cache"
	"github.com/objectfs/sessiond/internal/gateway"
	"github.com/objectfs/sessiond/pkg/errors"
)

type fakeGateway struct {
	updates chan gateway.Update
	opens   atomic.Int32

	mu    sync.Mutex
	fail  error
	block chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{updates: make(chan gateway.Update, 16)}
}

func (g *fakeGateway) Open(ctx context.Context) error {
	g.opens.Add(1)
	g.mu.Lock()
	fail, block := g.fail, g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fail
}

func (g *fakeGateway) Updates() <-chan gateway.Update { return g.updates }
func (g *fakeGateway) Close() error                   { return nil }

func (g *fakeGateway) setFail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}

type fakeQueue struct {
	starts, stops atomic.Int32
}

func (q *fakeQueue) Start() { q.starts.Add(1) }
func (q *fakeQueue) Stop()  { q.stops.Add(1) }

type fakeWiper struct{ wipes atomic.Int32 }

func (w *fakeWiper) Wipe() error {
	w.wipes.Add(1)
	return nil
}

type fakeEvictor struct{ calls atomic.Int32 }

func (e *fakeEvictor) EmergencyEvict() cache.EvictionReport {
	e.calls.Add(1)
	return cache.EvictionReport{Tier: cache.TierHigh}
}

type recordingMetrics struct {
	mu     sync.Mutex
	delays []time.Duration
	closes []string
}

func (m *recordingMetrics) ObserveTransition(string, string) {}

func (m *recordingMetrics) ObserveClose(_ string, class string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, class)
}

func (m *recordingMetrics) ObserveReconnect(delay time.Duration, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, delay)
}

func (m *recordingMetrics) scheduled() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.delays))
	copy(out, m.delays)
	return out
}

type harness struct {
	c       *Controller
	gw      *fakeGateway
	queue   *fakeQueue
	wiper   *fakeWiper
	evictor *fakeEvictor
	metrics *recordingMetrics
	mock    *clock.Mock
	primed  atomic.Int32
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		gw:      newFakeGateway(),
		queue:   &fakeQueue{},
		wiper:   &fakeWiper{},
		evictor: &fakeEvictor{},
		metrics: &recordingMetrics{},
		mock:    clock.NewMock(),
	}
	cfg.Clock = h.mock
	cfg.Metrics = h.metrics

	c, err := NewController(cfg, Deps{
		Gateway:     h.gw,
		Queue:       h.queue,
		Cache:       h.evictor,
		Credentials: h.wiper,
		OnConnected: func(context.Context) error {
			h.primed.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	h.c = c
	t.Cleanup(c.Shutdown)
	return h
}

func TestClassify(t *testing.T) {
	tests := []struct {
		reason gateway.Reason
		want   CloseClass
	}{
		{gateway.ReasonLoggedOut, ClassFatalCredential},
		{gateway.ReasonConnectionReplaced, ClassSuperseded},
		{gateway.ReasonForbidden, ClassAccessDenied},
		{gateway.ReasonBadSession, ClassTransientCredential},
		{gateway.ReasonMultideviceMismatch, ClassTransientCredential},
		{gateway.ReasonConnectionLost, ClassConnectionLost},
		{gateway.ReasonTimedOut, ClassConnectionLost},
		{gateway.ReasonConnectionClosed, ClassTransient},
		{gateway.ReasonRestartRequired, ClassTransient},
		{gateway.ReasonUnavailable, ClassTransient},
		{gateway.Reason(999), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.reason))
		})
	}
}

func TestNewController_RequiresGateway(t *testing.T) {
	_, err := NewController(Config{}, Deps{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestController_ConnectSuccess(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.c.Start(context.Background()))
	assert.Equal(t, StateConnected, h.c.State())
	assert.Equal(t, int32(1), h.queue.starts.Load())
	assert.Equal(t, int32(1), h.primed.Load())

	// A late connected notification does not re-run the connect hooks.
	h.gw.updates <- gateway.Update{Kind: gateway.UpdateConnected}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), h.primed.Load())

	snap := h.c.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	assert.NotNil(t, snap.ConnectedAt)
	assert.False(t, snap.ReconnectPending)
}

func TestController_SingleFlight(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.gw.block = release

	errCh := make(chan error, 1)
	go func() { errCh <- h.c.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return h.gw.opens.Load() == 1 }, time.Second, time.Millisecond)

	err := h.c.Connect(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyConnecting))

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, int32(1), h.gw.opens.Load())
	assert.Equal(t, StateConnected, h.c.State())
}

func TestController_AuthenticatingDuringPairing(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.gw.block = release

	errCh := make(chan error, 1)
	go func() { errCh <- h.c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.gw.opens.Load() == 1 }, time.Second, time.Millisecond)

	h.gw.updates <- gateway.Update{Kind: gateway.UpdateAuthRequired, PairingCode: "1234-5678"}
	require.Eventually(t, func() bool { return h.c.State() == StateAuthenticating }, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, StateConnected, h.c.State())
}

func TestController_SupersededNeverReconnects(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.c.Connect(context.Background()))

	h.c.HandleClose(gateway.ReasonConnectionLost)
	h.c.HandleClose(gateway.ReasonConnectionReplaced)

	snap := h.c.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.False(t, snap.ReconnectPending)
	assert.Equal(t, "connection_replaced", snap.LastReason)
	assert.Zero(t, h.wiper.wipes.Load())

	h.mock.Add(time.Hour)
	assert.Equal(t, int32(1), h.gw.opens.Load())

	// An explicit reconnect brings it back.
	require.NoError(t, h.c.Reconnect(context.Background()))
	assert.Equal(t, StateConnected, h.c.State())
}

func TestController_ForbiddenCeiling(t *testing.T) {
	h := newHarness(t, Config{ForbiddenCeiling: 3})
	require.NoError(t, h.c.Connect(context.Background()))

	h.c.HandleClose(gateway.ReasonForbidden)
	h.c.HandleClose(gateway.ReasonForbidden)
	assert.True(t, h.c.Snapshot().ReconnectPending)
	assert.Equal(t, 2, h.c.Snapshot().ForbiddenAttempts)
	assert.Zero(t, h.wiper.wipes.Load())

	h.c.HandleClose(gateway.ReasonForbidden)
	assert.Equal(t, int32(1), h.wiper.wipes.Load())
	assert.Equal(t, StateTerminated, h.c.State())
	assert.False(t, h.c.Snapshot().ReconnectPending)

	select {
	case <-h.c.Terminated():
	default:
		t.Fatal("controller should be terminated")
	}
	assert.True(t, errors.HasCode(h.c.TerminationReason(), errors.ErrCodeAccessDenied))

	h.mock.Add(time.Hour)
	assert.Equal(t, int32(1), h.gw.opens.Load())
}

func TestController_FatalCredentialWipesAndReconnects(t *testing.T) {
	h := newHarness(t, Config{CredentialDelay: 10 * time.Second})
	require.NoError(t, h.c.Connect(context.Background()))

	h.c.HandleClose(gateway.ReasonLoggedOut)
	assert.Equal(t, int32(1), h.wiper.wipes.Load())
	assert.Equal(t, StateReconnecting, h.c.State())

	h.mock.Add(9 * time.Second)
	assert.Equal(t, int32(1), h.gw.opens.Load())

	h.mock.Add(time.Second)
	require.Eventually(t, func() bool { return h.c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), h.gw.opens.Load())
	assert.Zero(t, h.c.Snapshot().ReconnectAttempts)
}

func TestController_FatalCredentialThenConnectResetsAttempts(t *testing.T) {
	h := newHarness(t, Config{CredentialDelay: 10 * time.Second, BaseDelay: time.Second})
	require.NoError(t, h.c.Connect(context.Background()))

	h.gw.setFail(stderrors.New("connection refused"))
	h.c.HandleClose(gateway.ReasonLoggedOut)
	h.mock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return len(h.metrics.scheduled()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, h.c.Snapshot().ReconnectAttempts)

	h.gw.setFail(nil)
	h.mock.Add(h.metrics.scheduled()[1])
	require.Eventually(t, func() bool { return h.c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Zero(t, h.c.Snapshot().ReconnectAttempts)
	assert.Equal(t, int32(1), h.wiper.wipes.Load())
}

func TestController_ForbiddenCountSurvivesEstablishFailures(t *testing.T) {
	h := newHarness(t, Config{ForbiddenCeiling: 3, CredentialDelay: time.Second, BaseDelay: time.Second})
	require.NoError(t, h.c.Connect(context.Background()))

	h.gw.setFail(stderrors.New("connection refused"))
	h.c.HandleClose(gateway.ReasonForbidden)

	for n := 1; n <= 3; n++ {
		require.Eventually(t, func() bool { return len(h.metrics.scheduled()) == n }, time.Second, time.Millisecond)
		h.mock.Add(h.metrics.scheduled()[n-1])
		require.Eventually(t, func() bool { return h.gw.opens.Load() == int32(n+1) }, time.Second, time.Millisecond)
		assert.Equal(t, 1, h.c.Snapshot().ForbiddenAttempts)
	}

	require.Eventually(t, func() bool { return len(h.metrics.scheduled()) == 4 }, time.Second, time.Millisecond)
	h.gw.setFail(nil)
	h.mock.Add(h.metrics.scheduled()[3])
	require.Eventually(t, func() bool { return h.c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Zero(t, h.c.Snapshot().ForbiddenAttempts)
}

func TestController_CloseDuringConnectKeepsSingleFlight(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.gw.block = release

	errCh := make(chan error, 1)
	go func() { errCh <- h.c.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return h.gw.opens.Load() == 1 }, time.Second, time.Millisecond)

	h.c.HandleClose(gateway.ReasonRestartRequired)
	snap := h.c.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.False(t, snap.ReconnectPending)
	assert.Zero(t, snap.ReconnectAttempts)

	err := h.c.Connect(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyConnecting))
	err = h.c.Reconnect(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyConnecting))
	assert.Equal(t, int32(1), h.gw.opens.Load())

	// Open completing after the close does not count as connected.
	close(release)
	err = <-errCh
	assert.True(t, errors.HasCode(err, errors.ErrCodeConnectionFailed))
	assert.Equal(t, StateReconnecting, h.c.State())
	assert.Equal(t, []time.Duration{5 * time.Second}, h.metrics.scheduled())
	assert.Equal(t, 1, h.c.Snapshot().ReconnectAttempts)
	assert.Zero(t, h.primed.Load())

	h.mock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return h.c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), h.gw.opens.Load())
}

func TestController_CloseDuringFailingConnectCountsOnce(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.gw.block = release
	h.gw.setFail(stderrors.New("read tcp: connection reset by peer"))

	errCh := make(chan error, 1)
	go func() { errCh <- h.c.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return h.gw.opens.Load() == 1 }, time.Second, time.Millisecond)

	h.c.HandleClose(gateway.ReasonConnectionLost)
	close(release)
	require.Error(t, <-errCh)

	snap := h.c.Snapshot()
	assert.Equal(t, StateReconnecting, snap.State)
	assert.Equal(t, 1, snap.ReconnectAttempts)
	assert.Equal(t, "connection_lost", snap.LastReason)
	assert.Equal(t, "read tcp: connection reset by peer", snap.LastError)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.metrics.scheduled())
}

func TestController_CloseWhileAuthenticating(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.gw.block = release

	errCh := make(chan error, 1)
	go func() { errCh <- h.c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.gw.opens.Load() == 1 }, time.Second, time.Millisecond)

	h.gw.updates <- gateway.Update{Kind: gateway.UpdateAuthRequired, PairingCode: "1234-5678"}
	require.Eventually(t, func() bool { return h.c.State() == StateAuthenticating }, time.Second, time.Millisecond)
	h.gw.updates <- gateway.Update{Kind: gateway.UpdateClosed, Reason: gateway.ReasonRestartRequired}
	require.Eventually(t, func() bool { return h.c.State() == StateClosed }, time.Second, time.Millisecond)
	assert.Empty(t, h.metrics.scheduled())

	close(release)
	require.Error(t, <-errCh)
	assert.Equal(t, StateReconnecting, h.c.State())
	assert.Equal(t, []time.Duration{5 * time.Second}, h.metrics.scheduled())
}

func TestController_SupersededDuringConnect(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.gw.block = release

	errCh := make(chan error, 1)
	go func() { errCh <- h.c.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return h.gw.opens.Load() == 1 }, time.Second, time.Millisecond)

	h.c.HandleClose(gateway.ReasonConnectionReplaced)
	close(release)
	require.Error(t, <-errCh)

	assert.Equal(t, StateClosed, h.c.State())
	assert.False(t, h.c.Snapshot().ReconnectPending)
	assert.Empty(t, h.metrics.scheduled())
}

func TestController_ReasonDependentDelays(t *testing.T) {
	tests := []struct {
		reason gateway.Reason
		want   time.Duration
	}{
		{gateway.ReasonConnectionLost, 2 * time.Second},
		{gateway.ReasonRestartRequired, 5 * time.Second},
		{gateway.ReasonBadSession, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			h := newHarness(t, Config{})
			require.NoError(t, h.c.Connect(context.Background()))

			h.c.HandleClose(tt.reason)
			snap := h.c.Snapshot()
			require.NotNil(t, snap.NextReconnectAt)
			assert.Equal(t, h.mock.Now().Add(tt.want), *snap.NextReconnectAt)
			assert.Equal(t, []time.Duration{tt.want}, h.metrics.scheduled())
		})
	}
}

func TestController_SinglePendingTimer(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.c.Connect(context.Background()))

	h.c.HandleClose(gateway.ReasonRestartRequired)
	h.c.HandleClose(gateway.ReasonConnectionLost)

	h.mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return h.c.State() == StateConnected }, time.Second, time.Millisecond)

	h.mock.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), h.gw.opens.Load())
}

func TestController_BackoffMonotonicAndBounded(t *testing.T) {
	h := newHarness(t, Config{
		BaseDelay:    time.Second,
		GrowthFactor: 2,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  5,
	})
	h.gw.setFail(stderrors.New("dial tcp: connection refused"))

	require.Error(t, h.c.Start(context.Background()))

	for n := 1; n <= 5; n++ {
		require.Eventually(t, func() bool { return len(h.metrics.scheduled()) == n }, time.Second, time.Millisecond)
		delays := h.metrics.scheduled()
		h.mock.Add(delays[n-1])
	}

	select {
	case <-h.c.Terminated():
	case <-time.After(time.Second):
		t.Fatal("controller did not give up")
	}

	delays := h.metrics.scheduled()
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], 5*time.Second)
	}
	assert.True(t, errors.HasCode(h.c.TerminationReason(), errors.ErrCodeRetryExhausted))
	assert.Equal(t, int32(6), h.gw.opens.Load())
}

func TestController_ResourceExhaustionEvicts(t *testing.T) {
	h := newHarness(t, Config{})
	h.gw.setFail(stderrors.New("runtime: cannot allocate memory"))

	require.Error(t, h.c.Connect(context.Background()))
	assert.Equal(t, int32(1), h.evictor.calls.Load())
	assert.Equal(t, StateReconnecting, h.c.State())

	h.gw.setFail(stderrors.New("connection refused"))
	h.mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return h.gw.opens.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), h.evictor.calls.Load())
}

func TestController_UpdatesDriveClose(t *testing.T) {
	h := newHarness(t, Config{})

	var events atomic.Int32
	h.c.deps.OnEvent = func(*gateway.Event) { events.Add(1) }

	require.NoError(t, h.c.Start(context.Background()))

	h.gw.updates <- gateway.Update{Kind: gateway.UpdateEvent, Event: &gateway.Event{ID: "e1"}}
	h.gw.updates <- gateway.Update{Kind: gateway.UpdateClosed, Reason: gateway.ReasonConnectionLost, Err: stderrors.New("eof")}

	require.Eventually(t, func() bool { return h.c.State() == StateReconnecting }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), events.Load())
	assert.Equal(t, int32(1), h.queue.stops.Load())
	assert.Equal(t, "eof", h.c.Snapshot().LastError)
}

func TestController_Shutdown(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.c.Start(context.Background()))
	h.c.HandleClose(gateway.ReasonUnavailable)
	require.True(t, h.c.Snapshot().ReconnectPending)

	h.c.Shutdown()
	h.c.Shutdown()

	assert.Equal(t, StateTerminated, h.c.State())
	assert.False(t, h.c.Snapshot().ReconnectPending)
	assert.NoError(t, h.c.TerminationReason())

	h.mock.Add(time.Hour)
	assert.Equal(t, int32(1), h.gw.opens.Load())

	err := h.c.Connect(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeShutdownInProgress))
}

func TestState_Strings(t *testing.T) {
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	text, err := StateReconnecting.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "reconnecting", string(text))
	assert.Equal(t, "superseded", ClassSuperseded.String())
}
