package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/objectfs/sessiond/pkg/errors"
	"github.com/objectfs/sessiond/pkg/utils"
)

// SessionKey is where the loopback gateway keeps its session token.
const SessionKey = "session/token"

// CredentialStore holds the gateway's session credentials.
type CredentialStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
}

// LoopbackConfig configures a Loopback gateway.
type LoopbackConfig struct {
	Store CredentialStore

	// EventsPerSecond paces synthetic inbound events; zero disables them
	EventsPerSecond float64

	// Burst is the limiter burst size
	Burst int

	// EventType is stamped on every synthetic event
	EventType string

	// UpdateBuffer is the capacity of the updates channel
	UpdateBuffer int

	Clock  clock.Clock
	Logger *utils.StructuredLogger
}

// Loopback is an in-process gateway for development runs and tests. It
// pairs on first use, persists a token, and emits synthetic events.
type Loopback struct {
	config   LoopbackConfig
	logger   *utils.StructuredLogger
	updates  chan Update
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	open     bool
	closed   bool
	failNext error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	seq      uint64
	opens    int
}

// NewLoopback creates a closed loopback gateway.
func NewLoopback(config LoopbackConfig) *Loopback {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.EventType == "" {
		config.EventType = "message"
	}
	if config.UpdateBuffer <= 0 {
		config.UpdateBuffer = 256
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}
	return &Loopback{
		config:  config,
		logger:  config.Logger.WithComponent("loopback"),
		updates: make(chan Update, config.UpdateBuffer),
		done:    make(chan struct{}),
	}
}

// Updates returns the lifecycle and event stream.
func (l *Loopback) Updates() <-chan Update {
	return l.updates
}

// FailNextOpen makes the next Open return err.
func (l *Loopback) FailNextOpen(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

// Opens returns how many times Open succeeded.
func (l *Loopback) Opens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

// Open authenticates (pairing first if no token is stored) and connects.
func (l *Loopback) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.NewError(errors.ErrCodeConnectionClosed, "gateway is closed").
			WithComponent("loopback").
			WithOperation("open")
	}
	if err := l.failNext; err != nil {
		l.failNext = nil
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.open {
		l.open = false
		l.stopPumpLocked()
	}

	if !l.authenticated() {
		l.seq++
		code := fmt.Sprintf("%04d-%04d", l.seq%10000, l.config.Clock.Now().UnixNano()%10000)
		l.send(Update{Kind: UpdateAuthRequired, PairingCode: code})

		token := []byte(fmt.Sprintf("loopback-%d", l.config.Clock.Now().UnixNano()))
		if l.config.Store != nil {
			if err := l.config.Store.Put(SessionKey, token); err != nil {
				return errors.Wrap(errors.ErrCodeConnectionFailed, "failed to persist session token", err).
					WithComponent("loopback").
					WithOperation("open")
			}
		}
		l.send(Update{Kind: UpdateAuthenticated})
	}

	l.open = true
	l.opens++
	l.send(Update{Kind: UpdateConnected})
	l.startPumpLocked()
	return nil
}

func (l *Loopback) authenticated() bool {
	if l.config.Store == nil {
		return false
	}
	token, err := l.config.Store.Get(SessionKey)
	return err == nil && len(token) > 0
}

// Disconnect simulates the gateway dropping the session with reason.
func (l *Loopback) Disconnect(reason Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.open || l.closed {
		return
	}
	l.open = false
	l.stopPumpLocked()
	l.send(Update{Kind: UpdateClosed, Reason: reason})
}

// Inject emits ev as an inbound event.
func (l *Loopback) Inject(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = l.config.Clock.Now()
	}
	l.send(Update{Kind: UpdateEvent, Event: &ev})
}

// Close stops event generation and closes the updates channel. Lifecycle
// updates blocked on a full buffer are abandoned.
func (l *Loopback) Close() error {
	l.doneOnce.Do(func() { close(l.done) })
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.open = false
	l.closed = true
	l.stopPumpLocked()
	close(l.updates)
	return nil
}

// send must be called with mu held. Events are dropped when the buffer is
// full; lifecycle updates wait for room until Close.
func (l *Loopback) send(u Update) {
	if u.Kind == UpdateEvent {
		select {
		case l.updates <- u:
		default:
			l.logger.Warn("Event dropped, buffer full", map[string]interface{}{"id": u.Event.ID})
		}
		return
	}

	select {
	case l.updates <- u:
	case <-l.done:
		l.logger.Debug("Update abandoned on close", map[string]interface{}{"kind": u.Kind.String()})
	}
}

func (l *Loopback) startPumpLocked() {
	if l.config.EventsPerSecond <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	limiter := rate.NewLimiter(rate.Limit(l.config.EventsPerSecond), l.config.Burst)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}

			l.mu.Lock()
			if ctx.Err() != nil {
				l.mu.Unlock()
				return
			}
			l.seq++
			ev := Event{
				ID:         fmt.Sprintf("evt-%d", l.seq),
				Type:       l.config.EventType,
				From:       "loopback",
				Payload:    []byte(fmt.Sprintf(`{"seq":%d}`, l.seq)),
				ReceivedAt: l.config.Clock.Now(),
			}
			l.send(Update{Kind: UpdateEvent, Event: &ev})
			l.mu.Unlock()
		}
	}()
}

// stopPumpLocked cancels the pump and waits for it. The pump takes mu, so
// the lock is released while waiting.
func (l *Loopback) stopPumpLocked() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.cancel = nil
	l.mu.Unlock()
	l.wg.Wait()
	l.mu.Lock()
}
