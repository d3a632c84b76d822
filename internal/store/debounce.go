package store

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/objectfs/sessiond/pkg/utils"
)

// BatchWriter persists a set of entries atomically.
type BatchWriter interface {
	PutAll(entries map[string][]byte) error
}

// DebouncerConfig configures a Debouncer.
type DebouncerConfig struct {
	// Window is how long writes are coalesced before a flush
	Window time.Duration

	// OnError is called with flush errors raised from the timer
	OnError func(err error)

	Clock  clock.Clock
	Logger *utils.StructuredLogger
}

// Debouncer coalesces writes within a window and flushes them on a timer
// or on an explicit Flush. The last write to a key wins.
type Debouncer struct {
	writer BatchWriter
	config DebouncerConfig
	logger *utils.StructuredLogger

	mu      sync.Mutex
	pending map[string][]byte
	timer   *clock.Timer
	flushes int
	closed  bool
}

// NewDebouncer creates a debouncer writing through to w.
func NewDebouncer(w BatchWriter, config DebouncerConfig) *Debouncer {
	if config.Window <= 0 {
		config.Window = time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}
	return &Debouncer{
		writer:  w,
		config:  config,
		logger:  config.Logger.WithComponent("debouncer"),
		pending: make(map[string][]byte),
	}
}

// Write buffers value for key and arms the flush timer if it is not armed.
func (d *Debouncer) Write(key string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	d.pending[key] = buf

	if d.timer == nil && !d.closed {
		d.timer = d.config.Clock.AfterFunc(d.config.Window, d.flushFromTimer)
	}
}

// Pending returns the number of buffered keys.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flushes returns how many non-empty flushes have been committed.
func (d *Debouncer) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

// Flush cancels the timer and writes everything buffered so far.
func (d *Debouncer) Flush() error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	batch := d.pending
	d.pending = make(map[string][]byte)
	d.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := d.writer.PutAll(batch); err != nil {
		d.requeue(batch)
		return err
	}

	d.mu.Lock()
	d.flushes++
	d.mu.Unlock()
	d.logger.Debug("Flushed buffered writes", map[string]interface{}{"keys": len(batch)})
	return nil
}

// requeue puts a failed batch back without clobbering newer writes.
func (d *Debouncer) requeue(batch map[string][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, value := range batch {
		if _, newer := d.pending[key]; !newer {
			d.pending[key] = value
		}
	}
	if d.timer == nil && !d.closed {
		d.timer = d.config.Clock.AfterFunc(d.config.Window, d.flushFromTimer)
	}
}

func (d *Debouncer) flushFromTimer() {
	if err := d.Flush(); err != nil {
		d.logger.Warn("Debounced flush failed", map[string]interface{}{"error": err.Error()})
		if d.config.OnError != nil {
			d.config.OnError(err)
		}
	}
}

// Close flushes anything buffered. A failed final flush is not retried.
func (d *Debouncer) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.Flush()
}
