// Package queue turns an unbounded stream of inbound events into bounded,
// batched, parallel handler invocations.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/objectfs/sessiond/pkg/errors"
	"github.com/objectfs/sessiond/pkg/utils"
)

// State is the scheduler state.
type State int32

const (
	// StateIdle means no scheduling pass is running.
	StateIdle State = iota
	// StateRunning means the scheduler drains the FIFO pass after pass.
	StateRunning
	// StateStopping means the scheduler exits after the current pass.
	StateStopping
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config configures a Queue.
type Config struct {
	// ItemsPerBatch is the maximum number of items in one batch
	ItemsPerBatch int

	// MaxBatchesPerPass is the maximum number of batches run concurrently in one pass
	MaxBatchesPerPass int

	// ShutdownPollInterval is how often Shutdown checks for in-flight work
	ShutdownPollInterval time.Duration

	Clock   clock.Clock
	Logger  *utils.StructuredLogger
	Metrics Metrics
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		ItemsPerBatch:        2,
		MaxBatchesPerPass:    10,
		ShutdownPollInterval: 50 * time.Millisecond,
	}
}

// Metrics receives queue observations.
type Metrics interface {
	ObserveItem(success bool, wait time.Duration)
	ObservePass(batches, items int, duration time.Duration)
	SetQueueLength(n int)
	SetInFlight(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveItem(bool, time.Duration)     {}
func (nopMetrics) ObservePass(int, int, time.Duration) {}
func (nopMetrics) SetQueueLength(int)                  {}
func (nopMetrics) SetInFlight(int)                     {}

// Stats are the scheduler-owned counters.
type Stats struct {
	Processed            uint64        `json:"processed"`
	Errored              uint64        `json:"errored"`
	QueueLength          int           `json:"queue_length"`
	BatchesProcessed     uint64        `json:"batches_processed"`
	Passes               uint64        `json:"passes"`
	AverageBatchDuration time.Duration `json:"average_batch_duration"`
	StartedAt            time.Time     `json:"started_at"`
}

// Status is Stats plus derived metrics.
type Status struct {
	Stats
	Throughput float64 `json:"throughput"`
	ErrorRate  float64 `json:"error_rate"`
	Uptime     string  `json:"uptime"`
	InFlight   int64   `json:"in_flight"`
	State      string  `json:"state"`
}

// Queue is a FIFO of pending items drained by a single scheduler loop into
// concurrently executed batches.
type Queue struct {
	config  Config
	clock   clock.Clock
	logger  *utils.StructuredLogger
	metrics Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	fifo         []*Item
	state        State
	shutdown     bool
	counter      uint64
	errorHandler ErrorHandler
	loopDone     chan struct{}

	processed   atomic.Uint64
	errored     atomic.Uint64
	inFlight    atomic.Int64
	batches     uint64
	passes      uint64
	avgDuration time.Duration
	startedAt   time.Time
}

// New creates an idle queue.
func New(config Config) *Queue {
	d := DefaultConfig()
	if config.ItemsPerBatch <= 0 {
		config.ItemsPerBatch = d.ItemsPerBatch
	}
	if config.MaxBatchesPerPass <= 0 {
		config.MaxBatchesPerPass = d.MaxBatchesPerPass
	}
	if config.ShutdownPollInterval <= 0 {
		config.ShutdownPollInterval = d.ShutdownPollInterval
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = nopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		config:    config,
		clock:     config.Clock,
		logger:    config.Logger.WithComponent("queue"),
		metrics:   config.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: config.Clock.Now(),
	}
}

// SetErrorHandler registers the callback invoked for every failed item.
func (q *Queue) SetErrorHandler(h ErrorHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errorHandler = h
}

// Enqueue appends an item and starts the scheduler if it is idle. It never
// blocks; the outcome arrives on the returned Completion.
func (q *Queue) Enqueue(payload interface{}, handler Handler) *Completion {
	q.mu.Lock()
	q.counter++
	now := q.clock.Now()
	item := &Item{
		ID:         fmt.Sprintf("%d-%d", q.counter, now.UnixMilli()),
		Payload:    payload,
		EnqueuedAt: now,
		handler:    handler,
	}
	item.completion = newCompletion(item.ID)

	if q.shutdown {
		q.mu.Unlock()
		item.completion.settle(nil, errors.NewError(errors.ErrCodeShutdownInProgress, "queue is shutting down").
			WithComponent("queue").
			WithOperation("enqueue"))
		return item.completion
	}
	if handler == nil {
		q.mu.Unlock()
		item.completion.settle(nil, errors.NewError(errors.ErrCodeHandlerFailed, "nil handler").
			WithComponent("queue").
			WithOperation("enqueue"))
		return item.completion
	}

	q.fifo = append(q.fifo, item)
	q.metrics.SetQueueLength(len(q.fifo))
	q.startLocked()
	q.mu.Unlock()

	return item.completion
}

// Start begins scheduling. It is a no-op when already running.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return
	}
	q.startLocked()
}

// Resume is Start under the name used after an explicit Stop.
func (q *Queue) Resume() {
	q.Start()
}

func (q *Queue) startLocked() {
	switch q.state {
	case StateRunning:
		return
	case StateStopping:
		// The loop is still alive; let it carry on.
		q.state = StateRunning
		return
	}

	q.state = StateRunning
	done := make(chan struct{})
	q.loopDone = done
	go q.run(done)
}

// Stop halts scheduling after the current pass. Queued items are kept.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateRunning {
		q.state = StateStopping
	}
}

// State returns the scheduler state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len returns the number of items waiting in the FIFO.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// InFlight returns the number of handlers dequeued but not yet settled.
func (q *Queue) InFlight() int64 {
	return q.inFlight.Load()
}

// Clear rejects every pending item with QUEUE_CLEARED and stops scheduling.
func (q *Queue) Clear() int {
	q.mu.Lock()
	pending := q.fifo
	q.fifo = nil
	if q.state == StateRunning {
		q.state = StateStopping
	}
	q.metrics.SetQueueLength(0)
	q.mu.Unlock()

	for _, item := range pending {
		item.completion.settle(nil, errors.NewError(errors.ErrCodeQueueCleared, "queue cleared").
			WithComponent("queue").
			WithDetail("item_id", item.ID))
	}
	if len(pending) > 0 {
		q.logger.Info("Queue cleared", map[string]interface{}{"rejected": len(pending)})
	}
	return len(pending)
}

// Shutdown stops intake, waits up to timeout for in-flight handlers, then
// clears the FIFO. Handlers still running after the timeout are abandoned.
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	q.shutdown = true
	if q.state == StateRunning {
		q.state = StateStopping
	}
	q.mu.Unlock()

	q.logger.Info("Queue shutting down", map[string]interface{}{
		"timeout":   timeout.String(),
		"in_flight": q.inFlight.Load(),
		"pending":   q.Len(),
	})

	var err error
	if !q.waitIdle(timeout) {
		remaining := q.inFlight.Load()
		q.logger.Warn("Queue shutdown timed out with work outstanding", map[string]interface{}{
			"in_flight": remaining,
			"timeout":   timeout.String(),
		})
		err = fmt.Errorf("queue shutdown: %d handlers still running: %w", remaining, context.DeadlineExceeded)
	}

	q.Clear()
	q.cancel()
	return err
}

func (q *Queue) waitIdle(timeout time.Duration) bool {
	if q.inFlight.Load() == 0 {
		return true
	}

	deadline := q.clock.Timer(timeout)
	defer deadline.Stop()
	ticker := q.clock.Ticker(q.config.ShutdownPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return q.inFlight.Load() == 0
		case <-ticker.C:
			if q.inFlight.Load() == 0 {
				return true
			}
		}
	}
}

// Status returns a snapshot of the counters plus derived metrics.
func (q *Queue) Status() Status {
	q.mu.Lock()
	stats := Stats{
		Processed:            q.processed.Load(),
		Errored:              q.errored.Load(),
		QueueLength:          len(q.fifo),
		BatchesProcessed:     q.batches,
		Passes:               q.passes,
		AverageBatchDuration: q.avgDuration,
		StartedAt:            q.startedAt,
	}
	state := q.state
	q.mu.Unlock()

	now := q.clock.Now()
	status := Status{
		Stats:    stats,
		Uptime:   strings.TrimSpace(humanize.RelTime(stats.StartedAt, now, "", "")),
		InFlight: q.inFlight.Load(),
		State:    state.String(),
	}
	if elapsed := now.Sub(stats.StartedAt).Seconds(); elapsed > 0 {
		status.Throughput = float64(stats.Processed) / elapsed
	}
	if stats.Processed > 0 {
		status.ErrorRate = float64(stats.Errored) / float64(stats.Processed) * 100
	}
	return status
}

// run is the scheduler loop. Exactly one runs at a time.
func (q *Queue) run(done chan struct{}) {
	defer close(done)

	for {
		batches := q.takeBatches()
		if batches == nil {
			return
		}
		q.runPass(batches)
	}
}

// takeBatches dequeues up to MaxBatchesPerPass batches of ItemsPerBatch items
// in FIFO order. It returns nil and marks the queue idle when there is
// nothing to do or a stop was requested.
func (q *Queue) takeBatches() [][]*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateRunning || len(q.fifo) == 0 {
		q.state = StateIdle
		return nil
	}

	per := q.config.ItemsPerBatch
	count := (len(q.fifo) + per - 1) / per
	if count > q.config.MaxBatchesPerPass {
		count = q.config.MaxBatchesPerPass
	}

	batches := make([][]*Item, 0, count)
	taken := 0
	for i := 0; i < count && len(q.fifo) > 0; i++ {
		n := per
		if n > len(q.fifo) {
			n = len(q.fifo)
		}
		batch := make([]*Item, n)
		copy(batch, q.fifo[:n])
		for j := 0; j < n; j++ {
			q.fifo[j] = nil
		}
		q.fifo = q.fifo[n:]
		batches = append(batches, batch)
		taken += n
	}
	if len(q.fifo) == 0 {
		q.fifo = nil
	}

	q.inFlight.Add(int64(taken))
	q.metrics.SetQueueLength(len(q.fifo))
	q.metrics.SetInFlight(int(q.inFlight.Load()))
	return batches
}

// runPass runs every batch concurrently and every item in a batch concurrently,
// then folds the pass duration into the cumulative mean.
func (q *Queue) runPass(batches [][]*Item) {
	start := q.clock.Now()
	items := 0

	var wg conc.WaitGroup
	for _, batch := range batches {
		batch := batch
		items += len(batch)
		wg.Go(func() {
			var inner conc.WaitGroup
			for _, item := range batch {
				item := item
				inner.Go(func() { q.process(item) })
			}
			inner.Wait()
		})
	}
	wg.Wait()

	duration := q.clock.Now().Sub(start)

	q.mu.Lock()
	q.batches += uint64(len(batches))
	q.passes++
	q.avgDuration = time.Duration((float64(q.avgDuration)*float64(q.passes-1) + float64(duration)) / float64(q.passes))
	q.mu.Unlock()

	q.metrics.ObservePass(len(batches), items, duration)
	q.logger.Debug("Pass complete", map[string]interface{}{
		"batches":  len(batches),
		"items":    items,
		"duration": duration.String(),
	})
}

// process runs one handler and settles its completion. It never panics.
func (q *Queue) process(item *Item) {
	defer func() {
		q.metrics.SetInFlight(int(q.inFlight.Add(-1)))
	}()

	var (
		result  interface{}
		err     error
		catcher panics.Catcher
	)
	catcher.Try(func() {
		result, err = item.handler(q.ctx, item.Payload)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = errors.Wrap(errors.ErrCodeHandlerPanic, "handler panicked", recovered.AsError()).
			WithComponent("queue").
			WithDetail("item_id", item.ID)
	}

	wait := q.clock.Now().Sub(item.EnqueuedAt)
	if err != nil {
		q.errored.Add(1)
		q.metrics.ObserveItem(false, wait)
		q.reportError(item, err)
		item.completion.settle(nil, err)
		return
	}

	q.processed.Add(1)
	q.metrics.ObserveItem(true, wait)
	item.completion.settle(result, nil)
}

func (q *Queue) reportError(item *Item, err error) {
	q.mu.Lock()
	handler := q.errorHandler
	q.mu.Unlock()

	if handler == nil {
		q.logger.Debug("Item failed", map[string]interface{}{"item_id": item.ID, "error": err.Error()})
		return
	}

	var catcher panics.Catcher
	catcher.Try(func() { handler(item, err) })
	if recovered := catcher.Recovered(); recovered != nil {
		q.logger.Error("Error handler panicked", map[string]interface{}{
			"item_id": item.ID,
			"error":   err.Error(),
			"panic":   recovered.String(),
		})
	}
}
