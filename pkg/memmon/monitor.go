// Package memmon samples process memory pressure and reports it to interested components.
package memmon

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/objectfs/sessiond/pkg/utils"
)

// Reading is a single memory pressure observation.
type Reading struct {
	Timestamp    time.Time
	RSS          uint64  // resident set size of this process
	Limit        uint64  // configured limit or total system memory
	Ratio        float64 // RSS / Limit
	HeapAlloc    uint64  // bytes allocated in heap
	Sys          uint64  // bytes obtained from system by the Go runtime
	NumGC        uint32  // number of completed GC cycles
	NumGoroutine int     // number of goroutines
}

// Reader produces memory readings.
type Reader interface {
	Read() (Reading, error)
}

// ProcessReader reads RSS for the current process and divides it by Limit.
// A zero Limit means total system memory.
type ProcessReader struct {
	Limit uint64

	once sync.Once
	proc *process.Process
	err  error
}

// Read implements Reader.
func (r *ProcessReader) Read() (Reading, error) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	reading := Reading{
		Timestamp:    time.Now(),
		HeapAlloc:    memStats.HeapAlloc,
		Sys:          memStats.Sys,
		NumGC:        memStats.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
		RSS:          memStats.Sys,
		Limit:        r.Limit,
	}

	r.once.Do(func() {
		r.proc, r.err = process.NewProcess(int32(os.Getpid()))
	})
	if r.err == nil {
		if info, err := r.proc.MemoryInfo(); err == nil && info.RSS > 0 {
			reading.RSS = info.RSS
		}
	}

	if reading.Limit == 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return reading, fmt.Errorf("failed to read system memory: %w", err)
		}
		reading.Limit = vm.Total
	}
	if reading.Limit > 0 {
		reading.Ratio = float64(reading.RSS) / float64(reading.Limit)
	}

	return reading, nil
}

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to collect memory readings
	SampleInterval time.Duration

	// MemoryLimit is the denominator for the pressure ratio; zero uses system total
	MemoryLimit uint64

	// OnSample is invoked after every periodic reading
	OnSample func(Reading)

	Reader Reader
	Clock  clock.Clock
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 10 * time.Second,
	}
}

// MemoryMonitor periodically samples memory pressure
type MemoryMonitor struct {
	config MonitorConfig
	logger *utils.StructuredLogger
	reader Reader
	clock  clock.Clock

	mu      sync.RWMutex
	samples int
	gcs     uint64
	current Reading
	peak    float64

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMemoryMonitor creates a new memory monitor
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	if config.SampleInterval <= 0 {
		config.SampleInterval = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Reader == nil {
		config.Reader = &ProcessReader{Limit: config.MemoryLimit}
	}

	return &MemoryMonitor{
		config: config,
		logger: config.Logger.WithComponent("memmon"),
		reader: config.Reader,
		clock:  config.Clock,
		stopCh: make(chan struct{}),
	}
}

// Start begins memory monitoring
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&mm.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	mm.logger.Info("Starting memory monitor", map[string]interface{}{
		"sample_interval": mm.config.SampleInterval.String(),
	})

	mm.wg.Add(1)
	go mm.monitorLoop(ctx)

	return nil
}

// Stop stops memory monitoring
func (mm *MemoryMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&mm.active, 1, 0) {
		return nil
	}

	close(mm.stopCh)
	mm.wg.Wait()
	mm.logger.Debug("Memory monitor stopped")

	return nil
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context) {
	defer mm.wg.Done()

	ticker := mm.clock.Ticker(mm.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mm.stopCh:
			return
		case <-ticker.C:
			reading, err := mm.Sample()
			if err != nil {
				mm.logger.Warn("Memory sample failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if mm.config.OnSample != nil {
				mm.config.OnSample(reading)
			}
		}
	}
}

// Sample takes a reading now and records it as the current one.
func (mm *MemoryMonitor) Sample() (Reading, error) {
	reading, err := mm.reader.Read()
	if err != nil {
		return reading, err
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	mm.current = reading
	if reading.Ratio > mm.peak {
		mm.peak = reading.Ratio
	}
	mm.samples++

	return reading, nil
}

// MemoryStats provides memory statistics
type MemoryStats struct {
	Current     Reading
	PeakRatio   float64
	SampleCount int
	ForcedGCs   uint64
}

// String renders the stats for humans.
func (s MemoryStats) String() string {
	return fmt.Sprintf("rss=%s limit=%s ratio=%.2f peak=%.2f",
		humanize.IBytes(s.Current.RSS), humanize.IBytes(s.Current.Limit), s.Current.Ratio, s.PeakRatio)
}

// GetStats returns current memory statistics
func (mm *MemoryMonitor) GetStats() MemoryStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	return MemoryStats{
		Current:     mm.current,
		PeakRatio:   mm.peak,
		SampleCount: mm.samples,
		ForcedGCs:   mm.gcs,
	}
}

// ForceGC runs a collection and returns freed memory to the OS.
func (mm *MemoryMonitor) ForceGC() {
	mm.logger.Debug("Forcing garbage collection")
	runtime.GC()
	debug.FreeOSMemory()

	mm.mu.Lock()
	mm.gcs++
	mm.mu.Unlock()
}
