// Package monitor runs the background health checks and the performance
// bookkeeping for installed extensions.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	rtmetrics "runtime/metrics"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plexus/pkg/observability"
)

// WindowSize is how many recent durations are kept per extension
const WindowSize = 100

// DefaultSampleSchedule is how often process usage is sampled
const DefaultSampleSchedule = "@every 5s"

// ExtensionStats summarizes recent executions of one extension
type ExtensionStats struct {
	TotalExecutions int64   `json:"total_executions"`
	SuccessRate     float64 `json:"success_rate"`
	AverageMs       float64 `json:"average_ms"`
	Samples         int     `json:"samples"`
}

type window struct {
	durations []time.Duration
	next      int
	total     int64
	succeeded int64
}

func (w *window) add(d time.Duration, success bool) {
	if len(w.durations) < WindowSize {
		w.durations = append(w.durations, d)
	} else {
		w.durations[w.next] = d
		w.next = (w.next + 1) % WindowSize
	}
	w.total++
	if success {
		w.succeeded++
	}
}

func (w *window) sum() time.Duration {
	var s time.Duration
	for _, d := range w.durations {
		s += d
	}
	return s
}

// PerformanceMonitor keeps the last WindowSize execution durations per
// extension and samples process memory and CPU on a schedule.
type PerformanceMonitor struct {
	logger  *logrus.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	windows map[string]*window

	usageMu    sync.Mutex
	heapBytes  uint64
	cpuPercent float64
	lastBusy   float64
	lastTotal  float64

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewPerformanceMonitor creates a monitor. metrics may be nil.
func NewPerformanceMonitor(logger *logrus.Logger, metrics *observability.Metrics) *PerformanceMonitor {
	return &PerformanceMonitor{
		logger:  observability.OrDefault(logger),
		metrics: metrics,
		windows: make(map[string]*window),
	}
}

// Record adds one execution of extensionID
func (m *PerformanceMonitor) Record(extensionID string, d time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[extensionID]
	if !ok {
		w = &window{durations: make([]time.Duration, 0, WindowSize)}
		m.windows[extensionID] = w
	}
	w.add(d, success)
}

// Forget drops the history of extensionID
func (m *PerformanceMonitor) Forget(extensionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, extensionID)
}

// Stats returns the summary for extensionID
func (m *PerformanceMonitor) Stats(extensionID string) (ExtensionStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[extensionID]
	if !ok {
		return ExtensionStats{}, false
	}
	stats := ExtensionStats{
		TotalExecutions: w.total,
		Samples:         len(w.durations),
	}
	if w.total > 0 {
		stats.SuccessRate = float64(w.succeeded) / float64(w.total)
	}
	if len(w.durations) > 0 {
		stats.AverageMs = ms(w.sum()) / float64(len(w.durations))
	}
	return stats, true
}

// TotalExecutions counts every recorded execution
func (m *PerformanceMonitor) TotalExecutions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, w := range m.windows {
		n += w.total
	}
	return n
}

// AverageResponseTimeMs averages the retained durations of all extensions
func (m *PerformanceMonitor) AverageResponseTimeMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum time.Duration
	samples := 0
	for _, w := range m.windows {
		sum += w.sum()
		samples += len(w.durations)
	}
	if samples == 0 {
		return 0
	}
	return ms(sum) / float64(samples)
}

var cpuSamples = []rtmetrics.Sample{
	{Name: "/cpu/classes/total:cpu-seconds"},
	{Name: "/cpu/classes/idle:cpu-seconds"},
}

// Sample reads process heap and CPU usage. CPU is the busy share of the
// available CPU time since the previous sample.
func (m *PerformanceMonitor) Sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	samples := make([]rtmetrics.Sample, len(cpuSamples))
	copy(samples, cpuSamples)
	rtmetrics.Read(samples)

	var total, idle float64
	if samples[0].Value.Kind() == rtmetrics.KindFloat64 {
		total = samples[0].Value.Float64()
	}
	if samples[1].Value.Kind() == rtmetrics.KindFloat64 {
		idle = samples[1].Value.Float64()
	}
	busy := total - idle

	m.usageMu.Lock()
	if dt := total - m.lastTotal; dt > 0 && m.lastTotal > 0 {
		m.cpuPercent = clampPercent((busy - m.lastBusy) / dt * 100)
	}
	m.lastBusy, m.lastTotal = busy, total
	m.heapBytes = mem.HeapAlloc
	heap, cpu := m.heapBytes, m.cpuPercent
	m.usageMu.Unlock()

	m.metrics.SetProcessUsage(heap, cpu)
}

// ProcessUsage returns the last sampled heap size in MB and CPU percent
func (m *PerformanceMonitor) ProcessUsage() (memoryMB float64, cpuPercent float64) {
	m.usageMu.Lock()
	defer m.usageMu.Unlock()
	return float64(m.heapBytes) / (1024 * 1024), m.cpuPercent
}

// Start schedules Sample. An empty schedule uses DefaultSampleSchedule.
func (m *PerformanceMonitor) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSampleSchedule
	}

	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("performance sampling already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, m.Sample); err != nil {
		return fmt.Errorf("failed to schedule performance sampling: %w", err)
	}
	m.Sample()
	c.Start()
	m.cron = c
	m.logger.Debugf("Performance sampling scheduled: %s", schedule)
	return nil
}

// Stop halts sampling and waits for a running sample to finish
func (m *PerformanceMonitor) Stop(ctx context.Context) error {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
