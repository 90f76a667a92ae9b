package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects runtime metrics
type Metrics struct {
	mu sync.RWMutex

	// Conversation counters
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	ModelCalls    int64
	ToolCalls     int64
	ToolErrors    int64
	NodeRetries   int64

	// Memory counters
	MemoryScheduled   int64
	MemoryCancelled   int64
	MemoryFired       int64
	ExtractionsOK     int64
	ExtractionsFailed int64
	MemoryWrites      int64

	// Gauges
	ActiveRuns int64

	// Histograms (simplified)
	runDurations   []time.Duration
	modelLatencies []time.Duration

	// Exporter (optional)
	exporter MetricsExporter
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		runDurations:   make([]time.Duration, 0, 1000),
		modelLatencies: make([]time.Duration, 0, 1000),
	}
}

// IncRunsStarted increments the conversation runs started counter
func (m *Metrics) IncRunsStarted() {
	atomic.AddInt64(&m.RunsStarted, 1)
	atomic.AddInt64(&m.ActiveRuns, 1)
}

// IncRunsCompleted increments the conversation runs completed counter
func (m *Metrics) IncRunsCompleted() {
	atomic.AddInt64(&m.RunsCompleted, 1)
	atomic.AddInt64(&m.ActiveRuns, -1)
}

// IncRunsFailed increments the conversation runs failed counter
func (m *Metrics) IncRunsFailed() {
	atomic.AddInt64(&m.RunsFailed, 1)
	atomic.AddInt64(&m.ActiveRuns, -1)
}

// IncModelCalls increments the model calls counter
func (m *Metrics) IncModelCalls() {
	atomic.AddInt64(&m.ModelCalls, 1)
}

// IncToolCalls increments the tool calls counter
func (m *Metrics) IncToolCalls() {
	atomic.AddInt64(&m.ToolCalls, 1)
}

// IncToolErrors increments the failed tool calls counter
func (m *Metrics) IncToolErrors() {
	atomic.AddInt64(&m.ToolErrors, 1)
}

// IncNodeRetries increments the node retry counter
func (m *Metrics) IncNodeRetries() {
	atomic.AddInt64(&m.NodeRetries, 1)
}

func (m *Metrics) IncMemoryScheduled() { atomic.AddInt64(&m.MemoryScheduled, 1) }
func (m *Metrics) IncMemoryCancelled() { atomic.AddInt64(&m.MemoryCancelled, 1) }
func (m *Metrics) IncMemoryFired()     { atomic.AddInt64(&m.MemoryFired, 1) }

// IncExtraction records the outcome of one memory-type extraction.
func (m *Metrics) IncExtraction(ok bool) {
	if ok {
		atomic.AddInt64(&m.ExtractionsOK, 1)
		return
	}
	atomic.AddInt64(&m.ExtractionsFailed, 1)
}

// AddMemoryWrites adds n to the memory writes counter
func (m *Metrics) AddMemoryWrites(n int) {
	atomic.AddInt64(&m.MemoryWrites, int64(n))
}

// RecordRunDuration records a conversation run duration
func (m *Metrics) RecordRunDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runDurations = append(m.runDurations, d)
}

// RecordModelLatency records a model call latency
func (m *Metrics) RecordModelLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelLatencies = append(m.modelLatencies, d)
}

// GetSummary returns a summary of collected metrics
func (m *Metrics) GetSummary() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := map[string]interface{}{
		"runs_started":       atomic.LoadInt64(&m.RunsStarted),
		"runs_completed":     atomic.LoadInt64(&m.RunsCompleted),
		"runs_failed":        atomic.LoadInt64(&m.RunsFailed),
		"model_calls":        atomic.LoadInt64(&m.ModelCalls),
		"tool_calls":         atomic.LoadInt64(&m.ToolCalls),
		"tool_errors":        atomic.LoadInt64(&m.ToolErrors),
		"node_retries":       atomic.LoadInt64(&m.NodeRetries),
		"memory_scheduled":   atomic.LoadInt64(&m.MemoryScheduled),
		"memory_cancelled":   atomic.LoadInt64(&m.MemoryCancelled),
		"memory_fired":       atomic.LoadInt64(&m.MemoryFired),
		"extractions_ok":     atomic.LoadInt64(&m.ExtractionsOK),
		"extractions_failed": atomic.LoadInt64(&m.ExtractionsFailed),
		"memory_writes":      atomic.LoadInt64(&m.MemoryWrites),
		"active_runs":        atomic.LoadInt64(&m.ActiveRuns),
	}

	if len(m.runDurations) > 0 {
		var total time.Duration
		for _, d := range m.runDurations {
			total += d
		}
		summary["avg_run_duration_ms"] = total.Milliseconds() / int64(len(m.runDurations))
	}

	if len(m.modelLatencies) > 0 {
		var total time.Duration
		for _, d := range m.modelLatencies {
			total += d
		}
		summary["avg_model_latency_ms"] = total.Milliseconds() / int64(len(m.modelLatencies))
	}

	return summary
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range []*int64{
		&m.RunsStarted, &m.RunsCompleted, &m.RunsFailed, &m.ModelCalls,
		&m.ToolCalls, &m.ToolErrors, &m.NodeRetries, &m.MemoryScheduled,
		&m.MemoryCancelled, &m.MemoryFired, &m.ExtractionsOK,
		&m.ExtractionsFailed, &m.MemoryWrites, &m.ActiveRuns,
	} {
		atomic.StoreInt64(c, 0)
	}

	m.runDurations = m.runDurations[:0]
	m.modelLatencies = m.modelLatencies[:0]
}

// SetExporter attaches a metrics exporter.
func (m *Metrics) SetExporter(e MetricsExporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exporter = e
}

// Flush exports the current metrics snapshot with the given event label.
func (m *Metrics) Flush(event string, labels map[string]string) {
	m.mu.RLock()
	exporter := m.exporter
	m.mu.RUnlock()

	if exporter == nil {
		return
	}

	snapshot := MetricsSnapshot{
		Timestamp: time.Now(),
		Event:     event,
		Metrics:   m.GetSummary(),
		Labels:    labels,
	}
	// Best-effort export.
	_ = exporter.Export(snapshot)
}
