package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// MetricsExporter receives metrics snapshots.
type MetricsExporter interface {
	Export(snapshot MetricsSnapshot) error
	Close() error
}

// MetricsSnapshot is the metrics summary at one moment, tagged with the
// event that triggered it.
type MetricsSnapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Event     string                 `json:"event"`
	Metrics   map[string]interface{} `json:"metrics"`
	Labels    map[string]string      `json:"labels,omitempty"`
}

// Default rotation for metrics files.
const (
	DefaultMetricsMaxSizeMB  = 20
	DefaultMetricsMaxBackups = 3
)

// JSONFileExporter appends snapshots as JSON lines to a size-rotated file.
type JSONFileExporter struct {
	mu  sync.Mutex
	out io.WriteCloser
	enc *json.Encoder
}

// NewJSONFileExporter opens path for appending, creating parent
// directories. The file rotates at DefaultMetricsMaxSizeMB.
func NewJSONFileExporter(path string) (*JSONFileExporter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}
	// lumberjack opens lazily; touch the file so a bad path fails here.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}
	f.Close()

	return newJSONExporter(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    DefaultMetricsMaxSizeMB,
		MaxBackups: DefaultMetricsMaxBackups,
	}), nil
}

func newJSONExporter(w io.WriteCloser) *JSONFileExporter {
	return &JSONFileExporter{out: w, enc: json.NewEncoder(w)}
}

func (e *JSONFileExporter) Export(snapshot MetricsSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(snapshot)
}

func (e *JSONFileExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out.Close()
}
