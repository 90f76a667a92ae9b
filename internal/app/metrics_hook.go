package app

import (
	"github.com/mnemo-oss/mnemo/internal/event"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
)

// metricsHook exports a metrics snapshot whenever a conversation turn or a
// memory run finishes.
type metricsHook struct {
	metrics *telemetry.Metrics
	project string
}

func (h *metricsHook) Name() string     { return "metrics-export" }
func (h *metricsHook) IsBlocking() bool { return false }

func (h *metricsHook) Matches(t event.EventType) bool {
	switch t {
	case event.ConversationCompleted, event.ConversationFailed,
		event.MemoryExtracted, event.MemoryFailed:
		return true
	}
	return false
}

func (h *metricsHook) Handle(ev event.Event) error {
	labels := map[string]string{"project": h.project}
	for _, k := range []string{"thread_id", "run_id", "user_id"} {
		if v := ev.String(k); v != "" {
			labels[k] = v
		}
	}
	h.metrics.Flush(string(ev.Type), labels)
	return nil
}
