package event

import (
	"fmt"
	"time"

	"github.com/mnemo-oss/mnemo/internal/config"
)

// FromConfig builds a bus with the hooks declared in configuration. A
// disabled hooks section still returns a usable, empty bus.
func FromConfig(cfg config.HooksConfig, logger Logger) (*Bus, error) {
	bus := NewBus(logger)
	if !cfg.Enabled {
		return bus, nil
	}

	for _, hc := range cfg.Hooks {
		events := make([]EventType, 0, len(hc.Events))
		for _, e := range hc.Events {
			events = append(events, EventType(e))
		}

		timeout := DefaultHookTimeout
		if hc.Timeout != "" {
			d, err := time.ParseDuration(hc.Timeout)
			if err != nil {
				return nil, fmt.Errorf("hook %s has invalid timeout: %w", hc.Name, err)
			}
			timeout = d
		}

		switch hc.Type {
		case "shell":
			h := NewShellHook(hc.Name, hc.Command, events, hc.Blocking)
			h.Timeout = timeout
			bus.Register(h)
		case "webhook":
			h := NewWebhookHook(hc.Name, hc.URL, events, hc.Blocking)
			h.Headers = hc.Headers
			h.SetTimeout(timeout)
			bus.Register(h)
		case "log":
			if logger == nil {
				continue
			}
			bus.Register(NewLogHook(hc.Name, events, logger, hc.Level))
		default:
			return nil, fmt.Errorf("hook %s has unknown type: %s", hc.Name, hc.Type)
		}
	}
	return bus, nil
}
