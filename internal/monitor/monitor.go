// Package monitor is the operational reporting seam for long-running
// components. Calls are fire-and-forget; implementations must never
// block the caller.
package monitor

import (
	"github.com/rs/zerolog/log"

	"shelfmark/internal/metrics"
)

// Monitor receives liveness and event signals from pipeline components.
type Monitor interface {
	// Heartbeat marks the component alive now.
	Heartbeat(component string)

	// LogEvent records a notable occurrence with optional context fields.
	LogEvent(component, event string, fields map[string]any)

	// RecordMetric publishes a named numeric value.
	RecordMetric(name string, value float64)

	// RecordError counts and logs a component error.
	RecordError(component string, err error)
}

// LogMonitor reports through zerolog and Prometheus.
type LogMonitor struct{}

var _ Monitor = (*LogMonitor)(nil)

func NewLogMonitor() *LogMonitor {
	return &LogMonitor{}
}

func (m *LogMonitor) Heartbeat(component string) {
	metrics.ComponentHeartbeat.WithLabelValues(component).SetToCurrentTime()
	log.Debug().Str("component", component).Msg("heartbeat")
}

func (m *LogMonitor) LogEvent(component, event string, fields map[string]any) {
	e := log.Info().Str("component", component).Str("event", event)
	if len(fields) > 0 {
		e = e.Fields(fields)
	}
	e.Msg(event)
}

func (m *LogMonitor) RecordMetric(name string, value float64) {
	metrics.ReportedMetric.WithLabelValues(name).Set(value)
}

func (m *LogMonitor) RecordError(component string, err error) {
	metrics.ComponentErrorsTotal.WithLabelValues(component).Inc()
	log.Error().Err(err).Str("component", component).Msg("component error")
}

// Noop discards all signals. Useful in tests.
type Noop struct{}

var _ Monitor = (*Noop)(nil)

func (Noop) Heartbeat(string)                        {}
func (Noop) LogEvent(string, string, map[string]any) {}
func (Noop) RecordMetric(string, float64)            {}
func (Noop) RecordError(string, error)               {}
