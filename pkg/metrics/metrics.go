// Package metrics provides a standard interface for instrumenting the
// daemon, so a backend (Prometheus here) can be plugged in without changing
// the instrumentation points.
package metrics

import "net/http"

// Metric names used by the protocol engine. Dropped-packet reasons map to
// the error taxonomy: malformed, auth_failure, unknown_instance,
// protocol_violation.
const (
	PacketsDropped   = "vrrp_packets_dropped_total"
	PacketsReceived  = "vrrp_packets_received_total"
	AdvertsSent      = "vrrp_advertisements_sent_total"
	Transitions      = "vrrp_transitions_total"
	InstanceState    = "vrrp_instance_state"
	ActuatorFailures = "vrrp_actuator_failures_total"
)

// Labels represents a collection of labels (key-value pairs) for a metric.
type Labels map[string]string

// Recorder defines the standard interface for recording daemon metrics.
type Recorder interface {
	// IncCounter increments a counter by 1.
	IncCounter(name string, labels Labels)

	// SetGauge sets the value of a gauge.
	SetGauge(name string, labels Labels, value float64)

	// Handler returns an http.Handler exposing the metrics for scraping,
	// or nil if the backend does not support exposition.
	Handler() http.Handler
}

// noopRecorder is used when metrics are disabled to avoid nil checks.
type noopRecorder struct{}

// NewNoopRecorder returns a recorder that does nothing.
func NewNoopRecorder() Recorder {
	return &noopRecorder{}
}

func (r *noopRecorder) IncCounter(name string, labels Labels)              {}
func (r *noopRecorder) SetGauge(name string, labels Labels, value float64) {}
func (r *noopRecorder) Handler() http.Handler                              { return nil }
