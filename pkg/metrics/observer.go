// Package metrics carries the event stream the dictation pipeline
// emits: session opens and closes, audio ingress, transcript finals,
// refinement completions. Observers subscribe to the stream; the
// pipeline never blocks on them.
package metrics

import "time"

// MetricsEvent is one pipeline occurrence. Tags identify the session
// (client_id, trace_id, component, provider); Fields carry
// event-specific payload.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
