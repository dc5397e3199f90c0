package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples the pipeline from observer work. Events go
// through a buffered channel to a single consumer goroutine; when the
// buffer is full the event is dropped rather than stalling a session.
type AsyncObserver struct {
	inner   Observer
	events  chan MetricsEvent
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:  inner,
		events: make(chan MetricsEvent, buffer),
	}
	go a.drain()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil || a.closed.Load() {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped counts events discarded under backpressure.
func (a *AsyncObserver) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events. Buffered events still reach the inner
// observer.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.events)
	})
}

func (a *AsyncObserver) drain() {
	for ev := range a.events {
		a.inner.RecordEvent(ev)
	}
}
