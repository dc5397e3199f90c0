package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashidome/kikitori/pkg/metrics"
)

// LatencyObserver tracks per-session stage timings from first audio
// through refinement to final delivery and logs them when the session
// completes.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	audioIn     time.Time
	firstFinal  time.Time
	sessionEnd  time.Time
	refineDone  time.Time
	finalResult time.Time
	traceID     string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	clientID := ""
	if ev.Tags != nil {
		clientID = ev.Tags["client_id"]
	}
	if clientID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[clientID]
	if t == nil {
		t = &trace{}
		o.traces[clientID] = t
	}
	switch ev.Name {
	case "asr_audio_in":
		if t.audioIn.IsZero() {
			t.audioIn = ev.Time
		}
		if t.traceID == "" && ev.Tags != nil {
			t.traceID = ev.Tags["trace_id"]
		}
	case "asr_final":
		if t.firstFinal.IsZero() {
			t.firstFinal = ev.Time
		}
	case "session_end":
		if t.sessionEnd.IsZero() {
			t.sessionEnd = ev.Time
		}
	case "refine_done":
		t.refineDone = ev.Time
	case "final_result":
		t.finalResult = ev.Time
	case "session_closed", "empty_session":
		o.logSessionLocked(clientID, t)
		delete(o.traces, clientID)
		o.mu.Unlock()
		return
	}
	if !t.finalResult.IsZero() {
		o.logSessionLocked(clientID, t)
		delete(o.traces, clientID)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logSessionLocked(clientID string, t *trace) {
	firstFinalMS := durationMs(t.audioIn, t.firstFinal)
	refineMS := durationMs(t.sessionEnd, t.refineDone)
	deliveryMS := durationMs(t.sessionEnd, t.finalResult)
	o.log.Info("latency",
		"client_id", clientID,
		"trace_id", t.traceID,
		"first_final_ms", firstFinalMS,
		"refine_ms", refineMS,
		"final_delivery_ms", deliveryMS,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
