package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashidome/kikitori/pkg/adapters/refine"
	"github.com/ashidome/kikitori/pkg/errorsx"
	"github.com/ashidome/kikitori/pkg/frames"
	"github.com/ashidome/kikitori/pkg/logging"
	"github.com/ashidome/kikitori/pkg/metrics"
	"github.com/ashidome/kikitori/pkg/redact"
	"github.com/ashidome/kikitori/pkg/resilience"
)

// Dispatcher consumes one session's result queue and forwards it to the
// client sink. Final fragments are accumulated; when the SessionEndFrame
// arrives the accumulated text is refined exactly once and delivered as
// the session's final result. An empty session or a failed stream skips
// refinement entirely.
type Dispatcher struct {
	sess    *Session
	sink    Sink
	refiner refine.Refiner
	obs     metrics.Observer
	log     *slog.Logger
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
}

func NewDispatcher(sess *Session, sink Sink, refiner refine.Refiner, obs metrics.Observer) *Dispatcher {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Dispatcher{
		sess:    sess,
		sink:    sink,
		refiner: refiner,
		obs:     obs,
		log:     logging.NewComponentLogger(slog.Default(), "dispatcher"),
		retry:   resilience.NewRetryPolicy(2, 300*time.Millisecond),
		breaker: resilience.NewCircuitBreaker(5, 30*time.Second),
	}
}

func (d *Dispatcher) Run() {
	defer close(d.sess.dispatcherDone)

	failed := false
	for {
		var f frames.Frame
		select {
		case f = <-d.sess.results:
		case <-d.sess.ctx.Done():
			return
		}
		switch ff := f.(type) {
		case frames.TranscriptFrame:
			d.forward(ff)
		case frames.ErrorFrame:
			failed = true
			d.sink.SendError(d.sess.ClientID, ff.Reason(), ff.Message())
		case frames.SessionEndFrame:
			d.sink.SendSessionEnd(d.sess.ClientID)
			d.record("session_end", nil)
			d.finish(failed)
			return
		}
	}
}

func (d *Dispatcher) forward(tf frames.TranscriptFrame) {
	d.sink.SendFragment(d.sess.ClientID, tf.Text(), tf.Final())
	if tf.Final() {
		d.sess.acc.Append(tf.Text())
		d.record("fragment_final", map[string]any{"chars": len(tf.Text())})
	}
}

// finish runs the end-of-session tail: refinement and final delivery.
// It runs after the SessionEndFrame so a slow refiner model can never
// reorder or delay live fragments.
func (d *Dispatcher) finish(failed bool) {
	raw := d.sess.acc.Join()
	d.sess.acc.Reset()
	if failed {
		d.log.Info("refine_skipped", "client_id", d.sess.ClientID, "cause", "stream_error")
		return
	}
	if strings.TrimSpace(raw) == "" {
		d.log.Info("refine_skipped", "client_id", d.sess.ClientID, "cause", "empty_session")
		d.record("empty_session", nil)
		return
	}

	refined := d.refine(raw)
	d.sink.SendFinalResult(d.sess.ClientID, raw, refined)
	d.record("final_result", map[string]any{
		"raw_chars":     len(raw),
		"refined_chars": len(refined),
	})
	d.log.Info("final_result",
		"client_id", d.sess.ClientID,
		"raw_text", redact.Text(raw),
		"refined_text", redact.Text(refined))
}

// refine runs the refiner behind a retry policy and a circuit breaker.
// Any failure degrades to the raw text, never to a lost result.
func (d *Dispatcher) refine(raw string) string {
	if d.refiner == nil {
		return raw
	}
	if !d.breaker.Allow() {
		d.log.Warn("refine_skipped", "client_id", d.sess.ClientID, "cause", "circuit_open")
		d.record("refine_failed", map[string]any{"message": "circuit open"})
		return raw
	}
	start := time.Now()
	var refined string
	err := d.retry.Do(func() error {
		ctx := d.sess.ctx
		if d.sess.cfg.RefineTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.sess.cfg.RefineTimeout)
			defer cancel()
		}
		out, rerr := d.refiner.Refine(ctx, raw)
		if rerr != nil {
			return rerr
		}
		refined = out
		return nil
	})
	if err != nil {
		d.breaker.OnError(err)
		reason := errorsx.Reason(err)
		if reason == errorsx.ReasonUnknown && ctxExpired(err) {
			reason = errorsx.ReasonRefineTimeout
		}
		d.log.Warn("refine_failed",
			"client_id", d.sess.ClientID,
			"provider", d.refiner.Name(),
			"reason_code", string(reason),
			"error", err.Error())
		d.record("refine_failed", map[string]any{"message": err.Error()})
		return raw
	}
	d.breaker.OnSuccess()
	d.record("refine_done", map[string]any{"elapsed_ms": time.Since(start).Milliseconds()})
	return refined
}

func ctxExpired(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), context.DeadlineExceeded.Error())
}

func (d *Dispatcher) record(name string, fields map[string]any) {
	tags := map[string]string{frames.MetaClientID: d.sess.ClientID, "component": "dispatcher"}
	if d.sess.TraceID != "" {
		tags[frames.MetaTraceID] = d.sess.TraceID
	}
	d.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}
