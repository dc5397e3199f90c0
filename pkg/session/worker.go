package session

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ashidome/kikitori/pkg/adapters/asr"
	"github.com/ashidome/kikitori/pkg/errorsx"
	"github.com/ashidome/kikitori/pkg/frames"
	"github.com/ashidome/kikitori/pkg/logging"
	"github.com/ashidome/kikitori/pkg/metrics"
	"github.com/ashidome/kikitori/pkg/redact"
	"github.com/ashidome/kikitori/pkg/resilience"
)

// Worker drains one session's audio queue, drives the streaming
// recognizer, and emits transcript fragments onto the result queue.
// It moves through Streaming -> Draining -> Done and always terminates
// the result stream with exactly one SessionEndFrame, so the dispatcher
// never blocks forever.
type Worker struct {
	sess  *Session
	rec   asr.StreamingRecognizer
	obs   metrics.Observer
	log   *slog.Logger
	retry resilience.RetryPolicy

	// pending is the latest interim fragment with no final successor.
	// If the stream ends while it still holds text, it is re-emitted
	// with the final flag forced so the user's last utterance is not
	// dropped.
	pending    frames.TranscriptFrame
	hasPending bool
}

func NewWorker(sess *Session, rec asr.StreamingRecognizer, obs metrics.Observer) *Worker {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Worker{
		sess:  sess,
		rec:   rec,
		obs:   obs,
		log:   logging.NewComponentLogger(slog.Default(), "worker"),
		retry: resilience.NewRetryPolicy(2, 200*time.Millisecond),
	}
}

func (w *Worker) Run() {
	defer close(w.sess.workerDone)

	if err := w.startRecognizer(); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonASRConnect)
		w.fail(err)
		return
	}
	defer func() { _ = w.rec.Close() }()

	switch w.stream() {
	case streamFailed:
		// terminal recognizer error already reported
		return
	case streamCanceled:
		// session context is gone; nothing downstream can receive a
		// drained result, so skip the drain ceremony entirely
		w.log.Debug("session_canceled", "client_id", w.sess.ClientID)
		return
	case streamEndOfStream:
		w.record("session_drain", nil)
		if err := w.rec.CloseInput(); err != nil {
			w.log.Warn("asr_close_input_failed", "client_id", w.sess.ClientID, "error", err.Error())
		}
		for f := range w.rec.Results() {
			if !w.handleResult(f) {
				return
			}
		}
	case streamResultsClosed:
		w.record("session_drain", nil)
	}

	w.forceFinalize()
	w.sess.pushResult(frames.NewSessionEndFrame(w.sess.ClientID, time.Now().UnixNano(), nil))
	w.record("session_end_emitted", nil)
}

type streamOutcome int

const (
	// streamEndOfStream: the end-of-stream marker arrived; drain the
	// recognizer's remaining output.
	streamEndOfStream streamOutcome = iota
	// streamResultsClosed: the recognizer already closed its result
	// channel, so there is nothing left to drain.
	streamResultsClosed
	// streamCanceled: the session context was canceled out from under
	// the worker (forced removal).
	streamCanceled
	// streamFailed: a terminal failure was already pushed downstream.
	streamFailed
)

// stream consumes the audio queue until the end-of-stream marker.
func (w *Worker) stream() streamOutcome {
	var idleC <-chan time.Time
	var idle *time.Timer
	if w.sess.cfg.IdleTimeout > 0 {
		idle = time.NewTimer(w.sess.cfg.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}
	for {
		select {
		case <-w.sess.ctx.Done():
			return streamCanceled
		case <-idleC:
			w.log.Info("idle_timeout", "client_id", w.sess.ClientID, "timeout", w.sess.cfg.IdleTimeout.String())
			w.sess.SubmitStop()
			idleC = nil
		case f := <-w.sess.audio:
			switch ff := f.(type) {
			case frames.AudioFrame:
				if err := w.sendAudio(ff); err != nil {
					w.fail(err)
					return streamFailed
				}
				if idle != nil {
					if !idle.Stop() {
						select {
						case <-idle.C:
						default:
						}
					}
					idle.Reset(w.sess.cfg.IdleTimeout)
					idleC = idle.C
				}
			case frames.ControlFrame:
				if ff.Code() == frames.ControlEndOfStream {
					return streamEndOfStream
				}
			}
		case f, ok := <-w.rec.Results():
			if !ok {
				return streamResultsClosed
			}
			if !w.handleResult(f) {
				return streamFailed
			}
		}
	}
}

func (w *Worker) sendAudio(af frames.AudioFrame) error {
	defer frames.ReleaseAudioFrame(af)
	w.record("asr_audio_in", nil)
	if err := w.rec.SendAudio(af); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonASRSend)
	}
	return nil
}

// handleResult forwards one recognizer event to the result queue.
// Returns false when the event was a terminal error.
func (w *Worker) handleResult(f frames.Frame) bool {
	switch ff := f.(type) {
	case frames.TranscriptFrame:
		if ff.Final() {
			w.hasPending = false
			w.record("asr_final", map[string]any{"chars": len(ff.Text())})
			w.log.Debug("asr_final", "client_id", w.sess.ClientID, "text", redact.Text(ff.Text()))
		} else {
			w.pending = ff
			w.hasPending = true
		}
		w.sess.pushResult(ff)
		return true
	case frames.ErrorFrame:
		w.record("asr_error", map[string]any{"message": ff.Message()})
		w.log.Error("asr_stream_error", "client_id", w.sess.ClientID, "reason_code", ff.Reason(), "error", ff.Message())
		w.sess.pushResult(ff)
		w.sess.pushResult(frames.NewSessionEndFrame(w.sess.ClientID, time.Now().UnixNano(), nil))
		return false
	default:
		return true
	}
}

// forceFinalize promotes the trailing interim fragment, if any, to a
// final one before the session-end marker is emitted. Skipping this
// silently drops the user's last sentence.
func (w *Worker) forceFinalize() {
	if !w.hasPending || strings.TrimSpace(w.pending.Text()) == "" {
		return
	}
	w.log.Info("force_finalize", "client_id", w.sess.ClientID, "text", redact.Text(w.pending.Text()))
	w.record("force_finalize", map[string]any{"chars": len(w.pending.Text())})
	w.sess.pushResult(w.pending.WithFinal())
	w.hasPending = false
}

func (w *Worker) startRecognizer() error {
	return w.retry.Do(func() error {
		return w.rec.Start(w.sess.ctx)
	})
}

// fail propagates an unrecoverable recognizer error through the result
// queue so the dispatcher sees a terminal marker.
func (w *Worker) fail(err error) {
	reason := string(errorsx.Reason(err))
	w.log.Error("worker_failed", "client_id", w.sess.ClientID, "reason_code", reason, "error", err.Error())
	w.record("asr_error", map[string]any{"message": err.Error()})
	now := time.Now().UnixNano()
	w.sess.pushResult(frames.NewErrorFrame(w.sess.ClientID, now, reason, err.Error(), nil))
	w.sess.pushResult(frames.NewSessionEndFrame(w.sess.ClientID, now, nil))
}

func (w *Worker) record(name string, fields map[string]any) {
	tags := map[string]string{frames.MetaClientID: w.sess.ClientID, "component": "worker"}
	if w.sess.TraceID != "" {
		tags[frames.MetaTraceID] = w.sess.TraceID
	}
	if w.rec != nil {
		tags["provider"] = w.rec.Name()
	}
	w.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}
