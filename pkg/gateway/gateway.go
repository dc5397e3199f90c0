package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashidome/kikitori/pkg/adapters/asr"
	"github.com/ashidome/kikitori/pkg/adapters/refine"
	"github.com/ashidome/kikitori/pkg/errorsx"
	"github.com/ashidome/kikitori/pkg/frames"
	"github.com/ashidome/kikitori/pkg/logging"
	"github.com/ashidome/kikitori/pkg/metrics"
	"github.com/ashidome/kikitori/pkg/session"
)

// ErrUnknownSession is returned when audio or a stop arrives for a
// client with no open session.
var ErrUnknownSession = errorsx.Wrap(errors.New("no open session for client"), errorsx.ReasonUnknownSession)

// RecognizerFactory builds one streaming recognizer per session.
type RecognizerFactory func(cfg asr.Config) (asr.StreamingRecognizer, error)

// Gateway is the ingest surface in front of the session registry. The
// transport hands it raw audio and control signals; it owns session
// creation, the worker/dispatcher pair, and teardown.
type Gateway struct {
	registry *session.Registry
	recs     RecognizerFactory
	refiner  refine.Refiner
	obs      metrics.Observer
	cfg      session.Config
	log      *slog.Logger
}

func New(registry *session.Registry, recs RecognizerFactory, refiner refine.Refiner, obs metrics.Observer, cfg session.Config) *Gateway {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Gateway{
		registry: registry,
		recs:     recs,
		refiner:  refiner,
		obs:      obs,
		cfg:      cfg,
		log:      logging.NewComponentLogger(slog.Default(), "gateway"),
	}
}

// Open creates (or returns) the session for clientID and starts its
// worker and dispatcher. Opening an already-open client is a no-op and
// returns the live session.
func (g *Gateway) Open(ctx context.Context, clientID, traceID string, sink session.Sink) (*session.Session, error) {
	sess, created := g.registry.Create(ctx, clientID, traceID, g.cfg)
	if !created {
		return sess, nil
	}

	rec, err := g.recs(asr.Config{ClientID: clientID, TraceID: traceID})
	if err != nil {
		g.registry.Remove(clientID)
		return nil, errorsx.Wrap(err, errorsx.ReasonASRConnect)
	}

	g.log.Info("session_open", "client_id", clientID, "trace_id", traceID)
	g.obs.RecordEvent(metrics.MetricsEvent{
		Name: "session_open",
		Time: time.Now(),
		Tags: map[string]string{frames.MetaClientID: clientID, frames.MetaTraceID: traceID},
	})

	go session.NewWorker(sess, rec, g.obs).Run()
	go session.NewDispatcher(sess, sink, g.refiner, g.obs).Run()
	go g.reap(sess)
	return sess, nil
}

// reap removes the session from the registry once both of its
// goroutines have finished, so a client ID can be reused.
func (g *Gateway) reap(sess *session.Session) {
	<-sess.WorkerDone()
	<-sess.Done()
	g.registry.Remove(sess.ClientID)
	g.log.Info("session_closed", "client_id", sess.ClientID,
		"elapsed", time.Since(sess.Created).String())
	g.obs.RecordEvent(metrics.MetricsEvent{
		Name: "session_closed",
		Time: time.Now(),
		Tags: map[string]string{frames.MetaClientID: sess.ClientID, frames.MetaTraceID: sess.TraceID},
	})
}

// SubmitAudio routes one audio chunk to the client's session queue.
func (g *Gateway) SubmitAudio(clientID string, f frames.AudioFrame) error {
	sess, ok := g.registry.Get(clientID)
	if !ok {
		frames.ReleaseAudioFrame(f)
		return ErrUnknownSession
	}
	return sess.SubmitAudio(f)
}

// SubmitStop requests end-of-stream for the client's session. Duplicate
// stops are absorbed by the session itself.
func (g *Gateway) SubmitStop(clientID string) error {
	sess, ok := g.registry.Get(clientID)
	if !ok {
		return ErrUnknownSession
	}
	sess.SubmitStop()
	return nil
}

// Session exposes the live session for a client, if any.
func (g *Gateway) Session(clientID string) (*session.Session, bool) {
	return g.registry.Get(clientID)
}

// ClientIDs snapshots the currently open client IDs.
func (g *Gateway) ClientIDs() []string {
	var ids []string
	g.registry.Each(func(s *session.Session) {
		ids = append(ids, s.ClientID)
	})
	return ids
}

// Close stops every open session and waits for the registry to drain.
func (g *Gateway) Close(ctx context.Context) error {
	g.registry.Each(func(s *session.Session) {
		s.SubmitStop()
	})
	if !g.registry.WaitForEmpty(ctx, 50*time.Millisecond) {
		return errors.New("sessions still open after drain deadline")
	}
	return nil
}
