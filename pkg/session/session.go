package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashidome/kikitori/pkg/frames"
	"github.com/ashidome/kikitori/pkg/transcript"
)

// Config carries per-session tunables.
type Config struct {
	AudioQueueCapacity  int
	ResultQueueCapacity int
	// IdleTimeout bounds how long the worker waits for audio before
	// forcing a stop. Zero disables the timeout.
	IdleTimeout time.Duration
	// Separator joins finalized fragments into the raw transcript.
	Separator string
	// RefineTimeout bounds one refinement call. Zero disables it.
	RefineTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AudioQueueCapacity <= 0 {
		c.AudioQueueCapacity = 256
	}
	if c.ResultQueueCapacity <= 0 {
		c.ResultQueueCapacity = 256
	}
	if c.Separator == "" {
		c.Separator = transcript.DefaultSeparator
	}
	return c
}

// Sink receives the outbound events of one session. The transport layer
// implements it; tests use an in-memory recorder.
type Sink interface {
	SendFragment(clientID, text string, final bool) error
	SendSessionEnd(clientID string) error
	SendFinalResult(clientID, rawText, refinedText string) error
	SendError(clientID, reason, message string) error
}

// Session is one dictation interaction from start-of-recording to
// refined-result delivery. The audio queue is written by the ingest
// gateway and read only by this session's worker; the result queue is
// written only by the worker and read only by the dispatcher. No state
// is shared across sessions.
type Session struct {
	ClientID string
	TraceID  string
	Created  time.Time

	cfg     Config
	audio   chan frames.Frame
	results chan frames.Frame
	acc     *transcript.Accumulator

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopped  atomic.Bool

	workerDone     chan struct{}
	dispatcherDone chan struct{}
}

func newSession(ctx context.Context, clientID, traceID string, cfg Config) *Session {
	cfg = cfg.withDefaults()
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		ClientID:       clientID,
		TraceID:        traceID,
		Created:        time.Now(),
		cfg:            cfg,
		audio:          make(chan frames.Frame, cfg.AudioQueueCapacity),
		results:        make(chan frames.Frame, cfg.ResultQueueCapacity),
		acc:            transcript.NewAccumulator(cfg.Separator),
		ctx:            sctx,
		cancel:         cancel,
		workerDone:     make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}
}

func (s *Session) Context() context.Context { return s.ctx }

// SubmitAudio enqueues one chunk on the audio queue. It blocks only on
// queue capacity backpressure.
func (s *Session) SubmitAudio(f frames.AudioFrame) error {
	select {
	case s.audio <- f:
		return nil
	case <-s.ctx.Done():
		frames.ReleaseAudioFrame(f)
		return s.ctx.Err()
	}
}

// SubmitStop enqueues the end-of-stream marker on the audio queue, after
// any chunks already enqueued. Safe to call any number of times; only
// the first call enqueues the marker.
func (s *Session) SubmitStop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		cf := frames.NewControlFrame(s.ClientID, time.Now().UnixNano(), frames.ControlEndOfStream, nil)
		select {
		case s.audio <- cf:
		case <-s.ctx.Done():
		}
	})
}

// Stopping reports whether a stop has already been submitted.
func (s *Session) Stopping() bool { return s.stopped.Load() }

// Done is closed once both the worker and the dispatcher have terminated.
func (s *Session) Done() <-chan struct{} { return s.dispatcherDone }

func (s *Session) WorkerDone() <-chan struct{} { return s.workerDone }

// pushResult places a frame on the result queue in FIFO order.
func (s *Session) pushResult(f frames.Frame) {
	select {
	case s.results <- f:
	case <-s.ctx.Done():
	}
}
