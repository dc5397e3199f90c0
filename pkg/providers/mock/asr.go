package mock

import (
	"context"
	"sync"
	"time"

	"github.com/ashidome/kikitori/pkg/adapters/asr"
	"github.com/ashidome/kikitori/pkg/errorsx"
	"github.com/ashidome/kikitori/pkg/frames"
)

// Fragment scripts one recognizer emission.
type Fragment struct {
	Text  string
	Final bool
}

type RecognizerConfig struct {
	ClientID string
	// OnAudio scripts emissions per received chunk: the nth SendAudio
	// emits the nth entry's fragments. Extra chunks emit nothing.
	OnAudio [][]Fragment
	// OnCloseInput is emitted while draining, before Results closes.
	OnCloseInput []Fragment
	StartErr     error
	SendErr      error
}

// Recognizer is a scriptable in-memory recognizer for tests. Beyond the
// scripted behavior, Emit and Fail give a test direct control over the
// result stream.
type Recognizer struct {
	cfg RecognizerConfig
	out chan frames.Frame

	mu         sync.Mutex
	outClosed  bool
	audioCalls int
	audioBytes int
	closeIns   int
	started    bool
	closed     bool
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	return &Recognizer{cfg: cfg, out: make(chan frames.Frame, 64)}
}

func (r *Recognizer) Name() string { return "mock" }

func (r *Recognizer) Start(ctx context.Context) error {
	if r.cfg.StartErr != nil {
		return r.cfg.StartErr
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	if r.cfg.SendErr != nil {
		return r.cfg.SendErr
	}
	r.mu.Lock()
	idx := r.audioCalls
	r.audioCalls++
	r.audioBytes += len(frame.RawPayload())
	r.mu.Unlock()
	if idx < len(r.cfg.OnAudio) {
		for _, fr := range r.cfg.OnAudio[idx] {
			r.Emit(fr.Text, fr.Final)
		}
	}
	return nil
}

func (r *Recognizer) CloseInput() error {
	r.mu.Lock()
	r.closeIns++
	r.mu.Unlock()
	for _, fr := range r.cfg.OnCloseInput {
		r.Emit(fr.Text, fr.Final)
	}
	r.shutOut()
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

func (r *Recognizer) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.shutOut()
	return nil
}

// Emit pushes one transcript fragment as if recognition produced it.
func (r *Recognizer) Emit(text string, final bool) {
	r.push(frames.NewTranscriptFrame(r.cfg.ClientID, time.Now().UnixNano(), text, final, nil))
}

// Fail pushes a terminal recognition error and closes the stream.
func (r *Recognizer) Fail(msg string) {
	r.push(frames.NewErrorFrame(r.cfg.ClientID, time.Now().UnixNano(),
		string(errorsx.ReasonASRStream), msg, nil))
	r.shutOut()
}

func (r *Recognizer) CloseInputCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeIns
}

func (r *Recognizer) AudioCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioCalls
}

func (r *Recognizer) AudioBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioBytes
}

func (r *Recognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Recognizer) push(f frames.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outClosed {
		return
	}
	select {
	case r.out <- f:
	default:
	}
}

func (r *Recognizer) shutOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.outClosed {
		r.outClosed = true
		close(r.out)
	}
}

var _ asr.StreamingRecognizer = (*Recognizer)(nil)
