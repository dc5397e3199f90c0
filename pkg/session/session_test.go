package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashidome/kikitori/pkg/frames"
	"github.com/ashidome/kikitori/pkg/metrics"
	"github.com/ashidome/kikitori/pkg/providers/mock"
)

type fragment struct {
	text  string
	final bool
}

type finalResult struct {
	raw     string
	refined string
}

type recordSink struct {
	mu     sync.Mutex
	frags  []fragment
	ends   int
	finals []finalResult
	errs   []string
}

func (s *recordSink) SendFragment(clientID, text string, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frags = append(s.frags, fragment{text: text, final: final})
	return nil
}

func (s *recordSink) SendSessionEnd(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
	return nil
}

func (s *recordSink) SendFinalResult(clientID, rawText, refinedText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, finalResult{raw: rawText, refined: refinedText})
	return nil
}

func (s *recordSink) SendError(clientID, reason, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, message)
	return nil
}

func (s *recordSink) snapshot() ([]fragment, int, []finalResult, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fragment(nil), s.frags...), s.ends,
		append([]finalResult(nil), s.finals...), append([]string(nil), s.errs...)
}

func startSession(t *testing.T, rec *mock.Recognizer, refiner *mock.Refiner, cfg Config) (*Session, *recordSink) {
	t.Helper()
	reg := NewRegistry()
	sess, created := reg.Create(context.Background(), "client-1", "trace-1", cfg)
	if !created {
		t.Fatalf("expected new session")
	}
	t.Cleanup(func() { reg.Remove("client-1") })
	sink := &recordSink{}
	go NewWorker(sess, rec, nil).Run()
	go NewDispatcher(sess, sink, refiner, nil).Run()
	return sess, sink
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not finish")
	}
}

func TestFragmentsStopAndRefine(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	refiner := mock.NewRefiner(mock.RefinerConfig{
		Transform: func(raw string) string { return "refined:" + raw },
	})
	sess, sink := startSession(t, rec, refiner, Config{})

	rec.Emit("你好", false)
	rec.Emit("你好", true)
	rec.Emit("世界", true)
	sess.SubmitStop()
	waitDone(t, sess)

	frags, ends, finals, errs := sink.snapshot()
	want := []fragment{{"你好", false}, {"你好", true}, {"世界", true}}
	if len(frags) != len(want) {
		t.Fatalf("got %d fragments, want %d: %v", len(frags), len(want), frags)
	}
	for i, f := range frags {
		if f != want[i] {
			t.Fatalf("fragment %d = %+v, want %+v", i, f, want[i])
		}
	}
	if ends != 1 {
		t.Fatalf("got %d session ends, want 1", ends)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(finals) != 1 {
		t.Fatalf("got %d final results, want 1", len(finals))
	}
	if finals[0].raw != "你好。世界" {
		t.Fatalf("raw = %q, want %q", finals[0].raw, "你好。世界")
	}
	if finals[0].refined != "refined:你好。世界" {
		t.Fatalf("refined = %q", finals[0].refined)
	}
	calls := refiner.Calls()
	if len(calls) != 1 || calls[0] != "你好。世界" {
		t.Fatalf("refiner calls = %v", calls)
	}
}

func TestForcedFinalizationOfPendingFragment(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	refiner := mock.NewRefiner(mock.RefinerConfig{})
	sess, sink := startSession(t, rec, refiner, Config{})

	rec.Emit("hello", true)
	rec.Emit("world", false)
	// let the worker observe the interim before stop lands
	time.Sleep(50 * time.Millisecond)
	sess.SubmitStop()
	waitDone(t, sess)

	frags, _, finals, _ := sink.snapshot()
	last := frags[len(frags)-1]
	if last.text != "world" || !last.final {
		t.Fatalf("last fragment = %+v, want final world", last)
	}
	if len(finals) != 1 {
		t.Fatalf("got %d final results, want 1", len(finals))
	}
	if !strings.Contains(finals[0].raw, "world") {
		t.Fatalf("raw %q does not contain trailing utterance", finals[0].raw)
	}
	calls := refiner.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0], "world") {
		t.Fatalf("refiner calls = %v", calls)
	}
}

func TestEmptySessionSkipsRefinement(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	refiner := mock.NewRefiner(mock.RefinerConfig{})
	sess, sink := startSession(t, rec, refiner, Config{})

	sess.SubmitStop()
	waitDone(t, sess)

	frags, ends, finals, errs := sink.snapshot()
	if len(frags) != 0 {
		t.Fatalf("unexpected fragments: %v", frags)
	}
	if ends != 1 {
		t.Fatalf("got %d session ends, want 1", ends)
	}
	if len(finals) != 0 {
		t.Fatalf("unexpected final result: %v", finals)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if refiner.CallCount() != 0 {
		t.Fatalf("refiner invoked %d times, want 0", refiner.CallCount())
	}
}

func TestRecognitionErrorSkipsRefinement(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	refiner := mock.NewRefiner(mock.RefinerConfig{})
	sess, sink := startSession(t, rec, refiner, Config{})

	rec.Emit("partial", true)
	time.Sleep(50 * time.Millisecond)
	rec.Fail("stream lost")
	waitDone(t, sess)

	_, ends, finals, errs := sink.snapshot()
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	if ends != 1 {
		t.Fatalf("got %d session ends, want 1", ends)
	}
	if len(finals) != 0 {
		t.Fatalf("final result emitted after recognition error: %v", finals)
	}
	if refiner.CallCount() != 0 {
		t.Fatalf("refiner invoked %d times, want 0", refiner.CallCount())
	}
	_ = sess
}

func TestIdempotentStop(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	refiner := mock.NewRefiner(mock.RefinerConfig{})
	sess, sink := startSession(t, rec, refiner, Config{})

	rec.Emit("once", true)
	time.Sleep(50 * time.Millisecond)
	sess.SubmitStop()
	sess.SubmitStop()
	sess.SubmitStop()
	waitDone(t, sess)

	_, ends, finals, _ := sink.snapshot()
	if ends != 1 {
		t.Fatalf("got %d session ends, want 1", ends)
	}
	if len(finals) != 1 {
		t.Fatalf("got %d final results, want 1", len(finals))
	}
	if refiner.CallCount() != 1 {
		t.Fatalf("refiner invoked %d times, want 1", refiner.CallCount())
	}
}

func TestRefineFailureFallsBackToRaw(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	refiner := mock.NewRefiner(mock.RefinerConfig{Err: errors.New("model unavailable")})
	sess, sink := startSession(t, rec, refiner, Config{})

	rec.Emit("fallback text", true)
	time.Sleep(50 * time.Millisecond)
	sess.SubmitStop()
	waitDone(t, sess)

	_, _, finals, _ := sink.snapshot()
	if len(finals) != 1 {
		t.Fatalf("got %d final results, want 1", len(finals))
	}
	if finals[0].refined != finals[0].raw {
		t.Fatalf("refined %q should fall back to raw %q", finals[0].refined, finals[0].raw)
	}
	if refiner.CallCount() == 0 {
		t.Fatalf("refiner never invoked")
	}
}

func TestRefineTimeoutFallsBackToRaw(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	refiner := mock.NewRefiner(mock.RefinerConfig{Delay: 500 * time.Millisecond})
	sess, sink := startSession(t, rec, refiner, Config{RefineTimeout: 20 * time.Millisecond})

	rec.Emit("slow refine", true)
	time.Sleep(50 * time.Millisecond)
	sess.SubmitStop()
	waitDone(t, sess)

	_, _, finals, _ := sink.snapshot()
	if len(finals) != 1 {
		t.Fatalf("got %d final results, want 1", len(finals))
	}
	if finals[0].refined != finals[0].raw {
		t.Fatalf("refined %q should fall back to raw %q", finals[0].refined, finals[0].raw)
	}
}

func TestAudioRoutedToRecognizer(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{
		ClientID: "client-1",
		OnAudio:  [][]mock.Fragment{{{Text: "chunk one", Final: true}}},
	})
	refiner := mock.NewRefiner(mock.RefinerConfig{})
	sess, sink := startSession(t, rec, refiner, Config{})

	af := frames.NewAudioFrame("client-1", time.Now().UnixNano(), []byte{1, 2, 3, 4}, 16000, 1, nil)
	if err := sess.SubmitAudio(af); err != nil {
		t.Fatalf("submit audio: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	sess.SubmitStop()
	waitDone(t, sess)

	if rec.AudioCalls() != 1 {
		t.Fatalf("recognizer received %d chunks, want 1", rec.AudioCalls())
	}
	if rec.AudioBytes() != 4 {
		t.Fatalf("recognizer received %d bytes, want 4", rec.AudioBytes())
	}
	frags, _, _, _ := sink.snapshot()
	if len(frags) != 1 || frags[0].text != "chunk one" {
		t.Fatalf("fragments = %v", frags)
	}
}

func TestIdleTimeoutForcesStop(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	refiner := mock.NewRefiner(mock.RefinerConfig{})
	sess, sink := startSession(t, rec, refiner, Config{IdleTimeout: 50 * time.Millisecond})

	waitDone(t, sess)

	_, ends, _, _ := sink.snapshot()
	if ends != 1 {
		t.Fatalf("got %d session ends, want 1", ends)
	}
	if !sess.Stopping() {
		t.Fatalf("session should be marked stopping after idle timeout")
	}
}

func TestCustomSeparator(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	refiner := mock.NewRefiner(mock.RefinerConfig{})
	sess, sink := startSession(t, rec, refiner, Config{Separator: " "})

	rec.Emit("hello", true)
	rec.Emit("world", true)
	time.Sleep(50 * time.Millisecond)
	sess.SubmitStop()
	waitDone(t, sess)

	_, _, finals, _ := sink.snapshot()
	if len(finals) != 1 {
		t.Fatalf("got %d final results, want 1", len(finals))
	}
	if finals[0].raw != "hello world" {
		t.Fatalf("raw = %q, want %q", finals[0].raw, "hello world")
	}
}

func TestPipelineEmitsMetrics(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	reg := NewRegistry()
	sess, created := reg.Create(context.Background(), "client-1", "trace-1", Config{})
	if !created {
		t.Fatalf("expected new session")
	}
	t.Cleanup(func() { reg.Remove("client-1") })
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	refiner := mock.NewRefiner(mock.RefinerConfig{})
	sink := &recordSink{}
	go NewWorker(sess, rec, obs).Run()
	go NewDispatcher(sess, sink, refiner, obs).Run()

	rec.Emit("一段话", true)
	time.Sleep(50 * time.Millisecond)
	sess.SubmitStop()
	waitDone(t, sess)

	finals := obs.Named("asr_final")
	if len(finals) != 1 {
		t.Fatalf("asr_final events = %d, want 1", len(finals))
	}
	if finals[0].Tags[frames.MetaClientID] != "client-1" {
		t.Fatalf("asr_final tags = %v", finals[0].Tags)
	}
	if len(obs.Named("refine_done")) != 1 {
		t.Fatalf("refine_done events = %d, want 1", len(obs.Named("refine_done")))
	}
	if len(obs.Named("final_result")) != 1 {
		t.Fatalf("final_result events = %d, want 1", len(obs.Named("final_result")))
	}
}

func TestRemovedSessionSkipsDrain(t *testing.T) {
	reg := NewRegistry()
	sess, created := reg.Create(context.Background(), "client-1", "trace-1", Config{})
	if !created {
		t.Fatalf("expected new session")
	}
	rec := mock.NewRecognizer(mock.RecognizerConfig{ClientID: "client-1"})
	sink := &recordSink{}
	go NewWorker(sess, rec, nil).Run()
	go NewDispatcher(sess, sink, mock.NewRefiner(mock.RefinerConfig{}), nil).Run()

	time.Sleep(20 * time.Millisecond)
	reg.Remove("client-1")

	select {
	case <-sess.WorkerDone():
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not exit after removal")
	}
	if calls := rec.CloseInputCalls(); calls != 0 {
		t.Fatalf("drain ran for a canceled session: close input calls = %d", calls)
	}
	_, ends, _, _ := sink.snapshot()
	if ends != 0 {
		t.Fatalf("session end delivered after cancellation: got %d", ends)
	}
}
