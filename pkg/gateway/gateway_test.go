package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashidome/kikitori/pkg/adapters/asr"
	"github.com/ashidome/kikitori/pkg/errorsx"
	"github.com/ashidome/kikitori/pkg/frames"
	"github.com/ashidome/kikitori/pkg/providers/mock"
	"github.com/ashidome/kikitori/pkg/session"
)

type nullSink struct {
	mu     sync.Mutex
	finals int
	ends   int
}

func (s *nullSink) SendFragment(clientID, text string, final bool) error { return nil }

func (s *nullSink) SendSessionEnd(clientID string) error {
	s.mu.Lock()
	s.ends++
	s.mu.Unlock()
	return nil
}

func (s *nullSink) SendFinalResult(clientID, rawText, refinedText string) error {
	s.mu.Lock()
	s.finals++
	s.mu.Unlock()
	return nil
}

func (s *nullSink) SendError(clientID, reason, message string) error { return nil }

func newTestGateway(t *testing.T) (*Gateway, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry()
	factory := func(cfg asr.Config) (asr.StreamingRecognizer, error) {
		return mock.NewRecognizer(mock.RecognizerConfig{ClientID: cfg.ClientID}), nil
	}
	gw := New(reg, factory, mock.NewRefiner(mock.RefinerConfig{}), nil, session.Config{})
	return gw, reg
}

func TestGatewayUnknownSession(t *testing.T) {
	gw, _ := newTestGateway(t)

	af := frames.NewAudioFrame("ghost", time.Now().UnixNano(), []byte{1}, 16000, 1, nil)
	if err := gw.SubmitAudio("ghost", af); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("submit audio err = %v, want ErrUnknownSession", err)
	}
	if err := gw.SubmitStop("ghost"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("submit stop err = %v, want ErrUnknownSession", err)
	}
	if !errorsx.HasReason(ErrUnknownSession, errorsx.ReasonUnknownSession) {
		t.Fatalf("ErrUnknownSession missing reason code")
	}
}

func TestGatewayOpenIsIdempotent(t *testing.T) {
	gw, reg := newTestGateway(t)
	sink := &nullSink{}

	first, err := gw.Open(context.Background(), "c1", "t1", sink)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := gw.Open(context.Background(), "c1", "t1", sink)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if first != second {
		t.Fatalf("expected existing session on duplicate open")
	}
	if reg.Count() != 1 {
		t.Fatalf("count = %d, want 1", reg.Count())
	}
	_ = gw.SubmitStop("c1")
	waitEmpty(t, reg)
}

func TestGatewaySessionRemovedAfterStop(t *testing.T) {
	gw, reg := newTestGateway(t)
	sink := &nullSink{}

	if _, err := gw.Open(context.Background(), "c1", "", sink); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := gw.SubmitStop("c1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitEmpty(t, reg)

	// the client id is reusable once the session is reaped
	if _, err := gw.Open(context.Background(), "c1", "", sink); err != nil {
		t.Fatalf("reopen after reap: %v", err)
	}
	_ = gw.SubmitStop("c1")
	waitEmpty(t, reg)
}

func TestGatewayOpenFailsWhenRecognizerFails(t *testing.T) {
	reg := session.NewRegistry()
	factory := func(cfg asr.Config) (asr.StreamingRecognizer, error) {
		return nil, errors.New("no upstream")
	}
	gw := New(reg, factory, mock.NewRefiner(mock.RefinerConfig{}), nil, session.Config{})

	if _, err := gw.Open(context.Background(), "c1", "", &nullSink{}); err == nil {
		t.Fatalf("expected open to fail")
	}
	if reg.Count() != 0 {
		t.Fatalf("failed open left a session behind")
	}
}

func TestGatewayClose(t *testing.T) {
	gw, reg := newTestGateway(t)
	sink := &nullSink{}
	for _, id := range []string{"c1", "c2", "c3"} {
		if _, err := gw.Open(context.Background(), id, "", sink); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := gw.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if reg.Count() != 0 {
		t.Fatalf("count after close = %d, want 0", reg.Count())
	}
}

func TestGatewayClientIDs(t *testing.T) {
	gw, reg := newTestGateway(t)
	sink := &nullSink{}
	if _, err := gw.Open(context.Background(), "c1", "", sink); err != nil {
		t.Fatalf("open: %v", err)
	}
	ids := gw.ClientIDs()
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("client ids = %v", ids)
	}
	_ = gw.SubmitStop("c1")
	waitEmpty(t, reg)
}

func waitEmpty(t *testing.T, reg *session.Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !reg.WaitForEmpty(ctx, 10*time.Millisecond) {
		t.Fatalf("registry never drained")
	}
}
