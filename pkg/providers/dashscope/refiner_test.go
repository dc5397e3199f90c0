package dashscope

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashidome/kikitori/pkg/errorsx"
	"github.com/ashidome/kikitori/pkg/resilience"
)

func newTestRefiner(srv *httptest.Server) *Refiner {
	return New(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "qwen-plus"})
}

func chatReply(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":"` + content + `"}}]}`
}

func TestRefineSuccess(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(chatReply("你好，世界。")))
	}))
	defer srv.Close()

	refined, err := newTestRefiner(srv).Refine(context.Background(), "你好 世界")
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if refined != "你好，世界。" {
		t.Fatalf("refined = %q", refined)
	}
	if gotReq.Model != "qwen-plus" {
		t.Fatalf("model = %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Content != "你好 世界" {
		t.Fatalf("messages = %+v", gotReq.Messages)
	}
}

func TestRefineRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestRefiner(srv).Refine(context.Background(), "text")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonRefineRateLimit) {
		t.Fatalf("reason = %s", errorsx.Reason(err))
	}
	if !resilience.IsRateLimit(err) {
		t.Fatalf("not classified as rate limit: %v", err)
	}
}

func TestRefineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestRefiner(srv).Refine(context.Background(), "text")
	if !errorsx.HasReason(err, errorsx.ReasonRefineCall) {
		t.Fatalf("err = %v", err)
	}
}

func TestRefineEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestRefiner(srv).Refine(context.Background(), "text")
	if !errorsx.HasReason(err, errorsx.ReasonRefineCall) {
		t.Fatalf("err = %v", err)
	}
}

func TestRefineBlankContentFallsBackToRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatReply("  ")))
	}))
	defer srv.Close()

	refined, err := newTestRefiner(srv).Refine(context.Background(), "raw text")
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if refined != "raw text" {
		t.Fatalf("refined = %q, want raw fallback", refined)
	}
}

func TestRefineMissingAPIKey(t *testing.T) {
	r := New(Config{})
	if _, err := r.Refine(context.Background(), "text"); err == nil {
		t.Fatal("expected error without api key")
	}
}
