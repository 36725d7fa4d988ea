package synth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubSynth struct {
	text  string
	err   error
	delay time.Duration
	calls int
}

func (s *stubSynth) Synthesize(ctx context.Context, _ PromptContext) (string, error) {
	s.calls++
	if s.delay > 0 {
		// ignores ctx on purpose
		time.Sleep(s.delay)
	}
	return s.text, s.err
}

func TestRunReturnsSynthesis(t *testing.T) {
	s := &stubSynth{text: "hello there"}
	res := Run(context.Background(), s, PromptContext{UserMessage: "hi"}, time.Second)
	if res.Fallback || res.Text != "hello there" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunFallsBackOnceOnError(t *testing.T) {
	s := &stubSynth{err: errors.New("upstream down")}
	pc := PromptContext{UserMessage: "hi", TotalModulesEngaged: 3}
	res := Run(context.Background(), s, pc, time.Second)
	if !res.Fallback || res.Text != Fallback(pc) {
		t.Fatalf("unexpected result %+v", res)
	}
	if s.calls != 1 {
		t.Errorf("synthesizer called %d times, want 1", s.calls)
	}
	if !strings.Contains(res.Text, "3 modules") {
		t.Errorf("fallback text %q", res.Text)
	}
}

func TestRunReturnsWithinTimeout(t *testing.T) {
	s := &stubSynth{text: "late", delay: 2 * time.Second}
	start := time.Now()
	res := Run(context.Background(), s, PromptContext{UserMessage: "hi"}, 50*time.Millisecond)
	elapsed := time.Since(start)

	if !res.Fallback {
		t.Fatal("expected fallback after timeout")
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", res.Err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Run took %s with a 50ms timeout", elapsed)
	}
}

func TestRunWithoutSynthesizer(t *testing.T) {
	res := Run(context.Background(), nil, PromptContext{UserMessage: "x"}, time.Second)
	if !res.Fallback || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestOpenAISynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[1].Content != "what now?" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if !strings.Contains(req.Messages[0].Content, "memory: 2 related") {
			t.Errorf("system prompt missing module notes: %q", req.Messages[0].Content)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  a reply \n"}}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{Endpoint: srv.URL + "/", APIKey: "sk-test"}, zap.NewNop())
	got, err := o.Synthesize(context.Background(), PromptContext{
		UserMessage: "what now?",
		Modules:     []ModuleNote{{Module: "memory", Summary: "2 related"}},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got != "a reply" {
		t.Errorf("got %q", got)
	}
}

func TestOpenAIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{Endpoint: srv.URL}, zap.NewNop())
	if _, err := o.Synthesize(context.Background(), PromptContext{}); err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v, want 429", err)
	}
}

func TestOpenAIHonoursDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	o := NewOpenAI(OpenAIConfig{Endpoint: srv.URL}, zap.NewNop())
	start := time.Now()
	res := Run(context.Background(), o, PromptContext{UserMessage: "slow"}, 50*time.Millisecond)
	if !res.Fallback {
		t.Fatal("expected fallback")
	}
	if time.Since(start) > time.Second {
		t.Errorf("took %s", time.Since(start))
	}
}
