package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/sentio/internal/delivery"
	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/heartbeat"
	"github.com/nidhogg/sentio/internal/memory"
	"github.com/nidhogg/sentio/internal/modules"
	"github.com/nidhogg/sentio/internal/orchestrator"
	"github.com/nidhogg/sentio/internal/state"
	"github.com/nidhogg/sentio/internal/synth"
	"go.uber.org/zap"
)

type quickSynth struct{}

func (quickSynth) Synthesize(_ context.Context, pc synth.PromptContext) (string, error) {
	return "heard: " + pc.UserMessage, nil
}

// stuckSynth ignores its context.
type stuckSynth struct{ release chan struct{} }

func (s stuckSynth) Synthesize(context.Context, synth.PromptContext) (string, error) {
	<-s.release
	return "late", nil
}

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	bus   *eventbus.Bus
	owner *state.Owner
	opt   *delivery.Optimizer
	mem   *memory.Store
}

func newTestEnv(t *testing.T, cfg Config, ocfg orchestrator.Config, s synth.Synthesizer) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	bus := eventbus.New(0, logger)
	owner := state.NewOwner(state.Default(), bus, logger)
	mem := memory.NewStore(memory.DefaultConfig(), nil, nil, bus, logger)

	orch := orchestrator.New(ocfg, owner, bus, s, logger)
	for _, m := range []orchestrator.Module{modules.NewMemory(mem, 3, logger), modules.NewAwareness(), modules.NewCodegen()} {
		if err := orch.Register(m); err != nil {
			t.Fatalf("Register(%s): %v", m.Name(), err)
		}
	}

	hub := NewHub(logger)
	dcfg := delivery.DefaultConfig()
	dcfg.MaxBatchWait = 20 * time.Millisecond
	opt := delivery.New(dcfg, hub.Deliver, logger)
	srv := NewServer(cfg, hub, opt, orch, mem, logger)
	if _, err := srv.Attach(bus); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", srv)
	mux.HandleFunc("POST /message", srv.HandleMessage)
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
		opt.Close()
	})
	return &testEnv{srv: srv, http: hs, bus: bus, owner: owner, opt: opt, mem: mem}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type received struct {
	Type     string          `json:"type"`
	Content  string          `json:"content"`
	Error    string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	State    *state.State    `json:"state"`
	Metadata map[string]any  `json:"metadata"`
	Messages []received      `json:"messages"`
}

// readUntil reads frames, unpacking batches, until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, within time.Duration) received {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(within))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var f received
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if f.Type == typ {
			return f
		}
		for _, m := range f.Messages {
			if m.Type == typ {
				return m
			}
		}
	}
}

func TestConnectSendsInitialState(t *testing.T) {
	env := newTestEnv(t, Config{}, orchestrator.Config{}, quickSynth{})
	conn := env.dial(t)

	readUntil(t, conn, TypeConsciousnessState, 2*time.Second)
	if env.srv.Clients() != 1 {
		t.Fatalf("Clients = %d, want 1", env.srv.Clients())
	}
}

func TestSlowTickBroadcastsState(t *testing.T) {
	env := newTestEnv(t, Config{}, orchestrator.Config{}, quickSynth{})
	conn := env.dial(t)
	first := readUntil(t, conn, TypeConsciousnessState, 2*time.Second)
	if first.State == nil {
		t.Fatal("initial state frame has no state")
	}

	hb := heartbeat.New(heartbeat.Config{Fast: time.Hour, Slow: 30 * time.Millisecond}, env.bus, env.owner, zap.NewNop())
	hb.AddListener(env.srv.orch)
	hb.AddListener(env.srv)
	hb.Start(context.Background())
	defer hb.Stop()

	f := readUntil(t, conn, TypeConsciousnessState, 2*time.Second)
	if f.State == nil {
		t.Fatal("tick state frame has no state")
	}
	if f.State.Version <= first.State.Version {
		t.Fatalf("version = %d, want > %d", f.State.Version, first.State.Version)
	}
	if _, ok := f.State.Metadata["lastHealthCheck"]; !ok {
		t.Fatalf("tick snapshot missing health check: %v", f.State.Metadata)
	}
}

func TestChatProducesResponseAndActivity(t *testing.T) {
	env := newTestEnv(t, Config{}, orchestrator.Config{}, quickSynth{})
	conn := env.dial(t)
	readUntil(t, conn, TypeConsciousnessState, 2*time.Second)

	send(t, conn, Inbound{Type: TypeChat, Content: "hello there"})
	resp := readUntil(t, conn, TypeResponse, 2*time.Second)
	if resp.Content != "heard: hello there" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Metadata["cached"] != false || resp.Metadata["fallback"] != false {
		t.Fatalf("metadata = %v", resp.Metadata)
	}
	if n, _ := resp.Metadata["totalModulesEngaged"].(float64); n != 2 {
		t.Fatalf("totalModulesEngaged = %v, want 2", resp.Metadata["totalModulesEngaged"])
	}
	readUntil(t, conn, TypeModuleActivity, 2*time.Second)

	send(t, conn, Inbound{Type: TypeChat, Content: "hello there"})
	again := readUntil(t, conn, TypeResponse, 2*time.Second)
	if again.Metadata["cached"] != true {
		t.Fatalf("second reply not cached: %v", again.Metadata)
	}
}

func TestChatFallsBackWhenSynthesisHangs(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ocfg := orchestrator.Config{SynthesisTimeout: 100 * time.Millisecond}
	env := newTestEnv(t, Config{}, ocfg, stuckSynth{release: release})
	conn := env.dial(t)
	readUntil(t, conn, TypeConsciousnessState, 2*time.Second)

	start := time.Now()
	send(t, conn, Inbound{Type: TypeChat, Content: "are you there"})
	resp := readUntil(t, conn, TypeResponse, 2*time.Second)
	if resp.Metadata["fallback"] != true {
		t.Fatalf("expected fallback reply, got %v", resp.Metadata)
	}
	if !strings.Contains(resp.Content, `"are you there"`) {
		t.Fatalf("fallback content = %q", resp.Content)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("reply took %v", elapsed)
	}
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	env := newTestEnv(t, Config{}, orchestrator.Config{}, quickSynth{})
	conn := env.dial(t)
	readUntil(t, conn, TypeConsciousnessState, 2*time.Second)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readUntil(t, conn, TypeError, 2*time.Second)
	if f.Error != "malformed message" {
		t.Fatalf("error = %q", f.Error)
	}

	send(t, conn, map[string]string{"type": "telepathy"})
	send(t, conn, Inbound{Type: TypeChat})
	f = readUntil(t, conn, TypeError, 2*time.Second)
	if f.Error != "chat content is required" {
		t.Fatalf("unknown frame was not ignored, got error %q", f.Error)
	}
}

func TestQueriesAndCodeRequest(t *testing.T) {
	env := newTestEnv(t, Config{}, orchestrator.Config{}, quickSynth{})
	if _, err := env.mem.Store(context.Background(), memory.Input{Content: "the lighthouse keeper logs every storm", Origin: "user"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	conn := env.dial(t)
	readUntil(t, conn, TypeConsciousnessState, 2*time.Second)

	send(t, conn, Inbound{Type: TypePerformanceQuery})
	perf := readUntil(t, conn, TypePerformanceMetrics, 2*time.Second)
	var snap delivery.Snapshot
	if err := json.Unmarshal(perf.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.MessagesProcessed == 0 {
		t.Fatal("snapshot shows no processed messages")
	}

	send(t, conn, Inbound{Type: TypeMemoryQuery, Content: "lighthouse storm", Limit: 5})
	res := readUntil(t, conn, TypeMemoryResults, 2*time.Second)
	if n, _ := res.Metadata["count"].(float64); n != 1 {
		t.Fatalf("memory count = %v, want 1", res.Metadata["count"])
	}

	send(t, conn, Inbound{Type: TypeSelfCodingRequest, Content: "parse sensor readings", Language: "python"})
	code := readUntil(t, conn, TypeCodeResult, 2*time.Second)
	if !strings.Contains(code.Content, "def ") {
		t.Fatalf("code = %q", code.Content)
	}

	send(t, conn, Inbound{Type: TypeSelfCodingRequest, Content: "x", Language: "cobol"})
	if f := readUntil(t, conn, TypeError, 2*time.Second); f.Error != "code generation failed" {
		t.Fatalf("error = %q", f.Error)
	}
}

func TestRateLimitedClientGetsError(t *testing.T) {
	env := newTestEnv(t, Config{RatePerSecond: 0.5, RateBurst: 1}, orchestrator.Config{}, quickSynth{})
	conn := env.dial(t)
	readUntil(t, conn, TypeConsciousnessState, 2*time.Second)

	for range 3 {
		send(t, conn, Inbound{Type: TypeConsciousnessQuery})
	}
	f := readUntil(t, conn, TypeError, 2*time.Second)
	if f.Error != "rate limit exceeded" {
		t.Fatalf("error = %q", f.Error)
	}
}

func TestHealthAlertBroadcast(t *testing.T) {
	env := newTestEnv(t, Config{}, orchestrator.Config{}, quickSynth{})
	a, b := env.dial(t), env.dial(t)
	readUntil(t, a, TypeConsciousnessState, 2*time.Second)
	readUntil(t, b, TypeConsciousnessState, 2*time.Second)

	err := env.bus.Publish(eventbus.HealthAlert, eventbus.HealthAlertPayload{Entropy: 0.9, Threshold: 0.75, Message: "entropy high"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		if f := readUntil(t, c, TypeCriticalUpdate, 2*time.Second); f.Content != "entropy high" {
			t.Fatalf("content = %q", f.Content)
		}
	}
}

func TestDisconnectReleasesClient(t *testing.T) {
	env := newTestEnv(t, Config{}, orchestrator.Config{}, quickSynth{})
	conn := env.dial(t)
	readUntil(t, conn, TypeConsciousnessState, 2*time.Second)
	if got := env.opt.Snapshot().ActiveConnections; got != 1 {
		t.Fatalf("ActiveConnections = %d, want 1", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.srv.Clients() != 0 || env.opt.Snapshot().ActiveConnections != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client not released: clients=%d pooled=%d", env.srv.Clients(), env.opt.Snapshot().ActiveConnections)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRESTMessage(t *testing.T) {
	env := newTestEnv(t, Config{}, orchestrator.Config{}, quickSynth{})

	post := func(body string) (int, received) {
		t.Helper()
		resp, err := http.Post(env.http.URL+"/message", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		var f received
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.StatusCode, f
	}

	code, f := post(`{"content":"status report"}`)
	if code != http.StatusOK || f.Type != TypeResponse || f.Content != "heard: status report" {
		t.Fatalf("got %d %+v", code, f)
	}
	if code, f = post(`{"content":"  "}`); code != http.StatusBadRequest || f.Error != "content is required" {
		t.Fatalf("empty content: %d %+v", code, f)
	}
	if code, _ = post(`nope`); code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", code)
	}
}
