package modules

import (
	"context"
	"strings"
	"testing"

	"github.com/nidhogg/sentio/internal/embedding"
	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/memory"
	"github.com/nidhogg/sentio/internal/orchestrator"
	"github.com/nidhogg/sentio/internal/state"
	"go.uber.org/zap"
)

func newMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	return memory.NewStore(memory.DefaultConfig(), embedding.NewHashProvider(0), memory.NewFlatIndex(), nil, zap.NewNop())
}

func TestMemoryModuleRecallsBeforeStoring(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	if _, err := store.Store(ctx, memory.Input{Content: "the lighthouse keeper watches the harbor at night", Origin: "seed"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := NewMemory(store, 3, zap.NewNop())
	resp, err := m.HandleMessage(ctx, orchestrator.Message{Content: "who watches the harbor at night?"})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	data := resp.Data.(map[string]any)
	recalls := data["recalled"].([]Recall)
	if len(recalls) != 1 || !strings.Contains(recalls[0].Content, "lighthouse") {
		t.Fatalf("recalls = %+v", recalls)
	}
	if store.Len() != 2 {
		t.Errorf("store len = %d, want 2", store.Len())
	}
	stored, err := store.Get(data["stored"].(string))
	if err != nil || stored.Kind != memory.KindEpisodic || stored.Origin != "user" {
		t.Errorf("stored item = %+v, err %v", stored, err)
	}
	if resp.Delta.Metadata["memoryItems"] != 2 {
		t.Errorf("delta metadata = %+v", resp.Delta.Metadata)
	}
}

func TestMemoryModuleRemembersGeneratedCode(t *testing.T) {
	store := newMemoryStore(t)
	bus := eventbus.New(0, zap.NewNop())
	owner := state.NewOwner(state.Default(), bus, zap.NewNop())
	orch := orchestrator.New(orchestrator.Config{}, owner, bus, nil, zap.NewNop())
	for _, m := range []orchestrator.Module{NewMemory(store, 3, zap.NewNop()), NewCodegen()} {
		if err := orch.Register(m); err != nil {
			t.Fatalf("Register(%s): %v", m.Name(), err)
		}
	}

	ctx := context.Background()
	if _, err := orch.GenerateCode(ctx, orchestrator.CodeRequest{Description: "parse sensor readings", Language: "go"}); err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	got, err := store.Retrieve(ctx, memory.Query{Kind: memory.KindProcedural, Category: "code"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || !strings.Contains(got[0].Content, "parse sensor readings") || got[0].Origin != "system" {
		t.Fatalf("procedural memories = %+v", got)
	}

	if err := orch.SetActive("memory", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := orch.GenerateCode(ctx, orchestrator.CodeRequest{Description: "sort invoices", Language: "go"}); err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("inactive module still recorded code: len = %d", store.Len())
	}
}

func TestMemoryModuleAnalyzeState(t *testing.T) {
	store := newMemoryStore(t)
	store.Store(context.Background(), memory.Input{Content: "one quiet memory"})
	d, err := NewMemory(store, 0, zap.NewNop()).AnalyzeState(context.Background(), state.Default())
	if err != nil {
		t.Fatal(err)
	}
	if d.Metadata["memoryItems"] != 1 {
		t.Errorf("metadata = %+v", d.Metadata)
	}
}

func TestAwarenessRaisesAndRelaxes(t *testing.T) {
	a := NewAwareness()
	s := state.Default()

	resp, err := a.HandleMessage(context.Background(), orchestrator.Message{Content: "Are you AWAKE right now?!", State: s})
	if err != nil {
		t.Fatal(err)
	}
	if *resp.Delta.Arousal <= s.Arousal || *resp.Delta.Awareness <= s.Awareness {
		t.Fatalf("engaging message did not raise state: %+v", resp.Delta)
	}

	excited := s.Apply(resp.Delta)
	d, _ := a.AnalyzeState(context.Background(), excited)
	if *d.Arousal >= excited.Arousal || *d.Arousal <= s.Arousal {
		t.Errorf("arousal %v did not relax toward %v from %v", *d.Arousal, s.Arousal, excited.Arousal)
	}
}

func TestEngagementBounds(t *testing.T) {
	if engagement("   ") != 0 {
		t.Error("empty message engaged")
	}
	long := strings.Repeat("WHY?! ", 200)
	if e := engagement(long); e != 1 {
		t.Errorf("engagement = %v, want clamp at 1", e)
	}
}

func TestCodegenLanguages(t *testing.T) {
	c := NewCodegen()
	ctx := context.Background()

	res, err := c.GenerateCode(ctx, orchestrator.CodeRequest{Description: "parse access logs quickly please"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Language != "go" || !strings.Contains(res.Code, "func ParseAccessLogsQuickly(") {
		t.Errorf("go code:\n%s", res.Code)
	}

	res, err = c.GenerateCode(ctx, orchestrator.CodeRequest{Description: "parse access logs", Language: "Python"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Code, "def parse_access_logs(") {
		t.Errorf("python code:\n%s", res.Code)
	}

	if _, err := c.GenerateCode(ctx, orchestrator.CodeRequest{Description: "x", Language: "cobol"}); err == nil {
		t.Error("expected unsupported language error")
	}
	if _, err := c.GenerateCode(ctx, orchestrator.CodeRequest{}); err == nil {
		t.Error("expected empty description error")
	}
}

func TestResonance(t *testing.T) {
	out := Resonance{}.Apply([]float64{0.2, 0.4, 0.6})
	if len(out) != 4 || out[2] != 0.2 || out[3] != 0.6 {
		t.Fatalf("out = %v", out)
	}
	if d := out[0] - 0.4; d > 1e-9 || d < -1e-9 {
		t.Errorf("mean = %v", out[0])
	}
	if (Resonance{}).Apply(nil) != nil {
		t.Error("empty vector produced scores")
	}
}
