// Package modules provides the built-in processing modules registered at
// startup.
package modules

import (
	"context"
	"fmt"

	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/memory"
	"github.com/nidhogg/sentio/internal/orchestrator"
	"github.com/nidhogg/sentio/internal/state"
	"go.uber.org/zap"
)

// Recall is one related memory returned to the envelope.
type Recall struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Intensity float64  `json:"intensity"`
	Tags      []string `json:"tags,omitempty"`
}

// Memory recalls related memories for each message and records the
// message as an episodic memory.
type Memory struct {
	store  *memory.Store
	limit  int
	logger *zap.Logger
}

// NewMemory creates the memory module. limit bounds recalls per message.
func NewMemory(store *memory.Store, limit int, logger *zap.Logger) *Memory {
	if limit <= 0 {
		limit = 5
	}
	return &Memory{store: store, limit: limit, logger: logger}
}

func (m *Memory) Name() string { return "memory" }

// HandleMessage recalls before storing so a message never recalls itself.
func (m *Memory) HandleMessage(ctx context.Context, msg orchestrator.Message) (orchestrator.Response, error) {
	related, err := m.store.Retrieve(ctx, memory.Query{Content: msg.Content, Limit: m.limit})
	if err != nil {
		return orchestrator.Response{}, fmt.Errorf("recall: %w", err)
	}

	id, err := m.store.Store(ctx, memory.Input{
		Content:  msg.Content,
		Origin:   "user",
		Kind:     memory.KindEpisodic,
		Category: "conversation",
	})
	if err != nil {
		return orchestrator.Response{}, fmt.Errorf("remember: %w", err)
	}

	recalls := make([]Recall, 0, len(related))
	for _, it := range related {
		recalls = append(recalls, Recall{ID: it.ID, Content: it.Content, Intensity: it.Intensity, Tags: it.Tags})
	}
	summary := fmt.Sprintf("recalled %d related memories", len(recalls))
	if len(recalls) > 0 {
		summary += fmt.Sprintf("; closest: %q", truncate(recalls[0].Content, 80))
	}
	m.logger.Debug("memory module handled message", zap.String("stored", id), zap.Int("recalled", len(recalls)))

	return orchestrator.Response{
		Summary: summary,
		Data:    map[string]any{"stored": id, "recalled": recalls},
		Delta:   state.Delta{Metadata: map[string]any{"memoryItems": m.store.Len()}},
	}, nil
}

// AnalyzeState reports store size and cluster count.
func (m *Memory) AnalyzeState(context.Context, state.State) (state.Delta, error) {
	stats := m.store.Stats()
	return state.Delta{Metadata: map[string]any{
		"memoryItems":    stats.TotalItems,
		"memoryClusters": stats.Clusters,
	}}, nil
}

// Subscriptions records generated code as procedural memory.
func (m *Memory) Subscriptions() map[eventbus.Name]eventbus.Handler {
	return map[eventbus.Name]eventbus.Handler{eventbus.CodeGenerated: m.rememberCode}
}

func (m *Memory) rememberCode(ev eventbus.Event) error {
	res, ok := ev.Payload.(orchestrator.CodeResult)
	if !ok {
		return fmt.Errorf("code_generated payload %T", ev.Payload)
	}
	_, err := m.store.Store(context.Background(), memory.Input{
		Content:  fmt.Sprintf("generated %s code: %s", res.Language, res.Description),
		Origin:   "system",
		Kind:     memory.KindProcedural,
		Category: "code",
		Metadata: map[string]any{"module": res.Module, "language": res.Language},
	})
	if err != nil {
		return fmt.Errorf("remember code: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
