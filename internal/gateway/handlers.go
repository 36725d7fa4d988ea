package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nidhogg/sentio/internal/delivery"
	"github.com/nidhogg/sentio/internal/memory"
	"github.com/nidhogg/sentio/internal/orchestrator"
	"go.uber.org/zap"
)

func (s *Server) handleFrame(ctx context.Context, clientID string, data []byte) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.logger.Warn("malformed client frame", zap.String("client", clientID), zap.Error(err))
		s.opt.Enqueue(clientID, errorFrame("malformed message"), delivery.High)
		return
	}

	switch in.Type {
	case TypeConsciousnessQuery:
		s.opt.Enqueue(clientID, stateFrame(s.orch.State()), delivery.PriorityFor(TypeConsciousnessState))
	case TypeChat:
		s.handleChat(ctx, clientID, in)
	case TypePerformanceQuery:
		f := newFrame(TypePerformanceMetrics)
		f.Data = s.opt.Snapshot()
		s.opt.Enqueue(clientID, f, delivery.PriorityFor(TypePerformanceMetrics))
	case TypeSelfCodingRequest:
		s.handleCodeRequest(ctx, clientID, in)
	case TypeMemoryQuery:
		s.handleMemoryQuery(ctx, clientID, in)
	default:
		s.logger.Warn("unknown client frame type", zap.String("client", clientID), zap.String("type", in.Type))
	}
}

// chat runs the chat pipeline and returns the response frame plus the
// follow-up frames. A cached response has no follow-ups.
func (s *Server) chat(ctx context.Context, content string) (*Frame, []*Frame) {
	start := time.Now()
	defer func() { s.opt.RecordResponseTime(time.Since(start)) }()

	key := delivery.CacheKey(delivery.CategoryUserMessage, content)
	if v, ok := s.opt.CacheGet(key); ok {
		if cached, ok := v.(*Frame); ok {
			f := *cached
			f.Timestamp = time.Now()
			f.Metadata = withCached(cached.Metadata)
			return &f, nil
		}
	}

	reply := s.orch.Respond(ctx, content)
	env := reply.Envelope
	active := env.ActiveModules()

	resp := newFrame(TypeResponse)
	resp.Content = reply.Content
	resp.Metadata = map[string]any{
		"totalModulesEngaged": env.TotalModulesEngaged,
		"moduleResponses":     active,
		"processingTimeMs":    env.ProcessingTimeMs,
		"synthesisMs":         reply.SynthesisMs,
		"fallback":            reply.Fallback,
		"cached":              false,
	}
	s.opt.CacheSetCategory(delivery.CategoryUserMessage, key, resp)

	st := stateFrame(env.State)
	st.Metadata = map[string]any{
		"totalModulesEngaged": env.TotalModulesEngaged,
		"activeModules":       active,
		"processingTimeMs":    env.ProcessingTimeMs,
	}

	activity := newFrame(TypeModuleActivity)
	activity.Data = map[string]any{
		"modules":  env.ModuleResponses,
		"failures": env.Failures,
	}
	return resp, []*Frame{st, activity}
}

func withCached(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["cached"] = true
	return out
}

func (s *Server) handleChat(ctx context.Context, clientID string, in Inbound) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		s.opt.Enqueue(clientID, errorFrame("chat content is required"), delivery.High)
		return
	}
	resp, followUps := s.chat(ctx, content)
	s.opt.Enqueue(clientID, resp, delivery.High)
	for _, f := range followUps {
		s.opt.Enqueue(clientID, f, delivery.Medium)
	}
}

func (s *Server) handleCodeRequest(ctx context.Context, clientID string, in Inbound) {
	res, err := s.orch.GenerateCode(ctx, orchestrator.CodeRequest{
		Description: in.Content,
		Language:    in.Language,
	})
	if err != nil {
		msg := "code generation failed"
		if errors.Is(err, orchestrator.ErrNoGenerator) {
			msg = "no code generator available"
		}
		s.logger.Warn("code request failed", zap.String("client", clientID), zap.Error(err))
		s.opt.Enqueue(clientID, errorFrame(msg), delivery.High)
		return
	}
	f := newFrame(TypeCodeResult)
	f.Content = res.Code
	f.Data = res
	s.opt.Enqueue(clientID, f, delivery.High)
}

func (s *Server) handleMemoryQuery(ctx context.Context, clientID string, in Inbound) {
	items, err := s.mem.Retrieve(ctx, memory.Query{Content: in.Content, Tags: in.Tags, Limit: in.Limit})
	if err != nil {
		s.logger.Warn("memory query failed", zap.String("client", clientID), zap.Error(err))
		s.opt.Enqueue(clientID, errorFrame("memory query failed"), delivery.High)
		return
	}
	f := newFrame(TypeMemoryResults)
	f.Data = items
	f.Metadata = map[string]any{"count": len(items)}
	s.opt.Enqueue(clientID, f, delivery.PriorityFor(TypeMemoryResults))
}
