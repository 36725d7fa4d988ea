package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/state"
	"github.com/nidhogg/sentio/internal/synth"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type outcome struct {
	resp  ModuleResponse
	delta state.Delta
	err   error
}

// Process publishes user_message, fans content out to every active
// MessageHandler and merges their results. A failing module is recorded
// in the envelope and never aborts the others.
func (o *Orchestrator) Process(ctx context.Context, content string) Envelope {
	start := time.Now()
	o.publish(eventbus.UserMessage, eventbus.UserMessagePayload{Content: content})

	handlers := o.active(func(e *entry) bool { return e.handler != nil })
	msg := Message{Content: content, State: o.state.Snapshot(), Received: start}

	outcomes := make([]outcome, len(handlers))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, e := range handlers {
		g.Go(func() error {
			outcomes[i] = o.handle(ctx, e, msg)
			return nil
		})
	}
	_ = g.Wait()

	env := Envelope{ModuleResponses: make(map[string]ModuleResponse, len(handlers))}
	var delta state.Delta
	for i, out := range outcomes {
		name := handlers[i].module.Name()
		if out.err != nil {
			env.Failures = append(env.Failures, Failure{Module: name, Error: out.err.Error()})
			o.logger.Warn("module failed", zap.String("module", name), zap.Error(out.err))
			continue
		}
		env.ModuleResponses[name] = out.resp
		delta = delta.Combine(out.delta)
	}
	env.TotalModulesEngaged = len(env.ModuleResponses)
	env.ProcessingTimeMs = millis(time.Since(start))

	delta = delta.Combine(state.Delta{Metadata: map[string]any{
		"lastUserMessage":      content,
		"lastProcessingTimeMs": env.ProcessingTimeMs,
		"activeModules":        env.ActiveModules(),
	}})
	env.State = o.state.Merge(delta)

	o.logger.Debug("message processed",
		zap.Int("engaged", env.TotalModulesEngaged),
		zap.Int("failures", len(env.Failures)),
		zap.Float64("ms", env.ProcessingTimeMs))
	return env
}

func (o *Orchestrator) handle(ctx context.Context, e *entry, msg Message) (out outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("panic: %v", r)}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ModuleTimeout)
	defer cancel()

	resp, err := e.handler.HandleMessage(ctx, msg)
	if err != nil {
		return outcome{err: err}
	}
	return outcome{
		resp: ModuleResponse{
			Module:    e.module.Name(),
			Summary:   resp.Summary,
			Data:      resp.Data,
			ElapsedMs: millis(time.Since(start)),
		},
		delta: resp.Delta,
	}
}

// Respond processes content and synthesizes a reply. Synthesis runs under
// SynthesisTimeout and falls back once to a local reply.
func (o *Orchestrator) Respond(ctx context.Context, content string) Reply {
	env := o.Process(ctx, content)

	pc := synth.PromptContext{
		UserMessage:         content,
		State:               env.State,
		TotalModulesEngaged: env.TotalModulesEngaged,
	}
	for _, name := range env.ActiveModules() {
		pc.Modules = append(pc.Modules, synth.ModuleNote{Module: name, Summary: env.ModuleResponses[name].Summary})
	}

	res := synth.Run(ctx, o.synth, pc, o.cfg.SynthesisTimeout)
	if res.Err != nil {
		o.logger.Warn("synthesis failed, using local response", zap.Error(res.Err))
	}
	return Reply{
		Content:     res.Text,
		Fallback:    res.Fallback,
		SynthesisMs: millis(res.Elapsed),
		Envelope:    env,
	}
}

// GenerateCode dispatches req to the first active CodeGenerator and
// publishes code_generated.
func (o *Orchestrator) GenerateCode(ctx context.Context, req CodeRequest) (res CodeResult, err error) {
	gens := o.active(func(e *entry) bool { return e.generator != nil })
	if len(gens) == 0 {
		return CodeResult{}, ErrNoGenerator
	}
	e := gens[0]
	name := e.module.Name()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generate code via %s: panic: %v", name, r)
		}
	}()

	res, err = e.generator.GenerateCode(ctx, req)
	if err != nil {
		return CodeResult{}, fmt.Errorf("generate code via %s: %w", name, err)
	}
	if res.Module == "" {
		res.Module = name
	}
	if res.GeneratedAt.IsZero() {
		res.GeneratedAt = time.Now()
	}
	o.publish(eventbus.CodeGenerated, res)
	o.logger.Info("code generated", zap.String("module", name), zap.String("language", res.Language))
	return res, nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
