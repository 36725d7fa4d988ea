// Package synth turns an orchestration result into a natural-language reply
// through an external language model, with a local fallback.
package synth

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/sentio/internal/state"
)

// DefaultTimeout bounds a single synthesis call.
const DefaultTimeout = 20 * time.Second

// ModuleNote summarises one module's contribution.
type ModuleNote struct {
	Module  string `json:"module"`
	Summary string `json:"summary"`
}

// PromptContext is everything a synthesizer may draw on.
type PromptContext struct {
	UserMessage         string       `json:"user_message"`
	State               state.State  `json:"state"`
	Modules             []ModuleNote `json:"modules"`
	TotalModulesEngaged int          `json:"total_modules_engaged"`
}

// Synthesizer produces reply text.
type Synthesizer interface {
	Synthesize(ctx context.Context, pc PromptContext) (string, error)
}

// Result is the outcome of Run.
type Result struct {
	Text     string
	Fallback bool
	Err      error
	Elapsed  time.Duration
}

// Run calls s under timeout and returns the local fallback on error or
// deadline. It returns within timeout even if s ignores cancellation.
// The call is never retried.
func Run(ctx context.Context, s Synthesizer, pc PromptContext, timeout time.Duration) Result {
	start := time.Now()
	if s == nil {
		return Result{Text: Fallback(pc), Fallback: true, Elapsed: time.Since(start)}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		text, err := s.Synthesize(ctx, pc)
		done <- reply{text, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.text != "" {
			return Result{Text: r.text, Elapsed: time.Since(start)}
		}
		err := r.err
		if err == nil {
			err = fmt.Errorf("empty synthesis")
		}
		return Result{Text: Fallback(pc), Fallback: true, Err: err, Elapsed: time.Since(start)}
	case <-ctx.Done():
		return Result{
			Text:     Fallback(pc),
			Fallback: true,
			Err:      fmt.Errorf("synthesis: %w", ctx.Err()),
			Elapsed:  time.Since(start),
		}
	}
}

// Fallback is the deterministic local reply.
func Fallback(pc PromptContext) string {
	return fmt.Sprintf("I'm processing your message %q through my unified system. %d modules are actively engaged in understanding and responding to you.",
		pc.UserMessage, pc.TotalModulesEngaged)
}
