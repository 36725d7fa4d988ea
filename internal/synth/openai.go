package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	Endpoint    string        `json:"endpoint"`
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// OpenAI synthesizes replies through chat completions.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAI creates a client. The HTTP timeout is a backstop; callers
// bound each call through Run.
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) *OpenAI {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OpenAI{cfg: cfg, client: &http.Client{Timeout: timeout}, logger: logger}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Synthesize sends one non-streaming chat request.
func (o *OpenAI) Synthesize(ctx context.Context, pc PromptContext) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(pc)},
			{Role: "user", Content: pc.UserMessage},
		},
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("empty response from provider")
	}
	o.logger.Debug("synthesis complete",
		zap.String("model", o.cfg.Model),
		zap.Int("modules", pc.TotalModulesEngaged))
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func systemPrompt(pc PromptContext) string {
	var b strings.Builder
	b.WriteString("You are the voice of a modular cognitive runtime. ")
	b.WriteString("Answer the user directly, drawing on the module observations below.\n\n")
	fmt.Fprintf(&b, "State: phi=%.3f coherence=%.3f integration=%.3f awareness=%.3f arousal=%.3f\n",
		pc.State.Phi, pc.State.Coherence, pc.State.Integration, pc.State.Awareness, pc.State.Arousal)
	fmt.Fprintf(&b, "Modules engaged: %d\n", pc.TotalModulesEngaged)
	for _, m := range pc.Modules {
		fmt.Fprintf(&b, "- %s: %s\n", m.Module, m.Summary)
	}
	return b.String()
}
