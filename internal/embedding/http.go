package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPProvider calls a remote embedding service. It speaks either the
// OpenAI batch dialect (POST {endpoint}/embeddings) or the Ollama
// single-prompt dialect (POST {endpoint}/api/embeddings).
type HTTPProvider struct {
	cfg    Config
	client *http.Client
	dim    atomic.Int64
}

// NewHTTPProvider creates a remote embedder from cfg.
func NewHTTPProvider(cfg Config) *HTTPProvider {
	p := &HTTPProvider{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
	p.dim.Store(int64(cfg.Dimension))
	return p
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns one vector per text, in order.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out [][]float32
	if p.cfg.Provider == "ollama" {
		out = make([][]float32, 0, len(texts))
		for _, t := range texts {
			var resp ollamaEmbedResponse
			if err := p.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: p.cfg.Model, Prompt: t}, &resp); err != nil {
				return nil, err
			}
			out = append(out, resp.Embedding)
		}
	} else {
		var resp openAIEmbedResponse
		if err := p.post(ctx, "/embeddings", openAIEmbedRequest{Model: p.cfg.Model, Input: texts}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) != len(texts) {
			return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
		}
		out = make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			out[i] = d.Embedding
		}
	}

	if len(out[0]) > 0 {
		p.dim.Store(int64(len(out[0])))
	}
	return out, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, body, into any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedding: status %d: %s", resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

// Dimension reports the width observed on the last successful call, or
// the configured width before any call.
func (p *HTTPProvider) Dimension() int { return int(p.dim.Load()) }
