package embedding

import "context"

// Provider generates vector embeddings from text.
// Vectors returned by one provider always share the same dimension.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "hash", "openai" or "ollama"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds the provider named by cfg.Provider, defaulting to the
// in-process hash embedder.
func New(cfg Config) Provider {
	switch cfg.Provider {
	case "openai", "ollama":
		return NewHTTPProvider(cfg)
	default:
		return NewHashProvider(cfg.Dimension)
	}
}
